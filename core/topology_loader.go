// core/topology_loader.go
package core

import (
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/Rusteze-AP/simulation-controller/model"
)

// ErrInvalidTopology wraps every structural problem found in a topology file.
var ErrInvalidTopology = errors.New("invalid topology")

var validate = validator.New()

// YAML shapes stay unexported; model.Topology is the public form.
type topologyYAML struct {
	Drones  []droneYAML  `yaml:"drone" validate:"dive"`
	Clients []clientYAML `yaml:"client" validate:"dive"`
	Servers []serverYAML `yaml:"server" validate:"dive"`
}

type droneYAML struct {
	ID        *int    `yaml:"id" validate:"required,min=0,max=255"`
	Connected []int   `yaml:"connected_node_ids" validate:"unique,dive,min=0,max=255"`
	PDR       float64 `yaml:"pdr" validate:"gte=0,lte=1"`
}

type clientYAML struct {
	ID        *int  `yaml:"id" validate:"required,min=0,max=255"`
	Connected []int `yaml:"connected_drone_ids" validate:"unique,dive,min=0,max=255"`
}

type serverYAML struct {
	ID        *int  `yaml:"id" validate:"required,min=0,max=255"`
	Connected []int `yaml:"connected_drone_ids" validate:"unique,dive,min=0,max=255"`
}

// LoadTopologyFile opens path and decodes it with LoadTopology.
func LoadTopologyFile(path string) (model.Topology, error) {
	f, err := os.Open(path)
	if err != nil {
		return model.Topology{}, fmt.Errorf("LoadTopologyFile: %w", err)
	}
	defer f.Close()
	return LoadTopology(f)
}

// LoadTopology decodes a YAML topology from r and validates it. Structural
// problems are reported together, each wrapping ErrInvalidTopology.
//
// Beyond field-level tags, the loader checks that ids are unique across
// kinds, that every neighbor is declared, that no node lists itself, and that
// clients and servers only attach to drones.
func LoadTopology(r io.Reader) (model.Topology, error) {
	var payload topologyYAML
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&payload); err != nil {
		if errors.Is(err, io.EOF) {
			return model.Topology{}, fmt.Errorf("%w: empty document", ErrInvalidTopology)
		}
		return model.Topology{}, fmt.Errorf("%w: decode failed: %v", ErrInvalidTopology, err)
	}
	if err := validate.Struct(&payload); err != nil {
		return model.Topology{}, formatValidationError(err)
	}

	t := model.Topology{
		Drones:  make([]model.NodeSpec, 0, len(payload.Drones)),
		Clients: make([]model.NodeSpec, 0, len(payload.Clients)),
		Servers: make([]model.NodeSpec, 0, len(payload.Servers)),
	}
	for _, d := range payload.Drones {
		t.Drones = append(t.Drones, model.NodeSpec{
			ID:        model.NodeID(*d.ID),
			Kind:      model.KindDrone,
			Neighbors: toIDs(d.Connected),
			DropRate:  d.PDR,
		})
	}
	for _, c := range payload.Clients {
		t.Clients = append(t.Clients, model.NodeSpec{
			ID:        model.NodeID(*c.ID),
			Kind:      model.KindClient,
			Neighbors: toIDs(c.Connected),
		})
	}
	for _, s := range payload.Servers {
		t.Servers = append(t.Servers, model.NodeSpec{
			ID:        model.NodeID(*s.ID),
			Kind:      model.KindServer,
			Neighbors: toIDs(s.Connected),
		})
	}

	if err := CheckTopology(t); err != nil {
		return model.Topology{}, err
	}
	return t, nil
}

// CheckTopology runs the cross-reference checks on an already decoded
// topology.
func CheckTopology(t model.Topology) error {
	kinds := make(map[model.NodeID]model.NodeKind, t.Len())
	var errs []error

	for _, n := range t.All() {
		if prev, dup := kinds[n.ID]; dup {
			errs = append(errs, fmt.Errorf("%w: id %d declared as %s and %s", ErrInvalidTopology, n.ID, prev, n.Kind))
			continue
		}
		kinds[n.ID] = n.Kind
	}

	for _, n := range t.All() {
		for _, peer := range n.Neighbors {
			if peer == n.ID {
				errs = append(errs, fmt.Errorf("%w: %s %d lists itself as neighbor", ErrInvalidTopology, n.Kind, n.ID))
				continue
			}
			peerKind, ok := kinds[peer]
			if !ok {
				errs = append(errs, fmt.Errorf("%w: %s %d lists undeclared neighbor %d", ErrInvalidTopology, n.Kind, n.ID, peer))
				continue
			}
			if n.Kind.IsEndpoint() && peerKind != model.KindDrone {
				errs = append(errs, fmt.Errorf("%w: %s %d attaches to %s %d; only drones are allowed", ErrInvalidTopology, n.Kind, n.ID, peerKind, peer))
			}
		}
	}
	return errors.Join(errs...)
}

func toIDs(raw []int) []model.NodeID {
	out := make([]model.NodeID, len(raw))
	for i, v := range raw {
		out[i] = model.NodeID(v)
	}
	return out
}

func formatValidationError(err error) error {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return fmt.Errorf("%w: %v", ErrInvalidTopology, err)
	}

	out := make([]error, 0, len(verrs))
	for _, e := range verrs {
		field := e.Namespace()
		switch e.Tag() {
		case "required":
			out = append(out, fmt.Errorf("%w: %s: field is required", ErrInvalidTopology, field))
		case "unique":
			out = append(out, fmt.Errorf("%w: %s: duplicate neighbor", ErrInvalidTopology, field))
		case "min", "max":
			out = append(out, fmt.Errorf("%w: %s: node ids lie in [0,255], got %v", ErrInvalidTopology, field, e.Value()))
		case "gte", "lte":
			out = append(out, fmt.Errorf("%w: %s: must lie in [0,1], got %v", ErrInvalidTopology, field, e.Value()))
		default:
			out = append(out, fmt.Errorf("%w: %s: validation failed (%s)", ErrInvalidTopology, field, e.Tag()))
		}
	}
	return errors.Join(out...)
}
