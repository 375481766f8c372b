package model

// NodeSpec is a node as declared by a loaded configuration.
type NodeSpec struct {
	ID        NodeID
	Kind      NodeKind
	Neighbors []NodeID
	// DropRate is only meaningful for drones.
	DropRate float64
}

// Topology is the declared node set of a configuration, split by kind. The
// order inside each slice defines the node's Position.
type Topology struct {
	Drones  []NodeSpec
	Clients []NodeSpec
	Servers []NodeSpec
}

// All returns drones, then clients, then servers.
func (t Topology) All() []NodeSpec {
	all := make([]NodeSpec, 0, len(t.Drones)+len(t.Clients)+len(t.Servers))
	all = append(all, t.Drones...)
	all = append(all, t.Clients...)
	all = append(all, t.Servers...)
	return all
}

// ByKind returns the slice holding nodes of kind k.
func (t Topology) ByKind(k NodeKind) []NodeSpec {
	switch k {
	case KindDrone:
		return t.Drones
	case KindClient:
		return t.Clients
	case KindServer:
		return t.Servers
	default:
		return nil
	}
}

// Len returns the number of declared nodes.
func (t Topology) Len() int {
	return len(t.Drones) + len(t.Clients) + len(t.Servers)
}
