package engine

import (
	"context"
	"fmt"

	"github.com/Rusteze-AP/simulation-controller/core"
	"github.com/Rusteze-AP/simulation-controller/internal/controller"
	"github.com/Rusteze-AP/simulation-controller/internal/logging"
)

// Loader builds engines from YAML topology files. It satisfies
// controller.Loader.
type Loader struct {
	Log  logging.Logger
	Opts []Option
}

var _ controller.Loader = (*Loader)(nil)

// Load decodes and validates the topology at source and builds an engine
// for it.
func (l *Loader) Load(ctx context.Context, source string) (controller.Engine, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	topo, err := core.LoadTopologyFile(source)
	if err != nil {
		return nil, fmt.Errorf("load %s: %w", source, err)
	}
	opts := append([]Option{WithLogger(l.Log)}, l.Opts...)
	return New(topo, opts...), nil
}
