package herd

import (
	"context"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/theirongolddev/herd/internal/fault"
	"github.com/theirongolddev/herd/internal/registry"
	"github.com/theirongolddev/herd/internal/target"
)

// checkParallelism bounds concurrent liveness checks.
const checkParallelism = 8

// ListOptions configures a worker listing
type ListOptions struct {
	// Check confirms each worker's primary pane is live. Dead workers are
	// pruned from the registry as a side effect.
	Check bool
}

// WorkerInfo is one listed worker
type WorkerInfo struct {
	registry.Worker
	// Live is set only when the listing was checked.
	Live  *bool  `json:"live,omitempty"`
	Error string `json:"error,omitempty"`
}

// Lister lists registered workers
type Lister struct {
	reg *registry.Registry
	res *target.Resolver
}

// NewLister creates a new Lister
func NewLister(reg *registry.Registry, res *target.Resolver) *Lister {
	return &Lister{reg: reg, res: res}
}

// List returns every registered worker ordered by id.
func (l *Lister) List(ctx context.Context, opts ListOptions) ([]WorkerInfo, error) {
	workers, err := l.reg.List(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]WorkerInfo, len(workers))
	for i, w := range workers {
		out[i] = WorkerInfo{Worker: w}
	}
	if !opts.Check {
		return out, nil
	}

	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(checkParallelism)
	for i := range out {
		g.Go(func() error {
			_, err := l.res.Primary(gctx, out[i].ID)
			live := err == nil
			mu.Lock()
			defer mu.Unlock()
			out[i].Live = &live
			switch fault.KindOf(err) {
			case "":
				if err != nil {
					return err
				}
			case fault.KindRegistryUnavailable:
				return err
			default:
				out[i].Error = err.Error()
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}
