package syncrun

import (
	"context"
	"fmt"

	"golang.org/x/sync/errgroup"

	"airweave.ai/core/common"
)

// Dispatcher fans one resolved batch out to its handlers: all non-metadata
// handlers concurrently, fail-fast, and the metadata handler only after
// every one of them succeeded. A failed batch therefore never commits
// metadata, and a retry re-resolves the same actions.
type Dispatcher struct {
	handlers []Handler
	metadata Handler
	logger   *common.ContextLogger
}

// NewDispatcher builds a dispatcher. metadata may be nil when the run has
// the metadata handler disabled.
func NewDispatcher(handlers []Handler, metadata Handler, logger *common.ContextLogger) *Dispatcher {
	if logger == nil {
		logger = common.NewContextLogger(nil, map[string]interface{}{"component": "dispatcher"})
	}
	return &Dispatcher{handlers: handlers, metadata: metadata, logger: logger}
}

// Dispatch applies the batch. Handler errors surface as sync failures.
func (d *Dispatcher) Dispatch(ctx context.Context, batch *ActionBatch) error {
	if batch.Empty() {
		return nil
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, h := range d.handlers {
		h := h
		g.Go(func() error {
			if err := h.Handle(gctx, batch); err != nil {
				return fmt.Errorf("%s handler: %w", h.Name(), err)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return common.SyncFailure("dispatching batch", err)
	}

	if d.metadata != nil {
		if err := d.metadata.Handle(ctx, batch); err != nil {
			return common.SyncFailure("committing batch metadata", err)
		}
	}
	return nil
}
