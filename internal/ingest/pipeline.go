package ingest

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/banshee-data/roverlog/internal/monitoring"
)

// DefaultMailbox is the arrival queue length between workers and consumer.
const DefaultMailbox = 256

// Pipeline wires one worker per source into a single consumer.
type Pipeline struct {
	workers  []*Worker
	consumer *Consumer
	mailbox  int

	mu     sync.Mutex
	failed map[string]error
}

// NewPipeline creates a pipeline. mailbox <= 0 selects DefaultMailbox.
func NewPipeline(workers []*Worker, consumer *Consumer, mailbox int) *Pipeline {
	if mailbox <= 0 {
		mailbox = DefaultMailbox
	}
	return &Pipeline{
		workers:  workers,
		consumer: consumer,
		mailbox:  mailbox,
		failed:   make(map[string]error),
	}
}

// Failed returns the workers that aborted on ErrTooManyErrors.
func (p *Pipeline) Failed() map[string]error {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make(map[string]error, len(p.failed))
	for k, v := range p.failed {
		out[k] = v
	}
	return out
}

// Run starts the workers and the consumer. sources[i] feeds workers[i]. A
// worker that gives up on its stream is logged and the others continue. Run
// returns once every source is exhausted and the consumer has drained the
// mailbox, or when ctx is cancelled.
func (p *Pipeline) Run(ctx context.Context, sources []<-chan Burst) error {
	if len(sources) != len(p.workers) {
		return fmt.Errorf("%d sources for %d workers", len(sources), len(p.workers))
	}

	g, gctx := errgroup.WithContext(ctx)
	arrivals := make(chan Arrival, p.mailbox)

	var workers sync.WaitGroup
	for i, w := range p.workers {
		workers.Add(1)
		src := sources[i]
		g.Go(func() error {
			defer workers.Done()
			err := w.Run(gctx, src, arrivals)
			if errors.Is(err, ErrTooManyErrors) {
				monitoring.Opsf("pipeline: %v; other sources continue", err)
				p.mu.Lock()
				p.failed[w.Name()] = err
				p.mu.Unlock()
				return nil
			}
			return err
		})
	}
	g.Go(func() error {
		workers.Wait()
		close(arrivals)
		return nil
	})
	g.Go(func() error {
		return p.consumer.Run(gctx, arrivals)
	})

	err := g.Wait()
	if ctx.Err() != nil && errors.Is(err, ctx.Err()) {
		return nil
	}
	return err
}
