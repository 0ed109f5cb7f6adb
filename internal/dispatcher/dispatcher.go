// Package dispatcher manages tracker fan-out over the job queue.
package dispatcher

import (
	"context"
	"fmt"
	"sync"

	"github.com/offerscout/offerscout/internal/scrape"
	"github.com/offerscout/offerscout/internal/tracker"
)

// Dispatcher fans out queued jobs to a pool of trackers.
type Dispatcher struct {
	queue    scrape.Queue
	trackers []*tracker.Tracker
}

// New creates a Dispatcher.
func New(queue scrape.Queue, trackers []*tracker.Tracker) *Dispatcher {
	return &Dispatcher{
		queue:    queue,
		trackers: trackers,
	}
}

// Run starts all trackers and blocks until the context finishes.
func (d *Dispatcher) Run(ctx context.Context) {
	var wg sync.WaitGroup
	for _, t := range d.trackers {
		wg.Add(1)
		go func(tr *tracker.Tracker) {
			defer wg.Done()
			tr.Run(ctx)
		}(t)
	}
	<-ctx.Done()
	wg.Wait()
}

// Enqueue proxies to the underlying queue.
func (d *Dispatcher) Enqueue(ctx context.Context, item scrape.QueueItem) error {
	if err := d.queue.Enqueue(ctx, item); err != nil {
		return fmt.Errorf("queue enqueue: %w", err)
	}
	return nil
}

// TryEnqueue submits without blocking so HTTP handlers can report a full
// queue instead of holding the request open.
func (d *Dispatcher) TryEnqueue(item scrape.QueueItem) error {
	if err := d.queue.TryEnqueue(item); err != nil {
		return fmt.Errorf("queue enqueue: %w", err)
	}
	return nil
}
