package queue

import (
	"context"
	"fmt"
	"sync"
)

// Local is an in-process Queue used when no broker is configured. A job
// that is already waiting for the same account and kind absorbs new
// requests, except backfill jobs which carry their own message ids.
type Local struct {
	mu      sync.Mutex
	ch      map[Kind]chan Job
	pending map[string]bool
	closed  bool
}

// NewLocal creates a Local queue holding up to size jobs per kind.
func NewLocal(size int) *Local {
	l := &Local{
		ch:      make(map[Kind]chan Job),
		pending: make(map[string]bool),
	}
	for _, k := range []Kind{KindFetch, KindBackfill, KindOutbound} {
		l.ch[k] = make(chan Job, size)
	}
	return l
}

func pendingKey(job Job) string {
	return string(job.Kind) + "/" + job.AccountID
}

// Publish enqueues job. It fails when the queue for the kind is full.
func (l *Local) Publish(_ context.Context, job Job) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return fmt.Errorf("queue closed")
	}
	ch, ok := l.ch[job.Kind]
	if !ok {
		return fmt.Errorf("unknown job kind %q", job.Kind)
	}
	key := pendingKey(job)
	if job.Kind != KindBackfill && l.pending[key] {
		return nil
	}
	select {
	case ch <- job:
		if job.Kind != KindBackfill {
			l.pending[key] = true
		}
		return nil
	default:
		return fmt.Errorf("%s queue full", job.Kind)
	}
}

// Consume runs h for each job of the given kinds until ctx is done. Each
// kind gets its own workers; with one worker jobs of a kind run in order.
func (l *Local) Consume(ctx context.Context, kinds []Kind, workers int, h Handler) error {
	workers = max(workers, 1)
	var wg sync.WaitGroup
	for _, kind := range kinds {
		ch, ok := l.ch[kind]
		if !ok {
			return fmt.Errorf("unknown job kind %q", kind)
		}
		for range workers {
			wg.Add(1)
			go func() {
				defer wg.Done()
				for {
					select {
					case <-ctx.Done():
						return
					case job := <-ch:
						l.mu.Lock()
						delete(l.pending, pendingKey(job))
						l.mu.Unlock()
						_ = h(ctx, job)
					}
				}
			}()
		}
	}
	wg.Wait()
	return nil
}

// Close rejects further publishes.
func (l *Local) Close() error {
	l.mu.Lock()
	l.closed = true
	l.mu.Unlock()
	return nil
}
