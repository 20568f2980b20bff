package queue

import (
	"context"
	"sync"
	"time"
)

type MemoryQueue struct {
	opts  Options
	now   func() time.Time
	mu    sync.Mutex
	state ledger
	wake  chan struct{}
	done  bool
}

func NewMemoryQueue(opts Options) *MemoryQueue {
	return &MemoryQueue{
		opts: opts.withDefaults(),
		now:  time.Now,
		wake: make(chan struct{}),
	}
}

func (q *MemoryQueue) Publish(_ context.Context, body string) (string, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.done {
		return "", ErrClosed
	}
	id, err := q.state.push(body, q.opts.Capacity, q.now())
	if err != nil {
		return "", err
	}
	q.signalLocked()
	return id, nil
}

func (q *MemoryQueue) GetMessages(ctx context.Context) ([]Message, error) {
	deadline := q.now().Add(q.opts.WaitTime)
	for {
		q.mu.Lock()
		if q.done {
			q.mu.Unlock()
			return nil, ErrClosed
		}
		now := q.now()
		batch := q.state.receive(now, q.opts.BatchSize, q.opts.VisibilityTimeout)
		wake := q.wake
		next := q.state.nextVisible(now)
		q.mu.Unlock()

		if len(batch) > 0 {
			return batch, nil
		}
		remaining := deadline.Sub(now)
		if remaining <= 0 {
			return batch, nil
		}
		if next > 0 && next < remaining {
			remaining = next
		}
		if err := waitWithContext(ctx, remaining, wake); err != nil {
			return nil, err
		}
	}
}

func (q *MemoryQueue) DeleteMessage(_ context.Context, receiptHandle string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.state.delete(receiptHandle)
}

func (q *MemoryQueue) Depth() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.state.Items)
}

func (q *MemoryQueue) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if !q.done {
		q.done = true
		q.signalLocked()
	}
	return nil
}

func (q *MemoryQueue) signalLocked() {
	close(q.wake)
	q.wake = make(chan struct{})
}
