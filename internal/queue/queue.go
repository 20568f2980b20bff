package queue

import (
	"context"
	"errors"
	"time"
)

var (
	ErrInvalidInput   = errors.New("invalid input")
	ErrNotImplemented = errors.New("not implemented")
	ErrQueueFull      = errors.New("queue full")
	ErrUnknownReceipt = errors.New("unknown receipt handle")
	ErrClosed         = errors.New("queue closed")
)

const (
	DefaultBatchSize         = 10
	DefaultVisibilityTimeout = 30 * time.Second
	DefaultWaitTime          = 20 * time.Second
	DefaultCapacity          = 1024
)

type Message struct {
	ID            string            `json:"id"`
	ReceiptHandle string            `json:"receiptHandle"`
	Body          string            `json:"body"`
	Attributes    map[string]string `json:"attributes,omitempty"`
}

// ChangeQueue is a pull queue with visibility timeouts. A received message
// stays hidden from other receivers until the timeout expires or it is
// deleted by its receipt handle.
type ChangeQueue interface {
	GetMessages(ctx context.Context) ([]Message, error)
	DeleteMessage(ctx context.Context, receiptHandle string) error
	Close() error
}

// Publisher is implemented by queues that accept new messages from this
// process.
type Publisher interface {
	Publish(ctx context.Context, body string) (string, error)
}

type Options struct {
	BatchSize         int
	VisibilityTimeout time.Duration
	WaitTime          time.Duration
	Capacity          int
}

func (o Options) withDefaults() Options {
	if o.BatchSize <= 0 {
		o.BatchSize = DefaultBatchSize
	}
	if o.VisibilityTimeout <= 0 {
		o.VisibilityTimeout = DefaultVisibilityTimeout
	}
	if o.WaitTime < 0 {
		o.WaitTime = 0
	}
	if o.Capacity <= 0 {
		o.Capacity = DefaultCapacity
	}
	return o
}

func waitWithContext(ctx context.Context, d time.Duration, wake <-chan struct{}) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	case <-wake:
		return nil
	}
}
