// Package queue carries completion-pipeline jobs from the submit path to
// background workers.
package queue

import (
	"context"
	"errors"
	"time"
)

// ErrBrokerClosed is returned when the broker is closed.
var ErrBrokerClosed = errors.New("broker is closed")

// Job reasons.
const (
	ReasonCompletion = "completion"
	ReasonRegenerate = "regenerate"
)

// Job asks a worker to run the completion pipeline for one workflow.
type Job struct {
	WorkflowID uint64    `json:"workflow_id"`
	Token      string    `json:"token"`
	Reason     string    `json:"reason"`
	EnqueuedAt time.Time `json:"enqueued_at"`
}

// Broker hands jobs from producers to workers.
type Broker interface {
	Enqueue(ctx context.Context, job Job) error

	// Dequeue blocks until a job is available, the context is done, or
	// the broker closes.
	Dequeue(ctx context.Context) (Job, error)

	Close() error
}

// MemoryBroker is an in-process Broker over a buffered channel.
type MemoryBroker struct {
	jobs   chan Job
	closed chan struct{}
}

// NewMemoryBroker creates a MemoryBroker holding up to size pending jobs.
func NewMemoryBroker(size int) *MemoryBroker {
	if size <= 0 {
		size = 64
	}
	return &MemoryBroker{
		jobs:   make(chan Job, size),
		closed: make(chan struct{}),
	}
}

func (b *MemoryBroker) Enqueue(ctx context.Context, job Job) error {
	select {
	case <-b.closed:
		return ErrBrokerClosed
	default:
	}
	select {
	case b.jobs <- job:
		return nil
	case <-b.closed:
		return ErrBrokerClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (b *MemoryBroker) Dequeue(ctx context.Context) (Job, error) {
	// Drain pending jobs even when the broker has already closed.
	select {
	case job := <-b.jobs:
		return job, nil
	default:
	}
	select {
	case job := <-b.jobs:
		return job, nil
	case <-b.closed:
		return Job{}, ErrBrokerClosed
	case <-ctx.Done():
		return Job{}, ctx.Err()
	}
}

func (b *MemoryBroker) Close() error {
	select {
	case <-b.closed:
	default:
		close(b.closed)
	}
	return nil
}
