package control

import (
	"context"
	"errors"
	"sync"

	"github.com/Laixer/Glonax/internal/authority"
	"github.com/Laixer/Glonax/internal/models"
)

var ErrQueueFull = errors.New("autonomous command queue full")

// Result is the outcome of a queued command.
type Result struct {
	Decision authority.Decision
	Err      error
}

// Pending is a queued command awaiting execution by the host loop.
type Pending struct {
	Command models.Command
	done    chan Result
}

// Wait blocks until the command was executed or dropped.
func (p *Pending) Wait(ctx context.Context) (Result, error) {
	select {
	case r := <-p.done:
		return r, nil
	case <-ctx.Done():
		return Result{}, ctx.Err()
	}
}

func (p *Pending) resolve(r Result) {
	p.done <- r
}

// Queue holds autonomous commands between ticks, oldest first.
type Queue struct {
	mu      sync.Mutex
	items   []*Pending
	size    int
	stopped bool
}

func NewQueue(size int) *Queue {
	return &Queue{size: size}
}

func (q *Queue) Submit(cmd models.Command) (*Pending, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.stopped {
		return nil, ErrShuttingDown
	}
	if len(q.items) >= q.size {
		return nil, ErrQueueFull
	}
	p := &Pending{Command: cmd, done: make(chan Result, 1)}
	q.items = append(q.items, p)
	return p, nil
}

// Next pops the oldest command without blocking.
func (q *Queue) Next() (*Pending, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return nil, false
	}
	p := q.items[0]
	q.items[0] = nil
	q.items = q.items[1:]
	return p, true
}

func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Drain stops the queue and fails every pending command with err.
func (q *Queue) Drain(err error) int {
	q.mu.Lock()
	items := q.items
	q.items = nil
	q.stopped = true
	q.mu.Unlock()

	for _, p := range items {
		p.resolve(Result{Err: err})
	}
	return len(items)
}
