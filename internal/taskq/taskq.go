// Package taskq provides per-key single-consumer FIFO task queues.
// Tasks submitted under one key run strictly in submission order with at
// most one in flight; a queue's worker exits and its memory is released
// as soon as the queue drains.
package taskq

import (
	"context"
	"sync"

	"github.com/rs/zerolog/log"
)

// Task is one queued unit of work. Errors are the task's own business:
// a failing task never stops the tasks queued behind it.
type Task func(ctx context.Context)

// Queues multiplexes FIFO queues over dynamic keys.
type Queues struct {
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.Mutex
	pending map[string][]Task
	active  map[string]bool
	closed  bool
}

// New creates an empty queue set. The derived context is passed to every
// task and cancelled by Close.
func New(ctx context.Context) *Queues {
	ctx, cancel := context.WithCancel(ctx)
	return &Queues{
		ctx:     ctx,
		cancel:  cancel,
		pending: make(map[string][]Task),
		active:  make(map[string]bool),
	}
}

// Submit appends a task to the key's queue, starting a worker if none is
// draining it. Submissions after Close are dropped.
func (q *Queues) Submit(key string, task Task) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return
	}

	q.pending[key] = append(q.pending[key], task)
	if !q.active[key] {
		q.active[key] = true
		q.wg.Add(1)
		go q.drain(key)
	}
}

// Drop discards all pending tasks for a key. A task already running is
// not interrupted.
func (q *Queues) Drop(key string) {
	q.mu.Lock()
	delete(q.pending, key)
	q.mu.Unlock()
}

// Len reports the number of pending tasks for a key.
func (q *Queues) Len(key string) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending[key])
}

// Close stops accepting tasks, cancels the task context, and waits for
// running workers to finish.
func (q *Queues) Close() {
	q.mu.Lock()
	q.closed = true
	q.pending = make(map[string][]Task)
	q.mu.Unlock()

	q.cancel()
	q.wg.Wait()
}

func (q *Queues) drain(key string) {
	defer q.wg.Done()

	for {
		q.mu.Lock()
		queue := q.pending[key]
		if len(queue) == 0 {
			delete(q.pending, key)
			delete(q.active, key)
			q.mu.Unlock()
			return
		}
		task := queue[0]
		q.pending[key] = queue[1:]
		q.mu.Unlock()

		q.run(key, task)
	}
}

func (q *Queues) run(key string, task Task) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().
				Interface("panic", r).
				Str("key", key).
				Msg("Queued task panicked")
		}
	}()
	task(q.ctx)
}
