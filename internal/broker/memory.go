package broker

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"
)

type envelope struct {
	id         string
	body       []byte
	deliveries int
}

// Memory is an in-process broker backed by buffered channels, one per queue.
// It is used by the standalone command and by tests.
type Memory struct {
	size   int
	logger *slog.Logger

	mu      sync.Mutex
	queues  map[string]chan envelope
	dropped map[string][][]byte
}

// NewMemory creates a Memory broker whose queues hold up to size messages.
func NewMemory(size int, logger *slog.Logger) *Memory {
	if logger == nil {
		logger = slog.Default()
	}
	if size < 1 {
		size = 1000
	}
	return &Memory{
		size:    size,
		logger:  logger,
		queues:  make(map[string]chan envelope),
		dropped: make(map[string][][]byte),
	}
}

func (m *Memory) queue(name string) chan envelope {
	m.mu.Lock()
	defer m.mu.Unlock()
	q, ok := m.queues[name]
	if !ok {
		q = make(chan envelope, m.size)
		m.queues[name] = q
	}
	return q
}

// Publish adds a message to the queue. Returns an error if the queue is full.
func (m *Memory) Publish(ctx context.Context, queue string, body []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return m.push(queue, envelope{id: uuid.New().String(), body: append([]byte(nil), body...)})
}

func (m *Memory) push(queue string, env envelope) error {
	select {
	case m.queue(queue) <- env:
		return nil
	default:
		return fmt.Errorf("queue %s full: cannot publish message %s", queue, env.id)
	}
}

// Consume processes messages one at a time until ctx is done.
func (m *Memory) Consume(ctx context.Context, queue string, h Handler) error {
	q := m.queue(queue)
	for {
		select {
		case <-ctx.Done():
			return nil
		case env := <-q:
			m.deliver(ctx, queue, env, h)
		}
	}
}

// Drain handles the messages currently waiting in queue and returns how many
// it handled. Messages requeued during the drain are left for the next call.
func (m *Memory) Drain(ctx context.Context, queue string, h Handler) int {
	q := m.queue(queue)
	n := len(q)
	for i := range n {
		select {
		case env := <-q:
			m.deliver(ctx, queue, env, h)
		default:
			return i
		}
	}
	return n
}

func (m *Memory) deliver(ctx context.Context, queue string, env envelope, h Handler) {
	disposition := h(ctx, Delivery{MessageID: env.id, Body: env.body, Redeliveries: env.deliveries})
	switch disposition {
	case Requeue:
		env.deliveries++
		if err := m.push(queue, env); err != nil {
			m.logger.Error("requeue failed", "queue", queue, "error", err)
		}
	case Drop:
		m.mu.Lock()
		m.dropped[queue] = append(m.dropped[queue], env.body)
		m.mu.Unlock()
	}
}

// Len returns the number of messages waiting in queue.
func (m *Memory) Len(queue string) int {
	return len(m.queue(queue))
}

// Dropped returns the bodies of messages dropped from queue.
func (m *Memory) Dropped(queue string) [][]byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([][]byte(nil), m.dropped[queue]...)
}
