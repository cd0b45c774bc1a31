package memory

import (
	"context"

	"github.com/procflow/procflow/persistence"
)

// WorkQueue is a channel-backed queue for embedded deployments and tests.
type WorkQueue struct {
	items chan []byte
}

var _ persistence.WorkQueue = (*WorkQueue)(nil)

func NewWorkQueue(capacity int) *WorkQueue {
	if capacity <= 0 {
		capacity = 1024
	}
	return &WorkQueue{
		items: make(chan []byte, capacity),
	}
}

func (q *WorkQueue) Push(ctx context.Context, key string, message []byte) error {
	select {
	case q.items <- message:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (q *WorkQueue) Pop(ctx context.Context, batchSize int) ([][]byte, error) {
	var out [][]byte
	for len(out) < batchSize {
		select {
		case item := <-q.items:
			out = append(out, item)
		case <-ctx.Done():
			return out, ctx.Err()
		default:
			return out, nil
		}
	}
	return out, nil
}

// Ack is a no-op: the channel lives and dies with the process, a popped item
// has no in-flight area to be removed from.
func (q *WorkQueue) Ack(ctx context.Context, message []byte) error {
	return nil
}

// Recover is a no-op for the same reason.
func (q *WorkQueue) Recover(ctx context.Context) error {
	return nil
}

func (q *WorkQueue) Len() int {
	return len(q.items)
}
