package ws

import (
	"context"
	"sync"
)

// outbox is an unbounded FIFO of encoded envelopes with a single consumer.
// The consumer peeks the head and pops it only once it has been written, so a
// failed write retries the same item and order is preserved across reconnects.
type outbox struct {
	mu     sync.Mutex
	items  [][]byte
	notify chan struct{}
}

func newOutbox() *outbox {
	return &outbox{notify: make(chan struct{}, 1)}
}

func (q *outbox) push(data []byte) int {
	q.mu.Lock()
	q.items = append(q.items, data)
	n := len(q.items)
	q.mu.Unlock()

	select {
	case q.notify <- struct{}{}:
	default:
	}
	return n
}

// peek blocks until the queue has a head or ctx is done.
func (q *outbox) peek(ctx context.Context) ([]byte, bool) {
	for {
		q.mu.Lock()
		if len(q.items) > 0 {
			head := q.items[0]
			q.mu.Unlock()
			return head, true
		}
		q.mu.Unlock()

		select {
		case <-ctx.Done():
			return nil, false
		case <-q.notify:
		}
	}
}

func (q *outbox) pop() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return 0
	}
	q.items[0] = nil
	q.items = q.items[1:]
	if len(q.items) == 0 {
		q.items = nil
	}
	return len(q.items)
}

func (q *outbox) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}
