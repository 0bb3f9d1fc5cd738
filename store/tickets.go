package store

import (
	"context"
	"sync"
)

// ticketQueue admits holders strictly in arrival order. Each ticket waits
// for the one issued before it to be released.
type ticketQueue struct {
	mu   sync.Mutex
	tail chan struct{}
}

func newTicketQueue() *ticketQueue {
	done := make(chan struct{})
	close(done)
	return &ticketQueue{tail: done}
}

// acquire blocks until every earlier ticket has been released. If ctx ends
// first the ticket is abandoned but still hands over in order.
func (q *ticketQueue) acquire(ctx context.Context) (func(), error) {
	mine := make(chan struct{})

	q.mu.Lock()
	prev := q.tail
	q.tail = mine
	q.mu.Unlock()

	var once sync.Once
	release := func() { once.Do(func() { close(mine) }) }

	select {
	case <-prev:
		return release, nil
	case <-ctx.Done():
		go func() {
			<-prev
			release()
		}()
		return nil, ctx.Err()
	}
}
