package folder

import (
	"container/list"

	blobcache "github.com/wolfeidau/blob-cache"
)

type item struct {
	id         blobcache.BlobID
	compressed int64
	content    int64
	pending    bool
}

// queue is an insertion-ordered set of blobs, oldest at the front.
type queue struct {
	order *list.List
	index map[blobcache.BlobID]*list.Element
}

func newQueue() *queue {
	return &queue{order: list.New(), index: make(map[blobcache.BlobID]*list.Element)}
}

func (q *queue) pushBack(it *item) {
	if el, ok := q.index[it.id]; ok {
		q.order.Remove(el)
	}
	q.index[it.id] = q.order.PushBack(it)
}

func (q *queue) get(id blobcache.BlobID) (*item, bool) {
	el, ok := q.index[id]
	if !ok {
		return nil, false
	}
	return el.Value.(*item), true
}

func (q *queue) remove(id blobcache.BlobID) (*item, bool) {
	el, ok := q.index[id]
	if !ok {
		return nil, false
	}
	delete(q.index, id)
	return q.order.Remove(el).(*item), true
}

func (q *queue) popFront() (*item, bool) {
	el := q.order.Front()
	if el == nil {
		return nil, false
	}
	it := el.Value.(*item)
	delete(q.index, it.id)
	q.order.Remove(el)
	return it, true
}

func (q *queue) len() int {
	return q.order.Len()
}

// each visits items oldest first.
func (q *queue) each(fn func(*item)) {
	for el := q.order.Front(); el != nil; el = el.Next() {
		fn(el.Value.(*item))
	}
}
