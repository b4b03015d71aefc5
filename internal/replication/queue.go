package replication

import (
	"copybot/internal/models"
	cryptoRand "crypto/rand"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

// Job narrows an item to one group and, for retries, to the targets that
// still need the order.
type Job struct {
	Group   string
	Targets []string
}

// Item is one source fill waiting for dispatch.
type Item struct {
	ID       string
	LinkID   string
	Order    models.TradeRecord
	Attempts int
	// Jobs is empty for fresh items, meaning every group of the source.
	Jobs     []Job
	// Sent lists targets already served when the item was interrupted.
	Sent     []string
	Enqueued time.Time
}

var (
	idMu sync.Mutex
	mono = ulid.Monotonic(cryptoRand.Reader, 0)
)

func newItemID(at time.Time) string {
	idMu.Lock()
	defer idMu.Unlock()
	return ulid.MustNew(ulid.Timestamp(at), mono).String()
}

func NewItem(order models.TradeRecord, at time.Time) *Item {
	return &Item{ID: newItemID(at), LinkID: newLinkID(), Order: order, Enqueued: at}
}

// Queue is a bounded FIFO. When full, the oldest item is dropped to make room.
type Queue struct {
	mu    sync.Mutex
	max   int
	items []*Item
}

func NewQueue(max int) *Queue {
	if max <= 0 {
		max = 1
	}
	return &Queue{max: max}
}

// Push appends item and returns the evicted item, if any.
func (q *Queue) Push(item *Item) *Item {
	q.mu.Lock()
	defer q.mu.Unlock()
	var dropped *Item
	if len(q.items) >= q.max {
		dropped = q.items[0]
		q.items = q.items[1:]
	}
	q.items = append(q.items, item)
	return dropped
}

// PushFront returns an interrupted item to the head of the queue.
func (q *Queue) PushFront(item *Item) *Item {
	q.mu.Lock()
	defer q.mu.Unlock()
	var dropped *Item
	if len(q.items) >= q.max {
		dropped = q.items[len(q.items)-1]
		q.items = q.items[:len(q.items)-1]
	}
	q.items = append([]*Item{item}, q.items...)
	return dropped
}

func (q *Queue) Pop() *Item {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return nil
	}
	item := q.items[0]
	q.items[0] = nil
	q.items = q.items[1:]
	return item
}

func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Snapshot returns a copy of the queued items in order.
func (q *Queue) Snapshot() []Item {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]Item, len(q.items))
	for i, it := range q.items {
		out[i] = *it
	}
	return out
}
