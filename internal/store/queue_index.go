package store

import (
	"container/heap"
	"time"

	"qms/dispatch-service/internal/models"
)

// Entries released back by an offline counter sort ahead of everything else
// in their priority band.
const (
	rankReleased = -1
	rankRegular  = 0
)

type queueEntry struct {
	ticketID string
	priority models.Priority
	rank     int
	orderAt  time.Time
	index    int
}

func entryLess(a, b *queueEntry) bool {
	if a.priority != b.priority {
		return a.priority > b.priority
	}
	if a.rank != b.rank {
		return a.rank < b.rank
	}
	if !a.orderAt.Equal(b.orderAt) {
		return a.orderAt.Before(b.orderAt)
	}
	return a.ticketID < b.ticketID
}

type entryHeap []*queueEntry

func (h entryHeap) Len() int           { return len(h) }
func (h entryHeap) Less(i, j int) bool { return entryLess(h[i], h[j]) }

func (h entryHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *entryHeap) Push(x any) {
	entry := x.(*queueEntry)
	entry.index = len(*h)
	*h = append(*h, entry)
}

func (h *entryHeap) Pop() any {
	old := *h
	n := len(old)
	entry := old[n-1]
	old[n-1] = nil
	entry.index = -1
	*h = old[:n-1]
	return entry
}

// waitingIndex keeps the waiting tickets of one service group ordered by
// (priority desc, rank, order time, ticket id).
type waitingIndex struct {
	entries entryHeap
	byID    map[string]*queueEntry
	// latest order time handed to a regular entry; requeued tickets are
	// placed strictly after it so they land at the back of their band.
	tail time.Time
}

func newWaitingIndex() *waitingIndex {
	return &waitingIndex{byID: make(map[string]*queueEntry)}
}

func (w *waitingIndex) push(entry *queueEntry) {
	if entry.rank == rankRegular && entry.orderAt.After(w.tail) {
		w.tail = entry.orderAt
	}
	heap.Push(&w.entries, entry)
	w.byID[entry.ticketID] = entry
}

func (w *waitingIndex) pushBack(ticketID string, priority models.Priority, now time.Time) {
	orderAt := now
	if !orderAt.After(w.tail) {
		orderAt = w.tail.Add(time.Nanosecond)
	}
	w.push(&queueEntry{ticketID: ticketID, priority: priority, rank: rankRegular, orderAt: orderAt})
}

func (w *waitingIndex) head() (*queueEntry, bool) {
	if len(w.entries) == 0 {
		return nil, false
	}
	return w.entries[0], true
}

func (w *waitingIndex) remove(ticketID string) bool {
	entry, ok := w.byID[ticketID]
	if !ok {
		return false
	}
	heap.Remove(&w.entries, entry.index)
	delete(w.byID, ticketID)
	return true
}

func (w *waitingIndex) len() int {
	return len(w.entries)
}

// position returns the 1-based place of ticketID in dispatch order.
func (w *waitingIndex) position(ticketID string) int {
	target, ok := w.byID[ticketID]
	if !ok {
		return 0
	}
	ahead := 0
	for _, entry := range w.entries {
		if entry != target && entryLess(entry, target) {
			ahead++
		}
	}
	return ahead + 1
}

// ordered returns the waiting ticket ids in dispatch order.
func (w *waitingIndex) ordered() []string {
	clone := make(entryHeap, len(w.entries))
	for i, entry := range w.entries {
		copied := *entry
		copied.index = i
		clone[i] = &copied
	}
	ids := make([]string, 0, len(clone))
	for clone.Len() > 0 {
		entry := heap.Pop(&clone).(*queueEntry)
		ids = append(ids, entry.ticketID)
	}
	return ids
}
