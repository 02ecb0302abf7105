package call

import (
	"container/heap"
	"sync"
	"time"
)

// SpeechItem is one pending utterance the agent wants to speak.
type SpeechItem struct {
	// ID is assigned monotonically at enqueue time.
	ID int64

	// Text is the utterance content.
	Text string

	// Priority orders dequeues; higher dequeues first.
	Priority int

	// EnqueuedAt is when the item entered the queue.
	EnqueuedAt time.Time

	seq int64
}

// speechHeap orders by (-priority, seq): higher priority first, FIFO within
// equal priority.
type speechHeap []SpeechItem

func (h speechHeap) Len() int { return len(h) }

func (h speechHeap) Less(i, j int) bool {
	if h[i].Priority != h[j].Priority {
		return h[i].Priority > h[j].Priority
	}
	return h[i].seq < h[j].seq
}

func (h speechHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *speechHeap) Push(x any) { *h = append(*h, x.(SpeechItem)) }

func (h *speechHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}

// SpeechQueue is a concurrent-safe priority queue of pending utterances.
// Clear is atomic with respect to Next.
type SpeechQueue struct {
	mu      sync.Mutex
	items   speechHeap
	nextID  int64
	nextSeq int64
}

// NewSpeechQueue returns an empty queue.
func NewSpeechQueue() *SpeechQueue {
	return &SpeechQueue{}
}

// Enqueue adds an utterance and returns the stored item.
func (q *SpeechQueue) Enqueue(text string, priority int) SpeechItem {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.nextID++
	q.nextSeq++
	item := SpeechItem{
		ID:         q.nextID,
		Text:       text,
		Priority:   priority,
		EnqueuedAt: time.Now(),
		seq:        q.nextSeq,
	}
	heap.Push(&q.items, item)
	return item
}

// Next removes and returns the highest-priority item. The second return is
// false when the queue is empty.
func (q *SpeechQueue) Next() (SpeechItem, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return SpeechItem{}, false
	}
	return heap.Pop(&q.items).(SpeechItem), true
}

// Clear discards all pending items.
func (q *SpeechQueue) Clear() {
	q.mu.Lock()
	q.items = q.items[:0]
	q.mu.Unlock()
}

// Len returns the number of pending items.
func (q *SpeechQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}
