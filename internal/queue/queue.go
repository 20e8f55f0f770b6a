// Package queue implements the channel check queue: a priority queue with
// de-duplication across queued, in-progress and recently-completed sets.
//
// A channel ID lives in at most one of the three sets at any time. Enqueue
// is rejected while the ID is in any of them; RemoveFromCompleted makes a
// finished channel re-queueable.
package queue

import (
	"container/heap"
	"sync"
	"time"

	"github.com/sbeimel/streamflow-sub002/internal/metrics"
)

const DefaultCompletedBound = 1000

type entry struct {
	channelID  int
	priority   int    // lower = sooner
	seq        uint64 // FIFO tiebreak within one priority
	enqueuedAt time.Time
}

type entryHeap []*entry

func (h entryHeap) Len() int { return len(h) }
func (h entryHeap) Less(i, j int) bool {
	if h[i].priority != h[j].priority {
		return h[i].priority < h[j].priority
	}
	return h[i].seq < h[j].seq
}
func (h entryHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }
func (h *entryHeap) Push(x any)   { *h = append(*h, x.(*entry)) }
func (h *entryHeap) Pop() any {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return e
}

// Queue is the thread-safe check queue. maxSize bounds queued+in-progress;
// completedBound caps the completed set with FIFO eviction.
type Queue struct {
	mu             sync.Mutex
	heap           entryHeap
	queued         map[int]struct{}
	inProgress     map[int]struct{}
	completed      map[int]struct{}
	completedFIFO  []int
	completedBound int
	maxSize        int           // 0 = unbounded
	seq            uint64
	wake           chan struct{} // buffered(1); signalled on push
}

// New builds a Queue. maxSize 0 = unbounded; completedBound <= 0 uses the
// default of 1000.
func New(maxSize, completedBound int) *Queue {
	if completedBound <= 0 {
		completedBound = DefaultCompletedBound
	}
	return &Queue{
		queued:         make(map[int]struct{}),
		inProgress:     make(map[int]struct{}),
		completed:      make(map[int]struct{}),
		completedBound: completedBound,
		maxSize:        maxSize,
		wake:           make(chan struct{}, 1),
	}
}

// Add enqueues a channel. Returns false when the ID already sits in the
// queued, in-progress or completed set, or when the queue is full.
func (q *Queue) Add(channelID, priority int) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if !q.addLocked(channelID, priority) {
		return false
	}
	q.signal()
	return true
}

// AddBulk enqueues many channels and returns how many were actually added.
// One wake signal fires per addition so several idle workers start at once;
// the buffered channel coalesces whatever nobody is waiting for.
func (q *Queue) AddBulk(channelIDs []int, priority int) int {
	q.mu.Lock()
	added := 0
	for _, id := range channelIDs {
		if q.addLocked(id, priority) {
			added++
		}
	}
	q.mu.Unlock()
	for i := 0; i < added; i++ {
		q.signal()
	}
	return added
}

func (q *Queue) addLocked(channelID, priority int) bool {
	if _, ok := q.queued[channelID]; ok {
		return false
	}
	if _, ok := q.inProgress[channelID]; ok {
		return false
	}
	if _, ok := q.completed[channelID]; ok {
		return false
	}
	if q.maxSize > 0 && len(q.queued)+len(q.inProgress) >= q.maxSize {
		return false
	}
	q.seq++
	heap.Push(&q.heap, &entry{
		channelID:  channelID,
		priority:   priority,
		seq:        q.seq,
		enqueuedAt: time.Now(),
	})
	q.queued[channelID] = struct{}{}
	metrics.QueueDepth.Set(float64(len(q.queued)))
	return true
}

func (q *Queue) signal() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

// Next pops the highest-priority channel, moving it to the in-progress set.
// It blocks up to timeout when the queue is empty and returns ok=false on
// timeout. Multiple workers may call Next concurrently.
func (q *Queue) Next(timeout time.Duration) (int, bool) {
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	for {
		q.mu.Lock()
		if q.heap.Len() > 0 {
			e := heap.Pop(&q.heap).(*entry)
			delete(q.queued, e.channelID)
			q.inProgress[e.channelID] = struct{}{}
			metrics.QueueDepth.Set(float64(len(q.queued)))
			metrics.ChannelsInProgress.Set(float64(len(q.inProgress)))
			q.mu.Unlock()
			return e.channelID, true
		}
		q.mu.Unlock()
		select {
		case <-q.wake:
			// Re-check; another worker may have raced us to the entry.
		case <-deadline.C:
			return 0, false
		}
	}
}

// MarkCompleted moves a channel from in-progress to the bounded completed
// set, evicting the oldest completed entry when full.
func (q *Queue) MarkCompleted(channelID int) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if _, ok := q.inProgress[channelID]; !ok {
		return
	}
	delete(q.inProgress, channelID)
	metrics.ChannelsInProgress.Set(float64(len(q.inProgress)))
	if _, ok := q.completed[channelID]; ok {
		return
	}
	q.completed[channelID] = struct{}{}
	q.completedFIFO = append(q.completedFIFO, channelID)
	for len(q.completedFIFO) > q.completedBound {
		oldest := q.completedFIFO[0]
		q.completedFIFO = q.completedFIFO[1:]
		delete(q.completed, oldest)
	}
}

// RemoveFromCompleted clears a channel from the completed set so it can be
// re-queued. Returns whether the channel was present.
func (q *Queue) RemoveFromCompleted(channelID int) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if _, ok := q.completed[channelID]; !ok {
		return false
	}
	delete(q.completed, channelID)
	for i, id := range q.completedFIFO {
		if id == channelID {
			q.completedFIFO = append(q.completedFIFO[:i], q.completedFIFO[i+1:]...)
			break
		}
	}
	return true
}

// Clear empties the queue and all three sets.
func (q *Queue) Clear() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.heap = nil
	q.queued = make(map[int]struct{})
	q.inProgress = make(map[int]struct{})
	q.completed = make(map[int]struct{})
	q.completedFIFO = nil
	metrics.QueueDepth.Set(0)
	metrics.ChannelsInProgress.Set(0)
}

// Stats is a consistent snapshot of the queue's set sizes.
type Stats struct {
	Queued     int
	InProgress int
	Completed  int
}

// Snapshot returns current set sizes under one lock acquisition.
func (q *Queue) Snapshot() Stats {
	q.mu.Lock()
	defer q.mu.Unlock()
	return Stats{
		Queued:     len(q.queued),
		InProgress: len(q.inProgress),
		Completed:  len(q.completed),
	}
}

// InProgressIDs lists channels currently being checked (sorted by map order;
// callers sort if needed).
func (q *Queue) InProgressIDs() []int {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]int, 0, len(q.inProgress))
	for id := range q.inProgress {
		out = append(out, id)
	}
	return out
}
