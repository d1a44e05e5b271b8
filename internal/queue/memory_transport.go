package queue

import (
	"container/heap"
	"context"
	"sync"
	"time"
)

// MemoryTransport is an in-process Transport with priority ordering and delayed delivery.
// Unacknowledged messages are not tracked; Nack with requeue puts the message back.
type MemoryTransport struct {
	mu     sync.Mutex
	queues map[string]*memQueue
	timers map[*time.Timer]struct{}
	seq    uint64
	closed bool
}

type memQueue struct {
	ready  itemHeap
	signal chan struct{}
}

type memItem struct {
	jobID       string
	priority    int
	seq         uint64
	redelivered bool
}

func NewMemoryTransport() *MemoryTransport {
	return &MemoryTransport{
		queues: make(map[string]*memQueue),
		timers: make(map[*time.Timer]struct{}),
	}
}

func (t *MemoryTransport) queue(name string) *memQueue {
	q, ok := t.queues[name]
	if !ok {
		q = &memQueue{signal: make(chan struct{}, 1)}
		t.queues[name] = q
	}
	return q
}

func (t *MemoryTransport) Publish(_ context.Context, queueName, jobID string, priority int, delay time.Duration) error {
	item := memItem{jobID: jobID, priority: priority}
	if delay <= 0 {
		t.push(queueName, item)
		return nil
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	var timer *time.Timer
	timer = time.AfterFunc(delay, func() {
		t.mu.Lock()
		delete(t.timers, timer)
		t.mu.Unlock()
		t.push(queueName, item)
	})
	t.timers[timer] = struct{}{}
	return nil
}

func (t *MemoryTransport) push(queueName string, item memItem) {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return
	}
	t.seq++
	item.seq = t.seq
	q := t.queue(queueName)
	heap.Push(&q.ready, item)
	t.mu.Unlock()

	select {
	case q.signal <- struct{}{}:
	default:
	}
}

func (t *MemoryTransport) pop(queueName string) (memItem, *memQueue, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	q := t.queue(queueName)
	if q.ready.Len() == 0 {
		return memItem{}, q, false
	}
	return heap.Pop(&q.ready).(memItem), q, true
}

func (t *MemoryTransport) Consume(ctx context.Context, queueName, _ string, _ int) (<-chan Message, error) {
	out := make(chan Message)

	go func() {
		defer close(out)
		for {
			item, q, ok := t.pop(queueName)
			if !ok {
				select {
				case <-q.signal:
					continue
				case <-ctx.Done():
					return
				}
			}

			msg := &memMessage{transport: t, queueName: queueName, item: item}
			select {
			case out <- msg:
				// another consumer may be waiting for the rest
				if t.Len(queueName) > 0 {
					select {
					case q.signal <- struct{}{}:
					default:
					}
				}
			case <-ctx.Done():
				item.redelivered = true
				t.push(queueName, item)
				return
			}
		}
	}()

	return out, nil
}

// Len returns the number of ready messages in a queue
func (t *MemoryTransport) Len(queueName string) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	q, ok := t.queues[queueName]
	if !ok {
		return 0
	}
	return q.ready.Len()
}

// Close drops pending delayed messages
func (t *MemoryTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closed = true
	for timer := range t.timers {
		timer.Stop()
	}
	t.timers = map[*time.Timer]struct{}{}
	return nil
}

type memMessage struct {
	transport *MemoryTransport
	queueName string
	item      memItem
	once      sync.Once
}

func (m *memMessage) JobID() string     { return m.item.jobID }
func (m *memMessage) Redelivered() bool { return m.item.redelivered }

func (m *memMessage) Ack() error {
	m.once.Do(func() {})
	return nil
}

func (m *memMessage) Nack(requeue bool) error {
	m.once.Do(func() {
		if requeue {
			item := m.item
			item.redelivered = true
			m.transport.push(m.queueName, item)
		}
	})
	return nil
}

// itemHeap orders by priority (high first), then publish order
type itemHeap []memItem

func (h itemHeap) Len() int { return len(h) }
func (h itemHeap) Less(i, j int) bool {
	if h[i].priority != h[j].priority {
		return h[i].priority > h[j].priority
	}
	return h[i].seq < h[j].seq
}
func (h itemHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }
func (h *itemHeap) Push(x any)   { *h = append(*h, x.(memItem)) }
func (h *itemHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}
