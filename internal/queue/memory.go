package queue

import (
	"context"
	"strconv"
	"sync"
	"sync/atomic"
	"time"
)

// MemoryQueue is an in-process Queue.
type MemoryQueue struct {
	ch    chan Delivery
	block time.Duration
	seq   atomic.Int64

	mu   sync.Mutex
	dead []Delivery
}

// NewMemoryQueue returns an in-process queue holding up to size deliveries.
// Entries do not survive a restart.
func NewMemoryQueue(size int, block time.Duration) *MemoryQueue {
	if size <= 0 {
		size = 1024
	}
	if block <= 0 {
		block = time.Second
	}
	return &MemoryQueue{ch: make(chan Delivery, size), block: block}
}

func (q *MemoryQueue) Enqueue(ctx context.Context, payload []byte) error {
	return q.push(ctx, Delivery{Payload: payload, Attempt: 1})
}

func (q *MemoryQueue) Read(ctx context.Context) ([]Delivery, error) {
	timer := time.NewTimer(q.block)
	defer timer.Stop()

	select {
	case d := <-q.ch:
		batch := []Delivery{d}
		for {
			select {
			case next := <-q.ch:
				batch = append(batch, next)
			default:
				return batch, nil
			}
		}
	case <-timer.C:
		return nil, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (q *MemoryQueue) Ack(context.Context, Delivery) error {
	return nil
}

func (q *MemoryQueue) Requeue(ctx context.Context, d Delivery, _ string) error {
	d.Attempt++
	return q.push(ctx, d)
}

func (q *MemoryQueue) DeadLetter(_ context.Context, d Delivery, _ string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.dead = append(q.dead, d)
	return nil
}

// Reclaim returns nothing: a delivery leaves the channel only when read, and
// nothing outlives the process.
func (q *MemoryQueue) Reclaim(context.Context) ([]Delivery, error) {
	return nil, nil
}

// DeadLetters returns the deliveries parked so far.
func (q *MemoryQueue) DeadLetters() []Delivery {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]Delivery(nil), q.dead...)
}

func (q *MemoryQueue) push(ctx context.Context, d Delivery) error {
	d.ID = strconv.FormatInt(q.seq.Add(1), 10)
	select {
	case q.ch <- d:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
