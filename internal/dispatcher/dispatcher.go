package dispatcher

import (
	"context"
	"log/slog"
	"sync"
)

// UserDispatcher serializes adapter calls per user: two messages arriving
// from the same user's sibling devices are processed one at a time, in
// arrival order, matching spec's "per-user dispatcher" requirement and
// generalizing the teacher's single global Room mutex into one FIFO queue
// per entity instead of one lock for everyone. Each per-user queue is capped
// at maxDepth; a submit beyond that cap fails closed instead of blocking the
// caller's socket, the substrate for the rate_limited response on an
// over-eager sender.
type UserDispatcher struct {
	mu       sync.Mutex
	queues   map[string]*userQueue
	maxDepth int
}

type userQueue struct {
	tasks chan func(ctx context.Context)
}

// NewUserDispatcher builds an empty per-user dispatcher whose queues accept
// at most maxDepth pending tasks each.
func NewUserDispatcher(maxDepth int) *UserDispatcher {
	if maxDepth <= 0 {
		maxDepth = 20
	}
	return &UserDispatcher{queues: make(map[string]*userQueue), maxDepth: maxDepth}
}

// TrySubmit enqueues fn to run on userID's FIFO queue without blocking. It
// reports false if the queue is already at capacity, in which case fn was
// not scheduled and the caller must respond rate_limited instead of
// accepting the message.
func (d *UserDispatcher) TrySubmit(userID string, fn func(ctx context.Context)) bool {
	q := d.queueFor(userID)
	select {
	case q.tasks <- fn:
		return true
	default:
		return false
	}
}

func (d *UserDispatcher) queueFor(userID string) *userQueue {
	d.mu.Lock()
	defer d.mu.Unlock()
	q, ok := d.queues[userID]
	if !ok {
		q = &userQueue{tasks: make(chan func(ctx context.Context), d.maxDepth)}
		d.queues[userID] = q
		go q.run(userID)
	}
	return q
}

func (q *userQueue) run(userID string) {
	ctx := context.Background()
	for fn := range q.tasks {
		func() {
			defer func() {
				if r := recover(); r != nil {
					slog.Error("dispatcher task panicked", "user_id", userID, "recovered", r)
				}
			}()
			fn(ctx)
		}()
	}
}

// QueueDepth reports how many tasks are currently backlogged for userID.
func (d *UserDispatcher) QueueDepth(userID string) int {
	d.mu.Lock()
	q, ok := d.queues[userID]
	d.mu.Unlock()
	if !ok {
		return 0
	}
	return len(q.tasks)
}
