package dispatcher

import (
	"context"
	"sync"
	"testing"
	"time"
)

func TestUserDispatcherRunsTasksInOrderPerUser(t *testing.T) {
	t.Parallel()
	d := NewUserDispatcher(20)

	var mu sync.Mutex
	var order []int

	var wg sync.WaitGroup
	wg.Add(5)
	for i := 0; i < 5; i++ {
		i := i
		if !d.TrySubmit("u1", func(ctx context.Context) {
			defer wg.Done()
			mu.Lock()
			order = append(order, i)
			mu.Unlock()
		}) {
			t.Fatalf("expected task %d to be accepted", i)
		}
	}
	wg.Wait()

	mu.Lock()
	defer mu.Unlock()
	for i, v := range order {
		if v != i {
			t.Fatalf("expected in-order execution, got %v", order)
		}
	}
}

func TestUserDispatcherIsolatesUsers(t *testing.T) {
	t.Parallel()
	d := NewUserDispatcher(20)

	blockU1 := make(chan struct{})
	u1Started := make(chan struct{})
	d.TrySubmit("u1", func(ctx context.Context) {
		close(u1Started)
		<-blockU1
	})
	<-u1Started

	done := make(chan struct{})
	d.TrySubmit("u2", func(ctx context.Context) {
		close(done)
	})

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatalf("u2's task should not be blocked by u1's in-flight task")
	}
	close(blockU1)
}

func TestUserDispatcherTaskPanicDoesNotKillQueue(t *testing.T) {
	t.Parallel()
	d := NewUserDispatcher(20)

	d.TrySubmit("u1", func(ctx context.Context) {
		panic("boom")
	})

	done := make(chan struct{})
	d.TrySubmit("u1", func(ctx context.Context) {
		close(done)
	})

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatalf("expected queue to keep processing tasks after a panic")
	}
}

func TestUserDispatcherTrySubmitFailsClosedAtDepth(t *testing.T) {
	t.Parallel()
	d := NewUserDispatcher(1)

	blockU1 := make(chan struct{})
	started := make(chan struct{})
	if !d.TrySubmit("u1", func(ctx context.Context) {
		close(started)
		<-blockU1
	}) {
		t.Fatalf("expected first task to be accepted")
	}
	<-started

	if !d.TrySubmit("u1", func(ctx context.Context) {}) {
		t.Fatalf("expected second task to fill the one-deep queue")
	}

	if d.TrySubmit("u1", func(ctx context.Context) {}) {
		t.Fatalf("expected a third task to be rejected once the queue is full")
	}

	close(blockU1)
}
