package sched

import (
	"context"
	"reflect"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func startScheduler(t *testing.T, ctx context.Context) (*Scheduler, *sync.WaitGroup) {
	t.Helper()
	s := New()
	runWG := &sync.WaitGroup{}
	runWG.Add(1)
	started := make(chan struct{})
	go func() {
		close(started)
		s.Run(ctx)
		runWG.Done()
	}()
	<-started
	time.Sleep(10 * time.Millisecond) // Ensure Run() is in its loop
	return s, runWG
}

func TestDeadlineOrder(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s, runWG := startScheduler(t, ctx)

	got := []string{}
	mut := &sync.Mutex{}
	add := func(name string) func() {
		return func() {
			mut.Lock()
			defer mut.Unlock()
			got = append(got, name)
		}
	}

	s.Schedule(100*time.Millisecond, add("a"))
	s.Schedule(10*time.Millisecond, add("b"))
	s.Schedule(200*time.Millisecond, add("c"))

	time.Sleep(250 * time.Millisecond)
	cancel()
	runWG.Wait()

	want := []string{"b", "a", "c"}
	mut.Lock()
	defer mut.Unlock()
	if !reflect.DeepEqual(got, want) {
		t.Errorf("got %+v, want %+v", got, want)
	}
}

func TestCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s, runWG := startScheduler(t, ctx)

	var fired atomic.Int32
	id := s.Schedule(50*time.Millisecond, func() {
		fired.Add(1)
	})
	if !s.Cancel(id) {
		t.Error("Cancel returned false for a pending task")
	}
	if s.Cancel(id) {
		t.Error("Cancel returned true for an already cancelled task")
	}
	if s.Cancel(9999) {
		t.Error("Cancel returned true for an unknown token")
	}

	time.Sleep(100 * time.Millisecond)
	if got := fired.Load(); got != 0 {
		t.Errorf("cancelled task fired %d times", got)
	}
	if got := s.Pending(); got != 0 {
		t.Errorf("got %d pending tasks, want 0", got)
	}

	cancel()
	runWG.Wait()
}

func TestCancelAfterFire(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s, runWG := startScheduler(t, ctx)

	fired := make(chan struct{})
	id := s.Schedule(10*time.Millisecond, func() {
		close(fired)
	})
	<-fired
	if s.Cancel(id) {
		t.Error("Cancel returned true for a fired task")
	}

	cancel()
	runWG.Wait()
}

func TestCloseStopsRun(t *testing.T) {
	ctx := context.Background()
	s, runWG := startScheduler(t, ctx)

	if err := s.Close(); err != nil {
		t.Fatal(err)
	}
	runWG.Wait()

	if id := s.Schedule(time.Millisecond, func() {}); id != 0 {
		t.Errorf("Schedule after Close returned token %d, want 0", id)
	}
}

func TestConcurrentSchedule(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s, runWG := startScheduler(t, ctx)

	var processed atomic.Int32
	const numGoroutines = 10
	const tasksPerGoroutine = 10
	var pushWG sync.WaitGroup
	for i := 0; i < numGoroutines; i++ {
		pushWG.Add(1)
		go func() {
			defer pushWG.Done()
			for j := 0; j < tasksPerGoroutine; j++ {
				s.Schedule(10*time.Millisecond, func() {
					processed.Add(1)
				})
			}
		}()
	}
	pushWG.Wait()

	time.Sleep(100 * time.Millisecond)
	cancel()
	runWG.Wait()

	if got := processed.Load(); got != numGoroutines*tasksPerGoroutine {
		t.Errorf("processed %d tasks, want %d", got, numGoroutines*tasksPerGoroutine)
	}
}
