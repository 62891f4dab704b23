package performance

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

// BenchmarkWorkerPool benchmarks the worker pool performance.
func BenchmarkWorkerPool(b *testing.B) {
	pool := NewWorkerPool(4)
	pool.Start()
	defer pool.Stop()

	ctx := context.Background()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		var wg sync.WaitGroup
		wg.Add(1)
		pool.Submit(ctx, func() {
			time.Sleep(time.Microsecond)
			wg.Done()
		})
		wg.Wait()
	}
}

func TestWorkerPoolRunsEveryTask(t *testing.T) {
	pool := NewWorkerPool(4)
	pool.Start()

	var counter int64
	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		err := pool.Submit(context.Background(), func() {
			atomic.AddInt64(&counter, 1)
			wg.Done()
		})
		if err != nil {
			t.Fatalf("submit %d: %v", i, err)
		}
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Timeout waiting for tasks to complete")
	}

	pool.Stop()
	if counter != 100 {
		t.Errorf("Expected 100 tasks completed, got %d", counter)
	}
	stats := pool.Stats()
	if stats.TasksTotal != 100 || stats.TasksDone != 100 || stats.Running {
		t.Errorf("unexpected stats: %+v", stats)
	}
}

func TestStopDrainsQueuedTasks(t *testing.T) {
	pool := NewWorkerPool(1)
	pool.Start()

	release := make(chan struct{})
	var ran atomic.Int32
	pool.Submit(context.Background(), func() { <-release; ran.Add(1) })
	pool.Submit(context.Background(), func() { ran.Add(1) })

	go close(release)
	pool.Stop()
	if ran.Load() != 2 {
		t.Errorf("ran %d tasks before Stop returned, want 2", ran.Load())
	}

	if err := pool.Submit(context.Background(), func() {}); err != ErrPoolStopped {
		t.Errorf("submit after stop: %v", err)
	}
	pool.Stop()
}

func TestSubmitHonoursContext(t *testing.T) {
	pool := NewWorkerPool(1)
	pool.Start()
	defer pool.Stop()

	block := make(chan struct{})
	defer close(block)
	started := make(chan struct{})
	// One task occupies the worker, one fills the queue.
	pool.Submit(context.Background(), func() { close(started); <-block })
	<-started
	pool.Submit(context.Background(), func() { <-block })

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := pool.Submit(ctx, func() {}); err != context.DeadlineExceeded {
		t.Errorf("expected deadline exceeded, got %v", err)
	}
}

func TestMemoryStats(t *testing.T) {
	stats := MemoryStats()
	if stats.Alloc == 0 {
		t.Error("Expected non-zero Alloc")
	}
	if stats.Goroutines == 0 {
		t.Error("Expected non-zero Goroutines")
	}
}

func TestFormatBytes(t *testing.T) {
	tests := []struct {
		in   uint64
		want string
	}{
		{512, "512 B"},
		{1024, "1.0 KB"},
		{1536, "1.5 KB"},
		{5 * 1024 * 1024, "5.0 MB"},
		{3 << 30, "3.0 GB"},
	}
	for _, tt := range tests {
		if got := FormatBytes(tt.in); got != tt.want {
			t.Errorf("FormatBytes(%d) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
