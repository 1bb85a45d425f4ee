package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"taskhub/internal/pkg/logger"
)

func TestPool_ProcessesAllItems(t *testing.T) {
	var sum atomic.Int64
	p := NewPool(logger.Discard(), 3, 10, func(ctx context.Context, n int) error {
		sum.Add(int64(n))
		return nil
	})
	p.Start(context.Background())

	for i := 1; i <= 5; i++ {
		if err := p.Submit(context.Background(), i); err != nil {
			t.Fatalf("submit %d: %v", i, err)
		}
	}
	if err := p.Shutdown(time.Second); err != nil {
		t.Fatalf("shutdown: %v", err)
	}

	if sum.Load() != 15 {
		t.Errorf("Expected sum 15, got %d", sum.Load())
	}
	if s := p.Stats(); s.Submitted != 5 || s.Succeeded != 5 {
		t.Errorf("unexpected stats: %s", p.String())
	}
}

func TestPool_ErrorAndPanicCallbacks(t *testing.T) {
	var mu sync.Mutex
	var failed []string
	p := NewPool(logger.Discard(), 2, 5, func(ctx context.Context, s string) error {
		switch s {
		case "fail":
			return errors.New("task failed")
		case "panic":
			panic("intentional panic")
		}
		return nil
	})
	p.OnError(func(item string, err error) {
		mu.Lock()
		defer mu.Unlock()
		failed = append(failed, item)
	})
	p.Start(context.Background())

	for _, s := range []string{"ok", "fail", "panic", "ok"} {
		if err := p.Submit(context.Background(), s); err != nil {
			t.Fatalf("submit %s: %v", s, err)
		}
	}
	if err := p.Shutdown(time.Second); err != nil {
		t.Fatalf("shutdown: %v", err)
	}

	stats := p.Stats()
	if stats.Succeeded != 2 {
		t.Errorf("Expected 2 succeeded, got %d", stats.Succeeded)
	}
	if stats.Failed != 1 {
		t.Errorf("Expected 1 failed, got %d", stats.Failed)
	}
	if stats.Panics != 1 {
		t.Errorf("Expected 1 panic, got %d", stats.Panics)
	}
	if len(failed) != 2 {
		t.Errorf("Expected 2 error callbacks, got %v", failed)
	}
}

func TestPool_SubmitBlocksWhenFull(t *testing.T) {
	block := make(chan struct{})
	started := make(chan struct{}, 1)
	p := NewPool(logger.Discard(), 1, 1, func(ctx context.Context, n int) error {
		if n == 0 {
			started <- struct{}{}
			<-block
		}
		return nil
	})
	p.Start(context.Background())

	if err := p.Submit(context.Background(), 0); err != nil {
		t.Fatalf("submit blocker: %v", err)
	}
	<-started
	if err := p.Submit(context.Background(), 1); err != nil {
		t.Fatalf("fill buffer: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	start := time.Now()
	err := p.Submit(ctx, 3)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Expected deadline exceeded, got %v", err)
	}
	if elapsed := time.Since(start); elapsed < 80*time.Millisecond {
		t.Errorf("Expected to wait ~100ms, but only waited %v", elapsed)
	}

	close(block)
	if err := p.Shutdown(time.Second); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
	if s := p.Stats(); s.Rejected != 1 {
		t.Errorf("Expected 1 rejected, got %d", s.Rejected)
	}
}

func TestPool_ShutdownDrainsAndRejects(t *testing.T) {
	var completed atomic.Int32
	p := NewPool(logger.Discard(), 3, 10, func(ctx context.Context, n int) error {
		time.Sleep(20 * time.Millisecond)
		completed.Add(1)
		return nil
	})
	p.Start(context.Background())

	for i := 0; i < 10; i++ {
		if err := p.Submit(context.Background(), i); err != nil {
			t.Fatalf("submit: %v", err)
		}
	}
	if err := p.Shutdown(0); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
	if completed.Load() != 10 {
		t.Errorf("Expected all 10 items to complete, got %d", completed.Load())
	}

	if err := p.Submit(context.Background(), 11); !errors.Is(err, ErrClosed) {
		t.Errorf("Expected ErrClosed after shutdown, got %v", err)
	}
	if err := p.Shutdown(time.Second); !errors.Is(err, ErrClosed) {
		t.Errorf("Expected second shutdown to report ErrClosed, got %v", err)
	}
}

func TestPool_ShutdownTimeout(t *testing.T) {
	block := make(chan struct{})
	defer close(block)
	p := NewPool(logger.Discard(), 1, 1, func(ctx context.Context, n int) error {
		<-block
		return nil
	})
	p.Start(context.Background())
	if err := p.Submit(context.Background(), 1); err != nil {
		t.Fatalf("submit: %v", err)
	}

	if err := p.Shutdown(50 * time.Millisecond); err == nil {
		t.Error("Expected shutdown timeout error")
	}
}

// ExamplePool 演示基本用法。
func ExamplePool() {
	l := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))

	var mu sync.Mutex
	total := 0
	p := NewPool(l, 2, 4, func(ctx context.Context, n int) error {
		mu.Lock()
		total += n
		mu.Unlock()
		return nil
	})
	p.Start(context.Background())
	for i := 1; i <= 4; i++ {
		_ = p.Submit(context.Background(), i)
	}
	_ = p.Shutdown(0)

	fmt.Println(total)
	// Output: 10
}
