package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"taskhub/internal/pkg/metrics"
)

// ErrClosed 表示池已关闭，不再接收新任务。
var ErrClosed = errors.New("pool is closed")

// Handler 处理单个任务。
type Handler[T any] func(ctx context.Context, item T) error

// ErrorHandler 任务失败（返回错误或 panic）时的回调。
type ErrorHandler[T any] func(item T, err error)

// Pool 固定大小的 worker 池，带有界缓冲区。
//
// 缓冲区满时 Submit 阻塞，用于给上游的 Stream 读取做背压。
type Pool[T any] struct {
	logger  *slog.Logger
	workers int
	items   chan T
	handler Handler[T]
	onError ErrorHandler[T]

	wg      sync.WaitGroup
	closed  atomic.Bool
	closeMu sync.RWMutex

	stats poolStats
}

type poolStats struct {
	submitted atomic.Int64
	succeeded atomic.Int64
	failed    atomic.Int64
	panics    atomic.Int64
	rejected  atomic.Int64
}

// Stats 池统计信息快照。
type Stats struct {
	Submitted int64
	Succeeded int64
	Failed    int64
	Panics    int64
	Rejected  int64
}

// NewPool 创建 worker 池，workers 与 capacity 至少为 1。
func NewPool[T any](logger *slog.Logger, workers int, capacity int, handler Handler[T]) *Pool[T] {
	if workers <= 0 {
		workers = 1
	}
	if capacity <= 0 {
		capacity = 1
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Pool[T]{
		logger:  logger,
		workers: workers,
		items:   make(chan T, capacity),
		handler: handler,
	}
}

// OnError 设置失败回调。
func (p *Pool[T]) OnError(fn ErrorHandler[T]) {
	p.onError = fn
}

// Start 启动所有 worker。ctx 会传给 Handler，worker 在缓冲区关闭并排空后退出。
func (p *Pool[T]) Start(ctx context.Context) {
	for i := 0; i < p.workers; i++ {
		p.wg.Add(1)
		go p.run(ctx, i)
	}
	p.logger.Info("worker pool started",
		slog.Int("workers", p.workers),
		slog.Int("capacity", cap(p.items)))
}

func (p *Pool[T]) run(ctx context.Context, id int) {
	defer p.wg.Done()
	for item := range p.items {
		metrics.WorkerQueueDepth.Set(float64(len(p.items)))
		p.execute(ctx, id, item)
	}
	p.logger.Debug("worker exit", slog.Int("worker_id", id))
}

func (p *Pool[T]) execute(ctx context.Context, workerID int, item T) {
	defer func() {
		if r := recover(); r != nil {
			p.stats.panics.Add(1)
			p.logger.Error("worker panic recovered",
				slog.Int("worker_id", workerID),
				slog.Any("panic", r),
				slog.String("stack", string(debug.Stack())))
			if p.onError != nil {
				p.onError(item, fmt.Errorf("panic: %v", r))
			}
		}
	}()

	if err := p.handler(ctx, item); err != nil {
		p.stats.failed.Add(1)
		if p.onError != nil {
			p.onError(item, err)
		}
		return
	}
	p.stats.succeeded.Add(1)
}

// Submit 将任务放入缓冲区，满时阻塞直到有空位或 ctx 结束。
func (p *Pool[T]) Submit(ctx context.Context, item T) error {
	p.closeMu.RLock()
	defer p.closeMu.RUnlock()

	if p.closed.Load() {
		p.stats.rejected.Add(1)
		return ErrClosed
	}

	select {
	case p.items <- item:
		p.stats.submitted.Add(1)
		metrics.WorkerQueueDepth.Set(float64(len(p.items)))
		return nil
	case <-ctx.Done():
		p.stats.rejected.Add(1)
		return ctx.Err()
	}
}

// Shutdown 停止接收新任务，等待缓冲区中的任务处理完毕。
// timeout 不大于 0 时一直等待。
func (p *Pool[T]) Shutdown(timeout time.Duration) error {
	p.closeMu.Lock()
	if !p.closed.CompareAndSwap(false, true) {
		p.closeMu.Unlock()
		return ErrClosed
	}
	close(p.items)
	p.closeMu.Unlock()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	if timeout <= 0 {
		<-done
		p.logger.Info("worker pool stopped")
		return nil
	}

	select {
	case <-done:
		p.logger.Info("worker pool stopped")
		return nil
	case <-time.After(timeout):
		p.logger.Error("worker pool shutdown timeout", slog.String("timeout", timeout.String()))
		return fmt.Errorf("shutdown timeout after %s", timeout)
	}
}

// Stats 返回统计快照。
func (p *Pool[T]) Stats() Stats {
	return Stats{
		Submitted: p.stats.submitted.Load(),
		Succeeded: p.stats.succeeded.Load(),
		Failed:    p.stats.failed.Load(),
		Panics:    p.stats.panics.Load(),
		Rejected:  p.stats.rejected.Load(),
	}
}

// Len 返回缓冲区中待处理的任务数。
func (p *Pool[T]) Len() int {
	return len(p.items)
}

func (p *Pool[T]) String() string {
	s := p.Stats()
	return fmt.Sprintf("Pool[workers=%d, capacity=%d, pending=%d, submitted=%d, succeeded=%d, failed=%d, panics=%d, rejected=%d]",
		p.workers, cap(p.items), p.Len(), s.Submitted, s.Succeeded, s.Failed, s.Panics, s.Rejected)
}
