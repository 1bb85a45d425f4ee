// Package worker 消费邮件任务 Stream 并通过 SMTP 发送验证码邮件。
package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"taskhub/internal/pkg/jobqueue"
	"taskhub/internal/pkg/metrics"
	"taskhub/internal/pkg/notify"
	"taskhub/internal/pkg/queue"
	"taskhub/internal/pkg/ratelimit"
)

// Consumer 邮件任务的读取与确认，由 jobqueue.Consumer 实现。
type Consumer interface {
	Read(ctx context.Context) ([]*jobqueue.Message, error)
	Ack(ctx context.Context, msgID string) error
	HandleFailure(ctx context.Context, msg *jobqueue.Message, cause error) (jobqueue.FailureAction, error)
	DeadLetter(ctx context.Context, msg *jobqueue.Message, cause error) error
}

// Guard 投递记录，由 dedup.DeliveryGuard 实现。
type Guard interface {
	Delivered(ctx context.Context, jobID string) (bool, error)
	MarkDelivered(ctx context.Context, jobID string) error
}

// Throttle 全局发送限速，由 ratelimit.Limiter 实现。
type Throttle interface {
	Wait(ctx context.Context, key string) error
}

// Worker 从 Stream 读取邮件任务，交给固定大小的 worker 池发送。
type Worker struct {
	consumer Consumer
	sender   notify.Sender
	guard    Guard
	throttle Throttle
	logger   *slog.Logger
	pool     *queue.Pool[*jobqueue.Message]

	shutdownTimeout time.Duration
	readBackoff     time.Duration
	now             func() time.Time
}

// New 创建 Worker。guard 与 throttle 可以为 nil。
func New(consumer Consumer, sender notify.Sender, guard Guard, throttle Throttle, logger *slog.Logger, workers int, capacity int) *Worker {
	w := &Worker{
		consumer:        consumer,
		sender:          sender,
		guard:           guard,
		throttle:        throttle,
		logger:          logger,
		shutdownTimeout: 30 * time.Second,
		readBackoff:     time.Second,
		now:             time.Now,
	}
	w.pool = queue.NewPool(logger, workers, capacity, w.process)
	w.pool.OnError(func(msg *jobqueue.Message, err error) {
		logger.Error("email job failed",
			slog.String("msg_id", msg.ID),
			slog.String("job_id", msg.Job.ID),
			slog.String("error", err.Error()))
	})
	return w
}

// Run 持续读取任务直到 ctx 结束，然后等待池中已提交的任务处理完。
func (w *Worker) Run(ctx context.Context) error {
	w.pool.Start(ctx)
	w.logger.Info("email worker started", slog.String("pool", w.pool.String()))

	for ctx.Err() == nil {
		msgs, err := w.consumer.Read(ctx)
		if err != nil {
			if ctx.Err() != nil {
				break
			}
			w.logger.Error("read email jobs failed", slog.String("error", err.Error()))
			if !sleep(ctx, w.readBackoff) {
				break
			}
			continue
		}
		for _, msg := range msgs {
			if err := w.pool.Submit(ctx, msg); err != nil {
				// 未提交的消息留在 Pending 中，由 XAUTOCLAIM 重新认领
				w.logger.Warn("submit email job to pool failed",
					slog.String("msg_id", msg.ID),
					slog.String("error", err.Error()))
			}
		}
	}

	w.logger.Info("email worker stopping")
	if err := w.pool.Shutdown(w.shutdownTimeout); err != nil {
		return fmt.Errorf("worker pool shutdown: %w", err)
	}
	st := w.pool.Stats()
	w.logger.Info("email worker stopped",
		slog.Int64("succeeded", st.Succeeded),
		slog.Int64("failed", st.Failed))
	return nil
}

// process 发送单个邮件任务。
//
// 成功时先写入投递记录再确认消息；模板缺失或 SMTP 未配置直接进入死信；其余失败按重试策略处理。
// ctx 结束时不确认，消息留待重新认领。
func (w *Worker) process(ctx context.Context, msg *jobqueue.Message) error {
	job := msg.Job

	if wait := job.Wait(w.now()); wait > 0 {
		if !sleep(ctx, wait) {
			return ctx.Err()
		}
	}

	if w.guard != nil {
		dup, err := w.guard.Delivered(ctx, job.ID)
		if err != nil {
			w.logger.Warn("delivery guard unavailable", slog.String("job_id", job.ID), slog.String("error", err.Error()))
		}
		if dup {
			metrics.EmailJobsTotal.WithLabelValues("duplicate").Inc()
			w.logger.Info("email job already delivered", slog.String("job_id", job.ID))
			return w.consumer.Ack(ctx, msg.ID)
		}
	}

	if w.throttle != nil {
		if err := w.throttle.Wait(ctx, ratelimit.SMTPKey); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return w.fail(ctx, msg, err)
		}
	}

	if err := w.sender.Send(ctx, job); err != nil {
		if errors.Is(err, notify.ErrTemplateNotFound) || errors.Is(err, notify.ErrNotConfigured) {
			if dlqErr := w.consumer.DeadLetter(ctx, msg, err); dlqErr != nil {
				return fmt.Errorf("dead letter: %w", dlqErr)
			}
			return err
		}
		return w.fail(ctx, msg, err)
	}

	if w.guard != nil {
		if err := w.guard.MarkDelivered(ctx, job.ID); err != nil {
			w.logger.Warn("record delivery failed", slog.String("job_id", job.ID), slog.String("error", err.Error()))
		}
	}
	metrics.EmailJobsTotal.WithLabelValues("sent").Inc()
	w.logger.Info("email sent",
		slog.String("job_id", job.ID),
		slog.String("template", job.Template),
		slog.String("email", job.Email),
		slog.Int("retry", job.Retry))
	return w.consumer.Ack(ctx, msg.ID)
}

func (w *Worker) fail(ctx context.Context, msg *jobqueue.Message, cause error) error {
	action, err := w.consumer.HandleFailure(ctx, msg, cause)
	if err != nil {
		return fmt.Errorf("handle failure (%s): %w", action, err)
	}
	w.logger.Warn("email send failed",
		slog.String("job_id", msg.Job.ID),
		slog.String("action", string(action)),
		slog.Int("retry", msg.Job.Retry),
		slog.String("error", cause.Error()))
	return cause
}

// sleep 等待 d，ctx 先结束时返回 false。
func sleep(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
