package jobqueue

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"taskhub/internal/pkg/metrics"

	"github.com/redis/go-redis/v9"
)

// Producer 邮件任务生产者，由 API 服务使用。
type Producer struct {
	queue  *JobQueue
	logger *slog.Logger
}

// NewProducer 创建一个新的任务生产者。
func NewProducer(rdb *redis.Client, logger *slog.Logger, streamName string) *Producer {
	return &Producer{
		queue:  NewJobQueue(rdb, logger, streamName),
		logger: logger,
	}
}

// Submit 提交一条邮件任务，不等待发送结果。
func (p *Producer) Submit(ctx context.Context, job *EmailJob) error {
	if job == nil || strings.TrimSpace(job.Email) == "" {
		return fmt.Errorf("invalid email job")
	}

	if err := p.queue.Publish(ctx, job); err != nil {
		metrics.EmailJobsTotal.WithLabelValues("enqueue_failed").Inc()
		p.logger.Error("submit email job failed",
			slog.String("job_id", job.ID),
			slog.String("email", job.Email),
			slog.String("error", err.Error()))
		return err
	}

	metrics.EmailJobsTotal.WithLabelValues("enqueued").Inc()
	p.logger.Info("email job submitted",
		slog.String("job_id", job.ID),
		slog.String("template", job.Template),
		slog.String("email", job.Email))
	return nil
}

// Backlog 返回指定消费者组待处理的任务数。
func (p *Producer) Backlog(ctx context.Context, groupName string) (int64, error) {
	return p.queue.Backlog(ctx, groupName)
}
