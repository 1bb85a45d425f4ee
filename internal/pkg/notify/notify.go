package notify

import (
	"context"

	"taskhub/internal/pkg/jobqueue"
)

// Sender 发送一条邮件任务。
type Sender interface {
	Send(ctx context.Context, job *jobqueue.EmailJob) error
}
