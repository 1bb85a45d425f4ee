package auth

import (
	"context"
	"crypto/rand"
	"fmt"
	"log/slog"

	"taskhub/internal/pkg/jobqueue"
)

const (
	codeLength       = 6
	registerSubject  = "Verification Code"
	registerTemplate = "register_template.html"
)

// JobSubmitter 投递邮件任务，由 jobqueue.Producer 实现。
type JobSubmitter interface {
	Submit(ctx context.Context, job *jobqueue.EmailJob) error
}

// CodeStore 保存邮箱当前的验证码。
type CodeStore interface {
	SetConfirmationCode(ctx context.Context, email string, code string) error
}

// CodeIssuer 生成验证码、落库并投递发信任务。
type CodeIssuer struct {
	codes  CodeStore
	jobs   JobSubmitter
	logger *slog.Logger
}

func NewCodeIssuer(codes CodeStore, jobs JobSubmitter, logger *slog.Logger) *CodeIssuer {
	return &CodeIssuer{codes: codes, jobs: jobs, logger: logger}
}

// Issue 为 email 生成新验证码。
//
// 验证码先落库再投递任务；投递失败只记日志，调用方不感知发信结果。
func (i *CodeIssuer) Issue(ctx context.Context, email string, username string) (string, error) {
	code, err := generateCode(codeLength)
	if err != nil {
		return "", fmt.Errorf("generate code: %w", err)
	}
	if err := i.codes.SetConfirmationCode(ctx, email, code); err != nil {
		return "", err
	}

	job := jobqueue.NewEmailJob(registerSubject, registerTemplate, email, code, username)
	if err := i.jobs.Submit(ctx, job); err != nil {
		i.logger.Error("submit verification email failed",
			slog.String("email", email),
			slog.String("job_id", job.ID),
			slog.String("error", err.Error()))
	}
	return code, nil
}

// generateCode 返回 n 位十进制数字，每位在 0-9 上均匀分布。
// 字节值 >= 250 丢弃重取，避免取模偏差。
func generateCode(n int) (string, error) {
	if n <= 0 {
		return "", fmt.Errorf("invalid code length")
	}
	out := make([]byte, 0, n)
	buf := make([]byte, n)
	for len(out) < n {
		if _, err := rand.Read(buf); err != nil {
			return "", err
		}
		for _, b := range buf {
			if b >= 250 {
				continue
			}
			out = append(out, '0'+b%10)
			if len(out) == n {
				break
			}
		}
	}
	return string(out), nil
}
