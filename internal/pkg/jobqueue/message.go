package jobqueue

import (
	"time"

	"github.com/google/uuid"
)

// EmailJob 表示一条待发送的邮件任务。
//
// 重试时保持同一个 ID，Worker 以 ID 做投递去重。
type EmailJob struct {
	ID         string    `json:"id"`                 // 任务 ID（UUID）
	Subject    string    `json:"subject"`            // 邮件标题
	Template   string    `json:"template"`           // 模板名，如 "register_template.html"
	Email      string    `json:"email"`              // 收件人
	Code       string    `json:"code"`               // 验证码
	Username   string    `json:"username,omitempty"` // 用户名（可选）
	Retry      int       `json:"retry"`              // 已重试次数
	EnqueuedAt time.Time `json:"enqueued_at"`        // 首次入队时间
	NotBefore  time.Time `json:"not_before"`         // 最早执行时间（重试时设置）
}

// NewEmailJob 创建一条新的邮件任务。
func NewEmailJob(subject, template, email, code, username string) *EmailJob {
	return &EmailJob{
		ID:         uuid.NewString(),
		Subject:    subject,
		Template:   template,
		Email:      email,
		Code:       code,
		Username:   username,
		EnqueuedAt: time.Now().UTC(),
	}
}

// Wait 返回距离 NotBefore 还需等待的时长，已到期时返回 0。
func (j *EmailJob) Wait(now time.Time) time.Duration {
	if j.NotBefore.IsZero() {
		return 0
	}
	if d := j.NotBefore.Sub(now); d > 0 {
		return d
	}
	return 0
}
