package notify

import (
	"bytes"
	"context"
	"embed"
	"errors"
	"fmt"
	"html/template"
	"io/fs"
	"log/slog"
	"strings"
	"time"

	"taskhub/internal/config"
	"taskhub/internal/pkg/jobqueue"

	"gopkg.in/gomail.v2"
)

//go:embed templates/*.html
var templateFS embed.FS

var (
	// ErrTemplateNotFound 模板不存在，重试无意义。
	ErrTemplateNotFound = errors.New("email template not found")
	// ErrNotConfigured SMTP 配置缺失。
	ErrNotConfigured = errors.New("email config missing")
)

type dialer interface {
	DialAndSend(m ...*gomail.Message) error
}

// EmailNotifier 通过 SMTP 发送模板邮件。
type EmailNotifier struct {
	cfg       *config.EmailConfig
	logger    *slog.Logger
	dialer    dialer
	templates map[string]*template.Template
	codeTTL   time.Duration
}

// NewEmailNotifier 创建邮件发送器并加载内置模板。
// codeTTL 用于在邮件正文中提示验证码有效期。
func NewEmailNotifier(cfg *config.EmailConfig, logger *slog.Logger, codeTTL time.Duration) (*EmailNotifier, error) {
	tmpl, err := loadTemplates()
	if err != nil {
		return nil, err
	}
	return &EmailNotifier{
		cfg:       cfg,
		logger:    logger,
		dialer:    gomail.NewDialer(cfg.SMTPHost, cfg.SMTPPort, cfg.SMTPUser, cfg.SMTPPass),
		templates: tmpl,
		codeTTL:   codeTTL,
	}, nil
}

type templateData struct {
	Code      string
	Username  string
	ExpiresIn string
}

// Send 渲染 job.Template 并发送。job.Subject 非空时覆盖模板中的标题。
func (n *EmailNotifier) Send(ctx context.Context, job *jobqueue.EmailJob) error {
	if n.cfg.SMTPHost == "" || n.cfg.FromEmail == "" {
		return ErrNotConfigured
	}
	if job == nil || strings.TrimSpace(job.Email) == "" {
		return fmt.Errorf("empty recipient")
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	msg, err := n.buildMessage(job)
	if err != nil {
		return err
	}
	if err := n.dialer.DialAndSend(msg); err != nil {
		return fmt.Errorf("send email: %w", err)
	}

	n.logger.Info("email sent",
		slog.String("job_id", job.ID),
		slog.String("template", job.Template),
		slog.String("to", job.Email))
	return nil
}

func (n *EmailNotifier) buildMessage(job *jobqueue.EmailJob) (*gomail.Message, error) {
	tmpl, ok := n.templates[job.Template]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrTemplateNotFound, job.Template)
	}

	data := templateData{
		Code:      job.Code,
		Username:  job.Username,
		ExpiresIn: formatTTL(n.codeTTL),
	}

	var subject, plainBody, htmlBody bytes.Buffer
	if err := tmpl.ExecuteTemplate(&subject, "subject", data); err != nil {
		return nil, fmt.Errorf("render subject: %w", err)
	}
	if err := tmpl.ExecuteTemplate(&plainBody, "plainBody", data); err != nil {
		return nil, fmt.Errorf("render plain body: %w", err)
	}
	if err := tmpl.ExecuteTemplate(&htmlBody, "htmlBody", data); err != nil {
		return nil, fmt.Errorf("render html body: %w", err)
	}

	title := strings.TrimSpace(subject.String())
	if job.Subject != "" {
		title = job.Subject
	}

	m := gomail.NewMessage()
	m.SetHeader("From", n.cfg.FromEmail)
	m.SetHeader("To", job.Email)
	m.SetHeader("Subject", title)
	m.SetBody("text/plain", strings.TrimSpace(plainBody.String()))
	m.AddAlternative("text/html", htmlBody.String())
	return m, nil
}

// loadTemplates 每个文件单独解析，避免不同模板中同名的 subject/htmlBody 互相覆盖。
func loadTemplates() (map[string]*template.Template, error) {
	entries, err := fs.ReadDir(templateFS, "templates")
	if err != nil {
		return nil, fmt.Errorf("read email templates: %w", err)
	}
	out := make(map[string]*template.Template, len(entries))
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		t, err := template.ParseFS(templateFS, "templates/"+e.Name())
		if err != nil {
			return nil, fmt.Errorf("parse email template %s: %w", e.Name(), err)
		}
		out[e.Name()] = t
	}
	return out, nil
}

func formatTTL(d time.Duration) string {
	if d <= 0 {
		return "a few minutes"
	}
	if d%time.Minute == 0 {
		mins := int(d / time.Minute)
		if mins == 1 {
			return "1 minute"
		}
		return fmt.Sprintf("%d minutes", mins)
	}
	return d.String()
}
