package jobqueue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"taskhub/internal/pkg/metrics"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// FailureAction indicates how a failed message is handled.
type FailureAction string

const (
	FailureActionNone  FailureAction = "none"
	FailureActionRetry FailureAction = "retry"
	FailureActionDLQ   FailureAction = "dlq"
)

// Consumer 邮件任务消费者，从消费者组中读取任务并负责确认、重试与死信。
type Consumer struct {
	queue            *JobQueue
	logger           *slog.Logger
	groupName        string
	consumerID       string
	blockTime        time.Duration
	batchSize        int64
	pendingIdle      time.Duration
	pendingStart     string
	deadLetterStream string
	maxRetry         int
	retryDelay       time.Duration
	now              func() time.Time
}

// ConsumerOption 消费者配置选项。
type ConsumerOption func(*Consumer)

// WithBlockTime 设置阻塞等待时间。
func WithBlockTime(d time.Duration) ConsumerOption {
	return func(c *Consumer) {
		c.blockTime = d
	}
}

// WithBatchSize 设置每次读取的消息数量。
func WithBatchSize(size int64) ConsumerOption {
	return func(c *Consumer) {
		c.batchSize = size
	}
}

// WithPendingIdle 设置 Pending 消息被重新认领前的最小空闲时间。
func WithPendingIdle(d time.Duration) ConsumerOption {
	return func(c *Consumer) {
		c.pendingIdle = d
	}
}

// WithDeadLetterStream 设置死信 Stream 名称。
func WithDeadLetterStream(stream string) ConsumerOption {
	return func(c *Consumer) {
		c.deadLetterStream = stream
	}
}

// WithMaxRetry 设置最大重试次数（不含首次尝试）。
func WithMaxRetry(maxRetry int) ConsumerOption {
	return func(c *Consumer) {
		c.maxRetry = maxRetry
	}
}

// WithRetryDelay 设置两次尝试之间的固定间隔。
func WithRetryDelay(d time.Duration) ConsumerOption {
	return func(c *Consumer) {
		c.retryDelay = d
	}
}

// NewConsumer 创建一个新的任务消费者，并确保消费者组存在。
func NewConsumer(rdb *redis.Client, logger *slog.Logger, streamName string, groupName string, consumerID string, opts ...ConsumerOption) (*Consumer, error) {
	if groupName == "" {
		return nil, fmt.Errorf("group name is required")
	}
	if consumerID == "" {
		consumerID = "consumer-" + uuid.NewString()
	}

	queue := NewJobQueue(rdb, logger, streamName)
	c := &Consumer{
		queue:            queue,
		logger:           logger,
		groupName:        groupName,
		consumerID:       consumerID,
		blockTime:        time.Second,
		batchSize:        10,
		pendingIdle:      5 * time.Minute,
		pendingStart:     "0-0",
		deadLetterStream: queue.StreamName() + ":dlq",
		maxRetry:         3,
		retryDelay:       60 * time.Second,
		now:              time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}

	if err := c.queue.CreateConsumerGroup(context.Background(), groupName); err != nil {
		return nil, err
	}

	c.logger.Info("consumer created",
		slog.String("group", groupName),
		slog.String("consumer_id", consumerID))

	return c, nil
}

// StreamName 返回消费的 Stream 名称。
func (c *Consumer) StreamName() string {
	return c.queue.StreamName()
}

// DeadLetterStream 返回死信 Stream 名称。
func (c *Consumer) DeadLetterStream() string {
	return c.deadLetterStream
}

// Message 是带 Stream 消息 ID 的邮件任务。
type Message struct {
	ID  string
	Job *EmailJob
}

// Read 先认领空闲过久的 Pending 消息，没有时再读取新消息。
func (c *Consumer) Read(ctx context.Context) ([]*Message, error) {
	pending, err := c.readPending(ctx)
	if err != nil {
		return nil, err
	}
	if len(pending) > 0 {
		return pending, nil
	}
	return c.readNew(ctx)
}

func (c *Consumer) readPending(ctx context.Context) ([]*Message, error) {
	messages, nextStart, err := c.queue.rdb.XAutoClaim(ctx, &redis.XAutoClaimArgs{
		Stream:   c.queue.streamName,
		Group:    c.groupName,
		Consumer: c.consumerID,
		MinIdle:  c.pendingIdle,
		Start:    c.pendingStart,
		Count:    c.batchSize,
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("xautoclaim failed: %w", err)
	}
	if nextStart != "" {
		c.pendingStart = nextStart
	}
	if len(messages) > 0 {
		metrics.EmailJobAutoClaimTotal.Add(float64(len(messages)))
	}
	return c.parseMessages(ctx, messages), nil
}

func (c *Consumer) readNew(ctx context.Context) ([]*Message, error) {
	streams, err := c.queue.rdb.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    c.groupName,
		Consumer: c.consumerID,
		Streams:  []string{c.queue.streamName, ">"},
		Count:    c.batchSize,
		Block:    c.blockTime,
	}).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("xreadgroup failed: %w", err)
	}

	var messages []redis.XMessage
	for _, stream := range streams {
		messages = append(messages, stream.Messages...)
	}
	return c.parseMessages(ctx, messages), nil
}

func (c *Consumer) parseMessages(ctx context.Context, messages []redis.XMessage) []*Message {
	if len(messages) == 0 {
		return nil
	}

	parsed := make([]*Message, 0, len(messages))
	for _, msg := range messages {
		data, ok := msg.Values["data"].(string)
		if !ok || data == "" {
			c.logger.Warn("invalid message format", slog.String("msg_id", msg.ID))
			c.handlePoisonMessage(ctx, msg.ID, fmt.Sprintf("%v", msg.Values["data"]), "invalid message format")
			continue
		}

		job, err := parseJob(data)
		if err != nil {
			c.logger.Error("parse message failed",
				slog.String("msg_id", msg.ID),
				slog.String("error", err.Error()))
			c.handlePoisonMessage(ctx, msg.ID, data, err.Error())
			continue
		}
		parsed = append(parsed, &Message{ID: msg.ID, Job: job})
	}
	return parsed
}

// Ack 确认消息已处理。
func (c *Consumer) Ack(ctx context.Context, msgID string) error {
	acked, err := c.queue.rdb.XAck(ctx, c.queue.streamName, c.groupName, msgID).Result()
	if err != nil {
		return fmt.Errorf("xack failed: %w", err)
	}
	if acked == 0 {
		c.logger.Warn("message not acked (may already be acked)", slog.String("msg_id", msgID))
	}
	return nil
}

// HandleFailure 处理一次发送失败。
//
// 未超过重试预算时，以 Retry+1 和 NotBefore = now + retryDelay 重新入队；
// 超过预算后写入死信 Stream。两种情况都会确认原消息。
func (c *Consumer) HandleFailure(ctx context.Context, msg *Message, cause error) (FailureAction, error) {
	if msg == nil || msg.Job == nil {
		return FailureActionNone, fmt.Errorf("message is nil")
	}
	if cause == nil {
		cause = errors.New("unknown failure")
	}

	retry := msg.Job.Retry + 1
	if retry > c.maxRetry {
		if err := c.publishDeadLetter(ctx, msg.ID, msg.Job, cause); err != nil {
			return FailureActionDLQ, err
		}
		metrics.EmailJobsTotal.WithLabelValues("dlq").Inc()
		return FailureActionDLQ, c.Ack(ctx, msg.ID)
	}

	next := *msg.Job
	next.Retry = retry
	next.NotBefore = c.now().Add(c.retryDelay).UTC()
	if err := c.queue.Publish(ctx, &next); err != nil {
		return FailureActionRetry, err
	}
	metrics.EmailJobsTotal.WithLabelValues("retry").Inc()
	return FailureActionRetry, c.Ack(ctx, msg.ID)
}

// DeadLetter 直接写入死信并确认，用于重试无意义的失败。
func (c *Consumer) DeadLetter(ctx context.Context, msg *Message, cause error) error {
	if msg == nil || msg.Job == nil {
		return fmt.Errorf("message is nil")
	}
	if err := c.publishDeadLetter(ctx, msg.ID, msg.Job, cause); err != nil {
		return err
	}
	metrics.EmailJobsTotal.WithLabelValues("dlq").Inc()
	return c.Ack(ctx, msg.ID)
}

func (c *Consumer) handlePoisonMessage(ctx context.Context, msgID string, payload string, reason string) {
	if err := c.publishDeadLetter(ctx, msgID, payload, errors.New(reason)); err != nil {
		c.logger.Error("publish dead letter failed", slog.String("msg_id", msgID), slog.String("error", err.Error()))
	}
	metrics.EmailJobsTotal.WithLabelValues("dlq").Inc()
	if err := c.Ack(ctx, msgID); err != nil {
		c.logger.Error("ack poison message failed", slog.String("msg_id", msgID), slog.String("error", err.Error()))
	}
}

func (c *Consumer) publishDeadLetter(ctx context.Context, msgID string, payload interface{}, cause error) error {
	raw := payload
	if job, ok := payload.(*EmailJob); ok {
		if data, err := json.Marshal(job); err == nil {
			raw = string(data)
		}
	}

	return c.queue.publishRaw(ctx, c.deadLetterStream, map[string]interface{}{
		"original_id": msgID,
		"payload":     raw,
		"reason":      cause.Error(),
		"failed_at":   c.now().UTC().Format(time.RFC3339Nano),
	})
}

// Pending 获取已投递但未确认的消息数量。
func (c *Consumer) Pending(ctx context.Context) (int64, error) {
	info, err := c.queue.rdb.XPending(ctx, c.queue.streamName, c.groupName).Result()
	if err != nil {
		return 0, fmt.Errorf("xpending failed: %w", err)
	}
	return info.Count, nil
}
