package jobqueue

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/redis/go-redis/v9"
)

// DefaultStream 是邮件任务 Stream 的默认名称。
const DefaultStream = "taskhub:email:jobs"

// backlogScanLimit 统计未投递消息时单次 XRANGE 的上限。
const backlogScanLimit = 10000

// JobQueue 封装 Redis Streams 的任务队列操作。
type JobQueue struct {
	rdb        *redis.Client
	logger     *slog.Logger
	streamName string
}

// NewJobQueue 创建一个新的任务队列实例。
func NewJobQueue(rdb *redis.Client, logger *slog.Logger, streamName string) *JobQueue {
	if streamName == "" {
		streamName = DefaultStream
	}
	return &JobQueue{
		rdb:        rdb,
		logger:     logger,
		streamName: streamName,
	}
}

// StreamName 返回 Stream 名称。
func (q *JobQueue) StreamName() string {
	return q.streamName
}

// Publish 使用 XADD 将任务追加到 Stream。
func (q *JobQueue) Publish(ctx context.Context, job *EmailJob) error {
	if job == nil {
		return fmt.Errorf("job is nil")
	}

	data, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("marshal job: %w", err)
	}

	return q.publishRaw(ctx, q.streamName, map[string]interface{}{
		"data": string(data),
	})
}

func (q *JobQueue) publishRaw(ctx context.Context, stream string, values map[string]interface{}) error {
	msgID, err := q.rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: stream,
		MaxLen: 100000,
		Approx: false,
		Values: values,
	}).Result()
	if err != nil {
		return fmt.Errorf("xadd failed: %w", err)
	}

	q.logger.Debug("job message published",
		slog.String("stream", stream),
		slog.String("msg_id", msgID))

	return nil
}

// CreateConsumerGroup 创建消费者组，已存在时忽略。
func (q *JobQueue) CreateConsumerGroup(ctx context.Context, groupName string) error {
	err := q.rdb.XGroupCreateMkStream(ctx, q.streamName, groupName, "0").Err()
	if err != nil && !strings.HasPrefix(err.Error(), "BUSYGROUP") {
		return fmt.Errorf("create consumer group: %w", err)
	}

	q.logger.Info("consumer group ready",
		slog.String("stream", q.streamName),
		slog.String("group", groupName))

	return nil
}

// Len 返回 Stream 中的消息数量。
func (q *JobQueue) Len(ctx context.Context) (int64, error) {
	length, err := q.rdb.XLen(ctx, q.streamName).Result()
	if err != nil {
		return 0, fmt.Errorf("xlen failed: %w", err)
	}
	return length, nil
}

// Backlog 返回消费者组尚未完成的任务数：未投递的消息加上 Pending 中未确认的消息。
// 已确认但仍保留在 Stream 中的消息不计入；消费者组不存在时所有消息都未被消费。
// 未投递部分最多统计 backlogScanLimit 条。
func (q *JobQueue) Backlog(ctx context.Context, groupName string) (int64, error) {
	groups, err := q.rdb.XInfoGroups(ctx, q.streamName).Result()
	if err != nil {
		if strings.Contains(err.Error(), "no such key") {
			return 0, nil
		}
		return 0, fmt.Errorf("xinfo groups failed: %w", err)
	}

	for _, g := range groups {
		if g.Name != groupName {
			continue
		}
		undelivered, err := q.rdb.XRangeN(ctx, q.streamName, "("+g.LastDeliveredID, "+", backlogScanLimit).Result()
		if err != nil {
			return 0, fmt.Errorf("xrange failed: %w", err)
		}
		return g.Pending + int64(len(undelivered)), nil
	}
	return q.Len(ctx)
}

func parseJob(data string) (*EmailJob, error) {
	var job EmailJob
	if err := json.Unmarshal([]byte(data), &job); err != nil {
		return nil, fmt.Errorf("unmarshal job: %w", err)
	}
	if job.ID == "" || job.Email == "" {
		return nil, fmt.Errorf("job missing id or recipient")
	}
	return &job, nil
}
