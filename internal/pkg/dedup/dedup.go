package dedup

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// KeyPrefix 是投递记录的键前缀，后接邮件任务 ID。
const KeyPrefix = "taskhub:email:sent:"

// DeliveryGuard 记录已成功发送的邮件任务，避免重新认领的消息被再次发送。
//
// 只在发送成功后写入记录：发送与记录之间进程退出时，消息会被再次发送（至少一次），
// 而不会被误判为已发送后丢弃。
type DeliveryGuard struct {
	rdb *redis.Client
	ttl time.Duration
}

func NewDeliveryGuard(rdb *redis.Client, ttl time.Duration) *DeliveryGuard {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &DeliveryGuard{
		rdb: rdb,
		ttl: ttl,
	}
}

// Delivered 判断任务是否已有发送记录。
func (g *DeliveryGuard) Delivered(ctx context.Context, jobID string) (bool, error) {
	if g == nil || g.rdb == nil || jobID == "" {
		return false, nil
	}
	n, err := g.rdb.Exists(ctx, KeyPrefix+jobID).Result()
	if err != nil {
		return false, fmt.Errorf("delivery guard exists: %w", err)
	}
	return n > 0, nil
}

// MarkDelivered 写入发送记录，保留 ttl。
func (g *DeliveryGuard) MarkDelivered(ctx context.Context, jobID string) error {
	if g == nil || g.rdb == nil || jobID == "" {
		return nil
	}
	if err := g.rdb.Set(ctx, KeyPrefix+jobID, time.Now().UTC().Format(time.RFC3339), g.ttl).Err(); err != nil {
		return fmt.Errorf("delivery guard set: %w", err)
	}
	return nil
}
