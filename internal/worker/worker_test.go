package worker

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"taskhub/internal/pkg/dedup"
	"taskhub/internal/pkg/jobqueue"
	"taskhub/internal/pkg/logger"
	"taskhub/internal/pkg/notify"
	"taskhub/internal/pkg/ratelimit"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testStream = "test:email:jobs"

type fakeSender struct {
	mu   sync.Mutex
	sent []*jobqueue.EmailJob
	err  error
}

func (f *fakeSender) Send(ctx context.Context, job *jobqueue.EmailJob) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.sent = append(f.sent, job)
	return nil
}

// blockingSender 在 Send 中停住，直到 release 被关闭。
type blockingSender struct {
	entered chan struct{}
	release chan struct{}
}

func (b *blockingSender) Send(ctx context.Context, job *jobqueue.EmailJob) error {
	close(b.entered)
	<-b.release
	return nil
}

func (f *fakeSender) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sent)
}

type env struct {
	mr       *miniredis.Miniredis
	rdb      *redis.Client
	consumer *jobqueue.Consumer
	producer *jobqueue.Producer
	guard    *dedup.DeliveryGuard
}

func newEnv(t *testing.T, opts ...jobqueue.ConsumerOption) *env {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	opts = append([]jobqueue.ConsumerOption{jobqueue.WithBlockTime(10 * time.Millisecond)}, opts...)
	consumer, err := jobqueue.NewConsumer(rdb, logger.Discard(), testStream, "test_group", "c1", opts...)
	require.NoError(t, err)

	return &env{
		mr:       mr,
		rdb:      rdb,
		consumer: consumer,
		producer: jobqueue.NewProducer(rdb, logger.Discard(), testStream),
		guard:    dedup.NewDeliveryGuard(rdb, time.Hour),
	}
}

func (e *env) submitAndRead(t *testing.T, job *jobqueue.EmailJob) *jobqueue.Message {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, e.producer.Submit(ctx, job))
	msgs, err := e.consumer.Read(ctx)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	return msgs[0]
}

func (e *env) pending(t *testing.T) int64 {
	t.Helper()
	n, err := e.consumer.Pending(context.Background())
	require.NoError(t, err)
	return n
}

func newJob() *jobqueue.EmailJob {
	return jobqueue.NewEmailJob("Verification Code", "register_template.html", "a@example.com", "123456", "alice")
}

func TestProcess_SuccessAcks(t *testing.T) {
	e := newEnv(t)
	sender := &fakeSender{}
	w := New(e.consumer, sender, e.guard, nil, logger.Discard(), 1, 1)

	msg := e.submitAndRead(t, newJob())
	require.NoError(t, w.process(context.Background(), msg))

	assert.Equal(t, 1, sender.count())
	assert.EqualValues(t, 0, e.pending(t))
	assert.True(t, e.mr.Exists(dedup.KeyPrefix+msg.Job.ID), "delivery is recorded")
}

func TestProcess_DuplicateIsSkipped(t *testing.T) {
	e := newEnv(t)
	sender := &fakeSender{}
	w := New(e.consumer, sender, e.guard, nil, logger.Discard(), 1, 1)

	msg := e.submitAndRead(t, newJob())
	require.NoError(t, e.mr.Set(dedup.KeyPrefix+msg.Job.ID, "sent"))

	require.NoError(t, w.process(context.Background(), msg))
	assert.Equal(t, 0, sender.count())
	assert.EqualValues(t, 0, e.pending(t))
}

func TestProcess_InFlightSendLeavesNoRecord(t *testing.T) {
	e := newEnv(t)
	blocking := &blockingSender{entered: make(chan struct{}), release: make(chan struct{})}
	w := New(e.consumer, blocking, e.guard, nil, logger.Discard(), 1, 1)

	msg := e.submitAndRead(t, newJob())
	done := make(chan error, 1)
	go func() { done <- w.process(context.Background(), msg) }()
	<-blocking.entered

	assert.False(t, e.mr.Exists(dedup.KeyPrefix+msg.Job.ID), "nothing is recorded before the send completes")

	// 原 Worker 在发送途中退出，重新认领后的消息仍然会被发送
	sender := &fakeSender{}
	other := New(e.consumer, sender, e.guard, nil, logger.Discard(), 1, 1)
	require.NoError(t, other.process(context.Background(), msg))
	assert.Equal(t, 1, sender.count())
	assert.True(t, e.mr.Exists(dedup.KeyPrefix+msg.Job.ID))

	close(blocking.release)
	require.NoError(t, <-done)
	assert.EqualValues(t, 0, e.pending(t))
}

func TestProcess_FailureRetries(t *testing.T) {
	e := newEnv(t)
	sender := &fakeSender{err: errors.New("smtp: connection refused")}
	w := New(e.consumer, sender, e.guard, nil, logger.Discard(), 1, 1)

	msg := e.submitAndRead(t, newJob())
	err := w.process(context.Background(), msg)
	require.Error(t, err)

	assert.EqualValues(t, 0, e.pending(t), "original message is acked")
	assert.False(t, e.mr.Exists(dedup.KeyPrefix+msg.Job.ID), "failed send leaves no delivery record")

	entries, err := e.rdb.XRange(context.Background(), testStream, "-", "+").Result()
	require.NoError(t, err)
	require.Len(t, entries, 2)
	var retried jobqueue.EmailJob
	require.NoError(t, json.Unmarshal([]byte(entries[1].Values["data"].(string)), &retried))
	assert.Equal(t, msg.Job.ID, retried.ID)
	assert.Equal(t, 1, retried.Retry)
	assert.True(t, retried.NotBefore.After(time.Now()))
}

func TestProcess_RetryBudgetEndsInDLQ(t *testing.T) {
	e := newEnv(t, jobqueue.WithRetryDelay(0))
	sender := &fakeSender{err: errors.New("smtp: 451 try later")}
	w := New(e.consumer, sender, e.guard, nil, logger.Discard(), 1, 1)
	ctx := context.Background()

	require.NoError(t, e.producer.Submit(ctx, newJob()))
	attempts := 0
	for i := 0; i < 10; i++ {
		msgs, err := e.consumer.Read(ctx)
		require.NoError(t, err)
		if len(msgs) == 0 {
			break
		}
		for _, msg := range msgs {
			attempts++
			_ = w.process(ctx, msg)
		}
	}

	assert.Equal(t, 4, attempts, "one attempt plus three retries")
	dlq, err := e.rdb.XLen(ctx, e.consumer.DeadLetterStream()).Result()
	require.NoError(t, err)
	assert.EqualValues(t, 1, dlq)
}

func TestProcess_TemplateNotFoundGoesToDLQ(t *testing.T) {
	e := newEnv(t)
	sender := &fakeSender{err: notify.ErrTemplateNotFound}
	w := New(e.consumer, sender, e.guard, nil, logger.Discard(), 1, 1)

	msg := e.submitAndRead(t, newJob())
	err := w.process(context.Background(), msg)
	assert.ErrorIs(t, err, notify.ErrTemplateNotFound)

	assert.EqualValues(t, 0, e.pending(t))
	length, err := e.rdb.XLen(context.Background(), testStream).Result()
	require.NoError(t, err)
	assert.EqualValues(t, 1, length, "no retry is published")
	dlq, err := e.rdb.XLen(context.Background(), e.consumer.DeadLetterStream()).Result()
	require.NoError(t, err)
	assert.EqualValues(t, 1, dlq)
}

func TestProcess_WaitsForNotBefore(t *testing.T) {
	e := newEnv(t)
	sender := &fakeSender{}
	w := New(e.consumer, sender, e.guard, nil, logger.Discard(), 1, 1)

	job := newJob()
	job.NotBefore = time.Now().Add(time.Hour)
	msg := e.submitAndRead(t, job)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := w.process(ctx, msg)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, 0, sender.count())
	assert.EqualValues(t, 1, e.pending(t), "message stays pending for reclaim")

	w.now = func() time.Time { return time.Now().Add(2 * time.Hour) }
	require.NoError(t, w.process(context.Background(), msg))
	assert.Equal(t, 1, sender.count())
}

func TestProcess_ThrottleTimeoutRetries(t *testing.T) {
	e := newEnv(t)
	sender := &fakeSender{}
	limiter := ratelimit.NewLimiter(e.rdb, logger.Discard(), "", 0.001, 1)
	w := New(e.consumer, sender, e.guard, limiter, logger.Discard(), 1, 1)
	ctx := context.Background()

	first := e.submitAndRead(t, newJob())
	require.NoError(t, w.process(ctx, first))

	second := e.submitAndRead(t, newJob())
	waitCtx, cancel := context.WithTimeout(ctx, 30*time.Millisecond)
	defer cancel()
	err := w.process(waitCtx, second)
	require.Error(t, err)
	assert.Equal(t, 1, sender.count())
	assert.False(t, e.mr.Exists(dedup.KeyPrefix+second.Job.ID))
}

func TestRun_DeliversAndStops(t *testing.T) {
	e := newEnv(t)
	sender := &fakeSender{}
	w := New(e.consumer, sender, e.guard, nil, logger.Discard(), 2, 4)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	for i := 0; i < 3; i++ {
		require.NoError(t, e.producer.Submit(context.Background(), newJob()))
	}
	require.Eventually(t, func() bool { return sender.count() == 3 }, 2*time.Second, 10*time.Millisecond)
	require.Eventually(t, func() bool {
		n, err := e.consumer.Pending(context.Background())
		return err == nil && n == 0
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("worker did not stop")
	}
}
