package main

import (
	"context"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"taskhub/internal/config"
	"taskhub/internal/pkg/dedup"
	"taskhub/internal/pkg/jobqueue"
	"taskhub/internal/pkg/logger"
	"taskhub/internal/pkg/metrics"
	"taskhub/internal/pkg/notify"
	"taskhub/internal/pkg/ratelimit"
	"taskhub/internal/worker"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
)

// main 是邮件 Worker 的入口函数。
//
// 它负责：
// 1. 加载配置
// 2. 初始化日志记录器
// 3. 连接 Redis 并创建消费者组
// 4. 启动 Worker 与 Metrics 服务
// 5. 优雅关闭
func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	appLogger := logger.NewDefault(cfg.App.LogLevel)
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
	})
	defer rdb.Close()
	if err := rdb.Ping(ctx).Err(); err != nil {
		appLogger.Error("redis ping failed", slog.String("error", err.Error()))
		os.Exit(1)
	}

	hostname, _ := os.Hostname()
	consumer, err := jobqueue.NewConsumer(rdb, appLogger, cfg.Email.JobStream, cfg.Email.JobGroup, hostname,
		jobqueue.WithMaxRetry(cfg.Email.MaxRetry),
		jobqueue.WithRetryDelay(cfg.Email.RetryDelay),
	)
	if err != nil {
		appLogger.Error("init consumer failed", slog.String("error", err.Error()))
		os.Exit(1)
	}

	sender, err := notify.NewEmailNotifier(&cfg.Email, appLogger, cfg.Security.PendingTTL)
	if err != nil {
		appLogger.Error("init email notifier failed", slog.String("error", err.Error()))
		os.Exit(1)
	}
	if cfg.Email.SMTPHost == "" || cfg.Email.FromEmail == "" {
		appLogger.Warn("smtp is not configured, jobs will be dead-lettered")
	}

	metrics.InitWorkerMetrics(cfg.App.WorkerPoolSize)

	w := worker.New(
		consumer,
		sender,
		dedup.NewDeliveryGuard(rdb, cfg.Email.SentTTL),
		ratelimit.NewLimiter(rdb, appLogger, "", cfg.Email.SendRate, cfg.Email.SendBurst),
		appLogger,
		cfg.App.WorkerPoolSize,
		cfg.App.QueueCapacity,
	)

	metricsServer := &http.Server{
		Addr:              cfg.App.MetricsAddr,
		Handler:           promhttp.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		appLogger.Info("worker metrics server started", slog.String("addr", cfg.App.MetricsAddr))
		if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			appLogger.Error("metrics server stopped with error", slog.String("error", err.Error()))
		}
	}()

	if err := w.Run(ctx); err != nil {
		appLogger.Error("email worker stopped with error", slog.String("error", err.Error()))
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := metricsServer.Shutdown(shutdownCtx); err != nil {
		appLogger.Error("metrics shutdown error", slog.String("error", err.Error()))
	}
	appLogger.Info("email worker stopped gracefully")
}
