package api

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"taskhub/internal/api/auth"
	"taskhub/internal/api/httperr"
	"taskhub/internal/api/middleware"
	"taskhub/internal/config"
	"taskhub/internal/model"
	"taskhub/internal/pkg/jobqueue"
	"taskhub/internal/pkg/metrics"
	"taskhub/internal/pkg/ratelimit"
	"taskhub/internal/store"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"gorm.io/gorm"
)

// Server 封装了 API 服务所需的依赖和路由处理。
//
// 它持有数据库连接、Redis 客户端、邮件任务生产者以及 Gin 路由引擎。
type Server struct {
	cfg      *config.Config
	logger   *slog.Logger
	db       *gorm.DB
	rdb      *redis.Client
	router   *gin.Engine
	auth     *auth.Handler
	accounts *store.AccountStore
	tokens   *auth.TokenIssuer
	producer *jobqueue.Producer
	tasks    TaskStore
}

// TaskStore 任务接口需要的存储操作，由 store.TaskStore 实现。
type TaskStore interface {
	GetTask(ctx context.Context, id uint) (*model.Task, error)
	ListTasks(ctx context.Context, f store.TaskFilter) ([]model.Task, int64, error)
	CreateTask(ctx context.Context, task *model.Task) error
	UpdateTask(ctx context.Context, task *model.Task, updates map[string]interface{}) error
	DeleteOwnedTask(ctx context.Context, id uint, ownerID uint) error
}

// NewServer 初始化 API 服务器。
//
// 它负责：
// 1. 连接 MySQL 数据库并执行自动迁移
// 2. 连接 Redis
// 3. 组装注册、登录与任务接口
func NewServer(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Server, error) {
	db, err := store.Open(cfg.MySQL.DSN)
	if err != nil {
		return nil, err
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       0,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis ping: %w", err)
	}

	return newServer(cfg, logger, db, rdb), nil
}

// newServer 使用已建立的连接组装服务，测试中传入 sqlite 与 miniredis。
func newServer(cfg *config.Config, logger *slog.Logger, db *gorm.DB, rdb *redis.Client) *Server {
	accounts := store.NewAccountStore(db)
	producer := jobqueue.NewProducer(rdb, logger, cfg.Email.JobStream)
	issuer := auth.NewCodeIssuer(accounts, producer, logger)
	limiter := ratelimit.NewLimiter(rdb, logger, ratelimit.RegisterKeyPrefix, cfg.Security.RegisterRate, cfg.Security.RegisterBurst)
	tokens := auth.NewTokenIssuer(cfg.Security.JWTSecret, cfg.Security.AccessTokenTTL, cfg.Security.RefreshTokenTTL)

	metrics.InitMetrics()

	if cfg.App.Env != "local" {
		gin.SetMode(gin.ReleaseMode)
	}
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(middleware.RequestLogger(logger))
	r.Use(middleware.Metrics())

	s := &Server{
		cfg:      cfg,
		logger:   logger,
		db:       db,
		rdb:      rdb,
		router:   r,
		auth:     auth.NewHandler(accounts, issuer, tokens, limiter, cfg.Security.PendingTTL, logger),
		accounts: accounts,
		tokens:   tokens,
		producer: producer,
		tasks:    store.NewTaskStore(db),
	}
	s.registerRoutes()
	return s
}

// Router 返回 HTTP 路由处理器。
func (s *Server) Router() http.Handler {
	return s.router
}

// Close 关闭数据库与缓存连接。
func (s *Server) Close() error {
	var firstErr error
	if s.rdb != nil {
		if err := s.rdb.Close(); err != nil {
			firstErr = err
		}
	}
	if s.db != nil {
		sqlDB, err := s.db.DB()
		if err != nil {
			if firstErr == nil {
				firstErr = err
			}
		} else if closeErr := sqlDB.Close(); closeErr != nil && firstErr == nil {
			firstErr = closeErr
		}
	}
	return firstErr
}

// registerRoutes 注册所有的 API 路由。
func (s *Server) registerRoutes() {
	s.router.GET("/metrics", gin.WrapH(promhttp.Handler()))
	s.router.GET("/healthz", s.handleHealthz)

	s.router.POST("/register/", s.auth.Register)
	s.router.POST("/register/confirm/", s.auth.ConfirmRegister)
	s.router.POST("/register/resend/", s.auth.ResendCode)
	s.router.POST("/login/", s.auth.Login)
	s.router.POST("/token/refresh/", s.auth.Refresh)

	optional := middleware.OptionalAuth(s.tokens, s.accounts)
	required := middleware.AuthMiddleware(s.tokens, s.accounts)

	tasks := s.router.Group("/tasks")
	tasks.GET("/", optional, s.handleListTasks)
	tasks.POST("/", required, s.handleCreateTask)
	tasks.GET("/:id/", optional, s.handleGetTask)
	tasks.PATCH("/:id/", required, s.handleUpdateTask)
	tasks.DELETE("/:id/", required, s.handleDeleteTask)
}

func (s *Server) handleHealthz(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
	defer cancel()

	if s.db == nil || s.rdb == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "error"})
		return
	}

	var one int
	if err := s.db.WithContext(ctx).Raw("SELECT 1").Scan(&one).Error; err != nil {
		s.logger.Warn("healthz: database unavailable", slog.String("error", err.Error()))
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "error"})
		return
	}
	if err := s.rdb.Ping(ctx).Err(); err != nil {
		s.logger.Warn("healthz: redis unavailable", slog.String("error", err.Error()))
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "error"})
		return
	}

	resp := gin.H{"status": "ok"}
	if n, err := s.producer.Backlog(ctx, s.cfg.Email.JobGroup); err == nil {
		resp["email_queue"] = n
	}
	c.JSON(http.StatusOK, resp)
}

func (s *Server) internal(c *gin.Context, msg string, err error) {
	s.logger.Error(msg, slog.String("path", c.FullPath()), slog.String("error", err.Error()))
	httperr.Internal(c)
}
