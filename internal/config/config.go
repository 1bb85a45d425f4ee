package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-sql-driver/mysql"
	"github.com/spf13/viper"
)

// Config 保存应用程序配置。
type Config struct {
	App      AppConfig      `json:"app"`
	MySQL    MySQLConfig    `json:"mysql"`
	Redis    RedisConfig    `json:"redis"`
	Email    EmailConfig    `json:"email"`
	Security SecurityConfig `json:"security"`
}

// AppConfig 应用程序基础配置。
type AppConfig struct {
	Env            string `json:"env"`              // 运行环境: local / prod
	LogLevel       string `json:"log_level"`        // 日志级别: debug / info / warn / error
	HTTPAddr       string `json:"http_addr"`        // API 服务监听地址
	MetricsAddr    string `json:"metrics_addr"`     // Worker 的 metrics 监听地址
	PageSize       int    `json:"page_size"`        // 任务列表默认分页大小
	MaxPageSize    int    `json:"max_page_size"`    // page_size 参数上限
	WorkerPoolSize int    `json:"worker_pool_size"` // 邮件 Worker 并发数
	QueueCapacity  int    `json:"queue_capacity"`   // Worker 内存队列容量
	SeedDemo       bool   `json:"seed_demo"`        // 启动时写入演示账号与任务
}

// MySQLConfig MySQL 数据库配置。
type MySQLConfig struct {
	DSN string `json:"dsn"` // 数据库连接字符串
}

// RedisConfig Redis 配置。
type RedisConfig struct {
	Addr     string `json:"addr"`     // Redis 地址 (host:port)
	Password string `json:"password"` // Redis 密码
}

// EmailConfig 邮件发送与邮件任务队列配置。
type EmailConfig struct {
	SMTPHost   string        `json:"smtp_host"`
	SMTPPort   int           `json:"smtp_port"`
	SMTPUser   string        `json:"smtp_user"`
	SMTPPass   string        `json:"smtp_pass"`
	FromEmail  string        `json:"from_email"`
	JobStream  string        `json:"job_stream"`  // 邮件任务 Stream 名称
	JobGroup   string        `json:"job_group"`   // Consumer Group 名称
	MaxRetry   int           `json:"max_retry"`   // 发送失败后的最大重试次数
	RetryDelay time.Duration `json:"retry_delay"` // 两次尝试之间的固定间隔（如 "60s"）
	SentTTL    time.Duration `json:"sent_ttl"`    // 已发送标记的保留时间
	SendRate   float64       `json:"send_rate"`   // SMTP 全局发送速率（封/秒），负数表示不限速
	SendBurst  float64       `json:"send_burst"`  // SMTP 发送桶容量
}

// SecurityConfig 安全相关配置。
type SecurityConfig struct {
	JWTSecret       string        `json:"jwt_secret"`        // JWT 签名密钥
	AccessTokenTTL  time.Duration `json:"access_token_ttl"`  // access token 有效期
	RefreshTokenTTL time.Duration `json:"refresh_token_ttl"` // refresh token 有效期
	PendingTTL      time.Duration `json:"pending_ttl"`       // 待确认注册的有效期
	RegisterRate    float64       `json:"register_rate"`     // 每个邮箱发码速率（token/s）
	RegisterBurst   float64       `json:"register_burst"`    // 每个邮箱发码桶容量
}

// Load 从 JSON 文件加载配置。
//
// 它会尝试读取 configs/config.json 文件，如果不存在则使用默认值。
// 环境变量始终优先于文件中的值。
func Load(configPath ...string) (*Config, error) {
	path := "configs/config.json"
	if len(configPath) > 0 && configPath[0] != "" {
		path = configPath[0]
	}

	if _, err := os.Stat(path); os.IsNotExist(err) {
		cfg := getDefaultConfig()
		applyEnvOverrides(cfg)
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	cfg := &Config{}
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config file: %w", err)
	}

	applyDefaults(cfg)
	applyEnvOverrides(cfg)

	return cfg, nil
}

// LoadOrDefault 加载配置，如果失败则返回默认配置（不报错）。
func LoadOrDefault(configPath ...string) *Config {
	cfg, err := Load(configPath...)
	if err != nil {
		fallback := getDefaultConfig()
		applyEnvOverrides(fallback)
		return fallback
	}
	return cfg
}

// Default 返回未经环境变量覆盖的默认配置。
func Default() *Config {
	return getDefaultConfig()
}

func getDefaultConfig() *Config {
	return &Config{
		App: AppConfig{
			Env:            "local",
			LogLevel:       "info",
			HTTPAddr:       ":8000",
			MetricsAddr:    ":2112",
			PageSize:       10,
			MaxPageSize:    100,
			WorkerPoolSize: 4,
			QueueCapacity:  100,
		},
		MySQL: MySQLConfig{
			DSN: "root:password@tcp(localhost:3306)/taskhub?parseTime=true&loc=Local",
		},
		Redis: RedisConfig{
			Addr: "localhost:6379",
		},
		Email: EmailConfig{
			SMTPHost:   "smtp.gmail.com",
			SMTPPort:   587,
			JobStream:  "taskhub:email:jobs",
			JobGroup:   "email_workers",
			MaxRetry:   3,
			RetryDelay: 60 * time.Second,
			SentTTL:    24 * time.Hour,
			SendRate:   2,
			SendBurst:  5,
		},
		Security: SecurityConfig{
			JWTSecret:       "dev_secret_change_me",
			AccessTokenTTL:  30 * time.Minute,
			RefreshTokenTTL: 24 * time.Hour,
			PendingTTL:      600 * time.Second,
			RegisterRate:    1.0 / 60, // 每分钟补充一个
			RegisterBurst:   3,
		},
	}
}

// applyDefaults 对未设置的字段应用默认值。
func applyDefaults(cfg *Config) {
	defaults := getDefaultConfig()

	if cfg.App.Env == "" {
		cfg.App.Env = defaults.App.Env
	}
	if cfg.App.LogLevel == "" {
		cfg.App.LogLevel = defaults.App.LogLevel
	}
	if cfg.App.HTTPAddr == "" {
		cfg.App.HTTPAddr = defaults.App.HTTPAddr
	}
	if cfg.App.MetricsAddr == "" {
		cfg.App.MetricsAddr = defaults.App.MetricsAddr
	}
	if cfg.App.PageSize <= 0 {
		cfg.App.PageSize = defaults.App.PageSize
	}
	if cfg.App.MaxPageSize <= 0 {
		cfg.App.MaxPageSize = defaults.App.MaxPageSize
	}
	if cfg.App.WorkerPoolSize <= 0 {
		cfg.App.WorkerPoolSize = defaults.App.WorkerPoolSize
	}
	if cfg.App.QueueCapacity <= 0 {
		cfg.App.QueueCapacity = defaults.App.QueueCapacity
	}
	if cfg.MySQL.DSN == "" {
		cfg.MySQL.DSN = defaults.MySQL.DSN
	}
	if cfg.Redis.Addr == "" {
		cfg.Redis.Addr = defaults.Redis.Addr
	}
	if cfg.Email.SMTPPort == 0 {
		cfg.Email.SMTPPort = defaults.Email.SMTPPort
	}
	if cfg.Email.JobStream == "" {
		cfg.Email.JobStream = defaults.Email.JobStream
	}
	if cfg.Email.JobGroup == "" {
		cfg.Email.JobGroup = defaults.Email.JobGroup
	}
	if cfg.Email.SendRate == 0 {
		cfg.Email.SendRate = defaults.Email.SendRate
	}
	if cfg.Email.SendBurst <= 0 {
		cfg.Email.SendBurst = defaults.Email.SendBurst
	}
	if cfg.Email.MaxRetry == 0 {
		cfg.Email.MaxRetry = defaults.Email.MaxRetry
	}
	if cfg.Email.RetryDelay == 0 {
		cfg.Email.RetryDelay = defaults.Email.RetryDelay
	}
	if cfg.Email.SentTTL == 0 {
		cfg.Email.SentTTL = defaults.Email.SentTTL
	}
	if cfg.Security.JWTSecret == "" {
		cfg.Security.JWTSecret = defaults.Security.JWTSecret
	}
	if cfg.Security.AccessTokenTTL == 0 {
		cfg.Security.AccessTokenTTL = defaults.Security.AccessTokenTTL
	}
	if cfg.Security.RefreshTokenTTL == 0 {
		cfg.Security.RefreshTokenTTL = defaults.Security.RefreshTokenTTL
	}
	if cfg.Security.PendingTTL == 0 {
		cfg.Security.PendingTTL = defaults.Security.PendingTTL
	}
	if cfg.Security.RegisterRate == 0 {
		cfg.Security.RegisterRate = defaults.Security.RegisterRate
	}
	if cfg.Security.RegisterBurst == 0 {
		cfg.Security.RegisterBurst = defaults.Security.RegisterBurst
	}
}

func applyEnvOverrides(cfg *Config) {
	viper.AutomaticEnv()

	_ = viper.BindEnv("db_host", "DB_HOST")
	_ = viper.BindEnv("db_password", "DB_PASSWORD")
	_ = viper.BindEnv("redis_addr", "REDIS_ADDR")
	_ = viper.BindEnv("redis_password", "REDIS_PASSWORD")
	_ = viper.BindEnv("smtp_pass", "SMTP_PASS")
	_ = viper.BindEnv("jwt_secret", "JWT_SECRET")

	if v := os.Getenv("APP_ENV"); v != "" {
		cfg.App.Env = v
	}
	if v := os.Getenv("APP_LOG_LEVEL"); v != "" {
		cfg.App.LogLevel = v
	}
	if v := os.Getenv("APP_HTTP_ADDR"); v != "" {
		cfg.App.HTTPAddr = v
	}
	if v := os.Getenv("APP_METRICS_ADDR"); v != "" {
		cfg.App.MetricsAddr = v
	}
	if v := os.Getenv("APP_PAGE_SIZE"); v != "" {
		if i, err := strconv.Atoi(v); err == nil && i > 0 {
			cfg.App.PageSize = i
		}
	}
	if v := os.Getenv("APP_MAX_PAGE_SIZE"); v != "" {
		if i, err := strconv.Atoi(v); err == nil && i > 0 {
			cfg.App.MaxPageSize = i
		}
	}
	if v := os.Getenv("APP_WORKER_POOL_SIZE"); v != "" {
		if i, err := strconv.Atoi(v); err == nil && i > 0 {
			cfg.App.WorkerPoolSize = i
		}
	}
	if v := os.Getenv("APP_QUEUE_CAPACITY"); v != "" {
		if i, err := strconv.Atoi(v); err == nil && i > 0 {
			cfg.App.QueueCapacity = i
		}
	}
	if v := os.Getenv("APP_SEED_DEMO"); v != "" {
		cfg.App.SeedDemo = v == "true" || v == "1"
	}

	if v := viper.GetString("jwt_secret"); v != "" {
		cfg.Security.JWTSecret = v
	}
	if v := os.Getenv("ACCESS_TOKEN_TTL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Security.AccessTokenTTL = d
		}
	}
	if v := os.Getenv("REFRESH_TOKEN_TTL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Security.RefreshTokenTTL = d
		}
	}
	if v := os.Getenv("REGISTER_PENDING_TTL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Security.PendingTTL = d
		}
	}

	if v := os.Getenv("DB_DSN"); v != "" {
		cfg.MySQL.DSN = v
	} else if hasAnyEnv("DB_HOST", "DB_PORT", "DB_USER", "DB_PASSWORD", "DB_NAME") || viper.GetString("db_host") != "" || viper.GetString("db_password") != "" {
		parsed := parseMySQLDSN(cfg.MySQL.DSN)
		if v := viper.GetString("db_host"); v != "" {
			port := getenvDefault("DB_PORT", parsed.Addr, "3306")
			parsed.Addr = v + ":" + port
		} else if v := os.Getenv("DB_PORT"); v != "" {
			host := parsed.Addr
			if strings.Contains(host, ":") {
				host = strings.Split(host, ":")[0]
			}
			parsed.Addr = host + ":" + v
		}
		if v := os.Getenv("DB_USER"); v != "" {
			parsed.User = v
		}
		if v := viper.GetString("db_password"); v != "" {
			parsed.Passwd = v
		}
		if v := os.Getenv("DB_NAME"); v != "" {
			parsed.DBName = v
		}
		cfg.MySQL.DSN = parsed.FormatDSN()
	}

	if v := viper.GetString("redis_addr"); v != "" {
		cfg.Redis.Addr = v
	}
	if v := viper.GetString("redis_password"); v != "" {
		cfg.Redis.Password = v
	}

	if v := os.Getenv("SMTP_HOST"); v != "" {
		cfg.Email.SMTPHost = v
	}
	if v := os.Getenv("SMTP_PORT"); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			cfg.Email.SMTPPort = i
		}
	}
	if v := os.Getenv("SMTP_USER"); v != "" {
		cfg.Email.SMTPUser = v
	}
	if v := viper.GetString("smtp_pass"); v != "" {
		cfg.Email.SMTPPass = v
	}
	if v := os.Getenv("SMTP_FROM"); v != "" {
		cfg.Email.FromEmail = v
	}
	if v := os.Getenv("EMAIL_MAX_RETRY"); v != "" {
		if i, err := strconv.Atoi(v); err == nil && i >= 0 {
			cfg.Email.MaxRetry = i
		}
	}
	if v := os.Getenv("EMAIL_RETRY_DELAY"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Email.RetryDelay = d
		}
	}
}

func hasAnyEnv(keys ...string) bool {
	for _, key := range keys {
		if os.Getenv(key) != "" {
			return true
		}
	}
	return false
}

func getenvDefault(envKey, fallbackAddr, defaultValue string) string {
	if v := os.Getenv(envKey); v != "" {
		return v
	}
	if fallbackAddr == "" {
		return defaultValue
	}
	if strings.Contains(fallbackAddr, ":") {
		parts := strings.Split(fallbackAddr, ":")
		if len(parts) == 2 && parts[1] != "" {
			return parts[1]
		}
	}
	return defaultValue
}

func defaultMySQLConfig() *mysql.Config {
	cfg := mysql.NewConfig()
	cfg.User = "root"
	cfg.Net = "tcp"
	cfg.Addr = "localhost:3306"
	cfg.DBName = "taskhub"
	cfg.ParseTime = true
	cfg.Loc = time.Local
	return cfg
}

func parseMySQLDSN(dsn string) *mysql.Config {
	if dsn == "" {
		return defaultMySQLConfig()
	}
	parsed, err := mysql.ParseDSN(dsn)
	if err != nil {
		return defaultMySQLConfig()
	}
	return parsed
}

// UnmarshalJSON 支持 Duration 字符串（如 "60s"）。
func (e *EmailConfig) UnmarshalJSON(data []byte) error {
	type Alias EmailConfig
	aux := &struct {
		RetryDelay string `json:"retry_delay"`
		SentTTL    string `json:"sent_ttl"`
		*Alias
	}{
		Alias: (*Alias)(e),
	}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	if aux.RetryDelay != "" {
		d, err := time.ParseDuration(aux.RetryDelay)
		if err != nil {
			return fmt.Errorf("invalid retry_delay format: %w", err)
		}
		e.RetryDelay = d
	}
	if aux.SentTTL != "" {
		d, err := time.ParseDuration(aux.SentTTL)
		if err != nil {
			return fmt.Errorf("invalid sent_ttl format: %w", err)
		}
		e.SentTTL = d
	}
	return nil
}

// MarshalJSON 将 Duration 转为字符串。
func (e EmailConfig) MarshalJSON() ([]byte, error) {
	type Alias EmailConfig
	return json.Marshal(&struct {
		RetryDelay string `json:"retry_delay"`
		SentTTL    string `json:"sent_ttl"`
		*Alias
	}{
		RetryDelay: e.RetryDelay.String(),
		SentTTL:    e.SentTTL.String(),
		Alias:      (*Alias)(&e),
	})
}

// UnmarshalJSON 支持 Duration 字符串（如 "30m"）。
func (s *SecurityConfig) UnmarshalJSON(data []byte) error {
	type Alias SecurityConfig
	aux := &struct {
		AccessTokenTTL  string `json:"access_token_ttl"`
		RefreshTokenTTL string `json:"refresh_token_ttl"`
		PendingTTL      string `json:"pending_ttl"`
		*Alias
	}{
		Alias: (*Alias)(s),
	}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}

	fields := []struct {
		name string
		raw  string
		dst  *time.Duration
	}{
		{"access_token_ttl", aux.AccessTokenTTL, &s.AccessTokenTTL},
		{"refresh_token_ttl", aux.RefreshTokenTTL, &s.RefreshTokenTTL},
		{"pending_ttl", aux.PendingTTL, &s.PendingTTL},
	}
	for _, f := range fields {
		if f.raw == "" {
			continue
		}
		d, err := time.ParseDuration(f.raw)
		if err != nil {
			return fmt.Errorf("invalid %s format: %w", f.name, err)
		}
		*f.dst = d
	}
	return nil
}

// MarshalJSON 将 Duration 转为字符串。
func (s SecurityConfig) MarshalJSON() ([]byte, error) {
	type Alias SecurityConfig
	return json.Marshal(&struct {
		AccessTokenTTL  string `json:"access_token_ttl"`
		RefreshTokenTTL string `json:"refresh_token_ttl"`
		PendingTTL      string `json:"pending_ttl"`
		*Alias
	}{
		AccessTokenTTL:  s.AccessTokenTTL.String(),
		RefreshTokenTTL: s.RefreshTokenTTL.String(),
		PendingTTL:      s.PendingTTL.String(),
		Alias:           (*Alias)(&s),
	})
}
