// Package config 載入短網址服務的設定。
//
// 來源優先序（後者覆蓋前者）：
//  1. 程式內建預設值
//  2. YAML 設定檔
//  3. 環境變數（.env 檔會先載入到環境中）
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// 快取後端
const (
	CacheBackendRedis  = "redis"
	CacheBackendMemory = "memory"
)

// 失效模式
const (
	InvalidateKey      = "key"
	InvalidateWildcard = "wildcard"
)

// Config 整個應用的配置
type Config struct {
	Server struct {
		Port            int           `yaml:"port"`
		BaseURL         string        `yaml:"base_url"`
		ReadTimeout     time.Duration `yaml:"read_timeout"`
		WriteTimeout    time.Duration `yaml:"write_timeout"`
		IdleTimeout     time.Duration `yaml:"idle_timeout"`
		ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`

		// 只有來自這些位址（CIDR 或 IP）的請求才採用 X-Forwarded-For
		TrustedProxies []string `yaml:"trusted_proxies"`
	} `yaml:"server"`

	Postgres struct {
		Host     string `yaml:"host"`
		Port     int    `yaml:"port"`
		User     string `yaml:"user"`
		Password string `yaml:"password"`
		DBName   string `yaml:"dbname"`
		MaxConns int32  `yaml:"max_conns"`
		MinConns int32  `yaml:"min_conns"`
	} `yaml:"postgres"`

	Redis struct {
		Addr         string        `yaml:"addr"`
		Password     string        `yaml:"password"`
		DB           int           `yaml:"db"`
		KeyPrefix    string        `yaml:"key_prefix"`
		PoolSize     int           `yaml:"pool_size"`
		MinIdleConns int           `yaml:"min_idle_conns"`
		MaxRetries   int           `yaml:"max_retries"`
		ReadTimeout  time.Duration `yaml:"read_timeout"`
		WriteTimeout time.Duration `yaml:"write_timeout"`
	} `yaml:"redis"`

	// NATS 為空時點擊事件走行程內批次佇列
	NATS struct {
		URL     string `yaml:"url"`
		Stream  string `yaml:"stream"`
		Subject string `yaml:"subject"`
		Durable string `yaml:"durable"`
	} `yaml:"nats"`

	Cache struct {
		Backend     string        `yaml:"backend"`      // "redis" 或 "memory"
		TTL         time.Duration `yaml:"ttl"`          // 正向結果
		NegativeTTL time.Duration `yaml:"negative_ttl"` // NotFound 結果，0 表示不快取
		Invalidate  string        `yaml:"invalidate"`   // "key" 或 "wildcard"
	} `yaml:"cache"`

	Shortener struct {
		CodeLength         int   `yaml:"code_length"`
		MachineID          int64 `yaml:"machine_id"` // Snowflake 節點 0-1023
		RetryWarnThreshold int   `yaml:"retry_warn_threshold"`
	} `yaml:"shortener"`

	Clicks struct {
		BufferSize    int           `yaml:"buffer_size"`
		BatchSize     int           `yaml:"batch_size"`
		FlushInterval time.Duration `yaml:"flush_interval"`
		Timeout       time.Duration `yaml:"timeout"`
	} `yaml:"clicks"`

	Sweep struct {
		Interval time.Duration `yaml:"interval"` // 0 表示不定期清理
	} `yaml:"sweep"`

	RateLimit struct {
		Limit  int64         `yaml:"limit"` // 0 表示不限流
		Window time.Duration `yaml:"window"`
	} `yaml:"ratelimit"`

	Auth struct {
		JWTSecret string `yaml:"jwt_secret"`
		Issuer    string `yaml:"issuer"`
	} `yaml:"auth"`

	Log struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"log"`
}

// Default 返回內建預設值。
func Default() *Config {
	c := &Config{}

	c.Server.Port = 8080
	c.Server.BaseURL = "http://localhost:8080"
	c.Server.ReadTimeout = 10 * time.Second
	c.Server.WriteTimeout = 10 * time.Second
	c.Server.IdleTimeout = 60 * time.Second
	c.Server.ShutdownTimeout = 30 * time.Second

	c.Postgres.Host = "localhost"
	c.Postgres.Port = 5432
	c.Postgres.User = "postgres"
	c.Postgres.Password = "postgres"
	c.Postgres.DBName = "shortlink"
	c.Postgres.MaxConns = 20
	c.Postgres.MinConns = 2

	c.Redis.Addr = "localhost:6379"
	c.Redis.KeyPrefix = "shortlink:"
	c.Redis.PoolSize = 10
	c.Redis.MinIdleConns = 2
	c.Redis.MaxRetries = 3
	c.Redis.ReadTimeout = time.Second
	c.Redis.WriteTimeout = time.Second

	c.NATS.Stream = "CLICKS"
	c.NATS.Subject = "clicks.recorded"
	c.NATS.Durable = "click-accountant"

	c.Cache.Backend = CacheBackendRedis
	c.Cache.TTL = 60 * time.Second
	c.Cache.NegativeTTL = 10 * time.Second
	c.Cache.Invalidate = InvalidateKey

	c.Shortener.CodeLength = 6
	c.Shortener.MachineID = 1
	c.Shortener.RetryWarnThreshold = 3

	c.Clicks.BufferSize = 1024
	c.Clicks.BatchSize = 100
	c.Clicks.FlushInterval = time.Second
	c.Clicks.Timeout = 5 * time.Second

	c.RateLimit.Limit = 30
	c.RateLimit.Window = time.Minute

	c.Auth.Issuer = "shortlink"

	c.Log.Level = "info"
	c.Log.Format = "json"

	return c
}

// Load 依序套用預設值、YAML 檔與環境變數。
//
// envFile 與 path 不存在時略過，其他讀取或解析錯誤照常返回。
func Load(path, envFile string) (*Config, error) {
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil && !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("load env file: %w", err)
		}
	}

	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path) // #nosec G304 -- 路徑來自命令列參數
		switch {
		case errors.Is(err, os.ErrNotExist):
		case err != nil:
			return nil, fmt.Errorf("read config: %w", err)
		default:
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("parse config: %w", err)
			}
		}
	}

	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnv 套用環境變數覆蓋（部署平台常用的變數名）
func (c *Config) applyEnv() {
	if v := os.Getenv("REDIS_URL"); v != "" {
		c.Redis.Addr = v
	}
	if v := os.Getenv("NATS_URL"); v != "" {
		c.NATS.URL = v
	}
	if v := os.Getenv("JWT_SECRET"); v != "" {
		c.Auth.JWTSecret = v
	}
	if v := os.Getenv("BASE_URL"); v != "" {
		c.Server.BaseURL = v
	}
	if v := os.Getenv("PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			c.Server.Port = port
		}
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		c.Log.Level = v
	}
}

// Validate 檢查設定是否合法。
func (c *Config) Validate() error {
	var errs []error

	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("server.port out of range: %d", c.Server.Port))
	}
	if c.Shortener.CodeLength < 4 || c.Shortener.CodeLength > 10 {
		errs = append(errs, fmt.Errorf("shortener.code_length must be between 4 and 10, got %d", c.Shortener.CodeLength))
	}
	if c.Shortener.MachineID < 0 || c.Shortener.MachineID > 1023 {
		errs = append(errs, fmt.Errorf("shortener.machine_id must be between 0 and 1023, got %d", c.Shortener.MachineID))
	}
	if c.Cache.TTL <= 0 {
		errs = append(errs, errors.New("cache.ttl must be positive"))
	}
	if c.Cache.NegativeTTL < 0 {
		errs = append(errs, errors.New("cache.negative_ttl must not be negative"))
	}
	switch c.Cache.Backend {
	case CacheBackendRedis, CacheBackendMemory:
	default:
		errs = append(errs, fmt.Errorf("unknown cache.backend %q", c.Cache.Backend))
	}
	switch c.Cache.Invalidate {
	case InvalidateKey, InvalidateWildcard:
	default:
		errs = append(errs, fmt.Errorf("unknown cache.invalidate %q", c.Cache.Invalidate))
	}
	if c.Clicks.BatchSize <= 0 || c.Clicks.FlushInterval <= 0 {
		errs = append(errs, errors.New("clicks.batch_size and clicks.flush_interval must be positive"))
	}
	if c.Sweep.Interval < 0 {
		errs = append(errs, errors.New("sweep.interval must not be negative"))
	}

	return errors.Join(errs...)
}

// Addr 返回 HTTP 監聽位址
func (c *Config) Addr() string {
	return fmt.Sprintf(":%d", c.Server.Port)
}

// PostgresDSN 生成 PostgreSQL 連線字串
func (c *Config) PostgresDSN() string {
	// 支援環境變數覆蓋（生產環境常用）
	if dsn := os.Getenv("DATABASE_URL"); dsn != "" {
		return dsn
	}

	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=disable",
		c.Postgres.Host,
		c.Postgres.Port,
		c.Postgres.User,
		c.Postgres.Password,
		c.Postgres.DBName,
	)
}
