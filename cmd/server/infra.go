package main

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/koopa0/shortlink/internal/cache"
	"github.com/koopa0/shortlink/internal/config"
	"github.com/koopa0/shortlink/internal/events"
	"github.com/koopa0/shortlink/internal/handler"
	"github.com/koopa0/shortlink/internal/migrations"
	"github.com/koopa0/shortlink/internal/ratelimit"
	"github.com/koopa0/shortlink/internal/shortener"
	"github.com/koopa0/shortlink/internal/storage"
)

// infra 持有行程層級的連線與背景元件，建立一次並注入到各元件
type infra struct {
	cfg    *config.Config
	logger *slog.Logger

	pool  *pgxpool.Pool
	redis *redis.Client
	bus   *events.Bus

	store      shortener.Store
	cache      cache.Cache
	accountant *shortener.ClickAccountant
	publisher  *events.Publisher
	consumer   *events.Consumer
	dispatcher shortener.ClickDispatcher

	checks []handler.Check
}

// openStore 執行遷移並建立連線池；memory 為 true 時使用記憶體儲存
func (d *infra) openStore(ctx context.Context, memory bool) error {
	if memory {
		d.logger.Warn("using in-memory store, data is lost on restart")
		d.store = storage.NewMemory()
		return nil
	}

	dsn := d.cfg.PostgresDSN()

	m, err := migrations.Open(dsn, d.logger)
	if err != nil {
		return fmt.Errorf("open migrator: %w", err)
	}
	if err := m.Up(); err != nil {
		_ = m.Close()
		return fmt.Errorf("migrate: %w", err)
	}
	if err := m.Close(); err != nil {
		d.logger.Warn("close migrator", "error", err)
	}

	pcfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return fmt.Errorf("parse postgres dsn: %w", err)
	}
	pcfg.MaxConns = d.cfg.Postgres.MaxConns
	pcfg.MinConns = d.cfg.Postgres.MinConns

	d.pool, err = pgxpool.NewWithConfig(ctx, pcfg)
	if err != nil {
		return fmt.Errorf("connect postgres: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := d.pool.Ping(pingCtx); err != nil {
		return fmt.Errorf("ping postgres: %w", err)
	}

	pg := storage.NewPostgres(d.pool)
	d.store = pg
	d.checks = append(d.checks, handler.Check{Name: "postgres", Ping: pg.Ping})

	d.logger.Info("storage initialized", "type", "postgres")
	return nil
}

// openCache 建立快取後端。
//
// Redis 啟動時連不上只記錄警告：快取是輔助性的，解析會直接讀 Store。
func (d *infra) openCache(ctx context.Context) error {
	if d.cfg.Cache.Backend == config.CacheBackendMemory {
		d.cache = cache.NewMemory(time.Minute)
		d.logger.Info("cache initialized", "backend", "memory")
		return nil
	}

	client, err := d.redisClient()
	if err != nil {
		return err
	}
	d.redis = client

	pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		d.logger.Warn("redis unreachable at startup, running degraded", "addr", d.cfg.Redis.Addr, "error", err)
	}

	d.cache = cache.NewRedis(client, d.cfg.Redis.KeyPrefix)
	d.checks = append(d.checks, handler.Check{
		Name: "redis",
		Ping: func(ctx context.Context) error { return client.Ping(ctx).Err() },
	})

	d.logger.Info("cache initialized", "backend", "redis", "invalidate", d.cfg.Cache.Invalidate)
	return nil
}

// redisClient 支援 host:port 與 redis:// URL 兩種寫法
func (d *infra) redisClient() (*redis.Client, error) {
	rc := d.cfg.Redis

	opts := &redis.Options{Addr: rc.Addr, Password: rc.Password, DB: rc.DB}
	if strings.HasPrefix(rc.Addr, "redis://") || strings.HasPrefix(rc.Addr, "rediss://") {
		parsed, err := redis.ParseURL(rc.Addr)
		if err != nil {
			return nil, fmt.Errorf("parse redis url: %w", err)
		}
		opts = parsed
	}

	opts.PoolSize = rc.PoolSize
	opts.MinIdleConns = rc.MinIdleConns
	opts.MaxRetries = rc.MaxRetries
	opts.ReadTimeout = rc.ReadTimeout
	opts.WriteTimeout = rc.WriteTimeout

	return redis.NewClient(opts), nil
}

// openClicks 建立點擊統計。
//
// 設定了 NATS 時重定向路徑發佈事件，由本實例的 consumer 寫入；
// 否則直接使用行程內的批次佇列。
func (d *infra) openClicks() error {
	cc := d.cfg.Clicks
	d.accountant = shortener.NewClickAccountant(d.store, shortener.ClickOptions{
		BufferSize:    cc.BufferSize,
		BatchSize:     cc.BatchSize,
		FlushInterval: cc.FlushInterval,
		Timeout:       cc.Timeout,
	}, d.logger)
	d.dispatcher = d.accountant

	if d.cfg.NATS.URL == "" {
		d.logger.Info("click accounting initialized", "mode", "in-process")
		return nil
	}

	nc := d.cfg.NATS
	bus, err := events.Connect(events.Config{
		URL:     nc.URL,
		Stream:  nc.Stream,
		Subject: nc.Subject,
		Durable: nc.Durable,
	}, d.logger)
	if err != nil {
		return err
	}
	d.bus = bus

	d.consumer, err = bus.Consume(d.accountant, cc.Timeout)
	if err != nil {
		return err
	}
	d.publisher = bus.Publisher()
	d.dispatcher = d.publisher
	d.checks = append(d.checks, handler.Check{
		Name: "nats",
		Ping: func(context.Context) error { return bus.Ping() },
	})

	d.logger.Info("click accounting initialized", "mode", "nats", "subject", nc.Subject)
	return nil
}

// limiter 依設定建立建立短網址的限流器，limit 為 0 時不限流
func (d *infra) limiter(ctx context.Context) ratelimit.Limiter {
	rl := d.cfg.RateLimit
	if rl.Limit <= 0 {
		return nil
	}

	if d.redis != nil {
		return ratelimit.NewRedis(d.redis, d.cfg.Redis.KeyPrefix, rl.Limit, rl.Window)
	}

	local := ratelimit.NewLocal(rl.Limit, rl.Window)
	go func() {
		ticker := time.NewTicker(rl.Window)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				local.Prune()
			}
		}
	}()
	return local
}

// drainClicks 停止點擊事件的收發，寫入所有已收到的點擊
func (d *infra) drainClicks(timeout time.Duration) {
	if d.publisher != nil {
		d.publisher.Flush(timeout)
	}
	if d.consumer != nil {
		if err := d.consumer.Stop(); err != nil {
			d.logger.Warn("stop click consumer", "error", err)
		}
	}
	if d.accountant != nil {
		d.accountant.Shutdown()
		d.logger.Info("click accountant drained",
			"recorded", d.accountant.Recorded(),
			"dropped", d.accountant.Dropped(),
		)
	}
}

// close 反向關閉連線：NATS → Redis → PostgreSQL
func (d *infra) close() {
	if d.accountant != nil {
		d.accountant.Shutdown()
	}
	if d.bus != nil {
		d.bus.Close()
	}
	if d.redis != nil {
		if err := d.redis.Close(); err != nil {
			d.logger.Warn("close redis", "error", err)
		}
	}
	if d.pool != nil {
		d.pool.Close()
	}
}
