package events

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"
)

// Config JetStream 設定
type Config struct {
	URL     string
	Stream  string // 例如 "CLICKS"
	Subject string // 例如 "clicks.recorded"
	Durable string // consumer 名稱，同時作為 queue group
	MaxAge  time.Duration
}

func (c *Config) setDefaults() {
	if c.Stream == "" {
		c.Stream = "CLICKS"
	}
	if c.Subject == "" {
		c.Subject = "clicks.recorded"
	}
	if c.Durable == "" {
		c.Durable = "click-accountant"
	}
	if c.MaxAge <= 0 {
		c.MaxAge = 24 * time.Hour
	}
}

// Bus 持有 NATS 連線與 JetStream 上下文
type Bus struct {
	conn   *nats.Conn
	js     nats.JetStreamContext
	cfg    Config
	logger *slog.Logger
}

// Connect 連線到 NATS 並確保 Stream 存在。
//
// 斷線時無限重連；非同步發佈失敗由 PublishAsyncErrHandler 記錄。
func Connect(cfg Config, logger *slog.Logger) (*Bus, error) {
	cfg.setDefaults()

	conn, err := nats.Connect(
		cfg.URL,
		nats.Name("shortlink"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(time.Second),
		nats.PingInterval(20*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn("nats disconnected", "error", err)
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			logger.Info("nats reconnected", "url", c.ConnectedUrl())
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connect nats: %w", err)
	}

	js, err := conn.JetStream(
		nats.PublishAsyncMaxPending(4096),
		nats.PublishAsyncErrHandler(func(_ nats.JetStream, msg *nats.Msg, err error) {
			logger.Warn("click event publish failed, dropping",
				"subject", msg.Subject,
				"error", err,
			)
		}),
	)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("jetstream context: %w", err)
	}

	b := &Bus{conn: conn, js: js, cfg: cfg, logger: logger}
	if err := b.initStream(); err != nil {
		conn.Close()
		return nil, err
	}
	return b, nil
}

// initStream 建立或更新 Stream（冪等）
func (b *Bus) initStream() error {
	cfg := &nats.StreamConfig{
		Name:     b.cfg.Stream,
		Subjects: []string{b.cfg.Subject},
		Storage:  nats.FileStorage,
		MaxAge:   b.cfg.MaxAge,
		Replicas: 1,
	}

	_, err := b.js.StreamInfo(b.cfg.Stream)
	if errors.Is(err, nats.ErrStreamNotFound) {
		if _, err := b.js.AddStream(cfg); err != nil {
			return fmt.Errorf("add stream %s: %w", b.cfg.Stream, err)
		}
		return nil
	}
	if err != nil {
		return fmt.Errorf("stream info %s: %w", b.cfg.Stream, err)
	}

	if _, err := b.js.UpdateStream(cfg); err != nil {
		return fmt.Errorf("update stream %s: %w", b.cfg.Stream, err)
	}
	return nil
}

// Ping 檢查連線狀態（readiness 使用）
func (b *Bus) Ping() error {
	if !b.conn.IsConnected() {
		return fmt.Errorf("nats status %s", b.conn.Status())
	}
	return nil
}

// Close 排空訂閱與待發送訊息後關閉連線
func (b *Bus) Close() {
	if err := b.conn.Drain(); err != nil {
		b.logger.Warn("nats drain failed", "error", err)
		b.conn.Close()
	}
}
