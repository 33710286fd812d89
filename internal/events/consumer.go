package events

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"
)

// Recorder 寫入點擊增量，*shortener.ClickAccountant 滿足此介面
type Recorder interface {
	Record(ctx context.Context, linkID int64, delta int64, at time.Time) error
}

// ack 是處理一則訊息後的確認方式
type ack int

const (
	ackDone ack = iota // 成功，Ack
	ackDrop            // 無法處理，Term（不再重送）
)

// Consumer 從 JetStream 讀取點擊事件並寫入統計
type Consumer struct {
	sub     *nats.Subscription
	rec     Recorder
	timeout time.Duration
	logger  *slog.Logger
}

// Consume 以 durable queue subscription 消費點擊事件。
//
// 多個實例使用同一個 Durable 名稱時，每則事件只會交給其中一個實例。
// 寫入失敗時記錄並 Term，不重試；格式錯誤的事件同樣 Term。
func (b *Bus) Consume(rec Recorder, timeout time.Duration) (*Consumer, error) {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	c := &Consumer{rec: rec, timeout: timeout, logger: b.logger}

	sub, err := b.js.QueueSubscribe(
		b.cfg.Subject,
		b.cfg.Durable,
		c.onMessage,
		nats.Durable(b.cfg.Durable),
		nats.ManualAck(),
		nats.AckWait(30*time.Second),
		nats.MaxDeliver(5),
	)
	if err != nil {
		return nil, fmt.Errorf("subscribe %s: %w", b.cfg.Subject, err)
	}
	c.sub = sub

	b.logger.Info("click consumer started", "subject", b.cfg.Subject, "durable", b.cfg.Durable)
	return c, nil
}

func (c *Consumer) onMessage(msg *nats.Msg) {
	var err error
	switch c.handle(msg.Data) {
	case ackDone:
		err = msg.Ack()
	case ackDrop:
		err = msg.Term()
	}
	if err != nil {
		c.logger.Warn("click event ack failed", "error", err)
	}
}

// handle 處理一則事件並決定確認方式
func (c *Consumer) handle(data []byte) ack {
	ev, err := Decode(data)
	if err != nil {
		c.logger.Warn("dropping malformed click event", "error", err)
		return ackDrop
	}

	ctx, cancel := context.WithTimeout(context.Background(), c.timeout)
	defer cancel()

	if err := c.rec.Record(ctx, ev.LinkID, 1, ev.At); err != nil {
		// Record 已記錄細節
		return ackDrop
	}
	return ackDone
}

// Stop 停止接收新事件，處理完已收到的事件後返回
func (c *Consumer) Stop() error {
	return c.sub.Drain()
}
