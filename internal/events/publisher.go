package events

import (
	"context"
	"sync/atomic"
	"time"
)

// Publisher 把點擊發佈到 JetStream，實作 shortener.ClickDispatcher
type Publisher struct {
	bus       *Bus
	published atomic.Int64
	failed    atomic.Int64
}

// Publisher 返回綁定此連線的發佈者
func (b *Bus) Publisher() *Publisher {
	return &Publisher{bus: b}
}

// Dispatch 非同步發佈點擊事件，不等待 PubAck。
//
// PublishAsync 不接受 context，請求取消不會影響已送出的事件。
// 發佈失敗只記錄警告並丟棄。
func (p *Publisher) Dispatch(ctx context.Context, linkID int64, at time.Time) {
	data, err := Encode(ClickEvent{LinkID: linkID, At: at})
	if err != nil {
		p.failed.Add(1)
		p.bus.logger.WarnContext(ctx, "click event rejected", "link_id", linkID, "error", err)
		return
	}

	if _, err := p.bus.js.PublishAsync(p.bus.cfg.Subject, data); err != nil {
		p.failed.Add(1)
		p.bus.logger.WarnContext(ctx, "click event publish failed, dropping", "link_id", linkID, "error", err)
		return
	}
	p.published.Add(1)
}

// Flush 等待所有非同步發佈完成或逾時
func (p *Publisher) Flush(timeout time.Duration) bool {
	select {
	case <-p.bus.js.PublishAsyncComplete():
		return true
	case <-time.After(timeout):
		p.bus.logger.Warn("click events still pending after flush timeout",
			"pending", p.bus.js.PublishAsyncPending(),
		)
		return false
	}
}

// Published 返回已送出的事件數
func (p *Publisher) Published() int64 { return p.published.Load() }

// Failed 返回發佈失敗的事件數
func (p *Publisher) Failed() int64 { return p.failed.Load() }
