// Package events 透過 NATS JetStream 傳遞點擊事件。
//
// 多實例部署時，重定向路徑只發佈 clicks.recorded 事件；
// 由 durable consumer（同一個 queue group）寫入點擊統計。
//
//	Resolver ─Dispatch→ Publisher ─PublishAsync→ JetStream (CLICKS)
//	                                                  │
//	                         ClickAccountant.Record ←─ Consumer (ManualAck)
//
// JetStream 是 At-least-once：consumer 崩潰在 Ack 之前時同一事件會重送，
// 因此點擊數在故障時可能多算，但不會因為請求取消而少算。
package events

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// ErrMalformedEvent 事件內容無法解析或欄位不合法
var ErrMalformedEvent = errors.New("malformed click event")

// ClickEvent 一次成功的重定向
type ClickEvent struct {
	LinkID int64     `json:"link_id"`
	At     time.Time `json:"at"`
}

// Encode 序列化事件
func Encode(ev ClickEvent) ([]byte, error) {
	if ev.LinkID <= 0 {
		return nil, fmt.Errorf("%w: link_id must be positive", ErrMalformedEvent)
	}
	return json.Marshal(ev)
}

// Decode 反序列化事件
func Decode(data []byte) (ClickEvent, error) {
	var ev ClickEvent
	if err := json.Unmarshal(data, &ev); err != nil {
		return ev, fmt.Errorf("%w: %v", ErrMalformedEvent, err)
	}
	if ev.LinkID <= 0 {
		return ev, fmt.Errorf("%w: link_id must be positive", ErrMalformedEvent)
	}
	if ev.At.IsZero() {
		return ev, fmt.Errorf("%w: missing timestamp", ErrMalformedEvent)
	}
	return ev, nil
}
