package shortener

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// clickStore 是點擊統計需要的儲存能力
type clickStore interface {
	IncrementClicks(ctx context.Context, linkID int64, delta int64, at time.Time) (*Stats, error)
}

// ClickOptions 點擊統計的批次參數
type ClickOptions struct {
	BufferSize    int           // 緩衝區容量
	BatchSize     int           // 累積多少筆就寫入
	FlushInterval time.Duration // 最長多久寫入一次
	Timeout       time.Duration // 單次寫入逾時
}

func (o *ClickOptions) setDefaults() {
	if o.BufferSize <= 0 {
		o.BufferSize = 1024
	}
	if o.BatchSize <= 0 {
		o.BatchSize = 100
	}
	if o.FlushInterval <= 0 {
		o.FlushInterval = time.Second
	}
	if o.Timeout <= 0 {
		o.Timeout = 5 * time.Second
	}
}

// click 是一次待寫入的點擊
type click struct {
	linkID int64
	at     time.Time
}

// ClickAccountant 非同步地累計點擊數。
//
// 重定向路徑只把點擊放進緩衝區就返回；背景 worker 依批次大小或時間間隔
// 把同一連結的多次點擊合併成一次 clicks = clicks + n 寫入。
//
// 保證：
//   - 不阻塞重定向：緩衝區滿時改由獨立 goroutine 直接寫入
//   - 不受請求取消影響：寫入使用自己的 context
//   - 不遺失增量：N 次並發 Dispatch 最終使 clicks 正好增加 N（寫入失敗除外）
//   - 寫入失敗只記錄日誌並丟棄，不重試
type ClickAccountant struct {
	store  clickStore
	opts   ClickOptions
	logger *slog.Logger

	buffer chan click
	mu     sync.RWMutex // 保護 closed 與 wg.Add 的順序
	closed bool
	wg     sync.WaitGroup

	recorded atomic.Int64
	dropped  atomic.Int64
}

// NewClickAccountant 建立並啟動點擊統計 worker
func NewClickAccountant(store clickStore, opts ClickOptions, logger *slog.Logger) *ClickAccountant {
	opts.setDefaults()

	a := &ClickAccountant{
		store:  store,
		opts:   opts,
		logger: logger,
		buffer: make(chan click, opts.BufferSize),
	}

	a.wg.Add(1)
	go a.batchWorker()

	return a
}

// Dispatch 送出一次點擊，永不阻塞
func (a *ClickAccountant) Dispatch(ctx context.Context, linkID int64, at time.Time) {
	a.mu.RLock()
	defer a.mu.RUnlock()

	if a.closed {
		a.dropped.Add(1)
		a.logger.WarnContext(ctx, "click dropped after shutdown", "link_id", linkID)
		return
	}

	select {
	case a.buffer <- click{linkID: linkID, at: at}:
	default:
		// 緩衝區滿：不等待，直接另起 goroutine 寫入
		detached := context.WithoutCancel(ctx)
		a.wg.Add(1)
		go func() {
			defer a.wg.Done()
			_ = a.Record(detached, linkID, 1, at)
		}()
	}
}

// Record 立即寫入 delta 次點擊。
//
// 失敗時記錄警告並返回包裝過的 ErrAccounting，呼叫端通常可以忽略。
func (a *ClickAccountant) Record(ctx context.Context, linkID int64, delta int64, at time.Time) error {
	ctx, cancel := context.WithTimeout(ctx, a.opts.Timeout)
	defer cancel()

	if _, err := a.store.IncrementClicks(ctx, linkID, delta, at); err != nil {
		a.dropped.Add(delta)
		a.logger.WarnContext(ctx, "click accounting failed, dropping",
			"link_id", linkID,
			"delta", delta,
			"error", err,
		)
		return fmt.Errorf("%w: link %d: %w", ErrAccounting, linkID, err)
	}

	a.recorded.Add(delta)
	return nil
}

// batchWorker 合併並批次寫入點擊（背景 goroutine）
func (a *ClickAccountant) batchWorker() {
	defer a.wg.Done()

	ticker := time.NewTicker(a.opts.FlushInterval)
	defer ticker.Stop()

	type pending struct {
		delta int64
		last  time.Time
	}
	merged := make(map[int64]*pending)
	count := 0

	flush := func() {
		if count == 0 {
			return
		}
		for id, p := range merged {
			_ = a.Record(context.Background(), id, p.delta, p.last)
		}
		clear(merged)
		count = 0
	}

	for {
		select {
		case c, ok := <-a.buffer:
			if !ok {
				// 通道已關閉，最後一次刷新並退出
				flush()
				return
			}

			p := merged[c.linkID]
			if p == nil {
				p = &pending{}
				merged[c.linkID] = p
			}
			p.delta++
			if c.at.After(p.last) {
				p.last = c.at
			}

			count++
			if count >= a.opts.BatchSize {
				flush()
			}

		case <-ticker.C:
			flush()
		}
	}
}

// Shutdown 停止接收新點擊，寫入緩衝區內剩餘的點擊後返回
func (a *ClickAccountant) Shutdown() {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return
	}
	a.closed = true
	close(a.buffer)
	a.mu.Unlock()

	a.wg.Wait()
}

// Recorded 返回已成功寫入的點擊數
func (a *ClickAccountant) Recorded() int64 { return a.recorded.Load() }

// Dropped 返回因錯誤或關閉而丟棄的點擊數
func (a *ClickAccountant) Dropped() int64 { return a.dropped.Load() }
