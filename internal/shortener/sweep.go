package shortener

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// SweepExpired 刪除所有 expires_at <= now 的短網址並返回它們。
//
// 刪除由 Store 以單一操作完成，重複或並發執行都安全：
// 每筆記錄只會被其中一次執行刪除並返回。
func (s *Service) SweepExpired(ctx context.Context) ([]*Link, error) {
	removed, err := s.store.DeleteExpired(ctx, s.now())
	if err != nil {
		return nil, fmt.Errorf("delete expired: %w", err)
	}

	if len(removed) > 0 {
		codes := make([]string, len(removed))
		for i, l := range removed {
			codes[i] = l.Code
		}
		s.invalidator.Invalidate(ctx, codes...)
	}

	s.logger.InfoContext(ctx, "expired links swept", "count", len(removed))
	return removed, nil
}

// ExpiredHistory 返回已過期但尚未被清理的短網址
func (s *Service) ExpiredHistory(ctx context.Context) ([]*Link, error) {
	return s.store.FindExpired(ctx, s.now())
}

// Sweeper 定期執行過期清理
type Sweeper struct {
	service  *Service
	interval time.Duration
	logger   *slog.Logger
	done     chan struct{}
}

// NewSweeper 建立定期清理器
func NewSweeper(service *Service, interval time.Duration, logger *slog.Logger) *Sweeper {
	return &Sweeper{
		service:  service,
		interval: interval,
		logger:   logger,
		done:     make(chan struct{}),
	}
}

// Run 每隔 interval 清理一次，直到 ctx 取消
func (sw *Sweeper) Run(ctx context.Context) {
	defer close(sw.done)

	ticker := time.NewTicker(sw.interval)
	defer ticker.Stop()

	sw.logger.Info("sweeper started", "interval", sw.interval)

	for {
		select {
		case <-ctx.Done():
			sw.logger.Info("sweeper stopped")
			return
		case <-ticker.C:
			if _, err := sw.service.SweepExpired(ctx); err != nil && ctx.Err() == nil {
				sw.logger.Error("sweep failed", "error", err)
			}
		}
	}
}

// Done 在 Run 返回後關閉
func (sw *Sweeper) Done() <-chan struct{} {
	return sw.done
}
