package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/jessevdk/go-flags"

	"github.com/koopa0/shortlink/internal/auth"
	"github.com/koopa0/shortlink/internal/config"
	"github.com/koopa0/shortlink/internal/handler"
	"github.com/koopa0/shortlink/internal/logger"
	"github.com/koopa0/shortlink/internal/migrations"
	"github.com/koopa0/shortlink/internal/ratelimit"
	"github.com/koopa0/shortlink/internal/shortener"
)

// options 命令列參數
type options struct {
	Config      string `short:"c" long:"config" description:"YAML 設定檔路徑" default:"config.yaml"`
	EnvFile     string `long:"env-file" description:".env 檔路徑" default:".env"`
	MigrateOnly bool   `long:"migrate-only" description:"執行資料庫遷移後結束"`
	MigrateDown bool   `long:"migrate-down" description:"回滾一個資料庫遷移版本後結束"`
	SweepOnce   bool   `long:"sweep-once" description:"清理一次過期短網址後結束"`
	MemoryStore bool   `long:"memory-store" description:"使用記憶體儲存（僅供開發）"`
	IssueToken  int64  `long:"issue-token" value-name:"USER_ID" description:"印出 USER_ID 的 bearer token 後結束（僅供開發）"`
}

func main() {
	var opts options
	if _, err := flags.Parse(&opts); err != nil {
		if flags.WroteHelp(err) {
			os.Exit(0)
		}
		os.Exit(2)
	}

	if err := run(opts); err != nil {
		fmt.Fprintln(os.Stderr, "shortlink:", err)
		os.Exit(1)
	}
}

// run 初始化所有依賴並啟動服務
//
// 初始化順序：config → logger → store（含遷移）→ cache → click dispatcher
// → service → sweeper → HTTP server。關閉時反向進行。
func run(opts options) error {
	// 1. 設定與日誌
	cfg, err := config.Load(opts.Config, opts.EnvFile)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	log := logger.New(os.Stdout, cfg.Log.Level, cfg.Log.Format)
	slog.SetDefault(log)

	if opts.IssueToken != 0 {
		return issueToken(cfg, opts.IssueToken)
	}

	if opts.MigrateDown {
		return migrateDown(cfg, log)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	deps := &infra{cfg: cfg, logger: log}
	defer deps.close()

	// 2. 儲存層
	if err := deps.openStore(ctx, opts.MemoryStore); err != nil {
		return err
	}
	if opts.MigrateOnly {
		log.Info("migrations applied, exiting")
		return nil
	}

	// 3. 快取與點擊統計
	if err := deps.openCache(ctx); err != nil {
		return err
	}
	if err := deps.openClicks(); err != nil {
		return err
	}

	// 4. 服務
	node, err := snowflake.NewNode(cfg.Shortener.MachineID)
	if err != nil {
		return fmt.Errorf("snowflake node: %w", err)
	}

	svc := shortener.New(deps.store, deps.cache, deps.dispatcher, node, log, shortener.Options{
		CacheTTL:           cfg.Cache.TTL,
		NegativeTTL:        cfg.Cache.NegativeTTL,
		Invalidation:       cfg.Cache.Invalidate,
		CodeLength:         cfg.Shortener.CodeLength,
		RetryWarnThreshold: cfg.Shortener.RetryWarnThreshold,
	})

	if opts.SweepOnce {
		removed, err := svc.SweepExpired(ctx)
		if err != nil {
			return fmt.Errorf("sweep: %w", err)
		}
		log.Info("sweep finished", "deleted", len(removed))
		return nil
	}

	// 5. 背景清理
	var sweeper *shortener.Sweeper
	if cfg.Sweep.Interval > 0 {
		sweeper = shortener.NewSweeper(svc, cfg.Sweep.Interval, log)
		go sweeper.Run(ctx)
	}

	// 6. HTTP
	hopts := handler.Options{
		BaseURL: cfg.Server.BaseURL,
		Limiter: deps.limiter(ctx),
		Checks:  deps.checks,
	}
	if len(cfg.Server.TrustedProxies) > 0 {
		proxies, err := ratelimit.ParseProxies(cfg.Server.TrustedProxies)
		if err != nil {
			return fmt.Errorf("server.trusted_proxies: %w", err)
		}
		hopts.KeyFunc = ratelimit.ForwardedIP(proxies)
	}
	if cfg.Auth.JWTSecret != "" {
		hopts.Verifier = auth.NewVerifier(cfg.Auth.JWTSecret, cfg.Auth.Issuer)
	} else {
		log.Warn("auth.jwt_secret not set, owner-only routes are disabled")
	}

	srv := &http.Server{
		Addr:         cfg.Addr(),
		Handler:      handler.New(svc, log, hopts).Routes(),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	serveErr := make(chan error, 1)
	go func() {
		log.Info("starting server", "addr", srv.Addr, "base_url", cfg.Server.BaseURL)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case <-ctx.Done():
		log.Info("received shutdown signal")
	case err := <-serveErr:
		if err != nil {
			return fmt.Errorf("http server: %w", err)
		}
	}
	stop()

	// 7. 優雅關閉：先停止接收請求，再停背景工作，最後由 deps.close 關閉連線
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("server shutdown error", "error", err)
	}

	if sweeper != nil {
		select {
		case <-sweeper.Done():
		case <-shutdownCtx.Done():
			log.Warn("sweeper did not stop before shutdown timeout")
		}
	}

	deps.drainClicks(time.Until(deadline(shutdownCtx)))

	log.Info("server stopped gracefully")
	return nil
}

// migrateDown 回滾一個版本，用於撤銷有問題的部署
func migrateDown(cfg *config.Config, log *slog.Logger) error {
	m, err := migrations.Open(cfg.PostgresDSN(), log)
	if err != nil {
		return fmt.Errorf("open migrator: %w", err)
	}
	defer m.Close()

	return m.Down()
}

// issueToken 印出開發用的 bearer token
func issueToken(cfg *config.Config, userID int64) error {
	if cfg.Auth.JWTSecret == "" {
		return errors.New("auth.jwt_secret (or JWT_SECRET) is required to issue tokens")
	}

	token, err := auth.NewVerifier(cfg.Auth.JWTSecret, cfg.Auth.Issuer).Sign(userID, 24*time.Hour)
	if err != nil {
		return fmt.Errorf("sign token: %w", err)
	}
	fmt.Println(token)
	return nil
}

func deadline(ctx context.Context) time.Time {
	if d, ok := ctx.Deadline(); ok {
		return d
	}
	return time.Now().Add(5 * time.Second)
}
