package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/koopa0/shortlink/internal/shortener"
)

// PostgreSQL 錯誤碼
const (
	pgUniqueViolation     = "23505"
	pgForeignKeyViolation = "23503"
)

const linkColumns = `id, short_code, original_url, owner_id, created_at, expires_at`

// Postgres 以 PostgreSQL 實作 shortener.Store
//
// 資料表：
//   - links：短網址，short_code 有 UNIQUE 約束
//   - link_stats：點擊統計，link_id 參照 links（ON DELETE CASCADE）
type Postgres struct {
	pool *pgxpool.Pool
}

// NewPostgres 建立 PostgreSQL 儲存
func NewPostgres(pool *pgxpool.Pool) *Postgres {
	return &Postgres{pool: pool}
}

// FindByCode 以短碼查詢
func (p *Postgres) FindByCode(ctx context.Context, code string) (*shortener.Link, error) {
	row := p.pool.QueryRow(ctx,
		`SELECT `+linkColumns+` FROM links WHERE short_code = $1`, code)
	return scanOne(row)
}

// FindByURL 返回原始網址最新的一筆
func (p *Postgres) FindByURL(ctx context.Context, originalURL string) (*shortener.Link, error) {
	row := p.pool.QueryRow(ctx,
		`SELECT `+linkColumns+` FROM links
		 WHERE original_url = $1
		 ORDER BY created_at DESC, id DESC
		 LIMIT 1`, originalURL)
	return scanOne(row)
}

// FindByOwner 返回擁有者的所有短網址（新到舊）
func (p *Postgres) FindByOwner(ctx context.Context, ownerID int64) ([]*shortener.Link, error) {
	rows, err := p.pool.Query(ctx,
		`SELECT `+linkColumns+` FROM links
		 WHERE owner_id = $1
		 ORDER BY created_at DESC, id DESC`, ownerID)
	if err != nil {
		return nil, fmt.Errorf("query links by owner: %w", err)
	}
	return scanAll(rows)
}

// Insert 新增記錄
func (p *Postgres) Insert(ctx context.Context, link *shortener.Link) error {
	_, err := p.pool.Exec(ctx,
		`INSERT INTO links (id, short_code, original_url, owner_id, created_at, expires_at)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		link.ID, link.Code, link.OriginalURL, link.OwnerID, link.CreatedAt, link.ExpiresAt,
	)
	if err != nil {
		if pgErrCode(err) == pgUniqueViolation {
			return shortener.ErrAliasConflict
		}
		return fmt.Errorf("insert link: %w", err)
	}
	return nil
}

// Update 套用修改，nil 欄位由 COALESCE 保留原值
func (p *Postgres) Update(ctx context.Context, code string, upd shortener.LinkUpdate) (*shortener.Link, error) {
	row := p.pool.QueryRow(ctx,
		`UPDATE links SET
		     original_url = COALESCE($2, original_url),
		     short_code   = COALESCE($3, short_code),
		     expires_at   = COALESCE($4, expires_at)
		 WHERE short_code = $1
		 RETURNING `+linkColumns,
		code, upd.OriginalURL, upd.Code, upd.ExpiresAt,
	)

	link, err := scanOne(row)
	if err != nil && pgErrCode(err) == pgUniqueViolation {
		return nil, shortener.ErrAliasConflict
	}
	return link, err
}

// Delete 刪除記錄（統計由外鍵串聯刪除）
func (p *Postgres) Delete(ctx context.Context, code string) (*shortener.Link, error) {
	row := p.pool.QueryRow(ctx,
		`DELETE FROM links WHERE short_code = $1 RETURNING `+linkColumns, code)
	return scanOne(row)
}

// FindExpired 返回 expires_at <= now 的記錄
func (p *Postgres) FindExpired(ctx context.Context, now time.Time) ([]*shortener.Link, error) {
	rows, err := p.pool.Query(ctx,
		`SELECT `+linkColumns+` FROM links
		 WHERE expires_at <= $1
		 ORDER BY expires_at, id`, now)
	if err != nil {
		return nil, fmt.Errorf("query expired links: %w", err)
	}
	return scanAll(rows)
}

// DeleteExpired 以單一 DELETE ... RETURNING 完成，並發執行時每列只會被刪一次
func (p *Postgres) DeleteExpired(ctx context.Context, now time.Time) ([]*shortener.Link, error) {
	rows, err := p.pool.Query(ctx,
		`DELETE FROM links WHERE expires_at <= $1 RETURNING `+linkColumns, now)
	if err != nil {
		return nil, fmt.Errorf("delete expired links: %w", err)
	}
	return scanAll(rows)
}

// GetStats 返回統計，沒有記錄時返回零值
func (p *Postgres) GetStats(ctx context.Context, linkID int64) (*shortener.Stats, error) {
	st := &shortener.Stats{LinkID: linkID}

	err := p.pool.QueryRow(ctx,
		`SELECT clicks, last_clicked_at FROM link_stats WHERE link_id = $1`, linkID,
	).Scan(&st.Clicks, &st.LastClickedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return st, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query stats: %w", err)
	}
	return st, nil
}

// IncrementClicks 以 UPSERT 原子地累加點擊數
//
// clicks = clicks + delta 在資料庫內完成，不需要先讀後寫；
// last_clicked_at 取較新者，批次亂序寫入也不會倒退。
func (p *Postgres) IncrementClicks(ctx context.Context, linkID int64, delta int64, at time.Time) (*shortener.Stats, error) {
	st := &shortener.Stats{LinkID: linkID}

	err := p.pool.QueryRow(ctx,
		`INSERT INTO link_stats (link_id, clicks, last_clicked_at)
		 VALUES ($1, $2, $3)
		 ON CONFLICT (link_id) DO UPDATE SET
		     clicks          = link_stats.clicks + EXCLUDED.clicks,
		     last_clicked_at = GREATEST(link_stats.last_clicked_at, EXCLUDED.last_clicked_at)
		 RETURNING clicks, last_clicked_at`,
		linkID, delta, at,
	).Scan(&st.Clicks, &st.LastClickedAt)
	if err != nil {
		if pgErrCode(err) == pgForeignKeyViolation {
			return nil, shortener.ErrNotFound
		}
		return nil, fmt.Errorf("increment clicks: %w", err)
	}
	return st, nil
}

// Ping 檢查連線（readiness 使用）
func (p *Postgres) Ping(ctx context.Context) error {
	return p.pool.Ping(ctx)
}

func scanLink(row pgx.Row) (*shortener.Link, error) {
	var l shortener.Link
	if err := row.Scan(&l.ID, &l.Code, &l.OriginalURL, &l.OwnerID, &l.CreatedAt, &l.ExpiresAt); err != nil {
		return nil, err
	}
	return &l, nil
}

func scanOne(row pgx.Row) (*shortener.Link, error) {
	l, err := scanLink(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, shortener.ErrNotFound
	}
	return l, err
}

func scanAll(rows pgx.Rows) ([]*shortener.Link, error) {
	links, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (*shortener.Link, error) {
		return scanLink(row)
	})
	if err != nil {
		return nil, fmt.Errorf("scan links: %w", err)
	}
	return links, nil
}

func pgErrCode(err error) string {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code
	}
	return ""
}
