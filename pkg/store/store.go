// Package store persists the settlement pipeline in PostgreSQL.
package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/malbeclabs/shillbot/pkg/contest"
)

var (
	_ contest.Store    = (*Store)(nil)
	_ contest.Tx       = (*txRepo)(nil)
	_ contest.Exporter = (*Store)(nil)
)

// querier is satisfied by *pgxpool.Pool and pgx.Tx.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	SendBatch(ctx context.Context, b *pgx.Batch) pgx.BatchResults
}

type Config struct {
	Logger *slog.Logger
	Pool   *pgxpool.Pool
}

func (cfg *Config) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.Pool == nil {
		return errors.New("pool is required")
	}
	return nil
}

// Store is a contest.Store over a pgx pool. Repository methods called on the Store itself run
// in autocommit mode.
type Store struct {
	repo
	log  *slog.Logger
	pool *pgxpool.Pool
}

func New(cfg Config) (*Store, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Store{repo: repo{q: cfg.Pool}, log: cfg.Logger, pool: cfg.Pool}, nil
}

// Connect opens a pool and verifies connectivity.
func Connect(ctx context.Context, connString string) (*pgxpool.Pool, error) {
	poolConfig, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, fmt.Errorf("failed to parse postgres config: %w", err)
	}
	poolConfig.MaxConns = 10
	poolConfig.MinConns = 1
	poolConfig.MaxConnLifetime = time.Hour
	poolConfig.MaxConnIdleTime = 30 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create postgres pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping postgres: %w", err)
	}
	return pool, nil
}

func (s *Store) InTx(ctx context.Context, fn func(contest.Tx) error) error {
	return pgx.BeginTxFunc(ctx, s.pool, pgx.TxOptions{}, func(tx pgx.Tx) error {
		return fn(&txRepo{repo: repo{q: tx}, tx: tx})
	})
}

type txRepo struct {
	repo
	tx pgx.Tx
}

// Savepoint runs fn in a nested transaction so a failing statement rolls back only what fn did.
func (t *txRepo) Savepoint(ctx context.Context, fn func(contest.Tx) error) error {
	return pgx.BeginFunc(ctx, t.tx, func(sp pgx.Tx) error {
		return fn(&txRepo{repo: repo{q: sp}, tx: sp})
	})
}

type repo struct {
	q querier
}

const postColumns = `id, handle, created_at, text, likes, reshares, quotes, replies, views,
	has_media, media_kind, is_reshare, is_quote, has_original_text`

func (r repo) InsertPost(ctx context.Context, p contest.Post) (contest.InsertResult, error) {
	tag, err := r.q.Exec(ctx, `
		INSERT INTO posts (`+postColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
		ON CONFLICT (id) DO NOTHING
	`, p.ID, p.Handle, p.CreatedAt.UTC(), p.Text, p.Likes, p.Reshares, p.Quotes, p.Replies, p.Views,
		p.HasMedia, string(p.MediaKind), p.IsReshare, p.IsQuote, p.HasOriginalText)
	if err != nil {
		return 0, fmt.Errorf("failed to insert post %s: %w", p.ID, err)
	}
	if tag.RowsAffected() == 0 {
		return contest.Duplicate, nil
	}
	return contest.Inserted, nil
}

func scanPost(row pgx.Row, extra ...any) (contest.Post, error) {
	var p contest.Post
	var kind string
	dest := append([]any{
		&p.ID, &p.Handle, &p.CreatedAt, &p.Text, &p.Likes, &p.Reshares, &p.Quotes, &p.Replies, &p.Views,
		&p.HasMedia, &kind, &p.IsReshare, &p.IsQuote, &p.HasOriginalText,
	}, extra...)
	if err := row.Scan(dest...); err != nil {
		return contest.Post{}, err
	}
	p.MediaKind = contest.MediaKind(kind)
	return p, nil
}

func (r repo) queryPosts(ctx context.Context, sql string, args ...any) ([]contest.Post, error) {
	rows, err := r.q.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query posts: %w", err)
	}
	defer rows.Close()

	var out []contest.Post
	for rows.Next() {
		p, err := scanPost(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan post: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (r repo) PostsBetween(ctx context.Context, start, end time.Time) ([]contest.Post, error) {
	return r.queryPosts(ctx, `
		SELECT `+postColumns+` FROM posts
		WHERE created_at >= $1 AND created_at < $2
		ORDER BY created_at, id
	`, start.UTC(), end.UTC())
}

func (r repo) AllPosts(ctx context.Context) ([]contest.Post, error) {
	return r.queryPosts(ctx, `SELECT `+postColumns+` FROM posts ORDER BY created_at, id`)
}

func (r repo) UpdatePostScore(ctx context.Context, postID string, score float64) error {
	if _, err := r.q.Exec(ctx, `UPDATE posts SET score = $2 WHERE id = $1`, postID, score); err != nil {
		return fmt.Errorf("failed to update score of post %s: %w", postID, err)
	}
	return nil
}

func (r repo) UpsertRegistration(ctx context.Context, reg contest.Registration) error {
	_, err := r.q.Exec(ctx, `
		INSERT INTO registrations (handle_key, handle, wallet, registered_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (handle_key) DO UPDATE SET
			handle = EXCLUDED.handle,
			wallet = EXCLUDED.wallet,
			registered_at = EXCLUDED.registered_at
		WHERE registrations.registered_at <= EXCLUDED.registered_at
	`, contest.NormalizeHandle(reg.Handle), reg.Handle, reg.Wallet, reg.RegisteredAt.UTC())
	if err != nil {
		return fmt.Errorf("failed to upsert registration for %s: %w", reg.Handle, err)
	}
	return nil
}

func (r repo) Registrations(ctx context.Context) (contest.Registrations, error) {
	rows, err := r.q.Query(ctx, `SELECT handle_key, handle, wallet, registered_at FROM registrations`)
	if err != nil {
		return nil, fmt.Errorf("failed to query registrations: %w", err)
	}
	defer rows.Close()

	out := contest.Registrations{}
	for rows.Next() {
		var key string
		var reg contest.Registration
		if err := rows.Scan(&key, &reg.Handle, &reg.Wallet, &reg.RegisteredAt); err != nil {
			return nil, fmt.Errorf("failed to scan registration: %w", err)
		}
		out[key] = reg
	}
	return out, rows.Err()
}

func (r repo) keySet(ctx context.Context, sql string) (map[string]struct{}, error) {
	rows, err := r.q.Query(ctx, sql)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := map[string]struct{}{}
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, err
		}
		out[k] = struct{}{}
	}
	return out, rows.Err()
}

func (r repo) ExcludedPostIDs(ctx context.Context) (map[string]struct{}, error) {
	out, err := r.keySet(ctx, `SELECT post_id FROM excluded_posts`)
	if err != nil {
		return nil, fmt.Errorf("failed to query excluded posts: %w", err)
	}
	return out, nil
}

func (r repo) BlacklistedHandles(ctx context.Context) (map[string]struct{}, error) {
	out, err := r.keySet(ctx, `SELECT handle_key FROM blacklisted_handles`)
	if err != nil {
		return nil, fmt.Errorf("failed to query blacklist: %w", err)
	}
	return out, nil
}

func (r repo) ExcludePost(ctx context.Context, postID, reason string, at time.Time) error {
	_, err := r.q.Exec(ctx, `
		INSERT INTO excluded_posts (post_id, reason, excluded_at) VALUES ($1, $2, $3)
		ON CONFLICT (post_id) DO UPDATE SET reason = EXCLUDED.reason, excluded_at = EXCLUDED.excluded_at
	`, postID, reason, at.UTC())
	if err != nil {
		return fmt.Errorf("failed to exclude post %s: %w", postID, err)
	}
	return nil
}

func (r repo) BlacklistHandle(ctx context.Context, handle, reason string, at time.Time) error {
	_, err := r.q.Exec(ctx, `
		INSERT INTO blacklisted_handles (handle_key, reason, blacklisted_at) VALUES ($1, $2, $3)
		ON CONFLICT (handle_key) DO UPDATE SET reason = EXCLUDED.reason, blacklisted_at = EXCLUDED.blacklisted_at
	`, contest.NormalizeHandle(handle), reason, at.UTC())
	if err != nil {
		return fmt.Errorf("failed to blacklist %s: %w", handle, err)
	}
	return nil
}

func (r repo) Window(ctx context.Context, id string) (contest.Window, error) {
	var w contest.Window
	err := r.q.QueryRow(ctx, `
		SELECT id, start_at, end_at, closed_at, start_balance, end_balance, fee_delta
		FROM windows WHERE id = $1
	`, id).Scan(&w.ID, &w.Start, &w.End, &w.ClosedAt, &w.StartBalance, &w.EndBalance, &w.FeeDelta)
	if errors.Is(err, pgx.ErrNoRows) {
		return contest.Window{}, contest.ErrNotFound
	}
	if err != nil {
		return contest.Window{}, fmt.Errorf("failed to get window %s: %w", id, err)
	}
	return w, nil
}

func (r repo) EnsureWindow(ctx context.Context, w contest.Window) error {
	_, err := r.q.Exec(ctx, `
		INSERT INTO windows (id, start_at, end_at) VALUES ($1, $2, $3)
		ON CONFLICT (id) DO NOTHING
	`, w.ID, w.Start.UTC(), w.End.UTC())
	if err != nil {
		return fmt.Errorf("failed to ensure window %s: %w", w.ID, err)
	}
	return nil
}

func (r repo) SetWindowStartBalance(ctx context.Context, id string, lamports int64) error {
	tag, err := r.q.Exec(ctx, `
		UPDATE windows SET start_balance = COALESCE(start_balance, $2) WHERE id = $1
	`, id, lamports)
	if err != nil {
		return fmt.Errorf("failed to set start balance of window %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return contest.ErrNotFound
	}
	return nil
}

func (r repo) CloseWindow(ctx context.Context, id string, closedAt time.Time, endBalance, feeDelta int64) error {
	tag, err := r.q.Exec(ctx, `
		UPDATE windows SET closed_at = $2, end_balance = $3, fee_delta = $4 WHERE id = $1
	`, id, closedAt.UTC(), endBalance, feeDelta)
	if err != nil {
		return fmt.Errorf("failed to close window %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return contest.ErrNotFound
	}
	return nil
}

func (r repo) LastClosedEndBalance(ctx context.Context, before string) (int64, bool, error) {
	var balance int64
	err := r.q.QueryRow(ctx, `
		SELECT end_balance FROM windows
		WHERE id <> $1 AND closed_at IS NOT NULL AND end_balance IS NOT NULL
		ORDER BY closed_at DESC
		LIMIT 1
	`, before).Scan(&balance)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("failed to get last closed end balance: %w", err)
	}
	return balance, true, nil
}

func (r repo) LifetimeFees(ctx context.Context) (int64, error) {
	var total int64
	err := r.q.QueryRow(ctx, `
		SELECT COALESCE(SUM(fee_delta), 0)::BIGINT FROM windows WHERE closed_at IS NOT NULL
	`).Scan(&total)
	if err != nil {
		return 0, fmt.Errorf("failed to sum lifetime fees: %w", err)
	}
	return total, nil
}

func (r repo) RecordTreasurySnapshot(ctx context.Context, s contest.TreasurySnapshot) error {
	_, err := r.q.Exec(ctx, `
		INSERT INTO treasury_snapshots (taken_at, lamports, source) VALUES ($1, $2, $3)
	`, s.TakenAt.UTC(), s.Lamports, s.Source)
	if err != nil {
		return fmt.Errorf("failed to record treasury snapshot: %w", err)
	}
	return nil
}

// execBatch sends b and returns the first statement error.
func (r repo) execBatch(ctx context.Context, b *pgx.Batch) error {
	br := r.q.SendBatch(ctx, b)
	for range b.Len() {
		if _, err := br.Exec(); err != nil {
			_ = br.Close()
			return err
		}
	}
	return br.Close()
}

func (r repo) ReplaceWindowScores(ctx context.Context, windowID string, rows []contest.ScoreRow) error {
	b := &pgx.Batch{}
	b.Queue(`DELETE FROM window_scores WHERE window_id = $1`, windowID)
	for _, row := range rows {
		b.Queue(`
			INSERT INTO window_scores (window_id, handle, post_id, score, rank) VALUES ($1, $2, $3, $4, $5)
		`, windowID, row.Handle, row.PostID, row.Score, row.Rank)
	}
	if err := r.execBatch(ctx, b); err != nil {
		return fmt.Errorf("failed to replace scores of window %s: %w", windowID, err)
	}
	return nil
}

func (r repo) WindowScores(ctx context.Context, windowID string) ([]contest.ScoreRow, error) {
	rows, err := r.q.Query(ctx, `
		SELECT window_id, handle, post_id, score, rank FROM window_scores
		WHERE window_id = $1 ORDER BY rank
	`, windowID)
	if err != nil {
		return nil, fmt.Errorf("failed to query scores of window %s: %w", windowID, err)
	}
	defer rows.Close()

	var out []contest.ScoreRow
	for rows.Next() {
		var row contest.ScoreRow
		if err := rows.Scan(&row.WindowID, &row.Handle, &row.PostID, &row.Score, &row.Rank); err != nil {
			return nil, fmt.Errorf("failed to scan score row: %w", err)
		}
		out = append(out, row)
	}
	return out, rows.Err()
}

func (r repo) ReplacePlan(ctx context.Context, scope string, entries []contest.PlanEntry) error {
	b := &pgx.Batch{}
	b.Queue(`DELETE FROM payout_plan WHERE scope = $1`, scope)
	for _, e := range entries {
		b.Queue(`
			INSERT INTO payout_plan (scope, rank, handle, wallet, score, percentage, amount, created_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		`, scope, e.Rank, e.Handle, e.Wallet, e.Score, e.Percentage, e.Amount, e.CreatedAt.UTC())
	}
	if err := r.execBatch(ctx, b); err != nil {
		return fmt.Errorf("failed to replace plan %s: %w", scope, err)
	}
	return nil
}

func (r repo) Plan(ctx context.Context, scope string) ([]contest.PlanEntry, error) {
	rows, err := r.q.Query(ctx, `
		SELECT scope, rank, handle, wallet, score, percentage, amount, created_at
		FROM payout_plan WHERE scope = $1 ORDER BY rank
	`, scope)
	if err != nil {
		return nil, fmt.Errorf("failed to query plan %s: %w", scope, err)
	}
	defer rows.Close()

	var out []contest.PlanEntry
	for rows.Next() {
		var e contest.PlanEntry
		if err := rows.Scan(&e.Scope, &e.Rank, &e.Handle, &e.Wallet, &e.Score, &e.Percentage, &e.Amount, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan plan entry: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (r repo) AttemptedWallets(ctx context.Context, scope string) (map[string]struct{}, error) {
	rows, err := r.q.Query(ctx, `SELECT wallet FROM transactions WHERE scope = $1`, scope)
	if err != nil {
		return nil, fmt.Errorf("failed to query attempted wallets: %w", err)
	}
	defer rows.Close()

	out := map[string]struct{}{}
	for rows.Next() {
		var w string
		if err := rows.Scan(&w); err != nil {
			return nil, fmt.Errorf("failed to scan wallet: %w", err)
		}
		out[w] = struct{}{}
	}
	return out, rows.Err()
}

// RecordTransaction keeps the first attempt recorded for a (scope, wallet).
func (r repo) RecordTransaction(ctx context.Context, t contest.Transaction) error {
	_, err := r.q.Exec(ctx, `
		INSERT INTO transactions (scope, wallet, amount, status, signature, sent_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (scope, wallet) DO NOTHING
	`, t.Scope, t.Wallet, t.Amount, string(t.Status), t.Signature, t.SentAt.UTC())
	if err != nil {
		return fmt.Errorf("failed to record transaction for %s: %w", t.Wallet, err)
	}
	return nil
}

func (r repo) Transactions(ctx context.Context, scope string) ([]contest.Transaction, error) {
	rows, err := r.q.Query(ctx, `
		SELECT scope, wallet, amount, status, signature, sent_at
		FROM transactions WHERE scope = $1 ORDER BY sent_at, wallet
	`, scope)
	if err != nil {
		return nil, fmt.Errorf("failed to query transactions: %w", err)
	}
	defer rows.Close()

	var out []contest.Transaction
	for rows.Next() {
		var t contest.Transaction
		var status string
		if err := rows.Scan(&t.Scope, &t.Wallet, &t.Amount, &status, &t.Signature, &t.SentAt); err != nil {
			return nil, fmt.Errorf("failed to scan transaction: %w", err)
		}
		t.Status = contest.TransferStatus(status)
		out = append(out, t)
	}
	return out, rows.Err()
}

// Ping verifies the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}
