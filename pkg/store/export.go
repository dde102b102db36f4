package store

import (
	"context"
	"fmt"

	sq "github.com/Masterminds/squirrel"
	"github.com/malbeclabs/shillbot/pkg/contest"
)

var psql = sq.StatementBuilder.PlaceholderFormat(sq.Dollar)

// exportPostsQuery joins posts with their registration, applying f.
func exportPostsQuery(f contest.PostFilter) sq.SelectBuilder {
	q := psql.Select(
		"p.id", "p.handle", "p.created_at", "p.text", "p.likes", "p.reshares", "p.quotes", "p.replies", "p.views",
		"p.has_media", "p.media_kind", "p.is_reshare", "p.is_quote", "p.has_original_text",
		"p.score", "COALESCE(r.wallet, '')",
	).
		From("posts p").
		LeftJoin("registrations r ON r.handle_key = LOWER(p.handle)").
		OrderBy("p.created_at", "p.id")

	if !f.Since.IsZero() {
		q = q.Where(sq.GtOrEq{"p.created_at": f.Since.UTC()})
	}
	if !f.Until.IsZero() {
		q = q.Where(sq.Lt{"p.created_at": f.Until.UTC()})
	}
	if h := contest.NormalizeHandle(f.Handle); h != "" {
		q = q.Where(sq.Eq{"LOWER(p.handle)": h})
	}
	if f.Limit > 0 {
		q = q.Limit(uint64(f.Limit))
	}
	return q
}

func (r repo) ExportPosts(ctx context.Context, f contest.PostFilter) ([]contest.PostRecord, error) {
	sql, args, err := exportPostsQuery(f).ToSql()
	if err != nil {
		return nil, fmt.Errorf("failed to build export query: %w", err)
	}
	rows, err := r.q.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to export posts: %w", err)
	}
	defer rows.Close()

	var out []contest.PostRecord
	for rows.Next() {
		var rec contest.PostRecord
		p, err := scanPost(rows, &rec.Score, &rec.Wallet)
		if err != nil {
			return nil, fmt.Errorf("failed to scan exported post: %w", err)
		}
		rec.Post = p
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (r repo) AllPlans(ctx context.Context) ([]contest.PlanEntry, error) {
	sql, args, err := psql.Select("scope", "rank", "handle", "wallet", "score", "percentage", "amount", "created_at").
		From("payout_plan").
		OrderBy("scope", "rank").
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("failed to build plan export query: %w", err)
	}
	rows, err := r.q.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to export plans: %w", err)
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

func (r repo) AllTransactions(ctx context.Context) ([]contest.Transaction, error) {
	sql, args, err := psql.Select("scope", "wallet", "amount", "status", "signature", "sent_at").
		From("transactions").
		OrderBy("scope", "sent_at", "wallet").
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("failed to build transaction export query: %w", err)
	}
	rows, err := r.q.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to export transactions: %w", err)
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
