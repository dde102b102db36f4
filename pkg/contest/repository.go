package contest

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a requested row does not exist.
var ErrNotFound = errors.New("not found")

// InsertResult reports whether an insert stored a new row or hit an existing key.
type InsertResult int

const (
	Inserted InsertResult = iota
	Duplicate
)

// ScoreRow is a ranked author persisted for a window.
type ScoreRow struct {
	WindowID string
	Handle   string
	PostID   string
	Score    float64
	Rank     int
}

// Repository is the persistence contract of the pipeline. Implementations must be usable both
// in autocommit mode and bound to a transaction.
type Repository interface {
	InsertPost(ctx context.Context, p Post) (InsertResult, error)
	PostsBetween(ctx context.Context, start, end time.Time) ([]Post, error)
	AllPosts(ctx context.Context) ([]Post, error)
	UpdatePostScore(ctx context.Context, postID string, score float64) error

	UpsertRegistration(ctx context.Context, r Registration) error
	Registrations(ctx context.Context) (Registrations, error)

	ExcludedPostIDs(ctx context.Context) (map[string]struct{}, error)
	BlacklistedHandles(ctx context.Context) (map[string]struct{}, error)
	ExcludePost(ctx context.Context, postID, reason string, at time.Time) error
	BlacklistHandle(ctx context.Context, handle, reason string, at time.Time) error

	Window(ctx context.Context, id string) (Window, error)
	EnsureWindow(ctx context.Context, w Window) error
	SetWindowStartBalance(ctx context.Context, id string, lamports int64) error
	CloseWindow(ctx context.Context, id string, closedAt time.Time, endBalance, feeDelta int64) error
	LastClosedEndBalance(ctx context.Context, before string) (int64, bool, error)
	LifetimeFees(ctx context.Context) (int64, error)
	RecordTreasurySnapshot(ctx context.Context, s TreasurySnapshot) error

	ReplaceWindowScores(ctx context.Context, windowID string, rows []ScoreRow) error
	WindowScores(ctx context.Context, windowID string) ([]ScoreRow, error)

	ReplacePlan(ctx context.Context, scope string, entries []PlanEntry) error
	Plan(ctx context.Context, scope string) ([]PlanEntry, error)

	AttemptedWallets(ctx context.Context, scope string) (map[string]struct{}, error)
	RecordTransaction(ctx context.Context, tx Transaction) error
	Transactions(ctx context.Context, scope string) ([]Transaction, error)
}

// Store hands out repositories bound to transactions. InTx commits when fn returns nil and
// rolls back otherwise; Savepoint scopes a partial rollback inside an open transaction.
type Store interface {
	Repository
	InTx(ctx context.Context, fn func(Tx) error) error
}

// Tx is a Repository bound to an open transaction.
type Tx interface {
	Repository
	Savepoint(ctx context.Context, fn func(Tx) error) error
}

// PostRecord is a stored post joined with its persisted score and registration.
type PostRecord struct {
	Post
	Score *float64
	// Wallet is empty when the author never registered.
	Wallet string
}

func (r PostRecord) Registered() bool {
	return r.Wallet != ""
}

// PostFilter narrows a post export. Zero values are unbounded.
type PostFilter struct {
	Since  time.Time
	Until  time.Time
	Handle string
	Limit  int
}

// Exporter reads the derivative views used by CSV exports.
type Exporter interface {
	ExportPosts(ctx context.Context, f PostFilter) ([]PostRecord, error)
	// AllPlans returns every plan entry ordered by scope then rank.
	AllPlans(ctx context.Context) ([]PlanEntry, error)
	// AllTransactions returns every transfer attempt ordered by scope then time.
	AllTransactions(ctx context.Context) ([]Transaction, error)
}
