// Package contest holds the entities shared by the settlement pipeline and the repository
// contract the pipeline persists them through.
package contest

import (
	"strings"
	"time"
)

// Lamports per SOL.
const LamportsPerSOL = 1_000_000_000

// NoWallet marks a registration whose text carried no recognizable wallet address.
const NoWallet = "N/A"

// CurrentScope is the plan scope used for ad-hoc payouts computed over all stored posts.
const CurrentScope = "CURRENT"

type MediaKind string

const (
	MediaNone        MediaKind = ""
	MediaImage       MediaKind = "image"
	MediaGIF         MediaKind = "gif"
	MediaVideo       MediaKind = "video"
	MediaAnimatedGIF MediaKind = "animated_gif"
)

// Post is an immutable social-media post. Counters are non-negative once a post has passed the
// ingestion boundary.
type Post struct {
	ID              string
	Handle          string
	CreatedAt       time.Time
	Text            string
	Likes           int64
	Reshares        int64
	Quotes          int64
	Replies         int64
	Views           int64
	HasMedia        bool
	MediaKind       MediaKind
	IsReshare       bool
	IsQuote         bool
	HasOriginalText bool
}

// Registration binds a handle to a payout wallet. The latest registration for a handle wins.
type Registration struct {
	Handle       string
	Wallet       string
	RegisteredAt time.Time
}

// Payable reports whether the registration carries a usable wallet.
func (r Registration) Payable() bool {
	return r.Wallet != "" && r.Wallet != NoWallet
}

// Registrations is a read-time eligibility lookup keyed by normalized handle.
type Registrations map[string]Registration

// Lookup returns the registration for handle, matching case-insensitively.
func (r Registrations) Lookup(handle string) (Registration, bool) {
	reg, ok := r[NormalizeHandle(handle)]
	return reg, ok
}

// NormalizeHandle lowercases a handle and strips a leading @.
func NormalizeHandle(handle string) string {
	return strings.ToLower(strings.TrimPrefix(strings.TrimSpace(handle), "@"))
}

// Window is one scoring and settlement period.
type Window struct {
	ID           string
	Start        time.Time
	End          time.Time
	ClosedAt     *time.Time
	StartBalance *int64
	EndBalance   *int64
	FeeDelta     int64
}

func (w Window) Closed() bool {
	return w.ClosedAt != nil
}

// RankedEntry is a registered author in payout ranking order.
type RankedEntry struct {
	Rank   int
	Handle string
	PostID string
	Wallet string
	Score  float64
}

// PlanEntry is one persisted payout line of a scope.
type PlanEntry struct {
	Scope      string
	Rank       int
	Handle     string
	Wallet     string
	Score      float64
	Percentage float64
	Amount     int64
	CreatedAt  time.Time
}

type TransferStatus string

const (
	StatusSent    TransferStatus = "SENT"
	StatusFailed  TransferStatus = "FAILED"
	StatusDryRun  TransferStatus = "DRY_RUN"
	StatusPlanned TransferStatus = "PLANNED"
)

// Transaction records one transfer attempt. Its presence for (Scope, Wallet) means the wallet
// has been attempted and must never be sent again.
type Transaction struct {
	Scope     string
	Wallet    string
	Amount    int64
	Status    TransferStatus
	Signature *string
	SentAt    time.Time
}

// TreasurySnapshot is one captured treasury balance.
type TreasurySnapshot struct {
	TakenAt  time.Time
	Lamports int64
	Source   string
}

// LamportsToSOL converts lamports to SOL.
func LamportsToSOL(lamports int64) float64 {
	return float64(lamports) / LamportsPerSOL
}

// SOLToLamports converts SOL to lamports, truncating sub-lamport fractions.
func SOLToLamports(sol float64) int64 {
	return int64(sol * LamportsPerSOL)
}
