// Package eligibility removes posts and candidates that may not take part in a payout.
package eligibility

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/malbeclabs/shillbot/pkg/contest"
)

// DefaultInsiders are project-affiliated handles that are scored but never paid.
var DefaultInsiders = []string{"shootercoinsol", "billdelmonte"}

// Filter applies the exclusion, blacklist and insider rules. A nil set disables its rule.
type Filter struct {
	ExcludedPosts map[string]struct{}
	Blacklisted   map[string]struct{}
	Insiders      map[string]struct{}
}

// HandleSet builds a normalized handle set.
func HandleSet(handles ...string) map[string]struct{} {
	out := make(map[string]struct{}, len(handles))
	for _, h := range handles {
		if h = contest.NormalizeHandle(h); h != "" {
			out[h] = struct{}{}
		}
	}
	return out
}

func has(set map[string]struct{}, key string) bool {
	_, ok := set[key]
	return ok
}

// PostCounts reports how many posts each rule removed.
type PostCounts struct {
	Excluded    int
	Blacklisted int
}

// Posts drops excluded post IDs, then posts by blacklisted authors. Order is preserved.
func (f Filter) Posts(posts []contest.Post) ([]contest.Post, PostCounts) {
	var counts PostCounts
	out := make([]contest.Post, 0, len(posts))
	for _, p := range posts {
		if f.ExcludedPosts != nil && has(f.ExcludedPosts, p.ID) {
			counts.Excluded++
			continue
		}
		if f.Blacklisted != nil && has(f.Blacklisted, contest.NormalizeHandle(p.Handle)) {
			counts.Blacklisted++
			continue
		}
		out = append(out, p)
	}
	return out, counts
}

// IsInsider reports whether handle is on the insider list.
func (f Filter) IsInsider(handle string) bool {
	return f.Insiders != nil && has(f.Insiders, contest.NormalizeHandle(handle))
}

// Candidates drops insiders from a payout ranking and returns the removed handles.
func (f Filter) Candidates(ranked []contest.RankedEntry) ([]contest.RankedEntry, []string) {
	var removed []string
	out := make([]contest.RankedEntry, 0, len(ranked))
	for _, e := range ranked {
		if f.IsInsider(e.Handle) {
			removed = append(removed, e.Handle)
			continue
		}
		out = append(out, e)
	}
	return out, removed
}

// TokenBalanceReader returns the balance of mint held by wallet, in whole token units.
type TokenBalanceReader interface {
	TokenBalance(ctx context.Context, wallet, mint string) (float64, error)
}

type TokenCheckConfig struct {
	Logger    *slog.Logger
	Reader    TokenBalanceReader
	Mint      string
	MinAmount float64
}

func (cfg *TokenCheckConfig) Validate() error {
	if cfg.Logger == nil {
		return fmt.Errorf("logger is required")
	}
	if cfg.Reader == nil {
		return fmt.Errorf("token balance reader is required")
	}
	if cfg.Mint == "" {
		return fmt.Errorf("token mint is required")
	}
	return nil
}

// VerifyTokenHoldings drops candidates whose wallet holds less than the minimum amount of the
// mint. A failed lookup keeps the candidate and adds a note.
func VerifyTokenHoldings(ctx context.Context, cfg TokenCheckConfig, ranked []contest.RankedEntry) ([]contest.RankedEntry, []string, error) {
	if err := cfg.Validate(); err != nil {
		return nil, nil, err
	}

	var notes []string
	out := make([]contest.RankedEntry, 0, len(ranked))
	for _, e := range ranked {
		bal, err := cfg.Reader.TokenBalance(ctx, e.Wallet, cfg.Mint)
		if err != nil {
			cfg.Logger.Warn("eligibility: token balance lookup failed, keeping candidate", "handle", e.Handle, "error", err)
			notes = append(notes, fmt.Sprintf("WARNING: token balance check failed for %s (%s...): %v, including anyway", e.Handle, shortWallet(e.Wallet), err))
			out = append(out, e)
			continue
		}
		if bal < cfg.MinAmount {
			notes = append(notes, fmt.Sprintf("Excluded %s (wallet %s...): token balance %g < min %g", e.Handle, shortWallet(e.Wallet), bal, cfg.MinAmount))
			continue
		}
		out = append(out, e)
	}
	if removed := len(ranked) - len(out); removed > 0 {
		notes = append(notes, fmt.Sprintf("Token verification: %d wallets excluded (below min %g)", removed, cfg.MinAmount))
	}
	return out, notes, nil
}

func shortWallet(w string) string {
	if len(w) <= 8 {
		return w
	}
	return w[:8]
}
