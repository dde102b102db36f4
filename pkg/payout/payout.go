// Package payout turns a distributable pot and a ranking into a fixed-percentage payout plan.
package payout

import (
	"math"

	"github.com/malbeclabs/shillbot/pkg/contest"
)

// Shares of the pot by rank, in basis points. The ten shares sum to 10000.
var sharesBps = [...]int64{3000, 1500, 1000, 1000, 1000, 500, 500, 500, 500, 500}

// MaxWinners is the number of ranks that receive a share.
const MaxWinners = len(sharesBps)

// Share returns the fraction of the pot paid to a 1-based rank, or 0 outside the paid ranks.
func Share(rank int) float64 {
	if rank < 1 || rank > MaxWinners {
		return 0
	}
	return float64(sharesBps[rank-1]) / 10000
}

// Candidate is a ranked, payable author.
type Candidate struct {
	Handle string
	Wallet string
	Score  float64
}

// Entry is one line of a computed plan.
type Entry struct {
	Rank       int
	Handle     string
	Wallet     string
	Score      float64
	Percentage float64
	Amount     int64
}

// amountFor computes floor(pot * bps / 10000) without overflowing for any non-negative pot.
func amountFor(pot, bps int64) int64 {
	return (pot/10000)*bps + (pot%10000)*bps/10000
}

// Portion returns floor(amount * share) with share rounded to basis points.
func Portion(amount int64, share float64) int64 {
	if amount <= 0 || share <= 0 {
		return 0
	}
	return amountFor(amount, int64(math.Round(min(share, 1)*10000)))
}

// Plan assigns the fixed shares to the first ten candidates. Candidates must already be sorted
// by descending score. Amounts below minPayout are dropped and not redistributed.
func Plan(pot int64, ranked []Candidate, minPayout int64) []Entry {
	if pot <= 0 || len(ranked) == 0 {
		return nil
	}

	var out []Entry
	for i, c := range ranked {
		if i >= MaxWinners {
			break
		}
		amount := amountFor(pot, sharesBps[i])
		if amount < minPayout || amount <= 0 {
			continue
		}
		out = append(out, Entry{
			Rank:       i + 1,
			Handle:     c.Handle,
			Wallet:     c.Wallet,
			Score:      c.Score,
			Percentage: Share(i + 1),
			Amount:     amount,
		})
	}
	return out
}

// Total sums the amounts of a plan.
func Total(entries []Entry) int64 {
	var total int64
	for _, e := range entries {
		total += e.Amount
	}
	return total
}

// ToPlanEntries converts a plan for persistence under scope.
func ToPlanEntries(scope string, entries []Entry) []contest.PlanEntry {
	out := make([]contest.PlanEntry, 0, len(entries))
	for _, e := range entries {
		out = append(out, contest.PlanEntry{
			Scope:      scope,
			Rank:       e.Rank,
			Handle:     e.Handle,
			Wallet:     e.Wallet,
			Score:      e.Score,
			Percentage: e.Percentage,
			Amount:     e.Amount,
		})
	}
	return out
}
