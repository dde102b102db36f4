// Package report renders window settlement reports and read-only exports.
package report

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/malbeclabs/shillbot/pkg/contest"
)

// Winner is a ranked author in a report. Fields are declared in JSON key order so the encoded
// report has sorted keys.
type Winner struct {
	Handle string  `json:"handle"`
	Rank   int     `json:"rank"`
	Score  float64 `json:"score"`
	PostID string  `json:"tweet_id"`
	Wallet string  `json:"wallet"`
}

// Payout is a planned or executed transfer in a report.
type Payout struct {
	Lamports  int64   `json:"lamports"`
	Signature *string `json:"signature"`
	Status    string  `json:"status"`
	Wallet    string  `json:"wallet"`
}

// Report is the public record of one window close.
type Report struct {
	CurrentBalanceLamports *int64   `json:"current_treasury_balance_lamports,omitempty"`
	CurrentBalanceSOL      *float64 `json:"current_treasury_balance_sol,omitempty"`
	EndBalanceLamports     *int64   `json:"end_balance_lamports,omitempty"`
	EndBalanceSOL          *float64 `json:"end_balance_sol,omitempty"`
	FeesInLamports         int64    `json:"fees_in_lamports"`
	FeesInSOL              float64  `json:"fees_in_sol"`
	GeneratedAtUTC         string   `json:"generated_at_utc"`
	LifetimeFeesLamports   int64    `json:"lifetime_total_fees_lamports"`
	LifetimeFeesSOL        float64  `json:"lifetime_total_fees_sol"`
	Notes                  []string `json:"notes"`
	Payouts                []Payout `json:"payouts"`
	StartBalanceLamports   *int64   `json:"start_balance_lamports,omitempty"`
	StartBalanceSOL        *float64 `json:"start_balance_sol,omitempty"`
	WindowDeltaLamports    int64    `json:"window_delta_lamports"`
	WindowDeltaSOL         float64  `json:"window_delta_sol"`
	WindowID               string   `json:"window_id"`
	Winners                []Winner `json:"winners"`
}

// Input carries everything a report is built from.
type Input struct {
	WindowID       string
	GeneratedAt    time.Time
	FeeDelta       int64
	StartBalance   *int64
	EndBalance     *int64
	CurrentBalance *int64
	LifetimeFees   int64
	Ranked         []contest.RankedEntry
	Payouts        []Payout
	Notes          []string
}

func solPtr(lamports *int64) *float64 {
	if lamports == nil {
		return nil
	}
	v := contest.LamportsToSOL(*lamports)
	return &v
}

// Build assembles a report.
func Build(in Input) Report {
	winners := make([]Winner, 0, len(in.Ranked))
	for _, e := range in.Ranked {
		winners = append(winners, Winner{Handle: e.Handle, Rank: e.Rank, Score: e.Score, PostID: e.PostID, Wallet: e.Wallet})
	}
	payouts := in.Payouts
	if payouts == nil {
		payouts = []Payout{}
	}
	notes := in.Notes
	if notes == nil {
		notes = []string{}
	}
	return Report{
		CurrentBalanceLamports: in.CurrentBalance,
		CurrentBalanceSOL:      solPtr(in.CurrentBalance),
		EndBalanceLamports:     in.EndBalance,
		EndBalanceSOL:          solPtr(in.EndBalance),
		FeesInLamports:         in.FeeDelta,
		FeesInSOL:              contest.LamportsToSOL(in.FeeDelta),
		GeneratedAtUTC:         in.GeneratedAt.UTC().Format(time.RFC3339Nano),
		LifetimeFeesLamports:   in.LifetimeFees,
		LifetimeFeesSOL:        contest.LamportsToSOL(in.LifetimeFees),
		Notes:                  notes,
		Payouts:                payouts,
		StartBalanceLamports:   in.StartBalance,
		StartBalanceSOL:        solPtr(in.StartBalance),
		WindowDeltaLamports:    in.FeeDelta,
		WindowDeltaSOL:         contest.LamportsToSOL(in.FeeDelta),
		WindowID:               in.WindowID,
		Winners:                winners,
	}
}

// PlannedPayouts lists plan entries as not-yet-sent payouts.
func PlannedPayouts(entries []contest.PlanEntry) []Payout {
	out := make([]Payout, 0, len(entries))
	for _, e := range entries {
		out = append(out, Payout{Lamports: e.Amount, Status: string(contest.StatusPlanned), Wallet: e.Wallet})
	}
	return out
}

// Encode renders a report as indented JSON.
func Encode(r Report) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetIndent("", "  ")
	enc.SetEscapeHTML(false)
	if err := enc.Encode(r); err != nil {
		return nil, fmt.Errorf("failed to encode report: %w", err)
	}
	return buf.Bytes(), nil
}

// Paths of a written report.
type Paths struct {
	Latest  string
	History string
}

// Write stores the report as latest.json and history/<window_id>.json with identical bytes.
func Write(publicDir string, r Report) (Paths, []byte, error) {
	payload, err := Encode(r)
	if err != nil {
		return Paths{}, nil, err
	}
	historyDir := filepath.Join(publicDir, "history")
	if err := os.MkdirAll(historyDir, 0o755); err != nil {
		return Paths{}, nil, fmt.Errorf("failed to create report directory: %w", err)
	}
	paths := Paths{
		Latest:  filepath.Join(publicDir, "latest.json"),
		History: filepath.Join(historyDir, r.WindowID+".json"),
	}
	if err := writeFileAtomic(paths.History, payload); err != nil {
		return Paths{}, nil, err
	}
	if err := writeFileAtomic(paths.Latest, payload); err != nil {
		return Paths{}, nil, err
	}
	return paths, payload, nil
}

func writeFileAtomic(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), ".report-*")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close %s: %w", path, err)
	}
	if err := os.Chmod(tmp.Name(), 0o644); err != nil {
		return fmt.Errorf("failed to chmod %s: %w", path, err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("failed to rename %s: %w", path, err)
	}
	return nil
}
