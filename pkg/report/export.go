package report

import (
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/malbeclabs/shillbot/pkg/contest"
)

const exportStampLayout = "20060102_150405"

// Source is what a full export reads from.
type Source interface {
	contest.Exporter
	Registrations(ctx context.Context) (contest.Registrations, error)
}

// ExportPaths lists the files written by ExportAll.
type ExportPaths struct {
	Dir           string
	Registrations string
	Posts         string
	Plans         string
	Transactions  string
}

// ExportAll writes registrations, posts, plans and transactions as CSV under
// <publicDir>/exports/<timestamp>/.
func ExportAll(ctx context.Context, src Source, publicDir string, insiders map[string]struct{}, now time.Time) (ExportPaths, error) {
	dir := filepath.Join(publicDir, "exports", now.UTC().Format(exportStampLayout))
	paths := ExportPaths{
		Dir:           dir,
		Registrations: filepath.Join(dir, "registrations.csv"),
		Posts:         filepath.Join(dir, "shills", "posts.csv"),
		Plans:         filepath.Join(dir, "payout_plan.csv"),
		Transactions:  filepath.Join(dir, "payout_transactions.csv"),
	}

	regs, err := src.Registrations(ctx)
	if err != nil {
		return ExportPaths{}, fmt.Errorf("failed to read registrations: %w", err)
	}
	posts, err := src.ExportPosts(ctx, contest.PostFilter{})
	if err != nil {
		return ExportPaths{}, fmt.Errorf("failed to read posts: %w", err)
	}
	plans, err := src.AllPlans(ctx)
	if err != nil {
		return ExportPaths{}, fmt.Errorf("failed to read plans: %w", err)
	}
	txs, err := src.AllTransactions(ctx)
	if err != nil {
		return ExportPaths{}, fmt.Errorf("failed to read transactions: %w", err)
	}

	writes := []struct {
		path  string
		write func(io.Writer) error
	}{
		{paths.Registrations, func(w io.Writer) error { return WriteRegistrationsCSV(w, regs) }},
		{paths.Posts, func(w io.Writer) error { return WritePostsCSV(w, posts, insiders) }},
		{paths.Plans, func(w io.Writer) error { return WritePlanCSV(w, plans) }},
		{paths.Transactions, func(w io.Writer) error { return WriteTransactionsCSV(w, txs) }},
	}
	for _, f := range writes {
		if err := writeCSVFile(f.path, f.write); err != nil {
			return ExportPaths{}, err
		}
	}
	return paths, nil
}

// ExportPlan writes one scope's plan to <publicDir>/exports/payouts_<scope>_<timestamp>.csv.
func ExportPlan(publicDir, scope string, entries []contest.PlanEntry, now time.Time) (string, error) {
	name := fmt.Sprintf("payouts_%s_%s.csv", scope, now.UTC().Format(exportStampLayout))
	path := filepath.Join(publicDir, "exports", name)
	if err := writeCSVFile(path, func(w io.Writer) error { return WritePlanCSV(w, entries) }); err != nil {
		return "", err
	}
	return path, nil
}

func writeCSVFile(path string, write func(io.Writer) error) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create export directory: %w", err)
	}
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", path, err)
	}
	if err := write(f); err != nil {
		f.Close()
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("failed to close %s: %w", path, err)
	}
	return nil
}

func writeRows(w io.Writer, header []string, rows [][]string) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(header); err != nil {
		return err
	}
	if err := cw.WriteAll(rows); err != nil {
		return err
	}
	return cw.Error()
}

func formatBool(b bool) string {
	return strconv.FormatBool(b)
}

func formatInt(n int64) string {
	return strconv.FormatInt(n, 10)
}

// WriteRegistrationsCSV writes registrations sorted by handle.
func WriteRegistrationsCSV(w io.Writer, regs contest.Registrations) error {
	keys := make([]string, 0, len(regs))
	for k := range regs {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	rows := make([][]string, 0, len(keys))
	for _, k := range keys {
		r := regs[k]
		rows = append(rows, []string{r.Handle, r.Wallet, r.RegisteredAt.UTC().Format(time.RFC3339)})
	}
	return writeRows(w, []string{"handle", "wallet", "registered_at_utc"}, rows)
}

var postsHeader = []string{
	"tweet_id", "handle", "created_at_utc", "text",
	"likes", "reshares", "quotes", "replies", "views",
	"has_media", "media_type", "is_reshare", "is_quote", "has_original_text",
	"score", "is_registered", "is_insider",
}

// WritePostsCSV writes exported posts. An unscored post has an empty score column.
func WritePostsCSV(w io.Writer, posts []contest.PostRecord, insiders map[string]struct{}) error {
	rows := make([][]string, 0, len(posts))
	for _, rec := range posts {
		p := rec.Post
		score := ""
		if rec.Score != nil {
			score = strconv.FormatFloat(*rec.Score, 'f', 6, 64)
		}
		_, insider := insiders[contest.NormalizeHandle(p.Handle)]
		rows = append(rows, []string{
			p.ID, p.Handle, p.CreatedAt.UTC().Format(time.RFC3339), p.Text,
			formatInt(p.Likes), formatInt(p.Reshares), formatInt(p.Quotes), formatInt(p.Replies), formatInt(p.Views),
			formatBool(p.HasMedia), string(p.MediaKind), formatBool(p.IsReshare), formatBool(p.IsQuote), formatBool(p.HasOriginalText),
			score, formatBool(rec.Registered()), formatBool(insider),
		})
	}
	return writeRows(w, postsHeader, rows)
}

// WritePlanCSV writes plan entries. Scope is included so multi-scope exports stay unambiguous.
func WritePlanCSV(w io.Writer, entries []contest.PlanEntry) error {
	rows := make([][]string, 0, len(entries))
	for _, e := range entries {
		rows = append(rows, []string{
			e.Scope,
			strconv.Itoa(e.Rank),
			e.Handle,
			e.Wallet,
			fmt.Sprintf("%.6f", e.Score),
			fmt.Sprintf("%.6f", e.Percentage),
			formatInt(e.Amount),
			fmt.Sprintf("%.9f", contest.LamportsToSOL(e.Amount)),
		})
	}
	return writeRows(w, []string{"scope", "rank", "handle", "wallet", "score", "percentage", "amount_lamports", "amount_sol"}, rows)
}

// WriteTransactionsCSV writes transfer attempts. A missing signature is an empty column.
func WriteTransactionsCSV(w io.Writer, txs []contest.Transaction) error {
	rows := make([][]string, 0, len(txs))
	for _, t := range txs {
		sig := ""
		if t.Signature != nil {
			sig = *t.Signature
		}
		rows = append(rows, []string{
			t.Scope,
			t.Wallet,
			formatInt(t.Amount),
			fmt.Sprintf("%.9f", contest.LamportsToSOL(t.Amount)),
			string(t.Status),
			sig,
			t.SentAt.UTC().Format(time.RFC3339),
		})
	}
	return writeRows(w, []string{"scope", "wallet", "amount_lamports", "amount_sol", "status", "signature", "sent_at_utc"}, rows)
}

// ShortWallet abbreviates a wallet to its first and last eight characters.
func ShortWallet(wallet string) string {
	if len(wallet) <= 19 {
		return wallet
	}
	return wallet[:8] + "..." + wallet[len(wallet)-8:]
}

// PreviewTable renders a plan as an aligned text table with a total row.
func PreviewTable(w io.Writer, scope string, entries []contest.PlanEntry) error {
	if len(entries) == 0 {
		_, err := fmt.Fprintf(w, "No payout plan for %s.\n", scope)
		return err
	}

	fmt.Fprintf(w, "Payout plan %s\n", scope)
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', tabwriter.AlignRight)
	fmt.Fprintln(tw, "Rank\tHandle\tWallet\t%\tAmount SOL\tScore\t")
	var total int64
	var pct float64
	for _, e := range entries {
		total += e.Amount
		pct += e.Percentage
		fmt.Fprintf(tw, "%d\t@%s\t%s\t%.1f\t%.9f\t%.2f\t\n",
			e.Rank, strings.TrimPrefix(e.Handle, "@"), ShortWallet(e.Wallet), e.Percentage*100, contest.LamportsToSOL(e.Amount), e.Score)
	}
	fmt.Fprintf(tw, "TOTAL\t\t\t%.1f\t%.9f\t\t\n", pct*100, contest.LamportsToSOL(total))
	return tw.Flush()
}
