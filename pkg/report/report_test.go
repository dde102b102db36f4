package report

import (
	"bytes"
	"context"
	"encoding/csv"
	"encoding/json"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/malbeclabs/shillbot/pkg/contest"
	"github.com/malbeclabs/shillbot/pkg/contest/contesttest"
	sbtesting "github.com/malbeclabs/shillbot/utils/pkg/testing"
	"github.com/stretchr/testify/require"
)

var now = time.Date(2025, 3, 1, 20, 0, 0, 0, time.UTC)

func int64Ptr(v int64) *int64 { return &v }

func TestShillbot_Report_Build(t *testing.T) {
	t.Parallel()

	t.Run("fills sol fields and empty lists", func(t *testing.T) {
		t.Parallel()
		r := Build(Input{
			WindowID:     "20250301_1400",
			GeneratedAt:  now,
			FeeDelta:     1_500_000_000,
			StartBalance: int64Ptr(1_000_000_000),
			EndBalance:   int64Ptr(2_500_000_000),
			LifetimeFees: 3_000_000_000,
		})
		require.Equal(t, 1.5, r.FeesInSOL)
		require.Equal(t, 1.5, r.WindowDeltaSOL)
		require.Equal(t, 3.0, r.LifetimeFeesSOL)
		require.NotNil(t, r.StartBalanceSOL)
		require.Equal(t, 1.0, *r.StartBalanceSOL)
		require.Nil(t, r.CurrentBalanceSOL)
		require.NotNil(t, r.Payouts)
		require.NotNil(t, r.Winners)
		require.NotNil(t, r.Notes)
		require.Equal(t, "2025-03-01T20:00:00Z", r.GeneratedAtUTC)
	})

	t.Run("keys are sorted in the encoding", func(t *testing.T) {
		t.Parallel()
		r := Build(Input{
			WindowID:    "w",
			GeneratedAt: now,
			Ranked:      []contest.RankedEntry{{Rank: 1, Handle: "alice", PostID: "1", Wallet: "W", Score: 3}},
		})
		payload, err := Encode(r)
		require.NoError(t, err)

		var raw map[string]json.RawMessage
		require.NoError(t, json.Unmarshal(payload, &raw))
		require.NotContains(t, raw, "start_balance_lamports")

		dec := json.NewDecoder(bytes.NewReader(payload))
		_, err = dec.Token()
		require.NoError(t, err)
		var keys []string
		for dec.More() {
			tok, err := dec.Token()
			require.NoError(t, err)
			keys = append(keys, tok.(string))
			var skip json.RawMessage
			require.NoError(t, dec.Decode(&skip))
		}
		require.IsIncreasing(t, keys)
	})
}

func TestShillbot_Report_Write(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	r := Build(Input{WindowID: "20250301_1400", GeneratedAt: now, Payouts: PlannedPayouts([]contest.PlanEntry{{Wallet: "W", Amount: 10}})})
	paths, payload, err := Write(dir, r)
	require.NoError(t, err)

	latest, err := os.ReadFile(paths.Latest)
	require.NoError(t, err)
	history, err := os.ReadFile(paths.History)
	require.NoError(t, err)
	require.Equal(t, payload, latest)
	require.Equal(t, payload, history)
	require.Equal(t, filepath.Join(dir, "history", "20250301_1400.json"), paths.History)
	require.Contains(t, string(payload), `"status": "PLANNED"`)
}

func seedSource(t *testing.T) *contesttest.Store {
	t.Helper()
	ctx := context.Background()
	s := contesttest.New()
	_, err := s.InsertPost(ctx, contest.Post{ID: "1", Handle: "Alice", CreatedAt: now, Text: "a, \"quoted\" post", Likes: 2, MediaKind: contest.MediaNone})
	require.NoError(t, err)
	_, err = s.InsertPost(ctx, contest.Post{ID: "2", Handle: "shootercoinsol", CreatedAt: now.Add(time.Minute), HasMedia: true, MediaKind: contest.MediaImage})
	require.NoError(t, err)
	require.NoError(t, s.UpdatePostScore(ctx, "1", 4.5))
	require.NoError(t, s.UpsertRegistration(ctx, contest.Registration{Handle: "alice", Wallet: "WalletA", RegisteredAt: now}))
	require.NoError(t, s.ReplacePlan(ctx, "20250301_1400", []contest.PlanEntry{
		{Scope: "20250301_1400", Rank: 1, Handle: "alice", Wallet: "WalletA", Score: 4.5, Percentage: 0.3, Amount: 300_000_000},
	}))
	sig := "sig1"
	require.NoError(t, s.RecordTransaction(ctx, contest.Transaction{Scope: "20250301_1400", Wallet: "WalletA", Amount: 300_000_000, Status: contest.StatusSent, Signature: &sig, SentAt: now}))
	return s
}

func readCSV(t *testing.T, path string) [][]string {
	t.Helper()
	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()
	rows, err := csv.NewReader(f).ReadAll()
	require.NoError(t, err)
	return rows
}

func TestShillbot_Report_ExportAll(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	paths, err := ExportAll(context.Background(), seedSource(t), dir, map[string]struct{}{"shootercoinsol": {}}, now)
	require.NoError(t, err)
	require.Equal(t, filepath.Join(dir, "exports", "20250301_200000"), paths.Dir)

	t.Run("posts", func(t *testing.T) {
		rows := readCSV(t, paths.Posts)
		require.Len(t, rows, 3)
		require.Equal(t, postsHeader, rows[0])
		require.Equal(t, "1", rows[1][0])
		require.Equal(t, "a, \"quoted\" post", rows[1][3])
		require.Equal(t, "4.500000", rows[1][14])
		require.Equal(t, "true", rows[1][15])
		require.Equal(t, "false", rows[1][16])
		require.Equal(t, "", rows[2][14])
		require.Equal(t, "false", rows[2][15])
		require.Equal(t, "true", rows[2][16])
	})

	t.Run("registrations", func(t *testing.T) {
		rows := readCSV(t, paths.Registrations)
		require.Equal(t, [][]string{
			{"handle", "wallet", "registered_at_utc"},
			{"alice", "WalletA", "2025-03-01T20:00:00Z"},
		}, rows)
	})

	t.Run("plans", func(t *testing.T) {
		rows := readCSV(t, paths.Plans)
		require.Len(t, rows, 2)
		require.Equal(t, []string{"20250301_1400", "1", "alice", "WalletA", "4.500000", "0.300000", "300000000", "0.300000000"}, rows[1])
	})

	t.Run("transactions", func(t *testing.T) {
		rows := readCSV(t, paths.Transactions)
		require.Len(t, rows, 2)
		require.Equal(t, []string{"20250301_1400", "WalletA", "300000000", "0.300000000", "SENT", "sig1", "2025-03-01T20:00:00Z"}, rows[1])
	})
}

func TestShillbot_Report_ExportAll_SourceError(t *testing.T) {
	t.Parallel()

	s := seedSource(t)
	s.FailOn["Registrations"] = errors.New("boom")
	_, err := ExportAll(context.Background(), s, t.TempDir(), nil, now)
	require.ErrorContains(t, err, "boom")
}

func TestShillbot_Report_ExportPlan(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	p, err := ExportPlan(dir, contest.CurrentScope, []contest.PlanEntry{{Scope: contest.CurrentScope, Rank: 1, Handle: "bob", Wallet: "W", Amount: 1}}, now)
	require.NoError(t, err)
	require.Equal(t, filepath.Join(dir, "exports", "payouts_CURRENT_20250301_200000.csv"), p)
	require.Len(t, readCSV(t, p), 2)
}

func TestShillbot_Report_PreviewTable(t *testing.T) {
	t.Parallel()

	t.Run("empty plan", func(t *testing.T) {
		t.Parallel()
		var buf bytes.Buffer
		require.NoError(t, PreviewTable(&buf, "CURRENT", nil))
		require.Equal(t, "No payout plan for CURRENT.\n", buf.String())
	})

	t.Run("rows and total", func(t *testing.T) {
		t.Parallel()
		var buf bytes.Buffer
		wallet := "9xQeWvG816bUx9EPjHmaT23yvVM2ZWbrrpZb9PusVFin"
		require.NoError(t, PreviewTable(&buf, "CURRENT", []contest.PlanEntry{
			{Rank: 1, Handle: "alice", Wallet: wallet, Percentage: 0.3, Amount: 300_000_000, Score: 10},
			{Rank: 2, Handle: "bob", Wallet: "short", Percentage: 0.15, Amount: 150_000_000, Score: 5},
		}))
		out := buf.String()
		require.Contains(t, out, "Payout plan CURRENT")
		require.Contains(t, out, "@alice")
		require.Contains(t, out, "9xQeWvG8...9PusVFin")
		require.Contains(t, out, "short")
		require.Contains(t, out, "0.450000000")
		require.Contains(t, out, "45.0")
		lines := strings.Split(strings.TrimSpace(out), "\n")
		require.True(t, strings.HasPrefix(strings.TrimSpace(lines[len(lines)-1]), "TOTAL"))
	})
}

type fakeS3 struct {
	puts []*s3.PutObjectInput
	body [][]byte
	err  error
}

func (f *fakeS3) PutObject(ctx context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	if f.err != nil {
		return nil, f.err
	}
	b, err := io.ReadAll(in.Body)
	if err != nil {
		return nil, err
	}
	f.puts = append(f.puts, in)
	f.body = append(f.body, b)
	return &s3.PutObjectOutput{}, nil
}

func TestShillbot_Report_Publisher(t *testing.T) {
	t.Parallel()

	t.Run("uploads history and latest", func(t *testing.T) {
		t.Parallel()
		client := &fakeS3{}
		p, err := NewPublisher(sbtesting.NewLogger(), client, "bucket", "/shillbot/")
		require.NoError(t, err)
		require.NoError(t, p.Publish(context.Background(), "20250301_1400", []byte(`{}`)))

		require.Len(t, client.puts, 2)
		require.Equal(t, "shillbot/history/20250301_1400.json", aws.ToString(client.puts[0].Key))
		require.Equal(t, "shillbot/latest.json", aws.ToString(client.puts[1].Key))
		require.Equal(t, "bucket", aws.ToString(client.puts[0].Bucket))
		require.Equal(t, "application/json", aws.ToString(client.puts[0].ContentType))
		require.Equal(t, []byte(`{}`), client.body[1])
	})

	t.Run("no prefix", func(t *testing.T) {
		t.Parallel()
		client := &fakeS3{}
		p, err := NewPublisher(sbtesting.NewLogger(), client, "bucket", "")
		require.NoError(t, err)
		require.NoError(t, p.Publish(context.Background(), "w", []byte(`{}`)))
		require.Equal(t, "latest.json", aws.ToString(client.puts[1].Key))
	})

	t.Run("upload error", func(t *testing.T) {
		t.Parallel()
		p, err := NewPublisher(sbtesting.NewLogger(), &fakeS3{err: errors.New("denied")}, "bucket", "")
		require.NoError(t, err)
		require.ErrorContains(t, p.Publish(context.Background(), "w", []byte(`{}`)), "denied")
	})

	t.Run("requires bucket", func(t *testing.T) {
		t.Parallel()
		_, err := NewPublisher(sbtesting.NewLogger(), &fakeS3{}, "", "")
		require.Error(t, err)
	})
}
