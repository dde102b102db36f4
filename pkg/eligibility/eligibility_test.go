package eligibility

import (
	"context"
	"errors"
	"testing"

	"github.com/malbeclabs/shillbot/pkg/contest"
	sbtesting "github.com/malbeclabs/shillbot/utils/pkg/testing"
	"github.com/stretchr/testify/require"
)

func TestShillbot_Eligibility_Posts(t *testing.T) {
	t.Parallel()

	posts := []contest.Post{
		{ID: "1", Handle: "alice"},
		{ID: "2", Handle: "Spammer"},
		{ID: "3", Handle: "bob"},
		{ID: "4", Handle: "carol"},
	}

	t.Run("applies exclusion then blacklist preserving order", func(t *testing.T) {
		t.Parallel()
		f := Filter{
			ExcludedPosts: map[string]struct{}{"3": {}},
			Blacklisted:   HandleSet("@spammer"),
		}
		got, counts := f.Posts(posts)
		require.Equal(t, []contest.Post{posts[0], posts[3]}, got)
		require.Equal(t, PostCounts{Excluded: 1, Blacklisted: 1}, counts)
	})

	t.Run("disabled rules keep everything", func(t *testing.T) {
		t.Parallel()
		got, counts := Filter{}.Posts(posts)
		require.Equal(t, posts, got)
		require.Zero(t, counts.Excluded+counts.Blacklisted)
	})
}

func TestShillbot_Eligibility_Candidates(t *testing.T) {
	t.Parallel()

	f := Filter{Insiders: HandleSet(DefaultInsiders...)}
	got, removed := f.Candidates([]contest.RankedEntry{
		{Handle: "alice", Score: 9},
		{Handle: "ShooterCoinSol", Score: 8},
		{Handle: "bob", Score: 7},
	})
	require.Equal(t, []string{"ShooterCoinSol"}, removed)
	require.Len(t, got, 2)
	require.Equal(t, "alice", got[0].Handle)
	require.Equal(t, "bob", got[1].Handle)
	require.True(t, f.IsInsider("@BillDelMonte"))
	require.False(t, Filter{}.IsInsider("billdelmonte"))
}

type fakeTokenReader map[string]any

func (f fakeTokenReader) TokenBalance(ctx context.Context, wallet, mint string) (float64, error) {
	switch v := f[wallet].(type) {
	case float64:
		return v, nil
	case error:
		return 0, v
	default:
		return 0, nil
	}
}

func TestShillbot_Eligibility_VerifyTokenHoldings(t *testing.T) {
	t.Parallel()

	reader := fakeTokenReader{
		"walletAAAAAAAA": 500.0,
		"walletBBBBBBBB": 10.0,
		"walletCCCCCCCC": errors.New("rpc unavailable"),
	}
	ranked := []contest.RankedEntry{
		{Handle: "alice", Wallet: "walletAAAAAAAA"},
		{Handle: "bob", Wallet: "walletBBBBBBBB"},
		{Handle: "carol", Wallet: "walletCCCCCCCC"},
	}

	got, notes, err := VerifyTokenHoldings(context.Background(), TokenCheckConfig{
		Logger:    sbtesting.NewLogger(),
		Reader:    reader,
		Mint:      "mint",
		MinAmount: 100,
	}, ranked)
	require.NoError(t, err)
	require.Equal(t, []contest.RankedEntry{ranked[0], ranked[2]}, got)
	require.Len(t, notes, 3)
	require.Contains(t, notes[0], "Excluded bob")
	require.Contains(t, notes[1], "including anyway")
	require.Contains(t, notes[2], "1 wallets excluded")

	_, _, err = VerifyTokenHoldings(context.Background(), TokenCheckConfig{Logger: sbtesting.NewLogger(), Reader: reader}, ranked)
	require.Error(t, err)
}
