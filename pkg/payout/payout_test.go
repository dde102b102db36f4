package payout

import (
	"fmt"
	"math"
	"testing"

	"github.com/stretchr/testify/require"
)

func candidates(n int) []Candidate {
	out := make([]Candidate, 0, n)
	for i := range n {
		out = append(out, Candidate{
			Handle: fmt.Sprintf("user%d", i+1),
			Wallet: fmt.Sprintf("wallet%d", i+1),
			Score:  float64(10 - i),
		})
	}
	return out
}

func TestShillbot_Payout_SharesSumToOne(t *testing.T) {
	t.Parallel()

	var sum int64
	for _, bps := range sharesBps {
		sum += bps
	}
	require.Equal(t, int64(10000), sum)
	require.Equal(t, 0.30, Share(1))
	require.Equal(t, 0.05, Share(10))
	require.Zero(t, Share(0))
	require.Zero(t, Share(11))
}

func TestShillbot_Payout_Plan(t *testing.T) {
	t.Parallel()

	t.Run("ten winners split a million exactly", func(t *testing.T) {
		t.Parallel()
		plan := Plan(1_000_000, candidates(10), 1_000)
		require.Len(t, plan, 10)
		amounts := make([]int64, 0, len(plan))
		for i, e := range plan {
			require.Equal(t, i+1, e.Rank)
			amounts = append(amounts, e.Amount)
		}
		require.Equal(t, []int64{300000, 150000, 100000, 100000, 100000, 50000, 50000, 50000, 50000, 50000}, amounts)
		require.Equal(t, int64(1_000_000), Total(plan))
	})

	t.Run("only top ten are paid", func(t *testing.T) {
		t.Parallel()
		plan := Plan(1_000_000, candidates(25), 0)
		require.Len(t, plan, 10)
		require.Equal(t, "user10", plan[9].Handle)
	})

	t.Run("fewer candidates leave the rest unallocated", func(t *testing.T) {
		t.Parallel()
		plan := Plan(1_000_000, candidates(3), 0)
		require.Len(t, plan, 3)
		require.Equal(t, int64(550_000), Total(plan))
	})

	t.Run("amounts are floored", func(t *testing.T) {
		t.Parallel()
		plan := Plan(99, candidates(1), 0)
		require.Len(t, plan, 1)
		require.Equal(t, int64(29), plan[0].Amount)
	})

	t.Run("entries below floor are dropped not redistributed", func(t *testing.T) {
		t.Parallel()
		plan := Plan(1_000_000, candidates(10), 100_000)
		require.Len(t, plan, 5)
		require.Equal(t, int64(750_000), Total(plan))
		for _, e := range plan {
			require.GreaterOrEqual(t, e.Amount, int64(100_000))
		}
	})

	t.Run("zero amounts are never planned", func(t *testing.T) {
		t.Parallel()
		require.Empty(t, Plan(3, candidates(10), 0))
	})

	t.Run("empty inputs", func(t *testing.T) {
		t.Parallel()
		require.Empty(t, Plan(0, candidates(10), 0))
		require.Empty(t, Plan(-5, candidates(10), 0))
		require.Empty(t, Plan(1_000_000, nil, 0))
	})

	t.Run("no overflow near max pot", func(t *testing.T) {
		t.Parallel()
		plan := Plan(math.MaxInt64, candidates(10), 0)
		require.Len(t, plan, 10)
		require.LessOrEqual(t, Total(plan), int64(math.MaxInt64))
		require.Equal(t, int64(math.MaxInt64/10000*3000+(math.MaxInt64%10000)*3000/10000), plan[0].Amount)
	})

	t.Run("sum never exceeds pot", func(t *testing.T) {
		t.Parallel()
		for _, pot := range []int64{1, 7, 999, 10_001, 123_456_789, 5_000_000_000} {
			for n := 1; n <= 12; n++ {
				plan := Plan(pot, candidates(n), 0)
				require.LessOrEqual(t, Total(plan), pot)
			}
		}
	})
}

func TestShillbot_Payout_Portion(t *testing.T) {
	t.Parallel()

	t.Run("exact at basis points", func(t *testing.T) {
		t.Parallel()
		require.Equal(t, int64(29), Portion(100, 0.29))
		require.Equal(t, int64(750_000_000), Portion(1_000_000_000, 0.75))
		require.Equal(t, int64(1_000_000_000), Portion(1_000_000_000, 1))
	})

	t.Run("zero and negative inputs", func(t *testing.T) {
		t.Parallel()
		require.Zero(t, Portion(1_000_000_000, 0))
		require.Zero(t, Portion(0, 0.5))
		require.Zero(t, Portion(-5, 0.5))
	})

	t.Run("amounts beyond float precision", func(t *testing.T) {
		t.Parallel()
		require.Equal(t, int64(4611686018427387903), Portion(math.MaxInt64, 0.5))
		require.Equal(t, int64(6755399441055744), Portion(1<<53+1, 0.75))
	})
}

func TestShillbot_Payout_ToPlanEntries(t *testing.T) {
	t.Parallel()

	entries := ToPlanEntries("20250102-1400", Plan(1_000_000, candidates(2), 0))
	require.Len(t, entries, 2)
	require.Equal(t, "20250102-1400", entries[0].Scope)
	require.Equal(t, int64(300_000), entries[0].Amount)
	require.Equal(t, 0.15, entries[1].Percentage)
}
