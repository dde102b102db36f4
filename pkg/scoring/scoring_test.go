package scoring

import (
	"math"
	"testing"

	"github.com/malbeclabs/shillbot/pkg/contest"
	"github.com/stretchr/testify/require"
)

func TestShillbot_Scoring_Base(t *testing.T) {
	t.Parallel()

	reshare := Base(contest.Post{IsReshare: true})
	reshareText := Base(contest.Post{IsReshare: true, HasOriginalText: true})
	original := Base(contest.Post{HasOriginalText: true})
	quote := Base(contest.Post{IsQuote: true, HasOriginalText: true})

	require.Less(t, reshare, reshareText)
	require.Less(t, reshareText, original)
	require.Less(t, original, quote)
}

func TestShillbot_Scoring_MediaBonus(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		post contest.Post
		want float64
	}{
		{"none", contest.Post{}, 0},
		{"kind without flag", contest.Post{MediaKind: contest.MediaVideo}, 0},
		{"image", contest.Post{HasMedia: true, MediaKind: contest.MediaImage}, 0.5},
		{"gif", contest.Post{HasMedia: true, MediaKind: contest.MediaGIF}, 1.0},
		{"video", contest.Post{HasMedia: true, MediaKind: contest.MediaVideo}, 1.5},
		{"animated gif", contest.Post{HasMedia: true, MediaKind: contest.MediaAnimatedGIF}, 1.5},
		{"unknown", contest.Post{HasMedia: true, MediaKind: "hologram"}, 0.5},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			require.Equal(t, tt.want, MediaBonus(tt.post))
		})
	}
}

func TestShillbot_Scoring_Score(t *testing.T) {
	t.Parallel()

	t.Run("bare original scores its base", func(t *testing.T) {
		t.Parallel()
		require.Equal(t, BaseOriginal, Score(contest.Post{}))
	})

	t.Run("bare reshare is clamped to minimum", func(t *testing.T) {
		t.Parallel()
		require.Equal(t, MinScore, Score(contest.Post{IsReshare: true}))
	})

	t.Run("huge engagement is clamped to maximum", func(t *testing.T) {
		t.Parallel()
		p := contest.Post{
			IsQuote: true, HasMedia: true, MediaKind: contest.MediaVideo,
			Likes: math.MaxInt32, Replies: math.MaxInt32, Quotes: math.MaxInt32,
			Reshares: math.MaxInt32, Views: math.MaxInt32,
		}
		require.Equal(t, MaxScore, Score(p))
	})

	t.Run("engagement bonus follows log1p with caps", func(t *testing.T) {
		t.Parallel()
		p := contest.Post{Likes: 10}
		require.InDelta(t, BaseOriginal+math.Log1p(10)*0.5, Score(p), 1e-9)

		p = contest.Post{Views: 1_000_000_000}
		require.InDelta(t, BaseOriginal+1.0, Score(p), 1e-9)
	})

	t.Run("monotone in each counter", func(t *testing.T) {
		t.Parallel()
		setters := map[string]func(*contest.Post, int64){
			"likes":    func(p *contest.Post, n int64) { p.Likes = n },
			"replies":  func(p *contest.Post, n int64) { p.Replies = n },
			"quotes":   func(p *contest.Post, n int64) { p.Quotes = n },
			"reshares": func(p *contest.Post, n int64) { p.Reshares = n },
			"views":    func(p *contest.Post, n int64) { p.Views = n },
		}
		for name, set := range setters {
			prev := 0.0
			for _, n := range []int64{0, 1, 2, 5, 10, 100, 1000, 1_000_000} {
				var p contest.Post
				set(&p, n)
				s := Score(p)
				require.GreaterOrEqual(t, s, prev, "%s=%d", name, n)
				require.GreaterOrEqual(t, s, MinScore)
				require.LessOrEqual(t, s, MaxScore)
				prev = s
			}
		}
	})
}

func TestShillbot_Scoring_BestPerAuthor(t *testing.T) {
	t.Parallel()

	t.Run("keeps highest scoring post", func(t *testing.T) {
		t.Parallel()
		res := BestPerAuthor([]contest.Post{
			{ID: "t1", Handle: "alice", Likes: 1},
			{ID: "t2", Handle: "alice", Likes: 50},
			{ID: "t3", Handle: "bob"},
		})
		require.Equal(t, 2, res.Len())
		a, ok := res.Lookup("ALICE")
		require.True(t, ok)
		require.Equal(t, "t2", a.PostID)
		require.Equal(t, Score(contest.Post{Likes: 50}), a.Score)
	})

	t.Run("first post wins ties", func(t *testing.T) {
		t.Parallel()
		res := BestPerAuthor([]contest.Post{
			{ID: "first", Handle: "alice"},
			{ID: "second", Handle: "alice"},
		})
		a, _ := res.Lookup("alice")
		require.Equal(t, "first", a.PostID)
	})

	t.Run("authors in first seen order", func(t *testing.T) {
		t.Parallel()
		res := BestPerAuthor([]contest.Post{
			{ID: "1", Handle: "carol"},
			{ID: "2", Handle: "alice"},
			{ID: "3", Handle: "carol", Likes: 9},
		})
		require.Equal(t, []string{"carol", "alice"}, []string{res.Authors[0].Handle, res.Authors[1].Handle})
	})

	t.Run("unknown handle", func(t *testing.T) {
		t.Parallel()
		_, ok := BestPerAuthor(nil).Lookup("nobody")
		require.False(t, ok)
	})
}
