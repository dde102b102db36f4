// Package scoring rates posts by originality, media and diminishing-returns engagement, and
// picks the best post of every author.
package scoring

import (
	"math"

	"github.com/malbeclabs/shillbot/pkg/contest"
)

const (
	MinScore = 1.0
	MaxScore = 10.0
)

// Base scores by post category, strictly increasing with originality.
const (
	BaseReshare         = 1.0
	BaseReshareWithText = 1.5
	BaseOriginal        = 2.0
	BaseQuote           = 2.5
)

type engagement struct {
	weight float64
	cap    float64
}

var (
	likesBonus    = engagement{weight: 0.5, cap: 3.0}
	repliesBonus  = engagement{weight: 0.3, cap: 2.0}
	quotesBonus   = engagement{weight: 0.4, cap: 2.0}
	resharesBonus = engagement{weight: 1.0, cap: 3.0}
	viewsBonus    = engagement{weight: 0.1, cap: 1.0}
)

func (e engagement) of(n int64) float64 {
	if n <= 0 {
		return 0
	}
	return math.Min(math.Log1p(float64(n))*e.weight, e.cap)
}

// Base returns the category score of a post.
func Base(p contest.Post) float64 {
	switch {
	case p.IsQuote:
		return BaseQuote
	case p.IsReshare && p.HasOriginalText:
		return BaseReshareWithText
	case p.IsReshare:
		return BaseReshare
	default:
		return BaseOriginal
	}
}

// MediaBonus returns the bonus for attached media. Media of an unrecognized kind gets the image
// bonus.
func MediaBonus(p contest.Post) float64 {
	if !p.HasMedia {
		return 0
	}
	switch p.MediaKind {
	case contest.MediaVideo, contest.MediaAnimatedGIF:
		return 1.5
	case contest.MediaGIF:
		return 1.0
	default:
		return 0.5
	}
}

// Score returns the clamped score of a single post. Counters are expected to be non-negative.
func Score(p contest.Post) float64 {
	s := Base(p) + MediaBonus(p) +
		likesBonus.of(p.Likes) +
		repliesBonus.of(p.Replies) +
		quotesBonus.of(p.Quotes) +
		resharesBonus.of(p.Reshares) +
		viewsBonus.of(p.Views)
	return math.Max(MinScore, math.Min(s, MaxScore))
}

// AuthorScore is the best score of one author and the post that produced it.
type AuthorScore struct {
	Handle string
	PostID string
	Score  float64
}

// Result is the outcome of a scoring pass.
type Result struct {
	// Authors in order of first appearance in the input.
	Authors []AuthorScore
	index   map[string]int
}

// Lookup returns the best score of handle, matching case-insensitively.
func (r Result) Lookup(handle string) (AuthorScore, bool) {
	i, ok := r.index[contest.NormalizeHandle(handle)]
	if !ok {
		return AuthorScore{}, false
	}
	return r.Authors[i], true
}

func (r Result) Len() int {
	return len(r.Authors)
}

// BestPerAuthor scores every post and keeps the single best post per author. A later post only
// replaces the current best when it scores strictly higher.
func BestPerAuthor(posts []contest.Post) Result {
	res := Result{index: make(map[string]int)}
	for _, p := range posts {
		key := contest.NormalizeHandle(p.Handle)
		s := Score(p)
		i, ok := res.index[key]
		if !ok {
			res.index[key] = len(res.Authors)
			res.Authors = append(res.Authors, AuthorScore{Handle: p.Handle, PostID: p.ID, Score: s})
			continue
		}
		if s > res.Authors[i].Score {
			res.Authors[i].PostID = p.ID
			res.Authors[i].Score = s
		}
	}
	return res
}
