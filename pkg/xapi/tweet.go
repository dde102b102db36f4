package xapi

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/malbeclabs/shillbot/pkg/contest"
)

type User struct {
	ID       string `json:"id"`
	Username string `json:"username"`
	Name     string `json:"name"`
}

type Media struct {
	Key  string `json:"media_key"`
	Type string `json:"type"`
}

type PublicMetrics struct {
	Likes       int64 `json:"like_count"`
	Retweets    int64 `json:"retweet_count"`
	Replies     int64 `json:"reply_count"`
	Quotes      int64 `json:"quote_count"`
	Impressions int64 `json:"impression_count"`
}

type ReferencedTweet struct {
	Type string `json:"type"`
	ID   string `json:"id"`
}

type NonPublicMetrics struct {
	Impressions int64 `json:"impression_count"`
}

type Attachments struct {
	MediaKeys []string `json:"media_keys"`
}

// Tweet is a raw search result with its expansions resolved.
type Tweet struct {
	ID               string            `json:"id"`
	Text             string            `json:"text"`
	CreatedAt        string            `json:"created_at"`
	AuthorID         string            `json:"author_id"`
	PublicMetrics    PublicMetrics     `json:"public_metrics"`
	NonPublicMetrics *NonPublicMetrics `json:"non_public_metrics,omitempty"`
	Attachments      Attachments       `json:"attachments"`
	ReferencedTweets []ReferencedTweet `json:"referenced_tweets"`

	Author *User   `json:"-"`
	Media  []Media `json:"-"`
}

type searchResponse struct {
	Data     []Tweet `json:"data"`
	Includes struct {
		Users []User  `json:"users"`
		Media []Media `json:"media"`
	} `json:"includes"`
	Meta struct {
		NextToken   string `json:"next_token"`
		ResultCount int    `json:"result_count"`
	} `json:"meta"`
}

// merge attaches included users and media to their tweets.
func (r *searchResponse) merge() []Tweet {
	users := make(map[string]*User, len(r.Includes.Users))
	for i := range r.Includes.Users {
		users[r.Includes.Users[i].ID] = &r.Includes.Users[i]
	}
	media := make(map[string]Media, len(r.Includes.Media))
	for _, m := range r.Includes.Media {
		media[m.Key] = m
	}

	out := make([]Tweet, 0, len(r.Data))
	for _, t := range r.Data {
		t.Author = users[t.AuthorID]
		for _, key := range t.Attachments.MediaKeys {
			if m, ok := media[key]; ok {
				t.Media = append(t.Media, m)
			}
		}
		out = append(out, t)
	}
	return out
}

var (
	ErrMissingID     = errors.New("tweet has no id")
	ErrMissingAuthor = errors.New("tweet has no author handle")
	ErrBadTimestamp  = errors.New("tweet has a malformed created_at")
)

var retweetPrefix = regexp.MustCompile(`(?i)^rt\s+@\w+(:\s*|\s+)`)

// minOriginalText is the length a reshare's text must exceed, after its "RT @user:" prefix, to
// count as carrying original text.
const minOriginalText = 20

// Parse converts a tweet into a post. Negative counters are clamped to zero.
func Parse(t Tweet) (contest.Post, error) {
	if t.ID == "" {
		return contest.Post{}, ErrMissingID
	}
	if t.Author == nil || strings.TrimPrefix(t.Author.Username, "@") == "" {
		return contest.Post{}, fmt.Errorf("%w: %s", ErrMissingAuthor, t.ID)
	}
	createdAt, err := time.Parse(time.RFC3339, t.CreatedAt)
	if err != nil {
		return contest.Post{}, fmt.Errorf("%w: %s: %q", ErrBadTimestamp, t.ID, t.CreatedAt)
	}

	p := contest.Post{
		ID:        t.ID,
		Handle:    strings.TrimPrefix(t.Author.Username, "@"),
		CreatedAt: createdAt.UTC(),
		Text:      t.Text,
		Likes:     max(t.PublicMetrics.Likes, 0),
		Reshares:  max(t.PublicMetrics.Retweets, 0),
		Quotes:    max(t.PublicMetrics.Quotes, 0),
		Replies:   max(t.PublicMetrics.Replies, 0),
	}

	views := int64(0)
	if t.NonPublicMetrics != nil {
		views = t.NonPublicMetrics.Impressions
	}
	if views <= 0 {
		views = t.PublicMetrics.Impressions
	}
	p.Views = max(views, 0)

	for _, ref := range t.ReferencedTweets {
		switch ref.Type {
		case "retweeted":
			p.IsReshare = true
		case "quoted":
			p.IsQuote = true
		}
	}
	switch {
	case p.IsQuote:
		p.HasOriginalText = true
	case p.IsReshare:
		rest := retweetPrefix.ReplaceAllString(strings.TrimSpace(t.Text), "")
		p.HasOriginalText = len(strings.TrimSpace(rest)) > minOriginalText
	}

	if len(t.Attachments.MediaKeys) > 0 {
		p.HasMedia = true
		p.MediaKind = mediaKind(t.Media)
	}
	return p, nil
}

// mediaKind picks the richest attached media kind. Attachments without resolved media count as
// images.
func mediaKind(media []Media) contest.MediaKind {
	kind := contest.MediaImage
	for _, m := range media {
		switch m.Type {
		case "video":
			return contest.MediaVideo
		case "animated_gif":
			kind = contest.MediaAnimatedGIF
		}
	}
	return kind
}
