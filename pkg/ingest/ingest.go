// Package ingest pulls posts and wallet registrations from X into the repository.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/malbeclabs/shillbot/pkg/contest"
	"github.com/malbeclabs/shillbot/pkg/metrics"
	"github.com/malbeclabs/shillbot/pkg/ratelimit"
	"github.com/malbeclabs/shillbot/pkg/sol"
	"github.com/malbeclabs/shillbot/pkg/xapi"
)

// DefaultTokenMint is matched by the shill filter when no mint is configured.
const DefaultTokenMint = "6iWeEmh5G7u8ERXBPn2y3CgKttDoDm7GDCc1368Upump"

const (
	// searchLag keeps end_time far enough in the past for the search endpoint.
	searchLag = 10 * time.Second
	// searchHorizon is how far back recent search reaches.
	searchHorizon = 7 * 24 * time.Hour
)

// fallbackWindows are tried in order until a search succeeds.
var fallbackWindows = []time.Duration{24 * time.Hour, 6 * time.Hour, time.Hour}

// Searcher runs a recent search.
type Searcher interface {
	Search(ctx context.Context, p xapi.SearchParams) ([]xapi.Tweet, error)
}

type Config struct {
	Logger   *slog.Logger
	Clock    clockwork.Clock
	Searcher Searcher
	// Repo receives posts and registrations outside a settlement.
	Repo contest.Repository

	CoinHandle      string
	CoinTicker      string
	TokenMint       string
	RegisterHashtag string

	// MaxResults caps tweets per search. Zero means xapi.MaxPageSize.
	MaxResults int
}

func (cfg *Config) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.Searcher == nil {
		return errors.New("searcher is required")
	}
	if cfg.Repo == nil {
		return errors.New("repo is required")
	}
	cfg.CoinHandle = strings.TrimPrefix(strings.TrimSpace(cfg.CoinHandle), "@")
	cfg.CoinTicker = strings.TrimPrefix(strings.TrimSpace(cfg.CoinTicker), "$")
	cfg.RegisterHashtag = strings.TrimPrefix(strings.TrimSpace(cfg.RegisterHashtag), "#")
	if cfg.CoinHandle == "" {
		return errors.New("coin handle is required")
	}
	if cfg.RegisterHashtag == "" {
		return errors.New("register hashtag is required")
	}
	if cfg.MaxResults <= 0 {
		cfg.MaxResults = xapi.MaxPageSize
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	return nil
}

type Ingestor struct {
	log       *slog.Logger
	cfg       Config
	needles   []string
	hashtagRE *regexp.Regexp
}

func New(cfg Config) (*Ingestor, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	mint := cfg.TokenMint
	if mint == "" {
		mint = DefaultTokenMint
	}
	needles := []string{"@" + strings.ToLower(cfg.CoinHandle), "$shillbot", strings.ToLower(mint)}
	if cfg.CoinTicker != "" {
		needles = append(needles, "$"+strings.ToLower(cfg.CoinTicker))
	}
	return &Ingestor{
		log:       cfg.Logger,
		cfg:       cfg,
		needles:   needles,
		hashtagRE: regexp.MustCompile(`(?i)#` + regexp.QuoteMeta(cfg.RegisterHashtag) + `\b`),
	}, nil
}

// Counts summarizes one batch.
type Counts struct {
	Fetched     int
	Matched     int
	RateLimited int
	Stored      int
	Duplicates  int
	Skipped     int
	Failed      int
}

func (c Counts) String() string {
	return fmt.Sprintf("fetched=%d matched=%d rate_limited=%d stored=%d duplicates=%d skipped=%d failed=%d",
		c.Fetched, c.Matched, c.RateLimited, c.Stored, c.Duplicates, c.Skipped, c.Failed)
}

// IsShill reports whether text promotes the coin: it mentions the coin handle, the ticker,
// $shillbot or the token mint, case-insensitively.
func (i *Ingestor) IsShill(text string) bool {
	lower := strings.ToLower(text)
	for _, n := range i.needles {
		if strings.Contains(lower, n) {
			return true
		}
	}
	return false
}

// HasHashtag reports whether text carries the registration hashtag.
func (i *Ingestor) HasHashtag(text string) bool {
	return i.hashtagRE.MatchString(text)
}

func (i *Ingestor) postQuery() string {
	return "@" + i.cfg.CoinHandle
}

// IngestPosts collects recent shill posts, trying successively shorter windows when a search
// fails, and stores them after rate limiting.
func (i *Ingestor) IngestPosts(ctx context.Context) (Counts, error) {
	end := i.cfg.Clock.Now().UTC().Truncate(time.Second).Add(-searchLag)
	oldest := end.Add(-fallbackWindows[0])

	var tweets []xapi.Tweet
	var err error
	for _, window := range fallbackWindows {
		tweets, err = i.cfg.Searcher.Search(ctx, xapi.SearchParams{
			Query:      i.postQuery(),
			StartTime:  end.Add(-window),
			EndTime:    end,
			MaxResults: i.cfg.MaxResults,
		})
		if err == nil {
			i.log.Info("ingest: pulled posts", "window", window, "tweets", len(tweets))
			break
		}
		if errors.Is(err, xapi.ErrNoToken) || ctx.Err() != nil {
			return Counts{}, err
		}
		i.log.Warn("ingest: search failed, shrinking window", "window", window, "error", err)
	}
	if err != nil {
		return Counts{}, fmt.Errorf("failed to search posts: %w", err)
	}

	counts := i.storePosts(ctx, i.cfg.Repo, tweets, oldest, end.Add(time.Second))
	i.log.Info("ingest: posts stored", "counts", counts.String())
	return counts, nil
}

// Refresh pulls posts created in [start, end) into repo. It implements the settlement
// refresher and returns a one-line summary.
func (i *Ingestor) Refresh(ctx context.Context, repo contest.Repository, start, end time.Time) (string, error) {
	now := i.cfg.Clock.Now().UTC().Truncate(time.Second)
	searchEnd := end.UTC()
	if limit := now.Add(-searchLag); searchEnd.After(limit) {
		searchEnd = limit
	}
	searchStart := start.UTC()
	if horizon := now.Add(-searchHorizon).Add(time.Minute); searchStart.Before(horizon) {
		searchStart = horizon
	}
	if !searchStart.Before(searchEnd) {
		return "refresh: window outside search range", nil
	}

	tweets, err := i.cfg.Searcher.Search(ctx, xapi.SearchParams{
		Query:      i.postQuery(),
		StartTime:  searchStart,
		EndTime:    searchEnd,
		MaxResults: i.cfg.MaxResults,
	})
	if err != nil {
		return "", fmt.Errorf("failed to search posts: %w", err)
	}
	counts := i.storePosts(ctx, repo, tweets, start.UTC(), end.UTC())
	return "refresh: " + counts.String(), nil
}

// storePosts parses, filters and stores tweets created in [from, to).
func (i *Ingestor) storePosts(ctx context.Context, repo contest.Repository, tweets []xapi.Tweet, from, to time.Time) Counts {
	counts := Counts{Fetched: len(tweets)}

	seen := make(map[string]struct{}, len(tweets))
	var matched []contest.Post
	for _, t := range tweets {
		p, err := xapi.Parse(t)
		if err != nil {
			i.log.Warn("ingest: skipping malformed tweet", "id", t.ID, "error", err)
			counts.Skipped++
			continue
		}
		if _, ok := seen[p.ID]; ok {
			continue
		}
		seen[p.ID] = struct{}{}
		if p.CreatedAt.Before(from) || !p.CreatedAt.Before(to) || !i.IsShill(p.Text) {
			continue
		}
		matched = append(matched, p)
	}
	counts.Matched = len(matched)

	kept := ratelimit.Apply(matched)
	counts.RateLimited = len(matched) - len(kept)

	for _, p := range kept {
		res, err := repo.InsertPost(ctx, p)
		switch {
		case err != nil:
			i.log.Warn("ingest: failed to store post", "id", p.ID, "error", err)
			counts.Failed++
			metrics.IngestedPostsTotal.WithLabelValues("post", "failed").Inc()
		case res == contest.Duplicate:
			counts.Duplicates++
			metrics.IngestedPostsTotal.WithLabelValues("post", "duplicate").Inc()
		default:
			counts.Stored++
			metrics.IngestedPostsTotal.WithLabelValues("post", "stored").Inc()
		}
	}
	return counts
}

// IngestRegistrations scrapes registration posts and upserts one registration per post. A post
// without a recognizable wallet registers contest.NoWallet.
func (i *Ingestor) IngestRegistrations(ctx context.Context) (Counts, error) {
	tweets, err := i.cfg.Searcher.Search(ctx, xapi.SearchParams{
		Query:      "#" + i.cfg.RegisterHashtag + " -is:retweet",
		MaxResults: i.cfg.MaxResults,
	})
	if err != nil {
		return Counts{}, fmt.Errorf("failed to search registrations: %w", err)
	}

	counts := Counts{Fetched: len(tweets)}
	for _, t := range tweets {
		p, err := xapi.Parse(t)
		if err != nil {
			i.log.Warn("ingest: skipping malformed registration", "id", t.ID, "error", err)
			counts.Skipped++
			continue
		}
		if !i.HasHashtag(p.Text) {
			continue
		}
		counts.Matched++

		wallet, ok := sol.FindAddress(p.Text)
		if !ok {
			wallet = contest.NoWallet
		}
		reg := contest.Registration{Handle: p.Handle, Wallet: wallet, RegisteredAt: p.CreatedAt}
		if err := i.cfg.Repo.UpsertRegistration(ctx, reg); err != nil {
			i.log.Warn("ingest: failed to store registration", "handle", p.Handle, "error", err)
			counts.Failed++
			metrics.IngestedPostsTotal.WithLabelValues("registration", "failed").Inc()
			continue
		}
		counts.Stored++
		metrics.IngestedPostsTotal.WithLabelValues("registration", "stored").Inc()
	}
	i.log.Info("ingest: registrations stored", "counts", counts.String())
	return counts, nil
}
