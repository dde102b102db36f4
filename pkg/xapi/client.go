// Package xapi is a client for the X API v2 recent search endpoint.
package xapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/malbeclabs/shillbot/pkg/metrics"
	"github.com/malbeclabs/shillbot/utils/pkg/retry"
	"golang.org/x/time/rate"
)

const (
	DefaultBaseURL = "https://api.twitter.com/2"

	// MaxPageSize is the largest max_results the search endpoint accepts.
	MaxPageSize = 100

	// defaultRetryAfter is assumed when a 429 carries no Retry-After header.
	defaultRetryAfter = 15 * time.Minute

	tweetFields = "id,text,created_at,author_id,public_metrics,attachments,referenced_tweets"
)

// ErrNoToken is returned by Search when no bearer token is configured.
var ErrNoToken = errors.New("x api bearer token is not configured")

type Config struct {
	Logger      *slog.Logger
	BaseURL     string
	BearerToken string
	HTTPClient  *http.Client

	// RequestsPerSecond paces outgoing requests. Zero means 1.
	RequestsPerSecond float64
	Retry             retry.Config
}

func (cfg *Config) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: 30 * time.Second}
	}
	if cfg.RequestsPerSecond < 0 {
		return errors.New("requests per second must not be negative")
	}
	if cfg.RequestsPerSecond == 0 {
		cfg.RequestsPerSecond = 1
	}
	if cfg.Retry.MaxAttempts == 0 {
		cfg.Retry = retry.DefaultConfig()
	}
	return nil
}

type Client struct {
	log     *slog.Logger
	cfg     Config
	limiter *rate.Limiter
}

func New(cfg Config) (*Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Client{
		log:     cfg.Logger,
		cfg:     cfg,
		limiter: rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), 1),
	}, nil
}

// Enabled reports whether a bearer token is configured.
func (c *Client) Enabled() bool {
	return c.cfg.BearerToken != ""
}

// StatusError is a non-2xx API response.
type StatusError struct {
	Code       int
	Body       string
	retryAfter time.Duration
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("x api returned status %d: %s", e.Code, e.Body)
}

func (e *StatusError) StatusCode() int {
	return e.Code
}

func (e *StatusError) RetryAfter() time.Duration {
	return e.retryAfter
}

// SearchParams selects tweets for a recent search. Zero times are omitted.
type SearchParams struct {
	Query      string
	StartTime  time.Time
	EndTime    time.Time
	SinceID    string
	MaxResults int
}

// Search pages through recent search results until MaxResults tweets are collected or the
// results run out. A failure on the first page is returned; a failure on a later page ends the
// search with the tweets collected so far.
func (c *Client) Search(ctx context.Context, p SearchParams) ([]Tweet, error) {
	if !c.Enabled() {
		return nil, ErrNoToken
	}
	if p.MaxResults <= 0 {
		p.MaxResults = MaxPageSize
	}

	params := url.Values{}
	params.Set("query", p.Query)
	params.Set("max_results", strconv.Itoa(min(max(p.MaxResults, 10), MaxPageSize)))
	params.Set("tweet.fields", tweetFields)
	params.Set("user.fields", "id,username,name")
	params.Set("media.fields", "media_key,type")
	params.Set("expansions", "author_id,attachments.media_keys")
	if !p.StartTime.IsZero() {
		params.Set("start_time", p.StartTime.UTC().Format(time.RFC3339))
	}
	if !p.EndTime.IsZero() {
		params.Set("end_time", p.EndTime.UTC().Format(time.RFC3339))
	}
	if p.SinceID != "" {
		params.Set("since_id", p.SinceID)
	}

	var out []Tweet
	nextToken := ""
	for page := 0; len(out) < p.MaxResults; page++ {
		if nextToken != "" {
			params.Set("next_token", nextToken)
		}
		resp, err := c.searchPage(ctx, params)
		if err != nil {
			if page == 0 {
				return nil, err
			}
			c.log.Warn("xapi: pagination stopped", "page", page, "collected", len(out), "error", err)
			break
		}
		if len(resp.Data) == 0 {
			break
		}
		out = append(out, resp.merge()...)
		nextToken = resp.Meta.NextToken
		if nextToken == "" {
			break
		}
	}
	if len(out) > p.MaxResults {
		out = out[:p.MaxResults]
	}
	return out, nil
}

func (c *Client) searchPage(ctx context.Context, params url.Values) (*searchResponse, error) {
	u := c.cfg.BaseURL + "/tweets/search/recent?" + params.Encode()

	var resp searchResponse
	err := retry.Do(ctx, c.cfg.Retry, func() error {
		if err := c.limiter.Wait(ctx); err != nil {
			return err
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
		if err != nil {
			return err
		}
		req.Header.Set("Authorization", "Bearer "+c.cfg.BearerToken)

		res, err := c.cfg.HTTPClient.Do(req)
		if err != nil {
			metrics.XAPIRequestsTotal.WithLabelValues("error").Inc()
			return fmt.Errorf("x api request failed: %w", err)
		}
		defer res.Body.Close()

		body, err := io.ReadAll(io.LimitReader(res.Body, 4<<20))
		if err != nil {
			return fmt.Errorf("failed to read x api response: %w", err)
		}
		metrics.XAPIRequestsTotal.WithLabelValues(strconv.Itoa(res.StatusCode)).Inc()

		if res.StatusCode >= 400 {
			serr := &StatusError{Code: res.StatusCode, Body: truncate(string(body), 2000)}
			if res.StatusCode == http.StatusTooManyRequests {
				serr.retryAfter = parseRetryAfter(res.Header.Get("Retry-After"))
				c.log.Warn("xapi: rate limited", "retry_after", serr.retryAfter)
			} else {
				c.log.Error("xapi: request failed", "status", res.StatusCode, "body", serr.Body)
			}
			return serr
		}

		resp = searchResponse{}
		if err := json.Unmarshal(body, &resp); err != nil {
			return fmt.Errorf("x api returned invalid JSON (status %d): %s", res.StatusCode, truncate(string(body), 200))
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &resp, nil
}

func parseRetryAfter(v string) time.Duration {
	if secs, err := strconv.Atoi(strings.TrimSpace(v)); err == nil && secs >= 0 {
		return time.Duration(secs) * time.Second
	}
	return defaultRetryAfter
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
