// Package config builds the immutable settings of a shillbot run from .env, an optional YAML
// file and SHILLBOT_* environment variables.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"math"
	"os"
	"strconv"
	"strings"
	"time"
	_ "time/tzdata" // Embed zone data for hosts without it

	"github.com/joho/godotenv"
	"github.com/malbeclabs/shillbot/pkg/contest"
	"github.com/malbeclabs/shillbot/pkg/eligibility"
	"github.com/malbeclabs/shillbot/pkg/settlement"
	"github.com/malbeclabs/shillbot/pkg/sol"
	"gopkg.in/yaml.v3"
)

// ErrInvalid wraps every validation failure.
var ErrInvalid = errors.New("invalid configuration")

const (
	ConfigPathEnv = "SHILLBOT_CONFIG"

	defaultTimezone   = "America/Chicago"
	defaultCloseTimes = "14:00,23:00"
)

type PostgresConfig struct {
	Host     string `yaml:"host"`
	Port     string `yaml:"port"`
	Database string `yaml:"database"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	SSLMode  string `yaml:"sslmode"`
}

// ConnString returns a postgres:// URL.
func (c PostgresConfig) ConnString() string {
	sslMode := c.SSLMode
	if sslMode == "" {
		sslMode = "disable"
	}
	return fmt.Sprintf(
		"postgres://%s:%s@%s:%s/%s?sslmode=%s",
		c.Username, c.Password, c.Host, c.Port, c.Database, sslMode,
	)
}

func (c PostgresConfig) validate() error {
	if c.Database == "" {
		return errors.New("POSTGRES_DB is required")
	}
	if c.Username == "" {
		return errors.New("POSTGRES_USER is required")
	}
	return nil
}

// Settings is built once per process and passed by value to constructors.
type Settings struct {
	Timezone   string   `yaml:"timezone"`
	CloseTimes []string `yaml:"close_times"`

	Postgres  PostgresConfig `yaml:"postgres"`
	PublicDir string         `yaml:"public_dir"`

	XBearerToken  string  `yaml:"x_bearer_token"`
	XAPIBaseURL   string  `yaml:"x_api_base_url"`
	XRequestsPerS float64 `yaml:"x_requests_per_second"`

	CoinHandle      string  `yaml:"coin_handle"`
	CoinTicker      string  `yaml:"coin_ticker"`
	RegisterHashtag string  `yaml:"register_hashtag"`
	TokenMint       string  `yaml:"token_mint"`
	MinTokenAmount  float64 `yaml:"min_token_amount"`

	PotShare       float64 `yaml:"pot_share"`
	MarketingShare float64 `yaml:"marketing_share"`
	DevShare       float64 `yaml:"dev_share"`
	GasReserveSOL  float64 `yaml:"gas_reserve_sol"`
	MinPayoutSOL   float64 `yaml:"min_payout_sol"`
	TopN           int     `yaml:"top_n"`

	RPCURL              string `yaml:"rpc_url"`
	TreasuryPubkey      string `yaml:"treasury_pubkey"`
	TreasuryKeypairPath string `yaml:"treasury_keypair_path"`
	MarketingWallet     string `yaml:"marketing_wallet"`
	DevWallet           string `yaml:"dev_wallet"`

	DryRun           bool     `yaml:"dry_run"`
	MockFeesSOL      *float64 `yaml:"mock_fees_sol"`
	Insiders         []string `yaml:"insiders"`
	MaxPayoutsPerRun int      `yaml:"max_payouts_per_run"`

	S3Bucket        string `yaml:"s3_bucket"`
	S3Prefix        string `yaml:"s3_prefix"`
	SlackWebhookURL string `yaml:"slack_webhook_url"`
	HTTPAddr        string `yaml:"http_addr"`
	SentryDSN       string `yaml:"sentry_dsn"`

	schedule settlement.Schedule
}

// Defaults returns the settings used when nothing is configured.
func Defaults() Settings {
	closeTimes := strings.Split(defaultCloseTimes, ",")
	return Settings{
		Timezone:   defaultTimezone,
		CloseTimes: closeTimes,
		Postgres: PostgresConfig{
			Host:    "localhost",
			Port:    "5432",
			SSLMode: "disable",
		},
		PublicDir:           "public",
		XAPIBaseURL:         "https://api.twitter.com/2",
		XRequestsPerS:       1,
		CoinHandle:          "shootercoinsol",
		CoinTicker:          "SHOOTER",
		RegisterHashtag:     "shillbotregister",
		PotShare:            0.75,
		MarketingShare:      0.15,
		DevShare:            0.10,
		GasReserveSOL:       0.1,
		MinPayoutSOL:        0.001,
		TopN:                20,
		RPCURL:              sol.DefaultRPCURL,
		TreasuryKeypairPath: "reward_wallet.json",
		Insiders:            append([]string(nil), eligibility.DefaultInsiders...),
		MaxPayoutsPerRun:    25,
		HTTPAddr:            ":8080",
	}
}

// Load reads .env (when present), then the YAML file named by SHILLBOT_CONFIG, then the
// process environment, and validates the result.
func Load() (Settings, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return Settings{}, fmt.Errorf("failed to load .env: %w", err)
	}
	return FromEnv(os.LookupEnv)
}

// FromEnv builds settings from lookup, reading the YAML file it names if any.
func FromEnv(lookup func(string) (string, bool)) (Settings, error) {
	s := Defaults()

	if path, ok := lookup(ConfigPathEnv); ok && path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return Settings{}, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
		if err := yaml.Unmarshal(raw, &s); err != nil {
			return Settings{}, fmt.Errorf("%w: failed to parse %s: %v", ErrInvalid, path, err)
		}
	}

	if err := s.applyEnv(lookup); err != nil {
		return Settings{}, err
	}
	s.normalize()
	if err := s.Validate(); err != nil {
		return Settings{}, err
	}
	return s, nil
}

func (s *Settings) applyEnv(lookup func(string) (string, bool)) error {
	str := func(name string, dst *string) {
		if v, ok := lookup(name); ok && strings.TrimSpace(v) != "" {
			*dst = strings.TrimSpace(v)
		}
	}
	var errs []error
	float := func(name string, dst *float64) {
		if v, ok := lookup(name); ok && strings.TrimSpace(v) != "" {
			f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", name, err))
				return
			}
			*dst = f
		}
	}
	integer := func(name string, dst *int) {
		if v, ok := lookup(name); ok && strings.TrimSpace(v) != "" {
			n, err := strconv.Atoi(strings.TrimSpace(v))
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", name, err))
				return
			}
			*dst = n
		}
	}

	str("SHILLBOT_TIMEZONE", &s.Timezone)
	if v, ok := lookup("SHILLBOT_CLOSE_TIMES"); ok && strings.TrimSpace(v) != "" {
		s.CloseTimes = splitCSV(v)
	}
	if v, ok := lookup("SHILLBOT_INSIDERS"); ok && strings.TrimSpace(v) != "" {
		s.Insiders = splitCSV(v)
	}

	str("POSTGRES_HOST", &s.Postgres.Host)
	str("POSTGRES_PORT", &s.Postgres.Port)
	str("POSTGRES_DB", &s.Postgres.Database)
	str("POSTGRES_USER", &s.Postgres.Username)
	str("POSTGRES_PASSWORD", &s.Postgres.Password)
	str("POSTGRES_SSLMODE", &s.Postgres.SSLMode)

	str("SHILLBOT_PUBLIC_DIR", &s.PublicDir)
	str("SHILLBOT_X_API_BEARER_TOKEN", &s.XBearerToken)
	str("SHILLBOT_X_API_BASE_URL", &s.XAPIBaseURL)
	float("SHILLBOT_X_REQUESTS_PER_SECOND", &s.XRequestsPerS)

	str("SHILLBOT_COIN_HANDLE", &s.CoinHandle)
	str("SHILLBOT_COIN_TICKER", &s.CoinTicker)
	str("SHILLBOT_REGISTER_HASHTAG", &s.RegisterHashtag)
	str("SHILLBOT_TOKEN_MINT", &s.TokenMint)
	float("SHILLBOT_MIN_TOKEN_AMOUNT", &s.MinTokenAmount)

	float("SHILLBOT_POT_SHARE", &s.PotShare)
	float("SHILLBOT_MARKETING_SHARE", &s.MarketingShare)
	float("SHILLBOT_DEV_SHARE", &s.DevShare)
	float("SHILLBOT_GAS_RESERVE_SOL", &s.GasReserveSOL)
	float("SHILLBOT_MIN_PAYOUT_SOL", &s.MinPayoutSOL)
	integer("SHILLBOT_TOP_N", &s.TopN)

	str("SHILLBOT_RPC_URL", &s.RPCURL)
	str("SHILLBOT_TREASURY_PUBKEY", &s.TreasuryPubkey)
	str("SHILLBOT_TREASURY_KEYPAIR_PATH", &s.TreasuryKeypairPath)
	str("SHILLBOT_MARKETING_WALLET", &s.MarketingWallet)
	str("SHILLBOT_DEV_WALLET", &s.DevWallet)

	if v, ok := lookup("SHILLBOT_DRY_RUN"); ok && strings.TrimSpace(v) != "" {
		s.DryRun = parseBool(v)
	}
	// Invalid or negative mock fees are ignored.
	if v, ok := lookup("SHILLBOT_MOCK_FEES_SOL"); ok && strings.TrimSpace(v) != "" {
		if f, err := strconv.ParseFloat(strings.TrimSpace(v), 64); err == nil && f >= 0 {
			s.MockFeesSOL = &f
		}
	}
	integer("SHILLBOT_MAX_PAYOUTS_PER_CLOSE", &s.MaxPayoutsPerRun)

	str("SHILLBOT_S3_BUCKET", &s.S3Bucket)
	str("SHILLBOT_S3_PREFIX", &s.S3Prefix)
	str("SHILLBOT_SLACK_WEBHOOK_URL", &s.SlackWebhookURL)
	str("SHILLBOT_HTTP_ADDR", &s.HTTPAddr)
	str("SENTRY_DSN", &s.SentryDSN)

	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", ErrInvalid, errors.Join(errs...))
	}
	return nil
}

func (s *Settings) normalize() {
	s.CoinHandle = strings.TrimPrefix(s.CoinHandle, "@")
	s.CoinTicker = strings.TrimPrefix(s.CoinTicker, "$")
	s.RegisterHashtag = strings.TrimPrefix(s.RegisterHashtag, "#")
	s.XAPIBaseURL = strings.TrimRight(s.XAPIBaseURL, "/")
	if s.MockFeesSOL != nil && *s.MockFeesSOL < 0 {
		s.MockFeesSOL = nil
	}
}

// Validate checks the settings and resolves the close schedule.
func (s *Settings) Validate() error {
	invalid := func(format string, args ...any) error {
		return fmt.Errorf("%w: %s", ErrInvalid, fmt.Sprintf(format, args...))
	}

	loc, err := time.LoadLocation(s.Timezone)
	if err != nil {
		return invalid("unknown timezone %q", s.Timezone)
	}
	if len(s.CloseTimes) == 0 {
		return invalid("close times must not be empty")
	}
	closeTimes, err := settlement.ParseCloseTimes(strings.Join(s.CloseTimes, ","))
	if err != nil {
		return invalid("close times: %v", err)
	}
	s.schedule = settlement.Schedule{Location: loc, CloseTimes: closeTimes}
	if err := s.schedule.Validate(); err != nil {
		return invalid("schedule: %v", err)
	}

	for name, v := range map[string]float64{
		"pot share":       s.PotShare,
		"marketing share": s.MarketingShare,
		"dev share":       s.DevShare,
	} {
		if v < 0 || v > 1 {
			return invalid("%s must be between 0 and 1, got %v", name, v)
		}
	}
	if sum := s.PotShare + s.MarketingShare + s.DevShare; math.Abs(sum-1) > 1e-9 {
		return invalid("pot, marketing and dev shares must sum to 1.0, got %v", sum)
	}
	if s.GasReserveSOL < 0 {
		return invalid("gas reserve must not be negative")
	}
	if s.MinPayoutSOL < 0 {
		return invalid("min payout must not be negative")
	}
	if s.MinTokenAmount < 0 {
		return invalid("min token amount must not be negative")
	}
	if s.TopN <= 0 {
		return invalid("top n must be greater than 0")
	}
	if s.MaxPayoutsPerRun < 0 {
		return invalid("max payouts per run must not be negative")
	}
	if s.XRequestsPerS <= 0 {
		return invalid("x requests per second must be greater than 0")
	}

	if err := sol.ValidateRPCURL(s.RPCURL); err != nil {
		return invalid("%v", err)
	}
	for name, addr := range map[string]string{
		"treasury pubkey":  s.TreasuryPubkey,
		"token mint":       s.TokenMint,
		"marketing wallet": s.MarketingWallet,
		"dev wallet":       s.DevWallet,
	} {
		if addr == "" {
			continue
		}
		if err := sol.ValidateAddress(addr); err != nil {
			return invalid("%s: %v", name, err)
		}
	}
	return nil
}

// ValidateDatabase checks the Postgres settings; only commands that touch storage need them.
func (s Settings) ValidateDatabase() error {
	if err := s.Postgres.validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	return nil
}

// Schedule returns the validated close schedule.
func (s Settings) Schedule() settlement.Schedule {
	return s.schedule
}

func (s Settings) Location() *time.Location {
	return s.schedule.Location
}

func (s Settings) GasReserve() int64 {
	return contest.SOLToLamports(s.GasReserveSOL)
}

func (s Settings) MinPayout() int64 {
	return contest.SOLToLamports(s.MinPayoutSOL)
}

// MockFees returns the configured mock fees in lamports, or nil.
func (s Settings) MockFees() *int64 {
	if s.MockFeesSOL == nil {
		return nil
	}
	v := contest.SOLToLamports(*s.MockFeesSOL)
	return &v
}

// InsiderSet returns the normalized insider handles, or nil when none are configured.
func (s Settings) InsiderSet() map[string]struct{} {
	if len(s.Insiders) == 0 {
		return nil
	}
	return eligibility.HandleSet(s.Insiders...)
}

func splitCSV(v string) []string {
	var out []string
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func parseBool(v string) bool {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "1", "true", "yes", "y":
		return true
	}
	return false
}
