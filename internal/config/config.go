// Package config loads the tracking engine's environment-driven
// configuration, matching the option table of the specification.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

// Config holds every recognized environment option.
type Config struct {
	// Queue / dispatcher
	MinTimeBetweenJobsMS int `envconfig:"MIN_TIME_BETWEEN_JOBS_MS" default:"300000"`
	MaxBackoffMS         int `envconfig:"MAX_BACKOFF_MS" default:"1800000"`

	// Scheduler
	DailyCronSchedule   string `envconfig:"DAILY_CRON_SCHEDULE" default:"15 2 * * *"`
	RefreshCronSchedule string `envconfig:"REFRESH_CRON_SCHEDULE"`
	TZ                  string `envconfig:"TZ" default:"Asia/Kolkata"`

	// Instagram credentials
	InstagramCookies     string `envconfig:"INSTAGRAM_COOKIES"`
	InstagramCookiesJSON string `envconfig:"INSTAGRAM_COOKIES_JSON"`

	// Twitter credentials
	TwitterCookies     string `envconfig:"TWITTER_COOKIES"`
	TwitterCookiesJSON string `envconfig:"TWITTER_COOKIES_JSON"`
	TwitterBearerToken string `envconfig:"TWITTER_BEARER_TOKEN"`

	// Twitter OAuth 1.0a, required only for the reply sub-pipeline
	TwitterConsumerKey       string `envconfig:"TWITTER_CONSUMER_KEY"`
	TwitterConsumerSecret    string `envconfig:"TWITTER_CONSUMER_SECRET"`
	TwitterAccessToken       string `envconfig:"TWITTER_ACCESS_TOKEN"`
	TwitterAccessTokenSecret string `envconfig:"TWITTER_ACCESS_TOKEN_SECRET"`

	// Media mirroring
	DownloadReelsToR2 bool `envconfig:"DOWNLOAD_REELS_TO_R2" default:"false"`

	// HTTP API
	Port string `envconfig:"PORT" default:"8080"`

	// Database
	DBHost     string `envconfig:"DB_HOST" default:"localhost"`
	DBPort     string `envconfig:"DB_PORT" default:"5432"`
	DBUser     string `envconfig:"DB_USER" default:"postgres"`
	DBPassword string `envconfig:"DB_PASSWORD"`
	DBName     string `envconfig:"DB_NAME" default:"trackerd"`

	LogLevel string `envconfig:"LOG_LEVEL" default:"info"`
}

// MinTimeBetweenJobs returns the configured base dispatcher spacing.
func (c *Config) MinTimeBetweenJobs() time.Duration {
	return time.Duration(c.MinTimeBetweenJobsMS) * time.Millisecond
}

// MaxBackoff returns the configured backoff ceiling.
func (c *Config) MaxBackoff() time.Duration {
	return time.Duration(c.MaxBackoffMS) * time.Millisecond
}

// DSN builds the postgres connection string consumed by gorm.
func (c *Config) DSN() string {
	return fmt.Sprintf("host=%s user=%s password=%s dbname=%s port=%s sslmode=disable",
		c.DBHost, c.DBUser, c.DBPassword, c.DBName, c.DBPort)
}

// MigrationsURL builds the golang-migrate connection URL.
func (c *Config) MigrationsURL() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=disable",
		c.DBUser, c.DBPassword, c.DBHost, c.DBPort, c.DBName)
}

// Load reads a .env file (if present) and then the process environment
// into a Config, applying defaults for anything unset.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("loading .env file: %w", err)
		}
	}

	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("processing environment: %w", err)
	}

	return &cfg, nil
}

// InstagramCredentials resolves the Cookie Pool's credential list for the
// Instagram platform from INSTAGRAM_COOKIES, INSTAGRAM_COOKIES_N (N=2..)
// and INSTAGRAM_COOKIES_JSON, in that order of precedence when only one
// source is populated; INSTAGRAM_COOKIES_JSON wins when both are set,
// since it is the more explicit, structured form.
func (c *Config) InstagramCredentials() ([]string, error) {
	return resolveCredentials("INSTAGRAM_COOKIES", c.InstagramCookies, c.InstagramCookiesJSON)
}

// TwitterCredentials resolves the Cookie Pool's credential list for the
// Twitter platform, mirroring InstagramCredentials.
func (c *Config) TwitterCredentials() ([]string, error) {
	return resolveCredentials("TWITTER_COOKIES", c.TwitterCookies, c.TwitterCookiesJSON)
}

func resolveCredentials(envPrefix, primary, jsonList string) ([]string, error) {
	if jsonList != "" {
		var creds []string
		if err := json.Unmarshal([]byte(jsonList), &creds); err != nil {
			return nil, fmt.Errorf("parsing %s_JSON: %w", envPrefix, err)
		}
		return creds, nil
	}

	var creds []string
	if primary != "" {
		creds = append(creds, primary)
	}
	for n := 2; ; n++ {
		v := os.Getenv(fmt.Sprintf("%s_%d", envPrefix, n))
		if v == "" {
			break
		}
		creds = append(creds, v)
	}

	for _, c := range creds {
		if _, err := ParseCookieString(c); err != nil {
			return nil, fmt.Errorf("validating %s: %w", envPrefix, err)
		}
	}
	return creds, nil
}

// ParseCookieString splits a semicolon-separated "name=value; name2=value2"
// credential string into a map of cookie name to value, returning an
// error for any pair without "="; the loader uses it to validate shape.
func ParseCookieString(raw string) (map[string]string, error) {
	pairs := strings.Split(raw, ";")
	out := make(map[string]string, len(pairs))
	for _, p := range pairs {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		kv := strings.SplitN(p, "=", 2)
		if len(kv) != 2 {
			return nil, fmt.Errorf("malformed cookie pair %q", p)
		}
		out[strings.TrimSpace(kv[0])] = strings.TrimSpace(kv[1])
	}
	return out, nil
}

// AtoiOrDefault parses s as an int, returning def on any failure. Grounded
// on the teacher's getEnvOrDefault-and-parse idiom used throughout its
// config constructors.
func AtoiOrDefault(s string, def int) int {
	if s == "" {
		return def
	}
	v, err := strconv.Atoi(s)
	if err != nil {
		return def
	}
	return v
}

// ReelWorkingSetSize reads REEL_WORKING_SET_SIZE directly, outside the
// envconfig struct, since it is an advanced tuning knob most deployments
// never set.
func (c *Config) ReelWorkingSetSize() int {
	return AtoiOrDefault(os.Getenv("REEL_WORKING_SET_SIZE"), 12)
}

// ReelFetchDelay reads REEL_FETCH_DELAY_MS directly, the politeness delay
// between per-reel detail calls during reconciliation.
func (c *Config) ReelFetchDelay() time.Duration {
	ms := AtoiOrDefault(os.Getenv("REEL_FETCH_DELAY_MS"), 2000)
	return time.Duration(ms) * time.Millisecond
}
