package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"

	"github.com/park285/indichess-match/internal/domain"
)

const (
	BackendMemory   = "memory"
	BackendRedis    = "redis"
	BackendPostgres = "postgres"

	FanoutLocal = "local"
	FanoutRedis = "redis"

	MoveCheckOff    = "off"
	MoveCheckParse  = "parse"
	MoveCheckStrict = "strict"
)

type AppConfig struct {
	HTTPAddr string `env:"HTTP_ADDR" envDefault:":8080"`
	LiveAddr string `env:"LIVE_ADDR" envDefault:":8081"`

	// MatchStore backs the registry; HistoryStore backs moves and chat and
	// follows MatchStore when unset.
	MatchStore   string `env:"MATCH_STORE"   envDefault:"memory"`
	HistoryStore string `env:"HISTORY_STORE"`
	RedisURL     string `env:"REDIS_URL"`
	DatabaseURL  string `env:"DATABASE_URL"`

	FreshnessWindow time.Duration `env:"MATCH_FRESHNESS_WINDOW" envDefault:"90s"`
	GameTypeNames   []string      `env:"GAME_TYPES"             envDefault:"standard,rapid" envSeparator:","`
	GameTypes       []domain.GameType
	IdentityHeader  string `env:"IDENTITY_HEADER" envDefault:"X-User-Email"`

	LiveFanout           string  `env:"LIVE_FANOUT"            envDefault:"local"`
	LiveEventRPS         float64 `env:"LIVE_EVENT_RPS"         envDefault:"10"`
	LiveEventBurst       int     `env:"LIVE_EVENT_BURST"       envDefault:"20"`
	LiveSubscriberBuffer int     `env:"LIVE_SUBSCRIBER_BUFFER" envDefault:"32"`

	JanitorInterval time.Duration `env:"JANITOR_INTERVAL" envDefault:"1m"`
	ShutdownTimeout time.Duration `env:"SHUTDOWN_TIMEOUT" envDefault:"10s"`
	MessagesDir     string        `env:"MESSAGES_DIR"`
	// MoveCheck accepts true/1/parse, strict or false/0/off.
	MoveCheck string `env:"FEN_CHECK" envDefault:"off"`
}

// LoadDotEnv reads KEY=VALUE pairs from the given files into the process
// environment without overriding variables that are already set. Missing
// files are ignored.
func LoadDotEnv(files ...string) error {
	if len(files) == 0 {
		files = []string{".env"}
	}
	for _, f := range files {
		if _, err := os.Stat(f); err != nil {
			continue
		}
		if err := godotenv.Load(f); err != nil {
			return fmt.Errorf("load %s: %w", f, err)
		}
	}
	return nil
}

// Load parses the environment into an AppConfig. Malformed values are errors.
func Load() (*AppConfig, error) {
	var cfg AppConfig
	if err := env.Parse(&cfg); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}
	if err := cfg.normalize(); err != nil {
		return nil, err
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *AppConfig) normalize() error {
	c.HTTPAddr = strings.TrimSpace(c.HTTPAddr)
	c.LiveAddr = strings.TrimSpace(c.LiveAddr)
	c.MatchStore = strings.ToLower(strings.TrimSpace(c.MatchStore))
	c.HistoryStore = strings.ToLower(strings.TrimSpace(c.HistoryStore))
	if c.HistoryStore == "" {
		c.HistoryStore = c.MatchStore
	}
	c.RedisURL = strings.TrimSpace(c.RedisURL)
	c.DatabaseURL = strings.TrimSpace(c.DatabaseURL)
	c.IdentityHeader = strings.TrimSpace(c.IdentityHeader)
	c.LiveFanout = strings.ToLower(strings.TrimSpace(c.LiveFanout))
	c.MessagesDir = strings.TrimSpace(c.MessagesDir)

	c.GameTypes = nil
	seen := map[domain.GameType]bool{}
	for _, name := range c.GameTypeNames {
		if strings.TrimSpace(name) == "" {
			continue
		}
		gt := domain.ParseGameType(name)
		if !seen[gt] {
			seen[gt] = true
			c.GameTypes = append(c.GameTypes, gt)
		}
	}
	if len(c.GameTypes) == 0 {
		return errors.New("GAME_TYPES must list at least one game type")
	}

	switch v := strings.ToLower(strings.TrimSpace(c.MoveCheck)); v {
	case "true", "1", MoveCheckParse:
		c.MoveCheck = MoveCheckParse
	case MoveCheckStrict:
		c.MoveCheck = MoveCheckStrict
	case "", "false", "0", MoveCheckOff:
		c.MoveCheck = MoveCheckOff
	default:
		return fmt.Errorf("FEN_CHECK: unsupported value %q", v)
	}
	return nil
}

func (c *AppConfig) validate() error {
	for _, b := range []string{c.MatchStore, c.HistoryStore} {
		switch b {
		case BackendMemory:
		case BackendRedis:
			if c.RedisURL == "" {
				return errors.New("REDIS_URL is required for the redis store")
			}
		case BackendPostgres:
			if c.DatabaseURL == "" {
				return errors.New("DATABASE_URL is required for the postgres store")
			}
		default:
			return fmt.Errorf("unsupported store backend %q", b)
		}
	}
	switch c.LiveFanout {
	case FanoutLocal:
	case FanoutRedis:
		if c.RedisURL == "" {
			return errors.New("REDIS_URL is required for redis fan-out")
		}
	default:
		return fmt.Errorf("unsupported LIVE_FANOUT %q", c.LiveFanout)
	}
	if c.HTTPAddr == "" {
		return errors.New("HTTP_ADDR is required")
	}
	if c.IdentityHeader == "" {
		return errors.New("IDENTITY_HEADER must not be empty")
	}
	for key, d := range map[string]time.Duration{
		"MATCH_FRESHNESS_WINDOW": c.FreshnessWindow,
		"JANITOR_INTERVAL":       c.JanitorInterval,
		"SHUTDOWN_TIMEOUT":       c.ShutdownTimeout,
	} {
		if d <= 0 {
			return fmt.Errorf("%s must be positive", key)
		}
	}
	if c.LiveEventRPS <= 0 {
		return errors.New("LIVE_EVENT_RPS must be positive")
	}
	if c.LiveEventBurst <= 0 {
		return errors.New("LIVE_EVENT_BURST must be positive")
	}
	if c.LiveSubscriberBuffer <= 0 {
		return errors.New("LIVE_SUBSCRIBER_BUFFER must be positive")
	}
	return nil
}
