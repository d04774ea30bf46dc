// Package config assembles the pairing server configuration from defaults, an
// optional .env file and environment variables.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/proxipair/pairing-server/internal/pairing"
	"github.com/proxipair/pairing-server/internal/ws"
)

// Config is the complete server configuration.
type Config struct {
	Server  ws.ServerConfig
	Pairing pairing.Config

	RedisAddr  string // empty disables presence records and rate limiting
	NATSURL    string // empty disables lifecycle events
	ServerName string

	ReportRateLimit  int
	ReportRateWindow time.Duration

	LogLevel  string
	LogFormat string // "json" or "console"
}

// Default returns the built-in configuration.
func Default() Config {
	name, _ := os.Hostname()
	if name == "" {
		name = "pairserver-1"
	}
	return Config{
		Server:           ws.DefaultServerConfig(),
		Pairing:          pairing.DefaultConfig(),
		ServerName:       name,
		ReportRateLimit:  10,
		ReportRateWindow: time.Second,
		LogLevel:         "info",
		LogFormat:        "json",
	}
}

// Load returns Default overridden by envFile (if it exists) and the process
// environment. Variables already set in the environment win over the file.
func Load(envFile string) (Config, error) {
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return Config{}, fmt.Errorf("config: load %s: %w", envFile, err)
		}
	}

	cfg := Default()
	if err := cfg.ApplyEnv(os.LookupEnv); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// ApplyEnv overrides fields from variables found by lookup. Every malformed
// value is reported.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) error {
	p := envParser{lookup: lookup}

	p.str("LISTEN_ADDR", &c.Server.ListenAddr)
	p.integer("WORKER_POOL_SIZE", &c.Server.WorkerPoolSize)
	p.integer("MAX_CONNECTIONS", &c.Server.MaxConnections)
	p.duration("READ_TIMEOUT", &c.Server.ReadTimeout)
	p.duration("WRITE_TIMEOUT", &c.Server.WriteTimeout)
	p.duration("HEARTBEAT_INTERVAL", &c.Server.Heartbeat.Interval)
	p.duration("HEARTBEAT_TIMEOUT", &c.Server.Heartbeat.Timeout)

	p.float("PAIRING_DISTANCE_METERS", &c.Pairing.PairingDistanceMeters)
	p.float("HEADING_TOLERANCE_DEGREES", &c.Pairing.HeadingToleranceDegrees)
	p.float("FACING_CONE_DEGREES", &c.Pairing.FacingConeDegrees)
	p.float("MOVEMENT_THRESHOLD_METERS", &c.Pairing.MovementThresholdMeters)
	p.float("CELL_SIZE_DEGREES", &c.Pairing.CellSizeDegrees)
	p.duration("NOTIFY_COOLDOWN", &c.Pairing.NotifyCooldown)
	p.boolean("RELAXED_MATCHING", &c.Pairing.RelaxedMatching)
	p.duration("SWEEP_INTERVAL", &c.Pairing.SweepInterval)
	p.boolean("SWEEP_STALE_PAIRINGS", &c.Pairing.SweepStalePairings)
	if v, ok := lookup("STATIC_PAIRS"); ok {
		pairs, err := ParseStaticPairs(v)
		if err != nil {
			p.errs = append(p.errs, err)
		} else {
			c.Pairing.StaticPairs = pairs
		}
	}

	p.str("REDIS_ADDR", &c.RedisAddr)
	p.str("NATS_URL", &c.NATSURL)
	p.str("SERVER_NAME", &c.ServerName)
	p.integer("REPORT_RATE_LIMIT", &c.ReportRateLimit)
	p.duration("REPORT_RATE_WINDOW", &c.ReportRateWindow)
	p.str("LOG_LEVEL", &c.LogLevel)
	p.str("LOG_FORMAT", &c.LogFormat)

	if len(p.errs) > 0 {
		return fmt.Errorf("config: %w", errors.Join(p.errs...))
	}
	return nil
}

// Validate rejects configurations the server cannot run with.
func (c Config) Validate() error {
	var errs []error
	if c.Server.ListenAddr == "" {
		errs = append(errs, errors.New("listen address is required"))
	}
	if c.Server.WorkerPoolSize <= 0 {
		errs = append(errs, fmt.Errorf("worker pool size must be positive, got %d", c.Server.WorkerPoolSize))
	}
	if c.Server.MaxConnections <= 0 {
		errs = append(errs, fmt.Errorf("max connections must be positive, got %d", c.Server.MaxConnections))
	}
	if c.Server.Heartbeat.Interval < 0 || c.Server.Heartbeat.Timeout < 0 {
		errs = append(errs, errors.New("heartbeat interval and timeout must not be negative"))
	}
	if c.ReportRateLimit <= 0 || c.ReportRateWindow <= 0 {
		errs = append(errs, fmt.Errorf("report rate limit must be positive, got %d per %s", c.ReportRateLimit, c.ReportRateWindow))
	}
	if c.LogFormat != "json" && c.LogFormat != "console" {
		errs = append(errs, fmt.Errorf("log format must be json or console, got %q", c.LogFormat))
	}
	if err := c.Pairing.Validate(); err != nil {
		errs = append(errs, err)
	}
	if len(errs) > 0 {
		return fmt.Errorf("config: invalid: %w", errors.Join(errs...))
	}
	return nil
}

// ParseStaticPairs parses "a:b,c:d" into device couples. Blank input yields
// no pairs.
func ParseStaticPairs(s string) ([][2]string, error) {
	var pairs [][2]string
	for _, item := range strings.Split(s, ",") {
		item = strings.TrimSpace(item)
		if item == "" {
			continue
		}
		a, b, ok := strings.Cut(item, ":")
		a, b = strings.TrimSpace(a), strings.TrimSpace(b)
		if !ok || a == "" || b == "" || a == b {
			return nil, fmt.Errorf("STATIC_PAIRS: invalid pair %q", item)
		}
		pairs = append(pairs, [2]string{a, b})
	}
	return pairs, nil
}

type envParser struct {
	lookup func(string) (string, bool)
	errs   []error
}

func (p *envParser) str(name string, dst *string) {
	if v, ok := p.lookup(name); ok {
		*dst = strings.TrimSpace(v)
	}
}

func (p *envParser) integer(name string, dst *int) {
	if v, ok := p.lookup(name); ok {
		n, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil {
			p.errs = append(p.errs, fmt.Errorf("%s: %w", name, err))
			return
		}
		*dst = n
	}
}

func (p *envParser) float(name string, dst *float64) {
	if v, ok := p.lookup(name); ok {
		f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
		if err != nil {
			p.errs = append(p.errs, fmt.Errorf("%s: %w", name, err))
			return
		}
		*dst = f
	}
}

func (p *envParser) duration(name string, dst *time.Duration) {
	if v, ok := p.lookup(name); ok {
		d, err := time.ParseDuration(strings.TrimSpace(v))
		if err != nil {
			p.errs = append(p.errs, fmt.Errorf("%s: %w", name, err))
			return
		}
		*dst = d
	}
}

func (p *envParser) boolean(name string, dst *bool) {
	if v, ok := p.lookup(name); ok {
		b, err := strconv.ParseBool(strings.TrimSpace(v))
		if err != nil {
			p.errs = append(p.errs, fmt.Errorf("%s: %w", name, err))
			return
		}
		*dst = b
	}
}
