// Package config handles the parsing and validation of application configuration
// from command-line arguments and environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/jessevdk/go-flags"
	"github.com/woozymasta/masterlist/internal/logger"
	"github.com/woozymasta/masterlist/internal/vars"
)

// Config represents the complete application flags configuration.
type Config struct {
	// betteralign:ignore

	Server    Server        `group:"Server Options" env-namespace:"MASTERLIST"`
	Registry  Registry      `group:"Registry Options" namespace:"registry" env-namespace:"MASTERLIST_REGISTRY"`
	Storage   Storage       `group:"Storage Options" namespace:"db" env-namespace:"MASTERLIST_DB"`
	GeoIP     GeoIP         `group:"GeoIP Options" namespace:"geoip" env-namespace:"MASTERLIST_GEOIP"`
	RateLimit RateLimit     `group:"Rate Limit Options" namespace:"rate-limit" env-namespace:"MASTERLIST_RATE_LIMIT"`
	A2S       A2S           `group:"A2S Options" namespace:"a2s" env-namespace:"MASTERLIST_A2S"`
	Logger    logger.Config `group:"Logger Options" namespace:"log" env-namespace:"MASTERLIST_LOG"`

	Version bool `short:"v" long:"version" description:"Print version and build info"`
}

// Server holds web server configuration.
type Server struct {
	// betteralign:ignore

	Address     string `short:"l" long:"address" env:"LISTEN_ADDRESS" description:"Server listen address" default:":8081"`
	AuthToken   string `short:"t" long:"auth-token" env:"AUTH_TOKEN" description:"Admin authentication token"`
	MaxBodySize int64  `long:"max-body-size" env:"MAX_BODY_SIZE" description:"Max body size for incoming submissions, compressed and decompressed" default:"4096"`
	TrustProxy  bool   `long:"trust-proxy" env:"TRUST_PROXY" description:"Trust X-Forwarded-For headers"`
	ContentType string `long:"expect-content-type" env:"EXPECT_CONTENT_TYPE" description:"Expected Content-Type header of submissions" default:"application/json"`
}

// Registry holds reconciliation engine configuration.
type Registry struct {
	// betteralign:ignore

	Tick            time.Duration `long:"tick" env:"TICK" description:"Interval between reconciliation ticks" default:"1s"`
	CheckinInterval time.Duration `long:"checkin-interval" env:"CHECKIN_INTERVAL" description:"Checkin period recommended to game servers, servers silent for twice this long expire" default:"30s"`
	QueueLimit      int           `long:"queue-limit" env:"QUEUE_LIMIT" description:"Max queued events per queue, newest are dropped when full (0 for unbounded)" default:"10000"`
}

// ExpiryGrace returns how long a server may stay silent before the sweep deactivates it.
func (r Registry) ExpiryGrace() time.Duration {
	return 2 * r.CheckinInterval
}

// Storage holds database configuration.
type Storage struct {
	// betteralign:ignore

	Path          string        `short:"d" long:"path" env:"PATH" description:"Path to SQLite database" default:"masterlist.db"`
	PruneInactive time.Duration `long:"prune-inactive" description:"Delete inactive servers not seen for this long, then exit"`
	CheckActive   bool          `long:"check-active" description:"Probe every active server, deactivate unreachable ones, then exit"`
	CheckMode     string        `long:"check-mode" env:"CHECK_MODE" description:"Probe used by --db-check-active: a2s for Source Query servers, reach for servers without A2S" choice:"a2s" choice:"reach" default:"a2s"`
	GenerateCount int           `long:"gen-fake-data" hidden:"true"`
}

// GeoIP holds MaxMind GeoIP configuration.
type GeoIP struct {
	// betteralign:ignore

	Path     string        `short:"g" long:"path" env:"PATH" description:"Path to MMDB file, empty disables country detection" default:"masterlist.mmdb"`
	URL      string        `long:"url" env:"URL" description:"URL to download MMDB, empty disables download" default:"https://git.io/GeoLite2-Country.mmdb"`
	Interval time.Duration `long:"interval" env:"INTERVAL" description:"Update interval check" default:"24h"`
}

// A2S holds Source Query protocol configuration.
type A2S struct {
	// betteralign:ignore

	Timeout    time.Duration `long:"timeout" env:"TIMEOUT" description:"Query timeout" default:"3s"`
	BufferSize uint16        `long:"buffer-size" env:"BUFFER_SIZE" description:"Response body buffer size" default:"1400"`
	Workers    int           `long:"workers" env:"WORKERS" description:"Parallel queries during maintenance checks" default:"10"`
}

// RateLimit holds API rate limiting configuration.
type RateLimit struct {
	// betteralign:ignore

	HardLimitCount int           `long:"hard-count" env:"HARD_COUNT" description:"Hard IP limit: submissions count" default:"60"`
	HardLimitWin   time.Duration `long:"hard-window" env:"HARD_WINDOW" description:"Hard IP limit: window duration" default:"1m"`
}

// Validate checks the values that flags cannot express on their own.
func (c *Config) Validate() error {
	var errs []error

	if c.Server.AuthToken == "" {
		errs = append(errs, errors.New("required flag `-t, --auth-token' or environment variable `MASTERLIST_AUTH_TOKEN` was not specified"))
	}
	if c.Server.MaxBodySize <= 0 {
		errs = append(errs, fmt.Errorf("max body size must be positive, got %d", c.Server.MaxBodySize))
	}
	if c.Registry.Tick <= 0 {
		errs = append(errs, fmt.Errorf("registry tick must be positive, got %s", c.Registry.Tick))
	}
	if c.Registry.CheckinInterval <= 0 {
		errs = append(errs, fmt.Errorf("checkin interval must be positive, got %s", c.Registry.CheckinInterval))
	}
	if c.Registry.QueueLimit < 0 {
		errs = append(errs, fmt.Errorf("queue limit must not be negative, got %d", c.Registry.QueueLimit))
	}
	if c.RateLimit.HardLimitCount <= 0 || c.RateLimit.HardLimitWin <= 0 {
		errs = append(errs, errors.New("rate limit count and window must be positive"))
	}

	return errors.Join(errs...)
}

// maintenanceMode reports whether a run-and-exit task was requested.
func (c *Config) maintenanceMode() bool {
	return c.Storage.PruneInactive > 0 || c.Storage.CheckActive || c.Storage.GenerateCount > 0
}

// Parse reads the configuration from flags and environment variables.
// It terminates the application if the configuration is invalid or if the help flag is invoked.
func Parse() *Config {
	var cfg Config
	parser := flags.NewParser(&cfg, flags.Default)
	parser.NamespaceDelimiter = "-"

	_, err := parser.Parse()
	if err != nil {
		if flagsErr, ok := err.(*flags.Error); ok {
			if flagsErr.Type == flags.ErrHelp {
				os.Exit(0)
			}
		}
		os.Exit(1)
	}

	if cfg.Version {
		vars.Print()
		os.Exit(0)
	}

	// Maintenance tasks never serve the admin API
	if cfg.maintenanceMode() && cfg.Server.AuthToken == "" {
		cfg.Server.AuthToken = "-"
	}

	if err := cfg.Validate(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	return &cfg
}
