package config

import (
	"os"
	"time"

	crerr "github.com/cockroachdb/errors"
	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/david/fixture-finder/internal/ingest"
)

// Config is the application configuration shared by the binaries.
type Config struct {
	Log     LogConfig          `yaml:"log"`
	Storage StorageConfig      `yaml:"storage"`
	Window  WindowConfig       `yaml:"window"`
	Run     RunConfig          `yaml:"run"`
	Fetch   ingest.FetchConfig `yaml:"fetch"`
	Backoff BackoffConfig      `yaml:"backoff"`
	Server  ServerConfig       `yaml:"server"`
	// Registry is the sources file; empty uses the embedded registry.
	Registry    string `yaml:"registry"`
	DatabaseURL string `yaml:"database_url"`
}

type LogConfig struct {
	Level  string `yaml:"level" validate:"omitempty,oneof=debug info warn warning error"`
	Format string `yaml:"format" validate:"omitempty,oneof=json console"`
}

type StorageConfig struct {
	// Backend selects where the document is published: "file" or "postgres".
	Backend    string `yaml:"backend" validate:"oneof=file postgres"`
	Document   string `yaml:"document" validate:"required"`
	MonthDir   string `yaml:"month_dir"`
	VenueCache string `yaml:"venue_cache"`
}

type WindowConfig struct {
	Policy        string        `yaml:"policy" validate:"oneof=lookahead weekend"`
	LookaheadDays int           `yaml:"lookahead_days" validate:"gte=1,lte=60"`
	Horizon       time.Duration `yaml:"horizon" validate:"gte=0"`
	Timezone      string        `yaml:"timezone" validate:"required"`
}

type RunConfig struct {
	Concurrency   int           `yaml:"concurrency" validate:"gte=1,lte=8"`
	Timeout       time.Duration `yaml:"timeout" validate:"gte=0"`
	SourceTimeout time.Duration `yaml:"source_timeout" validate:"gte=0"`
	RequestBudget int           `yaml:"request_budget" validate:"gte=0"`
}

type BackoffConfig struct {
	Base   time.Duration `yaml:"base" validate:"gte=0"`
	Max    time.Duration `yaml:"max" validate:"gte=0"`
	Jitter time.Duration `yaml:"jitter" validate:"gte=0"`
}

type ServerConfig struct {
	Addr string `yaml:"addr" validate:"required"`
}

// Default returns the configuration used when no file is given.
func Default() Config {
	b := ingest.DefaultBackoff()
	return Config{
		Log: LogConfig{Level: "info", Format: "json"},
		Storage: StorageConfig{
			Backend:    "file",
			Document:   "data/matches.json",
			MonthDir:   "data/months",
			VenueCache: "data/venues.json",
		},
		Window: WindowConfig{
			Policy:        ingest.PolicyLookahead,
			LookaheadDays: 14,
			Horizon:       45 * 24 * time.Hour,
			Timezone:      "Europe/Paris",
		},
		Run: RunConfig{
			Concurrency:   4,
			Timeout:       10 * time.Minute,
			SourceTimeout: 2 * time.Minute,
			RequestBudget: 30,
		},
		Backoff: BackoffConfig{Base: b.Base, Max: b.Max, Jitter: b.Jitter},
		Server:  ServerConfig{Addr: ":8080"},
	}
}

// Load reads path over the defaults. An empty path returns the defaults.
// ${ENV} references are expanded before decoding.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, crerr.Wrapf(err, "read config %s", path)
		}
		if err := yaml.Unmarshal([]byte(os.ExpandEnv(string(data))), &cfg); err != nil {
			return Config{}, crerr.Wrapf(err, "decode config %s", path)
		}
	}
	if cfg.DatabaseURL == "" {
		cfg.DatabaseURL = os.Getenv("DATABASE_URL")
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

var configValidator = validator.New()

func (c Config) Validate() error {
	if err := configValidator.Struct(c); err != nil {
		return crerr.Wrap(err, "invalid config")
	}
	if _, err := time.LoadLocation(c.Window.Timezone); err != nil {
		return crerr.Wrapf(err, "invalid config: timezone %q", c.Window.Timezone)
	}
	if c.Storage.Backend == "postgres" && c.DatabaseURL == "" {
		return crerr.New("invalid config: postgres storage needs database_url")
	}
	return nil
}

// Location resolves the window timezone. Validate has already checked it.
func (c Config) Location() *time.Location {
	loc, err := time.LoadLocation(c.Window.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

// Policy builds the configured window policy.
func (c Config) Policy() (ingest.WindowPolicy, error) {
	return ingest.NewWindowPolicy(c.Window.Policy, c.Window.LookaheadDays, c.Window.Horizon, c.Location())
}

// BackoffPolicy merges the configured delays with the retry count from Fetch.
func (c Config) BackoffPolicy() ingest.Backoff {
	b := ingest.DefaultBackoff()
	b.Base, b.Max, b.Jitter = c.Backoff.Base, c.Backoff.Max, c.Backoff.Jitter
	if c.Fetch.MaxRetries != 0 {
		b.MaxRetries = c.Fetch.MaxRetries
	}
	return b
}
