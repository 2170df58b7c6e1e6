package config

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"
)

// SourceDB is one configured source database connection.
type SourceDB struct {
	Name string
	URL  string
}

type Config struct {
	Env             string `mapstructure:"ENV"`
	DDPath          string `mapstructure:"DD_PATH"`
	SourceDBURLs    string `mapstructure:"SOURCE_DB_URLS"`
	DestDatabaseURL string `mapstructure:"DEST_DATABASE_URL"`
	DBMaxConns      int32  `mapstructure:"DB_MAX_CONNS"`
	DBMinConns      int32  `mapstructure:"DB_MIN_CONNS"`

	// Pseudonym keys. Never logged, never written to the destination.
	PIDHashKey  string `mapstructure:"PID_HASH_KEY"`
	MPIDHashKey string `mapstructure:"MPID_HASH_KEY"`

	Workers    int    `mapstructure:"WORKERS"`
	StatusPort string `mapstructure:"STATUS_PORT"`

	MinScrubLength         int    `mapstructure:"MIN_SCRUB_LENGTH"`
	ScrubPlaceholderFormat string `mapstructure:"SCRUB_PLACEHOLDER_FORMAT"`
	ExtraScrubWordsPath    string `mapstructure:"EXTRA_SCRUB_WORDS_PATH"`
	OptOutPIDsPath         string `mapstructure:"OPT_OUT_PIDS_PATH"`

	sources []SourceDB
}

func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("ENV", "development")
	v.SetDefault("DB_MAX_CONNS", 20)
	v.SetDefault("DB_MIN_CONNS", 5)
	v.SetDefault("WORKERS", 4)
	v.SetDefault("MIN_SCRUB_LENGTH", 3)

	// Bind env vars explicitly so Unmarshal picks them up
	v.BindEnv("ENV")
	v.BindEnv("DD_PATH")
	v.BindEnv("SOURCE_DB_URLS")
	v.BindEnv("DEST_DATABASE_URL")
	v.BindEnv("DB_MAX_CONNS")
	v.BindEnv("DB_MIN_CONNS")
	v.BindEnv("PID_HASH_KEY")
	v.BindEnv("MPID_HASH_KEY")
	v.BindEnv("WORKERS")
	v.BindEnv("STATUS_PORT")
	v.BindEnv("MIN_SCRUB_LENGTH")
	v.BindEnv("SCRUB_PLACEHOLDER_FORMAT")
	v.BindEnv("EXTRA_SCRUB_WORDS_PATH")
	v.BindEnv("OPT_OUT_PIDS_PATH")

	// Try reading .env file, but don't fail if missing
	_ = v.ReadInConfig()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.parseSources(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) IsDev() bool {
	return c.Env == "development"
}

// Sources returns the parsed source database connections.
func (c *Config) Sources() []SourceDB { return c.sources }

// parseSources splits SOURCE_DB_URLS, a comma-separated list of name=url
// pairs, e.g. "pas=postgres://...,labs=postgres://...".
func (c *Config) parseSources() error {
	c.sources = nil
	if strings.TrimSpace(c.SourceDBURLs) == "" {
		return nil
	}
	seen := map[string]bool{}
	for _, pair := range strings.Split(c.SourceDBURLs, ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		name, url, ok := strings.Cut(pair, "=")
		name = strings.TrimSpace(name)
		if !ok || name == "" || strings.TrimSpace(url) == "" {
			return fmt.Errorf("SOURCE_DB_URLS entry %q is not name=url", pair)
		}
		if seen[name] {
			return fmt.Errorf("SOURCE_DB_URLS names source %q twice", name)
		}
		seen[name] = true
		c.sources = append(c.sources, SourceDB{Name: name, URL: strings.TrimSpace(url)})
	}
	return nil
}

// Validate checks that the configuration is safe to run a pipeline with.
// Key material is required up front: discovering a missing key mid-run
// would leave a half-written destination.
func (c *Config) Validate() error {
	if c.DDPath == "" {
		return fmt.Errorf("DD_PATH is required")
	}
	if len(c.sources) == 0 {
		return fmt.Errorf("SOURCE_DB_URLS must name at least one source database")
	}
	if c.DestDatabaseURL == "" {
		return fmt.Errorf("DEST_DATABASE_URL is required")
	}
	if c.PIDHashKey == "" {
		return fmt.Errorf("PID_HASH_KEY is required and must not be empty")
	}
	if c.MPIDHashKey != "" && c.MPIDHashKey == c.PIDHashKey {
		return fmt.Errorf("MPID_HASH_KEY must differ from PID_HASH_KEY: the two pseudonym spaces must be independent")
	}
	if c.Workers < 1 {
		return fmt.Errorf("WORKERS must be at least 1, got %d", c.Workers)
	}
	if c.ScrubPlaceholderFormat != "" && strings.Count(c.ScrubPlaceholderFormat, "%s") != 1 {
		return fmt.Errorf("SCRUB_PLACEHOLDER_FORMAT must contain exactly one %%s verb")
	}
	return nil
}
