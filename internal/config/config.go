// Package config loads bot settings from defaults, an optional .env file, an
// optional YAML file and the process environment, in that order.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config is the complete runtime configuration.
type Config struct {
	// DiscordToken is only ever read from the environment.
	DiscordToken string `yaml:"-"`
	// OpsToken unlocks the operator write tools on /mcp/ws. Without it the
	// endpoint is read-only. Environment only.
	OpsToken string `yaml:"-"`

	LogLevel   string   `yaml:"log_level"`
	StatusAddr string   `yaml:"status_addr"`
	Database   Database `yaml:"database"`
	STT        STT      `yaml:"stt"`
	Notify     Notify   `yaml:"notify"`
	Scribe     Scribe   `yaml:"scribe"`
}

type Database struct {
	Driver string `yaml:"driver"`
	DSN    string `yaml:"dsn"`
}

// STT selects and configures the speech-to-text engine.
type STT struct {
	Backend   string        `yaml:"backend"`
	URL       string        `yaml:"url"`
	ModelPath string        `yaml:"model_path"`
	Language  string        `yaml:"language"`
	Timeout   time.Duration `yaml:"timeout"`
}

type Notify struct {
	Delay time.Duration `yaml:"delay"`
}

// Scribe holds the utterance gates.
type Scribe struct {
	Silence           time.Duration `yaml:"silence"`
	MinUtteranceBytes int           `yaml:"min_utterance_bytes"`
	SilenceRMS        float64       `yaml:"silence_rms"`
	Decimation        int           `yaml:"decimation"`
}

const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"

	BackendHTTP   = "http"
	BackendNative = "native"
)

// Default returns the configuration used when nothing is overridden.
func Default() Config {
	return Config{
		LogLevel:   "info",
		StatusAddr: "127.0.0.1:9090",
		Database:   Database{Driver: DriverSQLite, DSN: "callwatch.db"},
		STT: STT{
			Backend:  BackendHTTP,
			Language: "en",
			Timeout:  30 * time.Second,
		},
		Notify: Notify{Delay: 5 * time.Second},
		Scribe: Scribe{
			Silence:           100 * time.Millisecond,
			MinUtteranceBytes: 30000,
			SilenceRMS:        0.01,
			Decimation:        3,
		},
	}
}

// Load builds the configuration. A missing .env file is fine; a missing
// CONFIG_FILE is not.
func Load() (Config, error) {
	_ = godotenv.Load()

	cfg := Default()
	if path := os.Getenv("CONFIG_FILE"); path != "" {
		if err := cfg.mergeFile(path); err != nil {
			return cfg, err
		}
	}
	if err := cfg.applyEnv(os.LookupEnv); err != nil {
		return cfg, err
	}
	return cfg, cfg.Validate()
}

func (c *Config) mergeFile(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("config: open %s: %w", path, err)
	}
	defer f.Close()
	dec := yaml.NewDecoder(f)
	dec.KnownFields(true)
	if err := dec.Decode(c); err != nil {
		return fmt.Errorf("config: decode %s: %w", path, err)
	}
	return nil
}

type lookupFunc func(string) (string, bool)

func (c *Config) applyEnv(lookup lookupFunc) error {
	var errs []error
	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok && strings.TrimSpace(v) != "" {
			*dst = strings.TrimSpace(v)
		}
	}
	millis := func(key string, dst *time.Duration) {
		v, ok := lookup(key)
		if !ok || v == "" {
			return
		}
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			errs = append(errs, fmt.Errorf("config: %s=%q is not a non-negative integer", key, v))
			return
		}
		*dst = time.Duration(n) * time.Millisecond
	}
	integer := func(key string, dst *int) {
		v, ok := lookup(key)
		if !ok || v == "" {
			return
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			errs = append(errs, fmt.Errorf("config: %s=%q is not an integer", key, v))
			return
		}
		*dst = n
	}

	str("DISCORD_BOT_TOKEN", &c.DiscordToken)
	str("OPS_TOKEN", &c.OpsToken)
	str("LOG_LEVEL", &c.LogLevel)
	// an explicitly empty STATUS_ADDR turns the status server off
	if v, ok := lookup("STATUS_ADDR"); ok {
		c.StatusAddr = strings.TrimSpace(v)
	}
	str("DB_DRIVER", &c.Database.Driver)
	str("DB_FILE_NAME", &c.Database.DSN)
	str("DATABASE_DSN", &c.Database.DSN)
	str("STT_BACKEND", &c.STT.Backend)
	str("WHISPER_URL", &c.STT.URL)
	str("WHISPER_MODEL_PATH", &c.STT.ModelPath)
	str("STT_LANGUAGE", &c.STT.Language)
	millis("WHISPER_TIMEOUT_MS", &c.STT.Timeout)
	millis("NOTIFY_DELAY_MS", &c.Notify.Delay)
	millis("SILENCE_MS", &c.Scribe.Silence)
	integer("MIN_UTTERANCE_BYTES", &c.Scribe.MinUtteranceBytes)
	integer("DECIMATION", &c.Scribe.Decimation)
	if v, ok := lookup("SILENCE_RMS"); ok && v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			errs = append(errs, fmt.Errorf("config: SILENCE_RMS=%q is not a number", v))
		} else {
			c.Scribe.SilenceRMS = f
		}
	}
	return errors.Join(errs...)
}

// Validate reports every problem at once.
func (c Config) Validate() error {
	var errs []error
	if c.DiscordToken == "" {
		errs = append(errs, errors.New("config: DISCORD_BOT_TOKEN is required"))
	}
	switch c.Database.Driver {
	case DriverSQLite, DriverPostgres:
	default:
		errs = append(errs, fmt.Errorf("config: unknown database driver %q", c.Database.Driver))
	}
	if c.Database.DSN == "" {
		errs = append(errs, errors.New("config: database dsn is empty"))
	}
	switch c.STT.Backend {
	case BackendHTTP:
		if c.STT.URL == "" {
			errs = append(errs, errors.New("config: WHISPER_URL is required for the http stt backend"))
		}
	case BackendNative:
		if c.STT.ModelPath == "" {
			errs = append(errs, errors.New("config: WHISPER_MODEL_PATH is required for the native stt backend"))
		}
	default:
		errs = append(errs, fmt.Errorf("config: unknown stt backend %q", c.STT.Backend))
	}
	if c.Scribe.Decimation < 1 {
		errs = append(errs, errors.New("config: decimation must be at least 1"))
	}
	if c.Scribe.Silence <= 0 {
		errs = append(errs, errors.New("config: silence duration must be positive"))
	}
	if c.Notify.Delay < 0 {
		errs = append(errs, errors.New("config: notify delay must not be negative"))
	}
	return errors.Join(errs...)
}
