// Package config loads cartsync settings from a YAML file, an optional .env
// file and CARTSYNC_* environment variables, in that order of precedence
// (environment wins).
package config

import (
	"bytes"
	stderrors "errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/c0deZ3R0/go-cart-sync/logging"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "CARTSYNC_"

// Config is the complete cartsync configuration.
type Config struct {
	Remote  RemoteConfig   `yaml:"remote"`
	Store   StoreConfig    `yaml:"store"`
	Sync    SyncConfig     `yaml:"sync"`
	Logging logging.Config `yaml:"logging"`
	Metrics MetricsConfig  `yaml:"metrics"`
}

// RemoteConfig configures the storefront backend client.
type RemoteConfig struct {
	// BaseURL of the storefront API. Empty runs the coordinator guest-only.
	BaseURL string `yaml:"base_url" validate:"omitempty,url"`

	// Timeout bounds each HTTP request. Default: 10s
	Timeout time.Duration `yaml:"timeout" validate:"gte=0"`

	// MaxResponseBytes caps response bodies on the wire. Default: 1MB
	MaxResponseBytes int64 `yaml:"max_response_bytes" validate:"gte=0"`

	// RequestsPerSecond throttles outgoing requests. Zero disables throttling.
	RequestsPerSecond float64 `yaml:"requests_per_second" validate:"gte=0"`
	Burst             int     `yaml:"burst" validate:"gte=0"`
}

// StoreConfig selects and configures the local store backend.
type StoreConfig struct {
	// Driver is one of memory, sqlite, postgres or redis. Default: sqlite
	Driver string `yaml:"driver" validate:"oneof=memory sqlite postgres redis"`

	// DSN is the SQLite file, PostgreSQL connection string or Redis address.
	DSN string `yaml:"dsn" validate:"required_unless=Driver memory"`

	// Profile scopes stored keys so several users can share one database.
	Profile string `yaml:"profile"`

	// Table overrides the SQL table name.
	Table string `yaml:"table"`

	// Password and DB apply to the redis driver only.
	Password string `yaml:"password"`
	DB       int    `yaml:"db" validate:"gte=0"`

	// TTL expires redis values. Zero keeps them forever.
	TTL time.Duration `yaml:"ttl" validate:"gte=0"`
}

// SyncConfig tunes the coordinator.
type SyncConfig struct {
	// RemoteTimeout bounds every remote call. Default: 5s
	RemoteTimeout time.Duration `yaml:"remote_timeout" validate:"gt=0"`

	// RetryInterval retries the outbox while degraded. Zero disables it.
	RetryInterval time.Duration `yaml:"retry_interval" validate:"gte=0"`
}

// MetricsConfig enables the Prometheus collector.
type MetricsConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Namespace string `yaml:"namespace"`

	// Addr serves /metrics when set, e.g. ":9090".
	Addr string `yaml:"addr" validate:"omitempty,hostname_port"`
}

// Default returns the configuration used when nothing else is set.
func Default() Config {
	return Config{
		Remote: RemoteConfig{
			Timeout:          10 * time.Second,
			MaxResponseBytes: 1 << 20,
		},
		Store: StoreConfig{
			Driver: "sqlite",
			DSN:    "cartsync.db",
		},
		Sync: SyncConfig{
			RemoteTimeout: 5 * time.Second,
		},
		Logging: logging.DefaultConfig,
		Metrics: MetricsConfig{
			Namespace: "cartsync",
		},
	}
}

// Load builds the configuration. envFiles are loaded with godotenv first;
// with none given, a .env file in the working directory is used when present.
// An empty path skips the YAML file.
func Load(path string, envFiles ...string) (*Config, error) {
	if err := loadDotEnv(envFiles); err != nil {
		return nil, err
	}

	cfg := Default()
	if path != "" {
		file, err := os.Open(path)
		if err != nil {
			return nil, fmt.Errorf("failed to open config file %s: %w", path, err)
		}
		defer file.Close()

		if err := decode(file, &cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
		}
	}

	if err := applyEnv(&cfg); err != nil {
		return nil, err
	}
	cfg.Logging = logging.ApplyEnv(cfg.Logging)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func loadDotEnv(files []string) error {
	if len(files) == 0 {
		err := godotenv.Load()
		if err != nil && !stderrors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("failed to load .env: %w", err)
		}
		return nil
	}
	if err := godotenv.Load(files...); err != nil {
		return fmt.Errorf("failed to load env files: %w", err)
	}
	return nil
}

// decode reads YAML onto cfg, rejecting unknown keys.
func decode(r io.Reader, cfg *Config) error {
	data, err := io.ReadAll(r)
	if err != nil {
		return err
	}
	if len(bytes.TrimSpace(data)) == 0 {
		return nil
	}
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	return dec.Decode(cfg)
}

// applyEnv overlays CARTSYNC_* variables. Variables that are set but empty
// are ignored.
func applyEnv(cfg *Config) error {
	strs := map[string]*string{
		"REMOTE_BASE_URL":   &cfg.Remote.BaseURL,
		"STORE_DRIVER":      &cfg.Store.Driver,
		"STORE_DSN":         &cfg.Store.DSN,
		"STORE_PROFILE":     &cfg.Store.Profile,
		"STORE_TABLE":       &cfg.Store.Table,
		"STORE_PASSWORD":    &cfg.Store.Password,
		"METRICS_NAMESPACE": &cfg.Metrics.Namespace,
		"METRICS_ADDR":      &cfg.Metrics.Addr,
	}
	for name, dst := range strs {
		if v, ok := lookup(name); ok {
			*dst = v
		}
	}

	durations := map[string]*time.Duration{
		"REMOTE_TIMEOUT":      &cfg.Remote.Timeout,
		"STORE_TTL":           &cfg.Store.TTL,
		"SYNC_REMOTE_TIMEOUT": &cfg.Sync.RemoteTimeout,
		"SYNC_RETRY_INTERVAL": &cfg.Sync.RetryInterval,
	}
	for name, dst := range durations {
		if v, ok := lookup(name); ok {
			d, err := time.ParseDuration(v)
			if err != nil {
				return envError(name, err)
			}
			*dst = d
		}
	}

	ints := map[string]*int{
		"REMOTE_BURST": &cfg.Remote.Burst,
		"STORE_DB":     &cfg.Store.DB,
	}
	for name, dst := range ints {
		if v, ok := lookup(name); ok {
			n, err := strconv.Atoi(v)
			if err != nil {
				return envError(name, err)
			}
			*dst = n
		}
	}

	if v, ok := lookup("REMOTE_MAX_RESPONSE_BYTES"); ok {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return envError("REMOTE_MAX_RESPONSE_BYTES", err)
		}
		cfg.Remote.MaxResponseBytes = n
	}
	if v, ok := lookup("REMOTE_REQUESTS_PER_SECOND"); ok {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return envError("REMOTE_REQUESTS_PER_SECOND", err)
		}
		cfg.Remote.RequestsPerSecond = f
	}
	if v, ok := lookup("METRICS_ENABLED"); ok {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return envError("METRICS_ENABLED", err)
		}
		cfg.Metrics.Enabled = b
	}
	return nil
}

func lookup(name string) (string, bool) {
	v := strings.TrimSpace(os.Getenv(EnvPrefix + name))
	return v, v != ""
}

func envError(name string, err error) error {
	return fmt.Errorf("invalid %s%s: %w", EnvPrefix, name, err)
}

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("yaml"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// Validate checks the configuration and reports every invalid field.
func (c *Config) Validate() error {
	err := validate.Struct(c)
	if err == nil {
		return c.validateLogging()
	}

	var verrs validator.ValidationErrors
	if !stderrors.As(err, &verrs) {
		return err
	}
	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		field := strings.TrimPrefix(fe.Namespace(), "Config.")
		switch fe.Tag() {
		case "required_unless":
			msgs = append(msgs, fmt.Sprintf("%s is required for this driver", field))
		case "oneof":
			msgs = append(msgs, fmt.Sprintf("%s must be one of [%s]", field, fe.Param()))
		default:
			msgs = append(msgs, fmt.Sprintf("%s failed %s", field, fe.Tag()))
		}
	}
	return fmt.Errorf("invalid configuration: %s", strings.Join(msgs, ", "))
}

func (c *Config) validateLogging() error {
	switch strings.ToLower(c.Logging.Format) {
	case "", "json", "text":
	default:
		return fmt.Errorf("invalid configuration: logging.format must be json or text, got %q", c.Logging.Format)
	}
	switch strings.ToLower(c.Logging.Level) {
	case "", "debug", "info", "warn", "warning", "error":
	default:
		return fmt.Errorf("invalid configuration: logging.level %q is not a known level", c.Logging.Level)
	}
	return nil
}
