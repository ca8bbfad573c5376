// Package config loads the engine configuration: gantry.yaml, then
// GANTRY_* environment overrides. Command-line flags are applied by the
// caller on top.
package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/ormasoftchile/gantry/pkg/artifact"
	"github.com/ormasoftchile/gantry/pkg/credentials"
)

// DefaultFile is the configuration file looked up in the working
// directory when none is given.
const DefaultFile = "gantry.yaml"

// Config is the engine configuration.
type Config struct {
	// Home is the base of every relative directory below. Defaults to
	// .gantry in the working directory.
	Home        string                     `yaml:"home,omitempty"`
	Workspaces  string                     `yaml:"workspaces,omitempty"`
	Logs        string                     `yaml:"logs,omitempty"`
	Artifacts   string                     `yaml:"artifacts,omitempty"`
	LogLevel    string                     `yaml:"logLevel,omitempty"`
	Ledger      LedgerConfig               `yaml:"ledger,omitempty"`
	Slots       map[string]int             `yaml:"slots,omitempty"`
	Credentials CredentialsConfig          `yaml:"credentials,omitempty"`
	ObjectStore artifact.ObjectStoreConfig `yaml:"objectStore,omitempty"`
	Approvals   ApprovalsConfig            `yaml:"approvals,omitempty"`
	Metrics     MetricsConfig              `yaml:"metrics,omitempty"`
}

// LedgerConfig selects where sealed run ledgers are stored.
type LedgerConfig struct {
	// Driver is file, sqlite or postgres.
	Driver string `yaml:"driver,omitempty"`
	// DSN is a directory (file), a database path (sqlite) or a
	// connection string (postgres).
	DSN string `yaml:"dsn,omitempty"`
}

// CredentialsConfig lists the credential providers, consulted in the
// order inline, age file, environment.
type CredentialsConfig struct {
	// EnvPrefix enables the environment provider when non-empty.
	EnvPrefix string `yaml:"envPrefix,omitempty"`
	// AgeFile is an age-encrypted YAML mapping of credential ID to value.
	AgeFile     string `yaml:"ageFile,omitempty"`
	AgeIdentity string `yaml:"ageIdentity,omitempty"`
	// Inline values are meant for local experiments and tests.
	Inline map[string]string `yaml:"inline,omitempty"`
}

// ApprovalsConfig configures the HTTP approval API.
type ApprovalsConfig struct {
	// Addr enables the API when non-empty, e.g. ":8089".
	Addr string `yaml:"addr,omitempty"`
	// Console prompts for pending approvals on the terminal.
	Console bool `yaml:"console,omitempty"`
}

// MetricsConfig toggles the Prometheus endpoint on the approval API.
type MetricsConfig struct {
	Enabled bool `yaml:"enabled,omitempty"`
}

// Default returns the configuration used when no file exists.
func Default() *Config {
	return &Config{
		Home:     ".gantry",
		LogLevel: "info",
		Ledger:   LedgerConfig{Driver: "file"},
		Credentials: CredentialsConfig{
			EnvPrefix: "GANTRY_SECRET_",
		},
	}
}

// Load reads path over the defaults. An empty path loads DefaultFile
// when it exists. Unknown fields are rejected.
func Load(path string) (*Config, error) {
	cfg := Default()
	explicit := path != ""
	if !explicit {
		path = DefaultFile
	}
	f, err := os.Open(path)
	if err != nil {
		if !explicit && errors.Is(err, os.ErrNotExist) {
			return cfg, nil
		}
		return nil, fmt.Errorf("open config: %w", err)
	}
	defer f.Close()

	dec := yaml.NewDecoder(f)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	return cfg, nil
}

// ApplyEnv overrides fields from GANTRY_* variables. A nil lookup uses
// os.LookupEnv.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) error {
	if lookup == nil {
		lookup = os.LookupEnv
	}
	str := func(name string, dst *string) {
		if v, ok := lookup(name); ok {
			*dst = v
		}
	}
	var errs []error
	boolean := func(name string, dst *bool) {
		v, ok := lookup(name)
		if !ok {
			return
		}
		b, err := strconv.ParseBool(v)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", name, err))
			return
		}
		*dst = b
	}

	str("GANTRY_HOME", &c.Home)
	str("GANTRY_WORKSPACES", &c.Workspaces)
	str("GANTRY_LOGS", &c.Logs)
	str("GANTRY_ARTIFACTS", &c.Artifacts)
	str("GANTRY_LOG_LEVEL", &c.LogLevel)
	str("GANTRY_LEDGER_DRIVER", &c.Ledger.Driver)
	str("GANTRY_LEDGER_DSN", &c.Ledger.DSN)
	str("GANTRY_CREDENTIALS_ENV_PREFIX", &c.Credentials.EnvPrefix)
	str("GANTRY_AGE_FILE", &c.Credentials.AgeFile)
	str("GANTRY_AGE_IDENTITY", &c.Credentials.AgeIdentity)
	str("GANTRY_APPROVALS_ADDR", &c.Approvals.Addr)
	boolean("GANTRY_APPROVALS_CONSOLE", &c.Approvals.Console)
	boolean("GANTRY_METRICS", &c.Metrics.Enabled)
	str("GANTRY_S3_ENDPOINT", &c.ObjectStore.Endpoint)
	str("GANTRY_S3_ACCESS_KEY", &c.ObjectStore.AccessKey)
	str("GANTRY_S3_SECRET_KEY", &c.ObjectStore.SecretKey)
	str("GANTRY_S3_REGION", &c.ObjectStore.Region)
	str("GANTRY_S3_BUCKET", &c.ObjectStore.Bucket)
	str("GANTRY_S3_PREFIX", &c.ObjectStore.Prefix)
	boolean("GANTRY_S3_USE_SSL", &c.ObjectStore.UseSSL)

	if v, ok := lookup("GANTRY_SLOTS"); ok {
		slots, err := ParseSlots(v)
		if err != nil {
			errs = append(errs, fmt.Errorf("GANTRY_SLOTS: %w", err))
		} else {
			c.Slots = slots
		}
	}
	return errors.Join(errs...)
}

// ParseSlots parses "linux=2,docker=1".
func ParseSlots(s string) (map[string]int, error) {
	out := map[string]int{}
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		label, n, ok := strings.Cut(part, "=")
		if !ok {
			return nil, fmt.Errorf("%q: want label=capacity", part)
		}
		c, err := strconv.Atoi(strings.TrimSpace(n))
		if err != nil {
			return nil, fmt.Errorf("%q: %w", part, err)
		}
		out[strings.TrimSpace(label)] = c
	}
	return out, nil
}

// Validate checks the configuration for values that cannot work.
func (c *Config) Validate() error {
	var errs []error
	switch c.Ledger.Driver {
	case "", "file", "sqlite", "postgres":
	default:
		errs = append(errs, fmt.Errorf("ledger.driver: unknown driver %q (want file, sqlite or postgres)", c.Ledger.Driver))
	}
	if c.Ledger.Driver == "postgres" && c.Ledger.DSN == "" {
		errs = append(errs, errors.New("ledger.dsn: required for postgres"))
	}
	for label, n := range c.Slots {
		if label == "" {
			errs = append(errs, errors.New("slots: empty label"))
		}
		if n < 1 {
			errs = append(errs, fmt.Errorf("slots.%s: capacity must be at least 1, got %d", label, n))
		}
	}
	if _, err := ParseLevel(c.LogLevel); err != nil {
		errs = append(errs, fmt.Errorf("logLevel: %w", err))
	}
	if (c.Credentials.AgeFile == "") != (c.Credentials.AgeIdentity == "") {
		errs = append(errs, errors.New("credentials: ageFile and ageIdentity must be set together"))
	}
	if c.ObjectStore.Enabled() {
		if err := c.ObjectStore.Validate(); err != nil {
			errs = append(errs, fmt.Errorf("objectStore: %w", err))
		}
	}
	return errors.Join(errs...)
}

// ParseLevel maps a level name to a slog level.
func ParseLevel(s string) (slog.Level, error) {
	var l slog.Level
	if s == "" {
		return slog.LevelInfo, nil
	}
	err := l.UnmarshalText([]byte(strings.ToUpper(s)))
	return l, err
}

func (c *Config) dir(value, name string) string {
	if value == "" {
		value = name
	} else if filepath.IsAbs(value) {
		return value
	}
	return filepath.Join(c.Home, value)
}

// WorkspaceDir is where run workspaces are created.
func (c *Config) WorkspaceDir() string { return c.dir(c.Workspaces, "workspaces") }

// LogDir is where step logs and traces are written.
func (c *Config) LogDir() string { return c.dir(c.Logs, "logs") }

// ArtifactDir is the local artifact store.
func (c *Config) ArtifactDir() string { return c.dir(c.Artifacts, "artifacts") }

// LedgerDSN returns the DSN with file and sqlite defaults under Home.
func (c *Config) LedgerDSN() string {
	if c.Ledger.DSN != "" {
		return c.Ledger.DSN
	}
	switch c.Ledger.Driver {
	case "sqlite":
		return filepath.Join(c.Home, "ledger.db")
	case "postgres":
		return ""
	}
	return filepath.Join(c.Home, "runs")
}

// Providers builds the configured credential providers.
func (c *Config) Providers() []credentials.Provider {
	var out []credentials.Provider
	if len(c.Credentials.Inline) > 0 {
		out = append(out, credentials.NewMemoryProvider(c.Credentials.Inline))
	}
	if c.Credentials.AgeFile != "" {
		out = append(out, credentials.NewAgeFileProvider(c.Credentials.AgeFile, c.Credentials.AgeIdentity))
	}
	if c.Credentials.EnvPrefix != "" {
		out = append(out, &credentials.EnvProvider{Prefix: c.Credentials.EnvPrefix})
	}
	return out
}
