package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	p := filepath.Join(dir, name)
	if err := os.WriteFile(p, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return p
}

func TestLoad(t *testing.T) {
	dir := t.TempDir()
	p := writeFile(t, dir, "gantry.yaml", `
home: /var/lib/gantry
logs: /var/log/gantry
ledger: {driver: sqlite}
slots: {linux: 2, docker: 1}
credentials:
  envPrefix: CI_SECRET_
  inline: {npm-token: abc}
approvals: {addr: ":8089"}
metrics: {enabled: true}
`)
	cfg, err := Load(p)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if cfg.Slots["linux"] != 2 || cfg.Slots["docker"] != 1 {
		t.Errorf("slots = %v", cfg.Slots)
	}
	if got := cfg.WorkspaceDir(); got != "/var/lib/gantry/workspaces" {
		t.Errorf("WorkspaceDir = %q", got)
	}
	if got := cfg.LogDir(); got != "/var/log/gantry" {
		t.Errorf("LogDir = %q", got)
	}
	if got := cfg.LedgerDSN(); got != "/var/lib/gantry/ledger.db" {
		t.Errorf("LedgerDSN = %q", got)
	}
	if cfg.LogLevel != "info" {
		t.Errorf("default log level lost: %q", cfg.LogLevel)
	}
	if n := len(cfg.Providers()); n != 2 {
		t.Errorf("providers = %d, want inline and env", n)
	}
}

func TestLoad_Errors(t *testing.T) {
	dir := t.TempDir()
	tests := []struct {
		name    string
		content string
		want    string
	}{
		{"unknown field", "workspace: /tmp\n", "field workspace not found"},
		{"bad type", "slots: {linux: many}\n", "cannot unmarshal"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := writeFile(t, dir, strings.ReplaceAll(tt.name, " ", "_")+".yaml", tt.content)
			_, err := Load(p)
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Errorf("Load error = %v, want %q", err, tt.want)
			}
		})
	}
	if _, err := Load(filepath.Join(dir, "missing.yaml")); err == nil {
		t.Error("explicit missing file accepted")
	}
}

func TestLoad_DefaultFileOptional(t *testing.T) {
	t.Chdir(t.TempDir())
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Ledger.Driver != "file" || cfg.LedgerDSN() != filepath.Join(".gantry", "runs") {
		t.Errorf("defaults = %+v", cfg.Ledger)
	}
}

func TestApplyEnv(t *testing.T) {
	env := map[string]string{
		"GANTRY_HOME":          "/srv/gantry",
		"GANTRY_LEDGER_DRIVER": "postgres",
		"GANTRY_LEDGER_DSN":    "postgres://localhost/gantry",
		"GANTRY_SLOTS":         "linux=4, windows=1",
		"GANTRY_METRICS":       "true",
		"GANTRY_S3_ENDPOINT":   "minio:9000",
		"GANTRY_S3_BUCKET":     "artifacts",
		"GANTRY_S3_ACCESS_KEY": "ak",
		"GANTRY_S3_SECRET_KEY": "sk",
	}
	lookup := func(k string) (string, bool) {
		v, ok := env[k]
		return v, ok
	}

	cfg := Default()
	if err := cfg.ApplyEnv(lookup); err != nil {
		t.Fatalf("ApplyEnv: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if cfg.Slots["linux"] != 4 || cfg.Slots["windows"] != 1 {
		t.Errorf("slots = %v", cfg.Slots)
	}
	if !cfg.Metrics.Enabled || !cfg.ObjectStore.Enabled() {
		t.Errorf("cfg = %+v", cfg)
	}
	if cfg.ArtifactDir() != filepath.Join("/srv/gantry", "artifacts") {
		t.Errorf("ArtifactDir = %q", cfg.ArtifactDir())
	}

	bad := func(k string) (string, bool) {
		switch k {
		case "GANTRY_METRICS":
			return "maybe", true
		case "GANTRY_SLOTS":
			return "linux", true
		}
		return "", false
	}
	err := Default().ApplyEnv(bad)
	if err == nil || !strings.Contains(err.Error(), "GANTRY_METRICS") || !strings.Contains(err.Error(), "GANTRY_SLOTS") {
		t.Errorf("ApplyEnv error = %v", err)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"driver", func(c *Config) { c.Ledger.Driver = "mongo" }, "unknown driver"},
		{"postgres dsn", func(c *Config) { c.Ledger.Driver = "postgres" }, "required for postgres"},
		{"slot capacity", func(c *Config) { c.Slots = map[string]int{"linux": 0} }, "at least 1"},
		{"log level", func(c *Config) { c.LogLevel = "loud" }, "logLevel"},
		{"age pair", func(c *Config) { c.Credentials.AgeFile = "secrets.age" }, "set together"},
		{"object store", func(c *Config) { c.ObjectStore.Endpoint = "http://minio:9000" }, "objectStore"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			err := cfg.Validate()
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Errorf("Validate = %v, want %q", err, tt.want)
			}
		})
	}
}

func TestLoadDotEnv(t *testing.T) {
	dir := t.TempDir()
	p := writeFile(t, dir, ".env", `
# comment
GANTRY_TEST_A=plain
export GANTRY_TEST_B="quoted value"
GANTRY_TEST_C='single'
GANTRY_TEST_KEEP=from-file
`)
	t.Setenv("GANTRY_TEST_KEEP", "from-env")
	for _, k := range []string{"GANTRY_TEST_A", "GANTRY_TEST_B", "GANTRY_TEST_C"} {
		t.Setenv(k, "")
		os.Unsetenv(k)
	}

	set, err := LoadDotEnv(p)
	if err != nil {
		t.Fatalf("LoadDotEnv: %v", err)
	}
	if len(set) != 3 {
		t.Errorf("set = %v", set)
	}
	for k, want := range map[string]string{
		"GANTRY_TEST_A":    "plain",
		"GANTRY_TEST_B":    "quoted value",
		"GANTRY_TEST_C":    "single",
		"GANTRY_TEST_KEEP": "from-env",
	} {
		if got := os.Getenv(k); got != want {
			t.Errorf("%s = %q, want %q", k, got, want)
		}
	}

	if set, err := LoadDotEnv(filepath.Join(dir, "absent")); err != nil || set != nil {
		t.Errorf("missing file: %v, %v", set, err)
	}
	bad := writeFile(t, dir, "bad.env", "NOEQUALS\n")
	if _, err := LoadDotEnv(bad); err == nil || !strings.Contains(err.Error(), ":1:") {
		t.Errorf("malformed line error = %v", err)
	}
}
