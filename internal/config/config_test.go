package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/headline-goat/price-goat/internal/config"
)

func writeFile(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "price-goat.yaml")
	if err := os.WriteFile(path, []byte(body), 0600); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}
	return path
}

func TestLoad_Defaults(t *testing.T) {
	cfg, err := config.Load("")
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if cfg.Port != 8080 {
		t.Errorf("got port %d, want 8080", cfg.Port)
	}
	if cfg.Stickiness != "assignment" {
		t.Errorf("got stickiness %s, want assignment", cfg.Stickiness)
	}
	if cfg.PriorAlpha != 1 || cfg.PriorBeta != 1 || cfg.ColdStartConversions != 1 {
		t.Errorf("got priors %v/%v cold start %d, want 1/1/1", cfg.PriorAlpha, cfg.PriorBeta, cfg.ColdStartConversions)
	}
}

func TestLoad_FileThenEnv(t *testing.T) {
	path := writeFile(t, `
server:
  port: 9000
  decision_timeout: 100ms
store:
  path: /tmp/from-file.db
  stats_ttl: 5s
bandit:
  stickiness: hash
  prior_alpha: 2
  cold_start_conversions: 10
`)
	t.Setenv("PG_DB_PATH", "/tmp/from-env.db")
	t.Setenv("PG_DECISION_TIMEOUT", "75ms")

	cfg, err := config.Load(path)
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}

	if cfg.Port != 9000 {
		t.Errorf("got port %d, want 9000 from file", cfg.Port)
	}
	if cfg.DBPath != "/tmp/from-env.db" {
		t.Errorf("got db path %s, want env override", cfg.DBPath)
	}
	if cfg.DecisionTimeout != 75*time.Millisecond {
		t.Errorf("got timeout %v, want 75ms from env", cfg.DecisionTimeout)
	}
	if cfg.StatsTTL != 5*time.Second {
		t.Errorf("got stats ttl %v, want 5s", cfg.StatsTTL)
	}
	if cfg.Stickiness != "hash" || cfg.PriorAlpha != 2 || cfg.PriorBeta != 1 || cfg.ColdStartConversions != 10 {
		t.Errorf("bandit settings not applied: %+v", cfg)
	}
}

func TestLoad_Invalid(t *testing.T) {
	tests := []struct {
		name string
		env  map[string]string
		file string
	}{
		{name: "bad port", env: map[string]string{"PG_PORT": "eighty"}},
		{name: "bad timeout", env: map[string]string{"PG_DECISION_TIMEOUT": "soon"}},
		{name: "bad stickiness", env: map[string]string{"PG_STICKINESS": "glue"}},
		{name: "bad yaml", file: "server: [port"},
		{name: "zero prior", file: "bandit:\n  prior_beta: 0\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			path := ""
			if tt.file != "" {
				path = writeFile(t, tt.file)
			}
			if _, err := config.Load(path); err == nil {
				t.Error("expected an error")
			}
		})
	}
}

func TestLoad_MissingFile(t *testing.T) {
	if _, err := config.Load(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Error("expected an error for a missing explicit config file")
	}
}
