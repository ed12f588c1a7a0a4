package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestDefaultValidates(t *testing.T) {
	cfg := Default()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
	if cfg.Coec.MaxRank != 20 {
		t.Errorf("max_rank = %d, want 20", cfg.Coec.MaxRank)
	}
	if cfg.Runner.DefaultK != 10 {
		t.Errorf("default_k = %d, want 10", cfg.Runner.DefaultK)
	}
}

func TestLoadYAMLOverlay(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	content := `
port: 9090
elasticsearch:
  url: http://search:9200
coec:
  max_rank: 10
bus:
  type: kafka
  kafka_brokers: broker:9092
`
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Port != 9090 {
		t.Errorf("port = %d, want 9090", cfg.Port)
	}
	if cfg.Elasticsearch.URL != "http://search:9200" {
		t.Errorf("elasticsearch url = %q", cfg.Elasticsearch.URL)
	}
	if cfg.Coec.MaxRank != 10 {
		t.Errorf("max_rank = %d, want 10", cfg.Coec.MaxRank)
	}
	if cfg.Bus.Type != "kafka" {
		t.Errorf("bus type = %q, want kafka", cfg.Bus.Type)
	}
	// Untouched fields keep their defaults.
	if cfg.Runner.Concurrency != 4 {
		t.Errorf("concurrency = %d, want default 4", cfg.Runner.Concurrency)
	}
}

func TestEnvOverridesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte("port: 9090\n"), 0o600); err != nil {
		t.Fatal(err)
	}

	t.Setenv("SRW_PORT", "7070")
	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Port != 7070 {
		t.Errorf("port = %d, want env override 7070", cfg.Port)
	}
}

func TestValidateRejectsBadValues(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"bad port", func(c *Config) { c.Port = -1 }},
		{"missing elasticsearch url", func(c *Config) { c.Elasticsearch.URL = "" }},
		{"bad max_rank", func(c *Config) { c.Coec.MaxRank = 0 }},
		{"bad concurrency", func(c *Config) { c.Runner.Concurrency = 0 }},
		{"bad rate", func(c *Config) { c.Runner.RequestsPerSecond = 0 }},
		{"bad bus type", func(c *Config) { c.Bus.Type = "smoke-signals" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(&cfg)
			if err := cfg.Validate(); err == nil {
				t.Error("expected validation error")
			}
		})
	}
}
