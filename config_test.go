package qualcode

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestDefaultConfigValidates(t *testing.T) {
	if err := DefaultConfig().Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
}

func TestLoadConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "qualcode.yaml")
	data := `
db_path: /tmp/q.db
chat:
  provider: groq
  model: llama-3.3-70b-versatile
consolidation:
  stages: [alternative, simple, definition]
  refining: true
  question: How do teams handle delays?
graph:
  closest_neighbors: 2
  link_min_dist: 0.5
  link_max_dist: 0.8
  minimum_nodes: 2
  resolution: 1
`
	if err := os.WriteFile(path, []byte(data), 0644); err != nil {
		t.Fatal(err)
	}

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("loading config: %v", err)
	}
	if cfg.DBPath != "/tmp/q.db" || cfg.Chat.Provider != "groq" {
		t.Errorf("unexpected config: %+v", cfg)
	}
	if strings.Join(cfg.Consolidation.Stages, ",") != "alternative,simple,definition" {
		t.Errorf("stages: got %v", cfg.Consolidation.Stages)
	}
	if !cfg.Consolidation.Refining || cfg.Consolidation.ChunkSize != 32 {
		t.Errorf("expected refining with default chunk size, got %+v", cfg.Consolidation)
	}
	if cfg.Graph.ClosestNeighbors != 2 || cfg.Graph.LinkMaxDist != 0.8 {
		t.Errorf("graph params: got %+v", cfg.Graph)
	}
	if cfg.Embedding.Model != "nomic-embed-text" {
		t.Errorf("expected default embedding model, got %q", cfg.Embedding.Model)
	}
}

func TestLoadConfigJSON(t *testing.T) {
	path := filepath.Join(t.TempDir(), "qualcode.json")
	if err := os.WriteFile(path, []byte(`{"metric": "cosine", "rate_limit": 30}`), 0644); err != nil {
		t.Fatal(err)
	}
	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("loading config: %v", err)
	}
	if cfg.Metric != "cosine" || cfg.RateLimit != 30 {
		t.Errorf("unexpected config: %+v", cfg)
	}
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name   string
		modify func(*Config)
	}{
		{"unknown stage", func(c *Config) { c.Consolidation.Stages = []string{"simple", "magic"} }},
		{"unknown metric", func(c *Config) { c.Metric = "manhattan" }},
		{"unknown provider", func(c *Config) { c.Chat.Provider = "nope" }},
		{"negative rate limit", func(c *Config) { c.RateLimit = -1 }},
		{"inverted link distances", func(c *Config) { c.Graph.LinkMaxDist = 0.1 }},
		{"zero resolution", func(c *Config) { c.Graph.Resolution = 0 }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.modify(&cfg)
			err := cfg.Validate()
			if !errors.Is(err, ErrInvalidConfig) {
				t.Fatalf("expected ErrInvalidConfig, got %v", err)
			}
		})
	}
}

func TestWithDefaults(t *testing.T) {
	cfg := Config{Consolidation: ConsolidationConfig{SimpleMaximum: 0.5}}.withDefaults()
	if cfg.Consolidation.SimpleMinimum != 0.5 {
		t.Errorf("simple minimum should follow maximum, got %v", cfg.Consolidation.SimpleMinimum)
	}
	if cfg.Metric != "cosine" || cfg.Graph.Resolution != 1.5 || cfg.Consolidation.MaxRetries != 4 {
		t.Errorf("defaults not applied: %+v", cfg)
	}
	if len(cfg.Consolidation.Stages) != 3 {
		t.Errorf("expected default stages, got %v", cfg.Consolidation.Stages)
	}
}

func TestResolveDBPath(t *testing.T) {
	cfg := Config{DBPath: "/data/x.db"}
	if got := cfg.resolveDBPath(); got != "/data/x.db" {
		t.Errorf("explicit path: got %s", got)
	}
	cfg = Config{DBName: "study", StorageDir: "local"}
	if got := cfg.resolveDBPath(); got != "study.db" {
		t.Errorf("local path: got %s", got)
	}
	cfg = Config{StorageDir: "home"}
	if got := cfg.resolveDBPath(); !strings.HasSuffix(got, filepath.Join(".qualcode", "qualcode.db")) {
		t.Errorf("home path: got %s", got)
	}
}

func TestApplyEnv(t *testing.T) {
	t.Setenv("QUALCODE_CHAT_PROVIDER", "groq")
	t.Setenv("QUALCODE_EMBED_MODEL", "text-embedding-3-small")
	t.Setenv("GROQ_API_KEY", "gsk-test")

	cfg := DefaultConfig()
	cfg.ApplyEnv()
	if cfg.Chat.Provider != "groq" || cfg.Chat.APIKey != "gsk-test" {
		t.Errorf("chat overrides not applied: %+v", cfg.Chat)
	}
	if cfg.Embedding.Model != "text-embedding-3-small" {
		t.Errorf("embedding model: got %q", cfg.Embedding.Model)
	}
	if cfg.Embedding.APIKey != "" {
		t.Errorf("ollama embedding should not pick up a key, got %q", cfg.Embedding.APIKey)
	}
}
