package qualcode

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/brunobiangulo/qualcode/graph"
	"github.com/brunobiangulo/qualcode/llm"
)

// Consolidation stage names accepted in ConsolidationConfig.Stages.
const (
	StageAlternative = "alternative"
	StageSimple      = "simple"
	StageDefinition  = "definition"
	StageRefine      = "refine"
	StageCategory    = "category"
)

// Config holds all configuration for the qualcode engine.
type Config struct {
	// DBPath is the full path to the SQLite database file.
	// If empty, defaults to ~/.qualcode/<DBName>.db
	DBPath string `json:"db_path" yaml:"db_path"`

	// DBName is the name for the database (used when DBPath is empty).
	DBName string `json:"db_name" yaml:"db_name"`

	// StorageDir controls where the database is created when DBPath
	// is not explicitly set: "home" (default) or "local".
	StorageDir string `json:"storage_dir" yaml:"storage_dir" validate:"omitempty,oneof=home local cwd"`

	// LLM providers
	Chat      llm.Config `json:"chat" yaml:"chat"`
	Embedding llm.Config `json:"embedding" yaml:"embedding"`

	// RateLimit caps chat requests per minute. Zero disables the limit.
	RateLimit int `json:"rate_limit" yaml:"rate_limit" validate:"gte=0"`
	// MaxTokens caps completion tokens per chat request.
	MaxTokens int `json:"max_tokens" yaml:"max_tokens" validate:"gte=0"`

	EmbedBatchSize   int `json:"embed_batch_size" yaml:"embed_batch_size" validate:"gte=0"`
	EmbedConcurrency int `json:"embed_concurrency" yaml:"embed_concurrency" validate:"gte=0"`

	Consolidation ConsolidationConfig `json:"consolidation" yaml:"consolidation"`

	// Evaluation
	Graph graph.Params `json:"graph" yaml:"graph"`
	// Metric is the embedding distance used for the evaluation graph.
	Metric string `json:"metric" yaml:"metric" validate:"omitempty,oneof=euclidean cosine"`
	// EmbedDefinitions embeds "label: definition" instead of the bare label
	// when building the evaluation graph.
	EmbedDefinitions bool `json:"embed_definitions" yaml:"embed_definitions"`
}

// ConsolidationConfig configures consolidation and reference runs.
type ConsolidationConfig struct {
	Stages        []string `json:"stages" yaml:"stages" validate:"dive,oneof=alternative simple definition refine category"`
	ChunkSize     int      `json:"chunk_size" yaml:"chunk_size" validate:"gte=0"`
	MaxRetries    int      `json:"max_retries" yaml:"max_retries" validate:"gte=0"`
	MaxIterations int      `json:"max_iterations" yaml:"max_iterations" validate:"gte=0"`
	Seed          uint64   `json:"seed" yaml:"seed"`
	DryRun        bool     `json:"dry_run" yaml:"dry_run"`

	// Cut heights of the simple merger.
	SimpleMaximum float64 `json:"simple_maximum" yaml:"simple_maximum" validate:"gte=0"`
	SimpleMinimum float64 `json:"simple_minimum" yaml:"simple_minimum" validate:"gte=0"`
	// Cut heights of the refine merger.
	RefineMaximum float64 `json:"refine_maximum" yaml:"refine_maximum" validate:"gte=0"`
	RefineMinimum float64 `json:"refine_minimum" yaml:"refine_minimum" validate:"gte=0"`
	// UseDefinition clusters on label and definition instead of the label.
	UseDefinition bool `json:"use_definition" yaml:"use_definition"`

	// Reference building
	Refining bool `json:"refining" yaml:"refining"`
	SameData bool `json:"same_data" yaml:"same_data"`
	Strict   bool `json:"strict" yaml:"strict"`

	// Question is the research question shown to the model.
	Question string `json:"question" yaml:"question"`
}

// DefaultConfig returns a Config with sensible defaults for local inference.
// Database is stored in ~/.qualcode/qualcode.db by default.
func DefaultConfig() Config {
	return Config{
		DBName:     "qualcode",
		StorageDir: "home",
		Chat: llm.Config{
			Provider: "ollama",
			Model:    "llama3.1:8b",
			BaseURL:  "http://localhost:11434",
		},
		Embedding: llm.Config{
			Provider: "ollama",
			Model:    "nomic-embed-text",
			BaseURL:  "http://localhost:11434",
		},
		EmbedBatchSize:   64,
		EmbedConcurrency: 4,
		Consolidation: ConsolidationConfig{
			Stages:        []string{StageSimple, StageDefinition, StageRefine},
			ChunkSize:     32,
			MaxRetries:    4,
			MaxIterations: 200,
			SimpleMaximum: 0.35,
			SimpleMinimum: 0.35,
			RefineMaximum: 0.5,
			RefineMinimum: 0.4,
			SameData:      true,
		},
		Graph:  graph.DefaultParams(),
		Metric: "cosine",
	}
}

// LoadConfig reads a YAML (or JSON) file over DefaultConfig.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("reading config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parsing config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate checks field constraints and the graph parameters.
func (c Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	if err := c.Graph.Validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	return nil
}

// withDefaults fills zero values from DefaultConfig.
func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.DBName == "" {
		c.DBName = d.DBName
	}
	if c.EmbedBatchSize == 0 {
		c.EmbedBatchSize = d.EmbedBatchSize
	}
	if c.EmbedConcurrency == 0 {
		c.EmbedConcurrency = d.EmbedConcurrency
	}
	if c.Metric == "" {
		c.Metric = d.Metric
	}
	if c.Graph == (graph.Params{}) {
		c.Graph = d.Graph
	}
	cc, dc := &c.Consolidation, d.Consolidation
	if cc.Stages == nil {
		cc.Stages = dc.Stages
	}
	if cc.MaxRetries == 0 {
		cc.MaxRetries = dc.MaxRetries
	}
	if cc.SimpleMaximum == 0 {
		cc.SimpleMaximum = dc.SimpleMaximum
	}
	if cc.SimpleMinimum == 0 {
		cc.SimpleMinimum = cc.SimpleMaximum
	}
	if cc.RefineMaximum == 0 {
		cc.RefineMaximum = dc.RefineMaximum
	}
	if cc.RefineMinimum == 0 {
		cc.RefineMinimum = dc.RefineMinimum
	}
	return c
}

// resolveDBPath computes the final database path from config fields.
func (c *Config) resolveDBPath() string {
	if c.DBPath != "" {
		return c.DBPath
	}

	name := c.DBName
	if name == "" {
		name = "qualcode"
	}

	switch c.StorageDir {
	case "local", "cwd":
		return name + ".db"
	default:
		home, err := os.UserHomeDir()
		if err != nil {
			return name + ".db"
		}
		return filepath.Join(home, ".qualcode", name+".db")
	}
}

// ApplyEnv overrides connection settings from QUALCODE_* environment
// variables, then falls back to the provider's well-known API key variable.
func (c *Config) ApplyEnv() {
	overrides := map[string]*string{
		"QUALCODE_DB_PATH":           &c.DBPath,
		"QUALCODE_CHAT_PROVIDER":     &c.Chat.Provider,
		"QUALCODE_CHAT_MODEL":        &c.Chat.Model,
		"QUALCODE_CHAT_BASE_URL":     &c.Chat.BaseURL,
		"QUALCODE_CHAT_API_KEY":      &c.Chat.APIKey,
		"QUALCODE_EMBED_PROVIDER":    &c.Embedding.Provider,
		"QUALCODE_EMBED_MODEL":       &c.Embedding.Model,
		"QUALCODE_EMBED_BASE_URL":    &c.Embedding.BaseURL,
		"QUALCODE_EMBED_API_KEY":     &c.Embedding.APIKey,
		"QUALCODE_RESEARCH_QUESTION": &c.Consolidation.Question,
	}
	for name, field := range overrides {
		if v := os.Getenv(name); v != "" {
			*field = v
		}
	}

	for _, lc := range []*llm.Config{&c.Chat, &c.Embedding} {
		if lc.APIKey != "" {
			continue
		}
		switch lc.Provider {
		case "openai":
			lc.APIKey = os.Getenv("OPENAI_API_KEY")
		case "groq":
			lc.APIKey = os.Getenv("GROQ_API_KEY")
		case "openrouter":
			lc.APIKey = os.Getenv("OPENROUTER_API_KEY")
		}
	}
}
