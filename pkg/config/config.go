package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/adhocore/gronx"
	"github.com/caarlos0/env/v11"
)

// Classifier and embedder variants. The provider set is closed: a
// variant is selected once at startup and never re-resolved.
const (
	ClassifierHeuristic = "heuristic"
	ClassifierOpenAI    = "openai"
	ClassifierNone      = "none"

	EmbedderLocal  = "local"
	EmbedderOpenAI = "openai"
	EmbedderOllama = "ollama"
	EmbedderNone   = "none"
)

type Config struct {
	Workspace WorkspaceConfig `json:"workspace"`
	Providers ProvidersConfig `json:"providers"`
	Memory    MemoryConfig    `json:"memory"`
	Logging   LoggingConfig   `json:"logging"`
}

type WorkspaceConfig struct {
	Dir    string `json:"dir" env:"RECALL_WORKSPACE_DIR"`
	UserID string `json:"user_id" env:"RECALL_WORKSPACE_USER_ID"`
}

type ProvidersConfig struct {
	Classifier ClassifierConfig `json:"classifier"`
	Embedder   EmbedderConfig   `json:"embedder"`
}

type ClassifierConfig struct {
	Variant string `json:"variant" env:"RECALL_PROVIDERS_CLASSIFIER_VARIANT"`
	APIKey  string `json:"api_key" env:"RECALL_PROVIDERS_CLASSIFIER_API_KEY"`
	APIBase string `json:"api_base" env:"RECALL_PROVIDERS_CLASSIFIER_API_BASE"`
	Model   string `json:"model" env:"RECALL_PROVIDERS_CLASSIFIER_MODEL"`
	Proxy   string `json:"proxy,omitempty" env:"RECALL_PROVIDERS_CLASSIFIER_PROXY"`
}

type EmbedderConfig struct {
	Variant string `json:"variant" env:"RECALL_PROVIDERS_EMBEDDER_VARIANT"`
	APIKey  string `json:"api_key" env:"RECALL_PROVIDERS_EMBEDDER_API_KEY"`
	APIBase string `json:"api_base" env:"RECALL_PROVIDERS_EMBEDDER_API_BASE"`
	Model   string `json:"model" env:"RECALL_PROVIDERS_EMBEDDER_MODEL"`
	Dims    int    `json:"dims" env:"RECALL_PROVIDERS_EMBEDDER_DIMS"`
}

type MemoryConfig struct {
	SkipThreshold      float64 `json:"skip_threshold" env:"RECALL_MEMORY_SKIP_THRESHOLD"`
	MergeThreshold     float64 `json:"merge_threshold" env:"RECALL_MEMORY_MERGE_THRESHOLD"`
	UpdateThreshold    float64 `json:"update_threshold" env:"RECALL_MEMORY_UPDATE_THRESHOLD"`
	MaxRecallItems     int     `json:"max_recall_items" env:"RECALL_MEMORY_MAX_RECALL_ITEMS"`
	CandidateLimit     int     `json:"candidate_limit" env:"RECALL_MEMORY_CANDIDATE_LIMIT"`
	PerCategoryCap     int     `json:"per_category_cap" env:"RECALL_MEMORY_PER_CATEGORY_CAP"`
	NearDupThreshold   float64 `json:"near_dup_threshold" env:"RECALL_MEMORY_NEAR_DUP_THRESHOLD"`
	BaseThreshold      float64 `json:"base_threshold" env:"RECALL_MEMORY_BASE_THRESHOLD"`
	ResultCacheSeconds int     `json:"result_cache_seconds" env:"RECALL_MEMORY_RESULT_CACHE_SECONDS"`
	ExpansionTTLSecs   int     `json:"expansion_ttl_seconds" env:"RECALL_MEMORY_EXPANSION_TTL_SECONDS"`
	MergeStrength      float64 `json:"merge_strength" env:"RECALL_MEMORY_MERGE_STRENGTH"`
	MergeEnabled       bool    `json:"merge_enabled" env:"RECALL_MEMORY_MERGE_ENABLED"`
	Workers            int     `json:"workers" env:"RECALL_MEMORY_WORKERS"`
	QueueSize          int     `json:"queue_size" env:"RECALL_MEMORY_QUEUE_SIZE"`
	MaxRetries         int     `json:"max_retries" env:"RECALL_MEMORY_MAX_RETRIES"`
	SweepCron          string  `json:"sweep_cron" env:"RECALL_MEMORY_SWEEP_CRON"`
}

type LoggingConfig struct {
	Debug bool `json:"debug" env:"RECALL_LOGGING_DEBUG"`
}

func DefaultConfig() *Config {
	return &Config{
		Workspace: WorkspaceConfig{
			Dir:    "~/.recall",
			UserID: "default",
		},
		Providers: ProvidersConfig{
			Classifier: ClassifierConfig{
				Variant: ClassifierHeuristic,
			},
			Embedder: EmbedderConfig{
				Variant: EmbedderLocal,
				Dims:    384,
			},
		},
		Memory: MemoryConfig{
			SkipThreshold:      0.85,
			MergeThreshold:     0.70,
			UpdateThreshold:    0.55,
			MaxRecallItems:     5,
			CandidateLimit:     200,
			PerCategoryCap:     3,
			NearDupThreshold:   0.82,
			BaseThreshold:      0.30,
			ResultCacheSeconds: 20,
			ExpansionTTLSecs:   60,
			MergeStrength:      0.85,
			MergeEnabled:       true,
			Workers:            2,
			QueueSize:          256,
			MaxRetries:         3,
			SweepCron:          "*/30 * * * *",
		},
		Logging: LoggingConfig{},
	}
}

func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			if err := env.Parse(cfg); err != nil {
				return nil, err
			}
			return cfg, cfg.Validate()
		}
		return nil, err
	}

	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}

	if err := env.Parse(cfg); err != nil {
		return nil, err
	}

	return cfg, cfg.Validate()
}

func SaveConfig(path string, cfg *Config) error {
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}

	return os.WriteFile(path, data, 0o600)
}

// Validate rejects configurations the engine cannot start with.
func (c *Config) Validate() error {
	switch strings.ToLower(strings.TrimSpace(c.Providers.Classifier.Variant)) {
	case ClassifierHeuristic, ClassifierOpenAI, ClassifierNone, "":
	default:
		return fmt.Errorf("unknown classifier variant %q: supported are %s, %s, %s",
			c.Providers.Classifier.Variant, ClassifierHeuristic, ClassifierOpenAI, ClassifierNone)
	}
	switch strings.ToLower(strings.TrimSpace(c.Providers.Embedder.Variant)) {
	case EmbedderLocal, EmbedderOpenAI, EmbedderOllama, EmbedderNone, "":
	default:
		return fmt.Errorf("unknown embedder variant %q: supported are %s, %s, %s, %s",
			c.Providers.Embedder.Variant, EmbedderLocal, EmbedderOpenAI, EmbedderOllama, EmbedderNone)
	}
	if cron := strings.TrimSpace(c.Memory.SweepCron); cron != "" {
		if !gronx.New().IsValid(cron) {
			return fmt.Errorf("invalid sweep cron %q", cron)
		}
	}
	if c.Memory.SkipThreshold < c.Memory.MergeThreshold || c.Memory.MergeThreshold < c.Memory.UpdateThreshold {
		return fmt.Errorf("dedup thresholds must satisfy skip >= merge >= update (got %.2f/%.2f/%.2f)",
			c.Memory.SkipThreshold, c.Memory.MergeThreshold, c.Memory.UpdateThreshold)
	}
	return nil
}

// WorkspacePath returns the expanded workspace directory.
func (c *Config) WorkspacePath() string {
	return expandHome(c.Workspace.Dir)
}

// DatabasePath returns the location of the memory database.
func (c *Config) DatabasePath() string {
	return filepath.Join(c.WorkspacePath(), "memory.db")
}

func expandHome(path string) string {
	if path == "" {
		return path
	}
	if path[0] == '~' {
		home, _ := os.UserHomeDir()
		if len(path) > 1 && path[1] == '/' {
			return home + path[1:]
		}
		return home
	}
	return path
}
