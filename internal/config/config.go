package config

import (
	"os"
	"time"

	"github.com/BurntSushi/toml"
)

type Config struct {
	LLM          LLMConfig          `toml:"llm"`
	Capabilities CapabilitiesConfig `toml:"capabilities"`
	Flow         FlowConfig         `toml:"flow"`
	Kernel       KernelConfig       `toml:"kernel"`
	Batch        BatchConfig        `toml:"batch"`
	Store        StoreConfig        `toml:"store"`
	Observer     ObserverConfig     `toml:"observer"`
	Logging      LoggingConfig      `toml:"logging"`
}

// ModelConfig is one chat API target. Empty fields fall back to the default
// model config.
type ModelConfig struct {
	BaseURL string `toml:"base_url"`
	APIKey  string `toml:"api_key"`
	Model   string `toml:"model"`
}

type LLMConfig struct {
	Default   ModelConfig `toml:"default"`
	Planner   ModelConfig `toml:"planner"`
	Coding    ModelConfig `toml:"coding"`
	Reasoning ModelConfig `toml:"reasoning"`
}

// CapabilitiesConfig declares what the hosting frontend supports.
type CapabilitiesConfig struct {
	SaveMetadata   bool `toml:"save_metadata"`
	UserConfirm    bool `toml:"user_confirm"`
	UserSupplyInfo bool `toml:"user_supply_info"`
	SetCellContent bool `toml:"set_cell_content"`
}

type FlowConfig struct {
	MaxTries      int  `toml:"max_tries"`
	StageConfirm  bool `toml:"stage_confirm"`
	StageContinue bool `toml:"stage_continue"`
}

type KernelConfig struct {
	GatewayURL     string        `toml:"gateway_url"`
	KernelName     string        `toml:"kernel_name"`
	Timeout        time.Duration `toml:"timeout"`
	StartupTimeout time.Duration `toml:"startup_timeout"`
}

type BatchConfig struct {
	OutputPath     string        `toml:"output_path"`
	EvaluationPath string        `toml:"evaluation_path"`
	Timeout        time.Duration `toml:"timeout"`
	StartupTimeout time.Duration `toml:"startup_timeout"`
	AllowErrors    bool          `toml:"allow_errors"`
	KernelName     string        `toml:"kernel_name"`
	SkipCellsTag   string        `toml:"skip_cells_with_tag"`
	MaxCells       int           `toml:"max_cells"`
}

// StoreConfig selects the evaluation record store. The jsonl backend
// appends to the batch evaluation path, sqlite and postgres keep records
// queryable for reporting.
type StoreConfig struct {
	Backend string `toml:"backend"` // jsonl, sqlite or postgres
	Path    string `toml:"path"`    // sqlite database file
	DSN     string `toml:"dsn"`     // postgres connection string
}

type ObserverConfig struct {
	Enabled  bool                     `toml:"enabled"`
	Endpoint string                   `toml:"endpoint"`
	Service  string                   `toml:"service"`
	Pricing  map[string]PricingConfig `toml:"pricing"`
}

// PricingConfig is one model's per-million-token pricing override.
type PricingConfig struct {
	Input  float64 `toml:"input"`
	Output float64 `toml:"output"`
}

type LoggingConfig struct {
	Level string `toml:"level"`
}

// Default returns a Config with all defaults applied.
func Default() Config {
	return Config{
		LLM: LLMConfig{
			Default: ModelConfig{BaseURL: "http://127.0.0.1:8080/v1", Model: "qwen3"},
		},
		Capabilities: CapabilitiesConfig{
			SaveMetadata:   true,
			SetCellContent: true,
		},
		Flow: FlowConfig{MaxTries: 5, StageConfirm: true, StageContinue: true},
		Kernel: KernelConfig{
			GatewayURL:     "http://127.0.0.1:8888",
			KernelName:     "python3",
			Timeout:        10 * time.Minute,
			StartupTimeout: time.Minute,
		},
		Batch: BatchConfig{
			Timeout:        10 * time.Minute,
			StartupTimeout: time.Minute,
			KernelName:     "python3",
			SkipCellsTag:   "skip-execution",
		},
		Store:    StoreConfig{Backend: "jsonl"},
		Observer: ObserverConfig{Service: "nbot"},
		Logging:  LoggingConfig{Level: "info"},
	}
}

// Load reads config: defaults -> TOML file -> env vars (env wins).
func Load(path string) Config {
	cfg := Default()

	if path == "" {
		path = os.Getenv("NBOT_CONFIG")
	}
	if path == "" {
		path = "nbot.toml"
	}

	if data, err := os.ReadFile(path); err == nil {
		_ = toml.Unmarshal(data, &cfg)
	}

	// Env overrides
	if v := os.Getenv("NBOT_API_URL"); v != "" {
		cfg.LLM.Default.BaseURL = v
	}
	if v := os.Getenv("NBOT_API_KEY"); v != "" {
		cfg.LLM.Default.APIKey = v
	}
	if v := os.Getenv("NBOT_MODEL"); v != "" {
		cfg.LLM.Default.Model = v
	}
	if v := os.Getenv("NBOT_GATEWAY_URL"); v != "" {
		cfg.Kernel.GatewayURL = v
	}
	if v := os.Getenv("NBOT_STORE_DSN"); v != "" {
		cfg.Store.Backend = "postgres"
		cfg.Store.DSN = v
	}
	if v := os.Getenv("NBOT_OTLP_ENDPOINT"); v != "" {
		cfg.Observer.Endpoint = v
	}
	if v := os.Getenv("NBOT_OBSERVER_ENABLED"); v == "true" || v == "1" {
		cfg.Observer.Enabled = true
	}
	if v := os.Getenv("NBOT_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}

	// Per-role model configs fall back to the default one.
	fill(&cfg.LLM.Planner, cfg.LLM.Default)
	fill(&cfg.LLM.Coding, cfg.LLM.Default)
	fill(&cfg.LLM.Reasoning, cfg.LLM.Default)

	return cfg
}

// Endpoints resolves the per-role model configs keyed by role name.
func (c Config) Endpoints() map[string]ModelConfig {
	return map[string]ModelConfig{
		"planner":   c.LLM.Planner,
		"coding":    c.LLM.Coding,
		"reasoning": c.LLM.Reasoning,
	}
}

func fill(mc *ModelConfig, def ModelConfig) {
	if mc.BaseURL == "" {
		mc.BaseURL = def.BaseURL
	}
	if mc.APIKey == "" {
		mc.APIKey = def.APIKey
	}
	if mc.Model == "" {
		mc.Model = def.Model
	}
}
