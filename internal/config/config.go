// Package config handles LoanRisk configuration loading.
//
// Configuration comes from three layers, applied in order: built-in
// defaults, an optional YAML file (with ${VAR} expansion), and the
// deployment environment variables the service has always recognised
// (WATSONX_AI_APIKEY, ENABLE_RAG_LLM, APPLICATION_PORT, ...). The
// environment wins so that container deployments can override a baked
// config file without editing it.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Provider names accepted by reasoning.provider.
const (
	ProviderWatsonx = "watsonx"
	ProviderOllama  = "ollama"
)

// DefaultSearchPaths returns the config file search order.
// An explicit path (from -config flag) is checked first.
// Then: ./config.yaml, ~/.config/loanrisk/config.yaml, /etc/loanrisk/config.yaml.
func DefaultSearchPaths() []string {
	paths := []string{"config.yaml"}

	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "loanrisk", "config.yaml"))
	}

	paths = append(paths, "/etc/loanrisk/config.yaml")
	return paths
}

// ErrNoConfigFile is returned by FindConfig when no explicit path was
// given and none of the default locations exist. Callers may treat it
// as "run from defaults and environment".
var ErrNoConfigFile = errors.New("no config file found")

// FindConfig locates a config file. If explicit is non-empty, it must exist.
// Otherwise, searches DefaultSearchPaths and returns the first that exists.
func FindConfig(explicit string) (string, error) {
	if explicit != "" {
		if _, err := os.Stat(explicit); err != nil {
			return "", fmt.Errorf("config file not found: %s", explicit)
		}
		return explicit, nil
	}

	for _, p := range DefaultSearchPaths() {
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}

	return "", fmt.Errorf("%w (searched: %v)", ErrNoConfigFile, DefaultSearchPaths())
}

// Config holds all LoanRisk configuration.
type Config struct {
	Listen    ListenConfig            `yaml:"listen"`
	Watsonx   WatsonxConfig           `yaml:"watsonx"`
	Reasoning ReasoningConfig         `yaml:"reasoning"`
	Agent     AgentConfig             `yaml:"agent"`
	RAG       RAGConfig               `yaml:"rag"`
	Gateway   GatewayConfig           `yaml:"gateway"`
	Session   SessionConfig           `yaml:"session"`
	Logging   LoggingConfig           `yaml:"logging"`
	Telemetry TelemetryConfig         `yaml:"telemetry"`
	Pricing   map[string]PricingEntry `yaml:"pricing"`
	DataDir   string                  `yaml:"data_dir"`
}

// ListenConfig defines the API server settings.
type ListenConfig struct {
	Address string `yaml:"address"` // Bind address (default: "" = all interfaces)
	Port    int    `yaml:"port"`
}

// WatsonxConfig holds the IBM Cloud credentials and endpoints shared by
// the reasoning client and the credential cache.
type WatsonxConfig struct {
	APIKey        string `yaml:"api_key"`
	ServiceURL    string `yaml:"service_url"`
	ProjectID     string `yaml:"project_id"`
	APIVersion    string `yaml:"api_version"`
	TokenEndpoint string `yaml:"token_endpoint"`
	// TokenMargin is how long before expiry a cached bearer token is
	// considered stale and refreshed.
	TokenMargin time.Duration `yaml:"token_margin"`
}

// ReasoningConfig selects the model that drives the agent loop.
type ReasoningConfig struct {
	Provider  string         `yaml:"provider"` // watsonx, ollama
	Model     string         `yaml:"model"`
	OllamaURL string         `yaml:"ollama_url"`
	Decoding  DecodingConfig `yaml:"decoding"`
}

// DecodingConfig is passed through to the model unmodified.
type DecodingConfig struct {
	MaxNewTokens int     `yaml:"max_new_tokens"`
	MinNewTokens int     `yaml:"min_new_tokens"`
	Temperature  float64 `yaml:"temperature"`
	RandomSeed   int     `yaml:"random_seed"`
	TopP         float64 `yaml:"top_p"`
	TopK         int     `yaml:"top_k"`
}

// AgentConfig bounds one agent loop run.
type AgentConfig struct {
	MaxCycles        int           `yaml:"max_cycles"`
	ReasoningTimeout time.Duration `yaml:"reasoning_timeout"`
	ToolTimeout      time.Duration `yaml:"tool_timeout"`
	SystemPrompt     string        `yaml:"system_prompt"`
}

// RAGConfig switches the risk and rate tools to the remote scoring
// deployment.
type RAGConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Endpoint string `yaml:"endpoint"`
}

// GatewayConfig tunes the outbound call gateway.
type GatewayConfig struct {
	Timeout time.Duration `yaml:"timeout"`
}

// SessionConfig controls the in-memory transcript store.
type SessionConfig struct {
	TTL      time.Duration `yaml:"ttl"`
	MaxTurns int           `yaml:"max_turns"`
}

// LoggingConfig configures slog output. When File is set, logs are
// also written to a size-rotated file.
type LoggingConfig struct {
	Level      string `yaml:"level"`
	Format     string `yaml:"format"` // text, json
	File       string `yaml:"file"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
}

// TelemetryConfig enables OpenTelemetry traces and metrics exported to
// rotated files under Dir.
type TelemetryConfig struct {
	Enabled        bool          `yaml:"enabled"`
	Dir            string        `yaml:"dir"`
	MetricInterval time.Duration `yaml:"metric_interval"`
}

// PricingEntry is the per-million-token cost of a model.
type PricingEntry struct {
	InputPerMillion  float64 `yaml:"input_per_million"`
	OutputPerMillion float64 `yaml:"output_per_million"`
}

// Default returns a configuration populated with the service defaults.
func Default() *Config {
	return &Config{
		Listen: ListenConfig{Port: 8080},
		Watsonx: WatsonxConfig{
			ServiceURL:    "https://us-south.ml.cloud.ibm.com",
			APIVersion:    "2024-05-31",
			TokenEndpoint: "https://iam.cloud.ibm.com/identity/token",
			TokenMargin:   300 * time.Second,
		},
		Reasoning: ReasoningConfig{
			Provider:  ProviderWatsonx,
			Model:     "ibm/granite-4-h-small",
			OllamaURL: "http://localhost:11434",
			Decoding: DecodingConfig{
				MaxNewTokens: 250,
				MinNewTokens: 150,
				Temperature:  0.5,
				RandomSeed:   123,
				TopP:         1,
				TopK:         25,
			},
		},
		Agent: AgentConfig{
			MaxCycles:        10,
			ReasoningTimeout: 2 * time.Minute,
			ToolTimeout:      30 * time.Second,
		},
		Gateway: GatewayConfig{Timeout: 30 * time.Second},
		Session: SessionConfig{TTL: 24 * time.Hour, MaxTurns: 20},
		Logging: LoggingConfig{
			Level:      "info",
			Format:     "text",
			MaxSizeMB:  10,
			MaxBackups: 3,
			MaxAgeDays: 28,
		},
		Telemetry: TelemetryConfig{Dir: "logs", MetricInterval: 10 * time.Second},
		DataDir:   "data",
	}
}

// Load reads configuration from a YAML file on top of Default, then
// applies the process environment. An empty path skips the file.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, err
		}

		// Expand environment variables
		expanded := os.ExpandEnv(string(data))

		if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
			return nil, err
		}
	}

	if err := cfg.ApplyEnv(os.Getenv); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyEnv overlays the deployment environment variables onto cfg.
// getenv is normally os.Getenv; tests pass a map lookup.
func (c *Config) ApplyEnv(getenv func(string) string) error {
	if v := getenv("APPLICATION_PORT"); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("APPLICATION_PORT: invalid port %q", v)
		}
		c.Listen.Port = port
	}
	if v := getenv("WATSONX_AI_APIKEY"); v != "" {
		c.Watsonx.APIKey = v
	}
	if v := getenv("WATSONX_SERVICE_URL"); v != "" {
		c.Watsonx.ServiceURL = v
	}
	if v := getenv("WATSONX_PROJECT_ID"); v != "" {
		c.Watsonx.ProjectID = v
	}
	if v := getenv("IBM_IAM_TOKEN_ENDPOINT"); v != "" {
		c.Watsonx.TokenEndpoint = v
	}
	if v := getenv("ENABLE_RAG_LLM"); v != "" {
		c.RAG.Enabled = strings.EqualFold(strings.TrimSpace(v), "true")
	}
	if v := getenv("WATSONX_RISK_RAG_LLM_ENDPOINT"); v != "" {
		c.RAG.Endpoint = v
	}
	return nil
}

// Validate reports the first configuration problem found.
func (c *Config) Validate() error {
	if c.Listen.Port <= 0 || c.Listen.Port > 65535 {
		return fmt.Errorf("listen.port %d out of range", c.Listen.Port)
	}
	if _, err := ParseLogLevel(c.Logging.Level); err != nil {
		return fmt.Errorf("logging.level: %w", err)
	}
	if _, err := ParseLogFormat(c.Logging.Format); err != nil {
		return fmt.Errorf("logging.format: %w", err)
	}
	if c.Agent.MaxCycles <= 0 {
		return fmt.Errorf("agent.max_cycles must be positive, got %d", c.Agent.MaxCycles)
	}
	if c.Watsonx.TokenMargin < 0 {
		return fmt.Errorf("watsonx.token_margin must not be negative")
	}

	switch c.Reasoning.Provider {
	case ProviderWatsonx:
		if c.Watsonx.APIKey == "" {
			return fmt.Errorf("WATSONX_AI_APIKEY (watsonx.api_key) is required for the watsonx provider")
		}
		if c.Watsonx.ProjectID == "" {
			return fmt.Errorf("WATSONX_PROJECT_ID (watsonx.project_id) is required for the watsonx provider")
		}
	case ProviderOllama:
		if c.Reasoning.OllamaURL == "" {
			return fmt.Errorf("reasoning.ollama_url is required for the ollama provider")
		}
	default:
		return fmt.Errorf("unknown reasoning.provider %q (valid: %s, %s)", c.Reasoning.Provider, ProviderWatsonx, ProviderOllama)
	}

	if c.RAG.Enabled {
		if c.RAG.Endpoint == "" {
			return fmt.Errorf("WATSONX_RISK_RAG_LLM_ENDPOINT (rag.endpoint) is required when ENABLE_RAG_LLM is true")
		}
		if c.Watsonx.APIKey == "" {
			return fmt.Errorf("WATSONX_AI_APIKEY is required to authenticate RAG scoring calls")
		}
	}
	return nil
}

// NeedsCredentials reports whether any component issues
// bearer-authenticated calls.
func (c *Config) NeedsCredentials() bool {
	return c.Reasoning.Provider == ProviderWatsonx || c.RAG.Enabled
}
