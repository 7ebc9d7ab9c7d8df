package config

import (
	"fmt"
	"time"
)

type Config struct {
	Server    ServerConfig
	Ollama    OllamaConfig
	Storage   StorageConfig
	Proxy     ProxyConfig
	Telemetry TelemetryConfig
	Retrieval RetrievalConfig
	Analytics AnalyticsConfig
	Timeouts  TimeoutsConfig
	Router    RouterConfig
	Log       LogConfig
}

type ServerConfig struct {
	Port          int
	APIToken      string
	MaxConcurrent int
}

type OllamaConfig struct {
	BaseURL    string
	ChatModel  string
	FastModel  string
	EmbedModel string
}

type StorageConfig struct {
	DataDir string
}

type ProxyConfig struct {
	OpenRouterAPIKey string
	DefaultModel     string
}

// TelemetryConfig points at the read-only sensor store. Driver is either
// "sqlite" (DSN is a file path) or "postgres" (DSN is a connection URL).
type TelemetryConfig struct {
	Driver     string
	DSN        string
	SchemaFile string
	MaxRows    int
}

type RetrievalConfig struct {
	TopK         int
	MinScore     float64
	ChunkSize    int
	ChunkOverlap int
}

// AnalyticsConfig selects the analytic invoker. An empty URL means the
// in-process models are used.
type AnalyticsConfig struct {
	URL     string
	Window  string
	Horizon int
}

type TimeoutsConfig struct {
	Router string
	Engine string
	Query  string
}

type RouterConfig struct {
	MachinePattern string
}

type LogConfig struct {
	Level string
	File  string
}

func defaults() Config {
	dataDir := defaultDataDir()
	return Config{
		Server: ServerConfig{
			Port:          4000,
			MaxConcurrent: 16,
		},
		Ollama: OllamaConfig{
			BaseURL:    "http://localhost:11434",
			ChatModel:  "llama3.1",
			FastModel:  "phi3.5",
			EmbedModel: "nomic-embed-text",
		},
		Storage: StorageConfig{
			DataDir: dataDir,
		},
		Proxy: ProxyConfig{
			DefaultModel: "openai/gpt-4o-mini",
		},
		Telemetry: TelemetryConfig{
			Driver:  "sqlite",
			MaxRows: 500,
		},
		Retrieval: RetrievalConfig{
			TopK:         4,
			MinScore:     0.35,
			ChunkSize:    500,
			ChunkOverlap: 50,
		},
		Analytics: AnalyticsConfig{
			Window:  "24h",
			Horizon: 60,
		},
		Timeouts: TimeoutsConfig{
			Router: "10s",
			Engine: "120s",
			Query:  "15s",
		},
		Router: RouterConfig{
			MachinePattern: `(?i)\bCNC-\d{3}\b`,
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

// Load reads configuration from the JSON config file, then applies
// MACHINIST_* environment overrides. The OpenRouter API key may also come
// from the secrets file in the data directory.
func Load() (Config, error) {
	return loadWith(newFileBackend(configFilePath()), fileSecrets{path: secretsFilePath()})
}

// secretStore abstracts secret lookup for testing.
type secretStore interface {
	Get(service, account string) (string, error)
}

func loadWith(b ConfigBackend, ss secretStore) (Config, error) {
	cfg := defaults()

	if err := applyBackend(&cfg, b); err != nil {
		return Config{}, err
	}

	applyEnvOverrides(&cfg)

	if cfg.Proxy.OpenRouterAPIKey == "" {
		if key, err := ss.Get("machinist", "openrouter_api_key"); err == nil && key != "" {
			cfg.Proxy.OpenRouterAPIKey = key
		}
	}

	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) validate() error {
	switch c.Telemetry.Driver {
	case "sqlite", "postgres":
	default:
		return fmt.Errorf("invalid telemetry.driver %q: want sqlite or postgres", c.Telemetry.Driver)
	}
	for key, raw := range map[string]string{
		"timeouts.router":  c.Timeouts.Router,
		"timeouts.engine":  c.Timeouts.Engine,
		"timeouts.query":   c.Timeouts.Query,
		"analytics.window": c.Analytics.Window,
	} {
		if _, err := time.ParseDuration(raw); err != nil {
			return fmt.Errorf("invalid duration for %s: %w", key, err)
		}
	}
	if c.Retrieval.ChunkOverlap >= c.Retrieval.ChunkSize {
		return fmt.Errorf("retrieval.chunk_overlap (%d) must be smaller than retrieval.chunk_size (%d)",
			c.Retrieval.ChunkOverlap, c.Retrieval.ChunkSize)
	}
	return nil
}

// Duration parses a duration value that was validated at load time.
// Invalid values fall back to def.
func Duration(raw string, def time.Duration) time.Duration {
	d, err := time.ParseDuration(raw)
	if err != nil || d <= 0 {
		return def
	}
	return d
}

// RemoteEnabled reports whether the OpenRouter provider can be used.
func (c Config) RemoteEnabled() bool {
	return c.Proxy.OpenRouterAPIKey != ""
}
