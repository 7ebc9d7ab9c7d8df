package config

import (
	"fmt"
	"os"
	"strconv"
)

type keyType int

const (
	kString keyType = iota
	kInt
	kBool
	kFloat
)

type keySpec struct {
	key     string
	typ     keyType
	env     string
	secret  bool
	apply   func(cfg *Config, v any)
	extract func(cfg Config) any
}

var specs = []keySpec{
	{
		key: "server.port", typ: kInt, env: "MACHINIST_SERVER_PORT",
		apply:   func(cfg *Config, v any) { cfg.Server.Port = v.(int) },
		extract: func(cfg Config) any { return cfg.Server.Port },
	},
	{
		key: "server.api_token", typ: kString, env: "MACHINIST_SERVER_API_TOKEN",
		secret:  true,
		apply:   func(cfg *Config, v any) { cfg.Server.APIToken = v.(string) },
		extract: func(cfg Config) any { return cfg.Server.APIToken },
	},
	{
		key: "server.max_concurrent", typ: kInt, env: "MACHINIST_SERVER_MAX_CONCURRENT",
		apply:   func(cfg *Config, v any) { cfg.Server.MaxConcurrent = v.(int) },
		extract: func(cfg Config) any { return cfg.Server.MaxConcurrent },
	},
	{
		key: "ollama.base_url", typ: kString, env: "MACHINIST_OLLAMA_BASE_URL",
		apply:   func(cfg *Config, v any) { cfg.Ollama.BaseURL = v.(string) },
		extract: func(cfg Config) any { return cfg.Ollama.BaseURL },
	},
	{
		key: "ollama.chat_model", typ: kString, env: "MACHINIST_OLLAMA_CHAT_MODEL",
		apply:   func(cfg *Config, v any) { cfg.Ollama.ChatModel = v.(string) },
		extract: func(cfg Config) any { return cfg.Ollama.ChatModel },
	},
	{
		key: "ollama.fast_model", typ: kString, env: "MACHINIST_OLLAMA_FAST_MODEL",
		apply:   func(cfg *Config, v any) { cfg.Ollama.FastModel = v.(string) },
		extract: func(cfg Config) any { return cfg.Ollama.FastModel },
	},
	{
		key: "ollama.embed_model", typ: kString, env: "MACHINIST_OLLAMA_EMBED_MODEL",
		apply:   func(cfg *Config, v any) { cfg.Ollama.EmbedModel = v.(string) },
		extract: func(cfg Config) any { return cfg.Ollama.EmbedModel },
	},
	{
		key: "storage.data_dir", typ: kString, env: "MACHINIST_STORAGE_DATA_DIR",
		apply:   func(cfg *Config, v any) { cfg.Storage.DataDir = v.(string) },
		extract: func(cfg Config) any { return cfg.Storage.DataDir },
	},
	{
		key: "proxy.openrouter_api_key", typ: kString, env: "MACHINIST_OPENROUTER_API_KEY",
		secret:  true,
		apply:   func(cfg *Config, v any) { cfg.Proxy.OpenRouterAPIKey = v.(string) },
		extract: func(cfg Config) any { return cfg.Proxy.OpenRouterAPIKey },
	},
	{
		key: "proxy.default_model", typ: kString, env: "MACHINIST_PROXY_DEFAULT_MODEL",
		apply:   func(cfg *Config, v any) { cfg.Proxy.DefaultModel = v.(string) },
		extract: func(cfg Config) any { return cfg.Proxy.DefaultModel },
	},
	{
		key: "telemetry.driver", typ: kString, env: "MACHINIST_TELEMETRY_DRIVER",
		apply:   func(cfg *Config, v any) { cfg.Telemetry.Driver = v.(string) },
		extract: func(cfg Config) any { return cfg.Telemetry.Driver },
	},
	{
		key: "telemetry.dsn", typ: kString, env: "MACHINIST_TELEMETRY_DSN",
		apply:   func(cfg *Config, v any) { cfg.Telemetry.DSN = v.(string) },
		extract: func(cfg Config) any { return cfg.Telemetry.DSN },
	},
	{
		key: "telemetry.schema_file", typ: kString, env: "MACHINIST_TELEMETRY_SCHEMA_FILE",
		apply:   func(cfg *Config, v any) { cfg.Telemetry.SchemaFile = v.(string) },
		extract: func(cfg Config) any { return cfg.Telemetry.SchemaFile },
	},
	{
		key: "telemetry.max_rows", typ: kInt, env: "MACHINIST_TELEMETRY_MAX_ROWS",
		apply:   func(cfg *Config, v any) { cfg.Telemetry.MaxRows = v.(int) },
		extract: func(cfg Config) any { return cfg.Telemetry.MaxRows },
	},
	{
		key: "retrieval.top_k", typ: kInt, env: "MACHINIST_RETRIEVAL_TOP_K",
		apply:   func(cfg *Config, v any) { cfg.Retrieval.TopK = v.(int) },
		extract: func(cfg Config) any { return cfg.Retrieval.TopK },
	},
	{
		key: "retrieval.min_score", typ: kFloat, env: "MACHINIST_RETRIEVAL_MIN_SCORE",
		apply:   func(cfg *Config, v any) { cfg.Retrieval.MinScore = v.(float64) },
		extract: func(cfg Config) any { return cfg.Retrieval.MinScore },
	},
	{
		key: "retrieval.chunk_size", typ: kInt, env: "MACHINIST_RETRIEVAL_CHUNK_SIZE",
		apply:   func(cfg *Config, v any) { cfg.Retrieval.ChunkSize = v.(int) },
		extract: func(cfg Config) any { return cfg.Retrieval.ChunkSize },
	},
	{
		key: "retrieval.chunk_overlap", typ: kInt, env: "MACHINIST_RETRIEVAL_CHUNK_OVERLAP",
		apply:   func(cfg *Config, v any) { cfg.Retrieval.ChunkOverlap = v.(int) },
		extract: func(cfg Config) any { return cfg.Retrieval.ChunkOverlap },
	},
	{
		key: "analytics.url", typ: kString, env: "MACHINIST_ANALYTICS_URL",
		apply:   func(cfg *Config, v any) { cfg.Analytics.URL = v.(string) },
		extract: func(cfg Config) any { return cfg.Analytics.URL },
	},
	{
		key: "analytics.window", typ: kString, env: "MACHINIST_ANALYTICS_WINDOW",
		apply:   func(cfg *Config, v any) { cfg.Analytics.Window = v.(string) },
		extract: func(cfg Config) any { return cfg.Analytics.Window },
	},
	{
		key: "analytics.horizon", typ: kInt, env: "MACHINIST_ANALYTICS_HORIZON",
		apply:   func(cfg *Config, v any) { cfg.Analytics.Horizon = v.(int) },
		extract: func(cfg Config) any { return cfg.Analytics.Horizon },
	},
	{
		key: "timeouts.router", typ: kString, env: "MACHINIST_TIMEOUTS_ROUTER",
		apply:   func(cfg *Config, v any) { cfg.Timeouts.Router = v.(string) },
		extract: func(cfg Config) any { return cfg.Timeouts.Router },
	},
	{
		key: "timeouts.engine", typ: kString, env: "MACHINIST_TIMEOUTS_ENGINE",
		apply:   func(cfg *Config, v any) { cfg.Timeouts.Engine = v.(string) },
		extract: func(cfg Config) any { return cfg.Timeouts.Engine },
	},
	{
		key: "timeouts.query", typ: kString, env: "MACHINIST_TIMEOUTS_QUERY",
		apply:   func(cfg *Config, v any) { cfg.Timeouts.Query = v.(string) },
		extract: func(cfg Config) any { return cfg.Timeouts.Query },
	},
	{
		key: "router.machine_pattern", typ: kString, env: "MACHINIST_ROUTER_MACHINE_PATTERN",
		apply:   func(cfg *Config, v any) { cfg.Router.MachinePattern = v.(string) },
		extract: func(cfg Config) any { return cfg.Router.MachinePattern },
	},
	{
		key: "log.level", typ: kString, env: "MACHINIST_LOG_LEVEL",
		apply:   func(cfg *Config, v any) { cfg.Log.Level = v.(string) },
		extract: func(cfg Config) any { return cfg.Log.Level },
	},
	{
		key: "log.file", typ: kString, env: "MACHINIST_LOG_FILE",
		apply:   func(cfg *Config, v any) { cfg.Log.File = v.(string) },
		extract: func(cfg Config) any { return cfg.Log.File },
	},
}

func applyBackend(cfg *Config, b ConfigBackend) error {
	for _, s := range specs {
		if s.secret {
			continue
		}
		switch s.typ {
		case kString:
			v, ok, err := b.GetString(s.key)
			if err != nil {
				return fmt.Errorf("reading %s: %w", s.key, err)
			}
			if ok {
				s.apply(cfg, v)
			}
		case kInt:
			v, ok, err := b.GetInt(s.key)
			if err != nil {
				return fmt.Errorf("reading %s: %w", s.key, err)
			}
			if ok {
				s.apply(cfg, v)
			}
		case kBool:
			v, ok, err := b.GetString(s.key)
			if err != nil {
				return fmt.Errorf("reading %s: %w", s.key, err)
			}
			if ok && v != "" {
				if bv, err := strconv.ParseBool(v); err == nil {
					s.apply(cfg, bv)
				} else {
					fmt.Fprintf(os.Stderr, "[WARN] could not parse bool from config key %s=%q: %v. Using default value.\n", s.key, v, err)
				}
			}
		case kFloat:
			v, ok, err := b.GetString(s.key)
			if err != nil {
				return fmt.Errorf("reading %s: %w", s.key, err)
			}
			if ok && v != "" {
				if f, err := strconv.ParseFloat(v, 64); err == nil {
					s.apply(cfg, f)
				} else {
					fmt.Fprintf(os.Stderr, "[WARN] could not parse float from config key %s=%q: %v. Using default value.\n", s.key, v, err)
				}
			}
		}
	}
	return nil
}

func applyEnvOverrides(cfg *Config) {
	for _, s := range specs {
		if s.env == "" {
			continue
		}
		raw := os.Getenv(s.env)
		if raw == "" {
			continue
		}
		switch s.typ {
		case kString:
			s.apply(cfg, raw)
		case kInt:
			if i, err := strconv.Atoi(raw); err == nil {
				s.apply(cfg, i)
			} else {
				fmt.Fprintf(os.Stderr, "[WARN] could not parse integer from env var %s=%q: %v. Using default value.\n", s.env, raw, err)
			}
		case kBool:
			if b, err := strconv.ParseBool(raw); err == nil {
				s.apply(cfg, b)
			} else {
				fmt.Fprintf(os.Stderr, "[WARN] could not parse bool from env var %s=%q: %v. Using default value.\n", s.env, raw, err)
			}
		case kFloat:
			if f, err := strconv.ParseFloat(raw, 64); err == nil {
				s.apply(cfg, f)
			} else {
				fmt.Fprintf(os.Stderr, "[WARN] could not parse float from env var %s=%q: %v. Using default value.\n", s.env, raw, err)
			}
		}
	}
}
