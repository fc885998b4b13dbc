package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

type keyType int

const (
	kString keyType = iota
	kInt
	kBool
	kFloat
	kDuration
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
		key: "server.port", typ: kInt, env: "FIELDDISPATCH_SERVER_PORT",
		apply:   func(cfg *Config, v any) { cfg.Server.Port = v.(int) },
		extract: func(cfg Config) any { return cfg.Server.Port },
	},
	{
		key: "server.max_conns", typ: kInt, env: "FIELDDISPATCH_SERVER_MAX_CONNS",
		apply:   func(cfg *Config, v any) { cfg.Server.MaxConns = v.(int) },
		extract: func(cfg Config) any { return cfg.Server.MaxConns },
	},
	{
		key: "server.api_token", typ: kString, env: "FIELDDISPATCH_API_TOKEN",
		secret:  true,
		apply:   func(cfg *Config, v any) { cfg.Server.APIToken = v.(string) },
		extract: func(cfg Config) any { return cfg.Server.APIToken },
	},
	{
		key: "llm.provider", typ: kString, env: "FIELDDISPATCH_LLM_PROVIDER",
		apply:   func(cfg *Config, v any) { cfg.LLM.Provider = v.(string) },
		extract: func(cfg Config) any { return cfg.LLM.Provider },
	},
	{
		key: "llm.base_url", typ: kString, env: "FIELDDISPATCH_LLM_BASE_URL",
		apply:   func(cfg *Config, v any) { cfg.LLM.BaseURL = v.(string) },
		extract: func(cfg Config) any { return cfg.LLM.BaseURL },
	},
	{
		key: "llm.api_key", typ: kString, env: "FIELDDISPATCH_LLM_API_KEY",
		secret:  true,
		apply:   func(cfg *Config, v any) { cfg.LLM.APIKey = v.(string) },
		extract: func(cfg Config) any { return cfg.LLM.APIKey },
	},
	{
		key: "llm.intent_model", typ: kString, env: "FIELDDISPATCH_LLM_INTENT_MODEL",
		apply:   func(cfg *Config, v any) { cfg.LLM.IntentModel = v.(string) },
		extract: func(cfg Config) any { return cfg.LLM.IntentModel },
	},
	{
		key: "llm.response_model", typ: kString, env: "FIELDDISPATCH_LLM_RESPONSE_MODEL",
		apply:   func(cfg *Config, v any) { cfg.LLM.ResponseModel = v.(string) },
		extract: func(cfg Config) any { return cfg.LLM.ResponseModel },
	},
	{
		key: "speech.max_retries", typ: kInt, env: "FIELDDISPATCH_SPEECH_MAX_RETRIES",
		apply:   func(cfg *Config, v any) { cfg.Speech.MaxRetries = v.(int) },
		extract: func(cfg Config) any { return cfg.Speech.MaxRetries },
	},
	{
		key: "speech.timeout", typ: kDuration, env: "FIELDDISPATCH_SPEECH_TIMEOUT",
		apply:   func(cfg *Config, v any) { cfg.Speech.Timeout = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Speech.Timeout },
	},
	{
		key: "speech.voice", typ: kString, env: "FIELDDISPATCH_SPEECH_VOICE",
		apply:   func(cfg *Config, v any) { cfg.Speech.Voice = v.(string) },
		extract: func(cfg Config) any { return cfg.Speech.Voice },
	},
	{
		key: "speech.rate", typ: kString, env: "FIELDDISPATCH_SPEECH_RATE",
		apply:   func(cfg *Config, v any) { cfg.Speech.Rate = v.(string) },
		extract: func(cfg Config) any { return cfg.Speech.Rate },
	},
	{
		key: "bandit.epsilon", typ: kFloat, env: "FIELDDISPATCH_BANDIT_EPSILON",
		apply:   func(cfg *Config, v any) { cfg.Bandit.Epsilon = v.(float64) },
		extract: func(cfg Config) any { return cfg.Bandit.Epsilon },
	},
	{
		key: "bandit.window", typ: kInt, env: "FIELDDISPATCH_BANDIT_WINDOW",
		apply:   func(cfg *Config, v any) { cfg.Bandit.Window = v.(int) },
		extract: func(cfg Config) any { return cfg.Bandit.Window },
	},
	{
		key: "queue.driver", typ: kString, env: "FIELDDISPATCH_QUEUE_DRIVER",
		apply:   func(cfg *Config, v any) { cfg.Queue.Driver = v.(string) },
		extract: func(cfg Config) any { return cfg.Queue.Driver },
	},
	{
		key: "queue.name", typ: kString, env: "FIELDDISPATCH_QUEUE_NAME",
		apply:   func(cfg *Config, v any) { cfg.Queue.Name = v.(string) },
		extract: func(cfg Config) any { return cfg.Queue.Name },
	},
	{
		key: "queue.dlq_name", typ: kString, env: "FIELDDISPATCH_QUEUE_DLQ_NAME",
		apply:   func(cfg *Config, v any) { cfg.Queue.DLQName = v.(string) },
		extract: func(cfg Config) any { return cfg.Queue.DLQName },
	},
	{
		key: "queue.sqlite_path", typ: kString, env: "FIELDDISPATCH_QUEUE_SQLITE_PATH",
		apply:   func(cfg *Config, v any) { cfg.Queue.SQLitePath = v.(string) },
		extract: func(cfg Config) any { return cfg.Queue.SQLitePath },
	},
	{
		key: "queue.redis_url", typ: kString, env: "FIELDDISPATCH_QUEUE_REDIS_URL",
		apply:   func(cfg *Config, v any) { cfg.Queue.RedisURL = v.(string) },
		extract: func(cfg Config) any { return cfg.Queue.RedisURL },
	},
	{
		key: "queue.batch_size", typ: kInt, env: "FIELDDISPATCH_QUEUE_BATCH_SIZE",
		apply:   func(cfg *Config, v any) { cfg.Queue.BatchSize = v.(int) },
		extract: func(cfg Config) any { return cfg.Queue.BatchSize },
	},
	{
		key: "queue.wait", typ: kDuration, env: "FIELDDISPATCH_QUEUE_WAIT",
		apply:   func(cfg *Config, v any) { cfg.Queue.Wait = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Queue.Wait },
	},
	{
		key: "log.level", typ: kString, env: "FIELDDISPATCH_LOG_LEVEL",
		apply:   func(cfg *Config, v any) { cfg.Log.Level = v.(string) },
		extract: func(cfg Config) any { return cfg.Log.Level },
	},
}

// parse converts raw text to the key's type.
func (s keySpec) parse(raw string) (any, error) {
	switch s.typ {
	case kInt:
		return strconv.Atoi(raw)
	case kBool:
		return strconv.ParseBool(raw)
	case kFloat:
		return strconv.ParseFloat(raw, 64)
	case kDuration:
		return time.ParseDuration(raw)
	default:
		return raw, nil
	}
}

func applyBackend(cfg *Config, b ConfigBackend) error {
	for _, s := range specs {
		if s.secret {
			continue
		}
		if s.typ == kInt {
			v, ok, err := b.GetInt(s.key)
			if err != nil {
				return fmt.Errorf("reading %s: %w", s.key, err)
			}
			if ok {
				s.apply(cfg, v)
			}
			continue
		}

		raw, ok, err := b.GetString(s.key)
		if err != nil {
			return fmt.Errorf("reading %s: %w", s.key, err)
		}
		if !ok || (raw == "" && s.typ != kString) {
			continue
		}
		v, err := s.parse(raw)
		if err != nil {
			fmt.Fprintf(os.Stderr, "[WARN] could not parse config key %s=%q: %v. Using default value.\n", s.key, raw, err)
			continue
		}
		s.apply(cfg, v)
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
		v, err := s.parse(raw)
		if err != nil {
			fmt.Fprintf(os.Stderr, "[WARN] could not parse env var %s=%q: %v. Using default value.\n", s.env, raw, err)
			continue
		}
		s.apply(cfg, v)
	}
}
