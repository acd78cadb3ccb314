package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"
)

// RelayConfig holds configuration for the relay process.
type RelayConfig struct {
	TelegramAPIBase string
	Timeout         int
	RequestTimeout  time.Duration

	Commander            string
	ModelProvider        string
	DummyProviderScript  string
	DummyCommanderScript string
	DummySendScript      string

	OpenAIAPIKey  string
	OpenAIBaseURL string
	OpenAIModel   string
	SystemPrompt  string

	Stream             bool
	UpstreamTimeout    time.Duration
	HistoryLimit       int
	DailyLimit         int
	DailyWindow        time.Duration
	BurstLimit         int
	BurstWindow        time.Duration
	StreamEditInterval time.Duration
	MaxMessageChars    int
	SupersedeGrace     time.Duration
	SweepInterval      time.Duration
	HistoryIdle        time.Duration

	WebhookSecret string
	DBPath        string
	Port          int
	LogLevel      slog.Level
}

// LoadRelayConfig reads relay configuration from environment variables.
func LoadRelayConfig() (RelayConfig, error) {
	modelProvider := envOrDefault("RELAY_MODEL_PROVIDER", "openai")
	commander := envOrDefault("RELAY_COMMANDER", "telegram")

	switch modelProvider {
	case "openai", "dummy":
	default:
		return RelayConfig{}, fmt.Errorf("RELAY_MODEL_PROVIDER must be openai or dummy, got %q", modelProvider)
	}
	switch commander {
	case "telegram", "dummy":
	default:
		return RelayConfig{}, fmt.Errorf("RELAY_COMMANDER must be telegram or dummy, got %q", commander)
	}

	telegramToken := os.Getenv("TELEGRAM_BOT_TOKEN")
	if commander == "telegram" && telegramToken == "" {
		return RelayConfig{}, fmt.Errorf("TELEGRAM_BOT_TOKEN is required in environment when RELAY_COMMANDER=telegram")
	}
	openaiKey := envFirst("OPENAI_API_KEY", "OPENWEBUI_API_KEY")
	if modelProvider == "openai" && openaiKey == "" {
		return RelayConfig{}, fmt.Errorf("OPENAI_API_KEY is required in environment when RELAY_MODEL_PROVIDER=openai")
	}
	baseURL := os.Getenv("OPENAI_BASE_URL")
	if baseURL == "" {
		if webui := os.Getenv("OPENWEBUI_BASE_URL"); webui != "" {
			baseURL = strings.TrimRight(webui, "/") + "/api"
		} else {
			baseURL = "https://api.openai.com/v1"
		}
	}

	level, err := parseLevel(envOrDefault("RELAY_LOG_LEVEL", "info"))
	if err != nil {
		return RelayConfig{}, err
	}

	cfg := RelayConfig{
		TelegramAPIBase:      fmt.Sprintf("%s/bot%s", strings.TrimRight(envOrDefault("TELEGRAM_API_BASE", "https://api.telegram.org"), "/"), telegramToken),
		Timeout:              envIntOrDefault("TG_TIMEOUT", 30),
		RequestTimeout:       seconds(envIntOrDefault("TG_REQUEST_TIMEOUT_SECONDS", 15)),
		Commander:            commander,
		ModelProvider:        modelProvider,
		DummyProviderScript:  envOrDefault("RELAY_DUMMY_PROVIDER_SCRIPT", "ok"),
		DummyCommanderScript: envOrDefault("RELAY_DUMMY_COMMANDER_SCRIPT", "ok"),
		DummySendScript:      envOrDefault("RELAY_DUMMY_SEND_SCRIPT", "ok"),
		OpenAIAPIKey:         openaiKey,
		OpenAIBaseURL:        baseURL,
		OpenAIModel:          envOrDefault("OPENAI_MODEL", "llama3.1"),
		SystemPrompt:         os.Getenv("RELAY_SYSTEM_PROMPT"),
		Stream:               envBoolOrDefault("RELAY_STREAM", true),
		UpstreamTimeout:      seconds(envIntOrDefault("RELAY_UPSTREAM_TIMEOUT_SECONDS", 180)),
		HistoryLimit:         envIntOrDefault("RELAY_HISTORY_LIMIT", 20),
		DailyLimit:           envIntOrDefault("RELAY_DAILY_LIMIT", 5),
		DailyWindow:          seconds(envIntOrDefault("RELAY_DAILY_WINDOW_SECONDS", 86400)),
		BurstLimit:           envIntOrDefault("RELAY_BURST_LIMIT", 2),
		BurstWindow:          seconds(envIntOrDefault("RELAY_BURST_WINDOW_SECONDS", 10)),
		StreamEditInterval:   millis(envIntOrDefault("RELAY_STREAM_EDIT_INTERVAL_MS", 500)),
		MaxMessageChars:      envIntOrDefault("RELAY_MAX_MESSAGE_CHARS", 4096),
		SupersedeGrace:       millis(envIntOrDefault("RELAY_SUPERSEDE_GRACE_MS", 2000)),
		SweepInterval:        seconds(envIntOrDefault("RELAY_SWEEP_INTERVAL_SECONDS", 600)),
		HistoryIdle:          seconds(envIntOrDefault("RELAY_HISTORY_IDLE_SECONDS", 86400)),
		WebhookSecret:        os.Getenv("RELAY_WEBHOOK_SECRET"),
		DBPath:               os.Getenv("RELAY_DB_PATH"),
		Port:                 envIntOrDefault("PORT", 5000),
		LogLevel:             level,
	}
	if err := cfg.validate(); err != nil {
		return RelayConfig{}, err
	}
	return cfg, nil
}

func (c RelayConfig) validate() error {
	positive := []struct {
		key string
		ok  bool
	}{
		{"TG_REQUEST_TIMEOUT_SECONDS", c.RequestTimeout > 0},
		{"RELAY_UPSTREAM_TIMEOUT_SECONDS", c.UpstreamTimeout > 0},
		{"RELAY_HISTORY_LIMIT", c.HistoryLimit > 0},
		{"RELAY_DAILY_WINDOW_SECONDS", c.DailyWindow > 0},
		{"RELAY_BURST_WINDOW_SECONDS", c.BurstWindow > 0},
		{"RELAY_STREAM_EDIT_INTERVAL_MS", c.StreamEditInterval > 0},
		{"RELAY_SWEEP_INTERVAL_SECONDS", c.SweepInterval > 0},
		{"RELAY_HISTORY_IDLE_SECONDS", c.HistoryIdle > 0},
	}
	for _, p := range positive {
		if !p.ok {
			return fmt.Errorf("%s must be > 0", p.key)
		}
	}
	if c.DailyLimit < 0 {
		return fmt.Errorf("RELAY_DAILY_LIMIT must be >= 0")
	}
	if c.BurstLimit < 0 {
		return fmt.Errorf("RELAY_BURST_LIMIT must be >= 0")
	}
	if c.Timeout < 0 {
		return fmt.Errorf("TG_TIMEOUT must be >= 0")
	}
	if c.SupersedeGrace < 0 {
		return fmt.Errorf("RELAY_SUPERSEDE_GRACE_MS must be >= 0")
	}
	if c.MaxMessageChars < 16 || c.MaxMessageChars > 4096 {
		return fmt.Errorf("RELAY_MAX_MESSAGE_CHARS must be between 16 and 4096")
	}
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("PORT must be a valid TCP port")
	}
	return nil
}

func parseLevel(v string) (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(v)); err != nil {
		return 0, fmt.Errorf("RELAY_LOG_LEVEL is invalid: %q", v)
	}
	return level, nil
}

func seconds(n int) time.Duration { return time.Duration(n) * time.Second }

func millis(n int) time.Duration { return time.Duration(n) * time.Millisecond }

func envFirst(keys ...string) string {
	for _, k := range keys {
		if v := os.Getenv(k); v != "" {
			return v
		}
	}
	return ""
}

func envOrDefault(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envIntOrDefault(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}

func envBoolOrDefault(key string, fallback bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	return v == "1" || strings.EqualFold(v, "true")
}
