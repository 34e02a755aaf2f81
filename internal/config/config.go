package config

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config represents runtime configuration sourced from environment variables.
type Config struct {
	CheckInterval  time.Duration
	UtilThreshold  int
	TempThreshold  int
	NotifyRecovery bool
	ResolveNames   bool
	EnvFile        string
	SMI            SMIConfig
	Proc           ProcConfig
	Slack          SlackConfig
	Telegram       TelegramConfig
	HTTP           HTTPConfig
	Log            LogConfig
}

// SMIConfig controls how nvidia-smi is invoked.
type SMIConfig struct {
	Path    string
	Timeout time.Duration
}

// ProcConfig governs the GPU process listing.
type ProcConfig struct {
	Enable bool
	Root   string
}

// SlackConfig holds the incoming webhook settings. An empty URL disables it.
type SlackConfig struct {
	WebhookURL string
	Username   string
	IconEmoji  string
}

// TelegramConfig enables the Telegram sink when both fields are set.
type TelegramConfig struct {
	BotToken string
	ChatID   string
}

// Enabled reports whether the Telegram sink is configured.
func (c TelegramConfig) Enabled() bool { return c.BotToken != "" && c.ChatID != "" }

// HTTPConfig covers the optional status server.
type HTTPConfig struct {
	ListenAddr       string
	AllowedOrigins   []string
	EnablePrometheus bool
	EnablePprof      bool
	WS               WebsocketConfig
}

// Enabled reports whether a listen address was configured.
func (c HTTPConfig) Enabled() bool { return c.ListenAddr != "" }

// WebsocketConfig captures tunables for WebSocket handling.
type WebsocketConfig struct {
	MaxClients   int
	WriteTimeout time.Duration
}

// LogConfig selects the slog handler and optional rotating file output.
type LogConfig struct {
	Level      slog.Level
	Format     string
	File       string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
}

const defaultEnvFile = ".env"

// Default returns the configuration used when no variables are set.
func Default() Config {
	return Config{
		CheckInterval: 300 * time.Second,
		UtilThreshold: 95,
		TempThreshold: 85,
		ResolveNames:  true,
		EnvFile:       defaultEnvFile,
		SMI: SMIConfig{
			Path:    "nvidia-smi",
			Timeout: 30 * time.Second,
		},
		Proc: ProcConfig{
			Enable: true,
			Root:   "/proc",
		},
		Slack: SlackConfig{
			Username:  "GPU Monitor",
			IconEmoji: ":desktop_computer:",
		},
		HTTP: HTTPConfig{
			AllowedOrigins: []string{"*"},
			WS: WebsocketConfig{
				MaxClients:   64,
				WriteTimeout: 3 * time.Second,
			},
		},
		Log: LogConfig{
			Level:      slog.LevelInfo,
			Format:     "text",
			MaxSizeMB:  50,
			MaxBackups: 5,
			MaxAgeDays: 28,
		},
	}
}

// Load seeds the environment from APP_ENV_FILE (default .env) and parses
// configuration from it, applying defaults. Variables already present in the
// process environment win over the file; a missing file is ignored.
func Load() (Config, error) {
	cfg := Default()

	if value, ok := os.LookupEnv("APP_ENV_FILE"); ok {
		cfg.EnvFile = strings.TrimSpace(value)
	}
	if cfg.EnvFile != "" {
		if err := godotenv.Load(cfg.EnvFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return Config{}, fmt.Errorf("load env file %s: %w", cfg.EnvFile, err)
		}
	}

	if value := env("GPU_CHECK_INTERVAL"); value != "" {
		interval, err := parseInterval(value)
		if err != nil {
			return Config{}, fmt.Errorf("parse GPU_CHECK_INTERVAL: %w", err)
		}
		if interval <= 0 {
			return Config{}, fmt.Errorf("GPU_CHECK_INTERVAL must be > 0")
		}
		cfg.CheckInterval = interval
	}

	if value := env("GPU_ALERT_THRESHOLD"); value != "" {
		threshold, err := strconv.Atoi(value)
		if err != nil {
			return Config{}, fmt.Errorf("parse GPU_ALERT_THRESHOLD: %w", err)
		}
		if threshold < 0 || threshold > 100 {
			return Config{}, fmt.Errorf("GPU_ALERT_THRESHOLD must be within 0..100")
		}
		cfg.UtilThreshold = threshold
	}

	if value := env("GPU_TEMP_THRESHOLD"); value != "" {
		threshold, err := strconv.Atoi(value)
		if err != nil {
			return Config{}, fmt.Errorf("parse GPU_TEMP_THRESHOLD: %w", err)
		}
		if threshold <= 0 {
			return Config{}, fmt.Errorf("GPU_TEMP_THRESHOLD must be > 0")
		}
		cfg.TempThreshold = threshold
	}

	if value := env("APP_SMI_PATH"); value != "" {
		cfg.SMI.Path = value
	}

	var err error
	if cfg.SMI.Timeout, err = positiveDuration("APP_SMI_TIMEOUT", cfg.SMI.Timeout); err != nil {
		return Config{}, err
	}
	if cfg.NotifyRecovery, err = boolean("APP_NOTIFY_RECOVERY", cfg.NotifyRecovery); err != nil {
		return Config{}, err
	}
	if cfg.ResolveNames, err = boolean("APP_RESOLVE_NAMES", cfg.ResolveNames); err != nil {
		return Config{}, err
	}

	if cfg.Proc.Enable, err = boolean("APP_PROC_ENABLE", cfg.Proc.Enable); err != nil {
		return Config{}, err
	}
	if value := env("APP_PROC_ROOT"); value != "" {
		cfg.Proc.Root = value
	}

	cfg.Slack.WebhookURL = env("SLACK_WEBHOOK_URL")
	if value := env("APP_SLACK_USERNAME"); value != "" {
		cfg.Slack.Username = value
	}
	if value := env("APP_SLACK_ICON_EMOJI"); value != "" {
		cfg.Slack.IconEmoji = value
	}

	cfg.Telegram.BotToken = env("TELEGRAM_BOT_TOKEN")
	cfg.Telegram.ChatID = env("TELEGRAM_CHAT_ID")

	cfg.HTTP.ListenAddr = env("APP_LISTEN_ADDR")

	if value := env("APP_ALLOWED_ORIGINS"); value != "" {
		origins := splitAndTrim(value, ",")
		if len(origins) == 0 {
			return Config{}, fmt.Errorf("APP_ALLOWED_ORIGINS must not be empty")
		}
		cfg.HTTP.AllowedOrigins = origins
	}

	if cfg.HTTP.EnablePrometheus, err = boolean("APP_ENABLE_PROMETHEUS", cfg.HTTP.EnablePrometheus); err != nil {
		return Config{}, err
	}
	if cfg.HTTP.EnablePprof, err = boolean("APP_ENABLE_PPROF", cfg.HTTP.EnablePprof); err != nil {
		return Config{}, err
	}
	if cfg.HTTP.WS.MaxClients, err = positiveInt("APP_WS_MAX_CLIENTS", cfg.HTTP.WS.MaxClients); err != nil {
		return Config{}, err
	}
	if cfg.HTTP.WS.WriteTimeout, err = positiveDuration("APP_WS_WRITE_TIMEOUT", cfg.HTTP.WS.WriteTimeout); err != nil {
		return Config{}, err
	}

	if value := env("APP_LOG_LEVEL"); value != "" {
		level, err := parseLogLevel(value)
		if err != nil {
			return Config{}, fmt.Errorf("parse APP_LOG_LEVEL: %w", err)
		}
		cfg.Log.Level = level
	}

	if value := env("APP_LOG_FORMAT"); value != "" {
		format := strings.ToLower(value)
		if format != "text" && format != "json" {
			return Config{}, fmt.Errorf("APP_LOG_FORMAT must be text or json, got %q", value)
		}
		cfg.Log.Format = format
	}

	cfg.Log.File = env("APP_LOG_FILE")
	if cfg.Log.MaxSizeMB, err = positiveInt("APP_LOG_MAX_SIZE_MB", cfg.Log.MaxSizeMB); err != nil {
		return Config{}, err
	}
	if cfg.Log.MaxBackups, err = nonNegativeInt("APP_LOG_MAX_BACKUPS", cfg.Log.MaxBackups); err != nil {
		return Config{}, err
	}
	if cfg.Log.MaxAgeDays, err = nonNegativeInt("APP_LOG_MAX_AGE_DAYS", cfg.Log.MaxAgeDays); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func env(key string) string {
	return strings.TrimSpace(os.Getenv(key))
}

// parseInterval accepts a bare number of seconds or a Go duration string.
func parseInterval(value string) (time.Duration, error) {
	if seconds, err := strconv.Atoi(value); err == nil {
		return time.Duration(seconds) * time.Second, nil
	}
	return time.ParseDuration(value)
}

func boolean(key string, fallback bool) (bool, error) {
	value := env(key)
	if value == "" {
		return fallback, nil
	}
	enabled, err := strconv.ParseBool(value)
	if err != nil {
		return false, fmt.Errorf("parse %s: %w", key, err)
	}
	return enabled, nil
}

func positiveDuration(key string, fallback time.Duration) (time.Duration, error) {
	value := env(key)
	if value == "" {
		return fallback, nil
	}
	duration, err := time.ParseDuration(value)
	if err != nil {
		return 0, fmt.Errorf("parse %s: %w", key, err)
	}
	if duration <= 0 {
		return 0, fmt.Errorf("%s must be > 0", key)
	}
	return duration, nil
}

func positiveInt(key string, fallback int) (int, error) {
	n, err := nonNegativeInt(key, fallback)
	if err != nil {
		return 0, err
	}
	if n == 0 {
		return 0, fmt.Errorf("%s must be > 0", key)
	}
	return n, nil
}

func nonNegativeInt(key string, fallback int) (int, error) {
	value := env(key)
	if value == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(value)
	if err != nil {
		return 0, fmt.Errorf("parse %s: %w", key, err)
	}
	if n < 0 {
		return 0, fmt.Errorf("%s must be >= 0", key)
	}
	return n, nil
}

func splitAndTrim(value, sep string) []string {
	raw := strings.Split(value, sep)
	out := make([]string, 0, len(raw))
	for _, item := range raw {
		trimmed := strings.TrimSpace(item)
		if trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

func parseLogLevel(input string) (slog.Level, error) {
	switch strings.ToUpper(strings.TrimSpace(input)) {
	case "DEBUG":
		return slog.LevelDebug, nil
	case "INFO":
		return slog.LevelInfo, nil
	case "WARN", "WARNING":
		return slog.LevelWarn, nil
	case "ERROR":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("unsupported log level %q", input)
	}
}
