package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	env "github.com/Netflix/go-env"
	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
)

const (
	GatewayDiscord  = "discord"
	GatewayTelegram = "telegram"
	GatewayDummy    = "dummy"

	BackendGemini = "gemini"
	BackendDummy  = "dummy"
)

// Config holds configuration for the bot process.
type Config struct {
	APIKey    string `env:"API_KEY"`
	BotToken  string `env:"BOT_TOKEN"`
	ChannelID string `env:"CHANNEL_ID"`

	Gateway          string        `env:"PAIMON_GATEWAY,default=discord" validate:"oneof=discord telegram dummy"`
	Backend          string        `env:"PAIMON_BACKEND,default=gemini" validate:"oneof=gemini dummy"`
	Model            string        `env:"PAIMON_MODEL,default=gemini-2.5-flash" validate:"required"`
	ImageModel       string        `env:"PAIMON_IMAGE_MODEL,default=imagen-3.0-generate-002" validate:"required"`
	GeminiBaseURL    string        `env:"PAIMON_GEMINI_BASE_URL,default=https://generativelanguage.googleapis.com" validate:"url"`
	MaxOutputTokens  int           `env:"PAIMON_MAX_OUTPUT_TOKENS,default=2000" validate:"min=1"`
	MaxReplyChars    int           `env:"PAIMON_MAX_REPLY_CHARS,default=2000" validate:"min=1"`
	HistoryBackend   string        `env:"PAIMON_HISTORY_BACKEND,default=json" validate:"oneof=json sqlite badger"`
	HistoryPath      string        `env:"PAIMON_HISTORY_PATH,default=conversation_history.json" validate:"required"`
	MaxHistoryTurns  int           `env:"PAIMON_MAX_HISTORY_TURNS,default=0" validate:"min=0"`
	ImagePrefix      string        `env:"PAIMON_IMAGE_PREFIX,default=imagine" validate:"required,alphanum"`
	AuditDBPath      string        `env:"PAIMON_AUDIT_DB_PATH"`
	CircuitThreshold int           `env:"PAIMON_CIRCUIT_THRESHOLD,default=5" validate:"min=1"`
	CircuitCooldown  time.Duration `env:"PAIMON_CIRCUIT_COOLDOWN,default=30s" validate:"gt=0"`
	ImageTimeout     time.Duration `env:"PAIMON_IMAGE_TIMEOUT,default=120s" validate:"gt=0"`
	TelegramAPIBase  string        `env:"PAIMON_TELEGRAM_API_BASE"`
	DummyScript      string        `env:"PAIMON_DUMMY_SCRIPT"`
	DummyInbound     string        `env:"PAIMON_DUMMY_INBOUND_SCRIPT"`
	LogLevel         string        `env:"PAIMON_LOG_LEVEL,default=info" validate:"oneof=debug info warn error"`
	LogFormat        string        `env:"PAIMON_LOG_FORMAT,default=console" validate:"oneof=console json"`
	Persona          string        `env:"PAIMON_PERSONA"`
}

var validate = validator.New()

// Load reads an optional dotenv file (".env" when none is given) and then
// the process environment. Variables already set in the environment win.
func Load(files ...string) (Config, error) {
	if err := godotenv.Load(files...); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return Config{}, fmt.Errorf("load dotenv: %w", err)
	}
	return FromEnviron()
}

// FromEnviron reads configuration from environment variables only.
func FromEnviron() (Config, error) {
	var cfg Config
	if _, err := env.UnmarshalFromEnviron(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse environment: %w", err)
	}
	if missing := cfg.missing(); len(missing) > 0 {
		return Config{}, fmt.Errorf("%s is required in environment", strings.Join(missing, ", "))
	}
	if err := validate.Struct(cfg); err != nil {
		return Config{}, fmt.Errorf("invalid configuration: %w", err)
	}
	if cfg.TelegramAPIBase == "" {
		cfg.TelegramAPIBase = "https://api.telegram.org/bot" + cfg.BotToken
	}
	cfg.TelegramAPIBase = strings.TrimRight(cfg.TelegramAPIBase, "/")
	return cfg, nil
}

func (c Config) missing() []string {
	var out []string
	for _, f := range []struct{ name, value string }{
		{"API_KEY", c.APIKey},
		{"BOT_TOKEN", c.BotToken},
		{"CHANNEL_ID", c.ChannelID},
	} {
		if strings.TrimSpace(f.value) == "" {
			out = append(out, f.name)
		}
	}
	return out
}
