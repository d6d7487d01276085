package config

import (
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/snowcodeer/VisualAIser/internal/session"
)

const defaultICEServersJSON = `[{"urls":["stun:stun.l.google.com:19302"]}]`

// Config holds application configuration.
type Config struct {
	HTTPAddress    string
	AuthPassword   string
	ICEServersJSON string

	SpeechmaticsAPIKey string
	FlowURL            string
	ManagementURL      string
	CredentialTTL      time.Duration

	TemplateID   string
	TemplateName string

	ToolTimeout  time.Duration
	StartTimeout time.Duration
	EndTimeout   time.Duration

	AnnualReportURL  string
	CompanyPolicyURL string

	LogLevel  string
	LogFormat string
}

// Load reads the given .env files (".env" when none), then environment
// variables, and returns Config with sane defaults.
func Load(files ...string) Config {
	if err := godotenv.Load(files...); err != nil {
		slog.Info("no .env file loaded", "error", err)
	}

	cfg := Config{
		HTTPAddress:        envOr("HTTP_ADDRESS", ":8080"),
		AuthPassword:       os.Getenv("AUTH_PASSWORD"),
		ICEServersJSON:     envOr("ICE_SERVERS_JSON", defaultICEServersJSON),
		SpeechmaticsAPIKey: os.Getenv("SPEECHMATICS_API_KEY"),
		FlowURL:            os.Getenv("FLOW_URL"),
		ManagementURL:      os.Getenv("SPEECHMATICS_MP_URL"),
		CredentialTTL:      envDuration("CREDENTIAL_TTL", time.Hour),
		TemplateID:         strings.TrimSpace(os.Getenv("CUSTOM_TEMPLATE_ID")),
		TemplateName:       envOr("CUSTOM_TEMPLATE_NAME", "Sam"),
		ToolTimeout:        envDuration("TOOL_TIMEOUT", 10*time.Second),
		StartTimeout:       envDuration("START_TIMEOUT", 15*time.Second),
		EndTimeout:         envDuration("END_TIMEOUT", 5*time.Second),
		AnnualReportURL:    os.Getenv("ANNUAL_REPORT_URL"),
		CompanyPolicyURL:   os.Getenv("COMPANY_POLICY_URL"),
		LogLevel:           envOr("LOG_LEVEL", "info"),
		LogFormat:          envOr("LOG_FORMAT", "text"),
	}

	if cfg.SpeechmaticsAPIKey == "" {
		slog.Warn("SPEECHMATICS_API_KEY not set - sessions cannot start")
	}
	if cfg.TemplateID == "" {
		slog.Warn("CUSTOM_TEMPLATE_ID not set - no persona available")
	}
	slog.Info("config loaded", "http_address", cfg.HTTPAddress, "auth", cfg.AuthPassword != "")
	return cfg
}

// Personas is the selectable persona set: the configured template, if any.
func (c Config) Personas() []session.Persona {
	if c.TemplateID == "" {
		return nil
	}
	return []session.Persona{{ID: c.TemplateID, Name: c.TemplateName}}
}

// SlogLevel maps LOG_LEVEL to a slog level, defaulting to info.
func (c Config) SlogLevel() slog.Level {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(c.LogLevel)); err != nil {
		return slog.LevelInfo
	}
	return lvl
}

func envOr(key, def string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return def
}

func envDuration(key string, def time.Duration) time.Duration {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	d, err := time.ParseDuration(raw)
	if err != nil || d <= 0 {
		slog.Warn("invalid duration, using default", "key", key, "value", raw, "default", def)
		return def
	}
	return d
}
