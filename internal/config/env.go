package config

import (
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"
)

// ApplyEnv overlays environment variables on cfg. Invalid numeric values
// are logged and ignored.
func ApplyEnv(cfg *Config) {
	s := &cfg.Server
	s.Addr = stringEnv("MEETINGNOTES_ADDR", s.Addr)
	s.JWTSecret = stringEnv("MEETINGNOTES_JWT_SECRET", s.JWTSecret)
	s.InternalHMACSecret = stringEnv("MEETINGNOTES_INTERNAL_HMAC_SECRET", s.InternalHMACSecret)
	s.InternalMaxSkew = durationEnv("MEETINGNOTES_INTERNAL_MAX_SKEW", s.InternalMaxSkew)
	s.MaxBodyBytes = int64Env("MEETINGNOTES_MAX_BODY_BYTES", s.MaxBodyBytes)
	s.RateLimitRPS = floatEnv("MEETINGNOTES_RATE_LIMIT_RPS", s.RateLimitRPS)
	s.RateLimitBurst = intEnv("MEETINGNOTES_RATE_LIMIT_BURST", s.RateLimitBurst)
	s.SiteVerification = stringEnv("MEETINGNOTES_SITE_VERIFICATION", s.SiteVerification)

	st := &cfg.Storage
	st.Profile = stringEnv("MEETINGNOTES_BACKEND_PROFILE", st.Profile)
	st.DataDir = stringEnv("MEETINGNOTES_DATA_DIR", st.DataDir)
	st.ProductionDSN = stringEnv("MEETINGNOTES_POSTGRES_DSN", st.ProductionDSN)
	st.ProductionDSN = stringEnv("MEETINGNOTES_PRODUCTION_DSN", st.ProductionDSN)
	st.CacheDSN = stringEnv("MEETINGNOTES_CACHE_DSN", st.CacheDSN)
	st.QueueDSN = stringEnv("MEETINGNOTES_QUEUE_DSN", st.QueueDSN)
	st.QueueSize = intEnv("MEETINGNOTES_QUEUE_SIZE", st.QueueSize)
	st.CacheNamespace = stringEnv("MEETINGNOTES_CACHE_NAMESPACE", st.CacheNamespace)

	cfg.Drive.CredentialsFile = stringEnv("GOOGLE_APPLICATION_CREDENTIALS", cfg.Drive.CredentialsFile)
	cfg.Drive.CredentialsFile = stringEnv("MEETINGNOTES_DRIVE_CREDENTIALS_FILE", cfg.Drive.CredentialsFile)

	l := &cfg.LLM
	l.ChunkProvider = stringEnv("MEETINGNOTES_CHUNK_PROVIDER", l.ChunkProvider)
	l.FinalProvider = stringEnv("MEETINGNOTES_FINAL_PROVIDER", l.FinalProvider)
	l.AnthropicAPIKey = stringEnv("ANTHROPIC_API_KEY", l.AnthropicAPIKey)
	l.OpenAIAPIKey = stringEnv("OPENAI_API_KEY", l.OpenAIAPIKey)
	l.RequestsPerSecond = floatEnv("MEETINGNOTES_LLM_RPS", l.RequestsPerSecond)
	l.Burst = intEnv("MEETINGNOTES_LLM_BURST", l.Burst)
	l.PromptHubURL = stringEnv("PROMPT_HUB_URL", l.PromptHubURL)
	l.PromptHubAPIKey = stringEnv("PROMPT_HUB_API_KEY", l.PromptHubAPIKey)

	sm := &cfg.Summary
	sm.ChunkTokenLimit = intEnv("MEETINGNOTES_CHUNK_TOKEN_LIMIT", sm.ChunkTokenLimit)
	sm.RecursionTokenLimit = intEnv("MEETINGNOTES_RECURSION_TOKEN_LIMIT", sm.RecursionTokenLimit)
	sm.MaxRounds = intEnv("MEETINGNOTES_MAX_SUMMARY_ROUNDS", sm.MaxRounds)
	sm.MinUtteranceChars = intEnv("MEETINGNOTES_MIN_UTTERANCE_CHARS", sm.MinUtteranceChars)
	sm.FinalPromptName = stringEnv("MEETINGNOTES_FINAL_PROMPT_NAME", sm.FinalPromptName)

	m := &cfg.Mail
	m.MailgunAPIKey = stringEnv("MAILGUN_API_KEY", m.MailgunAPIKey)
	m.MailgunDomain = stringEnv("MAILGUN_DOMAIN", m.MailgunDomain)
	m.From = stringEnv("MEETINGNOTES_MAIL_FROM", m.From)
	m.SubjectPrefix = stringEnv("MEETINGNOTES_SUBJECT_PREFIX", m.SubjectPrefix)

	cfg.Delivery.ReserveBeforeSend = boolEnv("MEETINGNOTES_RESERVE_BEFORE_SEND", cfg.Delivery.ReserveBeforeSend)

	w := &cfg.Worker
	w.Workers = intEnv("MEETINGNOTES_WORKERS", w.Workers)
	w.MaxAttempts = intEnv("MEETINGNOTES_MAX_ATTEMPTS", w.MaxAttempts)
	w.RetryDelay = durationEnv("MEETINGNOTES_RETRY_DELAY", w.RetryDelay)
	w.TaskTimeout = durationEnv("MEETINGNOTES_TASK_TIMEOUT", w.TaskTimeout)

	r := &cfg.Renewal
	r.Users = listEnv("WORKSPACE_EMAILS", r.Users)
	r.Users = listEnv("MEETINGNOTES_WORKSPACE_EMAILS", r.Users)
	r.UsersFile = stringEnv("MEETINGNOTES_USERS_FILE", r.UsersFile)
	r.WebhookURL = stringEnv("MEETINGNOTES_WEBHOOK_URL", r.WebhookURL)
	r.Cron = stringEnv("MEETINGNOTES_RENEW_CRON", r.Cron)
	r.ChannelTTL = durationEnv("MEETINGNOTES_CHANNEL_TTL", r.ChannelTTL)

	cfg.Logging.Level = stringEnv("MEETINGNOTES_LOG_LEVEL", cfg.Logging.Level)
	cfg.Logging.Format = stringEnv("MEETINGNOTES_LOG_FORMAT", cfg.Logging.Format)
}

func stringEnv(name, fallback string) string {
	if raw := strings.TrimSpace(os.Getenv(name)); raw != "" {
		return raw
	}
	return fallback
}

func intEnv(name string, fallback int) int {
	raw := os.Getenv(name)
	if raw == "" {
		return fallback
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		slog.Warn("invalid environment value, using fallback", "name", name, "value", raw, "fallback", fallback)
		return fallback
	}
	return value
}

func int64Env(name string, fallback int64) int64 {
	raw := os.Getenv(name)
	if raw == "" {
		return fallback
	}
	value, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		slog.Warn("invalid environment value, using fallback", "name", name, "value", raw, "fallback", fallback)
		return fallback
	}
	return value
}

func floatEnv(name string, fallback float64) float64 {
	raw := os.Getenv(name)
	if raw == "" {
		return fallback
	}
	value, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		slog.Warn("invalid environment value, using fallback", "name", name, "value", raw, "fallback", fallback)
		return fallback
	}
	return value
}

func boolEnv(name string, fallback bool) bool {
	raw := os.Getenv(name)
	if raw == "" {
		return fallback
	}
	value, err := strconv.ParseBool(raw)
	if err != nil {
		slog.Warn("invalid environment value, using fallback", "name", name, "value", raw, "fallback", fallback)
		return fallback
	}
	return value
}

func durationEnv(name string, fallback time.Duration) time.Duration {
	raw := os.Getenv(name)
	if raw == "" {
		return fallback
	}
	value, err := time.ParseDuration(raw)
	if err != nil {
		slog.Warn("invalid environment value, using fallback", "name", name, "value", raw, "fallback", fallback.String())
		return fallback
	}
	return value
}

func listEnv(name string, fallback []string) []string {
	raw := os.Getenv(name)
	if strings.TrimSpace(raw) == "" {
		return fallback
	}
	return ParseList(raw)
}

// ParseList splits a comma or newline separated list, dropping blanks and
// '#' comments.
func ParseList(raw string) []string {
	var out []string
	for _, line := range strings.Split(raw, "\n") {
		if idx := strings.Index(line, "#"); idx >= 0 {
			line = line[:idx]
		}
		for _, item := range strings.Split(line, ",") {
			if item = strings.TrimSpace(item); item != "" {
				out = append(out, item)
			}
		}
	}
	return out
}
