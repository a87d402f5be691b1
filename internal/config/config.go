package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/agentworkforce/meetingnotes/internal/notes"
)

type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Storage  StorageConfig  `yaml:"storage"`
	Drive    DriveConfig    `yaml:"drive"`
	LLM      LLMConfig      `yaml:"llm"`
	Summary  SummaryConfig  `yaml:"summary"`
	Mail     MailConfig     `yaml:"mail"`
	Delivery DeliveryConfig `yaml:"delivery"`
	Worker   WorkerConfig   `yaml:"worker"`
	Renewal  RenewalConfig  `yaml:"renewal"`
	Logging  LoggingConfig  `yaml:"logging"`
}

type ServerConfig struct {
	Addr               string        `yaml:"addr"`
	JWTSecret          string        `yaml:"jwt_secret"`
	InternalHMACSecret string        `yaml:"internal_hmac_secret"`
	InternalMaxSkew    time.Duration `yaml:"internal_max_skew"`
	MaxBodyBytes       int64         `yaml:"max_body_bytes"`
	RateLimitRPS       float64       `yaml:"rate_limit_rps"`
	RateLimitBurst     int           `yaml:"rate_limit_burst"`
	SiteVerification   string        `yaml:"site_verification"`
	ShutdownTimeout    time.Duration `yaml:"shutdown_timeout"`
}

type StorageConfig struct {
	// Profile is one of memory, durable-local, production or empty for
	// explicit DSNs.
	Profile        string `yaml:"profile"`
	DataDir        string `yaml:"data_dir"`
	ProductionDSN  string `yaml:"production_dsn"`
	CacheDSN       string `yaml:"cache_dsn"`
	QueueDSN       string `yaml:"queue_dsn"`
	QueueSize      int    `yaml:"queue_size"`
	CacheNamespace string `yaml:"cache_namespace"`
}

type DriveConfig struct {
	CredentialsFile string   `yaml:"credentials_file"`
	Scopes          []string `yaml:"scopes"`
	LinkFormat      string   `yaml:"link_format"`
}

type LLMConfig struct {
	ChunkProvider     string  `yaml:"chunk_provider"`
	FinalProvider     string  `yaml:"final_provider"`
	AnthropicAPIKey   string  `yaml:"anthropic_api_key"`
	AnthropicBaseURL  string  `yaml:"anthropic_base_url"`
	OpenAIAPIKey      string  `yaml:"openai_api_key"`
	OpenAIBaseURL     string  `yaml:"openai_base_url"`
	RequestsPerSecond float64 `yaml:"requests_per_second"`
	Burst             int     `yaml:"burst"`
	MaxRetries        int     `yaml:"max_retries"`
	PromptHubURL      string  `yaml:"prompt_hub_url"`
	PromptHubAPIKey   string  `yaml:"prompt_hub_api_key"`
}

type SummaryConfig struct {
	ChunkTokenLimit     int     `yaml:"chunk_token_limit"`
	RecursionTokenLimit int     `yaml:"recursion_token_limit"`
	MaxRounds           int     `yaml:"max_rounds"`
	ChunkConcurrency    int     `yaml:"chunk_concurrency"`
	ChunkModel          string  `yaml:"chunk_model"`
	ChunkMaxTokens      int     `yaml:"chunk_max_tokens"`
	FinalModel          string  `yaml:"final_model"`
	FinalMaxTokens      int     `yaml:"final_max_tokens"`
	FinalTemperature    float64 `yaml:"final_temperature"`
	FinalPromptName     string  `yaml:"final_prompt_name"`
	MinUtteranceChars   int     `yaml:"min_utterance_chars"`
}

type MailConfig struct {
	MailgunAPIKey  string `yaml:"mailgun_api_key"`
	MailgunDomain  string `yaml:"mailgun_domain"`
	MailgunBaseURL string `yaml:"mailgun_base_url"`
	From           string `yaml:"from"`
	SubjectPrefix  string `yaml:"subject_prefix"`
	Signature      string `yaml:"signature"`
}

type DeliveryConfig struct {
	ReserveBeforeSend bool `yaml:"reserve_before_send"`
}

type WorkerConfig struct {
	Workers        int           `yaml:"workers"`
	MaxAttempts    int           `yaml:"max_attempts"`
	RetryDelay     time.Duration `yaml:"retry_delay"`
	TaskTimeout    time.Duration `yaml:"task_timeout"`
	EnqueueTimeout time.Duration `yaml:"enqueue_timeout"`
}

type RenewalConfig struct {
	Users         []string      `yaml:"users"`
	UsersFile     string        `yaml:"users_file"`
	WebhookURL    string        `yaml:"webhook_url"`
	Cron          string        `yaml:"cron"`
	ChannelPrefix string        `yaml:"channel_prefix"`
	ChannelTTL    time.Duration `yaml:"channel_ttl"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

func Default() Config {
	return Config{
		Server: ServerConfig{
			Addr:            ":8080",
			InternalMaxSkew: 5 * time.Minute,
			MaxBodyBytes:    1 << 20,
			RateLimitRPS:    5,
			RateLimitBurst:  10,
			ShutdownTimeout: 15 * time.Second,
		},
		Storage: StorageConfig{
			DataDir:        ".meetingnotes",
			QueueSize:      1024,
			CacheNamespace: notes.DefaultCacheNamespace,
		},
		LLM: LLMConfig{
			ChunkProvider:     "openai",
			FinalProvider:     "anthropic",
			RequestsPerSecond: 2,
			Burst:             4,
			MaxRetries:        5,
		},
		Summary: SummaryConfig{
			ChunkTokenLimit:     notes.DefaultChunkTokenLimit,
			RecursionTokenLimit: notes.DefaultRecursionTokenLimit,
			MaxRounds:           notes.DefaultMaxSummaryRounds,
			ChunkConcurrency:    1,
			ChunkModel:          notes.DefaultChunkModel,
			ChunkMaxTokens:      notes.DefaultChunkMaxTokens,
			FinalModel:          notes.DefaultFinalModel,
			FinalMaxTokens:      notes.DefaultFinalMaxTokens,
			FinalTemperature:    notes.DefaultFinalTemperature,
			FinalPromptName:     notes.DefaultFinalPromptName,
			MinUtteranceChars:   notes.DefaultMinUtteranceChars,
		},
		Mail: MailConfig{
			SubjectPrefix: notes.DefaultSubjectPrefix,
			Signature:     notes.DefaultSignature,
		},
		Worker: WorkerConfig{
			Workers:        2,
			MaxAttempts:    5,
			RetryDelay:     30 * time.Second,
			TaskTimeout:    15 * time.Minute,
			EnqueueTimeout: 2 * time.Second,
		},
		Renewal: RenewalConfig{
			Cron:          notes.DefaultRenewCron,
			ChannelPrefix: notes.DefaultChannelPrefix,
			ChannelTTL:    notes.DefaultChannelTTL,
		},
		Logging: LoggingConfig{Level: "info", Format: "text"},
	}
}

// Load reads the YAML file at path over the defaults and then applies
// environment overrides. An empty path skips the file.
func Load(path string) (Config, error) {
	cfg := Default()
	if path = strings.TrimSpace(path); path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("read config %s: %w", path, err)
		}
		decoder := yaml.NewDecoder(bytes.NewReader(raw))
		decoder.KnownFields(true)
		if err := decoder.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
			return cfg, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	ApplyEnv(&cfg)
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// LoadDotEnv loads KEY=value files into the process environment without
// overriding variables that are already set. Missing files are ignored.
func LoadDotEnv(paths ...string) error {
	if len(paths) == 0 {
		paths = []string{".env"}
	}
	for _, path := range paths {
		if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
			continue
		}
		if err := godotenv.Load(path); err != nil {
			return fmt.Errorf("load %s: %w", path, err)
		}
	}
	return nil
}

func (c Config) Validate() error {
	var problems []string
	if c.Summary.ChunkTokenLimit <= 0 || c.Summary.RecursionTokenLimit <= 0 {
		problems = append(problems, "summary token limits must be positive")
	}
	if c.Summary.ChunkTokenLimit > c.Summary.RecursionTokenLimit {
		problems = append(problems, "summary.chunk_token_limit must not exceed summary.recursion_token_limit")
	}
	if c.Worker.MaxAttempts <= 0 {
		problems = append(problems, "worker.max_attempts must be positive")
	}
	for _, provider := range []string{c.LLM.ChunkProvider, c.LLM.FinalProvider} {
		switch strings.ToLower(provider) {
		case "openai", "anthropic":
		default:
			problems = append(problems, "unsupported llm provider "+provider)
		}
	}
	switch strings.ToLower(c.Logging.Format) {
	case "", "text", "json":
	default:
		problems = append(problems, "logging.format must be text or json")
	}
	if _, _, err := c.Storage.DSNs(); err != nil {
		problems = append(problems, err.Error())
	}
	if len(problems) > 0 {
		return fmt.Errorf("%w: %s", notes.ErrInvalidInput, strings.Join(problems, "; "))
	}
	return nil
}
