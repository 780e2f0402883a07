package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/aixgo-dev/voiceagent/pkg/security"
)

// Config represents the service configuration
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Murf       MurfConfig       `yaml:"murf"`
	AssemblyAI AssemblyAIConfig `yaml:"assemblyai"`
	LLM        LLMConfig        `yaml:"llm"`
	History    HistoryConfig    `yaml:"history"`
	Agent      AgentConfig      `yaml:"agent"`
	RateLimit  RateLimitConfig  `yaml:"rate_limit"`
	Cleanup    CleanupConfig    `yaml:"cleanup"`
}

// ServerConfig holds HTTP server settings
type ServerConfig struct {
	Port           int    `yaml:"port"`
	UploadDir      string `yaml:"upload_dir"`
	MaxUploadBytes int64  `yaml:"max_upload_bytes"`
	// MaxTextLength caps text sent to the TTS vendor.
	MaxTextLength int  `yaml:"max_text_length"`
	Debug         bool `yaml:"debug"`
}

// MurfConfig holds text-to-speech settings
type MurfConfig struct {
	APIKey        string        `yaml:"api_key"`
	BaseURL       string        `yaml:"base_url"`
	StreamURL     string        `yaml:"stream_url"`
	VoiceID       string        `yaml:"voice_id"`
	Format        string        `yaml:"format"`
	StreamVoiceID string        `yaml:"stream_voice_id"`
	StreamStyle   string        `yaml:"stream_style"`
	SampleRate    int           `yaml:"sample_rate"`
	Timeout       time.Duration `yaml:"timeout"`
}

// AssemblyAIConfig holds speech-to-text settings
type AssemblyAIConfig struct {
	APIKey        string        `yaml:"api_key"`
	BaseURL       string        `yaml:"base_url"`
	StreamingHost string        `yaml:"streaming_host"`
	PollInterval  time.Duration `yaml:"poll_interval"`
	Timeout       time.Duration `yaml:"timeout"`

	SampleRate                       int     `yaml:"sample_rate"`
	FormatTurns                      bool    `yaml:"format_turns"`
	EndOfTurnConfidenceThreshold     float64 `yaml:"end_of_turn_confidence_threshold"`
	MinEndOfTurnSilenceWhenConfident int     `yaml:"min_end_of_turn_silence_when_confident"`
	MaxTurnSilence                   int     `yaml:"max_turn_silence"`
}

// LLMConfig selects and configures the language model provider
type LLMConfig struct {
	Provider    string  `yaml:"provider"` // gemini, openai, bedrock
	Model       string  `yaml:"model"`
	APIKey      string  `yaml:"api_key"`
	BaseURL     string  `yaml:"base_url"`
	Region      string  `yaml:"region"`
	Temperature float64 `yaml:"temperature"`
	MaxTokens   int     `yaml:"max_tokens"`
	// MaxRetries is the number of extra attempts on retryable provider
	// errors. Zero disables retries.
	MaxRetries int `yaml:"max_retries"`
}

// HistoryConfig selects the chat history store
type HistoryConfig struct {
	Store     string          `yaml:"store"` // memory, file, redis, firestore
	BaseDir   string          `yaml:"base_dir"`
	Redis     RedisConfig     `yaml:"redis"`
	Firestore FirestoreConfig `yaml:"firestore"`
}

// RedisConfig holds Redis connection settings for the history store
type RedisConfig struct {
	Addr     string        `yaml:"addr"`
	Password string        `yaml:"password"`
	DB       int           `yaml:"db"`
	Prefix   string        `yaml:"prefix"`
	TTL      time.Duration `yaml:"ttl"`
}

// FirestoreConfig holds Firestore settings for the history store
type FirestoreConfig struct {
	ProjectID       string `yaml:"project_id"`
	Collection      string `yaml:"collection"`
	CredentialsFile string `yaml:"credentials_file"`
}

// AgentConfig holds persona agent settings
type AgentConfig struct {
	DefaultPersona string `yaml:"default_persona"`
	TavilyKey      string `yaml:"tavily_key"`
	WeatherKey     string `yaml:"weather_key"`
	TavilyURL      string `yaml:"tavily_url"`
	WeatherURL     string `yaml:"weather_url"`
}

// RateLimitConfig holds HTTP rate limiting settings
type RateLimitConfig struct {
	Enabled           bool    `yaml:"enabled"`
	RequestsPerSecond float64 `yaml:"requests_per_second"`
	Burst             int     `yaml:"burst"`
	// TrustedProxies lists proxy CIDRs or addresses allowed to set
	// X-Forwarded-For. Empty means clients are keyed on the peer address.
	TrustedProxies []string `yaml:"trusted_proxies"`
}

// CleanupConfig configures the periodic upload purge
type CleanupConfig struct {
	Enabled  bool          `yaml:"enabled"`
	Schedule string        `yaml:"schedule"`
	MaxAge   time.Duration `yaml:"max_age"`
}

// Default returns a configuration with every default applied and
// environment fallbacks resolved.
func Default() *Config {
	cfg := &Config{
		RateLimit: RateLimitConfig{Enabled: true},
		Cleanup:   CleanupConfig{Enabled: true},
		AssemblyAI: AssemblyAIConfig{
			FormatTurns: true,
		},
	}
	cfg.applyDefaults()
	cfg.applyEnv()
	return cfg
}

// LoadConfig loads configuration from a YAML file
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path) // #nosec G304 - operator supplied path
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return Parse(data)
}

// Parse parses YAML configuration data, applies defaults and env fallbacks.
func Parse(data []byte) (*Config, error) {
	cfg := &Config{
		RateLimit:  RateLimitConfig{Enabled: true},
		Cleanup:    CleanupConfig{Enabled: true},
		AssemblyAI: AssemblyAIConfig{FormatTurns: true},
	}
	if err := security.DecodeYAML(data, cfg, security.DefaultYAMLLimits()); err != nil {
		if errors.Is(err, io.EOF) {
			return Default(), nil
		}
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	cfg.applyDefaults()
	cfg.applyEnv()
	return cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Server.Port == 0 {
		c.Server.Port = 8080
	}
	if c.Server.UploadDir == "" {
		c.Server.UploadDir = "uploads"
	}
	if c.Server.MaxUploadBytes == 0 {
		c.Server.MaxUploadBytes = 16 * 1024 * 1024
	}
	if c.Server.MaxTextLength == 0 {
		c.Server.MaxTextLength = 3000
	}

	if c.Murf.BaseURL == "" {
		c.Murf.BaseURL = "https://api.murf.ai"
	}
	if c.Murf.StreamURL == "" {
		c.Murf.StreamURL = "wss://api.murf.ai/v1/speech/stream-input"
	}
	if c.Murf.VoiceID == "" {
		c.Murf.VoiceID = "en-US-natalie"
	}
	if c.Murf.Format == "" {
		c.Murf.Format = "MP3"
	}
	if c.Murf.StreamVoiceID == "" {
		c.Murf.StreamVoiceID = "en-US-amara"
	}
	if c.Murf.StreamStyle == "" {
		c.Murf.StreamStyle = "Conversational"
	}
	if c.Murf.SampleRate == 0 {
		c.Murf.SampleRate = 44100
	}
	if c.Murf.Timeout == 0 {
		c.Murf.Timeout = 30 * time.Second
	}

	if c.AssemblyAI.BaseURL == "" {
		c.AssemblyAI.BaseURL = "https://api.assemblyai.com"
	}
	if c.AssemblyAI.StreamingHost == "" {
		c.AssemblyAI.StreamingHost = "streaming.assemblyai.com"
	}
	if c.AssemblyAI.PollInterval == 0 {
		c.AssemblyAI.PollInterval = time.Second
	}
	if c.AssemblyAI.Timeout == 0 {
		c.AssemblyAI.Timeout = 2 * time.Minute
	}
	if c.AssemblyAI.SampleRate == 0 {
		c.AssemblyAI.SampleRate = 16000
	}
	if c.AssemblyAI.EndOfTurnConfidenceThreshold == 0 {
		c.AssemblyAI.EndOfTurnConfidenceThreshold = 0.7
	}
	if c.AssemblyAI.MinEndOfTurnSilenceWhenConfident == 0 {
		c.AssemblyAI.MinEndOfTurnSilenceWhenConfident = 160
	}
	if c.AssemblyAI.MaxTurnSilence == 0 {
		c.AssemblyAI.MaxTurnSilence = 2400
	}

	if c.LLM.Provider == "" {
		c.LLM.Provider = "gemini"
	}
	if c.LLM.Model == "" {
		switch c.LLM.Provider {
		case "openai":
			c.LLM.Model = "gpt-4o-mini"
		case "bedrock":
			c.LLM.Model = "anthropic.claude-3-haiku-20240307-v1:0"
		default:
			c.LLM.Model = "gemini-2.5-flash"
		}
	}
	if c.LLM.Temperature == 0 {
		c.LLM.Temperature = 0.7
	}
	if c.LLM.MaxTokens == 0 {
		c.LLM.MaxTokens = 1024
	}

	if c.History.Store == "" {
		c.History.Store = "memory"
	}
	if c.History.Redis.Prefix == "" {
		c.History.Redis.Prefix = "voiceagent:chat:"
	}
	if c.History.Firestore.Collection == "" {
		c.History.Firestore.Collection = "chat_sessions"
	}

	if c.Agent.DefaultPersona == "" {
		c.Agent.DefaultPersona = "pirate"
	}

	if c.RateLimit.RequestsPerSecond == 0 {
		c.RateLimit.RequestsPerSecond = 10
	}
	if c.RateLimit.Burst == 0 {
		c.RateLimit.Burst = 20
	}

	if c.Cleanup.Schedule == "" {
		c.Cleanup.Schedule = "@every 1h"
	}
	if c.Cleanup.MaxAge == 0 {
		c.Cleanup.MaxAge = 24 * time.Hour
	}
}

// applyEnv fills empty secrets and endpoints from the environment
func (c *Config) applyEnv() {
	setFromEnv(&c.Murf.APIKey, "MURF_API_KEY")
	setFromEnv(&c.AssemblyAI.APIKey, "ASSEMBLYAI_API_KEY")
	switch c.LLM.Provider {
	case "gemini":
		setFromEnv(&c.LLM.APIKey, "GEMINI_API_KEY", "GOOGLE_API_KEY")
	case "openai":
		setFromEnv(&c.LLM.APIKey, "OPENAI_API_KEY")
	case "bedrock":
		setFromEnv(&c.LLM.Region, "AWS_REGION", "AWS_DEFAULT_REGION")
	}
	setFromEnv(&c.Agent.TavilyKey, "TAVILY_API_KEY")
	setFromEnv(&c.Agent.WeatherKey, "WEATHER_API_KEY")
	setFromEnv(&c.History.Redis.Addr, "REDIS_ADDR")
	setFromEnv(&c.History.Firestore.ProjectID, "GOOGLE_CLOUD_PROJECT")
	setFromEnv(&c.History.Firestore.CredentialsFile, "GOOGLE_APPLICATION_CREDENTIALS")
}

func setFromEnv(dst *string, keys ...string) {
	if *dst != "" {
		return
	}
	for _, k := range keys {
		if v := strings.TrimSpace(os.Getenv(k)); v != "" {
			*dst = v
			return
		}
	}
}

// SaveConfig saves configuration to a YAML file
func SaveConfig(cfg *Config, path string) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port %d out of range", c.Server.Port)
	}
	if c.Server.MaxUploadBytes <= 0 {
		return fmt.Errorf("server.max_upload_bytes must be positive")
	}
	if c.Server.MaxTextLength <= 0 {
		return fmt.Errorf("server.max_text_length must be positive")
	}

	if c.LLM.MaxRetries < 0 {
		return fmt.Errorf("llm.max_retries must not be negative")
	}

	switch c.LLM.Provider {
	case "gemini", "openai", "bedrock":
	default:
		return fmt.Errorf("unknown llm.provider %q", c.LLM.Provider)
	}

	switch c.History.Store {
	case "memory", "file":
	case "redis":
		if c.History.Redis.Addr == "" {
			return fmt.Errorf("history.redis.addr is required for the redis store")
		}
	case "firestore":
		if c.History.Firestore.ProjectID == "" {
			return fmt.Errorf("history.firestore.project_id is required for the firestore store")
		}
	default:
		return fmt.Errorf("unknown history.store %q", c.History.Store)
	}

	if c.RateLimit.Enabled && (c.RateLimit.RequestsPerSecond <= 0 || c.RateLimit.Burst <= 0) {
		return fmt.Errorf("rate_limit requires positive requests_per_second and burst")
	}
	if _, err := security.ParseProxies(c.RateLimit.TrustedProxies); err != nil {
		return fmt.Errorf("rate_limit.trusted_proxies: %w", err)
	}
	if c.Cleanup.Enabled && c.Cleanup.MaxAge <= 0 {
		return fmt.Errorf("cleanup.max_age must be positive")
	}

	return c.validateEndpoints()
}

func (c *Config) validateEndpoints() error {
	endpoints := []struct {
		field   string
		url     string
		schemes []string
	}{
		{"murf.base_url", c.Murf.BaseURL, security.HTTPSchemes},
		{"murf.stream_url", c.Murf.StreamURL, security.WebSocketSchemes},
		{"assemblyai.base_url", c.AssemblyAI.BaseURL, security.HTTPSchemes},
		{"llm.base_url", c.LLM.BaseURL, security.HTTPSchemes},
		{"agent.tavily_url", c.Agent.TavilyURL, security.HTTPSchemes},
		{"agent.weather_url", c.Agent.WeatherURL, security.HTTPSchemes},
	}
	for _, e := range endpoints {
		if e.url == "" {
			continue
		}
		if err := security.ValidateEndpoint(e.url, e.schemes); err != nil {
			return fmt.Errorf("%s: %w", e.field, err)
		}
	}
	if err := security.ValidateHost(c.AssemblyAI.StreamingHost); err != nil {
		return fmt.Errorf("assemblyai.streaming_host: %w", err)
	}
	return nil
}
