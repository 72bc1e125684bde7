// Package config handles brainstream configuration.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/ashutoshrp06/brainstream/internal/retry"
	"github.com/ashutoshrp06/brainstream/internal/tracing"
	"github.com/ashutoshrp06/brainstream/internal/transport"
	"github.com/ashutoshrp06/brainstream/internal/types"
)

// EnvPrefix prefixes environment overrides, e.g. BRAINSTREAM_API_TOKEN.
const EnvPrefix = "BRAINSTREAM"

// Config holds all brainstream configuration.
type Config struct {
	API     APIConfig      `yaml:"api" mapstructure:"api"`
	Stream  StreamConfig   `yaml:"stream" mapstructure:"stream"`
	Chat    ChatConfig     `yaml:"chat" mapstructure:"chat"`
	Agent   AgentConfig    `yaml:"agent" mapstructure:"agent"`
	Image   ImageConfig    `yaml:"image" mapstructure:"image"`
	History HistoryConfig  `yaml:"history" mapstructure:"history"`
	Tracing tracing.Config `yaml:"tracing" mapstructure:"tracing"`
}

// APIConfig locates the generation service.
type APIConfig struct {
	BaseURL               string `yaml:"base_url" mapstructure:"base_url"`
	Token                 string `yaml:"token" mapstructure:"token"`
	ConnectTimeoutSeconds int    `yaml:"connect_timeout_seconds" mapstructure:"connect_timeout_seconds"`
}

// StreamConfig controls streaming sends.
type StreamConfig struct {
	Mode             string `yaml:"mode" mapstructure:"mode"`
	MaxRetries       int    `yaml:"max_retries" mapstructure:"max_retries"`
	InitialBackoffMS int    `yaml:"initial_backoff_ms" mapstructure:"initial_backoff_ms"`
	MaxBackoffMS     int    `yaml:"max_backoff_ms" mapstructure:"max_backoff_ms"`
}

// ChatConfig holds chat-mode request parameters. MaxTokens of 0 leaves the
// limit to the server.
type ChatConfig struct {
	Temperature     float64 `yaml:"temperature" mapstructure:"temperature"`
	MaxTokens       int     `yaml:"max_tokens" mapstructure:"max_tokens"`
	UseRag          bool    `yaml:"use_rag" mapstructure:"use_rag"`
	EnableGrounding bool    `yaml:"enable_grounding" mapstructure:"enable_grounding"`
}

type AgentConfig struct {
	Capabilities []string `yaml:"capabilities" mapstructure:"capabilities"`
}

type ImageConfig struct {
	Provider       string `yaml:"provider" mapstructure:"provider"`
	Model          string `yaml:"model" mapstructure:"model"`
	TimeoutSeconds int    `yaml:"timeout_seconds" mapstructure:"timeout_seconds"`
}

type HistoryConfig struct {
	MaxTurns int `yaml:"max_turns" mapstructure:"max_turns"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		API: APIConfig{
			BaseURL:               "http://localhost:5127/api",
			ConnectTimeoutSeconds: 30,
		},
		Stream: StreamConfig{
			Mode:             string(types.ModeChat),
			MaxRetries:       3,
			InitialBackoffMS: 250,
			MaxBackoffMS:     5000,
		},
		Chat: ChatConfig{
			Temperature: 0.7,
			UseRag:      true,
		},
		Agent: AgentConfig{
			Capabilities: []string{},
		},
		Image: ImageConfig{
			Provider:       "openai",
			Model:          "dall-e-3",
			TimeoutSeconds: 180,
		},
		History: HistoryConfig{
			MaxTurns: 50,
		},
		Tracing: tracing.DefaultConfig(),
	}
}

// ConfigDir returns the per-user configuration directory.
func ConfigDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("get home dir: %w", err)
	}
	return filepath.Join(home, ".brainstream"), nil
}

// Load reads the YAML file at path, applying defaults and environment overrides.
func Load(path string) (*Config, error) {
	v := newViper()
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	return decode(v)
}

// LoadFromPaths loads the first existing file among paths, then
// ~/.brainstream/config.yaml. With no file it returns defaults plus
// environment overrides.
func LoadFromPaths(paths ...string) (*Config, error) {
	if dir, err := ConfigDir(); err == nil {
		paths = append(paths, filepath.Join(dir, "config.yaml"))
	}

	for _, p := range paths {
		if _, err := os.Stat(p); err == nil {
			return Load(p)
		}
	}

	return decode(newViper())
}

func newViper() *viper.Viper {
	v := viper.New()
	v.SetConfigType("yaml")
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Every key needs a default for AutomaticEnv to see it during Unmarshal.
	d := DefaultConfig()
	v.SetDefault("api.base_url", d.API.BaseURL)
	v.SetDefault("api.token", d.API.Token)
	v.SetDefault("api.connect_timeout_seconds", d.API.ConnectTimeoutSeconds)
	v.SetDefault("stream.mode", d.Stream.Mode)
	v.SetDefault("stream.max_retries", d.Stream.MaxRetries)
	v.SetDefault("stream.initial_backoff_ms", d.Stream.InitialBackoffMS)
	v.SetDefault("stream.max_backoff_ms", d.Stream.MaxBackoffMS)
	v.SetDefault("chat.temperature", d.Chat.Temperature)
	v.SetDefault("chat.max_tokens", d.Chat.MaxTokens)
	v.SetDefault("chat.use_rag", d.Chat.UseRag)
	v.SetDefault("chat.enable_grounding", d.Chat.EnableGrounding)
	v.SetDefault("agent.capabilities", d.Agent.Capabilities)
	v.SetDefault("image.provider", d.Image.Provider)
	v.SetDefault("image.model", d.Image.Model)
	v.SetDefault("image.timeout_seconds", d.Image.TimeoutSeconds)
	v.SetDefault("history.max_turns", d.History.MaxTurns)
	v.SetDefault("tracing.enabled", d.Tracing.Enabled)
	v.SetDefault("tracing.exporter", d.Tracing.Exporter)
	v.SetDefault("tracing.file_path", d.Tracing.FilePath)
	v.SetDefault("tracing.otlp_endpoint", d.Tracing.OTLPEndpoint)
	v.SetDefault("tracing.sample_rate", d.Tracing.SampleRate)
	v.SetDefault("tracing.service_name", d.Tracing.ServiceName)
	return v
}

func decode(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &cfg, nil
}

// Validate checks the configuration for values the engine cannot use.
func (c *Config) Validate() error {
	if c.API.BaseURL == "" {
		return errors.New("api.base_url is required")
	}
	if u, err := url.Parse(c.API.BaseURL); err != nil || u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("api.base_url %q is not an absolute URL", c.API.BaseURL)
	}

	switch types.Mode(c.Stream.Mode) {
	case types.ModeChat, types.ModeAgent:
	default:
		return fmt.Errorf("stream.mode must be %q or %q, got %q", types.ModeChat, types.ModeAgent, c.Stream.Mode)
	}

	if c.Stream.MaxRetries < 0 {
		return fmt.Errorf("stream.max_retries must not be negative: %d", c.Stream.MaxRetries)
	}
	if c.Stream.InitialBackoffMS <= 0 || c.Stream.MaxBackoffMS <= 0 {
		return errors.New("stream backoff values must be positive")
	}

	if c.Chat.Temperature < 0 || c.Chat.Temperature > 2 {
		return fmt.Errorf("chat.temperature out of range: %v", c.Chat.Temperature)
	}
	if c.Chat.MaxTokens < 0 {
		return fmt.Errorf("chat.max_tokens must not be negative: %d", c.Chat.MaxTokens)
	}

	if c.Tracing.SampleRate < 0 || c.Tracing.SampleRate > 1 {
		return fmt.Errorf("tracing.sample_rate out of range: %v", c.Tracing.SampleRate)
	}

	return nil
}

// Save writes the configuration as YAML. The file is replaced atomically.
func (c *Config) Save(path string) error {
	var buf bytes.Buffer
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(c); err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	if err := enc.Close(); err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}

	temp, err := os.CreateTemp(dir, ".brainstream.yaml.tmp.*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tempPath := temp.Name()

	if _, err := temp.Write(buf.Bytes()); err != nil {
		_ = temp.Close()
		_ = os.Remove(tempPath)
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := temp.Close(); err != nil {
		_ = os.Remove(tempPath)
		return fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Rename(tempPath, path); err != nil {
		_ = os.Remove(tempPath)
		return fmt.Errorf("rename config: %w", err)
	}

	return nil
}

// Mode returns the configured default mode.
func (c *Config) Mode() types.Mode {
	return types.Mode(c.Stream.Mode)
}

// RetryConfig converts the stream section to a retry policy.
func (c *Config) RetryConfig() retry.Config {
	r := retry.DefaultConfig()
	r.MaxRetries = c.Stream.MaxRetries
	r.InitialBackoff = time.Duration(c.Stream.InitialBackoffMS) * time.Millisecond
	r.MaxBackoff = time.Duration(c.Stream.MaxBackoffMS) * time.Millisecond
	return r
}

// TransportConfig converts the api section to transport settings.
func (c *Config) TransportConfig() transport.Config {
	return transport.Config{
		BaseURL:        c.API.BaseURL,
		ConnectTimeout: time.Duration(c.API.ConnectTimeoutSeconds) * time.Second,
	}
}

// TracingConfig returns the tracing section. A file exporter without a path
// writes to ~/.brainstream/traces.jsonl.
func (c *Config) TracingConfig() tracing.Config {
	t := c.Tracing
	if t.Exporter == "file" && t.FilePath == "" {
		if dir, err := ConfigDir(); err == nil {
			t.FilePath = filepath.Join(dir, "traces.jsonl")
		}
	}
	return t
}

// ImageTimeout returns the image request timeout.
func (c *Config) ImageTimeout() time.Duration {
	return time.Duration(c.Image.TimeoutSeconds) * time.Second
}

// SendRequest builds a request for content using the configured defaults.
func (c *Config) SendRequest(conversationID, content string) types.SendRequest {
	req := types.SendRequest{
		ConversationID: conversationID,
		Content:        content,
		Mode:           c.Mode(),
	}

	switch req.Mode {
	case types.ModeChat:
		temp := c.Chat.Temperature
		useRag := c.Chat.UseRag
		grounding := c.Chat.EnableGrounding
		req.Temperature = &temp
		req.UseRag = &useRag
		req.EnableGrounding = &grounding
		if c.Chat.MaxTokens > 0 {
			maxTokens := c.Chat.MaxTokens
			req.MaxTokens = &maxTokens
		}
	case types.ModeAgent:
		req.Capabilities = append([]string(nil), c.Agent.Capabilities...)
	}

	return req
}
