// Copyright 2024 AI SA Assistant Project
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

var (
	// ErrMissingRequiredField is returned when a required configuration field is missing
	ErrMissingRequiredField = errors.New("missing required configuration field")
	// ErrInvalidConfigValue is returned when a configuration value is invalid
	ErrInvalidConfigValue = errors.New("invalid configuration value")
)

// EnvPrefix is the prefix for automatic environment overrides,
// e.g. FUNNEL_ASSISTANT_GUARD_TURN_CAP.
const EnvPrefix = "FUNNEL_ASSISTANT"

// Config represents the complete application configuration
type Config struct {
	Assistant   AssistantConfig `mapstructure:"assistant"`
	Stream      StreamConfig    `mapstructure:"stream"`
	Guard       GuardConfig     `mapstructure:"guard"`
	OpenAI      OpenAIConfig    `mapstructure:"openai"`
	Lead        LeadConfig      `mapstructure:"lead"`
	Session     SessionConfig   `mapstructure:"session"`
	Server      ServerConfig    `mapstructure:"server"`
	Logging     LoggingConfig   `mapstructure:"logging"`
	DefaultLang string          `mapstructure:"default_lang"`
}

// AssistantConfig locates the remote assistant endpoints
type AssistantConfig struct {
	BaseURL     string `mapstructure:"base_url"`
	StreamPath  string `mapstructure:"stream_path"`
	ChatPath    string `mapstructure:"chat_path"`
	AnswerPath  string `mapstructure:"answer_path"`
	GenericPath string `mapstructure:"generic_path"`
	LeadPath    string `mapstructure:"lead_path"`
}

// StreamConfig controls streaming ingestion timing and retries
type StreamConfig struct {
	Transport           string `mapstructure:"transport"`
	RequestTimeoutMs    int    `mapstructure:"request_timeout_ms"`
	HeartbeatIntervalMs int    `mapstructure:"heartbeat_interval_ms"`
	MaxRetryAttempts    int    `mapstructure:"max_retry_attempts"`
	RetryBaseDelayMs    int    `mapstructure:"retry_base_delay_ms"`
}

// RequestTimeout is the hard per-attempt bound.
func (s StreamConfig) RequestTimeout() time.Duration {
	return time.Duration(s.RequestTimeoutMs) * time.Millisecond
}

// HeartbeatInterval is the expected gap between stream bytes.
func (s StreamConfig) HeartbeatInterval() time.Duration {
	return time.Duration(s.HeartbeatIntervalMs) * time.Millisecond
}

// RetryBaseDelay is the linear backoff unit.
func (s StreamConfig) RetryBaseDelay() time.Duration {
	return time.Duration(s.RetryBaseDelayMs) * time.Millisecond
}

// GuardConfig contains the turn-limited answer policy
type GuardConfig struct {
	Enabled          bool   `mapstructure:"enabled"`
	TurnCap          int    `mapstructure:"turn_cap"`
	MinAnswerLength  int    `mapstructure:"min_answer_length"`
	MaxAnswerLength  int    `mapstructure:"max_answer_length"`
	HistoryTurns     int    `mapstructure:"history_turns"`
	Secondary        string `mapstructure:"secondary"`
	CompletionPolicy string `mapstructure:"completion_policy"`
	SystemPrompt     string `mapstructure:"system_prompt"`
}

// OpenAIConfig contains OpenAI API configuration for the LLM secondary tier
type OpenAIConfig struct {
	APIKey      string  `mapstructure:"apikey"`
	Endpoint    string  `mapstructure:"endpoint"`
	Model       string  `mapstructure:"model"`
	MaxTokens   int     `mapstructure:"max_tokens"`
	Temperature float64 `mapstructure:"temperature"`
}

// LeadConfig contains outbox storage and transport settings
type LeadConfig struct {
	StorageType          string `mapstructure:"storage_type"`
	DBPath               string `mapstructure:"db_path"`
	MaxAttempts          int    `mapstructure:"max_attempts"`
	RetryBaseDelayMs     int    `mapstructure:"retry_base_delay_ms"`
	RedeliverIntervalSec int    `mapstructure:"redeliver_interval_sec"`
	CircuitMaxFailures   int    `mapstructure:"circuit_max_failures"`
	CircuitResetSec      int    `mapstructure:"circuit_reset_sec"`
}

// SessionConfig contains conversation store limits. Durations are minutes.
type SessionConfig struct {
	DefaultTTL      int `mapstructure:"default_ttl"`
	MaxSessions     int `mapstructure:"max_sessions"`
	CleanupInterval int `mapstructure:"cleanup_interval"`
}

// ServerConfig contains HTTP listener settings
type ServerConfig struct {
	Port string `mapstructure:"port"`
}

// LoggingConfig contains logging configuration
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
	Output string `mapstructure:"output"`
}

// ValidationError represents a configuration validation error
type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("configuration validation failed for field '%s': %s", e.Field, e.Message)
}

// LoadOptions contains options for configuration loading
type LoadOptions struct {
	ConfigPath       string
	EnableHotReload  bool
	Environment      string
	ValidateRequired bool
	// AllowMissingFile lets env-only deployments start without a YAML file.
	AllowMissingFile bool
}

// Load loads configuration from file and environment variables
// Environment variables take precedence over config file values
func Load(configPath string) (*Config, error) {
	return LoadWithOptions(LoadOptions{
		ConfigPath:       configPath,
		EnableHotReload:  false,
		Environment:      getEnvironment(),
		ValidateRequired: true,
	})
}

// LoadWithOptions loads configuration with additional options
func LoadWithOptions(opts LoadOptions) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	if err := setConfigFile(v, opts.ConfigPath); err != nil {
		if !opts.AllowMissingFile {
			return nil, fmt.Errorf("failed to set config file: %w", err)
		}
	} else if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setEnvironmentMappings(v)

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if opts.ValidateRequired {
		if err := validateConfig(&config); err != nil {
			return nil, fmt.Errorf("configuration validation failed: %w", err)
		}
	}

	return &config, nil
}

// setDefaults sets default configuration values
func setDefaults(v *viper.Viper) {
	v.SetDefault("assistant.base_url", "")
	v.SetDefault("assistant.stream_path", "/chat/stream")
	v.SetDefault("assistant.chat_path", "/chat")
	v.SetDefault("assistant.answer_path", "/ai/answer")
	v.SetDefault("assistant.generic_path", "/ai/generic")
	v.SetDefault("assistant.lead_path", "/lead")

	v.SetDefault("stream.transport", "ndjson")
	v.SetDefault("stream.request_timeout_ms", 20000)
	v.SetDefault("stream.heartbeat_interval_ms", 15000)
	v.SetDefault("stream.max_retry_attempts", 2)
	v.SetDefault("stream.retry_base_delay_ms", 800)

	v.SetDefault("guard.enabled", true)
	v.SetDefault("guard.turn_cap", 10)
	v.SetDefault("guard.min_answer_length", 2)
	v.SetDefault("guard.max_answer_length", 1200)
	v.SetDefault("guard.history_turns", 6)
	v.SetDefault("guard.secondary", "http")
	v.SetDefault("guard.completion_policy", "contact_form")

	v.SetDefault("openai.apikey", "")
	v.SetDefault("openai.endpoint", "https://api.openai.com/v1")
	v.SetDefault("openai.model", "gpt-4o-mini")
	v.SetDefault("openai.max_tokens", 400)
	v.SetDefault("openai.temperature", 0.2)

	v.SetDefault("lead.storage_type", "sqlite")
	v.SetDefault("lead.db_path", "./leads.db")
	v.SetDefault("lead.max_attempts", 2)
	v.SetDefault("lead.retry_base_delay_ms", 600)
	v.SetDefault("lead.redeliver_interval_sec", 60)
	v.SetDefault("lead.circuit_max_failures", 5)
	v.SetDefault("lead.circuit_reset_sec", 60)

	v.SetDefault("session.default_ttl", 30)
	v.SetDefault("session.max_sessions", 1000)
	v.SetDefault("session.cleanup_interval", 5)

	v.SetDefault("server.port", "8080")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.output", "stdout")

	v.SetDefault("default_lang", "de")
}

// setConfigFile sets the configuration file path with fallback logic
func setConfigFile(v *viper.Viper, configPath string) error {
	if envPath := os.Getenv("CONFIG_PATH"); envPath != "" {
		if _, err := os.Stat(envPath); err != nil {
			return fmt.Errorf("config file specified by CONFIG_PATH does not exist: %s", envPath)
		}
		v.SetConfigFile(envPath)
		return nil
	}

	if configPath != "" {
		if _, err := os.Stat(configPath); err != nil {
			return fmt.Errorf("config file does not exist: %s", configPath)
		}
		v.SetConfigFile(configPath)
		return nil
	}

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath("./configs")
	v.AddConfigPath(".")

	for _, path := range []string{"./configs/config.yaml", "./config.yaml"} {
		if _, err := os.Stat(path); err == nil {
			return nil
		}
	}

	return fmt.Errorf("no config file found in default locations (./configs/config.yaml, ./config.yaml)")
}

// setEnvironmentMappings sets explicit environment variable mappings
func setEnvironmentMappings(v *viper.Viper) {
	envMappings := map[string]string{
		"ASSISTANT_BASE_URL": "assistant.base_url",
		"OPENAI_API_KEY":     "openai.apikey",
		"OPENAI_ENDPOINT":    "openai.endpoint",
		"LEAD_DB_PATH":       "lead.db_path",
		"LOG_LEVEL":          "logging.level",
		"LOG_FORMAT":         "logging.format",
		"LOG_OUTPUT":         "logging.output",
		"PORT":               "server.port",
	}

	for envVar, configKey := range envMappings {
		if value := os.Getenv(envVar); value != "" {
			v.Set(configKey, value)
		}
	}
}

// validateConfig validates the configuration for required fields and valid values
func validateConfig(config *Config) error {
	var errs []ValidationError
	add := func(field, message string) {
		errs = append(errs, ValidationError{Field: field, Message: message})
	}

	if strings.TrimSpace(config.Assistant.BaseURL) == "" {
		add("assistant.base_url", fmt.Sprintf("%v: assistant base URL. Set via config file or ASSISTANT_BASE_URL environment variable", ErrMissingRequiredField))
	}

	if !slices.Contains([]string{"ndjson", "sse"}, config.Stream.Transport) {
		add("stream.transport", "transport must be one of: ndjson, sse")
	}
	if config.Stream.RequestTimeoutMs <= 0 {
		add("stream.request_timeout_ms", "request_timeout_ms must be greater than 0")
	}
	if config.Stream.HeartbeatIntervalMs <= 0 {
		add("stream.heartbeat_interval_ms", "heartbeat_interval_ms must be greater than 0")
	}
	if config.Stream.MaxRetryAttempts < 0 {
		add("stream.max_retry_attempts", "max_retry_attempts must be greater than or equal to 0")
	}
	if config.Stream.RetryBaseDelayMs < 0 {
		add("stream.retry_base_delay_ms", "retry_base_delay_ms must be greater than or equal to 0")
	}

	if config.Guard.TurnCap < 0 {
		add("guard.turn_cap", "turn_cap must be greater than or equal to 0")
	}
	if config.Guard.MinAnswerLength < 0 {
		add("guard.min_answer_length", "min_answer_length must be greater than or equal to 0")
	}
	if config.Guard.MaxAnswerLength <= config.Guard.MinAnswerLength {
		add("guard.max_answer_length", "max_answer_length must be greater than min_answer_length")
	}

	validSecondary := []string{"http", "openai", "none"}
	if !slices.Contains(validSecondary, config.Guard.Secondary) {
		add("guard.secondary", fmt.Sprintf("secondary must be one of: %s", strings.Join(validSecondary, ", ")))
	}
	if config.Guard.Secondary == "openai" && config.OpenAI.APIKey == "" {
		add("openai.apikey", "OpenAI API key is required when guard.secondary is openai. Set via config file or OPENAI_API_KEY environment variable")
	}
	if config.OpenAI.Temperature < 0 || config.OpenAI.Temperature > 2 {
		add("openai.temperature", "temperature must be between 0 and 2")
	}

	validPolicies := []string{"contact_form", "timeline_first"}
	if !slices.Contains(validPolicies, config.Guard.CompletionPolicy) {
		add("guard.completion_policy", fmt.Sprintf("completion policy must be one of: %s", strings.Join(validPolicies, ", ")))
	}

	validStorageTypes := []string{"sqlite", "memory"}
	if !slices.Contains(validStorageTypes, config.Lead.StorageType) {
		add("lead.storage_type", fmt.Sprintf("storage type must be one of: %s", strings.Join(validStorageTypes, ", ")))
	}
	if config.Lead.StorageType == "sqlite" {
		if config.Lead.DBPath == "" {
			add("lead.db_path", "lead database path is required")
		} else if err := validateDirectoryExists(filepath.Dir(config.Lead.DBPath)); err != nil {
			add("lead.db_path", fmt.Sprintf("lead database directory does not exist: %s", filepath.Dir(config.Lead.DBPath)))
		}
	}
	if config.Lead.MaxAttempts < 0 {
		add("lead.max_attempts", "max_attempts must be greater than or equal to 0")
	}

	if config.Session.MaxSessions <= 0 {
		add("session.max_sessions", "max_sessions must be greater than 0")
	}

	validLogLevels := []string{"debug", "info", "warn", "error"}
	if !slices.Contains(validLogLevels, config.Logging.Level) {
		add("logging.level", fmt.Sprintf("log level must be one of: %s", strings.Join(validLogLevels, ", ")))
	}
	validLogFormats := []string{"json", "text"}
	if !slices.Contains(validLogFormats, config.Logging.Format) {
		add("logging.format", fmt.Sprintf("log format must be one of: %s", strings.Join(validLogFormats, ", ")))
	}

	if !slices.Contains([]string{"de", "en"}, config.DefaultLang) {
		add("default_lang", "default_lang must be one of: de, en")
	}

	if len(errs) > 0 {
		var errorMessages []string
		for _, err := range errs {
			errorMessages = append(errorMessages, err.Error())
		}
		return fmt.Errorf("%w:\n%s", ErrInvalidConfigValue, strings.Join(errorMessages, "\n"))
	}

	return nil
}

// NormalizeBaseURL adds https:// when no scheme is given and trims
// trailing slashes.
func NormalizeBaseURL(raw string) string {
	base := strings.TrimSpace(raw)
	if base == "" {
		return ""
	}
	if !strings.HasPrefix(base, "http://") && !strings.HasPrefix(base, "https://") {
		base = "https://" + base
	}
	return strings.TrimRight(base, "/")
}

// APIURL joins the normalised base URL with path using exactly one slash.
func (a AssistantConfig) APIURL(path string) string {
	base := NormalizeBaseURL(a.BaseURL)
	if path == "" {
		return base
	}
	return base + "/" + strings.TrimLeft(path, "/")
}

// MaskSensitiveValues returns a copy of the config with sensitive values masked
func (c *Config) MaskSensitiveValues() *Config {
	masked := *c

	if masked.OpenAI.APIKey != "" {
		masked.OpenAI.APIKey = maskValue(masked.OpenAI.APIKey)
	}

	return &masked
}

// maskValue masks sensitive values, showing only the first 8 characters
func maskValue(value string) string {
	if len(value) <= 8 {
		return strings.Repeat("*", len(value))
	}
	return value[:8] + strings.Repeat("*", len(value)-8)
}

// validateDirectoryExists checks if a directory exists
func validateDirectoryExists(path string) error {
	if path == "" || path == "." {
		return nil
	}

	info, err := os.Stat(path)
	if err != nil {
		return err
	}

	if !info.IsDir() {
		return fmt.Errorf("path is not a directory: %s", path)
	}

	return nil
}

// getEnvironment returns the current environment (development, production, etc.)
func getEnvironment() string {
	if env := os.Getenv("ENVIRONMENT"); env != "" {
		return env
	}
	if env := os.Getenv("ENV"); env != "" {
		return env
	}
	return "development"
}

// WatchConfig reloads the configuration whenever the file changes and hands
// every successfully validated result to callback. Invalid edits are logged
// and ignored so a running service keeps its last good config.
func WatchConfig(configPath string, logger *zap.Logger, callback func(*Config)) error {
	if logger == nil {
		logger = zap.NewNop()
	}
	v := viper.New()

	if err := setConfigFile(v, configPath); err != nil {
		return err
	}
	if err := v.ReadInConfig(); err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}

	v.OnConfigChange(func(e fsnotify.Event) {
		logger.Info("Config file changed", zap.String("file", e.Name), zap.String("op", e.Op.String()))

		config, err := LoadWithOptions(LoadOptions{
			ConfigPath:       configPath,
			EnableHotReload:  true,
			Environment:      getEnvironment(),
			ValidateRequired: true,
		})
		if err != nil {
			logger.Warn("Failed to reload config", zap.Error(err))
			return
		}

		callback(config)
	})
	v.WatchConfig()

	return nil
}
