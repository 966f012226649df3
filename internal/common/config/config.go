// Package config provides configuration management for agentloop.
// It supports loading configuration from environment variables, config files, and defaults.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration sections for agentloop.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Database  DatabaseConfig  `mapstructure:"database"`
	NATS      NATSConfig      `mapstructure:"nats"`
	Agent     AgentConfig     `mapstructure:"agent"`
	Session   SessionConfig   `mapstructure:"session"`
	Lanes     LanesConfig     `mapstructure:"lanes"`
	Tools     ToolsConfig     `mapstructure:"tools"`
	Discord   DiscordConfig   `mapstructure:"discord"`
	Browser   BrowserConfig   `mapstructure:"browser"`
	Cron      CronConfig      `mapstructure:"cron"`
	MCP       MCPConfig       `mapstructure:"mcp"`
	Telemetry TelemetryConfig `mapstructure:"telemetry"`
	Logging   LoggingConfig   `mapstructure:"logging"`
}

// ServerConfig holds the operational HTTP API configuration.
type ServerConfig struct {
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	ReadTimeout  int    `mapstructure:"readTimeout"`  // in seconds
	WriteTimeout int    `mapstructure:"writeTimeout"` // in seconds
}

// DatabaseConfig holds the memory-store database configuration.
// Driver selects the backend: "sqlite" (default, file under the agent home)
// or "postgres" (connection fields below).
type DatabaseConfig struct {
	Driver   string `mapstructure:"driver"`
	Path     string `mapstructure:"path"` // sqlite file path; empty = <home>/memory.db
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	DBName   string `mapstructure:"dbName"`
	SSLMode  string `mapstructure:"sslMode"`
	MaxConns int    `mapstructure:"maxConns"`
	MinConns int    `mapstructure:"minConns"`
}

// NATSConfig holds NATS event bus configuration.
// An empty URL selects the in-memory event bus.
type NATSConfig struct {
	URL           string `mapstructure:"url"`
	ClientID      string `mapstructure:"clientId"`
	MaxReconnects int    `mapstructure:"maxReconnects"`
}

// AgentConfig holds the agent runner configuration.
type AgentConfig struct {
	// Home is the agent home directory (workspace, personas, skills, state).
	Home string `mapstructure:"home"`

	// Runner selects the subprocess protocol: "claude" (stream-json) or
	// "codex" (MCP JSON-RPC).
	Runner string `mapstructure:"runner"`

	// Model overrides the CLI's default model when set.
	Model string `mapstructure:"model"`

	// Command overrides the CLI binary path. Empty means search PATH and
	// the known install locations.
	Command string `mapstructure:"command"`

	// SkipPermissions passes the dangerously-skip-permissions flag through
	// to the subprocess.
	SkipPermissions bool `mapstructure:"skipPermissions"`

	// MaxTurns bounds one agent loop run.
	MaxTurns int `mapstructure:"maxTurns"`

	// GatewayTools parses tool calls from fenced blocks in the model's text
	// output instead of native protocol tool_use blocks.
	GatewayTools bool `mapstructure:"gatewayTools"`

	// CodeAct additionally interprets fenced js blocks as tool invocations.
	CodeAct bool `mapstructure:"codeAct"`

	RequestTimeout      int `mapstructure:"requestTimeout"`      // seconds, per turn
	InitTimeout         int `mapstructure:"initTimeout"`         // seconds, handshake
	ToolCallTimeout     int `mapstructure:"toolCallTimeout"`     // seconds, MCP tools/call
	ContinuationRetries int `mapstructure:"continuationRetries"` // stop-continuation cap
	ContractSaveLimit   int `mapstructure:"contractSaveLimit"`   // per-invocation cap
}

// SessionConfig holds session pool configuration.
type SessionConfig struct {
	Timeout                int `mapstructure:"timeout"`         // seconds
	MaxSessions            int `mapstructure:"maxSessions"`     //
	CleanupInterval        int `mapstructure:"cleanupInterval"` // seconds
	ContextThresholdTokens int `mapstructure:"contextThresholdTokens"`
}

// LanesConfig holds lane scheduler configuration.
type LanesConfig struct {
	Enabled            bool `mapstructure:"enabled"`
	DefaultConcurrency int  `mapstructure:"defaultConcurrency"`
	CronConcurrency    int  `mapstructure:"cronConcurrency"`
}

// ToolsConfig holds tool executor configuration.
type ToolsConfig struct {
	BashTimeout    int           `mapstructure:"bashTimeout"`    // seconds
	BashMaxOutput  int           `mapstructure:"bashMaxOutput"`  // bytes
	Sandbox        SandboxConfig `mapstructure:"sandbox"`        //
	BrowserTimeout int           `mapstructure:"browserTimeout"` // seconds
}

// SandboxConfig holds the optional container-backed Bash sandbox.
type SandboxConfig struct {
	Enabled     bool   `mapstructure:"enabled"`
	Host        string `mapstructure:"host"`
	APIVersion  string `mapstructure:"apiVersion"`
	Image       string `mapstructure:"image"`
	NetworkMode string `mapstructure:"networkMode"`
	MemoryLimit int64  `mapstructure:"memoryLimit"` // bytes
}

// DiscordConfig holds the chat gateway configuration behind discord_send.
type DiscordConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Token   string `mapstructure:"token"`
}

// BrowserConfig holds the browser facade configuration.
type BrowserConfig struct {
	Enabled    bool   `mapstructure:"enabled"`
	Headless   bool   `mapstructure:"headless"`
	ControlURL string `mapstructure:"controlUrl"` // attach to an existing browser
}

// CronConfig holds recurring prompt jobs.
type CronConfig struct {
	Jobs []CronJobConfig `mapstructure:"jobs"`
}

// CronJobConfig declares one recurring prompt submitted on a cron:<name> channel.
type CronJobConfig struct {
	Name     string `mapstructure:"name"`
	Schedule string `mapstructure:"schedule"`
	Channel  string `mapstructure:"channel"` // optional override; default cron:<name>
	Prompt   string `mapstructure:"prompt"`
}

// MCPConfig holds the embedded MCP server configuration.
type MCPConfig struct {
	Enabled bool `mapstructure:"enabled"`
	Port    int  `mapstructure:"port"`
}

// TelemetryConfig holds OpenTelemetry tracing configuration.
type TelemetryConfig struct {
	Enabled     bool   `mapstructure:"enabled"`
	Endpoint    string `mapstructure:"endpoint"`
	ServiceName string `mapstructure:"serviceName"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	OutputPath string `mapstructure:"outputPath"`
}

// ReadTimeoutDuration returns the read timeout as a time.Duration.
func (s *ServerConfig) ReadTimeoutDuration() time.Duration {
	return time.Duration(s.ReadTimeout) * time.Second
}

// WriteTimeoutDuration returns the write timeout as a time.Duration.
func (s *ServerConfig) WriteTimeoutDuration() time.Duration {
	return time.Duration(s.WriteTimeout) * time.Second
}

// HomeDir returns the agent home with a leading ~ expanded.
func (a *AgentConfig) HomeDir() string {
	return expandHome(a.Home)
}

// RequestTimeoutDuration returns the per-turn timeout as a time.Duration.
func (a *AgentConfig) RequestTimeoutDuration() time.Duration {
	return time.Duration(a.RequestTimeout) * time.Second
}

// InitTimeoutDuration returns the handshake timeout as a time.Duration.
func (a *AgentConfig) InitTimeoutDuration() time.Duration {
	return time.Duration(a.InitTimeout) * time.Second
}

// ToolCallTimeoutDuration returns the MCP tool-call timeout as a time.Duration.
func (a *AgentConfig) ToolCallTimeoutDuration() time.Duration {
	return time.Duration(a.ToolCallTimeout) * time.Second
}

// TimeoutDuration returns the session timeout as a time.Duration.
func (s *SessionConfig) TimeoutDuration() time.Duration {
	return time.Duration(s.Timeout) * time.Second
}

// CleanupIntervalDuration returns the cleanup interval as a time.Duration.
func (s *SessionConfig) CleanupIntervalDuration() time.Duration {
	return time.Duration(s.CleanupInterval) * time.Second
}

// BashTimeoutDuration returns the Bash wall timeout as a time.Duration.
func (t *ToolsConfig) BashTimeoutDuration() time.Duration {
	return time.Duration(t.BashTimeout) * time.Second
}

// SQLitePath returns the sqlite file path, defaulting under the agent home.
func (d *DatabaseConfig) SQLitePath(home string) string {
	if d.Path != "" {
		return expandHome(d.Path)
	}
	return filepath.Join(home, "memory.db")
}

// DSN returns the PostgreSQL connection string.
func (d *DatabaseConfig) DSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		d.Host, d.Port, d.User, d.Password, d.DBName, d.SSLMode,
	)
}

func expandHome(path string) string {
	if path == "~" || strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err == nil {
			return filepath.Join(home, strings.TrimPrefix(path, "~"))
		}
	}
	return path
}

// detectDefaultLogFormat returns the appropriate log format based on environment.
// Returns "json" if running in Kubernetes or other production environments.
// Returns "text" for terminal/development use (human-readable console format).
func detectDefaultLogFormat() string {
	if os.Getenv("KUBERNETES_SERVICE_HOST") != "" {
		return "json"
	}
	if env := os.Getenv("AGENTLOOP_ENV"); env == "production" || env == "prod" {
		return "json"
	}
	return "text"
}

// setDefaults configures default values for all configuration options.
func setDefaults(v *viper.Viper) {
	// Server defaults
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.readTimeout", 30)
	v.SetDefault("server.writeTimeout", 30)

	// Database defaults - sqlite file under the agent home
	v.SetDefault("database.driver", "sqlite")
	v.SetDefault("database.path", "")
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.user", "agentloop")
	v.SetDefault("database.password", "")
	v.SetDefault("database.dbName", "agentloop")
	v.SetDefault("database.sslMode", "disable")
	v.SetDefault("database.maxConns", 25)
	v.SetDefault("database.minConns", 5)

	// NATS defaults - empty URL means use in-memory event bus
	v.SetDefault("nats.url", "")
	v.SetDefault("nats.clientId", "agentloop")
	v.SetDefault("nats.maxReconnects", 10)

	// Agent defaults
	v.SetDefault("agent.home", "~/.agentloop")
	v.SetDefault("agent.runner", "claude")
	v.SetDefault("agent.model", "")
	v.SetDefault("agent.command", "")
	v.SetDefault("agent.skipPermissions", false)
	v.SetDefault("agent.maxTurns", 20)
	v.SetDefault("agent.gatewayTools", false)
	v.SetDefault("agent.codeAct", false)
	v.SetDefault("agent.requestTimeout", 120)
	v.SetDefault("agent.initTimeout", 60)
	v.SetDefault("agent.toolCallTimeout", 900)
	v.SetDefault("agent.continuationRetries", 3)
	v.SetDefault("agent.contractSaveLimit", 5)

	// Session pool defaults
	v.SetDefault("session.timeout", 1800)
	v.SetDefault("session.maxSessions", 100)
	v.SetDefault("session.cleanupInterval", 300)
	v.SetDefault("session.contextThresholdTokens", 160000)

	// Lane scheduler defaults - cron gets reduced concurrency so background
	// ingesters cannot starve interactive traffic
	v.SetDefault("lanes.enabled", true)
	v.SetDefault("lanes.defaultConcurrency", 8)
	v.SetDefault("lanes.cronConcurrency", 2)

	// Tool executor defaults
	v.SetDefault("tools.bashTimeout", 60)
	v.SetDefault("tools.bashMaxOutput", 10*1024*1024)
	v.SetDefault("tools.browserTimeout", 30)
	v.SetDefault("tools.sandbox.enabled", false)
	v.SetDefault("tools.sandbox.host", "unix:///var/run/docker.sock")
	v.SetDefault("tools.sandbox.apiVersion", "1.41")
	v.SetDefault("tools.sandbox.image", "ubuntu:24.04")
	v.SetDefault("tools.sandbox.networkMode", "none")
	v.SetDefault("tools.sandbox.memoryLimit", int64(512*1024*1024))

	// Chat gateway defaults
	v.SetDefault("discord.enabled", false)
	v.SetDefault("discord.token", "")

	// Browser defaults
	v.SetDefault("browser.enabled", false)
	v.SetDefault("browser.headless", true)
	v.SetDefault("browser.controlUrl", "")

	// MCP server defaults
	v.SetDefault("mcp.enabled", false)
	v.SetDefault("mcp.port", 9090)

	// Telemetry defaults
	v.SetDefault("telemetry.enabled", false)
	v.SetDefault("telemetry.endpoint", "localhost:4318")
	v.SetDefault("telemetry.serviceName", "agentloop")

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", detectDefaultLogFormat())
	v.SetDefault("logging.outputPath", "stdout")
}

// Load reads configuration from environment variables, config file, and defaults.
// Environment variables use the prefix AGENTLOOP_ with snake_case naming.
// Config file should be named config.yaml and placed in the current directory or /etc/agentloop/.
func Load() (*Config, error) {
	return LoadWithPath("")
}

// LoadWithPath reads configuration from the specified path or default locations.
func LoadWithPath(configPath string) (*Config, error) {
	v := viper.New()

	// Set defaults first
	setDefaults(v)

	// Configure environment variables
	v.SetEnvPrefix("AGENTLOOP")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Explicit bindings for snake_case env vars (camelCase config keys).
	// AutomaticEnv does not handle camelCase to SNAKE_CASE conversion,
	// so we explicitly bind keys where env var naming differs from config key naming.
	_ = v.BindEnv("agent.home", "AGENTLOOP_HOME", "AGENTLOOP_AGENT_HOME")
	_ = v.BindEnv("agent.skipPermissions", "AGENTLOOP_AGENT_SKIP_PERMISSIONS")
	_ = v.BindEnv("agent.maxTurns", "AGENTLOOP_AGENT_MAX_TURNS")
	_ = v.BindEnv("agent.gatewayTools", "AGENTLOOP_AGENT_GATEWAY_TOOLS")
	_ = v.BindEnv("agent.requestTimeout", "AGENTLOOP_AGENT_REQUEST_TIMEOUT")
	_ = v.BindEnv("agent.initTimeout", "AGENTLOOP_AGENT_INIT_TIMEOUT")
	_ = v.BindEnv("session.maxSessions", "AGENTLOOP_SESSION_MAX_SESSIONS")
	_ = v.BindEnv("session.contextThresholdTokens", "AGENTLOOP_SESSION_CONTEXT_THRESHOLD_TOKENS")
	_ = v.BindEnv("discord.token", "AGENTLOOP_DISCORD_TOKEN", "DISCORD_BOT_TOKEN")

	// Configure config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")

	if configPath != "" {
		v.AddConfigPath(configPath)
	}
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/agentloop/")

	// Read config file (ignore if not found)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// validate checks that all required configuration fields are set.
// In development mode (default), most fields are optional.
func validate(cfg *Config) error {
	var errs []string

	if cfg.Server.Port <= 0 || cfg.Server.Port > 65535 {
		errs = append(errs, "server.port must be between 1 and 65535")
	}

	switch cfg.Database.Driver {
	case "sqlite", "postgres":
	default:
		errs = append(errs, "database.driver must be one of: sqlite, postgres")
	}
	if cfg.Database.Driver == "postgres" {
		if cfg.Database.Host == "" {
			errs = append(errs, "database.host is required for the postgres driver")
		}
		if cfg.Database.User == "" {
			errs = append(errs, "database.user is required for the postgres driver")
		}
		if cfg.Database.DBName == "" {
			errs = append(errs, "database.dbName is required for the postgres driver")
		}
	}

	switch cfg.Agent.Runner {
	case "claude", "codex":
	default:
		errs = append(errs, "agent.runner must be one of: claude, codex")
	}
	if cfg.Agent.MaxTurns <= 0 {
		errs = append(errs, "agent.maxTurns must be positive")
	}
	if cfg.Agent.RequestTimeout <= 0 {
		errs = append(errs, "agent.requestTimeout must be positive")
	}

	if cfg.Session.MaxSessions <= 0 {
		errs = append(errs, "session.maxSessions must be positive")
	}
	if cfg.Session.ContextThresholdTokens <= 0 {
		errs = append(errs, "session.contextThresholdTokens must be positive")
	}

	if cfg.Lanes.DefaultConcurrency <= 0 {
		errs = append(errs, "lanes.defaultConcurrency must be positive")
	}
	if cfg.Lanes.CronConcurrency <= 0 {
		errs = append(errs, "lanes.cronConcurrency must be positive")
	}

	if cfg.Discord.Enabled && cfg.Discord.Token == "" {
		errs = append(errs, "discord.token is required when discord.enabled is true")
	}

	for i, job := range cfg.Cron.Jobs {
		if job.Name == "" {
			errs = append(errs, fmt.Sprintf("cron.jobs[%d].name is required", i))
		}
		if job.Schedule == "" {
			errs = append(errs, fmt.Sprintf("cron.jobs[%d].schedule is required", i))
		}
		if job.Prompt == "" {
			errs = append(errs, fmt.Sprintf("cron.jobs[%d].prompt is required", i))
		}
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(cfg.Logging.Level)] {
		errs = append(errs, "logging.level must be one of: debug, info, warn, error")
	}
	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[strings.ToLower(cfg.Logging.Format)] {
		errs = append(errs, "logging.format must be one of: json, text")
	}

	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}

	return nil
}
