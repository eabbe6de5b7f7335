// Package config provides configuration management for fwagent.
// It supports loading configuration from environment variables, config files, and defaults.
package config

import (
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/kandev/fwagent/internal/common/logger"
	"github.com/kandev/fwagent/internal/tracing"
)

// Config holds all configuration sections for fwagent.
type Config struct {
	Server     ServerConfig      `mapstructure:"server"`
	Agent      AgentConfig       `mapstructure:"agent"`
	Redirect   RedirectConfig    `mapstructure:"redirect"`
	Frameworks []FrameworkConfig `mapstructure:"frameworks"`
	NATS       NATSConfig        `mapstructure:"nats"`
	Logging    LoggingConfig     `mapstructure:"logging"`
	Tracing    TracingConfig     `mapstructure:"tracing"`
}

// ServerConfig holds listener configuration.
type ServerConfig struct {
	// Listen is the agent endpoint in [<host>:]<port> form. "*" as host binds all interfaces.
	Listen string `mapstructure:"listen"`
	// HTTP is the admin API address. Empty disables the admin API.
	HTTP      string `mapstructure:"http"`
	LocalOnly bool   `mapstructure:"localOnly"`
}

// AgentConfig holds per-framework defaults.
type AgentConfig struct {
	DefaultFramework string `mapstructure:"defaultFramework"`
	StorageDir       string `mapstructure:"storageDir"`
	CacheDir         string `mapstructure:"cacheDir"`
	ShutdownTimeout  int    `mapstructure:"shutdownTimeout"` // in seconds
	ShellSettle      int    `mapstructure:"shellSettle"`     // in milliseconds
}

// RedirectConfig holds socket redirection settings.
type RedirectConfig struct {
	SocketHost string `mapstructure:"socketHost"`
}

// FrameworkConfig describes a framework created at boot.
type FrameworkConfig struct {
	Name       string            `mapstructure:"name"`
	Factory    string            `mapstructure:"factory"`
	Properties map[string]string `mapstructure:"properties"`
	// StorageDir and CacheDir override the agent defaults when set.
	StorageDir string `mapstructure:"storageDir"`
	CacheDir   string `mapstructure:"cacheDir"`
}

// NATSConfig holds NATS messaging configuration. An empty URL selects the in-memory bus.
type NATSConfig struct {
	URL           string `mapstructure:"url"`
	ClientID      string `mapstructure:"clientId"`
	MaxReconnects int    `mapstructure:"maxReconnects"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	OutputPath string `mapstructure:"outputPath"`
}

// TracingConfig holds the OTLP trace export settings. An empty endpoint disables export.
type TracingConfig struct {
	Endpoint    string `mapstructure:"endpoint"`
	ServiceName string `mapstructure:"serviceName"`
	Insecure    bool   `mapstructure:"insecure"`
}

// Tracing converts the section into tracer settings.
func (t TracingConfig) Tracing() tracing.Config {
	return tracing.Config{Endpoint: t.Endpoint, ServiceName: t.ServiceName, Insecure: t.Insecure}
}

// ShutdownTimeoutDuration returns the framework stop timeout as a time.Duration.
func (a *AgentConfig) ShutdownTimeoutDuration() time.Duration {
	return time.Duration(a.ShutdownTimeout) * time.Second
}

// ShellSettleDuration returns the shell output settle window as a time.Duration.
func (a *AgentConfig) ShellSettleDuration() time.Duration {
	return time.Duration(a.ShellSettle) * time.Millisecond
}

// Logger converts the section into logger settings.
func (l LoggingConfig) Logger() logger.LoggingConfig {
	return logger.LoggingConfig{Level: l.Level, Format: l.Format, OutputPath: l.OutputPath}
}

// setDefaults configures default values for all configuration options.
func setDefaults(v *viper.Viper) {
	home, err := os.UserHomeDir()
	if err != nil {
		home = os.TempDir()
	}

	v.SetDefault("server.listen", "localhost:29998")
	v.SetDefault("server.http", "localhost:29997")
	v.SetDefault("server.localOnly", false)

	v.SetDefault("agent.defaultFramework", "main")
	v.SetDefault("agent.storageDir", filepath.Join(home, ".fwagent", "storage"))
	v.SetDefault("agent.cacheDir", filepath.Join(home, ".fwagent", "cache"))
	v.SetDefault("agent.shutdownTimeout", 10)
	v.SetDefault("agent.shellSettle", 250)

	v.SetDefault("redirect.socketHost", "")

	v.SetDefault("frameworks", []map[string]interface{}{
		{"name": "main", "properties": map[string]string{"framework.embedded.activators": "shell.builtin"}},
	})

	// Empty URL means use the in-memory event bus
	v.SetDefault("nats.url", "")
	v.SetDefault("nats.clientId", "fwagent")
	v.SetDefault("nats.maxReconnects", 10)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", logger.DetectFormat())
	v.SetDefault("logging.outputPath", "stdout")

	v.SetDefault("tracing.endpoint", "")
	v.SetDefault("tracing.serviceName", tracing.DefaultServiceName)
	v.SetDefault("tracing.insecure", true)
}

// Load reads configuration from environment variables, config file, and defaults.
func Load() (*Config, error) {
	return LoadWithPath("")
}

// LoadWithPath reads configuration from the specified path or default locations.
// Environment variables use the prefix FWAGENT_; config.yaml is searched in
// configPath, the current directory and /etc/fwagent/.
func LoadWithPath(configPath string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	v.SetEnvPrefix("FWAGENT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// camelCase keys do not map onto SNAKE_CASE env vars automatically.
	_ = v.BindEnv("server.localOnly", "FWAGENT_SERVER_LOCAL_ONLY")
	_ = v.BindEnv("agent.defaultFramework", "FWAGENT_AGENT_DEFAULT_FRAMEWORK")
	_ = v.BindEnv("agent.storageDir", "FWAGENT_AGENT_STORAGE_DIR")
	_ = v.BindEnv("agent.cacheDir", "FWAGENT_AGENT_CACHE_DIR")
	_ = v.BindEnv("agent.shutdownTimeout", "FWAGENT_AGENT_SHUTDOWN_TIMEOUT")
	_ = v.BindEnv("agent.shellSettle", "FWAGENT_AGENT_SHELL_SETTLE")
	_ = v.BindEnv("redirect.socketHost", "FWAGENT_REDIRECT_SOCKET_HOST")
	// the standard OTel variables apply when the FWAGENT_ ones are unset
	_ = v.BindEnv("tracing.endpoint", "FWAGENT_TRACING_ENDPOINT", "OTEL_EXPORTER_OTLP_ENDPOINT")
	_ = v.BindEnv("tracing.serviceName", "FWAGENT_TRACING_SERVICE_NAME", "OTEL_SERVICE_NAME")

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	if configPath != "" {
		v.AddConfigPath(configPath)
	}
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/fwagent/")

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

// validate checks the loaded configuration and reports every problem at once.
func validate(cfg *Config) error {
	var errs []string

	if cfg.Server.Listen != "" {
		if _, _, err := ParseListen(cfg.Server.Listen); err != nil {
			errs = append(errs, "server.listen: "+err.Error())
		}
	}
	if cfg.Agent.StorageDir == "" {
		errs = append(errs, "agent.storageDir is required")
	}
	if cfg.Agent.CacheDir == "" {
		errs = append(errs, "agent.cacheDir is required")
	}
	if cfg.Agent.ShutdownTimeout <= 0 {
		errs = append(errs, "agent.shutdownTimeout must be positive")
	}
	if cfg.Agent.ShellSettle <= 0 {
		errs = append(errs, "agent.shellSettle must be positive")
	}

	seen := make(map[string]bool)
	for i, fw := range cfg.Frameworks {
		if fw.Name == "" {
			errs = append(errs, fmt.Sprintf("frameworks[%d].name is required", i))
			continue
		}
		if seen[fw.Name] {
			errs = append(errs, fmt.Sprintf("frameworks[%d].name %q is duplicated", i, fw.Name))
		}
		seen[fw.Name] = true
	}
	if cfg.Agent.DefaultFramework != "" && !seen[cfg.Agent.DefaultFramework] {
		errs = append(errs, fmt.Sprintf("agent.defaultFramework %q is not declared in frameworks", cfg.Agent.DefaultFramework))
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(cfg.Logging.Level)] {
		errs = append(errs, "logging.level must be one of: debug, info, warn, error")
	}
	validFormats := map[string]bool{"json": true, "text": true, "console": true}
	if !validFormats[strings.ToLower(cfg.Logging.Format)] {
		errs = append(errs, "logging.format must be one of: json, text, console")
	}

	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}
	return nil
}

// ParseListen parses a listen specification of the form [<host>:]<port>.
// An omitted host means localhost and "*" means every interface (returned as "").
func ParseListen(spec string) (host string, port int, err error) {
	spec = strings.TrimSpace(spec)
	if spec == "" {
		return "", 0, fmt.Errorf("empty listen address")
	}
	host = "localhost"
	portPart := spec
	if i := strings.LastIndex(spec, ":"); i >= 0 {
		host = spec[:i]
		portPart = spec[i+1:]
		if strings.HasPrefix(host, "[") && strings.HasSuffix(host, "]") {
			host = host[1 : len(host)-1]
		}
		if host == "" {
			host = "localhost"
		}
	}
	port, err = strconv.Atoi(portPart)
	if err != nil {
		return "", 0, fmt.Errorf("invalid port %q in %q", portPart, spec)
	}
	if port < 0 || port > 65535 {
		return "", 0, fmt.Errorf("port %d out of range in %q", port, spec)
	}
	if host == "*" {
		host = ""
	}
	return host, port, nil
}

// ListenAddress converts a listen specification into a net.Listen address.
func ListenAddress(spec string) (string, error) {
	host, port, err := ParseListen(spec)
	if err != nil {
		return "", err
	}
	return net.JoinHostPort(host, strconv.Itoa(port)), nil
}
