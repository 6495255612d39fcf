package config

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

// LogLevel defines the minimum severity for error logs.
type LogLevel string

const (
	LogLevelDebug   LogLevel = "DEBUG"
	LogLevelInfo    LogLevel = "INFO"
	LogLevelWarning LogLevel = "WARNING"
	LogLevelError   LogLevel = "ERROR"
)

const (
	DefaultAddress                 = "0.0.0.0:8080"
	DefaultBaseDirectory           = "./hls"
	DefaultRoutePrefix             = "/hls"
	DefaultReadHeaderTimeout       = 10 * time.Second
	DefaultReadTimeout             = 30 * time.Second
	DefaultWriteTimeout            = 2 * time.Minute
	DefaultIdleTimeout             = 2 * time.Minute
	DefaultGracefulShutdownTimeout = 30 * time.Second

	AccessLogFormatJSON    = "json"
	AccessLogFormatConsole = "console"

	TargetStdout = "stdout"
	TargetStderr = "stderr"
)

// Environment variables consulted by ApplyEnv.
const (
	EnvAddress  = "HLSSERVE_ADDRESS"
	EnvBaseDir  = "HLSSERVE_BASE_DIR"
	EnvLogLevel = "HLSSERVE_LOG_LEVEL"
)

// Config is the top-level configuration structure for the server.
// It is built once at startup and treated as read-only afterwards.
type Config struct {
	Server  *ServerConfig  `json:"server,omitempty" toml:"server,omitempty" yaml:"server,omitempty"`
	HLS     *HLSConfig     `json:"hls,omitempty" toml:"hls,omitempty" yaml:"hls,omitempty"`
	Logging *LoggingConfig `json:"logging,omitempty" toml:"logging,omitempty" yaml:"logging,omitempty"`
}

// ServerConfig holds listener and connection settings.
type ServerConfig struct {
	Address                 *string   `json:"address,omitempty" toml:"address,omitempty" yaml:"address,omitempty"`
	EnableH2C               *bool     `json:"enable_h2c,omitempty" toml:"enable_h2c,omitempty" yaml:"enable_h2c,omitempty"`
	ReadHeaderTimeout       *Duration `json:"read_header_timeout,omitempty" toml:"read_header_timeout,omitempty" yaml:"read_header_timeout,omitempty"`
	ReadTimeout             *Duration `json:"read_timeout,omitempty" toml:"read_timeout,omitempty" yaml:"read_timeout,omitempty"`
	WriteTimeout            *Duration `json:"write_timeout,omitempty" toml:"write_timeout,omitempty" yaml:"write_timeout,omitempty"`
	IdleTimeout             *Duration `json:"idle_timeout,omitempty" toml:"idle_timeout,omitempty" yaml:"idle_timeout,omitempty"`
	GracefulShutdownTimeout *Duration `json:"graceful_shutdown_timeout,omitempty" toml:"graceful_shutdown_timeout,omitempty" yaml:"graceful_shutdown_timeout,omitempty"`
}

// HLSConfig configures the file route.
type HLSConfig struct {
	BaseDirectory     string            `json:"base_directory,omitempty" toml:"base_directory,omitempty" yaml:"base_directory,omitempty"`
	RoutePrefix       string            `json:"route_prefix,omitempty" toml:"route_prefix,omitempty" yaml:"route_prefix,omitempty"`
	MimeTypesMap      map[string]string `json:"mime_types,omitempty" toml:"mime_types,omitempty" yaml:"mime_types,omitempty"`
	MimeTypesPath     *string           `json:"mime_types_path,omitempty" toml:"mime_types_path,omitempty" yaml:"mime_types_path,omitempty"`
	CompressPlaylists *bool             `json:"compress_playlists,omitempty" toml:"compress_playlists,omitempty" yaml:"compress_playlists,omitempty"`
}

// LoggingConfig holds logging configurations.
type LoggingConfig struct {
	LogLevel  LogLevel         `json:"log_level,omitempty" toml:"log_level,omitempty" yaml:"log_level,omitempty"`
	AccessLog *AccessLogConfig `json:"access_log,omitempty" toml:"access_log,omitempty" yaml:"access_log,omitempty"`
	ErrorLog  *ErrorLogConfig  `json:"error_log,omitempty" toml:"error_log,omitempty" yaml:"error_log,omitempty"`
}

// AccessLogConfig configures access logging.
type AccessLogConfig struct {
	Enabled        *bool    `json:"enabled,omitempty" toml:"enabled,omitempty" yaml:"enabled,omitempty"`
	Target         *string  `json:"target,omitempty" toml:"target,omitempty" yaml:"target,omitempty"`
	Format         string   `json:"format,omitempty" toml:"format,omitempty" yaml:"format,omitempty"`
	TrustedProxies []string `json:"trusted_proxies,omitempty" toml:"trusted_proxies,omitempty" yaml:"trusted_proxies,omitempty"`
	RealIPHeader   *string  `json:"real_ip_header,omitempty" toml:"real_ip_header,omitempty" yaml:"real_ip_header,omitempty"`
}

// ErrorLogConfig configures error logging.
type ErrorLogConfig struct {
	Target *string `json:"target,omitempty" toml:"target,omitempty" yaml:"target,omitempty"`
}

// ConfigError reports a problem with a specific configuration file.
type ConfigError struct {
	FilePath string
	Message  string
	Err      error
}

func (e *ConfigError) Error() string {
	var b strings.Builder
	if e.FilePath != "" {
		b.WriteString(e.FilePath)
		b.WriteString(": ")
	}
	b.WriteString(e.Message)
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *ConfigError) Unwrap() error { return e.Err }

// IsFilePath reports whether a log target names a file rather than a standard stream.
func IsFilePath(target string) bool {
	return target != TargetStdout && target != TargetStderr
}

// Default returns a fully populated configuration equivalent to running with no config file.
func Default() *Config {
	cfg := &Config{}
	ApplyDefaults(cfg)
	return cfg
}

// LoadConfig reads, parses, defaults and validates the configuration file at path.
// The format is chosen by extension (.json, .toml, .yaml, .yml); other extensions
// are auto-detected by trying JSON, then TOML, then YAML.
func LoadConfig(path string) (*Config, error) {
	if path == "" {
		return nil, fmt.Errorf("configuration file path cannot be empty")
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, &ConfigError{FilePath: path, Message: "failed to read configuration file", Err: err}
	}
	if len(bytes.TrimSpace(data)) == 0 {
		return nil, &ConfigError{FilePath: path, Message: "configuration file is empty"}
	}

	cfg, err := parse(path, data)
	if err != nil {
		return nil, err
	}

	ApplyDefaults(cfg)
	if cfg.HLS.MimeTypesPath != nil && *cfg.HLS.MimeTypesPath != "" && !filepath.IsAbs(*cfg.HLS.MimeTypesPath) {
		resolved := filepath.Join(filepath.Dir(path), *cfg.HLS.MimeTypesPath)
		cfg.HLS.MimeTypesPath = &resolved
	}

	if err := Validate(cfg); err != nil {
		return nil, &ConfigError{FilePath: path, Message: "invalid configuration", Err: err}
	}
	return cfg, nil
}

func parse(path string, data []byte) (*Config, error) {
	cfg := &Config{}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json":
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, &ConfigError{FilePath: path, Message: "failed to parse JSON config", Err: err}
		}
	case ".toml":
		if _, err := toml.Decode(string(data), cfg); err != nil {
			return nil, &ConfigError{FilePath: path, Message: "failed to parse TOML config", Err: err}
		}
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, &ConfigError{FilePath: path, Message: "failed to parse YAML config", Err: err}
		}
	default:
		jsonErr := json.Unmarshal(data, cfg)
		if jsonErr == nil {
			return cfg, nil
		}
		cfg = &Config{}
		_, tomlErr := toml.Decode(string(data), cfg)
		if tomlErr == nil {
			return cfg, nil
		}
		cfg = &Config{}
		yamlErr := yaml.Unmarshal(data, cfg)
		if yamlErr == nil {
			return cfg, nil
		}
		return nil, &ConfigError{
			FilePath: path,
			Message: fmt.Sprintf("failed to auto-detect and parse config (JSON error: %v; TOML error: %v; YAML error: %v)",
				jsonErr, tomlErr, yamlErr),
		}
	}
	return cfg, nil
}

// ApplyDefaults fills every unset field. It is idempotent.
func ApplyDefaults(cfg *Config) {
	if cfg.Server == nil {
		cfg.Server = &ServerConfig{}
	}
	s := cfg.Server
	if s.Address == nil {
		s.Address = strPtr(DefaultAddress)
	}
	if s.EnableH2C == nil {
		s.EnableH2C = boolPtr(true)
	}
	if s.ReadHeaderTimeout == nil {
		s.ReadHeaderTimeout = durPtr(DefaultReadHeaderTimeout)
	}
	if s.ReadTimeout == nil {
		s.ReadTimeout = durPtr(DefaultReadTimeout)
	}
	if s.WriteTimeout == nil {
		s.WriteTimeout = durPtr(DefaultWriteTimeout)
	}
	if s.IdleTimeout == nil {
		s.IdleTimeout = durPtr(DefaultIdleTimeout)
	}
	if s.GracefulShutdownTimeout == nil {
		s.GracefulShutdownTimeout = durPtr(DefaultGracefulShutdownTimeout)
	}

	if cfg.HLS == nil {
		cfg.HLS = &HLSConfig{}
	}
	h := cfg.HLS
	if h.BaseDirectory == "" {
		h.BaseDirectory = DefaultBaseDirectory
	}
	if h.RoutePrefix == "" {
		h.RoutePrefix = DefaultRoutePrefix
	}
	if len(h.RoutePrefix) > 1 {
		h.RoutePrefix = strings.TrimRight(h.RoutePrefix, "/")
		if h.RoutePrefix == "" {
			h.RoutePrefix = "/"
		}
	}
	if h.CompressPlaylists == nil {
		h.CompressPlaylists = boolPtr(false)
	}

	if cfg.Logging == nil {
		cfg.Logging = &LoggingConfig{}
	}
	l := cfg.Logging
	if l.LogLevel == "" {
		l.LogLevel = LogLevelInfo
	}
	l.LogLevel = LogLevel(strings.ToUpper(string(l.LogLevel)))
	if l.AccessLog == nil {
		l.AccessLog = &AccessLogConfig{}
	}
	if l.AccessLog.Enabled == nil {
		l.AccessLog.Enabled = boolPtr(true)
	}
	if l.AccessLog.Target == nil {
		l.AccessLog.Target = strPtr(TargetStdout)
	}
	if l.AccessLog.Format == "" {
		l.AccessLog.Format = AccessLogFormatJSON
	}
	if l.ErrorLog == nil {
		l.ErrorLog = &ErrorLogConfig{}
	}
	if l.ErrorLog.Target == nil {
		l.ErrorLog.Target = strPtr(TargetStderr)
	}
}

// ApplyEnv overrides configuration values from environment variables.
// lookup is usually os.LookupEnv. Empty values are ignored.
func ApplyEnv(cfg *Config, lookup func(string) (string, bool)) {
	ApplyDefaults(cfg)
	if v, ok := lookup(EnvAddress); ok && v != "" {
		cfg.Server.Address = strPtr(v)
	}
	if v, ok := lookup(EnvBaseDir); ok && v != "" {
		cfg.HLS.BaseDirectory = v
	}
	if v, ok := lookup(EnvLogLevel); ok && v != "" {
		cfg.Logging.LogLevel = LogLevel(strings.ToUpper(v))
	}
}

// Validate checks a defaulted configuration for semantic errors.
func Validate(cfg *Config) error {
	if cfg == nil {
		return fmt.Errorf("configuration cannot be nil")
	}
	if cfg.Server == nil || cfg.HLS == nil || cfg.Logging == nil {
		return fmt.Errorf("configuration sections must be defaulted before validation")
	}

	if err := validateServer(cfg.Server); err != nil {
		return err
	}
	if err := validateHLS(cfg.HLS); err != nil {
		return err
	}
	return validateLogging(cfg.Logging)
}

func validateServer(s *ServerConfig) error {
	if s.Address == nil || *s.Address == "" {
		return fmt.Errorf("server.address must not be empty")
	}
	if _, _, err := net.SplitHostPort(*s.Address); err != nil {
		return fmt.Errorf("server.address %q is not a valid host:port: %w", *s.Address, err)
	}
	if s.GracefulShutdownTimeout != nil && s.GracefulShutdownTimeout.Duration() <= 0 {
		return fmt.Errorf("server.graceful_shutdown_timeout must be positive")
	}
	return nil
}

func validateHLS(h *HLSConfig) error {
	if h.BaseDirectory == "" {
		return fmt.Errorf("hls.base_directory must not be empty")
	}
	if !strings.HasPrefix(h.RoutePrefix, "/") {
		return fmt.Errorf("hls.route_prefix %q must start with '/'", h.RoutePrefix)
	}
	if strings.ContainsAny(h.RoutePrefix, "*{}") {
		return fmt.Errorf("hls.route_prefix %q must not contain pattern characters", h.RoutePrefix)
	}
	for ext, mimeType := range h.MimeTypesMap {
		if !strings.HasPrefix(ext, ".") {
			return fmt.Errorf("hls.mime_types: extension %q must start with '.'", ext)
		}
		if mimeType == "" {
			return fmt.Errorf("hls.mime_types: empty MIME type for extension %q", ext)
		}
	}
	return nil
}

func validateLogging(l *LoggingConfig) error {
	switch l.LogLevel {
	case LogLevelDebug, LogLevelInfo, LogLevelWarning, LogLevelError:
	default:
		return fmt.Errorf("logging.log_level %q is not one of DEBUG, INFO, WARNING, ERROR", l.LogLevel)
	}

	if l.AccessLog != nil {
		switch l.AccessLog.Format {
		case AccessLogFormatJSON, AccessLogFormatConsole:
		default:
			return fmt.Errorf("logging.access_log.format %q must be %q or %q", l.AccessLog.Format, AccessLogFormatJSON, AccessLogFormatConsole)
		}
		if err := validateTarget("logging.access_log.target", l.AccessLog.Target); err != nil {
			return err
		}
		if l.AccessLog.RealIPHeader != nil && *l.AccessLog.RealIPHeader == "" {
			return fmt.Errorf("logging.access_log.real_ip_header must not be an empty string")
		}
	}
	if l.ErrorLog != nil {
		if err := validateTarget("logging.error_log.target", l.ErrorLog.Target); err != nil {
			return err
		}
	}
	return nil
}

func validateTarget(field string, target *string) error {
	if target == nil {
		return nil
	}
	if *target == "" {
		return fmt.Errorf("%s must not be empty", field)
	}
	if IsFilePath(*target) && !filepath.IsAbs(*target) {
		return fmt.Errorf("%s %q must be stdout, stderr or an absolute file path", field, *target)
	}
	return nil
}

func strPtr(s string) *string { return &s }
func boolPtr(b bool) *bool    { return &b }

func durPtr(d time.Duration) *Duration {
	v := Duration(d)
	return &v
}
