// Package config provides configuration parsing and validation for the SSH
// proxy and its privileged keysign helper.
package config

import (
	"fmt"
	"os"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"
)

// Config is the complete proxy configuration: one YAML document covering
// both cmd/sshproxy and cmd/ssh-keysign, since the keysign helper is always
// launched by a proxy process sharing the same host-key material.
type Config struct {
	Agent   AgentConfig   `yaml:"agent"`
	Proxy   ProxyConfig   `yaml:"proxy"`
	Keysign KeysignConfig `yaml:"keysign"`
}

// AgentConfig contains process-wide logging settings.
type AgentConfig struct {
	LogLevel  string `yaml:"log_level"`  // debug, info, warn, error
	LogFormat string `yaml:"log_format"` // text, json
}

// ProxyConfig configures the dual-sided forwarding listener (spec.md §6.3).
type ProxyConfig struct {
	// Listen is the address the proxy accepts client connections on
	// (laddr:lport from the -L flag).
	Listen string `yaml:"listen"`

	// Upstream is the real SSH server's address (saddr:sport from -L).
	Upstream string `yaml:"upstream"`

	// ServerKeyFile is a PEM file holding the host key the proxy presents
	// to connecting clients (-S).
	ServerKeyFile string `yaml:"server_key"`

	// KnownKeyFile is a PEM file holding the pinned public key expected
	// from the upstream server (-C).
	KnownKeyFile string `yaml:"known_key"`

	// Foreground disables daemonizing (-f).
	Foreground bool `yaml:"foreground"`

	// Verbosity is the -d count: each occurrence raises log verbosity one
	// level, cumulative. Values above what internal/logging can represent
	// (debug) stay at debug rather than erroring.
	Verbosity int `yaml:"verbosity"`
}

// KeysignConfig gates the privileged signing helper (spec.md §6.5,
// SUPPLEMENTED from original_source/ssh/ssh-keysign.c's enable_ssh_keysign).
type KeysignConfig struct {
	// Enabled must be explicitly set; cmd/ssh-keysign refuses to run
	// otherwise, matching the original's config-gate default of off.
	Enabled bool `yaml:"enabled"`

	// HostKeyDir holds the PEM files internal/hostkeys.Set loads from,
	// named ssh_host_<type>_key as OpenSSH does.
	HostKeyDir string `yaml:"host_key_dir"`
}

// Note: there is no local_user config field. Spec.md §4.7 requires the
// hostbased validator compare against the real invoking user's own
// password-database name, resolved from the OS at the real uid
// (cmd/ssh-keysign calls os/user.LookupId off syscall.Getuid() before
// dropping privileges) — an operator-editable config string would defeat
// the point of hostbased auth, which is binding to the caller's actual
// OS identity rather than a value anyone with config-file access could set.

// Default returns a Config with conservative defaults: keysign disabled,
// info-level text logging.
func Default() *Config {
	return &Config{
		Agent: AgentConfig{
			LogLevel:  "info",
			LogFormat: "text",
		},
		Proxy: ProxyConfig{
			Listen: "0.0.0.0:2222",
		},
		Keysign: KeysignConfig{
			Enabled:    false,
			HostKeyDir: "/etc/ssh",
		},
	}
}

// Load reads and parses a configuration file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return Parse(data)
}

// Parse parses configuration from YAML bytes, starting from Default and
// validating the result.
func Parse(data []byte) (*Config, error) {
	expanded := expandEnvVars(string(data))

	cfg := Default()
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return cfg, nil
}

// envVarRegex matches ${VAR} or $VAR patterns.
var envVarRegex = regexp.MustCompile(`\$\{([^}]+)\}|\$([A-Za-z_][A-Za-z0-9_]*)`)

// expandEnvVars replaces environment variable references with their values,
// supporting ${VAR:-default} fallback syntax.
func expandEnvVars(s string) string {
	return envVarRegex.ReplaceAllStringFunc(s, func(match string) string {
		var name string
		if strings.HasPrefix(match, "${") {
			name = match[2 : len(match)-1]
		} else {
			name = match[1:]
		}

		if idx := strings.Index(name, ":-"); idx != -1 {
			varName := name[:idx]
			defaultVal := name[idx+2:]
			if val, ok := os.LookupEnv(varName); ok {
				return val
			}
			return defaultVal
		}

		if val, ok := os.LookupEnv(name); ok {
			return val
		}
		return match
	})
}

// Validate checks the configuration for errors, accumulating every failure
// rather than stopping at the first (matching internal/keysign's
// accumulate-then-reject discipline).
func (c *Config) Validate() error {
	var errs []string

	if !isValidLogLevel(c.Agent.LogLevel) {
		errs = append(errs, fmt.Sprintf("invalid log_level: %s (must be debug, info, warn, or error)", c.Agent.LogLevel))
	}
	if !isValidLogFormat(c.Agent.LogFormat) {
		errs = append(errs, fmt.Sprintf("invalid log_format: %s (must be text or json)", c.Agent.LogFormat))
	}

	if c.Proxy.Listen == "" {
		errs = append(errs, "proxy.listen is required")
	}
	if c.Proxy.Upstream == "" {
		errs = append(errs, "proxy.upstream is required")
	}
	if c.Proxy.ServerKeyFile == "" {
		errs = append(errs, "proxy.server_key is required")
	}
	if c.Proxy.Verbosity < 0 {
		errs = append(errs, "proxy.verbosity must not be negative")
	}

	if c.Keysign.Enabled && c.Keysign.HostKeyDir == "" {
		errs = append(errs, "keysign.host_key_dir is required when keysign.enabled")
	}

	if len(errs) > 0 {
		return fmt.Errorf("validation errors:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}

func isValidLogLevel(level string) bool {
	switch level {
	case "debug", "info", "warn", "error":
		return true
	default:
		return false
	}
}

func isValidLogFormat(format string) bool {
	switch format {
	case "text", "json":
		return true
	default:
		return false
	}
}
