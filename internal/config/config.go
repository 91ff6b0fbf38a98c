// Copyright 2026 The toolmesh Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package config defines the YAML configuration surface for the toolmesh
// daemon and the loader that validates and normalizes it. Components keep
// their own runtime config types; this package is the file-facing layer
// that feeds them.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"syscall"

	"golang.org/x/crypto/bcrypt"
	"gopkg.in/yaml.v3"
)

// Config is the root configuration for the toolmesh daemon.
type Config struct {
	// Host is the address the API server binds to.
	// Default empty: binds to all interfaces (IPv4 + IPv6).
	Host string `yaml:"host" json:"host"`

	// Port is the TCP port the API server listens on. Default: 8317.
	Port int `yaml:"port" json:"port"`

	// TLS holds optional HTTPS server settings.
	TLS TLSConfig `yaml:"tls" json:"tls"`

	// Debug enables debug-level logging.
	Debug bool `yaml:"debug" json:"debug"`

	// LoggingToFile redirects logs from stdout to rotating files when true.
	LoggingToFile bool `yaml:"logging-to-file" json:"logging-to-file"`

	// LogDir is the directory for log files. Default: "logs".
	LogDir string `yaml:"log-dir" json:"log-dir"`

	// LogsMaxTotalSizeMB caps the total size of the log directory.
	// Zero disables the background cleaner.
	LogsMaxTotalSizeMB int `yaml:"logs-max-total-size-mb" json:"logs-max-total-size-mb"`

	// RemoteManagement holds management API access settings.
	RemoteManagement RemoteManagement `yaml:"remote-management" json:"remote-management"`

	// Providers lists the tool providers calls can be routed to.
	Providers []ProviderConfig `yaml:"providers" json:"providers"`

	// Breaker holds circuit breaker thresholds.
	Breaker BreakerConfig `yaml:"breaker" json:"breaker"`

	// Retry holds the retry and failover policy.
	Retry RetryConfig `yaml:"retry" json:"retry"`

	// Cache holds the three cache tier settings and argument normalization.
	Cache CacheConfig `yaml:"cache" json:"cache"`

	// Router holds selection weights and the health floor.
	Router RouterConfig `yaml:"router" json:"router"`

	// Health holds passive window sizing and active probe settings.
	Health HealthConfig `yaml:"health" json:"health"`

	// Feedback holds the performance feedback store settings.
	Feedback FeedbackConfig `yaml:"feedback" json:"feedback"`

	// Steering holds the operator rule engine settings.
	Steering SteeringConfig `yaml:"steering" json:"steering"`
}

// TLSConfig holds HTTPS server settings.
type TLSConfig struct {
	// Enable toggles HTTPS server mode.
	Enable bool `yaml:"enable" json:"enable"`
	// Cert is the path to the TLS certificate file.
	Cert string `yaml:"cert" json:"cert"`
	// Key is the path to the TLS private key file.
	Key string `yaml:"key" json:"key"`
}

// RemoteManagement holds management API configuration under 'remote-management'.
type RemoteManagement struct {
	// AllowRemote toggles remote (non-localhost) access to the management API.
	AllowRemote bool `yaml:"allow-remote" json:"allow-remote"`

	// SecretKey is the management key (plaintext or bcrypt hashed). Plaintext
	// values are hashed on load and persisted back to the file.
	SecretKey string `yaml:"secret-key" json:"secret-key"`
}

// LoadConfig reads, parses and normalizes the configuration file.
func LoadConfig(configFile string) (*Config, error) {
	return LoadConfigOptional(configFile, false)
}

// LoadConfigOptional reads YAML from configFile.
// If optional is true and the file is missing or empty, it returns a Config
// populated with defaults only.
func LoadConfigOptional(configFile string, optional bool) (*Config, error) {
	data, err := os.ReadFile(configFile)
	if err != nil {
		if optional {
			if os.IsNotExist(err) || errors.Is(err, syscall.EISDIR) {
				cfg := &Config{}
				cfg.applyDefaults()
				cfg.Sanitize()
				return cfg, nil
			}
		}
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	if optional && len(strings.TrimSpace(string(data))) == 0 {
		cfg := &Config{}
		cfg.applyDefaults()
		cfg.Sanitize()
		return cfg, nil
	}

	var cfg Config
	// Defaults are set before unmarshal so that absent keys keep defaults.
	cfg.applyDefaults()

	if err = yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	// Hash the management key if plaintext is detected. A value is considered
	// hashed if it carries a bcrypt prefix ($2a$, $2b$, or $2y$).
	if cfg.RemoteManagement.SecretKey != "" && !looksLikeBcrypt(cfg.RemoteManagement.SecretKey) {
		hashed, errHash := hashSecret(cfg.RemoteManagement.SecretKey)
		if errHash != nil {
			return nil, fmt.Errorf("failed to hash management key: %w", errHash)
		}
		cfg.RemoteManagement.SecretKey = hashed

		// Persist the hashed value back so the plaintext never survives a restart.
		_ = persistHashedSecret(configFile, hashed)
	}

	cfg.Sanitize()
	return &cfg, nil
}

// applyDefaults sets defaults for fields whose zero value is not the default.
func (cfg *Config) applyDefaults() {
	cfg.Host = ""
	cfg.Port = 8317
	cfg.LogDir = "logs"
	cfg.LogsMaxTotalSizeMB = 0

	cfg.Breaker = DefaultBreakerConfig()
	cfg.Retry = DefaultRetryConfig()
	cfg.Cache = DefaultCacheConfig()
	cfg.Router = DefaultRouterConfig()
	cfg.Health = DefaultHealthConfig()
	cfg.Feedback = DefaultFeedbackConfig()
}

// Sanitize validates and clamps every section. It never fails; invalid
// values fall back to defaults so a bad edit cannot take the daemon down.
func (cfg *Config) Sanitize() {
	if cfg == nil {
		return
	}
	if cfg.Port <= 0 || cfg.Port > 65535 {
		cfg.Port = 8317
	}
	if cfg.LogDir == "" {
		cfg.LogDir = "logs"
	}
	if cfg.LogsMaxTotalSizeMB < 0 {
		cfg.LogsMaxTotalSizeMB = 0
	}

	cfg.SanitizeProviders()
	cfg.SanitizeBreaker()
	cfg.SanitizeRetry()
	cfg.SanitizeCache()
	cfg.SanitizeRouter()
	cfg.SanitizeHealth()
	cfg.SanitizeFeedback()
}

// looksLikeBcrypt returns true if the provided string appears to be a bcrypt hash.
func looksLikeBcrypt(s string) bool {
	return strings.HasPrefix(s, "$2a$") || strings.HasPrefix(s, "$2b$") || strings.HasPrefix(s, "$2y$")
}

// hashSecret hashes the given secret using bcrypt.
func hashSecret(secret string) (string, error) {
	hashedBytes, err := bcrypt.GenerateFromPassword([]byte(secret), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(hashedBytes), nil
}

// VerifySecret compares a candidate management key against the stored hash.
func (rm *RemoteManagement) VerifySecret(candidate string) bool {
	if rm.SecretKey == "" || candidate == "" {
		return false
	}
	return bcrypt.CompareHashAndPassword([]byte(rm.SecretKey), []byte(candidate)) == nil
}

// persistHashedSecret rewrites only the remote-management secret-key scalar
// in the config file, preserving every other line, comments included.
func persistHashedSecret(configFile, hashed string) error {
	data, err := os.ReadFile(configFile)
	if err != nil {
		return err
	}

	var root yaml.Node
	if err = yaml.Unmarshal(data, &root); err != nil {
		return err
	}
	if root.Kind != yaml.DocumentNode || len(root.Content) == 0 {
		return errors.New("unexpected yaml document shape")
	}

	node := findMappingValue(root.Content[0], "remote-management")
	if node == nil {
		return nil
	}
	secret := findMappingValue(node, "secret-key")
	if secret == nil {
		return nil
	}
	secret.SetString(hashed)

	rendered, err := yaml.Marshal(&root)
	if err != nil {
		return err
	}
	return os.WriteFile(configFile, rendered, 0o600)
}

// findMappingValue returns the value node for key inside a YAML mapping node.
func findMappingValue(mapping *yaml.Node, key string) *yaml.Node {
	if mapping == nil || mapping.Kind != yaml.MappingNode {
		return nil
	}
	for i := 0; i+1 < len(mapping.Content); i += 2 {
		if mapping.Content[i].Value == key {
			return mapping.Content[i+1]
		}
	}
	return nil
}
