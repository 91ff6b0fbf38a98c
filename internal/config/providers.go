// Copyright 2026 The toolmesh Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package config

import (
	"strings"
	"time"
)

// ProviderConfig describes one tool provider calls can be routed to.
type ProviderConfig struct {
	// Name is the unique provider identifier (e.g., "pubchem").
	Name string `yaml:"name" json:"name"`

	// BaseURL is the provider's HTTP endpoint root.
	BaseURL string `yaml:"base-url" json:"base-url"`

	// Priority orders providers during candidate selection. Lower values are
	// preferred. Providers sharing a priority tier compete on score.
	// Default: 100.
	Priority int `yaml:"priority" json:"priority"`

	// Categories tags the provider with the call categories it serves well
	// (e.g., "chemical_search", "literature_search"). Used for affinity
	// scoring against feedback history.
	Categories []string `yaml:"categories,omitempty" json:"categories,omitempty"`

	// Operations lists the tool operations this provider serves.
	Operations []OperationConfig `yaml:"operations" json:"operations"`

	// Auth selects how requests to this provider are authenticated.
	Auth AuthConfig `yaml:"auth,omitempty" json:"auth,omitempty"`

	// Headers adds extra HTTP headers to every request to this provider.
	Headers map[string]string `yaml:"headers,omitempty" json:"headers,omitempty"`

	// ProbePath overrides the path used by active health probes.
	// Default: the path of the provider's first operation with empty args.
	ProbePath string `yaml:"probe-path,omitempty" json:"probe-path,omitempty"`
}

// OperationConfig describes one tool operation a provider serves.
type OperationConfig struct {
	// Name is the operation identifier (e.g., "compound_lookup").
	Name string `yaml:"name" json:"name"`

	// Path is the URL path template. Argument placeholders use {name} syntax
	// and unreferenced arguments are sent as query parameters (GET) or a
	// JSON body (other methods).
	Path string `yaml:"path" json:"path"`

	// Method is the HTTP method. Default: "GET".
	Method string `yaml:"method" json:"method"`

	// Timeout is the per-call deadline for this operation on this provider.
	// Default: "10s".
	Timeout string `yaml:"timeout,omitempty" json:"timeout,omitempty"`

	// ResultPath optionally narrows the provider response to a JSON subtree
	// (gjson path syntax). Empty keeps the whole response body.
	ResultPath string `yaml:"result-path,omitempty" json:"result-path,omitempty"`
}

// AuthConfig selects a provider authentication mode.
type AuthConfig struct {
	// Mode is one of "none", "bearer-env", "oauth2". Default: "none".
	Mode string `yaml:"mode,omitempty" json:"mode,omitempty"`

	// BearerEnv names the environment variable holding a static bearer token.
	// Only used when Mode is "bearer-env"; the token itself never lives in
	// the config file.
	BearerEnv string `yaml:"bearer-env,omitempty" json:"bearer-env,omitempty"`

	// TokenURL is the OAuth2 client-credentials token endpoint.
	TokenURL string `yaml:"token-url,omitempty" json:"token-url,omitempty"`

	// ClientIDEnv and ClientSecretEnv name the environment variables holding
	// the OAuth2 client credentials.
	ClientIDEnv     string `yaml:"client-id-env,omitempty" json:"client-id-env,omitempty"`
	ClientSecretEnv string `yaml:"client-secret-env,omitempty" json:"client-secret-env,omitempty"`

	// Scopes lists the OAuth2 scopes to request.
	Scopes []string `yaml:"scopes,omitempty" json:"scopes,omitempty"`
}

// SanitizeProviders validates and normalizes provider entries. Entries
// without a name or base-url are dropped; operation methods and timeouts
// are normalized.
func (cfg *Config) SanitizeProviders() {
	if cfg == nil {
		return
	}

	out := cfg.Providers[:0]
	seen := make(map[string]bool, len(cfg.Providers))
	for _, p := range cfg.Providers {
		p.Name = strings.ToLower(strings.TrimSpace(p.Name))
		p.BaseURL = strings.TrimRight(strings.TrimSpace(p.BaseURL), "/")
		if p.Name == "" || p.BaseURL == "" || seen[p.Name] {
			continue
		}
		seen[p.Name] = true

		if p.Priority <= 0 {
			p.Priority = 100
		}

		ops := p.Operations[:0]
		for _, op := range p.Operations {
			op.Name = strings.ToLower(strings.TrimSpace(op.Name))
			if op.Name == "" || op.Path == "" {
				continue
			}
			op.Method = strings.ToUpper(strings.TrimSpace(op.Method))
			if op.Method == "" {
				op.Method = "GET"
			}
			if op.Timeout != "" {
				if d, err := time.ParseDuration(op.Timeout); err != nil || d <= 0 {
					op.Timeout = ""
				}
			}
			ops = append(ops, op)
		}
		p.Operations = ops
		if len(p.Operations) == 0 {
			continue
		}

		mode := strings.ToLower(strings.TrimSpace(p.Auth.Mode))
		switch mode {
		case "", "none":
			p.Auth.Mode = "none"
		case "bearer-env":
			if strings.TrimSpace(p.Auth.BearerEnv) == "" {
				p.Auth.Mode = "none"
			} else {
				p.Auth.Mode = mode
			}
		case "oauth2":
			if p.Auth.TokenURL == "" || p.Auth.ClientIDEnv == "" || p.Auth.ClientSecretEnv == "" {
				p.Auth.Mode = "none"
			} else {
				p.Auth.Mode = mode
			}
		default:
			p.Auth.Mode = "none"
		}

		out = append(out, p)
	}
	cfg.Providers = out
}

// OperationTimeout returns the per-call deadline for an operation,
// falling back to 10 seconds when unset or invalid.
func (op *OperationConfig) OperationTimeout() time.Duration {
	if op == nil || op.Timeout == "" {
		return 10 * time.Second
	}
	d, err := time.ParseDuration(op.Timeout)
	if err != nil || d <= 0 {
		return 10 * time.Second
	}
	return d
}
