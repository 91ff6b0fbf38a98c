// Copyright 2026 The toolmesh Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package fingerprint derives deterministic cache keys from tool-call
// arguments. Two calls that differ only in argument order, letter case,
// surrounding whitespace, or known synonyms produce the same fingerprint,
// so semantically-equivalent calls land on the same cache entry.
package fingerprint

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/goccy/go-json"
)

// Config controls argument normalization.
type Config struct {
	// Synonyms maps normalized argument values to their canonical form,
	// e.g. "tylenol" -> "acetaminophen". Keys must already be lowercase.
	Synonyms map[string]string `yaml:"synonyms" json:"synonyms"`

	// CaseSensitiveParams lists, per operation, the parameter names whose
	// string values must keep their case (accession IDs, SMILES strings).
	// All other string values are folded to lowercase.
	CaseSensitiveParams map[string][]string `yaml:"case-sensitive-params" json:"case_sensitive_params"`
}

// Normalizer turns (operation, args) pairs into stable fingerprints.
// It is safe for concurrent use and its tables can be swapped at runtime
// by config reload.
type Normalizer struct {
	mu            sync.RWMutex
	synonyms      map[string]string
	caseSensitive map[string]map[string]bool
}

// NewNormalizer creates a Normalizer from config. A nil config yields a
// normalizer that only sorts keys and folds case and whitespace.
func NewNormalizer(cfg *Config) *Normalizer {
	n := &Normalizer{}
	n.Update(cfg)
	return n
}

// Update swaps the synonym and case-sensitivity tables. Called on config
// reload; in-flight fingerprints finish against the old tables.
func (n *Normalizer) Update(cfg *Config) {
	synonyms := make(map[string]string)
	caseSensitive := make(map[string]map[string]bool)
	if cfg != nil {
		for k, v := range cfg.Synonyms {
			synonyms[strings.ToLower(strings.TrimSpace(k))] = strings.ToLower(strings.TrimSpace(v))
		}
		for op, params := range cfg.CaseSensitiveParams {
			set := make(map[string]bool, len(params))
			for _, p := range params {
				set[p] = true
			}
			caseSensitive[op] = set
		}
	}

	n.mu.Lock()
	n.synonyms = synonyms
	n.caseSensitive = caseSensitive
	n.mu.Unlock()
}

// Fingerprint computes the canonical key for a call. The result is the
// operation name joined with a sha256 hex digest of the normalized,
// key-sorted argument structure.
func (n *Normalizer) Fingerprint(operation string, args map[string]interface{}) (string, error) {
	n.mu.RLock()
	synonyms := n.synonyms
	keepCase := n.caseSensitive[operation]
	n.mu.RUnlock()

	stable := toStableValue(args, "", keepCase, synonyms)
	payload, err := json.Marshal(stable)
	if err != nil {
		return "", fmt.Errorf("marshal normalized args: %w", err)
	}

	sum := sha256.Sum256(payload)
	return operation + ":" + hex.EncodeToString(sum[:]), nil
}

// toStableValue rewrites a value into a deterministic representation.
// Maps become sorted key-value pair slices so JSON encoding order cannot
// leak into the hash.
func toStableValue(v interface{}, param string, keepCase map[string]bool, synonyms map[string]string) interface{} {
	if v == nil {
		return nil
	}

	switch val := v.(type) {
	case map[string]interface{}:
		keys := make([]string, 0, len(val))
		for k := range val {
			keys = append(keys, k)
		}
		sort.Strings(keys)

		pairs := make([]interface{}, 0, len(val)*2)
		for _, k := range keys {
			pairs = append(pairs, k, toStableValue(val[k], k, keepCase, synonyms))
		}
		return pairs

	case []interface{}:
		result := make([]interface{}, len(val))
		for i, item := range val {
			result[i] = toStableValue(item, param, keepCase, synonyms)
		}
		return result

	case string:
		return normalizeString(val, param, keepCase, synonyms)

	default:
		// Numbers, bools and other primitives are already stable.
		return val
	}
}

// normalizeString trims, collapses internal whitespace, folds case unless
// the parameter is declared case-sensitive, and resolves synonyms.
func normalizeString(s, param string, keepCase map[string]bool, synonyms map[string]string) string {
	s = strings.Join(strings.Fields(s), " ")
	if keepCase != nil && keepCase[param] {
		return s
	}
	s = strings.ToLower(s)
	if canonical, ok := synonyms[s]; ok {
		return canonical
	}
	return s
}
