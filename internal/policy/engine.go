// Package policy implements capability-based permission control for tool
// execution. Rules match capability names; the broker suspends runs on "ask"
// decisions until a human responds or the request expires.
package policy

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// Decision is the outcome of evaluating a capability against policy.
type Decision string

const (
	// DecisionAllow executes the tool call without asking.
	DecisionAllow Decision = "allow"
	// DecisionAsk suspends the run until a human approves or denies.
	DecisionAsk Decision = "ask"
	// DecisionDeny rejects the tool call outright.
	DecisionDeny Decision = "deny"
)

// ValidDecision reports whether s names a known decision.
func ValidDecision(s string) bool {
	switch Decision(s) {
	case DecisionAllow, DecisionAsk, DecisionDeny:
		return true
	}
	return false
}

// Rules holds the configured capability patterns per decision class.
// Patterns support exact match, "prefix*", "*suffix", and "*".
type Rules struct {
	Allow   []string
	Ask     []string
	Deny    []string
	Default Decision
}

// Engine evaluates capabilities against rules plus user-persisted overrides.
// Deny rules always win; an exact override beats ask and allow rules, so an
// "always allow" decision sticks for capabilities that would otherwise ask.
type Engine struct {
	mu            sync.RWMutex
	rules         Rules
	overrides     map[string]Decision
	overridesPath string
}

// NewEngine builds an engine from rules, loading persisted overrides from
// overridesPath when the file exists. An empty path disables persistence.
func NewEngine(rules Rules, overridesPath string) (*Engine, error) {
	if rules.Default == "" {
		rules.Default = DecisionAsk
	}
	e := &Engine{
		rules:         rules,
		overrides:     make(map[string]Decision),
		overridesPath: overridesPath,
	}
	if overridesPath != "" {
		data, err := os.ReadFile(overridesPath)
		if err == nil {
			if err := json.Unmarshal(data, &e.overrides); err != nil {
				return nil, fmt.Errorf("decode policy overrides: %w", err)
			}
		} else if !os.IsNotExist(err) {
			return nil, fmt.Errorf("read policy overrides: %w", err)
		}
	}
	return e, nil
}

// Evaluate returns the decision for a capability and a short reason.
func (e *Engine) Evaluate(capability string) (Decision, string) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	name := normalizeCapability(capability)
	if pattern, ok := matchPattern(e.rules.Deny, name); ok {
		return DecisionDeny, "deny rule " + pattern
	}
	if d, ok := e.overrides[name]; ok {
		return d, "persisted decision"
	}
	if pattern, ok := matchPattern(e.rules.Ask, name); ok {
		return DecisionAsk, "ask rule " + pattern
	}
	if pattern, ok := matchPattern(e.rules.Allow, name); ok {
		return DecisionAllow, "allow rule " + pattern
	}
	return e.rules.Default, "default policy"
}

// PersistDecision records a standing allow or deny for an exact capability
// and writes it through to the overrides file.
func (e *Engine) PersistDecision(capability string, d Decision) error {
	if d != DecisionAllow && d != DecisionDeny {
		return fmt.Errorf("cannot persist decision %q", d)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	e.overrides[normalizeCapability(capability)] = d
	if e.overridesPath == "" {
		return nil
	}
	return writeOverrides(e.overridesPath, e.overrides)
}

// Overrides returns a copy of the persisted decisions, sorted by capability.
func (e *Engine) Overrides() map[string]Decision {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make(map[string]Decision, len(e.overrides))
	for k, v := range e.overrides {
		out[k] = v
	}
	return out
}

func writeOverrides(path string, overrides map[string]Decision) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create overrides dir: %w", err)
	}
	data, err := json.MarshalIndent(overrides, "", "  ")
	if err != nil {
		return fmt.Errorf("encode policy overrides: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("write policy overrides: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("replace policy overrides: %w", err)
	}
	return nil
}

// matchPattern returns the first pattern in rule order that matches name.
func matchPattern(patterns []string, name string) (string, bool) {
	for _, pattern := range patterns {
		p := normalizeCapability(pattern)
		if p == "" {
			continue
		}
		if p == "*" || p == name {
			return pattern, true
		}
		if len(p) > 1 && strings.HasSuffix(p, "*") && strings.HasPrefix(name, p[:len(p)-1]) {
			return pattern, true
		}
		if len(p) > 1 && strings.HasPrefix(p, "*") && strings.HasSuffix(name, p[1:]) {
			return pattern, true
		}
	}
	return "", false
}

func normalizeCapability(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}
