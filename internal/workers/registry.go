// Package workers runs typed background tasks as child runs on the shared
// executor. Each worker type carries its own persona and tool allowlist.
package workers

import (
	"sort"
	"strings"

	"github.com/haasonsaas/agentblob/internal/config"
)

// Profile describes a worker type: the persona its runs execute under and
// the tools they may call.
type Profile struct {
	Type         string   `json:"type"`
	Description  string   `json:"description"`
	SystemPrompt string   `json:"-"`
	Tools        []string `json:"tools"`
	MaxRounds    int      `json:"max_rounds"`
}

const defaultWorkerRounds = 8

var builtinProfiles = []Profile{
	{
		Type:        "briefing",
		Description: "Digests a topic into a short brief, recalling prior context from memory.",
		SystemPrompt: "You are the briefing worker. Produce a concise digest of the " +
			"requested topic: lead with the headline facts, group related items, and " +
			"flag anything urgent. Use memory_search to recall prior context before " +
			"summarizing. Keep the final summary under three hundred words.",
		Tools: []string{"memory_search", "fs_read"},
	},
	{
		Type:        "quant",
		Description: "Answers quantitative questions by reading data and computing results.",
		SystemPrompt: "You are the quant worker. Answer quantitative questions with " +
			"explicit numbers: read data files, compute with shell commands, and show " +
			"the figures behind every claim. State assumptions and units. If data is " +
			"missing, report what is missing instead of estimating.",
		Tools: []string{"fs_read", "shell"},
	},
	{
		Type:        "dev",
		Description: "Performs engineering tasks in the workspace and verifies the result.",
		SystemPrompt: "You are the dev worker. Complete the requested engineering task: " +
			"inspect the workspace, make the smallest change that satisfies the " +
			"request, and verify it with shell commands where possible. Report what " +
			"changed and how it was verified.",
		Tools: []string{"fs_read", "fs_write", "shell", "worker_run"},
	},
}

// Registry holds the enabled worker profiles.
type Registry struct {
	profiles map[string]Profile
	order    []string
}

// NewRegistry builds a registry from configuration. An empty type list
// enables every built-in profile; unknown names are ignored.
func NewRegistry(cfg config.WorkersConfig) *Registry {
	rounds := cfg.MaxRounds
	if rounds <= 0 {
		rounds = defaultWorkerRounds
	}

	enabled := make(map[string]bool, len(cfg.Types))
	for _, name := range cfg.Types {
		name = strings.ToLower(strings.TrimSpace(name))
		if name != "" {
			enabled[name] = true
		}
	}

	r := &Registry{profiles: make(map[string]Profile, len(builtinProfiles))}
	for _, profile := range builtinProfiles {
		if len(enabled) > 0 && !enabled[profile.Type] {
			continue
		}
		if profile.MaxRounds <= 0 {
			profile.MaxRounds = rounds
		}
		r.profiles[profile.Type] = profile
		r.order = append(r.order, profile.Type)
	}
	sort.Strings(r.order)
	return r
}

// Get returns the profile for a worker type.
func (r *Registry) Get(workerType string) (Profile, bool) {
	profile, ok := r.profiles[strings.ToLower(strings.TrimSpace(workerType))]
	return profile, ok
}

// Types returns the enabled worker type names in sorted order.
func (r *Registry) Types() []string {
	return append([]string(nil), r.order...)
}

// List returns the enabled profiles in sorted order.
func (r *Registry) List() []Profile {
	out := make([]Profile, 0, len(r.order))
	for _, name := range r.order {
		out = append(out, r.profiles[name])
	}
	return out
}
