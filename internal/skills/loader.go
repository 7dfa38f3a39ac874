// Package skills discovers SKILL.md playbooks and renders the enabled ones
// into the agent's system prompt.
package skills

import (
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/haasonsaas/agentblob/internal/config"
)

// Skill is one discovered SKILL.md: a markdown playbook with an optional
// frontmatter block naming and describing it.
type Skill struct {
	Name        string
	Description string
	Path        string
	Body        string
	Meta        map[string]any
}

// Loader finds skills under the configured directories. Discovery re-reads
// the filesystem on every call so edited skill files take effect without a
// restart; the set is small enough that this stays cheap.
type Loader struct {
	dirs     []string
	enabled  []string
	maxChars int
	logger   *slog.Logger
}

// NewLoader creates a loader over the configured skill directories.
func NewLoader(cfg config.SkillsConfig, logger *slog.Logger) *Loader {
	if logger == nil {
		logger = slog.Default()
	}
	return &Loader{
		dirs:     cfg.Dirs,
		enabled:  cfg.Enabled,
		maxChars: cfg.MaxChars,
		logger:   logger.With("component", "skills"),
	}
}

// Enabled returns the configured skill names injected into prompts.
func (l *Loader) Enabled() []string {
	return append([]string(nil), l.enabled...)
}

// Discover walks the skill directories for SKILL.md files. Earlier dirs win:
// the first file claiming a name keeps it.
func (l *Loader) Discover() map[string]Skill {
	found := make(map[string]Skill)
	for _, dir := range l.dirs {
		root := expandPath(dir)
		info, err := os.Stat(root)
		if err != nil || !info.IsDir() {
			continue
		}
		err = filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
			if err != nil || d.IsDir() || d.Name() != "SKILL.md" {
				return nil
			}
			data, err := os.ReadFile(path)
			if err != nil {
				l.logger.Warn("skill unreadable", "path", path, "error", err)
				return nil
			}
			meta, body := splitFrontmatter(string(data))
			name := strings.TrimSpace(metaString(meta, "name"))
			if name == "" {
				name = filepath.Base(filepath.Dir(path))
			}
			if name == "" {
				return nil
			}
			if _, taken := found[name]; taken {
				return nil
			}
			found[name] = Skill{
				Name:        name,
				Description: strings.TrimSpace(metaString(meta, "description")),
				Path:        path,
				Body:        strings.TrimSpace(body),
				Meta:        meta,
			}
			return nil
		})
		if err != nil {
			l.logger.Warn("skill discovery failed", "dir", root, "error", err)
		}
	}
	return found
}

// List returns every discovered skill sorted by name.
func (l *Loader) List() []Skill {
	found := l.Discover()
	out := make([]Skill, 0, len(found))
	for _, s := range found {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool {
		return strings.ToLower(out[i].Name) < strings.ToLower(out[j].Name)
	})
	return out
}

// Get looks a skill up by exact name, falling back to a unique
// case-insensitive match.
func (l *Loader) Get(name string) (Skill, bool) {
	name = strings.TrimSpace(name)
	if name == "" {
		return Skill{}, false
	}
	found := l.Discover()
	if s, ok := found[name]; ok {
		return s, true
	}
	var match Skill
	var hits int
	for key, s := range found {
		if strings.EqualFold(key, name) {
			match = s
			hits++
		}
	}
	if hits == 1 {
		return match, true
	}
	return Skill{}, false
}

// PromptBlock renders the enabled skills as system-prompt sections in the
// configured order, clipped at the character budget so a fat skill file
// cannot blow up the context.
func (l *Loader) PromptBlock() string {
	if len(l.enabled) == 0 {
		return ""
	}
	found := l.Discover()
	var blocks []string
	for _, name := range l.enabled {
		s, ok := found[name]
		if !ok {
			continue
		}
		blocks = append(blocks, "# Skill: "+s.Name+"\n\n"+s.Body+"\n")
	}
	if len(blocks) == 0 {
		return ""
	}
	joined := strings.Join(blocks, "\n")
	if l.maxChars > 0 && len(joined) > l.maxChars {
		joined = joined[:l.maxChars]
	}
	return joined
}

// splitFrontmatter separates an optional leading "---" YAML block from the
// markdown body. Bodies without frontmatter pass through untouched.
func splitFrontmatter(text string) (map[string]any, string) {
	lines := strings.Split(text, "\n")
	if len(lines) == 0 || strings.TrimSpace(lines[0]) != "---" {
		return nil, text
	}
	for i := 1; i < len(lines); i++ {
		if strings.TrimSpace(lines[i]) != "---" {
			continue
		}
		meta := make(map[string]any)
		block := strings.Join(lines[1:i], "\n")
		if err := yaml.Unmarshal([]byte(block), &meta); err != nil {
			return nil, text
		}
		body := strings.Join(lines[i+1:], "\n")
		return meta, strings.TrimLeft(body, "\n")
	}
	return nil, text
}

func metaString(meta map[string]any, key string) string {
	if meta == nil {
		return ""
	}
	if v, ok := meta[key].(string); ok {
		return v
	}
	return ""
}

// expandPath resolves a leading ~ so config files can point at home-relative
// skill directories.
func expandPath(path string) string {
	if path == "~" || strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err == nil {
			return filepath.Join(home, strings.TrimPrefix(path, "~"))
		}
	}
	return path
}
