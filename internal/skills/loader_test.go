package skills

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/haasonsaas/agentblob/internal/config"
)

func writeSkill(t *testing.T, dir, sub, content string) string {
	t.Helper()
	path := filepath.Join(dir, sub, "SKILL.md")
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write skill: %v", err)
	}
	return path
}

func TestLoaderDiscoverParsesFrontmatter(t *testing.T) {
	dir := t.TempDir()
	writeSkill(t, dir, "general", "---\nname: general\ndescription: Daily habits\n---\n\nAlways confirm before deleting.\n")
	writeSkill(t, dir, "unnamed", "Just a body without frontmatter.\n")

	loader := NewLoader(config.SkillsConfig{Dirs: []string{dir}}, nil)
	found := loader.Discover()

	general, ok := found["general"]
	if !ok {
		t.Fatalf("skill general not discovered, found %v", found)
	}
	if general.Description != "Daily habits" {
		t.Errorf("description = %q", general.Description)
	}
	if general.Body != "Always confirm before deleting." {
		t.Errorf("body = %q", general.Body)
	}

	// No frontmatter: the parent directory names the skill.
	unnamed, ok := found["unnamed"]
	if !ok {
		t.Fatalf("skill unnamed not discovered")
	}
	if !strings.Contains(unnamed.Body, "Just a body") {
		t.Errorf("body = %q", unnamed.Body)
	}
}

func TestLoaderEarlierDirsWin(t *testing.T) {
	primary := t.TempDir()
	fallback := t.TempDir()
	writeSkill(t, primary, "general", "---\nname: general\n---\nprimary version\n")
	writeSkill(t, fallback, "general", "---\nname: general\n---\nfallback version\n")

	loader := NewLoader(config.SkillsConfig{Dirs: []string{primary, fallback}}, nil)
	s, ok := loader.Get("general")
	if !ok {
		t.Fatal("Get(general) not found")
	}
	if s.Body != "primary version" {
		t.Errorf("body = %q, want the earlier dir's copy", s.Body)
	}
}

func TestLoaderGetCaseInsensitive(t *testing.T) {
	dir := t.TempDir()
	writeSkill(t, dir, "deploy", "---\nname: Deploy\n---\nrunbook\n")

	loader := NewLoader(config.SkillsConfig{Dirs: []string{dir}}, nil)
	if _, ok := loader.Get("deploy"); !ok {
		t.Error("Get(deploy) = false, want case-insensitive match")
	}
	if _, ok := loader.Get("missing"); ok {
		t.Error("Get(missing) = true, want false")
	}
	if _, ok := loader.Get("  "); ok {
		t.Error("Get(blank) = true, want false")
	}
}

func TestLoaderListSorted(t *testing.T) {
	dir := t.TempDir()
	writeSkill(t, dir, "zeta", "---\nname: zeta\n---\nz\n")
	writeSkill(t, dir, "alpha", "---\nname: Alpha\n---\na\n")

	loader := NewLoader(config.SkillsConfig{Dirs: []string{dir}}, nil)
	list := loader.List()
	if len(list) != 2 || list[0].Name != "Alpha" || list[1].Name != "zeta" {
		t.Errorf("List() = %v, want Alpha then zeta", list)
	}
}

func TestLoaderPromptBlock(t *testing.T) {
	dir := t.TempDir()
	writeSkill(t, dir, "general", "---\nname: general\n---\nBe terse.\n")
	writeSkill(t, dir, "deploy", "---\nname: deploy\n---\nShip on fridays.\n")
	writeSkill(t, dir, "unused", "---\nname: unused\n---\nNever rendered.\n")

	loader := NewLoader(config.SkillsConfig{
		Dirs:     []string{dir},
		Enabled:  []string{"general", "deploy", "ghost"},
		MaxChars: 12000,
	}, nil)

	block := loader.PromptBlock()
	if !strings.Contains(block, "# Skill: general") || !strings.Contains(block, "Be terse.") {
		t.Errorf("PromptBlock() missing general: %q", block)
	}
	if !strings.Contains(block, "# Skill: deploy") {
		t.Errorf("PromptBlock() missing deploy: %q", block)
	}
	if strings.Contains(block, "unused") || strings.Contains(block, "ghost") {
		t.Errorf("PromptBlock() rendered a disabled or unknown skill: %q", block)
	}
	if strings.Index(block, "general") > strings.Index(block, "deploy") {
		t.Errorf("PromptBlock() order does not follow the enabled list: %q", block)
	}
}

func TestLoaderPromptBlockClipsAtBudget(t *testing.T) {
	dir := t.TempDir()
	writeSkill(t, dir, "general", "---\nname: general\n---\n"+strings.Repeat("x", 500)+"\n")

	loader := NewLoader(config.SkillsConfig{
		Dirs:     []string{dir},
		Enabled:  []string{"general"},
		MaxChars: 64,
	}, nil)

	block := loader.PromptBlock()
	if len(block) != 64 {
		t.Errorf("PromptBlock() length = %d, want clipped to 64", len(block))
	}
}

func TestLoaderNoEnabledSkills(t *testing.T) {
	loader := NewLoader(config.SkillsConfig{Dirs: []string{t.TempDir()}}, nil)
	if block := loader.PromptBlock(); block != "" {
		t.Errorf("PromptBlock() = %q, want empty", block)
	}
}

func TestLoaderMissingDirIgnored(t *testing.T) {
	loader := NewLoader(config.SkillsConfig{Dirs: []string{"/nonexistent/skills"}}, nil)
	if found := loader.Discover(); len(found) != 0 {
		t.Errorf("Discover() = %v, want empty", found)
	}
}
