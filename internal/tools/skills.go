package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/haasonsaas/agentblob/internal/skills"
	"github.com/haasonsaas/agentblob/pkg/models"
)

// SkillsService is the slice of the skills loader the skill tools need.
type SkillsService interface {
	List() []skills.Skill
	Get(name string) (skills.Skill, bool)
	Enabled() []string
}

// SkillsListTool lists the discovered skills and which are enabled.
type SkillsListTool struct {
	service SkillsService
}

// NewSkillsListTool creates a skills list tool.
func NewSkillsListTool(service SkillsService) *SkillsListTool {
	return &SkillsListTool{service: service}
}

func (t *SkillsListTool) Name() string { return "skills_list" }

func (t *SkillsListTool) Description() string {
	return "List the available skills: reusable playbooks the agent can read on demand."
}

func (t *SkillsListTool) Capability() string { return "skills.read" }

func (t *SkillsListTool) Schema() json.RawMessage {
	return json.RawMessage(`{
  "type": "object",
  "properties": {}
}`)
}

func (t *SkillsListTool) Execute(ctx context.Context, params json.RawMessage) (*models.ToolResult, error) {
	type listItem struct {
		Name        string `json:"name"`
		Description string `json:"description,omitempty"`
		Path        string `json:"path"`
	}
	var items []listItem
	for _, s := range t.service.List() {
		items = append(items, listItem{Name: s.Name, Description: s.Description, Path: s.Path})
	}

	payload, err := json.MarshalIndent(map[string]interface{}{
		"enabled": t.service.Enabled(),
		"skills":  items,
	}, "", "  ")
	if err != nil {
		return toolError(fmt.Sprintf("encode results: %v", err)), nil
	}
	return &models.ToolResult{Content: string(payload)}, nil
}

// SkillsGetTool returns one skill's full playbook body.
type SkillsGetTool struct {
	service SkillsService
}

// NewSkillsGetTool creates a skills get tool.
func NewSkillsGetTool(service SkillsService) *SkillsGetTool {
	return &SkillsGetTool{service: service}
}

func (t *SkillsGetTool) Name() string { return "skills_get" }

func (t *SkillsGetTool) Description() string {
	return "Read a skill's full instructions by name. Use skills_list to see what exists."
}

func (t *SkillsGetTool) Capability() string { return "skills.read" }

func (t *SkillsGetTool) Schema() json.RawMessage {
	return json.RawMessage(`{
  "type": "object",
  "properties": {
    "name": {"type": "string", "description": "Skill name"}
  },
  "required": ["name"]
}`)
}

func (t *SkillsGetTool) Execute(ctx context.Context, params json.RawMessage) (*models.ToolResult, error) {
	var input struct {
		Name string `json:"name"`
	}
	if err := json.Unmarshal(params, &input); err != nil {
		return toolError(fmt.Sprintf("invalid parameters: %v", err)), nil
	}
	name := strings.TrimSpace(input.Name)
	if name == "" {
		return toolError("name is required"), nil
	}

	skill, ok := t.service.Get(name)
	if !ok {
		var available []string
		for _, s := range t.service.List() {
			available = append(available, s.Name)
		}
		msg := fmt.Sprintf("skill %q not found", name)
		if len(available) > 0 {
			msg += "; available: " + strings.Join(available, ", ")
		}
		return toolError(msg), nil
	}

	payload, err := json.MarshalIndent(map[string]interface{}{
		"name":        skill.Name,
		"description": skill.Description,
		"path":        skill.Path,
		"body":        skill.Body,
	}, "", "  ")
	if err != nil {
		return toolError(fmt.Sprintf("encode result: %v", err)), nil
	}
	return &models.ToolResult{Content: string(payload)}, nil
}
