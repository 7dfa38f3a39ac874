package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/haasonsaas/agentblob/pkg/models"
)

// minTurnLength is the shortest user or assistant text worth extracting from.
// Shorter exchanges are greetings and acknowledgements.
const minTurnLength = 8

const extractorSystemPrompt = `You extract durable long-term memory for a personal AI assistant.
Only extract items that will still matter later.
Prefer: facts, preferences, decisions, project constraints, commitments, recurring routines.
Avoid: greetings, temporary chatter, and one-off execution noise.
Return JSON only with this schema:
{ "memories": [ { "type": "fact|preference|decision|project|routine|constraint", "content": "string", "context": "string", "importance": 1, "tags": ["string"] } ] }
importance must be 1-10.`

// CompletionFunc asks an LLM for a single non-streaming completion. The
// runtime supplies one so this package stays independent of provider wiring.
type CompletionFunc func(ctx context.Context, model, system, user string) (string, error)

// Extractor turns a completed user/assistant exchange into memory candidates.
// It is deliberately strict to reduce low-value memory churn.
type Extractor struct {
	complete      CompletionFunc
	model         string
	importanceMin int
	logger        *slog.Logger
}

// NewExtractor builds an extractor calling model via complete. Items below
// importanceMin are dropped.
func NewExtractor(complete CompletionFunc, model string, importanceMin int, logger *slog.Logger) *Extractor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Extractor{
		complete:      complete,
		model:         model,
		importanceMin: importanceMin,
		logger:        logger.With("component", "memory"),
	}
}

// Extract returns memory candidates for one exchange. Malformed model output
// yields an empty slice, never an error that could fail the caller's run.
func (e *Extractor) Extract(ctx context.Context, userText, assistantText string) ([]models.MemoryItem, error) {
	if len(strings.TrimSpace(userText)) < minTurnLength || len(strings.TrimSpace(assistantText)) < minTurnLength {
		return nil, nil
	}

	user := fmt.Sprintf("Extract durable memories from this exchange.\n\nUSER:\n%s\n\nASSISTANT:\n%s\n", userText, assistantText)
	raw, err := e.complete(ctx, e.model, extractorSystemPrompt, user)
	if err != nil {
		return nil, fmt.Errorf("extraction completion: %w", err)
	}

	candidates, err := parseExtraction(raw)
	if err != nil {
		e.logger.Warn("extractor returned malformed JSON, skipping", "error", err)
		return nil, nil
	}

	var out []models.MemoryItem
	for _, c := range candidates {
		itemType := models.MemoryType(strings.ToLower(strings.TrimSpace(string(c.Type))))
		content := strings.TrimSpace(c.Content)
		if itemType == "" || content == "" {
			continue
		}
		if !models.ValidMemoryType(itemType) {
			itemType = models.MemoryFact
		}
		if c.Importance < e.importanceMin {
			continue
		}
		if c.Importance > 10 {
			c.Importance = 10
		}

		var tags []string
		for _, t := range c.Tags {
			if t = strings.TrimSpace(t); t != "" {
				tags = append(tags, t)
			}
		}
		out = append(out, models.MemoryItem{
			Type:       itemType,
			Content:    content,
			Context:    strings.TrimSpace(c.Context),
			Importance: c.Importance,
			Tags:       tags,
		})
	}
	return out, nil
}

type extractedItem struct {
	Type       models.MemoryType `json:"type"`
	Content    string            `json:"content"`
	Context    string            `json:"context"`
	Importance int               `json:"importance"`
	Tags       []string          `json:"tags"`
}

// parseExtraction decodes the extractor's JSON object, tolerating the code
// fences models like to wrap JSON in.
func parseExtraction(raw string) ([]extractedItem, error) {
	cleaned := stripCodeFence(raw)
	start := strings.Index(cleaned, "{")
	end := strings.LastIndex(cleaned, "}")
	if start < 0 || end <= start {
		return nil, fmt.Errorf("no JSON object in output")
	}

	var payload struct {
		Memories []extractedItem `json:"memories"`
	}
	if err := json.Unmarshal([]byte(cleaned[start:end+1]), &payload); err != nil {
		return nil, err
	}
	return payload.Memories, nil
}

func stripCodeFence(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```json")
	s = strings.TrimPrefix(s, "```")
	s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	return strings.TrimSpace(s)
}
