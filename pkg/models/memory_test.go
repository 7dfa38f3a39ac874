package models

import (
	"encoding/json"
	"strings"
	"testing"
	"time"
)

func TestValidMemoryType(t *testing.T) {
	valid := []MemoryType{MemoryFact, MemoryPreference, MemoryDecision, MemoryProject, MemoryRoutine, MemoryConstraint}
	for _, mt := range valid {
		if !ValidMemoryType(mt) {
			t.Errorf("ValidMemoryType(%q) = false, want true", mt)
		}
	}
	for _, mt := range []MemoryType{"", "opinion", "FACT"} {
		if ValidMemoryType(mt) {
			t.Errorf("ValidMemoryType(%q) = true, want false", mt)
		}
	}
}

func TestMemoryItemJSONHidesEmbedding(t *testing.T) {
	item := MemoryItem{
		ID:          7,
		Fingerprint: "fp_abc",
		Type:        MemoryPreference,
		Content:     "prefers short answers",
		Importance:  4,
		Tags:        []string{"style"},
		FirstSeen:   time.Now().UTC(),
		LastSeen:    time.Now().UTC(),
		Count:       2,

		Embedding:       []float32{0.1, 0.2},
		EmbeddingModel:  "text-embedding-3-small",
		EmbeddingStatus: EmbeddingFresh,
	}

	data, err := json.Marshal(item)
	if err != nil {
		t.Fatalf("Marshal() error = %v", err)
	}
	if strings.Contains(string(data), "0.1") || strings.Contains(string(data), `"embedding":`) {
		t.Errorf("embedding vector leaked into JSON: %s", data)
	}

	var back MemoryItem
	if err := json.Unmarshal(data, &back); err != nil {
		t.Fatalf("Unmarshal() error = %v", err)
	}
	if back.Fingerprint != item.Fingerprint || back.Type != item.Type || back.Count != item.Count {
		t.Errorf("round trip mismatch: got %+v", back)
	}
	if back.EmbeddingStatus != EmbeddingFresh {
		t.Errorf("EmbeddingStatus = %q, want %q", back.EmbeddingStatus, EmbeddingFresh)
	}
}

func TestMemoryHitJSON(t *testing.T) {
	hit := MemoryHit{
		Item:    MemoryItem{ID: 1, Type: MemoryFact, Content: "lives in Lisbon"},
		Score:   0.82,
		Lexical: 0.5,
		Vector:  0.9,
		Recency: 0.7,
	}
	data, err := json.Marshal(hit)
	if err != nil {
		t.Fatalf("Marshal() error = %v", err)
	}
	var back MemoryHit
	if err := json.Unmarshal(data, &back); err != nil {
		t.Fatalf("Unmarshal() error = %v", err)
	}
	if back.Item.ID != 1 || back.Score != 0.82 {
		t.Errorf("round trip mismatch: got %+v", back)
	}
}
