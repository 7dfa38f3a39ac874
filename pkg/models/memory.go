// Package models defines the core data types for Agent Blob.
package models

import (
	"time"
)

// MemoryType classifies an extracted long-term memory item.
type MemoryType string

const (
	MemoryFact       MemoryType = "fact"
	MemoryPreference MemoryType = "preference"
	MemoryDecision   MemoryType = "decision"
	MemoryProject    MemoryType = "project"
	MemoryRoutine    MemoryType = "routine"
	MemoryConstraint MemoryType = "constraint"
)

// ValidMemoryType reports whether t is one of the known memory types.
func ValidMemoryType(t MemoryType) bool {
	switch t {
	case MemoryFact, MemoryPreference, MemoryDecision, MemoryProject, MemoryRoutine, MemoryConstraint:
		return true
	default:
		return false
	}
}

// EmbeddingStatus tracks whether a memory item's stored vector matches its
// current content.
type EmbeddingStatus string

const (
	// EmbeddingMissing means no vector has been computed yet.
	EmbeddingMissing EmbeddingStatus = "missing"

	// EmbeddingDirty means the content changed after the vector was computed.
	EmbeddingDirty EmbeddingStatus = "dirty"

	// EmbeddingFresh means the vector matches the current content.
	EmbeddingFresh EmbeddingStatus = "fresh"
)

// MemoryItem is a structured long-term memory row. Fingerprint is derived
// from type and normalized content and is unique per item.
type MemoryItem struct {
	ID          int64      `json:"id"`
	Fingerprint string     `json:"fingerprint"`
	Type        MemoryType `json:"type"`
	Content     string     `json:"content"`
	Context     string     `json:"context,omitempty"`
	Importance  int        `json:"importance"`
	Tags        []string   `json:"tags,omitempty"`
	FirstSeen   time.Time  `json:"first_seen"`
	LastSeen    time.Time  `json:"last_seen"`
	Count       int        `json:"count"`
	LastRunID   string     `json:"last_run_id,omitempty"`

	Embedding       []float32       `json:"-"`
	EmbeddingModel  string          `json:"embedding_model,omitempty"`
	EmbeddingStatus EmbeddingStatus `json:"embedding_status,omitempty"`
}

// MemoryHit is one retrieval result with its score decomposition.
type MemoryHit struct {
	Item    MemoryItem `json:"item"`
	Score   float64    `json:"score"`
	Lexical float64    `json:"lexical"`
	Vector  float64    `json:"vector"`
	Recency float64    `json:"recency"`
}
