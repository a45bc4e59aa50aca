// Package domain holds the plain data types shared across the pipeline
// stages: the vocabulary entry that enters the system, the artifact
// that leaves it, and the bookkeeping types layered on top.
package domain

import (
	"fmt"
	"time"
)

// VocabularyEntry is an immutable input record. Position is unique
// within a batch and is the ordering key the collector restores on
// output.
type VocabularyEntry struct {
	Position uint32
	Term     string
	Kind     string
}

func (e VocabularyEntry) String() string {
	return fmt.Sprintf("VocabularyEntry{position=%d, term=%q, kind=%q}", e.Position, e.Term, e.Kind)
}

// TokenUsage records the token accounting an LLM invocation reported.
type TokenUsage struct {
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
}

// Artifact is the stage-2 output plus provenance. Artifacts are
// write-once: a store overwriting a fingerprint's artifact is a bug,
// never a normal code path.
type Artifact struct {
	Fingerprint string
	Payload     []byte
	CreatedAt   time.Time
	TokenUsage  TokenUsage
	FromCache   bool
}

// BatchProgress is the point-in-time summary of a batch run. Completed,
// Failed and FromCache are monotonic for the lifetime of a batch.
type BatchProgress struct {
	BatchID   string
	Total     uint32
	Completed uint32
	Failed    uint32
	Cancelled uint32
	FromCache uint32
	StartedAt time.Time
	EndedAt   *time.Time
}

// Done reports whether every entry in the batch has reached a terminal
// state.
func (p BatchProgress) Done() bool {
	return p.Completed+p.Failed+p.Cancelled >= p.Total
}
