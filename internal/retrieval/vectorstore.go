package retrieval

import (
	"context"
	"time"
)

// VectorStore is the interface for chunk storage and similarity search.
// The SQLite implementation keeps chunks next to the documents they came
// from so deleting a document and its chunks is one transaction.
type VectorStore interface {
	// Insert adds chunk records.
	Insert(ctx context.Context, records []Record) error

	// Search returns the topK records most similar to vector, best first.
	Search(ctx context.Context, vector []float32, topK int) ([]ScoredRecord, error)

	// DeleteBySource removes every chunk of a document and returns how many
	// were removed.
	DeleteBySource(ctx context.Context, source string) (int, error)

	// Count returns the number of stored chunks. An empty source counts all.
	Count(ctx context.Context, source string) (int, error)

	// Sample returns up to limit records in stable order, for diagnostics.
	Sample(ctx context.Context, limit int) ([]Record, error)
}

// Record is one indexed chunk of a document.
type Record struct {
	ID        string
	Source    string
	Ordinal   int
	Text      string
	Embedding []float32
	CreatedAt time.Time
}

// ScoredRecord is a Record with a cosine similarity score attached.
type ScoredRecord struct {
	Record
	Score float32
}
