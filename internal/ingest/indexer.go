package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/kalambet/machinist/internal/metrics"
	"github.com/kalambet/machinist/internal/retrieval"
	"github.com/kalambet/machinist/internal/storage"
)

// JobReindex is the job type processed by Worker.
const JobReindex = "reindex_document"

// DocumentStore persists uploaded documents and queues reindex jobs.
type DocumentStore interface {
	SaveDocument(ctx context.Context, d storage.Document) error
	GetDocument(ctx context.Context, name string) (storage.Document, error)
	SetDocumentChunks(ctx context.Context, name string, chunks int) error
	DeleteDocument(ctx context.Context, name string) (int, error)
	EnqueueJob(ctx context.Context, job storage.Job) error
}

// BatchEmbedder embeds many chunks at once.
type BatchEmbedder interface {
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
}

// ChunkWriter is the subset of retrieval.VectorStore the indexer writes to.
type ChunkWriter interface {
	Insert(ctx context.Context, records []retrieval.Record) error
	DeleteBySource(ctx context.Context, source string) (int, error)
}

// Indexer turns uploaded documents into embedded chunks.
type Indexer struct {
	docs     DocumentStore
	embedder BatchEmbedder
	chunks   ChunkWriter
	chunker  *Chunker
	logger   *slog.Logger
}

func NewIndexer(docs DocumentStore, embedder BatchEmbedder, chunks ChunkWriter, chunker *Chunker) *Indexer {
	if chunker == nil {
		chunker = NewChunker(0, 0)
	}
	return &Indexer{
		docs:     docs,
		embedder: embedder,
		chunks:   chunks,
		chunker:  chunker,
		logger:   slog.Default().With("component", "ingest"),
	}
}

// Index extracts, chunks and embeds a document, replacing any previous
// upload with the same name. It returns the number of chunks stored.
// Embedding happens before anything is written, so a failed upload leaves
// the previous version searchable.
func (x *Indexer) Index(ctx context.Context, name, contentType string, data []byte) (int, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return 0, errors.New("document name is required")
	}
	contentType = DetectType(name, contentType)
	text, err := Extract(contentType, data)
	if err != nil {
		metrics.DocumentsIngested.WithLabelValues("rejected").Inc()
		return 0, fmt.Errorf("extracting %s: %w", name, err)
	}

	records, err := x.embed(ctx, name, text)
	if err != nil {
		metrics.DocumentsIngested.WithLabelValues("failed").Inc()
		return 0, err
	}

	doc := storage.Document{
		Name:        name,
		ContentType: contentType,
		Text:        text,
		Size:        int64(len(data)),
		Chunks:      len(records),
	}
	if err := x.docs.SaveDocument(ctx, doc); err != nil {
		return 0, err
	}
	if err := x.replaceChunks(ctx, name, records); err != nil {
		return 0, err
	}
	metrics.DocumentsIngested.WithLabelValues("indexed").Inc()
	x.logger.Info("document indexed", "name", name, "type", contentType, "chunks", len(records))
	return len(records), nil
}

// Reindex re-chunks and re-embeds the stored text of a document.
func (x *Indexer) Reindex(ctx context.Context, name string) (int, error) {
	doc, err := x.docs.GetDocument(ctx, name)
	if err != nil {
		return 0, fmt.Errorf("loading document %s: %w", name, err)
	}
	records, err := x.embed(ctx, name, doc.Text)
	if err != nil {
		return 0, err
	}
	if err := x.replaceChunks(ctx, name, records); err != nil {
		return 0, err
	}
	if err := x.docs.SetDocumentChunks(ctx, name, len(records)); err != nil {
		return 0, err
	}
	x.logger.Info("document reindexed", "name", name, "chunks", len(records))
	return len(records), nil
}

// EnqueueReindex schedules a background reindex and returns the job id.
func (x *Indexer) EnqueueReindex(ctx context.Context, name string) (string, error) {
	if _, err := x.docs.GetDocument(ctx, name); err != nil {
		return "", err
	}
	payload, err := json.Marshal(reindexPayload{Name: name})
	if err != nil {
		return "", err
	}
	job := storage.Job{ID: uuid.New().String(), Type: JobReindex, PayloadJSON: string(payload)}
	if err := x.docs.EnqueueJob(ctx, job); err != nil {
		return "", fmt.Errorf("enqueueing reindex of %s: %w", name, err)
	}
	return job.ID, nil
}

// Delete removes a document and all of its chunks. It returns the number
// of chunks removed, or storage.ErrNotFound for an unknown name.
func (x *Indexer) Delete(ctx context.Context, name string) (int, error) {
	removed, err := x.docs.DeleteDocument(ctx, name)
	if err != nil {
		return 0, err
	}
	x.logger.Info("document deleted", "name", name, "chunks", removed)
	return removed, nil
}

func (x *Indexer) embed(ctx context.Context, name, text string) ([]retrieval.Record, error) {
	parts, err := x.chunker.Split(text)
	if err != nil {
		return nil, err
	}
	if len(parts) == 0 {
		return nil, fmt.Errorf("%s: %w", name, ErrEmptyDocument)
	}
	vecs, err := x.embedder.EmbedBatch(ctx, parts)
	if err != nil {
		return nil, fmt.Errorf("embedding %s: %w", name, err)
	}

	now := time.Now().UTC()
	records := make([]retrieval.Record, len(parts))
	for i, p := range parts {
		records[i] = retrieval.Record{
			ID:        uuid.New().String(),
			Source:    name,
			Ordinal:   i,
			Text:      p,
			Embedding: vecs[i],
			CreatedAt: now,
		}
	}
	return records, nil
}

func (x *Indexer) replaceChunks(ctx context.Context, name string, records []retrieval.Record) error {
	if _, err := x.chunks.DeleteBySource(ctx, name); err != nil {
		return fmt.Errorf("removing old chunks of %s: %w", name, err)
	}
	if err := x.chunks.Insert(ctx, records); err != nil {
		return fmt.Errorf("storing chunks of %s: %w", name, err)
	}
	metrics.ChunksIndexed.Add(float64(len(records)))
	return nil
}
