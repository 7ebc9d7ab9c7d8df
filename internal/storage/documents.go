package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// SaveDocument inserts or replaces a document by name.
func (s *Store) SaveDocument(ctx context.Context, d Document) error {
	if d.CreatedAt.IsZero() {
		d.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO documents (name, content_type, text, size, chunks, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(name) DO UPDATE SET
			content_type = excluded.content_type,
			text = excluded.text,
			size = excluded.size,
			chunks = excluded.chunks,
			created_at = excluded.created_at`,
		d.Name, d.ContentType, d.Text, d.Size, d.Chunks, d.CreatedAt.UTC().Format(timeFormat),
	)
	if err != nil {
		return fmt.Errorf("saving document %s: %w", d.Name, err)
	}
	return nil
}

func (s *Store) GetDocument(ctx context.Context, name string) (Document, error) {
	var d Document
	var createdAt string
	err := s.db.QueryRowContext(ctx, `
		SELECT name, content_type, text, size, chunks, created_at
		FROM documents WHERE name = ?`, name,
	).Scan(&d.Name, &d.ContentType, &d.Text, &d.Size, &d.Chunks, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Document{}, ErrNotFound
	}
	if err != nil {
		return Document{}, err
	}
	if d.CreatedAt, err = time.Parse(timeFormat, createdAt); err != nil {
		return Document{}, fmt.Errorf("parsing created_at: %w", err)
	}
	return d, nil
}

// ListDocuments returns document metadata (without text), newest first.
func (s *Store) ListDocuments(ctx context.Context) ([]Document, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT name, content_type, size, chunks, created_at
		FROM documents ORDER BY created_at DESC, name ASC`)
	if err != nil {
		return nil, fmt.Errorf("listing documents: %w", err)
	}
	defer rows.Close()

	var docs []Document
	for rows.Next() {
		var d Document
		var createdAt string
		if err := rows.Scan(&d.Name, &d.ContentType, &d.Size, &d.Chunks, &createdAt); err != nil {
			return nil, fmt.Errorf("scanning document: %w", err)
		}
		if d.CreatedAt, err = time.Parse(timeFormat, createdAt); err != nil {
			return nil, fmt.Errorf("parsing created_at for %s: %w", d.Name, err)
		}
		docs = append(docs, d)
	}
	return docs, rows.Err()
}

func (s *Store) SetDocumentChunks(ctx context.Context, name string, chunks int) error {
	res, err := s.db.ExecContext(ctx, `UPDATE documents SET chunks = ? WHERE name = ?`, chunks, name)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// DeleteDocument removes the document and every chunk indexed from it.
// It returns the number of chunks removed.
func (s *Store) DeleteDocument(ctx context.Context, name string) (int, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("beginning delete transaction: %w", err)
	}
	defer tx.Rollback()

	chunks, err := tx.ExecContext(ctx, `DELETE FROM document_chunks WHERE source = ?`, name)
	if err != nil {
		return 0, fmt.Errorf("deleting chunks of %s: %w", name, err)
	}
	removed, err := chunks.RowsAffected()
	if err != nil {
		return 0, err
	}
	res, err := tx.ExecContext(ctx, `DELETE FROM documents WHERE name = ?`, name)
	if err != nil {
		return 0, fmt.Errorf("deleting document %s: %w", name, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	if n == 0 && removed == 0 {
		return 0, ErrNotFound
	}
	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return int(removed), nil
}
