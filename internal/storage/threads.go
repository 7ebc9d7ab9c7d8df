package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// --- Threads ---

func (s *Store) CreateThread(ctx context.Context, t Thread) error {
	now := time.Now().UTC()
	if t.CreatedAt.IsZero() {
		t.CreatedAt = now
	}
	if t.UpdatedAt.IsZero() {
		t.UpdatedAt = t.CreatedAt
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO threads (id, user_id, title, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?)`,
		t.ID, t.UserID, t.Title, t.CreatedAt.UTC().Format(timeFormat), t.UpdatedAt.UTC().Format(timeFormat),
	)
	if err != nil {
		return fmt.Errorf("inserting thread %s: %w", t.ID, err)
	}
	return nil
}

func (s *Store) GetThread(ctx context.Context, id string) (Thread, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, user_id, title, created_at, updated_at
		FROM threads WHERE id = ?`, id)
	t, err := scanThread(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Thread{}, ErrNotFound
	}
	return t, err
}

// ListThreads returns the user's threads, most recently active first.
// An empty userID lists threads that were created without an owner.
func (s *Store) ListThreads(ctx context.Context, userID string, limit int) ([]Thread, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, user_id, title, created_at, updated_at
		FROM threads WHERE user_id = ?
		ORDER BY updated_at DESC, created_at DESC LIMIT ?`, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("listing threads: %w", err)
	}
	defer rows.Close()

	var threads []Thread
	for rows.Next() {
		t, err := scanThread(rows)
		if err != nil {
			return nil, err
		}
		threads = append(threads, t)
	}
	return threads, rows.Err()
}

// SetThreadTitle sets the title only if none has been derived yet.
// Returns false when the thread already had a title.
func (s *Store) SetThreadTitle(ctx context.Context, id, title string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `UPDATE threads SET title = ? WHERE id = ? AND title = ''`, title, id)
	if err != nil {
		return false, fmt.Errorf("setting title for thread %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if n == 0 {
		if _, err := s.GetThread(ctx, id); err != nil {
			return false, err
		}
		return false, nil
	}
	return true, nil
}

// DeleteThread removes a thread and all of its messages.
func (s *Store) DeleteThread(ctx context.Context, id string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning delete transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM messages WHERE thread_id = ?`, id); err != nil {
		return fmt.Errorf("deleting messages of thread %s: %w", id, err)
	}
	res, err := tx.ExecContext(ctx, `DELETE FROM threads WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("deleting thread %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return tx.Commit()
}

// --- Messages ---

// AppendMessages appends msgs to the thread in one transaction, assigning
// consecutive sequence numbers after the current tail. The assigned Seq
// values are written back into msgs.
func (s *Store) AppendMessages(ctx context.Context, threadID string, msgs []Message) error {
	if len(msgs) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning append transaction: %w", err)
	}
	defer tx.Rollback()

	var exists int
	if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM threads WHERE id = ?`, threadID).Scan(&exists); err != nil {
		return fmt.Errorf("checking thread %s: %w", threadID, err)
	}
	if exists == 0 {
		return ErrNotFound
	}

	var tail int
	if err := tx.QueryRowContext(ctx, `SELECT COALESCE(MAX(seq), 0) FROM messages WHERE thread_id = ?`, threadID).Scan(&tail); err != nil {
		return fmt.Errorf("reading tail of thread %s: %w", threadID, err)
	}

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO messages (id, thread_id, seq, role, content, chart_type, chart_json, trace_json, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("preparing insert statement: %w", err)
	}
	defer stmt.Close()

	now := time.Now().UTC()
	for i := range msgs {
		m := &msgs[i]
		tail++
		m.Seq = tail
		m.ThreadID = threadID
		if m.CreatedAt.IsZero() {
			m.CreatedAt = now
		}
		if _, err := stmt.ExecContext(ctx, m.ID, threadID, m.Seq, m.Role, m.Content,
			m.ChartType, m.ChartJSON, m.TraceJSON, m.CreatedAt.UTC().Format(timeFormat)); err != nil {
			return fmt.Errorf("inserting message %s: %w", m.ID, err)
		}
	}

	if _, err := tx.ExecContext(ctx, `UPDATE threads SET updated_at = ? WHERE id = ?`, now.Format(timeFormat), threadID); err != nil {
		return fmt.Errorf("touching thread %s: %w", threadID, err)
	}
	return tx.Commit()
}

// ListMessages returns the thread's messages in sequence order.
func (s *Store) ListMessages(ctx context.Context, threadID string) ([]Message, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, thread_id, seq, role, content, chart_type, chart_json, trace_json, created_at
		FROM messages WHERE thread_id = ? ORDER BY seq ASC`, threadID)
	if err != nil {
		return nil, fmt.Errorf("listing messages: %w", err)
	}
	defer rows.Close()

	var msgs []Message
	for rows.Next() {
		var m Message
		var createdAt string
		if err := rows.Scan(&m.ID, &m.ThreadID, &m.Seq, &m.Role, &m.Content,
			&m.ChartType, &m.ChartJSON, &m.TraceJSON, &createdAt); err != nil {
			return nil, fmt.Errorf("scanning message: %w", err)
		}
		if m.CreatedAt, err = time.Parse(timeFormat, createdAt); err != nil {
			return nil, fmt.Errorf("parsing created_at for message %s: %w", m.ID, err)
		}
		msgs = append(msgs, m)
	}
	return msgs, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanThread(r rowScanner) (Thread, error) {
	var t Thread
	var createdAt, updatedAt string
	if err := r.Scan(&t.ID, &t.UserID, &t.Title, &createdAt, &updatedAt); err != nil {
		return Thread{}, err
	}
	var err error
	if t.CreatedAt, err = time.Parse(timeFormat, createdAt); err != nil {
		return Thread{}, fmt.Errorf("parsing created_at for thread %s: %w", t.ID, err)
	}
	if t.UpdatedAt, err = time.Parse(timeFormat, updatedAt); err != nil {
		return Thread{}, fmt.Errorf("parsing updated_at for thread %s: %w", t.ID, err)
	}
	return t, nil
}
