// Package conversation persists question and answer exchanges into
// threads. Appends require a per-thread Lease so that concurrent requests
// on one thread commit in the order they finish.
package conversation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/kalambet/machinist/internal/agent"
	"github.com/kalambet/machinist/internal/storage"
)

// ErrNotFound is returned for unknown threads.
var ErrNotFound = storage.ErrNotFound

// ErrNotLocked is returned when an append is attempted without holding the
// thread's lease.
var ErrNotLocked = errors.New("thread lease not held")

// Turn is one prior message, as used for prompts and routing.
type Turn = agent.Turn

// Trace records how an answer was produced.
type Trace struct {
	Strategy      string           `json:"strategy,omitempty"`
	Rationale     string           `json:"rationale,omitempty"`
	LowConfidence bool             `json:"low_confidence,omitempty"`
	Provider      string           `json:"provider,omitempty"`
	ToolCalls     []agent.ToolCall `json:"tool_calls,omitempty"`
	Sources       []string         `json:"sources,omitempty"`
	Error         string           `json:"error,omitempty"`
	// Partial marks an answer cut short by an error or a disconnect.
	Partial bool `json:"partial,omitempty"`
}

// Message is one stored message of a thread.
type Message struct {
	ID        string       `json:"id"`
	Seq       int          `json:"seq"`
	Role      agent.Role   `json:"role"`
	Content   string       `json:"content"`
	Chart     *agent.Chart `json:"chart,omitempty"`
	Trace     *Trace       `json:"trace,omitempty"`
	CreatedAt time.Time    `json:"created_at"`
}

// Thread is a conversation with its messages in sequence order.
type Thread struct {
	ID        string    `json:"thread_id"`
	UserID    string    `json:"user_id,omitempty"`
	Title     string    `json:"title"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
	Messages  []Message `json:"messages,omitempty"`
}

// Store is the conversation store.
type Store struct {
	db     *storage.Store
	locks  *Locker
	logger *slog.Logger
}

func NewStore(db *storage.Store, locks *Locker) *Store {
	if locks == nil {
		locks = NewLocker()
	}
	return &Store{db: db, locks: locks, logger: slog.Default().With("component", "conversation")}
}

// Lock acquires the thread's lease. Callers must Unlock it.
func (s *Store) Lock(ctx context.Context, threadID string) (*Lease, error) {
	return s.locks.Lock(ctx, threadID)
}

// Create starts an empty thread.
func (s *Store) Create(ctx context.Context, userID string) (Thread, error) {
	now := time.Now().UTC()
	t := storage.Thread{ID: uuid.New().String(), UserID: userID, CreatedAt: now, UpdatedAt: now}
	if err := s.db.CreateThread(ctx, t); err != nil {
		return Thread{}, err
	}
	return fromStorageThread(t), nil
}

// Get returns the thread with all of its messages.
func (s *Store) Get(ctx context.Context, id string) (Thread, error) {
	t, err := s.db.GetThread(ctx, id)
	if err != nil {
		return Thread{}, err
	}
	rows, err := s.db.ListMessages(ctx, id)
	if err != nil {
		return Thread{}, err
	}
	out := fromStorageThread(t)
	out.Messages = make([]Message, 0, len(rows))
	for _, r := range rows {
		out.Messages = append(out.Messages, s.fromStorageMessage(r))
	}
	return out, nil
}

// List returns the user's threads without messages, newest first.
func (s *Store) List(ctx context.Context, userID string, limit int) ([]Thread, error) {
	rows, err := s.db.ListThreads(ctx, userID, limit)
	if err != nil {
		return nil, err
	}
	out := make([]Thread, 0, len(rows))
	for _, r := range rows {
		out = append(out, fromStorageThread(r))
	}
	return out, nil
}

// Delete removes the thread and its messages. It waits for any in-flight
// request on the thread to commit first.
func (s *Store) Delete(ctx context.Context, id string) error {
	lease, err := s.locks.Lock(ctx, id)
	if err != nil {
		return err
	}
	defer lease.Unlock()
	return s.db.DeleteThread(ctx, id)
}

// History returns the user and agent turns of the thread in order.
func (s *Store) History(ctx context.Context, id string) ([]Turn, error) {
	if _, err := s.db.GetThread(ctx, id); err != nil {
		return nil, err
	}
	rows, err := s.db.ListMessages(ctx, id)
	if err != nil {
		return nil, err
	}
	var turns []Turn
	for _, r := range rows {
		role := agent.Role(r.Role)
		if role != agent.RoleUser && role != agent.RoleAgent {
			continue
		}
		turns = append(turns, Turn{Role: role, Content: r.Content})
	}
	return turns, nil
}

// Commit appends the question and its answer as one exchange. The first
// exchange of a thread also sets its title.
func (s *Store) Commit(ctx context.Context, lease *Lease, threadID, question string, answer Message) ([]Message, error) {
	if !lease.held(threadID) {
		return nil, ErrNotLocked
	}
	now := time.Now().UTC()
	if answer.Role == "" {
		answer.Role = agent.RoleAgent
	}
	msgs := []Message{
		{ID: uuid.New().String(), Role: agent.RoleUser, Content: question, CreatedAt: now},
		answer,
	}
	if msgs[1].ID == "" {
		msgs[1].ID = uuid.New().String()
	}
	if msgs[1].CreatedAt.IsZero() {
		msgs[1].CreatedAt = now
	}

	rows := make([]storage.Message, len(msgs))
	for i, m := range msgs {
		r, err := toStorageMessage(m)
		if err != nil {
			return nil, err
		}
		rows[i] = r
	}
	if err := s.db.AppendMessages(ctx, threadID, rows); err != nil {
		return nil, fmt.Errorf("committing exchange to thread %s: %w", threadID, err)
	}
	for i := range msgs {
		msgs[i].Seq = rows[i].Seq
	}

	if title := Title(question); title != "" {
		if _, err := s.db.SetThreadTitle(ctx, threadID, title); err != nil {
			s.logger.Warn("setting thread title failed", "thread", threadID, "error", err)
		}
	}
	return msgs, nil
}

// MergeHistory picks the history used for routing and prompting. Stored
// thread history wins; the client-supplied history is used only when the
// thread has none.
func MergeHistory(stored, supplied []Turn) []Turn {
	if len(stored) > 0 {
		return stored
	}
	var out []Turn
	for _, t := range supplied {
		if (t.Role == agent.RoleUser || t.Role == agent.RoleAgent) && strings.TrimSpace(t.Content) != "" {
			out = append(out, t)
		}
	}
	return out
}

func fromStorageThread(t storage.Thread) Thread {
	return Thread{ID: t.ID, UserID: t.UserID, Title: t.Title, CreatedAt: t.CreatedAt, UpdatedAt: t.UpdatedAt}
}

func toStorageMessage(m Message) (storage.Message, error) {
	r := storage.Message{ID: m.ID, Role: string(m.Role), Content: m.Content, CreatedAt: m.CreatedAt}
	if m.Chart != nil {
		data, err := json.Marshal(m.Chart.Data)
		if err != nil {
			return r, fmt.Errorf("encoding chart: %w", err)
		}
		r.ChartType = m.Chart.Type
		r.ChartJSON = string(data)
	}
	if m.Trace != nil {
		data, err := json.Marshal(m.Trace)
		if err != nil {
			return r, fmt.Errorf("encoding trace: %w", err)
		}
		r.TraceJSON = string(data)
	}
	return r, nil
}

func (s *Store) fromStorageMessage(r storage.Message) Message {
	m := Message{ID: r.ID, Seq: r.Seq, Role: agent.Role(r.Role), Content: r.Content, CreatedAt: r.CreatedAt}
	if r.ChartType != "" {
		m.Chart = &agent.Chart{Type: r.ChartType, Data: json.RawMessage(r.ChartJSON)}
	}
	if r.TraceJSON != "" {
		var tr Trace
		if err := json.Unmarshal([]byte(r.TraceJSON), &tr); err != nil {
			s.logger.Warn("ignoring unreadable trace", "message", r.ID, "error", err)
		} else {
			m.Trace = &tr
		}
	}
	return m
}
