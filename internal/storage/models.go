package storage

import (
	"errors"
	"time"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("not found")

// timeFormat is fixed-width so text ordering matches chronological ordering.
const timeFormat = "2006-01-02T15:04:05.000000Z07:00"

type Thread struct {
	ID        string
	UserID    string
	Title     string
	CreatedAt time.Time
	UpdatedAt time.Time
}

type Message struct {
	ID        string
	ThreadID  string
	Seq       int
	Role      string
	Content   string
	ChartType string
	ChartJSON string // chart series stored as JSON text
	TraceJSON string // routing and execution trace stored as JSON text
	CreatedAt time.Time
}

type Document struct {
	Name        string
	ContentType string
	Text        string
	Size        int64
	Chunks      int
	CreatedAt   time.Time
}

type Job struct {
	ID          string
	Type        string
	PayloadJSON string
	Status      string // "pending", "running", "completed", "failed"
	Attempts    int
	MaxAttempts int
	RunAfter    time.Time
	CreatedAt   time.Time
	UpdatedAt   time.Time
	LastError   string
}
