package retrieval

import (
	"context"
	"database/sql"
	"fmt"
	"testing"

	_ "modernc.org/sqlite"
)

// openTestDB creates an in-memory SQLite database with the document_chunks table.
func openTestDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatalf("opening test db: %v", err)
	}
	db.SetMaxOpenConns(1)
	_, err = db.Exec(`
		CREATE TABLE document_chunks (
			id TEXT PRIMARY KEY,
			source TEXT NOT NULL,
			ordinal INTEGER NOT NULL,
			text_chunk TEXT NOT NULL,
			embedding BLOB NOT NULL,
			created_at TEXT NOT NULL
		)`)
	if err != nil {
		t.Fatalf("creating table: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func makeTestVector(dim int, seed float32) []float32 {
	v := make([]float32, dim)
	for i := range v {
		v[i] = seed + float32(i)*0.001
	}
	return v
}

// unit returns a one-hot vector of dim with index i set.
func unit(dim, i int) []float32 {
	v := make([]float32, dim)
	v[i] = 1
	return v
}

func TestInsertAndSearch(t *testing.T) {
	s := NewSQLiteStore(openTestDB(t))
	ctx := context.Background()

	vec := makeTestVector(768, 0.1)
	if err := s.Insert(ctx, []Record{{ID: "r1", Source: "spindle.pdf", Ordinal: 2, Text: "Torque the drawbar to spec.", Embedding: vec}}); err != nil {
		t.Fatalf("Insert: %v", err)
	}

	results, err := s.Search(ctx, vec, 1)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(results) != 1 {
		t.Fatalf("got %d results, want 1", len(results))
	}
	r := results[0]
	if r.ID != "r1" || r.Source != "spindle.pdf" || r.Ordinal != 2 {
		t.Errorf("record = %+v", r.Record)
	}
	if r.Score < 0.999 {
		t.Errorf("self-similarity = %f, want ~1", r.Score)
	}
	if len(r.Embedding) != 768 {
		t.Errorf("embedding dim = %d, want 768", len(r.Embedding))
	}
}

func TestSearch_TopKOrdered(t *testing.T) {
	s := NewSQLiteStore(openTestDB(t))
	ctx := context.Background()

	var recs []Record
	for i := 0; i < 8; i++ {
		recs = append(recs, Record{ID: fmt.Sprintf("r%d", i), Source: "m.pdf", Ordinal: i, Text: "x", Embedding: unit(8, i)})
	}
	if err := s.Insert(ctx, recs); err != nil {
		t.Fatalf("Insert: %v", err)
	}

	query := []float32{0, 0, 0, 0.9, 0.5, 0.1, 0, 0}
	results, err := s.Search(ctx, query, 3)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	want := []string{"r3", "r4", "r5"}
	if len(results) != len(want) {
		t.Fatalf("got %d results, want %d", len(results), len(want))
	}
	for i, id := range want {
		if results[i].ID != id {
			t.Errorf("results[%d] = %s, want %s", i, results[i].ID, id)
		}
	}
}

func TestSearch_EmptyTable(t *testing.T) {
	s := NewSQLiteStore(openTestDB(t))

	results, err := s.Search(context.Background(), makeTestVector(8, 0.1), 5)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(results) != 0 {
		t.Errorf("got %d results from empty table", len(results))
	}
}

func TestSearch_TopKZero(t *testing.T) {
	s := NewSQLiteStore(openTestDB(t))
	ctx := context.Background()
	s.Insert(ctx, []Record{{ID: "r1", Source: "a", Embedding: unit(4, 0)}})

	results, err := s.Search(ctx, unit(4, 0), 0)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if results != nil {
		t.Errorf("topK=0 returned %d results", len(results))
	}
}

func TestDeleteBySourceAndCount(t *testing.T) {
	s := NewSQLiteStore(openTestDB(t))
	ctx := context.Background()

	recs := []Record{
		{ID: "a1", Source: "a.pdf", Ordinal: 0, Text: "a", Embedding: unit(4, 0)},
		{ID: "a2", Source: "a.pdf", Ordinal: 1, Text: "a", Embedding: unit(4, 1)},
		{ID: "b1", Source: "b.pdf", Ordinal: 0, Text: "b", Embedding: unit(4, 2)},
	}
	if err := s.Insert(ctx, recs); err != nil {
		t.Fatalf("Insert: %v", err)
	}

	if n, _ := s.Count(ctx, ""); n != 3 {
		t.Errorf("Count(all) = %d, want 3", n)
	}
	removed, err := s.DeleteBySource(ctx, "a.pdf")
	if err != nil {
		t.Fatalf("DeleteBySource: %v", err)
	}
	if removed != 2 {
		t.Errorf("removed = %d, want 2", removed)
	}
	if n, _ := s.Count(ctx, "a.pdf"); n != 0 {
		t.Errorf("Count(a.pdf) = %d after delete, want 0", n)
	}
	if n, _ := s.Count(ctx, "b.pdf"); n != 1 {
		t.Errorf("Count(b.pdf) = %d, want 1", n)
	}

	results, err := s.Search(ctx, unit(4, 0), 5)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	for _, r := range results {
		if r.Source == "a.pdf" {
			t.Errorf("deleted chunk %s still searchable", r.ID)
		}
	}
}

func TestSample(t *testing.T) {
	s := NewSQLiteStore(openTestDB(t))
	ctx := context.Background()

	var recs []Record
	for i := 0; i < 10; i++ {
		recs = append(recs, Record{ID: fmt.Sprintf("c%d", i), Source: "m.pdf", Ordinal: i, Text: "t", Embedding: unit(4, i%4)})
	}
	s.Insert(ctx, recs)

	got, err := s.Sample(ctx, 5)
	if err != nil {
		t.Fatalf("Sample: %v", err)
	}
	if len(got) != 5 {
		t.Fatalf("got %d, want 5", len(got))
	}
	for i, r := range got {
		if r.Ordinal != i {
			t.Errorf("got[%d].Ordinal = %d", i, r.Ordinal)
		}
	}
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	v := []float32{0.25, -1.5, 3}
	got, err := decodeFloat32s(encodeFloat32s(v))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	for i := range v {
		if got[i] != v[i] {
			t.Errorf("got[%d] = %f, want %f", i, got[i], v[i])
		}
	}
	if _, err := decodeFloat32s([]byte{1, 2, 3}); err == nil {
		t.Error("expected error for truncated blob")
	}
}
