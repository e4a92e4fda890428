package kinvey

import (
	"context"
	"testing"
)

func TestQueryCacheRoundTrip(t *testing.T) {
	ctx := context.Background()
	qc := NewQueryCache(newTestRepo())
	q := NewQuery().EqualTo("genre", "scifi")

	got, err := qc.Get(ctx, "books", q)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got != nil {
		t.Fatalf("expected no record, got %v", got)
	}

	if err := qc.Upsert(ctx, "books", q, "2024-01-01T00:00:00.000Z"); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	got, err = qc.Get(ctx, "books", q)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got == nil || got.LastRequest != "2024-01-01T00:00:00.000Z" {
		t.Fatalf("unexpected record: %v", got)
	}

	// A second upsert for the same pair replaces rather than duplicates.
	if err := qc.Upsert(ctx, "books", q, "2024-02-01T00:00:00.000Z"); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	got, _ = qc.Get(ctx, "books", q)
	if got.LastRequest != "2024-02-01T00:00:00.000Z" {
		t.Fatalf("upsert did not replace: %v", got)
	}
}

func TestQueryCacheKeysArePerPair(t *testing.T) {
	ctx := context.Background()
	qc := NewQueryCache(newTestRepo())

	q1 := NewQuery().EqualTo("genre", "scifi")
	q2 := NewQuery().EqualTo("genre", "fantasy")

	if err := qc.Upsert(ctx, "books", q1, "t1"); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	if err := qc.Upsert(ctx, "books", q2, "t2"); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	if err := qc.Upsert(ctx, "authors", q1, "t3"); err != nil {
		t.Fatalf("upsert: %v", err)
	}

	if got, _ := qc.Get(ctx, "books", q1); got == nil || got.LastRequest != "t1" {
		t.Fatalf("books/q1: %v", got)
	}
	if got, _ := qc.Get(ctx, "books", q2); got == nil || got.LastRequest != "t2" {
		t.Fatalf("books/q2: %v", got)
	}

	if err := qc.Delete(ctx, "books", q1); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if got, _ := qc.Get(ctx, "books", q1); got != nil {
		t.Fatalf("books/q1 should be gone, got %v", got)
	}
	if got, _ := qc.Get(ctx, "books", q2); got == nil {
		t.Fatal("books/q2 should survive the sibling delete")
	}

	if err := qc.DeleteCollection(ctx, "books"); err != nil {
		t.Fatalf("deleteCollection: %v", err)
	}
	if got, _ := qc.Get(ctx, "books", q2); got != nil {
		t.Fatal("books/q2 should be gone after deleteCollection")
	}
	if got, _ := qc.Get(ctx, "authors", q1); got == nil {
		t.Fatal("authors records must be untouched")
	}
}
