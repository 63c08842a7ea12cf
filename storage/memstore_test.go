package storage

import (
	"context"
	"strings"
	"testing"
)

func TestMemStore_InsertAndFetch(t *testing.T) {
	store := NewMemStore()
	ctx := context.Background()

	id, err := store.Insert(ctx, "interrupts", map[string]any{"kind": "clarification", "user": "alice"})
	if err != nil {
		t.Fatalf("insert failed: %v", err)
	}
	if !strings.HasPrefix(id, "row_") {
		t.Errorf("generated id = %q", id)
	}

	row, err := store.FetchOne(ctx, Query{Table: "interrupts", Filters: map[string]any{"id": id}})
	if err != nil {
		t.Fatalf("fetch failed: %v", err)
	}
	if row == nil || row["kind"] != "clarification" {
		t.Errorf("row = %v", row)
	}

	// Explicit id is preserved.
	id2, err := store.Insert(ctx, "interrupts", map[string]any{"id": "custom", "kind": "confirmation"})
	if err != nil || id2 != "custom" {
		t.Errorf("id = %q, err = %v", id2, err)
	}
}

func TestMemStore_FetchOne_NoMatch(t *testing.T) {
	store := NewMemStore()
	row, err := store.FetchOne(context.Background(), Query{Table: "empty", Filters: map[string]any{"x": 1}})
	if err != nil {
		t.Fatal(err)
	}
	if row != nil {
		t.Errorf("row = %v, want nil", row)
	}
}

func TestMemStore_Update(t *testing.T) {
	store := NewMemStore()
	ctx := context.Background()

	store.Insert(ctx, "t", map[string]any{"id": "a", "status": "pending"})
	store.Insert(ctx, "t", map[string]any{"id": "b", "status": "pending"})
	store.Insert(ctx, "t", map[string]any{"id": "c", "status": "resolved"})

	n, err := store.Update(ctx, "t", map[string]any{"status": "expired"}, map[string]any{"status": "pending"})
	if err != nil {
		t.Fatal(err)
	}
	if n != 2 {
		t.Errorf("updated = %d, want 2", n)
	}
	if store.Count("t", map[string]any{"status": "expired"}) != 2 {
		t.Error("both pending rows should now be expired")
	}
	if store.Count("t", map[string]any{"status": "resolved"}) != 1 {
		t.Error("resolved row should be untouched")
	}
}

func TestMemStore_FetchAll_OrderAndLimit(t *testing.T) {
	store := NewMemStore()
	ctx := context.Background()

	for i, name := range []string{"charlie", "alice", "bob"} {
		store.Insert(ctx, "t", map[string]any{"name": name, "rank": i})
	}

	rows, err := store.FetchAll(ctx, Query{Table: "t", OrderBy: "name"})
	if err != nil {
		t.Fatal(err)
	}
	if len(rows) != 3 || rows[0]["name"] != "alice" || rows[2]["name"] != "charlie" {
		t.Errorf("rows = %v", rows)
	}

	rows, err = store.FetchAll(ctx, Query{Table: "t", OrderBy: "rank", Descending: true, Limit: 1})
	if err != nil {
		t.Fatal(err)
	}
	if len(rows) != 1 || rows[0]["name"] != "bob" {
		t.Errorf("rows = %v", rows)
	}
}

func TestMemStore_FetchAll_CopiesRows(t *testing.T) {
	store := NewMemStore()
	ctx := context.Background()
	store.Insert(ctx, "t", map[string]any{"id": "a", "v": 1})

	rows, err := store.FetchAll(ctx, Query{Table: "t"})
	if err != nil {
		t.Fatal(err)
	}
	rows[0]["v"] = 999

	again, _ := store.FetchOne(ctx, Query{Table: "t", Filters: map[string]any{"id": "a"}})
	if again["v"] != 1 {
		t.Error("fetched rows should be copies")
	}
}

func TestMemStore_ContextCancelled(t *testing.T) {
	store := NewMemStore()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if _, err := store.Insert(ctx, "t", map[string]any{"x": 1}); err == nil {
		t.Error("insert should honor a cancelled context")
	}
	if _, err := store.FetchAll(ctx, Query{Table: "t"}); err == nil {
		t.Error("fetch should honor a cancelled context")
	}
	if _, err := store.Update(ctx, "t", nil, nil); err == nil {
		t.Error("update should honor a cancelled context")
	}
}
