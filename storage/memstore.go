package storage

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/google/uuid"
)

// MemStore is a non-durable in-memory Store for single-process deployments
// and tests. Safe for concurrent use.
type MemStore struct {
	mu     sync.RWMutex
	tables map[string][]map[string]any
}

// NewMemStore creates an empty in-memory store.
func NewMemStore() *MemStore {
	return &MemStore{tables: make(map[string][]map[string]any)}
}

// Insert adds a row, assigning an "id" when the row carries none.
func (m *MemStore) Insert(ctx context.Context, table string, row map[string]any) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	stored := make(map[string]any, len(row)+1)
	for k, v := range row {
		stored[k] = v
	}
	id, ok := stored["id"].(string)
	if !ok || id == "" {
		id = "row_" + uuid.New().String()[:16]
		stored["id"] = id
	}

	m.mu.Lock()
	m.tables[table] = append(m.tables[table], stored)
	m.mu.Unlock()
	return id, nil
}

// Update sets fields on all rows matching the where filters.
func (m *MemStore) Update(ctx context.Context, table string, fields, where map[string]any) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	count := 0
	for _, row := range m.tables[table] {
		if !rowMatches(row, where) {
			continue
		}
		for k, v := range fields {
			row[k] = v
		}
		count++
	}
	return count, nil
}

// FetchOne returns a copy of the first matching row, or nil.
func (m *MemStore) FetchOne(ctx context.Context, q Query) (map[string]any, error) {
	rows, err := m.FetchAll(ctx, Query{
		Table:      q.Table,
		Filters:    q.Filters,
		OrderBy:    q.OrderBy,
		Descending: q.Descending,
		Limit:      1,
	})
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, nil
	}
	return rows[0], nil
}

// FetchAll returns copies of all matching rows.
func (m *MemStore) FetchAll(ctx context.Context, q Query) ([]map[string]any, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	m.mu.RLock()
	var matched []map[string]any
	for _, row := range m.tables[q.Table] {
		if rowMatches(row, q.Filters) {
			matched = append(matched, copyRow(row))
		}
	}
	m.mu.RUnlock()

	if q.OrderBy != "" {
		sort.SliceStable(matched, func(i, j int) bool {
			less := compareValues(matched[i][q.OrderBy], matched[j][q.OrderBy]) < 0
			if q.Descending {
				return !less
			}
			return less
		})
	}
	if q.Limit > 0 && len(matched) > q.Limit {
		matched = matched[:q.Limit]
	}
	return matched, nil
}

// Count returns the number of rows matching the filters.
func (m *MemStore) Count(table string, filters map[string]any) int {
	m.mu.RLock()
	defer m.mu.RUnlock()

	count := 0
	for _, row := range m.tables[table] {
		if rowMatches(row, filters) {
			count++
		}
	}
	return count
}

func rowMatches(row, filters map[string]any) bool {
	for k, want := range filters {
		got, ok := row[k]
		if !ok {
			return false
		}
		if fmt.Sprint(got) != fmt.Sprint(want) {
			return false
		}
	}
	return true
}

func copyRow(row map[string]any) map[string]any {
	out := make(map[string]any, len(row))
	for k, v := range row {
		out[k] = v
	}
	return out
}

func compareValues(a, b any) int {
	af, aok := toOrderable(a)
	bf, bok := toOrderable(b)
	if aok && bok {
		switch {
		case af < bf:
			return -1
		case af > bf:
			return 1
		default:
			return 0
		}
	}
	as, bs := fmt.Sprint(a), fmt.Sprint(b)
	switch {
	case as < bs:
		return -1
	case as > bs:
		return 1
	default:
		return 0
	}
}

func toOrderable(v any) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case float32:
		return float64(n), true
	case float64:
		return n, true
	default:
		return 0, false
	}
}
