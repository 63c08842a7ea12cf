// Package storage defines the persistence boundary the kernel writes
// through. The kernel never talks to a database directly; it records rows
// via Store and leaves durability to the deployment.
package storage

import "context"

// Query selects rows from one table. Filters are ANDed equality matches.
type Query struct {
	Table   string
	Filters map[string]any
	// OrderBy names a column; Descending reverses the order. Empty means
	// unspecified order.
	OrderBy    string
	Descending bool
	// Limit caps the result set. Zero means no limit.
	Limit int
}

// Store is the minimal persistence interface. Rows are flat maps; the
// backing implementation owns schema and serialization.
type Store interface {
	// Insert adds a row and returns its id.
	Insert(ctx context.Context, table string, row map[string]any) (string, error)
	// Update sets fields on all rows matching the where filters and returns
	// the number of rows touched.
	Update(ctx context.Context, table string, fields, where map[string]any) (int, error)
	// FetchOne returns the first matching row, or nil when nothing matches.
	FetchOne(ctx context.Context, q Query) (map[string]any, error)
	// FetchAll returns all matching rows.
	FetchAll(ctx context.Context, q Query) ([]map[string]any, error)
}
