// Package store is the identity store: it maps deployment entities onto
// relational rows and hands back their surrogate ids. Registration is
// idempotent under a table's uniqueness constraint, so the same entity
// reported many times (or by many goroutines at once) resolves to one row.
package store

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
)

var (
	// ErrNotFound is returned by GetID when no row matches.
	ErrNotFound = errors.New("no matching row")
	// ErrAmbiguous is returned by GetID when more than one row matches.
	ErrAmbiguous = errors.New("more than one matching row")
	// ErrInvalidIdentifier is returned for table or column names that are
	// not plain lower-case SQL identifiers.
	ErrInvalidIdentifier = errors.New("invalid identifier")
)

// IDColumn is the surrogate key column every table carries.
const IDColumn = "id"

// Field is a column/value pair used for inserts and equality conditions.
type Field struct {
	Column string
	Value  any
}

// F builds a Field.
func F(column string, value any) Field {
	return Field{Column: column, Value: value}
}

// Store is implemented by the Postgres and SQLite identity stores.
type Store interface {
	// Insert appends a row and returns its id. Used for event rows that are
	// never deduplicated.
	Insert(ctx context.Context, table string, fields ...Field) (int64, error)

	// InsertUnique inserts a row unless one already matches the given unique
	// columns, in which case the existing id is returned and nothing is
	// modified. Every unique column must be present in fields.
	InsertUnique(ctx context.Context, table string, fields []Field, unique ...string) (int64, error)

	// GetID returns the id of the single row matching every condition.
	GetID(ctx context.Context, table string, where ...Field) (int64, error)

	// UpdateByID sets the given columns on the row with the given id.
	UpdateByID(ctx context.Context, table string, id int64, fields ...Field) error
}

// StorageError wraps a failed SQL execution with enough context to
// diagnose it from logs alone.
type StorageError struct {
	Op        string
	Table     string
	Statement string
	Err       error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Op, e.Table, e.Err)
}

func (e *StorageError) Unwrap() error { return e.Err }

// LookupError carries the condition of a failed GetID so callers can log
// it. It unwraps to ErrNotFound or ErrAmbiguous.
type LookupError struct {
	Table string
	Where []Field
	Err   error
}

func (e *LookupError) Error() string {
	return fmt.Sprintf("%s where %s: %v", e.Table, describe(e.Where), e.Err)
}

func (e *LookupError) Unwrap() error { return e.Err }

// IsResolution reports whether err is an identifier resolution failure
// (not found or ambiguous) rather than a storage failure.
func IsResolution(err error) bool {
	return errors.Is(err, ErrNotFound) || errors.Is(err, ErrAmbiguous)
}

var identRegex = regexp.MustCompile(`^[a-z_][a-z0-9_]*$`)

func checkIdent(names ...string) error {
	for _, n := range names {
		if !identRegex.MatchString(n) {
			return fmt.Errorf("%w: %q", ErrInvalidIdentifier, n)
		}
	}
	return nil
}

func columns(fields []Field) []string {
	cols := make([]string, len(fields))
	for i, f := range fields {
		cols[i] = f.Column
	}
	return cols
}

func values(fields []Field) []any {
	vals := make([]any, len(fields))
	for i, f := range fields {
		vals[i] = f.Value
	}
	return vals
}

// uniqueValues picks the values of the unique columns out of fields, in
// the order the unique columns were given.
func uniqueValues(table string, fields []Field, unique []string) ([]any, error) {
	vals := make([]any, len(unique))
	for i, u := range unique {
		found := false
		for _, f := range fields {
			if f.Column == u {
				vals[i] = f.Value
				found = true
				break
			}
		}
		if !found {
			return nil, fmt.Errorf("%s: unique column %q not among inserted columns", table, u)
		}
	}
	return vals, nil
}

func describe(where []Field) string {
	parts := make([]string, len(where))
	for i, f := range where {
		parts[i] = fmt.Sprintf("%s = %v", f.Column, f.Value)
	}
	return strings.Join(parts, " AND ")
}
