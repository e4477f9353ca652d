package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// DB is the subset of pgx used by the Postgres store. *pgxpool.Pool
// satisfies it.
type DB interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// DefaultInsertRetries bounds how often an insert-or-fetch statement is
// re-executed when it returns no row.
const DefaultInsertRetries = 3

var errInsertRace = errors.New("insert-or-fetch returned no row")

// Postgres is the identity store backed by a pgx connection pool.
type Postgres struct {
	db      DB
	stmts   *statements
	retries int
}

// NewPostgres creates a Postgres identity store.
func NewPostgres(db DB) *Postgres {
	return &Postgres{db: db, stmts: newStatements(postgresDialect), retries: DefaultInsertRetries}
}

func (s *Postgres) Insert(ctx context.Context, table string, fields ...Field) (id int64, err error) {
	defer func(start time.Time) { observe("postgres", "insert", table, start, err) }(time.Now())

	cols := columns(fields)
	if err := validateShape(table, cols); err != nil {
		return 0, err
	}
	q := s.stmts.insert(table, cols)
	if err := s.db.QueryRow(ctx, q, values(fields)...).Scan(&id); err != nil {
		return 0, &StorageError{Op: "insert", Table: table, Statement: q, Err: err}
	}
	return id, nil
}

// InsertUnique runs a single insert-or-fetch statement. A concurrent
// transaction that commits the same key after this statement's snapshot was
// taken makes both arms of the statement come back empty; the statement is
// then re-executed, and the next snapshot sees the committed row.
func (s *Postgres) InsertUnique(ctx context.Context, table string, fields []Field, unique ...string) (id int64, err error) {
	defer func(start time.Time) { observe("postgres", "insert_unique", table, start, err) }(time.Now())

	cols := columns(fields)
	if err := validateUnique(table, cols, unique); err != nil {
		return 0, err
	}
	if _, err := uniqueValues(table, fields, unique); err != nil {
		return 0, err
	}

	q := s.stmts.upsertReturning(table, cols, unique)
	args := values(fields)
	for attempt := 0; attempt < s.retries; attempt++ {
		err := s.db.QueryRow(ctx, q, args...).Scan(&id)
		if err == nil {
			return id, nil
		}
		if !errors.Is(err, pgx.ErrNoRows) {
			return 0, &StorageError{Op: "insert unique", Table: table, Statement: q, Err: err}
		}
		storeRetriesTotal.WithLabelValues(table).Inc()
	}
	return 0, &StorageError{Op: "insert unique", Table: table, Statement: q,
		Err: fmt.Errorf("%w after %d attempts", errInsertRace, s.retries)}
}

func (s *Postgres) GetID(ctx context.Context, table string, where ...Field) (id int64, err error) {
	defer func(start time.Time) { observe("postgres", "get_id", table, start, err) }(time.Now())

	cols := columns(where)
	if err := checkIdent(append([]string{table}, cols...)...); err != nil {
		return 0, err
	}
	q := s.stmts.selectID(table, cols)
	rows, err := s.db.Query(ctx, q, values(where)...)
	if err != nil {
		return 0, &StorageError{Op: "get id", Table: table, Statement: q, Err: err}
	}
	defer rows.Close()

	n := 0
	for rows.Next() {
		if err := rows.Scan(&id); err != nil {
			return 0, &StorageError{Op: "get id", Table: table, Statement: q, Err: err}
		}
		n++
	}
	if err := rows.Err(); err != nil {
		return 0, &StorageError{Op: "get id", Table: table, Statement: q, Err: err}
	}
	return countResult(table, where, id, n)
}

func (s *Postgres) UpdateByID(ctx context.Context, table string, id int64, fields ...Field) (err error) {
	defer func(start time.Time) { observe("postgres", "update", table, start, err) }(time.Now())

	cols := columns(fields)
	if err := validateShape(table, cols); err != nil {
		return err
	}
	q := s.stmts.updateByID(table, cols)
	tag, err := s.db.Exec(ctx, q, append(values(fields), id)...)
	if err != nil {
		return &StorageError{Op: "update", Table: table, Statement: q, Err: err}
	}
	if tag.RowsAffected() == 0 {
		return &LookupError{Table: table, Where: []Field{F(IDColumn, id)}, Err: ErrNotFound}
	}
	return nil
}

func validateShape(table string, cols []string) error {
	if len(cols) == 0 {
		return fmt.Errorf("%s: no columns given", table)
	}
	return checkIdent(append([]string{table}, cols...)...)
}

func validateUnique(table string, cols, unique []string) error {
	if len(unique) == 0 {
		return fmt.Errorf("%s: no unique columns given", table)
	}
	if err := validateShape(table, cols); err != nil {
		return err
	}
	return checkIdent(unique...)
}

func countResult(table string, where []Field, id int64, n int) (int64, error) {
	switch n {
	case 0:
		return 0, &LookupError{Table: table, Where: where, Err: ErrNotFound}
	case 1:
		return id, nil
	default:
		return 0, &LookupError{Table: table, Where: where, Err: ErrAmbiguous}
	}
}
