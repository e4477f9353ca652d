package store

import (
	"context"
	"database/sql"
	"errors"
	"time"
)

// SQLite is the identity store backed by a single SQLite connection. All
// callers share that connection, so every call is serialised by the
// database/sql pool and each InsertUnique is one transaction on it.
type SQLite struct {
	db    *sql.DB
	stmts *statements
}

// NewSQLite creates a SQLite identity store. The pool is limited to one open
// connection.
func NewSQLite(db *sql.DB) *SQLite {
	db.SetMaxOpenConns(1)
	return &SQLite{db: db, stmts: newStatements(sqliteDialect)}
}

func (s *SQLite) Insert(ctx context.Context, table string, fields ...Field) (id int64, err error) {
	defer func(start time.Time) { observe("sqlite", "insert", table, start, err) }(time.Now())

	cols := columns(fields)
	if err := validateShape(table, cols); err != nil {
		return 0, err
	}
	q := s.stmts.insert(table, cols)
	if err := s.db.QueryRowContext(ctx, q, values(fields)...).Scan(&id); err != nil {
		return 0, &StorageError{Op: "insert", Table: table, Statement: q, Err: err}
	}
	return id, nil
}

func (s *SQLite) InsertUnique(ctx context.Context, table string, fields []Field, unique ...string) (id int64, err error) {
	defer func(start time.Time) { observe("sqlite", "insert_unique", table, start, err) }(time.Now())

	cols := columns(fields)
	if err := validateUnique(table, cols, unique); err != nil {
		return 0, err
	}
	uvals, err := uniqueValues(table, fields, unique)
	if err != nil {
		return 0, err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, &StorageError{Op: "insert unique", Table: table, Err: err}
	}
	defer tx.Rollback()

	q := s.stmts.insertIgnore(table, cols, unique)
	err = tx.QueryRowContext(ctx, q, values(fields)...).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		q = s.stmts.selectID(table, unique)
		err = tx.QueryRowContext(ctx, q, uvals...).Scan(&id)
	}
	if err != nil {
		return 0, &StorageError{Op: "insert unique", Table: table, Statement: q, Err: err}
	}
	if err := tx.Commit(); err != nil {
		return 0, &StorageError{Op: "insert unique", Table: table, Statement: "COMMIT", Err: err}
	}
	return id, nil
}

func (s *SQLite) GetID(ctx context.Context, table string, where ...Field) (id int64, err error) {
	defer func(start time.Time) { observe("sqlite", "get_id", table, start, err) }(time.Now())

	cols := columns(where)
	if err := checkIdent(append([]string{table}, cols...)...); err != nil {
		return 0, err
	}
	q := s.stmts.selectID(table, cols)
	rows, err := s.db.QueryContext(ctx, q, values(where)...)
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

func (s *SQLite) UpdateByID(ctx context.Context, table string, id int64, fields ...Field) (err error) {
	defer func(start time.Time) { observe("sqlite", "update", table, start, err) }(time.Now())

	cols := columns(fields)
	if err := validateShape(table, cols); err != nil {
		return err
	}
	q := s.stmts.updateByID(table, cols)
	res, err := s.db.ExecContext(ctx, q, append(values(fields), id)...)
	if err != nil {
		return &StorageError{Op: "update", Table: table, Statement: q, Err: err}
	}
	n, err := res.RowsAffected()
	if err != nil {
		return &StorageError{Op: "update", Table: table, Statement: q, Err: err}
	}
	if n == 0 {
		return &LookupError{Table: table, Where: []Field{F(IDColumn, id)}, Err: ErrNotFound}
	}
	return nil
}
