package store

import (
	"strconv"
	"strings"
	"sync"

	"github.com/jackc/pgx/v5"
)

// dialect captures the two ways the supported engines differ in statement
// text: identifier quoting and bind parameter syntax.
type dialect struct {
	name        string
	quote       func(ident string) string
	placeholder func(n int) string // n is 1-based
}

var (
	postgresDialect = dialect{
		name:        "postgres",
		quote:       func(ident string) string { return pgx.Identifier{ident}.Sanitize() },
		placeholder: func(n int) string { return "$" + strconv.Itoa(n) },
	}
	sqliteDialect = dialect{
		name:        "sqlite",
		quote:       func(ident string) string { return `"` + ident + `"` },
		placeholder: func(int) string { return "?" },
	}
)

// statements caches statement text per table shape. Building is cheap but
// a stable text per shape is what lets pgx reuse its prepared statement.
type statements struct {
	d     dialect
	cache sync.Map // string -> string
}

func newStatements(d dialect) *statements {
	return &statements{d: d}
}

func (s *statements) get(key string, build func() string) string {
	if v, ok := s.cache.Load(key); ok {
		return v.(string)
	}
	v, _ := s.cache.LoadOrStore(key, build())
	return v.(string)
}

func shapeKey(op, table string, cols, unique []string) string {
	return op + "|" + table + "|" + strings.Join(cols, ",") + "|" + strings.Join(unique, ",")
}

func (s *statements) quoteAll(idents []string) string {
	quoted := make([]string, len(idents))
	for i, c := range idents {
		quoted[i] = s.d.quote(c)
	}
	return strings.Join(quoted, ", ")
}

func (s *statements) placeholders(from, n int) string {
	ph := make([]string, n)
	for i := range ph {
		ph[i] = s.d.placeholder(from + i)
	}
	return strings.Join(ph, ", ")
}

// whereClause renders "c1 = p AND c2 = p" where the placeholder of each
// column is given by pos (1-based).
func (s *statements) whereClause(cols []string, pos func(i int) int) string {
	parts := make([]string, len(cols))
	for i, c := range cols {
		parts[i] = s.d.quote(c) + " = " + s.d.placeholder(pos(i))
	}
	return strings.Join(parts, " AND ")
}

// insert renders a plain INSERT … RETURNING id.
func (s *statements) insert(table string, cols []string) string {
	return s.get(shapeKey("insert", table, cols, nil), func() string {
		var b strings.Builder
		b.WriteString("INSERT INTO ")
		b.WriteString(s.d.quote(table))
		b.WriteString(" (")
		b.WriteString(s.quoteAll(cols))
		b.WriteString(") VALUES (")
		b.WriteString(s.placeholders(1, len(cols)))
		b.WriteString(") RETURNING ")
		b.WriteString(s.d.quote(IDColumn))
		return b.String()
	})
}

// upsertReturning renders the single-statement insert-or-fetch used on
// Postgres. The conflict branch performs an update that never applies, which
// locks the conflicting row without changing it; the id is then read back
// by the second UNION arm. The unique values are referenced by the same
// parameters as the inserted values, so no extra arguments are bound.
func (s *statements) upsertReturning(table string, cols, unique []string) string {
	return s.get(shapeKey("upsert", table, cols, unique), func() string {
		pos := make(map[string]int, len(cols))
		for i, c := range cols {
			pos[c] = i + 1
		}
		id := s.d.quote(IDColumn)
		first := s.d.quote(unique[0])

		var b strings.Builder
		b.WriteString("WITH ins AS (\n\tINSERT INTO ")
		b.WriteString(s.d.quote(table))
		b.WriteString(" (")
		b.WriteString(s.quoteAll(cols))
		b.WriteString(") VALUES (")
		b.WriteString(s.placeholders(1, len(cols)))
		b.WriteString(")\n\tON CONFLICT (")
		b.WriteString(s.quoteAll(unique))
		b.WriteString(") DO UPDATE SET ")
		b.WriteString(first + " = EXCLUDED." + first)
		b.WriteString(" WHERE FALSE\n\tRETURNING ")
		b.WriteString(id)
		b.WriteString("\n)\nSELECT ")
		b.WriteString(id)
		b.WriteString(" FROM ins\nUNION ALL\nSELECT ")
		b.WriteString(id)
		b.WriteString(" FROM ")
		b.WriteString(s.d.quote(table))
		b.WriteString(" WHERE ")
		b.WriteString(s.whereClause(unique, func(i int) int { return pos[unique[i]] }))
		b.WriteString("\nLIMIT 1")
		return b.String()
	})
}

// insertIgnore renders INSERT … ON CONFLICT DO NOTHING RETURNING id, which
// yields no row when the key already exists.
func (s *statements) insertIgnore(table string, cols, unique []string) string {
	return s.get(shapeKey("insert-ignore", table, cols, unique), func() string {
		var b strings.Builder
		b.WriteString("INSERT INTO ")
		b.WriteString(s.d.quote(table))
		b.WriteString(" (")
		b.WriteString(s.quoteAll(cols))
		b.WriteString(") VALUES (")
		b.WriteString(s.placeholders(1, len(cols)))
		b.WriteString(") ON CONFLICT (")
		b.WriteString(s.quoteAll(unique))
		b.WriteString(") DO NOTHING RETURNING ")
		b.WriteString(s.d.quote(IDColumn))
		return b.String()
	})
}

// selectID renders SELECT id … WHERE cols, limited to two rows so that
// ambiguity can be detected without reading the whole match set.
func (s *statements) selectID(table string, where []string) string {
	return s.get(shapeKey("select-id", table, where, nil), func() string {
		var b strings.Builder
		b.WriteString("SELECT ")
		b.WriteString(s.d.quote(IDColumn))
		b.WriteString(" FROM ")
		b.WriteString(s.d.quote(table))
		if len(where) > 0 {
			b.WriteString(" WHERE ")
			b.WriteString(s.whereClause(where, func(i int) int { return i + 1 }))
		}
		b.WriteString(" LIMIT 2")
		return b.String()
	})
}

// updateByID renders UPDATE … SET cols WHERE id = last placeholder.
func (s *statements) updateByID(table string, cols []string) string {
	return s.get(shapeKey("update", table, cols, nil), func() string {
		sets := make([]string, len(cols))
		for i, c := range cols {
			sets[i] = s.d.quote(c) + " = " + s.d.placeholder(i+1)
		}
		var b strings.Builder
		b.WriteString("UPDATE ")
		b.WriteString(s.d.quote(table))
		b.WriteString(" SET ")
		b.WriteString(strings.Join(sets, ", "))
		b.WriteString(" WHERE ")
		b.WriteString(s.d.quote(IDColumn))
		b.WriteString(" = ")
		b.WriteString(s.d.placeholder(len(cols) + 1))
		return b.String()
	})
}
