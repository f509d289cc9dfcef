package sqlstore

import (
	"database/sql"
	"strconv"
	"strings"

	"github.com/cockroachdb/errors"
	"github.com/jackc/pgx/v5/pgconn"
)

// Dialect captures the differences between the supported databases.
type Dialect struct {
	Name       string
	DriverName string
	// numbered placeholders ($1, $2, ...) instead of ?
	numbered  bool
	txOptions *sql.TxOptions
}

var (
	SQLite = Dialect{
		Name:       "sqlite",
		DriverName: "sqlite",
	}
	Postgres = Dialect{
		Name:       "postgres",
		DriverName: "pgx",
		numbered:   true,
		txOptions:  &sql.TxOptions{Isolation: sql.LevelSerializable},
	}
)

// DialectFor maps a configured driver name to its dialect.
func DialectFor(name string) (Dialect, error) {
	switch name {
	case "sqlite", "sqlite3":
		return SQLite, nil
	case "postgres", "postgresql", "pgx":
		return Postgres, nil
	}
	return Dialect{}, errors.Newf("unsupported database driver %q", name)
}

// Rebind rewrites ? placeholders into the dialect's form.
func (d Dialect) Rebind(query string) string {
	if !d.numbered {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// retryable reports whether a failed transaction may be re-run as is.
func (d Dialect) retryable(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "40001" || pgErr.Code == "40P01"
	}
	return false
}
