package sqlstore

import (
	"context"
	"database/sql"
	"strings"

	"github.com/cockroachdb/errors"
	_ "github.com/jackc/pgx/v5/stdlib"
	"go.uber.org/zap"
	_ "modernc.org/sqlite"
)

// DB is a migrated database handle together with its dialect.
type DB struct {
	*sql.DB
	dialect Dialect
}

// Open connects to the database named by driver and dsn and applies pending
// migrations.
func Open(ctx context.Context, driver, dsn string, logger *zap.Logger) (*DB, error) {
	dialect, err := DialectFor(driver)
	if err != nil {
		return nil, err
	}

	if dialect.Name == SQLite.Name {
		dsn = sqliteDSN(dsn)
	}
	conn, err := sql.Open(dialect.DriverName, dsn)
	if err != nil {
		return nil, errors.Wrapf(err, "open %s database", dialect.Name)
	}
	if dialect.Name == SQLite.Name {
		// One connection serializes writers; SQLite has a single write lock anyway.
		conn.SetMaxOpenConns(1)
	}

	if err := conn.PingContext(ctx); err != nil {
		conn.Close()
		return nil, errors.Wrapf(err, "ping %s database", dialect.Name)
	}

	db := &DB{DB: conn, dialect: dialect}
	if err := db.Migrate(ctx, logger); err != nil {
		conn.Close()
		return nil, err
	}
	return db, nil
}

func (db *DB) Dialect() Dialect {
	return db.dialect
}

var sqlitePragmas = []string{"journal_mode(WAL)", "busy_timeout(5000)", "foreign_keys(1)"}

// sqliteDSN adds the connection PRAGMAs as _pragma parameters, which the
// driver runs on every new connection. PRAGMAs already named in dsn are kept.
func sqliteDSN(dsn string) string {
	var params []string
	for _, pragma := range sqlitePragmas {
		name, _, _ := strings.Cut(pragma, "(")
		if !strings.Contains(dsn, "_pragma="+name) {
			params = append(params, "_pragma="+pragma)
		}
	}
	if len(params) == 0 {
		return dsn
	}
	sep := "?"
	if strings.Contains(dsn, "?") {
		sep = "&"
	}
	return dsn + sep + strings.Join(params, "&")
}
