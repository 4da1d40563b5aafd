package storage

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	_ "github.com/lib/pq"           // postgres driver
	_ "github.com/mattn/go-sqlite3" // sqlite driver for dev/test

	"github.com/noetic-labs/knowledge-core/internal/config"
)

// Dialect identifies the SQL dialect the repositories speak.
type Dialect string

const (
	DialectPostgres Dialect = "postgres"
	DialectSQLite   Dialect = "sqlite"
)

// Open connects to the configured database and verifies the connection.
func Open(cfg config.DatabaseConfig) (*sql.DB, Dialect, error) {
	var (
		db      *sql.DB
		dialect Dialect
		err     error
	)

	switch cfg.Driver {
	case "postgres":
		dialect = DialectPostgres
		db, err = sql.Open("postgres", cfg.Postgres.DSN)
		if err != nil {
			return nil, "", fmt.Errorf("open postgres: %w", err)
		}
		db.SetMaxOpenConns(cfg.Postgres.MaxOpenConns)
		db.SetMaxIdleConns(cfg.Postgres.MaxIdleConns)
		db.SetConnMaxLifetime(cfg.Postgres.ConnMaxLifetime)

	case "sqlite":
		dialect = DialectSQLite
		dsn := cfg.SQLite.Path
		if cfg.SQLite.JournalMode != "" {
			dsn += "?_journal_mode=" + cfg.SQLite.JournalMode
		}
		db, err = sql.Open("sqlite3", dsn)
		if err != nil {
			return nil, "", fmt.Errorf("open sqlite: %w", err)
		}
		db.SetMaxOpenConns(cfg.SQLite.MaxOpenConns)

	default:
		return nil, "", fmt.Errorf("unsupported database driver: %s", cfg.Driver)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, "", fmt.Errorf("ping database: %w", err)
	}

	return db, dialect, nil
}

// Migrate applies every .sql file in dir in lexical order. The SQLite dialect
// rewrites Postgres-only constructs so the same migrations serve development.
func Migrate(ctx context.Context, db *sql.DB, dialect Dialect, dir string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return fmt.Errorf("read migrations dir: %w", err)
	}

	var names []string
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), ".sql") {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)

	for _, name := range names {
		data, err := os.ReadFile(filepath.Join(dir, name))
		if err != nil {
			return fmt.Errorf("read migration %s: %w", name, err)
		}

		script := string(data)
		if dialect == DialectSQLite {
			script = rewriteForSQLite(script)
		}

		if _, err := db.ExecContext(ctx, script); err != nil {
			return fmt.Errorf("apply migration %s: %w", name, err)
		}
	}

	return nil
}

// rewriteForSQLite downgrades Postgres-specific DDL so the schema loads in
// SQLite: no extensions, no vector type, no ivfflat index, TEXT timestamps.
func rewriteForSQLite(script string) string {
	var out []string
	for _, stmt := range strings.Split(script, ";") {
		trimmed := strings.TrimSpace(stmt)
		if trimmed == "" {
			continue
		}
		upper := strings.ToUpper(trimmed)
		if strings.HasPrefix(upper, "CREATE EXTENSION") {
			continue
		}
		if strings.Contains(upper, "USING IVFFLAT") {
			continue
		}

		replacer := strings.NewReplacer(
			"BIGSERIAL PRIMARY KEY", "INTEGER PRIMARY KEY AUTOINCREMENT",
			"TIMESTAMPTZ", "TIMESTAMP",
			"JSONB", "TEXT",
			"vector(768)", "TEXT",
			"now()", "CURRENT_TIMESTAMP",
		)
		out = append(out, replacer.Replace(trimmed))
	}
	return strings.Join(out, ";\n") + ";"
}
