// Package sqlite implements the SQLite working-copy backend.
//
// The working copy is a single database file; the file itself is the
// container. Geometry values are stored as WKB blobs, date and timestamp
// values as ISO-8601 text, so everything reads back in the engine's
// canonical textual forms without conversion expressions.
//
// The backend registers itself for the "sqlite" URI scheme (and bare
// file paths):
//
//	import _ "github.com/hamishcampbell/kart/internal/workingcopy/sqlite"
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"

	"github.com/hamishcampbell/kart/internal/workingcopy"
)

func init() {
	workingcopy.Register("sqlite", New)
}

// Backend is the SQLite working copy.
type Backend struct {
	*workingcopy.SQLBase
	path string
}

// New opens (creating the parent directory if needed) the SQLite working
// copy at the given URI: "sqlite://PATH" or a bare path.
func New(uri string) (workingcopy.Backend, error) {
	path := strings.TrimPrefix(uri, "sqlite://")
	if path == "" {
		return nil, fmt.Errorf("sqlite working copy needs a file path")
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create working copy directory: %w", err)
	}

	conn, err := sql.Open("sqlite3", "file:"+path)
	if err != nil {
		return nil, fmt.Errorf("open working copy: %w", err)
	}
	if err := conn.Ping(); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("%w: %v", workingcopy.ErrConnection, err)
	}

	// Triggers must see consistent foreign-key behavior; WAL keeps
	// readers unblocked during commits.
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA foreign_keys=ON",
		"PRAGMA busy_timeout=5000",
	} {
		if _, err := conn.Exec(pragma); err != nil {
			_ = conn.Close()
			return nil, fmt.Errorf("configure working copy: %w", err)
		}
	}

	b := &Backend{path: path}
	b.SQLBase = &workingcopy.SQLBase{DB: conn, D: b}
	return b, nil
}

// Type implements workingcopy.Backend.
func (b *Backend) Type() string { return "sqlite" }

// URI implements workingcopy.Backend.
func (b *Backend) URI() string { return "sqlite://" + b.path }

// Container implements workingcopy.Backend. SQLite has no schemas; the
// conventional "main" database is the container.
func (b *Backend) Container() string { return "main" }

// Close implements workingcopy.Backend.
func (b *Backend) Close() error {
	if b.DB == nil {
		return nil
	}
	err := b.DB.Close()
	b.DB = nil
	return err
}

// IsCreated reports whether the database file exists. A working copy can
// be provisioned (file created) before it is initialised.
func (b *Backend) IsCreated(ctx context.Context) (bool, error) {
	info, err := os.Stat(b.path)
	if os.IsNotExist(err) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return info.Size() > 0, nil
}

// IsInitialised reports whether both control tables exist.
func (b *Backend) IsInitialised(ctx context.Context) (bool, error) {
	var count int
	err := b.DB.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name IN (?, ?)`,
		workingcopy.StateTableName, workingcopy.TrackingTableName,
	).Scan(&count)
	if err != nil {
		return false, fmt.Errorf("inspect working copy: %w", err)
	}
	return count == 2, nil
}

// HasData reports whether any non-control table exists.
func (b *Backend) HasData(ctx context.Context) (bool, error) {
	var count int
	err := b.DB.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM sqlite_master
		 WHERE type='table' AND name NOT IN (?, ?) AND name NOT LIKE 'sqlite_%'`,
		workingcopy.StateTableName, workingcopy.TrackingTableName,
	).Scan(&count)
	if err != nil {
		return false, fmt.Errorf("inspect working copy: %w", err)
	}
	return count > 0, nil
}

// CreateAndInitialise creates the control tables. Idempotent.
func (b *Backend) CreateAndInitialise(ctx context.Context) error {
	ddl := fmt.Sprintf(`
	CREATE TABLE IF NOT EXISTS %s (
		"table_name" TEXT NOT NULL,
		"key" TEXT NOT NULL,
		"value" TEXT,
		PRIMARY KEY ("table_name", "key")
	);
	CREATE TABLE IF NOT EXISTS %s (
		"table_name" TEXT NOT NULL,
		"pk" TEXT,
		PRIMARY KEY ("table_name", "pk")
	);
	`, b.Quote(workingcopy.StateTableName), b.Quote(workingcopy.TrackingTableName))

	if _, err := b.DB.ExecContext(ctx, ddl); err != nil {
		return fmt.Errorf("initialise working copy: %w", err)
	}
	return nil
}

// DropAll drops every working-copy table. keepContainer keeps the file
// itself (emptied); otherwise the file is removed.
func (b *Backend) DropAll(ctx context.Context, keepContainer bool) error {
	rows, err := b.DB.QueryContext(ctx,
		`SELECT name FROM sqlite_master WHERE type='table' AND name NOT LIKE 'sqlite_%'`)
	if err != nil {
		return fmt.Errorf("list tables: %w", err)
	}
	var tables []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			rows.Close()
			return fmt.Errorf("list tables: %w", err)
		}
		tables = append(tables, name)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return fmt.Errorf("list tables: %w", err)
	}

	for _, name := range tables {
		if _, err := b.DB.ExecContext(ctx, `DROP TABLE IF EXISTS `+b.Quote(name)); err != nil {
			return fmt.Errorf("drop table %q: %w", name, err)
		}
	}
	if keepContainer {
		return nil
	}
	if err := b.Close(); err != nil {
		return err
	}
	if err := os.Remove(b.path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove working copy file: %w", err)
	}
	return nil
}

// Quote implements workingcopy.Dialect.
func (b *Backend) Quote(ident string) string {
	return `"` + strings.ReplaceAll(ident, `"`, `""`) + `"`
}

// TableIdent implements workingcopy.Dialect.
func (b *Backend) TableIdent(table string) string {
	return b.Quote(table)
}

// Placeholder implements workingcopy.Dialect.
func (b *Backend) Placeholder(i int) string { return "?" }

// UpsertSQL implements workingcopy.Dialect using SQLite's native
// ON CONFLICT upsert.
func (b *Backend) UpsertSQL(table string, cols, keyCols []string) string {
	quoted := workingcopy.QuoteAll(b, cols)
	keys := workingcopy.QuoteAll(b, keyCols)
	isKey := map[string]bool{}
	for _, k := range keyCols {
		isKey[k] = true
	}

	var sets []string
	for _, c := range cols {
		if !isKey[c] {
			sets = append(sets, fmt.Sprintf("%s = excluded.%s", b.Quote(c), b.Quote(c)))
		}
	}

	q := fmt.Sprintf(
		"INSERT INTO %s (%s) VALUES (%s)",
		b.TableIdent(table),
		strings.Join(quoted, ", "),
		strings.Join(workingcopy.Placeholders(b, 1, len(cols)), ", "),
	)
	if len(sets) == 0 {
		return q + fmt.Sprintf(" ON CONFLICT (%s) DO NOTHING", strings.Join(keys, ", "))
	}
	return q + fmt.Sprintf(" ON CONFLICT (%s) DO UPDATE SET %s",
		strings.Join(keys, ", "), strings.Join(sets, ", "))
}

// quoteLiteral renders a string literal for statements that cannot take
// bind parameters (trigger bodies).
func quoteLiteral(s string) string {
	return "'" + strings.ReplaceAll(s, "'", "''") + "'"
}
