// Package workingcopy implements the working-copy synchronization engine:
// it keeps a live, editable copy of versioned datasets inside a relational
// database, captures row-level edits via backend triggers, diffs the live
// tables against the last-synchronised tree, and commits pending changes
// back to the version store.
//
// The engine is backend-polymorphic. Each supported database implements
// the Backend interface in its own subpackage (sqlite, postgres,
// sqlserver) and registers a constructor keyed by URI scheme:
//
//	import _ "github.com/hamishcampbell/kart/internal/workingcopy/sqlite"
//
//	wc, err := workingcopy.Open("points.db", store)
package workingcopy

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/paulmach/orb"

	"github.com/hamishcampbell/kart/internal/schema"
	"github.com/hamishcampbell/kart/internal/vstore"
)

// Deterministic control-table names. They live inside the working copy's
// own schema/catalog so re-opening the same database recovers the same
// engine state.
const (
	// StateTableName rows are (table_name, key, value); the "tree" key
	// records the tree each dataset's live table was last synchronised to.
	StateTableName = "_kart_state"

	// TrackingTableName rows are (table_name, pk): this primary key has a
	// pending change and must be re-examined at diff/commit time.
	TrackingTableName = "_kart_track"
)

// Session is one transactional unit of work. All statements issued
// through a Session commit or roll back together; sessions are created
// and released by Backend.WithSession.
type Session struct {
	ctx context.Context
	tx  *sql.Tx
}

// Context returns the context the session was opened with.
func (s *Session) Context() context.Context { return s.ctx }

// Exec runs a statement within the session's transaction.
func (s *Session) Exec(query string, args ...any) (sql.Result, error) {
	return s.tx.ExecContext(s.ctx, query, args...)
}

// Query runs a query within the session's transaction.
func (s *Session) Query(query string, args ...any) (*sql.Rows, error) {
	return s.tx.QueryContext(s.ctx, query, args...)
}

// QueryRow runs a single-row query within the session's transaction.
func (s *Session) QueryRow(query string, args ...any) *sql.Row {
	return s.tx.QueryRowContext(s.ctx, query, args...)
}

// Dialect captures the per-backend SQL surface the shared engine code
// needs: identifier quoting, parameter placeholders, and upsert
// compilation.
type Dialect interface {
	// Quote quotes a single identifier.
	Quote(ident string) string

	// TableIdent returns the fully qualified, quoted identifier of a
	// table inside the working copy's container.
	TableIdent(table string) string

	// Placeholder returns the 1-based bind-parameter placeholder
	// ("?", "$1", "@p1").
	Placeholder(i int) string

	// UpsertSQL compiles one atomic insert-or-update statement for a
	// single row: insert if no row matches on keyCols, else update the
	// non-key columns. cols is the full ordered column list; bind
	// parameters are consumed in exactly that order. Backends without
	// native upsert syntax compile a conditional merge construct instead;
	// either way the statement is a single round trip with no separate
	// existence check.
	UpsertSQL(table string, cols, keyCols []string) string
}

// Backend is the capability set a database must provide to host a
// working copy: schema translation, upsert compilation, change tracking,
// and session management. Implementations live in subpackages and
// register themselves via Register.
type Backend interface {
	Dialect

	// Type is the backend's name ("sqlite", "postgresql", "mssql").
	Type() string

	// URI returns the backend's connection URI with credentials elided.
	URI() string

	// Container returns the schema/catalog name holding the working copy.
	Container() string

	Close() error

	// Container predicates. These are deliberately distinct: a container
	// can be created-but-empty (pre-provisioned), initialised-but-dataless
	// (control tables only), or populated. Callers depend on
	// distinguishing all three so a freshly provisioned empty container
	// is not treated as corrupted.
	IsCreated(ctx context.Context) (bool, error)
	IsInitialised(ctx context.Context) (bool, error)
	HasData(ctx context.Context) (bool, error)

	// CreateAndInitialise creates the container if needed and the control
	// tables within it. Idempotent.
	CreateAndInitialise(ctx context.Context) error

	// DropAll removes every working-copy table, and the container itself
	// unless keepContainer is set.
	DropAll(ctx context.Context, keepContainer bool) error

	// WithSession runs fn inside one transaction; commits on nil return,
	// rolls back otherwise. The transaction is always released.
	WithSession(ctx context.Context, fn func(*Session) error) error

	// State and tracking table access.
	GetTree(sess *Session, dataset string) (string, bool, error)
	SetTree(sess *Session, dataset, tree string) error
	AllTrees(sess *Session) (map[string]string, error)
	DeleteState(sess *Session, dataset string) error
	TrackedTables(sess *Session) ([]string, error)
	TrackedKeys(sess *Session, table string) ([]string, error)
	ClearTracking(sess *Session, table string, pks []string) error

	// Schema translation.
	CreateTable(sess *Session, ds *schema.Dataset) error
	DropTable(sess *Session, ds *schema.Dataset) error
	TableExists(sess *Session, table string) (bool, error)

	// TableSchema re-derives the portable schema from the live table.
	// Column IDs are salted with salt (see schema.IntrospectionSalt) so
	// they are deterministic across introspections.
	TableSchema(sess *Session, table, salt string) (*schema.Schema, error)

	// TryAlignColumn repairs newCol in place when its divergence from
	// oldCol is a known lossy round-trip through this backend (type
	// approximations; geometry extra type info), then reports whether the
	// columns are now equal in type. Genuine type changes stay unequal.
	TryAlignColumn(oldCol, newCol *schema.Column) bool

	// UnsupportedMetaItems lists meta items this backend cannot store;
	// they are excluded from meta diffs rather than reported as
	// always-different.
	UnsupportedMetaItems() []string

	// Feature access against the live table.
	WriteFeatures(sess *Session, ds *schema.Dataset, features []vstore.Feature) error
	DeleteFeatures(sess *Session, ds *schema.Dataset, pks []string) error
	ReadFeature(sess *Session, ds *schema.Dataset, pk string) (vstore.Row, bool, error)
	ReadPKs(sess *Session, ds *schema.Dataset) ([]string, error)

	// Change tracking.
	CreateTriggers(sess *Session, ds *schema.Dataset) error
	DropTriggers(sess *Session, ds *schema.Dataset) error

	// SuspendTriggers disables change tracking for the dataset's table
	// and returns the function that re-enables it. Callers must invoke
	// resume on every exit path; See SuspendedTracking.
	SuspendTriggers(sess *Session, ds *schema.Dataset) (resume func() error, err error)

	// Spatial support.
	GeometryExtent(sess *Session, ds *schema.Dataset) (orb.Bound, bool, error)
	CreateSpatialIndexPostLoad(sess *Session, ds *schema.Dataset) error
}

// SuspendedTracking runs fn with the dataset's change tracking disabled,
// guaranteeing tracking resumes on all exit paths even when fn fails.
// Used for bulk writes that must not track themselves, such as the engine
// writing the output of its own diff application.
func SuspendedTracking(sess *Session, b Backend, ds *schema.Dataset, fn func() error) (err error) {
	resume, err := b.SuspendTriggers(sess, ds)
	if err != nil {
		return err
	}
	defer func() {
		if rerr := resume(); rerr != nil && err == nil {
			err = fmt.Errorf("resume tracking for %q: %w", ds.Name, rerr)
		}
	}()
	return fn()
}
