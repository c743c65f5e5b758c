package sqlite

import (
	"fmt"

	"github.com/hamishcampbell/kart/internal/schema"
	"github.com/hamishcampbell/kart/internal/workingcopy"
)

// Trigger names are derived from the table name so DropTriggers works
// without knowing the dataset's schema.
func triggerNames(table string) [3]string {
	return [3]string{
		table + "__kart_ins",
		table + "__kart_upd",
		table + "__kart_del",
	}
}

// CreateTriggers implements workingcopy.Backend: one AFTER trigger per
// write kind, each upserting the affected primary key into the tracking
// table. INSERT OR REPLACE makes repeat pushes of the same key no-ops,
// so N edits of one key leave exactly one tracking row.
//
// SQLite forbids bind parameters in trigger bodies, so the table name is
// embedded as a literal.
func (b *Backend) CreateTriggers(sess *workingcopy.Session, ds *schema.Dataset) error {
	pk, err := ds.PrimaryKey()
	if err != nil {
		return fmt.Errorf("%w: %v", workingcopy.ErrBackendIncompatible, err)
	}

	names := triggerNames(ds.Name)
	track := b.TableIdent(workingcopy.TrackingTableName)
	tableLit := quoteLiteral(ds.Name)
	push := func(rowRef string) string {
		return fmt.Sprintf(
			`INSERT OR REPLACE INTO %s ("table_name", "pk") VALUES (%s, %s.%s);`,
			track, tableLit, rowRef, b.Quote(pk),
		)
	}

	stmts := []string{
		fmt.Sprintf("CREATE TRIGGER %s AFTER INSERT ON %s BEGIN %s END",
			b.Quote(names[0]), b.TableIdent(ds.Name), push("NEW")),
		// An update can move a row to a new primary key; both the
		// pre-image and post-image keys become pending.
		fmt.Sprintf("CREATE TRIGGER %s AFTER UPDATE ON %s BEGIN %s %s END",
			b.Quote(names[1]), b.TableIdent(ds.Name), push("OLD"), push("NEW")),
		fmt.Sprintf("CREATE TRIGGER %s AFTER DELETE ON %s BEGIN %s END",
			b.Quote(names[2]), b.TableIdent(ds.Name), push("OLD")),
	}
	for _, stmt := range stmts {
		if _, err := sess.Exec(stmt); err != nil {
			return fmt.Errorf("create triggers for %q: %w", ds.Name, err)
		}
	}
	return nil
}

// DropTriggers implements workingcopy.Backend.
func (b *Backend) DropTriggers(sess *workingcopy.Session, ds *schema.Dataset) error {
	for _, name := range triggerNames(ds.Name) {
		if _, err := sess.Exec("DROP TRIGGER IF EXISTS " + b.Quote(name)); err != nil {
			return fmt.Errorf("drop triggers for %q: %w", ds.Name, err)
		}
	}
	return nil
}

// SuspendTriggers implements workingcopy.Backend. SQLite cannot disable
// a trigger, so suspension drops the three triggers and resume recreates
// them within the same session.
func (b *Backend) SuspendTriggers(sess *workingcopy.Session, ds *schema.Dataset) (func() error, error) {
	if err := b.DropTriggers(sess, ds); err != nil {
		return nil, err
	}
	return func() error {
		return b.CreateTriggers(sess, ds)
	}, nil
}
