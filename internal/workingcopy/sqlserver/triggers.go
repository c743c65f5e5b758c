package sqlserver

import (
	"fmt"

	"github.com/hamishcampbell/kart/internal/schema"
	"github.com/hamishcampbell/kart/internal/workingcopy"
)

func triggerName(table string) string {
	return table + "__kart_track"
}

// CreateTriggers implements workingcopy.Backend: one AFTER trigger for
// all three write kinds. The union of the inserted and deleted
// pseudo-tables covers every affected key, including both halves of a
// key-changing update, and the MERGE makes repeat pushes no-ops.
func (b *Backend) CreateTriggers(sess *workingcopy.Session, ds *schema.Dataset) error {
	pk, err := ds.PrimaryKey()
	if err != nil {
		return fmt.Errorf("%w: %v", workingcopy.ErrBackendIncompatible, err)
	}

	q := fmt.Sprintf(`
CREATE TRIGGER %s.%s ON %s AFTER INSERT, UPDATE, DELETE AS
BEGIN
	SET NOCOUNT ON;
	MERGE %s AS TRACK
	USING (
		SELECT %s AS pk FROM inserted
		UNION
		SELECT %s AS pk FROM deleted
	) AS AFFECTED
	ON TRACK.[table_name] = %s AND TRACK.[pk] = CONVERT(NVARCHAR(400), AFFECTED.pk)
	WHEN NOT MATCHED THEN
		INSERT ([table_name], [pk]) VALUES (%s, CONVERT(NVARCHAR(400), AFFECTED.pk));
END`,
		b.Quote(b.dbschema), b.Quote(triggerName(ds.Name)), b.TableIdent(ds.Name),
		b.TableIdent(workingcopy.TrackingTableName),
		b.Quote(pk), b.Quote(pk),
		quoteLiteral(ds.Name), quoteLiteral(ds.Name))
	if _, err := sess.Exec(q); err != nil {
		return fmt.Errorf("create triggers for %q: %w", ds.Name, err)
	}
	return nil
}

// DropTriggers implements workingcopy.Backend.
func (b *Backend) DropTriggers(sess *workingcopy.Session, ds *schema.Dataset) error {
	q := fmt.Sprintf(`IF OBJECT_ID(%s, 'TR') IS NOT NULL DROP TRIGGER %s.%s`,
		quoteLiteral(b.dbschema+"."+triggerName(ds.Name)),
		b.Quote(b.dbschema), b.Quote(triggerName(ds.Name)))
	if _, err := sess.Exec(q); err != nil {
		return fmt.Errorf("drop triggers for %q: %w", ds.Name, err)
	}
	return nil
}

// SuspendTriggers implements workingcopy.Backend via DISABLE TRIGGER,
// which keeps the trigger definition in place.
func (b *Backend) SuspendTriggers(sess *workingcopy.Session, ds *schema.Dataset) (func() error, error) {
	q := fmt.Sprintf(`DISABLE TRIGGER %s.%s ON %s`,
		b.Quote(b.dbschema), b.Quote(triggerName(ds.Name)), b.TableIdent(ds.Name))
	if _, err := sess.Exec(q); err != nil {
		return nil, fmt.Errorf("suspend triggers for %q: %w", ds.Name, err)
	}
	return func() error {
		q := fmt.Sprintf(`ENABLE TRIGGER %s.%s ON %s`,
			b.Quote(b.dbschema), b.Quote(triggerName(ds.Name)), b.TableIdent(ds.Name))
		if _, err := sess.Exec(q); err != nil {
			return fmt.Errorf("resume triggers for %q: %w", ds.Name, err)
		}
		return nil
	}, nil
}
