package postgres

import (
	"fmt"

	"github.com/hamishcampbell/kart/internal/schema"
	"github.com/hamishcampbell/kart/internal/workingcopy"
)

const (
	trackFunctionName = "_kart_track_trigger"
	triggerName       = "_kart_track"
)

// trackFunctionSQL is the shared PL/pgSQL trigger function: one function
// for all datasets, with the primary-key column name passed as a trigger
// argument and resolved via to_jsonb, which also renders the key in its
// canonical text form.
func (b *Backend) trackFunctionSQL() string {
	return fmt.Sprintf(`
CREATE OR REPLACE FUNCTION %s.%s() RETURNS TRIGGER AS $$
BEGIN
	IF (TG_OP = 'INSERT' OR TG_OP = 'UPDATE') THEN
		INSERT INTO %s ("table_name", "pk")
		VALUES (TG_TABLE_NAME::TEXT, to_jsonb(NEW) ->> TG_ARGV[0])
		ON CONFLICT DO NOTHING;
	END IF;
	IF (TG_OP = 'UPDATE' OR TG_OP = 'DELETE') THEN
		INSERT INTO %s ("table_name", "pk")
		VALUES (TG_TABLE_NAME::TEXT, to_jsonb(OLD) ->> TG_ARGV[0])
		ON CONFLICT DO NOTHING;
	END IF;
	RETURN NULL;
END;
$$ LANGUAGE plpgsql`,
		b.Quote(b.dbschema), b.Quote(trackFunctionName),
		b.TableIdent(workingcopy.TrackingTableName),
		b.TableIdent(workingcopy.TrackingTableName))
}

// CreateTriggers implements workingcopy.Backend: one row-level trigger
// per dataset, delegating to the shared tracking function.
func (b *Backend) CreateTriggers(sess *workingcopy.Session, ds *schema.Dataset) error {
	pk, err := ds.PrimaryKey()
	if err != nil {
		return fmt.Errorf("%w: %v", workingcopy.ErrBackendIncompatible, err)
	}
	q := fmt.Sprintf(
		`CREATE TRIGGER %s AFTER INSERT OR UPDATE OR DELETE ON %s
		 FOR EACH ROW EXECUTE FUNCTION %s.%s(%s)`,
		b.Quote(triggerName), b.TableIdent(ds.Name),
		b.Quote(b.dbschema), b.Quote(trackFunctionName), quoteLiteral(pk))
	if _, err := sess.Exec(q); err != nil {
		return fmt.Errorf("create triggers for %q: %w", ds.Name, err)
	}
	return nil
}

// DropTriggers implements workingcopy.Backend.
func (b *Backend) DropTriggers(sess *workingcopy.Session, ds *schema.Dataset) error {
	q := fmt.Sprintf(`DROP TRIGGER IF EXISTS %s ON %s`,
		b.Quote(triggerName), b.TableIdent(ds.Name))
	if _, err := sess.Exec(q); err != nil {
		return fmt.Errorf("drop triggers for %q: %w", ds.Name, err)
	}
	return nil
}

// SuspendTriggers implements workingcopy.Backend using ALTER TABLE
// DISABLE TRIGGER, which keeps the trigger definition in place.
func (b *Backend) SuspendTriggers(sess *workingcopy.Session, ds *schema.Dataset) (func() error, error) {
	q := fmt.Sprintf(`ALTER TABLE %s DISABLE TRIGGER %s`,
		b.TableIdent(ds.Name), b.Quote(triggerName))
	if _, err := sess.Exec(q); err != nil {
		return nil, fmt.Errorf("suspend triggers for %q: %w", ds.Name, err)
	}
	return func() error {
		q := fmt.Sprintf(`ALTER TABLE %s ENABLE TRIGGER %s`,
			b.TableIdent(ds.Name), b.Quote(triggerName))
		if _, err := sess.Exec(q); err != nil {
			return fmt.Errorf("resume triggers for %q: %w", ds.Name, err)
		}
		return nil
	}, nil
}
