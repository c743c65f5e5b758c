package workingcopy

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
)

// SQLBase carries the engine behavior shared by every database/sql
// backend: transactional sessions and the state/tracking control-table
// operations, expressed through the owning backend's Dialect. Backends
// embed a *SQLBase and point D at themselves.
type SQLBase struct {
	DB *sql.DB
	D  Dialect
}

// WithSession implements Backend.WithSession: one transaction per unit
// of work, committed on success, rolled back on error, always released.
func (b *SQLBase) WithSession(ctx context.Context, fn func(*Session) error) error {
	tx, err := b.DB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("%w: begin: %v", ErrConnection, err)
	}
	defer tx.Rollback()

	if err := fn(&Session{ctx: ctx, tx: tx}); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("%w: commit: %v", ErrConnection, err)
	}
	return nil
}

// GetTree returns the tree a dataset's live table was last synchronised
// to; ok is false if the dataset has no state row.
func (b *SQLBase) GetTree(sess *Session, dataset string) (string, bool, error) {
	q := fmt.Sprintf(
		`SELECT %s FROM %s WHERE %s = %s AND %s = %s`,
		b.D.Quote("value"), b.D.TableIdent(StateTableName),
		b.D.Quote("table_name"), b.D.Placeholder(1),
		b.D.Quote("key"), b.D.Placeholder(2),
	)
	var tree string
	err := sess.QueryRow(q, dataset, "tree").Scan(&tree)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("read state for %q: %w", dataset, err)
	}
	return tree, true, nil
}

// SetTree records a dataset's last-synchronised tree with a single-row
// upsert keyed on (table_name, "tree").
func (b *SQLBase) SetTree(sess *Session, dataset, tree string) error {
	q := b.D.UpsertSQL(StateTableName, []string{"table_name", "key", "value"}, []string{"table_name", "key"})
	if _, err := sess.Exec(q, dataset, "tree", tree); err != nil {
		return fmt.Errorf("set state tree for %q: %w", dataset, err)
	}
	return nil
}

// AllTrees returns the last-synchronised tree per dataset.
func (b *SQLBase) AllTrees(sess *Session) (map[string]string, error) {
	q := fmt.Sprintf(
		`SELECT %s, %s FROM %s WHERE %s = %s`,
		b.D.Quote("table_name"), b.D.Quote("value"), b.D.TableIdent(StateTableName),
		b.D.Quote("key"), b.D.Placeholder(1),
	)
	rows, err := sess.Query(q, "tree")
	if err != nil {
		return nil, fmt.Errorf("read state table: %w", err)
	}
	defer rows.Close()

	trees := map[string]string{}
	for rows.Next() {
		var dataset, tree string
		if err := rows.Scan(&dataset, &tree); err != nil {
			return nil, fmt.Errorf("scan state row: %w", err)
		}
		trees[dataset] = tree
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate state rows: %w", err)
	}
	return trees, nil
}

// DeleteState removes all state rows for a dataset.
func (b *SQLBase) DeleteState(sess *Session, dataset string) error {
	q := fmt.Sprintf(
		`DELETE FROM %s WHERE %s = %s`,
		b.D.TableIdent(StateTableName), b.D.Quote("table_name"), b.D.Placeholder(1),
	)
	if _, err := sess.Exec(q, dataset); err != nil {
		return fmt.Errorf("delete state for %q: %w", dataset, err)
	}
	return nil
}

// TrackedTables lists the tables with at least one pending change.
func (b *SQLBase) TrackedTables(sess *Session) ([]string, error) {
	q := fmt.Sprintf(
		`SELECT DISTINCT %s FROM %s ORDER BY %s`,
		b.D.Quote("table_name"), b.D.TableIdent(TrackingTableName), b.D.Quote("table_name"),
	)
	rows, err := sess.Query(q)
	if err != nil {
		return nil, fmt.Errorf("read tracking table: %w", err)
	}
	defer rows.Close()

	var tables []string
	for rows.Next() {
		var t string
		if err := rows.Scan(&t); err != nil {
			return nil, fmt.Errorf("scan tracking row: %w", err)
		}
		tables = append(tables, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate tracking rows: %w", err)
	}
	return tables, nil
}

// TrackedKeys lists the pending primary keys of one table.
func (b *SQLBase) TrackedKeys(sess *Session, table string) ([]string, error) {
	q := fmt.Sprintf(
		`SELECT %s FROM %s WHERE %s = %s ORDER BY %s`,
		b.D.Quote("pk"), b.D.TableIdent(TrackingTableName),
		b.D.Quote("table_name"), b.D.Placeholder(1), b.D.Quote("pk"),
	)
	rows, err := sess.Query(q, table)
	if err != nil {
		return nil, fmt.Errorf("read tracking for %q: %w", table, err)
	}
	defer rows.Close()

	var pks []string
	for rows.Next() {
		var pk string
		if err := rows.Scan(&pk); err != nil {
			return nil, fmt.Errorf("scan tracking row: %w", err)
		}
		pks = append(pks, pk)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate tracking rows: %w", err)
	}
	return pks, nil
}

// ClearTracking deletes exactly the given table's tracking rows for pks;
// a nil pks clears every row for the table. Scoping here is what keeps
// partial commits honest: never more (edits silently dropped), never
// fewer (edits re-committed).
func (b *SQLBase) ClearTracking(sess *Session, table string, pks []string) error {
	if pks == nil {
		q := fmt.Sprintf(
			`DELETE FROM %s WHERE %s = %s`,
			b.D.TableIdent(TrackingTableName), b.D.Quote("table_name"), b.D.Placeholder(1),
		)
		if _, err := sess.Exec(q, table); err != nil {
			return fmt.Errorf("clear tracking for %q: %w", table, err)
		}
		return nil
	}

	// Delete in bounded batches to stay under backend parameter limits.
	const batch = 200
	for len(pks) > 0 {
		n := len(pks)
		if n > batch {
			n = batch
		}
		chunk := pks[:n]
		pks = pks[n:]

		holders := make([]string, n)
		args := make([]any, 0, n+1)
		args = append(args, table)
		for i, pk := range chunk {
			holders[i] = b.D.Placeholder(i + 2)
			args = append(args, pk)
		}
		q := fmt.Sprintf(
			`DELETE FROM %s WHERE %s = %s AND %s IN (%s)`,
			b.D.TableIdent(TrackingTableName),
			b.D.Quote("table_name"), b.D.Placeholder(1),
			b.D.Quote("pk"), strings.Join(holders, ", "),
		)
		if _, err := sess.Exec(q, args...); err != nil {
			return fmt.Errorf("clear tracking for %q: %w", table, err)
		}
	}
	return nil
}

// QuoteAll quotes each identifier with the dialect.
func QuoteAll(d Dialect, idents []string) []string {
	out := make([]string, len(idents))
	for i, id := range idents {
		out[i] = d.Quote(id)
	}
	return out
}

// Placeholders returns dialect placeholders from start to start+n-1.
func Placeholders(d Dialect, start, n int) []string {
	out := make([]string, n)
	for i := range out {
		out[i] = d.Placeholder(start + i)
	}
	return out
}
