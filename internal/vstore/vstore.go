// Package vstore defines the version-store collaborator boundary.
//
// The working-copy engine never mutates committed history directly: it
// reads historical trees through the Store interface and hands deltas to
// WriteDelta, which either lands atomically or fails. Two implementations
// are provided: Memory (tests) and FileStore (JSON objects on disk, used
// by the CLI). Both model independent linear branches; history traversal,
// merging, and the store's own object encoding are out of scope.
package vstore

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strconv"

	"github.com/hamishcampbell/kart/internal/schema"
)

// ErrConflict is returned by WriteDelta when the caller's base tree is no
// longer the branch tip: someone else committed since the working copy
// last synchronised. The caller must reset/rebase before retrying.
var ErrConflict = errors.New("version store has moved since last sync")

// ErrNoTree is returned when a requested tree does not exist.
var ErrNoTree = errors.New("no such tree")

// Row is a single feature's values keyed by column name. Geometry values
// are WKB []byte; date/time/timestamp values are ISO-8601 text.
type Row map[string]any

// Feature pairs a canonical primary-key string with its row.
type Feature struct {
	PK  string
	Row Row
}

// MetaDelta records one meta item changing for one dataset. Old and New
// are the item's textual content; "" means absent.
type MetaDelta struct {
	Dataset string
	Item    string
	Old     string
	New     string
}

// FeatureDelta records one feature changing for one dataset. A nil Old is
// an insert, a nil New is a delete, both non-nil is an update.
type FeatureDelta struct {
	Dataset string
	PK      string
	Old     Row
	New     Row
}

// Delta is the unit handed to WriteDelta: every meta and feature change of
// one commit.
type Delta struct {
	Meta     []MetaDelta
	Features []FeatureDelta
}

// Empty reports whether the delta carries no changes.
func (d *Delta) Empty() bool {
	return d == nil || (len(d.Meta) == 0 && len(d.Features) == 0)
}

// Store is the version-store collaborator interface consumed by the
// working-copy engine.
type Store interface {
	// Datasets lists the dataset names present in a tree.
	Datasets(ctx context.Context, tree string) ([]string, error)

	// TreeSchema returns a dataset's portable schema at a tree.
	TreeSchema(ctx context.Context, tree, dataset string) (*schema.Schema, error)

	// MetaItems returns all of a dataset's meta items at a tree, keyed by
	// item name ("schema.json", "title", "crs/EPSG:4326.wkt", ...).
	MetaItems(ctx context.Context, tree, dataset string) (map[string]string, error)

	// TreeFeatures iterates a dataset's features at a tree in unspecified
	// order, stopping early if fn returns an error.
	TreeFeatures(ctx context.Context, tree, dataset string, fn func(pk string, row Row) error) error

	// TreeFeature looks up a single feature by canonical primary-key
	// string. The bool result is false if the feature is absent.
	TreeFeature(ctx context.Context, tree, dataset, pk string) (Row, bool, error)

	// WriteDelta builds a new tree from base plus the delta, advances the
	// branch's tip, and returns the new tree ID. It fails with
	// ErrConflict if base is not the branch's current tip. An empty
	// delta returns base unchanged. "" means the default branch.
	WriteDelta(ctx context.Context, branch, base string, delta *Delta, message string) (string, error)

	// CurrentTree returns the branch tip.
	CurrentTree(ctx context.Context, branch string) (string, error)
}

// PKString renders a primary-key value in canonical string form: the form
// used in tracking tables, scope arguments, and feature lookups. Integral
// floats render without a fractional part so values survive a JSON
// round-trip unchanged.
func PKString(v any) string {
	switch x := v.(type) {
	case nil:
		return ""
	case string:
		return x
	case int64:
		return strconv.FormatInt(x, 10)
	case int:
		return strconv.Itoa(x)
	case float64:
		if x == math.Trunc(x) && !math.IsInf(x, 0) {
			return strconv.FormatInt(int64(x), 10)
		}
		return strconv.FormatFloat(x, 'g', -1, 64)
	case []byte:
		return string(x)
	case bool:
		if x {
			return "true"
		}
		return "false"
	default:
		return fmt.Sprintf("%v", x)
	}
}
