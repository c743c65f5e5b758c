package sqlite

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/encoding/wkb"

	"github.com/hamishcampbell/kart/internal/schema"
	"github.com/hamishcampbell/kart/internal/vstore"
	"github.com/hamishcampbell/kart/internal/workingcopy"
)

func newTestBackend(t *testing.T) *Backend {
	t.Helper()
	path := filepath.Join(t.TempDir(), "wc.db")
	wb, err := New("sqlite://" + path)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	b := wb.(*Backend)
	t.Cleanup(func() { b.Close() })
	if err := b.CreateAndInitialise(context.Background()); err != nil {
		t.Fatalf("CreateAndInitialise: %v", err)
	}
	return b
}

func pointsDataset() *schema.Dataset {
	return &schema.Dataset{
		Name: "points",
		Schema: schema.NewSchema(
			schema.Column{ID: "c1", Name: "fid", DataType: schema.Integer, Size: 64, PKIndex: schema.PKIndexPtr(0)},
			schema.Column{ID: "c2", Name: "geom", DataType: schema.Geometry, GeometryType: "POINT", GeometryCRS: "EPSG:4326"},
			schema.Column{ID: "c3", Name: "name", DataType: schema.Text, Length: 100},
			schema.Column{ID: "c4", Name: "when", DataType: schema.Timestamp},
		),
	}
}

func withSession(t *testing.T, b *Backend, fn func(sess *workingcopy.Session)) {
	t.Helper()
	err := b.WithSession(context.Background(), func(sess *workingcopy.Session) error {
		fn(sess)
		return nil
	})
	if err != nil {
		t.Fatalf("session: %v", err)
	}
}

func mustWKB(t *testing.T, g orb.Geometry) []byte {
	t.Helper()
	blob, err := wkb.Marshal(g)
	if err != nil {
		t.Fatalf("marshal geometry: %v", err)
	}
	return blob
}

func TestLifecyclePredicates(t *testing.T) {
	ctx := context.Background()
	b := newTestBackend(t)

	for name, fn := range map[string]func(context.Context) (bool, error){
		"IsCreated":     b.IsCreated,
		"IsInitialised": b.IsInitialised,
	} {
		ok, err := fn(ctx)
		if err != nil {
			t.Fatalf("%s: %v", name, err)
		}
		if !ok {
			t.Errorf("%s = false after initialise", name)
		}
	}

	hasData, err := b.HasData(ctx)
	if err != nil {
		t.Fatalf("HasData: %v", err)
	}
	if hasData {
		t.Error("HasData = true with only control tables")
	}

	ds := pointsDataset()
	withSession(t, b, func(sess *workingcopy.Session) {
		if err := b.CreateTable(sess, ds); err != nil {
			t.Fatalf("CreateTable: %v", err)
		}
	})

	hasData, err = b.HasData(ctx)
	if err != nil {
		t.Fatalf("HasData: %v", err)
	}
	if !hasData {
		t.Error("HasData = false after creating a dataset table")
	}
}

func TestSchemaRoundTrip(t *testing.T) {
	b := newTestBackend(t)
	ds := pointsDataset()

	withSession(t, b, func(sess *workingcopy.Session) {
		if err := b.CreateTable(sess, ds); err != nil {
			t.Fatalf("CreateTable: %v", err)
		}

		live, err := b.TableSchema(sess, "points", "salt")
		if err != nil {
			t.Fatalf("TableSchema: %v", err)
		}
		aligned := workingcopy.AlignSchema(b, ds.Schema, live)
		if !aligned.Equal(ds.Schema) {
			want, _ := ds.Schema.MarshalText()
			got, _ := aligned.MarshalText()
			t.Errorf("schema did not survive round trip\nwant %s\ngot  %s", want, got)
		}
	})
}

func TestSchemaRoundTripApproximatedTypes(t *testing.T) {
	b := newTestBackend(t)
	ds := &schema.Dataset{
		Name: "odd_types",
		Schema: schema.NewSchema(
			schema.Column{ID: "c1", Name: "id", DataType: schema.Integer, Size: 64, PKIndex: schema.PKIndexPtr(0)},
			schema.Column{ID: "c2", Name: "opens_at", DataType: schema.Time},
			schema.Column{ID: "c3", Name: "duration", DataType: schema.Interval},
			schema.Column{ID: "c4", Name: "price", DataType: schema.Numeric, Precision: 10, Scale: 2},
		),
	}

	withSession(t, b, func(sess *workingcopy.Session) {
		if err := b.CreateTable(sess, ds); err != nil {
			t.Fatalf("CreateTable: %v", err)
		}
		live, err := b.TableSchema(sess, "odd_types", "salt")
		if err != nil {
			t.Fatalf("TableSchema: %v", err)
		}

		// Without alignment the approximated columns read back as text.
		if got := live.ColumnByName("opens_at").DataType; got != schema.Text {
			t.Errorf("unaligned opens_at type = %q, want text", got)
		}

		aligned := workingcopy.AlignSchema(b, ds.Schema, live)
		if !aligned.Equal(ds.Schema) {
			want, _ := ds.Schema.MarshalText()
			got, _ := aligned.MarshalText()
			t.Errorf("alignment failed to recover approximated types\nwant %s\ngot  %s", want, got)
		}
	})
}

func TestTableSchemaMissingTable(t *testing.T) {
	b := newTestBackend(t)
	withSession(t, b, func(sess *workingcopy.Session) {
		if _, err := b.TableSchema(sess, "nope", "salt"); err == nil {
			t.Fatal("TableSchema on missing table should fail")
		}
	})
}

func TestUpsertSQL(t *testing.T) {
	b := newTestBackend(t)

	got := b.UpsertSQL("points", []string{"fid", "name"}, []string{"fid"})
	want := `INSERT INTO "points" ("fid", "name") VALUES (?, ?)` +
		` ON CONFLICT ("fid") DO UPDATE SET "name" = excluded."name"`
	if got != want {
		t.Errorf("UpsertSQL = %q, want %q", got, want)
	}

	got = b.UpsertSQL("t", []string{"a", "b"}, []string{"a", "b"})
	want = `INSERT INTO "t" ("a", "b") VALUES (?, ?) ON CONFLICT ("a", "b") DO NOTHING`
	if got != want {
		t.Errorf("all-key UpsertSQL = %q, want %q", got, want)
	}
}

func TestWriteFeaturesUpsert(t *testing.T) {
	b := newTestBackend(t)
	ds := pointsDataset()

	feature := func(name string) vstore.Feature {
		return vstore.Feature{PK: "1", Row: vstore.Row{
			"fid":  int64(1),
			"geom": []byte(nil),
			"name": name,
			"when": "2024-01-01T00:00:00Z",
		}}
	}

	withSession(t, b, func(sess *workingcopy.Session) {
		if err := b.CreateTable(sess, ds); err != nil {
			t.Fatalf("CreateTable: %v", err)
		}
		if err := b.WriteFeatures(sess, ds, []vstore.Feature{feature("first")}); err != nil {
			t.Fatalf("WriteFeatures: %v", err)
		}
		if err := b.WriteFeatures(sess, ds, []vstore.Feature{feature("second")}); err != nil {
			t.Fatalf("second WriteFeatures: %v", err)
		}

		pks, err := b.ReadPKs(sess, ds)
		if err != nil {
			t.Fatalf("ReadPKs: %v", err)
		}
		if len(pks) != 1 {
			t.Fatalf("got %d rows after double upsert, want 1", len(pks))
		}

		row, ok, err := b.ReadFeature(sess, ds, "1")
		if err != nil {
			t.Fatalf("ReadFeature: %v", err)
		}
		if !ok {
			t.Fatal("ReadFeature found nothing")
		}
		if row["name"] != "second" {
			t.Errorf("name = %v, want second", row["name"])
		}
	})
}

func TestDeleteFeatures(t *testing.T) {
	b := newTestBackend(t)
	ds := pointsDataset()

	withSession(t, b, func(sess *workingcopy.Session) {
		if err := b.CreateTable(sess, ds); err != nil {
			t.Fatalf("CreateTable: %v", err)
		}
		var features []vstore.Feature
		for i := int64(1); i <= 5; i++ {
			features = append(features, vstore.Feature{
				PK:  vstore.PKString(i),
				Row: vstore.Row{"fid": i, "geom": []byte(nil), "name": "n", "when": "2024-01-01T00:00:00Z"},
			})
		}
		if err := b.WriteFeatures(sess, ds, features); err != nil {
			t.Fatalf("WriteFeatures: %v", err)
		}
		if err := b.DeleteFeatures(sess, ds, []string{"2", "4"}); err != nil {
			t.Fatalf("DeleteFeatures: %v", err)
		}

		pks, err := b.ReadPKs(sess, ds)
		if err != nil {
			t.Fatalf("ReadPKs: %v", err)
		}
		if len(pks) != 3 {
			t.Fatalf("got %d rows, want 3", len(pks))
		}
		if _, ok, _ := b.ReadFeature(sess, ds, "2"); ok {
			t.Error("deleted feature 2 still readable")
		}
	})
}

func trackedKeys(t *testing.T, b *Backend, table string) []string {
	t.Helper()
	var keys []string
	withSession(t, b, func(sess *workingcopy.Session) {
		var err error
		keys, err = b.TrackedKeys(sess, table)
		if err != nil {
			t.Fatalf("TrackedKeys: %v", err)
		}
	})
	return keys
}

func TestTriggersTrackEdits(t *testing.T) {
	b := newTestBackend(t)
	ds := pointsDataset()

	withSession(t, b, func(sess *workingcopy.Session) {
		if err := b.CreateTable(sess, ds); err != nil {
			t.Fatalf("CreateTable: %v", err)
		}
		if err := b.CreateTriggers(sess, ds); err != nil {
			t.Fatalf("CreateTriggers: %v", err)
		}
		row := vstore.Feature{PK: "7", Row: vstore.Row{
			"fid": int64(7), "geom": []byte(nil), "name": "a", "when": "2024-01-01T00:00:00Z",
		}}
		if err := b.WriteFeatures(sess, ds, []vstore.Feature{row}); err != nil {
			t.Fatalf("WriteFeatures: %v", err)
		}
		// Edit the same row repeatedly; tracking must stay one row.
		for i := 0; i < 4; i++ {
			if _, err := sess.Exec(`UPDATE "points" SET "name" = ? WHERE "fid" = 7`, "v"); err != nil {
				t.Fatalf("update: %v", err)
			}
		}
	})

	keys := trackedKeys(t, b, "points")
	if len(keys) != 1 || keys[0] != "7" {
		t.Fatalf("tracked keys = %v, want [7]", keys)
	}
}

func TestTriggerTracksBothKeysOnPKChange(t *testing.T) {
	b := newTestBackend(t)
	ds := pointsDataset()

	withSession(t, b, func(sess *workingcopy.Session) {
		if err := b.CreateTable(sess, ds); err != nil {
			t.Fatalf("CreateTable: %v", err)
		}
		if _, err := sess.Exec(`INSERT INTO "points" ("fid", "geom", "name", "when") VALUES (1, NULL, 'a', '2024-01-01T00:00:00Z')`); err != nil {
			t.Fatalf("seed: %v", err)
		}
		if err := b.CreateTriggers(sess, ds); err != nil {
			t.Fatalf("CreateTriggers: %v", err)
		}
		if _, err := sess.Exec(`UPDATE "points" SET "fid" = 2 WHERE "fid" = 1`); err != nil {
			t.Fatalf("update: %v", err)
		}
	})

	keys := trackedKeys(t, b, "points")
	if len(keys) != 2 {
		t.Fatalf("tracked keys = %v, want the old and new key", keys)
	}
}

func TestSuspendTriggers(t *testing.T) {
	b := newTestBackend(t)
	ds := pointsDataset()

	withSession(t, b, func(sess *workingcopy.Session) {
		if err := b.CreateTable(sess, ds); err != nil {
			t.Fatalf("CreateTable: %v", err)
		}
		if err := b.CreateTriggers(sess, ds); err != nil {
			t.Fatalf("CreateTriggers: %v", err)
		}

		err := workingcopy.SuspendedTracking(sess, b, ds, func() error {
			_, err := sess.Exec(`INSERT INTO "points" ("fid", "geom", "name", "when") VALUES (3, NULL, 'quiet', '2024-01-01T00:00:00Z')`)
			return err
		})
		if err != nil {
			t.Fatalf("SuspendedTracking: %v", err)
		}

		keys, err := b.TrackedKeys(sess, "points")
		if err != nil {
			t.Fatalf("TrackedKeys: %v", err)
		}
		if len(keys) != 0 {
			t.Errorf("suspended write was tracked: %v", keys)
		}

		// Triggers must be live again after the bracket.
		if _, err := sess.Exec(`INSERT INTO "points" ("fid", "geom", "name", "when") VALUES (4, NULL, 'loud', '2024-01-01T00:00:00Z')`); err != nil {
			t.Fatalf("insert: %v", err)
		}
		keys, err = b.TrackedKeys(sess, "points")
		if err != nil {
			t.Fatalf("TrackedKeys: %v", err)
		}
		if len(keys) != 1 || keys[0] != "4" {
			t.Errorf("tracked keys after resume = %v, want [4]", keys)
		}
	})
}

func TestSuspendResumesOnError(t *testing.T) {
	b := newTestBackend(t)
	ds := pointsDataset()
	boom := errors.New("boom")

	withSession(t, b, func(sess *workingcopy.Session) {
		if err := b.CreateTable(sess, ds); err != nil {
			t.Fatalf("CreateTable: %v", err)
		}
		if err := b.CreateTriggers(sess, ds); err != nil {
			t.Fatalf("CreateTriggers: %v", err)
		}

		err := workingcopy.SuspendedTracking(sess, b, ds, func() error { return boom })
		if !errors.Is(err, boom) {
			t.Fatalf("SuspendedTracking error = %v, want boom", err)
		}

		if _, err := sess.Exec(`INSERT INTO "points" ("fid", "geom", "name", "when") VALUES (9, NULL, 'x', '2024-01-01T00:00:00Z')`); err != nil {
			t.Fatalf("insert: %v", err)
		}
		keys, err := b.TrackedKeys(sess, "points")
		if err != nil {
			t.Fatalf("TrackedKeys: %v", err)
		}
		if len(keys) != 1 {
			t.Errorf("triggers not restored after failed bracket; tracked = %v", keys)
		}
	})
}

func TestGeometryExtent(t *testing.T) {
	b := newTestBackend(t)
	ds := pointsDataset()

	withSession(t, b, func(sess *workingcopy.Session) {
		if err := b.CreateTable(sess, ds); err != nil {
			t.Fatalf("CreateTable: %v", err)
		}

		if _, ok, err := b.GeometryExtent(sess, ds); err != nil {
			t.Fatalf("GeometryExtent: %v", err)
		} else if ok {
			t.Fatal("empty table reported an extent")
		}

		features := []vstore.Feature{
			{PK: "1", Row: vstore.Row{"fid": int64(1), "geom": mustWKB(t, orb.Point{2, 3}), "name": "a", "when": "2024-01-01T00:00:00Z"}},
			{PK: "2", Row: vstore.Row{"fid": int64(2), "geom": mustWKB(t, orb.Point{-1, 10}), "name": "b", "when": "2024-01-01T00:00:00Z"}},
			{PK: "3", Row: vstore.Row{"fid": int64(3), "geom": nil, "name": "c", "when": "2024-01-01T00:00:00Z"}},
		}
		if err := b.WriteFeatures(sess, ds, features); err != nil {
			t.Fatalf("WriteFeatures: %v", err)
		}

		bound, ok, err := b.GeometryExtent(sess, ds)
		if err != nil {
			t.Fatalf("GeometryExtent: %v", err)
		}
		if !ok {
			t.Fatal("no extent reported")
		}
		want := orb.Bound{Min: orb.Point{-1, 3}, Max: orb.Point{2, 10}}
		if bound != want {
			t.Errorf("extent = %v, want %v", bound, want)
		}
	})
}

func TestCreateSpatialIndexPostLoad(t *testing.T) {
	b := newTestBackend(t)
	ds := pointsDataset()

	withSession(t, b, func(sess *workingcopy.Session) {
		if err := b.CreateTable(sess, ds); err != nil {
			t.Fatalf("CreateTable: %v", err)
		}

		// No data: nothing to index, and no index table appears.
		if err := b.CreateSpatialIndexPostLoad(sess, ds); err != nil {
			t.Fatalf("CreateSpatialIndexPostLoad (empty): %v", err)
		}
		if ok, _ := b.TableExists(sess, "points__kart_rtree"); ok {
			t.Fatal("index created for empty table")
		}

		features := []vstore.Feature{
			{PK: "1", Row: vstore.Row{"fid": int64(1), "geom": mustWKB(t, orb.Point{2, 3}), "name": "a", "when": "2024-01-01T00:00:00Z"}},
			{PK: "2", Row: vstore.Row{"fid": int64(2), "geom": mustWKB(t, orb.Point{-1, 10}), "name": "b", "when": "2024-01-01T00:00:00Z"}},
		}
		if err := b.WriteFeatures(sess, ds, features); err != nil {
			t.Fatalf("WriteFeatures: %v", err)
		}
		if err := b.CreateSpatialIndexPostLoad(sess, ds); err != nil {
			t.Fatalf("CreateSpatialIndexPostLoad: %v", err)
		}

		var count int
		if err := sess.QueryRow(`SELECT COUNT(*) FROM "points__kart_rtree"`).Scan(&count); err != nil {
			t.Fatalf("count index rows: %v", err)
		}
		if count != 2 {
			t.Errorf("index has %d entries, want 2", count)
		}

		// A rebuild starts from scratch: entries for rows deleted since
		// the last build must not linger.
		if err := b.DeleteFeatures(sess, ds, []string{"2"}); err != nil {
			t.Fatalf("DeleteFeatures: %v", err)
		}
		if err := b.CreateSpatialIndexPostLoad(sess, ds); err != nil {
			t.Fatalf("CreateSpatialIndexPostLoad (rebuild): %v", err)
		}
		if err := sess.QueryRow(`SELECT COUNT(*) FROM "points__kart_rtree"`).Scan(&count); err != nil {
			t.Fatalf("count index rows: %v", err)
		}
		if count != 1 {
			t.Errorf("rebuilt index has %d entries, want 1", count)
		}

		if err := b.DropTable(sess, ds); err != nil {
			t.Fatalf("DropTable: %v", err)
		}
		if ok, _ := b.TableExists(sess, "points__kart_rtree"); ok {
			t.Error("spatial index survived DropTable")
		}
	})
}

func TestDropAllKeepContainer(t *testing.T) {
	ctx := context.Background()
	b := newTestBackend(t)
	ds := pointsDataset()

	withSession(t, b, func(sess *workingcopy.Session) {
		if err := b.CreateTable(sess, ds); err != nil {
			t.Fatalf("CreateTable: %v", err)
		}
	})

	if err := b.DropAll(ctx, true); err != nil {
		t.Fatalf("DropAll: %v", err)
	}

	created, err := b.IsCreated(ctx)
	if err != nil {
		t.Fatalf("IsCreated: %v", err)
	}
	if !created {
		t.Error("container removed despite keepContainer")
	}
	initialised, err := b.IsInitialised(ctx)
	if err != nil {
		t.Fatalf("IsInitialised: %v", err)
	}
	if initialised {
		t.Error("control tables survived DropAll")
	}
}
