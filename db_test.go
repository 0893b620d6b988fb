package kvtable

import (
	"bytes"
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"reflect"
	"strings"
	"testing"
	"time"

	"github.com/andreyvit/kvtable/keygen"
	"github.com/google/go-cmp/cmp"
)

type Widget struct {
	ID          ID        `msgpack:"id,omitempty"`
	DateCreated time.Time `msgpack:"date_created,omitempty"`
	Name        string    `msgpack:"name"`
	Color       string    `msgpack:"color,omitempty"`
	Size        int       `msgpack:"size"`
}

var (
	basicSchema  = NewSchema(SchemaOpts{})
	usersTable   = AddTable(basicSchema, "users")
	emptyTable   = AddTable(basicSchema, "empty")
	widgetsTable = DefineTable[Widget](basicSchema, "widgets")
)

var testBackends = []string{BackendBolt, BackendPebble, BackendMemory}

var testNow = time.Date(2024, 5, 1, 12, 30, 0, 0, time.UTC)

func testOptions() Options {
	return Options{
		IsTesting: true,
		Now:       func() time.Time { return testNow },
	}
}

// verboseOptions captures debug logs of every mutation in buf.
func verboseOptions(buf *bytes.Buffer) Options {
	opt := testOptions()
	opt.Verbose = true
	opt.Logger = slog.New(slog.NewTextHandler(buf, &slog.HandlerOptions{Level: slog.LevelDebug}))
	return opt
}

// setup opens a Bolt-backed database in a temporary directory.
func setup(t testing.TB, schema *Schema) *DB {
	t.Helper()
	return setupWith(t, BackendBolt, schema, testOptions())
}

func setupWith(t testing.TB, backend string, schema *Schema, opt Options) *DB {
	t.Helper()
	var path string
	switch backend {
	case BackendBolt:
		path = filepath.Join(t.TempDir(), "test.db")
	case BackendPebble:
		path = filepath.Join(t.TempDir(), "pebble")
	}
	return reopen(t, backend, path, schema, opt)
}

func reopen(t testing.TB, backend, path string, schema *Schema, opt Options) *DB {
	t.Helper()
	db := must(OpenConfig(Config{Backend: backend, Path: path}, schema, opt))
	t.Cleanup(func() {
		db.Close()
	})
	return db
}

// forEachBackend runs f against a fresh database of every backend.
func forEachBackend(t *testing.T, opt Options, f func(t *testing.T, db *DB)) {
	for _, backend := range testBackends {
		t.Run(backend, func(t *testing.T) {
			f(t, setupWith(t, backend, basicSchema, opt))
		})
	}
}

func ok(t testing.TB, err error) {
	if err != nil {
		t.Helper()
		t.Fatalf("** unexpected error: %v", err)
	}
}

func failsWith(t testing.TB, err, target error) {
	if !errors.Is(err, target) {
		t.Helper()
		t.Errorf("** got error %v, wanted %v", err, target)
	}
}

func deepEqual[T any](t testing.TB, a, e T) {
	if !reflect.DeepEqual(a, e) {
		t.Helper()
		t.Errorf("** got %v, wanted %v", a, e)
	}
}

func sameRecord(t testing.TB, a, e *Record) {
	if diff := cmp.Diff(e, a); diff != "" {
		t.Helper()
		t.Errorf("** record mismatch (-want +got):\n%s", diff)
	}
}

func isempty[T any, S ~[]T](t testing.TB, a S) {
	if len(a) > 0 {
		t.Helper()
		t.Errorf("** got %v, wanted empty slice", a)
	}
}

func isnil[T any, P ~*T](t testing.TB, a P) {
	if a != nil {
		t.Helper()
		t.Errorf("** got &%v, wanted nil", *a)
	}
}

func isnonnil[T any](t testing.TB, a *T) {
	if a == nil {
		t.Helper()
		t.Fatalf("** got nil %T, wanted non-nil", a)
	}
}

func x(data string) []byte {
	data = strings.ReplaceAll(data, " ", "")
	return must(hex.DecodeString(data))
}

func ids(recs []*Record) []ID {
	var out []ID
	for _, r := range recs {
		out = append(out, r.ID)
	}
	return out
}

func lookupIDs(t testing.TB, db *DB, tbl *Table, field string, value any) []ID {
	t.Helper()
	return must(db.LookupIDs(context.Background(), tbl, field, value))
}

func indexRows(t testing.TB, db *DB, tbl *Table) int {
	t.Helper()
	return must(db.TableStats(context.Background(), tbl)).IndexRows
}

func TestCreateGet(t *testing.T) {
	ctx := context.Background()
	forEachBackend(t, testOptions(), func(t *testing.T, db *DB) {
		rec, err := db.Create(ctx, usersTable, Fields{"name": "a", "email": "a@a", "age": 1})
		ok(t, err)
		isnonnil(t, rec)
		if rec.ID == "" {
			t.Fatalf("** empty ID")
		}
		if !rec.DateCreated.Equal(testNow) {
			t.Errorf("** DateCreated = %v, wanted %v", rec.DateCreated, testNow)
		}
		deepEqual(t, rec.ModCount, uint64(0))
		deepEqual(t, rec.Fields, Fields{"name": "a", "email": "a@a", "age": int64(1)})

		got, err := db.Get(ctx, usersTable, rec.ID)
		ok(t, err)
		sameRecord(t, got, rec)

		exists, err := db.Exists(ctx, usersTable, rec.ID)
		ok(t, err)
		deepEqual(t, exists, true)

		missing, err := db.Get(ctx, usersTable, "01ZZZZZZZZZZZZZZZZZZZZZZZZ")
		ok(t, err)
		isnil(t, missing)

		missing, err = db.Get(ctx, usersTable, "")
		ok(t, err)
		isnil(t, missing)

		exists, err = db.Exists(ctx, usersTable, "")
		ok(t, err)
		deepEqual(t, exists, false)
	})
}

func TestCreateIgnoresReservedFields(t *testing.T) {
	ctx := context.Background()
	db := setup(t, basicSchema)

	rec, err := db.Create(ctx, usersTable, Fields{"id": "forged", "date_created": 5, "name": "a"})
	ok(t, err)
	deepEqual(t, rec.Fields, Fields{"name": "a"})
	if rec.ID == "forged" {
		t.Errorf("** caller-supplied ID was used")
	}

	v, found := rec.Value(FieldID)
	deepEqual(t, found, true)
	deepEqual(t, v, any(rec.ID))

	_, err = db.Create(ctx, usersTable, Fields{"": 1})
	if err == nil {
		t.Errorf("** empty field name accepted")
	}
}

func TestCreateKeepsCallerMapPrivate(t *testing.T) {
	ctx := context.Background()
	db := setup(t, basicSchema)

	fields := Fields{"name": "a", "tags": []any{"x"}}
	rec, err := db.Create(ctx, usersTable, fields)
	ok(t, err)
	fields["name"] = "changed"
	rec.Fields["name"] = "changed too"

	got := must(db.Get(ctx, usersTable, rec.ID))
	deepEqual(t, got.Fields["name"], any("a"))
}

func TestCreateRetriesIDClash(t *testing.T) {
	ctx := context.Background()
	seq := []ID{"01AAAAAAAAAAAAAAAAAAAAAAAA", "01AAAAAAAAAAAAAAAAAAAAAAAA", "01BBBBBBBBBBBBBBBBBBBBBBBB"}
	opt := testOptions()
	opt.KeyGenerator = keygen.GeneratorFunc(func() ID {
		id := seq[0]
		seq = seq[1:]
		return id
	})
	db := setupWith(t, BackendMemory, basicSchema, opt)

	r1 := must(db.Create(ctx, usersTable, Fields{"n": 1}))
	r2 := must(db.Create(ctx, usersTable, Fields{"n": 2}))
	deepEqual(t, r1.ID, ID("01AAAAAAAAAAAAAAAAAAAAAAAA"))
	deepEqual(t, r2.ID, ID("01BBBBBBBBBBBBBBBBBBBBBBBB"))
	deepEqual(t, must(db.Count(ctx, usersTable)), 2)
	deepEqual(t, must(db.Get(ctx, usersTable, r1.ID)).Fields, Fields{"n": int64(1)})
}

func TestUpdate(t *testing.T) {
	ctx := context.Background()
	forEachBackend(t, testOptions(), func(t *testing.T, db *DB) {
		r1 := must(db.Create(ctx, usersTable, Fields{"name": "a", "email": "a@a"}))

		r2, err := db.Update(ctx, usersTable, r1.ID, Fields{"email": "b@b", "name": nil, "age": 5})
		ok(t, err)
		deepEqual(t, r2.ID, r1.ID)
		if !r2.DateCreated.Equal(r1.DateCreated) {
			t.Errorf("** DateCreated changed from %v to %v", r1.DateCreated, r2.DateCreated)
		}
		deepEqual(t, r2.ModCount, uint64(1))
		if r2.Version == r1.Version {
			t.Errorf("** version did not change")
		}
		deepEqual(t, r2.Fields, Fields{"email": "b@b", "age": int64(5)})
		sameRecord(t, must(db.Get(ctx, usersTable, r1.ID)), r2)

		// Writing the same values again is not a modification.
		r3, err := db.Update(ctx, usersTable, r1.ID, Fields{"email": "b@b"})
		ok(t, err)
		deepEqual(t, r3.ModCount, uint64(1))
		deepEqual(t, r3.Version, r2.Version)

		_, err = db.Update(ctx, usersTable, "01ZZZZZZZZZZZZZZZZZZZZZZZZ", Fields{"a": 1})
		failsWith(t, err, ErrNotFound)
		_, err = db.Update(ctx, usersTable, "", Fields{"a": 1})
		failsWith(t, err, ErrNotFound)
	})
}

func TestModifyRetriesOnConflict(t *testing.T) {
	ctx := context.Background()
	forEachBackend(t, testOptions(), func(t *testing.T, db *DB) {
		rec := must(db.Create(ctx, usersTable, Fields{"counter": 0}))

		var calls int
		got, err := db.Modify(ctx, usersTable, rec.ID, func(r *Record) error {
			calls++
			if calls == 1 {
				// A concurrent writer sneaks in between our read and our write.
				if _, err := db.Update(ctx, usersTable, rec.ID, Fields{"other": "x"}); err != nil {
					return err
				}
			}
			r.Fields["counter"] = r.Fields["counter"].(int64) + 1
			return nil
		})
		ok(t, err)
		deepEqual(t, calls, 2)
		deepEqual(t, got.Fields, Fields{"counter": int64(1), "other": "x"})
		deepEqual(t, got.ModCount, uint64(2))
		deepEqual(t, must(db.Get(ctx, usersTable, rec.ID)).Fields, got.Fields)
	})
}

func TestModifyGivesUp(t *testing.T) {
	ctx := context.Background()
	opt := testOptions()
	opt.MaxRetries = 3
	db := setupWith(t, BackendMemory, basicSchema, opt)
	rec := must(db.Create(ctx, usersTable, Fields{"v": 0}))

	var calls int
	_, err := db.Modify(ctx, usersTable, rec.ID, func(r *Record) error {
		calls++
		if _, err := db.Update(ctx, usersTable, rec.ID, Fields{"v": calls}); err != nil {
			return err
		}
		r.Fields["mine"] = true
		return nil
	})
	failsWith(t, err, ErrConflict)
	deepEqual(t, calls, 3)

	var te *TableError
	if !errors.As(err, &te) || te.Table != usersTable {
		t.Errorf("** got %v, wanted a TableError for users", err)
	}
	_, found := must(db.Get(ctx, usersTable, rec.ID)).Fields["mine"]
	deepEqual(t, found, false)
}

func TestModifyPropagatesCallbackError(t *testing.T) {
	ctx := context.Background()
	db := setup(t, basicSchema)
	rec := must(db.Create(ctx, usersTable, Fields{"v": 0}))

	boom := errors.New("boom")
	_, err := db.Modify(ctx, usersTable, rec.ID, func(r *Record) error {
		r.Fields["v"] = 1
		return boom
	})
	failsWith(t, err, boom)
	deepEqual(t, must(db.Get(ctx, usersTable, rec.ID)).ModCount, uint64(0))
}

func TestDelete(t *testing.T) {
	ctx := context.Background()
	forEachBackend(t, testOptions(), func(t *testing.T, db *DB) {
		ok(t, db.DeclareIndex(ctx, usersTable, "email"))
		rec := must(db.Create(ctx, usersTable, Fields{"email": "a@a"}))
		deepEqual(t, indexRows(t, db, usersTable), 1)

		deleted, err := db.Delete(ctx, usersTable, rec.ID)
		ok(t, err)
		deepEqual(t, deleted, true)
		isnil(t, must(db.Get(ctx, usersTable, rec.ID)))
		isnil(t, must(db.GetByIndex(ctx, usersTable, "email", "a@a")))
		deepEqual(t, indexRows(t, db, usersTable), 0)

		deleted, err = db.Delete(ctx, usersTable, rec.ID)
		ok(t, err)
		deepEqual(t, deleted, false)

		_, err = db.Delete(ctx, usersTable, "")
		failsWith(t, err, ErrNotFound)
	})
}

func TestListOrderAndLimit(t *testing.T) {
	ctx := context.Background()
	opt := testOptions()
	opt.ScanPageSize = 2
	forEachBackend(t, opt, func(t *testing.T, db *DB) {
		var created []ID
		for i := range 5 {
			created = append(created, must(db.Create(ctx, usersTable, Fields{"i": i})).ID)
		}

		all := must(Collect(db.List(ctx, usersTable, 0)))
		deepEqual(t, ids(all), created)
		deepEqual(t, all[3].Fields, Fields{"i": int64(3)})

		deepEqual(t, ids(must(Collect(db.List(ctx, usersTable, 2)))), created[:2])
		deepEqual(t, ids(must(Collect(db.List(ctx, usersTable, 100)))), created)
		deepEqual(t, must(db.ListIDs(ctx, usersTable, 3)), created[:3])
		deepEqual(t, must(db.Count(ctx, usersTable)), 5)

		isempty(t, must(Collect(db.List(ctx, emptyTable, 0))))

		var first []ID
		for rec, err := range db.List(ctx, usersTable, 0) {
			ok(t, err)
			first = append(first, rec.ID)
			if len(first) == 3 {
				break
			}
		}
		deepEqual(t, first, created[:3])
	})
}

func TestListNewest(t *testing.T) {
	ctx := context.Background()
	opt := testOptions()
	opt.ScanPageSize = 2
	forEachBackend(t, opt, func(t *testing.T, db *DB) {
		var created []ID
		for i := range 5 {
			created = append(created, must(db.Create(ctx, usersTable, Fields{"i": i})).ID)
		}
		newest := []ID{created[4], created[3], created[2], created[1], created[0]}

		deepEqual(t, ids(must(Collect(db.ListNewest(ctx, usersTable, 0)))), newest)
		deepEqual(t, ids(must(Collect(db.ListNewest(ctx, usersTable, 3)))), newest[:3])
		deepEqual(t, must(db.ListNewestIDs(ctx, usersTable, 0)), newest)
		isempty(t, must(db.ListNewestIDs(ctx, emptyTable, 0)))

		// Deleting the record a page ended on does not disturb the next page.
		var seen []ID
		for rec, err := range db.ListNewest(ctx, usersTable, 0) {
			ok(t, err)
			seen = append(seen, rec.ID)
			if rec.ID == created[3] {
				must(db.Delete(ctx, usersTable, rec.ID))
			}
		}
		deepEqual(t, seen, newest)
		deepEqual(t, must(db.ListNewestIDs(ctx, usersTable, 0)), []ID{created[4], created[2], created[1], created[0]})
	})
}

func TestListWhileWriting(t *testing.T) {
	ctx := context.Background()
	opt := testOptions()
	opt.ScanPageSize = 2
	forEachBackend(t, opt, func(t *testing.T, db *DB) {
		for i := range 5 {
			must(db.Create(ctx, usersTable, Fields{"i": i}))
		}
		var n int
		for rec, err := range db.List(ctx, usersTable, 0) {
			ok(t, err)
			n++
			must(db.Delete(ctx, usersTable, rec.ID))
		}
		deepEqual(t, n, 5)
		deepEqual(t, must(db.Count(ctx, usersTable)), 0)
	})
}

func TestThreeEmptyRecordsListInOrder(t *testing.T) {
	ctx := context.Background()
	forEachBackend(t, testOptions(), func(t *testing.T, db *DB) {
		var created []ID
		for range 3 {
			created = append(created, must(db.Create(ctx, emptyTable, Fields{})).ID)
		}
		recs := must(Collect(db.List(ctx, emptyTable, 0)))
		deepEqual(t, len(recs), 3)
		deepEqual(t, ids(recs), created)
		for _, r := range recs {
			deepEqual(t, r.Fields, Fields{})
		}
	})
}

func TestLookupAfterDeclare(t *testing.T) {
	ctx := context.Background()
	forEachBackend(t, testOptions(), func(t *testing.T, db *DB) {
		a := must(db.Create(ctx, usersTable, Fields{"name": "a", "email": "a@a", "age": 1}))
		ok(t, db.DeclareIndex(ctx, usersTable, "email"))

		got := must(db.GetByIndex(ctx, usersTable, "email", "a@a"))
		sameRecord(t, got, a)

		b := must(db.Create(ctx, usersTable, Fields{"name": "b", "email": "b@b", "age": 2}))
		sameRecord(t, must(db.GetByIndex(ctx, usersTable, "email", "a@a")), a)
		sameRecord(t, must(db.GetByIndex(ctx, usersTable, "email", "b@b")), b)
		deepEqual(t, lookupIDs(t, db, usersTable, "email", "a@a"), []ID{a.ID})
	})
}

func TestDeclareIndexBackfills(t *testing.T) {
	ctx := context.Background()
	opt := testOptions()
	opt.BackfillBatchSize = 2
	forEachBackend(t, opt, func(t *testing.T, db *DB) {
		var withEmail []*Record
		for i := range 5 {
			f := Fields{"i": i}
			if i != 2 {
				f["email"] = string(rune('a'+i)) + "@x"
			}
			rec := must(db.Create(ctx, usersTable, f))
			if i != 2 {
				withEmail = append(withEmail, rec)
			}
		}

		ok(t, db.DeclareIndex(ctx, usersTable, "email"))

		for _, rec := range withEmail {
			sameRecord(t, must(db.GetByIndex(ctx, usersTable, "email", rec.Fields["email"])), rec)
		}
		deepEqual(t, indexRows(t, db, usersTable), 4)

		defs := must(db.IndexDefinitions(ctx, usersTable))
		deepEqual(t, len(defs), 1)
		deepEqual(t, defs[0].Field, "email")
		deepEqual(t, defs[0].Built, true)
		if !defs[0].DeclaredAt.Equal(testNow) {
			t.Errorf("** DeclaredAt = %v, wanted %v", defs[0].DeclaredAt, testNow)
		}
	})
}

func TestDeclareIndexIsIdempotent(t *testing.T) {
	ctx := context.Background()
	forEachBackend(t, testOptions(), func(t *testing.T, db *DB) {
		must(db.Create(ctx, usersTable, Fields{"email": "a@a", "name": "a"}))
		ok(t, db.DeclareIndex(ctx, usersTable, "email"))
		ok(t, db.DeclareIndex(ctx, usersTable, "name"))
		ok(t, db.DeclareIndex(ctx, usersTable, "email"))

		fields := must(Collect(db.IndexedFields(ctx, usersTable)))
		deepEqual(t, fields, []string{"email", "name"})
		deepEqual(t, must(Collect(db.IndexedFields(ctx, usersTable))), fields)
		deepEqual(t, indexRows(t, db, usersTable), 2)
		deepEqual(t, len(must(db.IndexDefinitions(ctx, usersTable))), 2)
	})
}

func TestDeclareIndexRejectsEmptyField(t *testing.T) {
	db := setup(t, basicSchema)
	err := db.DeclareIndex(context.Background(), usersTable, "")
	if err == nil {
		t.Fatalf("** empty field accepted")
	}
	isempty(t, must(Collect(db.IndexedFields(context.Background(), usersTable))))
}

func TestUpdateMovesIndexEntry(t *testing.T) {
	ctx := context.Background()
	forEachBackend(t, testOptions(), func(t *testing.T, db *DB) {
		ok(t, db.DeclareIndex(ctx, usersTable, "email"))
		rec := must(db.Create(ctx, usersTable, Fields{"email": "old@x"}))

		must(db.Update(ctx, usersTable, rec.ID, Fields{"email": "new@x"}))
		isnil(t, must(db.GetByIndex(ctx, usersTable, "email", "old@x")))
		deepEqual(t, must(db.GetByIndex(ctx, usersTable, "email", "new@x")).ID, rec.ID)
		deepEqual(t, indexRows(t, db, usersTable), 1)

		must(db.Update(ctx, usersTable, rec.ID, Fields{"email": ""}))
		isnil(t, must(db.GetByIndex(ctx, usersTable, "email", "new@x")))
		deepEqual(t, indexRows(t, db, usersTable), 0)

		must(db.Update(ctx, usersTable, rec.ID, Fields{"email": "back@x"}))
		must(db.Update(ctx, usersTable, rec.ID, Fields{"email": nil}))
		deepEqual(t, indexRows(t, db, usersTable), 0)
	})
}

func TestEmptyValuesAreNotIndexed(t *testing.T) {
	ctx := context.Background()
	db := setup(t, basicSchema)
	ok(t, db.DeclareIndex(ctx, usersTable, "email"))

	must(db.Create(ctx, usersTable, Fields{"email": ""}))
	must(db.Create(ctx, usersTable, Fields{"email": nil}))
	must(db.Create(ctx, usersTable, Fields{"email": []byte{}}))
	must(db.Create(ctx, usersTable, Fields{}))

	deepEqual(t, indexRows(t, db, usersTable), 0)
	isnil(t, must(db.GetByIndex(ctx, usersTable, "email", "")))
	isnil(t, must(db.GetByIndex(ctx, usersTable, "email", nil)))
}

func TestLookupMatchesWholeValue(t *testing.T) {
	ctx := context.Background()
	forEachBackend(t, testOptions(), func(t *testing.T, db *DB) {
		ok(t, db.DeclareIndex(ctx, usersTable, "name"))
		ab := must(db.Create(ctx, usersTable, Fields{"name": "ab"}))
		abc := must(db.Create(ctx, usersTable, Fields{"name": "abc"}))

		deepEqual(t, lookupIDs(t, db, usersTable, "name", "ab"), []ID{ab.ID})
		deepEqual(t, lookupIDs(t, db, usersTable, "name", "abc"), []ID{abc.ID})
		isnil(t, must(db.GetByIndex(ctx, usersTable, "name", "a")))
		isnil(t, must(db.GetByIndex(ctx, usersTable, "na", "meab")))
	})
}

func TestLookupNormalizesNumbers(t *testing.T) {
	ctx := context.Background()
	db := setup(t, basicSchema)
	ok(t, db.DeclareIndex(ctx, usersTable, "n"))
	rec := must(db.Create(ctx, usersTable, Fields{"n": 7}))

	for _, v := range []any{7, int64(7), int32(7), uint8(7), uint64(7), float64(7), float32(7)} {
		got := must(db.GetByIndex(ctx, usersTable, "n", v))
		if got == nil || got.ID != rec.ID {
			t.Errorf("** lookup by %T(%v) = %v, wanted %s", v, v, got, rec.ID)
		}
	}
	isnil(t, must(db.GetByIndex(ctx, usersTable, "n", 8)))
	isnil(t, must(db.GetByIndex(ctx, usersTable, "n", "7")))
	isnil(t, must(db.GetByIndex(ctx, usersTable, "n", 7.5)))

	ok(t, db.DeclareIndex(ctx, usersTable, "score"))
	scored := must(db.Create(ctx, usersTable, Fields{"score": float32(1.5)}))
	for _, v := range []any{float32(1.5), 1.5} {
		deepEqual(t, lookupIDs(t, db, usersTable, "score", v), []ID{scored.ID})
	}
	ok(t, db.DeclareIndex(ctx, usersTable, "scores"))
	listed := must(db.Create(ctx, usersTable, Fields{"scores": []float32{0.25, 2}}))
	deepEqual(t, lookupIDs(t, db, usersTable, "scores", []any{0.25, 2}), []ID{listed.ID})
}

func TestLookupByID(t *testing.T) {
	ctx := context.Background()
	db := setup(t, basicSchema)
	ok(t, db.DeclareIndex(ctx, usersTable, FieldID))
	rec := must(db.Create(ctx, usersTable, Fields{"name": "a"}))

	sameRecord(t, must(db.GetByIndex(ctx, usersTable, FieldID, rec.ID)), rec)
	sameRecord(t, must(db.GetByIndex(ctx, usersTable, FieldID, string(rec.ID))), rec)
}

func TestLookupUndeclaredField(t *testing.T) {
	ctx := context.Background()
	db := setup(t, basicSchema)
	must(db.Create(ctx, usersTable, Fields{"name": "a"}))

	isnil(t, must(db.GetByIndex(ctx, usersTable, "name", "a")))
	isempty(t, must(Collect(db.GetAllByIndex(ctx, usersTable, "name", "a"))))
	isempty(t, lookupIDs(t, db, usersTable, "name", "a"))
}

func TestGetAllByIndex(t *testing.T) {
	ctx := context.Background()
	opt := testOptions()
	opt.ScanPageSize = 2
	forEachBackend(t, opt, func(t *testing.T, db *DB) {
		ok(t, db.DeclareIndex(ctx, usersTable, "color"))
		var red []ID
		for i := range 7 {
			color := "red"
			if i%3 == 0 {
				color = "blue"
			}
			rec := must(db.Create(ctx, usersTable, Fields{"color": color, "i": i}))
			if color == "red" {
				red = append(red, rec.ID)
			}
		}

		deepEqual(t, ids(must(Collect(db.GetAllByIndex(ctx, usersTable, "color", "red")))), red)
		deepEqual(t, must(db.GetByIndex(ctx, usersTable, "color", "red")).ID, red[0])

		var n int
		for rec, err := range db.GetAllByIndex(ctx, usersTable, "color", "red") {
			ok(t, err)
			deepEqual(t, rec.Fields["color"], any("red"))
			n++
			if n == 2 {
				break
			}
		}
		deepEqual(t, n, 2)
	})
}

var danglingID = ID("00000000000000000000000000")

func injectIndexEntry(t testing.TB, db *DB, tbl *Table, field string, value any, id ID) {
	t.Helper()
	ok(t, db.update(context.Background(), func(tx *Tx) error {
		key := makeIndexEntryKey(field, must(canonicalValue(value)), id)
		mustStore("put", tx.indexBucket(tbl).Put(key, []byte(id)))
		tx.markWritten()
		return nil
	}))
}

func TestLookupSkipsDanglingEntries(t *testing.T) {
	ctx := context.Background()
	forEachBackend(t, testOptions(), func(t *testing.T, db *DB) {
		ok(t, db.DeclareIndex(ctx, usersTable, "email"))
		rec := must(db.Create(ctx, usersTable, Fields{"email": "a@a"}))

		injectIndexEntry(t, db, usersTable, "email", "a@a", danglingID)
		injectIndexEntry(t, db, usersTable, "email", "stale@a", rec.ID)
		deepEqual(t, indexRows(t, db, usersTable), 3)

		sameRecord(t, must(db.GetByIndex(ctx, usersTable, "email", "a@a")), rec)
		deepEqual(t, lookupIDs(t, db, usersTable, "email", "a@a"), []ID{rec.ID})
		isnil(t, must(db.GetByIndex(ctx, usersTable, "email", "stale@a")))
		deepEqual(t, indexRows(t, db, usersTable), 3)

		n, err := db.Reap(ctx, usersTable, "")
		ok(t, err)
		deepEqual(t, n, 2)
		deepEqual(t, indexRows(t, db, usersTable), 1)
		sameRecord(t, must(db.GetByIndex(ctx, usersTable, "email", "a@a")), rec)

		n, err = db.Reap(ctx, usersTable, "email")
		ok(t, err)
		deepEqual(t, n, 0)
	})
}

func TestLookupReapsDanglingEntries(t *testing.T) {
	ctx := context.Background()
	opt := testOptions()
	opt.ReapDangling = true
	forEachBackend(t, opt, func(t *testing.T, db *DB) {
		ok(t, db.DeclareIndex(ctx, usersTable, "email"))
		rec := must(db.Create(ctx, usersTable, Fields{"email": "a@a"}))
		injectIndexEntry(t, db, usersTable, "email", "a@a", danglingID)

		deepEqual(t, ids(must(Collect(db.GetAllByIndex(ctx, usersTable, "email", "a@a")))), []ID{rec.ID})
		deepEqual(t, indexRows(t, db, usersTable), 1)
	})
}

func TestReindex(t *testing.T) {
	ctx := context.Background()
	opt := testOptions()
	opt.BackfillBatchSize = 2
	forEachBackend(t, opt, func(t *testing.T, db *DB) {
		ok(t, db.DeclareIndex(ctx, usersTable, "email"))
		var recs []*Record
		for i := range 5 {
			recs = append(recs, must(db.Create(ctx, usersTable, Fields{"email": string(rune('a'+i)) + "@x"})))
		}
		ok(t, db.update(ctx, func(tx *Tx) error {
			idx := tx.indexBucket(usersTable)
			key := makeIndexEntryKey("email", must(canonicalValue("c@x")), recs[2].ID)
			tx.deleteIndexEntry(usersTable, idx, key)
			return nil
		}))
		injectIndexEntry(t, db, usersTable, "email", "zombie@x", danglingID)
		isnil(t, must(db.GetByIndex(ctx, usersTable, "email", "c@x")))

		ok(t, db.Reindex(ctx, usersTable, "email"))
		deepEqual(t, must(db.GetByIndex(ctx, usersTable, "email", "c@x")).ID, recs[2].ID)
		deepEqual(t, indexRows(t, db, usersTable), 5)
		deepEqual(t, must(db.IndexDefinitions(ctx, usersTable))[0].Built, true)

		failsWith(t, db.Reindex(ctx, usersTable, "nope"), ErrNotFound)
	})
}

func TestInterruptedBackfillResumesOnOpen(t *testing.T) {
	ctx := context.Background()
	for _, backend := range []string{BackendBolt, BackendPebble} {
		t.Run(backend, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "db")
			db := reopen(t, backend, path, basicSchema, testOptions())
			a := must(db.Create(ctx, usersTable, Fields{"email": "a@a"}))
			b := must(db.Create(ctx, usersTable, Fields{"email": "b@b"}))

			// Simulate a crash right after the definition was registered.
			ok(t, db.update(ctx, func(tx *Tx) error {
				def := IndexDefinition{Field: "email", DeclaredAt: testNow}
				mustStore("put", tx.defsBucket(usersTable).Put([]byte("email"), encodeIndexDefinition(def)))
				tx.markWritten()
				return nil
			}))
			dump := must(db.Dump(ctx, DumpIndices))
			if !strings.Contains(dump, "users.i.email PENDING") {
				t.Errorf("** dump does not show the pending index:\n%s", dump)
			}
			ok(t, db.Close())

			db = reopen(t, backend, path, basicSchema, testOptions())
			defs := must(db.IndexDefinitions(ctx, usersTable))
			deepEqual(t, len(defs), 1)
			deepEqual(t, defs[0].Built, true)
			deepEqual(t, must(db.GetByIndex(ctx, usersTable, "email", "a@a")).ID, a.ID)
			deepEqual(t, must(db.GetByIndex(ctx, usersTable, "email", "b@b")).ID, b.ID)
		})
	}
}

func TestReopenKeepsData(t *testing.T) {
	ctx := context.Background()
	for _, backend := range []string{BackendBolt, BackendPebble} {
		t.Run(backend, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "db")
			db := reopen(t, backend, path, basicSchema, testOptions())
			ok(t, db.DeclareIndex(ctx, usersTable, "email"))
			rec := must(db.Create(ctx, usersTable, Fields{"email": "a@a", "score": 1.5, "tags": []any{"x", "y"}}))
			ok(t, db.Close())

			db = reopen(t, backend, path, basicSchema, testOptions())
			sameRecord(t, must(db.Get(ctx, usersTable, rec.ID)), rec)
			sameRecord(t, must(db.GetByIndex(ctx, usersTable, "email", "a@a")), rec)
		})
	}
}

func TestOnChange(t *testing.T) {
	ctx := context.Background()
	var changes []*Change
	opt := testOptions()
	opt.OnChange = func(chg *Change) {
		changes = append(changes, chg)
	}
	db := setupWith(t, BackendMemory, basicSchema, opt)

	rec := must(db.Create(ctx, usersTable, Fields{"name": "a"}))
	must(db.Update(ctx, usersTable, rec.ID, Fields{"name": "b"}))
	must(db.Update(ctx, usersTable, rec.ID, Fields{"name": "b"}))
	must(db.Delete(ctx, usersTable, rec.ID))
	must(db.Delete(ctx, usersTable, rec.ID))

	var ops []Op
	for _, chg := range changes {
		ops = append(ops, chg.Op())
		deepEqual(t, chg.Table(), usersTable)
		deepEqual(t, chg.ID(), rec.ID)
	}
	deepEqual(t, ops, []Op{OpCreate, OpUpdate, OpDelete})

	deepEqual(t, changes[0].HasOldRecord(), false)
	deepEqual(t, changes[0].Record().Fields, Fields{"name": "a"})
	deepEqual(t, changes[1].OldRecord().Fields, Fields{"name": "a"})
	deepEqual(t, changes[1].Record().Fields, Fields{"name": "b"})
	isnil(t, changes[2].Record())
	deepEqual(t, changes[2].OldRecord().Fields, Fields{"name": "b"})
	deepEqual(t, changes[0].String(), "create users/"+string(rec.ID))
}

func TestOnChangeNotCalledOnRollback(t *testing.T) {
	ctx := context.Background()
	var n int
	opt := testOptions()
	opt.OnChange = func(chg *Change) { n++ }
	db := setupWith(t, BackendMemory, basicSchema, opt)
	rec := must(db.Create(ctx, usersTable, Fields{"v": 1}))

	boom := errors.New("boom")
	err := db.update(ctx, func(tx *Tx) error {
		if _, err := tx.delete(usersTable, rec.ID); err != nil {
			return err
		}
		return boom
	})
	failsWith(t, err, boom)
	deepEqual(t, n, 1)
	isnonnil(t, must(db.Get(ctx, usersTable, rec.ID)))
}

func TestClosedDB(t *testing.T) {
	ctx := context.Background()
	forEachBackend(t, testOptions(), func(t *testing.T, db *DB) {
		rec := must(db.Create(ctx, usersTable, Fields{"v": 1}))
		ok(t, db.Close())
		ok(t, db.Close())

		_, err := db.Get(ctx, usersTable, rec.ID)
		failsWith(t, err, ErrClosed)
		_, err = db.Create(ctx, usersTable, Fields{})
		failsWith(t, err, ErrClosed)
		_, err = Collect(db.List(ctx, usersTable, 0))
		failsWith(t, err, ErrClosed)
		failsWith(t, db.DeclareIndex(ctx, usersTable, "v"), ErrClosed)
	})
}

func TestUnknownTable(t *testing.T) {
	ctx := context.Background()
	other := NewSchema(SchemaOpts{})
	alien := AddTable(other, "users")
	db := setup(t, basicSchema)

	_, err := db.Create(ctx, alien, Fields{})
	failsWith(t, err, ErrUnknownTable)
	_, err = db.Get(ctx, nil, "x")
	failsWith(t, err, ErrUnknownTable)
	_, err = db.Table("nope")
	failsWith(t, err, ErrUnknownTable)

	tbl, err := db.Table("USERS")
	ok(t, err)
	deepEqual(t, tbl, usersTable)
}

func TestCanceledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	db := setup(t, basicSchema)
	must(db.Create(ctx, usersTable, Fields{"v": 1}))
	cancel()

	_, err := Collect(db.List(ctx, usersTable, 0))
	failsWith(t, err, context.Canceled)
	_, err = db.Create(ctx, usersTable, Fields{"v": 2})
	failsWith(t, err, context.Canceled)
}

func TestDumpAndStats(t *testing.T) {
	ctx := context.Background()
	forEachBackend(t, testOptions(), func(t *testing.T, db *DB) {
		ok(t, db.DeclareIndex(ctx, usersTable, "email"))
		a := must(db.Create(ctx, usersTable, Fields{"email": "a@a"}))
		must(db.Create(ctx, usersTable, Fields{"email": "b@b"}))

		dump := must(db.Dump(ctx, DumpAll))
		for _, want := range []string{
			"users (2 rows)",
			"empty (0 rows)",
			"users/" + string(a.ID) + ` = (m0) {"email":"a@a"}`,
			"users.i.email\n",
			"users.i.email: a@a => " + string(a.ID),
		} {
			if !strings.Contains(dump, want) {
				t.Errorf("** dump lacks %q:\n%s", want, dump)
			}
		}

		ts := must(db.TableStats(ctx, usersTable))
		deepEqual(t, ts.Rows, 2)
		deepEqual(t, ts.IndexRows, 2)
		deepEqual(t, ts.Indexes, 1)
		if ts.DataSize <= 0 || ts.TotalSize() < ts.DataSize {
			t.Errorf("** bad sizes: %+v", ts)
		}
		_, err := db.Size(ctx)
		ok(t, err)
	})
}

func TestSuppressContentWhenLogging(t *testing.T) {
	ctx := context.Background()
	scm := NewSchema(SchemaOpts{})
	secrets := AddTable(scm, "secrets", SuppressContentWhenLogging)
	var logs bytes.Buffer
	db := setupWith(t, BackendMemory, scm, verboseOptions(&logs))
	ok(t, db.DeclareIndex(ctx, secrets, "token"))
	must(db.Create(ctx, secrets, Fields{"token": "hunter2"}))

	dump := must(db.Dump(ctx, DumpAll))
	if strings.Contains(dump, "hunter2") {
		t.Errorf("** dump leaks content:\n%s", dump)
	}
	if !strings.Contains(logs.String(), "db: PUT") {
		t.Errorf("** no PUT logged:\n%s", logs.String())
	}
	if strings.Contains(logs.String(), "hunter2") {
		t.Errorf("** logs leak content:\n%s", logs.String())
	}
}

func TestVerboseLogging(t *testing.T) {
	ctx := context.Background()
	var logs bytes.Buffer
	db := setupWith(t, BackendMemory, basicSchema, verboseOptions(&logs))
	ok(t, db.DeclareIndex(ctx, usersTable, "email"))
	rec := must(db.Create(ctx, usersTable, Fields{"email": "a@a"}))
	must(db.Update(ctx, usersTable, rec.ID, Fields{"email": "b@b"}))
	must(db.Delete(ctx, usersTable, rec.ID))

	out := logs.String()
	for _, want := range []string{"db: PUT", "db: INDEX.PUT", "db: INDEX.DEL", "a@a", "b@b", string(rec.ID)} {
		if !strings.Contains(out, want) {
			t.Errorf("** logs lack %q:\n%s", want, out)
		}
	}

	logs.Reset()
	opt := verboseOptions(&logs)
	opt.Verbose = false
	quiet := setupWith(t, BackendMemory, basicSchema, opt)
	must(quiet.Create(ctx, usersTable, Fields{"email": "a@a"}))
	if strings.Contains(logs.String(), "db: PUT") {
		t.Errorf("** mutation logged without Verbose:\n%s", logs.String())
	}
}

func TestDescribeOpenTxns(t *testing.T) {
	db := setup(t, basicSchema)
	deepEqual(t, db.DescribeOpenTxns(), "NO OPEN TRANSACTIONS")
	ok(t, db.view(context.Background(), func(tx *Tx) error {
		if s := db.DescribeOpenTxns(); !strings.HasPrefix(s, "1 OPEN TRANSACTIONS") {
			t.Errorf("** got %q", s)
		}
		return nil
	}))
	deepEqual(t, db.ReaderCount.Load(), int64(0))
	deepEqual(t, db.WriterCount.Load(), int64(0))
}

func TestConcurrentWriters(t *testing.T) {
	ctx := context.Background()
	forEachBackend(t, testOptions(), func(t *testing.T, db *DB) {
		ok(t, db.DeclareIndex(ctx, usersTable, "worker"))
		const workers, perWorker = 4, 25
		errs := make(chan error, workers)
		for w := range workers {
			go func() {
				for i := range perWorker {
					if _, err := db.Create(ctx, usersTable, Fields{"worker": w, "i": i}); err != nil {
						errs <- err
						return
					}
				}
				errs <- nil
			}()
		}
		for range workers {
			ok(t, <-errs)
		}
		deepEqual(t, must(db.Count(ctx, usersTable)), workers*perWorker)
		deepEqual(t, len(lookupIDs(t, db, usersTable, "worker", 2)), perWorker)
		deepEqual(t, indexRows(t, db, usersTable), workers*perWorker)
	})
}

func TestDeclareIndexDuringConcurrentCreates(t *testing.T) {
	ctx := context.Background()
	opt := testOptions()
	opt.BackfillBatchSize = 2
	forEachBackend(t, opt, func(t *testing.T, db *DB) {
		const seeded, writers, perWriter = 20, 3, 10
		for i := range seeded {
			must(db.Create(ctx, usersTable, Fields{"email": fmt.Sprintf("seed%d@x", i)}))
		}
		must(db.Create(ctx, usersTable, Fields{"name": "no email"}))

		start := make(chan struct{})
		errs := make(chan error, writers+1)
		go func() {
			<-start
			errs <- db.DeclareIndex(ctx, usersTable, "email")
		}()
		for w := range writers {
			go func() {
				<-start
				for i := range perWriter {
					if _, err := db.Create(ctx, usersTable, Fields{"email": fmt.Sprintf("w%d-%d@x", w, i)}); err != nil {
						errs <- err
						return
					}
				}
				errs <- nil
			}()
		}
		close(start)
		for range writers + 1 {
			ok(t, <-errs)
		}

		withEmail := seeded + writers*perWriter
		deepEqual(t, indexRows(t, db, usersTable), withEmail)
		for rec, err := range db.List(ctx, usersTable, 0) {
			ok(t, err)
			email, found := rec.Fields["email"]
			if !found {
				continue
			}
			got := must(db.GetByIndex(ctx, usersTable, "email", email))
			if got == nil || got.ID != rec.ID {
				t.Errorf("** %v not found by email %v", rec.ID, email)
			}
		}
		defs := must(db.IndexDefinitions(ctx, usersTable))
		deepEqual(t, len(defs), 1)
		deepEqual(t, defs[0].Built, true)
	})
}
