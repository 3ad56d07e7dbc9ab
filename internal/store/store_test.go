package store

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/matheus3301/securechat/internal/model"
)

func testDB(t *testing.T) *DB {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	db, err := Open(path)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := db.Migrate(); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func TestMigrateIsIdempotent(t *testing.T) {
	db := testDB(t)

	// testDB already ran Migrate, so a second run must be a no-op.
	result, err := db.Migrate()
	if err != nil {
		t.Fatal(err)
	}
	if result.Changed {
		t.Error("second Migrate() should report Changed=false")
	}
	if result.Version != 1 {
		t.Errorf("version = %d, want 1", result.Version)
	}
}

func TestOpenCreatesOwnerOnlyFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "cache.db")
	db, err := Open(path)
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = db.Close() }()

	info, err := os.Stat(path)
	if err != nil {
		t.Fatal(err)
	}
	if perm := info.Mode().Perm(); perm != 0600 {
		t.Errorf("cache db mode = %o, want 600", perm)
	}
}

func TestMigrateRefusesDirtySchema(t *testing.T) {
	db := testDB(t)
	if _, err := db.Exec("UPDATE schema_migrations SET dirty = 1"); err != nil {
		t.Fatal(err)
	}

	_, err := db.Migrate()
	if !errors.Is(err, model.ErrStorage) {
		t.Fatalf("Migrate() on dirty schema error = %v, want ErrStorage", err)
	}
}

func TestGetMissingReturnsNil(t *testing.T) {
	db := testDB(t)

	v, err := db.Get(context.Background(), "missing")
	if err != nil {
		t.Fatal(err)
	}
	if v != nil {
		t.Errorf("got %q, want nil", v)
	}
}

func TestPutOverwrites(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()

	if err := db.Put(ctx, "chats", []byte("v1")); err != nil {
		t.Fatal(err)
	}
	if err := db.Put(ctx, "chats", []byte("v2")); err != nil {
		t.Fatal(err)
	}

	v, err := db.Get(ctx, "chats")
	if err != nil {
		t.Fatal(err)
	}
	if string(v) != "v2" {
		t.Errorf("value = %q, want v2", v)
	}
	n, err := db.BlobCount(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Errorf("count = %d, want 1", n)
	}
}

func TestPutManyWritesAndDeletes(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()

	if err := db.Put(ctx, "messages/old", []byte("x")); err != nil {
		t.Fatal(err)
	}
	err := db.PutMany(ctx, map[string][]byte{
		"messages/a":   []byte("a"),
		"messages/b":   []byte("b"),
		"pending":      []byte("[]"),
		"messages/old": nil,
	})
	if err != nil {
		t.Fatal(err)
	}

	keys, err := db.Keys(ctx, "messages/")
	if err != nil {
		t.Fatal(err)
	}
	if len(keys) != 2 || keys[0] != "messages/a" || keys[1] != "messages/b" {
		t.Errorf("keys = %v, want [messages/a messages/b]", keys)
	}
}

func TestDeleteMissingIsNoop(t *testing.T) {
	db := testDB(t)
	if err := db.Delete(context.Background(), "nope"); err != nil {
		t.Errorf("Delete() error = %v", err)
	}
}

func TestKeysPrefixIsLiteral(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()

	for _, k := range []string{"a_1", "ab1", "a%"} {
		if err := db.Put(ctx, k, []byte("v")); err != nil {
			t.Fatal(err)
		}
	}
	keys, err := db.Keys(ctx, "a_")
	if err != nil {
		t.Fatal(err)
	}
	if len(keys) != 1 || keys[0] != "a_1" {
		t.Errorf("keys = %v, want [a_1]", keys)
	}
}
