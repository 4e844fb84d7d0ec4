package db

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/manpreetbhatti/lattice-collab/internal/store"
)

func setupTestDB(t *testing.T) (*Database, func()) {
	t.Helper()

	tmpDir, err := os.MkdirTemp("", "lattice-test-*")
	if err != nil {
		t.Fatalf("Failed to create temp dir: %v", err)
	}

	dbPath := filepath.Join(tmpDir, "test.db")
	db, err := New(dbPath)
	if err != nil {
		os.RemoveAll(tmpDir)
		t.Fatalf("Failed to create database: %v", err)
	}

	cleanup := func() {
		db.Close()
		os.RemoveAll(tmpDir)
	}

	return db, cleanup
}

var testKey = store.RoomKey{Namespace: "/Namespace", Room: "Room"}

func TestDatabaseCreation(t *testing.T) {
	db, cleanup := setupTestDB(t)
	defer cleanup()

	if db == nil {
		t.Fatal("Database should not be nil")
	}
}

func TestDocumentOperations(t *testing.T) {
	db, cleanup := setupTestDB(t)
	defer cleanup()
	ctx := context.Background()

	_, ok, err := db.Get(ctx, testKey, store.NameDoc)
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if ok {
		t.Error("Missing document should report not found")
	}

	if err := db.Put(ctx, testKey, store.NameDoc, []byte(`{"version":1}`)); err != nil {
		t.Fatalf("Failed to put document: %v", err)
	}
	if err := db.Put(ctx, testKey, store.NameDoc, []byte(`{"version":2}`)); err != nil {
		t.Fatalf("Failed to replace document: %v", err)
	}

	data, ok, err := db.Get(ctx, testKey, store.NameDoc)
	if err != nil {
		t.Fatalf("Failed to get document: %v", err)
	}
	if !ok {
		t.Fatal("Document should exist")
	}
	if string(data) != `{"version":2}` {
		t.Errorf("Expected replaced document, got %s", data)
	}

	// Same name in another room is independent
	other := store.RoomKey{Namespace: "/Namespace", Room: "Room2"}
	if _, ok, _ := db.Get(ctx, other, store.NameDoc); ok {
		t.Error("Documents must be scoped by room")
	}
}

func TestDeleteNamed(t *testing.T) {
	db, cleanup := setupTestDB(t)
	defer cleanup()
	ctx := context.Background()

	for _, name := range []string{store.NameDoc, store.NameSteps} {
		if err := db.Put(ctx, testKey, name, []byte("[]")); err != nil {
			t.Fatalf("Failed to put %s: %v", name, err)
		}
	}

	// Deleting names that were never written is fine
	if err := db.Delete(ctx, testKey, store.AllNames...); err != nil {
		t.Fatalf("Failed to delete: %v", err)
	}

	for _, name := range store.AllNames {
		if _, ok, _ := db.Get(ctx, testKey, name); ok {
			t.Errorf("Document %s should be deleted", name)
		}
	}
}

func TestLockOperations(t *testing.T) {
	db, cleanup := setupTestDB(t)
	defer cleanup()
	ctx := context.Background()

	ok, err := db.TryLock(ctx, testKey, "token-a")
	if err != nil {
		t.Fatalf("Failed to lock: %v", err)
	}
	if !ok {
		t.Fatal("First lock should succeed")
	}

	ok, err = db.TryLock(ctx, testKey, "token-b")
	if err != nil {
		t.Fatalf("Failed to try lock: %v", err)
	}
	if ok {
		t.Error("Second lock should fail while held")
	}

	// Wrong token does not release
	if err := db.Unlock(ctx, testKey, "token-b"); err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if ok, _ := db.TryLock(ctx, testKey, "token-c"); ok {
		t.Error("Lock should still be held after foreign unlock")
	}

	if err := db.Unlock(ctx, testKey, "token-a"); err != nil {
		t.Fatalf("Failed to unlock: %v", err)
	}
	if ok, _ := db.TryLock(ctx, testKey, "token-d"); !ok {
		t.Error("Lock should be free after unlock")
	}
}

func TestReapLocks(t *testing.T) {
	db, cleanup := setupTestDB(t)
	defer cleanup()
	ctx := context.Background()

	if ok, _ := db.TryLock(ctx, testKey, "stale"); !ok {
		t.Fatal("Lock should succeed")
	}
	time.Sleep(5 * time.Millisecond)

	reaped, err := db.ReapLocks(ctx, time.Millisecond)
	if err != nil {
		t.Fatalf("Failed to reap: %v", err)
	}
	if len(reaped) != 1 || reaped[0] != testKey {
		t.Errorf("Expected %v reaped, got %v", testKey, reaped)
	}

	if ok, _ := db.TryLock(ctx, testKey, "fresh"); !ok {
		t.Error("Lock should be free after reaping")
	}
}

func TestListRoomsAndStats(t *testing.T) {
	db, cleanup := setupTestDB(t)
	defer cleanup()
	ctx := context.Background()

	keys := []store.RoomKey{
		{Namespace: "/a", Room: "one"},
		{Namespace: "/a", Room: "two"},
		{Namespace: "/b", Room: "one"},
	}
	for _, key := range keys {
		if err := db.Put(ctx, key, store.NameDoc, []byte("{}")); err != nil {
			t.Fatalf("Failed to put: %v", err)
		}
		if err := db.Put(ctx, key, store.NameSteps, []byte("[]")); err != nil {
			t.Fatalf("Failed to put: %v", err)
		}
	}

	rooms, err := db.ListRooms(ctx, "/a")
	if err != nil {
		t.Fatalf("Failed to list rooms: %v", err)
	}
	if len(rooms) != 2 {
		t.Errorf("Expected 2 rooms in /a, got %d", len(rooms))
	}

	all, err := db.ListRooms(ctx, "")
	if err != nil {
		t.Fatalf("Failed to list rooms: %v", err)
	}
	if len(all) != 3 {
		t.Errorf("Expected 3 rooms, got %d", len(all))
	}

	stats, err := db.Stats(ctx)
	if err != nil {
		t.Fatalf("Failed to get stats: %v", err)
	}
	if stats["room_count"] != 3 {
		t.Errorf("Expected 3 rooms, got %v", stats["room_count"])
	}
	if stats["held_locks"] != 0 {
		t.Errorf("Expected 0 locks, got %v", stats["held_locks"])
	}
}

func TestStoreOverSQLite(t *testing.T) {
	db, cleanup := setupTestDB(t)
	defer cleanup()
	ctx := context.Background()

	s := store.New(db, store.Options{LockDelay: time.Millisecond, LockRetries: 2})

	err := s.WithLock(ctx, testKey, func(ctx context.Context) error {
		return s.Write(ctx, testKey, store.NameClients, []string{"client-1"})
	})
	if err != nil {
		t.Fatalf("WithLock failed: %v", err)
	}

	got := store.Read(ctx, s, testKey, store.NameClients, []string(nil))
	if len(got) != 1 || got[0] != "client-1" {
		t.Errorf("Unexpected clients: %v", got)
	}
}
