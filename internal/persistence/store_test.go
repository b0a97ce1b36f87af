package persistence

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/basket/warroom/internal/bus"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	return newTestStoreWithBus(t, nil)
}

func newTestStoreWithBus(t *testing.T, eventBus *bus.Bus) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "warroom.db")
	store, err := Open(path, eventBus)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestOpen_MigratesAndReopens(t *testing.T) {
	path := filepath.Join(t.TempDir(), "warroom.db")
	store, err := Open(path, nil)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := store.Ping(context.Background()); err != nil {
		t.Fatalf("Ping: %v", err)
	}
	if err := store.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	// Reopen against the same file; the ledger check must accept it.
	store2, err := Open(path, nil)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer store2.Close()

	var version int
	var checksum string
	err = store2.DB().QueryRow(`SELECT version, checksum FROM schema_migrations ORDER BY version DESC LIMIT 1;`).Scan(&version, &checksum)
	if err != nil {
		t.Fatalf("read ledger: %v", err)
	}
	if version != schemaVersionLatest {
		t.Fatalf("schema version = %d, want %d", version, schemaVersionLatest)
	}
	if checksum != schemaChecksumLatest {
		t.Fatalf("checksum = %q, want %q", checksum, schemaChecksumLatest)
	}
}

func TestOpen_ChecksumMismatchFails(t *testing.T) {
	path := filepath.Join(t.TempDir(), "warroom.db")
	store, err := Open(path, nil)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if _, err := store.DB().Exec(`UPDATE schema_migrations SET checksum = 'tampered';`); err != nil {
		t.Fatalf("tamper ledger: %v", err)
	}
	_ = store.Close()

	if _, err := Open(path, nil); err == nil {
		t.Fatal("Open should fail on checksum mismatch")
	}
}

func TestRetryOnBusy_NonBusyErrorReturnsImmediately(t *testing.T) {
	calls := 0
	sentinel := errors.New("boom")
	err := retryOnBusy(context.Background(), 5, func() error {
		calls++
		return sentinel
	})
	if !errors.Is(err, sentinel) {
		t.Fatalf("err = %v, want sentinel", err)
	}
	if calls != 1 {
		t.Fatalf("calls = %d, want 1 (no retry on non-busy error)", calls)
	}
}

func TestRetryOnBusy_RetriesBusyError(t *testing.T) {
	calls := 0
	err := retryOnBusy(context.Background(), 5, func() error {
		calls++
		if calls < 3 {
			return errors.New("database is locked")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("err = %v", err)
	}
	if calls != 3 {
		t.Fatalf("calls = %d, want 3", calls)
	}
}

func TestIsSQLiteBusy(t *testing.T) {
	if !isSQLiteBusy(errors.New("database is locked")) {
		t.Fatal("locked error should be busy")
	}
	if isSQLiteBusy(errors.New("syntax error")) {
		t.Fatal("syntax error should not be busy")
	}
	if isSQLiteBusy(nil) {
		t.Fatal("nil should not be busy")
	}
}
