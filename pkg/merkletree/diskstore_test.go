package merkletree

import (
	"errors"
	"os"
	"testing"
)

func openTestDiskStore(t *testing.T, cfg Config) *DiskStore {
	t.Helper()
	ds, err := OpenDiskStore(cfg)
	if err != nil {
		t.Fatalf("OpenDiskStore: %v", err)
	}
	t.Cleanup(func() { ds.Close() })
	return ds
}

func testConfig(t *testing.T) Config {
	t.Helper()
	dir, err := os.MkdirTemp("", "diskstore_test")
	if err != nil {
		t.Fatalf("MkdirTemp: %v", err)
	}
	t.Cleanup(func() { os.RemoveAll(dir) })
	return DefaultConfig(dir)
}

func TestDiskStorePutGetRoundTrip(t *testing.T) {
	cfg := testConfig(t)
	ds := openTestDiskStore(t, cfg)

	hash := hashN(1)
	data := []byte("serialized-tree-bytes")
	if err := ds.Put(hash, 100, data, 100); err != nil {
		t.Fatalf("Put: %v", err)
	}

	got, err := ds.Get(hash)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if string(got) != string(data) {
		t.Errorf("Get = %q, want %q", got, data)
	}
}

func TestDiskStorePutAlreadyPresent(t *testing.T) {
	cfg := testConfig(t)
	ds := openTestDiskStore(t, cfg)

	hash := hashN(1)
	if err := ds.Put(hash, 1, []byte("a"), 1); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if err := ds.Put(hash, 1, []byte("b"), 1); !errors.Is(err, ErrAlreadyPresent) {
		t.Fatalf("Put duplicate: got %v, want ErrAlreadyPresent", err)
	}
}

func TestDiskStoreGetNotFound(t *testing.T) {
	cfg := testConfig(t)
	ds := openTestDiskStore(t, cfg)

	if _, err := ds.Get(hashN(9)); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Get missing: got %v, want ErrNotFound", err)
	}
}

func TestDiskStoreReloadReconciliation(t *testing.T) {
	cfg := testConfig(t)
	ds := openTestDiskStore(t, cfg)

	hash := hashN(2)
	if err := ds.Put(hash, 1, []byte("payload"), 1); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if err := ds.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	reopened, err := OpenDiskStore(cfg)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer reopened.Close()

	got, err := reopened.Get(hash)
	if err != nil {
		t.Fatalf("Get after reload: %v", err)
	}
	if string(got) != "payload" {
		t.Errorf("Get after reload = %q, want %q", got, "payload")
	}
}

func TestDiskStoreRollsToNewFile(t *testing.T) {
	cfg := testConfig(t)
	cfg.PreferredFileSize = 10 // force a roll after a couple small writes
	ds := openTestDiskStore(t, cfg)

	if err := ds.Put(hashN(1), 1, []byte("0123456789"), 1); err != nil {
		t.Fatalf("Put 1: %v", err)
	}
	if err := ds.Put(hashN(2), 2, []byte("more-data"), 2); err != nil {
		t.Fatalf("Put 2: %v", err)
	}

	stats := ds.Stats()
	if stats.Files < 2 {
		t.Errorf("expected at least 2 files after rollover, got %d", stats.Files)
	}
}

func TestDiskStorePruneRespectsRetentionWindow(t *testing.T) {
	cfg := testConfig(t)
	cfg.PreferredFileSize = 8
	cfg.MaxDiskSpace = 24
	ds := openTestDiskStore(t, cfg)

	chainHeight := int32(1000)
	for i := 0; i < 3; i++ {
		height := chainHeight - int32(MinBlocksToKeep) + 1 + int32(i) // within retention window
		if err := ds.Put(hashN(byte(10+i)), height, []byte("12345678"), chainHeight); err != nil {
			t.Fatalf("Put %d: %v", i, err)
		}
	}

	stats := ds.Stats()
	if stats.Entries != 3 {
		t.Errorf("expected all 3 in-window entries retained, got %d entries", stats.Entries)
	}
}

func TestDiskStorePruneEvictsOutOfWindowFile(t *testing.T) {
	cfg := testConfig(t)
	cfg.PreferredFileSize = 8
	cfg.MaxDiskSpace = 16
	ds := openTestDiskStore(t, cfg)

	chainHeight := int32(1000)
	hOld, hMid, hNew := hashN(1), hashN(2), hashN(3)

	// file 0: well outside the retention window by the time hNew is written.
	if err := ds.Put(hOld, 100, []byte("12345678"), chainHeight); err != nil {
		t.Fatalf("Put hOld: %v", err)
	}
	// file 1: within the retention window, must survive.
	if err := ds.Put(hMid, 999, []byte("12345678"), chainHeight); err != nil {
		t.Fatalf("Put hMid: %v", err)
	}
	// rolling into file 2 pushes diskBytes over MaxDiskSpace, forcing a
	// prune; only file 0 is old enough to be eligible.
	if err := ds.Put(hNew, 999, []byte("12345678"), chainHeight); err != nil {
		t.Fatalf("Put hNew: %v", err)
	}

	if _, err := ds.Get(hOld); !errors.Is(err, ErrNotFound) {
		t.Errorf("Get(hOld) after prune: got %v, want ErrNotFound", err)
	}
	if _, err := ds.Get(hMid); err != nil {
		t.Errorf("Get(hMid) after prune: %v", err)
	}
	if _, err := ds.Get(hNew); err != nil {
		t.Errorf("Get(hNew) after prune: %v", err)
	}

	stats := ds.Stats()
	if stats.Entries != 2 {
		t.Errorf("Entries = %d, want 2 after evicting hOld's file", stats.Entries)
	}
	if stats.Files != 2 {
		t.Errorf("Files = %d, want 2 after evicting hOld's file", stats.Files)
	}
}

func TestDiskStorePruneInsufficientReturnsErrCapacity(t *testing.T) {
	cfg := testConfig(t)
	cfg.PreferredFileSize = 8
	cfg.MaxDiskSpace = 16
	ds := openTestDiskStore(t, cfg)

	chainHeight := int32(200) // 288-block window covers every plausible height here
	h1, h2, h3 := hashN(1), hashN(2), hashN(3)

	if err := ds.Put(h1, 150, []byte("12345678"), chainHeight); err != nil {
		t.Fatalf("Put h1: %v", err)
	}
	if err := ds.Put(h2, 150, []byte("12345678"), chainHeight); err != nil {
		t.Fatalf("Put h2: %v", err)
	}

	statsBefore := ds.Stats()

	if err := ds.Put(h3, 150, []byte("12345678"), chainHeight); !errors.Is(err, ErrCapacity) {
		t.Fatalf("Put h3: got %v, want ErrCapacity", err)
	}

	if _, err := ds.Get(h3); !errors.Is(err, ErrNotFound) {
		t.Errorf("Get(h3) after failed Put: got %v, want ErrNotFound", err)
	}
	statsAfter := ds.Stats()
	if statsAfter != statsBefore {
		t.Errorf("stats changed on failed Put: before %+v, after %+v", statsBefore, statsAfter)
	}
}

func TestDiskStoreResetClearsEverything(t *testing.T) {
	cfg := testConfig(t)
	ds := openTestDiskStore(t, cfg)

	if err := ds.Put(hashN(1), 1, []byte("x"), 1); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if err := ds.Reset(); err != nil {
		t.Fatalf("Reset: %v", err)
	}

	stats := ds.Stats()
	if stats.Entries != 0 || stats.Files != 0 || stats.DiskBytes != 0 {
		t.Errorf("expected empty store after reset, got %+v", stats)
	}
	if _, err := ds.Get(hashN(1)); !errors.Is(err, ErrNotFound) {
		t.Errorf("Get after reset: got %v, want ErrNotFound", err)
	}
}
