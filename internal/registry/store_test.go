package registry

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/dgnsrekt/storage-relay/internal/metrics"
)

func TestFileStoreMissingFile(t *testing.T) {
	store := NewFileStore(filepath.Join(t.TempDir(), "missing.json"))

	subs, err := store.Load()
	if err != nil {
		t.Fatalf("missing state file must not be an error: %v", err)
	}
	if len(subs) != 0 {
		t.Errorf("expected empty registry, got %d entries", len(subs))
	}
}

func TestFileStoreSaveAndLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state", "subscribers.json")
	store := NewFileStore(path)

	want := map[string]Subscriber{
		"http://a": {URL: "http://a", Prefixes: []string{"x", "y"}, Version: "1.2.0", Cursor: 42, Active: true},
	}
	if err := store.Save(want); err != nil {
		t.Fatalf("save failed: %v", err)
	}
	if _, err := os.Stat(path + ".tmp"); !os.IsNotExist(err) {
		t.Error("temp file should be renamed away")
	}

	got, err := store.Load()
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	sub := got["http://a"]
	if sub.Cursor != 42 || !sub.Active || len(sub.Prefixes) != 2 || sub.Version != "1.2.0" {
		t.Errorf("unexpected subscriber after reload: %+v", sub)
	}
}

func TestFileStoreFailedSaveKeepsPreviousState(t *testing.T) {
	path := filepath.Join(t.TempDir(), "subscribers.json")
	store := NewFileStore(path)

	if err := store.Save(map[string]Subscriber{"http://a": {URL: "http://a", Cursor: 7, Active: true}}); err != nil {
		t.Fatal(err)
	}
	// A directory in place of the temp file makes the next write fail.
	if err := os.Mkdir(path+".tmp", 0750); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(path+".tmp", "x"), nil, 0600); err != nil {
		t.Fatal(err)
	}

	if err := store.Save(map[string]Subscriber{"http://a": {URL: "http://a", Cursor: 9, Active: true}}); err == nil {
		t.Fatal("expected save to fail")
	}
	got, err := store.Load()
	if err != nil {
		t.Fatal(err)
	}
	if got["http://a"].Cursor != 7 {
		t.Errorf("expected previous state kept, got cursor %d", got["http://a"].Cursor)
	}
}

func TestFileStoreCorruptFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "subscribers.json")
	if err := os.WriteFile(path, []byte("{not json"), 0600); err != nil {
		t.Fatal(err)
	}

	if _, err := NewFileStore(path).Load(); err == nil {
		t.Error("expected error for corrupt state file")
	}
}

func TestPersisterSavesAfterRegistration(t *testing.T) {
	path := filepath.Join(t.TempDir(), "subscribers.json")
	store := NewFileStore(path)
	r := New(UpgradeKeepCursor, metrics.NewNoopCollector(), zap.NewNop())
	r.Start(&recordingLauncher{})

	p := NewPersister(r, store, time.Hour, zap.NewNop())
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- p.Run(ctx) }()

	if _, err := r.Upsert(subURL, []string{"aaa"}, "1.0.0"); err != nil {
		t.Fatal(err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for {
		subs, err := store.Load()
		if err == nil && len(subs) == 1 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("registration was not persisted")
		}
		time.Sleep(10 * time.Millisecond)
	}

	r.AdvanceCursor(r.sessionFor(t, subURL), 0, 9)
	cancel()
	if err := <-done; err != nil {
		t.Fatalf("final save failed: %v", err)
	}

	subs, _ := store.Load()
	if subs[subURL].Cursor != 9 {
		t.Errorf("expected final save to record cursor 9, got %d", subs[subURL].Cursor)
	}
}
