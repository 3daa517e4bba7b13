package journal

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/filmaeu/penareia/internal/servicelog"
)

func testLogger() servicelog.Logger {
	return servicelog.Logger{Logger: zap.NewNop()}
}

func openStore(t *testing.T, dir string) *Store {
	t.Helper()
	store, err := Open(testLogger(), filepath.Join(dir, "queue.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func writeClip(t *testing.T, dir, name string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte("video "+name), 0644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestEnqueueDequeue(t *testing.T) {
	dir := t.TempDir()
	store := openStore(t, dir)
	path := writeClip(t, dir, "a.mp4")

	ctx := context.Background()
	entry, err := store.Enqueue(ctx, path, "a.mp4", false)
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if entry.ID == 0 {
		t.Error("expected a persisted id")
	}
	if entry.FileHash == "" {
		t.Error("expected a content hash")
	}
	if entry.Status != StatusPending {
		t.Errorf("expected pending, got %q", entry.Status)
	}

	got, ok := store.Dequeue(ctx, time.Second)
	if !ok || got.ID != entry.ID {
		t.Fatalf("dequeue mismatch: ok=%v", ok)
	}
	if store.QueueLen() != 0 {
		t.Errorf("queue should be empty, has %d", store.QueueLen())
	}
}

func TestPriorityOrdering(t *testing.T) {
	dir := t.TempDir()
	store := openStore(t, dir)
	ctx := context.Background()

	first, _ := store.Enqueue(ctx, writeClip(t, dir, "old.mp4"), "old.mp4", false)
	urgent, _ := store.Enqueue(ctx, writeClip(t, dir, "new.mp4"), "new.mp4", true)

	got, _ := store.Dequeue(ctx, time.Second)
	if got.ID != urgent.ID {
		t.Errorf("expected priority entry first, got %d", got.ID)
	}
	got, _ = store.Dequeue(ctx, time.Second)
	if got.ID != first.ID {
		t.Errorf("expected older entry second, got %d", got.ID)
	}
}

func TestEnqueueMissingFile(t *testing.T) {
	store := openStore(t, t.TempDir())
	_, err := store.Enqueue(context.Background(), "/nonexistent.mp4", "x.mp4", false)
	if !errors.Is(err, ErrEnqueueFailed) {
		t.Fatalf("expected ErrEnqueueFailed, got %v", err)
	}
}

func TestResolveLifecycle(t *testing.T) {
	dir := t.TempDir()
	store := openStore(t, dir)
	ctx := context.Background()

	entry, _ := store.Enqueue(ctx, writeClip(t, dir, "a.mp4"), "a.mp4", false)
	if err := store.IncrementAttempts(ctx, entry); err != nil {
		t.Fatal(err)
	}
	if entry.Attempts != 1 {
		t.Errorf("expected 1 attempt, got %d", entry.Attempts)
	}
	if err := store.MarkCompleted(ctx, entry, "https://example.com/a.mp4"); err != nil {
		t.Fatal(err)
	}

	reloaded, err := store.Get(ctx, entry.ID)
	if err != nil {
		t.Fatal(err)
	}
	if reloaded.Status != StatusCompleted {
		t.Errorf("expected completed, got %q", reloaded.Status)
	}
	if reloaded.ErrorMessage != "https://example.com/a.mp4" {
		t.Errorf("expected public URL stored, got %q", reloaded.ErrorMessage)
	}
	if reloaded.Attempts != 1 {
		t.Errorf("expected attempts persisted, got %d", reloaded.Attempts)
	}

	status, err := store.Status(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if status.UploadsSuccess != 1 {
		t.Errorf("expected 1 success, got %d", status.UploadsSuccess)
	}
}

func TestRecoverPendingAcrossReopen(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	store := openStore(t, dir)
	kept := writeClip(t, dir, "kept.mp4")
	lost := writeClip(t, dir, "lost.mp4")
	keptEntry, _ := store.Enqueue(ctx, kept, "kept.mp4", false)
	store.Enqueue(ctx, lost, "lost.mp4", false)
	done, _ := store.Enqueue(ctx, writeClip(t, dir, "done.mp4"), "done.mp4", false)
	store.MarkCompleted(ctx, done, "https://example.com/done.mp4")
	store.Close()
	os.Remove(lost)

	reopened := openStore(t, dir)
	readmitted, failed, err := reopened.RecoverPending(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if readmitted != 1 || failed != 1 {
		t.Fatalf("expected 1 readmitted and 1 failed, got %d/%d", readmitted, failed)
	}
	entry, ok := reopened.Dequeue(ctx, time.Second)
	if !ok || entry.ID != keptEntry.ID {
		t.Errorf("expected the surviving entry re-admitted")
	}

	lostEntry, err := reopened.Get(ctx, keptEntry.ID+1)
	if err != nil {
		t.Fatal(err)
	}
	if lostEntry.Status != StatusFailed {
		t.Errorf("lost entry should be failed, got %q", lostEntry.Status)
	}
}

func TestHeartbeatAndCounters(t *testing.T) {
	store := openStore(t, t.TempDir())
	ctx := context.Background()

	beat := time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)
	if err := store.UpdateHeartbeat(ctx, beat); err != nil {
		t.Fatal(err)
	}
	store.RecordCapture(ctx)
	store.RecordCapture(ctx)
	store.RecordCrash(ctx)

	status, err := store.Status(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if !status.LastHeartbeat.Equal(beat) {
		t.Errorf("expected heartbeat %v, got %v", beat, status.LastHeartbeat)
	}
	if status.Captures != 2 || status.Crashes != 1 {
		t.Errorf("unexpected counters %+v", status)
	}
	if status.UptimeSeconds < 0 {
		t.Errorf("negative uptime %d", status.UptimeSeconds)
	}
}

func TestGetNotFound(t *testing.T) {
	store := openStore(t, t.TempDir())
	_, err := store.Get(context.Background(), 999)
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestHashFileStable(t *testing.T) {
	dir := t.TempDir()
	path := writeClip(t, dir, "a.mp4")
	first, err := HashFile(path)
	if err != nil {
		t.Fatal(err)
	}
	second, _ := HashFile(path)
	if first != second || len(first) != 64 {
		t.Errorf("unstable or malformed hash %q", first)
	}
}
