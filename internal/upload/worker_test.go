package upload

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/filmaeu/penareia/internal/journal"
	"github.com/filmaeu/penareia/internal/servicelog"
)

type fakeStorage struct {
	mutex sync.Mutex
	errs  []error // per call; nil means success
	calls int
}

func (f *fakeStorage) Upload(ctx context.Context, localPath, remoteName string) (string, error) {
	f.mutex.Lock()
	defer f.mutex.Unlock()
	var err error
	if f.calls < len(f.errs) {
		err = f.errs[f.calls]
	}
	f.calls++
	if err != nil {
		return "", err
	}
	return "https://f005.backblazeb2.com/file/test/" + remoteName, nil
}

type fakeJournal struct {
	completed []string
	failed    []string
	requeued  []*journal.Entry
	attempts  int
}

func (f *fakeJournal) Dequeue(ctx context.Context, wait time.Duration) (*journal.Entry, bool) {
	return nil, false
}

func (f *fakeJournal) Requeue(entry *journal.Entry) {
	f.requeued = append(f.requeued, entry)
}

func (f *fakeJournal) MarkCompleted(ctx context.Context, entry *journal.Entry, url string) error {
	f.completed = append(f.completed, url)
	return nil
}

func (f *fakeJournal) MarkFailed(ctx context.Context, entry *journal.Entry, reason string) error {
	f.failed = append(f.failed, reason)
	return nil
}

func (f *fakeJournal) IncrementAttempts(ctx context.Context, entry *journal.Entry) error {
	f.attempts++
	entry.Attempts++
	return nil
}

type fakeNotifier struct {
	notified []Notification
}

func (f *fakeNotifier) Notify(ctx context.Context, n Notification) {
	f.notified = append(f.notified, n)
}

type noBeat struct{}

func (noBeat) Beat() {}

type countBeat struct {
	mutex sync.Mutex
	beats int
}

func (c *countBeat) Beat() {
	c.mutex.Lock()
	c.beats++
	c.mutex.Unlock()
}

func (c *countBeat) count() int {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	return c.beats
}

func testLogger() servicelog.Logger {
	return servicelog.Logger{Logger: zap.NewNop()}
}

func writeClip(t *testing.T) (path, hash string) {
	t.Helper()
	path = filepath.Join(t.TempDir(), "clip.mp4")
	if err := os.WriteFile(path, []byte("video data"), 0644); err != nil {
		t.Fatal(err)
	}
	hash, err := journal.HashFile(path)
	if err != nil {
		t.Fatal(err)
	}
	return path, hash
}

func newTestWorker(j Journal, s Storage, n Notifier) (*Worker, *[]time.Duration) {
	worker := NewWorker(testLogger(), j, s, n, noBeat{}, WorkerConfig{
		InnerInitial: 2 * time.Second,
	})
	var sleeps []time.Duration
	worker.sleep = func(ctx context.Context, d time.Duration) bool {
		sleeps = append(sleeps, d)
		return true
	}
	return worker, &sleeps
}

func testEntry(path, hash string) *journal.Entry {
	return &journal.Entry{
		ID:          1,
		Filename:    "clip.mp4",
		LocalPath:   path,
		RemotePath:  "clip.mp4",
		Timestamp:   time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC),
		MaxAttempts: 5,
		Status:      journal.StatusPending,
		FileHash:    hash,
	}
}

func TestProcessSuccessRemovesFileAndNotifies(t *testing.T) {
	path, hash := writeClip(t)
	j := &fakeJournal{}
	s := &fakeStorage{}
	n := &fakeNotifier{}
	worker, _ := newTestWorker(j, s, n)

	worker.process(context.Background(), testEntry(path, hash))

	if len(j.completed) != 1 {
		t.Fatalf("expected 1 completion, got %d", len(j.completed))
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Error("uploaded clip should be removed")
	}
	if len(n.notified) != 1 {
		t.Fatalf("expected 1 notification, got %d", len(n.notified))
	}
	if n.notified[0].DataHora != "2026-08-24 12:00:00" {
		t.Errorf("unexpected data_hora %q", n.notified[0].DataHora)
	}
	if n.notified[0].Arquivo != "clip.mp4" {
		t.Errorf("unexpected arquivo %q", n.notified[0].Arquivo)
	}
}

func TestProcessInnerRetriesWithBackoff(t *testing.T) {
	path, hash := writeClip(t)
	j := &fakeJournal{}
	s := &fakeStorage{errs: []error{errors.New("one"), errors.New("two"), nil}}
	n := &fakeNotifier{}
	worker, sleeps := newTestWorker(j, s, n)

	worker.process(context.Background(), testEntry(path, hash))

	if s.calls != 3 {
		t.Fatalf("expected 3 sub-attempts, got %d", s.calls)
	}
	want := []time.Duration{2 * time.Second, 4 * time.Second}
	if len(*sleeps) != len(want) {
		t.Fatalf("expected %d sleeps, got %v", len(want), *sleeps)
	}
	for i, d := range want {
		if (*sleeps)[i] != d {
			t.Errorf("sleep %d: expected %v, got %v", i, d, (*sleeps)[i])
		}
	}
	if len(j.completed) != 1 {
		t.Error("entry should complete after a successful sub-attempt")
	}
}

func TestProcessFailedBurstRequeues(t *testing.T) {
	path, hash := writeClip(t)
	j := &fakeJournal{}
	s := &fakeStorage{errs: []error{errors.New("x"), errors.New("x"), errors.New("x")}}
	n := &fakeNotifier{}
	worker, sleeps := newTestWorker(j, s, n)

	worker.process(context.Background(), testEntry(path, hash))

	if j.attempts != 1 {
		t.Errorf("expected 1 persisted attempt, got %d", j.attempts)
	}
	if len(j.requeued) != 1 {
		t.Fatalf("expected requeue, got %d", len(j.requeued))
	}
	// two inner backoff sleeps plus the long outer pause
	last := (*sleeps)[len(*sleeps)-1]
	if last != 30*time.Second {
		t.Errorf("expected 30s outer pause, got %v", last)
	}
	if len(n.notified) != 0 {
		t.Error("failed burst must not notify")
	}
	if _, err := os.Stat(path); err != nil {
		t.Error("clip must survive a failed burst")
	}
}

func TestProcessAttemptBudgetSpent(t *testing.T) {
	path, hash := writeClip(t)
	j := &fakeJournal{}
	s := &fakeStorage{errs: []error{errors.New("x"), errors.New("x"), errors.New("x")}}
	n := &fakeNotifier{}
	worker, _ := newTestWorker(j, s, n)

	entry := testEntry(path, hash)
	entry.Attempts = 4
	worker.process(context.Background(), entry)

	if len(j.failed) != 1 {
		t.Fatalf("expected entry to fail, got %v", j.failed)
	}
	if len(j.requeued) != 0 {
		t.Error("spent entry must not requeue")
	}
}

func TestIdleWorkerLeavesHeartbeatAlone(t *testing.T) {
	beats := &countBeat{}
	worker := NewWorker(testLogger(), &fakeJournal{}, &fakeStorage{}, &fakeNotifier{}, beats, WorkerConfig{
		DequeueWait: time.Millisecond,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	worker.Run(ctx)

	// An empty queue must not keep the shared heartbeat alive: a frozen
	// capture loop has to open a visible gap for the supervisor.
	if got := beats.count(); got != 0 {
		t.Fatalf("idle worker beat the heartbeat %d times", got)
	}
}

func TestProcessBeatsHeartbeat(t *testing.T) {
	path, hash := writeClip(t)
	beats := &countBeat{}
	worker := NewWorker(testLogger(), &fakeJournal{}, &fakeStorage{}, &fakeNotifier{}, beats, WorkerConfig{
		InnerInitial: 2 * time.Second,
	})
	worker.sleep = func(ctx context.Context, d time.Duration) bool { return true }

	worker.process(context.Background(), testEntry(path, hash))

	if beats.count() == 0 {
		t.Fatal("processing an entry should beat the heartbeat")
	}
}

func TestProcessMissingFile(t *testing.T) {
	j := &fakeJournal{}
	s := &fakeStorage{}
	n := &fakeNotifier{}
	worker, _ := newTestWorker(j, s, n)

	entry := testEntry("/nonexistent/clip.mp4", "abc")
	worker.process(context.Background(), entry)

	if len(j.failed) != 1 || j.failed[0] != "file not found" {
		t.Fatalf("expected file-not-found failure, got %v", j.failed)
	}
	if s.calls != 0 {
		t.Error("missing file must not reach storage")
	}
}

func TestProcessDigestMismatch(t *testing.T) {
	path, _ := writeClip(t)
	j := &fakeJournal{}
	s := &fakeStorage{}
	n := &fakeNotifier{}
	worker, _ := newTestWorker(j, s, n)

	entry := testEntry(path, "deadbeef")
	worker.process(context.Background(), entry)

	if len(j.failed) != 1 || j.failed[0] != "integrity mismatch" {
		t.Fatalf("expected integrity failure, got %v", j.failed)
	}
	if s.calls != 0 {
		t.Error("corrupt file must not reach storage")
	}
}
