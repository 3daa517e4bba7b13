package journal

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	_ "modernc.org/sqlite"

	"github.com/filmaeu/penareia/internal/buffer"
	"github.com/filmaeu/penareia/internal/servicelog"
)

type journalError string

// Error implements error
func (err journalError) Error() string {
	return string(err)
}

const (
	ErrEnqueueFailed = journalError("failed to enqueue upload")
	ErrNotFound      = journalError("journal entry not found")
)

// Entry states. Terminal states are stable: a completed or failed entry
// is never moved again.
const (
	StatusPending   = "pending"
	StatusCompleted = "completed"
	StatusFailed    = "failed"
)

const (
	DefaultMaxAttempts = 5
	defaultOpTimeout   = 10 * time.Second
)

var (
	entriesEnqueued = promauto.NewCounter(prometheus.CounterOpts{
		Name: "journal_entries_enqueued",
		Help: "Number of upload entries enqueued",
	})

	entriesByOutcome = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "journal_entries_resolved",
			Help: "Number of upload entries resolved, by final status",
		},
		[]string{"status"},
	)

	entriesRecovered = promauto.NewCounter(prometheus.CounterOpts{
		Name: "journal_entries_recovered",
		Help: "Number of pending entries re-admitted after restart",
	})
)

// Entry is one durable row of the upload queue.
type Entry struct {
	ID           int64
	Filename     string
	LocalPath    string
	RemotePath   string
	Timestamp    time.Time
	Attempts     int
	MaxAttempts  int
	Status       string
	ErrorMessage string // public URL on success, failure reason otherwise
	FileHash     string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// SystemStatus is the single durable status row.
type SystemStatus struct {
	LastHeartbeat  time.Time
	UptimeSeconds  int64
	Captures       int64
	UploadsSuccess int64
	UploadsFailed  int64
	Crashes        int64
}

// Store is the durable upload journal plus the in-memory work queue fed
// from it. Rows are always written before an entry is made visible to
// the worker, so a crash never loses accepted work.
type Store struct {
	logger      servicelog.Logger
	db          *sql.DB
	queue       *buffer.Queue[*Entry]
	opTimeout   time.Duration
	maxAttempts int
	started     time.Time
}

// Open creates (or reopens) the journal database at path and prepares
// the schema. The directory is created if missing.
func Open(logger servicelog.Logger, path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("create journal dir: %w", err)
	}
	// busy_timeout matches the 10s per-operation budget
	dsn := fmt.Sprintf("file:%s?_busy_timeout=10000&_journal_mode=WAL&_synchronous=NORMAL", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open journal: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping journal: %w", err)
	}
	store := &Store{
		logger:      logger,
		db:          db,
		queue:       buffer.NewQueue[*Entry](),
		opTimeout:   defaultOpTimeout,
		maxAttempts: DefaultMaxAttempts,
		started:     time.Now(),
	}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate journal: %w", err)
	}
	return store, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS upload_queue (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		filename TEXT NOT NULL,
		local_path TEXT NOT NULL,
		remote_path TEXT NOT NULL,
		timestamp TEXT NOT NULL,
		attempts INTEGER NOT NULL DEFAULT 0,
		max_attempts INTEGER NOT NULL DEFAULT 5,
		status TEXT NOT NULL DEFAULT 'pending' CHECK(status IN ('pending', 'completed', 'failed')),
		error_message TEXT,
		file_hash TEXT NOT NULL,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_upload_queue_status ON upload_queue(status);

	CREATE TABLE IF NOT EXISTS system_status (
		id INTEGER PRIMARY KEY CHECK(id = 1),
		last_heartbeat TEXT,
		started_at TEXT NOT NULL,
		captures INTEGER NOT NULL DEFAULT 0,
		uploads_success INTEGER NOT NULL DEFAULT 0,
		uploads_failed INTEGER NOT NULL DEFAULT 0,
		crashes INTEGER NOT NULL DEFAULT 0
	);
	`
	if _, err := s.db.Exec(schema); err != nil {
		return err
	}
	_, err := s.db.Exec(
		`INSERT OR IGNORE INTO system_status (id, started_at) VALUES (1, ?)`,
		s.started.UTC().Format(time.RFC3339),
	)
	return err
}

func (s *Store) opCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, s.opTimeout)
}

// HashFile returns the hex SHA-256 digest of the file contents.
func HashFile(path string) (string, error) {
	file, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer file.Close()
	hash := sha256.New()
	if _, err := io.Copy(hash, file); err != nil {
		return "", err
	}
	return hex.EncodeToString(hash.Sum(nil)), nil
}

// Enqueue records a new pending upload and makes it visible to the
// worker. The content digest is captured now so the worker can detect
// tampering before uploading. Priority entries are placed ahead of
// queued retries; durability is identical either way.
func (s *Store) Enqueue(ctx context.Context, localPath, remoteName string, priority bool) (*Entry, error) {
	hash, err := HashFile(localPath)
	if err != nil {
		s.logger.Error("failed to hash file for enqueue", servicelog.String("path", localPath), servicelog.Error(err))
		return nil, fmt.Errorf("%w: %s", ErrEnqueueFailed, err)
	}
	now := time.Now()
	entry := &Entry{
		Filename:    remoteName,
		LocalPath:   localPath,
		RemotePath:  remoteName,
		Timestamp:   now,
		MaxAttempts: s.maxAttempts,
		Status:      StatusPending,
		FileHash:    hash,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	opCtx, cancel := s.opCtx(ctx)
	defer cancel()
	res, err := s.db.ExecContext(opCtx, `
		INSERT INTO upload_queue
			(filename, local_path, remote_path, timestamp, attempts, max_attempts, status, file_hash, created_at, updated_at)
		VALUES (?, ?, ?, ?, 0, ?, ?, ?, ?, ?)`,
		entry.Filename, entry.LocalPath, entry.RemotePath,
		entry.Timestamp.UTC().Format(time.RFC3339Nano),
		entry.MaxAttempts, entry.Status, entry.FileHash,
		entry.CreatedAt.UTC().Format(time.RFC3339Nano),
		entry.UpdatedAt.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		s.logger.Error("failed to insert journal entry", servicelog.String("file", remoteName), servicelog.Error(err))
		return nil, fmt.Errorf("%w: %s", ErrEnqueueFailed, err)
	}
	entry.ID, _ = res.LastInsertId()
	if priority {
		s.queue.PushFront(entry)
	} else {
		s.queue.Push(entry)
	}
	entriesEnqueued.Inc()
	s.logger.Info("upload enqueued",
		servicelog.Int64("id", entry.ID),
		servicelog.String("file", entry.Filename),
		servicelog.Bool("priority", priority))
	return entry, nil
}

// MarkCompleted resolves the entry as completed. The public URL is the
// success payload, stored in error_message.
func (s *Store) MarkCompleted(ctx context.Context, entry *Entry, url string) error {
	if err := s.resolve(ctx, entry, StatusCompleted, url); err != nil {
		return err
	}
	return s.bumpCounter(ctx, "uploads_success")
}

// MarkFailed resolves the entry as failed with the given reason.
func (s *Store) MarkFailed(ctx context.Context, entry *Entry, reason string) error {
	if err := s.resolve(ctx, entry, StatusFailed, reason); err != nil {
		return err
	}
	return s.bumpCounter(ctx, "uploads_failed")
}

func (s *Store) resolve(ctx context.Context, entry *Entry, status, message string) error {
	opCtx, cancel := s.opCtx(ctx)
	defer cancel()
	now := time.Now()
	_, err := s.db.ExecContext(opCtx, `
		UPDATE upload_queue SET status = ?, error_message = ?, attempts = ?, updated_at = ?
		WHERE id = ?`,
		status, message, entry.Attempts, now.UTC().Format(time.RFC3339Nano), entry.ID)
	if err != nil {
		s.logger.Error("failed to resolve journal entry",
			servicelog.Int64("id", entry.ID), servicelog.String("status", status), servicelog.Error(err))
		return err
	}
	entry.Status = status
	entry.ErrorMessage = message
	entry.UpdatedAt = now
	entriesByOutcome.WithLabelValues(status).Inc()
	s.logger.Info("journal entry resolved",
		servicelog.Int64("id", entry.ID),
		servicelog.String("file", entry.Filename),
		servicelog.String("status", status))
	return nil
}

// IncrementAttempts persists one more outer attempt for the entry.
func (s *Store) IncrementAttempts(ctx context.Context, entry *Entry) error {
	opCtx, cancel := s.opCtx(ctx)
	defer cancel()
	now := time.Now()
	_, err := s.db.ExecContext(opCtx,
		`UPDATE upload_queue SET attempts = attempts + 1, updated_at = ? WHERE id = ?`,
		now.UTC().Format(time.RFC3339Nano), entry.ID)
	if err != nil {
		return err
	}
	entry.Attempts++
	entry.UpdatedAt = now
	return nil
}

// RecoverPending re-admits all pending rows whose local file still
// exists; rows with a missing file fail permanently. Durable order is
// preserved. Called once at startup, before the worker runs.
func (s *Store) RecoverPending(ctx context.Context) (readmitted, failed int, err error) {
	opCtx, cancel := s.opCtx(ctx)
	defer cancel()
	rows, err := s.db.QueryContext(opCtx, `
		SELECT id, filename, local_path, remote_path, timestamp, attempts, max_attempts,
		       status, COALESCE(error_message, ''), file_hash, created_at, updated_at
		FROM upload_queue WHERE status = ? ORDER BY id`, StatusPending)
	if err != nil {
		return 0, 0, err
	}
	defer rows.Close()
	var pending []*Entry
	for rows.Next() {
		entry, err := scanEntry(rows)
		if err != nil {
			return 0, 0, err
		}
		pending = append(pending, entry)
	}
	if err := rows.Err(); err != nil {
		return 0, 0, err
	}
	for _, entry := range pending {
		if _, statErr := os.Stat(entry.LocalPath); statErr != nil {
			s.logger.Warn("pending upload lost its file",
				servicelog.Int64("id", entry.ID), servicelog.String("path", entry.LocalPath))
			if err := s.MarkFailed(ctx, entry, "file not found on recovery"); err != nil {
				return readmitted, failed, err
			}
			failed++
			continue
		}
		s.queue.Push(entry)
		entriesRecovered.Inc()
		readmitted++
	}
	if readmitted > 0 || failed > 0 {
		s.logger.Info("journal recovery complete",
			servicelog.Int("readmitted", readmitted), servicelog.Int("failed", failed))
	}
	return readmitted, failed, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEntry(row rowScanner) (*Entry, error) {
	var (
		entry                    Entry
		ts, createdAt, updatedAt string
	)
	if err := row.Scan(&entry.ID, &entry.Filename, &entry.LocalPath, &entry.RemotePath,
		&ts, &entry.Attempts, &entry.MaxAttempts, &entry.Status, &entry.ErrorMessage,
		&entry.FileHash, &createdAt, &updatedAt); err != nil {
		return nil, err
	}
	entry.Timestamp, _ = time.Parse(time.RFC3339Nano, ts)
	entry.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
	entry.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updatedAt)
	return &entry, nil
}

// Get reloads a single entry by id.
func (s *Store) Get(ctx context.Context, id int64) (*Entry, error) {
	opCtx, cancel := s.opCtx(ctx)
	defer cancel()
	row := s.db.QueryRowContext(opCtx, `
		SELECT id, filename, local_path, remote_path, timestamp, attempts, max_attempts,
		       status, COALESCE(error_message, ''), file_hash, created_at, updated_at
		FROM upload_queue WHERE id = ?`, id)
	entry, err := scanEntry(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	return entry, err
}

// Dequeue hands the next queued entry to the worker, waiting up to wait.
func (s *Store) Dequeue(ctx context.Context, wait time.Duration) (*Entry, bool) {
	return s.queue.Pop(ctx, wait)
}

// Requeue re-admits an entry after a failed outer attempt.
func (s *Store) Requeue(entry *Entry) {
	s.queue.Push(entry)
}

// QueueLen returns the number of entries waiting for the worker.
func (s *Store) QueueLen() int {
	return s.queue.Len()
}

func (s *Store) bumpCounter(ctx context.Context, column string) error {
	opCtx, cancel := s.opCtx(ctx)
	defer cancel()
	query := fmt.Sprintf(`UPDATE system_status SET %s = %s + 1 WHERE id = 1`, column, column)
	_, err := s.db.ExecContext(opCtx, query)
	return err
}

// RecordCapture increments the durable capture counter.
func (s *Store) RecordCapture(ctx context.Context) error {
	return s.bumpCounter(ctx, "captures")
}

// RecordCrash increments the durable crash counter. Called by the
// supervisor right before forcing the process to exit.
func (s *Store) RecordCrash(ctx context.Context) error {
	return s.bumpCounter(ctx, "crashes")
}

// UpdateHeartbeat persists the last observed heartbeat timestamp.
func (s *Store) UpdateHeartbeat(ctx context.Context, t time.Time) error {
	opCtx, cancel := s.opCtx(ctx)
	defer cancel()
	_, err := s.db.ExecContext(opCtx,
		`UPDATE system_status SET last_heartbeat = ? WHERE id = 1`,
		t.UTC().Format(time.RFC3339Nano))
	return err
}

// Status reads the durable status row.
func (s *Store) Status(ctx context.Context) (SystemStatus, error) {
	opCtx, cancel := s.opCtx(ctx)
	defer cancel()
	var (
		status    SystemStatus
		heartbeat sql.NullString
	)
	err := s.db.QueryRowContext(opCtx, `
		SELECT last_heartbeat, captures, uploads_success, uploads_failed, crashes
		FROM system_status WHERE id = 1`).Scan(
		&heartbeat, &status.Captures, &status.UploadsSuccess, &status.UploadsFailed, &status.Crashes)
	if err != nil {
		return status, err
	}
	if heartbeat.Valid {
		status.LastHeartbeat, _ = time.Parse(time.RFC3339Nano, heartbeat.String)
	}
	status.UptimeSeconds = int64(time.Since(s.started) / time.Second)
	return status, nil
}
