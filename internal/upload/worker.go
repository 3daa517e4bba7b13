package upload

import (
	"context"
	"os"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/filmaeu/penareia/internal/journal"
	"github.com/filmaeu/penareia/internal/servicelog"
)

var (
	uploadsCompleted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "upload_completed_total",
		Help: "Journal entries uploaded and resolved as completed",
	})

	uploadsFailed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "upload_failed_total",
			Help: "Journal entries resolved as failed, by reason",
		},
		[]string{"reason"},
	)

	uploadRetries = promauto.NewCounter(prometheus.CounterOpts{
		Name: "upload_retries_total",
		Help: "Outer upload retries",
	})
)

const (
	defaultDequeueWait   = 5 * time.Second
	defaultRetryWait     = 30 * time.Second
	defaultInnerAttempts = 3
	defaultInnerInitial  = 2 * time.Second
)

// Storage sends a local file to the remote store and returns its
// public URL.
type Storage interface {
	Upload(ctx context.Context, localPath, remoteName string) (string, error)
}

// Heartbeat is the liveness signal shared with the supervisor.
type Heartbeat interface {
	Beat()
}

// Notifier is told about completed uploads. Delivery is best effort.
type Notifier interface {
	Notify(ctx context.Context, n Notification)
}

// Journal is the durable queue the worker consumes.
type Journal interface {
	Dequeue(ctx context.Context, wait time.Duration) (*journal.Entry, bool)
	Requeue(entry *journal.Entry)
	MarkCompleted(ctx context.Context, entry *journal.Entry, url string) error
	MarkFailed(ctx context.Context, entry *journal.Entry, reason string) error
	IncrementAttempts(ctx context.Context, entry *journal.Entry) error
}

// WorkerConfig tunes the single upload consumer. Zero values take the
// defaults above.
type WorkerConfig struct {
	DequeueWait   time.Duration
	RetryWait     time.Duration
	InnerAttempts int
	InnerInitial  time.Duration
}

// Worker drains the journal one entry at a time. Each entry gets a
// burst of quick sub-attempts; a failed burst counts as one persisted
// attempt and the entry goes back to the queue after a long pause,
// until its attempt budget is spent.
//
// The heartbeat is only beaten while an entry is actually being
// processed. Idle dequeue waits leave it alone: baseline liveness is
// the capture loop's job, and a worker spinning on an empty queue must
// not mask a frozen camera from the supervisor.
type Worker struct {
	logger    servicelog.Logger
	journal   Journal
	storage   Storage
	notifier  Notifier
	heartbeat Heartbeat
	config    WorkerConfig

	sleep func(ctx context.Context, d time.Duration) bool
}

func NewWorker(logger servicelog.Logger, journal Journal, storage Storage, notifier Notifier, heartbeat Heartbeat, config WorkerConfig) *Worker {
	if config.DequeueWait <= 0 {
		config.DequeueWait = defaultDequeueWait
	}
	if config.RetryWait <= 0 {
		config.RetryWait = defaultRetryWait
	}
	if config.InnerAttempts <= 0 {
		config.InnerAttempts = defaultInnerAttempts
	}
	if config.InnerInitial <= 0 {
		config.InnerInitial = defaultInnerInitial
	}
	return &Worker{
		logger:    logger,
		journal:   journal,
		storage:   storage,
		notifier:  notifier,
		heartbeat: heartbeat,
		config:    config,
		sleep:     sleepContext,
	}
}

// Run consumes the journal until the context is cancelled.
func (w *Worker) Run(ctx context.Context) {
	for ctx.Err() == nil {
		entry, ok := w.journal.Dequeue(ctx, w.config.DequeueWait)
		if !ok {
			continue
		}
		w.process(ctx, entry)
	}
}

func (w *Worker) process(ctx context.Context, entry *journal.Entry) {
	w.heartbeat.Beat()
	logger := w.logger.With(
		servicelog.Int64("entry", entry.ID),
		servicelog.String("file", entry.RemotePath))

	if _, err := os.Stat(entry.LocalPath); err != nil {
		logger.Error("local file missing, abandoning entry", servicelog.Error(err))
		uploadsFailed.WithLabelValues("missing").Inc()
		w.journal.MarkFailed(ctx, entry, "file not found")
		return
	}
	if hash, err := journal.HashFile(entry.LocalPath); err != nil || hash != entry.FileHash {
		logger.Error("digest mismatch, abandoning entry",
			servicelog.String("expected", entry.FileHash))
		uploadsFailed.WithLabelValues("integrity").Inc()
		w.journal.MarkFailed(ctx, entry, "integrity mismatch")
		return
	}

	url, err := w.uploadWithRetries(ctx, entry)
	if err == nil {
		if rmErr := os.Remove(entry.LocalPath); rmErr != nil {
			logger.Warn("failed to remove uploaded clip", servicelog.Error(rmErr))
		}
		w.journal.MarkCompleted(ctx, entry, url)
		uploadsCompleted.Inc()
		logger.Info("upload resolved", servicelog.String("url", url))
		w.notifier.Notify(ctx, Notification{
			Arquivo:  entry.RemotePath,
			URL:      url,
			DataHora: entry.Timestamp.Format("2006-01-02 15:04:05"),
		})
		return
	}
	if ctx.Err() != nil {
		// entry stays pending in the journal, recovered on restart
		return
	}

	w.journal.IncrementAttempts(ctx, entry)
	if entry.Attempts >= entry.MaxAttempts {
		logger.Error("attempt budget spent, abandoning entry",
			servicelog.Int("attempts", entry.Attempts),
			servicelog.Error(err))
		uploadsFailed.WithLabelValues("attempts").Inc()
		w.journal.MarkFailed(ctx, entry, err.Error())
		return
	}
	uploadRetries.Inc()
	logger.Warn("upload attempt failed, requeueing",
		servicelog.Int("attempts", entry.Attempts),
		servicelog.Int("max_attempts", entry.MaxAttempts),
		servicelog.Error(err))
	if !w.sleep(ctx, w.config.RetryWait) {
		return
	}
	w.journal.Requeue(entry)
}

// uploadWithRetries makes a burst of quick sub-attempts with
// deterministic exponential spacing.
func (w *Worker) uploadWithRetries(ctx context.Context, entry *journal.Entry) (string, error) {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = w.config.InnerInitial
	bo.Multiplier = 2
	bo.RandomizationFactor = 0
	bo.MaxInterval = time.Minute
	bo.Reset()

	var lastErr error
	for attempt := 0; attempt < w.config.InnerAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return "", err
		}
		w.heartbeat.Beat()
		url, err := w.storage.Upload(ctx, entry.LocalPath, entry.RemotePath)
		if err == nil {
			return url, nil
		}
		lastErr = err
		if attempt < w.config.InnerAttempts-1 {
			if !w.sleep(ctx, bo.NextBackOff()) {
				return "", lastErr
			}
		}
	}
	return "", lastErr
}

func sleepContext(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
