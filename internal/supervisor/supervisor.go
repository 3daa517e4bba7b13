package supervisor

import (
	"context"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/filmaeu/penareia/internal/clip"
	"github.com/filmaeu/penareia/internal/servicelog"
	"github.com/filmaeu/penareia/internal/telemetry"
)

var (
	stallsDetected = promauto.NewCounter(prometheus.CounterOpts{
		Name: "supervisor_stalls_total",
		Help: "Heartbeat stalls that forced an exit",
	})

	cleanupBytes = promauto.NewCounter(prometheus.CounterOpts{
		Name: "supervisor_cleanup_bytes_total",
		Help: "Bytes reclaimed by periodic clip cleanup",
	})
)

const (
	defaultTick         = 30 * time.Second
	defaultMaxGap       = 60 * time.Second
	defaultCleanupEvery = time.Hour
	defaultMaxClipAge   = 24 * time.Hour
)

// Journal is the slice of the durable store the supervisor writes to.
type Journal interface {
	UpdateHeartbeat(ctx context.Context, t time.Time) error
	RecordCrash(ctx context.Context) error
}

// Config tunes the supervisor. Zero values take the defaults above.
type Config struct {
	Tick         time.Duration
	MaxGap       time.Duration
	CleanupEvery time.Duration
	MaxClipAge   time.Duration
	CleanupDirs  []string
}

// Supervisor is the process watchdog: it persists the heartbeat,
// kills the process when the heartbeat goes stale (the service manager
// restarts it), sweeps old clips and logs host telemetry.
type Supervisor struct {
	logger    servicelog.Logger
	heartbeat *Heartbeat
	journal   Journal
	telemetry *telemetry.Collector
	config    Config

	exit func(code int)
	now  func() time.Time
}

func New(logger servicelog.Logger, heartbeat *Heartbeat, journal Journal, collector *telemetry.Collector, config Config) *Supervisor {
	if config.Tick <= 0 {
		config.Tick = defaultTick
	}
	if config.MaxGap <= 0 {
		config.MaxGap = defaultMaxGap
	}
	if config.CleanupEvery <= 0 {
		config.CleanupEvery = defaultCleanupEvery
	}
	if config.MaxClipAge <= 0 {
		config.MaxClipAge = defaultMaxClipAge
	}
	return &Supervisor{
		logger:    logger,
		heartbeat: heartbeat,
		journal:   journal,
		telemetry: collector,
		config:    config,
		exit:      os.Exit,
		now:       time.Now,
	}
}

// Run watches the heartbeat until the context is cancelled.
func (s *Supervisor) Run(ctx context.Context) {
	ticker := time.NewTicker(s.config.Tick)
	defer ticker.Stop()
	lastCleanup := s.now()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		last := s.heartbeat.Last()
		if err := s.journal.UpdateHeartbeat(ctx, last); err != nil {
			s.logger.Warn("failed to persist heartbeat", servicelog.Error(err))
		}
		gap := s.now().Sub(last)
		if gap > s.config.MaxGap {
			stallsDetected.Inc()
			s.journal.RecordCrash(ctx)
			s.logger.Error("heartbeat stalled, exiting for restart",
				servicelog.Duration("gap", gap),
				servicelog.Time("last_beat", last))
			s.exit(1)
			return
		}
		if s.now().Sub(lastCleanup) >= s.config.CleanupEvery {
			lastCleanup = s.now()
			freed := clip.CleanOlderThan(s.logger, s.config.CleanupDirs, s.config.MaxClipAge, s.now())
			cleanupBytes.Add(float64(freed))
			if freed > 0 {
				s.logger.Info("clip cleanup complete", servicelog.Int64("freed_bytes", freed))
			}
		}
		if s.telemetry.Enabled() {
			if stats := s.telemetry.Snapshot(ctx); stats != nil {
				s.logger.Info("host telemetry", servicelog.Any("stats", stats))
			}
		}
	}
}
