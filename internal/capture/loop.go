package capture

import (
	"context"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	uberatomic "go.uber.org/atomic"

	"github.com/filmaeu/penareia/internal/buffer"
	"github.com/filmaeu/penareia/internal/servicelog"
)

var (
	framesCaptured = promauto.NewCounter(prometheus.CounterOpts{
		Name: "capture_frames_total",
		Help: "Frames appended to the pre-roll buffer",
	})

	readFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "capture_read_failures_total",
		Help: "Frame read failures",
	})

	framesDropped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "capture_frames_dropped_total",
		Help: "Frames discarded for not matching the frozen dimensions",
	})

	reconnects = promauto.NewCounter(prometheus.CounterOpts{
		Name: "capture_reconnects_total",
		Help: "Source reconnect attempts",
	})

	degradedGauge = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "capture_degraded",
		Help: "1 when capture gave up on the source and only heartbeats remain",
	})
)

// Heartbeat is the liveness signal shared with the supervisor.
type Heartbeat interface {
	Beat()
}

const (
	defaultMaxReadFailures = 10
	defaultMaxSessions     = 10
	defaultReconnectDelay  = 5 * time.Second
	degradedBeatInterval   = 5 * time.Second
)

// LoopConfig tunes the capture loop. Zero values take the defaults
// above.
type LoopConfig struct {
	FPS             int
	MaxReadFailures int
	MaxSessions     int
	ReconnectDelay  time.Duration
}

// Loop owns the camera session: it opens the source, appends every
// frame to the ring and beats the heartbeat. Read failures close the
// session; sessions are reopened with a fixed delay until the retry
// budget is spent, after which the loop degrades to heartbeat-only so
// the supervisor does not kill a process that is merely cameraless.
type Loop struct {
	logger    servicelog.Logger
	ring      *buffer.FrameRing
	heartbeat Heartbeat
	open      func() ResumableSource
	config    LoopConfig

	beatEvery int
	degraded  uberatomic.Bool

	mutex  sync.Mutex
	width  int
	height int
}

func NewLoop(logger servicelog.Logger, ring *buffer.FrameRing, heartbeat Heartbeat, open func() ResumableSource, config LoopConfig) *Loop {
	if config.MaxReadFailures <= 0 {
		config.MaxReadFailures = defaultMaxReadFailures
	}
	if config.MaxSessions <= 0 {
		config.MaxSessions = defaultMaxSessions
	}
	if config.ReconnectDelay <= 0 {
		config.ReconnectDelay = defaultReconnectDelay
	}
	// one beat per five seconds of captured video
	beatEvery := 5 * config.FPS
	if beatEvery < 1 {
		beatEvery = 1
	}
	return &Loop{
		logger:    logger,
		ring:      ring,
		heartbeat: heartbeat,
		open:      open,
		config:    config,
		beatEvery: beatEvery,
	}
}

// Dims returns the frame dimensions frozen from the first captured
// frame, or zeros before any frame arrived.
func (l *Loop) Dims() (width, height int) {
	l.mutex.Lock()
	defer l.mutex.Unlock()
	return l.width, l.height
}

// Degraded reports whether the loop gave up on the source.
func (l *Loop) Degraded() bool {
	return l.degraded.Load()
}

// Run drives capture sessions until the context is cancelled.
func (l *Loop) Run(ctx context.Context) {
	l.heartbeat.Beat()
	failedSessions := 0
	for ctx.Err() == nil {
		src := l.open()
		produced := l.session(ctx, src)
		src.Stop()
		if ctx.Err() != nil {
			return
		}
		if produced {
			failedSessions = 0
		} else {
			failedSessions++
		}
		if failedSessions >= l.config.MaxSessions {
			break
		}
		reconnects.Inc()
		l.logger.Warn("source session ended, reconnecting",
			servicelog.String("source", src.Name()),
			servicelog.Int("failed_sessions", failedSessions))
		if !sleepContext(ctx, l.config.ReconnectDelay) {
			return
		}
	}
	if ctx.Err() != nil {
		return
	}
	l.degraded.Store(true)
	degradedGauge.Set(1)
	l.logger.Error("source retry budget exhausted, capture degraded")
	ticker := time.NewTicker(degradedBeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			l.heartbeat.Beat()
		}
	}
}

// session reads frames until the context ends or too many consecutive
// reads fail. It reports whether at least one frame was appended.
func (l *Loop) session(ctx context.Context, src ResumableSource) bool {
	if err := src.Start(ctx); err != nil {
		l.logger.Error("failed to start source",
			servicelog.String("source", src.Name()),
			servicelog.Error(err))
		return false
	}
	l.heartbeat.Beat()
	consecutive := 0
	sinceBeat := 0
	produced := false
	warnedDims := false
	for {
		if ctx.Err() != nil {
			return produced
		}
		frame, err := src.Next(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return produced
			}
			readFailures.Inc()
			consecutive++
			if consecutive >= l.config.MaxReadFailures {
				l.logger.Warn("too many consecutive read failures, closing source",
					servicelog.String("source", src.Name()),
					servicelog.Int("failures", consecutive),
					servicelog.Error(err))
				return produced
			}
			continue
		}
		consecutive = 0
		if !l.admit(frame) {
			framesDropped.Inc()
			if !warnedDims {
				warnedDims = true
				l.logger.Warn("dropping frames with unexpected dimensions",
					servicelog.String("source", src.Name()),
					servicelog.Int("width", frame.Width),
					servicelog.Int("height", frame.Height))
			}
			continue
		}
		l.ring.Append(frame)
		framesCaptured.Inc()
		produced = true
		sinceBeat++
		if sinceBeat >= l.beatEvery {
			l.heartbeat.Beat()
			sinceBeat = 0
		}
	}
}

// admit freezes the ring dimensions on the first sized frame and
// rejects later frames that differ, so every frame in a snapshot can be
// piped to the encoder under a single geometry. Frames without known
// dimensions pass through.
func (l *Loop) admit(frame buffer.Frame) bool {
	if frame.Width <= 0 || frame.Height <= 0 {
		return true
	}
	l.mutex.Lock()
	defer l.mutex.Unlock()
	if l.width == 0 {
		l.width = frame.Width
		l.height = frame.Height
		l.logger.Info("frame dimensions detected",
			servicelog.Int("width", frame.Width),
			servicelog.Int("height", frame.Height))
		return true
	}
	return frame.Width == l.width && frame.Height == l.height
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
