package clip

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/filmaeu/penareia/internal/buffer"
	"github.com/filmaeu/penareia/internal/journal"
	"github.com/filmaeu/penareia/internal/servicelog"
)

type clipError string

// Error implements error
func (e clipError) Error() string {
	return string(e)
}

const (
	// User-facing message, surfaced verbatim by the trigger endpoint.
	ErrBufferEmpty = clipError("Nenhum frame disponível no buffer!")

	ErrInsufficientStorage = clipError("insufficient disk space for a new clip")
	ErrWriterOpen          = clipError("failed to open temporary clip writer")
	ErrWriterWrite         = clipError("failed to write temporary clip")
)

const (
	tempDirName  = "temp"
	finalDirName = "final"

	// Timestamped basename, day first, matching the public archive
	// naming convention.
	basenameLayout = "Penareia_02-01-2006_15-04-05"

	defaultFreeFloor          = 1 << 30 // 1 GiB before a capture
	defaultEmergencyFreeFloor = 512 << 20
	defaultEmergencyAge       = time.Hour
)

var (
	triggersSaved = promauto.NewCounter(prometheus.CounterOpts{
		Name: "clip_saved_total",
		Help: "Clips captured, transcoded and enqueued",
	})

	triggerErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "clip_errors_total",
			Help: "Trigger failures by stage",
		},
		[]string{"stage"},
	)

	clipFrames = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "clip_frames",
		Help:    "Frames per saved clip",
		Buckets: []float64{60, 120, 240, 480, 720, 1440},
	})
)

// SequenceWriter turns a frame sequence into a temporary video file.
type SequenceWriter interface {
	WriteSequence(ctx context.Context, path string, frames []buffer.Frame, fps, width, height int) error
}

// Transcoder converts the temporary file into the final web format.
type Transcoder interface {
	Transcode(ctx context.Context, input, output string) error
}

// Journal is the durable queue the finished clip is handed to.
type Journal interface {
	Enqueue(ctx context.Context, localPath, remoteName string, priority bool) (*journal.Entry, error)
	RecordCapture(ctx context.Context) error
}

// Config for the clip writer.
type Config struct {
	BaseDir     string
	SaveSeconds int
	FPS         int

	FreeFloor          uint64        // bytes required before capturing
	EmergencyFreeFloor uint64        // bytes required after emergency cleanup
	EmergencyAge       time.Duration // clips older than this are expendable
}

// Result describes a saved clip.
type Result struct {
	Basename   string
	TempPath   string
	FinalPath  string
	RemoteName string
	Frames     int
	Entry      *journal.Entry
}

// Writer drives the whole trigger path: disk check, buffer snapshot,
// temporary write, transcode and enqueue. It owns videos/temp and
// videos/final under BaseDir.
type Writer struct {
	logger     servicelog.Logger
	ring       *buffer.FrameRing
	sequence   SequenceWriter
	transcoder Transcoder
	journal    Journal
	config     Config

	diskFree func(path string) (uint64, error)
	now      func() time.Time
}

func NewWriter(logger servicelog.Logger, ring *buffer.FrameRing, sequence SequenceWriter, transcoder Transcoder, journal Journal, config Config) *Writer {
	if config.FreeFloor == 0 {
		config.FreeFloor = defaultFreeFloor
	}
	if config.EmergencyFreeFloor == 0 {
		config.EmergencyFreeFloor = defaultEmergencyFreeFloor
	}
	if config.EmergencyAge == 0 {
		config.EmergencyAge = defaultEmergencyAge
	}
	return &Writer{
		logger:     logger,
		ring:       ring,
		sequence:   sequence,
		transcoder: transcoder,
		journal:    journal,
		config:     config,
		diskFree:   diskFree,
		now:        time.Now,
	}
}

// TempDir returns the directory for temporary clips.
func (w *Writer) TempDir() string {
	return filepath.Join(w.config.BaseDir, tempDirName)
}

// FinalDir returns the directory for transcoded clips.
func (w *Writer) FinalDir() string {
	return filepath.Join(w.config.BaseDir, finalDirName)
}

// Save freezes the most recent SaveSeconds of the buffer into a clip
// and enqueues it for upload. The temporary file is removed only after
// a successful transcode.
func (w *Writer) Save(ctx context.Context) (*Result, error) {
	if err := w.ensureSpace(); err != nil {
		triggerErrors.WithLabelValues("disk").Inc()
		return nil, err
	}

	want := w.config.SaveSeconds * w.config.FPS
	frames := w.ring.SnapshotTail(want)
	if len(frames) == 0 {
		triggerErrors.WithLabelValues("buffer").Inc()
		return nil, ErrBufferEmpty
	}

	for _, dir := range []string{w.config.BaseDir, w.TempDir(), w.FinalDir()} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			triggerErrors.WithLabelValues("mkdir").Inc()
			return nil, fmt.Errorf("%w: %s", ErrWriterOpen, err)
		}
	}

	basename := w.now().Format(basenameLayout)
	result := &Result{
		Basename:   basename,
		TempPath:   filepath.Join(w.TempDir(), basename+"_temp.mp4"),
		FinalPath:  filepath.Join(w.FinalDir(), basename+".mp4"),
		RemoteName: basename + ".mp4",
		Frames:     len(frames),
	}
	width, height := frames[0].Width, frames[0].Height
	logger := w.logger.With(servicelog.String("clip", basename))
	logger.Info("saving clip",
		servicelog.Int("frames", len(frames)),
		servicelog.Int("width", width),
		servicelog.Int("height", height))

	if err := w.sequence.WriteSequence(ctx, result.TempPath, frames, w.config.FPS, width, height); err != nil {
		triggerErrors.WithLabelValues("write").Inc()
		logger.Error("temporary write failed", servicelog.Error(err))
		return nil, err
	}

	if err := w.transcoder.Transcode(ctx, result.TempPath, result.FinalPath); err != nil {
		triggerErrors.WithLabelValues("transcode").Inc()
		logger.Error("transcode failed", servicelog.Error(err))
		return nil, err
	}

	if err := os.Remove(result.TempPath); err != nil {
		logger.Warn("failed to remove temporary clip", servicelog.Error(err))
	}

	entry, err := w.journal.Enqueue(ctx, result.FinalPath, result.RemoteName, true)
	if err != nil {
		triggerErrors.WithLabelValues("enqueue").Inc()
		logger.Error("enqueue failed", servicelog.Error(err))
		return nil, err
	}
	result.Entry = entry
	if err := w.journal.RecordCapture(ctx); err != nil {
		logger.Warn("failed to record capture", servicelog.Error(err))
	}

	triggersSaved.Inc()
	clipFrames.Observe(float64(len(frames)))
	logger.Info("clip enqueued for upload", servicelog.Int64("entry", entry.ID))
	return result, nil
}

// ensureSpace verifies the free-space floor, with one emergency
// cleanup pass over old clips before giving up.
func (w *Writer) ensureSpace() error {
	path := w.config.BaseDir
	if _, err := os.Stat(path); err != nil {
		path = "."
	}
	free, err := w.diskFree(path)
	if err != nil {
		w.logger.Warn("free space check failed", servicelog.Error(err))
		return nil
	}
	if free >= w.config.FreeFloor {
		return nil
	}
	freed := CleanOlderThan(w.logger, []string{w.TempDir(), w.FinalDir()}, w.config.EmergencyAge, w.now())
	w.logger.Warn("low disk space, ran emergency cleanup",
		servicelog.Int64("free_bytes", int64(free)),
		servicelog.Int64("freed_bytes", freed))
	free, err = w.diskFree(path)
	if err != nil {
		return nil
	}
	if free < w.config.EmergencyFreeFloor {
		return fmt.Errorf("%w: %d bytes free", ErrInsufficientStorage, free)
	}
	return nil
}
