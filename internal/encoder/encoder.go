package encoder

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"runtime"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/filmaeu/penareia/internal/servicelog"
)

type encoderError string

// Error implements error
func (e encoderError) Error() string {
	return string(e)
}

const (
	ErrTranscodeFailed = encoderError("transcode failed")
)

const (
	defaultBinary        = "ffmpeg"
	defaultHardwareCodec = "h264_v4l2m2m"
)

var (
	transcodeSeconds = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "transcode_seconds",
		Help:    "Transcode time per clip (seconds)",
		Buckets: []float64{1, 5, 10, 30, 60, 180},
	})

	transcodeErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "transcode_errors_total",
			Help: "Transcode attempt failures by profile",
		},
		[]string{"profile"},
	)
)

// Runner executes the encoder binary. The exec implementation is
// replaced in tests.
type Runner interface {
	Run(ctx context.Context, name string, args ...string) ([]byte, error)
}

type execRunner struct{}

func (execRunner) Run(ctx context.Context, name string, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	return cmd.CombinedOutput()
}

// Profile describes the target encoding. All fields map directly to
// encoder flags.
type Profile struct {
	VideoCodec  string
	AudioCodec  string
	Preset      string
	CRF         int
	PixelFormat string
	Tune        string
	Threads     int
	UseGPU      bool
	FPS         int
	Width       int
	Height      int
}

// Options override environment probing, for tests.
type Options struct {
	Binary string
	Arch   string
	Runner Runner
}

// Adapter converts temporary clips into web-compatible H.264 MP4 files.
// On ARM hosts it extends the profile with low-power streaming flags
// and can try the V4L2 hardware encoder first; a generic software
// profile is kept as the final fallback so a clip is never lost to an
// exotic flag.
type Adapter struct {
	logger  servicelog.Logger
	profile Profile
	binary  string
	arch    string
	runner  Runner

	availableOnce sync.Once
	available     bool
}

func New(logger servicelog.Logger, profile Profile, options Options) *Adapter {
	if options.Binary == "" {
		options.Binary = defaultBinary
	}
	if options.Arch == "" {
		options.Arch = runtime.GOARCH
	}
	if options.Runner == nil {
		options.Runner = execRunner{}
	}
	return &Adapter{
		logger:  logger,
		profile: profile,
		binary:  options.Binary,
		arch:    options.Arch,
		runner:  options.Runner,
	}
}

// Available reports whether the encoder binary responds. The probe
// runs once and is cached.
func (a *Adapter) Available() bool {
	a.availableOnce.Do(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_, err := a.runner.Run(ctx, a.binary, "-version")
		a.available = err == nil
		if err != nil {
			a.logger.Warn("encoder binary not available", servicelog.Error(err))
		}
	})
	return a.available
}

func (a *Adapter) onARM() bool {
	return a.arch == "arm" || a.arch == "arm64"
}

// profileArgs builds the full argument list for the given video codec.
func (a *Adapter) profileArgs(videoCodec, input, output string) []string {
	p := a.profile
	args := []string{
		"-y",
		"-i", input,
		"-c:v", videoCodec,
		"-preset", p.Preset,
		"-crf", strconv.Itoa(p.CRF),
		"-c:a", p.AudioCodec,
		"-pix_fmt", p.PixelFormat,
		"-movflags", "faststart",
	}
	if p.FPS > 0 {
		args = append(args, "-r", strconv.Itoa(p.FPS))
	}
	if p.Width > 0 && p.Height > 0 {
		args = append(args, "-s", fmt.Sprintf("%dx%d", p.Width, p.Height))
	}
	if a.onARM() {
		if p.Tune != "" {
			args = append(args, "-tune", p.Tune)
		}
		if p.Threads > 0 {
			args = append(args, "-threads", strconv.Itoa(p.Threads))
		}
		if p.FPS > 0 {
			args = append(args, "-g", strconv.Itoa(2*p.FPS))
		}
		args = append(args,
			"-sc_threshold", "0",
			"-profile:v", "baseline",
			"-level", "3.1",
		)
	}
	args = append(args, "-f", "mp4", output)
	return args
}

// fallbackArgs is the minimal profile: just codec, quality and
// container, no platform extensions.
func (a *Adapter) fallbackArgs(input, output string) []string {
	p := a.profile
	return []string{
		"-i", input,
		"-c:v", p.VideoCodec,
		"-preset", p.Preset,
		"-crf", strconv.Itoa(p.CRF),
		"-c:a", p.AudioCodec,
		"-pix_fmt", p.PixelFormat,
		"-movflags", "faststart",
		"-y",
		output,
	}
}

type attempt struct {
	name string
	args []string
}

func (a *Adapter) attempts(input, output string) []attempt {
	var list []attempt
	if a.profile.UseGPU && a.onARM() {
		list = append(list, attempt{
			name: "hardware",
			args: a.profileArgs(defaultHardwareCodec, input, output),
		})
	}
	list = append(list,
		attempt{name: "software", args: a.profileArgs(a.profile.VideoCodec, input, output)},
		attempt{name: "fallback", args: a.fallbackArgs(input, output)},
	)
	return list
}

// Transcode converts input into output, trying profiles in order of
// preference. The result is written next to the target and renamed
// into place only on success.
func (a *Adapter) Transcode(ctx context.Context, input, output string) error {
	partial := output + ".part"
	var lastErr error
	for _, att := range a.attempts(input, partial) {
		start := time.Now()
		out, err := a.runner.Run(ctx, a.binary, att.args...)
		if err == nil {
			if err := os.Rename(partial, output); err != nil {
				return fmt.Errorf("%w: %s", ErrTranscodeFailed, err)
			}
			transcodeSeconds.Observe(time.Since(start).Seconds())
			a.logger.Info("transcode complete",
				servicelog.String("profile", att.name),
				servicelog.String("output", output),
				servicelog.Duration("took", time.Since(start)))
			return nil
		}
		os.Remove(partial)
		transcodeErrors.WithLabelValues(att.name).Inc()
		lastErr = fmt.Errorf("%s profile: %s: %s", att.name, err, tail(out, 512))
		a.logger.Warn("transcode attempt failed",
			servicelog.String("profile", att.name),
			servicelog.Error(err))
		if ctx.Err() != nil {
			break
		}
	}
	return fmt.Errorf("%w: %s", ErrTranscodeFailed, lastErr)
}

func tail(data []byte, limit int) string {
	if len(data) > limit {
		data = data[len(data)-limit:]
	}
	return string(data)
}
