package capture

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"image"
	_ "image/jpeg"
	"io"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/filmaeu/penareia/internal/buffer"
	"github.com/filmaeu/penareia/internal/servicelog"
)

type captureError string

// Error implements error
func (err captureError) Error() string {
	return string(err)
}

const (
	ErrSourceClosed = captureError("frame source closed")
	ErrOpenFailed   = captureError("failed to open frame source")
)

// Source of frames
type Source interface {
	Name() string
	Next(ctx context.Context) (buffer.Frame, error)
}

// ResumableSource is an extended type of Source that can be started and
// stopped. Next is never called before Start or after Stop.
type ResumableSource interface {
	Source
	Start(ctx context.Context) error
	Stop()
}

// SourceConfig describes where frames come from and the constraints
// applied when opening the device.
type SourceConfig struct {
	// Source is a device index ("0", "1", ...) or a stream URL.
	Source    string
	FPS       int
	MaxWidth  int
	MaxHeight int
	Binary    string // encoder binary, defaults to "ffmpeg"
}

// FFmpegSource reads an MJPEG elementary stream from an ffmpeg child
// process attached to the camera (V4L2 device or network URL). Each
// Next call extracts one complete JPEG image from the pipe into a
// fresh buffer.
type FFmpegSource struct {
	logger servicelog.Logger
	config SourceConfig

	mutex  sync.Mutex
	cmd    *exec.Cmd
	stdout io.ReadCloser
	reader *bufio.Reader
	stderr *tailBuffer
}

func NewFFmpegSource(logger servicelog.Logger, config SourceConfig) *FFmpegSource {
	if config.Binary == "" {
		config.Binary = "ffmpeg"
	}
	return &FFmpegSource{
		logger: logger,
		config: config,
	}
}

// Name implements Source
func (s *FFmpegSource) Name() string {
	return s.config.Source
}

// args maps the configured constraints to encoder flags: MJPG fourcc,
// forced framerate, capped size, minimal driver buffering.
func (s *FFmpegSource) args() []string {
	var args []string
	if index, err := strconv.Atoi(s.config.Source); err == nil {
		device := fmt.Sprintf("/dev/video%d", index)
		args = append(args,
			"-f", "v4l2",
			"-input_format", "mjpeg",
			"-framerate", strconv.Itoa(s.config.FPS),
			"-video_size", fmt.Sprintf("%dx%d", s.config.MaxWidth, s.config.MaxHeight),
			"-fflags", "nobuffer",
			"-i", device,
		)
	} else if strings.HasPrefix(s.config.Source, "rtsp://") {
		args = append(args,
			"-rtsp_transport", "tcp",
			"-fflags", "nobuffer",
			"-i", s.config.Source,
		)
	} else {
		args = append(args,
			"-fflags", "nobuffer",
			"-i", s.config.Source,
		)
	}
	scale := fmt.Sprintf("scale=min(%d\\,iw):min(%d\\,ih):force_original_aspect_ratio=decrease",
		s.config.MaxWidth, s.config.MaxHeight)
	args = append(args,
		"-an",
		"-vf", scale,
		"-r", strconv.Itoa(s.config.FPS),
		"-c:v", "mjpeg",
		"-q:v", "5",
		"-f", "mjpeg",
		"-",
	)
	return args
}

// Start implements ResumableSource
func (s *FFmpegSource) Start(ctx context.Context) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	if s.cmd != nil {
		return nil
	}
	stderr := &tailBuffer{limit: 4096}
	cmd := exec.CommandContext(ctx, s.config.Binary, s.args()...)
	cmd.Stderr = stderr
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("%w: %s", ErrOpenFailed, err)
	}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("%w: %s", ErrOpenFailed, err)
	}
	s.cmd = cmd
	s.stdout = stdout
	s.reader = bufio.NewReaderSize(stdout, 1<<20)
	s.stderr = stderr
	s.logger.Info("frame source started",
		servicelog.String("source", s.config.Source),
		servicelog.Int("fps", s.config.FPS))
	return nil
}

// Stop implements ResumableSource
func (s *FFmpegSource) Stop() {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	if s.cmd == nil {
		return
	}
	s.stdout.Close()
	if s.cmd.Process != nil {
		s.cmd.Process.Kill()
	}
	s.cmd.Wait()
	s.cmd = nil
	s.stdout = nil
	s.reader = nil
}

// Next implements Source. It blocks until a full JPEG image arrives on
// the pipe.
func (s *FFmpegSource) Next(ctx context.Context) (buffer.Frame, error) {
	if err := ctx.Err(); err != nil {
		return buffer.Frame{}, err
	}
	s.mutex.Lock()
	reader := s.reader
	stderr := s.stderr
	s.mutex.Unlock()
	if reader == nil {
		return buffer.Frame{}, ErrSourceClosed
	}
	data, err := readJPEG(reader)
	if err != nil {
		detail := ""
		if stderr != nil {
			detail = stderr.String()
		}
		if detail != "" {
			return buffer.Frame{}, fmt.Errorf("%w: %s (%s)", ErrSourceClosed, err, detail)
		}
		return buffer.Frame{}, fmt.Errorf("%w: %s", ErrSourceClosed, err)
	}
	frame := buffer.Frame{
		Data:      data,
		Timestamp: time.Now(),
	}
	if config, _, err := image.DecodeConfig(bytes.NewReader(data)); err == nil {
		frame.Width = config.Width
		frame.Height = config.Height
	}
	return frame, nil
}

// readJPEG extracts one JPEG image (SOI..EOI) from a concatenated
// MJPEG stream.
func readJPEG(reader *bufio.Reader) ([]byte, error) {
	// Seek the SOI marker
	for {
		b, err := reader.ReadByte()
		if err != nil {
			return nil, err
		}
		if b != 0xFF {
			continue
		}
		b, err = reader.ReadByte()
		if err != nil {
			return nil, err
		}
		if b == 0xD8 {
			break
		}
	}
	data := make([]byte, 2, 64*1024)
	data[0], data[1] = 0xFF, 0xD8
	var prev byte
	for {
		b, err := reader.ReadByte()
		if err != nil {
			return nil, err
		}
		data = append(data, b)
		if prev == 0xFF && b == 0xD9 {
			return data, nil
		}
		prev = b
	}
}

// tailBuffer keeps the most recent output of the child process for
// error reporting.
type tailBuffer struct {
	mutex sync.Mutex
	data  []byte
	limit int
}

func (t *tailBuffer) Write(p []byte) (int, error) {
	t.mutex.Lock()
	defer t.mutex.Unlock()
	t.data = append(t.data, p...)
	if len(t.data) > t.limit {
		t.data = t.data[len(t.data)-t.limit:]
	}
	return len(p), nil
}

func (t *tailBuffer) String() string {
	t.mutex.Lock()
	defer t.mutex.Unlock()
	return strings.TrimSpace(string(t.data))
}
