package clip

import (
	"context"
	"fmt"
	"os/exec"
	"strconv"

	"github.com/filmaeu/penareia/internal/buffer"
	"github.com/filmaeu/penareia/internal/servicelog"
)

// MP4VWriter encodes a JPEG frame sequence into a temporary mp4v file
// by piping the frames to an ffmpeg child process.
type MP4VWriter struct {
	logger servicelog.Logger
	binary string
}

func NewMP4VWriter(logger servicelog.Logger, binary string) *MP4VWriter {
	if binary == "" {
		binary = "ffmpeg"
	}
	return &MP4VWriter{
		logger: logger,
		binary: binary,
	}
}

// WriteSequence implements SequenceWriter
func (m *MP4VWriter) WriteSequence(ctx context.Context, path string, frames []buffer.Frame, fps, width, height int) error {
	args := []string{
		"-y",
		"-f", "image2pipe",
		"-vcodec", "mjpeg",
		"-framerate", strconv.Itoa(fps),
		"-i", "-",
		"-an",
		"-c:v", "mpeg4",
		"-q:v", "5",
		"-r", strconv.Itoa(fps),
	}
	if width > 0 && height > 0 {
		args = append(args, "-s", fmt.Sprintf("%dx%d", width, height))
	}
	args = append(args, "-f", "mp4", path)

	stderr := &tailBuffer{limit: 4096}
	cmd := exec.CommandContext(ctx, m.binary, args...)
	cmd.Stderr = stderr
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return fmt.Errorf("%w: %s", ErrWriterOpen, err)
	}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("%w: %s", ErrWriterOpen, err)
	}
	for _, frame := range frames {
		if _, err := stdin.Write(frame.Data); err != nil {
			stdin.Close()
			cmd.Wait()
			return fmt.Errorf("%w: %s (%s)", ErrWriterWrite, err, stderr.String())
		}
	}
	stdin.Close()
	if err := cmd.Wait(); err != nil {
		return fmt.Errorf("%w: %s (%s)", ErrWriterWrite, err, stderr.String())
	}
	m.logger.Info("temporary clip written",
		servicelog.String("path", path),
		servicelog.Int("frames", len(frames)))
	return nil
}

type tailBuffer struct {
	data  []byte
	limit int
}

func (t *tailBuffer) Write(p []byte) (int, error) {
	t.data = append(t.data, p...)
	if len(t.data) > t.limit {
		t.data = t.data[len(t.data)-t.limit:]
	}
	return len(p), nil
}

func (t *tailBuffer) String() string {
	return string(t.data)
}
