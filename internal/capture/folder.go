package capture

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/filmaeu/penareia/internal/buffer"
	"github.com/filmaeu/penareia/internal/servicelog"
)

// FolderSource watches a directory and turns every JPEG file dropped
// into it into a frame. It stands in for a camera on hosts without a
// capture device.
type FolderSource struct {
	logger servicelog.Logger
	dir    string

	mutex   sync.Mutex
	watcher *fsnotify.Watcher
	frames  chan buffer.Frame
	done    chan struct{}
	wg      sync.WaitGroup
}

func NewFolderSource(logger servicelog.Logger, dir string) *FolderSource {
	return &FolderSource{
		logger: logger,
		dir:    dir,
	}
}

// Name implements Source
func (s *FolderSource) Name() string {
	return s.dir
}

// Start implements ResumableSource
func (s *FolderSource) Start(ctx context.Context) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	if s.watcher != nil {
		return nil
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("%w: %s", ErrOpenFailed, err)
	}
	if err := watcher.Add(s.dir); err != nil {
		watcher.Close()
		return fmt.Errorf("%w: %s", ErrOpenFailed, err)
	}
	s.watcher = watcher
	s.frames = make(chan buffer.Frame, 16)
	s.done = make(chan struct{})
	s.wg.Add(1)
	go s.run(watcher, s.frames, s.done)
	s.logger.Info("folder source started", servicelog.String("dir", s.dir))
	return nil
}

// Stop implements ResumableSource
func (s *FolderSource) Stop() {
	s.mutex.Lock()
	watcher := s.watcher
	done := s.done
	s.watcher = nil
	s.mutex.Unlock()
	if watcher == nil {
		return
	}
	close(done)
	watcher.Close()
	s.wg.Wait()
}

func (s *FolderSource) run(watcher *fsnotify.Watcher, frames chan buffer.Frame, done chan struct{}) {
	defer s.wg.Done()
	for {
		select {
		case <-done:
			return
		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			s.logger.Warn("folder watch error", servicelog.Error(err))
		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			if !event.Has(fsnotify.Create) && !event.Has(fsnotify.Write) {
				continue
			}
			ext := strings.ToLower(filepath.Ext(event.Name))
			if ext != ".jpg" && ext != ".jpeg" {
				continue
			}
			frame, err := readFrameFile(event.Name)
			if err != nil {
				// writes arrive in bursts, partial files are expected
				continue
			}
			select {
			case frames <- frame:
			case <-done:
				return
			}
		}
	}
}

// Next implements Source
func (s *FolderSource) Next(ctx context.Context) (buffer.Frame, error) {
	s.mutex.Lock()
	frames := s.frames
	done := s.done
	s.mutex.Unlock()
	if frames == nil {
		return buffer.Frame{}, ErrSourceClosed
	}
	select {
	case <-ctx.Done():
		return buffer.Frame{}, ctx.Err()
	case <-done:
		return buffer.Frame{}, ErrSourceClosed
	case frame := <-frames:
		return frame, nil
	}
}

func readFrameFile(path string) (buffer.Frame, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return buffer.Frame{}, err
	}
	config, _, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return buffer.Frame{}, err
	}
	return buffer.Frame{
		Data:      data,
		Width:     config.Width,
		Height:    config.Height,
		Timestamp: time.Now(),
	}, nil
}
