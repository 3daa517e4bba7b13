package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	_ "net/http/pprof"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/kardianos/service"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/filmaeu/penareia/internal/buffer"
	"github.com/filmaeu/penareia/internal/capture"
	"github.com/filmaeu/penareia/internal/clip"
	"github.com/filmaeu/penareia/internal/encoder"
	"github.com/filmaeu/penareia/internal/journal"
	"github.com/filmaeu/penareia/internal/server"
	"github.com/filmaeu/penareia/internal/servicelog"
	"github.com/filmaeu/penareia/internal/storage"
	"github.com/filmaeu/penareia/internal/supervisor"
	"github.com/filmaeu/penareia/internal/telemetry"
	"github.com/filmaeu/penareia/internal/upload"
)

var (
	startMetric = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "start",
		Help: "Start timestamp of the app (unix)",
	})

	serviceStartMetric = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "service_start",
		Help: "Start timestamp of the service (unix)",
	})

	serviceStopMetric = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "service_stop",
		Help: "Stop timestamp of the service (unix)",
	})

	statusMetric = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "status",
		Help: "Service status",
	})
)

type program struct {
	Logger servicelog.Logger
	Config Config
	Cancel func()
}

func (p *program) Start(s service.Service) error {
	// Start should not block. Do the actual work async.
	p.Logger.Info("start signal received")
	if p.Cancel != nil {
		if err := p.Stop(s); err != nil {
			return err
		}
	}
	ctx, cancelFunc := context.WithCancel(context.Background())
	p.Cancel = cancelFunc
	serviceStartMetric.SetToCurrentTime()
	statusMetric.Set(1)
	go func() {
		defer serviceStopMetric.SetToCurrentTime()
		defer statusMetric.Set(0)
		p.Run(ctx)
	}()
	return nil
}

func (p *program) Stop(s service.Service) error {
	// Stop should not block. Return within a few seconds.
	p.Logger.Info("stop signal received")
	if p.Cancel != nil {
		cancel := p.Cancel
		p.Cancel = nil
		// Close the service in the background
		wait := make(chan struct{})
		go func() {
			defer close(wait)
			cancel()
		}()
		// Wait up to two seconds for cancellation
		select {
		case <-wait:
			break
		case <-time.After(2 * time.Second):
			break
		}
	}
	return nil
}

// openSource picks the frame source for the configured origin: a
// directory becomes a watched folder of stills, anything else goes
// through the camera pipe.
func (p *program) openSource() capture.ResumableSource {
	if info, err := os.Stat(p.Config.Video.Source); err == nil && info.IsDir() {
		return capture.NewFolderSource(p.Logger, p.Config.Video.Source)
	}
	return capture.NewFFmpegSource(p.Logger, capture.SourceConfig{
		Source:    p.Config.Video.Source,
		FPS:       p.Config.Video.ForceFPS,
		MaxWidth:  p.Config.Video.MaxWidth,
		MaxHeight: p.Config.Video.MaxHeight,
	})
}

func (p *program) Run(ctx context.Context) {
	logger := p.Logger
	config := p.Config

	store, err := journal.Open(logger, filepath.Join(config.DataDir, "queue.db"))
	if err != nil {
		logger.Error("failed to open journal", servicelog.Error(err))
		return
	}
	defer store.Close()
	readmitted, failed, err := store.RecoverPending(ctx)
	if err != nil {
		logger.Error("journal recovery failed", servicelog.Error(err))
		return
	}
	logger.Info("journal recovered",
		servicelog.Int("readmitted", readmitted),
		servicelog.Int("failed", failed))

	heartbeat := supervisor.NewHeartbeat()
	ring := buffer.NewFrameRing(config.Video.BufferSeconds * config.Video.ForceFPS)
	loop := capture.NewLoop(logger, ring, heartbeat, p.openSource, capture.LoopConfig{
		FPS: config.Video.ForceFPS,
	})

	b2 := storage.New(logger, nil, storage.Config{
		KeyID:          config.B2.KeyID,
		ApplicationKey: config.B2.ApplicationKey,
		Bucket:         config.B2.BucketName,
	})
	notifier := upload.NewWebhookNotifier(logger, config.Webhook.URL, nil)
	worker := upload.NewWorker(logger, store, b2, notifier, heartbeat, upload.WorkerConfig{})

	transcoder := encoder.New(logger, encoder.Profile{
		VideoCodec:  config.Encoding.Codec,
		AudioCodec:  config.Encoding.AudioCodec,
		Preset:      config.Encoding.Preset,
		CRF:         config.Encoding.CRF,
		PixelFormat: config.Encoding.PixelFormat,
		Tune:        config.Encoding.Tune,
		Threads:     config.Encoding.Threads,
		UseGPU:      config.Encoding.UseGPU,
		FPS:         config.Video.ForceFPS,
	}, encoder.Options{})
	writer := clip.NewWriter(logger, ring, clip.NewMP4VWriter(logger, ""), transcoder, store, clip.Config{
		BaseDir:     config.VideosDir,
		SaveSeconds: config.Video.SaveSeconds,
		FPS:         config.Video.ForceFPS,
	})

	collector := telemetry.New(logger, true, "/")
	watchdog := supervisor.New(logger, heartbeat, store, collector, supervisor.Config{
		CleanupDirs: []string{writer.TempDir(), writer.FinalDir()},
	})

	api := server.New(logger, server.Config{
		Source:        config.Video.Source,
		FPS:           config.Video.ForceFPS,
		BufferSeconds: config.Video.BufferSeconds,
		SaveSeconds:   config.Video.SaveSeconds,
		WebhookURL:    config.Webhook.URL,
		Bucket:        config.B2.BucketName,
	}, ring, loop, writer, store, transcoder, collector)

	mux := http.NewServeMux()
	mux.Handle("/", api.Handler())
	mux.Handle("/debug/", http.DefaultServeMux)
	srv := &http.Server{
		Addr:    fmt.Sprintf("%s:%d", config.Server.Host, config.Server.Port),
		Handler: mux,
	}

	var wg sync.WaitGroup
	defer wg.Wait()
	wg.Add(1)
	go func() {
		defer wg.Done()
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer srv.Close()
			<-ctx.Done()
		}()
		srv.ListenAndServe()
	}()
	wg.Add(1)
	go func() {
		defer wg.Done()
		loop.Run(ctx)
	}()
	wg.Add(1)
	go func() {
		defer wg.Done()
		worker.Run(ctx)
	}()
	wg.Add(1)
	go func() {
		defer wg.Done()
		notifier.Run(ctx)
	}()
	wg.Add(1)
	go func() {
		defer wg.Done()
		watchdog.Run(ctx)
	}()
	logger.Info("service running",
		servicelog.String("addr", srv.Addr),
		servicelog.String("source", config.Video.Source))
}

func main() {
	var configPath string
	flag.StringVar(&configPath, "c", "./config.ini", "path to config file")
	flag.Parse()

	config, err := LoadConfig(configPath)
	if err != nil {
		log.Fatalf("invalid config: %v", err)
	}

	serviceName := config.Server.ServiceName
	if serviceName == "" {
		serviceName = "Penareia"
	}
	svcConfig := &service.Config{
		Name:        serviceName,
		DisplayName: "Penareia video capture",
		Description: "Pre-roll video capture and upload service",
	}

	prg := &program{Config: config}
	s, err := service.New(prg, svcConfig)
	if err != nil {
		log.Fatalf("new service failed: %v", err)
	}
	rootLogger, err := s.Logger(nil)
	if err != nil {
		log.Fatalf("service logger failed: %v", err)
	}
	logger, err := servicelog.New(rootLogger, config.LogDir, 10, 3, config.Server.Debug)
	if err != nil {
		log.Fatalf("can't initialize logger: %v", err)
	}
	defer logger.Sync()
	prg.Logger = logger

	anonymized := config
	anonymized.B2.ApplicationKey = "********"
	logger.Info("config loaded", servicelog.Any("config", anonymized))
	startMetric.Set(float64(time.Now().Unix()))

	args := flag.Args()
	if len(args) > 0 {
		if err := service.Control(s, args[0]); err != nil {
			logger.Error("service control failed", servicelog.Error(err))
			os.Exit(1)
		}
		return
	}

	logger.Info("starting service manager")
	if err := s.Run(); err != nil {
		logger.Error("run failed", servicelog.Error(err))
	}
}
