package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/filmaeu/penareia/internal/buffer"
	"github.com/filmaeu/penareia/internal/clip"
	"github.com/filmaeu/penareia/internal/journal"
	"github.com/filmaeu/penareia/internal/servicelog"
	"github.com/filmaeu/penareia/internal/telemetry"
)

var (
	triggerRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_trigger_requests_total",
			Help: "Trigger requests by outcome",
		},
		[]string{"outcome"},
	)
)

// Clipper runs the whole trigger path and returns the saved clip.
type Clipper interface {
	Save(ctx context.Context) (*clip.Result, error)
}

// Capture exposes the capture loop state needed by the status page.
type Capture interface {
	Dims() (width, height int)
	Degraded() bool
}

// Journal exposes the durable counters needed by the status page.
type Journal interface {
	Status(ctx context.Context) (journal.SystemStatus, error)
	QueueLen() int
}

// Transcoder answers the encoder availability probe.
type Transcoder interface {
	Available() bool
}

// Config carries the static facts the status page reports.
type Config struct {
	Source        string
	FPS           int
	BufferSeconds int
	SaveSeconds   int
	WebhookURL    string
	Bucket        string
}

// Server is the HTTP control plane: a trigger endpoint, a status page
// and metrics. It never touches the camera or the network store
// directly.
type Server struct {
	logger     servicelog.Logger
	config     Config
	ring       *buffer.FrameRing
	capture    Capture
	clipper    Clipper
	journal    Journal
	transcoder Transcoder
	telemetry  *telemetry.Collector
}

func New(logger servicelog.Logger, config Config, ring *buffer.FrameRing, capture Capture, clipper Clipper, journal Journal, transcoder Transcoder, collector *telemetry.Collector) *Server {
	return &Server{
		logger:     logger,
		config:     config,
		ring:       ring,
		capture:    capture,
		clipper:    clipper,
		journal:    journal,
		transcoder: transcoder,
		telemetry:  collector,
	}
}

// Handler builds the route table.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/", s.handleHome)
	mux.HandleFunc("/trigger", s.handleTrigger)
	mux.HandleFunc("/status", s.handleStatus)
	mux.Handle("/metrics", promhttp.Handler())
	return mux
}

type triggerResponse struct {
	Success   bool   `json:"success"`
	Message   string `json:"message"`
	Arquivo   string `json:"arquivo,omitempty"`
	Conversao string `json:"conversao,omitempty"`
	Error     string `json:"error,omitempty"`
}

func (s *Server) handleTrigger(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	result, err := s.clipper.Save(r.Context())
	if err != nil {
		var status int
		var message string
		switch {
		case errors.Is(err, clip.ErrInsufficientStorage):
			triggerRequests.WithLabelValues("storage").Inc()
			status = http.StatusInsufficientStorage
			message = "Espaço em disco insuficiente!"
		case errors.Is(err, clip.ErrBufferEmpty):
			triggerRequests.WithLabelValues("empty").Inc()
			status = http.StatusInternalServerError
			message = "Falha ao salvar o vídeo"
		default:
			triggerRequests.WithLabelValues("error").Inc()
			status = http.StatusInternalServerError
			message = "Falha ao salvar o vídeo"
		}
		s.logger.Error("trigger failed", servicelog.Error(err))
		writeJSON(w, status, triggerResponse{
			Success: false,
			Message: message,
			Error:   err.Error(),
		})
		return
	}
	triggerRequests.WithLabelValues("ok").Inc()
	writeJSON(w, http.StatusOK, triggerResponse{
		Success:   true,
		Message:   "Vídeo salvo, convertido e enfileirado para upload!",
		Arquivo:   result.RemoteName,
		Conversao: "FFmpeg H.264",
	})
}

type statusResponse struct {
	Status          string           `json:"status"`
	VideoSource     string           `json:"video_source"`
	DetectedFPS     int              `json:"detected_fps"`
	FrameDimensions string           `json:"frame_dimensions"`
	BufferSeconds   int              `json:"buffer_seconds"`
	SaveSeconds     int              `json:"save_seconds"`
	BufferFrames    int              `json:"buffer_frames"`
	QueueDepth      int              `json:"queue_depth"`
	WebhookURL      string           `json:"webhook_url"`
	B2Bucket        string           `json:"b2_bucket"`
	FFmpegAvailable bool             `json:"ffmpeg_available"`
	VideoFormat     string           `json:"video_format"`
	CaptureDegraded bool             `json:"capture_degraded"`
	UptimeSeconds   int64            `json:"uptime_seconds"`
	Captures        int64            `json:"captures"`
	UploadsSuccess  int64            `json:"uploads_success"`
	UploadsFailed   int64            `json:"uploads_failed"`
	Crashes         int64            `json:"crashes"`
	LastHeartbeat   string           `json:"last_heartbeat"`
	Telemetry       *telemetry.Stats `json:"telemetry,omitempty"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	width, height := s.capture.Dims()
	resp := statusResponse{
		Status:          "online",
		VideoSource:     s.config.Source,
		DetectedFPS:     s.config.FPS,
		FrameDimensions: fmt.Sprintf("%dx%d", width, height),
		BufferSeconds:   s.config.BufferSeconds,
		SaveSeconds:     s.config.SaveSeconds,
		BufferFrames:    s.ring.Len(),
		QueueDepth:      s.journal.QueueLen(),
		WebhookURL:      s.config.WebhookURL,
		B2Bucket:        s.config.Bucket,
		FFmpegAvailable: s.transcoder.Available(),
		VideoFormat:     "H.264 + AAC (Web Compatible)",
		CaptureDegraded: s.capture.Degraded(),
		Telemetry:       s.telemetry.Snapshot(r.Context()),
	}
	if s.capture.Degraded() {
		resp.Status = "degraded"
	}
	if status, err := s.journal.Status(r.Context()); err == nil {
		resp.UptimeSeconds = status.UptimeSeconds
		resp.Captures = status.Captures
		resp.UploadsSuccess = status.UploadsSuccess
		resp.UploadsFailed = status.UploadsFailed
		resp.Crashes = status.Crashes
		if !status.LastHeartbeat.IsZero() {
			resp.LastHeartbeat = status.LastHeartbeat.Format(time.RFC3339)
		}
	} else {
		s.logger.Warn("status query failed", servicelog.Error(err))
	}
	writeJSON(w, http.StatusOK, resp)
}

const homePage = `<!DOCTYPE html>
<html lang="pt-BR">
<head><meta charset="utf-8"><title>Penareia</title></head>
<body>
<h1>Penareia</h1>
<p>Captura contínua com buffer de pré-gravação.</p>
<ul>
<li><code>POST /trigger</code> salva os últimos segundos do buffer</li>
<li><code>GET /status</code> estado do serviço</li>
<li><code>GET /metrics</code> métricas</li>
</ul>
</body>
</html>
`

func (s *Server) handleHome(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	fmt.Fprint(w, homePage)
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}
