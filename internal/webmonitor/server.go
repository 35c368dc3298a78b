package webmonitor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/rs/cors"

	"github.com/rakshak-ai/accident-monitor/internal/alert"
	"github.com/rakshak-ai/accident-monitor/internal/annotate"
	"github.com/rakshak-ai/accident-monitor/internal/detector"
	"github.com/rakshak-ai/accident-monitor/internal/logger"
	"github.com/rakshak-ai/accident-monitor/internal/metrics"
	"github.com/rakshak-ai/accident-monitor/internal/pipeline"
	"github.com/rakshak-ai/accident-monitor/internal/recorder"
	"github.com/rakshak-ai/accident-monitor/internal/source"
	"github.com/rakshak-ai/accident-monitor/internal/store"
	"github.com/rakshak-ai/accident-monitor/internal/webrtc"
)

// Options wire a Server. Opener is required; the rest are optional.
type Options struct {
	Config     Config
	Pipeline   pipeline.Config
	Opener     source.Opener
	Capability detector.Capability
	Notifier   alert.Notifier
	Annotator  *annotate.Annotator
	Store      *store.Store
	WebRTC     *webrtc.Server
	Metrics    *metrics.Metrics
	Clock      clock.Clock
}

// Server serves the accident monitor dashboard and APIs.
type Server struct {
	cfg        Config
	opts       Options
	monitor    *Monitor
	sessions   *Sessions
	status     *StatusBroadcaster
	errorFrame []byte
	startedAt  time.Time
}

// NewServer returns a configured monitor server. Call Close to stop its
// pipelines.
func NewServer(opts Options) (*Server, error) {
	if opts.Opener == nil {
		return nil, errors.New("webmonitor: opener is required")
	}
	if err := opts.Pipeline.Validate(); err != nil {
		return nil, fmt.Errorf("webmonitor: %w", err)
	}
	if opts.Annotator == nil {
		opts.Annotator = annotate.New(annotate.DefaultOptions())
	}
	if opts.Clock == nil {
		opts.Clock = clock.New()
	}
	cfg := opts.Config.withDefaults()

	errorFrame, err := opts.Annotator.EncodeJPEG(opts.Annotator.ErrorFrame("Video source error", 640, 480))
	if err != nil {
		return nil, fmt.Errorf("webmonitor: render error frame: %w", err)
	}

	s := &Server{
		cfg:        cfg,
		opts:       opts,
		monitor:    NewMonitor(opts.Clock),
		errorFrame: errorFrame,
		startedAt:  opts.Clock.Now(),
	}

	var sink StatusSink
	if opts.WebRTC != nil {
		sink = opts.WebRTC
	}
	s.status = NewStatusBroadcaster(s.monitor, cfg.StatusInterval, sink)
	s.status.Start()

	s.sessions = NewSessions(SessionsOptions{
		Factory:   s.newPipeline,
		Monitor:   s.monitor,
		Status:    s.status,
		Annotator: opts.Annotator,
		Metrics:   opts.Metrics,
		Clock:     opts.Clock,
		RecordDir: cfg.RecordingDir,
		ClipLen:   cfg.ClipDuration,
	})
	return s, nil
}

func (s *Server) newPipeline(name string) (*pipeline.Orchestrator, error) {
	return pipeline.New(pipeline.Options{
		Source:     name,
		Opener:     s.opts.Opener,
		Capability: s.opts.Capability,
		Notifier:   s.opts.Notifier,
		Annotator:  s.opts.Annotator,
		Clock:      s.opts.Clock,
		Metrics:    s.opts.Metrics,
		Config:     s.opts.Pipeline,
	})
}

// Monitor returns the session registry.
func (s *Server) Monitor() *Monitor {
	return s.monitor
}

// Sessions returns the session manager.
func (s *Server) Sessions() *Sessions {
	return s.sessions
}

// Close stops every pipeline and the status broadcaster.
func (s *Server) Close() error {
	err := s.sessions.Close()
	s.status.Stop()
	return err
}

// Handler exposes the HTTP handler for the server.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/", s.handleIndex)
	mux.Handle("/assets/", http.StripPrefix("/assets/", newAssetHandler(s.cfg.AssetsDir)))
	mux.HandleFunc("/video_feed", s.handleVideoFeed)
	mux.HandleFunc("/accident_status", s.handleAccidentStatus)
	mux.HandleFunc("/upload_video", s.handleUpload)
	mux.HandleFunc("/logs", s.handleLogs)
	mux.HandleFunc("/stats", s.handleStats)
	mux.HandleFunc("/api/status", s.handleStatus)
	mux.HandleFunc("/api/status/stream", s.handleStatusStream)
	mux.HandleFunc("/api/webrtc/offer", s.handleWebRTCOffer)
	mux.HandleFunc("/api/recording/status", s.handleRecordingStatus)
	mux.HandleFunc("/health", s.handleHealth)
	if s.opts.Metrics != nil {
		mux.Handle("/metrics", s.opts.Metrics.Handler())
	}

	c := cors.New(cors.Options{
		AllowedOrigins: s.cfg.CORSOrigins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"Content-Type", "Accept"},
	})
	return logRequests(c.Handler(mux))
}

func logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		logger.Debug("HTTP", "%s %s (%v)", r.Method, r.URL.Path, time.Since(start).Round(time.Millisecond))
	})
}

func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = w.Write([]byte(indexHTML))
}

func (s *Server) handleVideoFeed(w http.ResponseWriter, r *http.Request) {
	name := strings.TrimSpace(r.URL.Query().Get("source"))
	if name == "" {
		name = s.cfg.DefaultSource
	}

	sess, id, frameCh, err := s.sessions.Subscribe(name)
	if err != nil {
		logger.Warn("HTTP", "video_feed %q: %v", name, err)
		streamSingleFrame(w, s.errorFrame)
		return
	}
	defer s.sessions.Unsubscribe(sess, id)

	if m := s.opts.Metrics; m != nil {
		m.ActiveViewers.Add(1)
		defer m.ActiveViewers.Add(-1)
	}
	streamMJPEGFromChannel(r.Context(), w, frameCh)
}

func (s *Server) handleAccidentStatus(w http.ResponseWriter, r *http.Request) {
	if name := r.URL.Query().Get("source"); name != "" {
		st, _ := s.monitor.Status(source.CanonicalName(name))
		writeJSON(w, AccidentStatusResponse{Accident: st.Accident, Severity: st.Severity})
		return
	}
	st := s.monitor.Aggregate()
	writeJSON(w, AccidentStatusResponse{Accident: st.Accident, Severity: st.Severity})
}

func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, s.cfg.MaxUploadBytes)
	if err := r.ParseMultipartForm(32 << 20); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeJSONWithStatus(w, ErrorResponse{Error: "File too large"}, http.StatusRequestEntityTooLarge)
			return
		}
		writeJSONWithStatus(w, ErrorResponse{Error: "No video file provided"}, http.StatusBadRequest)
		return
	}
	defer r.MultipartForm.RemoveAll()

	file, header, err := r.FormFile("video")
	if err != nil {
		writeJSONWithStatus(w, ErrorResponse{Error: "No video file provided"}, http.StatusBadRequest)
		return
	}
	defer file.Close()

	if header.Filename == "" {
		writeJSONWithStatus(w, ErrorResponse{Error: "No selected file"}, http.StatusBadRequest)
		return
	}
	filename := source.SanitizeName(header.Filename)
	if filename == "" {
		writeJSONWithStatus(w, ErrorResponse{Error: "Invalid file name"}, http.StatusBadRequest)
		return
	}

	if err := saveUpload(file, filepath.Join(s.cfg.UploadDir, filename)); err != nil {
		logger.Error("HTTP", "Save upload %s: %v", filename, err)
		writeJSONWithStatus(w, ErrorResponse{Error: "Failed to save file"}, http.StatusInternalServerError)
		return
	}
	logger.Info("HTTP", "Uploaded %s (%d bytes)", filename, header.Size)
	writeJSON(w, UploadResponse{Filename: filename})
}

func saveUpload(src io.Reader, path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), ".upload-*")
	if err != nil {
		return err
	}
	if _, err := io.Copy(tmp, src); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	return os.Rename(tmp.Name(), path)
}

func (s *Server) handleLogs(w http.ResponseWriter, r *http.Request) {
	rows := [][]any{}
	if s.opts.Store != nil {
		logs, err := s.opts.Store.Logs(r.Context(), s.cfg.LogLimit)
		if err != nil {
			logger.Error("HTTP", "logs: %v", err)
			writeJSONWithStatus(w, ErrorResponse{Error: "Failed to read logs"}, http.StatusInternalServerError)
			return
		}
		for _, a := range logs {
			rows = append(rows, a.Row())
		}
	}
	writeJSON(w, rows)
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	var count int
	if s.opts.Store != nil {
		var err error
		if count, err = s.opts.Store.Count(r.Context()); err != nil {
			logger.Error("HTTP", "stats: %v", err)
			writeJSONWithStatus(w, ErrorResponse{Error: "Failed to read stats"}, http.StatusInternalServerError)
			return
		}
	}
	writeJSON(w, StatsResponse{AccidentCount: count})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, s.monitor.Snapshot())
}

func (s *Server) handleStatusStream(w http.ResponseWriter, r *http.Request) {
	id, eventCh := s.status.Subscribe()
	defer s.status.Unsubscribe(id)
	streamStatusEventsFromChannel(r.Context(), w, eventCh, wantsProtobuf(r))
}

func (s *Server) handleRecordingStatus(w http.ResponseWriter, r *http.Request) {
	recording := s.monitor.Snapshot().Recording
	if recording == nil {
		recording = map[string]recorder.RecordingStatus{}
	}
	writeJSON(w, recording)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, map[string]any{
		"status":   "ok",
		"detector": s.opts.Capability.String(),
		"degraded": !s.opts.Capability.Available(),
		"sessions": len(s.sessions.Active()),
		"uptime_s": int64(s.opts.Clock.Since(s.startedAt).Seconds()),
	})
}

func (s *Server) handleWebRTCOffer(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if s.opts.WebRTC == nil {
		writeJSONWithStatus(w, ErrorResponse{Error: "WebRTC is disabled"}, http.StatusServiceUnavailable)
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		writeJSONWithStatus(w, ErrorResponse{Error: "Invalid offer data"}, http.StatusBadRequest)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), s.cfg.OfferTimeout)
	defer cancel()

	answer, err := s.opts.WebRTC.HandleOffer(ctx, body)
	if err != nil {
		if errors.Is(err, webrtc.ErrTooManyClients) {
			writeJSONWithStatus(w, ErrorResponse{Error: err.Error()}, http.StatusServiceUnavailable)
			return
		}
		logger.Warn("WebRTC", "Offer rejected: %v", err)
		writeJSONWithStatus(w, ErrorResponse{Error: "Invalid offer data"}, http.StatusBadRequest)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write(answer)
}

func writeJSON(w http.ResponseWriter, payload any) {
	writeJSONWithStatus(w, payload, http.StatusOK)
}

func writeJSONWithStatus(w http.ResponseWriter, payload any, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		_, _ = fmt.Fprintf(w, `{"error":%q}`, err.Error())
	}
}
