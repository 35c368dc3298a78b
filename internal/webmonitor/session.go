package webmonitor

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"sync"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/rakshak-ai/accident-monitor/internal/annotate"
	"github.com/rakshak-ai/accident-monitor/internal/collision"
	"github.com/rakshak-ai/accident-monitor/internal/logger"
	"github.com/rakshak-ai/accident-monitor/internal/metrics"
	"github.com/rakshak-ai/accident-monitor/internal/pipeline"
	"github.com/rakshak-ai/accident-monitor/internal/recorder"
	"github.com/rakshak-ai/accident-monitor/internal/source"
)

// ErrSessionsClosed is returned by Subscribe after Close.
var ErrSessionsClosed = errors.New("sessions closed")

// PipelineFactory builds the orchestrator for a source name.
type PipelineFactory func(name string) (*pipeline.Orchestrator, error)

// Session is one running pipeline shared by all viewers of a source.
type Session struct {
	name      string
	orch      *pipeline.Orchestrator
	frames    *FrameBroadcaster
	recorder  *recorder.Recorder
	startedAt time.Time
	done      chan struct{}

	mu           sync.Mutex
	running      bool
	count        uint64
	frameErrors  uint64
	vehicleCount int
	lastErr      string
}

// Name returns the source name.
func (s *Session) Name() string {
	return s.name
}

// Status returns the accident status of the source.
func (s *Session) Status() *collision.Status {
	return s.orch.Status()
}

// Recorder returns the evidence recorder, or nil when recording is off.
func (s *Session) Recorder() *recorder.Recorder {
	return s.recorder
}

// Done is closed when the pipeline has stopped.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// Snapshot describes the session.
func (s *Session) Snapshot() SourceStatus {
	state := s.orch.State()
	st := s.orch.Status().Load()

	s.mu.Lock()
	defer s.mu.Unlock()
	return SourceStatus{
		Source:       s.name,
		Phase:        state.Phase.String(),
		Streak:       state.Streak,
		Accident:     st.Accident,
		Severity:     st.Severity,
		Degraded:     s.orch.Degraded(),
		Running:      s.running,
		Viewers:      s.frames.ClientCount(),
		Frames:       s.count,
		FrameErrors:  s.frameErrors,
		VehicleCount: s.vehicleCount,
		LastError:    s.lastErr,
		StartedAt:    s.startedAt,
	}
}

func (s *Session) observe(out pipeline.Output) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.count++
	switch out.Kind {
	case pipeline.FrameOK:
		s.vehicleCount = out.VehicleCount
	case pipeline.FrameError, pipeline.StreamError:
		s.frameErrors++
		if out.Err != nil {
			s.lastErr = out.Err.Error()
		}
	}
}

// Sessions starts a pipeline when a source gets its first viewer and stops it
// when the last viewer leaves.
type Sessions struct {
	ctx       context.Context
	cancel    context.CancelFunc
	factory   PipelineFactory
	monitor   *Monitor
	status    *StatusBroadcaster
	annotator *annotate.Annotator
	metrics   *metrics.Metrics
	clock     clock.Clock
	recordDir string
	clipLen   time.Duration

	mu       sync.Mutex
	active   map[string]*Session
	starting map[string]chan struct{}
	closed   bool
	wg       sync.WaitGroup
}

// SessionsOptions wire a Sessions manager. Status, Metrics and RecordDir
// are optional.
type SessionsOptions struct {
	Factory   PipelineFactory
	Monitor   *Monitor
	Status    *StatusBroadcaster
	Annotator *annotate.Annotator
	Metrics   *metrics.Metrics
	Clock     clock.Clock
	RecordDir string
	ClipLen   time.Duration
}

// NewSessions creates a session manager.
func NewSessions(opts SessionsOptions) *Sessions {
	ctx, cancel := context.WithCancel(context.Background())
	if opts.Annotator == nil {
		opts.Annotator = annotate.New(annotate.DefaultOptions())
	}
	if opts.Clock == nil {
		opts.Clock = clock.New()
	}
	return &Sessions{
		ctx:       ctx,
		cancel:    cancel,
		factory:   opts.Factory,
		monitor:   opts.Monitor,
		status:    opts.Status,
		annotator: opts.Annotator,
		metrics:   opts.Metrics,
		clock:     opts.Clock,
		recordDir: opts.RecordDir,
		clipLen:   opts.ClipLen,
		active:    make(map[string]*Session),
		starting:  make(map[string]chan struct{}),
	}
}

// Subscribe joins the session for name, starting it if needed. Names are
// compared after source.CanonicalName, so aliases of one file share a
// pipeline. An error means the source could not be opened.
func (m *Sessions) Subscribe(name string) (*Session, int, <-chan []byte, error) {
	name = source.CanonicalName(name)

	// Opening blocks until the first frame arrives, so it runs outside
	// m.mu and later viewers of the same name wait on the start gate.
	m.mu.Lock()
	for {
		if m.closed {
			m.mu.Unlock()
			return nil, 0, nil, ErrSessionsClosed
		}
		if s, ok := m.active[name]; ok {
			id, ch := s.frames.Subscribe()
			m.mu.Unlock()
			return s, id, ch, nil
		}
		gate, starting := m.starting[name]
		if !starting {
			break
		}
		m.mu.Unlock()
		<-gate
		m.mu.Lock()
	}
	gate := make(chan struct{})
	m.starting[name] = gate
	m.wg.Add(1)
	m.mu.Unlock()

	s, seq, err := m.start(name)

	m.mu.Lock()
	delete(m.starting, name)
	close(gate)
	if err == nil && m.closed {
		_ = s.orch.Close()
		err = ErrSessionsClosed
	}
	if err != nil {
		m.mu.Unlock()
		m.wg.Done()
		return nil, 0, nil, err
	}
	id, ch := s.frames.Subscribe()
	m.active[name] = s
	if m.monitor != nil {
		m.monitor.Register(s)
	}
	go m.run(s, seq)
	m.mu.Unlock()

	logger.Info("Pipeline", "[%s] session started", name)
	return s, id, ch, nil
}

func (m *Sessions) start(name string) (*Session, iter.Seq[pipeline.Output], error) {
	orch, err := m.factory(name)
	if err != nil {
		return nil, nil, err
	}
	seq, err := orch.Frames(m.ctx)
	if err != nil {
		_ = orch.Close()
		return nil, nil, err
	}

	s := &Session{
		name:      name,
		orch:      orch,
		frames:    NewFrameBroadcaster(name),
		startedAt: m.clock.Now(),
		done:      make(chan struct{}),
		running:   true,
	}
	if m.recordDir != "" {
		s.recorder = recorder.NewRecorder(m.recordDir, m.clipLen, m.clock, m.metrics)
	}
	return s, seq, nil
}

// Unsubscribe leaves s and stops it when no viewer remains.
func (m *Sessions) Unsubscribe(s *Session, id int) {
	m.mu.Lock()
	remaining := s.frames.Unsubscribe(id)
	stop := remaining == 0 && m.active[s.name] == s
	if stop {
		delete(m.active, s.name)
	}
	m.mu.Unlock()

	if stop {
		logger.Info("Pipeline", "[%s] last viewer left, stopping", s.name)
		if err := s.orch.Close(); err != nil {
			logger.Debug("Pipeline", "[%s] close: %v", s.name, err)
		}
	}
}

// Active returns the names of running sessions.
func (m *Sessions) Active() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	names := make([]string, 0, len(m.active))
	for name := range m.active {
		names = append(names, name)
	}
	return names
}

func (m *Sessions) run(s *Session, seq iter.Seq[pipeline.Output]) {
	defer m.wg.Done()
	defer close(s.done)
	defer m.finished(s)

	for out := range seq {
		s.observe(out)
		data, err := m.annotator.EncodeJPEG(out.Image)
		if err != nil {
			logger.Warn("Pipeline", "[%s] encode frame %d: %v", s.name, out.Number, err)
			continue
		}
		s.frames.Broadcast(data)
		if s.recorder != nil {
			s.recorder.SendFrame(data)
		}
		if out.Event != nil {
			m.accident(s, *out.Event)
		}
	}
}

func (m *Sessions) accident(s *Session, ev collision.AccidentEvent) {
	if m.monitor != nil {
		m.monitor.RecordAccident(ev)
	}
	if s.recorder != nil {
		if name, err := s.recorder.Trigger(ev.ID.String()[:8]); err != nil {
			logger.Warn("Recorder", "[%s] %v", s.name, err)
		} else {
			logger.Debug("Recorder", "[%s] accident %s recorded to %s", s.name, ev.ID, name)
		}
	}
	if m.status != nil {
		m.status.Publish()
	}
}

func (m *Sessions) finished(s *Session) {
	m.mu.Lock()
	if m.active[s.name] == s {
		delete(m.active, s.name)
	}
	m.mu.Unlock()

	s.mu.Lock()
	s.running = false
	s.mu.Unlock()

	if m.monitor != nil {
		m.monitor.Remove(s)
	}
	if s.recorder != nil {
		if err := s.recorder.Close(); err != nil {
			logger.Warn("Recorder", "[%s] %v", s.name, err)
		}
	}
	if m.status != nil {
		m.status.Publish()
	}
	// Viewers return once their channel closes, so this goes last.
	s.frames.Close()
	logger.Info("Pipeline", "[%s] session ended", s.name)
}

// Close stops every session and waits for them to finish.
func (m *Sessions) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	sessions := make([]*Session, 0, len(m.active))
	for _, s := range m.active {
		sessions = append(sessions, s)
	}
	m.mu.Unlock()

	m.cancel()
	var errs []error
	for _, s := range sessions {
		if err := s.orch.Close(); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", s.name, err))
		}
	}
	m.wg.Wait()
	return errors.Join(errs...)
}
