// Package pipeline turns one video source into a lazy sequence of annotated
// frames while tracking accidents for that source.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"image"
	"iter"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/rakshak-ai/accident-monitor/internal/alert"
	"github.com/rakshak-ai/accident-monitor/internal/annotate"
	"github.com/rakshak-ai/accident-monitor/internal/collision"
	"github.com/rakshak-ai/accident-monitor/internal/detector"
	"github.com/rakshak-ai/accident-monitor/internal/logger"
	"github.com/rakshak-ai/accident-monitor/internal/metrics"
	"github.com/rakshak-ai/accident-monitor/internal/source"
	"github.com/rakshak-ai/accident-monitor/pkg/types"
)

var (
	// ErrRunning is returned by Frames while a previous sequence is active.
	ErrRunning = errors.New("pipeline already running")
	// ErrClosed is returned by Frames after Close.
	ErrClosed = errors.New("pipeline closed")
)

// Config tunes inference and dispatch.
type Config struct {
	Thresholds      collision.Thresholds `yaml:"thresholds" mapstructure:"thresholds"`
	State           collision.Config     `yaml:"state" mapstructure:"state"`
	DetectTimeout   time.Duration        `yaml:"detect_timeout" mapstructure:"detect_timeout"`
	DispatchTimeout time.Duration        `yaml:"dispatch_timeout" mapstructure:"dispatch_timeout"`
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		Thresholds:      collision.DefaultThresholds(),
		State:           collision.DefaultConfig(),
		DetectTimeout:   2 * time.Second,
		DispatchTimeout: 30 * time.Second,
	}
}

// Validate checks every section.
func (c Config) Validate() error {
	if err := c.Thresholds.Validate(); err != nil {
		return err
	}
	if err := c.State.Validate(); err != nil {
		return err
	}
	if c.DetectTimeout < 0 || c.DispatchTimeout < 0 {
		return fmt.Errorf("timeouts must be >= 0")
	}
	return nil
}

// Options wire an Orchestrator. Source and Opener are required.
type Options struct {
	Source     string
	Opener     source.Opener
	Capability detector.Capability
	// Notifier receives confirmed accidents; nil disables dispatch.
	Notifier  alert.Notifier
	Annotator *annotate.Annotator
	Clock     clock.Clock
	Metrics   *metrics.Metrics
	Config    Config
}

// Orchestrator runs one source. It exclusively owns the accident state of
// that source.
type Orchestrator struct {
	opts     Options
	detector detector.Detector
	machine  *collision.StateMachine
	status   *collision.Status

	mu      sync.Mutex
	running bool
	closed  bool
	stop    context.CancelFunc
	src     source.Source
	// claim is set once the current sequence is ranged over or released.
	claim *atomic.Bool

	dispatches sync.WaitGroup
}

// New validates opts and builds an Orchestrator.
func New(opts Options) (*Orchestrator, error) {
	if opts.Opener == nil {
		return nil, errors.New("pipeline: opener is required")
	}
	if err := opts.Config.Validate(); err != nil {
		return nil, fmt.Errorf("pipeline: %w", err)
	}
	if opts.Clock == nil {
		opts.Clock = clock.New()
	}
	if opts.Annotator == nil {
		opts.Annotator = annotate.New(annotate.DefaultOptions())
	}

	status := collision.NewStatus(opts.Clock)
	o := &Orchestrator{
		opts:    opts,
		status:  status,
		machine: collision.NewStateMachine(opts.Source, opts.Config.State, opts.Clock, status),
	}
	if opts.Capability.Available() {
		o.detector = detector.WithTimeout(opts.Capability.Detector(), opts.Config.DetectTimeout)
	} else {
		logger.Warn("Pipeline", "[%s] detector unavailable, frames pass through unanalysed: %v",
			opts.Source, opts.Capability.Reason())
	}
	return o, nil
}

// Source returns the source name.
func (o *Orchestrator) Source() string {
	return o.opts.Source
}

// Status returns the shared accident status written by this pipeline.
func (o *Orchestrator) Status() *collision.Status {
	return o.status
}

// State returns the accident state machine snapshot.
func (o *Orchestrator) State() collision.State {
	return o.machine.Snapshot()
}

// Degraded reports whether the pipeline runs without a detector.
func (o *Orchestrator) Degraded() bool {
	return o.detector == nil
}

// Frames opens the source and returns the per-frame sequence. The first
// frame is read here, because ffmpeg-backed sources only report a missing
// device or unreachable URL on their first read. An open failure is returned
// here, once, together with an empty sequence. The sequence ends at end of
// stream or after a single StreamError record, and stops early when ctx ends
// or Close is called. Consumers must either drain the sequence or call Close
// to release the source.
func (o *Orchestrator) Frames(ctx context.Context) (iter.Seq[Output], error) {
	empty := func(func(Output) bool) {}

	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return empty, ErrClosed
	}
	if o.running {
		o.mu.Unlock()
		return empty, ErrRunning
	}
	runCtx, stop := context.WithCancel(ctx)
	o.running = true
	o.stop = stop
	o.mu.Unlock()

	src, err := o.opts.Opener(runCtx, o.opts.Source)
	if err != nil {
		o.finish(nil)
		return empty, o.unavailable(err)
	}

	o.mu.Lock()
	o.src = src
	o.mu.Unlock()

	first, err := src.Next(runCtx)
	if err != nil {
		closed := o.isClosed()
		o.release(src)
		switch {
		case closed:
			return empty, ErrClosed
		case runCtx.Err() != nil:
			return empty, runCtx.Err()
		case errors.Is(err, source.ErrSourceExhausted):
			logger.Info("Pipeline", "[%s] source is empty", o.opts.Source)
			return empty, nil
		}
		return empty, o.unavailable(err)
	}

	if m := o.opts.Metrics; m != nil {
		m.ActivePipelines.Add(1)
	}
	logger.Info("Pipeline", "[%s] started (detector %s)", o.opts.Source, o.opts.Capability)

	claim := new(atomic.Bool)
	o.mu.Lock()
	o.claim = claim
	o.mu.Unlock()

	return func(yield func(Output) bool) {
		if !claim.CompareAndSwap(false, true) {
			return
		}
		defer o.finish(src)
		o.run(runCtx, src, first, yield)
	}, nil
}

func (o *Orchestrator) unavailable(err error) error {
	if !errors.Is(err, source.ErrSourceUnavailable) {
		err = fmt.Errorf("%w: %w", source.ErrSourceUnavailable, err)
	}
	logger.Error("Pipeline", "[%s] could not open source: %v", o.opts.Source, err)
	return err
}

func (o *Orchestrator) isClosed() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.closed
}

// release closes a source that never became a running pipeline.
func (o *Orchestrator) release(src source.Source) {
	if err := src.Close(); err != nil {
		logger.Debug("Pipeline", "[%s] close source: %v", o.opts.Source, err)
	}
	o.finish(nil)
}

// run processes first and then every following frame in order.
func (o *Orchestrator) run(ctx context.Context, src source.Source, first *types.Frame, yield func(Output) bool) {
	var last image.Rectangle
	next := first
	for {
		frame := next
		next = nil
		if frame == nil {
			var err error
			frame, err = src.Next(ctx)
			if err != nil {
				switch {
				case ctx.Err() != nil:
					logger.Info("Pipeline", "[%s] stopped", o.opts.Source)
				case errors.Is(err, source.ErrSourceExhausted):
					logger.Info("Pipeline", "[%s] end of stream", o.opts.Source)
				default:
					logger.Error("Pipeline", "[%s] stream error: %v", o.opts.Source, err)
					if m := o.opts.Metrics; m != nil {
						m.StreamErrors.Add(1)
					}
					yield(o.streamError(err, last))
				}
				return
			}
		}
		if m := o.opts.Metrics; m != nil {
			m.FramesRead.Add(1)
		}
		if frame.Image != nil {
			last = frame.Image.Bounds()
		}

		out, ok := o.process(ctx, frame)
		if !ok {
			return
		}
		if m := o.opts.Metrics; m != nil {
			m.FramesProcessed.Add(1)
		}
		if !yield(out) {
			return
		}
	}
}

// process runs one frame. It returns false when ctx ended mid-frame.
func (o *Orchestrator) process(ctx context.Context, frame *types.Frame) (Output, bool) {
	out := Output{
		Number:    frame.Number,
		Source:    o.opts.Source,
		Timestamp: frame.Timestamp,
	}

	if o.detector == nil {
		out.Kind = FrameDegraded
		out.Phase = collision.Idle
		out.Image = o.opts.Annotator.Degraded(frame.Image)
		if m := o.opts.Metrics; m != nil {
			m.FramesDegraded.Add(1)
		}
		return out, true
	}

	start := o.opts.Clock.Now()
	boxes, err := o.detector.Detect(ctx, frame.Image)
	if m := o.opts.Metrics; m != nil {
		m.ObserveDetect(o.opts.Clock.Since(start), err)
	}
	if err != nil {
		if ctx.Err() != nil {
			return out, false
		}
		// The verdict is unknown, so the streak is left alone; only the
		// cooldown deadline is checked.
		tr := o.machine.Tick()
		st := o.status.Load()
		out.Kind = FrameError
		out.Err = err
		out.Phase = tr.To
		out.Accident = st.Accident
		out.Severity = st.Severity
		out.Image = o.opts.Annotator.FrameError(frame.Image, errorText(err))
		if m := o.opts.Metrics; m != nil {
			m.FrameErrors.Add(1)
		}
		logger.Warn("Pipeline", "[%s] frame %d: %v", o.opts.Source, frame.Number, err)
		return out, true
	}

	verdict := collision.Analyze(boxes, o.opts.Config.Thresholds)
	if verdict.Qualifies {
		if m := o.opts.Metrics; m != nil {
			m.QualifyingOverlaps.Add(1)
		}
		logger.Debug("Pipeline", "[%s] frame %d overlap iou=%.2f area=%.0f", o.opts.Source, frame.Number, verdict.IoU, verdict.IntersectionArea)
	}

	tr := o.machine.Observe(verdict)
	st := o.status.Load()

	out.Kind = FrameOK
	out.Boxes = boxes
	out.VehicleCount = types.CountVehicles(boxes)
	out.Verdict = verdict
	out.Phase = tr.To
	out.Accident = st.Accident
	out.Severity = st.Severity
	out.Event = tr.Event

	if tr.Event != nil {
		if m := o.opts.Metrics; m != nil {
			m.AccidentsConfirmed.Add(1)
		}
		o.dispatch(ctx, *tr.Event)
	}

	overlay := annotate.Overlay{VehicleCount: out.VehicleCount, Accident: st.Accident, Severity: st.Severity}
	if verdict.Pair != nil {
		overlay.Highlight = []int{verdict.Pair.I, verdict.Pair.J}
	}
	out.Image = o.opts.Annotator.Annotate(frame.Image, boxes, overlay)
	return out, true
}

func (o *Orchestrator) streamError(err error, bounds image.Rectangle) Output {
	st := o.status.Load()
	return Output{
		Source:   o.opts.Source,
		Kind:     StreamError,
		Err:      err,
		Phase:    o.machine.Snapshot().Phase,
		Accident: st.Accident,
		Severity: st.Severity,
		Image:    o.opts.Annotator.ErrorFrame("Video source error", bounds.Dx(), bounds.Dy()),
	}
}

// dispatch notifies without blocking the frame loop. The notification
// outlives pipeline cancellation and is bounded by DispatchTimeout instead.
func (o *Orchestrator) dispatch(ctx context.Context, ev collision.AccidentEvent) {
	if o.opts.Notifier == nil {
		return
	}

	dctx := context.WithoutCancel(ctx)
	timeout := o.opts.Config.DispatchTimeout
	o.dispatches.Add(1)
	go func() {
		defer o.dispatches.Done()
		defer func() {
			if r := recover(); r != nil {
				logger.Error("Pipeline", "[%s] notifier panic for %s: %v", o.opts.Source, ev.ID, r)
			}
		}()

		if timeout > 0 {
			var cancel context.CancelFunc
			dctx, cancel = context.WithTimeout(dctx, timeout)
			defer cancel()
		}
		results := o.opts.Notifier.Notify(dctx, ev)
		if err := alert.Summary(results); err != nil {
			logger.Warn("Pipeline", "[%s] accident %s: some alerts failed: %v", o.opts.Source, ev.ID, err)
			return
		}
		logger.Info("Pipeline", "[%s] accident %s: %d alert channel(s) done", o.opts.Source, ev.ID, len(results))
	}()
}

// WaitDispatch blocks until every started notification has returned. The
// frame loop and Close never call it.
func (o *Orchestrator) WaitDispatch() {
	o.dispatches.Wait()
}

func (o *Orchestrator) finish(src source.Source) {
	if src != nil {
		if err := src.Close(); err != nil {
			logger.Warn("Pipeline", "[%s] close source: %v", o.opts.Source, err)
		}
		if m := o.opts.Metrics; m != nil {
			m.ActivePipelines.Add(-1)
		}
	}

	o.mu.Lock()
	if o.stop != nil {
		o.stop()
		o.stop = nil
	}
	o.src = nil
	o.claim = nil
	o.running = false
	o.mu.Unlock()
}

// Close stops frame acquisition and closes the source. A sequence that was
// never ranged over is released here. In-flight notifications keep running.
func (o *Orchestrator) Close() error {
	o.mu.Lock()
	o.closed = true
	stop, src, claim := o.stop, o.src, o.claim
	o.mu.Unlock()

	if claim != nil && src != nil && claim.CompareAndSwap(false, true) {
		o.finish(src)
		return nil
	}
	if stop != nil {
		stop()
	}
	if src != nil {
		// Unblocks a Next that ignores ctx; finish closes it again.
		return src.Close()
	}
	return nil
}

func errorText(err error) string {
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	default:
		msg := err.Error()
		if len(msg) > 60 {
			msg = msg[:57] + "..."
		}
		return msg
	}
}
