package collision

import (
	"fmt"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"

	"github.com/rakshak-ai/accident-monitor/internal/logger"
)

// Phase of the accident lifecycle.
type Phase int

const (
	Idle Phase = iota
	Building
	// Confirmed is momentary; the machine moves straight on to Cooldown.
	Confirmed
	Cooldown
)

func (p Phase) String() string {
	switch p {
	case Idle:
		return "idle"
	case Building:
		return "building"
	case Confirmed:
		return "confirmed"
	case Cooldown:
		return "cooldown"
	default:
		return fmt.Sprintf("phase(%d)", int(p))
	}
}

// MarshalText renders the phase name in JSON and YAML.
func (p Phase) MarshalText() ([]byte, error) {
	return []byte(p.String()), nil
}

// Config tunes the debounce and cooldown.
type Config struct {
	RequiredStreak int           `yaml:"required_streak" mapstructure:"required_streak"`
	Cooldown       time.Duration `yaml:"cooldown" mapstructure:"cooldown"`
}

// DefaultConfig returns a streak of 3 and a 5 second cooldown.
func DefaultConfig() Config {
	return Config{RequiredStreak: 3, Cooldown: 5 * time.Second}
}

// Validate checks the config.
func (c Config) Validate() error {
	if c.RequiredStreak < 1 {
		return fmt.Errorf("required streak must be >= 1: %d", c.RequiredStreak)
	}
	if c.Cooldown < 0 {
		return fmt.Errorf("cooldown must be >= 0: %s", c.Cooldown)
	}
	return nil
}

// Transition describes what one Observe or Tick call did.
type Transition struct {
	From     Phase
	To       Phase
	Streak   int
	Severity int
	// Event is set only on the call that confirmed an accident.
	Event *AccidentEvent
	// Expired is set when a cooldown ended on this call.
	Expired bool
}

// Confirmed reports whether this transition confirmed an accident.
func (t Transition) Confirmed() bool {
	return t.Event != nil
}

// State is a point-in-time copy of the machine.
type State struct {
	Phase            Phase     `json:"phase"`
	Streak           int       `json:"streak"`
	Severity         int       `json:"severity"`
	CooldownDeadline time.Time `json:"cooldown_deadline,omitempty"`
}

// StateMachine folds per-frame verdicts of one source into accident
// transitions. It must not be shared between sources.
type StateMachine struct {
	source string
	cfg    Config
	clock  clock.Clock
	status *Status

	mu       sync.Mutex
	phase    Phase
	streak   int
	severity int
	deadline time.Time
}

// NewStateMachine creates an Idle machine that publishes into status.
// A nil clock uses wall time; a nil status allocates a private one.
func NewStateMachine(source string, cfg Config, clk clock.Clock, status *Status) *StateMachine {
	if clk == nil {
		clk = clock.New()
	}
	if status == nil {
		status = NewStatus(clk)
	}
	return &StateMachine{
		source: source,
		cfg:    cfg,
		clock:  clk,
		status: status,
	}
}

// Status returns the shared status this machine writes.
func (m *StateMachine) Status() *Status {
	return m.status
}

// Observe applies one frame's verdict. During cooldown the verdict is
// ignored and only the deadline is checked. Reaching the required streak,
// entering cooldown and emitting the event happen under one lock, so at
// most one event is produced per cooldown window.
func (m *StateMachine) Observe(v Verdict) Transition {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.clock.Now()
	if m.phase == Cooldown {
		return m.checkExpiry(now)
	}

	from := m.phase
	if !v.Qualifies {
		if m.streak > 0 {
			m.streak--
		}
		m.phase = phaseFor(m.streak)
		return Transition{From: from, To: m.phase, Streak: m.streak}
	}

	m.streak++
	if m.streak < m.cfg.RequiredStreak {
		m.phase = Building
		return Transition{From: from, To: m.phase, Streak: m.streak}
	}

	m.severity = Score(v.IoU)
	m.deadline = now.Add(m.cfg.Cooldown)
	m.streak = 0
	m.phase = Cooldown

	ev := &AccidentEvent{
		ID:            uuid.New(),
		Source:        m.source,
		Severity:      m.severity,
		Verdict:       v,
		DetectedAt:    now,
		CooldownUntil: m.deadline,
	}
	m.status.Set(m.severity, now, m.deadline)

	logger.Info("Collision", "[%s] accident confirmed severity=%d iou=%.3f cooldown until %s",
		m.source, m.severity, v.IoU, m.deadline.Format(time.RFC3339))

	return Transition{From: from, To: Cooldown, Severity: m.severity, Event: ev}
}

// Tick checks cooldown expiry without a verdict. Frames that produced no
// verdict (detection errors) call this so the cooldown still ends on time.
func (m *StateMachine) Tick() Transition {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.phase != Cooldown {
		return Transition{From: m.phase, To: m.phase, Streak: m.streak}
	}
	return m.checkExpiry(m.clock.Now())
}

func (m *StateMachine) checkExpiry(now time.Time) Transition {
	if now.Before(m.deadline) {
		return Transition{From: Cooldown, To: Cooldown, Severity: m.severity}
	}

	m.phase = Idle
	m.streak = 0
	m.severity = 0
	m.deadline = time.Time{}
	m.status.Clear()

	logger.Debug("Collision", "[%s] cooldown expired", m.source)
	return Transition{From: Cooldown, To: Idle, Expired: true}
}

// Snapshot returns the current state. A cooldown whose deadline has passed
// reads as Idle, matching Status, even before the next frame applies it.
func (m *StateMachine) Snapshot() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.phase == Cooldown && !m.clock.Now().Before(m.deadline) {
		return State{Phase: Idle}
	}
	return State{
		Phase:            m.phase,
		Streak:           m.streak,
		Severity:         m.severity,
		CooldownDeadline: m.deadline,
	}
}

func phaseFor(streak int) Phase {
	if streak == 0 {
		return Idle
	}
	return Building
}
