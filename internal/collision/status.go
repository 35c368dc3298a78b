package collision

import (
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
)

// AccidentStatus is the externally visible accident flag.
type AccidentStatus struct {
	Accident bool      `json:"accident"`
	Severity int       `json:"severity"`
	Since    time.Time `json:"-"`
	Until    time.Time `json:"-"`
}

// Status is the shared accident status of one pipeline. One writer, any
// number of readers; readers never block and always see a consistent
// accident/severity pair.
type Status struct {
	clock clock.Clock
	cur   atomic.Pointer[AccidentStatus]
}

// NewStatus returns a cleared status. clk may be nil.
func NewStatus(clk clock.Clock) *Status {
	if clk == nil {
		clk = clock.New()
	}
	s := &Status{clock: clk}
	s.cur.Store(&AccidentStatus{})
	return s
}

// Load returns the current status. An accident whose cooldown already ended
// reads as cleared even if no frame has arrived since.
func (s *Status) Load() AccidentStatus {
	p := s.cur.Load()
	if p == nil || !p.Accident {
		return AccidentStatus{}
	}
	if !p.Until.IsZero() && !s.clock.Now().Before(p.Until) {
		return AccidentStatus{}
	}
	return *p
}

// Set publishes an active accident until the given deadline.
func (s *Status) Set(severity int, since, until time.Time) {
	s.cur.Store(&AccidentStatus{Accident: true, Severity: severity, Since: since, Until: until})
}

// Clear resets the status to {false, 0}.
func (s *Status) Clear() {
	s.cur.Store(&AccidentStatus{})
}
