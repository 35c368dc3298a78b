package webmonitor

import (
	"slices"
	"sync"

	"github.com/benbjohnson/clock"

	"github.com/rakshak-ai/accident-monitor/internal/collision"
	"github.com/rakshak-ai/accident-monitor/internal/recorder"
)

const historySize = 8

// Monitor tracks running sessions and the recent accident history. A source
// whose session ended stays listed while its accident is still active, so a
// short clip does not clear the alert before the cooldown does.
type Monitor struct {
	clock clock.Clock

	mu       sync.Mutex
	sessions map[string]*Session
	ended    map[string]*collision.Status
	history  []AccidentRecord
}

// NewMonitor creates an empty Monitor.
func NewMonitor(clk clock.Clock) *Monitor {
	if clk == nil {
		clk = clock.New()
	}
	return &Monitor{
		clock:    clk,
		sessions: make(map[string]*Session),
		ended:    make(map[string]*collision.Status),
	}
}

// Register adds a running session, replacing any previous one for its source.
func (m *Monitor) Register(s *Session) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessions[s.Name()] = s
	delete(m.ended, s.Name())
}

// Remove drops s once it has stopped.
func (m *Monitor) Remove(s *Session) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.sessions[s.Name()] != s {
		return
	}
	delete(m.sessions, s.Name())
	if s.Status().Load().Accident {
		m.ended[s.Name()] = s.Status()
	}
}

// RecordAccident prepends ev to the history.
func (m *Monitor) RecordAccident(ev collision.AccidentEvent) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.history = append([]AccidentRecord{newAccidentRecord(ev)}, m.history...)
	if len(m.history) > historySize {
		m.history = m.history[:historySize]
	}
}

// Status returns the accident status of one source.
func (m *Monitor) Status(source string) (collision.AccidentStatus, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.sessions[source]; ok {
		return s.Status().Load(), true
	}
	if st, ok := m.ended[source]; ok {
		return st.Load(), true
	}
	return collision.AccidentStatus{}, false
}

// Aggregate reports an accident when any source is in one, with the highest
// severity among them.
func (m *Monitor) Aggregate() collision.AccidentStatus {
	m.mu.Lock()
	defer m.mu.Unlock()

	var agg collision.AccidentStatus
	merge := func(st collision.AccidentStatus) {
		if !st.Accident {
			return
		}
		agg.Accident = true
		if st.Severity > agg.Severity {
			agg.Severity = st.Severity
		}
		if agg.Since.IsZero() || st.Since.Before(agg.Since) {
			agg.Since = st.Since
		}
		if st.Until.After(agg.Until) {
			agg.Until = st.Until
		}
	}
	for _, s := range m.sessions {
		merge(s.Status().Load())
	}
	for name, st := range m.ended {
		cur := st.Load()
		if !cur.Accident {
			delete(m.ended, name)
			continue
		}
		merge(cur)
	}
	return agg
}

// Snapshot builds the full status payload.
func (m *Monitor) Snapshot() StatusPayload {
	agg := m.Aggregate()

	m.mu.Lock()
	sessions := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		sessions = append(sessions, s)
	}
	history := slices.Clone(m.history)
	m.mu.Unlock()

	payload := StatusPayload{
		Accident:  agg.Accident,
		Severity:  agg.Severity,
		Sources:   make([]SourceStatus, 0, len(sessions)),
		History:   history,
		Timestamp: float64(m.clock.Now().UnixMilli()) / 1000,
	}
	if payload.History == nil {
		payload.History = []AccidentRecord{}
	}
	for _, s := range sessions {
		payload.Sources = append(payload.Sources, s.Snapshot())
		if rec := s.Recorder(); rec != nil {
			if payload.Recording == nil {
				payload.Recording = make(map[string]recorder.RecordingStatus)
			}
			payload.Recording[s.Name()] = rec.Status()
		}
	}
	slices.SortFunc(payload.Sources, func(a, b SourceStatus) int {
		return a.StartedAt.Compare(b.StartedAt)
	})
	return payload
}

// History returns the recent accidents, newest first.
func (m *Monitor) History() []AccidentRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	return slices.Clone(m.history)
}
