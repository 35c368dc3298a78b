package collision

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// AccidentEvent is emitted once per confirmed accident.
type AccidentEvent struct {
	ID            uuid.UUID `json:"id"`
	Source        string    `json:"source"`
	Severity      int       `json:"severity"`
	Verdict       Verdict   `json:"verdict"`
	DetectedAt    time.Time `json:"detected_at"`
	CooldownUntil time.Time `json:"cooldown_until"`
}

// Message is the human readable alert text used by notification channels.
func (e AccidentEvent) Message() string {
	return fmt.Sprintf("Accident detected by Rakshak AI! Severity %d", e.Severity)
}

// Description is the logbook entry text.
func (e AccidentEvent) Description() string {
	return fmt.Sprintf("Collision on %s (IoU %.2f, overlap %.0f px)", e.Source, e.Verdict.IoU, e.Verdict.IntersectionArea)
}
