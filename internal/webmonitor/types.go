package webmonitor

import (
	"time"

	"github.com/rakshak-ai/accident-monitor/internal/collision"
	"github.com/rakshak-ai/accident-monitor/internal/recorder"
)

// AccidentStatusResponse is the /accident_status payload.
type AccidentStatusResponse struct {
	Accident bool `json:"accident"`
	Severity int  `json:"severity"`
}

// StatsResponse is the /stats payload.
type StatsResponse struct {
	AccidentCount int `json:"accident_count"`
}

// UploadResponse is returned by /upload_video on success.
type UploadResponse struct {
	Filename string `json:"filename"`
}

// ErrorResponse is the body of every JSON error.
type ErrorResponse struct {
	Error string `json:"error"`
}

// SourceStatus describes one running pipeline.
type SourceStatus struct {
	Source       string    `json:"source"`
	Phase        string    `json:"phase"`
	Streak       int       `json:"streak"`
	Accident     bool      `json:"accident"`
	Severity     int       `json:"severity"`
	Degraded     bool      `json:"degraded"`
	Running      bool      `json:"running"`
	Viewers      int       `json:"viewers"`
	Frames       uint64    `json:"frames"`
	FrameErrors  uint64    `json:"frame_errors"`
	VehicleCount int       `json:"vehicle_count"`
	LastError    string    `json:"last_error,omitempty"`
	StartedAt    time.Time `json:"started_at"`
}

// AccidentRecord is one entry of the recent accident history.
type AccidentRecord struct {
	ID          string    `json:"id"`
	Source      string    `json:"source"`
	Severity    int       `json:"severity"`
	IoU         float64   `json:"iou"`
	DetectedAt  time.Time `json:"detected_at"`
	Description string    `json:"description"`
}

func newAccidentRecord(ev collision.AccidentEvent) AccidentRecord {
	return AccidentRecord{
		ID:          ev.ID.String(),
		Source:      ev.Source,
		Severity:    ev.Severity,
		IoU:         ev.Verdict.IoU,
		DetectedAt:  ev.DetectedAt,
		Description: ev.Description(),
	}
}

// StatusPayload is served by /api/status and pushed over SSE and WebRTC.
type StatusPayload struct {
	Accident  bool                                `json:"accident"`
	Severity  int                                 `json:"severity"`
	Sources   []SourceStatus                      `json:"sources"`
	History   []AccidentRecord                    `json:"accident_history"`
	Recording map[string]recorder.RecordingStatus `json:"recording,omitempty"`
	Timestamp float64                             `json:"timestamp"`
}
