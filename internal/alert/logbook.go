package alert

import (
	"context"

	"github.com/rakshak-ai/accident-monitor/internal/collision"
	"github.com/rakshak-ai/accident-monitor/internal/store"
)

// Location is the fixed site position written with each accident.
type Location struct {
	Latitude  float64 `yaml:"latitude" mapstructure:"latitude"`
	Longitude float64 `yaml:"longitude" mapstructure:"longitude"`
}

// Logbook records accidents in the store.
type Logbook struct {
	store *store.Store
	site  Location
}

// NewLogbook creates the logbook channel.
func NewLogbook(s *store.Store, site Location) *Logbook {
	return &Logbook{store: s, site: site}
}

// Name implements Channel.
func (l *Logbook) Name() string { return "logbook" }

// Send implements Channel.
func (l *Logbook) Send(ctx context.Context, ev collision.AccidentEvent) error {
	_, err := l.store.LogAccident(ctx, store.Accident{
		EventID:     ev.ID.String(),
		Timestamp:   ev.DetectedAt,
		Latitude:    l.site.Latitude,
		Longitude:   l.site.Longitude,
		Severity:    ev.Severity,
		Description: ev.Description(),
		Source:      ev.Source,
	})
	return err
}
