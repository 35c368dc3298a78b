package webmonitor

import (
	"time"
)

// Config defines the runtime configuration for the web monitor server.
type Config struct {
	Addr string
	// AssetsDir overrides the embedded dashboard assets when it holds a
	// file of the same name.
	AssetsDir      string
	UploadDir      string
	MaxUploadBytes int64
	StatusInterval time.Duration
	CORSOrigins    []string
	// LogLimit caps /logs; 0 returns the whole logbook.
	LogLimit      int
	DefaultSource string
	// RecordingDir enables per-source evidence clips when set.
	RecordingDir string
	ClipDuration time.Duration
	OfferTimeout time.Duration
}

// DefaultConfig returns a config aligned with the Flask dashboard behavior.
func DefaultConfig() Config {
	return Config{
		Addr:           ":5000",
		UploadDir:      "videos",
		MaxUploadBytes: 512 << 20,
		StatusInterval: time.Second,
		CORSOrigins:    []string{"*"},
		DefaultSource:  "webcam",
		ClipDuration:   10 * time.Second,
		OfferTimeout:   10 * time.Second,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.UploadDir == "" {
		c.UploadDir = d.UploadDir
	}
	if c.MaxUploadBytes <= 0 {
		c.MaxUploadBytes = d.MaxUploadBytes
	}
	if c.StatusInterval <= 0 {
		c.StatusInterval = d.StatusInterval
	}
	if c.DefaultSource == "" {
		c.DefaultSource = d.DefaultSource
	}
	if c.ClipDuration <= 0 {
		c.ClipDuration = d.ClipDuration
	}
	if c.OfferTimeout <= 0 {
		c.OfferTimeout = d.OfferTimeout
	}
	return c
}
