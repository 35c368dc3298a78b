package alert

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"time"

	"github.com/go-audio/wav"

	"github.com/rakshak-ai/accident-monitor/internal/collision"
	"github.com/rakshak-ai/accident-monitor/internal/logger"
)

// SirenConfig selects the sound and the player. The siren is off unless
// Enabled is set.
type SirenConfig struct {
	Enabled bool     `yaml:"enabled" mapstructure:"enabled"`
	Path    string   `yaml:"path" mapstructure:"path"`
	Player  string   `yaml:"player" mapstructure:"player"`
	Args    []string `yaml:"args" mapstructure:"args"`
}

// Siren plays a WAV file through an external player such as aplay.
type Siren struct {
	cfg      SirenConfig
	duration time.Duration
	err      error
}

// NewSiren checks the sound file once so misconfiguration is reported at
// startup and on every event, not discovered mid-alert.
func NewSiren(cfg SirenConfig) *Siren {
	if cfg.Player == "" {
		cfg.Player = "aplay"
	}
	s := &Siren{cfg: cfg}
	if cfg.Enabled {
		s.duration, s.err = probeWAV(cfg.Path)
		if s.err != nil {
			logger.Warn("Alert", "Siren unusable: %v", s.err)
		}
	}
	return s
}

// Name implements Channel.
func (s *Siren) Name() string { return "siren" }

// Duration is the length of the siren sound.
func (s *Siren) Duration() time.Duration { return s.duration }

// Send implements Channel.
func (s *Siren) Send(ctx context.Context, ev collision.AccidentEvent) error {
	if !s.cfg.Enabled {
		return fmt.Errorf("%w: siren disabled", ErrSkipped)
	}
	if s.err != nil {
		return s.err
	}

	args := append(append([]string{}, s.cfg.Args...), s.cfg.Path)
	cmd := exec.CommandContext(ctx, s.cfg.Player, args...)
	if out, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("%s: %w: %s", s.cfg.Player, err, out)
	}
	return nil
}

func probeWAV(path string) (time.Duration, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer f.Close()

	d := wav.NewDecoder(f)
	if !d.IsValidFile() {
		return 0, fmt.Errorf("%s: not a valid wav file", path)
	}
	return d.Duration()
}
