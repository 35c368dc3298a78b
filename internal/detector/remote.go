package detector

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"image"
	"image/jpeg"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rakshak-ai/accident-monitor/internal/logger"
	"github.com/rakshak-ai/accident-monitor/pkg/types"
)

// RemoteConfig points at a YOLO inference server.
type RemoteConfig struct {
	// URL receives POSTed JPEG frames, e.g. http://localhost:8000/detect.
	URL string `yaml:"url" mapstructure:"url"`
	// HealthURL is probed at startup. Empty derives "<base>/health" from URL.
	HealthURL     string        `yaml:"health_url" mapstructure:"health_url"`
	MinConfidence float64       `yaml:"min_confidence" mapstructure:"min_confidence"`
	JPEGQuality   int           `yaml:"jpeg_quality" mapstructure:"jpeg_quality"`
	Timeout       time.Duration `yaml:"timeout" mapstructure:"timeout"`
}

// Remote runs detection on an HTTP inference server.
type Remote struct {
	cfg    RemoteConfig
	client *http.Client
}

type remoteResponse struct {
	Detections []types.BoundingBox `json:"detections"`
	Error      string              `json:"error,omitempty"`
}

// NewRemote creates a Remote detector. client may be nil.
func NewRemote(cfg RemoteConfig, client *http.Client) *Remote {
	if cfg.JPEGQuality <= 0 || cfg.JPEGQuality > 100 {
		cfg.JPEGQuality = 80
	}
	if cfg.HealthURL == "" {
		cfg.HealthURL = healthURL(cfg.URL)
	}
	if client == nil {
		client = &http.Client{Timeout: cfg.Timeout}
	}
	return &Remote{cfg: cfg, client: client}
}

func healthURL(detectURL string) string {
	if i := strings.LastIndex(detectURL, "/"); i > len("https://") {
		return detectURL[:i] + "/health"
	}
	return strings.TrimSuffix(detectURL, "/") + "/health"
}

// Probe checks that the inference server answers its health endpoint.
func (r *Remote) Probe(ctx context.Context) error {
	if r.cfg.URL == "" {
		return fmt.Errorf("%w: no detector url configured", ErrUnavailable)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, r.cfg.HealthURL, nil)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrUnavailable, err)
	}
	resp, err := r.client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrUnavailable, err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%w: health check returned %s", ErrUnavailable, resp.Status)
	}
	return nil
}

// Detect encodes img as JPEG and posts it to the inference server.
func (r *Remote) Detect(ctx context.Context, img image.Image) ([]types.BoundingBox, error) {
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: r.cfg.JPEGQuality}); err != nil {
		return nil, fmt.Errorf("%w: encode frame: %w", ErrDetection, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.cfg.URL, &buf)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrDetection, err)
	}
	req.Header.Set("Content-Type", "image/jpeg")
	req.Header.Set("Accept", "application/json")

	resp, err := r.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrDetection, err)
	}
	defer resp.Body.Close()

	var out remoteResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("%w: decode response (%s): %w", ErrDetection, resp.Status, err)
	}
	if resp.StatusCode != http.StatusOK {
		msg := out.Error
		if msg == "" {
			msg = resp.Status
		}
		return nil, fmt.Errorf("%w: server: %s", ErrDetection, msg)
	}

	boxes := out.Detections[:0]
	for _, b := range out.Detections {
		if b.Confidence >= r.cfg.MinConfidence {
			boxes = append(boxes, b)
		}
	}
	return boxes, nil
}

// Connect probes the server and returns the matching Capability. Failure is
// logged and yields Unavailable, never an error. Callers bound Detect with
// WithTimeout.
func Connect(ctx context.Context, cfg RemoteConfig) Capability {
	if cfg.URL == "" {
		logger.Warn("Detector", "No detector URL configured, running in demo mode")
		return Unavailable(fmt.Errorf("%w: no detector url configured", ErrUnavailable))
	}

	r := NewRemote(cfg, nil)
	if err := r.Probe(ctx); err != nil {
		logger.Warn("Detector", "Detector probe failed, running in demo mode: %v", err)
		return Unavailable(err)
	}
	logger.Info("Detector", "Using remote detector at %s (min confidence %.2f)", cfg.URL, cfg.MinConfidence)
	return Available(r)
}
