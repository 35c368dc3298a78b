package source

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Kind classifies a resolved source.
type Kind int

const (
	KindWebcam Kind = iota
	KindStream
	KindFile
	KindImages
)

func (k Kind) String() string {
	switch k {
	case KindWebcam:
		return "webcam"
	case KindStream:
		return "stream"
	case KindFile:
		return "file"
	case KindImages:
		return "images"
	default:
		return "unknown"
	}
}

// Target is a resolved source ready to be opened.
type Target struct {
	Name      string
	Kind      Kind
	Input     string
	InputArgs map[string]interface{}
}

// CanonicalName returns the name Resolve reports for name without touching
// the filesystem, so callers can tell when two names open the same source.
// Names that cannot be sanitised are returned trimmed and fail in Resolve.
func CanonicalName(name string) string {
	name = strings.TrimSpace(name)
	switch {
	case name == "":
		return "webcam"
	case isStreamURL(name):
		return name
	}
	if base := SanitizeName(name); base != "" {
		return base
	}
	return name
}

func isStreamURL(name string) bool {
	for _, prefix := range []string{"rtsp://", "http://", "https://"} {
		if strings.HasPrefix(name, prefix) {
			return true
		}
	}
	return false
}

// Resolve maps a user-facing source name to a Target. An empty name means
// the webcam. Anything that is not the webcam or a stream URL is looked up
// by base name inside cfg.UploadDir, so names cannot escape that directory.
func Resolve(name string, cfg Config) (Target, error) {
	name = strings.TrimSpace(name)
	switch {
	case name == "" || name == "webcam":
		args := map[string]interface{}{}
		if cfg.WebcamFormat != "" {
			args["f"] = cfg.WebcamFormat
		}
		return Target{Name: "webcam", Kind: KindWebcam, Input: cfg.WebcamDevice, InputArgs: args}, nil

	case strings.HasPrefix(name, "rtsp://"):
		args := map[string]interface{}{}
		if cfg.RTSPTransport != "" {
			args["rtsp_transport"] = cfg.RTSPTransport
		}
		return Target{Name: name, Kind: KindStream, Input: name, InputArgs: args}, nil

	case strings.HasPrefix(name, "http://"), strings.HasPrefix(name, "https://"):
		return Target{Name: name, Kind: KindStream, Input: name, InputArgs: map[string]interface{}{}}, nil
	}

	base := SanitizeName(name)
	if base == "" {
		return Target{}, fmt.Errorf("%w: invalid source name %q", ErrSourceUnavailable, name)
	}
	path := filepath.Join(cfg.UploadDir, base)

	info, err := os.Stat(path)
	if err != nil {
		return Target{}, fmt.Errorf("%w: %w", ErrSourceUnavailable, err)
	}
	if info.IsDir() {
		return Target{Name: base, Kind: KindImages, Input: path}, nil
	}
	return Target{Name: base, Kind: KindFile, Input: path, InputArgs: map[string]interface{}{}}, nil
}

// SanitizeName reduces an uploaded file name to a safe base name made of
// letters, digits, '.', '-' and '_'. It returns "" when nothing usable is left.
func SanitizeName(name string) string {
	name = strings.ReplaceAll(name, "\\", "/")
	name = filepath.Base(name)

	var b strings.Builder
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '.', r == '-', r == '_':
			b.WriteRune(r)
		case r == ' ':
			b.WriteRune('_')
		}
	}
	return strings.TrimLeft(b.String(), "._")
}
