package source

import (
	"context"
	"fmt"
	"image"
	_ "image/jpeg" // register decoders
	_ "image/png"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rakshak-ai/accident-monitor/pkg/types"
)

// Images plays the JPEG and PNG files of a directory in name order.
type Images struct {
	name  string
	files []string

	mu     sync.Mutex
	next   int
	closed bool
}

// OpenImages lists dir. A directory with no images is unavailable.
func OpenImages(dir, name string) (*Images, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrSourceUnavailable, err)
	}

	var files []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		switch strings.ToLower(filepath.Ext(e.Name())) {
		case ".jpg", ".jpeg", ".png":
			files = append(files, filepath.Join(dir, e.Name()))
		}
	}
	if len(files) == 0 {
		return nil, fmt.Errorf("%w: no images in %s", ErrSourceUnavailable, dir)
	}
	sort.Strings(files)

	return &Images{name: name, files: files}, nil
}

// Len returns the number of frames.
func (s *Images) Len() int {
	return len(s.files)
}

// Next decodes the next file.
func (s *Images) Next(ctx context.Context) (*types.Frame, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	if s.closed || s.next >= len(s.files) {
		s.mu.Unlock()
		return nil, ErrSourceExhausted
	}
	path := s.files[s.next]
	s.next++
	n := s.next
	s.mu.Unlock()

	fh, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer fh.Close()

	img, _, err := image.Decode(fh)
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", filepath.Base(path), err)
	}
	return &types.Frame{
		Image:     img,
		Number:    uint64(n),
		Timestamp: time.Now(),
		Source:    s.name,
	}, nil
}

// Close ends the sequence.
func (s *Images) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return nil
}
