package source

import (
	"bufio"
	"errors"
	"io"
)

// MaxJPEGSize bounds one frame read from an MJPEG byte stream.
const MaxJPEGSize = 16 << 20

var errFrameTooLarge = errors.New("mjpeg frame exceeds size limit")

// MJPEGReader splits a concatenated JPEG stream (ffmpeg image2pipe output)
// into individual images by their SOI (FFD8) and EOI (FFD9) markers.
type MJPEGReader struct {
	br *bufio.Reader
}

// NewMJPEGReader wraps r.
func NewMJPEGReader(r io.Reader) *MJPEGReader {
	return &MJPEGReader{br: bufio.NewReaderSize(r, 256*1024)}
}

// Next returns the next complete JPEG. It returns io.EOF when the stream ends
// between frames and io.ErrUnexpectedEOF when it ends inside one.
func (m *MJPEGReader) Next() ([]byte, error) {
	var prev byte
	for {
		b, err := m.br.ReadByte()
		if err != nil {
			return nil, err
		}
		if prev == 0xFF && b == 0xD8 {
			break
		}
		prev = b
	}

	buf := make([]byte, 2, 64*1024)
	buf[0], buf[1] = 0xFF, 0xD8
	prev = 0
	for {
		b, err := m.br.ReadByte()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil, io.ErrUnexpectedEOF
			}
			return nil, err
		}
		buf = append(buf, b)
		if prev == 0xFF && b == 0xD9 {
			return buf, nil
		}
		if len(buf) > MaxJPEGSize {
			return nil, errFrameTooLarge
		}
		prev = b
	}
}
