package protocol

import (
	"bufio"
	"bytes"
	"errors"
	"io"

	"github.com/pixperk/mutexd/pkg/types"
)

// DefaultMaxFrameBytes bounds a single request line.
const DefaultMaxFrameBytes = 64 * 1024

// reads line-feed terminated frames from a byte stream
type FrameReader struct {
	sc *bufio.Scanner
}

// NewFrameReader wraps r. Frames longer than maxBytes (excluding the line
// feed) fail with types.ErrFrameTooLarge.
func NewFrameReader(r io.Reader, maxBytes int) *FrameReader {
	if maxBytes <= 0 {
		maxBytes = DefaultMaxFrameBytes
	}
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, min(4096, maxBytes+1)), maxBytes+1)
	sc.Split(splitFrames)
	return &FrameReader{sc: sc}
}

// Next returns the next non-blank frame. The returned slice is only valid
// until the following call. A clean end of stream is reported as io.EOF.
func (fr *FrameReader) Next() ([]byte, error) {
	for fr.sc.Scan() {
		line := fr.sc.Bytes()
		if len(bytes.TrimSpace(line)) == 0 {
			continue
		}
		return line, nil
	}
	err := fr.sc.Err()
	switch {
	case err == nil:
		return nil, io.EOF
	case errors.Is(err, bufio.ErrTooLong):
		return nil, types.ErrFrameTooLarge
	default:
		return nil, err
	}
}

// like bufio.ScanLines but a trailing unterminated line is an error
func splitFrames(data []byte, atEOF bool) (int, []byte, error) {
	if i := bytes.IndexByte(data, '\n'); i >= 0 {
		return i + 1, bytes.TrimSuffix(data[:i], []byte{'\r'}), nil
	}
	if atEOF && len(bytes.TrimSpace(data)) > 0 {
		return 0, nil, types.ErrIncompleteFrame
	}
	if atEOF {
		return len(data), nil, nil
	}
	return 0, nil, nil
}
