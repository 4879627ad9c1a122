package source

import (
	"bufio"
	"bytes"
	"errors"
	"io"
)

// MaxFrameSize bounds a single JPEG frame read from a stream.
const MaxFrameSize = 16 << 20

var (
	jpegSOI = []byte{0xFF, 0xD8}
	jpegEOI = []byte{0xFF, 0xD9}

	errFrameTooLarge = errors.New("jpeg frame exceeds size limit")
)

// readJPEG returns the next complete SOI..EOI frame from r. Bytes before the
// SOI marker are skipped. io.EOF means the stream ended between frames;
// io.ErrUnexpectedEOF means it ended inside one.
func readJPEG(r *bufio.Reader) ([]byte, error) {
	var prev byte
	for {
		b, err := r.ReadByte()
		if err != nil {
			return nil, err
		}
		if prev == 0xFF && b == 0xD8 {
			break
		}
		prev = b
	}

	frame := append(make([]byte, 0, 64<<10), jpegSOI...)
	prev = 0
	for {
		b, err := r.ReadByte()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil, io.ErrUnexpectedEOF
			}
			return nil, err
		}
		frame = append(frame, b)
		if prev == 0xFF && b == 0xD9 {
			return frame, nil
		}
		if len(frame) > MaxFrameSize {
			return nil, errFrameTooLarge
		}
		prev = b
	}
}

// isCompleteJPEG reports whether data starts with SOI and ends with EOI.
func isCompleteJPEG(data []byte) bool {
	return len(data) >= 4 && bytes.HasPrefix(data, jpegSOI) && bytes.HasSuffix(data, jpegEOI)
}
