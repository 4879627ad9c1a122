//go:build gocv

package source

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"strings"
	"sync"

	"camrelay/internal/relay"

	"gocv.io/x/gocv"
)

func init() {
	platformOpeners["cv"] = func(log *slog.Logger) relay.Opener { return NewCVOpener(log) }
}

// CVOpener opens cv://<device-index-or-url> through OpenCV's VideoCapture and
// encodes every captured frame to JPEG.
type CVOpener struct {
	log *slog.Logger
}

func NewCVOpener(log *slog.Logger) *CVOpener {
	return &CVOpener{log: log}
}

func (o *CVOpener) Open(ctx context.Context, url string) (relay.Source, error) {
	target := strings.TrimPrefix(url, "cv://")
	var device interface{} = target
	if idx, err := strconv.Atoi(target); err == nil {
		device = idx
	}

	type result struct {
		vc  *gocv.VideoCapture
		err error
	}
	// OpenVideoCapture cannot be interrupted; if ctx ends first the capture is
	// released once it returns.
	ch := make(chan result, 1)
	go func() {
		vc, err := gocv.OpenVideoCapture(device)
		if err == nil && !vc.IsOpened() {
			_ = vc.Close()
			err = fmt.Errorf("video capture %q not opened", target)
		}
		ch <- result{vc, err}
	}()

	select {
	case r := <-ch:
		if r.err != nil {
			return nil, r.err
		}
		return &cvSource{vc: r.vc, mat: gocv.NewMat()}, nil
	case <-ctx.Done():
		go func() {
			if r := <-ch; r.err == nil {
				_ = r.vc.Close()
			}
		}()
		return nil, ctx.Err()
	}
}

// cvSource serialises Read and Close: OpenCV must not release the capture
// while a read is in progress.
type cvSource struct {
	mu     sync.Mutex
	vc     *gocv.VideoCapture
	mat    gocv.Mat
	closed bool
}

func (s *cvSource) Read(ctx context.Context) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrSourceClosed
	}

	if ok := s.vc.Read(&s.mat); !ok || s.mat.Empty() {
		return nil, io.EOF
	}
	buf, err := gocv.IMEncode(gocv.JPEGFileExt, s.mat)
	if err != nil {
		return nil, fmt.Errorf("encode frame: %w", err)
	}
	defer buf.Close()

	data := make([]byte, buf.Len())
	copy(data, buf.GetBytes())
	return data, nil
}

func (s *cvSource) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	_ = s.mat.Close()
	return s.vc.Close()
}
