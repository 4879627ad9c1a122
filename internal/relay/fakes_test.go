package relay

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"testing"
	"time"
)

var errSourceClosed = errors.New("fake source closed")

// fakeSource yields whatever is sent on frames. Closing frames ends the stream
// with io.EOF, or with err when it is set.
type fakeSource struct {
	frames chan []byte
	err    error

	closed    chan struct{}
	closeOnce sync.Once
	onClose   func()
}

func newFakeSource(buffer int) *fakeSource {
	return &fakeSource{
		frames: make(chan []byte, buffer),
		closed: make(chan struct{}),
	}
}

// finiteSource returns a source that yields n frames and then ends with io.EOF.
func finiteSource(n int) *fakeSource {
	s := newFakeSource(n)
	for i := 1; i <= n; i++ {
		s.frames <- []byte(fmt.Sprintf("frame-%d", i))
	}
	close(s.frames)
	return s
}

func (s *fakeSource) Read(ctx context.Context) ([]byte, error) {
	select {
	case f, ok := <-s.frames:
		if !ok {
			if s.err != nil {
				return nil, s.err
			}
			return nil, io.EOF
		}
		return f, nil
	case <-s.closed:
		return nil, errSourceClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (s *fakeSource) Close() error {
	s.closeOnce.Do(func() {
		close(s.closed)
		if s.onClose != nil {
			s.onClose()
		}
	})
	return nil
}

func (s *fakeSource) isClosed() bool {
	select {
	case <-s.closed:
		return true
	default:
		return false
	}
}

// fakeOpener hands out registered sources by URL. Unknown URLs get a fresh
// streaming source when stream is true, otherwise an error.
type fakeOpener struct {
	mu      sync.Mutex
	sources map[string]*fakeSource
	fail    map[string]error
	opens   map[string]int
	block   chan struct{}
	stream  bool

	live    int
	maxLive int
}

func newFakeOpener() *fakeOpener {
	return &fakeOpener{
		sources: make(map[string]*fakeSource),
		fail:    make(map[string]error),
		opens:   make(map[string]int),
	}
}

func (o *fakeOpener) add(url string, src *fakeSource) *fakeSource {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.sources[url] = src
	return src
}

func (o *fakeOpener) Open(ctx context.Context, url string) (Source, error) {
	o.mu.Lock()
	o.opens[url]++
	block := o.block
	o.mu.Unlock()

	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	if err := o.fail[url]; err != nil {
		return nil, err
	}
	src, ok := o.sources[url]
	if !ok {
		if !o.stream {
			return nil, fmt.Errorf("unknown source %q", url)
		}
		src = newFakeSource(0)
	}
	delete(o.sources, url)

	o.live++
	if o.live > o.maxLive {
		o.maxLive = o.live
	}
	src.onClose = func() {
		o.mu.Lock()
		o.live--
		o.mu.Unlock()
	}
	return src, nil
}

func (o *fakeOpener) openCount(url string) int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.opens[url]
}

func (o *fakeOpener) maxLiveSources() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.maxLive
}

// fakeSink records every frame it accepts. When gate is set each Send waits
// for a value (or for gate to be closed) before accepting.
type fakeSink struct {
	mu   sync.Mutex
	got  map[CameraID][]Frame
	fail func(Frame) bool
	gate chan struct{}
}

func newFakeSink() *fakeSink {
	return &fakeSink{got: make(map[CameraID][]Frame)}
}

func (s *fakeSink) Send(ctx context.Context, id CameraID, f Frame) error {
	if s.gate != nil {
		select {
		case <-s.gate:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if s.fail != nil && s.fail(f) {
		return errors.New("sink rejected frame")
	}
	s.mu.Lock()
	s.got[id] = append(s.got[id], f)
	s.mu.Unlock()
	return nil
}

func (s *fakeSink) frames(id CameraID) []Frame {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Frame, len(s.got[id]))
	copy(out, s.got[id])
	return out
}

func seqs(frames []Frame) []uint64 {
	out := make([]uint64, len(frames))
	for i, f := range frames {
		out[i] = f.Seq
	}
	return out
}

// waitFor polls cond until it holds or timeout elapses.
func waitFor(t *testing.T, timeout time.Duration, cond func() bool, what string) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(2 * time.Millisecond)
	}
}
