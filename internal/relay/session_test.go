package relay

import (
	"context"
	"errors"
	"reflect"
	"testing"
	"time"

	"camrelay/internal/platform/logger"
)

func newTestSession(t *testing.T, url string, buf *FrameBuffer, openTimeout time.Duration) *CaptureSession {
	t.Helper()
	return newCaptureSession("cam1", "session-1", url, buf, openTimeout, logger.Discard(), nil)
}

func waitDone(t *testing.T, s *CaptureSession) {
	t.Helper()
	select {
	case <-s.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("session did not finish")
	}
}

func TestCaptureSession_exhaustion(t *testing.T) {
	opener := newFakeOpener()
	src := opener.add("src-A", finiteSource(3))
	buf := NewFrameBuffer(8)
	s := newTestSession(t, "src-A", buf, time.Second)

	if err := s.start(context.Background(), opener); err != nil {
		t.Fatalf("start: %v", err)
	}
	waitDone(t, s)

	reason, err := s.EndReason()
	if reason != EndExhausted || err != nil {
		t.Errorf("expected exhausted with no error, got %s %v", reason, err)
	}
	if !src.isClosed() {
		t.Error("source should be closed after exhaustion")
	}

	var got []uint64
	for f, ok := buf.Pop(); ok; f, ok = buf.Pop() {
		got = append(got, f.Seq)
		if f.CapturedAt.IsZero() {
			t.Error("frame should carry a capture timestamp")
		}
	}
	if !reflect.DeepEqual(got, []uint64{1, 2, 3}) {
		t.Errorf("expected frames 1,2,3, got %v", got)
	}
}

func TestCaptureSession_read_error_ends_session(t *testing.T) {
	opener := newFakeOpener()
	src := finiteSource(2)
	src.err = errors.New("decoder lost sync")
	opener.add("src-A", src)
	buf := NewFrameBuffer(8)
	s := newTestSession(t, "src-A", buf, time.Second)

	if err := s.start(context.Background(), opener); err != nil {
		t.Fatalf("start: %v", err)
	}
	waitDone(t, s)

	reason, err := s.EndReason()
	if reason != EndReadError || err == nil {
		t.Errorf("expected read_error with cause, got %s %v", reason, err)
	}
	if s.Captured() != 2 {
		t.Errorf("expected 2 captured frames before the error, got %d", s.Captured())
	}
}

func TestCaptureSession_open_failure(t *testing.T) {
	opener := newFakeOpener()
	opener.fail["src-A"] = errors.New("connection refused")
	s := newTestSession(t, "src-A", NewFrameBuffer(8), time.Second)

	err := s.start(context.Background(), opener)
	if !errors.Is(err, ErrSourceOpen) {
		t.Fatalf("expected ErrSourceOpen, got %v", err)
	}
	waitDone(t, s)
	if reason, _ := s.EndReason(); reason != EndOpenFailed {
		t.Errorf("expected open_failed, got %s", reason)
	}
}

func TestCaptureSession_open_timeout(t *testing.T) {
	opener := newFakeOpener()
	opener.block = make(chan struct{})
	opener.add("src-A", newFakeSource(0))
	s := newTestSession(t, "src-A", NewFrameBuffer(8), 20*time.Millisecond)

	err := s.start(context.Background(), opener)
	if !errors.Is(err, ErrSourceOpen) {
		t.Fatalf("expected ErrSourceOpen after timeout, got %v", err)
	}
}

func TestCaptureSession_Stop_no_push_after_return(t *testing.T) {
	opener := newFakeOpener()
	src := opener.add("src-A", newFakeSource(16))
	buf := NewFrameBuffer(16)
	s := newTestSession(t, "src-A", buf, time.Second)

	if err := s.start(context.Background(), opener); err != nil {
		t.Fatalf("start: %v", err)
	}

	src.frames <- []byte("a")
	src.frames <- []byte("b")
	waitFor(t, time.Second, func() bool { return s.Captured() == 2 }, "two captured frames")

	s.Stop()

	if !src.isClosed() {
		t.Error("source should be released when Stop returns")
	}
	if reason, _ := s.EndReason(); reason != EndStopped {
		t.Errorf("expected stopped, got %s", reason)
	}

	before := buf.Len()
	for i := 0; i < 5; i++ {
		src.frames <- []byte("late")
	}
	time.Sleep(20 * time.Millisecond)
	if buf.Len() != before || s.Captured() != 2 {
		t.Errorf("frames pushed after Stop: len %d -> %d, captured %d", before, buf.Len(), s.Captured())
	}
}

func TestCaptureSession_Stop_interrupts_blocked_read(t *testing.T) {
	opener := newFakeOpener()
	opener.add("src-A", newFakeSource(0))
	s := newTestSession(t, "src-A", NewFrameBuffer(4), time.Second)

	if err := s.start(context.Background(), opener); err != nil {
		t.Fatalf("start: %v", err)
	}

	stopped := make(chan struct{})
	go func() {
		s.Stop()
		close(stopped)
	}()

	select {
	case <-stopped:
	case <-time.After(time.Second):
		t.Fatal("Stop did not return while the source read was blocked")
	}
}

func TestCaptureSession_State_transitions(t *testing.T) {
	opener := newFakeOpener()
	opener.add("src-A", newFakeSource(0))
	s := newTestSession(t, "src-A", NewFrameBuffer(4), time.Second)

	if s.State() != StateStarting {
		t.Errorf("new session should be starting, got %s", s.State())
	}
	if err := s.start(context.Background(), opener); err != nil {
		t.Fatalf("start: %v", err)
	}
	if s.State() != StateRunning {
		t.Errorf("started session should be running, got %s", s.State())
	}
	s.Stop()
	if s.State() != StateStopping {
		t.Errorf("stopped session should report stopping until removed, got %s", s.State())
	}
}
