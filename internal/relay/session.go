package relay

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"camrelay/internal/platform/metrics"
)

// EndReason records why a capture session ended.
type EndReason string

const (
	EndStopped    EndReason = "stopped"
	EndExhausted  EndReason = "exhausted"
	EndReadError  EndReason = "read_error"
	EndOpenFailed EndReason = "open_failed"
)

// readResult carries one Source.Read outcome from the reader goroutine.
type readResult struct {
	data []byte
	err  error
}

// CaptureSession owns one camera's lifecycle: it opens the source, pulls frames
// into its FrameBuffer until stopped or the source ends, then releases the source.
type CaptureSession struct {
	id          CameraID
	sessionID   string
	source      string
	buf         *FrameBuffer
	openTimeout time.Duration
	log         *slog.Logger
	metrics     *metrics.Metrics
	startedAt   time.Time

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	mu     sync.Mutex
	state  SessionState
	reason EndReason
	err    error

	captured atomic.Uint64
}

func newCaptureSession(id CameraID, sessionID, source string, buf *FrameBuffer, openTimeout time.Duration, log *slog.Logger, m *metrics.Metrics) *CaptureSession {
	ctx, cancel := context.WithCancel(context.Background())
	return &CaptureSession{
		id:          id,
		sessionID:   sessionID,
		source:      source,
		buf:         buf,
		openTimeout: openTimeout,
		log:         log,
		metrics:     m,
		startedAt:   time.Now().UTC(),
		ctx:         ctx,
		cancel:      cancel,
		done:        make(chan struct{}),
		state:       StateStarting,
	}
}

// start opens the source and launches the capture loop. ctx bounds the open
// together with the configured open timeout. If opening fails the session is
// finished and the returned error wraps ErrSourceOpen.
func (s *CaptureSession) start(ctx context.Context, opener Opener) error {
	var (
		openCtx context.Context
		cancel  context.CancelFunc
	)
	if s.openTimeout > 0 {
		openCtx, cancel = context.WithTimeout(s.ctx, s.openTimeout)
	} else {
		openCtx, cancel = context.WithCancel(s.ctx)
	}
	stopAfter := context.AfterFunc(ctx, cancel)
	src, err := opener.Open(openCtx, s.source)
	stopAfter()
	cancel()

	if err != nil {
		if s.ctx.Err() != nil {
			// Stopped while the source was still opening.
			s.finish(EndStopped, nil)
			return fmt.Errorf("%w: %s: stopped while opening", ErrSourceOpen, s.source)
		}
		s.finish(EndOpenFailed, err)
		return fmt.Errorf("%w: %s: %v", ErrSourceOpen, s.source, err)
	}

	s.mu.Lock()
	if s.state == StateStarting {
		s.state = StateRunning
	}
	s.mu.Unlock()

	s.log.Info("capture started", slog.String("cam_url", s.source))
	go s.run(src)
	return nil
}

// Stop signals the capture loop to exit before its next push, then waits until
// the source has been released. No frame is pushed after Stop returns.
func (s *CaptureSession) Stop() {
	s.requestStop()
	<-s.done
}

// requestStop signals the capture loop without waiting.
func (s *CaptureSession) requestStop() {
	s.mu.Lock()
	s.state = StateStopping
	s.mu.Unlock()
	s.cancel()
}

// Done is closed once the capture loop has exited and the source is closed,
// or once start has failed.
func (s *CaptureSession) Done() <-chan struct{} {
	return s.done
}

// EndReason reports why the session ended. It is only meaningful after Done is closed.
func (s *CaptureSession) EndReason() (EndReason, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reason, s.err
}

// State returns the current lifecycle state.
func (s *CaptureSession) State() SessionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Captured returns how many frames have been pushed into the buffer.
func (s *CaptureSession) Captured() uint64 {
	return s.captured.Load()
}

func (s *CaptureSession) run(src Source) {
	results := make(chan readResult)

	var reader sync.WaitGroup
	reader.Add(1)
	go func() {
		defer reader.Done()
		s.readLoop(src, results)
	}()

	reason, err := s.captureLoop(results)

	// Closing the source unblocks a Read still in flight.
	if cerr := src.Close(); cerr != nil {
		s.log.Warn("closing source failed", slog.String("error", cerr.Error()))
	}
	s.cancel()
	reader.Wait()

	switch reason {
	case EndExhausted:
		s.log.Info("source exhausted", slog.Uint64("captured", s.Captured()))
	case EndReadError:
		s.log.Warn("source read failed, ending session",
			slog.String("error", err.Error()),
			slog.Uint64("captured", s.Captured()))
	default:
		s.log.Info("capture stopped", slog.Uint64("captured", s.Captured()))
	}

	s.finish(reason, err)
}

// readLoop performs the blocking reads so that captureLoop can observe a stop
// while a read is pending. It exits after delivering an error or on cancellation.
func (s *CaptureSession) readLoop(src Source, out chan<- readResult) {
	for {
		data, err := src.Read(s.ctx)
		select {
		case out <- readResult{data: data, err: err}:
		case <-s.ctx.Done():
			return
		}
		if err != nil {
			return
		}
	}
}

func (s *CaptureSession) captureLoop(results <-chan readResult) (EndReason, error) {
	var seq uint64
	for {
		select {
		case <-s.ctx.Done():
			return EndStopped, nil
		case res := <-results:
			if s.ctx.Err() != nil {
				return EndStopped, nil
			}
			if res.err != nil {
				if errors.Is(res.err, io.EOF) {
					return EndExhausted, nil
				}
				return EndReadError, res.err
			}

			seq++
			if s.buf.Push(Frame{Seq: seq, Data: res.data, CapturedAt: time.Now().UTC()}) {
				s.metrics.IncFramesEvicted()
			}
			s.captured.Add(1)
			s.metrics.IncFramesCaptured()
		}
	}
}

func (s *CaptureSession) finish(reason EndReason, err error) {
	s.mu.Lock()
	s.reason = reason
	s.err = err
	s.mu.Unlock()
	s.cancel()
	close(s.done)
}
