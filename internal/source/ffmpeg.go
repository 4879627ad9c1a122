package source

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"strings"
	"sync"

	"camrelay/internal/relay"
)

// ErrSourceClosed is returned by Read after Close.
var ErrSourceClosed = errors.New("source closed")

// FFmpegOpener opens any input ffmpeg understands (RTSP, HTTP, files, V4L2
// devices) and re-encodes it to an MJPEG pipe, one JPEG per frame.
type FFmpegOpener struct {
	path string
	log  *slog.Logger

	// command builds the process for url; tests replace it.
	command func(url string) *exec.Cmd
}

// NewFFmpegOpener returns an opener running the ffmpeg binary at path.
func NewFFmpegOpener(path string, log *slog.Logger) *FFmpegOpener {
	if path == "" {
		path = "ffmpeg"
	}
	o := &FFmpegOpener{path: path, log: log}
	o.command = o.ffmpegCommand
	return o
}

func (o *FFmpegOpener) ffmpegCommand(url string) *exec.Cmd {
	args := []string{"-hide_banner", "-loglevel", "error", "-nostdin"}
	if Scheme(url) == "rtsp" {
		args = append(args, "-rtsp_transport", "tcp")
	}
	if strings.HasPrefix(url, "/dev/video") {
		args = append(args, "-f", "v4l2")
	}
	args = append(args,
		"-i", url,
		"-f", "image2pipe",
		"-c:v", "mjpeg",
		"-q:v", "3",
		"-",
	)
	return exec.Command(o.path, args...)
}

// Open starts ffmpeg and waits for its first frame, so an unreachable camera
// fails here instead of on the first Read. ctx bounds that wait only; the
// process lives until Close.
func (o *FFmpegOpener) Open(ctx context.Context, url string) (relay.Source, error) {
	cmd := o.command(url)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("ffmpeg stdout: %w", err)
	}
	stderr := &tailBuffer{max: 2048}
	cmd.Stderr = stderr

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start ffmpeg: %w", err)
	}

	s := &ffmpegSource{
		cmd:    cmd,
		stderr: stderr,
		frames: make(chan []byte),
		done:   make(chan struct{}),
		exited: make(chan struct{}),
	}
	go s.readFrames(bufio.NewReaderSize(stdout, 256<<10))

	select {
	case f, ok := <-s.frames:
		if !ok {
			err := s.err
			if errors.Is(err, io.EOF) {
				err = errors.New("stream ended before the first frame")
			}
			return nil, err
		}
		s.pending = f
	case <-ctx.Done():
		_ = s.Close()
		return nil, ctx.Err()
	}

	o.log.Debug("ffmpeg source opened", slog.String("cam_url", url), slog.Int("pid", cmd.Process.Pid))
	return s, nil
}

type ffmpegSource struct {
	cmd    *exec.Cmd
	stderr *tailBuffer

	frames  chan []byte
	err     error // set before frames is closed
	pending []byte

	done      chan struct{}
	exited    chan struct{}
	closeOnce sync.Once
}

// readFrames splits stdout into JPEG frames until the stream ends, then reaps
// the process. A malformed stream kills ffmpeg and becomes the read error, as
// does a non-zero exit that Close did not cause.
func (s *ffmpegSource) readFrames(r *bufio.Reader) {
	defer close(s.exited)
	defer close(s.frames)

	var readErr error
	for {
		f, err := readJPEG(r)
		if err != nil {
			readErr = err
			break
		}
		select {
		case s.frames <- f:
		case <-s.done:
			_ = s.cmd.Wait()
			s.err = ErrSourceClosed
			return
		}
	}

	// ffmpeg may still be writing; nobody drains stdout any more.
	streamEnded := errors.Is(readErr, io.EOF) || errors.Is(readErr, io.ErrUnexpectedEOF)
	if !streamEnded {
		_ = s.cmd.Process.Kill()
	}

	waitErr := s.cmd.Wait()
	select {
	case <-s.done:
		s.err = ErrSourceClosed
		return
	default:
	}

	switch {
	case !streamEnded:
		s.err = fmt.Errorf("ffmpeg stream: %w", readErr)
	case waitErr != nil:
		s.err = fmt.Errorf("ffmpeg exited: %w: %s", waitErr, s.stderr.String())
	default:
		s.err = io.EOF
	}
}

func (s *ffmpegSource) Read(ctx context.Context) ([]byte, error) {
	if s.pending != nil {
		f := s.pending
		s.pending = nil
		return f, nil
	}
	select {
	case f, ok := <-s.frames:
		if !ok {
			return nil, s.err
		}
		return f, nil
	case <-s.done:
		return nil, ErrSourceClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Close kills ffmpeg and waits until the process has been reaped.
func (s *ffmpegSource) Close() error {
	s.closeOnce.Do(func() {
		close(s.done)
		if s.cmd.Process != nil {
			_ = s.cmd.Process.Kill()
		}
	})
	<-s.exited
	return nil
}

// tailBuffer keeps the last max bytes written to it.
type tailBuffer struct {
	mu  sync.Mutex
	buf []byte
	max int
}

func (b *tailBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.buf = append(b.buf, p...)
	if over := len(b.buf) - b.max; over > 0 {
		b.buf = b.buf[over:]
	}
	return len(p), nil
}

func (b *tailBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return strings.TrimSpace(string(b.buf))
}
