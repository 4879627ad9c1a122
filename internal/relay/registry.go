package relay

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"sync"
	"time"

	"camrelay/internal/platform/metrics"

	"github.com/google/uuid"
)

var (
	// ErrAlreadyActive is returned by Activate when the camera already has a
	// session (running, starting or still tearing down). No session is spawned.
	ErrAlreadyActive = errors.New("camera already active")

	// ErrSourceOpen is returned by Activate when the camera source cannot be
	// opened. The camera stays inactive.
	ErrSourceOpen = errors.New("camera source could not be opened")

	// ErrRegistryClosed is returned by Activate after Shutdown has begun.
	ErrRegistryClosed = errors.New("registry is shut down")
)

// Options tunes the sessions created by a Registry.
type Options struct {
	// BufferSize is the per-camera FrameBuffer capacity. If <= 0, DefaultBufferSize is used.
	BufferSize int
	// OpenTimeout bounds opening a source. Zero means no timeout.
	OpenTimeout time.Duration
}

// entry is the registry's record for one active camera.
type entry struct {
	id      CameraID
	buf     *FrameBuffer
	session *CaptureSession
	worker  *RelayWorker

	// done is closed after the entry has been removed from the registry.
	done chan struct{}
}

func (e *entry) info() SessionInfo {
	return SessionInfo{
		CameraID:  e.id,
		SessionID: e.session.sessionID,
		Source:    e.session.source,
		State:     e.session.State(),
		StartedAt: e.session.startedAt,
		Buffered:  e.buf.Len(),
		Captured:  e.session.Captured(),
		Relayed:   e.worker.Relayed(),
		Evicted:   e.buf.Dropped(),
	}
}

// Registry is the authoritative mapping from camera to its active capture
// session and relay worker. It guarantees at most one session per camera.
// All map mutations (activate, deactivate, reap) happen under mu.
type Registry struct {
	mu      sync.RWMutex
	entries map[CameraID]*entry
	closed  bool

	opener  Opener
	sink    Sink
	opts    Options
	log     *slog.Logger
	metrics *metrics.Metrics
}

// NewRegistry returns an empty Registry that opens sources with opener and
// relays frames to sink. m may be nil to disable metric recording (e.g. in tests).
func NewRegistry(opener Opener, sink Sink, opts Options, log *slog.Logger, m *metrics.Metrics) *Registry {
	if opts.BufferSize <= 0 {
		opts.BufferSize = DefaultBufferSize
	}
	return &Registry{
		entries: make(map[CameraID]*entry),
		opener:  opener,
		sink:    sink,
		opts:    opts,
		log:     log,
		metrics: m,
	}
}

// Activate starts capturing id from source. If id already has an entry the call
// is a no-op and returns the existing session's snapshot with ErrAlreadyActive.
// The entry is recorded before any goroutine runs, so a concurrent Deactivate
// always finds it. If the source cannot be opened the entry is removed again and
// the returned error wraps ErrSourceOpen.
func (r *Registry) Activate(ctx context.Context, id CameraID, source string) (SessionInfo, error) {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return SessionInfo{}, ErrRegistryClosed
	}
	if existing, ok := r.entries[id]; ok {
		r.mu.Unlock()
		return existing.info(), ErrAlreadyActive
	}
	e := r.newEntryLocked(id, source)
	r.entries[id] = e
	r.mu.Unlock()

	if err := e.session.start(ctx, r.opener); err != nil {
		r.reap(e)
		return SessionInfo{}, err
	}
	r.metrics.IncSessionsStarted()

	go func() {
		e.worker.run(context.Background(), e.session.Done())
		r.reap(e)
	}()

	return e.info(), nil
}

// Deactivate stops id's session, waits for its relay worker to drain every
// buffered frame, and only then removes the entry. Deactivating an inactive
// camera is a no-op. If ctx ends first, ctx.Err() is returned and teardown
// completes in the background.
func (r *Registry) Deactivate(ctx context.Context, id CameraID) error {
	r.mu.RLock()
	e, ok := r.entries[id]
	r.mu.RUnlock()
	if !ok {
		return nil
	}

	e.session.requestStop()

	select {
	case <-e.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Shutdown refuses further activations, deactivates every camera concurrently
// and waits for all of them to finish tearing down or for ctx to end.
func (r *Registry) Shutdown(ctx context.Context) error {
	r.mu.Lock()
	r.closed = true
	entries := make([]*entry, 0, len(r.entries))
	for _, e := range r.entries {
		entries = append(entries, e)
	}
	r.mu.Unlock()

	for _, e := range entries {
		e.session.requestStop()
	}
	for _, e := range entries {
		select {
		case <-e.done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// Get returns a snapshot of id's session.
func (r *Registry) Get(id CameraID) (SessionInfo, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	e, ok := r.entries[id]
	if !ok {
		return SessionInfo{}, false
	}
	return e.info(), true
}

// List returns snapshots of every active session sorted by camera.
func (r *Registry) List() []SessionInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]SessionInfo, 0, len(r.entries))
	for _, e := range r.entries {
		out = append(out, e.info())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CameraID < out[j].CameraID })
	return out
}

// Count returns the number of active cameras.
// Used for metrics.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}

// reap removes e once its session has ended and its worker has drained.
// It only removes the mapping if it still points at e, so a newer session for
// the same camera is never touched.
func (r *Registry) reap(e *entry) {
	r.mu.Lock()
	if cur, ok := r.entries[e.id]; ok && cur == e {
		delete(r.entries, e.id)
	}
	r.mu.Unlock()

	reason, err := e.session.EndReason()
	r.metrics.IncSessionsEnded(string(reason))

	attrs := []any{
		slog.String("reason", string(reason)),
		slog.Uint64("captured", e.session.Captured()),
		slog.Uint64("relayed", e.worker.Relayed()),
		slog.Uint64("evicted", e.buf.Dropped()),
	}
	if err != nil {
		attrs = append(attrs, slog.String("error", err.Error()))
	}
	e.session.log.Info("session removed", attrs...)

	close(e.done)
}

// newEntryLocked builds the session/worker pair for id.
// Caller must hold r.mu in write mode.
func (r *Registry) newEntryLocked(id CameraID, source string) *entry {
	sessionID := uuid.NewString()
	log := r.log.With(
		slog.String("cam_id", string(id)),
		slog.String("session_id", sessionID),
	)
	buf := NewFrameBuffer(r.opts.BufferSize)

	return &entry{
		id:      id,
		buf:     buf,
		session: newCaptureSession(id, sessionID, source, buf, r.opts.OpenTimeout, log, r.metrics),
		worker:  newRelayWorker(id, buf, r.sink, log, r.metrics),
		done:    make(chan struct{}),
	}
}
