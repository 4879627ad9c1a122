package relay

import (
	"context"
	"time"
)

// CameraID uniquely identifies a camera while it has an active session.
type CameraID string

// Frame is a single captured image payload. Data is opaque to the relay.
type Frame struct {
	// Seq is assigned by the capture session in arrival order, starting at 1
	// for every activation.
	Seq        uint64
	Data       []byte
	CapturedAt time.Time
}

// Source is an opened video acquisition handle.
// Read returns io.EOF once the source is exhausted. Close may be called while
// a Read is pending and must make it return.
type Source interface {
	Read(ctx context.Context) ([]byte, error)
	Close() error
}

// Opener opens a Source from a connection descriptor such as an RTSP URL.
// ctx bounds the opening only, not the lifetime of the returned Source.
type Opener interface {
	Open(ctx context.Context, url string) (Source, error)
}

// Sink receives relayed frames.
type Sink interface {
	Send(ctx context.Context, id CameraID, f Frame) error
}

// SessionState describes where a session is in its lifecycle.
type SessionState string

const (
	StateStarting SessionState = "starting"
	StateRunning  SessionState = "running"
	StateStopping SessionState = "stopping"
)

// SessionInfo is a point-in-time snapshot of an active session.
// This also matches the JSON payload returned by the admin API.
type SessionInfo struct {
	CameraID  CameraID     `json:"cam_id"`
	SessionID string       `json:"session_id"`
	Source    string       `json:"cam_url"`
	State     SessionState `json:"state"`
	StartedAt time.Time    `json:"started_at"`
	Buffered  int          `json:"buffered"`
	Captured  uint64       `json:"captured"`
	Relayed   uint64       `json:"relayed"`
	Evicted   uint64       `json:"evicted"`
}
