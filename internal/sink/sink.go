// Package sink delivers relayed frames to their outbound destination.
package sink

import (
	"context"
	"log/slog"

	"camrelay/internal/relay"
)

// LogSink accepts every frame and records it at debug level. It is the default
// when no outbound destination is configured.
type LogSink struct {
	log *slog.Logger
}

func NewLogSink(log *slog.Logger) *LogSink {
	return &LogSink{log: log}
}

func (s *LogSink) Send(ctx context.Context, id relay.CameraID, f relay.Frame) error {
	s.log.Debug("frame relayed",
		slog.String("cam_id", string(id)),
		slog.Uint64("seq", f.Seq),
		slog.Int("bytes", len(f.Data)),
		slog.Time("captured_at", f.CapturedAt))
	return nil
}
