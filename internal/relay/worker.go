package relay

import (
	"context"
	"log/slog"
	"sync/atomic"

	"camrelay/internal/platform/metrics"
)

// RelayWorker drains a capture session's FrameBuffer into the outbound Sink.
type RelayWorker struct {
	id      CameraID
	buf     *FrameBuffer
	sink    Sink
	log     *slog.Logger
	metrics *metrics.Metrics

	relayed atomic.Uint64
	failed  atomic.Uint64
}

func newRelayWorker(id CameraID, buf *FrameBuffer, sink Sink, log *slog.Logger, m *metrics.Metrics) *RelayWorker {
	return &RelayWorker{id: id, buf: buf, sink: sink, log: log, metrics: m}
}

// run forwards frames in buffer order until captureDone is closed and the
// buffer is empty. While the buffer is empty it waits for the next push
// instead of polling.
func (w *RelayWorker) run(ctx context.Context, captureDone <-chan struct{}) {
	for {
		if f, ok := w.buf.Pop(); ok {
			w.forward(ctx, f)
			continue
		}

		select {
		case <-w.buf.Ready():
		case <-captureDone:
			// No more pushes can happen; whatever is buffered now is the tail.
			for {
				f, ok := w.buf.Pop()
				if !ok {
					return
				}
				w.forward(ctx, f)
			}
		}
	}
}

func (w *RelayWorker) forward(ctx context.Context, f Frame) {
	if err := w.sink.Send(ctx, w.id, f); err != nil {
		w.failed.Add(1)
		w.metrics.IncSinkErrors()
		w.log.Warn("sink send failed, frame dropped",
			slog.Uint64("seq", f.Seq),
			slog.String("error", err.Error()))
		return
	}
	w.relayed.Add(1)
	w.metrics.IncFramesRelayed()
}

// Relayed returns how many frames the sink accepted.
func (w *RelayWorker) Relayed() uint64 {
	return w.relayed.Load()
}

// Failed returns how many frames the sink rejected.
func (w *RelayWorker) Failed() uint64 {
	return w.failed.Load()
}
