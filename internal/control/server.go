// Package control implements the WebSocket control channel: clients start and
// stop camera capture with JSON commands and receive periodic heartbeats.
package control

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"camrelay/internal/platform/metrics"
	"camrelay/internal/relay"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// Defaults applied by NewServer to zero Options fields.
const (
	DefaultHeartbeatInterval = 60 * time.Second
	DefaultStopTimeout       = 10 * time.Second
	DefaultWriteTimeout      = 10 * time.Second

	// maxMessageSize bounds one inbound control message.
	maxMessageSize = 64 << 10
)

// Registry is the part of relay.Registry the control channel drives.
type Registry interface {
	Activate(ctx context.Context, id relay.CameraID, source string) (relay.SessionInfo, error)
	Deactivate(ctx context.Context, id relay.CameraID) error
}

// Options tunes a Server.
type Options struct {
	HeartbeatInterval time.Duration
	// StopTimeout bounds how long a stop command waits for the camera's drain.
	StopTimeout  time.Duration
	WriteTimeout time.Duration
}

// ticker is the heartbeat clock.
type ticker interface {
	C() <-chan time.Time
	Stop()
}

type timeTicker struct{ *time.Ticker }

func (t timeTicker) C() <-chan time.Time { return t.Ticker.C }

// Server accepts control connections. Sessions started through any connection
// are bound to their camera, not to the connection: they outlive it and may be
// stopped from another one.
type Server struct {
	reg      Registry
	log      *slog.Logger
	metrics  *metrics.Metrics
	opts     Options
	upgrader websocket.Upgrader
	disp     *dispatcher

	// cancel ends the dispatcher's base context, aborting commands still
	// opening sources.
	cancel context.CancelFunc

	mu       sync.Mutex
	conns    map[string]*conn
	closed   bool
	handlers sync.WaitGroup

	newTicker func(time.Duration) ticker
}

// NewServer returns a Server driving reg. m may be nil to disable metric
// recording (e.g. in tests).
func NewServer(reg Registry, log *slog.Logger, m *metrics.Metrics, opts Options) *Server {
	if opts.HeartbeatInterval <= 0 {
		opts.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if opts.StopTimeout <= 0 {
		opts.StopTimeout = DefaultStopTimeout
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = DefaultWriteTimeout
	}
	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		reg:     reg,
		log:     log,
		metrics: m,
		opts:    opts,
		upgrader: websocket.Upgrader{
			// The control channel is unauthenticated; any origin may connect.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		cancel: cancel,
		conns:  make(map[string]*conn),
		newTicker: func(d time.Duration) ticker {
			return timeTicker{time.NewTicker(d)}
		},
	}
	s.disp = newDispatcher(ctx, s.execute)
	return s
}

// ServeHTTP upgrades the request and serves the connection until it closes.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if s.isClosed() {
		http.Error(w, "server shutting down", http.StatusServiceUnavailable)
		return
	}

	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already replied to the client.
		s.log.Warn("websocket upgrade failed", slog.String("remote", r.RemoteAddr), slog.String("error", err.Error()))
		return
	}

	c := &conn{
		id:           uuid.NewString(),
		ws:           ws,
		writeTimeout: s.opts.WriteTimeout,
	}
	c.log = s.log.With(slog.String("conn_id", c.id))

	if !s.track(c) {
		c.goingAway()
		return
	}
	defer s.untrack(c)

	s.serve(c, r.RemoteAddr)
}

func (s *Server) serve(c *conn, remote string) {
	s.metrics.AddControlConnections(1)
	defer s.metrics.AddControlConnections(-1)
	c.log.Info("control connection opened", slog.String("remote", remote))

	if err := c.writeJSON(readyMessage); err != nil {
		c.log.Warn("sending ready message failed", slog.String("error", err.Error()))
		_ = c.ws.Close()
		return
	}

	stopHeartbeat := make(chan struct{})
	heartbeatDone := make(chan struct{})
	go func() {
		defer close(heartbeatDone)
		s.heartbeat(c, stopHeartbeat)
	}()

	err := s.readLoop(c)

	close(stopHeartbeat)
	<-heartbeatDone
	_ = c.ws.Close()

	if err != nil && !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
		c.log.Info("control connection closed", slog.String("error", err.Error()))
		return
	}
	c.log.Info("control connection closed")
}

// readLoop hands every well-formed command to the dispatcher and drops the
// rest. It returns the error that ended the connection.
func (s *Server) readLoop(c *conn) error {
	c.ws.SetReadLimit(maxMessageSize)
	for {
		mt, data, err := c.ws.ReadMessage()
		if err != nil {
			return err
		}
		if mt != websocket.TextMessage {
			s.metrics.IncControlMalformed()
			c.log.Debug("ignoring non-text control message", slog.Int("type", mt))
			continue
		}

		cmd, err := parseCommand(data)
		if err != nil {
			s.metrics.IncControlMalformed()
			c.log.Debug("ignoring malformed control message", slog.Int("bytes", len(data)))
			continue
		}
		s.metrics.IncControlMessages(cmd.Action())
		if !s.disp.submit(cmd) {
			c.log.Warn("command backlog full, command dropped",
				slog.String("cam_id", string(cmd.CameraID)),
				slog.String("action", cmd.Action()))
		}
	}
}

func (s *Server) heartbeat(c *conn, stop <-chan struct{}) {
	t := s.newTicker(s.opts.HeartbeatInterval)
	defer t.Stop()

	for {
		select {
		case <-stop:
			return
		case <-t.C():
			if err := c.writeJSON(heartbeatMessage); err != nil {
				c.log.Debug("heartbeat write failed", slog.String("error", err.Error()))
				return
			}
			s.metrics.IncHeartbeats()
		}
	}
}

// execute runs one command against the registry. ctx is cancelled when a stop
// for the same camera arrives or on Shutdown. Results are logged only; the
// protocol has no reply message.
func (s *Server) execute(ctx context.Context, cmd Command) {
	log := s.log.With(slog.String("cam_id", string(cmd.CameraID)))

	if cmd.Capture {
		info, err := s.reg.Activate(ctx, cmd.CameraID, cmd.Source)
		switch {
		case err == nil:
			log.Info("camera activated", slog.String("cam_url", cmd.Source), slog.String("session_id", info.SessionID))
		case errors.Is(err, relay.ErrAlreadyActive):
			log.Info("camera already active, start ignored",
				slog.String("cam_url", cmd.Source),
				slog.String("active_url", info.Source))
		case errors.Is(err, relay.ErrRegistryClosed):
			log.Debug("start ignored, shutting down")
		case ctx.Err() != nil:
			log.Info("camera start cancelled", slog.String("cam_url", cmd.Source))
		default:
			log.Warn("camera activation failed", slog.String("cam_url", cmd.Source), slog.String("error", err.Error()))
		}
		return
	}

	stopCtx, cancel := context.WithTimeout(ctx, s.opts.StopTimeout)
	defer cancel()
	if err := s.reg.Deactivate(stopCtx, cmd.CameraID); err != nil {
		log.Warn("camera still draining after stop timeout", slog.String("error", err.Error()))
		return
	}
	log.Info("camera deactivated")
}

// Shutdown closes every control connection with 1001 (going away), refuses new
// ones, aborts commands still opening sources and waits for in-flight commands.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.closed = true
	conns := make([]*conn, 0, len(s.conns))
	for _, c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()

	for _, c := range conns {
		c.goingAway()
	}
	s.cancel()

	handlersDone := make(chan struct{})
	go func() {
		s.handlers.Wait()
		close(handlersDone)
	}()
	select {
	case <-handlersDone:
	case <-ctx.Done():
		return ctx.Err()
	}
	return s.disp.wait(ctx)
}

// Connections returns the number of open control connections.
func (s *Server) Connections() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.conns)
}

func (s *Server) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *Server) track(c *conn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.conns[c.id] = c
	s.handlers.Add(1)
	return true
}

func (s *Server) untrack(c *conn) {
	s.mu.Lock()
	delete(s.conns, c.id)
	s.mu.Unlock()
	s.handlers.Done()
}

// conn serialises writes to one WebSocket connection.
type conn struct {
	id           string
	ws           *websocket.Conn
	log          *slog.Logger
	writeTimeout time.Duration

	writeMu sync.Mutex
}

func (c *conn) writeJSON(v any) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.ws.SetWriteDeadline(time.Now().Add(c.writeTimeout))
	return c.ws.WriteJSON(v)
}

// goingAway sends a 1001 close frame and closes the connection, which ends
// its read loop.
func (c *conn) goingAway() {
	c.writeMu.Lock()
	msg := websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down")
	_ = c.ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
	c.writeMu.Unlock()
	_ = c.ws.Close()
}
