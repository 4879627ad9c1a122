package control

import (
	"context"
	"sync"

	"camrelay/internal/relay"
)

// maxQueuedCommands caps the backlog of pending commands per camera.
const maxQueuedCommands = 32

// dispatcher runs commands serially per camera and concurrently across
// cameras. submit never blocks on command execution.
//
// A stop overtakes the start it follows: it cancels the camera's in-flight
// start and drops starts still queued ahead of it, so a hanging source open
// cannot hold a stop back.
type dispatcher struct {
	base context.Context
	exec func(context.Context, Command)

	mu sync.Mutex
	// queues holds pending commands; an entry exists while its drain
	// goroutine runs.
	queues map[relay.CameraID][]Command
	// starting holds the cancel func of the start each camera is executing.
	starting map[relay.CameraID]context.CancelFunc
	wg       sync.WaitGroup
}

func newDispatcher(base context.Context, exec func(context.Context, Command)) *dispatcher {
	return &dispatcher{
		base:     base,
		exec:     exec,
		queues:   make(map[relay.CameraID][]Command),
		starting: make(map[relay.CameraID]context.CancelFunc),
	}
}

// submit queues cmd behind the camera's pending commands. It returns false if
// the camera's backlog is full and cmd was dropped.
func (d *dispatcher) submit(cmd Command) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	q, running := d.queues[cmd.CameraID]
	if !cmd.Capture {
		if cancel, ok := d.starting[cmd.CameraID]; ok {
			cancel()
		}
		q = dropStarts(q)
	}
	if len(q) >= maxQueuedCommands {
		d.queues[cmd.CameraID] = q
		return false
	}
	d.queues[cmd.CameraID] = append(q, cmd)
	if !running {
		d.wg.Add(1)
		go d.drain(cmd.CameraID)
	}
	return true
}

func (d *dispatcher) drain(id relay.CameraID) {
	defer d.wg.Done()
	for {
		d.mu.Lock()
		q := d.queues[id]
		if len(q) == 0 {
			delete(d.queues, id)
			d.mu.Unlock()
			return
		}
		cmd := q[0]
		d.queues[id] = q[1:]

		ctx, cancel := context.WithCancel(d.base)
		if cmd.Capture {
			d.starting[id] = cancel
		}
		d.mu.Unlock()

		d.exec(ctx, cmd)

		d.mu.Lock()
		delete(d.starting, id)
		d.mu.Unlock()
		cancel()
	}
}

// wait blocks until every submitted command has run or ctx ends.
func (d *dispatcher) wait(ctx context.Context) error {
	idle := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(idle)
	}()
	select {
	case <-idle:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// dropStarts removes start commands from q in place.
func dropStarts(q []Command) []Command {
	out := q[:0]
	for _, c := range q {
		if !c.Capture {
			out = append(out, c)
		}
	}
	return out
}
