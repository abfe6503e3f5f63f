package cmdq

import (
	"context"
	"errors"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var QueueDepth = prometheus.NewGaugeVec(prometheus.GaugeOpts{
	Namespace: "verso",
	Subsystem: "cmdq",
	Name:      "depth",
}, []string{"queue"})

var ErrClosed = errors.New("verso: command queue is closed")

// EventPump is a second source of wakeups for a goroutine blocked in Pop,
// typically an event loop that must keep running while commands wait.
type EventPump interface {
	// Wakeup makes Events fire; safe from any goroutine.
	Wakeup()
	// Events fires when there are events to dispatch or after a Wakeup.
	Events() <-chan struct{}
	// DispatchPending handles every pending event without blocking.
	DispatchPending()
}

// Queue is a FIFO of commands with head-of-line insertion. Any goroutine
// may push; one goroutine pops.
type Queue struct {
	name   string
	pump   EventPump
	depth  prometheus.Gauge
	signal chan struct{}
	closed chan struct{}

	mu    sync.Mutex
	items []*Command
	shut  bool
}

func NewQueue(name string) *Queue {
	return &Queue{
		name:   name,
		depth:  QueueDepth.WithLabelValues(name),
		signal: make(chan struct{}, 1),
		closed: make(chan struct{}),
	}
}

func (q *Queue) Name() string {
	return q.name
}

// SetPump attaches an event pump; call it before the queue is in use.
func (q *Queue) SetPump(pump EventPump) {
	q.pump = pump
}

func (q *Queue) Push(cmd *Command) {
	q.insert(cmd, false)
}

// PushFront puts cmd ahead of everything queued, for control commands
// like CmdExit.
func (q *Queue) PushFront(cmd *Command) {
	q.insert(cmd, true)
}

func (q *Queue) insert(cmd *Command, front bool) {
	q.mu.Lock()
	if q.shut {
		q.mu.Unlock()
		return
	}
	if front {
		q.items = append(q.items, nil)
		copy(q.items[1:], q.items)
		q.items[0] = cmd
	} else {
		q.items = append(q.items, cmd)
	}
	q.depth.Set(float64(len(q.items)))
	q.mu.Unlock()

	select {
	case q.signal <- struct{}{}:
	default:
	}
	if q.pump != nil {
		q.pump.Wakeup()
	}
}

func (q *Queue) take() (*Command, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return nil, false
	}
	cmd := q.items[0]
	q.items[0] = nil
	q.items = q.items[1:]
	q.depth.Set(float64(len(q.items)))
	return cmd, true
}

// TryPop returns the head command if there is one. Pending pump events
// are dispatched first.
func (q *Queue) TryPop() (*Command, bool) {
	if q.pump != nil {
		q.pump.DispatchPending()
	}
	return q.take()
}

// Pop blocks until a command arrives, the queue is closed or ctx is done.
// With a pump attached, it keeps dispatching pump events while waiting.
func (q *Queue) Pop(ctx context.Context) (*Command, error) {
	for {
		if q.pump != nil {
			q.pump.DispatchPending()
		}
		if cmd, ok := q.take(); ok {
			return cmd, nil
		}
		var events <-chan struct{}
		if q.pump != nil {
			events = q.pump.Events()
		}
		select {
		case <-q.signal:
		case <-events:
		case <-q.closed:
			return nil, ErrClosed
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Close drops every pending command and fails further pops.
func (q *Queue) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.shut {
		return nil
	}
	q.shut = true
	q.items = nil
	q.depth.Set(0)
	close(q.closed)
	return nil
}
