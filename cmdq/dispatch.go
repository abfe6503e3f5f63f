package cmdq

import (
	"context"
	"errors"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/puzpuzpuz/xsync/v3"

	"github.com/drpcorg/verso/utils"
)

var Dispatched = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: "verso",
	Subsystem: "cmdq",
	Name:      "dispatched",
}, []string{"queue", "type"})

func Collectors() []prometheus.Collector {
	return []prometheus.Collector{QueueDepth, Dispatched}
}

var (
	ErrNoQueue   = errors.New("verso: no such command queue")
	ErrNoHandler = errors.New("verso: no handler for command")
)

// Handler runs on the goroutine owning the command's queue.
type Handler func(cmd *Command) error

type route struct {
	typ   Type
	queue string
}

// Dispatcher routes commands by their queue tag and runs handlers by
// (type, queue). Receivers call Dispatch; queue owners call Invoke or Serve.
type Dispatcher struct {
	log    utils.Logger
	queues *xsync.MapOf[string, *Queue]
	routes *xsync.MapOf[route, Handler]
}

func NewDispatcher(log utils.Logger) *Dispatcher {
	return &Dispatcher{
		log:    log,
		queues: xsync.NewMapOf[string, *Queue](),
		routes: xsync.NewMapOf[route, Handler](),
	}
}

func (d *Dispatcher) AddQueue(q *Queue) {
	d.queues.Store(q.Name(), q)
}

func (d *Dispatcher) Queue(name string) (*Queue, bool) {
	return d.queues.Load(name)
}

// Register installs the handler for commands of type typ on queue.
// Registration is expected before commands flow.
func (d *Dispatcher) Register(typ Type, queue string, h Handler) {
	d.routes.Store(route{typ, queue}, h)
}

// Dispatch queues cmd on its target queue; it never runs the handler.
func (d *Dispatcher) Dispatch(cmd *Command) error {
	q, ok := d.queues.Load(cmd.Queue)
	if !ok {
		d.log.Warn("command for unknown queue", "cmd", cmd.String())
		return ErrNoQueue
	}
	if cmd.Type == CmdExit {
		q.PushFront(cmd)
	} else {
		q.Push(cmd)
	}
	return nil
}

// Invoke runs the handler for cmd on the calling goroutine.
func (d *Dispatcher) Invoke(cmd *Command) error {
	h, ok := d.routes.Load(route{cmd.Type, cmd.Queue})
	if !ok {
		return ErrNoHandler
	}
	Dispatched.WithLabelValues(cmd.Queue, cmd.Type.String()).Inc()
	return h(cmd)
}

// Serve pops and invokes commands of the named queue until CmdExit
// arrives, the queue closes or ctx is done. Handler errors are logged.
func (d *Dispatcher) Serve(ctx context.Context, queue string) error {
	q, ok := d.queues.Load(queue)
	if !ok {
		return ErrNoQueue
	}
	for {
		cmd, err := q.Pop(ctx)
		if err != nil {
			return err
		}
		if cmd.Type == CmdExit {
			return nil
		}
		if err := d.Invoke(cmd); err != nil {
			d.log.Warn("command failed", "cmd", cmd.String(), "err", err)
		}
	}
}

// ProcessPending invokes whatever is queued without blocking and returns
// how many commands ran. A CmdExit stops it and is put back.
func (d *Dispatcher) ProcessPending(queue string) int {
	q, ok := d.queues.Load(queue)
	if !ok {
		return 0
	}
	n := 0
	for {
		cmd, ok := q.TryPop()
		if !ok {
			return n
		}
		if cmd.Type == CmdExit {
			q.PushFront(cmd)
			return n
		}
		if err := d.Invoke(cmd); err != nil {
			d.log.Warn("command failed", "cmd", cmd.String(), "err", err)
		}
		n++
	}
}
