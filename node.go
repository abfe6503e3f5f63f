// Package verso runs distributed versioned objects on a node.
//
// A Node is the object.Registry of one process: it registers masters,
// maps slaves, archives committed versions and moves commands between
// nodes. Commands received from the network are queued; the goroutine
// that serves the queue owns every object of the node.
package verso

import (
	"context"
	"log/slog"
	"time"

	"github.com/pkg/errors"
	"github.com/puzpuzpuz/xsync/v3"

	"github.com/drpcorg/verso/cache"
	"github.com/drpcorg/verso/cmdq"
	"github.com/drpcorg/verso/config"
	"github.com/drpcorg/verso/object"
	"github.com/drpcorg/verso/oid"
	"github.com/drpcorg/verso/store"
	"github.com/drpcorg/verso/utils"
)

var (
	ErrMapFailed     = errors.New("verso: object mapping failed")
	ErrMasterUnknown = errors.New("verso: master node unknown")
	ErrAlreadyMapped = errors.New("verso: object already has an instance on this node")
	ErrTimeout       = errors.New("verso: timed out waiting for the master")
	ErrStopped       = errors.New("verso: node is stopping")
	ErrNotRegistered = errors.New("verso: object is not registered here")
)

// Transport delivers encoded commands to other nodes by name, in order
// per destination.
type Transport interface {
	Send(ctx context.Context, peer string, rec []byte) error
	Peers() []string
}

type Options struct {
	Name         string
	Queue        string
	CacheMaxSize int64
	CacheMaxAge  time.Duration
	StoreDir     string
	KeepVersions int
	MapTimeout   time.Duration
	Logger       utils.Logger
}

func (o *Options) SetDefaults() {
	if o.Queue == "" {
		o.Queue = config.DefaultQueue
	}
	if o.CacheMaxSize == 0 {
		o.CacheMaxSize = config.DefaultCacheMaxSize
	}
	if o.KeepVersions == 0 {
		o.KeepVersions = config.DefaultKeepVersions
	}
	if o.MapTimeout == 0 {
		o.MapTimeout = config.DefaultMapTimeout
	}
	if o.Logger == nil {
		o.Logger = utils.NewDefaultLogger(slog.LevelInfo)
	}
}

func OptionsFromConfig(c *config.Config, log utils.Logger) Options {
	return Options{
		Name:         c.Name,
		Queue:        c.Queue,
		CacheMaxSize: c.CacheMaxSize,
		CacheMaxAge:  c.CacheMaxAge,
		StoreDir:     c.StoreDir,
		KeepVersions: c.KeepVersions,
		MapTimeout:   c.MapTimeout,
		Logger:       log,
	}
}

// mapping is a map request waiting for its reply. Deltas that overtake
// the slave's attachment are kept here.
type mapping struct {
	reply  *cmdq.Command
	err    error
	deltas []*cmdq.Command
}

type Node struct {
	name   string
	opts   Options
	log    utils.Logger
	tr     Transport
	ctx    context.Context
	cancel context.CancelFunc

	disp  *cmdq.Dispatcher
	queue *cmdq.Queue
	pump  *cmdq.ChanPump
	cache *cache.Cache
	store *store.Store

	objects *xsync.MapOf[oid.ID, *object.Object]
	masters *xsync.MapOf[oid.ID, string]

	// owned by the queue goroutine
	subs    map[oid.ID]map[string]struct{}
	pending map[oid.ID]*mapping
}

var _ object.Registry = (*Node)(nil)

func NewNode(opts Options, tr Transport) (*Node, error) {
	opts.SetDefaults()
	if opts.Name == "" {
		return nil, errors.New("verso: node name is empty")
	}
	log := opts.Logger.With("node", opts.Name)
	st, err := store.Open(opts.StoreDir, log)
	if err != nil {
		return nil, errors.Wrap(err, "open store")
	}
	ctx, cancel := context.WithCancel(context.Background())
	n := &Node{
		name:    opts.Name,
		opts:    opts,
		log:     log,
		tr:      tr,
		ctx:     ctx,
		cancel:  cancel,
		disp:    cmdq.NewDispatcher(log),
		queue:   cmdq.NewQueue(opts.Queue),
		pump:    cmdq.NewChanPump(),
		cache:   cache.New(opts.Name, opts.CacheMaxSize, log),
		store:   st,
		objects: xsync.NewMapOf[oid.ID, *object.Object](),
		masters: xsync.NewMapOf[oid.ID, string](),
		subs:    make(map[oid.ID]map[string]struct{}),
		pending: make(map[oid.ID]*mapping),
	}
	n.queue.SetPump(n.pump)
	n.disp.AddQueue(n.queue)
	for typ, h := range map[cmdq.Type]cmdq.Handler{
		cmdq.CmdAnnounce:    n.onAnnounce,
		cmdq.CmdMapRequest:  n.onMapRequest,
		cmdq.CmdMapReply:    n.onMapReply,
		cmdq.CmdMapFailed:   n.onMapFailed,
		cmdq.CmdDelta:       n.onDelta,
		cmdq.CmdUnsubscribe: n.onUnsubscribe,
		cmdq.CmdSlaveCommit: n.onSlaveCommit,
		cmdq.CmdRelease:     n.onRelease,
	} {
		n.disp.Register(typ, opts.Queue, h)
	}
	return n, nil
}

func (n *Node) Name() string {
	return n.name
}

func (n *Node) Cache() *cache.Cache {
	return n.cache
}

func (n *Node) Store() *store.Store {
	return n.store
}

// Object returns the local instance of id, master or slave.
func (n *Node) Object(id oid.ID) (*object.Object, bool) {
	return n.objects.Load(id)
}

// Objects lists the local instances.
func (n *Node) Objects() (objs []*object.Object) {
	n.objects.Range(func(_ oid.ID, obj *object.Object) bool {
		objs = append(objs, obj)
		return true
	})
	return
}

// Master names the node holding the master of id, if known.
func (n *Node) Master(id oid.ID) (string, bool) {
	return n.masters.Load(id)
}

// Serve runs the command loop on the calling goroutine until Stop,
// Close or ctx.
func (n *Node) Serve(ctx context.Context) error {
	return n.disp.Serve(ctx, n.opts.Queue)
}

// ProcessPending runs the queued commands without blocking.
func (n *Node) ProcessPending() int {
	return n.disp.ProcessPending(n.opts.Queue)
}

// Stop makes Serve return after the command it is running.
func (n *Node) Stop() {
	_ = n.disp.Dispatch(&cmdq.Command{Type: cmdq.CmdExit, Queue: n.opts.Queue, Node: n.name})
}

// Do runs f on the goroutine serving the queue and waits for it.
// Someone must be in Serve, ProcessPending or a blocking registry call.
func (n *Node) Do(ctx context.Context, f func()) error {
	done := make(chan struct{})
	n.pump.Post(func() {
		defer close(done)
		f()
	})
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Maintain expires old cache entries.
func (n *Node) Maintain() {
	if n.opts.CacheMaxAge > 0 {
		if dropped := n.cache.Expire(n.opts.CacheMaxAge); dropped > 0 {
			n.log.Debug("cache entries expired", "count", dropped)
		}
	}
}

func (n *Node) Close() error {
	n.cancel()
	_ = n.queue.Close()
	return n.store.Close()
}

// Deliver is the transport's receiver: it decodes a record and queues
// the command. Runs on the transport's goroutines.
func (n *Node) Deliver(from string, rec []byte) {
	cmd, err := cmdq.Decode(rec)
	if err != nil {
		n.log.Warn("bad command record", "from", from, "err", err)
		return
	}
	cmd.Node = from
	if err := n.disp.Dispatch(cmd); err != nil {
		n.log.Warn("command dropped", "cmd", cmd.String(), "err", err)
	}
}

// OnPeer follows links to other nodes: a new peer learns about our
// masters, a lost one stops receiving deltas.
func (n *Node) OnPeer(peer string, up bool) {
	if !up {
		_ = n.disp.Dispatch(&cmdq.Command{Type: cmdq.CmdUnsubscribe, Queue: n.opts.Queue, Node: peer})
		return
	}
	n.masters.Range(func(id oid.ID, master string) bool {
		if master == n.name {
			n.send(peer, &cmdq.Command{Type: cmdq.CmdAnnounce, Object: id})
		}
		return true
	})
}

func (n *Node) send(peer string, cmd *cmdq.Command) {
	cmd.Node = n.name
	cmd.Queue = n.opts.Queue
	if peer == n.name {
		_ = n.disp.Dispatch(cmd)
		return
	}
	if err := n.tr.Send(n.ctx, peer, cmd.Encode()); err != nil {
		n.log.Warn("couldn't send command", "peer", peer, "cmd", cmd.String(), "err", err)
	}
}

func (n *Node) broadcast(cmd *cmdq.Command) {
	for _, peer := range n.tr.Peers() {
		c := *cmd
		n.send(peer, &c)
	}
}

// pumpUntil runs queued commands on the calling goroutine until done
// holds. Gives up after the map timeout.
func (n *Node) pumpUntil(what string, done func() bool) error {
	ctx, cancel := context.WithTimeout(n.ctx, n.opts.MapTimeout)
	defer cancel()
	for !done() {
		cmd, err := n.queue.Pop(ctx)
		if errors.Is(err, context.DeadlineExceeded) {
			return errors.Wrap(ErrTimeout, what)
		} else if err != nil {
			return errors.Wrap(ErrStopped, what)
		}
		if cmd.Type == cmdq.CmdExit {
			n.queue.PushFront(cmd)
			return errors.Wrap(ErrStopped, what)
		}
		if err := n.disp.Invoke(cmd); err != nil {
			n.log.Warn("command failed", "cmd", cmd.String(), "err", err)
		}
	}
	return nil
}
