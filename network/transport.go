package network

import (
	"context"
	"errors"
	"sync"

	"github.com/puzpuzpuz/xsync/v3"

	"github.com/drpcorg/verso/protocol"
	"github.com/drpcorg/verso/utils"
)

var (
	ErrUnknownPeer = errors.New("verso: no link to that node")
	ErrOverflow    = errors.New("verso: link outbox overflow")
	ErrClosed      = errors.New("verso: link closed")
	ErrHandshake   = errors.New("verso: bad handshake")
)

const litHello = 'H'

// Receiver gets every record a node sent us. It runs on the link's
// read goroutine and must not block for long.
type Receiver func(from string, rec []byte)

// Transport sends records to nodes by name. Each connection starts with
// a hello record carrying the sender's node name.
type Transport struct {
	name    string
	log     utils.Logger
	recv    Receiver
	limit   int
	net     *Net
	links   *xsync.MapOf[string, *link]
	onPeers func(peer string, up bool)
}

type TransportOpt func(t *Transport)

// WithOutboxLimit caps the bytes queued per link.
func WithOutboxLimit(limit int) TransportOpt {
	return func(t *Transport) { t.limit = limit }
}

// WithPeerEvents reports links coming up and going down.
func WithPeerEvents(f func(peer string, up bool)) TransportOpt {
	return func(t *Transport) { t.onPeers = f }
}

func NewTransport(name string, log utils.Logger, recv Receiver, opts ...TransportOpt) *Transport {
	t := &Transport{
		name:  name,
		log:   log,
		recv:  recv,
		limit: 64 << 20,
		links: xsync.NewMapOf[string, *link](),
	}
	for _, o := range opts {
		o(t)
	}
	t.net = NewNet(log, t.install, t.destroy)
	return t
}

func (t *Transport) Net() *Net {
	return t.net
}

func (t *Transport) Listen(addr string) error {
	return t.net.Listen(addr)
}

func (t *Transport) Connect(addr string) error {
	return t.net.Connect(addr)
}

func (t *Transport) Close() error {
	return t.net.Close()
}

// Send queues rec for the named node.
func (t *Transport) Send(_ context.Context, peer string, rec []byte) error {
	l, ok := t.links.Load(peer)
	if !ok {
		return ErrUnknownPeer
	}
	return l.push(rec)
}

// Peers lists the nodes with a live link.
func (t *Transport) Peers() (peers []string) {
	t.links.Range(func(name string, _ *link) bool {
		peers = append(peers, name)
		return true
	})
	return
}

func (t *Transport) install(conn string) Link {
	l := &link{
		t:      t,
		conn:   conn,
		signal: make(chan struct{}, 1),
	}
	_ = l.push(protocol.Record(litHello, []byte(t.name)))
	return l
}

func (t *Transport) destroy(conn string, l Link) {
	lk, ok := l.(*link)
	if !ok || lk.remote == "" {
		return
	}
	removed := false
	t.links.Compute(lk.remote, func(old *link, loaded bool) (*link, bool) {
		if loaded && old == lk {
			removed = true
			return nil, true
		}
		return old, !loaded
	})
	if !removed {
		// a newer connection to the same node took over
		return
	}
	t.log.Info("net: node down", "node", lk.remote, "conn", conn)
	if t.onPeers != nil {
		t.onPeers(lk.remote, false)
	}
}

// link is the Link of one connection: an outbox plus the hello check.
type link struct {
	t      *Transport
	conn   string
	remote string
	signal chan struct{}

	mu     sync.Mutex
	outbox protocol.Records
	size   int
	closed bool
}

func (l *link) push(rec []byte) error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return ErrClosed
	}
	if l.size+len(rec) > l.t.limit {
		l.mu.Unlock()
		return ErrOverflow
	}
	l.outbox = append(l.outbox, rec)
	l.size += len(rec)
	l.mu.Unlock()
	select {
	case l.signal <- struct{}{}:
	default:
	}
	return nil
}

func (l *link) Feed(ctx context.Context) (protocol.Records, error) {
	for {
		l.mu.Lock()
		if l.closed {
			l.mu.Unlock()
			return nil, ErrClosed
		}
		if len(l.outbox) > 0 {
			recs := l.outbox
			l.outbox, l.size = nil, 0
			l.mu.Unlock()
			return recs, nil
		}
		l.mu.Unlock()
		select {
		case <-l.signal:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

func (l *link) Drain(_ context.Context, recs protocol.Records) error {
	for _, rec := range recs {
		if l.remote != "" {
			l.t.recv(l.remote, rec)
			continue
		}
		body, rest, err := protocol.TakeWary(litHello, rec)
		if err != nil || len(rest) != 0 || len(body) == 0 {
			return ErrHandshake
		}
		l.remote = string(body)
		if prev, loaded := l.t.links.LoadAndStore(l.remote, l); loaded && prev != l {
			l.t.log.Info("net: node link replaced", "node", l.remote)
		}
		l.t.log.Info("net: node up", "node", l.remote, "conn", l.conn)
		if l.t.onPeers != nil {
			l.t.onPeers(l.remote, true)
		}
	}
	return nil
}

func (l *link) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.closed = true
	l.outbox = nil
	select {
	case l.signal <- struct{}{}:
	default:
	}
	return nil
}
