// Package network carries TLV records between nodes over TCP.
//
// Net keeps listeners and outgoing connections alive, reconnecting with
// exponential backoff. Every connection gets a Link from the install
// callback: the Link feeds outgoing records and drains incoming ones,
// Peer moves the bytes. Transport builds node-to-node messaging on top.
package network

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/puzpuzpuz/xsync/v3"

	"github.com/drpcorg/verso/protocol"
	"github.com/drpcorg/verso/utils"
)

var (
	ErrAddressInvalid    = errors.New("verso: the address is invalid")
	ErrAddressDuplicated = errors.New("verso: the address is already used")
	ErrAddressUnknown    = errors.New("verso: address unknown")
)

const (
	TYPICAL_MTU      = 1500
	MAX_RETRY_PERIOD = time.Minute
	MIN_RETRY_PERIOD = time.Second / 2
)

// Link is the per-connection protocol handler.
type Link interface {
	// Feed blocks until there are records to send.
	Feed(ctx context.Context) (protocol.Records, error)
	protocol.Drainer
	Close() error
}

type InstallCallback func(name string) Link
type DestroyCallback func(name string, l Link)

type Net struct {
	wg        sync.WaitGroup
	log       utils.Logger
	onInstall InstallCallback
	onDestroy DestroyCallback

	conns     *xsync.MapOf[string, *Peer]
	listens   *xsync.MapOf[string, net.Listener]
	ctx       context.Context
	cancelCtx context.CancelFunc

	writeTimeout  time.Duration
	bufferMaxSize int
}

type NetOpt interface {
	Apply(*Net)
}

type NetWriteTimeoutOpt struct {
	Timeout time.Duration
}

func (opt *NetWriteTimeoutOpt) Apply(n *Net) {
	n.writeTimeout = opt.Timeout
}

// NetBufferOpt caps the read buffer; one record must fit in it.
type NetBufferOpt struct {
	MaxSize int
}

func (opt *NetBufferOpt) Apply(n *Net) {
	n.bufferMaxSize = opt.MaxSize
}

func NewNet(log utils.Logger, install InstallCallback, destroy DestroyCallback, opts ...NetOpt) *Net {
	ctx, cancel := context.WithCancel(context.Background())
	n := &Net{
		log:           log,
		ctx:           ctx,
		cancelCtx:     cancel,
		conns:         xsync.NewMapOf[string, *Peer](),
		listens:       xsync.NewMapOf[string, net.Listener](),
		onInstall:     install,
		onDestroy:     destroy,
		bufferMaxSize: 64 << 20,
	}
	for _, o := range opts {
		o.Apply(n)
	}
	return n
}

func (n *Net) Close() error {
	n.cancelCtx()

	n.listens.Range(func(_ string, l net.Listener) bool {
		if l != nil {
			l.Close()
		}
		return true
	})
	n.listens.Clear()

	n.conns.Range(func(_ string, p *Peer) bool {
		// nil while still connecting
		if p != nil {
			p.Close()
		}
		return true
	})
	n.conns.Clear()

	n.wg.Wait()
	return nil
}

func (n *Net) Connect(addr string) error {
	return n.ConnectPool(addr, []string{addr})
}

// ConnectPool keeps one connection to any of addrs, named name.
func (n *Net) ConnectPool(name string, addrs []string) error {
	if _, ok := n.conns.LoadOrStore(name, nil); ok {
		return ErrAddressDuplicated
	}
	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		n.KeepConnecting(name, addrs)
	}()
	return nil
}

func (n *Net) Disconnect(name string) error {
	p, ok := n.conns.LoadAndDelete(name)
	if !ok {
		return ErrAddressUnknown
	}
	if p != nil {
		p.Close()
	}
	return nil
}

func (n *Net) Listen(addr string) error {
	if _, ok := n.listens.LoadOrStore(addr, nil); ok {
		return ErrAddressDuplicated
	}
	listener, err := n.createListener(addr)
	if err != nil {
		n.listens.Delete(addr)
		return err
	}
	n.listens.Store(addr, listener)
	n.log.Info("net: listening", "addr", addr, "local", listener.Addr().String())

	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		n.KeepListening(addr)
	}()
	return nil
}

// ListenAddr is the bound address of a listener, useful with port 0.
func (n *Net) ListenAddr(addr string) (net.Addr, bool) {
	l, ok := n.listens.Load(addr)
	if !ok || l == nil {
		return nil, false
	}
	return l.Addr(), true
}

func (n *Net) Unlisten(addr string) error {
	l, ok := n.listens.LoadAndDelete(addr)
	if !ok {
		return ErrAddressUnknown
	}
	return l.Close()
}

// KeepConnecting redials with exponential backoff until the Net closes
// or the connection is disconnected by name.
func (n *Net) KeepConnecting(name string, addrs []string) {
	backoff := MIN_RETRY_PERIOD
	for n.ctx.Err() == nil {
		if _, ok := n.conns.Load(name); !ok {
			return
		}
		var err error
		var conn net.Conn
		for _, addr := range addrs {
			if conn, err = n.createConn(addr); err == nil {
				break
			}
		}
		if err != nil {
			n.log.Warn("net: couldn't connect", "name", name, "err", err)
			select {
			case <-time.After(backoff):
			case <-n.ctx.Done():
				return
			}
			backoff = min(MAX_RETRY_PERIOD, backoff*2)
			continue
		}
		n.log.Info("net: connected", "name", name)
		backoff = MIN_RETRY_PERIOD
		n.keepPeer(name, conn, true)
	}
}

func (n *Net) KeepListening(addr string) {
	for n.ctx.Err() == nil {
		listener, ok := n.listens.Load(addr)
		if !ok {
			break
		}
		conn, err := listener.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				break
			}
			n.log.Error("net: couldn't accept", "addr", addr, "err", err)
			continue
		}
		remote := conn.RemoteAddr().String()
		n.log.Info("net: accepted", "addr", addr, "remote", remote)
		n.wg.Add(1)
		go func() {
			defer n.wg.Done()
			n.keepPeer(fmt.Sprintf("listen:%s:%s", uuid.Must(uuid.NewV7()).String(), remote), conn, false)
		}()
	}
	if l, ok := n.listens.LoadAndDelete(addr); ok && l != nil {
		if err := l.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
			n.log.Error("net: couldn't close listener", "addr", addr, "err", err)
		}
	}
	n.log.Info("net: listener closed", "addr", addr)
}

func (n *Net) keepPeer(name string, conn net.Conn, dialed bool) {
	peer := &Peer{
		link:          n.onInstall(name),
		conn:          conn,
		writeTimeout:  n.writeTimeout,
		bufferMaxSize: n.bufferMaxSize,
	}
	n.conns.Store(name, peer)

	rerr, werr, cerr := peer.Keep(n.ctx)
	if rerr != nil {
		n.log.Warn("net: couldn't read from peer", "name", name, "err", rerr)
	}
	if werr != nil {
		n.log.Warn("net: couldn't write to peer", "name", name, "err", werr)
	}
	if cerr != nil {
		n.log.Warn("net: couldn't close peer", "name", name, "err", cerr)
	}

	if dialed {
		// keep the slot so KeepConnecting redials
		n.conns.Compute(name, func(old *Peer, loaded bool) (*Peer, bool) {
			if !loaded {
				return nil, true
			}
			if old == peer {
				return nil, false
			}
			return old, false
		})
	} else {
		n.conns.Delete(name)
	}
	peer.Close()
	n.onDestroy(name, peer.link)
}

func (n *Net) createListener(addr string) (net.Listener, error) {
	address, err := parseAddr(addr)
	if err != nil {
		return nil, err
	}
	config := net.ListenConfig{}
	return config.Listen(n.ctx, "tcp", address)
}

func (n *Net) createConn(addr string) (net.Conn, error) {
	address, err := parseAddr(addr)
	if err != nil {
		return nil, err
	}
	d := net.Dialer{Timeout: time.Minute}
	return d.DialContext(n.ctx, "tcp", address)
}

// parseAddr accepts "tcp://host:port" or a bare "host:port".
func parseAddr(addr string) (string, error) {
	if !strings.Contains(addr, "://") {
		return addr, nil
	}
	u, err := url.Parse(addr)
	if err != nil {
		return "", err
	}
	switch u.Scheme {
	case "tcp", "tcp4", "tcp6":
	default:
		return "", ErrAddressInvalid
	}
	return u.Host, nil
}
