package verso

import (
	"context"
	"sync"

	"github.com/pkg/errors"

	"github.com/drpcorg/verso/network"
)

var ErrNameTaken = errors.New("verso: node name already joined")

// Hub links the nodes of one process. Each member has a goroutine
// delivering its records in the order they were sent.
type Hub struct {
	wg    sync.WaitGroup
	mu    sync.Mutex
	peers map[string]*hubPeer
}

type envelope struct {
	from string
	rec  []byte
}

type hubPeer struct {
	name   string
	recv   network.Receiver
	events func(peer string, up bool)
	signal chan struct{}
	done   chan struct{}

	mu    sync.Mutex
	inbox []envelope
}

func NewHub() *Hub {
	return &Hub{peers: make(map[string]*hubPeer)}
}

// Transport is name's endpoint; it can be created before the node joins.
func (h *Hub) Transport(name string) *HubTransport {
	return &HubTransport{hub: h, name: name}
}

// Join starts delivering records to name. Members learn about each
// other through events.
func (h *Hub) Join(name string, recv network.Receiver, events func(peer string, up bool)) error {
	p := &hubPeer{
		name:   name,
		recv:   recv,
		events: events,
		signal: make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
	h.mu.Lock()
	if _, ok := h.peers[name]; ok {
		h.mu.Unlock()
		return ErrNameTaken
	}
	others := make([]*hubPeer, 0, len(h.peers))
	for _, o := range h.peers {
		others = append(others, o)
	}
	h.peers[name] = p
	h.mu.Unlock()

	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		p.run()
	}()
	for _, o := range others {
		if o.events != nil {
			o.events(name, true)
		}
		if events != nil {
			events(o.name, true)
		}
	}
	return nil
}

// NewNode makes a node and joins it to the hub.
func (h *Hub) NewNode(opts Options) (*Node, error) {
	n, err := NewNode(opts, h.Transport(opts.Name))
	if err != nil {
		return nil, err
	}
	if err := h.Join(opts.Name, n.Deliver, n.OnPeer); err != nil {
		_ = n.Close()
		return nil, err
	}
	return n, nil
}

// Leave stops delivery to name; undelivered records are dropped.
func (h *Hub) Leave(name string) {
	h.mu.Lock()
	p, ok := h.peers[name]
	delete(h.peers, name)
	others := make([]*hubPeer, 0, len(h.peers))
	for _, o := range h.peers {
		others = append(others, o)
	}
	h.mu.Unlock()
	if !ok {
		return
	}
	close(p.done)
	for _, o := range others {
		if o.events != nil {
			o.events(name, false)
		}
	}
}

func (h *Hub) Close() {
	h.mu.Lock()
	names := make([]string, 0, len(h.peers))
	for name := range h.peers {
		names = append(names, name)
	}
	h.mu.Unlock()
	for _, name := range names {
		h.Leave(name)
	}
	h.wg.Wait()
}

func (h *Hub) deliver(from, to string, rec []byte) error {
	h.mu.Lock()
	p, ok := h.peers[to]
	h.mu.Unlock()
	if !ok {
		return network.ErrUnknownPeer
	}
	p.mu.Lock()
	p.inbox = append(p.inbox, envelope{from, rec})
	p.mu.Unlock()
	select {
	case p.signal <- struct{}{}:
	default:
	}
	return nil
}

func (p *hubPeer) run() {
	for {
		select {
		case <-p.signal:
		case <-p.done:
			return
		}
		p.mu.Lock()
		batch := p.inbox
		p.inbox = nil
		p.mu.Unlock()
		for _, e := range batch {
			p.recv(e.from, e.rec)
		}
	}
}

// HubTransport is the Transport of one hub member.
type HubTransport struct {
	hub  *Hub
	name string
}

// Send hands rec to the destination; rec must not change afterwards.
func (t *HubTransport) Send(_ context.Context, peer string, rec []byte) error {
	return t.hub.deliver(t.name, peer, rec)
}

func (t *HubTransport) Peers() (peers []string) {
	t.hub.mu.Lock()
	defer t.hub.mu.Unlock()
	for name := range t.hub.peers {
		if name != t.name {
			peers = append(peers, name)
		}
	}
	return
}
