package verso

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drpcorg/verso/network"
)

type inbox struct {
	mu   sync.Mutex
	recs []string
}

func (i *inbox) recv(from string, rec []byte) {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.recs = append(i.recs, from+":"+string(rec))
}

func (i *inbox) list() []string {
	i.mu.Lock()
	defer i.mu.Unlock()
	return append([]string(nil), i.recs...)
}

func TestHub_OrderedDelivery(t *testing.T) {
	hub := NewHub()
	defer hub.Close()

	var got inbox
	require.NoError(t, hub.Join("b", got.recv, nil))
	require.NoError(t, hub.Join("a", func(string, []byte) {}, nil))
	assert.ErrorIs(t, hub.Join("a", func(string, []byte) {}, nil), ErrNameTaken)

	a := hub.Transport("a")
	assert.Equal(t, []string{"b"}, a.Peers())
	want := make([]string, 0, 100)
	for i := 0; i < 100; i++ {
		rec := fmt.Sprintf("%03d", i)
		require.NoError(t, a.Send(context.Background(), "b", []byte(rec)))
		want = append(want, "a:"+rec)
	}
	assert.Eventually(t, func() bool { return len(got.list()) == len(want) }, 5*time.Second, time.Millisecond)
	assert.Equal(t, want, got.list())

	assert.ErrorIs(t, a.Send(context.Background(), "c", []byte("x")), network.ErrUnknownPeer)
}

func TestHub_PeerEvents(t *testing.T) {
	hub := NewHub()
	defer hub.Close()

	var mu sync.Mutex
	var events []string
	track := func(self string) func(string, bool) {
		return func(peer string, up bool) {
			mu.Lock()
			defer mu.Unlock()
			events = append(events, fmt.Sprintf("%s sees %s %v", self, peer, up))
		}
	}
	noop := func(string, []byte) {}
	require.NoError(t, hub.Join("a", noop, track("a")))
	require.NoError(t, hub.Join("b", noop, track("b")))
	hub.Leave("b")
	hub.Leave("b")

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"a sees b true", "b sees a true", "a sees b false"}, events)
}
