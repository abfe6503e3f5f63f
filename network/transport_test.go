package network

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drpcorg/verso/protocol"
	"github.com/drpcorg/verso/utils"
)

type received struct {
	from string
	rec  []byte
}

func newTestTransport(t *testing.T, name string) (*Transport, chan received) {
	ch := make(chan received, 16)
	log := utils.NewDefaultLogger(slog.LevelWarn)
	tr := NewTransport(name, log, func(from string, rec []byte) {
		ch <- received{from, append([]byte(nil), rec...)}
	})
	t.Cleanup(func() { _ = tr.Close() })
	return tr, ch
}

func waitPeers(t *testing.T, tr *Transport, n int) {
	require.Eventually(t, func() bool {
		return len(tr.Peers()) == n
	}, 5*time.Second, 10*time.Millisecond)
}

func TestTransport_Exchange(t *testing.T) {
	a, aIn := newTestTransport(t, "alice")
	b, bIn := newTestTransport(t, "bob")

	const loop = "tcp://127.0.0.1:0"
	require.NoError(t, a.Listen(loop))
	addr, ok := a.Net().ListenAddr(loop)
	require.True(t, ok)
	require.NoError(t, b.Connect(addr.String()))

	waitPeers(t, a, 1)
	waitPeers(t, b, 1)
	assert.Equal(t, []string{"bob"}, a.Peers())
	assert.Equal(t, []string{"alice"}, b.Peers())

	ctx := context.Background()
	require.NoError(t, b.Send(ctx, "alice", protocol.Record('M', []byte("Hi there"))))
	select {
	case got := <-aIn:
		assert.Equal(t, "bob", got.from)
		body, rest, err := protocol.TakeWary('M', got.rec)
		require.NoError(t, err)
		assert.Equal(t, "Hi there", string(body))
		assert.Empty(t, rest)
	case <-time.After(5 * time.Second):
		t.Fatal("no record at alice")
	}

	require.NoError(t, a.Send(ctx, "bob", protocol.Record('M', []byte("Re: Hi there"))))
	select {
	case got := <-bIn:
		assert.Equal(t, "alice", got.from)
	case <-time.After(5 * time.Second):
		t.Fatal("no record at bob")
	}

	assert.ErrorIs(t, a.Send(ctx, "carol", protocol.Record('M')), ErrUnknownPeer)
}

func TestTransport_PeerEvents(t *testing.T) {
	events := make(chan string, 8)
	log := utils.NewDefaultLogger(slog.LevelWarn)
	a := NewTransport("alice", log, func(string, []byte) {}, WithPeerEvents(func(peer string, up bool) {
		if up {
			events <- "+" + peer
		} else {
			events <- "-" + peer
		}
	}))
	defer a.Close()
	b, _ := newTestTransport(t, "bob")

	const loop = "127.0.0.1:0"
	require.NoError(t, a.Listen(loop))
	addr, _ := a.Net().ListenAddr(loop)
	require.NoError(t, b.Connect(addr.String()))

	select {
	case ev := <-events:
		assert.Equal(t, "+bob", ev)
	case <-time.After(5 * time.Second):
		t.Fatal("bob never came up")
	}

	require.NoError(t, b.Close())
	select {
	case ev := <-events:
		assert.Equal(t, "-bob", ev)
	case <-time.After(5 * time.Second):
		t.Fatal("bob never went down")
	}
	waitPeers(t, a, 0)
}

func TestLink_Outbox(t *testing.T) {
	log := utils.NewDefaultLogger(slog.LevelWarn)
	tr := NewTransport("alice", log, func(string, []byte) {}, WithOutboxLimit(16))
	l := tr.install("test").(*link)

	recs, err := l.Feed(context.Background())
	require.NoError(t, err)
	require.Len(t, recs, 1)
	body, _, err := protocol.TakeWary(litHello, recs[0])
	require.NoError(t, err)
	assert.Equal(t, "alice", string(body))

	assert.NoError(t, l.push(make([]byte, 10)))
	assert.ErrorIs(t, l.push(make([]byte, 10)), ErrOverflow)

	assert.ErrorIs(t, l.Drain(context.Background(), protocol.Records{protocol.Record('M')}), ErrHandshake)

	require.NoError(t, l.Close())
	_, err = l.Feed(context.Background())
	assert.ErrorIs(t, err, ErrClosed)
	assert.ErrorIs(t, l.push([]byte{1}), ErrClosed)
}

func TestParseAddr(t *testing.T) {
	cases := map[string]string{
		"tcp://127.0.0.1:80": "127.0.0.1:80",
		"localhost:1":        "localhost:1",
	}
	for in, want := range cases {
		out, err := parseAddr(in)
		assert.NoError(t, err)
		assert.Equal(t, want, out)
	}
	_, err := parseAddr("udp://127.0.0.1:80")
	assert.ErrorIs(t, err, ErrAddressInvalid)
}
