package p2p

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testListener(t *testing.T, listenBelow, closeAbove int) (*Transport, *Listener) {
	t.Helper()
	cfg := testConfig(t, "server/v1.0", []Protocol{blockingProto("eth", 68)})
	cfg.ListenAddr = "127.0.0.1:0"
	cfg.ListenBelow = listenBelow
	cfg.CloseAbove = closeAbove
	tr, err := New(cfg)
	require.NoError(t, err)
	l, err := tr.CreateListener()
	require.NoError(t, err)
	return tr, l
}

func waitStatus(t *testing.T, l *Listener, want ListenerStatus) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for l.Status() != want {
		if time.Now().After(deadline) {
			t.Fatalf("timeout waiting for listener status %v, have %v", want, l.Status())
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestListenerLifecycle(t *testing.T) {
	_, l := testListener(t, 40, 50)
	assert.Equal(t, ListenerInactive, l.Status())

	require.NoError(t, l.Listen())
	assert.Equal(t, ListenerActive, l.Status())
	assert.ErrorIs(t, l.Listen(), ErrAlreadyListening)
	require.NotEmpty(t, l.Addrs())

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, l.Close(ctx))
	assert.Equal(t, ListenerInactive, l.Status())

	// closed for good
	assert.ErrorIs(t, l.Close(ctx), ErrNotListening)
	assert.ErrorIs(t, l.Listen(), ErrListenerClosed)
}

func TestListenerInvalidWatermarks(t *testing.T) {
	cfg := testConfig(t, "server/v1.0", nil)
	cfg.ListenBelow = 10
	cfg.CloseAbove = 5
	tr, err := New(cfg)
	require.NoError(t, err)
	_, err = tr.CreateListener()
	assert.ErrorIs(t, err, ErrInvalidWatermarks)
}

func TestListenerHysteresis(t *testing.T) {
	server, l := testListener(t, 2, 2)
	require.NoError(t, l.Listen())
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	defer l.Close(context.Background())

	peers := make(chan *Conn, 4)
	l.SubscribePeers(peers)
	addr := l.Addrs()[0].String()

	dial := func(name string) *Conn {
		cfg := testConfig(t, name, []Protocol{blockingProto("eth", 68)})
		tr, err := New(cfg)
		require.NoError(t, err)
		c, err := tr.Dial(ctx, addr, server.Self())
		require.NoError(t, err)
		t.Cleanup(c.Close)
		return c
	}
	waitPeer := func() *Conn {
		select {
		case c := <-peers:
			return c
		case <-ctx.Done():
			t.Fatal("timeout waiting for inbound peer")
			return nil
		}
	}

	c1 := dial("client-1/v1.0")
	waitPeer()
	assert.Equal(t, ListenerActive, l.Status())

	// hitting the high watermark pauses accepting
	dial("client-2/v1.0")
	waitPeer()
	waitStatus(t, l, ListenerPaused)
	assert.Equal(t, 2, l.ConnCount())

	// dropping below the low watermark resumes it
	c1.Close()
	waitStatus(t, l, ListenerActive)

	// and new peers are accepted again
	dial("client-3/v1.0")
	waitPeer()
	waitStatus(t, l, ListenerPaused)
}

func TestListenerCloseShutsConnections(t *testing.T) {
	server, l := testListener(t, 40, 50)
	require.NoError(t, l.Listen())
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	peers := make(chan *Conn, 1)
	l.SubscribePeers(peers)

	cfg := testConfig(t, "client/v1.0", []Protocol{blockingProto("eth", 68)})
	tr, err := New(cfg)
	require.NoError(t, err)
	c, err := tr.Dial(ctx, l.Addrs()[0].String(), server.Self())
	require.NoError(t, err)
	defer c.Close()

	inbound := <-peers
	require.NoError(t, l.Close(ctx))
	assert.Equal(t, 0, l.ConnCount())
	assert.False(t, inbound.Connected())
}
