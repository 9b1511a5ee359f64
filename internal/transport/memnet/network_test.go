package memnet

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/LeJamon/goDAGBFT/internal/core/consensus"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

var (
	alice = consensus.ValidatorID{1}
	bob   = consensus.ValidatorID{2}
	carol = consensus.ValidatorID{3}
)

func recv(t *testing.T, ep *Endpoint) consensus.InboundMessage {
	t.Helper()
	select {
	case msg := <-ep.Inbound():
		return msg
	case <-time.After(2 * time.Second):
		t.Fatal("no message delivered")
		return consensus.InboundMessage{}
	}
}

func TestConnectAndSend(t *testing.T) {
	n := NewNetwork()
	defer n.Close()
	a := n.Join(alice, 8)
	b := n.Join(bob, 8)
	assert.Same(t, a, n.Join(alice, 8))

	ctx := context.Background()
	err := a.Send(ctx, bob, []byte("hi"))
	assert.ErrorIs(t, err, consensus.ErrTransportFailure)

	assert.True(t, n.Connect(alice, bob, 0))
	assert.False(t, n.Connect(alice, bob, 0))
	assert.False(t, n.Connect(alice, alice, 0))
	assert.True(t, n.IsConnected(bob, alice))

	payload := []byte("hello")
	require.NoError(t, a.Send(ctx, bob, payload))
	payload[0] = 'j'
	msg := recv(t, b)
	assert.Equal(t, alice, msg.From)
	assert.Equal(t, []byte("hello"), msg.Data)
}

func TestDelayedDelivery(t *testing.T) {
	n := NewNetwork()
	defer n.Close()
	a := n.Join(alice, 8)
	b := n.Join(bob, 8)
	n.Connect(alice, bob, 20*time.Millisecond)

	start := time.Now()
	require.NoError(t, a.Send(context.Background(), bob, []byte("x")))
	recv(t, b)
	assert.GreaterOrEqual(t, time.Since(start), 20*time.Millisecond)
}

func TestDisconnectDropsInFlight(t *testing.T) {
	n := NewNetwork()
	a := n.Join(alice, 8)
	b := n.Join(bob, 8)
	n.Connect(alice, bob, 20*time.Millisecond)

	require.NoError(t, a.Send(context.Background(), bob, []byte("lost")))
	assert.True(t, n.Disconnect(alice, bob))
	assert.False(t, n.Disconnect(alice, bob))
	n.Close()

	select {
	case <-b.Inbound():
		t.Fatal("message delivered over a removed link")
	default:
	}
	assert.ErrorIs(t, a.Send(context.Background(), bob, nil), ErrClosed)
}

func TestBroadcastFullMesh(t *testing.T) {
	n := NewNetwork()
	defer n.Close()
	a := n.Join(alice, 8)
	b := n.Join(bob, 8)
	c := n.Join(carol, 8)
	n.FullMesh(0)

	assert.ElementsMatch(t, []consensus.ValidatorID{bob, carol}, n.Peers(alice))
	require.NoError(t, a.Broadcast(context.Background(), []byte("all")))
	assert.Equal(t, []byte("all"), recv(t, b).Data)
	assert.Equal(t, []byte("all"), recv(t, c).Data)
}

func TestSendHonorsContext(t *testing.T) {
	n := NewNetwork()
	defer n.Close()
	a := n.Join(alice, 1)
	n.Join(bob, 1)
	n.Connect(alice, bob, 0)

	require.NoError(t, a.Send(context.Background(), bob, []byte("fills")))
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, a.Send(ctx, bob, []byte("blocked")), context.DeadlineExceeded)
}
