package feed

import (
	"context"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/LeJamon/goDAGBFT/internal/core/consensus"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func dial(t *testing.T, srv *httptest.Server) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	return conn
}

func record(height uint64, phase consensus.FinalityPhase) consensus.FinalityRecord {
	return consensus.FinalityRecord{
		VertexID:    consensus.VertexID{byte(height)},
		Height:      height,
		Phase:       phase,
		VotingPower: 3,
		TotalPower:  4,
		Quorum:      0.6667,
		Timestamp:   time.Unix(1700000000, 0).UTC(),
	}
}

func TestPublishReachesEverySubscriber(t *testing.T) {
	s := NewServer(8, nil)
	srv := httptest.NewServer(s)
	defer srv.Close()
	defer s.Close()

	a := dial(t, srv)
	defer a.Close()
	b := dial(t, srv)
	defer b.Close()
	require.Eventually(t, func() bool { return s.Connections() == 2 }, time.Second, 5*time.Millisecond)

	rec := record(7, consensus.PhaseCommitted)
	require.NoError(t, s.Publish(rec))

	for _, c := range []*websocket.Conn{a, b} {
		require.NoError(t, c.SetReadDeadline(time.Now().Add(2*time.Second)))
		var msg Message
		require.NoError(t, c.ReadJSON(&msg))
		assert.Equal(t, NewMessage(rec), msg)
		assert.Equal(t, "finality", msg.Type)
		assert.Equal(t, rec.VertexID.String(), msg.VertexID)
		assert.Equal(t, rec.Phase.String(), msg.Phase)
	}
}

func TestRunStreamsUntilChannelClosed(t *testing.T) {
	s := NewServer(8, nil)
	srv := httptest.NewServer(s)
	defer srv.Close()
	defer s.Close()

	c := dial(t, srv)
	defer c.Close()
	require.Eventually(t, func() bool { return s.Connections() == 1 }, time.Second, 5*time.Millisecond)

	records := make(chan consensus.FinalityRecord, 2)
	records <- record(1, consensus.PhasePreCommitted)
	records <- record(1, consensus.PhaseCommitted)
	close(records)
	require.NoError(t, s.Run(context.Background(), records))

	require.NoError(t, c.SetReadDeadline(time.Now().Add(2*time.Second)))
	var phases []string
	for i := 0; i < 2; i++ {
		var msg Message
		require.NoError(t, c.ReadJSON(&msg))
		phases = append(phases, msg.Phase)
	}
	assert.Equal(t, []string{consensus.PhasePreCommitted.String(), consensus.PhaseCommitted.String()}, phases)
}

func TestRunStopsOnContext(t *testing.T) {
	s := NewServer(0, nil)
	defer s.Close()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, s.Run(ctx, make(chan consensus.FinalityRecord)), context.Canceled)
}

func TestDisconnectedSubscriberRemoved(t *testing.T) {
	s := NewServer(8, nil)
	srv := httptest.NewServer(s)
	defer srv.Close()
	defer s.Close()

	c := dial(t, srv)
	require.Eventually(t, func() bool { return s.Connections() == 1 }, time.Second, 5*time.Millisecond)
	require.NoError(t, c.Close())
	require.Eventually(t, func() bool { return s.Connections() == 0 }, 2*time.Second, 5*time.Millisecond)
	assert.NoError(t, s.Publish(record(2, consensus.PhaseCommitted)))
}

func TestCloseDisconnectsSubscribers(t *testing.T) {
	s := NewServer(8, nil)
	srv := httptest.NewServer(s)
	defer srv.Close()

	c := dial(t, srv)
	defer c.Close()
	require.Eventually(t, func() bool { return s.Connections() == 1 }, time.Second, 5*time.Millisecond)

	s.Close()
	assert.Zero(t, s.Connections())
	require.NoError(t, c.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, _, err := c.ReadMessage()
	assert.Error(t, err)

	late := dial(t, srv)
	defer late.Close()
	require.NoError(t, late.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, _, err = late.ReadMessage()
	assert.Error(t, err, "a closed server refuses new subscribers")
}
