package relay

import (
	"context"
	"encoding/json"
	"errors"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/multiedit/multiedit/internal/p2p/protocol"
)

type fakeSessions struct {
	denied  map[string]bool
	touches chan string
}

func (f *fakeSessions) Authorize(_ context.Context, _, peerID string) error {
	if f.denied[peerID] {
		return errors.New("not a participant")
	}
	return nil
}

func (f *fakeSessions) Touch(_ context.Context, _, peerID string) error {
	select {
	case f.touches <- peerID:
	default:
	}
	return nil
}

func startRelay(t *testing.T, cfg Config, sessions Sessions) (*Server, string) {
	t.Helper()
	srv := NewServer(cfg, sessions, nil, zerolog.Nop())
	ts := httptest.NewServer(srv)
	t.Cleanup(func() {
		srv.Stop()
		ts.Close()
	})
	return srv, "ws" + strings.TrimPrefix(ts.URL, "http")
}

func dial(t *testing.T, url, sessionID, peerID string) *Client {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	c, err := Dial(ctx, url, sessionID, peerID, zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	return c
}

func TestRelayRoundTrip(t *testing.T) {
	srv, url := startRelay(t, Config{}, nil)
	alice := dial(t, url, "s1", "alice")
	bob := dial(t, url, "s1", "bob")
	require.Eventually(t, func() bool { return srv.ActiveConnections() == 2 }, 2*time.Second, 10*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	require.NoError(t, alice.RequestBinaryProxy(ctx, "bob"))

	err := alice.RequestBinaryProxy(ctx, "carol")
	require.ErrorIs(t, err, ErrProxyRejected)
	assert.Contains(t, err.Error(), CodePeerUnavailable)

	require.NoError(t, alice.Send(ctx, protocol.BinaryChunk{PeerID: "bob", Data: []byte("pack"), Sequence: 0}))
	chunk, err := bob.ReceiveChunk(ctx)
	require.NoError(t, err)
	assert.Equal(t, "alice", chunk.PeerID)
	assert.Equal(t, "s1", chunk.SessionID)
	assert.Equal(t, []byte("pack"), chunk.Data)

	require.NoError(t, bob.Send(ctx, protocol.JSONEnvelope{PeerID: "alice", Payload: json.RawMessage(`{"hello":1}`)}))
	env, err := alice.ReceiveEnvelope(ctx)
	require.NoError(t, err)
	assert.Equal(t, "bob", env.PeerID)
	assert.JSONEq(t, `{"hello":1}`, string(env.Payload))

	require.NoError(t, alice.Send(ctx, protocol.ConnectionRequest{SessionID: "s1", PeerID: "bob", PublicIP: "203.0.113.1", PublicPort: 4000}))
	select {
	case msg := <-bob.Signals():
		req, ok := msg.(protocol.ConnectionRequest)
		require.True(t, ok)
		assert.Equal(t, "alice", req.PeerID)
		assert.Equal(t, uint16(4000), req.PublicPort)
	case <-ctx.Done():
		t.Fatal("connection request not delivered")
	}
}

func TestRelaySessionsAreIsolated(t *testing.T) {
	srv, url := startRelay(t, Config{}, nil)
	alice := dial(t, url, "s1", "alice")
	dial(t, url, "s2", "bob")
	require.Eventually(t, func() bool { return srv.ActiveConnections() == 2 }, 2*time.Second, 10*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	assert.ErrorIs(t, alice.RequestBinaryProxy(ctx, "bob"), ErrProxyRejected)
}

func TestRelayAuthorizeAndTouch(t *testing.T) {
	sessions := &fakeSessions{denied: map[string]bool{"mallory": true}, touches: make(chan string, 1)}
	_, url := startRelay(t, Config{}, sessions)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, err := Dial(ctx, url, "s1", "mallory", zerolog.Nop())
	require.Error(t, err)

	alice := dial(t, url, "s1", "alice")
	require.NoError(t, alice.Send(ctx, protocol.Keepalive{PeerID: "alice"}))
	select {
	case peer := <-sessions.touches:
		assert.Equal(t, "alice", peer)
	case <-ctx.Done():
		t.Fatal("keepalive did not touch the session")
	}
}

func TestRelayRelease(t *testing.T) {
	srv, url := startRelay(t, Config{}, nil)
	alice := dial(t, url, "s1", "alice")
	other := dial(t, url, "s2", "bob")
	require.Eventually(t, func() bool { return srv.ActiveConnections() == 2 }, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, srv.Release(context.Background(), "s1"))
	select {
	case <-alice.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("released client still connected")
	}
	assert.Equal(t, 1, srv.ActiveConnections())

	select {
	case <-other.Done():
		t.Fatal("client of another session was released")
	default:
	}

	_, err := alice.ReceiveChunk(context.Background())
	assert.ErrorIs(t, err, ErrClosed)
}

func TestBandwidthLimiter(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	l := newBandwidthLimiter(1, time.Minute)
	require.NoError(t, l.wait(ctx, "s1", maxFrameSize))
	assert.Error(t, l.wait(ctx, "s1", 1))
	assert.NoError(t, l.wait(ctx, "s2", 1))

	l.forget("s1")
	assert.NoError(t, l.wait(ctx, "s1", 1))

	var unlimited *bandwidthLimiter
	assert.NoError(t, unlimited.wait(ctx, "s1", 1<<30))
	assert.Nil(t, newBandwidthLimiter(0, 0))
}

func sendChunks(t *testing.T, ctx context.Context, c *Client, to string, from uint64, n, size int) {
	t.Helper()
	for i := 0; i < n; i++ {
		require.NoError(t, c.Send(ctx, protocol.BinaryChunk{
			PeerID:   to,
			Data:     make([]byte, size),
			Sequence: from + uint64(i),
		}))
	}
}

func TestRelayPacesChunksOverBandwidthLimit(t *testing.T) {
	srv, url := startRelay(t, Config{BandwidthLimit: 64 << 10}, nil)
	alice := dial(t, url, "s1", "alice")
	bob := dial(t, url, "s1", "bob")
	require.Eventually(t, func() bool { return srv.ActiveConnections() == 2 }, 2*time.Second, 10*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, alice.RequestBinaryProxy(ctx, "bob"))

	// The burst covers four chunks; the fifth has to wait for the bucket.
	start := time.Now()
	sendChunks(t, ctx, alice, "bob", 0, 5, 64<<10)

	total := 0
	for seq := uint64(0); seq < 5; seq++ {
		chunk, err := bob.ReceiveChunk(ctx)
		require.NoError(t, err)
		assert.Equal(t, seq, chunk.Sequence)
		total += len(chunk.Data)
	}
	assert.Equal(t, 5*64<<10, total)
	assert.GreaterOrEqual(t, time.Since(start), 500*time.Millisecond)
	assert.NoError(t, alice.Send(ctx, protocol.BinaryChunk{PeerID: "bob", Data: []byte("x"), Sequence: 5}))
}

func TestRelayReportsDroppedChunkToSender(t *testing.T) {
	srv, url := startRelay(t, Config{BandwidthLimit: 1}, nil)
	alice := dial(t, url, "s1", "alice")
	bob := dial(t, url, "s1", "bob")
	require.Eventually(t, func() bool { return srv.ActiveConnections() == 2 }, 2*time.Second, 10*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, alice.RequestBinaryProxy(ctx, "bob"))

	sendChunks(t, ctx, alice, "bob", 0, 5, 64<<10)
	for seq := uint64(0); seq < 4; seq++ {
		_, err := bob.ReceiveChunk(ctx)
		require.NoError(t, err)
	}

	var sendErr error
	require.Eventually(t, func() bool {
		sendErr = alice.Send(ctx, protocol.BinaryChunk{PeerID: "bob", Data: []byte("x"), Sequence: 5})
		return sendErr != nil
	}, 2*time.Second, 10*time.Millisecond)
	assert.ErrorIs(t, sendErr, ErrChunkDropped)
	assert.Contains(t, sendErr.Error(), CodeBandwidthExceeded)

	// A fresh proxy grant restarts the stream.
	require.NoError(t, alice.RequestBinaryProxy(ctx, "bob"))
	assert.NoError(t, alice.Send(ctx, protocol.BinaryChunk{PeerID: "bob", Data: []byte("x"), Sequence: 0}))
}
