package negotiator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/multiedit/multiedit/internal/p2p/protocol"
)

var (
	// ErrNotImplemented is returned by relay paths when no relay channel is configured.
	ErrNotImplemented = errors.New("negotiator: transport path not implemented")
	ErrNoConnection   = errors.New("negotiator: no direct connection")
)

const (
	DefaultDialTimeout = 5 * time.Second
	// MaxChunkSize bounds the payload of one relayed binary chunk.
	MaxChunkSize = 64 << 10
)

// ConnectionMode is the transport a Manager settled on, best first.
type ConnectionMode int

const (
	DirectP2P ConnectionMode = iota
	BinaryProxy
	JSONFallback
)

func (m ConnectionMode) String() string {
	switch m {
	case DirectP2P:
		return "direct_p2p"
	case BinaryProxy:
		return "binary_proxy"
	case JSONFallback:
		return "json_fallback"
	default:
		return fmt.Sprintf("mode(%d)", int(m))
	}
}

func (m ConnectionMode) MarshalText() ([]byte, error) {
	return []byte(m.String()), nil
}

// P2PConnection describes the current connection.
type P2PConnection struct {
	Mode        ConnectionMode `json:"mode"`
	PeerAddress *net.TCPAddr   `json:"peer_address,omitempty"`
	LatencyMS   *uint64        `json:"latency_ms,omitempty"`
}

// Channel is the signaling/relay path to the remote peer. relay.Client
// implements it.
type Channel interface {
	RequestBinaryProxy(ctx context.Context, peerID string) error
	Send(ctx context.Context, msg protocol.Message) error
	ReceiveChunk(ctx context.Context) (protocol.BinaryChunk, error)
	ReceiveEnvelope(ctx context.Context) (protocol.JSONEnvelope, error)
}

// Observer receives negotiation outcomes.
type Observer interface {
	ConnectionAttempt(mode ConnectionMode, success bool)
}

type nopObserver struct{}

func (nopObserver) ConnectionAttempt(ConnectionMode, bool) {}

type DialFunc func(ctx context.Context, network, address string) (net.Conn, error)

type Config struct {
	SessionID    string
	LocalPeerID  string
	RemotePeerID string
	DialTimeout  time.Duration
	// BandwidthLimit caps bytes per second sent over the binary proxy. Zero disables it.
	BandwidthLimit int64
	Dial           DialFunc
}

// Manager negotiates and owns the connection to one remote peer. Connect
// walks direct TCP, then the relay binary proxy, then JSON envelopes over
// the signaling channel; the last always succeeds.
type Manager struct {
	cfg      Config
	channel  Channel
	logger   zerolog.Logger
	observer Observer
	limiter  *rate.Limiter

	mu       sync.RWMutex
	mode     ConnectionMode
	conn     net.Conn
	peerAddr *net.TCPAddr
	latency  *uint64

	readMu  sync.Mutex
	writeMu sync.Mutex
	sendSeq uint64 // guarded by writeMu

	// relay receive state, guarded by recvMu
	recvMu    sync.Mutex
	assembler *protocol.ChunkAssembler
	ready     [][]byte
}

// NewManager returns a Manager in JSONFallback mode. channel may be nil, in
// which case both relay modes report ErrNotImplemented.
func NewManager(cfg Config, channel Channel, logger zerolog.Logger, observer Observer) *Manager {
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = DefaultDialTimeout
	}
	if cfg.Dial == nil {
		d := &net.Dialer{}
		cfg.Dial = d.DialContext
	}
	if observer == nil {
		observer = nopObserver{}
	}
	var limiter *rate.Limiter
	if cfg.BandwidthLimit > 0 {
		burst := int(cfg.BandwidthLimit)
		if burst < MaxChunkSize {
			burst = MaxChunkSize
		}
		limiter = rate.NewLimiter(rate.Limit(cfg.BandwidthLimit), burst)
	}
	return &Manager{
		cfg:     cfg,
		channel: channel,
		logger: logger.With().
			Str("component", "negotiator").
			Str("session_id", cfg.SessionID).
			Str("remote_peer", cfg.RemotePeerID).
			Logger(),
		observer:  observer,
		limiter:   limiter,
		mode:      JSONFallback,
		assembler: protocol.NewChunkAssembler(0),
	}
}

// Connect establishes the best available connection to peerAddress. It never
// fails: JSONFallback is returned when nothing better works.
func (m *Manager) Connect(ctx context.Context, peerAddress string) ConnectionMode {
	m.mu.Lock()
	defer m.mu.Unlock()
	_ = m.resetLocked()

	m.logger.Info().Str("peer_address", peerAddress).Msg("attempting direct p2p connection")
	start := time.Now()
	conn, err := m.dialDirect(ctx, peerAddress)
	if err == nil {
		latency := uint64(time.Since(start).Milliseconds())
		m.conn = conn
		m.mode = DirectP2P
		m.latency = &latency
		if addr, ok := conn.RemoteAddr().(*net.TCPAddr); ok {
			m.peerAddr = addr
		}
		m.observer.ConnectionAttempt(DirectP2P, true)
		m.logger.Info().Uint64("latency_ms", latency).Msg("direct p2p connection established")
		return DirectP2P
	}
	m.observer.ConnectionAttempt(DirectP2P, false)
	m.logger.Info().Err(err).Msg("direct p2p failed, trying binary proxy")

	if err = m.requestProxy(ctx); err == nil {
		m.mode = BinaryProxy
		m.observer.ConnectionAttempt(BinaryProxy, true)
		m.logger.Info().Msg("binary proxy mode established")
		return BinaryProxy
	}
	m.observer.ConnectionAttempt(BinaryProxy, false)
	m.logger.Warn().Err(err).Msg("binary proxy failed, falling back to json mode")

	m.mode = JSONFallback
	m.observer.ConnectionAttempt(JSONFallback, true)
	return JSONFallback
}

func (m *Manager) dialDirect(ctx context.Context, peerAddress string) (net.Conn, error) {
	if peerAddress == "" {
		return nil, errors.New("no peer address")
	}
	ctx, cancel := context.WithTimeout(ctx, m.cfg.DialTimeout)
	defer cancel()
	conn, err := m.cfg.Dial(ctx, "tcp", peerAddress)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", peerAddress, err)
	}
	return conn, nil
}

func (m *Manager) requestProxy(ctx context.Context) error {
	if m.channel == nil {
		return ErrNotImplemented
	}
	ctx, cancel := context.WithTimeout(ctx, m.cfg.DialTimeout)
	defer cancel()
	return m.channel.RequestBinaryProxy(ctx, m.cfg.RemotePeerID)
}

// Mode returns the current connection mode.
func (m *Manager) Mode() ConnectionMode {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.mode
}

// Connection returns a snapshot of the current connection.
func (m *Manager) Connection() P2PConnection {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := P2PConnection{Mode: m.mode}
	if m.peerAddr != nil {
		addr := *m.peerAddr
		out.PeerAddress = &addr
	}
	if m.latency != nil {
		l := *m.latency
		out.LatencyMS = &l
	}
	return out
}

// SendData delivers data over the active connection.
func (m *Manager) SendData(ctx context.Context, data []byte) error {
	m.mu.RLock()
	mode, conn := m.mode, m.conn
	m.mu.RUnlock()

	switch mode {
	case DirectP2P:
		if conn == nil {
			return ErrNoConnection
		}
		m.writeMu.Lock()
		defer m.writeMu.Unlock()
		deadline, _ := ctx.Deadline()
		_ = conn.SetWriteDeadline(deadline)
		if _, err := conn.Write(data); err != nil {
			return fmt.Errorf("direct write: %w", err)
		}
		return nil
	case BinaryProxy:
		if m.channel == nil {
			return ErrNotImplemented
		}
		return m.sendChunks(ctx, data)
	default:
		if m.channel == nil {
			return ErrNotImplemented
		}
		payload, err := json.Marshal(data)
		if err != nil {
			return err
		}
		return m.channel.Send(ctx, protocol.JSONEnvelope{
			SessionID: m.cfg.SessionID,
			PeerID:    m.cfg.RemotePeerID,
			Payload:   payload,
		})
	}
}

func (m *Manager) sendChunks(ctx context.Context, data []byte) error {
	m.writeMu.Lock()
	defer m.writeMu.Unlock()
	for len(data) > 0 {
		n := min(len(data), MaxChunkSize)
		if m.limiter != nil {
			if err := m.limiter.WaitN(ctx, n); err != nil {
				return fmt.Errorf("relay bandwidth: %w", err)
			}
		}
		chunk := protocol.BinaryChunk{
			SessionID: m.cfg.SessionID,
			PeerID:    m.cfg.RemotePeerID,
			Data:      data[:n],
			Sequence:  m.sendSeq,
		}
		if err := m.channel.Send(ctx, chunk); err != nil {
			return fmt.Errorf("send chunk %d: %w", chunk.Sequence, err)
		}
		m.sendSeq++
		data = data[n:]
	}
	return nil
}

// ReceiveData reads the next bytes from the active connection into buf.
func (m *Manager) ReceiveData(ctx context.Context, buf []byte) (int, error) {
	m.mu.RLock()
	mode, conn := m.mode, m.conn
	m.mu.RUnlock()

	switch mode {
	case DirectP2P:
		if conn == nil {
			return 0, ErrNoConnection
		}
		m.readMu.Lock()
		defer m.readMu.Unlock()
		deadline, _ := ctx.Deadline()
		_ = conn.SetReadDeadline(deadline)
		n, err := conn.Read(buf)
		if err != nil {
			return n, fmt.Errorf("direct read: %w", err)
		}
		return n, nil
	case BinaryProxy:
		if m.channel == nil {
			return 0, ErrNotImplemented
		}
		return m.receiveBuffered(ctx, buf, m.nextChunks)
	default:
		if m.channel == nil {
			return 0, ErrNotImplemented
		}
		return m.receiveBuffered(ctx, buf, m.nextEnvelope)
	}
}

func (m *Manager) receiveBuffered(ctx context.Context, buf []byte, fill func(context.Context) error) (int, error) {
	m.recvMu.Lock()
	defer m.recvMu.Unlock()
	for len(m.ready) == 0 {
		if err := fill(ctx); err != nil {
			return 0, err
		}
	}
	n := copy(buf, m.ready[0])
	if n == len(m.ready[0]) {
		m.ready = m.ready[1:]
	} else {
		m.ready[0] = m.ready[0][n:]
	}
	return n, nil
}

func (m *Manager) nextChunks(ctx context.Context) error {
	chunk, err := m.channel.ReceiveChunk(ctx)
	if err != nil {
		return err
	}
	if chunk.PeerID != m.cfg.RemotePeerID {
		m.logger.Debug().Str("from", chunk.PeerID).Msg("chunk from unexpected peer dropped")
		return nil
	}
	ready, err := m.assembler.Push(chunk)
	if err != nil {
		return err
	}
	m.ready = append(m.ready, ready...)
	return nil
}

func (m *Manager) nextEnvelope(ctx context.Context) error {
	env, err := m.channel.ReceiveEnvelope(ctx)
	if err != nil {
		return err
	}
	if env.PeerID != m.cfg.RemotePeerID {
		m.logger.Debug().Str("from", env.PeerID).Msg("envelope from unexpected peer dropped")
		return nil
	}
	var data []byte
	if err := json.Unmarshal(env.Payload, &data); err != nil {
		return fmt.Errorf("decode envelope payload: %w", err)
	}
	if len(data) > 0 {
		m.ready = append(m.ready, data)
	}
	return nil
}

// Keepalive sends a keepalive frame over the signaling channel every
// interval until ctx is done.
func (m *Manager) Keepalive(ctx context.Context, interval time.Duration) error {
	if m.channel == nil {
		return ErrNotImplemented
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := m.channel.Send(ctx, protocol.Keepalive{PeerID: m.cfg.LocalPeerID}); err != nil {
				if ctx.Err() != nil {
					return nil
				}
				return fmt.Errorf("keepalive: %w", err)
			}
		}
	}
}

// Close drops any direct connection and returns to JSONFallback.
func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.resetLocked()
}

func (m *Manager) resetLocked() error {
	var err error
	if m.conn != nil {
		err = m.conn.Close()
		m.conn = nil
	}
	m.mode = JSONFallback
	m.peerAddr = nil
	m.latency = nil
	return err
}
