package relay

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/oklog/ulid/v2"
	"github.com/rs/zerolog"

	"github.com/multiedit/multiedit/internal/p2p/protocol"
)

const (
	// maxFrameSize bounds one decoded chunk payload.
	maxFrameSize = 256 << 10
	// base64 inflates payloads by 4/3 plus the JSON envelope.
	maxMessageSize = maxFrameSize*2 + 1024
	sendBuffer     = 256
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = pongWait * 9 / 10
	touchTimeout   = 5 * time.Second
	// forwardWait bounds how long a sender's reads stall on the session's
	// bandwidth budget or on a slow receiver.
	forwardWait = 10 * time.Second
)

// Error codes carried in protocol.ErrorMessage replies.
const (
	CodeBadMessage        = "bad_message"
	CodeSessionMismatch   = "session_mismatch"
	CodePeerUnavailable   = "peer_unavailable"
	CodePeerBusy          = "peer_busy"
	CodeBandwidthExceeded = "bandwidth_exceeded"
	CodeUnexpected        = "unexpected_message"
)

// Sessions admits relay clients and records their activity.
type Sessions interface {
	Authorize(ctx context.Context, sessionID, peerID string) error
	Touch(ctx context.Context, sessionID, peerID string) error
}

// Observer receives relay traffic accounting.
type Observer interface {
	RelayBytes(direction string, n int)
	SignalingMessage(t protocol.MessageType)
}

type nopObserver struct{}

func (nopObserver) RelayBytes(string, int)                {}
func (nopObserver) SignalingMessage(protocol.MessageType) {}

type Config struct {
	// BandwidthLimit caps relayed chunk bytes per second per session. Zero disables it.
	BandwidthLimit int64
	// AllowedOrigins restricts browser clients. Empty accepts any origin.
	AllowedOrigins []string
}

// Server relays negotiation frames, binary chunks and JSON envelopes between
// the participants of a session connected over WebSocket.
type Server struct {
	hub      *hub
	limiter  *bandwidthLimiter
	upgrader websocket.Upgrader
	sessions Sessions
	observer Observer
	logger   zerolog.Logger
}

func NewServer(cfg Config, sessions Sessions, observer Observer, logger zerolog.Logger) *Server {
	if observer == nil {
		observer = nopObserver{}
	}
	s := &Server{
		hub:      newHub(),
		limiter:  newBandwidthLimiter(cfg.BandwidthLimit, 0),
		sessions: sessions,
		observer: observer,
		logger:   logger.With().Str("component", "relay").Logger(),
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     checkOrigin(cfg.AllowedOrigins),
	}
	return s
}

func checkOrigin(allowed []string) func(*http.Request) bool {
	if len(allowed) == 0 {
		return func(*http.Request) bool { return true }
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		for _, a := range allowed {
			if strings.EqualFold(a, origin) {
				return true
			}
		}
		return false
	}
}

// ServeHTTP upgrades /relay?session_id=..&peer_id=.. and serves the client
// until it disconnects.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	sessionID := strings.TrimSpace(r.URL.Query().Get("session_id"))
	peerID := strings.TrimSpace(r.URL.Query().Get("peer_id"))
	if sessionID == "" || peerID == "" {
		http.Error(w, "session_id and peer_id are required", http.StatusBadRequest)
		return
	}
	if s.sessions != nil {
		if err := s.sessions.Authorize(r.Context(), sessionID, peerID); err != nil {
			s.logger.Debug().Err(err).Str("session_id", sessionID).Str("peer_id", peerID).Msg("relay connection refused")
			http.Error(w, err.Error(), http.StatusForbidden)
			return
		}
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	c := &client{
		id:     strings.ToLower(ulid.Make().String()),
		key:    peerKey{sessionID: sessionID, peerID: peerID},
		conn:   conn,
		send:   make(chan []byte, sendBuffer),
		done:   make(chan struct{}),
		ctx:    ctx,
		cancel: cancel,
	}
	s.hub.register(c)
	log := s.logger.With().Str("conn_id", c.id).Str("session_id", sessionID).Str("peer_id", peerID).Logger()
	log.Info().Int("active", s.hub.count()).Msg("relay client connected")

	go s.writePump(c, log)
	s.readPump(c, log)

	s.hub.unregister(c)
	if s.hub.sessionCount(sessionID) == 0 {
		s.limiter.forget(sessionID)
	}
	log.Info().Int("active", s.hub.count()).Msg("relay client disconnected")
}

// ActiveConnections counts connected relay clients.
func (s *Server) ActiveConnections() int {
	return s.hub.count()
}

// Release disconnects every relay client of sessionID.
func (s *Server) Release(_ context.Context, sessionID string) error {
	if n := s.hub.closeSession(sessionID); n > 0 {
		s.logger.Info().Str("session_id", sessionID).Int("clients", n).Msg("relay session released")
	}
	s.limiter.forget(sessionID)
	return nil
}

// Stop disconnects every client.
func (s *Server) Stop() {
	s.hub.stop()
}

func (s *Server) readPump(c *client, log zerolog.Logger) {
	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		mt, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Debug().Err(err).Msg("relay read ended")
			}
			return
		}
		if mt != websocket.TextMessage && mt != websocket.BinaryMessage {
			continue
		}
		s.observer.RelayBytes("in", len(data))

		msg, err := protocol.Decode(data)
		if err != nil {
			s.reply(c, protocol.ErrorMessage{Code: CodeBadMessage, Message: err.Error()})
			continue
		}
		if err := msg.Validate(); err != nil {
			s.reply(c, protocol.ErrorMessage{Code: CodeBadMessage, Message: err.Error()})
			continue
		}
		s.observer.SignalingMessage(msg.MessageType())
		s.route(c, msg)
	}
}

func (s *Server) writePump(c *client, log zerolog.Logger) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	defer c.close()

	for {
		select {
		case <-c.done:
			return
		case frame := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				log.Debug().Err(err).Msg("relay write failed")
				return
			}
			s.observer.RelayBytes("out", len(frame))
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// route delivers msg to the peer it names. peer_id on an inbound frame is
// the destination; it is rewritten to the sender before delivery.
func (s *Server) route(c *client, msg protocol.Message) {
	from := c.key.peerID
	switch m := msg.(type) {
	case protocol.Keepalive:
		if s.sessions != nil {
			ctx, cancel := context.WithTimeout(context.Background(), touchTimeout)
			if err := s.sessions.Touch(ctx, c.key.sessionID, from); err != nil {
				s.logger.Debug().Err(err).Str("session_id", c.key.sessionID).Msg("keepalive touch failed")
			}
			cancel()
		}
	case protocol.RequestBinaryProxy:
		if !s.sameSession(c, m.SessionID) {
			return
		}
		if s.hub.get(m.SessionID, m.PeerID) == nil {
			s.reply(c, protocol.ErrorMessage{Code: CodePeerUnavailable, Message: "peer " + m.PeerID + " is not connected"})
			return
		}
		s.reply(c, protocol.ProxyAccepted{SessionID: m.SessionID, PeerID: m.PeerID})
	case protocol.BinaryChunk:
		if !s.sameSession(c, m.SessionID) {
			return
		}
		// Waiting here stops reading from the sender, which pushes back on it
		// through the socket instead of dropping the chunk.
		ctx, cancel := context.WithTimeout(c.ctx, forwardWait)
		err := s.limiter.wait(ctx, m.SessionID, len(m.Data))
		cancel()
		if err != nil {
			s.reply(c, protocol.ErrorMessage{Code: CodeBandwidthExceeded, Message: fmt.Sprintf("chunk %d dropped: relay bandwidth limit reached", m.Sequence)})
			return
		}
		to := m.PeerID
		m.PeerID = from
		s.forward(c, to, m)
	case protocol.JSONEnvelope:
		if !s.sameSession(c, m.SessionID) {
			return
		}
		to := m.PeerID
		m.PeerID = from
		s.forward(c, to, m)
	case protocol.ConnectionRequest:
		if !s.sameSession(c, m.SessionID) {
			return
		}
		to := m.PeerID
		m.PeerID = from
		s.forward(c, to, m)
	case protocol.ConnectionResponse:
		if !s.sameSession(c, m.SessionID) {
			return
		}
		to := m.PeerID
		m.PeerID = from
		s.forward(c, to, m)
	default:
		s.reply(c, protocol.ErrorMessage{Code: CodeUnexpected, Message: string(msg.MessageType()) + " is not accepted by the relay"})
	}
}

func (s *Server) sameSession(c *client, sessionID string) bool {
	if sessionID == c.key.sessionID {
		return true
	}
	s.reply(c, protocol.ErrorMessage{Code: CodeSessionMismatch, Message: "frame addressed to another session"})
	return false
}

func (s *Server) forward(c *client, to string, msg protocol.Message) {
	frame, err := protocol.Encode(msg)
	if err != nil {
		s.reply(c, protocol.ErrorMessage{Code: CodeBadMessage, Message: err.Error()})
		return
	}
	ctx, cancel := context.WithTimeout(c.ctx, forwardWait)
	defer cancel()
	err = s.hub.sendTo(ctx, c.key.sessionID, to, frame)
	switch {
	case errors.Is(err, ErrPeerNotFound):
		s.reply(c, protocol.ErrorMessage{Code: CodePeerUnavailable, Message: "peer " + to + " is not connected"})
	case errors.Is(err, ErrPeerBusy):
		s.reply(c, protocol.ErrorMessage{Code: CodePeerBusy, Message: "peer " + to + " is not draining"})
	}
}

func (s *Server) reply(c *client, msg protocol.Message) {
	frame, err := protocol.Encode(msg)
	if err != nil {
		s.logger.Error().Err(err).Msg("encode relay reply")
		return
	}
	if !c.trySend(frame) {
		s.logger.Debug().Str("conn_id", c.id).Msg("relay reply dropped")
	}
}

// client is one relay WebSocket connection.
type client struct {
	id        string
	key       peerKey
	conn      *websocket.Conn
	send      chan []byte
	done      chan struct{}
	closeOnce sync.Once

	// ctx ends when the connection closes.
	ctx    context.Context
	cancel context.CancelFunc
}

func (c *client) trySend(frame []byte) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.send <- frame:
		return true
	default:
		return false
	}
}

// sendContext queues frame, waiting for buffer space until ctx ends.
func (c *client) sendContext(ctx context.Context, frame []byte) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.send <- frame:
		return true
	case <-c.done:
		return false
	case <-ctx.Done():
		return false
	}
}

func (c *client) close() {
	c.closeOnce.Do(func() {
		c.cancel()
		close(c.done)
		_ = c.conn.Close()
	})
}
