package relay

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/multiedit/multiedit/internal/p2p/negotiator"
	"github.com/multiedit/multiedit/internal/p2p/protocol"
)

var _ negotiator.Channel = (*Client)(nil)

var (
	ErrClosed        = errors.New("relay: connection closed")
	ErrProxyRejected = errors.New("relay: binary proxy rejected")
	// ErrChunkDropped reports that the relay discarded a chunk of the binary
	// stream. The stream cannot continue until the proxy is requested again.
	ErrChunkDropped = errors.New("relay: chunk dropped")
)

// Client is one participant's connection to a relay Server. It carries the
// binary proxy and the JSON fallback paths of a negotiated connection.
type Client struct {
	conn      *websocket.Conn
	sessionID string
	peerID    string
	logger    zerolog.Logger

	writeMu sync.Mutex
	proxyMu sync.Mutex

	replies   chan protocol.Message
	chunks    chan protocol.BinaryChunk
	envelopes chan protocol.JSONEnvelope
	signals   chan protocol.Message

	done      chan struct{}
	closeOnce sync.Once
	errMu     sync.Mutex
	err       error
	streamErr error
}

// Dial connects to the relay at rawURL as peerID of sessionID.
func Dial(ctx context.Context, rawURL, sessionID, peerID string, logger zerolog.Logger) (*Client, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("parse relay url: %w", err)
	}
	q := u.Query()
	q.Set("session_id", sessionID)
	q.Set("peer_id", peerID)
	u.RawQuery = q.Encode()

	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("dial relay: %w (status %d)", err, resp.StatusCode)
		}
		return nil, fmt.Errorf("dial relay: %w", err)
	}
	conn.SetReadLimit(maxMessageSize)

	c := &Client{
		conn:      conn,
		sessionID: sessionID,
		peerID:    peerID,
		logger:    logger.With().Str("component", "relay_client").Str("session_id", sessionID).Str("peer_id", peerID).Logger(),
		replies:   make(chan protocol.Message, 16),
		chunks:    make(chan protocol.BinaryChunk, sendBuffer),
		envelopes: make(chan protocol.JSONEnvelope, sendBuffer),
		signals:   make(chan protocol.Message, 64),
		done:      make(chan struct{}),
	}
	go c.readLoop()
	return c, nil
}

func (c *Client) SessionID() string { return c.sessionID }
func (c *Client) PeerID() string    { return c.peerID }

// RequestBinaryProxy asks the relay to proxy bytes to peerID and waits for
// the answer.
func (c *Client) RequestBinaryProxy(ctx context.Context, peerID string) error {
	c.proxyMu.Lock()
	defer c.proxyMu.Unlock()

	for drained := false; !drained; {
		select {
		case <-c.replies:
		default:
			drained = true
		}
	}
	if err := c.Send(ctx, protocol.RequestBinaryProxy{SessionID: c.sessionID, PeerID: peerID}); err != nil {
		return err
	}
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-c.done:
			return c.closedErr()
		case msg := <-c.replies:
			switch m := msg.(type) {
			case protocol.ProxyAccepted:
				if m.PeerID == peerID {
					c.setStreamErr(nil)
					return nil
				}
			case protocol.ErrorMessage:
				if !isChunkDrop(m.Code) {
					return fmt.Errorf("%w: %s: %s", ErrProxyRejected, m.Code, m.Message)
				}
			}
		}
	}
}

// Send writes one frame. Session ids are filled in for frames that carry one.
func (c *Client) Send(ctx context.Context, msg protocol.Message) error {
	switch m := msg.(type) {
	case protocol.BinaryChunk:
		if err := c.streamError(); err != nil {
			return err
		}
		m.SessionID = c.sessionID
		msg = m
	case protocol.JSONEnvelope:
		m.SessionID = c.sessionID
		msg = m
	}
	frame, err := protocol.Encode(msg)
	if err != nil {
		return err
	}

	select {
	case <-c.done:
		return c.closedErr()
	default:
	}

	deadline := time.Now().Add(writeWait)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.conn.SetWriteDeadline(deadline)
	if err := c.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
		return fmt.Errorf("relay write: %w", err)
	}
	return nil
}

// ReceiveChunk waits for the next relayed binary chunk.
func (c *Client) ReceiveChunk(ctx context.Context) (protocol.BinaryChunk, error) {
	select {
	case chunk := <-c.chunks:
		return chunk, nil
	case <-ctx.Done():
		return protocol.BinaryChunk{}, ctx.Err()
	case <-c.done:
		return protocol.BinaryChunk{}, c.closedErr()
	}
}

// ReceiveEnvelope waits for the next JSON envelope.
func (c *Client) ReceiveEnvelope(ctx context.Context) (protocol.JSONEnvelope, error) {
	select {
	case env := <-c.envelopes:
		return env, nil
	case <-ctx.Done():
		return protocol.JSONEnvelope{}, ctx.Err()
	case <-c.done:
		return protocol.JSONEnvelope{}, c.closedErr()
	}
}

// Signals delivers connection requests and responses from other peers.
func (c *Client) Signals() <-chan protocol.Message {
	return c.signals
}

// Done is closed once the connection is gone.
func (c *Client) Done() <-chan struct{} {
	return c.done
}

func (c *Client) Close() error {
	c.shutdown(ErrClosed)
	return nil
}

func (c *Client) readLoop() {
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			c.shutdown(fmt.Errorf("%w: %v", ErrClosed, err))
			return
		}
		msg, err := protocol.Decode(data)
		if err != nil {
			c.logger.Warn().Err(err).Msg("undecodable relay frame")
			continue
		}
		switch m := msg.(type) {
		case protocol.BinaryChunk:
			select {
			case c.chunks <- m:
			case <-c.done:
				return
			}
		case protocol.JSONEnvelope:
			select {
			case c.envelopes <- m:
			case <-c.done:
				return
			}
		case protocol.ProxyAccepted, protocol.ErrorMessage:
			if em, ok := m.(protocol.ErrorMessage); ok {
				c.logger.Debug().Str("code", em.Code).Str("message", em.Message).Msg("relay error")
				if isChunkDrop(em.Code) {
					c.setStreamErr(fmt.Errorf("%w: %s: %s", ErrChunkDropped, em.Code, em.Message))
				}
			}
			select {
			case c.replies <- m:
			default:
			}
		default:
			select {
			case c.signals <- m:
			default:
				c.logger.Debug().Str("type", string(m.MessageType())).Msg("signal dropped")
			}
		}
	}
}

func (c *Client) shutdown(err error) {
	c.closeOnce.Do(func() {
		c.errMu.Lock()
		c.err = err
		c.errMu.Unlock()
		close(c.done)
		_ = c.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
		_ = c.conn.Close()
	})
}

// isChunkDrop reports whether code answers a forwarded frame rather than a
// proxy request.
func isChunkDrop(code string) bool {
	return code == CodeBandwidthExceeded || code == CodePeerBusy
}

func (c *Client) setStreamErr(err error) {
	c.errMu.Lock()
	defer c.errMu.Unlock()
	c.streamErr = err
}

func (c *Client) streamError() error {
	c.errMu.Lock()
	defer c.errMu.Unlock()
	return c.streamErr
}

func (c *Client) closedErr() error {
	c.errMu.Lock()
	defer c.errMu.Unlock()
	if c.err == nil {
		return ErrClosed
	}
	return c.err
}
