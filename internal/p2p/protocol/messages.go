package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// MessageType is the "type" discriminator carried by every negotiation message.
type MessageType string

const (
	TypeConnectionRequest  MessageType = "connection_request"
	TypeConnectionResponse MessageType = "connection_response"
	TypeKeepalive          MessageType = "keepalive"
	TypeRequestBinaryProxy MessageType = "request_binary_proxy"
	TypeBinaryChunk        MessageType = "binary_chunk"
	TypeProxyAccepted      MessageType = "proxy_accepted"
	TypeJSONEnvelope       MessageType = "json_envelope"
	TypeError              MessageType = "error"
)

var ErrUnknownMessage = errors.New("protocol: unknown message type")

// Message is one negotiation or relay frame.
type Message interface {
	MessageType() MessageType
	Validate() error
}

// IceCandidate is an opaque NAT traversal candidate exchanged during negotiation.
type IceCandidate struct {
	Candidate     string `json:"candidate"`
	SDPMid        string `json:"sdp_mid"`
	SDPMLineIndex uint16 `json:"sdp_m_line_index"`
}

type ConnectionRequest struct {
	SessionID  string `json:"session_id"`
	PeerID     string `json:"peer_id"`
	PublicIP   string `json:"public_ip"`
	PublicPort uint16 `json:"public_port"`
}

type ConnectionResponse struct {
	SessionID     string         `json:"session_id"`
	PeerID        string         `json:"peer_id"`
	PublicIP      string         `json:"public_ip"`
	PublicPort    uint16         `json:"public_port"`
	IceCandidates []IceCandidate `json:"ice_candidates"`
}

// Keepalive holds a punched NAT mapping open.
type Keepalive struct {
	PeerID string `json:"peer_id"`
}

type RequestBinaryProxy struct {
	SessionID string `json:"session_id"`
	PeerID    string `json:"peer_id"`
}

// BinaryChunk carries raw bytes through the relay. Data is base64 on the wire.
type BinaryChunk struct {
	SessionID string `json:"session_id"`
	PeerID    string `json:"peer_id"`
	Data      []byte `json:"data"`
	Sequence  uint64 `json:"sequence"`
}

// ProxyAccepted acknowledges a RequestBinaryProxy.
type ProxyAccepted struct {
	SessionID string `json:"session_id"`
	PeerID    string `json:"peer_id"`
}

// JSONEnvelope wraps an application payload sent over the signaling channel.
type JSONEnvelope struct {
	SessionID string          `json:"session_id"`
	PeerID    string          `json:"peer_id"`
	Payload   json.RawMessage `json:"payload"`
}

type ErrorMessage struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (ConnectionRequest) MessageType() MessageType  { return TypeConnectionRequest }
func (ConnectionResponse) MessageType() MessageType { return TypeConnectionResponse }
func (Keepalive) MessageType() MessageType          { return TypeKeepalive }
func (RequestBinaryProxy) MessageType() MessageType { return TypeRequestBinaryProxy }
func (BinaryChunk) MessageType() MessageType        { return TypeBinaryChunk }
func (ProxyAccepted) MessageType() MessageType      { return TypeProxyAccepted }
func (JSONEnvelope) MessageType() MessageType       { return TypeJSONEnvelope }
func (ErrorMessage) MessageType() MessageType       { return TypeError }

func (m ConnectionRequest) Validate() error {
	return requireIDs(m.SessionID, m.PeerID)
}

func (m ConnectionResponse) Validate() error {
	if err := requireIDs(m.SessionID, m.PeerID); err != nil {
		return err
	}
	for i, c := range m.IceCandidates {
		if strings.TrimSpace(c.Candidate) == "" {
			return fmt.Errorf("ice_candidates[%d]: candidate is required", i)
		}
	}
	return nil
}

func (m Keepalive) Validate() error {
	if strings.TrimSpace(m.PeerID) == "" {
		return errors.New("peer_id is required")
	}
	return nil
}

func (m RequestBinaryProxy) Validate() error { return requireIDs(m.SessionID, m.PeerID) }
func (m ProxyAccepted) Validate() error      { return requireIDs(m.SessionID, m.PeerID) }

func (m BinaryChunk) Validate() error {
	if err := requireIDs(m.SessionID, m.PeerID); err != nil {
		return err
	}
	if len(m.Data) == 0 {
		return errors.New("data is required")
	}
	return nil
}

func (m JSONEnvelope) Validate() error {
	if err := requireIDs(m.SessionID, m.PeerID); err != nil {
		return err
	}
	if len(m.Payload) == 0 {
		return errors.New("payload is required")
	}
	return nil
}

func (m ErrorMessage) Validate() error {
	if strings.TrimSpace(m.Code) == "" {
		return errors.New("code is required")
	}
	return nil
}

func requireIDs(sessionID, peerID string) error {
	if strings.TrimSpace(sessionID) == "" {
		return errors.New("session_id is required")
	}
	if strings.TrimSpace(peerID) == "" {
		return errors.New("peer_id is required")
	}
	return nil
}

// Encode writes m with its "type" field first.
func Encode(m Message) ([]byte, error) {
	body, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", m.MessageType(), err)
	}
	typ, err := json.Marshal(m.MessageType())
	if err != nil {
		return nil, err
	}
	out := make([]byte, 0, len(body)+len(typ)+9)
	out = append(out, `{"type":`...)
	out = append(out, typ...)
	if len(body) > 2 {
		out = append(out, ',')
		out = append(out, body[1:]...)
	} else {
		out = append(out, '}')
	}
	return out, nil
}

// Decode reads any message produced by Encode.
func Decode(data []byte) (Message, error) {
	var head struct {
		Type MessageType `json:"type"`
	}
	if err := json.Unmarshal(data, &head); err != nil {
		return nil, fmt.Errorf("decode message: %w", err)
	}
	var (
		msg Message
		err error
	)
	switch head.Type {
	case TypeConnectionRequest:
		msg, err = decodeAs[ConnectionRequest](data)
	case TypeConnectionResponse:
		msg, err = decodeAs[ConnectionResponse](data)
	case TypeKeepalive:
		msg, err = decodeAs[Keepalive](data)
	case TypeRequestBinaryProxy:
		msg, err = decodeAs[RequestBinaryProxy](data)
	case TypeBinaryChunk:
		msg, err = decodeAs[BinaryChunk](data)
	case TypeProxyAccepted:
		msg, err = decodeAs[ProxyAccepted](data)
	case TypeJSONEnvelope:
		msg, err = decodeAs[JSONEnvelope](data)
	case TypeError:
		msg, err = decodeAs[ErrorMessage](data)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownMessage, head.Type)
	}
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", head.Type, err)
	}
	return msg, nil
}

func decodeAs[T Message](data []byte) (Message, error) {
	var out T
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, err
	}
	return out, nil
}
