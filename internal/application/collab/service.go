package collab

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/multiedit/multiedit/internal/crdt"
	"github.com/multiedit/multiedit/internal/domain/document"
	"github.com/multiedit/multiedit/internal/p2p/negotiator"
	"github.com/multiedit/multiedit/internal/p2p/protocol"
)

var (
	ErrDocumentNotOpen = errors.New("document not open")
	ErrNoPublicAddress = errors.New("public address discovery not configured")
)

// Broadcaster fans updates out to other server instances.
type Broadcaster interface {
	Publish(ctx context.Context, sessionID uuid.UUID, payload []byte) error
	Subscribe(ctx context.Context, sessionID uuid.UUID, fn func(payload []byte)) error
}

// AddressDiscoverer finds this host's public address.
type AddressDiscoverer interface {
	PublicAddress(ctx context.Context) (*net.UDPAddr, error)
}

type Config struct {
	// ActorID identifies this replica in every CRDT it edits. Empty picks a
	// fresh id.
	ActorID        string
	DialTimeout    time.Duration
	BandwidthLimit int64
}

// Service holds the open documents and peer connections of each session.
type Service struct {
	cfg       Config
	snapshots document.SnapshotStore
	bus       Broadcaster
	addresses AddressDiscoverer
	observer  negotiator.Observer
	logger    zerolog.Logger
	now       func() time.Time

	mu    sync.Mutex
	docs  map[uuid.UUID]*openDocument
	peers map[uuid.UUID]map[string]*negotiator.Manager
}

type openDocument struct {
	doc    *Document
	cancel context.CancelFunc
}

// Stats counts what the service currently holds.
type Stats struct {
	Documents int `json:"documents"`
	Peers     int `json:"peers"`
}

// NewService creates a collab service. snapshots, bus and addresses are
// optional.
func NewService(
	cfg Config,
	snapshots document.SnapshotStore,
	bus Broadcaster,
	addresses AddressDiscoverer,
	observer negotiator.Observer,
	logger zerolog.Logger,
) *Service {
	if cfg.ActorID == "" {
		cfg.ActorID = crdt.NewActorID()
	}
	return &Service{
		cfg:       cfg,
		snapshots: snapshots,
		bus:       bus,
		addresses: addresses,
		observer:  observer,
		logger:    logger.With().Str("service", "collab").Str("actor_id", cfg.ActorID).Logger(),
		now:       func() time.Time { return time.Now().UTC() },
		docs:      make(map[uuid.UUID]*openDocument),
		peers:     make(map[uuid.UUID]map[string]*negotiator.Manager),
	}
}

// Open returns the session's document, restoring it from its snapshot when
// one exists, and subscribes it to remote updates.
func (s *Service) Open(ctx context.Context, sessionID uuid.UUID) (*Document, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if od, ok := s.docs[sessionID]; ok {
		return od.doc, nil
	}

	doc, err := s.load(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	od := &openDocument{doc: doc, cancel: func() {}}
	if s.bus != nil {
		subCtx, cancel := context.WithCancel(context.Background())
		od.cancel = cancel
		go s.subscribe(subCtx, doc)
	}
	s.docs[sessionID] = od
	s.logger.Info().Str("session_id", sessionID.String()).Msg("document opened")
	return doc, nil
}

func (s *Service) load(ctx context.Context, sessionID uuid.UUID) (*Document, error) {
	if s.snapshots == nil {
		return NewDocument(sessionID, s.cfg.ActorID), nil
	}
	snap, err := s.snapshots.Load(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("load snapshot %s: %w", sessionID, err)
	}
	if snap == nil {
		return NewDocument(sessionID, s.cfg.ActorID), nil
	}
	return RestoreDocument(snap, s.cfg.ActorID)
}

func (s *Service) subscribe(ctx context.Context, doc *Document) {
	err := s.bus.Subscribe(ctx, doc.SessionID(), func(payload []byte) {
		if err := s.applyPayload(doc, payload); err != nil {
			s.logger.Warn().Err(err).Str("session_id", doc.SessionID().String()).Msg("dropping remote update")
		}
	})
	if err != nil && ctx.Err() == nil {
		s.logger.Error().Err(err).Str("session_id", doc.SessionID().String()).Msg("update subscription ended")
	}
}

// Document returns an open document.
func (s *Service) Document(sessionID uuid.UUID) (*Document, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	od, ok := s.docs[sessionID]
	if !ok {
		return nil, false
	}
	return od.doc, true
}

// Publish sends a locally produced update to other instances.
func (s *Service) Publish(ctx context.Context, sessionID uuid.UUID, u Update) error {
	if s.bus == nil {
		return nil
	}
	payload, err := json.Marshal(u)
	if err != nil {
		return err
	}
	return s.bus.Publish(ctx, sessionID, payload)
}

// ApplyRemote integrates an encoded update received from a peer.
func (s *Service) ApplyRemote(sessionID uuid.UUID, payload []byte) error {
	doc, ok := s.Document(sessionID)
	if !ok {
		return ErrDocumentNotOpen
	}
	return s.applyPayload(doc, payload)
}

func (s *Service) applyPayload(doc *Document, payload []byte) error {
	var u Update
	if err := json.Unmarshal(payload, &u); err != nil {
		return fmt.Errorf("decode update: %w", err)
	}
	return doc.Apply(u)
}

// Persist saves the session's document snapshot.
func (s *Service) Persist(ctx context.Context, sessionID uuid.UUID) error {
	if s.snapshots == nil {
		return nil
	}
	doc, ok := s.Document(sessionID)
	if !ok {
		return ErrDocumentNotOpen
	}
	snap, err := doc.Snapshot(s.now())
	if err != nil {
		return err
	}
	return s.snapshots.Save(ctx, snap)
}

// PersistAll saves every open document and returns the first error.
func (s *Service) PersistAll(ctx context.Context) error {
	s.mu.Lock()
	ids := make([]uuid.UUID, 0, len(s.docs))
	for id := range s.docs {
		ids = append(ids, id)
	}
	s.mu.Unlock()

	var first error
	for _, id := range ids {
		if err := s.Persist(ctx, id); err != nil && !errors.Is(err, ErrDocumentNotOpen) {
			s.logger.Warn().Err(err).Str("session_id", id.String()).Msg("persist failed")
			if first == nil {
				first = err
			}
		}
	}
	return first
}

// ConnectInput describes a peer connection to negotiate.
type ConnectInput struct {
	SessionID    uuid.UUID
	LocalPeerID  string
	RemotePeerID string
	PeerAddress  string
	Channel      negotiator.Channel
}

// Connect negotiates a connection to a remote peer and keeps it until the
// session is released. An existing connection to the same peer is replaced.
func (s *Service) Connect(ctx context.Context, in ConnectInput) (*negotiator.Manager, negotiator.P2PConnection) {
	m := negotiator.NewManager(negotiator.Config{
		SessionID:      in.SessionID.String(),
		LocalPeerID:    in.LocalPeerID,
		RemotePeerID:   in.RemotePeerID,
		DialTimeout:    s.cfg.DialTimeout,
		BandwidthLimit: s.cfg.BandwidthLimit,
	}, in.Channel, s.logger, s.observer)
	m.Connect(ctx, in.PeerAddress)

	s.mu.Lock()
	peers, ok := s.peers[in.SessionID]
	if !ok {
		peers = make(map[string]*negotiator.Manager)
		s.peers[in.SessionID] = peers
	}
	old := peers[in.RemotePeerID]
	peers[in.RemotePeerID] = m
	s.mu.Unlock()

	if old != nil {
		_ = old.Close()
	}
	return m, m.Connection()
}

// Peer returns the connection to remotePeerID in a session.
func (s *Service) Peer(sessionID uuid.UUID, remotePeerID string) (*negotiator.Manager, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.peers[sessionID][remotePeerID]
	return m, ok
}

// ConnectionRequest builds the signaling message announcing this host's
// public address to peers.
func (s *Service) ConnectionRequest(ctx context.Context, sessionID uuid.UUID, peerID string) (protocol.ConnectionRequest, error) {
	if s.addresses == nil {
		return protocol.ConnectionRequest{}, ErrNoPublicAddress
	}
	addr, err := s.addresses.PublicAddress(ctx)
	if err != nil {
		return protocol.ConnectionRequest{}, fmt.Errorf("discover public address: %w", err)
	}
	req := protocol.ConnectionRequest{
		SessionID:  sessionID.String(),
		PeerID:     peerID,
		PublicIP:   addr.IP.String(),
		PublicPort: uint16(addr.Port),
	}
	return req, req.Validate()
}

// Release drops the session's document, closes its peer connections and
// deletes its snapshot.
func (s *Service) Release(ctx context.Context, sessionID string) error {
	id, err := uuid.Parse(sessionID)
	if err != nil {
		return fmt.Errorf("release %q: %w", sessionID, err)
	}
	s.mu.Lock()
	od := s.docs[id]
	delete(s.docs, id)
	peers := s.peers[id]
	delete(s.peers, id)
	s.mu.Unlock()

	if od != nil {
		od.cancel()
	}
	for peerID, m := range peers {
		if err := m.Close(); err != nil {
			s.logger.Warn().Err(err).Str("session_id", sessionID).Str("peer_id", peerID).Msg("close peer connection")
		}
	}
	if s.snapshots != nil {
		if err := s.snapshots.Delete(ctx, id); err != nil {
			return fmt.Errorf("delete snapshot %s: %w", id, err)
		}
	}
	s.logger.Debug().Str("session_id", sessionID).Int("peers", len(peers)).Msg("session state released")
	return nil
}

func (s *Service) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := Stats{Documents: len(s.docs)}
	for _, peers := range s.peers {
		st.Peers += len(peers)
	}
	return st
}

// Shutdown persists every document, then closes subscriptions and peer
// connections. Snapshots are kept.
func (s *Service) Shutdown(ctx context.Context) error {
	err := s.PersistAll(ctx)

	s.mu.Lock()
	docs := s.docs
	peers := s.peers
	s.docs = make(map[uuid.UUID]*openDocument)
	s.peers = make(map[uuid.UUID]map[string]*negotiator.Manager)
	s.mu.Unlock()

	for _, od := range docs {
		od.cancel()
	}
	for _, byPeer := range peers {
		for _, m := range byPeer {
			_ = m.Close()
		}
	}
	return err
}
