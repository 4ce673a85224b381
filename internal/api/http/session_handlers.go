package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"math"
	"net/http"
	"time"

	"github.com/google/uuid"

	appCollab "github.com/multiedit/multiedit/internal/application/collab"
	appSession "github.com/multiedit/multiedit/internal/application/session"
	domainSession "github.com/multiedit/multiedit/internal/domain/session"
)

type createSessionRequest struct {
	HostID     string          `json:"host_id"`
	Metadata   json.RawMessage `json:"metadata,omitempty"`
	TTLSeconds int64           `json:"ttl_seconds,omitempty"`
}

// maxTTLSeconds keeps ttl_seconds representable as a time.Duration.
const maxTTLSeconds = math.MaxInt64 / int64(time.Second)

type sessionResponse struct {
	*domainSession.Session
	TTLSeconds int64     `json:"ttlSeconds"`
	ExpiresAt  time.Time `json:"expiresAt"`
}

func newSessionResponse(sess *domainSession.Session) sessionResponse {
	return sessionResponse{
		Session:    sess,
		TTLSeconds: int64(sess.TTL / time.Second),
		ExpiresAt:  sess.ExpiresAt(),
	}
}

func (s *Server) createSession(w http.ResponseWriter, r *http.Request) {
	var req createSessionRequest
	if err := decodeBody(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "INVALID_PARAM", err.Error())
		return
	}
	if req.TTLSeconds < 0 || req.TTLSeconds > maxTTLSeconds {
		respondError(w, http.StatusBadRequest, "INVALID_PARAM", "ttl_seconds out of range")
		return
	}

	sess, err := s.sessionSvc.Create(r.Context(), appSession.CreateInput{
		HostID:   req.HostID,
		Metadata: req.Metadata,
		TTL:      time.Duration(req.TTLSeconds) * time.Second,
	})
	if err != nil {
		s.respondServiceError(w, err)
		return
	}
	doc, err := s.openDocument(r.Context(), sess.ID)
	if err != nil {
		s.respondServiceError(w, err)
		return
	}
	s.publish(r.Context(), sess.ID, doc.Join(sess.HostID))
	respondJSON(w, http.StatusCreated, newSessionResponse(sess))
}

func (s *Server) listSessions(w http.ResponseWriter, r *http.Request) {
	limit, offset := parseLimitOffset(r, 50, 500)
	sessions, err := s.sessionSvc.List(r.Context(), limit, offset)
	if err != nil {
		s.respondServiceError(w, err)
		return
	}
	out := make([]sessionResponse, 0, len(sessions))
	for _, sess := range sessions {
		out = append(out, newSessionResponse(sess))
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"sessions": out,
		"limit":    limit,
		"offset":   offset,
	})
}

func (s *Server) getSession(w http.ResponseWriter, r *http.Request) {
	sessionID, err := parseUUIDParam(r, "sessionId")
	if err != nil {
		respondError(w, http.StatusBadRequest, "INVALID_PARAM", "invalid sessionId")
		return
	}
	sess, err := s.sessionSvc.Get(r.Context(), sessionID)
	if err != nil {
		s.respondServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, newSessionResponse(sess))
}

func (s *Server) closeSession(w http.ResponseWriter, r *http.Request) {
	sessionID, err := parseUUIDParam(r, "sessionId")
	if err != nil {
		respondError(w, http.StatusBadRequest, "INVALID_PARAM", "invalid sessionId")
		return
	}
	if err := s.sessionSvc.Close(r.Context(), sessionID, domainSession.CloseClosed); err != nil {
		s.respondServiceError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type joinSessionRequest struct {
	PeerID string `json:"peer_id"`
	Role   string `json:"role"`
}

func (s *Server) joinSession(w http.ResponseWriter, r *http.Request) {
	sessionID, err := parseUUIDParam(r, "sessionId")
	if err != nil {
		respondError(w, http.StatusBadRequest, "INVALID_PARAM", "invalid sessionId")
		return
	}
	var req joinSessionRequest
	if err := decodeBody(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "INVALID_PARAM", err.Error())
		return
	}
	role := domainSession.Role(req.Role)
	if req.Role == "" {
		role = domainSession.RoleEditor
	}
	sess, err := s.sessionSvc.Join(r.Context(), sessionID, req.PeerID, role)
	if err != nil {
		s.respondServiceError(w, err)
		return
	}
	doc, err := s.openDocument(r.Context(), sessionID)
	if err != nil {
		s.respondServiceError(w, err)
		return
	}
	s.publish(r.Context(), sessionID, doc.Join(req.PeerID))
	respondJSON(w, http.StatusOK, newSessionResponse(sess))
}

func (s *Server) leaveSession(w http.ResponseWriter, r *http.Request) {
	p := peerFromContext(r.Context())
	sessionID, _ := parseUUIDParam(r, "sessionId")
	if doc, ok := s.collabSvc.Document(sessionID); ok {
		if u, removed := doc.Leave(p.Participant.PeerID); removed {
			s.publish(r.Context(), sessionID, u)
		}
	}
	closed, err := s.sessionSvc.Leave(r.Context(), sessionID, p.Participant.PeerID)
	if err != nil {
		s.respondServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{"closed": closed})
}

func (s *Server) heartbeat(w http.ResponseWriter, r *http.Request) {
	p := peerFromContext(r.Context())
	sessionID, _ := parseUUIDParam(r, "sessionId")
	if err := s.sessionSvc.Touch(r.Context(), sessionID, p.Participant.PeerID); err != nil {
		s.respondServiceError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type documentResponse struct {
	SessionID    string   `json:"session_id"`
	Text         string   `json:"text"`
	Length       int      `json:"length"`
	Participants []string `json:"participants"`
	Pending      int      `json:"pending"`
}

func (s *Server) getDocument(w http.ResponseWriter, r *http.Request) {
	sessionID, _ := parseUUIDParam(r, "sessionId")
	doc, err := s.openDocument(r.Context(), sessionID)
	if err != nil {
		s.respondServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, documentResponse{
		SessionID:    sessionID.String(),
		Text:         doc.Text(),
		Length:       doc.Len(),
		Participants: doc.Participants(),
		Pending:      doc.Pending(),
	})
}

// applyOp integrates an update produced by a client replica and fans it out.
func (s *Server) applyOp(w http.ResponseWriter, r *http.Request) {
	sessionID, _ := parseUUIDParam(r, "sessionId")
	payload, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		respondError(w, http.StatusBadRequest, "INVALID_PARAM", err.Error())
		return
	}
	var u appCollab.Update
	if err := json.Unmarshal(payload, &u); err != nil {
		respondError(w, http.StatusBadRequest, "INVALID_PARAM", err.Error())
		return
	}
	if _, err := s.openDocument(r.Context(), sessionID); err != nil {
		s.respondServiceError(w, err)
		return
	}
	if err := s.collabSvc.ApplyRemote(sessionID, payload); err != nil {
		if errors.Is(err, appCollab.ErrTooManyPending) {
			respondError(w, http.StatusTooManyRequests, "BACKPRESSURE", err.Error())
			return
		}
		respondError(w, http.StatusUnprocessableEntity, "INVALID_OP", err.Error())
		return
	}
	s.publish(r.Context(), sessionID, u)
	w.WriteHeader(http.StatusAccepted)
}

func (s *Server) connectionRequest(w http.ResponseWriter, r *http.Request) {
	p := peerFromContext(r.Context())
	sessionID, _ := parseUUIDParam(r, "sessionId")
	req, err := s.collabSvc.ConnectionRequest(r.Context(), sessionID, p.Participant.PeerID)
	if err != nil {
		if errors.Is(err, appCollab.ErrNoPublicAddress) {
			respondError(w, http.StatusNotImplemented, "NOT_CONFIGURED", err.Error())
			return
		}
		respondError(w, http.StatusBadGateway, "DISCOVERY_FAILED", err.Error())
		return
	}
	respondJSON(w, http.StatusOK, req)
}

// openDocument opens the replica of a live session. The session cannot be
// closed, and its document released, while Open runs.
func (s *Server) openDocument(ctx context.Context, sessionID uuid.UUID) (*appCollab.Document, error) {
	var doc *appCollab.Document
	err := s.sessionSvc.WithLive(ctx, sessionID, func(*domainSession.Session) error {
		var err error
		doc, err = s.collabSvc.Open(ctx, sessionID)
		return err
	})
	return doc, err
}

func (s *Server) publish(ctx context.Context, sessionID uuid.UUID, u appCollab.Update) {
	if err := s.collabSvc.Publish(ctx, sessionID, u); err != nil {
		s.logger.Warn().Err(err).Str("session_id", sessionID.String()).Msg("publish update failed")
	}
}
