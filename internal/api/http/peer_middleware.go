package httpapi

import (
	"net/http"
	"strings"
)

const peerHeader = "X-Peer-ID"

// requirePeer resolves the calling participant from the X-Peer-ID header.
func (s *Server) requirePeer(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sessionID, err := parseUUIDParam(r, "sessionId")
		if err != nil {
			respondError(w, http.StatusBadRequest, "INVALID_PARAM", "invalid sessionId")
			return
		}
		peerID := strings.TrimSpace(r.Header.Get(peerHeader))
		if peerID == "" {
			respondError(w, http.StatusUnauthorized, "UNAUTHORIZED", "missing "+peerHeader)
			return
		}
		sess, err := s.sessionSvc.Get(r.Context(), sessionID)
		if err != nil {
			s.respondServiceError(w, err)
			return
		}
		participant, ok := sess.Participant(peerID)
		if !ok {
			respondError(w, http.StatusForbidden, "FORBIDDEN", "peer is not a participant")
			return
		}
		ctx := withPeer(r.Context(), &Peer{SessionID: sessionID.String(), Participant: participant})
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (s *Server) requireEditor(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		p := peerFromContext(r.Context())
		if p == nil {
			respondError(w, http.StatusUnauthorized, "UNAUTHORIZED", "missing peer")
			return
		}
		if !p.Participant.Role.CanEdit() {
			respondError(w, http.StatusForbidden, "FORBIDDEN", "insufficient role")
			return
		}
		next.ServeHTTP(w, r)
	})
}
