package httpserver

import (
	"net/http"

	"github.com/lloydreamr/co-sleep-app-sub000/internal/turnrest"
)

// iceServer mirrors the RTCIceServer dictionary browsers feed into
// RTCPeerConnection.
type iceServer struct {
	URLs       []string `json:"urls"`
	Username   string   `json:"username,omitempty"`
	Credential string   `json:"credential,omitempty"`
}

type iceResponse struct {
	ICEServers []iceServer `json:"iceServers"`
	TTLSeconds int64       `json:"ttl,omitempty"`
}

// handleICE serves the STUN/TURN configuration clients need before
// negotiating. When TURN REST is configured, each response carries fresh
// ephemeral credentials scoped to the requested participant id (or a random
// one for pre-connection requests).
func (s *Server) handleICE(w http.ResponseWriter, r *http.Request) {
	resp := iceResponse{ICEServers: []iceServer{}}

	if len(s.cfg.STUNURLs) > 0 {
		resp.ICEServers = append(resp.ICEServers, iceServer{URLs: s.cfg.STUNURLs})
	}

	if len(s.cfg.TURNURLs) > 0 {
		turn := iceServer{URLs: s.cfg.TURNURLs}
		if s.turn != nil {
			creds, err := s.turnCredentials(r.URL.Query().Get("participantId"))
			if err != nil {
				WriteJSON(w, http.StatusInternalServerError, map[string]any{"error": "failed to mint turn credentials"})
				return
			}
			turn.Username = creds.Username
			turn.Credential = creds.Credential
			resp.TTLSeconds = s.cfg.TURNRESTTTLSeconds
		}
		resp.ICEServers = append(resp.ICEServers, turn)
	}

	WriteJSON(w, http.StatusOK, resp)
}

func (s *Server) turnCredentials(participantID string) (turnrest.Credentials, error) {
	if participantID != "" {
		return s.turn.ForParticipant(participantID)
	}
	return s.turn.Anonymous()
}
