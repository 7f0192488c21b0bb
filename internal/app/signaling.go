package app

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
)

// Signaler is implemented by gateways that negotiate peer connections from
// externally supplied SDP, such as [conference.PionGateway]. Gateways that
// manage signaling themselves simply don't implement it and the HTTP
// endpoints are not registered.
type Signaler interface {
	HandleOffer(ctx context.Context, peerID, offerSDP string) (string, error)
	AddICECandidate(peerID, candidate string) error
	RemovePeer(peerID string) error
}

type offerRequest struct {
	SDP string `json:"sdp"`
}

type answerResponse struct {
	SDP string `json:"sdp"`
}

type candidateRequest struct {
	Candidate string `json:"candidate"`
}

type errorResponse struct {
	Error string `json:"error"`
}

// registerSignaling mounts the WebRTC signaling endpoints when the gateway
// supports external signaling.
func (a *App) registerSignaling(mux *http.ServeMux) {
	sig, ok := a.gateway.(Signaler)
	if !ok {
		slog.Debug("gateway does not accept external signaling; endpoints not registered")
		return
	}

	mux.HandleFunc("POST /v1/peers/{peer}/offer", func(w http.ResponseWriter, r *http.Request) {
		peerID := r.PathValue("peer")
		var req offerRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.SDP == "" {
			writeError(w, http.StatusBadRequest, "body must be JSON with a non-empty sdp field")
			return
		}

		answer, err := sig.HandleOffer(r.Context(), peerID, req.SDP)
		if err != nil {
			slog.Error("offer negotiation failed", "peer", peerID, "err", err)
			writeError(w, http.StatusUnprocessableEntity, err.Error())
			return
		}
		slog.Info("peer negotiated", "peer", peerID)
		writeSignalingJSON(w, http.StatusOK, answerResponse{SDP: answer})
	})

	mux.HandleFunc("POST /v1/peers/{peer}/candidates", func(w http.ResponseWriter, r *http.Request) {
		peerID := r.PathValue("peer")
		var req candidateRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Candidate == "" {
			writeError(w, http.StatusBadRequest, "body must be JSON with a non-empty candidate field")
			return
		}

		if err := sig.AddICECandidate(peerID, req.Candidate); err != nil {
			writeError(w, http.StatusUnprocessableEntity, err.Error())
			return
		}
		w.WriteHeader(http.StatusNoContent)
	})

	mux.HandleFunc("DELETE /v1/peers/{peer}", func(w http.ResponseWriter, r *http.Request) {
		peerID := r.PathValue("peer")
		if err := sig.RemovePeer(peerID); err != nil {
			writeError(w, http.StatusNotFound, err.Error())
			return
		}
		slog.Info("peer removed", "peer", peerID)
		w.WriteHeader(http.StatusNoContent)
	})
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeSignalingJSON(w, status, errorResponse{Error: msg})
}

func writeSignalingJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Warn("encode signaling response", "err", err)
	}
}
