// ABOUTME: Handlers for the messaging endpoint and the health check
// ABOUTME: Decodes activities, dispatches the turn, writes invoke responses

package server

import (
	"encoding/json"
	"io"
	"net/http"

	"github.com/parleybot/parley/internal/channel"
)

// maxActivitySize bounds the inbound request body. Channel activities are
// small; anything larger is not one.
const maxActivitySize = 1 << 20

// handleMessages processes one inbound activity. The turn runs to completion
// within the request: message turns hold the request open while the reply
// streams, and invoke turns carry their result in the response body.
func (s *Server) handleMessages(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, `{"error":"method not allowed"}`, http.StatusMethodNotAllowed)
		return
	}

	var activity channel.Activity
	if err := json.NewDecoder(io.LimitReader(r.Body, maxActivitySize)).Decode(&activity); err != nil {
		s.logger.Warn("unparseable activity", "error", err)
		http.Error(w, `{"error":"malformed activity"}`, http.StatusBadRequest)
		return
	}

	ir, err := s.dispatcher.Dispatch(r.Context(), &activity)
	if err != nil {
		// The dispatcher already told the user what it could; the channel
		// only needs a status. Invoke failures still carry a response.
		if ir == nil {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
	}

	if ir != nil {
		writeInvokeResponse(w, ir)
		return
	}
	w.WriteHeader(http.StatusOK)
}

// writeInvokeResponse maps an invoke result onto the HTTP response: the
// invoke status becomes the HTTP status, the body is JSON when present.
func writeInvokeResponse(w http.ResponseWriter, ir *channel.InvokeResponse) {
	if ir.Body == nil {
		w.WriteHeader(ir.Status)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(ir.Status)
	_ = json.NewEncoder(w).Encode(ir.Body)
}

// handleHealth reports liveness. Never touches the dispatcher, so a stuck
// turn cannot block it.
func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(`{"status":"ok"}`))
}
