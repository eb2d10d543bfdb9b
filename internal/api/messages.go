package api

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/seantiz/mercury/internal/dispatch"
	"github.com/seantiz/mercury/internal/model"
)

const (
	maxBodySize = 1 << 20 // 1 MB

	// senderHeader lets a caller name itself in the dispatch sender.
	senderHeader = "X-Mercury-Sender"
)

// statusByCode maps request-level failure kinds to HTTP statuses. Flight
// outcomes such as a detection timeout are not request errors; they travel
// in the envelope with 200.
var statusByCode = map[string]int{
	model.KindName(model.ErrValidation):         http.StatusBadRequest,
	model.KindName(model.ErrUnknownMessageType): http.StatusBadRequest,
	model.KindName(model.ErrNotFound):           http.StatusNotFound,
	model.KindName(model.ErrRateLimited):        http.StatusTooManyRequests,
	"InternalError":                             http.StatusInternalServerError,
}

func statusFor(resp dispatch.Response) int {
	if resp.Success {
		return http.StatusOK
	}
	if status, ok := statusByCode[resp.Code]; ok {
		return status
	}
	return http.StatusOK
}

// handleMessage dispatches one {type, payload} message and writes the
// response envelope.
func (s *Server) handleMessage(w http.ResponseWriter, r *http.Request) {
	var msg dispatch.Message
	r.Body = http.MaxBytesReader(w, r.Body, maxBodySize)
	if err := json.NewDecoder(r.Body).Decode(&msg); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if msg.Type == "" {
		s.writeError(w, http.StatusBadRequest, "type is required")
		return
	}

	if s.dispatcher.Handles(msg.Type) {
		labelMessage(r, msg.Type)
	} else {
		labelMessage(r, msgUnknown)
	}
	s.disableWriteDeadline(w)
	resp := s.dispatcher.Dispatch(r.Context(), msg, s.sender(r))
	s.writeJSON(w, statusFor(resp), resp)
}

// dispatchREST runs msgType through the dispatcher on behalf of a REST
// route and writes the handler's data, or an error with the mapped status.
func (s *Server) dispatchREST(w http.ResponseWriter, r *http.Request, msgType string, payload any) {
	raw, err := json.Marshal(payload)
	if err != nil {
		s.logger.Error("encode dispatch payload", "type", msgType, "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to encode request")
		return
	}
	labelMessage(r, msgType)
	resp := s.dispatcher.Dispatch(r.Context(), dispatch.Message{Type: msgType, Payload: raw}, s.sender(r))
	if !resp.Success {
		status := statusFor(resp)
		if status == http.StatusOK {
			status = http.StatusBadGateway
		}
		s.writeError(w, status, resp.Error)
		return
	}
	s.writeJSON(w, http.StatusOK, resp.Data)
}

func (s *Server) sender(r *http.Request) dispatch.Sender {
	return dispatch.Sender{
		ID:     r.Header.Get(senderHeader),
		Origin: r.Header.Get("Origin"),
		Remote: r.RemoteAddr,
	}
}

// writeJSON writes a JSON response with the given status code.
func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("encode response", "error", err)
	}
}

// writeError writes a JSON error response.
func (s *Server) writeError(w http.ResponseWriter, status int, message string) {
	s.writeJSON(w, status, map[string]string{"error": message})
}

// parseIntQuery parses an integer query parameter with a default value.
func parseIntQuery(r *http.Request, key string, defaultVal int) int {
	s := r.URL.Query().Get(key)
	if s == "" {
		return defaultVal
	}
	v, err := strconv.Atoi(s)
	if err != nil {
		return defaultVal
	}
	return v
}
