package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/antoniostano/genflow/internal/pipeline"
	"github.com/antoniostano/genflow/internal/queue"
	"github.com/antoniostano/genflow/internal/service"
)

type generateRequest struct {
	Query          string         `json:"query"`
	Inputs         map[string]any `json:"inputs,omitempty"`
	User           string         `json:"user"`
	ConversationID string         `json:"conversation_id,omitempty"`
	Mode           string         `json:"mode,omitempty"`
	InvokeFrom     string         `json:"invoke_from,omitempty"`
	Model          string         `json:"model,omitempty"`
	ResponseMode   string         `json:"response_mode,omitempty"`
}

func (req generateRequest) toService(stream bool) service.GenerateRequest {
	return service.GenerateRequest{
		Query:          req.Query,
		Inputs:         req.Inputs,
		User:           req.User,
		ConversationID: req.ConversationID,
		Mode:           queue.AppMode(strings.TrimSpace(req.Mode)),
		InvokeFrom:     queue.InvokeFrom(strings.TrimSpace(req.InvokeFrom)),
		Model:          req.Model,
		Stream:         stream,
	}
}

func (s *Server) handleCompletions(w http.ResponseWriter, r *http.Request) {
	var req generateRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}

	streaming := strings.EqualFold(strings.TrimSpace(req.ResponseMode), "streaming")
	launched, err := s.svc.Launch(r.Context(), req.toService(streaming))
	if err != nil {
		if errors.Is(err, service.ErrValidation) {
			respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
			return
		}
		respondError(w, http.StatusInternalServerError, "internal_server_error", err.Error())
		return
	}

	if streaming {
		s.streamSSE(w, r, launched)
		return
	}

	resp, err := launched.Pipeline.RunBlocking(r.Context())
	if err != nil {
		var perr *pipeline.Error
		if errors.As(err, &perr) {
			respondJSON(w, perr.Info.Status, errorBody{
				Code:    perr.Info.Code,
				Status:  perr.Info.Status,
				Message: perr.Info.Message,
			})
			return
		}
		respondError(w, http.StatusInternalServerError, "internal_server_error", err.Error())
		return
	}
	respondJSON(w, http.StatusOK, resp)
}

// streamSSE writes one `data:` frame per pipeline chunk and closes after the
// terminal frame.
func (s *Server) streamSSE(w http.ResponseWriter, r *http.Request, launched *service.Launched) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		respondError(w, http.StatusInternalServerError, "streaming_unsupported", "response writer cannot stream")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	for chunk := range launched.Pipeline.RunStream(r.Context()) {
		payload, err := json.Marshal(chunk)
		if err != nil {
			s.logger.Error("encode stream chunk failed",
				"task_id", launched.Task.ID, "error", err)
			continue
		}
		if _, err := w.Write([]byte("data: ")); err != nil {
			return
		}
		if _, err := w.Write(payload); err != nil {
			return
		}
		if _, err := w.Write([]byte("\n\n")); err != nil {
			return
		}
		flusher.Flush()
	}
}

type stopRequest struct {
	User       string `json:"user"`
	InvokeFrom string `json:"invoke_from,omitempty"`
}

func (s *Server) handleStopTask(w http.ResponseWriter, r *http.Request) {
	taskID := strings.TrimSpace(chi.URLParam(r, "id"))
	if taskID == "" {
		respondError(w, http.StatusBadRequest, "invalid_request", "missing task id")
		return
	}

	var req stopRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}

	from := queue.InvokeFrom(strings.TrimSpace(req.InvokeFrom))
	if from == "" {
		from = queue.InvokeFromServiceAPI
	}

	if err := s.svc.Stop(r.Context(), taskID, from, req.User); err != nil {
		if errors.Is(err, service.ErrValidation) {
			respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
			return
		}
		respondError(w, http.StatusInternalServerError, "internal_server_error", err.Error())
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"result": "success"})
}
