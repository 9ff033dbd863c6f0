package httpapi

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/antoniostano/genflow/internal/service"
)

const (
	wsWriteTimeout   = 10 * time.Second
	wsReadTimeout    = 120 * time.Second
	wsMaxMessageSize = 2 << 20
)

// wsError mirrors the HTTP error envelope so a client can share decoding
// logic across transports.
type wsError struct {
	Event string    `json:"event"`
	Error errorBody `json:"error"`
}

// handleCompletionsWS upgrades the connection and treats the first text
// message as the generation request. Every pipeline chunk is written back as
// one JSON message, ending with the terminal chunk.
func (s *Server) handleCompletionsWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	conn.SetReadLimit(wsMaxMessageSize)
	_ = conn.SetReadDeadline(time.Now().Add(wsReadTimeout))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(wsReadTimeout))
	})

	var req generateRequest
	if err := conn.ReadJSON(&req); err != nil {
		s.writeWSError(conn, http.StatusBadRequest, "invalid_request", "first message must be a generation request")
		return
	}

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	launched, err := s.svc.Launch(ctx, req.toService(true))
	if err != nil {
		if errors.Is(err, service.ErrValidation) {
			s.writeWSError(conn, http.StatusBadRequest, "invalid_request", err.Error())
			return
		}
		s.writeWSError(conn, http.StatusInternalServerError, "internal_server_error", err.Error())
		return
	}

	// The reader goroutine only watches for the peer closing the socket.
	go func() {
		defer cancel()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
			_ = conn.SetReadDeadline(time.Now().Add(wsReadTimeout))
		}
	}()

	for chunk := range launched.Pipeline.RunStream(ctx) {
		_ = conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
		if err := conn.WriteJSON(chunk); err != nil {
			s.logger.Debug("websocket write failed",
				"task_id", launched.Task.ID, "error", err)
			return
		}
	}

	_ = conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
	_ = conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
}

func (s *Server) writeWSError(conn *websocket.Conn, status int, code, message string) {
	_ = conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
	_ = conn.WriteJSON(wsError{
		Event: "error",
		Error: errorBody{Code: code, Status: status, Message: message},
	})
}
