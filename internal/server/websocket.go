package server

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/michaelbrown/sandcastle/internal/sandbox"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true // the service is expected to sit behind an authenticating proxy
	},
}

// handleWebSocket answers each text message, one ExecutionRequest, with
// exactly one ExecutionResult. Messages on a connection run in order.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}
	defer conn.Close()
	if s.cfg.MaxBodyBytes > 0 {
		conn.SetReadLimit(s.cfg.MaxBodyBytes)
	}

	// Read loop
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.logger.Debug().Err(err).Msg("websocket read ended")
			}
			return
		}

		start := time.Now()
		var req sandbox.ExecutionRequest
		if err := json.Unmarshal(data, &req); err != nil {
			s.wsWriteJSON(conn, sandbox.FailureResult(decodeError(err), time.Since(start)))
			continue
		}

		result, err := s.engine.Exec(r.Context(), req)
		if err != nil {
			s.logger.Warn().Err(err).Str("kind", sandbox.KindOf(err).String()).Msg("execution failed")
		}
		if result == nil {
			result = sandbox.FailureResult(err, time.Since(start))
		}
		s.wsWriteJSON(conn, result)
	}
}

func (s *Server) wsWriteJSON(conn *websocket.Conn, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		s.logger.Error().Err(err).Msg("websocket marshal error")
		return
	}
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		s.logger.Warn().Err(err).Msg("websocket write error")
	}
}
