package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/coder/websocket"

	"github.com/voicelinehq/voiceline/internal/session"
	"github.com/voicelinehq/voiceline/internal/stream"
)

// wsConn adapts a coder/websocket connection to the stream transport.
type wsConn struct {
	conn *websocket.Conn
}

var _ stream.Conn = (*wsConn)(nil)

func (w *wsConn) ReadMessage(ctx context.Context) (stream.MessageKind, []byte, error) {
	typ, data, err := w.conn.Read(ctx)
	if err != nil {
		return 0, nil, err
	}
	if typ == websocket.MessageBinary {
		return stream.KindBinary, data, nil
	}
	return stream.KindText, data, nil
}

func (w *wsConn) WriteJSON(ctx context.Context, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return w.conn.Write(ctx, websocket.MessageText, data)
}

// handleStream upgrades to a WebSocket and hands the connection to the call
// orchestrator. Without a session store there is nothing to stream against.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	sessionID := r.PathValue("id")

	if s.deps.Sessions == nil {
		s.storeUnavailable(w)
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		// The demo page may be served from a different host than the API.
		InsecureSkipVerify: true,
	})
	if err != nil {
		slog.Warn("websocket accept failed", "session_id", sessionID, "error", err)
		return
	}

	err = s.deps.Orchestrator.HandleConn(r.Context(), &wsConn{conn: conn}, sessionID)
	switch {
	case err == nil:
		conn.Close(websocket.StatusNormalClosure, "call ended")
	case errors.Is(err, session.ErrNotFound):
		conn.Close(websocket.StatusPolicyViolation, "invalid session")
	default:
		slog.Warn("stream ended with error", "session_id", sessionID, "error", err)
		conn.Close(websocket.StatusInternalError, "stream error")
	}
}
