package server

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/julienschmidt/httprouter"

	"github.com/deepnoodle-ai/drawbridge/session"
	"github.com/deepnoodle-ai/drawbridge/slogger"
)

const writeTimeout = 10 * time.Second

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	// The HTTP API is open to all origins; the socket follows suit.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// handleWebSocket upgrades the connection, subscribes it to the
// session, and runs the read and write pumps. The write pump drains the
// subscriber's bounded queue; the read pump routes inbound update
// messages through the engine's version gate.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	id := ps.ByName("id")

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written the error response.
		s.logger.Warn("websocket upgrade failed", "session_id", id, "error", err)
		return
	}

	sub, err := s.manager.Subscribe(id)
	if err != nil {
		s.logger.Error("subscribe failed", "session_id", id, "error", err)
		conn.Close()
		return
	}
	logger := s.logger.With("session_id", id, "subscriber_id", sub.ID())
	logger.Info("subscriber connected")

	go s.writePump(conn, sub, logger)
	s.readPump(conn, id, sub, logger)
}

func (s *Server) writePump(conn *websocket.Conn, sub *session.Subscriber, logger slogger.Logger) {
	for {
		select {
		case msg := <-sub.Messages():
			conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := conn.WriteJSON(msg); err != nil {
				logger.Warn("websocket write failed", "error", err)
				conn.Close()
				return
			}
		case <-sub.Done():
			conn.WriteControl(
				websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(time.Second),
			)
			conn.Close()
			return
		}
	}
}

func (s *Server) readPump(conn *websocket.Conn, id string, sub *session.Subscriber, logger slogger.Logger) {
	defer func() {
		s.manager.Unsubscribe(id, sub)
		conn.Close()
		logger.Info("subscriber disconnected")
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				logger.Warn("websocket read failed", "error", err)
			}
			return
		}
		var update session.ClientUpdate
		if err := json.Unmarshal(data, &update); err != nil {
			logger.Warn("ignoring malformed client message", "error", err)
			continue
		}
		if update.Type != "update" {
			logger.Warn("ignoring unknown client message", "type", update.Type)
			continue
		}
		if err := s.manager.HandleUpdate(id, sub, update); err != nil {
			logger.Warn("update rejected", "error", err)
		}
	}
}
