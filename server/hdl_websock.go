/******************************************************************************
 *
 *  Description :
 *
 *    Handler of websocket connections.
 *
 *****************************************************************************/

package main

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/ratatosk/pubsub/server/logs"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 55 * time.Second

	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// Identity arrives pre-verified; origin checks belong to the
	// deployment's proxy layer.
	CheckOrigin: func(r *http.Request) bool { return true },
}

func (s *Session) closeWS() {
	if s.ws != nil {
		s.ws.Close()
	}
}

func (s *Session) readLoop() {
	defer func() {
		s.closeWS()
		s.cleanUp()
	}()

	s.ws.SetReadLimit(globals.maxMessageSize)
	s.ws.SetReadDeadline(time.Now().Add(pongWait))
	s.ws.SetPongHandler(func(string) error {
		s.ws.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		// Read a ClientComMessage.
		_, raw, err := s.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway,
				websocket.CloseAbnormalClosure, websocket.CloseNormalClosure) {
				logs.Err.Println("ws: readLoop", s.sid, err)
			}
			return
		}
		s.dispatchRaw(raw)
	}
}

func (s *Session) sendMessage(msg interface{}) bool {
	data, err := json.Marshal(msg)
	if err != nil {
		logs.Err.Println("ws: serialize", s.sid, err)
		return false
	}
	if err := wsWrite(s.ws, websocket.TextMessage, data); err != nil {
		if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway,
			websocket.CloseAbnormalClosure, websocket.CloseNormalClosure) {
			logs.Err.Println("ws: writeLoop", s.sid, err)
		}
		return false
	}
	return true
}

func (s *Session) writeLoop() {
	ticker := time.NewTicker(pingPeriod)

	defer func() {
		ticker.Stop()
		// Break readLoop.
		s.closeWS()
	}()

	for {
		select {
		case msg, ok := <-s.send:
			if !ok {
				// Channel closed.
				return
			}
			if !s.sendMessage(msg) {
				return
			}

		case msg := <-s.stop:
			// Shutdown requested, don't care if the message is delivered.
			if msg != nil {
				if data, err := json.Marshal(msg); err == nil {
					wsWrite(s.ws, websocket.TextMessage, data)
				}
			}
			return

		case <-ticker.C:
			if err := wsWrite(s.ws, websocket.PingMessage, nil); err != nil {
				if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway,
					websocket.CloseAbnormalClosure, websocket.CloseNormalClosure) {
					logs.Err.Println("ws: writeLoop ping", s.sid, err)
				}
				return
			}
		}
	}
}

// Writes a message with timeout.
func wsWrite(ws *websocket.Conn, mt int, msg []byte) error {
	ws.SetWriteDeadline(time.Now().Add(writeWait))
	return ws.WriteMessage(mt, msg)
}

// serveWebSocket upgrades the connection and starts the session loops.
// The connected actor's identifier is taken from the 'user' query
// parameter; the deployment's auth layer is responsible for having
// verified it.
func serveWebSocket(wrt http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		wrt.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	uid := req.URL.Query().Get("user")
	if uid == "" {
		wrt.WriteHeader(http.StatusBadRequest)
		return
	}

	ws, err := upgrader.Upgrade(wrt, req, nil)
	if err != nil {
		logs.Err.Println("ws: failed to upgrade", err)
		return
	}

	sess := globals.sessionStore.NewSession(ws, uid)
	logs.Info.Println("ws: session started", sess.sid, uid)

	// Do work in goroutines to return from serveWebSocket() to release
	// file pointers. Otherwise "too many open files" will happen.
	go sess.readLoop()
	go sess.writeLoop()
}
