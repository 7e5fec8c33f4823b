/******************************************************************************
 *
 *  Description :
 *
 *    Handling of a single client session: parsing inbound requests and
 *    queueing outbound messages. Identity arrives pre-verified from the
 *    transport layer; the session performs no authentication.
 *
 *****************************************************************************/

package main

import (
	"encoding/json"
	"time"

	"github.com/gorilla/websocket"

	"github.com/ratatosk/pubsub/server/logs"
)

// Max outbound queue size before the session is considered stuck.
const sendQueueLimit = 128

// Session holds one client connection.
type Session struct {
	// Session id.
	sid string

	// Verified identifier of the connected actor.
	uid string

	// Websocket connection, nil for internal sessions used in tests.
	ws *websocket.Conn

	// Outbound messages, buffered. The write loop drains it.
	send chan interface{}

	// Channel to shut down the write loop, buffered.
	stop chan interface{}

	// Time of the last inbound packet.
	lastAction time.Time
}

// queueOut attempts to send a ServerComMessage to the session. Skips the
// message if the send buffer has no room instead of blocking a node.
func (s *Session) queueOut(msg *ServerComMessage) bool {
	if s == nil {
		return true
	}
	if len(s.send) >= sendQueueLimit {
		logs.Err.Println("session: outbound queue full", s.sid)
		return false
	}
	select {
	case s.send <- msg:
	default:
		return false
	}
	return true
}

// dispatchRaw parses one raw packet and routes it.
func (s *Session) dispatchRaw(raw []byte) {
	var msg ClientComMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		logs.Warn.Println("session: malformed packet", s.sid, err)
		s.queueOut(ErrMalformed("", "", time.Now().UTC().Round(time.Millisecond)))
		return
	}

	s.dispatch(&msg)
}

// dispatch forwards one parsed request to the hub. Messages carrying no
// recognized action are dropped without a response: unhandled extension
// actions must not break the session.
func (s *Session) dispatch(msg *ClientComMessage) {
	s.lastAction = time.Now().UTC().Round(time.Millisecond)
	msg.timestamp = s.lastAction
	msg.from = s.uid

	if !msg.denormalize() {
		logs.Warn.Println("session: unknown action ignored", s.sid)
		return
	}

	statsInc("IncomingMessagesTotal", 1)
	globals.hub.req <- &nodeRequest{msg: msg, sess: s}
}

// cleanUp removes the session from the session store.
func (s *Session) cleanUp() {
	globals.sessionStore.Delete(s)
}
