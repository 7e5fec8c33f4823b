/******************************************************************************
 *
 *  Description :
 *
 *    Session management: keeps track of live sessions, indexed by
 *    session id and by connected actor for notification fan-out.
 *
 *****************************************************************************/

package main

import (
	"encoding/base64"
	"math/rand"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// SessionStore holds live sessions.
type SessionStore struct {
	lock sync.RWMutex

	// All sessions indexed by session ID.
	sessCache map[string]*Session

	// Sessions indexed by actor identifier. One actor may hold
	// multiple concurrent sessions.
	byUser map[string][]*Session
}

// NewSession creates a new session and saves it to the store.
func (ss *SessionStore) NewSession(conn *websocket.Conn, uid string) *Session {
	s := &Session{
		sid:        randomSid(),
		uid:        uid,
		ws:         conn,
		send:       make(chan interface{}, sendQueueLimit+32),
		stop:       make(chan interface{}, 1),
		lastAction: time.Now().UTC().Round(time.Millisecond),
	}

	ss.lock.Lock()
	ss.sessCache[s.sid] = s
	ss.byUser[uid] = append(ss.byUser[uid], s)
	count := len(ss.sessCache)
	ss.lock.Unlock()

	statsSet("LiveSessions", int64(count))
	statsInc("TotalSessions", 1)
	return s
}

// Get fetches a session by id.
func (ss *SessionStore) Get(sid string) *Session {
	ss.lock.RLock()
	defer ss.lock.RUnlock()
	return ss.sessCache[sid]
}

// Delete removes a session from the store.
func (ss *SessionStore) Delete(s *Session) {
	ss.lock.Lock()
	delete(ss.sessCache, s.sid)
	sessions := ss.byUser[s.uid]
	for i, sess := range sessions {
		if sess == s {
			sessions[i] = sessions[len(sessions)-1]
			sessions = sessions[:len(sessions)-1]
			break
		}
	}
	if len(sessions) == 0 {
		delete(ss.byUser, s.uid)
	} else {
		ss.byUser[s.uid] = sessions
	}
	count := len(ss.sessCache)
	ss.lock.Unlock()

	statsSet("LiveSessions", int64(count))
}

// sessionsForUser returns a snapshot of the actor's live sessions.
func (ss *SessionStore) sessionsForUser(uid string) []*Session {
	ss.lock.RLock()
	defer ss.lock.RUnlock()
	if len(ss.byUser[uid]) == 0 {
		return nil
	}
	out := make([]*Session, len(ss.byUser[uid]))
	copy(out, ss.byUser[uid])
	return out
}

// Shutdown terminates sessionStore. No need to clean up, the server is
// about to exit.
func (ss *SessionStore) Shutdown() {
	ss.lock.Lock()
	defer ss.lock.Unlock()

	shutdown := NoErr("", "", time.Now().UTC().Round(time.Millisecond))
	for _, s := range ss.sessCache {
		if s.stop != nil {
			s.stop <- shutdown
		}
	}
}

// NewSessionStore initializes a session store.
func NewSessionStore() *SessionStore {
	return &SessionStore{
		sessCache: make(map[string]*Session),
		byUser:    make(map[string][]*Session),
	}
}

func randomSid() string {
	buf := make([]byte, 12)
	rand.Read(buf)
	return base64.URLEncoding.EncodeToString(buf)
}
