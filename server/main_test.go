/******************************************************************************
 *
 *  Description :
 *
 *    Shared test harness: an in-memory archive store, a live hub, and
 *    internal sessions whose outbound queues the tests read directly.
 *
 *****************************************************************************/

package main

import (
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/ratatosk/pubsub/server/store"
	"github.com/ratatosk/pubsub/server/store/types"
)

var testInitOnce sync.Once

func intPtr(v int) *int    { return &v }
func boolPtr(v bool) *bool { return &v }

// testInit opens the shared in-memory store and hub. Tests keep out of
// each other's way by using distinct node ids.
func testInit(t *testing.T) {
	t.Helper()
	testInitOnce.Do(func() {
		conf := json.RawMessage(`{
			"uid_key": "la6YsO+bNX/+XIkOqc5Svw==",
			"use_adapter": "badgerdb",
			"adapters": {"badgerdb": {"in_memory": true}}
		}`)
		if err := store.Store.Open(1, conf); err != nil {
			t.Fatal("failed to open archive store:", err)
		}
		globals.sessionStore = NewSessionStore()
		globals.hub = newHub()
	})
	globals.autocreateOnPublish = true
	globals.related = func(actor, owner string) bool { return false }
}

func newTestSession(uid string) *Session {
	return globals.sessionStore.NewSession(nil, uid)
}

// nextCtrl waits for the next control response, skipping events.
func nextCtrl(t *testing.T, s *Session) *MsgServerCtrl {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case out := <-s.send:
			if msg := out.(*ServerComMessage); msg.Ctrl != nil {
				return msg.Ctrl
			}
		case <-deadline:
			t.Fatal("timed out waiting for a ctrl response")
			return nil
		}
	}
}

// nextEvent waits for the next notification event, skipping controls.
func nextEvent(t *testing.T, s *Session) *MsgServerEvent {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case out := <-s.send:
			if msg := out.(*ServerComMessage); msg.Evt != nil {
				return msg.Evt
			}
		case <-deadline:
			t.Fatal("timed out waiting for an event")
			return nil
		}
	}
}

// noOutput asserts nothing reaches the session within the window.
func noOutput(t *testing.T, s *Session) {
	t.Helper()
	select {
	case out := <-s.send:
		t.Fatalf("unexpected message: %+v", out)
	case <-time.After(150 * time.Millisecond):
	}
}

func wantCode(t *testing.T, ctrl *MsgServerCtrl, code int) {
	t.Helper()
	if ctrl.Code != code {
		t.Fatalf("response code = %d (%s); want %d", ctrl.Code, ctrl.Text, code)
	}
}

// mustCreate creates a node and fails the test if the service refuses.
func mustCreate(t *testing.T, s *Session, node string, cfg *types.NodeConfig) {
	t.Helper()
	s.dispatch(&ClientComMessage{Create: &MsgClientCreate{Node: node, Config: cfg}})
	wantCode(t, nextCtrl(t, s), 201)
}

// mustPublish publishes a payload and returns the assigned item id.
func mustPublish(t *testing.T, s *Session, node, payload string) string {
	t.Helper()
	s.dispatch(&ClientComMessage{Pub: &MsgClientPub{
		Node:    node,
		Payload: json.RawMessage(payload),
	}})
	ctrl := nextCtrl(t, s)
	wantCode(t, ctrl, 201)
	return ctrl.Params.(map[string]string)["item_id"]
}

// mustSubscribe subscribes the session's own actor and returns the
// resulting subscription state.
func mustSubscribe(t *testing.T, s *Session, node string) types.SubState {
	t.Helper()
	s.dispatch(&ClientComMessage{Sub: &MsgClientSub{Node: node}})
	ctrl := nextCtrl(t, s)
	wantCode(t, ctrl, 200)
	return ctrl.Params.(map[string]interface{})["state"].(types.SubState)
}
