package main

import (
	"encoding/json"
	"sync"
	"testing"

	"github.com/ratatosk/pubsub/server/store"
	"github.com/ratatosk/pubsub/server/store/types"
)

func TestCreateExplicitId(t *testing.T) {
	testInit(t)
	alice := newTestSession("alice@example.com")

	alice.dispatch(&ClientComMessage{Create: &MsgClientCreate{
		Node:   "create-news",
		Config: &types.NodeConfig{Title: "news"},
	}})
	ctrl := nextCtrl(t, alice)
	wantCode(t, ctrl, 201)
	if got := ctrl.Params.(map[string]string)["node"]; got != "create-news" {
		t.Errorf("created node id = %q; want create-news", got)
	}

	stored, err := store.Nodes.Get("create-news")
	if err != nil || stored == nil {
		t.Fatal("node not in the registry:", err)
	}
	if stored.Owner != "alice@example.com" {
		t.Errorf("owner = %q; want the creating actor", stored.Owner)
	}
	if stored.GetAffiliation("alice@example.com") != types.AffOwner {
		t.Error("creator did not receive the owner affiliation")
	}
}

func TestCreateAutoId(t *testing.T) {
	testInit(t)
	alice := newTestSession("alice@example.com")

	alice.dispatch(&ClientComMessage{Create: &MsgClientCreate{}})
	ctrl := nextCtrl(t, alice)
	wantCode(t, ctrl, 201)

	id := ctrl.Params.(map[string]string)["node"]
	if id == "" {
		t.Fatal("expected a server-assigned node id")
	}
	if stored, err := store.Nodes.Get(id); err != nil || stored == nil {
		t.Error("auto-assigned node not in the registry:", err)
	}
}

func TestCreateDuplicate(t *testing.T) {
	testInit(t)
	alice := newTestSession("alice@example.com")
	bob := newTestSession("bob@example.com")

	mustCreate(t, alice, "create-dup", nil)

	bob.dispatch(&ClientComMessage{Create: &MsgClientCreate{Node: "create-dup"}})
	wantCode(t, nextCtrl(t, bob), 409)

	// The original node and its owner survive the failed create.
	stored, _ := store.Nodes.Get("create-dup")
	if stored == nil || stored.Owner != "alice@example.com" {
		t.Error("losing create must not disturb the existing node")
	}
}

func TestCreateInvalidConfig(t *testing.T) {
	testInit(t)
	alice := newTestSession("alice@example.com")

	alice.dispatch(&ClientComMessage{Create: &MsgClientCreate{
		Node:   "create-bad",
		Config: &types.NodeConfig{AccessModel: "invite-only"},
	}})
	wantCode(t, nextCtrl(t, alice), 406)

	if stored, _ := store.Nodes.Get("create-bad"); stored != nil {
		t.Error("rejected create must not register a node")
	}
}

func TestNodeIdRequired(t *testing.T) {
	testInit(t)
	alice := newTestSession("alice@example.com")

	alice.dispatch(&ClientComMessage{Items: &MsgClientItems{}})
	wantCode(t, nextCtrl(t, alice), 400)
}

func TestOperationOnMissingNode(t *testing.T) {
	testInit(t)
	alice := newTestSession("alice@example.com")

	alice.dispatch(&ClientComMessage{Sub: &MsgClientSub{Node: "missing-node"}})
	wantCode(t, nextCtrl(t, alice), 404)
}

func TestCreateOnPublish(t *testing.T) {
	testInit(t)
	alice := newTestSession("alice@example.com")

	alice.dispatch(&ClientComMessage{Pub: &MsgClientPub{
		Node:    "autocreate-news",
		Payload: json.RawMessage(`{"headline": "hello"}`),
		Options: &types.NodeConfig{Title: "news", MaxItems: intPtr(5)},
	}})
	ctrl := nextCtrl(t, alice)
	wantCode(t, ctrl, 201)
	if ctrl.Params.(map[string]string)["item_id"] == "" {
		t.Error("publish into a fresh node must assign an item id")
	}

	stored, err := store.Nodes.Get("autocreate-news")
	if err != nil || stored == nil {
		t.Fatal("create-on-publish did not register the node:", err)
	}
	if stored.Owner != "alice@example.com" {
		t.Errorf("owner = %q; want the publishing actor", stored.Owner)
	}
	if stored.Config.Title != "news" || stored.Config.Bound() != 5 {
		t.Errorf("publish options did not become the node config: %+v", stored.Config)
	}
}

func TestCreateOnPublishDisabled(t *testing.T) {
	testInit(t)
	globals.autocreateOnPublish = false
	alice := newTestSession("alice@example.com")

	alice.dispatch(&ClientComMessage{Pub: &MsgClientPub{
		Node:    "autocreate-off",
		Payload: json.RawMessage(`{}`),
	}})
	wantCode(t, nextCtrl(t, alice), 404)

	if stored, _ := store.Nodes.Get("autocreate-off"); stored != nil {
		t.Error("node created while autocreate is disabled")
	}
}

func TestCreateOnPublishRace(t *testing.T) {
	testInit(t)
	alice := newTestSession("alice@example.com")
	bob := newTestSession("bob@example.com")

	// Both publishes race for the same nonexistent node. The hub
	// serializes creation: exactly one wins and the other proceeds
	// against the winner's node.
	opts := &types.NodeConfig{PublishModel: types.PublishOpen}
	var wg sync.WaitGroup
	for _, s := range []*Session{alice, bob} {
		wg.Add(1)
		go func(s *Session) {
			defer wg.Done()
			s.dispatch(&ClientComMessage{Pub: &MsgClientPub{
				Node:    "race-news",
				Payload: json.RawMessage(`{}`),
				Options: opts,
			}})
		}(s)
	}
	wg.Wait()

	actrl := nextCtrl(t, alice)
	bctrl := nextCtrl(t, bob)
	wantCode(t, actrl, 201)
	wantCode(t, bctrl, 201)

	aid := actrl.Params.(map[string]string)["item_id"]
	bid := bctrl.Params.(map[string]string)["item_id"]
	if aid == bid {
		t.Error("racing publishes must receive distinct item ids")
	}

	stored, err := store.Nodes.Get("race-news")
	if err != nil || stored == nil {
		t.Fatal("race left no node behind:", err)
	}
	if stored.Owner != "alice@example.com" && stored.Owner != "bob@example.com" {
		t.Errorf("owner = %q; want one of the racing publishers", stored.Owner)
	}
	if count, _ := store.Items.Count("race-news"); count != 2 {
		t.Errorf("archive holds %d items; want both publishes", count)
	}
}

func TestUnknownActionDropped(t *testing.T) {
	testInit(t)
	alice := newTestSession("alice@example.com")

	// Unrecognized extension actions are dropped without an answer.
	alice.dispatchRaw([]byte(`{"frobnicate": {"node": "x"}}`))
	noOutput(t, alice)

	// Malformed packets do get an answer.
	alice.dispatchRaw([]byte(`{"pub": `))
	wantCode(t, nextCtrl(t, alice), 400)
}
