package types

import (
	"testing"

	"github.com/google/go-cmp/cmp"
)

func intPtr(v int) *int    { return &v }
func boolPtr(v bool) *bool { return &v }

func TestParseAffiliation(t *testing.T) {
	cases := []struct {
		in   string
		want Affiliation
		ok   bool
	}{
		{"owner", AffOwner, true},
		{"publisher", AffPublisher, true},
		{"member", AffMember, true},
		{"none", AffNone, true},
		{"outcast", AffOutcast, true},
		{"admin", AffNone, false},
		{"", AffNone, false},
	}
	for _, tc := range cases {
		got, ok := ParseAffiliation(tc.in)
		if got != tc.want || ok != tc.ok {
			t.Errorf("ParseAffiliation(%q) = %v, %v; want %v, %v", tc.in, got, ok, tc.want, tc.ok)
		}
	}
}

func TestAffiliationAtLeast(t *testing.T) {
	if !AffOwner.AtLeast(AffPublisher) {
		t.Error("owner should satisfy publisher")
	}
	if !AffPublisher.AtLeast(AffPublisher) {
		t.Error("publisher should satisfy publisher")
	}
	if AffMember.AtLeast(AffPublisher) {
		t.Error("member should not satisfy publisher")
	}
	if AffOutcast.AtLeast(AffNone) {
		t.Error("outcast must rank below the absent affiliation")
	}
}

func TestAffiliationText(t *testing.T) {
	for _, aff := range []Affiliation{AffOutcast, AffNone, AffMember, AffPublisher, AffOwner} {
		b, err := aff.MarshalText()
		if err != nil {
			t.Fatalf("MarshalText(%v): %v", aff, err)
		}
		var back Affiliation
		if err = back.UnmarshalText(b); err != nil {
			t.Fatalf("UnmarshalText(%q): %v", b, err)
		}
		if back != aff {
			t.Errorf("round trip %v -> %q -> %v", aff, b, back)
		}
	}

	var aff Affiliation
	if err := aff.UnmarshalText([]byte("banned")); err == nil {
		t.Error("expected failure on unknown affiliation name")
	}
}

func TestNodeConfigValidate(t *testing.T) {
	cases := []struct {
		name string
		cfg  NodeConfig
		ok   bool
	}{
		{"empty", NodeConfig{}, true},
		{"full", NodeConfig{
			AccessModel:      AccessWhitelist,
			PublishModel:     PublishSubscribers,
			NotificationType: "headline",
			MaxItems:         intPtr(10),
		}, true},
		{"bad access model", NodeConfig{AccessModel: "invite-only"}, false},
		{"bad publish model", NodeConfig{PublishModel: "nobody"}, false},
		{"bad notification type", NodeConfig{NotificationType: "digest"}, false},
		{"negative max items", NodeConfig{MaxItems: intPtr(-1)}, false},
		{"zero max items", NodeConfig{MaxItems: intPtr(0)}, true},
	}
	for _, tc := range cases {
		err := tc.cfg.Validate()
		if (err == nil) != tc.ok {
			t.Errorf("%s: Validate() = %v; want ok=%v", tc.name, err, tc.ok)
		}
	}
}

func TestNodeConfigMergeDefaults(t *testing.T) {
	def := &NodeConfig{
		Title:            "untitled",
		MaxItems:         intPtr(100),
		PersistItems:     boolPtr(true),
		AccessModel:      AccessOpen,
		PublishModel:     PublishPublishers,
		NotificationType: "normal",
	}

	submitted := NodeConfig{
		Title:    "news",
		MaxItems: intPtr(0),
	}
	got := submitted.MergeDefaults(def)
	want := NodeConfig{
		Title:            "news",
		MaxItems:         intPtr(0),
		PersistItems:     boolPtr(true),
		AccessModel:      AccessOpen,
		PublishModel:     PublishPublishers,
		NotificationType: "normal",
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("MergeDefaults mismatch (-want +got):\n%s", diff)
	}

	// Defaults must be copied, not aliased.
	*got.PersistItems = false
	if !*def.PersistItems {
		t.Error("merge aliased a pointer field of the defaults")
	}
}

func TestNodeConfigApply(t *testing.T) {
	base := NodeConfig{
		Title:        "news",
		Description:  "daily news",
		MaxItems:     intPtr(10),
		AccessModel:  AccessOpen,
		PublishModel: PublishPublishers,
	}
	got := base.Apply(&NodeConfig{
		Title:    "sports",
		MaxItems: intPtr(2),
	})
	want := NodeConfig{
		Title:        "sports",
		Description:  "daily news",
		MaxItems:     intPtr(2),
		AccessModel:  AccessOpen,
		PublishModel: PublishPublishers,
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("Apply mismatch (-want +got):\n%s", diff)
	}

	if diff := cmp.Diff(base, base.Apply(nil)); diff != "" {
		t.Errorf("Apply(nil) should be identity (-want +got):\n%s", diff)
	}
}

func TestNodeConfigMatchesOverlap(t *testing.T) {
	cfg := NodeConfig{
		Title:        "news",
		MaxItems:     intPtr(10),
		PersistItems: boolPtr(true),
		AccessModel:  AccessOpen,
	}

	cases := []struct {
		name string
		want *NodeConfig
		ok   bool
	}{
		{"nil matches", nil, true},
		{"empty matches", &NodeConfig{}, true},
		{"subset match", &NodeConfig{Title: "news"}, true},
		{"exact pointer match", &NodeConfig{MaxItems: intPtr(10), PersistItems: boolPtr(true)}, true},
		{"title mismatch", &NodeConfig{Title: "sports"}, false},
		{"max items mismatch", &NodeConfig{MaxItems: intPtr(5)}, false},
		{"persist mismatch", &NodeConfig{PersistItems: boolPtr(false)}, false},
		{"access mismatch", &NodeConfig{AccessModel: AccessWhitelist}, false},
		{"unset field in config", &NodeConfig{PublishModel: PublishOpen}, false},
	}
	for _, tc := range cases {
		if got := cfg.MatchesOverlap(tc.want); got != tc.ok {
			t.Errorf("%s: MatchesOverlap = %v; want %v", tc.name, got, tc.ok)
		}
	}
}

func TestNodeConfigDefaultsBehavior(t *testing.T) {
	var cfg NodeConfig
	if !cfg.Persistent() {
		t.Error("nodes must persist items by default")
	}
	if cfg.Bound() != 0 {
		t.Error("absent max_items must mean unbounded")
	}

	cfg.PersistItems = boolPtr(false)
	cfg.MaxItems = intPtr(3)
	if cfg.Persistent() {
		t.Error("explicit persist_items=false ignored")
	}
	if cfg.Bound() != 3 {
		t.Errorf("Bound() = %d; want 3", cfg.Bound())
	}
}

func TestNodeAffiliations(t *testing.T) {
	n := &Node{Id: "news", Owner: "alice"}
	if n.GetAffiliation("bob") != AffNone {
		t.Error("absent record must read as none")
	}

	n.SetAffiliation("alice", AffOwner)
	n.SetAffiliation("bob", AffPublisher)
	n.SetAffiliation("eve", AffOutcast)
	if n.OwnerCount() != 1 {
		t.Errorf("OwnerCount() = %d; want 1", n.OwnerCount())
	}

	// Assigning none removes the record entirely.
	n.SetAffiliation("bob", AffNone)
	if _, ok := n.Affiliations["bob"]; ok {
		t.Error("none affiliation must not be stored")
	}
	if n.GetAffiliation("eve") != AffOutcast {
		t.Error("outcast record lost")
	}
}

func TestNodeSubscriptions(t *testing.T) {
	n := &Node{Id: "news"}
	if n.GetSub("alice", "alice@example.com") != nil {
		t.Error("expected no subscription on a fresh node")
	}

	n.SetSub(&Subscription{Node: "news", User: "alice", Target: "alice@example.com", State: SubSubscribed})
	n.SetSub(&Subscription{Node: "news", User: "alice", Target: "alice@example.com/tablet", State: SubPending})

	if n.GetSub("alice", "alice@example.com") == nil {
		t.Fatal("subscription not stored")
	}
	if !n.IsSubscribed("alice") {
		t.Error("alice holds an active subscription")
	}

	if !n.DelSub("alice", "alice@example.com") {
		t.Error("DelSub of an existing record returned false")
	}
	if n.DelSub("alice", "alice@example.com") {
		t.Error("DelSub of a removed record returned true")
	}
	// Only the pending target remains; pending is not active.
	if n.IsSubscribed("alice") {
		t.Error("a pending subscription must not count as active")
	}

	if n.DelSub("bob", "bob@example.com") {
		t.Error("DelSub for an unknown user returned true")
	}
}

func TestNodeClone(t *testing.T) {
	orig := &Node{
		Id:           "news",
		Owner:        "alice",
		Affiliations: map[string]Affiliation{"alice": AffOwner, "bob": AffMember},
	}
	orig.SetSub(&Subscription{Node: "news", User: "bob", Target: "bob@example.com", State: SubSubscribed})

	dup := orig.Clone()
	dup.SetAffiliation("bob", AffPublisher)
	dup.GetSub("bob", "bob@example.com").State = SubNone
	dup.DelSub("bob", "bob@example.com")

	if orig.GetAffiliation("bob") != AffMember {
		t.Error("clone shares the affiliation map with the original")
	}
	sub := orig.GetSub("bob", "bob@example.com")
	if sub == nil {
		t.Fatal("clone shares the subscription map with the original")
	}
	if sub.State != SubSubscribed {
		t.Error("clone shares subscription records with the original")
	}
}
