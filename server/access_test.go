package main

import (
	"testing"

	"github.com/ratatosk/pubsub/server/store/types"
)

func accessNode(access types.AccessModel, publish types.PublishModel) *types.Node {
	n := &types.Node{
		Id:    "news",
		Owner: "owner@example.com",
		Config: types.NodeConfig{
			AccessModel:  access,
			PublishModel: publish,
		},
		Affiliations: map[string]types.Affiliation{
			"owner@example.com":     types.AffOwner,
			"publisher@example.com": types.AffPublisher,
			"member@example.com":    types.AffMember,
			"outcast@example.com":   types.AffOutcast,
		},
	}
	n.SetSub(&types.Subscription{
		Node: "news", User: "sub@example.com", Target: "sub@example.com",
		State: types.SubSubscribed,
	})
	// The outcast holds a subscription from before the ban.
	n.SetSub(&types.Subscription{
		Node: "news", User: "outcast@example.com", Target: "outcast@example.com",
		State: types.SubSubscribed,
	})
	return n
}

func TestAllowed(t *testing.T) {
	cases := []struct {
		name    string
		access  types.AccessModel
		publish types.PublishModel
		action  string
		actor   string
		related bool
		want    bool
	}{
		// The owner passes every gate on its own node.
		{"owner publish", types.AccessWhitelist, types.PublishPublishers, actPublish, "owner@example.com", false, true},
		{"owner configure", types.AccessWhitelist, types.PublishPublishers, actConfigure, "owner@example.com", false, true},
		{"owner delete", types.AccessWhitelist, types.PublishPublishers, actDelete, "owner@example.com", false, true},

		// The outcast passes none, subscription or not.
		{"outcast subscribe", types.AccessOpen, types.PublishOpen, actSubscribe, "outcast@example.com", false, false},
		{"outcast publish", types.AccessOpen, types.PublishOpen, actPublish, "outcast@example.com", false, false},
		{"outcast retrieve", types.AccessOpen, types.PublishOpen, actRetrieve, "outcast@example.com", false, false},
		{"outcast related", types.AccessPresence, types.PublishOpen, actSubscribe, "outcast@example.com", true, false},

		// Publish models.
		{"open publish stranger", types.AccessOpen, types.PublishOpen, actPublish, "anyone@example.com", false, true},
		{"publishers model stranger", types.AccessOpen, types.PublishPublishers, actPublish, "anyone@example.com", false, false},
		{"publishers model member", types.AccessOpen, types.PublishPublishers, actPublish, "member@example.com", false, false},
		{"publishers model publisher", types.AccessOpen, types.PublishPublishers, actPublish, "publisher@example.com", false, true},
		{"subscribers model subscriber", types.AccessOpen, types.PublishSubscribers, actPublish, "sub@example.com", false, true},
		{"subscribers model stranger", types.AccessOpen, types.PublishSubscribers, actPublish, "anyone@example.com", false, false},
		{"subscribers model publisher", types.AccessOpen, types.PublishSubscribers, actPublish, "publisher@example.com", false, true},

		// Retract needs the publisher affiliation; being subscribed is
		// not enough even under the subscribers publish model.
		{"retract publisher", types.AccessOpen, types.PublishSubscribers, actRetract, "publisher@example.com", false, true},
		{"retract subscriber", types.AccessOpen, types.PublishSubscribers, actRetract, "sub@example.com", false, false},

		// Subscribe per access model.
		{"open subscribe stranger", types.AccessOpen, types.PublishPublishers, actSubscribe, "anyone@example.com", false, true},
		{"authorize subscribe stranger", types.AccessAuthorize, types.PublishPublishers, actSubscribe, "anyone@example.com", false, true},
		{"whitelist subscribe stranger", types.AccessWhitelist, types.PublishPublishers, actSubscribe, "anyone@example.com", false, false},
		{"whitelist subscribe member", types.AccessWhitelist, types.PublishPublishers, actSubscribe, "member@example.com", false, true},
		{"presence subscribe unrelated", types.AccessPresence, types.PublishPublishers, actSubscribe, "anyone@example.com", false, false},
		{"presence subscribe related", types.AccessPresence, types.PublishPublishers, actSubscribe, "anyone@example.com", true, true},
		{"roster subscribe related", types.AccessRoster, types.PublishPublishers, actSubscribe, "anyone@example.com", true, true},

		// Retrieve per access model.
		{"open retrieve stranger", types.AccessOpen, types.PublishPublishers, actRetrieve, "anyone@example.com", false, true},
		{"whitelist retrieve stranger", types.AccessWhitelist, types.PublishPublishers, actRetrieve, "anyone@example.com", false, false},
		{"whitelist retrieve member", types.AccessWhitelist, types.PublishPublishers, actRetrieve, "member@example.com", false, true},
		{"authorize retrieve subscriber", types.AccessAuthorize, types.PublishPublishers, actRetrieve, "sub@example.com", false, true},
		{"authorize retrieve stranger", types.AccessAuthorize, types.PublishPublishers, actRetrieve, "anyone@example.com", false, false},
		{"presence retrieve related", types.AccessPresence, types.PublishPublishers, actRetrieve, "anyone@example.com", true, true},

		// Configuration reads open up at publisher; writes stay with the
		// owner, as do affiliations, approvals, purge and delete.
		{"get config publisher", types.AccessOpen, types.PublishPublishers, actGetConfigure, "publisher@example.com", false, true},
		{"get config member", types.AccessOpen, types.PublishPublishers, actGetConfigure, "member@example.com", false, false},
		{"configure publisher", types.AccessOpen, types.PublishPublishers, actConfigure, "publisher@example.com", false, false},
		{"affiliation publisher", types.AccessOpen, types.PublishPublishers, actAffiliation, "publisher@example.com", false, false},
		{"approve publisher", types.AccessOpen, types.PublishPublishers, actApprove, "publisher@example.com", false, false},
		{"purge publisher", types.AccessOpen, types.PublishPublishers, actPurge, "publisher@example.com", false, false},
		{"delete publisher", types.AccessOpen, types.PublishPublishers, actDelete, "publisher@example.com", false, false},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			n := accessNode(tc.access, tc.publish)
			if got := allowed(tc.action, n, tc.actor, tc.related); got != tc.want {
				t.Errorf("allowed(%s, %s, related=%v) = %v; want %v",
					tc.action, tc.actor, tc.related, got, tc.want)
			}
		})
	}
}

func TestSubscribeState(t *testing.T) {
	n := accessNode(types.AccessAuthorize, types.PublishPublishers)
	if got := subscribeState(n, "anyone@example.com"); got != types.SubPending {
		t.Errorf("stranger under authorize: state = %v; want pending", got)
	}
	if got := subscribeState(n, "member@example.com"); got != types.SubSubscribed {
		t.Errorf("member under authorize: state = %v; want subscribed", got)
	}

	n = accessNode(types.AccessOpen, types.PublishPublishers)
	if got := subscribeState(n, "anyone@example.com"); got != types.SubSubscribed {
		t.Errorf("stranger under open: state = %v; want subscribed", got)
	}
}
