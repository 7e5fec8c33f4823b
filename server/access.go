/******************************************************************************
 *
 *  Description :
 *
 *    Access control: pure decisions over affiliation, subscription state,
 *    and node access/publish models. Nothing here is cached; every
 *    request is evaluated against current state.
 *
 *****************************************************************************/

package main

import (
	"github.com/ratatosk/pubsub/server/store/types"
)

// Gated actions.
const (
	actSubscribe    = "subscribe"
	actPublish      = "publish"
	actRetract      = "retract"
	actRetrieve     = "retrieve"
	actConfigure    = "configure"
	actGetConfigure = "get_configure"
	actAffiliation  = "set_affiliation"
	actRetrieveSubs = "retrieve_subs"
	actApprove      = "approve"
	actPurge        = "purge"
	actDelete       = "delete"
)

// allowed reports whether the actor may perform the action on the node.
// related is the externally evaluated presence/roster relation between
// the actor and the node owner; it is only consulted for the presence
// and roster access models.
func allowed(action string, node *types.Node, actor string, related bool) bool {
	aff := node.GetAffiliation(actor)

	// Owner may do anything on its node; outcast nothing, regardless of
	// subscription state.
	if aff == types.AffOwner {
		return true
	}
	if aff == types.AffOutcast {
		return false
	}

	switch action {
	case actPublish:
		switch node.Config.PublishModel {
		case types.PublishOpen:
			return true
		case types.PublishSubscribers:
			return node.IsSubscribed(actor) || aff.AtLeast(types.AffPublisher)
		default: // "publishers"
			return aff.AtLeast(types.AffPublisher)
		}

	case actRetract:
		return aff.AtLeast(types.AffPublisher)

	case actSubscribe:
		switch node.Config.AccessModel {
		case types.AccessOpen, types.AccessAuthorize:
			return true
		case types.AccessWhitelist:
			return aff.AtLeast(types.AffMember)
		case types.AccessPresence, types.AccessRoster:
			return related
		}
		return false

	case actRetrieve:
		switch node.Config.AccessModel {
		case types.AccessOpen:
			return true
		case types.AccessWhitelist:
			return aff.AtLeast(types.AffMember)
		case types.AccessPresence, types.AccessRoster:
			return related || aff.AtLeast(types.AffMember)
		case types.AccessAuthorize:
			return node.IsSubscribed(actor) || aff.AtLeast(types.AffMember)
		}
		return false

	case actRetrieveSubs:
		// Anyone not banned may read their own subscriptions; the full
		// list is served only to the owner, which the handler enforces.
		return true

	case actGetConfigure:
		// Publisher-class actors may read the configuration; changing it
		// remains owner-only.
		return aff.AtLeast(types.AffPublisher)

	case actConfigure, actAffiliation, actApprove, actPurge, actDelete:
		// Owner-only, and the owner short-circuit already fired.
		return false
	}

	return false
}

// subscribeState returns the state a new subscription enters once
// allowed(actSubscribe) passed: pending under the authorize model,
// active otherwise. Owners and whitelisted members skip the approval
// queue.
func subscribeState(node *types.Node, actor string) types.SubState {
	if node.Config.AccessModel == types.AccessAuthorize &&
		!node.GetAffiliation(actor).AtLeast(types.AffMember) {
		return types.SubPending
	}
	return types.SubSubscribed
}
