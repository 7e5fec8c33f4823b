/******************************************************************************
 *
 *  Description :
 *
 *    Per-node runtime. Every live node runs a single goroutine which
 *    processes requests to completion one at a time, keeping affiliation,
 *    subscription and archive mutations serialized. The only suspension
 *    point is the archive call.
 *
 *****************************************************************************/

package main

import (
	"bytes"
	"encoding/json"

	"github.com/ratatosk/pubsub/server/logs"
	"github.com/ratatosk/pubsub/server/notify"
	"github.com/ratatosk/pubsub/server/store"
	"github.com/ratatosk/pubsub/server/store/types"
)

// Node is a live pubsub node.
type Node struct {
	// Durable state: config, affiliations, subscriptions. Only the
	// node's own goroutine touches it.
	data *types.Node

	// Inbound requests routed by the hub, buffered.
	reg chan *nodeRequest

	// Request to shut the node down, unbuffered.
	exit chan chan<- bool

	// Set once the node has been deleted; requests still in flight get
	// a "not found" response.
	killed bool
}

// nodeRequest is one client request addressed to this node.
type nodeRequest struct {
	msg  *ClientComMessage
	sess *Session
}

func newNode(data *types.Node) *Node {
	return &Node{
		data: data,
		reg:  make(chan *nodeRequest, 64),
		exit: make(chan chan<- bool, 1),
	}
}

func (n *Node) run() {
	for {
		select {
		case req := <-n.reg:
			n.dispatch(req)

		case done := <-n.exit:
			// Answer whatever is still queued, then stop.
			for {
				select {
				case req := <-n.reg:
					req.sess.queueOut(ErrNodeNotFound(req.msg.id, req.msg.node, req.msg.timestamp))
					continue
				default:
				}
				break
			}
			done <- true
			return
		}
	}
}

func (n *Node) dispatch(req *nodeRequest) {
	if n.killed {
		req.sess.queueOut(ErrNodeNotFound(req.msg.id, req.msg.node, req.msg.timestamp))
		return
	}

	msg, sess := req.msg, req.sess
	switch {
	case msg.Create != nil:
		// The node already exists: explicit create of a duplicate id.
		sess.queueOut(ErrAlreadyExists(msg.id, msg.node, msg.timestamp))
	case msg.Sub != nil:
		n.handleSubscribe(msg, sess)
	case msg.Unsub != nil:
		n.handleUnsubscribe(msg, sess)
	case msg.Approve != nil:
		n.handleApprove(msg, sess)
	case msg.Pub != nil:
		n.handlePublish(msg, sess)
	case msg.Retract != nil:
		n.handleRetract(msg, sess)
	case msg.Purge != nil:
		n.handlePurge(msg, sess)
	case msg.Config != nil:
		n.handleConfig(msg, sess)
	case msg.Affil != nil:
		n.handleAffil(msg, sess)
	case msg.Subs != nil:
		n.handleSubs(msg, sess)
	case msg.Items != nil:
		n.handleItems(msg, sess)
	case msg.Del != nil:
		n.handleDelete(msg, sess)
	}
}

// persist writes an updated record and swaps it in on success. The
// in-memory state never reflects a write the archive rejected.
func (n *Node) persist(next *types.Node) error {
	if err := store.Nodes.Update(next); err != nil {
		logs.Err.Println("node: persist failed", n.data.Id, err)
		return err
	}
	n.data = next
	return nil
}

func (n *Node) related(actor string) bool {
	return globals.related(actor, n.data.Owner)
}

func (n *Node) handleSubscribe(msg *ClientComMessage, sess *Session) {
	target := msg.Sub.Target
	if target == "" {
		target = msg.from
	}

	if !allowed(actSubscribe, n.data, msg.from, n.related(msg.from)) {
		sess.queueOut(ErrPermissionDenied(msg.id, msg.node, msg.timestamp))
		return
	}

	// Options are checked before anything is touched: a malformed value
	// leaves an existing subscription exactly as it was.
	var opts *types.SubOptions
	if len(msg.Sub.Options) > 0 {
		opts = &types.SubOptions{}
		dec := json.NewDecoder(bytes.NewReader(msg.Sub.Options))
		dec.DisallowUnknownFields()
		if err := dec.Decode(opts); err != nil {
			sess.queueOut(ErrInvalidOptions(msg.id, msg.node, msg.timestamp))
			return
		}
	}

	next := n.data.Clone()
	now := types.TimeNow()
	sub := next.GetSub(msg.from, target)
	if sub == nil {
		sub = &types.Subscription{
			CreatedAt: now,
			Node:      next.Id,
			User:      msg.from,
			Target:    target,
			State:     subscribeState(next, msg.from),
		}
		next.SetSub(sub)
	}
	// Re-subscribing with the same (user, target) updates options
	// in place instead of duplicating.
	if opts != nil {
		sub.Options = *opts
	}
	sub.UpdatedAt = now

	if err := n.persist(next); err != nil {
		sess.queueOut(ErrUnknown(msg.id, msg.node, msg.timestamp))
		return
	}
	sess.queueOut(NoErrParams(msg.id, msg.node, msg.timestamp,
		map[string]interface{}{"state": sub.State, "target": target}))
}

func (n *Node) handleUnsubscribe(msg *ClientComMessage, sess *Session) {
	target := msg.Unsub.Target
	if target == "" {
		target = msg.from
	}

	if n.data.GetSub(msg.from, target) == nil {
		// Expected, recoverable, and idempotent.
		sess.queueOut(ErrNotSubscribed(msg.id, msg.node, msg.timestamp))
		return
	}

	next := n.data.Clone()
	next.DelSub(msg.from, target)
	if err := n.persist(next); err != nil {
		sess.queueOut(ErrUnknown(msg.id, msg.node, msg.timestamp))
		return
	}
	sess.queueOut(NoErr(msg.id, msg.node, msg.timestamp))
}

func (n *Node) handleApprove(msg *ClientComMessage, sess *Session) {
	if !allowed(actApprove, n.data, msg.from, false) {
		sess.queueOut(ErrPermissionDenied(msg.id, msg.node, msg.timestamp))
		return
	}
	if msg.Approve.User == "" {
		sess.queueOut(ErrJidRequired(msg.id, msg.node, msg.timestamp))
		return
	}
	target := msg.Approve.Target
	if target == "" {
		target = msg.Approve.User
	}

	if n.data.GetSub(msg.Approve.User, target) == nil {
		sess.queueOut(ErrNodeNotFound(msg.id, msg.node, msg.timestamp))
		return
	}

	next := n.data.Clone()
	sub := next.GetSub(msg.Approve.User, target)
	if msg.Approve.Allow {
		sub.State = types.SubSubscribed
		sub.UpdatedAt = types.TimeNow()
	} else {
		next.DelSub(msg.Approve.User, target)
	}

	if err := n.persist(next); err != nil {
		sess.queueOut(ErrUnknown(msg.id, msg.node, msg.timestamp))
		return
	}
	sess.queueOut(NoErr(msg.id, msg.node, msg.timestamp))
}

func (n *Node) handlePublish(msg *ClientComMessage, sess *Session) {
	// Publish-time options are a precondition: every key they set must
	// match the node's current configuration exactly.
	if !n.data.Config.MatchesOverlap(msg.Pub.Options) {
		sess.queueOut(ErrPreconditionNotMet(msg.id, msg.node, msg.timestamp))
		return
	}

	if !allowed(actPublish, n.data, msg.from, n.related(msg.from)) {
		sess.queueOut(ErrPermissionDenied(msg.id, msg.node, msg.timestamp))
		return
	}

	itemId := msg.Pub.ItemId
	if itemId == "" {
		itemId = store.Store.ItemId()
		if itemId == "" {
			sess.queueOut(ErrUnknown(msg.id, msg.node, msg.timestamp))
			return
		}
	}

	item := &types.Item{
		Id:        itemId,
		Node:      n.data.Id,
		Publisher: msg.from,
		At:        msg.timestamp,
		Payload:   msg.Pub.Payload,
	}

	if n.data.Config.Persistent() {
		// Append and bounded eviction commit atomically; on failure the
		// archive is untouched and the publish reports an internal error.
		if err := store.Items.Save(item, n.data.Config.Bound()); err != nil {
			logs.Err.Println("node: publish failed", n.data.Id, err)
			sess.queueOut(ErrUnknown(msg.id, msg.node, msg.timestamp))
			return
		}
	}

	statsInc("ItemsPublishedTotal", 1)
	sess.queueOut(NoErrCreated(msg.id, msg.node, msg.timestamp,
		map[string]string{"item_id": itemId}))

	n.broadcast(&MsgServerEvent{
		Node:      n.data.Id,
		What:      notify.ActPublish,
		ItemId:    itemId,
		Payload:   item.Payload,
		Publisher: msg.from,
		Timestamp: item.At,
	})
}

func (n *Node) handleRetract(msg *ClientComMessage, sess *Session) {
	if msg.Retract.ItemId == "" {
		sess.queueOut(ErrMalformed(msg.id, msg.node, msg.timestamp))
		return
	}
	if !allowed(actRetract, n.data, msg.from, false) {
		sess.queueOut(ErrPermissionDenied(msg.id, msg.node, msg.timestamp))
		return
	}

	if err := store.Items.Delete(n.data.Id, msg.Retract.ItemId); err != nil {
		sess.queueOut(decodeStoreError(err, msg.id, msg.node, msg.timestamp))
		return
	}

	sess.queueOut(NoErr(msg.id, msg.node, msg.timestamp))

	if msg.Retract.Notify {
		// Retraction notifications carry no payload.
		n.broadcast(&MsgServerEvent{
			Node:      n.data.Id,
			What:      notify.ActRetract,
			ItemId:    msg.Retract.ItemId,
			Timestamp: msg.timestamp,
		})
	}
}

func (n *Node) handlePurge(msg *ClientComMessage, sess *Session) {
	if !allowed(actPurge, n.data, msg.from, false) {
		sess.queueOut(ErrPermissionDenied(msg.id, msg.node, msg.timestamp))
		return
	}

	if err := store.Items.DeleteAll(n.data.Id); err != nil {
		logs.Err.Println("node: purge failed", n.data.Id, err)
		sess.queueOut(ErrUnknown(msg.id, msg.node, msg.timestamp))
		return
	}

	sess.queueOut(NoErr(msg.id, msg.node, msg.timestamp))

	if msg.Purge.Notify {
		// One notification for the whole purge.
		n.broadcast(&MsgServerEvent{
			Node:      n.data.Id,
			What:      notify.ActPurge,
			Timestamp: msg.timestamp,
		})
	}
}

func (n *Node) handleConfig(msg *ClientComMessage, sess *Session) {
	if msg.Config.Set == nil {
		if !allowed(actGetConfigure, n.data, msg.from, false) {
			sess.queueOut(ErrPermissionDenied(msg.id, msg.node, msg.timestamp))
			return
		}
		sess.queueOut(NoErrParams(msg.id, msg.node, msg.timestamp, n.data.Config))
		return
	}

	if !allowed(actConfigure, n.data, msg.from, false) {
		sess.queueOut(ErrPermissionDenied(msg.id, msg.node, msg.timestamp))
		return
	}
	if err := msg.Config.Set.Validate(); err != nil {
		sess.queueOut(ErrNotAcceptable(msg.id, msg.node, msg.timestamp))
		return
	}

	next := n.data.Clone()
	oldBound := next.Config.Bound()
	next.Config = next.Config.Apply(msg.Config.Set)

	// Lowering max_items sheds oldest entries right away so the archive
	// never exceeds the bound after the update completes.
	newBound := next.Config.Bound()
	if next.Config.Persistent() && newBound > 0 && (oldBound == 0 || newBound < oldBound) {
		if err := store.Items.Truncate(next.Id, newBound); err != nil {
			logs.Err.Println("node: truncate failed", n.data.Id, err)
			sess.queueOut(ErrUnknown(msg.id, msg.node, msg.timestamp))
			return
		}
	}

	if err := n.persist(next); err != nil {
		sess.queueOut(ErrUnknown(msg.id, msg.node, msg.timestamp))
		return
	}
	sess.queueOut(NoErrParams(msg.id, msg.node, msg.timestamp, n.data.Config))
}

func (n *Node) handleAffil(msg *ClientComMessage, sess *Session) {
	if len(msg.Affil.Set) == 0 {
		if !allowed(actAffiliation, n.data, msg.from, false) {
			sess.queueOut(ErrPermissionDenied(msg.id, msg.node, msg.timestamp))
			return
		}
		affils := make(map[string]string, len(n.data.Affiliations))
		for user, aff := range n.data.Affiliations {
			affils[user] = aff.String()
		}
		sess.queueOut(NoErrParams(msg.id, msg.node, msg.timestamp, affils))
		return
	}

	if !allowed(actAffiliation, n.data, msg.from, false) {
		sess.queueOut(ErrPermissionDenied(msg.id, msg.node, msg.timestamp))
		return
	}

	// Changes apply one at a time; the first failure aborts the rest of
	// the batch but already-applied entries stay. Each applied entry is
	// persisted before the next is attempted.
	for _, change := range msg.Affil.Set {
		if resp := n.setAffiliation(msg, change); resp != nil {
			sess.queueOut(resp)
			return
		}
	}
	sess.queueOut(NoErr(msg.id, msg.node, msg.timestamp))
}

// setAffiliation applies a single affiliation change. Returns nil on
// success or the error response aborting the batch.
func (n *Node) setAffiliation(msg *ClientComMessage, change MsgAffilTarget) *ServerComMessage {
	if change.User == "" {
		return ErrJidRequired(msg.id, msg.node, msg.timestamp)
	}
	aff, ok := types.ParseAffiliation(change.Affil)
	if !ok {
		return ErrNotAcceptable(msg.id, msg.node, msg.timestamp)
	}

	current := n.data.GetAffiliation(change.User)
	if current == types.AffOwner && aff != types.AffOwner && n.data.OwnerCount() == 1 {
		// Removing or downgrading the last owner would orphan the node.
		return ErrOperationNotAllowed(msg.id, msg.node, msg.timestamp)
	}

	next := n.data.Clone()
	next.SetAffiliation(change.User, aff)
	if err := n.persist(next); err != nil {
		return ErrUnknown(msg.id, msg.node, msg.timestamp)
	}
	return nil
}

func (n *Node) handleSubs(msg *ClientComMessage, sess *Session) {
	if !allowed(actRetrieveSubs, n.data, msg.from, false) {
		sess.queueOut(ErrPermissionDenied(msg.id, msg.node, msg.timestamp))
		return
	}

	// The owner sees every subscriber, everyone else their own records.
	var subs []types.Subscription
	appendSubs := func(byTarget map[string]*types.Subscription) {
		for _, sub := range byTarget {
			if msg.Subs.Target != "" && sub.Target != msg.Subs.Target {
				continue
			}
			subs = append(subs, *sub)
		}
	}
	if n.data.GetAffiliation(msg.from) == types.AffOwner {
		for _, byTarget := range n.data.Subscriptions {
			appendSubs(byTarget)
		}
	} else {
		appendSubs(n.data.Subscriptions[msg.from])
	}

	sess.queueOut(NoErrParams(msg.id, msg.node, msg.timestamp, subs))
}

func (n *Node) handleItems(msg *ClientComMessage, sess *Session) {
	if !allowed(actRetrieve, n.data, msg.from, n.related(msg.from)) {
		sess.queueOut(ErrPermissionDenied(msg.id, msg.node, msg.timestamp))
		return
	}

	if len(msg.Items.ItemIds) > 0 {
		var items []types.Item
		for _, id := range msg.Items.ItemIds {
			item, err := store.Items.Get(n.data.Id, id)
			if err != nil {
				sess.queueOut(ErrUnknown(msg.id, msg.node, msg.timestamp))
				return
			}
			if item != nil {
				items = append(items, *item)
			}
		}
		sess.queueOut(NoErrParams(msg.id, msg.node, msg.timestamp, items))
		return
	}

	items, err := store.Items.GetAll(n.data.Id, msg.Items.MaxItems, true)
	if err != nil {
		sess.queueOut(ErrUnknown(msg.id, msg.node, msg.timestamp))
		return
	}
	sess.queueOut(NoErrParams(msg.id, msg.node, msg.timestamp, items))
}

func (n *Node) handleDelete(msg *ClientComMessage, sess *Session) {
	if !allowed(actDelete, n.data, msg.from, false) {
		sess.queueOut(ErrPermissionDenied(msg.id, msg.node, msg.timestamp))
		return
	}

	// Removes the record and the archived items in one call; the node id
	// is free for reuse only once nothing remains.
	if err := store.Nodes.Delete(n.data.Id); err != nil {
		sess.queueOut(decodeStoreError(err, msg.id, msg.node, msg.timestamp))
		return
	}
	n.killed = true

	sess.queueOut(NoErr(msg.id, msg.node, msg.timestamp))
	n.broadcast(&MsgServerEvent{
		Node:      n.data.Id,
		What:      notify.ActDelete,
		Timestamp: msg.timestamp,
	})

	// Detach from the hub; remaining queued requests get "not found".
	globals.hub.unreg <- n
	statsInc("LiveNodes", -1)
}

// broadcast fans a notification event out to the sessions of every
// active subscriber and to the registered delivery handlers. Delivery is
// best-effort and never fails the operation that triggered it.
func (n *Node) broadcast(evt *MsgServerEvent) {
	headline := n.data.Config.NotificationType == "headline"

	for user, byTarget := range n.data.Subscriptions {
		var wantBody bool
		active := false
		for _, sub := range byTarget {
			if sub.State != types.SubSubscribed {
				continue
			}
			active = true
			if sub.Options.IncludeBody {
				wantBody = true
			}
		}
		if !active {
			continue
		}

		out := *evt
		if headline && !wantBody {
			out.Payload = nil
		}
		for _, sess := range globals.sessionStore.sessionsForUser(user) {
			sess.queueOut(&ServerComMessage{Evt: &out})
		}
	}

	notify.Deliver(&notify.Event{
		What:      evt.What,
		Node:      evt.Node,
		ItemId:    evt.ItemId,
		Payload:   evt.Payload,
		Publisher: evt.Publisher,
		Timestamp: evt.Timestamp,
	})
}
