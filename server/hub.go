/******************************************************************************
 *
 *  Description :
 *
 *    The hub owns the set of live nodes. All requests flow through its
 *    loop: it resolves the target node, creates nodes (explicitly or on
 *    first publish), routes everything else to the node's goroutine, and
 *    tears nodes down. Node creation is serialized here, so two racing
 *    creates for one id resolve to a single winner and the loser
 *    proceeds against the winner's node.
 *
 *****************************************************************************/

package main

import (
	"time"

	"github.com/ratatosk/pubsub/server/logs"
	"github.com/ratatosk/pubsub/server/store"
	"github.com/ratatosk/pubsub/server/store/types"
)

// Attempts at generating an unused node id before giving up. The id
// space makes exhaustion practically impossible; the cap only guards
// against a misbehaving generator.
const maxNodeIdAttempts = 8

// Hub is the core structure which holds nodes.
type Hub struct {
	// Live nodes indexed by id. Confined to the hub's goroutine.
	nodes map[string]*Node

	// Inbound requests from sessions, buffered.
	req chan *nodeRequest

	// Remove a deleted node from the map, buffered.
	unreg chan *Node

	// Request to shutdown, unbuffered.
	shutdown chan chan<- bool
}

func newHub() *Hub {
	h := &Hub{
		nodes:    make(map[string]*Node),
		req:      make(chan *nodeRequest, 128),
		unreg:    make(chan *Node, 32),
		shutdown: make(chan chan<- bool),
	}

	statsRegisterInt("LiveNodes")
	statsRegisterInt("TotalNodes")
	statsRegisterInt("ItemsPublishedTotal")

	go h.run()

	return h
}

func (h *Hub) run() {
	for {
		select {
		case req := <-h.req:
			h.route(req)

		case n := <-h.unreg:
			if h.nodes[n.data.Id] == n {
				delete(h.nodes, n.data.Id)
			}
			done := make(chan bool)
			n.exit <- done
			<-done

		case done := <-h.shutdown:
			for _, n := range h.nodes {
				stopped := make(chan bool)
				n.exit <- stopped
				<-stopped
			}
			h.nodes = make(map[string]*Node)
			done <- true
			return
		}
	}
}

// route resolves the target node for one request and hands the request
// over, creating the node when the operation calls for it.
func (h *Hub) route(req *nodeRequest) {
	msg, sess := req.msg, req.sess

	if msg.Create != nil {
		h.nodeCreate(req)
		return
	}

	if msg.node == "" {
		sess.queueOut(ErrNodeIdRequired(msg.id, msg.timestamp))
		return
	}

	n := h.nodes[msg.node]
	if n == nil {
		// Not live; the registry may still hold it from a prior run.
		var err error
		if n, err = h.nodeLoad(msg.node); err != nil {
			logs.Err.Println("hub: load failed", msg.node, err)
			sess.queueOut(ErrUnknown(msg.id, msg.node, msg.timestamp))
			return
		}
	}

	if n == nil && msg.Pub != nil && globals.autocreateOnPublish {
		// Create-on-publish: the node comes into existence configured by
		// the publish-time options, then the publish proceeds normally.
		n = h.nodeAutocreate(req)
	}

	if n == nil {
		sess.queueOut(ErrNodeNotFound(msg.id, msg.node, msg.timestamp))
		return
	}

	n.reg <- req
}

// nodeLoad revives a stored node record as a live node. Returns nil
// when the registry holds no such node.
func (h *Hub) nodeLoad(id string) (*Node, error) {
	data, err := store.Nodes.Get(id)
	if err != nil || data == nil {
		return nil, err
	}

	n := newNode(data)
	h.nodes[id] = n
	statsInc("LiveNodes", 1)
	go n.run()
	return n, nil
}

// nodeCreate handles an explicit create request.
func (h *Hub) nodeCreate(req *nodeRequest) {
	msg, sess := req.msg, req.sess

	var cfg types.NodeConfig
	if msg.Create.Config != nil {
		cfg = *msg.Create.Config
	}
	if err := cfg.Validate(); err != nil {
		sess.queueOut(ErrNotAcceptable(msg.id, msg.node, msg.timestamp))
		return
	}

	id := msg.Create.Node
	if id == "" {
		// Auto-assign, retrying generation on the off chance of a clash.
		for i := 0; i < maxNodeIdAttempts; i++ {
			candidate := store.Store.NodeId()
			if h.nodes[candidate] != nil {
				continue
			}
			if existing, err := store.Nodes.Get(candidate); err != nil {
				sess.queueOut(ErrUnknown(msg.id, msg.node, msg.timestamp))
				return
			} else if existing == nil {
				id = candidate
				break
			}
		}
		if id == "" {
			logs.Err.Println("hub: could not generate an unused node id")
			sess.queueOut(ErrUnknown(msg.id, msg.node, msg.timestamp))
			return
		}
	} else if h.nodes[id] != nil {
		sess.queueOut(ErrAlreadyExists(msg.id, id, msg.timestamp))
		return
	}

	n, resp := h.nodeNew(id, msg.from, cfg, msg.id, msg.timestamp)
	if resp != nil {
		sess.queueOut(resp)
		return
	}

	sess.queueOut(NoErrCreated(msg.id, id, msg.timestamp,
		map[string]string{"node": n.data.Id}))
}

// nodeAutocreate creates the node a publish is addressed to. Failures
// are reported on the publish request itself.
func (h *Hub) nodeAutocreate(req *nodeRequest) *Node {
	msg, sess := req.msg, req.sess

	var cfg types.NodeConfig
	if msg.Pub.Options != nil {
		cfg = *msg.Pub.Options
	}
	if err := cfg.Validate(); err != nil {
		sess.queueOut(ErrNotAcceptable(msg.id, msg.node, msg.timestamp))
		return nil
	}

	n, resp := h.nodeNew(msg.node, msg.from, cfg, msg.id, msg.timestamp)
	if resp != nil {
		sess.queueOut(resp)
		return nil
	}
	return n
}

// nodeNew registers a node in the durable registry and brings it live.
// The creating actor becomes the owner; the supplied config is merged
// over the service-wide defaults.
func (h *Hub) nodeNew(id, creator string, cfg types.NodeConfig, msgId string,
	ts time.Time) (*Node, *ServerComMessage) {

	data := &types.Node{
		Id:           id,
		Config:       cfg.MergeDefaults(&globals.nodeDefaults),
		Owner:        creator,
		Affiliations: map[string]types.Affiliation{creator: types.AffOwner},
	}

	if err := store.Nodes.Create(data); err != nil {
		return nil, decodeStoreError(err, msgId, id, ts)
	}

	n := newNode(data)
	h.nodes[id] = n
	statsInc("LiveNodes", 1)
	statsInc("TotalNodes", 1)
	go n.run()
	return n, nil
}

// stop drains the hub and all node goroutines.
func (h *Hub) stop() {
	done := make(chan bool)
	h.shutdown <- done
	<-done
}
