/******************************************************************************
 *
 *  Description :
 *
 *    Definition of messages exchanged with clients plus constructors of
 *    control responses, one per reportable outcome.
 *
 *****************************************************************************/

package main

import (
	"encoding/json"
	"errors"
	"time"

	"github.com/ratatosk/pubsub/server/store/types"
)

// MsgClientCreate is a request to create a node. An empty Node means the
// server assigns an id.
type MsgClientCreate struct {
	Id     string            `json:"id,omitempty"`
	Node   string            `json:"node,omitempty"`
	Config *types.NodeConfig `json:"config,omitempty"`
}

// MsgClientDelete is a request to delete a node.
type MsgClientDelete struct {
	Id   string `json:"id,omitempty"`
	Node string `json:"node"`
}

// MsgClientSub is a subscription request. An empty Target subscribes the
// requesting actor's own identifier. Options are validated against the
// subscribe-options schema by the node, not at parse time, so malformed
// values produce "invalid options" rather than a dead request.
type MsgClientSub struct {
	Id      string          `json:"id,omitempty"`
	Node    string          `json:"node"`
	Target  string          `json:"target,omitempty"`
	Options json.RawMessage `json:"options,omitempty"`
}

// MsgClientUnsub removes one subscription.
type MsgClientUnsub struct {
	Id     string `json:"id,omitempty"`
	Node   string `json:"node"`
	Target string `json:"target,omitempty"`
}

// MsgClientApprove is an owner's decision on a pending subscription.
type MsgClientApprove struct {
	Id     string `json:"id,omitempty"`
	Node   string `json:"node"`
	User   string `json:"user"`
	Target string `json:"target,omitempty"`
	Allow  bool   `json:"allow"`
}

// MsgClientPub is a publish request. Options, when present, must match
// the node's current configuration for the publish to proceed; with
// autocreate enabled they double as the configuration of a node created
// on first publish.
type MsgClientPub struct {
	Id      string            `json:"id,omitempty"`
	Node    string            `json:"node"`
	ItemId  string            `json:"item,omitempty"`
	Payload json.RawMessage   `json:"payload,omitempty"`
	Options *types.NodeConfig `json:"options,omitempty"`
}

// MsgClientRetract removes a single published item.
type MsgClientRetract struct {
	Id     string `json:"id,omitempty"`
	Node   string `json:"node"`
	ItemId string `json:"item"`
	Notify bool   `json:"notify,omitempty"`
}

// MsgClientPurge clears all items of a node.
type MsgClientPurge struct {
	Id     string `json:"id,omitempty"`
	Node   string `json:"node"`
	Notify bool   `json:"notify,omitempty"`
}

// MsgClientConfig reads (Set == nil) or updates node configuration.
type MsgClientConfig struct {
	Id   string            `json:"id,omitempty"`
	Node string            `json:"node"`
	Set  *types.NodeConfig `json:"set,omitempty"`
}

// MsgAffilTarget is one affiliation change: "none" removes the record.
type MsgAffilTarget struct {
	User  string `json:"user"`
	Affil string `json:"affil"`
}

// MsgClientAffil reads (Set empty) or updates node affiliations.
type MsgClientAffil struct {
	Id   string           `json:"id,omitempty"`
	Node string           `json:"node"`
	Set  []MsgAffilTarget `json:"set,omitempty"`
}

// MsgClientSubs requests subscriptions on a node: the requester's own,
// or every subscriber's when the requester owns the node. A Target
// narrows the result to one delivery target.
type MsgClientSubs struct {
	Id     string `json:"id,omitempty"`
	Node   string `json:"node"`
	Target string `json:"target,omitempty"`
}

// MsgClientItems requests archived items, either an explicit id list or
// the most recent MaxItems (0 = all).
type MsgClientItems struct {
	Id       string   `json:"id,omitempty"`
	Node     string   `json:"node"`
	ItemIds  []string `json:"item_ids,omitempty"`
	MaxItems int      `json:"max_items,omitempty"`
}

// ClientComMessage is a wrapper for client messages.
type ClientComMessage struct {
	Create  *MsgClientCreate  `json:"create,omitempty"`
	Del     *MsgClientDelete  `json:"del,omitempty"`
	Sub     *MsgClientSub     `json:"sub,omitempty"`
	Unsub   *MsgClientUnsub   `json:"unsub,omitempty"`
	Approve *MsgClientApprove `json:"approve,omitempty"`
	Pub     *MsgClientPub     `json:"pub,omitempty"`
	Retract *MsgClientRetract `json:"retract,omitempty"`
	Purge   *MsgClientPurge   `json:"purge,omitempty"`
	Config  *MsgClientConfig  `json:"config,omitempty"`
	Affil   *MsgClientAffil   `json:"affil,omitempty"`
	Subs    *MsgClientSubs    `json:"subs,omitempty"`
	Items   *MsgClientItems   `json:"items,omitempty"`

	// Routing fields, not a part of the wire protocol.

	// Message id denormalized from the request.
	id string
	// Node id denormalized from the request.
	node string
	// Verified identifier of the requesting actor.
	from string
	// Timestamp when the message was received by the server.
	timestamp time.Time
}

// denormalize pulls id and node out of whichever request is present.
// Returns false if the message carries no recognized action.
func (msg *ClientComMessage) denormalize() bool {
	switch {
	case msg.Create != nil:
		msg.id, msg.node = msg.Create.Id, msg.Create.Node
	case msg.Del != nil:
		msg.id, msg.node = msg.Del.Id, msg.Del.Node
	case msg.Sub != nil:
		msg.id, msg.node = msg.Sub.Id, msg.Sub.Node
	case msg.Unsub != nil:
		msg.id, msg.node = msg.Unsub.Id, msg.Unsub.Node
	case msg.Approve != nil:
		msg.id, msg.node = msg.Approve.Id, msg.Approve.Node
	case msg.Pub != nil:
		msg.id, msg.node = msg.Pub.Id, msg.Pub.Node
	case msg.Retract != nil:
		msg.id, msg.node = msg.Retract.Id, msg.Retract.Node
	case msg.Purge != nil:
		msg.id, msg.node = msg.Purge.Id, msg.Purge.Node
	case msg.Config != nil:
		msg.id, msg.node = msg.Config.Id, msg.Config.Node
	case msg.Affil != nil:
		msg.id, msg.node = msg.Affil.Id, msg.Affil.Node
	case msg.Subs != nil:
		msg.id, msg.node = msg.Subs.Id, msg.Subs.Node
	case msg.Items != nil:
		msg.id, msg.node = msg.Items.Id, msg.Items.Node
	default:
		return false
	}
	return true
}

// MsgServerCtrl is a server control message: success or error.
type MsgServerCtrl struct {
	Id     string      `json:"id,omitempty"`
	Node   string      `json:"node,omitempty"`
	Params interface{} `json:"params,omitempty"`

	Code      int       `json:"code"`
	Text      string    `json:"text,omitempty"`
	Timestamp time.Time `json:"ts"`
}

// MsgServerEvent is a notification event pushed to subscribers.
type MsgServerEvent struct {
	Node string `json:"node"`
	// What happened: publish, retract, purge, delete.
	What      string          `json:"what"`
	ItemId    string          `json:"item_id,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Publisher string          `json:"publisher,omitempty"`
	Timestamp time.Time       `json:"ts"`
}

// ServerComMessage is a wrapper for server-side messages.
type ServerComMessage struct {
	Ctrl *MsgServerCtrl  `json:"ctrl,omitempty"`
	Evt  *MsgServerEvent `json:"evt,omitempty"`
}

// NoErr indicates successful completion (200).
func NoErr(id, node string, ts time.Time) *ServerComMessage {
	return NoErrParams(id, node, ts, nil)
}

// NoErrParams indicates successful completion with additional parameters (200).
func NoErrParams(id, node string, ts time.Time, params interface{}) *ServerComMessage {
	return &ServerComMessage{Ctrl: &MsgServerCtrl{
		Id:        id,
		Node:      node,
		Code:      200,
		Text:      "ok",
		Params:    params,
		Timestamp: ts}}
}

// NoErrCreated indicates successful creation of an object (201).
func NoErrCreated(id, node string, ts time.Time, params interface{}) *ServerComMessage {
	return &ServerComMessage{Ctrl: &MsgServerCtrl{
		Id:        id,
		Node:      node,
		Code:      201,
		Text:      "created",
		Params:    params,
		Timestamp: ts}}
}

// 4xx Errors.

// ErrMalformed request malformed (400).
func ErrMalformed(id, node string, ts time.Time) *ServerComMessage {
	return &ServerComMessage{Ctrl: &MsgServerCtrl{
		Id:        id,
		Node:      node,
		Code:      400,
		Text:      "malformed",
		Timestamp: ts}}
}

// ErrInvalidJid target identifier malformed or empty (400).
func ErrInvalidJid(id, node string, ts time.Time) *ServerComMessage {
	return &ServerComMessage{Ctrl: &MsgServerCtrl{
		Id:        id,
		Node:      node,
		Code:      400,
		Text:      "invalid jid",
		Timestamp: ts}}
}

// ErrJidRequired target identifier required but missing (400).
func ErrJidRequired(id, node string, ts time.Time) *ServerComMessage {
	return &ServerComMessage{Ctrl: &MsgServerCtrl{
		Id:        id,
		Node:      node,
		Code:      400,
		Text:      "jid required",
		Timestamp: ts}}
}

// ErrNodeIdRequired node id required but missing (400).
func ErrNodeIdRequired(id string, ts time.Time) *ServerComMessage {
	return &ServerComMessage{Ctrl: &MsgServerCtrl{
		Id:        id,
		Code:      400,
		Text:      "nodeid required",
		Timestamp: ts}}
}

// ErrInvalidOptions malformed subscription options (400).
func ErrInvalidOptions(id, node string, ts time.Time) *ServerComMessage {
	return &ServerComMessage{Ctrl: &MsgServerCtrl{
		Id:        id,
		Node:      node,
		Code:      400,
		Text:      "invalid options",
		Timestamp: ts}}
}

// ErrPermissionDenied the actor holds no affiliation permitting the action (403).
func ErrPermissionDenied(id, node string, ts time.Time) *ServerComMessage {
	return &ServerComMessage{Ctrl: &MsgServerCtrl{
		Id:        id,
		Node:      node,
		Code:      403,
		Text:      "forbidden",
		Timestamp: ts}}
}

// ErrNodeNotFound the node does not exist (404).
func ErrNodeNotFound(id, node string, ts time.Time) *ServerComMessage {
	return &ServerComMessage{Ctrl: &MsgServerCtrl{
		Id:        id,
		Node:      node,
		Code:      404,
		Text:      "item not found",
		Timestamp: ts}}
}

// ErrOperationNotAllowed the action is not available in this context (405).
func ErrOperationNotAllowed(id, node string, ts time.Time) *ServerComMessage {
	return &ServerComMessage{Ctrl: &MsgServerCtrl{
		Id:        id,
		Node:      node,
		Code:      405,
		Text:      "not allowed",
		Timestamp: ts}}
}

// ErrNotAcceptable submitted configuration failed validation (406).
func ErrNotAcceptable(id, node string, ts time.Time) *ServerComMessage {
	return &ServerComMessage{Ctrl: &MsgServerCtrl{
		Id:        id,
		Node:      node,
		Code:      406,
		Text:      "not acceptable",
		Timestamp: ts}}
}

// ErrAlreadyExists an object with the same id exists (409).
func ErrAlreadyExists(id, node string, ts time.Time) *ServerComMessage {
	return &ServerComMessage{Ctrl: &MsgServerCtrl{
		Id:        id,
		Node:      node,
		Code:      409,
		Text:      "conflict",
		Timestamp: ts}}
}

// ErrNotSubscribed the subscription being removed does not exist (409).
func ErrNotSubscribed(id, node string, ts time.Time) *ServerComMessage {
	return &ServerComMessage{Ctrl: &MsgServerCtrl{
		Id:        id,
		Node:      node,
		Code:      409,
		Text:      "not subscribed",
		Timestamp: ts}}
}

// ErrPreconditionNotMet publish-time options do not match the node's
// current configuration (409).
func ErrPreconditionNotMet(id, node string, ts time.Time) *ServerComMessage {
	return &ServerComMessage{Ctrl: &MsgServerCtrl{
		Id:        id,
		Node:      node,
		Code:      409,
		Text:      "precondition not met",
		Timestamp: ts}}
}

// ErrUnknown database or other internal failure (500).
func ErrUnknown(id, node string, ts time.Time) *ServerComMessage {
	return &ServerComMessage{Ctrl: &MsgServerCtrl{
		Id:        id,
		Node:      node,
		Code:      500,
		Text:      "internal error",
		Timestamp: ts}}
}

// decodeStoreError converts an error returned by the store into a
// protocol-visible control message. Every typed kind maps to exactly
// one externally observable condition; anything unrecognized is an
// internal error.
func decodeStoreError(err error, id, node string, ts time.Time) *ServerComMessage {
	var serr types.StoreError
	if !errors.As(err, &serr) {
		return ErrUnknown(id, node, ts)
	}

	switch serr {
	case types.ErrItemNotFound:
		return ErrNodeNotFound(id, node, ts)
	case types.ErrConflict:
		return ErrAlreadyExists(id, node, ts)
	case types.ErrForbidden:
		return ErrPermissionDenied(id, node, ts)
	case types.ErrNotAllowed:
		return ErrOperationNotAllowed(id, node, ts)
	case types.ErrNotAcceptable:
		return ErrNotAcceptable(id, node, ts)
	case types.ErrNotSubscribed:
		return ErrNotSubscribed(id, node, ts)
	case types.ErrInvalidOptions:
		return ErrInvalidOptions(id, node, ts)
	case types.ErrInvalidJid:
		return ErrInvalidJid(id, node, ts)
	case types.ErrJidRequired:
		return ErrJidRequired(id, node, ts)
	case types.ErrNodeIdRequired:
		return ErrNodeIdRequired(id, ts)
	case types.ErrPreconditionNotMet:
		return ErrPreconditionNotMet(id, node, ts)
	default:
		return ErrUnknown(id, node, ts)
	}
}
