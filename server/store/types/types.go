// Package types contains the objects shared between the pubsub core and
// the storage adapters: node and item records, affiliation and access
// enumerations, and the typed error kinds the service reports.
package types

import (
	"encoding/json"
	"time"
)

// StoreError satisfies Error interface but allows constant values for
// direct comparison.
type StoreError string

func (s StoreError) Error() string {
	return string(s)
}

const (
	// ErrInternal means DB or other internal failure.
	ErrInternal = StoreError("internal")
	// ErrItemNotFound means the node or item does not exist.
	ErrItemNotFound = StoreError("item not found")
	// ErrConflict means the object with the same ID already exists.
	ErrConflict = StoreError("conflict")
	// ErrForbidden means the actor holds no affiliation permitting the action.
	ErrForbidden = StoreError("forbidden")
	// ErrNotAllowed means the action exists but is not available to the actor.
	ErrNotAllowed = StoreError("not allowed")
	// ErrNotAcceptable means the submitted configuration failed validation.
	ErrNotAcceptable = StoreError("not acceptable")
	// ErrNotSubscribed means the subscription being removed does not exist.
	ErrNotSubscribed = StoreError("not subscribed")
	// ErrInvalidOptions means malformed subscription options.
	ErrInvalidOptions = StoreError("invalid options")
	// ErrInvalidJid means the target identifier is malformed or empty.
	ErrInvalidJid = StoreError("invalid jid")
	// ErrJidRequired means a target identifier was required but missing.
	ErrJidRequired = StoreError("jid required")
	// ErrNodeIdRequired means the node id was required but missing.
	ErrNodeIdRequired = StoreError("nodeid required")
	// ErrPreconditionNotMet means publish-time options do not match the
	// node's current configuration.
	ErrPreconditionNotMet = StoreError("precondition not met")
)

// Affiliation is a node-scoped role assigned to an actor.
type Affiliation int

// Affiliation values, ordered by privilege. Outcast sits below None:
// it is an explicit ban, not merely an absent record.
const (
	AffOutcast Affiliation = iota - 1
	AffNone
	AffMember
	AffPublisher
	AffOwner
)

var affNames = map[Affiliation]string{
	AffOutcast:   "outcast",
	AffNone:      "none",
	AffMember:    "member",
	AffPublisher: "publisher",
	AffOwner:     "owner",
}

func (a Affiliation) String() string {
	return affNames[a]
}

// IsValid checks if the value is one of the five enumerated kinds.
func (a Affiliation) IsValid() bool {
	_, ok := affNames[a]
	return ok
}

// AtLeast reports whether the affiliation carries at least the privilege
// of the given one.
func (a Affiliation) AtLeast(min Affiliation) bool {
	return a >= min
}

// ParseAffiliation converts a wire string into an Affiliation.
// Unrecognized input parses as AffNone with ok=false.
func ParseAffiliation(s string) (Affiliation, bool) {
	for a, name := range affNames {
		if name == s {
			return a, true
		}
	}
	return AffNone, false
}

// MarshalText is used when serializing affiliation maps to storage.
func (a Affiliation) MarshalText() ([]byte, error) {
	name, ok := affNames[a]
	if !ok {
		return nil, ErrNotAcceptable
	}
	return []byte(name), nil
}

// UnmarshalText parses a stored affiliation value.
func (a *Affiliation) UnmarshalText(b []byte) error {
	parsed, ok := ParseAffiliation(string(b))
	if !ok {
		return ErrNotAcceptable
	}
	*a = parsed
	return nil
}

// AccessModel controls who may subscribe to a node and retrieve its items.
type AccessModel string

const (
	AccessOpen      AccessModel = "open"
	AccessPresence  AccessModel = "presence"
	AccessRoster    AccessModel = "roster"
	AccessAuthorize AccessModel = "authorize"
	AccessWhitelist AccessModel = "whitelist"
)

// IsValid checks the value against the recognized set. Empty means
// "fall back to service defaults" and is valid in submitted configs.
func (m AccessModel) IsValid() bool {
	switch m {
	case "", AccessOpen, AccessPresence, AccessRoster, AccessAuthorize, AccessWhitelist:
		return true
	}
	return false
}

// PublishModel controls who may publish items to a node.
type PublishModel string

const (
	PublishPublishers  PublishModel = "publishers"
	PublishSubscribers PublishModel = "subscribers"
	PublishOpen        PublishModel = "open"
)

// IsValid checks the value against the recognized set.
func (m PublishModel) IsValid() bool {
	switch m {
	case "", PublishPublishers, PublishSubscribers, PublishOpen:
		return true
	}
	return false
}

// SubState is the state of one subscription.
type SubState string

const (
	// SubNone marks a subscription record scheduled for removal.
	SubNone SubState = "none"
	// SubPending awaits owner approval (access model "authorize").
	SubPending SubState = "pending"
	// SubSubscribed is an active subscription.
	SubSubscribed SubState = "subscribed"
)

// SubOptions is the per-subscription configuration bag.
type SubOptions struct {
	// Deliver full payloads rather than bare notifications.
	IncludeBody bool `json:"include_body,omitempty"`
}

// NodeConfig is the configuration of a single node. Pointer fields
// distinguish "absent, use the default" from an explicit zero value.
type NodeConfig struct {
	Title            string       `json:"title,omitempty"`
	Description      string       `json:"description,omitempty"`
	PayloadType      string       `json:"payload_type,omitempty"`
	MaxItems         *int         `json:"max_items,omitempty"`
	PersistItems     *bool        `json:"persist_items,omitempty"`
	AccessModel      AccessModel  `json:"access_model,omitempty"`
	PublishModel     PublishModel `json:"publish_model,omitempty"`
	NotificationType string       `json:"notification_type,omitempty"`
	ComponentModule  string       `json:"component_module,omitempty"`
}

// Validate checks every set field against the recognized value sets.
func (c *NodeConfig) Validate() error {
	if !c.AccessModel.IsValid() || !c.PublishModel.IsValid() {
		return ErrNotAcceptable
	}
	switch c.NotificationType {
	case "", "normal", "headline":
	default:
		return ErrNotAcceptable
	}
	if c.MaxItems != nil && *c.MaxItems < 0 {
		return ErrNotAcceptable
	}
	return nil
}

// MergeDefaults returns a copy of c with absent fields filled from def.
// Submitted values always win over defaults.
func (c NodeConfig) MergeDefaults(def *NodeConfig) NodeConfig {
	if def == nil {
		return c
	}
	if c.Title == "" {
		c.Title = def.Title
	}
	if c.Description == "" {
		c.Description = def.Description
	}
	if c.PayloadType == "" {
		c.PayloadType = def.PayloadType
	}
	if c.MaxItems == nil && def.MaxItems != nil {
		v := *def.MaxItems
		c.MaxItems = &v
	}
	if c.PersistItems == nil && def.PersistItems != nil {
		v := *def.PersistItems
		c.PersistItems = &v
	}
	if c.AccessModel == "" {
		c.AccessModel = def.AccessModel
	}
	if c.PublishModel == "" {
		c.PublishModel = def.PublishModel
	}
	if c.NotificationType == "" {
		c.NotificationType = def.NotificationType
	}
	if c.ComponentModule == "" {
		c.ComponentModule = def.ComponentModule
	}
	return c
}

// Apply overlays the set fields of upd onto c, leaving the rest intact.
func (c NodeConfig) Apply(upd *NodeConfig) NodeConfig {
	if upd == nil {
		return c
	}
	if upd.Title != "" {
		c.Title = upd.Title
	}
	if upd.Description != "" {
		c.Description = upd.Description
	}
	if upd.PayloadType != "" {
		c.PayloadType = upd.PayloadType
	}
	if upd.MaxItems != nil {
		v := *upd.MaxItems
		c.MaxItems = &v
	}
	if upd.PersistItems != nil {
		v := *upd.PersistItems
		c.PersistItems = &v
	}
	if upd.AccessModel != "" {
		c.AccessModel = upd.AccessModel
	}
	if upd.PublishModel != "" {
		c.PublishModel = upd.PublishModel
	}
	if upd.NotificationType != "" {
		c.NotificationType = upd.NotificationType
	}
	if upd.ComponentModule != "" {
		c.ComponentModule = upd.ComponentModule
	}
	return c
}

// MatchesOverlap reports whether every field set in want equals the
// corresponding field of c. Used for publish-options preconditions:
// absent fields in want are not compared.
func (c *NodeConfig) MatchesOverlap(want *NodeConfig) bool {
	if want == nil {
		return true
	}
	if want.Title != "" && want.Title != c.Title {
		return false
	}
	if want.Description != "" && want.Description != c.Description {
		return false
	}
	if want.PayloadType != "" && want.PayloadType != c.PayloadType {
		return false
	}
	if want.MaxItems != nil && (c.MaxItems == nil || *want.MaxItems != *c.MaxItems) {
		return false
	}
	if want.PersistItems != nil && (c.PersistItems == nil || *want.PersistItems != *c.PersistItems) {
		return false
	}
	if want.AccessModel != "" && want.AccessModel != c.AccessModel {
		return false
	}
	if want.PublishModel != "" && want.PublishModel != c.PublishModel {
		return false
	}
	if want.NotificationType != "" && want.NotificationType != c.NotificationType {
		return false
	}
	if want.ComponentModule != "" && want.ComponentModule != c.ComponentModule {
		return false
	}
	return true
}

// Persistent reports whether items published to the node are archived.
// Nodes persist by default.
func (c *NodeConfig) Persistent() bool {
	return c.PersistItems == nil || *c.PersistItems
}

// Bound returns the retained item limit, 0 meaning unbounded.
func (c *NodeConfig) Bound() int {
	if c.MaxItems == nil {
		return 0
	}
	return *c.MaxItems
}

// Subscription is one (node, subscriber, target) registration.
type Subscription struct {
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	// Node subscribed to.
	Node string `json:"node"`
	// Bare actor identifier holding the subscription.
	User string `json:"user"`
	// Delivery target. A bare actor may hold several subscriptions
	// with different targets.
	Target string `json:"target"`

	State   SubState   `json:"state"`
	Options SubOptions `json:"options"`
}

// Item is one published payload.
type Item struct {
	// Id is unique within the owning node.
	Id string `json:"id"`
	// Node the item was published to.
	Node string `json:"node"`
	// Publisher is the verified identifier of the publishing actor.
	Publisher string `json:"publisher"`
	// At is the publish timestamp; items are archived in publish order.
	At time.Time `json:"at"`
	// Payload is opaque to the service.
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Node is the durable record of one pubsub node.
type Node struct {
	Id        string    `json:"id"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	Config NodeConfig `json:"config"`

	// Owner is the creating actor. The node retains at least one owner
	// affiliation while it exists.
	Owner string `json:"owner"`

	// Affiliations maps actor identifier to role. AffNone is never
	// stored: assigning it removes the entry.
	Affiliations map[string]Affiliation `json:"affiliations,omitempty"`

	// Subscriptions keyed by user, then by delivery target.
	Subscriptions map[string]map[string]*Subscription `json:"subscriptions,omitempty"`
}

// GetAffiliation returns the actor's role on the node, AffNone when the
// actor holds no record.
func (n *Node) GetAffiliation(user string) Affiliation {
	if n.Affiliations == nil {
		return AffNone
	}
	return n.Affiliations[user]
}

// SetAffiliation assigns a role to the actor. AffNone deletes the record.
func (n *Node) SetAffiliation(user string, aff Affiliation) {
	if aff == AffNone {
		delete(n.Affiliations, user)
		return
	}
	if n.Affiliations == nil {
		n.Affiliations = make(map[string]Affiliation)
	}
	n.Affiliations[user] = aff
}

// OwnerCount returns the number of actors holding the owner affiliation.
func (n *Node) OwnerCount() int {
	count := 0
	for _, aff := range n.Affiliations {
		if aff == AffOwner {
			count++
		}
	}
	return count
}

// GetSub returns the subscription for (user, target), nil if absent.
func (n *Node) GetSub(user, target string) *Subscription {
	if n.Subscriptions == nil {
		return nil
	}
	return n.Subscriptions[user][target]
}

// SetSub inserts or replaces a subscription record.
func (n *Node) SetSub(sub *Subscription) {
	if n.Subscriptions == nil {
		n.Subscriptions = make(map[string]map[string]*Subscription)
	}
	byTarget := n.Subscriptions[sub.User]
	if byTarget == nil {
		byTarget = make(map[string]*Subscription)
		n.Subscriptions[sub.User] = byTarget
	}
	byTarget[sub.Target] = sub
}

// DelSub removes the subscription for (user, target). Returns false if
// no such subscription existed.
func (n *Node) DelSub(user, target string) bool {
	byTarget := n.Subscriptions[user]
	if _, ok := byTarget[target]; !ok {
		return false
	}
	delete(byTarget, target)
	if len(byTarget) == 0 {
		delete(n.Subscriptions, user)
	}
	return true
}

// IsSubscribed reports whether the user holds at least one active
// subscription on the node under any delivery target.
func (n *Node) IsSubscribed(user string) bool {
	for _, sub := range n.Subscriptions[user] {
		if sub.State == SubSubscribed {
			return true
		}
	}
	return false
}

// Clone returns a deep copy of the record. Mutations are applied to a
// copy first so a failed storage write leaves no visible change.
func (n *Node) Clone() *Node {
	dup := *n
	if n.Affiliations != nil {
		dup.Affiliations = make(map[string]Affiliation, len(n.Affiliations))
		for user, aff := range n.Affiliations {
			dup.Affiliations[user] = aff
		}
	}
	if n.Subscriptions != nil {
		dup.Subscriptions = make(map[string]map[string]*Subscription, len(n.Subscriptions))
		for user, byTarget := range n.Subscriptions {
			dupTargets := make(map[string]*Subscription, len(byTarget))
			for target, sub := range byTarget {
				subCopy := *sub
				dupTargets[target] = &subCopy
			}
			dup.Subscriptions[user] = dupTargets
		}
	}
	return &dup
}

// TimeNow returns current wall time in UTC rounded to milliseconds.
func TimeNow() time.Time {
	return time.Now().UTC().Round(time.Millisecond)
}
