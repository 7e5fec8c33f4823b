// Package adapter contains the interface to be implemented by the archive
// store: an ordered key-value log holding node records and per-node items.
package adapter

import (
	"encoding/json"

	t "github.com/ratatosk/pubsub/server/store/types"
)

// Adapter is the interface that must be implemented by an archive
// backend. The current schema supports a single connection per backend.
type Adapter interface {
	// General

	// Open and configure the adapter.
	Open(config json.RawMessage) error
	// Close the adapter.
	Close() error
	// IsOpen checks if the adapter is ready for use.
	IsOpen() bool
	// GetName returns the name of the adapter.
	GetName() string
	// Stats returns a connection stats object.
	Stats() interface{}

	// Node records

	// NodeCreate stores a new node record. Fails with ErrConflict if a
	// record with the same id exists.
	NodeCreate(node *t.Node) error
	// NodeGet returns the record for the given node id, nil if missing.
	NodeGet(id string) (*t.Node, error)
	// NodeUpdate replaces an existing node record.
	NodeUpdate(node *t.Node) error
	// NodeDelete removes the node record together with all its items.
	NodeDelete(id string) error
	// NodeGetAll returns ids of every stored node.
	NodeGetAll() ([]string, error)

	// Items. All mutations are atomic: either the whole operation is
	// applied or the archive is unchanged.

	// ItemSave appends one item in insertion order. maxItems > 0 bounds
	// the archive: the oldest entries are evicted first so the count
	// never exceeds the bound after the append. Re-publishing an
	// existing id replaces the old entry, the new one taking the most
	// recent position.
	ItemSave(item *t.Item, maxItems int) error
	// ItemGet returns the item by id, nil if missing.
	ItemGet(node, id string) (*t.Item, error)
	// ItemGetAll returns up to limit items in insertion order;
	// limit <= 0 means no limit. reverse yields most-recent-first.
	ItemGetAll(node string, limit int, reverse bool) ([]t.Item, error)
	// ItemDelete removes one item by id. ErrItemNotFound if missing.
	ItemDelete(node, id string) error
	// ItemDeleteAll clears the node's archive.
	ItemDeleteAll(node string) error
	// ItemCount returns the number of archived items for the node.
	ItemCount(node string) (int, error)
	// ItemTruncate drops oldest items until at most size remain.
	ItemTruncate(node string, size int) error
}
