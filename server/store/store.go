// Package store provides methods for registering and accessing archive
// adapters and for mapping node and item objects onto them.
package store

import (
	"encoding/json"
	"errors"

	"github.com/google/uuid"

	"github.com/ratatosk/pubsub/server/db"
	"github.com/ratatosk/pubsub/server/store/types"
)

var adp adapter.Adapter
var availableAdapters = make(map[string]adapter.Adapter)

// Unique ID generator for server-assigned item ids.
var iGen types.IdGenerator

type configType struct {
	// 16-byte key for XTEA. Used to initialize types.IdGenerator.
	UidKey []byte `json:"uid_key"`
	// Adapter name to use. Should be one of those specified in `Adapters`.
	UseAdapter string `json:"use_adapter"`
	// Configurations for individual adapters.
	Adapters map[string]json.RawMessage `json:"adapters"`
}

func openAdapter(workerId int, jsonconf json.RawMessage) error {
	var config configType
	if err := json.Unmarshal(jsonconf, &config); err != nil {
		return errors.New("store: failed to parse config: " + err.Error() + "(" + string(jsonconf) + ")")
	}

	if adp == nil {
		if len(config.UseAdapter) > 0 {
			// Adapter name specified explicitly.
			if ad, ok := availableAdapters[config.UseAdapter]; ok {
				adp = ad
			} else {
				return errors.New("store: " + config.UseAdapter + " adapter is not available in this binary")
			}
		} else if len(availableAdapters) == 1 {
			// Default to the only entry in availableAdapters.
			for _, v := range availableAdapters {
				adp = v
			}
		} else {
			return errors.New("store: archive adapter is not specified. Please set `store_config.use_adapter`")
		}
	}

	if adp.IsOpen() {
		return errors.New("store: connection is already opened")
	}

	// Initialize snowflake.
	if workerId < 0 || workerId > 1023 {
		return errors.New("store: invalid worker ID")
	}

	if err := iGen.Init(uint(workerId), config.UidKey); err != nil {
		return errors.New("store: failed to init snowflake: " + err.Error())
	}

	var adapterConfig json.RawMessage
	if config.Adapters != nil {
		adapterConfig = config.Adapters[adp.GetName()]
	}

	return adp.Open(adapterConfig)
}

// PersistentStorageInterface defines methods used for interaction with
// persistent storage.
type PersistentStorageInterface interface {
	Open(workerId int, jsonconf json.RawMessage) error
	Close() error
	IsOpen() bool
	GetAdapterName() string
	DbStats() func() interface{}
	ItemId() string
	NodeId() string
}

// Store is the main object for interacting with persistent storage.
var Store PersistentStorageInterface

type storeObj struct{}

// Open initializes the persistence system.
//
//	workerId - snowflake worker id of this process
//	jsonconf - configuration string
func (storeObj) Open(workerId int, jsonconf json.RawMessage) error {
	return openAdapter(workerId, jsonconf)
}

// Close terminates connection to persistent storage.
func (storeObj) Close() error {
	if adp.IsOpen() {
		return adp.Close()
	}

	return nil
}

// IsOpen checks if persistent storage connection has been initialized.
func (storeObj) IsOpen() bool {
	if adp != nil {
		return adp.IsOpen()
	}

	return false
}

// GetAdapterName returns the name of the current adapter.
func (storeObj) GetAdapterName() string {
	if adp != nil {
		return adp.GetName()
	}

	return ""
}

// DbStats returns a callback returning db connection stats object.
func (s storeObj) DbStats() func() interface{} {
	if !s.IsOpen() {
		return nil
	}
	return adp.Stats
}

// ItemId generates a unique ID suitable for use as an item id.
func (storeObj) ItemId() string {
	return iGen.Next()
}

// NodeId generates a random node id for create requests that did not
// supply one. Uniqueness is checked by the caller against the registry.
func (storeObj) NodeId() string {
	return uuid.NewString()
}

// RegisterAdapter makes an archive adapter available by name.
// If Register is called twice or if the adapter is nil, it panics.
func RegisterAdapter(name string, a adapter.Adapter) {
	if a == nil {
		panic("store: Register adapter is nil")
	}

	if _, ok := availableAdapters[name]; ok {
		panic("store: adapter '" + name + "' is already registered")
	}
	availableAdapters[name] = a
}

// NodesObjMapperInterface is the interface for persistence operations on
// node records.
type NodesObjMapperInterface interface {
	Create(node *types.Node) error
	Get(id string) (*types.Node, error)
	GetAll() ([]string, error)
	Update(node *types.Node) error
	Delete(id string) error
}

// NodesObjMapper is A struct to hold methods for persistence mapping for
// the Node object.
type NodesObjMapper struct{}

// Nodes is an instance of NodesObjMapper to map methods to.
var Nodes NodesObjMapperInterface

// Create stores a new node record, initializing its timestamps.
func (NodesObjMapper) Create(node *types.Node) error {
	now := types.TimeNow()
	if node.CreatedAt.IsZero() {
		node.CreatedAt = now
	}
	node.UpdatedAt = node.CreatedAt

	return adp.NodeCreate(node)
}

// Get loads a node record by id, nil if not found.
func (NodesObjMapper) Get(id string) (*types.Node, error) {
	return adp.NodeGet(id)
}

// GetAll returns ids of all stored nodes.
func (NodesObjMapper) GetAll() ([]string, error) {
	return adp.NodeGetAll()
}

// Update replaces the stored record of an existing node.
func (NodesObjMapper) Update(node *types.Node) error {
	return adp.NodeUpdate(node)
}

// Delete removes the node record together with its archived items.
func (NodesObjMapper) Delete(id string) error {
	return adp.NodeDelete(id)
}

// ItemsObjMapperInterface is the interface for persistence operations on
// archived items.
type ItemsObjMapperInterface interface {
	Save(item *types.Item, maxItems int) error
	Get(node, id string) (*types.Item, error)
	GetAll(node string, limit int, reverse bool) ([]types.Item, error)
	Delete(node, id string) error
	DeleteAll(node string) error
	Count(node string) (int, error)
	Truncate(node string, size int) error
}

// ItemsObjMapper is a struct to hold methods for persistence mapping for
// the Item object.
type ItemsObjMapper struct{}

// Items is an instance of ItemsObjMapper to map methods to.
var Items ItemsObjMapperInterface

// Save appends one item, evicting oldest entries beyond maxItems.
func (ItemsObjMapper) Save(item *types.Item, maxItems int) error {
	if item.At.IsZero() {
		item.At = types.TimeNow()
	}
	return adp.ItemSave(item, maxItems)
}

// Get returns one item by id, nil if missing.
func (ItemsObjMapper) Get(node, id string) (*types.Item, error) {
	return adp.ItemGet(node, id)
}

// GetAll returns up to limit items in insertion order, most recent first
// when reverse is set.
func (ItemsObjMapper) GetAll(node string, limit int, reverse bool) ([]types.Item, error) {
	return adp.ItemGetAll(node, limit, reverse)
}

// Delete removes one item by id.
func (ItemsObjMapper) Delete(node, id string) error {
	return adp.ItemDelete(node, id)
}

// DeleteAll clears the node's archive.
func (ItemsObjMapper) DeleteAll(node string) error {
	return adp.ItemDeleteAll(node)
}

// Count returns the number of archived items for the node.
func (ItemsObjMapper) Count(node string) (int, error) {
	return adp.ItemCount(node)
}

// Truncate drops oldest items until at most size remain. Applied when a
// config update lowers max_items.
func (ItemsObjMapper) Truncate(node string, size int) error {
	return adp.ItemTruncate(node, size)
}

func init() {
	Store = storeObj{}
	Nodes = NodesObjMapper{}
	Items = ItemsObjMapper{}
}
