// Package badgerdb is an archive adapter backed by an embedded BadgerDB
// instance. Items live in an ordered log keyed by a per-node sequence;
// a secondary index maps item ids to their log position.
package badgerdb

import (
	"encoding/binary"
	"encoding/json"
	"errors"

	badger "github.com/dgraph-io/badger/v3"

	"github.com/ratatosk/pubsub/server/store"
	t "github.com/ratatosk/pubsub/server/store/types"
)

const adapterName = "badgerdb"

type adapter struct {
	db     *badger.DB
	dbPath string
}

type configType struct {
	// Directory holding the database files.
	Dir string `json:"dir"`
	// Keep everything in memory. Used in tests.
	InMemory bool `json:"in_memory"`
}

// Open initializes the database connection.
func (a *adapter) Open(jsonconfig json.RawMessage) error {
	if a.db != nil {
		return errors.New("adapter badgerdb is already connected")
	}

	var config configType
	if len(jsonconfig) > 0 {
		if err := json.Unmarshal(jsonconfig, &config); err != nil {
			return errors.New("adapter badgerdb failed to parse config: " + err.Error())
		}
	}

	var opts badger.Options
	if config.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if config.Dir == "" {
			config.Dir = "pubsub-data"
		}
		opts = badger.DefaultOptions(config.Dir)
	}
	// Badger's own chatter goes through our loggers or not at all.
	opts = opts.WithLogger(nil)

	db, err := badger.Open(opts)
	if err != nil {
		return err
	}

	a.db = db
	a.dbPath = config.Dir
	return nil
}

// Close terminates the database connection.
func (a *adapter) Close() error {
	if a.db == nil {
		return nil
	}
	err := a.db.Close()
	a.db = nil
	return err
}

// IsOpen checks if the adapter is ready for use.
func (a *adapter) IsOpen() bool {
	return a.db != nil
}

// GetName returns the name of the adapter.
func (a *adapter) GetName() string {
	return adapterName
}

// Stats returns a snapshot of LSM/vlog sizes.
func (a *adapter) Stats() interface{} {
	if a.db == nil {
		return nil
	}
	lsm, vlog := a.db.Size()
	return map[string]int64{"LsmSize": lsm, "VlogSize": vlog}
}

// Key layout. Node ids are length-prefixed so one node's keyspace can
// never be a prefix of another's.
//
//	'N' <node>                 node record
//	'C' <len><node>            next log sequence, big-endian uint64
//	'L' <len><node> <seq>      item in insertion order
//	'I' <len><node> <item id>  item id -> log sequence

func nodeKey(id string) []byte {
	return append([]byte{'N'}, id...)
}

func framed(tag byte, node string) []byte {
	key := make([]byte, 0, len(node)+11)
	key = append(key, tag)
	key = binary.AppendUvarint(key, uint64(len(node)))
	return append(key, node...)
}

func ctrKey(node string) []byte {
	return framed('C', node)
}

func logPrefix(node string) []byte {
	return framed('L', node)
}

func logKey(node string, seq uint64) []byte {
	key := logPrefix(node)
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], seq)
	return append(key, buf[:]...)
}

func idxKey(node, id string) []byte {
	return append(framed('I', node), id...)
}

// NodeCreate stores a new node record.
func (a *adapter) NodeCreate(node *t.Node) error {
	return a.db.Update(func(txn *badger.Txn) error {
		key := nodeKey(node.Id)
		if _, err := txn.Get(key); err == nil {
			return t.ErrConflict
		} else if !errors.Is(err, badger.ErrKeyNotFound) {
			return err
		}
		data, err := json.Marshal(node)
		if err != nil {
			return err
		}
		return txn.Set(key, data)
	})
}

// NodeGet loads a node record, nil if absent.
func (a *adapter) NodeGet(id string) (*t.Node, error) {
	var node *t.Node
	err := a.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(nodeKey(id))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil
		} else if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			node = &t.Node{}
			return json.Unmarshal(val, node)
		})
	})
	if err != nil {
		return nil, err
	}
	return node, nil
}

// NodeUpdate replaces an existing node record.
func (a *adapter) NodeUpdate(node *t.Node) error {
	return a.db.Update(func(txn *badger.Txn) error {
		key := nodeKey(node.Id)
		if _, err := txn.Get(key); err != nil {
			if errors.Is(err, badger.ErrKeyNotFound) {
				return t.ErrItemNotFound
			}
			return err
		}
		node.UpdatedAt = t.TimeNow()
		data, err := json.Marshal(node)
		if err != nil {
			return err
		}
		return txn.Set(key, data)
	})
}

// NodeDelete removes the node record, its items, index and counter.
func (a *adapter) NodeDelete(id string) error {
	return a.db.Update(func(txn *badger.Txn) error {
		key := nodeKey(id)
		if _, err := txn.Get(key); err != nil {
			if errors.Is(err, badger.ErrKeyNotFound) {
				return t.ErrItemNotFound
			}
			return err
		}
		if err := deleteByPrefix(txn, logPrefix(id)); err != nil {
			return err
		}
		if err := deleteByPrefix(txn, framed('I', id)); err != nil {
			return err
		}
		if err := txn.Delete(ctrKey(id)); err != nil {
			return err
		}
		return txn.Delete(key)
	})
}

// NodeGetAll returns the ids of all stored nodes.
func (a *adapter) NodeGetAll() ([]string, error) {
	var ids []string
	err := a.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Prefix = []byte{'N'}
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			ids = append(ids, string(it.Item().Key()[1:]))
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return ids, nil
}

func deleteByPrefix(txn *badger.Txn, prefix []byte) error {
	opts := badger.DefaultIteratorOptions
	opts.PrefetchValues = false
	opts.Prefix = prefix
	it := txn.NewIterator(opts)

	// Collect first: a writable transaction allows a single open
	// iterator, and mutating under it is asking for trouble.
	var keys [][]byte
	for it.Rewind(); it.Valid(); it.Next() {
		keys = append(keys, it.Item().KeyCopy(nil))
	}
	it.Close()

	for _, key := range keys {
		if err := txn.Delete(key); err != nil {
			return err
		}
	}
	return nil
}

func nextSeq(txn *badger.Txn, node string) (uint64, error) {
	var seq uint64
	item, err := txn.Get(ctrKey(node))
	if err == nil {
		err = item.Value(func(val []byte) error {
			seq = binary.BigEndian.Uint64(val)
			return nil
		})
	} else if errors.Is(err, badger.ErrKeyNotFound) {
		err = nil
	}
	if err != nil {
		return 0, err
	}

	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], seq+1)
	return seq, txn.Set(ctrKey(node), buf[:])
}

// ItemSave appends one item, evicting oldest entries beyond maxItems.
// The append and the eviction commit in one transaction.
func (a *adapter) ItemSave(item *t.Item, maxItems int) error {
	if item.At.IsZero() {
		item.At = t.TimeNow()
	}
	return a.db.Update(func(txn *badger.Txn) error {
		// Re-publish of an existing id drops the old log entry first.
		if old, err := txn.Get(idxKey(item.Node, item.Id)); err == nil {
			if err = old.Value(func(val []byte) error {
				return txn.Delete(append(logPrefix(item.Node), val...))
			}); err != nil {
				return err
			}
		} else if !errors.Is(err, badger.ErrKeyNotFound) {
			return err
		}

		seq, err := nextSeq(txn, item.Node)
		if err != nil {
			return err
		}
		data, err := json.Marshal(item)
		if err != nil {
			return err
		}
		if err = txn.Set(logKey(item.Node, seq), data); err != nil {
			return err
		}
		var buf [8]byte
		binary.BigEndian.PutUint64(buf[:], seq)
		if err = txn.Set(idxKey(item.Node, item.Id), buf[:]); err != nil {
			return err
		}

		if maxItems > 0 {
			return truncate(txn, item.Node, maxItems)
		}
		return nil
	})
}

// truncate drops oldest log entries until at most size remain.
func truncate(txn *badger.Txn, node string, size int) error {
	prefix := logPrefix(node)
	opts := badger.DefaultIteratorOptions
	opts.Prefix = prefix
	it := txn.NewIterator(opts)

	type victim struct {
		key []byte
		id  string
	}
	var entries []victim
	for it.Rewind(); it.Valid(); it.Next() {
		var stored t.Item
		err := it.Item().Value(func(val []byte) error {
			return json.Unmarshal(val, &stored)
		})
		if err != nil {
			it.Close()
			return err
		}
		entries = append(entries, victim{key: it.Item().KeyCopy(nil), id: stored.Id})
	}
	it.Close()

	for i := 0; i+size < len(entries); i++ {
		if err := txn.Delete(entries[i].key); err != nil {
			return err
		}
		if err := txn.Delete(idxKey(node, entries[i].id)); err != nil {
			return err
		}
	}
	return nil
}

// ItemGet returns the item by id, nil if missing.
func (a *adapter) ItemGet(node, id string) (*t.Item, error) {
	var found *t.Item
	err := a.db.View(func(txn *badger.Txn) error {
		idx, err := txn.Get(idxKey(node, id))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil
		} else if err != nil {
			return err
		}
		var seq []byte
		if seq, err = idx.ValueCopy(nil); err != nil {
			return err
		}
		entry, err := txn.Get(append(logPrefix(node), seq...))
		if err != nil {
			return err
		}
		return entry.Value(func(val []byte) error {
			found = &t.Item{}
			return json.Unmarshal(val, found)
		})
	})
	if err != nil {
		return nil, err
	}
	return found, nil
}

// ItemGetAll returns up to limit items ordered by insertion time.
func (a *adapter) ItemGetAll(node string, limit int, reverse bool) ([]t.Item, error) {
	var items []t.Item
	err := a.db.View(func(txn *badger.Txn) error {
		prefix := logPrefix(node)
		opts := badger.DefaultIteratorOptions
		opts.Prefix = prefix
		opts.Reverse = reverse
		it := txn.NewIterator(opts)
		defer it.Close()

		if reverse {
			// Position past the last key of the prefix range.
			it.Seek(append(prefix, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff))
		} else {
			it.Rewind()
		}
		for ; it.Valid(); it.Next() {
			if limit > 0 && len(items) >= limit {
				break
			}
			var stored t.Item
			err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &stored)
			})
			if err != nil {
				return err
			}
			items = append(items, stored)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return items, nil
}

// ItemDelete removes one item by id.
func (a *adapter) ItemDelete(node, id string) error {
	return a.db.Update(func(txn *badger.Txn) error {
		idx, err := txn.Get(idxKey(node, id))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return t.ErrItemNotFound
		} else if err != nil {
			return err
		}
		var seq []byte
		if seq, err = idx.ValueCopy(nil); err != nil {
			return err
		}
		if err = txn.Delete(append(logPrefix(node), seq...)); err != nil {
			return err
		}
		return txn.Delete(idxKey(node, id))
	})
}

// ItemDeleteAll clears the node's archive and resets its sequence.
func (a *adapter) ItemDeleteAll(node string) error {
	return a.db.Update(func(txn *badger.Txn) error {
		if err := deleteByPrefix(txn, logPrefix(node)); err != nil {
			return err
		}
		if err := deleteByPrefix(txn, framed('I', node)); err != nil {
			return err
		}
		err := txn.Delete(ctrKey(node))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil
		}
		return err
	})
}

// ItemCount returns the number of archived items for the node.
func (a *adapter) ItemCount(node string) (int, error) {
	count := 0
	err := a.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Prefix = logPrefix(node)
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			count++
		}
		return nil
	})
	return count, err
}

// ItemTruncate drops oldest items until at most size remain.
func (a *adapter) ItemTruncate(node string, size int) error {
	return a.db.Update(func(txn *badger.Txn) error {
		return truncate(txn, node, size)
	})
}

func init() {
	store.RegisterAdapter(adapterName, &adapter{})
}
