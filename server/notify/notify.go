// Package notify contains the interface to be implemented by delivery
// plugins: external collaborators which fan notification events out to
// parties not connected through a live session.
package notify

import (
	"encoding/json"
	"errors"
	"time"
)

// Event types.
const (
	// ActPublish is a new item.
	ActPublish = "publish"
	// ActRetract is a single item removal.
	ActRetract = "retract"
	// ActPurge clears the whole node archive.
	ActPurge = "purge"
	// ActDelete announces node deletion.
	ActDelete = "delete"
)

// Event is one notification produced by the service. Delivery is
// best-effort: the service never waits on it.
type Event struct {
	// What happened: publish, retract, purge, delete.
	What string `json:"what"`
	// Node affected by the action.
	Node string `json:"node"`
	// Item id, set for publish and retract.
	ItemId string `json:"item_id,omitempty"`
	// Payload of the published item, omitted for retractions.
	Payload json.RawMessage `json:"payload,omitempty"`
	// Publisher identity, set for publish.
	Publisher string `json:"publisher,omitempty"`
	// Timestamp of the action.
	Timestamp time.Time `json:"ts"`
}

// Handler is an interface which must be implemented by delivery plugins.
type Handler interface {
	// Init initializes the handler. A false response with nil error
	// means the handler is present but disabled by config.
	Init(jsonconf json.RawMessage) (bool, error)

	// IsReady checks if the handler is initialized and enabled.
	IsReady() bool

	// Deliver returns a channel the server sends events to.
	// An event is dropped if the channel blocks.
	Deliver() chan<- *Event

	// Stop terminates the handler's worker.
	Stop()
}

type configType struct {
	Name   string          `json:"name"`
	Config json.RawMessage `json:"config"`
}

var handlers map[string]Handler

// Register a delivery handler.
func Register(name string, hnd Handler) {
	if handlers == nil {
		handlers = make(map[string]Handler)
	}

	if hnd == nil {
		panic("Register: notify handler is nil")
	}
	if _, dup := handlers[name]; dup {
		panic("Register: called twice for handler " + name)
	}
	handlers[name] = hnd
}

// Init initializes registered handlers.
func Init(jsconfig json.RawMessage) ([]string, error) {
	var config []configType

	if len(jsconfig) == 0 || string(jsconfig) == "null" {
		return nil, nil
	}
	if err := json.Unmarshal(jsconfig, &config); err != nil {
		return nil, errors.New("failed to parse config: " + err.Error())
	}

	var enabled []string
	for _, cc := range config {
		if hnd := handlers[cc.Name]; hnd != nil {
			if ok, err := hnd.Init(cc.Config); err != nil {
				return nil, err
			} else if ok {
				enabled = append(enabled, cc.Name)
			}
		}
	}

	return enabled, nil
}

// Deliver sends one event to every enabled handler without blocking.
func Deliver(evt *Event) {
	if handlers == nil {
		return
	}

	for _, hnd := range handlers {
		if !hnd.IsReady() {
			continue
		}

		// Deliver without delay or skip.
		select {
		case hnd.Deliver() <- evt:
		default:
		}
	}
}

// Stop all delivery handlers.
func Stop() {
	for _, hnd := range handlers {
		if hnd.IsReady() {
			// Will potentially block.
			hnd.Stop()
		}
	}
}
