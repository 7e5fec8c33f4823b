// Package notify_stdout is a sample implementation of a delivery plugin.
// If enabled, it writes every notification event to stdout as JSON.
package notify_stdout

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"github.com/ratatosk/pubsub/server/notify"
)

var handler stdoutNotify

// How much to buffer the input channel.
const defaultBuffer = 32

type stdoutNotify struct {
	initialized bool
	input       chan *notify.Event
	stop        chan bool
}

type configType struct {
	Enabled bool `json:"enabled"`
	Buffer  int  `json:"buffer"`
}

// Init initializes the handler.
func (stdoutNotify) Init(jsonconf json.RawMessage) (bool, error) {
	if handler.initialized {
		return false, errors.New("already initialized")
	}

	var config configType
	if err := json.Unmarshal(jsonconf, &config); err != nil {
		return false, errors.New("failed to parse config: " + err.Error())
	}

	handler.initialized = true

	if !config.Enabled {
		return false, nil
	}

	if config.Buffer <= 0 {
		config.Buffer = defaultBuffer
	}

	handler.input = make(chan *notify.Event, config.Buffer)
	handler.stop = make(chan bool, 1)

	go func() {
		for {
			select {
			case evt := <-handler.input:
				if data, err := json.Marshal(evt); err == nil {
					fmt.Fprintln(os.Stdout, string(data))
				}
			case <-handler.stop:
				return
			}
		}
	}()

	return true, nil
}

// IsReady checks if the handler is initialized and enabled.
func (stdoutNotify) IsReady() bool {
	return handler.input != nil
}

// Deliver returns a channel that the server will use to send events to.
// If the adapter blocks, the event will be dropped.
func (stdoutNotify) Deliver() chan<- *notify.Event {
	return handler.input
}

// Stop terminates the handler's worker.
func (stdoutNotify) Stop() {
	handler.stop <- true
}

func init() {
	notify.Register("stdout", handler)
}
