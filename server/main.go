/******************************************************************************
 *
 *  Description :
 *
 *    Setup & initialization of the pubsub service.
 *
 *****************************************************************************/

package main

import (
	"encoding/json"
	"expvar"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/handlers"
	jcr "github.com/tinode/jsonco"

	"github.com/ratatosk/pubsub/server/logs"
	"github.com/ratatosk/pubsub/server/notify"
	"github.com/ratatosk/pubsub/server/store"
	"github.com/ratatosk/pubsub/server/store/types"

	_ "github.com/ratatosk/pubsub/server/db/badgerdb"
	_ "github.com/ratatosk/pubsub/server/notify_stdout"
)

// currentVersion is the version reported to clients.
const currentVersion = "0.3"

// Maximum message size allowed from client in bytes.
const defaultMaxMessageSize = 1 << 19 // 512K

var globals struct {
	// Hub processing all inbound requests.
	hub *Hub
	// Live client sessions.
	sessionStore *SessionStore

	// Service-wide fallbacks for node configuration keys absent from a
	// create request.
	nodeDefaults types.NodeConfig
	// Publishing to a nonexistent node creates it.
	autocreateOnPublish bool

	// Externally supplied presence/roster relation oracle. The default
	// denies: relation-gated access models admit nobody until the
	// deployment wires a real oracle.
	related func(actor, owner string) bool

	// Maximum message size allowed from the clients.
	maxMessageSize int64

	// Channel for stats updates, nil if stats are disabled.
	statsUpdate chan *varUpdate
}

type configType struct {
	// HTTP(S) address to listen on.
	Listen string `json:"listen"`
	// URL path for exposing runtime stats, disabled if empty.
	ExpvarPath string `json:"expvar"`
	// Maximum message size allowed from client in bytes.
	MaxMessageSize int64 `json:"max_message_size"`

	// Service-wide node configuration defaults.
	NodeDefaults types.NodeConfig `json:"node_defaults"`
	// Create nodes on first publish.
	AutocreateOnPublish bool `json:"autocreate_on_publish"`

	// Snowflake worker id, 0-1023.
	WorkerID int `json:"worker_id"`

	// Configuration of the archive store.
	StoreConfig json.RawMessage `json:"store_config"`
	// Configuration of delivery handlers.
	Notify json.RawMessage `json:"notify"`
}

func main() {
	executable, _ := os.Executable()

	configfile := flag.String("config", "pubsub.conf", "Path to config file.")
	listenOn := flag.String("listen", "", "Override address and port to listen on.")
	debug := flag.Bool("debug", false, "Add file:line to log messages.")
	flag.Parse()

	logs.Init(*debug)
	logs.Info.Printf("Server v%s pid %d started", currentVersion, os.Getpid())
	logs.Info.Printf("Using config from '%s' (%s)", *configfile, executable)

	var config configType
	if file, err := os.Open(*configfile); err != nil {
		logs.Err.Fatal("Failed to read config file: ", err)
	} else {
		jr := jcr.New(file)
		if err = json.NewDecoder(jr).Decode(&config); err != nil {
			switch jerr := err.(type) {
			case *json.UnmarshalTypeError:
				lnum, cnum, _ := jr.LineAndChar(jerr.Offset)
				logs.Err.Fatalf("Unmarshall error in config file in %s at %d:%d (offset %d bytes): %s",
					jerr.Field, lnum, cnum, jerr.Offset, jerr.Error())
			case *json.SyntaxError:
				lnum, cnum, _ := jr.LineAndChar(jerr.Offset)
				logs.Err.Fatalf("Syntax error in config file at %d:%d (offset %d bytes): %s",
					lnum, cnum, jerr.Offset, jerr.Error())
			default:
				logs.Err.Fatal("Failed to parse config file: ", err)
			}
		}
		file.Close()
	}

	if *listenOn != "" {
		config.Listen = *listenOn
	}
	if config.Listen == "" {
		config.Listen = ":6060"
	}
	if config.MaxMessageSize <= 0 {
		config.MaxMessageSize = defaultMaxMessageSize
	}

	if err := store.Store.Open(config.WorkerID, config.StoreConfig); err != nil {
		logs.Err.Fatal("Failed to open archive store: ", err)
	}
	defer func() {
		store.Store.Close()
		logs.Info.Println("Closed archive store")
	}()
	logs.Info.Println("Archive adapter:", store.Store.GetAdapterName())

	if enabled, err := notify.Init(config.Notify); err != nil {
		logs.Err.Fatal("Failed to initialize delivery handlers: ", err)
	} else if len(enabled) > 0 {
		logs.Info.Println("Delivery handlers:", enabled)
	}
	defer notify.Stop()

	globals.nodeDefaults = config.NodeDefaults
	globals.autocreateOnPublish = config.AutocreateOnPublish
	globals.maxMessageSize = config.MaxMessageSize
	globals.related = func(actor, owner string) bool { return false }

	globals.sessionStore = NewSessionStore()
	globals.hub = newHub()

	statsRegisterInt("LiveSessions")
	statsRegisterInt("TotalSessions")
	statsRegisterInt("IncomingMessagesTotal")

	mux := http.NewServeMux()
	mux.HandleFunc("/v0/channels", serveWebSocket)
	statsInit(mux, config.ExpvarPath)

	if dbStats := store.Store.DbStats(); dbStats != nil {
		expvar.Publish("ArchiveStats", expvar.Func(dbStats))
	}

	server := &http.Server{
		Addr:    config.Listen,
		Handler: handlers.CombinedLoggingHandler(os.Stdout, mux),
	}

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		logs.Info.Printf("Listening on [%s]", config.Listen)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logs.Err.Fatal("HTTP server failed: ", err)
		}
	}()

	sig := <-stop
	logs.Info.Println("Shutting down:", sig)

	server.Close()
	globals.sessionStore.Shutdown()
	globals.hub.stop()
	statsShutdown()
	// Give the write loops a moment to flush shutdown messages.
	time.Sleep(100 * time.Millisecond)

	logs.Info.Println("All done, good bye")
}
