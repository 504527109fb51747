// Command grapher is an interactive client for a grapher telemetry server.
//
// Usage:
//
//	grapher [flags]
//
// Flags:
//
//	-server string    Control plane URL (default "http://localhost:5800")
//	-listen string    UDP address to receive snapshots on (default ":5801")
//	-encoding string  Snapshot encoding: json, cbor (default "json")
//
// Interactive Commands:
//
//	discover                  - Find servers via mDNS
//	connect <url>             - Switch to another server
//	inventory                 - List items and measures
//	subscribe <id>:<measure>… - Start streaming the selection
//	watch [n]                 - Print the next n snapshots
//	unsubscribe               - Stop streaming
//	status                    - Show stream health
//	quit                      - Exit
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"strconv"

	"github.com/nicktill/grapher/pkg/config"
	"github.com/nicktill/grapher/pkg/wire"
)

var (
	serverURL = flag.String("server", "http://localhost:"+config.DefaultPort, "Control plane URL")
	listen    = flag.String("listen", ":"+strconv.Itoa(config.DefaultUDPPort), "UDP address to receive snapshots on")
	encoding  = flag.String("encoding", config.DefaultCodec, "Snapshot encoding: json, cbor")
)

func main() {
	flag.Parse()

	codec, err := wire.CodecByName(*encoding)
	if err != nil {
		log.Fatalf("Invalid encoding: %v", err)
	}

	sh, err := newShell(*serverURL, *listen, codec)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to start shell: %v\n", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sh.Run(ctx, cancel)
}
