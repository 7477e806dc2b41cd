// huddle is a peer-to-peer call daemon: libp2p for discovery and signaling,
// WebRTC for media, SQLite for chat state, and a local HTTP API to drive it.
package main

import (
	"flag"
	"fmt"
	"log"
	"os"
)

var (
	configPath = flag.String("config", "huddle.json", "Path to config file")
	dataDir    = flag.String("data", "", "Override data directory")
	httpAddr   = flag.String("http", "", "Override API listen address")
	showHelp   = flag.Bool("h", false, "Show help")
	version    = flag.Bool("version", false, "Show version")
)

// appVersion is set at build time via -ldflags "-X main.appVersion=x.y.z"
var appVersion = "dev"

func main() {
	flag.Parse()

	if *version {
		fmt.Printf("huddle v%s\n", appVersion)
		return
	}
	if *showHelp {
		showUsage()
		return
	}

	if err := run(*configPath, *dataDir, *httpAddr); err != nil {
		log.Fatalf("huddle: %v", err)
	}
}

func showUsage() {
	fmt.Println("huddle: peer-to-peer calls over libp2p + WebRTC")
	fmt.Println()
	fmt.Println("Usage:")
	fmt.Println("  huddle [flags]")
	fmt.Println()
	fmt.Println("Flags:")
	flag.PrintDefaults()
	os.Exit(0)
}
