package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"biosign/go-backend/internal/composition/daemonserver"
)

var (
	version   = "dev"
	commit    = "unknown"
	buildDate = "unknown"
)

func main() {
	showVersion := flag.Bool("version", false, "print version and exit")
	rpcAddr := flag.String("rpc-addr", "", "JSON-RPC listen address (overrides config)")
	configPath := flag.String("config", "", "Path to config.yaml (optional)")
	dataDir := flag.String("data-dir", "", "Directory for daemon local data (optional)")
	rpcToken := flag.String("rpc-token", "", "RPC token for Authorization/X-Biosign-RPC-Token, or auto (optional)")
	platformLevel := flag.String("platform-level", "", "Simulated platform level override (optional)")
	flag.Parse()
	if *showVersion {
		fmt.Printf("biosignd version=%s commit=%s build_date=%s\n", version, commit, buildDate)
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	if *rpcToken != "" {
		_ = os.Setenv("BIOSIGN_RPC_TOKEN", *rpcToken)
	}
	if *platformLevel != "" {
		_ = os.Setenv("BIOSIGN_PLATFORM_LEVEL", *platformLevel)
	}

	d, err := daemonserver.NewRPCServerWithOptions(*rpcAddr, *configPath, *dataDir)
	if err != nil {
		log.Fatalf("biosignd failed to initialize: %v", err)
	}

	log.Println("biosignd starting")
	if err := d.Server.Run(ctx); err != nil {
		log.Fatalf("biosignd failed: %v", err)
	}
	log.Println("biosignd stopped")
}
