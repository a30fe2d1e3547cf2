// Command coordinator runs the training-fleet coordinator.
//
// Usage:
//
//	coordinator [flags] [bind-address]
//
// The positional bind address (default ":8780") serves the worker RPC
// surface; the control-plane API listens on coordinator.toml's api_addr
// (default ":8790"). Environment variables override config keys by
// SECTION_KEY name, and DEMO_MODE=true seeds a synthetic fleet for the
// operator UI.
//
// Exit status is 0 after a graceful shutdown and non-zero on configuration
// errors, bind failures or a fatal checkpoint-index rehydration error.
package main

import (
	"context"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/flockml/flock/internal/config"
	"github.com/flockml/flock/internal/coordinator"
	"github.com/flockml/flock/internal/storage"
)

const defaultBindAddr = ":8780"

func main() {
	configPath := flag.String("config", "", "path to coordinator.toml (default: ./coordinator.toml when present)")
	flag.Parse()

	log, err := zap.NewProduction()
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	bindAddr := defaultBindAddr
	if flag.NArg() > 0 {
		bindAddr = flag.Arg(0)
	}

	path := *configPath
	if path == "" {
		if _, err := os.Stat("coordinator.toml"); err == nil {
			path = "coordinator.toml"
		}
	}
	cfg, err := config.Load(path)
	if err != nil {
		log.Fatal("configuration error", zap.Error(err))
	}

	store, err := openStorage(cfg.Storage)
	if err != nil {
		log.Fatal("storage backend", zap.Error(err))
	}

	srv := coordinator.NewServer(cfg, store, log)
	srv.SetBindAddr(bindAddr)

	rehydrateCtx, cancel := context.WithTimeout(context.Background(), time.Minute)
	err = srv.Rehydrate(rehydrateCtx)
	cancel()
	if err != nil {
		log.Fatal("checkpoint index rehydration", zap.Error(err))
	}

	if os.Getenv("DEMO_MODE") == "true" {
		srv.SeedDemo()
	}
	srv.Start()

	rpcLn, err := net.Listen("tcp", bindAddr)
	if err != nil {
		log.Fatal("bind rpc listener", zap.String("addr", bindAddr), zap.Error(err))
	}
	apiLn, err := net.Listen("tcp", cfg.Coordinator.APIAddr)
	if err != nil {
		log.Fatal("bind api listener", zap.String("addr", cfg.Coordinator.APIAddr), zap.Error(err))
	}

	rpcSrv := &http.Server{
		Handler:           srv.RPCHandler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	apiSrv := &http.Server{
		Handler:           srv.APIHandler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		log.Info("rpc listening", zap.String("addr", bindAddr))
		if err := rpcSrv.Serve(rpcLn); err != nil && err != http.ErrServerClosed {
			log.Fatal("rpc serve", zap.Error(err))
		}
	}()
	go func() {
		log.Info("control-plane listening", zap.String("addr", cfg.Coordinator.APIAddr))
		if err := apiSrv.Serve(apiLn); err != nil && err != http.ErrServerClosed {
			log.Fatal("api serve", zap.Error(err))
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	<-stop
	log.Info("shutting down")

	ctx, cancel := context.WithTimeout(context.Background(), cfg.Coordinator.ShutdownGrace.Duration)
	defer cancel()
	_ = rpcSrv.Shutdown(ctx)
	_ = apiSrv.Shutdown(ctx)
	srv.Shutdown()
}

func openStorage(cfg config.StorageConfig) (storage.Backend, error) {
	switch cfg.Backend {
	case "memory":
		return storage.NewMemoryBackend(), nil
	case "local":
		return storage.NewLocalBackend(cfg.Path)
	case "etcd":
		return storage.NewEtcdBackend(cfg.Endpoints, cfg.Prefix)
	default:
		return nil, fmt.Errorf("unknown storage backend %q", cfg.Backend)
	}
}
