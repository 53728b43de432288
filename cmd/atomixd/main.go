// Atomix node daemon
// Assembles storage, Raft, sessions, primitives, transport, router, and
// admin/maintenance into one running partition-hosting process.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	_ "github.com/atomix-go/atomix/pkg/primitive/examples"

	"github.com/atomix-go/atomix/pkg/admin"
	"github.com/atomix-go/atomix/pkg/cluster"
	"github.com/atomix-go/atomix/pkg/config"
	"github.com/atomix-go/atomix/pkg/legacybus"
)

func main() {
	configPath := flag.String("config", "", "Path to config file")
	nodeID := flag.String("node-id", "", "Node ID")
	httpAddr := flag.String("http-addr", "", "Admin HTTP address")
	grpcAddr := flag.String("grpc-addr", "", "Messaging plane gRPC address")
	dataDir := flag.String("data-dir", "", "Data directory")
	flag.Parse()

	logger, _ := zap.NewProduction()
	defer logger.Sync()

	cfg := config.DefaultConfig()
	if *configPath != "" {
		var err error
		cfg, err = config.LoadConfig(*configPath)
		if err != nil {
			logger.Fatal("failed to load config", zap.Error(err))
		}
	}

	if *nodeID != "" {
		cfg.NodeID = *nodeID
	}
	if cfg.NodeID == "" {
		hostname, _ := os.Hostname()
		cfg.NodeID = fmt.Sprintf("node-%s-%d", hostname, time.Now().Unix())
	}
	if *httpAddr != "" {
		cfg.HTTPAddr = *httpAddr
	}
	if *grpcAddr != "" {
		cfg.GRPCAddr = *grpcAddr
	}
	if *dataDir != "" {
		cfg.DataDir = *dataDir
	}

	if err := cfg.Validate(); err != nil {
		logger.Fatal("invalid config", zap.Error(err))
	}

	logger.Info("starting atomix node",
		zap.String("node_id", cfg.NodeID),
		zap.String("http_addr", cfg.HTTPAddr),
		zap.String("grpc_addr", cfg.GRPCAddr),
		zap.String("data_dir", cfg.DataDir),
		zap.Int("partitions", cfg.PartitionGroup.Partitions),
	)

	node := cluster.NewNode(cfg, logger)
	if err := node.Bootstrap(); err != nil {
		logger.Fatal("failed to bootstrap node", zap.Error(err))
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := node.Start(ctx); err != nil {
		logger.Fatal("failed to start node", zap.Error(err))
	}

	adminServer := admin.NewServer(node)
	httpServer := &http.Server{Addr: cfg.HTTPAddr, Handler: adminServer.Handler()}
	go func() {
		logger.Info("admin server starting", zap.String("addr", cfg.HTTPAddr))
		if err := httpServer.ListenAndServe(); err != http.ErrServerClosed {
			logger.Error("admin server error", zap.Error(err))
		}
	}()

	var bridge *legacybus.Bridge
	if cfg.LegacyBus.Enabled {
		var err error
		bridge, err = legacybus.NewBridge(cfg.LegacyBus.Brokers, cfg.LegacyBus.Topic, node.Router(), logger)
		if err != nil {
			logger.Fatal("failed to start legacy bus bridge", zap.Error(err))
		}
		go bridge.Run(ctx)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	logger.Info("shutting down...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	httpServer.Shutdown(shutdownCtx)
	if bridge != nil {
		bridge.Close()
	}
	cancel()
	if err := node.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown error", zap.Error(err))
	}

	logger.Info("shutdown complete")
}
