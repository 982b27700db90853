package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"escrowd/config"
	"escrowd/core"
	"escrowd/observability"
	"escrowd/observability/logging"
	"escrowd/observability/otel"
	"escrowd/rpc"
	"escrowd/storage"
)

func main() {
	configFile := flag.String("config", "./config.toml", "Path to the configuration file")
	flag.Parse()

	cfg, err := config.Load(*configFile)
	if err != nil {
		panic(fmt.Sprintf("Failed to load config: %v", err))
	}

	logger := logging.Setup("escrowd", cfg.Env, cfg.LogFile)

	if cfg.Telemetry.Enabled {
		shutdown, err := otel.Init(context.Background(), otel.Config{
			ServiceName: "escrowd",
			Environment: cfg.Env,
			Endpoint:    cfg.Telemetry.Endpoint,
			Insecure:    cfg.Telemetry.Insecure,
		})
		if err != nil {
			logger.Error("Failed to initialise telemetry", slog.Any("error", err))
			os.Exit(1)
		}
		defer func() {
			_ = shutdown(context.Background())
		}()
	}

	db, err := storage.NewLevelDB(cfg.DataDir)
	if err != nil {
		panic(fmt.Sprintf("Failed to open database: %v", err))
	}
	defer db.Close()

	var gen *core.Genesis
	if strings.TrimSpace(cfg.GenesisFile) != "" {
		gen, err = core.LoadGenesis(cfg.GenesisFile)
		if err != nil {
			logger.Error("Failed to load genesis allocation", slog.Any("error", err))
			os.Exit(1)
		}
	}

	node, err := core.NewNode(db, gen)
	if err != nil {
		logger.Error("Failed to initialise node", slog.Any("error", err))
		os.Exit(1)
	}
	node.SetEmitter(observability.NewEventLogger(logger))

	server := rpc.NewServer(node, cfg.AuthSecret, logger)
	if err := server.Start(cfg.RPCAddress); err != nil {
		logger.Error("RPC server stopped", slog.Any("error", err))
		os.Exit(1)
	}
}
