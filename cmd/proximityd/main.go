package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/nearmesh/proximity/pkg/config"
	"github.com/nearmesh/proximity/pkg/discovery"
	"github.com/nearmesh/proximity/pkg/logging"
	"github.com/nearmesh/proximity/pkg/protocol"
	"github.com/nearmesh/proximity/pkg/proximity"
)

func setupLogger(cfg config.LoggingConfig) *logging.ColoredLogger {
	var logger *logging.ColoredLogger
	var err error

	if cfg.OutputFile != "" {
		logger, err = logging.NewFileLogger(logging.ComponentProximity, cfg.OutputFile, cfg.EnableColors)
	} else {
		logger, err = logging.NewColoredLogger(logging.ComponentProximity, cfg.EnableColors)
	}
	if err != nil {
		log.Fatalf("Failed to create logger: %v", err)
	}
	return logger
}

func loadConfig(path string) (*config.Config, error) {
	if path == "" {
		return config.DefaultConfig(), nil
	}
	return config.LoadFromFile(path)
}

func main() {
	configPath := flag.String("config", "", "Path to config YAML file (overrides defaults)")
	userID := flag.String("user", "", "Local user identifier (overrides config)")
	userTag := flag.String("tag", "", "Human-readable handle advertised to peers (overrides config)")
	wallet := flag.String("wallet", "", "Base58 wallet address advertised to peers (overrides config)")
	dbPath := flag.String("db", "", "SQLite database path (overrides config)")
	flag.Parse()

	cfg, err := loadConfig(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	if *userID != "" {
		cfg.Node.UserID = *userID
	}
	if *userTag != "" {
		cfg.Node.UserTag = *userTag
	}
	if *wallet != "" {
		cfg.Node.WalletAddress = *wallet
	}
	if *dbPath != "" {
		cfg.Storage.DatabasePath = *dbPath
	}
	if cfg.Node.UserID == "" {
		log.Fatal("A user identifier is required (-user or node.user_id)")
	}
	if cfg.Node.PeerID == "" {
		cfg.Node.PeerID = uuid.NewString()
	}

	logger := setupLogger(cfg.Logging)
	defer logger.Sync()

	radio := discovery.NewUDPRadio(discovery.Identity{
		PeerID:        protocol.PeerID(cfg.Node.PeerID),
		UserID:        cfg.Node.UserID,
		UserTag:       cfg.Node.UserTag,
		WalletAddress: cfg.Node.WalletAddress,
		ConnectAddr:   cfg.Discovery.ConnectAddr,
	}, cfg.Discovery.BeaconPort, logger)

	node, err := proximity.NewNode(cfg, radio, nil, logger)
	if err != nil {
		logger.Error("Failed to create node", zap.Error(err))
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := node.Start(ctx); err != nil {
		logger.Error("Failed to start node", zap.Error(err))
		os.Exit(1)
	}

	if err := node.Discovery.StartDiscovery(ctx, protocol.MethodWiFi); err != nil {
		logger.Error("Failed to start discovery", zap.Error(err))
		node.Close()
		os.Exit(1)
	}

	sess := node.Sessions.StartSession(cfg.Node.UserID, protocol.MethodWiFi, cfg.Session.DefaultDuration)
	logger.ComponentInfo(logging.ComponentProximity, "discovery session open",
		zap.String("session_id", sess.ID),
		zap.Time("expires_at", sess.ExpiresAt))

	<-ctx.Done()

	if err := node.Close(); err != nil {
		logger.Error("Shutdown error", zap.Error(err))
	}
}
