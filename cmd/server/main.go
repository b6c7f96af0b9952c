package main

import (
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/omochice/huddle/internal/cluster"
	"github.com/omochice/huddle/internal/config"
	"github.com/omochice/huddle/internal/logger"
	"github.com/omochice/huddle/internal/relay"
	"github.com/omochice/huddle/internal/store"
)

func main() {
	if err := run(os.Args[1:]); err != nil {
		log.Fatal(err)
	}
}

func run(args []string) error {
	fs := flag.NewFlagSet("server", flag.ContinueOnError)
	configPath := fs.String("config", "", "Path to a YAML config file")
	envFile := fs.String("env", ".env", "Path to a .env file")
	addr := fs.String("addr", "", "Address to listen on (e.g., :8080)")
	dbPath := fs.String("db", "", "SQLite database path, or :memory:")
	natsURL := fs.String("nats", "", "NATS URL; bridges envelopes to other relays when set")
	if err := fs.Parse(args); err != nil {
		return err
	}

	if err := config.LoadDotEnv(*envFile); err != nil {
		return fmt.Errorf("failed to load %s: %w", *envFile, err)
	}
	cfg, err := config.LoadRelay(*configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if *addr != "" {
		cfg.Server.Address = *addr
	}
	if *dbPath != "" {
		cfg.Storage.DBPath = *dbPath
	}
	if *natsURL != "" {
		cfg.Cluster.NATSURL = *natsURL
	}

	logg := logger.New(cfg.Logging.Level)
	defer logg.Sync()

	st, err := store.Open(cfg.Storage.DBPath)
	if err != nil {
		logg.Error("failed to open store", zap.String("path", cfg.Storage.DBPath), zap.Error(err))
		return err
	}
	defer st.Close()

	srv := relay.New(relay.Options{
		Address:        cfg.Server.Address,
		OutgoingBuffer: cfg.Server.OutgoingBuffer,
		HistorySize:    cfg.Storage.HistorySize,
		MetricsPath:    cfg.Server.MetricsPath,
	}, st, logg.Named("relay"))

	if cfg.Cluster.NATSURL != "" {
		bridge, err := cluster.Connect(cfg.Cluster.NATSURL, cluster.Options{
			Prefix: cfg.Cluster.Subject,
			NodeID: cfg.Cluster.NodeID,
		}, srv.Router(), logg.Named("cluster"))
		if err != nil {
			logg.Error("failed to connect to nats", zap.String("url", cfg.Cluster.NATSURL), zap.Error(err))
			return err
		}
		defer bridge.Close()
		if err := bridge.Start(); err != nil {
			logg.Error("failed to subscribe", zap.Error(err))
			return err
		}
		srv.Router().SetBridge(bridge)
		logg.Info("cluster bridge enabled", zap.String("node", bridge.NodeID()))
	}

	if err := srv.Listen(); err != nil {
		logg.Error("failed to listen", zap.String("addr", cfg.Server.Address), zap.Error(err))
		return err
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	errChan := make(chan error, 1)
	go func() {
		errChan <- srv.Serve()
	}()

	var serveErr error
	select {
	case serveErr = <-errChan:
		if serveErr != nil {
			logg.Error("server error", zap.Error(serveErr))
		}
	case sig := <-sigChan:
		logg.Info("shutting down", zap.Stringer("signal", sig))
	}
	srv.Stop()
	logg.Info("relay stopped")
	return serveErr
}
