package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	flag "github.com/spf13/pflag"
	"go.uber.org/zap"

	"github.com/ekaya-inc/dbhandler/pkg/config"
	"github.com/ekaya-inc/dbhandler/pkg/dbhandler"
	"github.com/ekaya-inc/dbhandler/pkg/gateway"
	"github.com/ekaya-inc/dbhandler/pkg/logging"
	"github.com/ekaya-inc/dbhandler/pkg/models"
	"github.com/ekaya-inc/dbhandler/pkg/schema"
	"github.com/ekaya-inc/dbhandler/pkg/store"
)

// Version is set at build time via ldflags
var Version = "dev"

// Heartbeat is the row the demo host writes on every beat.
type Heartbeat struct {
	ID   int64     `db:"id,pk,auto"`
	Node string    `db:"node,notnull,size=64"`
	At   time.Time `db:"at,notnull"`
}

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	configPath := flag.String("config", config.DefaultPath, "path to the YAML configuration file")
	schemaPath := flag.String("schema", "", "optional YAML file with additional table declarations")
	tickInterval := flag.Duration("tick", 50*time.Millisecond, "how often main-context completions are delivered")
	beatInterval := flag.Duration("beat", 5*time.Second, "how often a heartbeat row is written")
	showVersion := flag.Bool("version", false, "print the version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Printf("dbhandler %s\n", Version)
		return nil
	}

	cfg, err := config.Load(*configPath, Version)
	if err != nil {
		return err
	}
	logger, err := logging.New(cfg.Log.Level, cfg.Log.Development)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	var tables []*models.Table
	if *schemaPath != "" {
		if tables, err = schema.LoadFile(*schemaPath); err != nil {
			return err
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	h, err := dbhandler.Start(ctx, cfg, logger, tables...)
	if err != nil {
		return err
	}
	beats, err := dbhandler.Repo[Heartbeat](ctx, h)
	if err != nil {
		_ = h.Stop(context.Background())
		return err
	}

	node, _ := os.Hostname()
	logger.Info("Host loop running",
		zap.String("version", Version),
		zap.Duration("tick", *tickInterval),
		zap.Duration("beat", *beatInterval),
	)

	ticker := time.NewTicker(*tickInterval)
	defer ticker.Stop()
	beat := time.NewTicker(*beatInterval)
	defer beat.Stop()

	for done := false; !done; {
		select {
		case <-ctx.Done():
			done = true
		case <-ticker.C:
			h.Tick()
		case <-beat.C:
			beats.Save(&Heartbeat{Node: node, At: time.Now().UTC()},
				store.Key(node),
				store.On(gateway.Main),
				store.Then(func(_ bool, err error) {
					if err != nil {
						logger.Warn("Heartbeat failed", zap.String("error", logging.SanitizeError(err)))
						return
					}
					logger.Debug("Heartbeat written", zap.Any("stats", h.Stats()))
				}))
		}
	}

	logger.Info("Shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := h.Stop(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}
