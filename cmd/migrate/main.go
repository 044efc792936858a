package main

import (
	"flag"
	"fmt"
	"os"

	"go.uber.org/zap"

	"github.com/davidleathers/community-risk-engine/internal/infrastructure/config"
	"github.com/davidleathers/community-risk-engine/internal/infrastructure/database"
	"github.com/davidleathers/community-risk-engine/internal/infrastructure/telemetry"
)

type migrator interface {
	Up() error
	Down(steps int) error
	Version() (uint, bool, error)
}

func main() {
	var (
		configPath = flag.String("config", "", "Path to configuration file")
		action     = flag.String("action", "up", "Migration action: up, down, version")
		steps      = flag.Int("steps", 1, "Number of migrations to roll back (down only)")
	)
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger, err := telemetry.NewLogger(cfg.LogLevel, cfg.Environment)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to set up logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()

	m, err := database.NewMigrator(cfg.Database.URL, logger)
	if err != nil {
		logger.Fatal("failed to open migrator", zap.Error(err))
	}
	defer m.Close()

	if err := runAction(m, *action, *steps, logger); err != nil {
		logger.Error("migration failed", zap.String("action", *action), zap.Error(err))
		os.Exit(1)
	}
}

func runAction(m migrator, action string, steps int, logger *zap.Logger) error {
	switch action {
	case "up":
		return m.Up()
	case "down":
		return m.Down(steps)
	case "version":
		version, dirty, err := m.Version()
		if err != nil {
			return err
		}
		logger.Info("schema version", zap.Uint("version", version), zap.Bool("dirty", dirty))
		return nil
	default:
		return fmt.Errorf("unknown action %q", action)
	}
}
