package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/wudi/gateway/internal/config"
	"github.com/wudi/gateway/internal/gateway"
	"github.com/wudi/gateway/internal/logging"
	"go.uber.org/zap"
)

var (
	version   = "dev"
	buildTime = "unknown"
)

func main() {
	settingsPath := flag.String("config", "configs/settings.yaml", "Path to the gateway's startup settings file")
	showVersion := flag.Bool("version", false, "Show version information")
	flag.Parse()

	if *showVersion {
		fmt.Printf("gateway %s (built %s)\n", version, buildTime)
		os.Exit(0)
	}

	settings, err := config.LoadSettings(*settingsPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load settings: %v\n", err)
		os.Exit(1)
	}

	logger, err := logging.New(settings.Logging.Level, logging.FileConfig{Path: settings.Logging.File})
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()
	logging.SetGlobal(logger)

	logging.Info("starting gateway",
		zap.String("version", version),
		zap.String("config", *settingsPath),
		zap.String("source", settings.Source.Type),
		zap.String("listen", settings.Listen),
	)

	srv, err := gateway.NewServer(settings)
	if err != nil {
		logging.Error("failed to build gateway", zap.Error(err))
		os.Exit(1)
	}

	if err := srv.Run(); err != nil {
		logging.Error("server error", zap.Error(err))
		os.Exit(1)
	}
}
