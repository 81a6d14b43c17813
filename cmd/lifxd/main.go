package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/dokzlo13/lifxd/internal/app"
	"github.com/dokzlo13/lifxd/internal/config"
)

func main() {
	var configPath string
	flag.StringVar(&configPath, "config", "config.yaml", "Path to configuration file")
	flag.StringVar(&configPath, "c", "config.yaml", "Path to configuration file (shorthand)")
	resetInventory := flag.Bool("reset-inventory", false, "Forget remembered lights on startup")
	checkOnly := flag.Bool("check", false, "Validate the configuration and exit")
	scanOnly := flag.Bool("scan", false, "Run one discovery pass, print the lights found as JSON and exit")
	flag.Parse()

	cfg, err := config.Load(configPath)
	if err != nil {
		log.Fatal().Err(err).Str("config", configPath).Msg("Failed to load configuration")
	}
	setupLogging(cfg.Log)

	if *checkOnly {
		log.Info().Str("config", configPath).Int("lights", len(cfg.Lifx.Lights)).Msg("Configuration OK")
		return
	}
	if *scanOnly {
		if err := scan(cfg); err != nil {
			log.Fatal().Err(err).Msg("Scan failed")
		}
		return
	}

	log.Info().Str("config", configPath).Int("lights", len(cfg.Lifx.Lights)).Msg("Starting lifxd")

	application, err := app.New(cfg, configPath)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to create application")
	}
	if *resetInventory {
		log.Info().Msg("Clearing device inventory (--reset-inventory)")
		if err := application.ClearInventory(); err != nil {
			log.Warn().Err(err).Msg("Failed to clear inventory")
		}
	}

	if err := application.Run(app.SignalContext()); err != nil {
		log.Fatal().Err(err).Msg("lifxd stopped")
	}
}

func scan(cfg *config.Config) error {
	ctx, cancel := context.WithTimeout(app.SignalContext(), cfg.Discovery.Window.Duration()+5*time.Second)
	defer cancel()

	results, err := app.Scan(ctx, cfg)
	if err != nil {
		return err
	}
	log.Info().Int("found", len(results)).Msg("Scan complete")
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(results); err != nil {
		return fmt.Errorf("write results: %w", err)
	}
	return nil
}

func setupLogging(cfg config.LogConfig) {
	zerolog.TimeFieldFormat = time.RFC3339

	if cfg.JSON {
		log.Logger = zerolog.New(os.Stderr).With().Timestamp().Logger()
	} else {
		log.Logger = log.Output(zerolog.ConsoleWriter{
			Out:        os.Stderr,
			TimeFormat: "2006-01-02T15:04:05.000Z07:00",
			NoColor:    !cfg.Colors,
		})
	}

	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil || level == zerolog.NoLevel {
		log.Warn().Str("level", cfg.Level).Msg("Unknown log level, using info")
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)
}
