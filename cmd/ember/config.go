package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/samcharles93/ember/internal/config"
	"github.com/samcharles93/ember/internal/logger"
	"github.com/urfave/cli/v3"
)

// fileConfig is the loaded config file, zero when none exists.
var fileConfig config.Config

// flagSet is the part of *cli.Command the overlays need.
type flagSet interface {
	IsSet(name string) bool
}

// setup loads the config file, fills unset global flags from it and puts
// the logger in the context.
func setup(ctx context.Context, cmd *cli.Command) (context.Context, error) {
	cfg, path, err := config.LoadOrDefault(configPath)
	if err != nil {
		return ctx, cli.Exit(fmt.Sprintf("error: %v", err), 1)
	}
	fileConfig = cfg
	applyGlobalConfig(cmd, cfg)

	level := logger.ParseLevel(logLevel)
	if debug {
		level = slog.LevelDebug
	}
	log, err := logger.ForFormat(logFormat, os.Stderr, level)
	if err != nil {
		return ctx, cli.Exit(fmt.Sprintf("error: %v", err), 1)
	}
	if path != "" {
		log.Debug("loaded config", "path", path)
	}
	return logger.WithContext(ctx, log), nil
}

// applyGlobalConfig copies config file values into the global flag variables
// whose flags were not given. A flag fed from its environment variable counts
// as given.
func applyGlobalConfig(c flagSet, cfg config.Config) {
	overlay := func(name string, dst *string, v string) {
		if v != "" && !c.IsSet(name) {
			*dst = v
		}
	}
	overlay("log-level", &logLevel, cfg.LogLevel)
	overlay("log-format", &logFormat, cfg.LogFormat)
	overlay("cache-dir", &cacheDir, cfg.CacheDir)
	overlay("repo", &repository, cfg.Repository)
	overlay("hub-url", &hubURL, cfg.HubURL)
	overlay("revision", &revision, cfg.Revision)
	overlay("hf-token", &hfToken, cfg.HFToken)
}

// applyServeConfig fills the listen address from the config file.
func applyServeConfig(c flagSet, cfg config.Config, addr *string) {
	if cfg.ServerAddress != "" && !c.IsSet("addr") {
		*addr = cfg.ServerAddress
	}
}
