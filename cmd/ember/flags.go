package main

import (
	"github.com/samcharles93/ember/internal/hub"
	"github.com/urfave/cli/v3"
)

var (
	configPath string
	logLevel   string
	logFormat  string
	debug      bool

	cacheDir   string
	repository string
	hubURL     string
	revision   string
	hfToken    string
)

func globalFlags() []cli.Flag {
	return append(loggingFlags(),
		&cli.StringFlag{
			Name:        "config",
			Usage:       "path to a config file (.yaml, .toml or .json)",
			Destination: &configPath,
		},
		&cli.StringFlag{
			Name:        "cache-dir",
			Usage:       "directory holding the asset store",
			Destination: &cacheDir,
		},
		&cli.StringFlag{
			Name:        "repo",
			Aliases:     []string{"r"},
			Usage:       "model repository (org/name)",
			Destination: &repository,
		},
		&cli.StringFlag{
			Name:        "hub-url",
			Usage:       "hub endpoint",
			Sources:     cli.EnvVars(hub.EnvEndpoint),
			Destination: &hubURL,
		},
		&cli.StringFlag{
			Name:        "revision",
			Usage:       "repository revision",
			Destination: &revision,
		},
		&cli.StringFlag{
			Name:        "hf-token",
			Usage:       "hub access token",
			Sources:     cli.EnvVars(hub.EnvToken),
			Destination: &hfToken,
		},
	)
}

func loggingFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:        "log-level",
			Usage:       "log level (debug, info, warn, error)",
			Value:       "info",
			Destination: &logLevel,
		},
		&cli.StringFlag{
			Name:        "log-format",
			Usage:       "log format (pretty, json, text)",
			Value:       "pretty",
			Destination: &logFormat,
		},
		&cli.BoolFlag{
			Name:        "debug",
			Usage:       "enable debug logging (shorthand for --log-level=debug)",
			Destination: &debug,
		},
	}
}
