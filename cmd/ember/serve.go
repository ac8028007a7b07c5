package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/labstack/echo/v5"
	"github.com/labstack/echo/v5/middleware"
	"github.com/samcharles93/ember/internal/api"
	"github.com/samcharles93/ember/internal/generate"
	"github.com/samcharles93/ember/internal/logger"
	"github.com/samcharles93/ember/internal/worker"
	"github.com/urfave/cli/v3"
)

func serveCmd() *cli.Command {
	var (
		addr        string
		dtype       string
		readTimeout time.Duration
	)

	return &cli.Command{
		Name:  "serve",
		Usage: "Serve the HTTP API",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:        "addr",
				Usage:       "listen address",
				Value:       "127.0.0.1:8080",
				Destination: &addr,
			},
			&cli.StringFlag{
				Name:        "dtype",
				Usage:       "weight precision (f32, f16, bf16)",
				Destination: &dtype,
			},
			&cli.DurationFlag{
				Name:        "read-timeout",
				Usage:       "read header timeout",
				Value:       30 * time.Second,
				Destination: &readTimeout,
			},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			log := logger.FromContext(ctx)
			applyServeConfig(cmd, fileConfig, &addr)
			if dtype == "" {
				dtype = fileConfig.DType
			}

			ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
			defer stop()

			session, cache, err := openSession(ctx, dtype,
				worker.WithStatusObserver(func(st worker.Status) {
					log.Debug("session status", "repository", st.Repository,
						"downloading", st.Downloading, "downloaded", st.Downloaded, "engine", st.EngineLoaded)
				}),
			)
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: %v", err), 1)
			}
			defer func() { _ = cache.Close() }()
			session.CheckDownloaded(ctx)

			server := api.NewServer(session,
				api.WithDefaults(fileConfig.Generation.Apply(generate.DefaultConfig())),
				api.WithLogger(log),
			)
			e := echo.New()
			e.Use(middleware.RequestLogger())
			e.Use(middleware.Recover())
			e.Use(api.RequestID())
			e.Use(api.Metrics())
			server.Register(e)

			log.Info("starting server", "address", addr, "repository", session.Repository())
			sc := echo.StartConfig{
				Address: addr,
				BeforeServeFunc: func(srv *http.Server) error {
					srv.ReadHeaderTimeout = readTimeout
					return nil
				},
			}
			return sc.Start(ctx, e)
		},
	}
}
