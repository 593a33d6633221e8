package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"

	"github.com/danmuck/iso-relayer/internal/config"
	"github.com/danmuck/iso-relayer/internal/logging"
	"github.com/danmuck/iso-relayer/internal/observability"
	"github.com/danmuck/iso-relayer/internal/relay"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

func newServeCommand() *cobra.Command {
	var path string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the relay",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			logging.ConfigureRuntime()
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return serve(ctx, path, log.Logger)
		},
	}
	cmd.Flags().StringVarP(&path, "config", "c", defaultConfigPath, "relay config file")
	return cmd
}

func serve(ctx context.Context, path string, logger zerolog.Logger) error {
	cfg, err := config.Load(path)
	if err != nil {
		return err
	}
	if cfg.Monitoring.LogLevel != "" && !logging.SetLevel(cfg.Monitoring.LogLevel) {
		logger.Warn().Str("log_level", cfg.Monitoring.LogLevel).Msg("unknown log level ignored")
	}
	logger = logger.With().Str("relay", cfg.Relay.Name).Logger()

	summary := observability.NewSummary()
	sink := observability.Fanout{observability.NewRecorder(logger), summary}
	params, err := cfg.RelayParams(sink, logger)
	if err != nil {
		return err
	}
	svc, err := relay.New(params)
	if err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		err := svc.Run(gctx)
		if errors.Is(err, relay.ErrForcedShutdown) {
			// an operator asked to stop; what was cut short is in the error
			logger.Warn().Err(err).Msg("shutdown deadline reached")
			return nil
		}
		return err
	})
	if cfg.Monitoring.On() {
		mon := observability.NewServer(cfg.MonitoringServer(), svc, logger, observability.WithSummary(summary))
		g.Go(func() error {
			return mon.Start(gctx)
		})
	}
	g.Go(func() error {
		watchReloads(gctx, path, svc, logger)
		return nil
	})
	return g.Wait()
}

// watchReloads swaps the route table on SIGHUP. Only routes are reloaded;
// endpoint and listener changes need a restart.
func watchReloads(ctx context.Context, path string, svc *relay.Service, logger zerolog.Logger) {
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)
	for {
		select {
		case <-ctx.Done():
			return
		case <-hup:
			if err := reloadRoutes(path, svc); err != nil {
				logger.Error().Err(err).Str("config", path).Msg("route reload rejected")
				continue
			}
			logger.Info().Str("config", path).Msg("routes reloaded")
		}
	}
}

func reloadRoutes(path string, svc *relay.Service) error {
	cfg, err := config.Load(path)
	if err != nil {
		return err
	}
	table, err := cfg.RouteTable()
	if err != nil {
		return err
	}
	return svc.ReloadRoutes(table)
}
