package cmd

import (
	"context"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/admitrievsky/freeroute/internal/adminhttp"
	"github.com/admitrievsky/freeroute/internal/config"
	"github.com/admitrievsky/freeroute/internal/dnsproxy"
	"github.com/admitrievsky/freeroute/internal/domainlists"
	"github.com/admitrievsky/freeroute/internal/events"
	"github.com/admitrievsky/freeroute/internal/routing"
	"github.com/admitrievsky/freeroute/internal/scheduler"
	"github.com/admitrievsky/freeroute/internal/version"
)

const reconcileInterval = time.Minute

var dryRun bool //nolint:gochecknoglobals // cobra command flag

//nolint:funlen
func newRunCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the freeroute DNS proxy and policy router",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			log := zerolog.Ctx(ctx)

			log.Info().
				Str("version", version.GetVersion()).
				Str("build_time", version.GetBuildTime()).
				Msg("freeroute starting")

			path := config.ResolvePath(cfgFile)

			cfg, err := config.Load(path)
			if err != nil {
				return err
			}

			log.Info().Str("config", path).Int("tunnels", len(cfg.Networking.Tunnels)).Msg("configuration loaded")

			registry, err := domainlists.NewRegistry(cfg)
			if err != nil {
				return err
			}

			resolver, err := dnsproxy.NewResolver()
			if err != nil {
				return err
			}

			if dryRun {
				for _, t := range cfg.Networking.Tunnels {
					log.Info().Str("tunnel", t.Name).Str("gateway", t.GatewayIP).Msg("dry-run tunnel validation")
				}

				log.Info().Msg("dry-run complete")

				return nil
			}

			manager := routing.NewManager(cfg)
			policy := routing.NewRouter(manager, registry, cfg)
			bus := events.NewBus()

			onResolve := func(ctx context.Context, remote, domain string, ips []string) {
				list := registry.Classify(ctx, domain, ips)

				var listName *string
				if list != nil {
					listName = &list.Name
				}

				bus.Publish(ctx, events.NewResolveEvent(remote, domain, ips, listName))
				policy.Route(ctx, list, domain, ips)
			}

			proxy := dnsproxy.New(cfg, resolver, onResolve)

			api := adminhttp.NewServer(cfg, registry, policy, manager, bus)
			if err := api.Start(ctx); err != nil {
				return err
			}

			go bus.Run(ctx)

			scheduler.Go(ctx, "route-reconcile", reconcileInterval, scheduler.TaskFunc(manager.Reconcile))
			scheduler.Go(ctx, "manual-list-flush", cfg.SaveInterval(), registry.NewFlusher())

			for _, spec := range registry.ExternalSpecs() {
				scheduler.Go(ctx, "refresh-"+spec.Name, spec.UpdateInterval, registry.NewRefresher(spec))
			}

			if watcher, err := registry.NewWatcher(); err != nil {
				log.Warn().Err(err).Msg("manual list watcher unavailable")
			} else {
				go watcher.Run(ctx)
			}

			return proxy.Run(ctx)
		},
	}
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "Validate config, lists and resolver, then exit")

	return cmd
}
