package main

import (
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/martinemde/blenderagent/bridge"
	"github.com/martinemde/blenderagent/server"
)

func newServeCommand(state *cliState) *cobra.Command {
	var addr string

	cmd := &cobra.Command{
		Use:         "serve",
		Short:       "Serve the agent over a local websocket",
		Long:        "Expose chat over /ws together with /healthz, /sessions and /metrics, and watch the Blender bridge.",
		Example:     "  blenderagent serve --addr 127.0.0.1:8090",
		Args:        cobra.NoArgs,
		Annotations: map[string]string{logFormatAnnotation: "json"},
		RunE: func(cmd *cobra.Command, args []string) error {
			if addr == "" {
				addr = state.cfg.Server.Addr
			}
			ctx, stop := interruptContext(cmd.Context())
			defer stop()

			a, err := newApp(ctx, state.cfg, state.logger)
			if err != nil {
				return err
			}
			defer a.Close()

			monitor := bridge.NewMonitor(a.bridge, state.cfg.Bridge.HealthInterval, state.logger, a.metrics, func(online bool) {
				if !online {
					return
				}
				if err := a.service.RefreshContext(ctx); err != nil {
					state.logger.Warn("refresh context from Blender", zap.Error(err))
				}
			})
			srv := server.New(a.service, a.metrics, monitor, state.logger)

			state.logger.Info("starting blenderagent",
				zap.String("addr", addr),
				zap.String("bridge", a.bridge.BaseURL()),
				zap.String("provider", state.cfg.LLM.Provider),
				zap.String("model", state.cfg.LLM.Model),
				zap.Bool("knowledge_base", state.cfg.Qdrant.Enabled),
				zap.Int("pid", os.Getpid()),
			)

			g, gctx := errgroup.WithContext(ctx)
			g.Go(func() error { return srv.Run(gctx, addr) })
			g.Go(func() error { return monitor.Run(gctx) })
			return g.Wait()
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "Listen address (defaults to server.addr)")
	return cmd
}
