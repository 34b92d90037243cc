package commands

import (
	"github.com/spf13/cobra"

	"github.com/kkurt/erwin-addin-sub001/pkg/config"
	"github.com/kkurt/erwin-addin-sub001/pkg/server"
)

func newServeCommand() *cobra.Command {
	var listen string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the mutation API over HTTP",
		Long: `Serve the mutation API over HTTP.

  POST /v1/runs          run a mutation and return its report
  GET  /v1/runs          list recorded runs (?locator=&status=&limit=&offset=)
  GET  /v1/runs/{id}     one recorded run with its step outcomes
  GET  /v1/policies      the active request policies
  GET  /healthz          liveness and history store health
  GET  /metrics          Prometheus metrics, when telemetry.metrics.enabled

With policy.watch set, policy files are reloaded when they change.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			a, err := newApp(ctx, appOptions{
				orchestrate: true,
				override: func(cfg *config.Config) {
					if cmd.Flags().Changed("listen") {
						cfg.Server.ListenAddress = listen
					}
				},
			})
			if err != nil {
				return err
			}
			defer a.close(ctx)

			if a.cfg.Policy.Watch && len(a.cfg.Policy.Paths) > 0 {
				if err := a.policies.Watch(ctx, a.cfg.Policy.Paths); err != nil {
					return err
				}
			}

			opts := []server.Option{
				server.WithLogger(a.logger),
				server.WithPolicies(a.policies),
				server.WithMaxBodyBytes(a.cfg.Server.MaxBodyBytes),
			}
			if a.store != nil {
				opts = append(opts, server.WithHistory(a.store))
			}
			if a.tel.Metrics.Enabled() {
				opts = append(opts, server.WithMetrics(a.tel.Metrics.Handler()))
			}

			srv := server.New(a.orchestrator, opts...)
			sc := a.cfg.Server
			return srv.ListenAndServe(ctx, sc.ListenAddress, sc.ReadTimeout, sc.WriteTimeout, a.cfg.Run.CleanupGrace+sc.WriteTimeout)
		},
	}

	cmd.Flags().StringVarP(&listen, "listen", "l", "", "listen address (overrides server.listen_address)")

	return cmd
}
