package main

import (
	"github.com/spf13/cobra"

	"github.com/parkseungchul/llmkit/internal/api"
)

func newServeCmd(global *globalOptions) *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve POST /v1/run, /healthz and /metrics over HTTP",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := global.loadConfig()
			if err != nil {
				return usageError(err)
			}
			if addr != "" {
				cfg.Server.Address = addr
			}
			ag, closeAgent, err := global.buildAgent(cmd.Context(), cfg)
			if err != nil {
				return &exitError{code: exitFailed, err: err}
			}
			defer closeAgent()

			if err := api.NewServer(cfg.Server.Address, ag).Start(cmd.Context()); err != nil {
				return &exitError{code: exitFailed, err: err}
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "Listen address, overrides server.address")
	return cmd
}
