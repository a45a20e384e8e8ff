package main

import (
	"context"
	"errors"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/parkseungchul/llmkit/internal/observability/metrics"
	"github.com/parkseungchul/llmkit/internal/task"
	"github.com/parkseungchul/llmkit/pkg/logger"
)

func newWorkerCmd(global *globalOptions) *cobra.Command {
	var (
		workers     int
		driver      string
		metricsAddr string
	)
	cmd := &cobra.Command{
		Use:   "worker",
		Short: "Consume {id, case} jobs from a queue and publish {id, envelope} results",
		Long: `Consume jobs from the configured queue and publish one result per job.

With the memory driver, jobs are read line by line from stdin (either {id, case}
objects or bare cases) and results are written to stdout as JSON lines; the
worker exits once stdin is drained.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := global.loadConfig()
			if err != nil {
				return usageError(err)
			}
			if driver != "" {
				cfg.Queue.Driver = driver
			}
			if workers > 0 {
				cfg.Queue.Workers = workers
			}
			ctx := cmd.Context()
			log := logger.Named("worker")

			ag, closeAgent, err := global.buildAgent(ctx, cfg)
			if err != nil {
				return &exitError{code: exitFailed, err: err}
			}
			defer closeAgent()

			jobs, results, err := task.Open(ctx, cfg.Queue, cmd.OutOrStdout())
			if err != nil {
				return &exitError{code: exitFailed, err: err}
			}
			defer jobs.Close()
			defer results.Close()

			ctx, cancel := context.WithCancel(ctx)
			defer cancel()
			if metricsAddr != "" {
				go func() {
					if err := metrics.StartServer(ctx, metricsAddr, metrics.Default()); err != nil {
						log.Error("metrics 服务异常退出", slog.Any("error", err))
					}
				}()
			}
			if mem, ok := jobs.(*task.MemoryQueue); ok {
				go func() {
					defer mem.Close()
					n, err := task.Feed(ctx, cmd.InOrStdin(), mem)
					if err != nil {
						log.Error("读取任务输入失败", slog.Any("error", err))
					}
					log.Info("任务输入读取完毕", slog.Int("jobs", n))
				}()
			}

			processor := task.NewProcessor(ag, jobs, results,
				task.WithWorkerCount(cfg.Queue.Workers),
				task.WithProcessorLogger(log),
			)
			if err := processor.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
				return &exitError{code: exitFailed, err: err}
			}
			return nil
		},
	}
	cmd.Flags().IntVar(&workers, "workers", 0, "Number of concurrent consumers, overrides queue.workers")
	cmd.Flags().StringVar(&driver, "driver", "", "Queue driver (memory|redis|rabbitmq), overrides queue.driver")
	cmd.Flags().StringVar(&metricsAddr, "metrics-addr", "", "Expose /metrics on this address while the worker runs")
	return cmd
}
