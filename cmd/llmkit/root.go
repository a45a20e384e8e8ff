package main

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/parkseungchul/llmkit/internal/agent"
	"github.com/parkseungchul/llmkit/internal/config"
	"github.com/parkseungchul/llmkit/internal/observability/metrics"
	"github.com/parkseungchul/llmkit/pkg/logger"
)

// version 在构建时通过 -ldflags "-X main.version=..." 注入。
var version = "dev"

type globalOptions struct {
	configPath string
	logLevel   string
	timeout    time.Duration
}

func newRootCmd() *cobra.Command {
	opts := &globalOptions{}
	root := &cobra.Command{
		Use:           "llmkit",
		Short:         "Normalize calls to OpenAI-compatible and Gemini chat APIs",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&opts.configPath, "config", "c", "", "Config file (.json/.yaml); defaults to $LLMKIT_CONFIG")
	root.PersistentFlags().StringVar(&opts.logLevel, "log-level", "", "Override log level (debug|info|warn|error)")
	root.PersistentFlags().DurationVar(&opts.timeout, "timeout", 0, "Overall timeout per case, 0 disables it")

	root.AddCommand(
		newRunCmd(opts),
		newServeCmd(opts),
		newWorkerCmd(opts),
		newSubmitCmd(opts),
		newVersionCmd(),
	)
	return root
}

// loadConfig 读取配置文件（如有）并初始化日志。
func (o *globalOptions) loadConfig() (*config.Config, error) {
	path := strings.TrimSpace(o.configPath)
	if path == "" {
		path = strings.TrimSpace(os.Getenv("LLMKIT_CONFIG"))
	}
	var (
		cfg *config.Config
		err error
	)
	if path == "" {
		cfg = config.FromEnv(nil)
	} else if cfg, err = config.Load(path); err != nil {
		return nil, err
	}
	if o.logLevel != "" {
		cfg.Log.Level = o.logLevel
	}
	if err := logger.Init(cfg.Log); err != nil {
		return nil, err
	}
	return cfg, nil
}

// buildAgent 装配 Agent，调用方负责执行返回的 close。
func (o *globalOptions) buildAgent(ctx context.Context, cfg *config.Config, opts ...agent.Option) (*agent.Agent, func() error, error) {
	base := []agent.Option{
		agent.WithObserver(metrics.Default()),
		agent.WithRunTimeout(o.timeout),
	}
	return agent.FromConfig(ctx, cfg, append(base, opts...)...)
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the llmkit version",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			_, err := fmt.Fprintln(cmd.OutOrStdout(), "llmkit "+version)
			return err
		},
	}
}
