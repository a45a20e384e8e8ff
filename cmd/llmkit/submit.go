package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/parkseungchul/llmkit/internal/llm"
	"github.com/parkseungchul/llmkit/internal/task"
)

func newSubmitCmd(global *globalOptions) *cobra.Command {
	var id string
	cmd := &cobra.Command{
		Use:   "submit <case.json|->",
		Short: "Publish cases as jobs to the configured redis or rabbitmq queue",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := global.loadConfig()
			if err != nil {
				return usageError(err)
			}
			if d := strings.ToLower(cfg.Queue.Driver); d == "" || d == task.DriverMemory {
				return usageError(errors.New("submit 需要 redis 或 rabbitmq 队列驱动"))
			}
			cases, _, err := llm.LoadCaseFile(args[0], cmd.InOrStdin())
			if err != nil {
				return usageError(err)
			}
			if id != "" && len(cases) > 1 {
				return usageError(errors.New("--id 只能用于单个 Case"))
			}

			jobs, results, err := task.Open(cmd.Context(), cfg.Queue, nil)
			if err != nil {
				return &exitError{code: exitFailed, err: err}
			}
			defer results.Close()
			service := task.NewService(jobs)
			defer service.Close()

			for _, c := range cases {
				raw, err := json.Marshal(c)
				if err != nil {
					return &exitError{code: exitFailed, err: err}
				}
				jobID, err := service.Submit(cmd.Context(), id, raw)
				if err != nil {
					return &exitError{code: exitFailed, err: err}
				}
				fmt.Fprintln(cmd.OutOrStdout(), jobID)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&id, "id", "", "Job id for a single case; generated when empty")
	return cmd
}
