package main

import (
	"encoding/json"
	"io"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/parkseungchul/llmkit/internal/agent"
	"github.com/parkseungchul/llmkit/internal/llm"
	"github.com/parkseungchul/llmkit/internal/prompt"
)

type runOptions struct {
	continueOnError bool
	compact         bool
}

func newRunCmd(global *globalOptions) *cobra.Command {
	opts := &runOptions{}
	cmd := &cobra.Command{
		Use:   "run <case.json|->",
		Short: "Run a case (or a {defaults, cases} batch) and print the envelope",
		Long: `Run one case file and print the result envelope as JSON on stdout.

A batch file {"defaults": {...}, "cases": [...]} prints a JSON array and stops
at the first failed case unless --continue is given.

Exit codes: 0 success, 1 when any envelope has error_at set, 2 on usage errors.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := global.loadConfig()
			if err != nil {
				return usageError(err)
			}
			cases, batch, err := llm.LoadCaseFile(args[0], cmd.InOrStdin())
			if err != nil {
				return usageError(err)
			}

			// 用例文件中的 "@" 相对路径优先相对于用例文件所在目录。
			var agentOpts []agent.Option
			if args[0] != "-" {
				agentOpts = append(agentOpts, agent.WithPromptResolver(prompt.NewResolver(prompt.WithBaseDir(filepath.Dir(args[0])))))
			}
			ag, closeAgent, err := global.buildAgent(cmd.Context(), cfg, agentOpts...)
			if err != nil {
				return &exitError{code: exitFailed, err: err}
			}
			defer closeAgent()

			envelopes := make([]agent.Envelope, 0, len(cases))
			failed := false
			for _, c := range cases {
				env := ag.Run(cmd.Context(), c)
				envelopes = append(envelopes, env)
				if env.Failed() {
					failed = true
					if !opts.continueOnError {
						break
					}
				}
			}

			var out any = envelopes
			if !batch {
				out = envelopes[0]
			}
			if err := writeJSON(cmd.OutOrStdout(), out, opts.compact); err != nil {
				return &exitError{code: exitFailed, err: err}
			}
			if failed {
				return &exitError{code: exitFailed}
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&opts.continueOnError, "continue", false, "Keep running batch cases after a failure")
	cmd.Flags().BoolVar(&opts.compact, "compact", false, "Print compact JSON instead of indented JSON")
	return cmd
}

func writeJSON(w io.Writer, v any, compact bool) error {
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(false)
	if !compact {
		enc.SetIndent("", "  ")
	}
	return enc.Encode(v)
}
