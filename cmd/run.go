package main

import (
	"encoding/json"
	"os"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var runAnalysisID string

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Execute one analysis run",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		env, err := initPipeline(ctx)
		if err != nil {
			return err
		}
		defer env.Close()

		run, err := env.Pipeline.Run(ctx, runAnalysisID)
		if err != nil {
			return eris.Wrap(err, "pipeline run")
		}

		zap.L().Info("analysis run complete",
			zap.String("run_id", run.ID),
			zap.Int("candidates", run.Summary.TotalCandidates),
			zap.Int("persisted", run.Summary.Persisted),
			zap.Int("total_tokens", run.Summary.TotalTokens),
			zap.Float64("estimated_cost_usd", run.Summary.EstimatedCostUSD),
		)

		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(run)
	},
}

func init() {
	runCmd.Flags().StringVar(&runAnalysisID, "analysis", "", "analysis ID to run (required)")
	_ = runCmd.MarkFlagRequired("analysis")
	rootCmd.AddCommand(runCmd)
}
