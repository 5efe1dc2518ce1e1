package main

import (
	"encoding/json"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/tenderscope/tender-cli/internal/model"
)

var analysisCmd = &cobra.Command{
	Use:   "analysis",
	Short: "Manage analysis configurations",
}

var analysisApplyFile string

var analysisApplyCmd = &cobra.Command{
	Use:   "apply",
	Short: "Create or update an analysis from a YAML file",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		data, err := os.ReadFile(analysisApplyFile)
		if err != nil {
			return eris.Wrap(err, "read analysis file")
		}
		var a model.Analysis
		if err := yaml.Unmarshal(data, &a); err != nil {
			return eris.Wrap(err, "parse analysis file")
		}
		if a.ID == "" {
			a.ID = uuid.NewString()
		}
		if a.SearchPhrase == "" {
			return eris.New("analysis needs a search_phrase")
		}
		if len(a.Criteria) == 0 {
			return eris.New("analysis needs at least one criterion")
		}
		a.Criteria = model.NormalizeCriteria(a.Criteria)
		now := time.Now().UTC()
		if a.CreatedAt.IsZero() {
			a.CreatedAt = now
		}
		a.UpdatedAt = now

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck
		if err := st.Migrate(ctx); err != nil {
			return err
		}

		if err := st.SaveAnalysis(ctx, &a); err != nil {
			return eris.Wrap(err, "save analysis")
		}
		zap.L().Info("analysis saved",
			zap.String("analysis_id", a.ID),
			zap.String("name", a.Name),
			zap.Int("criteria", len(a.Criteria)),
		)
		return nil
	},
}

var analysisShowCmd = &cobra.Command{
	Use:   "show <analysis-id>",
	Short: "Show an analysis configuration",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck
		if err := st.Migrate(ctx); err != nil {
			return err
		}

		a, err := st.GetAnalysis(ctx, args[0])
		if err != nil {
			return eris.Wrap(err, "analysis show")
		}

		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(a)
	},
}

func init() {
	analysisApplyCmd.Flags().StringVar(&analysisApplyFile, "file", "", "path to the analysis YAML (required)")
	_ = analysisApplyCmd.MarkFlagRequired("file")
	analysisCmd.AddCommand(analysisApplyCmd)
	analysisCmd.AddCommand(analysisShowCmd)
	rootCmd.AddCommand(analysisCmd)
}
