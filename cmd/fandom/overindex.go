package main

import (
	"github.com/spf13/cobra"

	"github.com/vanillabrand/fandom/pkg/loader"
	"github.com/vanillabrand/fandom/pkg/overindex"
)

var (
	overindexSample   int
	overindexTop      int
	overindexMinScore float64
	overindexBaseline float64
	overindexFormat   string
)

var overindexCmd = &cobra.Command{
	Use:   "overindex [file]",
	Short: "Score following lists for over-indexed accounts",
	Long: `Read mined profile records (JSON, JSON lines or CSV) and report the
accounts the sample follows far more often than the baseline.

Records carry their following list under "following" (or an alias); when
none do, posts are used and mentions count instead.

Examples:
  fandom overindex followers.json
  fandom overindex --sample 200 --min-score 5 < followers.json
  fandom overindex --format csv export.txt`,
	Args: cobra.MaximumNArgs(1),
	RunE: runOverindex,
}

func init() {
	overindexCmd.Flags().IntVar(&overindexSample, "sample", 0, "Sample size (0 for the number of lists)")
	overindexCmd.Flags().IntVar(&overindexTop, "top", 0, "Accounts to keep (0 for the default)")
	overindexCmd.Flags().Float64Var(&overindexMinScore, "min-score", 0, "Minimum over-index score (0 for the default)")
	overindexCmd.Flags().Float64Var(&overindexBaseline, "baseline", 0, "Expected follow rate of a random account (0 for the default)")
	overindexCmd.Flags().StringVar(&overindexFormat, "format", "", "Input format: json, jsonl or csv (default: from extension or content)")
	rootCmd.AddCommand(overindexCmd)
}

func runOverindex(cmd *cobra.Command, args []string) error {
	in, err := openInput(cmd, inputArg(args))
	if err != nil {
		return err
	}
	defer in.Close()

	format := loader.Format(overindexFormat)
	if format == loader.FormatAuto {
		format = loader.FormatFromPath(inputArg(args))
	}
	records, err := loader.Load(in, format)
	if err != nil {
		return err
	}

	cfg := overindex.DefaultConfig()
	if overindexTop > 0 {
		cfg.TopN = overindexTop
	}
	if overindexMinScore > 0 {
		cfg.MinScore = overindexMinScore
	}
	if overindexBaseline > 0 {
		cfg.Baseline = overindexBaseline
	}

	report := overindex.New(cfg).AnalyzeRecords(records, overindexSample)
	return writeJSON(cmd, report)
}
