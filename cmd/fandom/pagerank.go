package main

import (
	"github.com/spf13/cobra"

	"github.com/vanillabrand/fandom/pkg/rank"
)

var (
	pagerankDamping    float64
	pagerankIterations int
	pagerankTop        int
)

var pagerankCmd = &cobra.Command{
	Use:   "pagerank [file]",
	Short: "Rank the nodes of a graph by PageRank",
	Long: `Read a graph document ({"nodes": [...], "links": [...]}) and print its
nodes ordered by PageRank. Link endpoints may be bare ids or node objects.

Examples:
  fandom pagerank graph.json
  fandom pagerank --top 10 --damping 0.9 < graph.json`,
	Args: cobra.MaximumNArgs(1),
	RunE: runPagerank,
}

func init() {
	def := rank.DefaultOptions()
	pagerankCmd.Flags().Float64Var(&pagerankDamping, "damping", def.Damping, "Damping factor")
	pagerankCmd.Flags().IntVar(&pagerankIterations, "iterations", def.Iterations, "Power iteration rounds")
	pagerankCmd.Flags().IntVar(&pagerankTop, "top", 20, "Nodes to print (0 for all)")
	rootCmd.AddCommand(pagerankCmd)
}

func runPagerank(cmd *cobra.Command, args []string) error {
	in, err := openInput(cmd, inputArg(args))
	if err != nil {
		return err
	}
	defer in.Close()

	g, err := rank.DecodeGraph(in)
	if err != nil {
		return err
	}

	scores := rank.PageRank(g, rank.Options{
		Damping:    pagerankDamping,
		Iterations: pagerankIterations,
	})
	return writeJSON(cmd, rank.Top(scores, pagerankTop))
}
