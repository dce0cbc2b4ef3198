package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var searchCmd = &cobra.Command{
	Use:   "search <schema> <text>",
	Short: "Embed text and search_similar against schema's vector index (spec §6: search_similar)",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		k, _ := cmd.Flags().GetInt("k")
		minScore, _ := cmd.Flags().GetFloat64("min-score")

		vec, err := cmdCtx.database.Embedder.Embed(cmdCtx.ctx, args[1])
		if err != nil {
			return fmt.Errorf("embed query text: %w", err)
		}
		hits, err := cmdCtx.database.SearchSimilar(cmdCtx.ctx, args[0], vec, k, float32(minScore))
		if err != nil {
			return err
		}
		if cmdCtx.jsonOut {
			return json.NewEncoder(os.Stdout).Encode(hits)
		}
		for _, h := range hits {
			fmt.Printf("%s\t%.4f\n", h.ID, h.Score)
		}
		return nil
	},
}

func init() {
	searchCmd.Flags().Int("k", 10, "number of neighbors to return")
	searchCmd.Flags().Float64("min-score", 0, "minimum cosine score floor")
	rootCmd.AddCommand(searchCmd)
}
