package main

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	p8core "github.com/p8db/p8core"
)

var traverseCmd = &cobra.Command{
	Use:   "traverse <start>",
	Short: "Walk the edge graph from start (spec §6: traverse)",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		strategy, _ := cmd.Flags().GetString("strategy")
		maxDepth, _ := cmd.Flags().GetInt("max-depth")
		target, _ := cmd.Flags().GetString("target")
		rel, _ := cmd.Flags().GetString("rel")

		opts := p8core.TraverseOpts{
			Strategy: p8core.Strategy(strategy),
			MaxDepth: maxDepth,
			Target:   target,
		}
		if rel != "" {
			opts.RelTypes = strings.Split(rel, ",")
		}

		paths, err := cmdCtx.database.Traverse(cmdCtx.ctx, args[0], opts)
		if err != nil {
			return err
		}
		if cmdCtx.jsonOut {
			return json.NewEncoder(os.Stdout).Encode(paths)
		}
		for _, p := range paths {
			fmt.Printf("%s\t(depth %d)\n", strings.Join(p.EntityIDs, " -> "), p.Depth)
		}
		return nil
	},
}

func init() {
	traverseCmd.Flags().String("strategy", string(p8core.BFS), "traversal strategy: bfs or dfs")
	traverseCmd.Flags().Int("max-depth", 5, "maximum traversal depth")
	traverseCmd.Flags().String("target", "", "stop early once this entity id is reached")
	traverseCmd.Flags().String("rel", "", "comma-separated rel_type filter")
	rootCmd.AddCommand(traverseCmd)
}
