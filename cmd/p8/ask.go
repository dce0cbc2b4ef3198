package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

// askCmd intentionally does not implement natural-language answering: spec
// §4.7 leaves "ask" to an external LLM collaborator that composes query,
// search_similar, and traverse itself. This stub only confirms the
// database opened and the question text parsed, for scripting against.
var askCmd = &cobra.Command{
	Use:   "ask <question>",
	Short: "Placeholder for ask — answering is an external LLM collaborator's job",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		fmt.Fprintln(cmd.OutOrStdout(), "ask is not answered by p8 itself; compose query/search/traverse from an external collaborator")
		return nil
	},
}

func init() { rootCmd.AddCommand(askCmd) }
