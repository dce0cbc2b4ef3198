package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var lookupCmd = &cobra.Command{
	Use:   "lookup <identifier>",
	Short: "Resolve an id, alias, or name to matching entities (spec §6: lookup)",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		matches, err := cmdCtx.database.Lookup(cmdCtx.ctx, args[0])
		if err != nil {
			return err
		}
		if cmdCtx.jsonOut {
			return json.NewEncoder(os.Stdout).Encode(matches)
		}
		for _, e := range matches {
			fmt.Printf("%s\t%s\t%s\n", e.ID, e.Schema, e.Name)
		}
		return nil
	},
}

func init() { rootCmd.AddCommand(lookupCmd) }
