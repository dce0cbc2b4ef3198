package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var queryCmd = &cobra.Command{
	Use:   "query <sql>",
	Short: "Run a SELECT-shaped query against one schema's documents (spec §6: query)",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		result, err := cmdCtx.database.SQL(cmdCtx.ctx, args[0])
		if err != nil {
			return err
		}
		if cmdCtx.jsonOut {
			return json.NewEncoder(os.Stdout).Encode(result)
		}
		for _, row := range result.Rows {
			fmt.Println(row)
		}
		return nil
	},
}

func init() { rootCmd.AddCommand(queryCmd) }
