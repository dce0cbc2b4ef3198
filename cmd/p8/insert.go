package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"
)

var insertCmd = &cobra.Command{
	Use:   "insert <schema> [payload-json]",
	Short: "Insert a payload under schema, returning its id (spec §6: insert)",
	Args:  cobra.RangeArgs(1, 2),
	RunE: func(cmd *cobra.Command, args []string) error {
		raw, err := payloadFrom(args)
		if err != nil {
			return err
		}
		var data map[string]any
		if err := json.Unmarshal(raw, &data); err != nil {
			return fmt.Errorf("parse payload: %w", err)
		}
		id, err := cmdCtx.database.Insert(cmdCtx.ctx, args[0], data)
		if err != nil {
			return err
		}
		fmt.Println(id)
		return nil
	},
}

// payloadFrom returns args[1] when present, else reads stdin — letting
// `p8 insert resource < payload.json` work the same as a literal arg.
func payloadFrom(args []string) ([]byte, error) {
	if len(args) == 2 {
		return []byte(args[1]), nil
	}
	return io.ReadAll(os.Stdin)
}

func init() { rootCmd.AddCommand(insertCmd) }
