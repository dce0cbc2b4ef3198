package main

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
)

var ingestCmd = &cobra.Command{
	Use:   "ingest <schema> <file>",
	Short: "Bulk-insert one JSON object per line of file under schema",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		f, err := os.Open(args[1])
		if err != nil {
			return err
		}
		defer f.Close()

		scanner := bufio.NewScanner(f)
		scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
		var inserted, lineNo int
		for scanner.Scan() {
			lineNo++
			line := strings.TrimSpace(scanner.Text())
			if line == "" {
				continue
			}
			var data map[string]any
			if err := json.Unmarshal([]byte(line), &data); err != nil {
				return fmt.Errorf("line %d: parse payload: %w", lineNo, err)
			}
			if _, err := cmdCtx.database.Insert(cmdCtx.ctx, args[0], data); err != nil {
				return fmt.Errorf("line %d: %w", lineNo, err)
			}
			inserted++
		}
		if err := scanner.Err(); err != nil {
			return err
		}
		fmt.Printf("ingested %d rows\n", inserted)
		return nil
	},
}

func init() { rootCmd.AddCommand(ingestCmd) }
