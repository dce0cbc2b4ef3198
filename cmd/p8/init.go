package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Create (or reopen) the database directory for the configured tenant",
	RunE: func(cmd *cobra.Command, args []string) error {
		fmt.Printf("initialized %s for tenant %q\n", cmdCtx.cfg.DBPath, cmdCtx.cfg.TenantID)
		return nil
	},
}

func init() { rootCmd.AddCommand(initCmd) }
