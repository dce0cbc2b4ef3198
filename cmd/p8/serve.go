package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"

	"github.com/spf13/cobra"

	p8core "github.com/p8db/p8core"
	"github.com/p8db/p8core/internal/config"
)

var serveCmd = &cobra.Command{
	Use:   "serve <listen-addr>",
	Short: "Open the database as a replication leader, accepting follower connections (spec §6: serve)",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		dbPath, _ := cmd.Flags().GetString("db-path")
		tenantID, _ := cmd.Flags().GetString("tenant-id")
		cfg, err := config.Load(map[string]string{"db-path": dbPath, "tenant-id": tenantID})
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}

		ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
		defer cancel()

		database, err := p8core.Open(ctx, cfg.DBPath, cfg.TenantID, &p8core.Options{WorkerLogPath: cfg.WorkerLogPath})
		if err != nil {
			return fmt.Errorf("open database: %w", err)
		}
		defer database.Close(defaultCloseTimeout)

		ln, err := net.Listen("tcp", args[0])
		if err != nil {
			return fmt.Errorf("listen on %s: %w", args[0], err)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "leader listening on %s (tenant %s)\n", args[0], cfg.TenantID)
		return database.StartLeader(ctx, ln)
	},
}

func init() { rootCmd.AddCommand(serveCmd) }
