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

var replicateCmd = &cobra.Command{
	Use:   "replicate <leader-addr>",
	Short: "Open the database as a replication follower of leader-addr (spec §6: replicate)",
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

		leaderAddr := args[0]
		dial := p8core.Dialer(func(ctx context.Context) (net.Conn, error) {
			var d net.Dialer
			return d.DialContext(ctx, "tcp", leaderAddr)
		})

		fmt.Fprintf(cmd.OutOrStdout(), "following %s (tenant %s)\n", leaderAddr, cfg.TenantID)
		database.StartFollower(ctx, dial)
		return nil
	},
}

func init() { rootCmd.AddCommand(replicateCmd) }
