package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"time"

	"github.com/spf13/cobra"

	p8core "github.com/p8db/p8core"
	"github.com/p8db/p8core/internal/config"
)

// defaultCloseTimeout bounds how long PersistentPostRun waits for the
// background worker to drain before abandoning its queue (spec §5).
const defaultCloseTimeout = 5 * time.Second

// cliContext groups the CLI's runtime state, following the teacher's
// CommandContext consolidation (cmd/bd/context.go) rather than scattered
// package-level globals per flag.
type cliContext struct {
	cfg      *config.Config
	database *p8core.DB
	ctx      context.Context
	cancel   context.CancelFunc
	jsonOut  bool
}

var cmdCtx *cliContext

var rootCmd = &cobra.Command{
	Use:           "p8",
	Short:         "p8 is a tenant-isolated entity, graph, and vector store",
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		// serve/replicate manage their own Database lifecycle (the
		// listener/dialer loop owns Close), so skip opening here.
		if cmd.Name() == "serve" || cmd.Name() == "replicate" {
			return nil
		}
		return openDatabase(cmd)
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if cmdCtx == nil || cmdCtx.database == nil {
			return
		}
		_ = cmdCtx.database.Close(defaultCloseTimeout)
		cmdCtx.cancel()
	},
}

func init() {
	rootCmd.PersistentFlags().String("db-path", "", "database directory (overrides P8_DB_PATH / config)")
	rootCmd.PersistentFlags().String("tenant-id", "", "tenant id (overrides P8_TENANT_ID / config)")
	rootCmd.PersistentFlags().Bool("json", false, "emit JSON output")
}

func openDatabase(cmd *cobra.Command) error {
	dbPath, _ := cmd.Flags().GetString("db-path")
	tenantID, _ := cmd.Flags().GetString("tenant-id")
	jsonOut, _ := cmd.Flags().GetBool("json")

	cfg, err := config.Load(map[string]string{"db-path": dbPath, "tenant-id": tenantID})
	if err != nil {
		return err
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	database, err := p8core.Open(ctx, cfg.DBPath, cfg.TenantID, &p8core.Options{WorkerLogPath: cfg.WorkerLogPath})
	if err != nil {
		cancel()
		return fmt.Errorf("open %s: %w", cfg.DBPath, err)
	}

	cmdCtx = &cliContext{cfg: cfg, database: database, ctx: ctx, cancel: cancel, jsonOut: jsonOut}
	return nil
}
