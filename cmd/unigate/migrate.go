package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/qwer2003tw/unigate/internal/config"
	"github.com/qwer2003tw/unigate/internal/history"
	"github.com/qwer2003tw/unigate/internal/storage"
)

// buildMigrateCmd creates the "migrate-conversations" command.
func buildMigrateCmd() *cobra.Command {
	var (
		configPath string
		dryRun     bool
		onlyUser   string
	)

	cmd := &cobra.Command{
		Use:   "migrate-conversations",
		Short: "Assign conversation ids to pre-conversation history",
		Long: `Walk each user's history chronologically and group messages written
before conversations existed into conversations, opening a new one
whenever the configured silence gap is exceeded. Messages that already
carry a conversation id are left alone, so reruns are safe.`,
		Example: `  # Preview without writing
  unigate migrate-conversations --dry-run

  # Apply
  unigate migrate-conversations --config /etc/unigate/production.yaml`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runMigrate(cmd.Context(), resolveConfigPath(configPath), dryRun, onlyUser)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath,
		"Path to YAML configuration file")
	cmd.Flags().BoolVar(&dryRun, "dry-run", false,
		"Report what would change without writing")
	cmd.Flags().StringVar(&onlyUser, "user", "",
		"Restrict the run to one unified user id")
	return cmd
}

func runMigrate(ctx context.Context, configPath string, dryRun bool, onlyUser string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	stores, err := openStores(cfg)
	if err != nil {
		return err
	}
	defer stores.Close()

	svc := history.NewService(history.Options{
		Stores:   stores,
		TTL:      cfg.History.TTL,
		Gap:      cfg.History.ConversationGap,
		PageSize: cfg.History.PageSize,
	})

	report, err := svc.MigrateConversations(ctx, dryRun, onlyUser)
	if err != nil {
		return err
	}

	label := "Migrated"
	if dryRun {
		label = "Would migrate"
	}
	fmt.Printf("%s %d messages across %d users (%d skipped, %d conversations created)\n",
		label, report.MessagesUpdated, report.Users, report.MessagesSkipped, report.ConversationsCreated)
	return nil
}

// openStores connects the configured storage backend. The memory
// backend is accepted so the command line works against test configs,
// but there is nothing durable to operate on.
func openStores(cfg *config.Config) (storage.StoreSet, error) {
	if cfg.Storage.Backend == "postgres" {
		pg := storage.DefaultPostgresConfig()
		pg.MaxOpenConns = cfg.Storage.MaxConnections
		pg.ConnMaxLifetime = cfg.Storage.ConnMaxLifetime
		pg.ConnectTimeout = cfg.Storage.ConnectTimeout
		return storage.NewPostgresStoresFromDSN(cfg.Storage.DSN, pg)
	}
	fmt.Println("Warning: memory backend selected, changes will not persist")
	return storage.NewMemoryStores(), nil
}
