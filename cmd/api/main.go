package main

import (
	"context"
	"log"
	"os"

	"github.com/spf13/afero"
	"github.com/spf13/cobra"

	"github.com/ttoman/tt-wordwise/internal/config"
	"github.com/ttoman/tt-wordwise/internal/store"
)

func main() {
	if err := newRootCmd().ExecuteContext(context.Background()); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:          "wordwise",
		Short:        "Wordwise editor backend: autosave, grammar and spelling",
		SilenceUsage: true,
	}
	root.AddCommand(newServeCmd(), newMigrateCmd())
	return root
}

func newMigrateCmd() *cobra.Command {
	var down bool
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Apply database migrations and exit",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return migrate(cmd.Context(), config.Load(), down)
		},
	}
	cmd.Flags().BoolVar(&down, "down", false, "revert every applied migration instead")
	return cmd
}

func migrate(ctx context.Context, cfg config.Config, down bool) error {
	db, err := store.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		return err
	}
	defer db.Close()

	migrator := store.NewMigrator(db, afero.NewOsFs(), cfg.MigrationsDir)
	if down {
		return migrator.Down(ctx)
	}
	applied, err := migrator.Up(ctx)
	if err != nil {
		return err
	}
	log.Printf("migrate: %d migration(s) applied from %s", len(applied), cfg.MigrationsDir)
	return nil
}
