package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"time"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"qazna.org/console/internal/migrate"
	"qazna.org/console/internal/obs"
	"qazna.org/console/internal/store/pg"
)

var (
	dsn     string
	dir     string
	timeout time.Duration
	mgr     *migrate.Manager
	store   *pg.Store
)

var rootCmd = &cobra.Command{
	Use:           "migrate",
	Short:         "Apply console schema migrations and seeds",
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if dsn == "" {
			return errors.New("missing DSN: provide --dsn or QAZNA_DATABASE_URL")
		}
		var err error
		if store, err = pg.Open(dsn); err != nil {
			return err
		}
		var source fs.FS
		if dir != "" {
			source = os.DirFS(dir)
		}
		obs.SetLogger(obs.NewLogger(obs.LogConfig{Env: "dev", Level: "info", Service: "migrate"}))
		mgr = migrate.NewManager(store.DB(), source, migrate.WithLogger(obs.Named("migrate")))
		return nil
	},
	PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
		if store != nil {
			return store.Close()
		}
		return nil
	},
}

var upCmd = &cobra.Command{
	Use:   "up",
	Short: "Apply pending migrations",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
		defer cancel()
		applied, err := mgr.Up(ctx)
		report("migration", applied)
		return err
	},
}

var seedCmd = &cobra.Command{
	Use:   "seed",
	Short: "Apply pending demo seeds",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
		defer cancel()
		applied, err := mgr.Seed(ctx)
		report("seed", applied)
		return err
	},
}

var downCmd = &cobra.Command{
	Use:   "down",
	Short: "Roll back the latest migration",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
		defer cancel()
		name, err := mgr.Down(ctx)
		if errors.Is(err, migrate.ErrNothingApplied) {
			pterm.Info.Println("Nothing to roll back.")
			return nil
		}
		if err != nil {
			return err
		}
		pterm.Success.Printf("Rolled back %s\n", name)
		return nil
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show applied and pending migrations",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
		defer cancel()
		states, err := mgr.Status(ctx)
		if err != nil {
			return err
		}
		table := pterm.TableData{{"MIGRATION", "STATE"}}
		for _, s := range states {
			state := "pending"
			if s.Applied {
				state = "applied"
			}
			table = append(table, []string{s.Name, state})
		}
		return pterm.DefaultTable.WithHasHeader().WithData(table).Render()
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&dsn, "dsn", os.Getenv("QAZNA_DATABASE_URL"), "PostgreSQL DSN")
	rootCmd.PersistentFlags().StringVar(&dir, "dir", "", "Directory with migrations/ and seeds/ (defaults to the embedded set)")
	rootCmd.PersistentFlags().DurationVar(&timeout, "timeout", time.Minute, "Overall timeout")
	rootCmd.AddCommand(upCmd, downCmd, seedCmd, statusCmd)
}

func report(kind string, applied []string) {
	if len(applied) == 0 {
		pterm.Info.Printf("No pending %ss.\n", kind)
		return
	}
	for _, name := range applied {
		pterm.Success.Printf("Applied %s %s\n", kind, name)
	}
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "migrate:", err)
		os.Exit(1)
	}
}
