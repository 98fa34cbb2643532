package cmd

import (
	"errors"
	"fmt"
	"os"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"qazna.org/console/internal/config"
	"qazna.org/console/internal/console"
	"qazna.org/console/internal/obs"
	"qazna.org/console/internal/session"
)

var (
	configPath string
	envFile    string
	verbose    bool

	con *console.Console
)

var rootCmd = &cobra.Command{
	Use:   "consolectl",
	Short: "Qazna administrator console",
	Long: `consolectl signs an operator in to a Qazna core banking deployment and administers
roles, permissions and branches. Every change is recorded in the audit trail.

By default it talks to an in-process mock backend seeded with demo data; set
backend.mode=remote (or QAZNA_BACKEND_MODE=remote) to reach a real server.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if err := config.LoadDotEnv(envFile); err != nil {
			return err
		}
		cfg, err := config.Load(configPath)
		if err != nil {
			return err
		}
		level := "warn"
		if verbose {
			level = cfg.Log.Level
		}
		obs.SetLogger(obs.NewLogger(obs.LogConfig{Env: "dev", Level: level, Service: "consolectl"}))

		con, err = console.New(cfg, console.WithExpiredHandler(func() {
			pterm.Warning.Println("Session expired. Run `consolectl login` to sign in again.")
		}))
		return err
	},
	PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
		if con == nil {
			return nil
		}
		return con.Close()
	},
}

// Execute runs the root command
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", os.Getenv("QAZNA_CONFIG"), "Path to the YAML config file")
	rootCmd.PersistentFlags().StringVar(&envFile, "env-file", ".env", "Optional dotenv file loaded before the config")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Log at the configured level instead of warn")

	rootCmd.AddCommand(loginCmd, logoutCmd, whoamiCmd)
	rootCmd.AddCommand(permissionsCmd)
	rootCmd.AddCommand(rolesCmd)
	rootCmd.AddCommand(branchesCmd)
	rootCmd.AddCommand(auditCmd)
}

var errNotLoggedIn = errors.New("not logged in: run `consolectl login` first")

// requireSession restores the persisted session.
func requireSession(cmd *cobra.Command) error {
	if con.Hydrate(cmd.Context()) != session.StateActive {
		return errNotLoggedIn
	}
	return nil
}
