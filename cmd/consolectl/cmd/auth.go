package cmd

import (
	"fmt"
	"strings"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"qazna.org/console/internal/rbac"
)

var (
	username string
	password string
)

var loginCmd = &cobra.Command{
	Use:   "login",
	Short: "Sign in and persist the session",
	RunE: func(cmd *cobra.Command, args []string) error {
		var err error
		if username == "" {
			if username, err = pterm.DefaultInteractiveTextInput.Show("Username"); err != nil {
				return err
			}
		}
		if password == "" {
			if password, err = pterm.DefaultInteractiveTextInput.WithMask("*").Show("Password"); err != nil {
				return err
			}
		}
		p, err := con.Login(cmd.Context(), strings.TrimSpace(username), password)
		if err != nil {
			return fmt.Errorf("login failed: %w", err)
		}
		pterm.Success.Printf("Signed in as %s (%s)\n", p.Username, p.FullName)
		return nil
	},
}

var logoutCmd = &cobra.Command{
	Use:   "logout",
	Short: "End the session and revoke its tokens",
	RunE: func(cmd *cobra.Command, args []string) error {
		con.Hydrate(cmd.Context())
		if err := con.Logout(cmd.Context()); err != nil {
			return err
		}
		pterm.Success.Println("Signed out")
		return nil
	},
}

var whoamiCmd = &cobra.Command{
	Use:   "whoami",
	Short: "Show the signed-in operator and effective permissions",
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := requireSession(cmd); err != nil {
			return err
		}
		p, _ := con.Principal()

		pterm.DefaultSection.Println("Operator")
		pterm.Printf("ID:       %d\n", p.ID)
		pterm.Printf("Username: %s\n", p.Username)
		pterm.Printf("Name:     %s\n", p.FullName)
		pterm.Printf("Status:   %s\n", p.Status)

		roles := make([]string, 0, len(p.Roles))
		for _, r := range p.Roles {
			roles = append(roles, r.Code)
		}
		pterm.Printf("Roles:    %s\n", strings.Join(roles, ", "))

		pterm.DefaultSection.Println("Effective permissions")
		for _, code := range rbac.EffectivePermissions(p).Codes() {
			pterm.Println(code)
		}
		return nil
	},
}

func init() {
	loginCmd.Flags().StringVarP(&username, "username", "u", "", "Operator username (prompted when empty)")
	loginCmd.Flags().StringVarP(&password, "password", "p", "", "Operator password (prompted when empty)")
}
