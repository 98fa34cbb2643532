package cmd

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"qazna.org/console/internal/auth"
	"qazna.org/console/internal/rbac"
)

var (
	roleCode        string
	roleName        string
	roleDescription string
	rolePerms       []string
)

var rolesCmd = &cobra.Command{
	Use:   "roles",
	Short: "Manage roles",
}

var rolesListCmd = &cobra.Command{
	Use:   "list",
	Short: "List roles with their permissions",
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := requireSession(cmd); err != nil {
			return err
		}
		roles, err := con.Domain().ListRoles(cmd.Context())
		if err != nil {
			return err
		}
		table := pterm.TableData{{"ID", "CODE", "NAME", "SYSTEM", "STATUS", "PERMISSIONS"}}
		for _, r := range roles {
			table = append(table, []string{
				itoa(r.ID), r.Code, r.Name, strconv.FormatBool(r.IsSystemRole), string(r.Status),
				strings.Join(r.PermissionCodes(), ", "),
			})
		}
		return pterm.DefaultTable.WithHasHeader().WithData(table).Render()
	},
}

var rolesCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Create a role",
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := requireSession(cmd); err != nil {
			return err
		}
		role, err := con.Domain().CreateRole(cmd.Context(), rbac.RoleInput{
			Code:            roleCode,
			Name:            roleName,
			Description:     roleDescription,
			PermissionCodes: rolePerms,
		})
		if err != nil {
			return err
		}
		pterm.Success.Printf("Created role %s (id %d)\n", role.Code, role.ID)
		return nil
	},
}

var rolesDeleteCmd = &cobra.Command{
	Use:   "delete <id>",
	Short: "Delete a non-system role",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := parseID(args[0])
		if err != nil {
			return err
		}
		if err := requireSession(cmd); err != nil {
			return err
		}
		if err := con.Domain().DeleteRole(cmd.Context(), id); err != nil {
			return err
		}
		pterm.Success.Printf("Deleted role %d\n", id)
		return nil
	},
}

var rolesSetPermissionsCmd = &cobra.Command{
	Use:   "set-permissions <id> [CODE...]",
	Short: "Replace a role's permissions; no codes clears them",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := parseID(args[0])
		if err != nil {
			return err
		}
		if err := requireSession(cmd); err != nil {
			return err
		}
		codes := make([]string, 0, len(args)-1)
		for _, a := range args[1:] {
			codes = append(codes, strings.ToUpper(strings.TrimSpace(a)))
		}
		role, err := con.Domain().SetRolePermissions(cmd.Context(), id, codes)
		if err != nil {
			return err
		}
		pterm.Success.Printf("Role %s now holds: %s\n", role.Code, strings.Join(role.PermissionCodes(), ", "))
		return nil
	},
}

func init() {
	rolesCreateCmd.Flags().StringVar(&roleCode, "code", "", "Role code, e.g. CASHIER")
	rolesCreateCmd.Flags().StringVar(&roleName, "name", "", "Display name")
	rolesCreateCmd.Flags().StringVar(&roleDescription, "description", "", "Description")
	rolesCreateCmd.Flags().StringSliceVar(&rolePerms, "permissions", nil, "Comma-separated permission codes")
	_ = rolesCreateCmd.MarkFlagRequired("code")
	_ = rolesCreateCmd.MarkFlagRequired("name")

	rolesCmd.AddCommand(rolesListCmd, rolesCreateCmd, rolesDeleteCmd, rolesSetPermissionsCmd)
}

func parseID(raw string) (int64, error) {
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("%w: id %q", auth.ErrInvalidInput, raw)
	}
	return id, nil
}

func itoa(n int64) string { return strconv.FormatInt(n, 10) }
