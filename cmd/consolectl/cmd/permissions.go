package cmd

import (
	"github.com/pterm/pterm"
	"github.com/spf13/cobra"
)

var permissionsCmd = &cobra.Command{
	Use:   "permissions",
	Short: "List the permission catalog grouped by module",
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := requireSession(cmd); err != nil {
			return err
		}
		groups, err := con.GroupedPermissions(cmd.Context())
		if err != nil {
			return err
		}
		for _, g := range groups {
			pterm.DefaultSection.Println(g.Module)
			table := pterm.TableData{{"ID", "CODE", "DESCRIPTION"}}
			for _, p := range g.Permissions {
				table = append(table, []string{itoa(p.ID), p.Code, p.Description})
			}
			_ = pterm.DefaultTable.WithHasHeader().WithData(table).Render()
		}
		return nil
	},
}
