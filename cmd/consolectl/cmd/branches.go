package cmd

import (
	"strconv"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"
)

var branchesCmd = &cobra.Command{
	Use:   "branches",
	Short: "Manage branches",
}

var branchesListCmd = &cobra.Command{
	Use:   "list",
	Short: "List branches",
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := requireSession(cmd); err != nil {
			return err
		}
		branches, err := con.Domain().ListBranches(cmd.Context())
		if err != nil {
			return err
		}
		table := pterm.TableData{{"ID", "CODE", "NAME", "HEAD OFFICE"}}
		for _, b := range branches {
			table = append(table, []string{itoa(b.ID), b.Code, b.Name, strconv.FormatBool(b.IsHeadOffice)})
		}
		return pterm.DefaultTable.WithHasHeader().WithData(table).Render()
	},
}

var branchesDeleteCmd = &cobra.Command{
	Use:   "delete <id>",
	Short: "Delete a branch other than the head office",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := parseID(args[0])
		if err != nil {
			return err
		}
		if err := requireSession(cmd); err != nil {
			return err
		}
		if err := con.Domain().DeleteBranch(cmd.Context(), id); err != nil {
			return err
		}
		pterm.Success.Printf("Deleted branch %d\n", id)
		return nil
	},
}

func init() {
	branchesCmd.AddCommand(branchesListCmd, branchesDeleteCmd)
}
