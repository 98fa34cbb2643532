package cmd

import (
	"net/url"
	"strconv"
	"time"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"qazna.org/console/internal/audit"
)

var auditFlags = struct {
	module, action, entityType, entityID, operationID, actorID, from, to string
	page, size                                                         int
}{}

var auditCmd = &cobra.Command{
	Use:   "audit",
	Short: "Inspect the audit trail",
}

var auditListCmd = &cobra.Command{
	Use:   "list",
	Short: "List audit entries, newest first",
	RunE: func(cmd *cobra.Command, args []string) error {
		q := url.Values{}
		for key, val := range map[string]string{
			"module":      auditFlags.module,
			"action":      auditFlags.action,
			"entityType":  auditFlags.entityType,
			"entityId":    auditFlags.entityID,
			"operationId": auditFlags.operationID,
			"actorId":     auditFlags.actorID,
			"from":        auditFlags.from,
			"to":          auditFlags.to,
		} {
			if val != "" {
				q.Set(key, val)
			}
		}
		q.Set("page", strconv.Itoa(auditFlags.page))
		q.Set("size", strconv.Itoa(auditFlags.size))
		filter, page, size, err := audit.ParseQuery(q)
		if err != nil {
			return err
		}

		if err := requireSession(cmd); err != nil {
			return err
		}
		res, err := con.Domain().QueryAudit(cmd.Context(), filter, page, size)
		if err != nil {
			return err
		}
		if len(res.Items) == 0 {
			pterm.Info.Println("No audit entries match.")
			return nil
		}
		table := pterm.TableData{{"TIME", "ACTOR", "ACTION", "MODULE", "ENTITY", "OPERATION"}}
		for _, e := range res.Items {
			table = append(table, []string{
				e.Timestamp.Local().Format(time.DateTime),
				itoa(e.ActorID), e.Action, e.Module, e.EntityType + "#" + e.EntityID, e.OperationID,
			})
		}
		if err := pterm.DefaultTable.WithHasHeader().WithData(table).Render(); err != nil {
			return err
		}
		pterm.Info.Printf("Page %d of %d (%d entries)\n", res.Page+1, max(res.TotalPages, 1), res.TotalElements)
		return nil
	},
}

func init() {
	f := auditListCmd.Flags()
	f.StringVar(&auditFlags.module, "module", "", "Module, e.g. ROLE")
	f.StringVar(&auditFlags.action, "action", "", "CREATE, UPDATE or DELETE")
	f.StringVar(&auditFlags.entityType, "entity-type", "", "Entity type, e.g. Role")
	f.StringVar(&auditFlags.entityID, "entity-id", "", "Entity ID")
	f.StringVar(&auditFlags.operationID, "operation-id", "", "Operation ID of the originating request")
	f.StringVar(&auditFlags.actorID, "actor", "", "Actor user ID")
	f.StringVar(&auditFlags.from, "from", "", "Inclusive lower bound (RFC 3339)")
	f.StringVar(&auditFlags.to, "to", "", "Inclusive upper bound (RFC 3339)")
	f.IntVar(&auditFlags.page, "page", 0, "Page number, starting at 0")
	f.IntVar(&auditFlags.size, "size", audit.DefaultPageSize, "Page size")

	auditCmd.AddCommand(auditListCmd)
}
