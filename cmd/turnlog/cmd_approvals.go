package main

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/user/turnlog/internal/types"
)

func init() {
	rootCmd.AddCommand(approvalsCmd)
	approvalsCmd.AddCommand(approvalsListCmd, approvalsApproveCmd, approvalsRejectCmd)
	for _, c := range []*cobra.Command{approvalsApproveCmd, approvalsRejectCmd} {
		c.Flags().String("by", "cli", "who made the decision")
	}
}

var approvalsCmd = &cobra.Command{
	Use:   "approvals",
	Short: "Review tool calls awaiting approval",
}

var approvalsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List pending approvals",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		st, err := openStores(loadConfig())
		if err != nil {
			return err
		}
		defer st.Close()

		pending, err := st.approvals.ListPending(context.Background())
		if err != nil {
			return err
		}
		if len(pending) == 0 {
			fmt.Println("No pending approvals.")
			return nil
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tCONVERSATION\tTOOL\tPRIORITY\tEXPIRES IN\tARGS")
		for _, req := range pending {
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
				req.ID, req.ConversationID, req.ToolName, req.Priority,
				time.Until(req.ExpiresAt).Round(time.Second), req.Args)
		}
		return w.Flush()
	},
}

var approvalsApproveCmd = &cobra.Command{
	Use:   "approve <id>",
	Short: "Approve a pending tool call",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return decide(cmd, args[0], true)
	},
}

var approvalsRejectCmd = &cobra.Command{
	Use:   "reject <id>",
	Short: "Reject a pending tool call",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return decide(cmd, args[0], false)
	},
}

// decide goes through the daemon: the waiting turn is only released by the
// process that holds it.
func decide(cmd *cobra.Command, id string, approved bool) error {
	by, _ := cmd.Flags().GetString("by")
	var row types.ApprovalRequest
	if err := newAPIClient(loadConfig()).do(cmd.Context(), "POST", "/api/approvals/"+id,
		map[string]any{"approved": approved, "decided_by": by}, &row); err != nil {
		return err
	}
	fmt.Fprintf(os.Stdout, "Approval %s %s by %s.\n", id, row.Status, row.DecidedBy)
	return nil
}
