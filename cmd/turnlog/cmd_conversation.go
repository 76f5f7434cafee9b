package main

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/user/turnlog/internal/types"
)

func init() {
	rootCmd.AddCommand(conversationCmd)
	conversationCmd.AddCommand(conversationListCmd, conversationPurgeCmd, conversationStopCmd, conversationSendCmd)
	conversationSendCmd.Flags().Bool("no-wait", false, "return once the turn is queued")
}

var conversationCmd = &cobra.Command{
	Use:     "conversation",
	Aliases: []string{"conv"},
	Short:   "Manage conversations",
}

var conversationListCmd = &cobra.Command{
	Use:   "list",
	Short: "List all conversations",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		st, err := openStores(loadConfig())
		if err != nil {
			return err
		}
		defer st.Close()

		ctx := context.Background()
		list, err := st.conversations.List(ctx)
		if err != nil {
			return fmt.Errorf("list conversations: %w", err)
		}

		if len(list) == 0 {
			fmt.Println("No conversations found.")
			return nil
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tKEY\tSTATUS\tEVENTS\tUPDATED")
		for _, c := range list {
			count, err := st.events.Count(ctx, c.ID)
			if err != nil {
				count = 0
			}
			fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\n",
				c.ID,
				c.Key,
				c.Status,
				count,
				c.UpdatedAt.Format("2006-01-02 15:04:05"),
			)
		}
		return w.Flush()
	},
}

var conversationPurgeCmd = &cobra.Command{
	Use:   "purge <id>",
	Short: "Delete a conversation with its events, messages and approvals",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		st, err := openStores(loadConfig())
		if err != nil {
			return err
		}
		defer st.Close()

		ctx := context.Background()
		id := types.ConversationID(args[0])
		if _, err := st.conversations.Get(ctx, id); err != nil {
			return err
		}
		if err := st.conversations.Purge(ctx, id); err != nil {
			return err
		}
		fmt.Fprintf(os.Stdout, "Conversation %s purged.\n", id)
		return nil
	},
}

var conversationStopCmd = &cobra.Command{
	Use:   "stop <id>",
	Short: "Stop the running turn of a conversation",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var resp struct {
			Stopped bool `json:"stopped"`
		}
		if err := newAPIClient(loadConfig()).do(cmd.Context(), "POST",
			"/api/conversations/"+args[0]+"/stop", nil, &resp); err != nil {
			return err
		}
		if resp.Stopped {
			fmt.Println("Stop requested.")
		} else {
			fmt.Println("Nothing is running.")
		}
		return nil
	},
}

var conversationSendCmd = &cobra.Command{
	Use:   "send <key> <text>",
	Short: "Send a message to the daemon and print the reply",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		noWait, _ := cmd.Flags().GetBool("no-wait")
		var resp struct {
			TurnID         string `json:"turn_id"`
			ConversationID string `json:"conversation_id"`
			Response       string `json:"response"`
		}
		body := map[string]any{
			"conversation_key": args[0],
			"user_id":          "cli",
			"text":             args[1],
			"wait":             !noWait,
		}
		if err := newAPIClient(loadConfig()).do(cmd.Context(), "POST", "/api/messages", body, &resp); err != nil {
			return err
		}
		if resp.Response == "" {
			fmt.Fprintf(os.Stdout, "Queued turn %s in conversation %s.\n", resp.TurnID, resp.ConversationID)
			return nil
		}
		fmt.Println(resp.Response)
		return nil
	},
}
