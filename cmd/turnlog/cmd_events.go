package main

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/user/turnlog/internal/eventlog"
	"github.com/user/turnlog/internal/persist"
	"github.com/user/turnlog/internal/types"
)

func init() {
	rootCmd.AddCommand(eventsCmd)
	eventsCmd.AddCommand(eventsListCmd, eventsReplayCmd, eventsBacklogCmd)

	eventsListCmd.Flags().Int64("from", 0, "first sequence number")
	eventsListCmd.Flags().Int64("to", 0, "last sequence number (0 for no limit)")
	eventsBacklogCmd.Flags().Duration("older-than", 0, "only events older than this")
}

var eventsCmd = &cobra.Command{
	Use:   "events",
	Short: "Inspect the event log",
}

var eventsListCmd = &cobra.Command{
	Use:   "list <conversation-id>",
	Short: "List a conversation's events in sequence order",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		from, _ := cmd.Flags().GetInt64("from")
		to, _ := cmd.Flags().GetInt64("to")

		st, err := openStores(loadConfig())
		if err != nil {
			return err
		}
		defer st.Close()

		events, err := st.events.List(context.Background(), types.ConversationID(args[0]), from, to)
		if err != nil {
			return err
		}
		if len(events) == 0 {
			fmt.Println("No events found.")
			return nil
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "SEQ\tTYPE\tPROCESSED\tAT\tPAYLOAD")
		for _, ev := range events {
			payload := string(ev.Payload)
			if len(payload) > 80 {
				payload = payload[:77] + "..."
			}
			fmt.Fprintf(w, "%d\t%s\t%v\t%s\t%s\n",
				ev.Seq, ev.Type, ev.Processed, ev.At.Format("15:04:05.000"), payload)
		}
		return w.Flush()
	},
}

var eventsReplayCmd = &cobra.Command{
	Use:   "replay <conversation-id>",
	Short: "Rebuild a conversation's read model from its event log",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		st, err := openStores(loadConfig())
		if err != nil {
			return err
		}
		defer st.Close()

		ctx := context.Background()
		id := types.ConversationID(args[0])
		// Replay only reads the log, so it needs no sequence allocator.
		log := eventlog.New(st.events, nil)
		writer := persist.NewWriter(nil, persist.NewMaterializer(st.messages, st.events))

		var events []*types.Event
		if err := log.Replay(ctx, id, func(ev *types.Event) error {
			events = append(events, ev)
			return nil
		}); err != nil {
			return err
		}
		n, err := writer.Rebuild(ctx, events)
		if err != nil {
			return err
		}
		fmt.Fprintf(os.Stdout, "Replayed %d events into the read model.\n", n)
		return nil
	},
}

var eventsBacklogCmd = &cobra.Command{
	Use:   "backlog",
	Short: "List events that were never materialized",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		olderThan, _ := cmd.Flags().GetDuration("older-than")

		st, err := openStores(loadConfig())
		if err != nil {
			return err
		}
		defer st.Close()

		events, err := st.events.Unprocessed(context.Background(), time.Now().Add(-olderThan), 1000)
		if err != nil {
			return err
		}
		if len(events) == 0 {
			fmt.Println("Backlog is empty.")
			return nil
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "CONVERSATION\tSEQ\tTYPE\tAT")
		for _, ev := range events {
			fmt.Fprintf(w, "%s\t%d\t%s\t%s\n", ev.ConversationID, ev.Seq, ev.Type, ev.At.Format(time.RFC3339))
		}
		return w.Flush()
	},
}
