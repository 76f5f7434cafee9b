package main

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/user/turnlog/internal/persist"
)

func init() {
	rootCmd.AddCommand(queueCmd)
	queueCmd.AddCommand(queueDeadCmd, queueRetryCmd)
}

var queueCmd = &cobra.Command{
	Use:   "queue",
	Short: "Inspect the persistence queue of the running daemon",
}

var queueDeadCmd = &cobra.Command{
	Use:   "dead",
	Short: "List jobs that exhausted their retries",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		var jobs []persist.Job
		if err := newAPIClient(loadConfig()).do(cmd.Context(), "GET", "/api/jobs/dead", nil, &jobs); err != nil {
			return err
		}
		if len(jobs) == 0 {
			fmt.Println("No dead jobs.")
			return nil
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "JOB\tCONVERSATION\tSEQ\tATTEMPTS\tRECOVERED\tERROR")
		for _, job := range jobs {
			var conv string
			var seq int64
			if job.Event != nil {
				conv, seq = string(job.Event.ConversationID), job.Event.Seq
			}
			fmt.Fprintf(w, "%s\t%s\t%d\t%d\t%v\t%s\n",
				job.ID, conv, seq, job.Attempts, job.Recovered, job.LastError)
		}
		return w.Flush()
	},
}

var queueRetryCmd = &cobra.Command{
	Use:   "retry <job-id>",
	Short: "Put a dead job back on the queue",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := newAPIClient(loadConfig()).do(cmd.Context(), "POST", "/api/jobs/dead/"+args[0]+"/retry", nil, nil); err != nil {
			return err
		}
		fmt.Fprintf(os.Stdout, "Job %s requeued.\n", args[0])
		return nil
	},
}
