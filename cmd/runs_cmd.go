package cmd

import (
	"fmt"
	"os"
	"strconv"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/chronod/chronod/internal/store"
	"github.com/chronod/chronod/pkg/protocol"
)

func runsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "runs",
		Short: "Inspect run history",
	}
	cmd.AddCommand(runsListCmd())
	cmd.AddCommand(runsShowCmd())
	cmd.AddCommand(runsLastCmd())
	return cmd
}

func runsListCmd() *cobra.Command {
	var (
		jsonOutput bool
		job        string
		limit      int
		failedOnly bool
		since      string
	)
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List recent runs, newest first",
		Run: func(cmd *cobra.Command, args []string) {
			cfg := loadConfig()

			filter := store.RunFilter{JobName: job, Limit: limit, FailedOnly: failedOnly}
			if since != "" {
				t, err := time.Parse(time.RFC3339, since)
				if err != nil {
					fatalf("--since must be RFC3339: %s", err)
				}
				filter.Since = &t
			}

			var result struct {
				Runs []store.Run `json:"runs"`
			}
			params := map[string]interface{}{
				"job": job, "limit": limit, "failed_only": failedOnly, "since": since,
			}
			if rpc(cfg, protocol.MethodRunsList, params, &result) {
				printRuns(result.Runs, jsonOutput)
				return
			}

			st := openStore(cfg)
			defer st.Close()
			runs, err := st.ListRuns(filter)
			if err != nil {
				fatalf("%s", err)
			}
			printRuns(runs, jsonOutput)
		},
	}
	cmd.Flags().BoolVar(&jsonOutput, "json", false, "output as JSON")
	cmd.Flags().StringVar(&job, "job", "", "filter by job name")
	cmd.Flags().IntVar(&limit, "limit", 0, "maximum runs to list (default 50)")
	cmd.Flags().BoolVar(&failedOnly, "failed", false, "only failed or timed-out runs")
	cmd.Flags().StringVar(&since, "since", "", "only runs started at or after this RFC3339 instant")
	return cmd
}

func printRuns(runs []store.Run, jsonOutput bool) {
	if jsonOutput {
		printJSON(runs)
		return
	}
	if len(runs) == 0 {
		fmt.Println("No runs recorded.")
		return
	}

	tw := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintf(tw, "ID\tJOB\tSTARTED\tSTATUS\tTRIGGER\n")
	for _, r := range runs {
		fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%s\n",
			r.ID, r.JobName, r.StartedAt.Local().Format(time.DateTime),
			runStatus(&r), r.Trigger)
	}
	tw.Flush()
}

func runStatus(r *store.Run) string {
	switch {
	case r.EndedAt == nil:
		return "running"
	case r.TimedOut:
		return "timed out"
	case r.ExitCode != nil && *r.ExitCode == 0:
		return "ok"
	case r.ExitCode != nil:
		return fmt.Sprintf("exit %d", *r.ExitCode)
	default:
		return "unknown"
	}
}

func runsShowCmd() *cobra.Command {
	var jsonOutput bool
	cmd := &cobra.Command{
		Use:   "show [id]",
		Short: "Show one run, including captured output",
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			cfg := loadConfig()
			id, err := strconv.ParseInt(args[0], 10, 64)
			if err != nil {
				fatalf("run id must be a number: %s", args[0])
			}

			var run store.Run
			if rpc(cfg, protocol.MethodRunsGet, map[string]int64{"id": id}, &run) {
				printRun(&run, jsonOutput)
				return
			}

			st := openStore(cfg)
			defer st.Close()
			got, err := st.GetRun(id)
			if err != nil {
				fatalf("%s", err)
			}
			if got == nil {
				fatalf("run %d not found", id)
			}
			printRun(got, jsonOutput)
		},
	}
	cmd.Flags().BoolVar(&jsonOutput, "json", false, "output as JSON")
	return cmd
}

func printRun(r *store.Run, jsonOutput bool) {
	if jsonOutput {
		printJSON(r)
		return
	}
	fmt.Printf("Run:       %d\n", r.ID)
	fmt.Printf("Job:       %s\n", r.JobName)
	fmt.Printf("Trigger:   %s\n", r.Trigger)
	fmt.Printf("Started:   %s\n", r.StartedAt.Local().Format(time.DateTime))
	fmt.Printf("Ended:     %s\n", formatTimePtr(r.EndedAt))
	fmt.Printf("Status:    %s\n", runStatus(r))
	if r.Stdout != "" {
		fmt.Printf("--- stdout ---\n%s\n", r.Stdout)
	}
	if r.Stderr != "" {
		fmt.Printf("--- stderr ---\n%s\n", r.Stderr)
	}
}

func runsLastCmd() *cobra.Command {
	var jsonOutput bool
	cmd := &cobra.Command{
		Use:   "last [job]",
		Short: "Show the most recent run of a job",
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			cfg := loadConfig()

			var run store.Run
			if rpc(cfg, protocol.MethodRunsLast, map[string]string{"job": args[0]}, &run) {
				printRun(&run, jsonOutput)
				return
			}

			st := openStore(cfg)
			defer st.Close()
			got, err := st.LastRunFor(args[0])
			if err != nil {
				fatalf("%s", err)
			}
			if got == nil {
				fatalf("job %q has no runs", args[0])
			}
			printRun(got, jsonOutput)
		},
	}
	cmd.Flags().BoolVar(&jsonOutput, "json", false, "output as JSON")
	return cmd
}
