package cmd

import (
	"fmt"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/chronod/chronod/internal/store"
	"github.com/chronod/chronod/pkg/protocol"
)

func jobCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "job",
		Short: "Manage scheduled jobs",
	}
	cmd.AddCommand(jobAddCmd())
	cmd.AddCommand(jobListCmd())
	cmd.AddCommand(jobShowCmd())
	cmd.AddCommand(jobUpdateCmd())
	cmd.AddCommand(jobEnableCmd(true))
	cmd.AddCommand(jobEnableCmd(false))
	cmd.AddCommand(jobDeleteCmd())
	cmd.AddCommand(jobTriggerCmd())
	return cmd
}

func jobAddCmd() *cobra.Command {
	var (
		cron     string
		command  string
		dir      string
		timeout  int
		tags     []string
		disabled bool
	)
	cmd := &cobra.Command{
		Use:   "add [name]",
		Short: "Add a scheduled job",
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			cfg := loadConfig()
			job := store.Job{
				Name:           args[0],
				Cron:           cron,
				Command:        command,
				WorkingDir:     dir,
				TimeoutSeconds: timeout,
				Tags:           tags,
				Enabled:        !disabled,
			}

			var created store.Job
			if rpc(cfg, protocol.MethodJobAdd, job, &created) {
				printJobAdded(&created)
				return
			}

			st := openStore(cfg)
			defer st.Close()
			got, err := st.AddJob(job)
			if err != nil {
				fatalf("%s", err)
			}
			printJobAdded(got)
		},
	}
	cmd.Flags().StringVar(&cron, "cron", "", "five-field cron expression (required)")
	cmd.Flags().StringVar(&command, "command", "", "shell command to run (required)")
	cmd.Flags().StringVar(&dir, "dir", "", "working directory")
	cmd.Flags().IntVar(&timeout, "timeout", 0, "timeout in seconds (default 300)")
	cmd.Flags().StringSliceVar(&tags, "tag", nil, "tag (repeatable)")
	cmd.Flags().BoolVar(&disabled, "disabled", false, "create the job disabled")
	cmd.MarkFlagRequired("cron")
	cmd.MarkFlagRequired("command")
	return cmd
}

func printJobAdded(j *store.Job) {
	fmt.Printf("Added job %s (%s)\n", j.Name, j.Cron)
	if j.NextRun != nil {
		fmt.Printf("Next run: %s\n", formatTimePtr(j.NextRun))
	}
}

func jobListCmd() *cobra.Command {
	var (
		jsonOutput  bool
		tag         string
		enabledOnly bool
	)
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List jobs",
		Run: func(cmd *cobra.Command, args []string) {
			cfg := loadConfig()
			filter := store.JobFilter{Tag: tag}
			if enabledOnly {
				t := true
				filter.Enabled = &t
			}

			var result struct {
				Jobs []store.Job `json:"jobs"`
			}
			params := map[string]interface{}{"tag": tag}
			if filter.Enabled != nil {
				params["enabled"] = *filter.Enabled
			}
			if rpc(cfg, protocol.MethodJobList, params, &result) {
				printJobs(result.Jobs, jsonOutput)
				return
			}

			st := openStore(cfg)
			defer st.Close()
			jobs, err := st.ListJobs(filter)
			if err != nil {
				fatalf("%s", err)
			}
			printJobs(jobs, jsonOutput)
		},
	}
	cmd.Flags().BoolVar(&jsonOutput, "json", false, "output as JSON")
	cmd.Flags().StringVar(&tag, "tag", "", "filter by tag")
	cmd.Flags().BoolVar(&enabledOnly, "enabled", false, "only enabled jobs")
	return cmd
}

func printJobs(jobs []store.Job, jsonOutput bool) {
	if jsonOutput {
		printJSON(jobs)
		return
	}
	if len(jobs) == 0 {
		fmt.Println("No jobs configured.")
		return
	}

	tw := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintf(tw, "NAME\tSCHEDULE\tENABLED\tNEXT RUN\tLAST RUN\tTAGS\n")
	for _, j := range jobs {
		fmt.Fprintf(tw, "%s\t%s\t%v\t%s\t%s\t%s\n",
			j.Name, j.Cron, j.Enabled,
			formatTimePtr(j.NextRun), formatTimePtr(j.LastRun),
			strings.Join(j.Tags, ","))
	}
	tw.Flush()
}

func jobShowCmd() *cobra.Command {
	var jsonOutput bool
	cmd := &cobra.Command{
		Use:   "show [name]",
		Short: "Show one job",
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			cfg := loadConfig()

			var job store.Job
			if rpc(cfg, protocol.MethodJobGet, map[string]string{"name": args[0]}, &job) {
				printJob(&job, jsonOutput)
				return
			}

			st := openStore(cfg)
			defer st.Close()
			got, err := st.GetJob(args[0])
			if err != nil {
				fatalf("%s", err)
			}
			if got == nil {
				fatalf("job %q not found", args[0])
			}
			printJob(got, jsonOutput)
		},
	}
	cmd.Flags().BoolVar(&jsonOutput, "json", false, "output as JSON")
	return cmd
}

func printJob(j *store.Job, jsonOutput bool) {
	if jsonOutput {
		printJSON(j)
		return
	}
	fmt.Printf("Name:        %s\n", j.Name)
	fmt.Printf("Schedule:    %s\n", j.Cron)
	fmt.Printf("Command:     %s\n", j.Command)
	if j.WorkingDir != "" {
		fmt.Printf("Directory:   %s\n", j.WorkingDir)
	}
	fmt.Printf("Timeout:     %ds\n", j.TimeoutSeconds)
	fmt.Printf("Enabled:     %v\n", j.Enabled)
	if len(j.Tags) > 0 {
		fmt.Printf("Tags:        %s\n", strings.Join(j.Tags, ", "))
	}
	fmt.Printf("Next run:    %s\n", formatTimePtr(j.NextRun))
	fmt.Printf("Last run:    %s\n", formatTimePtr(j.LastRun))
}

func jobUpdateCmd() *cobra.Command {
	var (
		newName string
		cron    string
		command string
		dir     string
		timeout int
		tags    []string
	)
	cmd := &cobra.Command{
		Use:   "update [name]",
		Short: "Update fields of a job",
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			cfg := loadConfig()

			patch := store.JobPatch{}
			if cmd.Flags().Changed("name") {
				patch.Name = &newName
			}
			if cmd.Flags().Changed("cron") {
				patch.Cron = &cron
			}
			if cmd.Flags().Changed("command") {
				patch.Command = &command
			}
			if cmd.Flags().Changed("dir") {
				patch.WorkingDir = &dir
			}
			if cmd.Flags().Changed("timeout") {
				patch.TimeoutSeconds = &timeout
			}
			if cmd.Flags().Changed("tag") {
				patch.Tags = &tags
			}

			params := struct {
				Name string `json:"name"`
				store.JobPatch
			}{Name: args[0], JobPatch: patch}

			var job store.Job
			if rpc(cfg, protocol.MethodJobUpdate, params, &job) {
				fmt.Printf("Updated job %s\n", job.Name)
				return
			}

			st := openStore(cfg)
			defer st.Close()
			got, err := st.UpdateJob(args[0], patch)
			if err != nil {
				fatalf("%s", err)
			}
			fmt.Printf("Updated job %s\n", got.Name)
		},
	}
	cmd.Flags().StringVar(&newName, "name", "", "rename the job")
	cmd.Flags().StringVar(&cron, "cron", "", "new cron expression")
	cmd.Flags().StringVar(&command, "command", "", "new command")
	cmd.Flags().StringVar(&dir, "dir", "", "new working directory")
	cmd.Flags().IntVar(&timeout, "timeout", 0, "new timeout in seconds")
	cmd.Flags().StringSliceVar(&tags, "tag", nil, "replace tags (repeatable)")
	return cmd
}

func jobEnableCmd(enable bool) *cobra.Command {
	use, short, method := "enable", "Enable a job", protocol.MethodJobEnable
	if !enable {
		use, short, method = "disable", "Disable a job", protocol.MethodJobDisable
	}
	return &cobra.Command{
		Use:   use + " [name]",
		Short: short,
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			cfg := loadConfig()

			if rpc(cfg, method, map[string]string{"name": args[0]}, nil) {
				fmt.Printf("Job %s enabled=%v\n", args[0], enable)
				return
			}

			st := openStore(cfg)
			defer st.Close()
			e := enable
			if _, err := st.UpdateJob(args[0], store.JobPatch{Enabled: &e}); err != nil {
				fatalf("%s", err)
			}
			fmt.Printf("Job %s enabled=%v\n", args[0], enable)
		},
	}
}

func jobDeleteCmd() *cobra.Command {
	var purge bool
	cmd := &cobra.Command{
		Use:   "delete [name]",
		Short: "Delete a job",
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			cfg := loadConfig()

			params := map[string]interface{}{"name": args[0], "purge_runs": purge}
			if rpc(cfg, protocol.MethodJobDelete, params, nil) {
				fmt.Printf("Deleted job %s\n", args[0])
				return
			}

			st := openStore(cfg)
			defer st.Close()
			if err := st.DeleteJob(args[0], purge); err != nil {
				fatalf("%s", err)
			}
			fmt.Printf("Deleted job %s\n", args[0])
		},
	}
	cmd.Flags().BoolVar(&purge, "purge", false, "also delete the job's run history")
	return cmd
}

func jobTriggerCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "trigger [name]",
		Short: "Run a job now, outside its schedule",
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			cfg := loadConfig()

			var run store.Run
			if !rpc(cfg, protocol.MethodJobTrigger, map[string]string{"name": args[0]}, &run) {
				// Triggering needs a live executor; the database alone
				// cannot run anything.
				fatalf("no running server at %s; start one with 'chronod serve'", cfg.GatewayAddr)
			}
			fmt.Printf("Triggered job %s (run %d)\n", run.JobName, run.ID)
		},
	}
}
