package main

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/MimeLyc/course-importer/internal/apiclient"
)

var serverURL string

var jobsCmd = &cobra.Command{
	Use:   "jobs",
	Short: "Commands that call the running job server",
	Long: `Jobs commands call the job control API of a running server
(courseimport serve). Use --server to override IMPORT_SERVER_URL.

Examples:
  courseimport jobs list
  courseimport jobs status 7
  courseimport jobs retry 7
  courseimport jobs tick --limit 20`,
}

func serverClient() *apiclient.Client {
	c := cfg.Client
	if serverURL != "" {
		c.ServerURL = serverURL
	}
	return newAPIClient(c)
}

func jobIDArg(args []string) (int64, error) {
	id, err := strconv.ParseInt(args[0], 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("invalid job id %q", args[0])
	}
	return id, nil
}

// jobCommand builds a subcommand taking one server job id.
func jobCommand(use, short string, run func(cmd *cobra.Command, c *apiclient.Client, id int64) (any, error)) *cobra.Command {
	return &cobra.Command{
		Use:   use + " <job-id>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := jobIDArg(args)
			if err != nil {
				return err
			}
			out, err := run(cmd, serverClient(), id)
			if err != nil {
				return err
			}
			return output(out)
		},
	}
}

var jobsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List recent server jobs",
	RunE: func(cmd *cobra.Command, args []string) error {
		list, err := serverClient().ListJobs(cmd.Context())
		if err != nil {
			return err
		}
		return output(list)
	},
}

var tickLimit int

var jobsTickCmd = &cobra.Command{
	Use:   "tick",
	Short: "Advance the oldest runnable job by one bounded batch",
	RunE: func(cmd *cobra.Command, args []string) error {
		n, err := serverClient().Tick(cmd.Context(), tickLimit)
		if err != nil {
			return err
		}
		return output(map[string]int{"processed": n})
	},
}

var workerInfoCmd = &cobra.Command{
	Use:   "worker",
	Short: "Show the server's internal tick and janitor schedule",
	RunE: func(cmd *cobra.Command, args []string) error {
		info, err := serverClient().WorkerInfo(cmd.Context())
		if err != nil {
			return err
		}
		return output(info)
	},
}

func init() {
	jobsCmd.PersistentFlags().StringVar(&serverURL, "server", "", "server URL (default: IMPORT_SERVER_URL)")
	jobsTickCmd.Flags().IntVar(&tickLimit, "limit", 0, "items to process (default: server batch size)")

	jobsCmd.AddCommand(
		jobsListCmd,
		jobsTickCmd,
		workerInfoCmd,
		jobCommand("status", "Show a job and its item counts", func(cmd *cobra.Command, c *apiclient.Client, id int64) (any, error) {
			return c.Status(cmd.Context(), id)
		}),
		jobCommand("items", "List the items of a job", func(cmd *cobra.Command, c *apiclient.Client, id int64) (any, error) {
			return c.Items(cmd.Context(), id)
		}),
		jobCommand("pause", "Pause a job", func(cmd *cobra.Command, c *apiclient.Client, id int64) (any, error) {
			return c.Pause(cmd.Context(), id)
		}),
		jobCommand("resume", "Resume a paused job", func(cmd *cobra.Command, c *apiclient.Client, id int64) (any, error) {
			return c.Resume(cmd.Context(), id)
		}),
		jobCommand("cancel", "Cancel a job and discard its pending uploads", func(cmd *cobra.Command, c *apiclient.Client, id int64) (any, error) {
			return c.Cancel(cmd.Context(), id)
		}),
		jobCommand("retry", "Requeue the failed items of a job", func(cmd *cobra.Command, c *apiclient.Client, id int64) (any, error) {
			return c.RetryFailed(cmd.Context(), id)
		}),
		jobCommand("cleanup", "Delete a finished job and its temporary files", func(cmd *cobra.Command, c *apiclient.Client, id int64) (any, error) {
			if err := c.Cleanup(cmd.Context(), id); err != nil {
				return nil, err
			}
			return map[string]int64{"deleted": id}, nil
		}),
	)
	rootCmd.AddCommand(jobsCmd)
}
