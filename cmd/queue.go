package main

import (
	"context"
	"errors"

	"github.com/spf13/cobra"

	"github.com/MimeLyc/course-importer/internal/queue"
	"github.com/MimeLyc/course-importer/pkg/log"
)

var queueCmd = &cobra.Command{
	Use:   "queue",
	Short: "Inspect and manage the local import queue",
	Long: `The local queue lives in CLIENT_PROFILE_DIR (or Redis with LOCAL_STORE=redis)
and is shared by every courseimport process of the profile. Each job is
driven by the process that queued it; adopt takes over a job whose process
is gone.`,
}

var queueStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the saved queue",
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := openStore(cmd.Context(), cfg.Client)
		if err != nil {
			return err
		}
		defer store.Close()

		list, paused, err := queue.Peek(cmd.Context(), store)
		if err != nil {
			return err
		}
		return output(struct {
			Paused bool               `json:"paused" yaml:"paused"`
			Jobs   []*queue.ClientJob `json:"jobs" yaml:"jobs"`
		}{paused, list})
	},
}

var queueErrorsCmd = &cobra.Command{
	Use:   "errors <job-id>",
	Short: "List the files of an import that failed",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withSession(cmd.Context(), func(m *queue.Manager) error {
			report, err := m.ErrorReport(cmd.Context(), args[0])
			if report != nil {
				if outErr := output(report); outErr != nil {
					return outErr
				}
			}
			return err
		})
	},
}

var queueAdoptCmd = &cobra.Command{
	Use:   "adopt <job-id>",
	Short: "Take over an import left behind by another process and run it",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		s, err := openSession(ctx, cfg)
		if err != nil {
			return err
		}
		unsubscribe := followEvents(s.manager.Bus())
		defer unsubscribe()

		if err := s.manager.Adopt(args[0]); err != nil {
			_, _ = s.Close(context.Background())
			return err
		}
		s.manager.Start(ctx)
		return finishSession(s, args[0], s.manager.WaitIdle(ctx))
	},
}

var queueCancelCmd = &cobra.Command{
	Use:   "cancel <job-id>",
	Short: "Cancel an import left behind by another process",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		return withSession(ctx, func(m *queue.Manager) error {
			if err := m.Adopt(args[0]); err != nil {
				return err
			}
			if err := m.CancelJob(ctx, args[0]); err != nil {
				return err
			}
			job, err := m.Job(args[0])
			if err != nil {
				return err
			}
			return output(job)
		})
	},
}

var queueDiscardCmd = &cobra.Command{
	Use:   "discard",
	Short: "Drop the emergency snapshot without restoring it",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withSession(cmd.Context(), func(m *queue.Manager) error {
			return m.DiscardEmergency(cmd.Context())
		})
	},
}

// withSession runs fn against a manager that is not started.
func withSession(ctx context.Context, fn func(m *queue.Manager) error) error {
	s, err := openSession(ctx, cfg)
	if err != nil {
		return err
	}
	runErr := fn(s.manager)
	if _, err := s.Close(context.Background()); err != nil {
		log.Warn("Closing queue: %v", err)
	}
	if errors.Is(runErr, queue.ErrJobNotFound) {
		log.Info("Use 'courseimport queue status' to list saved imports")
	}
	return runErr
}

func init() {
	queueCmd.AddCommand(queueStatusCmd, queueErrorsCmd, queueAdoptCmd, queueCancelCmd, queueDiscardCmd)
	rootCmd.AddCommand(queueCmd)
}
