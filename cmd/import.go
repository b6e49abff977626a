package main

import (
	"context"
	"errors"
	"time"

	"github.com/spf13/cobra"

	"github.com/MimeLyc/course-importer/internal/eventbus"
	"github.com/MimeLyc/course-importer/internal/library"
	"github.com/MimeLyc/course-importer/internal/queue"
	"github.com/MimeLyc/course-importer/pkg/log"
)

var (
	importTitle    string
	importCourseID int64
	importSections []string
	importDir      string
	importRestore  bool
)

var importCmd = &cobra.Command{
	Use:   "import",
	Short: "Queue a bulk import and run the queue until it is idle",
	Long: `Queue an import of one or more sections of videos.

Each --section takes Name=path[,path...]; a directory expands to its files
in name order. Sections and files are imported in the order given.

--dir scans a course folder instead: every subfolder becomes a section and
videos are ordered naturally ("Lesson 2" before "Lesson 10"). The folder
name is the default course title.

Without --course-id a new course named --title is created. With
--course-id the sections are appended to that course.

Examples:
  courseimport import --title "Intro to Go" --section "Week 1=./w1" --section "Week 2=./w2"
  courseimport import --course-id 12 --section "Bonus=extra1.mp4,extra2.mp4"
  courseimport import --dir "./Intro to Go"`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		jc := queue.JobConfig{CourseID: importCourseID, CourseTitle: importTitle}
		if importDir != "" {
			course, err := library.NewScanner(library.WithExtensions(cfg.Storage.AllowedExtensions)).Scan(ctx, importDir)
			if err != nil {
				return err
			}
			if jc.CourseTitle == "" && jc.CourseID == 0 {
				jc.CourseTitle = course.Title
			}
			for _, sec := range course.Sections {
				jc.Sections = append(jc.Sections, queue.Section{Name: sec.Name, Files: sec.Files})
			}
		}
		for _, v := range importSections {
			sec, err := parseSection(v)
			if err != nil {
				return err
			}
			jc.Sections = append(jc.Sections, sec)
		}

		s, err := openSession(ctx, cfg)
		if err != nil {
			return err
		}
		m := s.manager
		unsubscribe := followEvents(m.Bus())
		defer unsubscribe()

		m.Start(ctx)
		if err := offerRestore(ctx, m, importRestore); err != nil {
			log.Warn("Emergency snapshot: %v", err)
		}

		job, err := m.CreateJob(jc)
		if err != nil {
			_, _ = s.Close(context.Background())
			return err
		}
		log.Info("Queued %s (%d sections)", job.ID, len(job.Sections))

		return finishSession(s, job.ID, m.WaitIdle(ctx))
	},
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the local import queue until it is idle",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		s, err := openSession(ctx, cfg)
		if err != nil {
			return err
		}
		unsubscribe := followEvents(s.manager.Bus())
		defer unsubscribe()

		s.manager.Start(ctx)
		if err := offerRestore(ctx, s.manager, importRestore); err != nil {
			log.Warn("Emergency snapshot: %v", err)
		}
		return finishSession(s, "", s.manager.WaitIdle(ctx))
	},
}

// offerRestore adopts the jobs of an emergency snapshot when restore is set
// and otherwise only reports it.
func offerRestore(ctx context.Context, m *queue.Manager, restore bool) error {
	snap, err := m.Activate(ctx)
	if err != nil || snap == nil {
		return err
	}
	if !restore {
		log.Warn("Found %d imports saved by %s on %s at %s; rerun with --restore or use 'queue restore'",
			len(snap.Queue), snap.TabID, snap.Hostname, time.UnixMilli(snap.Timestamp).Format(time.RFC3339))
		return nil
	}
	_, err = m.RestoreEmergency(ctx)
	return err
}

func finishSession(s *session, jobID string, waitErr error) error {
	interrupted := errors.Is(waitErr, context.Canceled)
	var job *queue.ClientJob
	if jobID != "" {
		job, _ = s.manager.Job(jobID)
	}
	stats := s.manager.Stats()

	warn, err := s.Close(context.Background())
	if err != nil {
		log.Error("Closing queue: %v", err)
	}
	if warn {
		log.Warn("Imports were left unfinished; run 'courseimport run --restore' within %v to continue them", cfg.Client.EmergencyWindow)
	}
	if waitErr != nil && !interrupted {
		return waitErr
	}
	if job != nil {
		return output(job)
	}
	return output(stats)
}

func followEvents(bus *eventbus.Bus) func() {
	unsubs := []func(){
		bus.Subscribe(queue.TopicJobStarted, func(ev eventbus.Event) {
			job := ev.Data.(*queue.ClientJob)
			log.Info("Started %s: %s", job.ID, job.CourseTitle)
		}),
		bus.Subscribe(queue.TopicJobCourseCreated, func(ev eventbus.Event) {
			c := ev.Data.(queue.CourseCreated)
			log.Info("Created course %d for %s", c.CourseID, c.JobID)
		}),
		bus.Subscribe(queue.TopicProgressUpdated, func(ev eventbus.Event) {
			u := ev.Data.(queue.ProgressUpdate)
			log.Info("%s [%s] %s (%d/%d)", u.JobID, u.Phase, u.Progress.Message, u.Progress.Completed, u.Progress.Total)
		}),
		bus.Subscribe(queue.TopicJobCompleted, func(ev eventbus.Event) {
			job := ev.Data.(*queue.ClientJob)
			if job.Summary != nil {
				log.Info("Completed %s: %d files, %d errors in %v", job.ID, job.Summary.Files, job.Summary.Errors, job.Summary.Duration.Round(time.Second))
				return
			}
			log.Info("Completed %s", job.ID)
		}),
		bus.Subscribe(queue.TopicJobError, func(ev eventbus.Event) {
			job := ev.Data.(*queue.ClientJob)
			log.Error("Import %s failed: %s", job.ID, job.Error)
		}),
		bus.Subscribe(queue.TopicJobCancelled, func(ev eventbus.Event) {
			log.Info("Cancelled %s", ev.Data.(*queue.ClientJob).ID)
		}),
	}
	return func() {
		for _, u := range unsubs {
			u()
		}
	}
}

func init() {
	importCmd.Flags().StringVar(&importTitle, "title", "", "title of the new course")
	importCmd.Flags().Int64Var(&importCourseID, "course-id", 0, "append to this existing course")
	importCmd.Flags().StringArrayVar(&importSections, "section", nil, "section as Name=path[,path...] (repeatable)")
	importCmd.Flags().BoolVar(&importRestore, "restore", false, "restore imports left unfinished by a previous run")
	importCmd.Flags().StringVar(&importDir, "dir", "", "course folder to scan into sections")
	importCmd.MarkFlagsOneRequired("section", "dir")

	runCmd.Flags().BoolVar(&importRestore, "restore", false, "restore imports left unfinished by a previous run")

	rootCmd.AddCommand(importCmd, runCmd)
}
