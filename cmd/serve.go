package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/MimeLyc/course-importer/internal/config"
	"github.com/MimeLyc/course-importer/internal/httpapi"
	"github.com/MimeLyc/course-importer/internal/jobs"
	"github.com/MimeLyc/course-importer/internal/persistence"
	"github.com/MimeLyc/course-importer/internal/storage"
	"github.com/MimeLyc/course-importer/pkg/icron"
	"github.com/MimeLyc/course-importer/pkg/log"
)

const shutdownTimeout = 10 * time.Second

type scheduler interface {
	Schedule(ctx context.Context) error
}

type cronRunner interface {
	Start()
	Stop() context.Context
}

type httpServer interface {
	ListenAndServe(addr string) error
	Shutdown(ctx context.Context) error
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the import job server",
	Long: `Start the job control API.

Jobs are stored in $DATA_DIR/courseimport.db. Uploaded files wait in
TMP_UPLOADS_DIR until a tick moves them into VIDEOS_DIR/course_<id>.
With WORKER_INTERNAL_TICK=true the server advances jobs on its own timer
instead of waiting for client tick calls.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		db, err := persistence.NewSQLiteStore(cfg.DBPath())
		if err != nil {
			return err
		}
		defer db.Close()

		files, err := storage.NewLocal(cfg.Storage.TmpDir, cfg.Storage.VideosDir,
			storage.WithSniffing(cfg.Storage.SniffContent),
			storage.WithMaxBytes(cfg.Storage.MaxUploadBytes),
		)
		if err != nil {
			return err
		}

		service := jobs.NewService(db, db, files, jobs.WithAllowedExtensions(cfg.Storage.AllowedExtensions))
		worker := jobs.NewWorker(db, jobs.NewImporter(db, files),
			jobs.WithBatchSize(cfg.Worker.BatchSize, cfg.Worker.MaxBatchSize))

		cronEngine := cron.New(cron.WithParser(icron.Parser))
		sched := jobs.NewScheduler(cronEngine, worker, service, jobs.SchedulerConfig{
			InternalTick:    cfg.Worker.InternalTick,
			TickSchedule:    cfg.Worker.TickSchedule,
			BatchSize:       cfg.Worker.BatchSize,
			JanitorSchedule: cfg.Worker.JanitorSchedule,
			JanitorMinAge:   cfg.Worker.JanitorMinAge,
		})

		srv := httpapi.NewServer(service, worker,
			httpapi.WithScheduler(sched),
			httpapi.WithMaxUploadBytes(cfg.Storage.MaxUploadBytes),
			httpapi.WithDefaultBatchSize(cfg.Worker.BatchSize),
		)
		return runWithComponents(ctx, cfg, sched, cronEngine, srv)
	},
}

// runWithComponents starts the scheduler and the HTTP server and blocks
// until ctx is cancelled or the server fails.
func runWithComponents(ctx context.Context, cfg *config.Config, sched scheduler, cronEngine cronRunner, srv httpServer) error {
	if err := sched.Schedule(ctx); err != nil {
		return fmt.Errorf("schedule: %w", err)
	}
	cronEngine.Start()
	defer func() {
		select {
		case <-cronEngine.Stop().Done():
		case <-time.After(shutdownTimeout):
			log.Warn("Scheduled jobs still running after %v", shutdownTimeout)
		}
	}()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info("Listening on %s", cfg.HTTP.Addr)
		if err := srv.ListenAndServe(cfg.HTTP.Addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	err := g.Wait()
	log.Info("Server stopped")
	return err
}

func init() {
	rootCmd.AddCommand(serveCmd)
}
