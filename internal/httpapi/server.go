package httpapi

import (
	"context"
	"io"
	"net/http"
	"time"

	"github.com/MimeLyc/course-importer/internal/jobs"
)

// JobService is the job control surface the API exposes.
type JobService interface {
	Create(ctx context.Context, req jobs.CreateRequest) (*jobs.CreateResult, error)
	AddItem(ctx context.Context, req jobs.AddItemRequest, body io.Reader) (*jobs.AddItemResult, error)
	FinalizeUploads(ctx context.Context, jobID int64, token string) (*jobs.Job, error)
	Status(ctx context.Context, jobID int64) (*jobs.StatusReport, error)
	List(ctx context.Context) ([]*jobs.Job, error)
	Items(ctx context.Context, jobID int64) ([]*jobs.Item, error)
	Cancel(ctx context.Context, jobID int64) (*jobs.Job, error)
	Cleanup(ctx context.Context, jobID int64) error
	Pause(ctx context.Context, jobID int64) (*jobs.Job, error)
	Resume(ctx context.Context, jobID int64) (*jobs.Job, error)
	RetryFailed(ctx context.Context, jobID int64) (*jobs.RetryResult, error)
}

type Ticker interface {
	Tick(ctx context.Context, limit int) (int, error)
}

type schedulerInfo interface {
	Info(now time.Time) jobs.SchedulerInfo
}

type Server struct {
	service   JobService
	worker    Ticker
	scheduler schedulerInfo

	maxUploadBytes int64
	defaultBatch   int

	mux    *http.ServeMux
	server *http.Server
}

type Option func(*Server)

func WithScheduler(scheduler schedulerInfo) Option {
	return func(s *Server) {
		s.scheduler = scheduler
	}
}

// WithMaxUploadBytes bounds the size of one add_item request body.
func WithMaxUploadBytes(n int64) Option {
	return func(s *Server) {
		s.maxUploadBytes = n
	}
}

func WithDefaultBatchSize(n int) Option {
	return func(s *Server) {
		s.defaultBatch = n
	}
}

func NewServer(service JobService, worker Ticker, opts ...Option) *Server {
	s := &Server{
		service:      service,
		worker:       worker,
		defaultBatch: 5,
		mux:          http.NewServeMux(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.routes()
	s.server = &http.Server{
		Handler:           s.mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

func (s *Server) Handler() http.Handler {
	return s.mux
}

func (s *Server) ListenAndServe(addr string) error {
	s.server.Addr = addr
	return s.server.ListenAndServe()
}

// Shutdown may be called before ListenAndServe; a later ListenAndServe then
// returns http.ErrServerClosed.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

func (s *Server) routes() {
	s.mux.HandleFunc("/api/jobs", s.handleJobs)
	s.mux.HandleFunc("/api/jobs/", s.handleJob)
	s.mux.HandleFunc("/api/worker/tick", s.handleTick)
	s.mux.HandleFunc("/api/worker", s.handleWorker)
	s.mux.HandleFunc("/healthz", s.handleHealth)
}
