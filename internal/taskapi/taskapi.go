// Package taskapi is the Controller's HTTP surface (spec.md §4.E): the
// per-backend Task API the Agent polls and posts updates to, plus the RAP
// endpoints external clients (job-server) use to create/cancel job
// requests and poll aggregate status. Built on plain net/http + ServeMux,
// the same minimalism as the teacher's internal/web.Server — no router
// framework.
package taskapi

import (
	"context"
	"net"
	"net/http"

	"github.com/opensafely-core/job-runner/internal/model"
)

// Controller is the subset of internal/controller.Controller the task
// update endpoint drives.
type Controller interface {
	ApplyUpdate(ctx context.Context, backend, taskID string, stage model.TaskStage, results *model.TaskResults, errMsg string) (bool, error)
}

// Store is the subset of internal/store.Store the API handlers read and
// write directly (task listing, RAP job request intake/cancellation/status).
type Store interface {
	ListActiveTasksByBackend(ctx context.Context, backend string) ([]*model.Task, error)

	CreateJobRequest(ctx context.Context, jr *model.JobRequest) error
	GetJobRequest(ctx context.Context, id string) (*model.JobRequest, error)
	AddCancelledAction(ctx context.Context, id, action string) error
	ListJobsByRequest(ctx context.Context, jobRequestID string) ([]*model.Job, error)
	ListJobsByBackend(ctx context.Context, backend string) ([]*model.Job, error)
}

// FlagReader backs `GET /backend/status/`.
type FlagReader interface {
	All(ctx context.Context, backend string) ([]model.BackendFlag, error)
}

// FlagWriter backs `POST /backend/flag/`: the operator-facing mutation
// opctl uses to pause/resume a backend or enter/exit its db-maintenance
// and reboot-prep windows (spec.md §4.H).
type FlagWriter interface {
	FlagReader
	SetPaused(ctx context.Context, backend string, on bool) error
	SetDBMaintenance(ctx context.Context, backend string, on bool) error
	SetRebootPrep(ctx context.Context, backend string, on bool) error
}

// Config carries the two independent token scopes the API authenticates
// against: Agents use TaskAPITokens (one per backend they own); job-server
// clients use RAPTokens (spec.md §6: "Authentication uses a separate
// per-backend client-token list").
type Config struct {
	Addr          string
	TaskAPITokens map[string]string
	RAPTokens     map[string]string
}

// Server is the Controller's HTTP frontend.
type Server struct {
	addr   string
	mux    *http.ServeMux
	httpServer *http.Server
	listener   net.Listener
}

// New builds a Server with both the Agent-facing Task API and the
// job-server-facing RAP endpoints registered on one mux. It does not start
// listening — call Start for that.
func New(cfg Config, ctrl Controller, store Store, flags FlagWriter) *Server {
	if cfg.Addr == "" {
		cfg.Addr = ":8000"
	}

	mux := http.NewServeMux()
	taskAuth := bearerAuth(cfg.TaskAPITokens)
	rapAuth := bearerAuth(cfg.RAPTokens)

	mux.Handle("GET /{backend}/tasks/", taskAuth(listTasksHandler(store)))
	mux.Handle("POST /{backend}/task/update/", taskAuth(updateTaskHandler(ctrl)))

	mux.Handle("POST /rap/create/", rapAuth(rapCreateHandler(store)))
	mux.Handle("POST /rap/cancel/", rapAuth(rapCancelHandler(store)))
	mux.Handle("GET /rap/status/", rapAuth(rapStatusHandler(store)))
	mux.Handle("GET /backend/status/", rapAuth(backendStatusHandler(flags)))
	mux.Handle("POST /backend/flag/", rapAuth(backendFlagHandler(flags)))

	return &Server{
		addr: cfg.Addr,
		mux:  mux,
		httpServer: &http.Server{
			Addr:    cfg.Addr,
			Handler: mux,
		},
	}
}

// Start begins listening. Non-blocking: the server runs in a goroutine.
func (s *Server) Start() error {
	listener, err := net.Listen("tcp", s.httpServer.Addr)
	if err != nil {
		return err
	}
	s.listener = listener
	s.addr = listener.Addr().String()

	go func() {
		if err := s.httpServer.Serve(listener); err != nil && err != http.ErrServerClosed {
			_ = err
		}
	}()
	return nil
}

// Stop gracefully shuts the server down.
func (s *Server) Stop(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

// Addr returns the actual listen address (useful once an ephemeral port
// has resolved).
func (s *Server) Addr() string {
	return s.addr
}

// Handler exposes the mux directly, for tests that want to drive requests
// through httptest.Server without a real listener.
func (s *Server) Handler() http.Handler {
	return s.mux
}
