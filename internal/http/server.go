package http

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"CombineMR/internal/logger"
	"CombineMR/internal/types"
)

type ServerOpts struct {
	ID   string
	Addr string // host:port; ":0" picks a free port
}

// Boss is everything the server exposes
type Boss interface {
	Submit(ctx context.Context, spec types.JobSpec) (string, error)
	Status(ctx context.Context, jobID string) (types.JobStatus, error)
	Jobs() []string
	Workers() []types.WorkerHandle
	RequestTask(ctx context.Context, req types.TaskRequest) (types.TaskReply, error)
	Heartbeat(ctx context.Context, req types.HeartbeatRequest) (types.Ack, error)
	ReportComplete(ctx context.Context, req types.CompletionReport) (types.Ack, error)
}

// StateSource is the journal's replicated view of the Boss, served on /journal
type StateSource interface {
	GetClusterState() *types.ClusterState
	Stats() map[string]string
}

type journalView struct {
	State *types.ClusterState `json:"state"`
	Raft  map[string]string   `json:"raft"`
}

type Server struct {
	opts    ServerOpts
	boss    Boss
	journal StateSource
	logger  *logger.Logger

	httpServer *http.Server
	listener   net.Listener
}

// errorBody carries a machine-readable code so clients can restore the sentinel
type errorBody struct {
	Code  string `json:"code"`
	Error string `json:"error"`
}

const (
	codeInvalidSpec  = "invalid_job_spec"
	codeJobNotFound  = "job_not_found"
	codeTaskNotFound = "task_not_found"
	codeBadRequest   = "bad_request"
	codeInternal     = "internal"
)

// NewServer builds the Boss's HTTP front. journal may be nil.
func NewServer(opts ServerOpts, boss Boss, journal StateSource, lg *logger.Logger) *Server {
	if lg == nil {
		lg = logger.New("INFO")
	}
	s := &Server{
		opts:    opts,
		boss:    boss,
		journal: journal,
		logger:  lg.Named("http"),
	}
	s.httpServer = &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

// Handler returns the routing table
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /submit_job", s.handleSubmit)
	mux.HandleFunc("GET /status", s.handleStatus)
	mux.HandleFunc("POST /request_task", s.handleRequestTask)
	mux.HandleFunc("POST /heartbeat", s.handleHeartbeat)
	mux.HandleFunc("POST /report_complete", s.handleReportComplete)
	mux.HandleFunc("GET /jobs", s.handleJobs)
	mux.HandleFunc("GET /workers", s.handleWorkers)
	mux.HandleFunc("GET /journal", s.handleJournal)
	return mux
}

// Start listens on opts.Addr and serves until Shutdown. It returns once the
// listener is bound; serving continues in the background.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.opts.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.opts.Addr, err)
	}
	s.listener = ln
	s.logger.Info("HTTP server listening: id=%s addr=%s", s.opts.ID, ln.Addr())

	go func() {
		if err := s.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("HTTP server stopped: %v", err)
		}
	}()
	return nil
}

// Addr returns the bound address, valid after Start
func (s *Server) Addr() string {
	if s.listener == nil {
		return s.opts.Addr
	}
	return s.listener.Addr().String()
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var spec types.JobSpec
	if !s.decode(w, r, &spec) {
		return
	}
	id, err := s.boss.Submit(r.Context(), spec)
	if err != nil {
		s.fail(w, err)
		return
	}
	s.reply(w, http.StatusOK, types.SubmitReply{JobID: id})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	id := r.URL.Query().Get("job_id")
	if id == "" {
		s.reply(w, http.StatusBadRequest, errorBody{Code: codeBadRequest, Error: "job_id is required"})
		return
	}
	st, err := s.boss.Status(r.Context(), id)
	if err != nil {
		s.fail(w, err)
		return
	}
	s.reply(w, http.StatusOK, st)
}

func (s *Server) handleRequestTask(w http.ResponseWriter, r *http.Request) {
	var req types.TaskRequest
	if !s.decode(w, r, &req) {
		return
	}
	reply, err := s.boss.RequestTask(r.Context(), req)
	if err != nil {
		s.fail(w, err)
		return
	}
	s.reply(w, http.StatusOK, reply)
}

func (s *Server) handleHeartbeat(w http.ResponseWriter, r *http.Request) {
	var req types.HeartbeatRequest
	if !s.decode(w, r, &req) {
		return
	}
	ack, err := s.boss.Heartbeat(r.Context(), req)
	if err != nil {
		s.fail(w, err)
		return
	}
	s.reply(w, http.StatusOK, ack)
}

func (s *Server) handleReportComplete(w http.ResponseWriter, r *http.Request) {
	var req types.CompletionReport
	if !s.decode(w, r, &req) {
		return
	}
	ack, err := s.boss.ReportComplete(r.Context(), req)
	if err != nil {
		s.fail(w, err)
		return
	}
	s.reply(w, http.StatusOK, ack)
}

func (s *Server) handleJobs(w http.ResponseWriter, r *http.Request) {
	ids := s.boss.Jobs()
	if ids == nil {
		ids = []string{}
	}
	s.reply(w, http.StatusOK, ids)
}

func (s *Server) handleWorkers(w http.ResponseWriter, r *http.Request) {
	workers := s.boss.Workers()
	if workers == nil {
		workers = []types.WorkerHandle{}
	}
	s.reply(w, http.StatusOK, workers)
}

func (s *Server) handleJournal(w http.ResponseWriter, r *http.Request) {
	if s.journal == nil {
		s.reply(w, http.StatusNotFound, errorBody{Code: codeBadRequest, Error: "journal is not enabled"})
		return
	}
	s.reply(w, http.StatusOK, journalView{
		State: s.journal.GetClusterState(),
		Raft:  s.journal.Stats(),
	})
}

func (s *Server) decode(w http.ResponseWriter, r *http.Request, dst interface{}) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		s.reply(w, http.StatusBadRequest, errorBody{Code: codeBadRequest, Error: fmt.Sprintf("malformed request: %v", err)})
		return false
	}
	return true
}

func (s *Server) fail(w http.ResponseWriter, err error) {
	status, code := http.StatusInternalServerError, codeInternal
	switch {
	case errors.Is(err, types.ErrInvalidJobSpec):
		status, code = http.StatusBadRequest, codeInvalidSpec
	case errors.Is(err, types.ErrJobNotFound):
		status, code = http.StatusNotFound, codeJobNotFound
	case errors.Is(err, types.ErrTaskNotFound):
		status, code = http.StatusNotFound, codeTaskNotFound
	default:
		s.logger.Error("Request failed: %v", err)
	}
	s.reply(w, status, errorBody{Code: code, Error: err.Error()})
}

func (s *Server) reply(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		s.logger.Warn("Failed to write response: %v", err)
	}
}
