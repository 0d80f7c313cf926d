package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"E3Kernel/internal/bonding"
	"E3Kernel/internal/events"
	"E3Kernel/internal/lifecycle"
	"E3Kernel/internal/logger"
	"E3Kernel/internal/protocol"
	"E3Kernel/internal/refund"
	"E3Kernel/internal/sortition"
)

// Kernel is the read and failure-reporting surface the API serves.
type Kernel interface {
	Height() uint64
	LastSeq() uint64
	Instances() uint64
	Root() protocol.Hash
	Instance(id uint64) (lifecycle.Instance, error)
	CheckFailureCondition(id uint64) (bool, protocol.FailureReason)
	MarkE3Failed(id uint64) (protocol.FailureReason, error)
	Operator(op protocol.Address) (bonding.Operator, bool)
	AvailableTickets(op protocol.Address) uint64
	Round(id uint64) (sortition.Round, bool)
	Distribution(id uint64) (refund.Distribution, bool)
	Events(from uint64, limit int) ([]events.Event, error)
}

// Server is the HTTP API server.
type Server struct {
	addr    string       // addr is the HTTP listen address
	kernel  Kernel       // kernel answers every query
	metrics http.Handler // metrics serves /metrics when set
	server  *http.Server // server is the underlying HTTP server
}

// New creates a new HTTP API server. metrics may be nil.
func New(addr string, kernel Kernel, metrics http.Handler) *Server {
	return &Server{
		addr:    addr,
		kernel:  kernel,
		metrics: metrics,
	}
}

// Handler returns the routed handler.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /status", s.handleStatus)
	mux.HandleFunc("GET /e3/{id}", s.handleInstance)
	mux.HandleFunc("GET /e3/{id}/failure", s.handleFailure)
	mux.HandleFunc("POST /e3/{id}/fail", s.handleMarkFailed)
	mux.HandleFunc("GET /operators/{addr}", s.handleOperator)
	mux.HandleFunc("GET /sortition/{id}", s.handleRound)
	mux.HandleFunc("GET /refund/{id}", s.handleRefund)
	mux.HandleFunc("GET /events", s.handleEvents)

	if s.metrics != nil {
		mux.Handle("GET /metrics", s.metrics)
	}

	return mux
}

// Start starts the HTTP server in a goroutine.
func (s *Server) Start() error {
	s.server = &http.Server{
		Addr:         s.addr,
		Handler:      s.Handler(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	go func() {
		logger.Info("http api started", "addr", s.addr)

		if err := s.server.ListenAndServe(); err != http.ErrServerClosed {
			logger.Error("http server error", "error", err)
		}
	}()

	return nil
}

// Stop gracefully shuts down the HTTP server.
func (s *Server) Stop() error {
	if s.server == nil {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	return s.server.Shutdown(ctx)
}

// handleHealth handles GET /health requests.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status": "ok",
	})
}

// handleStatus handles GET /status requests.
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, StatusView{
		Height:    s.kernel.Height(),
		LastSeq:   s.kernel.LastSeq(),
		Instances: s.kernel.Instances(),
		Root:      s.kernel.Root(),
	})
}

// handleInstance handles GET /e3/{id} requests.
func (s *Server) handleInstance(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}

	inst, err := s.kernel.Instance(id)
	if err != nil {
		writeKernelError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, newInstanceView(inst))
}

// handleFailure handles GET /e3/{id}/failure requests.
func (s *Server) handleFailure(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}

	if _, err := s.kernel.Instance(id); err != nil {
		writeKernelError(w, err)
		return
	}

	failed, reason := s.kernel.CheckFailureCondition(id)
	writeJSON(w, http.StatusOK, FailureView{
		Failable: failed,
		Reason:   reason.String(),
	})
}

// handleMarkFailed handles POST /e3/{id}/fail requests.
func (s *Server) handleMarkFailed(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}

	reason, err := s.kernel.MarkE3Failed(id)
	if err != nil {
		writeKernelError(w, err)
		return
	}

	logger.Info("e3 marked failed", "e3", id, "reason", reason)

	writeJSON(w, http.StatusOK, map[string]string{
		"reason": reason.String(),
	})
}

// handleOperator handles GET /operators/{addr} requests.
func (s *Server) handleOperator(w http.ResponseWriter, r *http.Request) {
	op, err := protocol.ParseAddress(r.PathValue("addr"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	o, ok := s.kernel.Operator(op)
	if !ok {
		writeError(w, http.StatusNotFound, "operator not found")
		return
	}

	writeJSON(w, http.StatusOK, newOperatorView(o, s.kernel.AvailableTickets(op)))
}

// handleRound handles GET /sortition/{id} requests.
func (s *Server) handleRound(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}

	round, found := s.kernel.Round(id)
	if !found {
		writeError(w, http.StatusNotFound, "sortition round not found")
		return
	}

	writeJSON(w, http.StatusOK, newRoundView(round))
}

// handleRefund handles GET /refund/{id} requests.
func (s *Server) handleRefund(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}

	d, found := s.kernel.Distribution(id)
	if !found {
		writeError(w, http.StatusNotFound, "refund not calculated")
		return
	}

	writeJSON(w, http.StatusOK, newDistributionView(d))
}

// handleEvents handles GET /events?from=&limit= requests.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	from, limit, err := eventRange(r.URL.Query())
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	evs, err := s.kernel.Events(from, limit)
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, err.Error())
		return
	}

	out := make([]EventView, len(evs))
	for i, e := range evs {
		out[i] = newEventView(e)
	}

	writeJSON(w, http.StatusOK, out)
}

// statusOf maps a kernel error kind to an HTTP status.
func statusOf(err error) int {
	switch {
	case errors.Is(err, protocol.ErrE3NotFound),
		errors.Is(err, protocol.ErrRoundNotFound),
		errors.Is(err, protocol.ErrProposalNotFound):
		return http.StatusNotFound
	case errors.Is(err, protocol.ErrFailureConditionNotMet),
		errors.Is(err, protocol.ErrE3AlreadyFailed),
		errors.Is(err, protocol.ErrE3AlreadyComplete),
		errors.Is(err, protocol.ErrInvalidStage):
		return http.StatusConflict
	case errors.Is(err, protocol.ErrUnauthorized):
		return http.StatusForbidden
	}

	return http.StatusInternalServerError
}

func writeKernelError(w http.ResponseWriter, err error) {
	writeError(w, statusOf(err), err.Error())
}

// writeJSON writes a JSON response.
func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

// writeError writes an error response.
func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{
		"error": message,
	})
}
