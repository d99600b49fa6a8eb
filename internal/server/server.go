package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"jobescrow/internal/config"
	"jobescrow/internal/escrow"
	"jobescrow/internal/hmacauth"
	"jobescrow/internal/idempotency"
	"jobescrow/internal/ledger"
	"jobescrow/internal/marketplace"
	"jobescrow/internal/metrics"
	"jobescrow/internal/payment"
)

// Reconciler resolves escrows whose outcome was not observed.
type Reconciler interface {
	Reconcile(ctx context.Context, jobID string, pending *escrow.PendingEscrow) (payment.Job, error)
}

// JobReader reads jobs for status checks.
type JobReader interface {
	GetJob(ctx context.Context, id string) (payment.Job, error)
}

type Deps struct {
	Config      *config.AppConfig
	Marketplace *marketplace.Service
	Escrow      Reconciler
	Jobs        JobReader
	Idempotency idempotency.Store
	DLQ         *DLQ
	// Ledger and Database are pinged by the health endpoint when they
	// implement ledger.HealthChecker.
	Ledger   any
	Database any
	Metrics  *metrics.Registry
	Logger   *slog.Logger
}

type Server struct {
	cfg         *config.AppConfig
	market      *marketplace.Service
	escrow      Reconciler
	jobs        JobReader
	store       idempotency.Store
	dlq         *DLQ
	hmac        *hmacauth.Verifier
	httpServer  *http.Server
	metrics     *metrics.Registry
	logger      *slog.Logger
	dbHealthFn  func(context.Context) error
	rpcHealthFn func(context.Context) error
}

func NewServer(d Deps) *Server {
	cfg := d.Config
	s := &Server{
		cfg:     cfg,
		market:  d.Marketplace,
		escrow:  d.Escrow,
		jobs:    d.Jobs,
		store:   d.Idempotency,
		dlq:     d.DLQ,
		metrics: d.Metrics,
		logger:  d.Logger,
		hmac: &hmacauth.Verifier{
			Secret:  cfg.Service.HMACSecret,
			MaxSkew: cfg.Service.HMACClockSkew,
		},
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	if s.dlq == nil {
		s.dlq = NewDLQ("", d.Metrics, s.logger)
	}

	if checker, ok := d.Database.(ledger.HealthChecker); ok {
		s.dbHealthFn = checker.Ping
	}
	if checker, ok := d.Ledger.(ledger.HealthChecker); ok {
		s.rpcHealthFn = checker.Ping
	}

	signed := func(h http.HandlerFunc) http.Handler { return s.hmac.Middleware(h) }

	mux := http.NewServeMux()
	mux.Handle("POST /api/v1/companies/{id}/account", signed(s.idempotent(s.handleProvisionCompany)))
	mux.Handle("POST /api/v1/freelancers/{id}/account", signed(s.idempotent(s.handleProvisionFreelancer)))
	mux.Handle("POST /api/v1/applications/{id}/accept", signed(s.idempotent(s.handleAccept)))
	mux.Handle("POST /api/v1/applications/{id}/reject", signed(s.plain(s.handleReject)))
	mux.Handle("GET /api/v1/jobs/{id}", signed(s.plain(s.handleGetJob)))
	mux.Handle("POST /api/v1/jobs/{id}/escrow", signed(s.idempotent(s.handleRetryEscrow)))
	mux.Handle("POST /api/v1/jobs/{id}/complete", signed(s.idempotent(s.handleComplete)))
	mux.Handle("POST /api/v1/jobs/{id}/close", signed(s.plain(s.handleClose)))
	mux.Handle("POST /api/v1/jobs/{id}/reconcile", signed(s.plain(s.handleReconcile)))
	mux.Handle("POST /api/v1/withdrawals", signed(s.idempotent(s.handleWithdraw)))
	mux.Handle("GET /api/v1/metrics", d.Metrics.Handler())
	mux.HandleFunc("GET /api/v1/health", s.handleHealth)

	s.httpServer = &http.Server{
		Addr:              ":" + strconv.Itoa(cfg.Service.HTTPPort),
		Handler:           requestIDMiddleware(s.logRequests(mux)),
		ReadHeaderTimeout: 15 * time.Second,
	}
	return s
}

func (s *Server) Handler() http.Handler { return s.httpServer.Handler }

func (s *Server) Start() error {
	s.logger.Info("API listening", "addr", s.httpServer.Addr)
	return s.httpServer.ListenAndServe()
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

// handlerFunc returns the status and body to write, or an error.
type handlerFunc func(r *http.Request) (int, any, error)

func (s *Server) plain(h handlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		status, body, err := h(r)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		writeJSON(w, status, body)
	}
}

// idempotent requires X-Idempotency-Key, replays stored responses for a
// repeated key and rejects a key that is still being processed. Successful
// responses and unknown ledger outcomes are stored; other failures release
// the key so the request can be retried.
func (s *Server) idempotent(h handlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		clientKey := strings.TrimSpace(r.Header.Get("X-Idempotency-Key"))
		if clientKey == "" {
			http.Error(w, "missing X-Idempotency-Key header", http.StatusBadRequest)
			return
		}
		key := r.URL.Path + "|" + clientKey
		ctx := r.Context()

		existing, err := s.store.Get(ctx, key)
		if err != nil {
			s.writeError(w, r, fmt.Errorf("idempotency lookup: %w", err))
			return
		}
		if existing != nil {
			w.Header().Set("Content-Type", "application/json")
			w.Header().Set("Idempotent-Replayed", "true")
			w.WriteHeader(existing.StatusCode)
			_, _ = w.Write(existing.Response)
			return
		}
		if err := s.store.Reserve(ctx, key, s.reservationTTL()); err != nil {
			s.writeError(w, r, fmt.Errorf("idempotency key %q: %w", clientKey, err))
			return
		}

		status, body, err := h(r)
		if err != nil {
			var resp errorResponse
			status, resp = errorBody(err)
			body = resp
			s.logError(r, status, err)
			if status != http.StatusGatewayTimeout {
				if relErr := s.store.Release(context.WithoutCancel(ctx), key); relErr != nil {
					s.logger.Warn("idempotency: release key", "error", relErr)
				}
				writeJSON(w, status, body)
				return
			}
		}

		b, _ := json.Marshal(body)
		now := time.Now()
		record := idempotency.Record{
			StatusCode: status,
			Response:   append(b, '\n'),
			CreatedAt:  now,
			ExpiresAt:  now.Add(s.cfg.Service.IdempotencyWindow),
		}
		if err := s.store.Save(context.WithoutCancel(ctx), key, record); err != nil {
			s.logger.Error("idempotency: save response", "path", r.URL.Path, "error", err)
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_, _ = w.Write(record.Response)
	}
}

func (s *Server) reservationTTL() time.Duration {
	return 2*s.cfg.Ledger.SubmitTimeout + time.Minute
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status, body := errorBody(err)
	s.logError(r, status, err)
	writeJSON(w, status, body)
}

func (s *Server) logError(r *http.Request, status int, err error) {
	level := slog.LevelInfo
	if status >= http.StatusInternalServerError {
		level = slog.LevelError
	}
	s.logger.Log(r.Context(), level, "request failed",
		"request_id", r.Header.Get("X-Request-Id"),
		"path", r.URL.Path,
		"status", status,
		"error", err,
	)
}

func decodeJSON(r *http.Request, v any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("%w: invalid json payload: %v", errBadRequest, err)
	}
	return nil
}

type provisionRequest struct {
	ExistingSecret string `json:"existingSecret"`
	Fund           bool   `json:"fund"`
}

type accountResponse struct {
	ID      string `json:"id"`
	Address string `json:"address"`
}

func (s *Server) handleProvisionCompany(r *http.Request) (int, any, error) {
	var req provisionRequest
	if err := decodeJSON(r, &req); err != nil {
		return 0, nil, err
	}
	c, err := s.market.ProvisionCompany(r.Context(), r.PathValue("id"), req.ExistingSecret, req.Fund)
	if err != nil {
		return 0, nil, err
	}
	return http.StatusCreated, accountResponse{ID: c.ID, Address: c.Account.Address}, nil
}

func (s *Server) handleProvisionFreelancer(r *http.Request) (int, any, error) {
	var req provisionRequest
	if err := decodeJSON(r, &req); err != nil {
		return 0, nil, err
	}
	f, err := s.market.ProvisionFreelancer(r.Context(), r.PathValue("id"), req.ExistingSecret, req.Fund)
	if err != nil {
		return 0, nil, err
	}
	return http.StatusCreated, accountResponse{ID: f.ID, Address: f.Account.Address}, nil
}

func (s *Server) handleAccept(r *http.Request) (int, any, error) {
	acc, err := s.market.AcceptApplication(r.Context(), r.PathValue("id"))
	if err != nil {
		return 0, nil, err
	}
	return http.StatusOK, acc, nil
}

func (s *Server) handleReject(r *http.Request) (int, any, error) {
	app, err := s.market.RejectApplication(r.Context(), r.PathValue("id"))
	if err != nil {
		return 0, nil, err
	}
	return http.StatusOK, app, nil
}

func (s *Server) handleGetJob(r *http.Request) (int, any, error) {
	job, err := s.jobs.GetJob(r.Context(), r.PathValue("id"))
	if err != nil {
		return 0, nil, err
	}
	return http.StatusOK, job, nil
}

func (s *Server) handleRetryEscrow(r *http.Request) (int, any, error) {
	jobID := r.PathValue("id")
	pending, _, err := s.dlq.PendingFor(jobID)
	if err != nil {
		return 0, nil, fmt.Errorf("read dlq: %w", err)
	}
	if pending != nil {
		return 0, nil, fmt.Errorf("%w: job %s has an escrow awaiting reconciliation", marketplace.ErrInvalidState, jobID)
	}
	job, err := s.market.RetryEscrow(r.Context(), jobID)
	if err != nil {
		return 0, nil, err
	}
	return http.StatusOK, job, nil
}

func (s *Server) handleComplete(r *http.Request) (int, any, error) {
	jobID := r.PathValue("id")
	job, err := s.market.CompleteJob(r.Context(), jobID)
	if errors.Is(err, escrow.ErrEscrowRedemptionFailed) {
		s.dlq.RedeemFailed(jobID, err)
	}
	if err != nil {
		return 0, nil, err
	}
	return http.StatusOK, job, nil
}

func (s *Server) handleClose(r *http.Request) (int, any, error) {
	job, err := s.market.CloseJob(r.Context(), r.PathValue("id"))
	if err != nil {
		return 0, nil, err
	}
	return http.StatusOK, job, nil
}

func (s *Server) handleReconcile(r *http.Request) (int, any, error) {
	jobID := r.PathValue("id")
	pending, files, err := s.dlq.PendingFor(jobID)
	if err != nil {
		return 0, nil, fmt.Errorf("read dlq: %w", err)
	}
	job, err := s.escrow.Reconcile(r.Context(), jobID, pending)
	if err != nil {
		return 0, nil, err
	}
	if job.HasEscrow() {
		s.dlq.Remove(files...)
	}
	return http.StatusOK, job, nil
}

type withdrawRequest struct {
	PayerType   string          `json:"payerType"`
	PayerID     string          `json:"payerId"`
	AmountXRP   decimal.Decimal `json:"amountXrp"`
	Destination string          `json:"destination"`
}

type withdrawResponse struct {
	TxHash      string `json:"txHash"`
	Sequence    uint32 `json:"sequence"`
	LedgerIndex uint32 `json:"ledgerIndex"`
}

func (s *Server) handleWithdraw(r *http.Request) (int, any, error) {
	var req withdrawRequest
	if err := decodeJSON(r, &req); err != nil {
		return 0, nil, err
	}
	if req.PayerID == "" || req.Destination == "" {
		return 0, nil, fmt.Errorf("%w: payerId and destination are required", errBadRequest)
	}
	rcpt, err := s.market.Withdraw(r.Context(), req.PayerType, req.PayerID, req.AmountXRP, req.Destination)
	if err != nil {
		return 0, nil, err
	}
	return http.StatusCreated, withdrawResponse{TxHash: rcpt.Hash, Sequence: rcpt.Sequence, LedgerIndex: rcpt.LedgerIndex}, nil
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	overallHealthy := true

	rpcInfo := struct {
		Connected bool    `json:"connected"`
		LatencyMs float64 `json:"latency_ms"`
		Error     string  `json:"error,omitempty"`
	}{}

	if s.rpcHealthFn != nil {
		start := time.Now()
		rpcCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
		defer cancel()
		if err := s.rpcHealthFn(rpcCtx); err != nil {
			rpcInfo.Connected = false
			rpcInfo.Error = err.Error()
			overallHealthy = false
		} else {
			rpcInfo.Connected = true
			rpcInfo.LatencyMs = float64(time.Since(start).Microseconds()) / 1000.0
		}
	} else {
		rpcInfo.Connected = true
	}

	dbInfo := struct {
		Connected bool   `json:"connected"`
		Error     string `json:"error,omitempty"`
	}{Connected: true}

	if s.dbHealthFn != nil {
		dbCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
		defer cancel()
		if err := s.dbHealthFn(dbCtx); err != nil {
			dbInfo.Connected = false
			dbInfo.Error = err.Error()
			overallHealthy = false
		}
	}

	status := "healthy"
	if !overallHealthy {
		status = "degraded"
	}

	resp := struct {
		Status     string `json:"status"`
		Network    string `json:"network"`
		Ledger     any    `json:"ledger"`
		Database   any    `json:"database"`
		QueueDepth int    `json:"queue_depth"`
	}{
		Status:     status,
		Network:    s.cfg.Ledger.Network,
		Ledger:     rpcInfo,
		Database:   dbInfo,
		QueueDepth: s.dlq.Depth(),
	}

	code := http.StatusOK
	if !overallHealthy {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, resp)
}

func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("X-Request-Id")
		if id == "" {
			id = uuid.NewString()
			r.Header.Set("X-Request-Id", id)
		}
		w.Header().Set("X-Request-Id", id)
		next.ServeHTTP(w, r)
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (s *statusRecorder) WriteHeader(code int) {
	s.status = code
	s.ResponseWriter.WriteHeader(code)
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		s.logger.Debug("http request",
			"request_id", r.Header.Get("X-Request-Id"),
			"method", r.Method,
			"path", r.URL.Path,
			"status", rec.status,
			"duration", time.Since(start),
		)
	})
}
