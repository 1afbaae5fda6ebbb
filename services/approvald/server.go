package approvald

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"quorumpay/native/approval"
	"quorumpay/observability"
	"quorumpay/services/approvald/middleware"
	"quorumpay/storage/audit"
)

const (
	headerIdempotencyKey = "Idempotency-Key"
	maxRequestBody       = 1 << 20 // 1 MiB

	codeIdempotencyConflict = "IdempotencyConflict"
	codeIdempotencyInFlight = "IdempotencyInFlight"

	maxDelaySeconds = int64(math.MaxInt64 / int64(time.Second))
)

// IdempotencyStore reserves an Idempotency-Key before the order is created and
// replays the first response recorded for it. Implemented by audit.Store.
type IdempotencyStore interface {
	ReserveIdempotency(ctx context.Context, key, requestHash, method, path string) (*audit.IdempotencyKey, error)
	CompleteIdempotency(ctx context.Context, key string, status int, response string) error
	ReleaseIdempotency(ctx context.Context, key string) error
}

// ServerConfig wires the HTTP API.
type ServerConfig struct {
	Coordinator *approval.Coordinator
	// Idempotency is optional; without it the Idempotency-Key header is ignored.
	Idempotency IdempotencyStore
	Logger      *slog.Logger
	RateLimits  RateLimits
	LogRequests bool
}

// Server is the HTTP front-end of the approval coordinator.
type Server struct {
	coordinator *approval.Coordinator
	idempotency IdempotencyStore
	logger      *slog.Logger
	limiter     *middleware.RateLimiter
	obs         *middleware.Observability
	router      http.Handler
}

// NewServer builds the router for cfg.
func NewServer(cfg ServerConfig) (*Server, error) {
	if cfg.Coordinator == nil {
		return nil, errors.New("coordinator required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "http")
	limits := map[string]middleware.RateLimit{}
	for key, limit := range map[string]RateLimit{
		"create":  cfg.RateLimits.Create,
		"approve": cfg.RateLimits.Approve,
		"read":    cfg.RateLimits.Read,
	} {
		if limit.RequestsPerMinute > 0 {
			limits[key] = middleware.RateLimit{RequestsPerMinute: float64(limit.RequestsPerMinute), Burst: limit.Burst}
		}
	}
	s := &Server{
		coordinator: cfg.Coordinator,
		idempotency: cfg.Idempotency,
		logger:      logger,
		limiter:     middleware.NewRateLimiter(limits, logger),
		obs:         middleware.NewObservability(middleware.ObservabilityConfig{ServiceName: "approvald", LogRequests: cfg.LogRequests}, logger),
	}
	s.router = s.buildRouter()
	return s, nil
}

// Handler exposes the instrumented router.
func (s *Server) Handler() http.Handler {
	return otelhttp.NewHandler(s.router, "approvald")
}

func (s *Server) buildRouter() http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/v1", func(api chi.Router) {
		api.With(s.limiter.Middleware("create"), s.obs.Middleware("orders.create")).Post("/orders", s.CreateOrder)
		api.With(s.limiter.Middleware("read"), s.obs.Middleware("orders.list")).Get("/orders", s.ListOrders)
		api.With(s.limiter.Middleware("read"), s.obs.Middleware("orders.status")).Get("/orders/{id}", s.GetOrder)
		api.With(s.limiter.Middleware("approve"), s.obs.Middleware("orders.approve")).Post("/orders/{id}/approvals", s.ApproveOrder)
		api.With(s.limiter.Middleware("approve"), s.obs.Middleware("approve.link")).Get("/approve", s.ApproveLink)
	})
	return r
}

type createOrderRequest struct {
	Amount       int64    `json:"amount"`
	Signers      []string `json:"signers"`
	DelaySeconds int64    `json:"delaySeconds,omitempty"`
	Memo         string   `json:"memo,omitempty"`
}

type approveRequest struct {
	Signer string `json:"signer"`
}

type approvalResponse struct {
	OrderID          string   `json:"orderId"`
	ConfirmedSigners []string `json:"confirmedSigners"`
	TotalSigners     int      `json:"totalSigners"`
	IsFullyApproved  bool     `json:"isFullyApproved"`
	TimeRemaining    int64    `json:"timeRemainingSeconds"`
	AlreadyApproved  bool     `json:"alreadyApproved"`
}

type listResponse struct {
	Orders []approval.Status `json:"orders"`
}

type errorBody struct {
	Code             string `json:"code"`
	Message          string `json:"message"`
	OrderID          string `json:"orderId,omitempty"`
	Signer           string `json:"signer,omitempty"`
	ConfirmedSigners *int   `json:"confirmedSigners,omitempty"`
	TotalSigners     *int   `json:"totalSigners,omitempty"`
}

// CreateOrder escrows the amount and registers a new order.
func (s *Server) CreateOrder(w http.ResponseWriter, r *http.Request) {
	body, err := readRequestBody(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, string(approval.CodeInvalidRequest), err.Error())
		return
	}
	var req createOrderRequest
	if err := json.Unmarshal(body, &req); err != nil {
		writeError(w, http.StatusBadRequest, string(approval.CodeInvalidRequest), fmt.Sprintf("invalid JSON payload: %v", err))
		return
	}
	if req.DelaySeconds < 0 || req.DelaySeconds > maxDelaySeconds {
		writeError(w, http.StatusBadRequest, string(approval.CodeInvalidRequest), "delaySeconds out of range")
		return
	}

	key := strings.TrimSpace(r.Header.Get(headerIdempotencyKey))
	if s.idempotency == nil {
		key = ""
	}
	if key != "" {
		cached, reserveErr := s.idempotency.ReserveIdempotency(r.Context(), key, audit.HashRequest(body), r.Method, r.URL.Path)
		switch {
		case errors.Is(reserveErr, audit.ErrIdempotencyMismatch):
			writeError(w, http.StatusConflict, codeIdempotencyConflict, reserveErr.Error())
			return
		case errors.Is(reserveErr, audit.ErrIdempotencyInFlight):
			writeError(w, http.StatusConflict, codeIdempotencyInFlight, reserveErr.Error())
			return
		case reserveErr != nil:
			s.logger.Error("idempotency reservation failed", "error", reserveErr)
			writeError(w, http.StatusInternalServerError, string(approval.CodeInternal), "idempotency reservation failed")
			return
		case cached != nil:
			w.Header().Set("Content-Type", "application/json")
			w.Header().Set("Idempotent-Replay", "true")
			w.WriteHeader(cached.Status)
			_, _ = w.Write([]byte(cached.Response))
			return
		}
	}

	receipt, err := s.coordinator.CreateOrder(r.Context(), approval.CreateRequest{
		Amount:  req.Amount,
		Signers: req.Signers,
		Delay:   time.Duration(req.DelaySeconds) * time.Second,
		Memo:    req.Memo,
	})
	if err != nil {
		s.releaseIdempotency(r.Context(), key)
		s.writeApprovalError(w, err)
		return
	}
	payload, err := json.Marshal(receipt)
	if err != nil {
		s.releaseIdempotency(r.Context(), key)
		writeError(w, http.StatusInternalServerError, string(approval.CodeInternal), err.Error())
		return
	}
	if key != "" {
		if err := s.idempotency.CompleteIdempotency(context.WithoutCancel(r.Context()), key, http.StatusCreated, string(payload)); err != nil {
			s.logger.Error("idempotency record not saved", "order", receipt.OrderID, "error", err)
		}
	}
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Location", "/v1/orders/"+receipt.OrderID)
	w.WriteHeader(http.StatusCreated)
	_, _ = w.Write(payload)
}

func (s *Server) releaseIdempotency(ctx context.Context, key string) {
	if key == "" {
		return
	}
	if err := s.idempotency.ReleaseIdempotency(context.WithoutCancel(ctx), key); err != nil {
		s.logger.Error("idempotency reservation not released", "error", err)
	}
}

// ApproveOrder records the approval posted in the request body.
func (s *Server) ApproveOrder(w http.ResponseWriter, r *http.Request) {
	body, err := readRequestBody(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, string(approval.CodeInvalidRequest), err.Error())
		return
	}
	var req approveRequest
	if err := json.Unmarshal(body, &req); err != nil {
		writeError(w, http.StatusBadRequest, string(approval.CodeInvalidRequest), fmt.Sprintf("invalid JSON payload: %v", err))
		return
	}
	s.approve(w, r, chi.URLParam(r, "id"), req.Signer)
}

// ApproveLink handles the link e-mailed to signers.
func (s *Server) ApproveLink(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	s.approve(w, r, query.Get("order"), query.Get("signer"))
}

func (s *Server) approve(w http.ResponseWriter, r *http.Request, orderID, signer string) {
	orderID = strings.TrimSpace(orderID)
	signer = strings.TrimSpace(signer)
	if orderID == "" || signer == "" {
		writeError(w, http.StatusBadRequest, string(approval.CodeInvalidRequest), "order and signer are required")
		return
	}
	status, err := s.coordinator.Approve(r.Context(), orderID, signer)
	observability.Approvals().RecordApproval(approvalOutcome(status, err))
	if err != nil {
		s.writeApprovalError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, approvalResponse{
		OrderID:          status.OrderID,
		ConfirmedSigners: status.ConfirmedSigners,
		TotalSigners:     status.TotalSigners,
		IsFullyApproved:  status.IsFullyApproved,
		TimeRemaining:    status.TimeRemaining,
		AlreadyApproved:  status.AlreadyApproved,
	})
}

// GetOrder returns the status of a single order.
func (s *Server) GetOrder(w http.ResponseWriter, r *http.Request) {
	status, err := s.coordinator.Status(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeApprovalError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, status)
}

// ListOrders returns every registered order, optionally filtered by state.
func (s *Server) ListOrders(w http.ResponseWriter, r *http.Request) {
	var filter approval.Filter
	if raw := strings.TrimSpace(r.URL.Query().Get("state")); raw != "" {
		state, err := approval.ParseState(raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, string(approval.CodeInvalidRequest), err.Error())
			return
		}
		filter.State = state
	}
	statuses, err := s.coordinator.List(r.Context(), filter)
	if err != nil {
		s.writeApprovalError(w, err)
		return
	}
	if statuses == nil {
		statuses = []approval.Status{}
	}
	writeJSON(w, http.StatusOK, listResponse{Orders: statuses})
}

func (s *Server) writeApprovalError(w http.ResponseWriter, err error) {
	code := approval.CodeOf(err)
	status := statusForCode(code)
	body := errorBody{Code: string(code), Message: err.Error()}
	var typed *approval.Error
	if errors.As(err, &typed) {
		body.OrderID = typed.OrderID
		body.Signer = typed.Signer
		if typed.Total > 0 {
			confirmed, total := typed.Confirmed, typed.Total
			body.ConfirmedSigners = &confirmed
			body.TotalSigners = &total
		}
	}
	if status >= http.StatusInternalServerError {
		s.logger.Error("request failed", "code", string(code), "error", err)
	}
	writeJSON(w, status, map[string]errorBody{"error": body})
}

func statusForCode(code approval.Code) int {
	switch code {
	case approval.CodeInvalidRequest:
		return http.StatusBadRequest
	case approval.CodeOrderNotFound:
		return http.StatusNotFound
	case approval.CodeUnauthorized:
		return http.StatusForbidden
	case approval.CodeOrderClosed:
		return http.StatusConflict
	case approval.CodeEscrowCreateFailed:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func readRequestBody(r *http.Request) ([]byte, error) {
	defer r.Body.Close()
	data, err := io.ReadAll(io.LimitReader(r.Body, maxRequestBody+1))
	if err != nil {
		return nil, err
	}
	if len(data) > maxRequestBody {
		return nil, fmt.Errorf("request body exceeds %d bytes", maxRequestBody)
	}
	return data, nil
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, map[string]errorBody{"error": {Code: code, Message: message}})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
