package swaprouted

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"log/slog"
	"math"
	"math/big"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"swaproute/config"
	nativecommon "swaproute/native/common"
	"swaproute/native/router"
	"swaproute/observability/logging"
)

type contextKey string

const requestIDKey contextKey = "requestId"

func contextWithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, requestIDKey, id)
}

func requestIDFromContext(ctx context.Context) string {
	if id, ok := ctx.Value(requestIDKey).(string); ok {
		return id
	}
	return ""
}

// Server exposes the router engine over HTTP. The host-side market executor
// polls pending calls and posts completion reports; initiators submit swap
// requests and inspect their in-flight operations.
type Server struct {
	engine    *router.Engine
	store     *router.OperationStore
	calls     *CallBook
	transfers *TransferLog
	catalog   *Catalog
	pauses    *pauseState
	log       *slog.Logger

	quota   nativecommon.Quota
	quotaMu sync.Mutex
	usage   map[[20]byte]nativecommon.QuotaNow
	nowFn   func() time.Time

	router chi.Router
}

// NewServer wires the HTTP layer around an engine and its host adapters.
func NewServer(engine *router.Engine, store *router.OperationStore, calls *CallBook, transfers *TransferLog, catalog *Catalog, pauses *pauseState, quota config.QuotaConfig, log *slog.Logger) *Server {
	s := &Server{
		engine:    engine,
		store:     store,
		calls:     calls,
		transfers: transfers,
		catalog:   catalog,
		pauses:    pauses,
		log:       log,
		quota: nativecommon.Quota{
			MaxRequestsPerMin:  quota.MaxRequestsPerMin,
			MaxDepositPerEpoch: quota.MaxDepositPerEpoch,
			EpochSeconds:       quota.EpochSeconds,
		},
		usage: make(map[[20]byte]nativecommon.QuotaNow),
		nowFn: time.Now,
	}
	r := chi.NewRouter()
	r.Use(s.requestID)
	r.Get("/healthz", s.handleHealth)
	r.Handle("/metrics", promhttp.Handler())
	r.Route("/v1", func(r chi.Router) {
		r.Post("/swaps", s.handleInitiate)
		r.Get("/swaps/{id}", s.handleGetSwap)
		r.Post("/swaps/{id}/steps/{index}/completion", s.handleCompletion)
		r.Get("/calls", s.handlePendingCalls)
		r.Get("/transfers", s.handleTransfers)
		r.Post("/admin/pause", s.handlePause)
		r.Post("/admin/resume", s.handleResume)
	})
	s.router = r
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) requestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := uuid.NewString()
		w.Header().Set("X-Request-Id", id)
		next.ServeHTTP(w, r.WithContext(contextWithRequestID(r.Context(), id)))
	})
}

type stepRequest struct {
	Market    string `json:"market"`
	Direction string `json:"direction"`
}

type initiateRequest struct {
	Initiator string        `json:"initiator"`
	Denom     string        `json:"denom"`
	Amount    string        `json:"amount"`
	Steps     []stepRequest `json:"steps"`
}

type initiateResponse struct {
	OperationID string `json:"operationId"`
}

type completionRequest struct {
	Outcome  string `json:"outcome"`
	Quantity string `json:"quantity,omitempty"`
	Price    string `json:"price,omitempty"`
	Fee      string `json:"fee,omitempty"`
	Reason   string `json:"reason,omitempty"`
}

type operationResponse struct {
	OperationID    string `json:"operationId"`
	Status         string `json:"status"`
	StepIndex      uint32 `json:"stepIndex"`
	Steps          int    `json:"steps"`
	DepositAmount  string `json:"depositAmount"`
	DepositDenom   string `json:"depositDenom"`
	BalanceAmount  string `json:"balanceAmount"`
	BalanceDenom   string `json:"balanceDenom"`
	CompletedSteps int    `json:"completedSteps"`
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleInitiate(w http.ResponseWriter, r *http.Request) {
	var req initiateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	initiator, err := config.ParseAddress(req.Initiator)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid initiator address")
		return
	}
	amount, ok := new(big.Int).SetString(strings.TrimSpace(req.Amount), 10)
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid deposit amount")
		return
	}
	steps := make([]router.StepDescriptor, 0, len(req.Steps))
	for _, step := range req.Steps {
		descriptor, err := s.catalog.Resolve(step.Market, step.Direction)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		steps = append(steps, descriptor)
	}
	if err := s.checkQuota(initiator, amount); err != nil {
		writeError(w, http.StatusTooManyRequests, err.Error())
		return
	}
	id, err := s.engine.Begin(initiator, router.NewCoin(req.Denom, amount), steps)
	switch {
	case errors.Is(err, router.ErrInvalidRequest):
		writeError(w, http.StatusBadRequest, err.Error())
		return
	case errors.Is(err, nativecommon.ErrModulePaused):
		writeError(w, http.StatusServiceUnavailable, "router paused")
		return
	case err != nil:
		s.logError(r, "initiate failed", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	s.logRequest(r, "swap initiated",
		slog.String("operationId", hex.EncodeToString(id[:])),
		logging.MaskField("initiator", req.Initiator),
	)
	writeJSON(w, http.StatusCreated, initiateResponse{OperationID: hex.EncodeToString(id[:])})
}

func (s *Server) handleCompletion(w http.ResponseWriter, r *http.Request) {
	id, ok := parseOperationID(chi.URLParam(r, "id"))
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid operation id")
		return
	}
	index, err := strconv.ParseUint(chi.URLParam(r, "index"), 10, 32)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid step index")
		return
	}
	var req completionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	outcome, err := buildOutcome(req)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	err = s.engine.OnStepCompleted(id, uint32(index), outcome)
	switch {
	case errors.Is(err, router.ErrStaleContinuation):
		writeError(w, http.StatusConflict, err.Error())
		return
	case errors.Is(err, nativecommon.ErrModulePaused):
		writeError(w, http.StatusServiceUnavailable, "router paused")
		return
	case errors.Is(err, router.ErrSettlementInvariant):
		s.logError(r, "settlement invariant violation", err)
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	case err != nil:
		s.logError(r, "completion failed", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	s.calls.Retire(id, uint32(index))
	writeJSON(w, http.StatusOK, map[string]string{"status": "accepted"})
}

func (s *Server) handleGetSwap(w http.ResponseWriter, r *http.Request) {
	id, ok := parseOperationID(chi.URLParam(r, "id"))
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid operation id")
		return
	}
	op, found, err := s.store.Get(id)
	if err != nil {
		s.logError(r, "store lookup failed", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	if !found {
		writeError(w, http.StatusNotFound, "operation not found")
		return
	}
	writeJSON(w, http.StatusOK, operationResponse{
		OperationID:    hex.EncodeToString(op.ID[:]),
		Status:         statusString(op.Status),
		StepIndex:      op.StepIndex,
		Steps:          len(op.Steps),
		DepositAmount:  op.Deposit.Amount.String(),
		DepositDenom:   op.Deposit.Denom,
		BalanceAmount:  op.RunningBalance.Amount.String(),
		BalanceDenom:   op.RunningBalance.Denom,
		CompletedSteps: len(op.Results),
	})
}

func (s *Server) handlePendingCalls(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"calls": s.calls.Pending()})
}

func (s *Server) handleTransfers(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"transfers": s.transfers.Recent()})
}

func (s *Server) handlePause(w http.ResponseWriter, r *http.Request) {
	s.pauses.Pause("router")
	s.logRequest(r, "router paused")
	writeJSON(w, http.StatusOK, map[string]string{"status": "paused"})
}

func (s *Server) handleResume(w http.ResponseWriter, r *http.Request) {
	s.pauses.Resume("router")
	s.logRequest(r, "router resumed")
	writeJSON(w, http.StatusOK, map[string]string{"status": "active"})
}

func (s *Server) checkQuota(initiator [20]byte, deposit *big.Int) error {
	if s.quota.MaxRequestsPerMin == 0 && s.quota.MaxDepositPerEpoch == 0 {
		return nil
	}
	epochSeconds := int64(s.quota.EpochSeconds)
	if epochSeconds <= 0 {
		epochSeconds = 60
	}
	nowEpoch := uint64(s.nowFn().Unix() / epochSeconds)
	var addDeposit uint64
	if deposit != nil && deposit.Sign() > 0 {
		// Amounts beyond uint64 saturate the counter so oversized deposits
		// can never slip under the epoch cap.
		addDeposit = math.MaxUint64
		if deposit.IsUint64() {
			addDeposit = deposit.Uint64()
		}
	}
	s.quotaMu.Lock()
	defer s.quotaMu.Unlock()
	next, err := nativecommon.CheckQuota(s.quota, nowEpoch, s.usage[initiator], 1, addDeposit)
	if err != nil {
		return err
	}
	s.usage[initiator] = next
	return nil
}

func (s *Server) logRequest(r *http.Request, msg string, attrs ...any) {
	if s.log == nil {
		return
	}
	attrs = append(attrs, slog.String("requestId", requestIDFromContext(r.Context())))
	s.log.Info(msg, attrs...)
}

func (s *Server) logError(r *http.Request, msg string, err error) {
	if s.log == nil {
		return
	}
	s.log.Error(msg,
		slog.String("requestId", requestIDFromContext(r.Context())),
		slog.String("error", err.Error()),
	)
}

func buildOutcome(req completionRequest) (router.StepOutcome, error) {
	switch strings.ToLower(strings.TrimSpace(req.Outcome)) {
	case "success":
		quantity, ok := new(big.Int).SetString(strings.TrimSpace(req.Quantity), 10)
		if !ok {
			return router.StepOutcome{}, errors.New("invalid fill quantity")
		}
		result := router.StepResult{Quantity: quantity, Price: strings.TrimSpace(req.Price)}
		if fee := strings.TrimSpace(req.Fee); fee != "" {
			value, ok := new(big.Int).SetString(fee, 10)
			if !ok {
				return router.StepOutcome{}, errors.New("invalid fill fee")
			}
			result.Fee = value
		}
		return router.SuccessOutcome(result), nil
	case "failure":
		if strings.TrimSpace(req.Reason) == "" {
			return router.StepOutcome{}, errors.New("failure outcome requires a reason")
		}
		return router.FailureOutcome(req.Reason), nil
	default:
		return router.StepOutcome{}, errors.New("outcome must be success or failure")
	}
}

func parseOperationID(raw string) ([32]byte, bool) {
	var id [32]byte
	decoded, err := hex.DecodeString(strings.TrimSpace(raw))
	if err != nil || len(decoded) != len(id) {
		return id, false
	}
	copy(id[:], decoded)
	return id, true
}

func statusString(status router.OperationStatus) string {
	switch status {
	case router.OperationActive:
		return "active"
	case router.OperationSettling:
		return "settling"
	case router.OperationCompleted:
		return "completed"
	case router.OperationFailed:
		return "failed"
	default:
		return "unknown"
	}
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
