package handlers

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/upb/x402-guard/middleware"
	"github.com/upb/x402-guard/models"
	"github.com/upb/x402-guard/services/guard"
	"github.com/upb/x402-guard/utils"
	"go.uber.org/zap"
)

const (
	defaultPageSize = 50
	maxPageSize     = 100
)

// GuardService is the guard engine as seen by the HTTP layer
type GuardService interface {
	CreateGuard(ctx context.Context, caller string, req guard.CreateGuardRequest) (*models.GuardedAccount, error)
	ListGuards(ctx context.Context, limit, offset int) ([]*models.GuardedAccount, error)
	ListGuardsByOwner(ctx context.Context, owner string) ([]*models.GuardedAccount, error)
	CountGuards(ctx context.Context) (int64, error)
	GetAccount(ctx context.Context, accountID uuid.UUID) (*models.GuardedAccount, error)
	ListEvents(ctx context.Context, accountID uuid.UUID, limit, offset int) ([]*models.AuditLog, error)

	SetPolicy(ctx context.Context, accountID uuid.UUID, caller string, policy models.Policy) error
	SetAgent(ctx context.Context, accountID uuid.UUID, caller, newAgent string) error

	SetEndpointAllowed(ctx context.Context, accountID uuid.UUID, caller string, endpoint models.EndpointID, allowed bool) error
	SetEndpointAllowedByURL(ctx context.Context, accountID uuid.UUID, caller, url string, allowed bool) (models.EndpointID, error)
	SetAllowAllEndpoints(ctx context.Context, accountID uuid.UUID, caller string, allow bool) error
	IsEndpointAllowed(ctx context.Context, accountID uuid.UUID, endpoint models.EndpointID) (bool, error)
	IsEndpointAllowedByURL(ctx context.Context, accountID uuid.UUID, url string) (bool, error)
	ListEndpoints(ctx context.Context, accountID uuid.UUID) ([]models.EndpointEntry, error)

	ExecutePayment(ctx context.Context, accountID uuid.UUID, caller string, req guard.PaymentRequest) (*models.Decision, error)
	CheckPayment(ctx context.Context, accountID uuid.UUID, amount int64, endpoint models.EndpointID) (*models.CheckResult, error)
	ApprovePayment(ctx context.Context, accountID uuid.UUID, caller string, id int64) (*guard.PendingPaymentView, error)
	RejectPayment(ctx context.Context, accountID uuid.UUID, caller string, id int64) (*guard.PendingPaymentView, error)
	GetPendingPayment(ctx context.Context, accountID uuid.UUID, id int64) (*guard.PendingPaymentView, error)
	ListPendingPayments(ctx context.Context, accountID uuid.UUID, status models.PaymentStatus, limit, offset int) ([]guard.PendingPaymentView, error)

	Fund(ctx context.Context, accountID uuid.UUID, caller string, amount int64) error
	Withdraw(ctx context.Context, accountID uuid.UUID, caller string, amount int64) error
	WithdrawAll(ctx context.Context, accountID uuid.UUID, caller string) (int64, error)
	GetBalance(ctx context.Context, accountID uuid.UUID) (int64, error)
	RemainingDailyBudget(ctx context.Context, accountID uuid.UUID) (int64, error)
	TimeUntilReset() time.Duration
}

var _ GuardService = (*guard.Service)(nil)

// AccountResponse is a guarded account with its ledger and budget view
type AccountResponse struct {
	*models.GuardedAccount
	Balance              int64 `json:"balance"`
	RemainingDailyBudget int64 `json:"remaining_daily_budget"`
	ResetsInSeconds      int64 `json:"resets_in_seconds"`
}

// BudgetResponse is the dashboard view of today's allowance
type BudgetResponse struct {
	DailyLimit           int64 `json:"daily_limit"`
	RemainingDailyBudget int64 `json:"remaining_daily_budget"`
	ResetsInSeconds      int64 `json:"resets_in_seconds"`
}

// GuardHandler handles guarded account HTTP requests
type GuardHandler struct {
	guards GuardService
	logger *zap.Logger
}

// NewGuardHandler creates a new GuardHandler
func NewGuardHandler(guards GuardService, logger *zap.Logger) *GuardHandler {
	return &GuardHandler{
		guards: guards,
		logger: logger,
	}
}

// HandleCreateGuard handles POST /api/v1/guards
func (h *GuardHandler) HandleCreateGuard(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	caller, ok := h.requireCaller(w, r)
	if !ok {
		return
	}

	var req CreateGuardRequest
	if !h.decode(w, r, &req) {
		return
	}

	account, err := h.guards.CreateGuard(ctx, caller, guard.CreateGuardRequest{
		Agent:  req.Agent,
		Policy: req.Policy.toModel(),
	})
	if err != nil {
		HandleServiceError(w, err, h.logger)
		return
	}

	h.logger.Info("guard created via api",
		zap.String("request_id", middleware.GetRequestIDFromContext(ctx)),
		zap.String("account_id", account.ID.String()))

	_ = utils.WriteCreated(w, account)
}

// HandleListGuards handles GET /api/v1/guards
func (h *GuardHandler) HandleListGuards(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	if owner := r.URL.Query().Get("owner"); owner != "" {
		accounts, err := h.guards.ListGuardsByOwner(ctx, owner)
		if err != nil {
			HandleServiceError(w, err, h.logger)
			return
		}
		_ = utils.WriteOK(w, accounts)
		return
	}

	limit, offset, ok := h.pagination(w, r)
	if !ok {
		return
	}
	accounts, err := h.guards.ListGuards(ctx, limit, offset)
	if err != nil {
		HandleServiceError(w, err, h.logger)
		return
	}
	_ = utils.WriteOK(w, accounts)
}

// HandleCountGuards handles GET /api/v1/guards/count
func (h *GuardHandler) HandleCountGuards(w http.ResponseWriter, r *http.Request) {
	count, err := h.guards.CountGuards(r.Context())
	if err != nil {
		HandleServiceError(w, err, h.logger)
		return
	}
	_ = utils.WriteOK(w, map[string]int64{"count": count})
}

// HandleGetGuard handles GET /api/v1/guards/{guardID}
func (h *GuardHandler) HandleGetGuard(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id, ok := h.guardID(w, r)
	if !ok {
		return
	}

	account, err := h.guards.GetAccount(ctx, id)
	if err != nil {
		HandleServiceError(w, err, h.logger)
		return
	}
	balance, err := h.guards.GetBalance(ctx, id)
	if err != nil {
		HandleServiceError(w, err, h.logger)
		return
	}
	remaining, err := h.guards.RemainingDailyBudget(ctx, id)
	if err != nil {
		HandleServiceError(w, err, h.logger)
		return
	}

	_ = utils.WriteOK(w, AccountResponse{
		GuardedAccount:       account,
		Balance:              balance,
		RemainingDailyBudget: remaining,
		ResetsInSeconds:      int64(h.guards.TimeUntilReset() / time.Second),
	})
}

// HandleSetPolicy handles PUT /api/v1/guards/{guardID}/policy
func (h *GuardHandler) HandleSetPolicy(w http.ResponseWriter, r *http.Request) {
	id, caller, ok := h.callerRequest(w, r)
	if !ok {
		return
	}

	var req PolicyRequest
	if !h.decode(w, r, &req) {
		return
	}

	policy := req.toModel()
	if err := h.guards.SetPolicy(r.Context(), id, caller, policy); err != nil {
		HandleServiceError(w, err, h.logger)
		return
	}
	_ = utils.WriteOK(w, policy)
}

// HandleSetAgent handles PUT /api/v1/guards/{guardID}/agent
func (h *GuardHandler) HandleSetAgent(w http.ResponseWriter, r *http.Request) {
	id, caller, ok := h.callerRequest(w, r)
	if !ok {
		return
	}

	var req SetAgentRequest
	if !h.decode(w, r, &req) {
		return
	}

	if err := h.guards.SetAgent(r.Context(), id, caller, req.Agent); err != nil {
		HandleServiceError(w, err, h.logger)
		return
	}
	account, err := h.guards.GetAccount(r.Context(), id)
	if err != nil {
		HandleServiceError(w, err, h.logger)
		return
	}
	_ = utils.WriteOK(w, map[string]string{"agent": account.Agent})
}

// HandleGetBalance handles GET /api/v1/guards/{guardID}/balance
func (h *GuardHandler) HandleGetBalance(w http.ResponseWriter, r *http.Request) {
	id, ok := h.guardID(w, r)
	if !ok {
		return
	}
	balance, err := h.guards.GetBalance(r.Context(), id)
	if err != nil {
		HandleServiceError(w, err, h.logger)
		return
	}
	_ = utils.WriteOK(w, map[string]int64{"balance": balance})
}

// HandleGetBudget handles GET /api/v1/guards/{guardID}/budget
func (h *GuardHandler) HandleGetBudget(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id, ok := h.guardID(w, r)
	if !ok {
		return
	}

	account, err := h.guards.GetAccount(ctx, id)
	if err != nil {
		HandleServiceError(w, err, h.logger)
		return
	}
	remaining, err := h.guards.RemainingDailyBudget(ctx, id)
	if err != nil {
		HandleServiceError(w, err, h.logger)
		return
	}

	_ = utils.WriteOK(w, BudgetResponse{
		DailyLimit:           account.DailyLimit,
		RemainingDailyBudget: remaining,
		ResetsInSeconds:      int64(h.guards.TimeUntilReset() / time.Second),
	})
}

// HandleListEvents handles GET /api/v1/guards/{guardID}/events
func (h *GuardHandler) HandleListEvents(w http.ResponseWriter, r *http.Request) {
	id, ok := h.guardID(w, r)
	if !ok {
		return
	}
	limit, offset, ok := h.pagination(w, r)
	if !ok {
		return
	}

	events, err := h.guards.ListEvents(r.Context(), id, limit, offset)
	if err != nil {
		HandleServiceError(w, err, h.logger)
		return
	}
	_ = utils.WriteOK(w, events)
}

// HandleFund handles POST /api/v1/guards/{guardID}/fund
func (h *GuardHandler) HandleFund(w http.ResponseWriter, r *http.Request) {
	id, ok := h.guardID(w, r)
	if !ok {
		return
	}
	caller, ok := h.requireCaller(w, r)
	if !ok {
		return
	}

	var req AmountRequest
	if !h.decode(w, r, &req) {
		return
	}

	if err := h.guards.Fund(r.Context(), id, caller, req.Amount); err != nil {
		HandleServiceError(w, err, h.logger)
		return
	}
	h.writeBalance(w, r, id)
}

// HandleWithdraw handles POST /api/v1/guards/{guardID}/withdraw
func (h *GuardHandler) HandleWithdraw(w http.ResponseWriter, r *http.Request) {
	id, caller, ok := h.callerRequest(w, r)
	if !ok {
		return
	}

	var req AmountRequest
	if !h.decode(w, r, &req) {
		return
	}

	if err := h.guards.Withdraw(r.Context(), id, caller, req.Amount); err != nil {
		HandleServiceError(w, err, h.logger)
		return
	}
	h.writeBalance(w, r, id)
}

// HandleWithdrawAll handles POST /api/v1/guards/{guardID}/withdraw-all
func (h *GuardHandler) HandleWithdrawAll(w http.ResponseWriter, r *http.Request) {
	id, caller, ok := h.callerRequest(w, r)
	if !ok {
		return
	}

	amount, err := h.guards.WithdrawAll(r.Context(), id, caller)
	if err != nil {
		HandleServiceError(w, err, h.logger)
		return
	}
	_ = utils.WriteOK(w, map[string]int64{"withdrawn": amount, "balance": 0})
}

func (h *GuardHandler) writeBalance(w http.ResponseWriter, r *http.Request, id uuid.UUID) {
	balance, err := h.guards.GetBalance(r.Context(), id)
	if err != nil {
		HandleServiceError(w, err, h.logger)
		return
	}
	_ = utils.WriteOK(w, map[string]int64{"balance": balance})
}

// request plumbing

func (h *GuardHandler) guardID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := utils.ParseUUID(chi.URLParam(r, "guardID"))
	if err != nil {
		_ = utils.WriteBadRequest(w, "Invalid guard ID", nil)
		return uuid.Nil, false
	}
	return id, true
}

func (h *GuardHandler) requireCaller(w http.ResponseWriter, r *http.Request) (string, bool) {
	caller := middleware.GetCallerFromContext(r.Context())
	if caller == "" {
		_ = utils.WriteUnauthorized(w, "")
		return "", false
	}
	return caller, true
}

// callerRequest extracts the guard id and caller of a mutating route.
// Whether the caller may act is decided by the service.
func (h *GuardHandler) callerRequest(w http.ResponseWriter, r *http.Request) (uuid.UUID, string, bool) {
	id, ok := h.guardID(w, r)
	if !ok {
		return uuid.Nil, "", false
	}
	caller, ok := h.requireCaller(w, r)
	if !ok {
		return uuid.Nil, "", false
	}
	return id, caller, true
}

func (h *GuardHandler) decode(w http.ResponseWriter, r *http.Request, dst interface{}) bool {
	requestID := middleware.GetRequestIDFromContext(r.Context())
	if err := utils.DecodeJSON(r, dst); err != nil {
		h.logger.Warn("failed to parse request body",
			zap.String("request_id", requestID),
			zap.Error(err))
		HandleValidationError(w, err, h.logger)
		return false
	}
	if err := utils.ValidateStruct(dst); err != nil {
		h.logger.Warn("request validation failed",
			zap.String("request_id", requestID),
			zap.Error(err))
		HandleValidationError(w, err, h.logger)
		return false
	}
	return true
}

func (h *GuardHandler) pagination(w http.ResponseWriter, r *http.Request) (int, int, bool) {
	limit, offset := defaultPageSize, 0
	q := r.URL.Query()

	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 || n > maxPageSize {
			_ = utils.WriteBadRequest(w, "limit must be between 1 and 100", nil)
			return 0, 0, false
		}
		limit = n
	}
	if v := q.Get("offset"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			_ = utils.WriteBadRequest(w, "offset must be a non-negative integer", nil)
			return 0, 0, false
		}
		offset = n
	}
	return limit, offset, true
}
