package handlers

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/upb/x402-guard/middleware"
	"github.com/upb/x402-guard/models"
	"github.com/upb/x402-guard/services/guard"
	"github.com/upb/x402-guard/utils"
	"go.uber.org/zap"
)

// BlockedPaymentResponse is returned with 403 when policy rejects a payment
type BlockedPaymentResponse struct {
	Error    string           `json:"error"`
	Code     string           `json:"code"`
	Message  string           `json:"message"`
	Decision *models.Decision `json:"decision"`
}

// HandleExecutePayment handles POST /api/v1/guards/{guardID}/payments.
// Allowed payments answer 200, queued ones 202 and blocked ones 403, each
// with the decision as body.
func (h *GuardHandler) HandleExecutePayment(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id, caller, ok := h.callerRequest(w, r)
	if !ok {
		return
	}

	var req PaymentRequest
	if !h.decode(w, r, &req) {
		return
	}
	if req.ambiguous() {
		HandleValidationError(w, errAmbiguousEndpoint, h.logger)
		return
	}

	decision, err := h.guards.ExecutePayment(ctx, id, caller, guard.PaymentRequest{
		To:         req.To,
		Amount:     req.Amount,
		EndpointID: req.resolve(),
	})
	if err != nil {
		HandleServiceError(w, err, h.logger)
		return
	}

	h.logger.Debug("payment decided",
		zap.String("request_id", middleware.GetRequestIDFromContext(ctx)),
		zap.String("account_id", id.String()),
		zap.String("outcome", string(decision.Outcome)))

	switch decision.Outcome {
	case models.OutcomeAllowed:
		_ = utils.WriteOK(w, decision)
	case models.OutcomeNeedsApproval:
		_ = utils.WriteAccepted(w, decision)
	default:
		_ = utils.WriteJSON(w, http.StatusForbidden, BlockedPaymentResponse{
			Error:    "payment_blocked",
			Code:     string(decision.Reason),
			Message:  "payment rejected by policy",
			Decision: decision,
		})
	}
}

// HandleCheckPayment handles POST /api/v1/guards/{guardID}/payments/check
func (h *GuardHandler) HandleCheckPayment(w http.ResponseWriter, r *http.Request) {
	id, ok := h.guardID(w, r)
	if !ok {
		return
	}

	var req CheckPaymentRequest
	if !h.decode(w, r, &req) {
		return
	}
	if req.ambiguous() {
		HandleValidationError(w, errAmbiguousEndpoint, h.logger)
		return
	}

	result, err := h.guards.CheckPayment(r.Context(), id, req.Amount, req.resolve())
	if err != nil {
		HandleServiceError(w, err, h.logger)
		return
	}
	_ = utils.WriteOK(w, result)
}

// HandleListPendingPayments handles GET /api/v1/guards/{guardID}/payments/pending
func (h *GuardHandler) HandleListPendingPayments(w http.ResponseWriter, r *http.Request) {
	id, ok := h.guardID(w, r)
	if !ok {
		return
	}
	limit, offset, ok := h.pagination(w, r)
	if !ok {
		return
	}

	status := models.PaymentStatus(r.URL.Query().Get("status"))
	switch status {
	case "", models.PaymentStatusPending, models.PaymentStatusExecuted,
		models.PaymentStatusRejected, models.PaymentStatusExpired:
	default:
		_ = utils.WriteBadRequest(w, "status must be one of: pending executed rejected expired", nil)
		return
	}

	payments, err := h.guards.ListPendingPayments(r.Context(), id, status, limit, offset)
	if err != nil {
		HandleServiceError(w, err, h.logger)
		return
	}
	_ = utils.WriteOK(w, payments)
}

// HandleGetPendingPayment handles GET /api/v1/guards/{guardID}/payments/pending/{paymentID}
func (h *GuardHandler) HandleGetPendingPayment(w http.ResponseWriter, r *http.Request) {
	id, ok := h.guardID(w, r)
	if !ok {
		return
	}
	paymentID, ok := h.paymentID(w, r)
	if !ok {
		return
	}

	payment, err := h.guards.GetPendingPayment(r.Context(), id, paymentID)
	if err != nil {
		HandleServiceError(w, err, h.logger)
		return
	}
	_ = utils.WriteOK(w, payment)
}

// HandleApprovePayment handles POST /api/v1/guards/{guardID}/payments/pending/{paymentID}/approve
func (h *GuardHandler) HandleApprovePayment(w http.ResponseWriter, r *http.Request) {
	id, caller, ok := h.callerRequest(w, r)
	if !ok {
		return
	}
	paymentID, ok := h.paymentID(w, r)
	if !ok {
		return
	}

	payment, err := h.guards.ApprovePayment(r.Context(), id, caller, paymentID)
	if err != nil {
		HandleServiceError(w, err, h.logger)
		return
	}
	_ = utils.WriteOK(w, payment)
}

// HandleRejectPayment handles POST /api/v1/guards/{guardID}/payments/pending/{paymentID}/reject
func (h *GuardHandler) HandleRejectPayment(w http.ResponseWriter, r *http.Request) {
	id, caller, ok := h.callerRequest(w, r)
	if !ok {
		return
	}
	paymentID, ok := h.paymentID(w, r)
	if !ok {
		return
	}

	payment, err := h.guards.RejectPayment(r.Context(), id, caller, paymentID)
	if err != nil {
		HandleServiceError(w, err, h.logger)
		return
	}
	_ = utils.WriteOK(w, payment)
}

// paymentID parses the queue index. Negative values are passed through so the
// service reports them as unknown payments.
func (h *GuardHandler) paymentID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "paymentID"), 10, 64)
	if err != nil {
		_ = utils.WriteBadRequest(w, "Invalid payment ID", nil)
		return 0, false
	}
	return id, true
}
