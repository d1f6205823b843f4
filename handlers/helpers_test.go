package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/require"
	"github.com/upb/x402-guard/internal/lock"
	"github.com/upb/x402-guard/middleware"
	"github.com/upb/x402-guard/models"
	"github.com/upb/x402-guard/repositories/memory"
	"github.com/upb/x402-guard/services/guard"
	"github.com/upb/x402-guard/utils"
	"go.uber.org/zap"
)

const unit = int64(1_000_000)

const (
	ownerAddr     = "0x1111111111111111111111111111111111111111"
	agentAddr     = "0x2222222222222222222222222222222222222222"
	recipientAddr = "0x3333333333333333333333333333333333333333"
	strangerAddr  = "0x4444444444444444444444444444444444444444"

	allowedURL = "https://api.test.com/weather"
	otherURL   = "https://other.test.com/news"
)

// callerHeader stands in for the bearer token in handler tests
const callerHeader = "X-Test-Caller"

type testServer struct {
	router  http.Handler
	svc     *guard.Service
	account *models.GuardedAccount
}

// newTestServer creates a guard owned by ownerAddr with agentAddr as agent,
// limits 5/50/2, allowedURL on the allowlist and 100.00 of funding.
func newTestServer(t *testing.T) *testServer {
	t.Helper()

	store := memory.NewStore(zap.NewNop())
	svc := guard.NewService(store.Repositories(), lock.NewKeyedMutex(), zap.NewNop(), guard.DefaultConfig())

	ctx := context.Background()
	account, err := svc.CreateGuard(ctx, ownerAddr, guard.CreateGuardRequest{
		Agent: agentAddr,
		Policy: models.Policy{
			MaxPerTransaction: 5 * unit,
			DailyLimit:        50 * unit,
			ApprovalThreshold: 2 * unit,
		},
	})
	require.NoError(t, err)
	_, err = svc.SetEndpointAllowedByURL(ctx, account.ID, ownerAddr, allowedURL, true)
	require.NoError(t, err)
	require.NoError(t, svc.Fund(ctx, account.ID, ownerAddr, 100*unit))

	return &testServer{
		router:  newTestRouter(NewGuardHandler(svc, zap.NewNop())),
		svc:     svc,
		account: account,
	}
}

func newTestRouter(h *GuardHandler) http.Handler {
	r := chi.NewRouter()
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if caller := r.Header.Get(callerHeader); caller != "" {
				r = r.WithContext(middleware.WithClaims(r.Context(), &middleware.Claims{Sub: caller}))
			}
			next.ServeHTTP(w, r)
		})
	})

	r.Route("/guards", func(r chi.Router) {
		r.Get("/", h.HandleListGuards)
		r.Post("/", h.HandleCreateGuard)
		r.Get("/count", h.HandleCountGuards)
		r.Route("/{guardID}", func(r chi.Router) {
			r.Get("/", h.HandleGetGuard)
			r.Get("/balance", h.HandleGetBalance)
			r.Get("/budget", h.HandleGetBudget)
			r.Get("/events", h.HandleListEvents)
			r.Put("/policy", h.HandleSetPolicy)
			r.Put("/agent", h.HandleSetAgent)
			r.Get("/endpoints", h.HandleListEndpoints)
			r.Put("/endpoints", h.HandleSetEndpoint)
			r.Put("/endpoints/allow-all", h.HandleSetAllowAll)
			r.Get("/endpoints/{endpointID}", h.HandleGetEndpoint)
			r.Post("/payments", h.HandleExecutePayment)
			r.Post("/payments/check", h.HandleCheckPayment)
			r.Get("/payments/pending", h.HandleListPendingPayments)
			r.Get("/payments/pending/{paymentID}", h.HandleGetPendingPayment)
			r.Post("/payments/pending/{paymentID}/approve", h.HandleApprovePayment)
			r.Post("/payments/pending/{paymentID}/reject", h.HandleRejectPayment)
			r.Post("/fund", h.HandleFund)
			r.Post("/withdraw", h.HandleWithdraw)
			r.Post("/withdraw-all", h.HandleWithdrawAll)
		})
	})
	return r
}

// do sends a request; body may be nil, a string or any JSON-encodable value
func (s *testServer) do(t *testing.T, method, path, caller string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()

	var reader *bytes.Reader
	switch b := body.(type) {
	case nil:
		reader = bytes.NewReader(nil)
	case string:
		reader = bytes.NewReader([]byte(b))
	default:
		raw, err := json.Marshal(b)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	}

	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	if caller != "" {
		req.Header.Set(callerHeader, caller)
	}
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)
	return rec
}

func (s *testServer) path(suffix string) string {
	return "/guards/" + s.account.ID.String() + suffix
}

// decodeData unwraps the {"data": ...} envelope
func decodeData(t *testing.T, rec *httptest.ResponseRecorder, dst interface{}) {
	t.Helper()
	var envelope struct {
		Data json.RawMessage `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &envelope), rec.Body.String())
	require.NoError(t, json.Unmarshal(envelope.Data, dst), string(envelope.Data))
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) utils.ErrorResponse {
	t.Helper()
	var resp utils.ErrorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp), rec.Body.String())
	return resp
}

func policyBody(maxPerTx, daily, threshold int64) map[string]interface{} {
	return map[string]interface{}{
		"max_per_transaction": maxPerTx,
		"daily_limit":         daily,
		"approval_threshold":  threshold,
	}
}

func upper(addr string) string {
	return "0x" + strings.ToUpper(addr[2:])
}
