package handlers

import (
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/upb/x402-guard/models"
	"github.com/upb/x402-guard/utils"
)

var (
	errAmbiguousEndpoint = errors.New("give either endpoint_id or url, not both")
	errMissingEndpoint   = errors.New("endpoint_id or url is required")
)

// EndpointStatus reports whether one endpoint is on the allowlist
type EndpointStatus struct {
	EndpointID models.EndpointID `json:"endpoint_id"`
	URL        string            `json:"url,omitempty"`
	Allowed    bool              `json:"allowed"`
}

// EndpointListResponse is the configured allowlist of an account
type EndpointListResponse struct {
	AllowAllEndpoints bool                   `json:"allow_all_endpoints"`
	Endpoints         []models.EndpointEntry `json:"endpoints"`
}

// HandleSetEndpoint handles PUT /api/v1/guards/{guardID}/endpoints
func (h *GuardHandler) HandleSetEndpoint(w http.ResponseWriter, r *http.Request) {
	id, caller, ok := h.callerRequest(w, r)
	if !ok {
		return
	}

	var req SetEndpointRequest
	if !h.decode(w, r, &req) {
		return
	}
	switch {
	case req.ambiguous():
		HandleValidationError(w, errAmbiguousEndpoint, h.logger)
		return
	case req.URL == "" && req.EndpointID == nil:
		HandleValidationError(w, errMissingEndpoint, h.logger)
		return
	}

	var endpoint models.EndpointID
	var err error
	if req.URL != "" {
		endpoint, err = h.guards.SetEndpointAllowedByURL(r.Context(), id, caller, req.URL, *req.Allowed)
	} else {
		endpoint = *req.EndpointID
		err = h.guards.SetEndpointAllowed(r.Context(), id, caller, endpoint, *req.Allowed)
	}
	if err != nil {
		HandleServiceError(w, err, h.logger)
		return
	}
	_ = utils.WriteOK(w, EndpointStatus{EndpointID: endpoint, URL: req.URL, Allowed: *req.Allowed})
}

// HandleSetAllowAll handles PUT /api/v1/guards/{guardID}/endpoints/allow-all
func (h *GuardHandler) HandleSetAllowAll(w http.ResponseWriter, r *http.Request) {
	id, caller, ok := h.callerRequest(w, r)
	if !ok {
		return
	}

	var req SetAllowAllRequest
	if !h.decode(w, r, &req) {
		return
	}

	if err := h.guards.SetAllowAllEndpoints(r.Context(), id, caller, *req.Allow); err != nil {
		HandleServiceError(w, err, h.logger)
		return
	}
	_ = utils.WriteOK(w, map[string]bool{"allow_all_endpoints": *req.Allow})
}

// HandleListEndpoints handles GET /api/v1/guards/{guardID}/endpoints.
// With ?url= it answers the membership question for that URL instead.
func (h *GuardHandler) HandleListEndpoints(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id, ok := h.guardID(w, r)
	if !ok {
		return
	}

	if url := r.URL.Query().Get("url"); url != "" {
		allowed, err := h.guards.IsEndpointAllowedByURL(ctx, id, url)
		if err != nil {
			HandleServiceError(w, err, h.logger)
			return
		}
		_ = utils.WriteOK(w, EndpointStatus{EndpointID: models.HashEndpoint(url), URL: url, Allowed: allowed})
		return
	}

	account, err := h.guards.GetAccount(ctx, id)
	if err != nil {
		HandleServiceError(w, err, h.logger)
		return
	}
	entries, err := h.guards.ListEndpoints(ctx, id)
	if err != nil {
		HandleServiceError(w, err, h.logger)
		return
	}
	if entries == nil {
		entries = []models.EndpointEntry{}
	}
	_ = utils.WriteOK(w, EndpointListResponse{
		AllowAllEndpoints: account.AllowAllEndpoints,
		Endpoints:         entries,
	})
}

// HandleGetEndpoint handles GET /api/v1/guards/{guardID}/endpoints/{endpointID}
func (h *GuardHandler) HandleGetEndpoint(w http.ResponseWriter, r *http.Request) {
	id, ok := h.guardID(w, r)
	if !ok {
		return
	}
	endpoint, err := models.ParseEndpointID(chi.URLParam(r, "endpointID"))
	if err != nil {
		_ = utils.WriteBadRequest(w, "Invalid endpoint ID", nil)
		return
	}

	allowed, err := h.guards.IsEndpointAllowed(r.Context(), id, endpoint)
	if err != nil {
		HandleServiceError(w, err, h.logger)
		return
	}
	_ = utils.WriteOK(w, EndpointStatus{EndpointID: endpoint, Allowed: allowed})
}
