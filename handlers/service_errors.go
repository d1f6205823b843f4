package handlers

import (
	"net/http"

	"github.com/upb/x402-guard/services"
	"github.com/upb/x402-guard/utils"
	"go.uber.org/zap"
)

// HandleServiceError maps domain errors to HTTP responses
func HandleServiceError(w http.ResponseWriter, err error, logger *zap.Logger) {
	if err == nil {
		return
	}

	status, message := statusFor(err)
	code := string(services.GetErrorCode(err))
	details := services.GetErrorDetails(err)
	if len(details) == 0 {
		details = nil
	}

	switch status {
	case http.StatusInternalServerError:
		// never leak internal causes to clients
		logger.Error("internal server error",
			zap.Error(err),
			zap.String("error_type", string(services.GetErrorType(err))))
		details = nil
	case http.StatusBadGateway:
		logger.Warn("external dependency failed", zap.Error(err))
	default:
		logger.Debug("handled service error",
			zap.Int("status", status),
			zap.String("code", code),
			zap.Error(err))
	}

	if err := utils.WriteError(w, status, code, message, details); err != nil {
		logger.Error("failed to write error response", zap.Error(err))
	}
}

func statusFor(err error) (int, string) {
	switch {
	case services.IsNotFoundError(err):
		return http.StatusNotFound, err.Error()
	case services.IsValidationError(err):
		return http.StatusBadRequest, err.Error()
	case services.IsUnauthorizedError(err):
		return http.StatusUnauthorized, err.Error()
	case services.IsForbiddenError(err):
		return http.StatusForbidden, err.Error()
	case services.IsRateLimitError(err):
		return http.StatusTooManyRequests, err.Error()
	case services.IsConflictError(err):
		return http.StatusConflict, err.Error()
	case services.IsResourceError(err):
		return http.StatusUnprocessableEntity, err.Error()
	case services.IsExternalError(err):
		return http.StatusBadGateway, "A downstream service is unavailable"
	case services.IsInternalError(err):
		return http.StatusInternalServerError, "An internal error occurred"
	default:
		return http.StatusInternalServerError, "An unexpected error occurred"
	}
}

// HandleValidationError handles validation errors from request parsing
func HandleValidationError(w http.ResponseWriter, err error, logger *zap.Logger) {
	if utils.IsValidationError(err) {
		fields := utils.GetValidationFields(err)
		details := make(map[string]interface{}, len(fields))
		for k, v := range fields {
			details[k] = v
		}
		if err := utils.WriteError(w, http.StatusBadRequest, string(services.CodeInvalidInput), "Validation failed", details); err != nil {
			logger.Error("failed to write validation error response", zap.Error(err))
		}
		return
	}

	if err := utils.WriteError(w, http.StatusBadRequest, string(services.CodeInvalidInput), err.Error(), nil); err != nil {
		logger.Error("failed to write validation error response", zap.Error(err))
	}
}
