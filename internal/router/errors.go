package router

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"

	"github.com/halcyonlabs/halcyon/internal/breaker"
	"github.com/halcyonlabs/halcyon/internal/fault"
)

// errorBody is the wire shape of every error response.
type errorBody struct {
	Error errorDetail `json:"error"`
}

type errorDetail struct {
	Kind      string `json:"kind"`
	Message   string `json:"message"`
	RequestID string `json:"request_id"`
	Provider  string `json:"provider,omitempty"`
}

// httpStatus maps the error taxonomy onto HTTP statuses.
func httpStatus(kind fault.Kind) int {
	switch kind {
	case fault.Validation:
		return http.StatusBadRequest
	case fault.Auth:
		return http.StatusUnauthorized
	case fault.NotFound:
		return http.StatusNotFound
	case fault.Cancelled:
		return http.StatusRequestTimeout
	case fault.RateLimited:
		return http.StatusTooManyRequests
	case fault.Unavailable, fault.Degraded:
		return http.StatusServiceUnavailable
	case fault.Timeout:
		return http.StatusGatewayTimeout
	case fault.Protocol, fault.ResourceExhausted:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// writeError renders err as the standard envelope. Breaker rejections are
// surfaced as rate_limited per the propagation policy.
func writeError(w http.ResponseWriter, requestID string, err error) {
	kind := fault.KindOf(err)
	if errors.Is(err, breaker.ErrOpen) {
		kind = fault.RateLimited
	}
	status := httpStatus(kind)
	log.Printf("[Router] Request %s failed: kind=%s status=%d err=%v", requestID, kind, status, err)

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(errorBody{Error: errorDetail{
		Kind:      string(kind),
		Message:   err.Error(),
		RequestID: requestID,
		Provider:  fault.ProviderOf(err),
	}})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("[Router] Response encode error: %v", err)
	}
}
