package handler

import (
	"encoding/json"
	"net/http"

	"github.com/iconidentify/genqueue/internal/api/middleware"
	"github.com/iconidentify/genqueue/internal/domain"
)

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, r *http.Request, status int, code, message string) {
	middleware.WriteError(w, r, status, code, message)
}

// writeDomainError maps a domain error to its HTTP status and stable error
// code.
func writeDomainError(w http.ResponseWriter, r *http.Request, err error) {
	code := domain.ErrorCode(err)

	status := http.StatusInternalServerError
	switch code {
	case "validation_error":
		status = http.StatusBadRequest
	case "idempotency_conflict":
		status = http.StatusConflict
	case "rate_limit_error":
		status = http.StatusTooManyRequests
	case "not_found":
		status = http.StatusNotFound
	case "invalid_transition":
		status = http.StatusConflict
	case "deadline_exceeded":
		status = http.StatusUnprocessableEntity
	case "provider_error":
		status = http.StatusBadGateway
	}

	writeError(w, r, status, code, err.Error())
}
