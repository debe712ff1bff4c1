package handler

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"sorteo/internal/service"

	"github.com/go-chi/chi/v5"
	"github.com/google/logger"
)

type ResponsePayload struct {
	Status  string            `json:"status"`
	Message string            `json:"message,omitempty"`
	Errors  map[string]string `json:"errors,omitempty"`
	Data    any               `json:"data,omitempty"`
}

func writeJSON(w http.ResponseWriter, log *logger.Logger, statusCode int, payload ResponsePayload) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		log.Errorf("Error encoding response: %v", err)
	}
}

func writeSuccess(w http.ResponseWriter, log *logger.Logger, statusCode int, data any) {
	writeJSON(w, log, statusCode, ResponsePayload{Status: "success", Data: data})
}

func writeFailure(w http.ResponseWriter, log *logger.Logger, statusCode int, message string) {
	writeJSON(w, log, statusCode, ResponsePayload{Status: "failed", Message: message})
}

// writeServiceError maps a service error to its HTTP status. Internal
// failures are reported with a generic message.
func writeServiceError(w http.ResponseWriter, log *logger.Logger, err error) {
	var verr *service.ValidationError
	if errors.As(err, &verr) {
		writeJSON(w, log, http.StatusUnprocessableEntity, ResponsePayload{
			Status:  "failed",
			Message: "Invalid input",
			Errors:  verr.Fields,
		})
		return
	}

	var rejected *service.RejectedError
	if errors.As(err, &rejected) {
		if errors.Is(rejected, service.ErrNotFound) {
			writeFailure(w, log, http.StatusNotFound, rejected.Reason)
		} else {
			writeFailure(w, log, http.StatusConflict, rejected.Reason)
		}
		return
	}

	switch err {
	case service.ErrNotFound:
		writeFailure(w, log, http.StatusNotFound, "Resource not found")
	case service.ErrRaffleNotActive:
		writeFailure(w, log, http.StatusConflict, err.Error())
	case service.ErrVerificationFailed:
		writeFailure(w, log, http.StatusInternalServerError, "Payment verification failed due to an internal error")
	case service.ErrCancellationFailed:
		writeFailure(w, log, http.StatusInternalServerError, "Payment cancellation failed due to an internal error")
	default:
		writeFailure(w, log, http.StatusInternalServerError, "An unexpected error occurred")
	}
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20))
	dec.DisallowUnknownFields()
	return dec.Decode(dst)
}

func idParam(r *http.Request, name string) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, name), 10, 64)
	if err != nil || id <= 0 {
		return 0, false
	}
	return id, true
}

func pageParam(r *http.Request) int {
	page, err := strconv.Atoi(r.URL.Query().Get("page"))
	if err != nil || page < 1 {
		return 1
	}
	return page
}
