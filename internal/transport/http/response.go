package httptransport

import (
	"encoding/json"
	"errors"
	"net/http"

	"knock-pipeline/internal/entity"
	"knock-pipeline/internal/service"
)

type apiError struct {
	Message string `json:"message"`
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeErr(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, apiError{Message: msg})
}

// writeServiceErr maps orchestrator sentinels to status codes.
func writeServiceErr(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, service.ErrInvalidInput):
		writeErr(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, entity.ErrJobNotFound):
		writeErr(w, http.StatusNotFound, "job not found")
	case errors.Is(err, entity.ErrNotFailed):
		writeErr(w, http.StatusConflict, "job is not failed")
	case errors.Is(err, entity.ErrNotProcessing):
		writeErr(w, http.StatusConflict, "job is not processing")
	case errors.Is(err, entity.ErrNotCompleted):
		writeErr(w, http.StatusConflict, "job is not completed")
	default:
		writeErr(w, http.StatusInternalServerError, "internal error")
	}
}
