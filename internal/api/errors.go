package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/kalambet/docrag/internal/search"
)

func httpError(w http.ResponseWriter, code int, errType string, format string, args ...any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	msg := fmt.Sprintf(format, args...)
	json.NewEncoder(w).Encode(map[string]any{
		"error": map[string]any{
			"message": msg,
			"type":    errType,
		},
	})
}

// writeError maps a searcher error onto a status code by its kind.
func writeError(w http.ResponseWriter, logger *slog.Logger, err error) {
	if errors.Is(err, context.DeadlineExceeded) {
		logger.Error("request timed out", "error", err)
		httpError(w, http.StatusGatewayTimeout, "timeout_error", "request timed out")
		return
	}

	switch kind := search.KindOf(err); kind {
	case search.KindValidation:
		httpError(w, http.StatusBadRequest, "invalid_request_error", "%v", err)
	case search.KindNotFound:
		httpError(w, http.StatusNotFound, "not_found_error", "%v", err)
	case search.KindDecode:
		httpError(w, http.StatusUnprocessableEntity, "decode_error", "%v", err)
	case search.KindModel:
		logger.Error("model error", "error", err)
		httpError(w, http.StatusInternalServerError, "model_error", "%v", err)
	default:
		logger.Error("request failed", "kind", kind, "error", err)
		httpError(w, http.StatusInternalServerError, "server_error", "%v", err)
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}
