package api

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/saferun/saferun/internal/saferunerr"
)

const serviceName = "saferun"

// version is stamped at build time in a real release; kept as a plain
// constant here since this module has no release pipeline of its own.
const version = "0.1.0"

// errorEnvelope is the wire shape every failed request returns (spec.md §6).
type errorEnvelope struct {
	Status    string `json:"status"`
	ErrorCode string `json:"error_code"`
	Message   string `json:"message"`
	Service   string `json:"service"`
	Version   string `json:"version"`
}

func statusFor(kind saferunerr.Kind) int {
	switch kind {
	case saferunerr.BadRequest:
		return http.StatusBadRequest
	case saferunerr.Unauthorized:
		return http.StatusUnauthorized
	case saferunerr.Forbidden:
		return http.StatusForbidden
	case saferunerr.NotFound:
		return http.StatusNotFound
	case saferunerr.Conflict:
		return http.StatusConflict
	case saferunerr.Gone:
		return http.StatusGone
	case saferunerr.RateLimited:
		return http.StatusTooManyRequests
	case saferunerr.BadGateway:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// writeJSON is every handler's one success-path encoder.
func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		slog.Error("api: response encode failed", "error", err)
	}
}

// writeError is every handler's one failure-path encoder: it maps whatever
// error reaches it through saferunerr.As so callers never hand-pick a status
// code at the call site.
func writeError(w http.ResponseWriter, err error) {
	se := saferunerr.As(err)
	if se.Kind == saferunerr.Internal {
		slog.Error("api: internal error", "error", err)
	}
	writeJSON(w, statusFor(se.Kind), errorEnvelope{
		Status:    "error",
		ErrorCode: string(se.Kind),
		Message:   se.Message,
		Service:   serviceName,
		Version:   version,
	})
}

func decodeJSON(r *http.Request, into any) error {
	if err := json.NewDecoder(r.Body).Decode(into); err != nil {
		return saferunerr.Wrap(saferunerr.BadRequest, "invalid request body", err)
	}
	return nil
}
