package httpserver

import (
	"encoding/json"
	"net/http"

	"github.com/MeKo-Tech/tileserver/internal/errorkind"
)

// statusFor maps an errorkind.Kind to the HTTP status the table in §5/§7
// specifies. The FFI-specific kinds declared in package renderer map to 400
// (InvalidArg) or 500 (StyleParse, NotLoaded, Unknown); its RenderFailed
// and Timeout kinds share their values with errorkind.RenderFailed and
// errorkind.Timeout. Unrecognized kinds fall through to 500.
func statusFor(kind errorkind.Kind) int {
	switch kind {
	case errorkind.UserInput:
		return http.StatusBadRequest
	case errorkind.NotFound:
		return http.StatusNotFound
	case errorkind.EmptyTile:
		return http.StatusNoContent
	case errorkind.Upstream:
		return http.StatusBadGateway
	case errorkind.RenderFailed:
		return http.StatusInternalServerError
	case errorkind.Timeout:
		return http.StatusGatewayTimeout
	case errorkind.Overload:
		return http.StatusServiceUnavailable
	case errorkind.ConfigInvalid:
		return http.StatusInternalServerError
	case "InvalidArg":
		return http.StatusBadRequest
	case "StyleParse", "NotLoaded", "Unknown":
		return http.StatusInternalServerError
	default:
		return http.StatusInternalServerError
	}
}

type errorBody struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// writeError renders err as the JSON error body from §7, choosing status
// from its errorkind.Kind (Fatal-defaulting for untagged errors).
func writeError(w http.ResponseWriter, err error) {
	kind := errorkind.KindOf(err)
	status := statusFor(kind)

	if status == http.StatusNoContent {
		w.WriteHeader(status)
		return
	}
	if kind == errorkind.Overload {
		writeOverloadRetryAfter(w)
	}

	message := err.Error()
	if e, ok := errorkind.As(err); ok {
		message = e.Message
	}

	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(errorBody{Error: string(kind), Message: message})
}

func writeOverloadRetryAfter(w http.ResponseWriter) {
	w.Header().Set("Retry-After", "1")
}
