package http

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/Sentinel-Gate/Syncgate/internal/domain/acl"
	"github.com/Sentinel-Gate/Syncgate/internal/domain/auth"
	"github.com/Sentinel-Gate/Syncgate/internal/domain/document"
	"github.com/Sentinel-Gate/Syncgate/internal/port/outbound"
)

// errorBody is the CouchDB error shape.
type errorBody struct {
	Error  string `json:"error"`
	Reason string `json:"reason"`
}

// statusClientClosed is reported when the client went away mid-request.
const statusClientClosed = 499

// classifyError maps an error to a status and a client-safe body.
// Server-side failures never expose internal messages.
func classifyError(err error) (int, errorBody) {
	var upstream *outbound.UpstreamError
	switch {
	case errors.Is(err, auth.ErrUnauthenticated):
		return http.StatusUnauthorized, errorBody{"unauthorized", auth.SafeErrorMessage(err)}
	case errors.Is(err, document.ErrUnauthorized):
		return http.StatusUnauthorized, errorBody{"unauthorized", "You are not authorized to access this document."}
	case errors.Is(err, document.ErrForbidden):
		return http.StatusForbidden, errorBody{"forbidden", "You are not allowed to perform this operation."}
	case errors.Is(err, document.ErrBadRequest):
		return http.StatusBadRequest, errorBody{"bad_request", err.Error()}
	case errors.Is(err, acl.ErrReference):
		return http.StatusInternalServerError, errorBody{"reference_error", err.Error()}
	case errors.As(err, &upstream):
		switch {
		case upstream.Status == 0:
			return http.StatusBadGateway, errorBody{"bad_gateway", "The database is unreachable."}
		case upstream.Status >= http.StatusInternalServerError:
			return upstream.Status, errorBody{"internal_server_error", "The database failed to process the request."}
		default:
			code := upstream.Code
			if code == "" {
				code = http.StatusText(upstream.Status)
			}
			return upstream.Status, errorBody{code, upstream.Reason}
		}
	case errors.Is(err, document.ErrNotFound):
		return http.StatusNotFound, errorBody{"not_found", "missing"}
	case errors.Is(err, context.Canceled):
		return statusClientClosed, errorBody{"canceled", "Request canceled."}
	default:
		return http.StatusInternalServerError, errorBody{"internal_server_error", "Internal server error."}
	}
}

// writeError logs err and writes the mapped error response.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	status, body := classifyError(err)
	logger := LoggerFromContext(r.Context())
	if status >= http.StatusInternalServerError {
		logger.Error("request failed", "method", r.Method, "path", r.URL.Path, "status", status, "error", err)
	} else {
		logger.Debug("request rejected", "method", r.Method, "path", r.URL.Path, "status", status, "error", err)
	}
	writeJSON(w, status, body)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeRaw writes an already encoded JSON body.
func writeRaw(w http.ResponseWriter, status int, body []byte) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(body)
}
