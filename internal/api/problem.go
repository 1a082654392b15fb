package api

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/hyperengineering/lakesync/internal/adapter"
)

// Problem represents an RFC 7807 Problem Details response.
type Problem struct {
	Type     string `json:"type"`
	Title    string `json:"title"`
	Status   int    `json:"status"`
	Detail   string `json:"detail"`
	Instance string `json:"instance,omitempty"`
	Code     string `json:"code,omitempty"`
}

// problemTypes maps HTTP status codes to RFC 7807 type URIs and titles.
var problemTypes = map[int]struct {
	typeURI string
	title   string
}{
	http.StatusUnauthorized: {
		typeURI: "https://lakesync.dev/errors/unauthorized",
		title:   "Unauthorized",
	},
	http.StatusBadRequest: {
		typeURI: "https://lakesync.dev/errors/bad-request",
		title:   "Bad Request",
	},
	http.StatusRequestEntityTooLarge: {
		typeURI: "https://lakesync.dev/errors/buffer-full",
		title:   "Buffer Full",
	},
	http.StatusNotFound: {
		typeURI: "https://lakesync.dev/errors/not-found",
		title:   "Not Found",
	},
	http.StatusConflict: {
		typeURI: "https://lakesync.dev/errors/conflict",
		title:   "Conflict",
	},
	http.StatusTooManyRequests: {
		typeURI: "https://lakesync.dev/errors/rate-limit",
		title:   "Too Many Requests",
	},
	http.StatusInternalServerError: {
		typeURI: "https://lakesync.dev/errors/internal-error",
		title:   "Internal Server Error",
	},
}

// WriteProblem writes an RFC 7807 Problem Details response.
func WriteProblem(w http.ResponseWriter, r *http.Request, status int, detail string) {
	writeProblemCode(w, r, status, detail, "")
}

func writeProblemCode(w http.ResponseWriter, r *http.Request, status int, detail, code string) {
	pt, ok := problemTypes[status]
	if !ok {
		pt = struct {
			typeURI string
			title   string
		}{
			typeURI: "https://lakesync.dev/errors/unknown",
			title:   http.StatusText(status),
		}
	}

	p := Problem{
		Type:     pt.typeURI,
		Title:    pt.title,
		Status:   status,
		Detail:   detail,
		Instance: r.URL.Path,
		Code:     code,
	}

	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(p); err != nil {
		slog.Error("failed to encode problem response", "error", err)
	}
}

// MapGatewayError converts a typed gateway error into the matching
// problem response. Internal causes are never exposed to the client;
// only the stable code is.
func MapGatewayError(w http.ResponseWriter, r *http.Request, err error) {
	code := adapter.CodeOf(err)
	switch code {
	case adapter.CodeAuthFailed:
		writeProblemCode(w, r, http.StatusUnauthorized, "Missing or invalid token", string(code))
	case adapter.CodeBufferFull:
		writeProblemCode(w, r, http.StatusRequestEntityTooLarge, "Buffer full; retry after a delay", string(code))
	case adapter.CodeRateLimited:
		writeProblemCode(w, r, http.StatusTooManyRequests, "Rate limited", string(code))
	case adapter.CodeClockDrift:
		writeProblemCode(w, r, http.StatusBadRequest, "Client clock too far ahead", string(code))
	default:
		writeProblemCode(w, r, http.StatusInternalServerError, "Internal Server Error", string(code))
	}
}
