// Package api implements the JSON handlers of the admin server.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"

	"github.com/goodtune/streamlimit/internal/storage"
	"github.com/goodtune/streamlimit/internal/usage"
)

// Tracker is the part of usage.Tracker the handlers use.
type Tracker interface {
	Status(ctx context.Context, userID string) ([]usage.UserStatus, string, error)
	Segments(ctx context.Context, userID string) ([]storage.Segment, error)
	Limits() usage.Limits
	ResetNow(ctx context.Context) (int, error)
}

// Gates is the part of the policy engine the handlers use.
type Gates interface {
	Modules() []string
	Reload() error
}

// ErrorResponse is the body of every non-2xx response.
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
	Code    int    `json:"code"`
}

// WriteJSON writes a JSON response.
func WriteJSON(w http.ResponseWriter, statusCode int, data interface{}) {
	var buf bytes.Buffer
	if err := json.NewEncoder(&buf).Encode(data); err != nil {
		http.Error(w, `{"error":"Internal Server Error","message":"Failed to encode response"}`, http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_, _ = w.Write(buf.Bytes())
}

// WriteError writes an error response.
func WriteError(w http.ResponseWriter, statusCode int, message string) {
	WriteJSON(w, statusCode, ErrorResponse{
		Error:   http.StatusText(statusCode),
		Message: message,
		Code:    statusCode,
	})
}
