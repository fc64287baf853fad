package api

import (
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/blopit/microtask/pkg/domainerr"
)

// ErrorResponse is the wire shape of every surfaced error: a stable code,
// a human message, and a retryable flag. No stack traces cross the
// boundary.
type ErrorResponse struct {
	Code      string `json:"code"`
	Message   string `json:"message"`
	Retryable bool   `json:"retryable"`
}

// respondError maps a domain error to an HTTP status and body.
func respondError(c *gin.Context, err error) {
	de := domainerr.Classify(err)

	status := http.StatusInternalServerError
	message := de.Message
	switch de.Code {
	case domainerr.CodeValidation:
		status = http.StatusBadRequest
	case domainerr.CodeNotFound:
		status = http.StatusNotFound
	case domainerr.CodeConflict:
		status = http.StatusConflict
	case domainerr.CodeUnavailable:
		status = http.StatusServiceUnavailable
	case domainerr.CodeTimeout:
		status = http.StatusGatewayTimeout
	case domainerr.CodeAuth:
		status = http.StatusUnauthorized
	default:
		// Internal: log the cause, surface only an opaque message.
		slog.Error("Internal error", "error", err)
		message = "internal error"
	}

	c.JSON(status, ErrorResponse{
		Code:      string(de.Code),
		Message:   message,
		Retryable: de.Retryable,
	})
}
