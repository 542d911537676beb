// Package response writes the JSON error envelope shared by every endpoint.
package response

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/adamscao/sshca/internal/apperr"
	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"
)

// ErrorResponse represents an error response
type ErrorResponse struct {
	Error  string `json:"error"`
	Detail string `json:"detail"`
}

// Status maps an error kind to its HTTP status code
func Status(kind apperr.Kind) int {
	switch kind {
	case apperr.KindNotFound:
		return http.StatusNotFound
	case apperr.KindConflict:
		return http.StatusConflict
	case apperr.KindUnauthorized:
		return http.StatusForbidden
	case apperr.KindInvalidKey, apperr.KindInvalidPrincipals, apperr.KindInvalid:
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

// Error aborts the request with the envelope for err. Errors without a
// kind are logged and reported as a generic internal error.
func Error(c *gin.Context, err error) {
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) {
		Abort(c, http.StatusBadRequest, string(apperr.KindInvalid), verrs.Error())
		return
	}

	kind := apperr.KindOf(err)
	if kind == "" {
		slog.ErrorContext(c.Request.Context(), "request failed",
			"method", c.Request.Method,
			"path", c.FullPath(),
			"request_id", c.GetString(RequestIDKey),
			"error", err,
		)
		Abort(c, http.StatusInternalServerError, "internal_error", "internal server error")
		return
	}

	detail := apperr.DetailOf(err)
	if kind == apperr.KindSigningFailure {
		slog.ErrorContext(c.Request.Context(), "signing failure",
			"request_id", c.GetString(RequestIDKey),
			"error", err,
		)
	}
	Abort(c, Status(kind), string(kind), detail)
}

// BadRequest aborts with a validation error for a malformed body or query
func BadRequest(c *gin.Context, err error) {
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) {
		Abort(c, http.StatusBadRequest, string(apperr.KindInvalid), verrs.Error())
		return
	}
	Abort(c, http.StatusBadRequest, string(apperr.KindInvalid), "invalid request body")
}

// Abort writes an error envelope and stops the handler chain
func Abort(c *gin.Context, status int, code, detail string) {
	c.AbortWithStatusJSON(status, ErrorResponse{Error: code, Detail: detail})
}

// RequestIDKey is the gin context key holding the request id.
const RequestIDKey = "request_id"
