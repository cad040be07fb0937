// Package respond writes the {code, message, data} envelope used by every HTTP route.
package respond

import (
	"errors"
	"net/http"

	"github.com/charmbracelet/log"
	registrystore "github.com/chirino/chat-service/internal/registry/store"
	"github.com/chirino/chat-service/internal/security"
	"github.com/chirino/chat-service/internal/service"
	"github.com/gin-gonic/gin"
)

// Envelope is the body of every response.
type Envelope struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

// OK writes a 200 envelope.
func OK(c *gin.Context, message string, data any) {
	c.JSON(http.StatusOK, Envelope{Code: http.StatusOK, Message: message, Data: data})
}

// Success writes a 200 envelope with the default message.
func Success(c *gin.Context, data any) {
	OK(c, "success", data)
}

func write(c *gin.Context, status, code int, message string, data any) {
	c.AbortWithStatusJSON(status, Envelope{Code: code, Message: message, Data: data})
}

// BadRequest reports a body that could not be decoded.
func BadRequest(c *gin.Context, err error) {
	write(c, http.StatusBadRequest, http.StatusBadRequest, "invalid request body", gin.H{"error": err.Error()})
}

// NotFound writes the generic not-found envelope.
func NotFound(c *gin.Context) {
	write(c, http.StatusNotFound, http.StatusNotFound, "Not found.", nil)
}

// Error maps err onto a status and envelope.
func Error(c *gin.Context, err error) {
	var notFound *registrystore.NotFoundError
	var notParticipant *registrystore.NotParticipantError
	var validation *registrystore.ValidationError
	var conflict *registrystore.ConflictError
	var forbidden *registrystore.ForbiddenError
	var verification *service.VerificationError

	switch {
	case errors.As(err, &notFound), errors.As(err, &notParticipant):
		NotFound(c)
	case errors.As(err, &validation):
		write(c, http.StatusBadRequest, http.StatusBadRequest, validation.Message, gin.H{"field": validation.Field})
	case errors.As(err, &verification):
		write(c, http.StatusBadRequest, http.StatusBadRequest, verification.Message, nil)
	case errors.As(err, &conflict):
		var data any
		if conflict.Code != "" {
			data = gin.H{"code": conflict.Code}
		}
		write(c, http.StatusConflict, http.StatusConflict, conflict.Message, data)
	case errors.As(err, &forbidden):
		write(c, http.StatusForbidden, http.StatusForbidden, "You do not have permission to perform this action.", nil)
	case errors.Is(err, security.ErrAccountDisabled):
		write(c, http.StatusOK, security.CodeAccountDisabled, "User account is disabled", nil)
	case errors.Is(err, security.ErrInvalidCredential):
		write(c, http.StatusUnauthorized, http.StatusUnauthorized, "Invalid credentials", nil)
	case errors.Is(err, service.ErrThrottled):
		write(c, http.StatusTooManyRequests, http.StatusTooManyRequests, err.Error(), nil)
	default:
		log.Error("Request failed", "method", c.Request.Method, "path", c.Request.URL.Path, "err", err)
		write(c, http.StatusInternalServerError, http.StatusInternalServerError, "Internal Server Error", gin.H{"error": err.Error()})
	}
}
