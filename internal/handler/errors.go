package handler

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/jmerrifield20/providerledger/internal/ledger/model"
	"go.uber.org/zap"
)

// StatusOf maps an error code to its HTTP status.
func StatusOf(code model.Code) int {
	switch code {
	case model.CodeNotFound:
		return http.StatusNotFound
	case model.CodeAlreadyExists, model.CodeStaleRead:
		return http.StatusConflict
	case model.CodeInvalidInput, model.CodeImmutableFieldViolation, model.CodeInvalidSelector:
		return http.StatusBadRequest
	case model.CodeInvalidTransition:
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}

// writeError renders err as {code, message}. A StaleRead carries
// Retry-After: 0 since an immediate resubmission may succeed.
func writeError(c *gin.Context, logger *zap.Logger, err error) {
	e := model.AsError(err)
	status := StatusOf(e.Code)
	if status == http.StatusInternalServerError {
		logger.Error("request failed",
			zap.String("method", c.Request.Method),
			zap.String("path", c.FullPath()),
			zap.Error(err),
		)
	}
	if e.Code.Retryable() {
		c.Header("Retry-After", "0")
	}
	c.AbortWithStatusJSON(status, e)
}

// writeBodyError renders a failure to read or decode the request body. A body
// over the configured limit is 413; anything else is reported as code.
func writeBodyError(c *gin.Context, logger *zap.Logger, code model.Code, err error) {
	var tooLarge *http.MaxBytesError
	if errors.As(err, &tooLarge) {
		c.AbortWithStatusJSON(http.StatusRequestEntityTooLarge,
			model.Errorf(model.CodeInvalidInput, "request body exceeds %d bytes", tooLarge.Limit))
		return
	}
	writeError(c, logger, model.Errorf(code, "%v", err))
}
