package http

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"visual-novel-server/internal/choices"
	"visual-novel-server/internal/delivery/http/middleware"
	"visual-novel-server/internal/domain"
)

func (h *Handler) handleServiceError(c *gin.Context, err error) {
	var status int
	var msg string

	switch {
	case errors.Is(err, domain.ErrNotFound):
		status, msg = http.StatusNotFound, "resource not found"
	case errors.Is(err, domain.ErrInvalidInput):
		status, msg = http.StatusBadRequest, err.Error()
	case errors.Is(err, domain.ErrForbidden):
		status, msg = http.StatusForbidden, "access denied"
	case errors.Is(err, domain.ErrUnauthorized):
		status, msg = http.StatusUnauthorized, "unauthorized"
	case errors.Is(err, domain.ErrTaskConflict), errors.Is(err, domain.ErrStoryNotReady):
		status, msg = http.StatusConflict, err.Error()
	case errors.Is(err, choices.ErrChoiceGenerationExhausted):
		status, msg = http.StatusServiceUnavailable, "could not generate distinct choices, try again later"
	default:
		h.logger.Error("Unhandled internal error", zap.String("path", c.FullPath()), zap.Error(err))
		status, msg = http.StatusInternalServerError, "internal server error"
	}

	c.AbortWithStatusJSON(status, middleware.ErrorResponse{Error: msg})
}
