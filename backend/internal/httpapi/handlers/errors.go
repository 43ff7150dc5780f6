package handlers

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"designCollab/backend/internal/collab"
)

func httpStatus(err error) int {
	switch {
	case errors.Is(err, collab.ErrSessionNotFound),
		errors.Is(err, collab.ErrParticipantNotFound),
		errors.Is(err, collab.ErrConflictNotFound),
		errors.Is(err, collab.ErrAnnotationNotFound),
		errors.Is(err, collab.ErrFollowNotFound),
		errors.Is(err, collab.ErrRecordingNotFound):
		return http.StatusNotFound
	case errors.Is(err, collab.ErrSessionEnded),
		errors.Is(err, collab.ErrSessionFull),
		errors.Is(err, collab.ErrElementLocked),
		errors.Is(err, collab.ErrConflictClosed):
		return http.StatusConflict
	case errors.Is(err, collab.ErrForbidden),
		errors.Is(err, collab.ErrEditingDisabled),
		errors.Is(err, collab.ErrMarkupsDisabled):
		return http.StatusForbidden
	case errors.Is(err, collab.ErrInvalidArgument):
		return http.StatusBadRequest
	case errors.Is(err, collab.ErrOperationCancelled),
		errors.Is(err, collab.ErrEngineShutdown):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func abortWithError(c *gin.Context, err error) {
	c.AbortWithStatusJSON(httpStatus(err), gin.H{"code": collab.ErrorCode(err), "message": err.Error()})
}
