package handlers

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"

	"satoshiflip-backend/internal/services"
)

// StatusCode maps a service error onto the HTTP status clients see.
func StatusCode(err error) int {
	switch {
	case errors.Is(err, services.ErrUnauthenticated):
		return http.StatusUnauthorized
	case errors.Is(err, services.ErrForbidden):
		return http.StatusForbidden
	case errors.Is(err, services.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, services.ErrAlreadySettled),
		errors.Is(err, services.ErrInvalidTransition),
		errors.Is(err, services.ErrAlreadyHasActiveGame):
		return http.StatusConflict
	case errors.Is(err, services.ErrInvalidWager),
		errors.Is(err, services.ErrInvalidAmount),
		errors.Is(err, services.ErrInvalidAddress),
		errors.Is(err, services.ErrSelfJoin):
		return http.StatusBadRequest
	case errors.Is(err, services.ErrInsufficientBalance):
		return http.StatusPaymentRequired
	case errors.Is(err, services.ErrCapacityExceeded):
		return http.StatusTooManyRequests
	case errors.Is(err, services.ErrSettlementFailed):
		return http.StatusServiceUnavailable
	case errors.Is(err, services.ErrTimeout):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

// RespondError aborts the request with the error's status and code.
// Internal errors keep their details out of the response.
func RespondError(c *gin.Context, err error) {
	status := StatusCode(err)
	details := err.Error()
	if status == http.StatusInternalServerError {
		details = "internal error"
	}
	c.AbortWithStatusJSON(status, gin.H{
		"error":   services.ErrorCode(err),
		"details": details,
	})
}

func badRequest(c *gin.Context, err error) {
	c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{
		"error":   "INVALID_REQUEST",
		"details": err.Error(),
	})
}

func wrapInvalidWager(err error) error {
	return fmt.Errorf("%w: %v", services.ErrInvalidWager, err)
}
