package handler

import (
	"github.com/erp/inventory-services/internal/infrastructure/logger"
	"github.com/erp/inventory-services/internal/interfaces/http/middleware"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// ErrorResponse is the body of every non-2xx response.
type ErrorResponse struct {
	Error     string `json:"error"`
	RequestID string `json:"request_id,omitempty"`
}

// BaseHandler provides common handler utilities
type BaseHandler struct{}

// Error sends an error response with the given status code
func (h *BaseHandler) Error(c *gin.Context, status int, message string) {
	c.AbortWithStatusJSON(status, ErrorResponse{
		Error:     message,
		RequestID: middleware.GetRequestID(c),
	})
}

// Logger returns the request-scoped logger.
func (h *BaseHandler) Logger(c *gin.Context) *zap.Logger {
	return logger.FromContext(c.Request.Context())
}
