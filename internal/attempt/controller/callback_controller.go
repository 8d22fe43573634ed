package controller

import (
	"encoding/json"
	"net/http"

	"codegrader/internal/attempt/judge"
	"codegrader/internal/attempt/service"
	"codegrader/internal/common/metrics"
	"codegrader/pkg/utils/logger"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// CallbackController receives per-test results pushed by the judge.
// The judge does not retry, so anything that parses as JSON is acknowledged with 200.
type CallbackController struct {
	attemptService *service.AttemptService
}

// NewCallbackController creates a new CallbackController.
func NewCallbackController(attemptService *service.AttemptService) *CallbackController {
	return &CallbackController{attemptService: attemptService}
}

// Handle accepts one judge callback.
func (h *CallbackController) Handle(c *gin.Context) {
	body, err := c.GetRawData()
	if err != nil || !json.Valid(body) {
		metrics.CallbacksTotal.WithLabelValues("invalid").Inc()
		logger.Warn(c.Request.Context(), "judge callback is not json", zap.Int("bytes", len(body)))
		c.JSON(http.StatusBadRequest, gin.H{})
		return
	}

	payload, err := judge.DecodeCallback(body)
	if err != nil {
		metrics.CallbacksTotal.WithLabelValues("invalid").Inc()
		logger.Warn(c.Request.Context(), "judge callback rejected", zap.Error(err))
		c.JSON(http.StatusOK, gin.H{})
		return
	}

	if payload.Malformed != nil {
		metrics.CallbacksTotal.WithLabelValues("malformed").Inc()
		logger.Warn(c.Request.Context(), "judge callback result unreadable, recording service error",
			zap.String("token", payload.Token),
			zap.Error(payload.Malformed),
		)
	}

	if err := h.attemptService.HandleCallback(c.Request.Context(), service.CallbackInputFromPayload(payload)); err != nil {
		logger.Warn(c.Request.Context(), "judge callback not applied", zap.String("token", payload.Token), zap.Error(err))
	}
	c.JSON(http.StatusOK, gin.H{})
}
