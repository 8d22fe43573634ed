package controller

import (
	"net/http"

	"codegrader/internal/attempt/service"
	"codegrader/internal/common/http/middleware"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// NewRouter builds the HTTP surface of the attempt service.
func NewRouter(attemptService *service.AttemptService, trace middleware.TraceContextConfig) *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(middleware.TraceContextMiddlewareWithConfig(trace))
	router.Use(middleware.MetricsMiddleware())
	router.Use(middleware.RequestLogger())

	router.GET("/healthz", func(c *gin.Context) { c.Status(http.StatusOK) })
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	attempts := NewAttemptController(attemptService)
	callbacks := NewCallbackController(attemptService)

	api := router.Group("/api/v1")
	api.POST("/practices/:practice_id/attempts", attempts.Create)
	api.GET("/practices/:practice_id/attempts", attempts.List)
	api.GET("/attempts/:attempt_id", attempts.Get)
	api.GET("/languages", attempts.Languages)
	api.PUT("/judge/callback", callbacks.Handle)
	api.POST("/judge/callback", callbacks.Handle)

	return router
}
