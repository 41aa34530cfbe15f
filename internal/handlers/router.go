package handlers

import (
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"

	"chat-client/internal/middleware"
	"chat-client/internal/observability"
)

// NewRouter wires the control API. /healthz and /metrics stay open; every
// other route requires the control token.
func NewRouter(h *ControlHandler, controlToken string, logger zerolog.Logger) *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(otelgin.Middleware("chat-client-control"))
	router.Use(observability.HTTPMetricsMiddleware())
	router.Use(middleware.RequestLogger(logger))

	router.GET("/healthz", h.Health)
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	control := router.Group("/", middleware.ControlAuth(controlToken))
	control.GET("/state", h.State)
	control.POST("/connect", h.Connect)

	control.GET("/conversations", h.ListConversations)
	control.GET("/conversations/:id/messages", h.GetMessages)
	control.POST("/conversations/:id/messages", h.PostMessage)
	control.POST("/conversations/:id/messages/:client_id/retry", h.RetryMessage)
	control.POST("/conversations/:id/read", h.MarkRead)
	control.POST("/conversations/:id/attachments", h.UploadAttachments)
	control.POST("/conversations/:id/typing", h.Typing)
	control.GET("/conversations/:id/typing", h.Typists)
	control.POST("/conversations/:id/archive", h.Archive)
	control.POST("/messages/:id/reactions", h.ToggleReaction)
	control.POST("/attachments/preview", h.PreviewAttachment)

	control.POST("/push", h.InjectPush)
	control.POST("/push/click", h.ClickNotification)
	control.POST("/push/subscriptions", h.Subscribe)
	control.DELETE("/push/subscriptions", h.Unsubscribe)
	control.POST("/push/test", h.TestPush)
	control.GET("/notifications", h.Notifications)

	return router
}
