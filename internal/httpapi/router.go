package httpapi

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/beantrade/syncgw/internal/common"
	"github.com/beantrade/syncgw/internal/httpapi/handlers"
	"github.com/beantrade/syncgw/internal/httpapi/middleware"
)

func NewRouter(h *handlers.Handler) *gin.Engine {
	r := gin.New()
	r.HandleMethodNotAllowed = true
	r.Use(gin.Logger())
	r.Use(middleware.Recovery())

	r.NoRoute(func(c *gin.Context) {
		common.Fail(c, http.StatusNotFound, 40400, "route not found")
	})
	r.NoMethod(func(c *gin.Context) {
		common.Fail(c, http.StatusMethodNotAllowed, 40500, "method not allowed")
	})

	r.Use(middleware.RequestID())

	r.GET("/ping", h.Ping)

	authGroup := r.Group("/")
	authGroup.Use(middleware.AuthRequired(h.Cfg.JWTSecret))

	// conversations (one view per open stream)
	authGroup.GET("/conversations/:counterpart_id/stream", h.StreamConversation)
	authGroup.GET("/views/:view_id/messages", h.ListMessages)
	authGroup.POST("/views/:view_id/messages", h.SendMessage)
	authGroup.POST("/views/:view_id/history", h.ReloadHistory)
	authGroup.DELETE("/views/:view_id", h.CloseView)

	// orders
	authGroup.GET("/orders/:order_id/progress", h.OrderProgress)
	return r
}
