package handlers

import (
	"github.com/gin-gonic/gin"

	"github.com/beantrade/syncgw/internal/chat"
	"github.com/beantrade/syncgw/internal/common"
	"github.com/beantrade/syncgw/internal/config"
	"github.com/beantrade/syncgw/internal/httpapi/middleware"
	"github.com/beantrade/syncgw/internal/order"
)

type Handler struct {
	Cfg    config.Config
	Views  *chat.Manager
	Orders order.DataSource
}

func NewHandler(cfg config.Config, views *chat.Manager, orders order.DataSource) *Handler {
	return &Handler{Cfg: cfg, Views: views, Orders: orders}
}

func (h *Handler) Ping(c *gin.Context) {
	common.OK(c, gin.H{"pong": true, "views": h.Views.Len()})
}

func userIDFromContext(c *gin.Context) (string, bool) {
	v, ok := c.Get(middleware.UserIDKey)
	if !ok {
		return "", false
	}
	id, ok := v.(string)
	return id, ok && id != ""
}
