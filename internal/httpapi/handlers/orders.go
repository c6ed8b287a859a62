package handlers

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"

	"github.com/beantrade/syncgw/internal/common"
	"github.com/beantrade/syncgw/internal/marketplace"
	"github.com/beantrade/syncgw/internal/order"
)

func (h *Handler) OrderProgress(c *gin.Context) {
	uid, ok := userIDFromContext(c)
	if !ok {
		common.Fail(c, http.StatusUnauthorized, 40101, "unauthorized")
		return
	}
	orderID := c.Param("order_id")
	if orderID == "" {
		common.Fail(c, http.StatusBadRequest, 10002, "order_id required")
		return
	}

	rec, err := h.Orders.Order(c.Request.Context(), uid, orderID)
	if err != nil {
		if errors.Is(err, marketplace.ErrNotFound) {
			common.Fail(c, http.StatusNotFound, 40402, "order not found")
			return
		}
		log.Error().Err(err).Str("order_id", orderID).Msg("order fetch failed")
		common.Fail(c, http.StatusBadGateway, 50203, "order data unavailable")
		return
	}

	common.OK(c, gin.H{
		"order_id": orderID,
		"progress": order.Project(rec.Input()),
	})
}
