package handlers

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"

	"github.com/beantrade/syncgw/internal/chat"
	"github.com/beantrade/syncgw/internal/common"
)

const sseHeartbeat = 15 * time.Second

// StreamConversation opens a conversation view for the caller and streams
// its message list as server-sent events until the client goes away. The
// view is torn down when the stream ends.
func (h *Handler) StreamConversation(c *gin.Context) {
	uid, ok := userIDFromContext(c)
	if !ok {
		common.Fail(c, http.StatusUnauthorized, 40101, "unauthorized")
		return
	}

	key := chat.Key{
		CounterpartID: strings.TrimSpace(c.Param("counterpart_id")),
		ListingID:     strings.TrimSpace(c.Query("listing_id")),
	}
	if !key.Valid() || key.CounterpartID == uid {
		common.Fail(c, http.StatusBadRequest, 10002, "invalid counterpart")
		return
	}

	ctx := c.Request.Context()
	view, err := h.Views.Open(ctx, uid, key)
	if err != nil {
		log.Error().Err(err).Str("user_id", uid).Str("conversation", key.String()).Msg("open view failed")
		common.Fail(c, http.StatusBadGateway, 50201, "realtime channel unavailable")
		return
	}
	defer func() {
		if err := h.Views.Close(view.ID); err != nil && !errors.Is(err, chat.ErrViewNotFound) {
			log.Warn().Err(err).Str("view_id", view.ID).Msg("view teardown")
		}
	}()

	flusher, ok := c.Writer.(http.Flusher)
	if !ok {
		common.Fail(c, http.StatusInternalServerError, 50002, "streaming unsupported")
		return
	}

	// SSE headers
	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")
	c.Status(http.StatusOK)

	writeJSON := func(event string, payload any) {
		b, err := json.Marshal(payload)
		if err != nil {
			fmt.Fprintf(c.Writer, "event: error\ndata: {\"message\":\"json marshal failed\"}\n\n")
			flusher.Flush()
			return
		}
		fmt.Fprintf(c.Writer, "event: %s\ndata: %s\n\n", event, b)
		flusher.Flush()
	}

	rec := view.Reconciler()
	updates, unsubscribe := rec.Subscribe()
	defer unsubscribe()

	writeJSON("open", gin.H{"view_id": view.ID, "conversation": key})

	historyErr := make(chan error, 1)
	go func() {
		if _, err := rec.LoadHistory(ctx); err != nil && !errors.Is(err, chat.ErrClosed) {
			historyErr <- err
		}
	}()

	ticker := time.NewTicker(sseHeartbeat)
	defer ticker.Stop()

	for {
		select {
		case msgs, ok := <-updates:
			if !ok {
				writeJSON("closed", gin.H{"view_id": view.ID})
				return
			}
			writeJSON("snapshot", gin.H{"messages": msgs})

		case err := <-historyErr:
			writeJSON("error", gin.H{"type": "history_failed", "message": err.Error()})

		case err := <-view.Errors():
			payload := gin.H{"type": "send_failed", "message": err.Error()}
			var serr *chat.SendError
			if errors.As(err, &serr) {
				payload["message_id"] = serr.MessageID
			}
			writeJSON("error", payload)

		case <-ticker.C:
			writeJSON("ping", gin.H{"ts": time.Now().Unix()})

		case <-ctx.Done():
			return
		}
	}
}

func (h *Handler) viewFromRequest(c *gin.Context) (*chat.View, bool) {
	uid, ok := userIDFromContext(c)
	if !ok {
		common.Fail(c, http.StatusUnauthorized, 40101, "unauthorized")
		return nil, false
	}
	view, err := h.Views.Get(c.Param("view_id"), uid)
	if err != nil {
		common.Fail(c, http.StatusNotFound, 40403, "view not found")
		return nil, false
	}
	return view, true
}

type sendMessageReq struct {
	Message string `json:"message" binding:"required"`
}

func (h *Handler) SendMessage(c *gin.Context) {
	view, ok := h.viewFromRequest(c)
	if !ok {
		return
	}

	var req sendMessageReq
	if err := c.ShouldBindJSON(&req); err != nil {
		common.Fail(c, http.StatusBadRequest, 10001, "invalid json")
		return
	}

	msg, err := view.Reconciler().SendLocal(req.Message)
	switch {
	case errors.Is(err, chat.ErrEmptyBody):
		common.Fail(c, http.StatusBadRequest, 10004, "message is empty")
		return
	case errors.Is(err, chat.ErrClosed):
		common.Fail(c, http.StatusGone, 41000, "view closed")
		return
	case err != nil:
		common.Fail(c, http.StatusInternalServerError, 50001, "internal error")
		return
	}

	c.JSON(http.StatusAccepted, gin.H{
		"code":    0,
		"message": "ok",
		"data":    gin.H{"message": msg},
	})
}

func (h *Handler) ListMessages(c *gin.Context) {
	view, ok := h.viewFromRequest(c)
	if !ok {
		return
	}
	common.OK(c, gin.H{"messages": view.Reconciler().Messages()})
}

// ReloadHistory retries a failed history load. Once history is in, it only
// returns the current list.
func (h *Handler) ReloadHistory(c *gin.Context) {
	view, ok := h.viewFromRequest(c)
	if !ok {
		return
	}

	msgs, err := view.Reconciler().LoadHistory(c.Request.Context())
	if err != nil {
		var ferr *chat.FetchError
		if errors.As(err, &ferr) {
			log.Warn().Err(err).Str("view_id", view.ID).Msg("history reload failed")
			common.Fail(c, http.StatusBadGateway, 50202, "history unavailable")
			return
		}
		if errors.Is(err, chat.ErrClosed) {
			common.Fail(c, http.StatusGone, 41000, "view closed")
			return
		}
		common.Fail(c, http.StatusInternalServerError, 50001, "internal error")
		return
	}
	common.OK(c, gin.H{"messages": msgs})
}

func (h *Handler) CloseView(c *gin.Context) {
	view, ok := h.viewFromRequest(c)
	if !ok {
		return
	}
	if err := h.Views.Close(view.ID); err != nil && !errors.Is(err, chat.ErrViewNotFound) {
		log.Warn().Err(err).Str("view_id", view.ID).Msg("view close")
	}
	common.OK(c, gin.H{"view_id": view.ID})
}
