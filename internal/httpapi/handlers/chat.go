package handlers

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/suPer8Hu/chat-proxy/internal/chat"
	"github.com/suPer8Hu/chat-proxy/internal/common"
	"github.com/suPer8Hu/chat-proxy/internal/httpapi/middleware"
)

const defaultUserID uint64 = 1

func (h *Handler) Root(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"message": "Chat API is running. POST to /api/v1/chat with a message."})
}

func (h *Handler) Healthz(c *gin.Context) {
	sqlDB, err := h.DB.DB()
	if err == nil {
		ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
		defer cancel()
		err = sqlDB.PingContext(ctx)
	}
	if err != nil {
		h.Log.Warn("health check failed", "error", err)
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unavailable"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

type chatReq struct {
	Message string  `json:"message"`
	UserID  *uint64 `json:"user_id"`
	ChatID  *uint64 `json:"chat_id"`
}

type chatResp struct {
	Reply         string  `json:"reply"`
	ChatID        uint64  `json:"chat_id"`
	UserMessageID uint64  `json:"user_message_id"`
	AIMessageID   uint64  `json:"ai_message_id"`
	Error         *string `json:"error"`
}

func (h *Handler) Chat(c *gin.Context) {
	var req chatReq
	if err := c.ShouldBindJSON(&req); err != nil {
		common.Fail(c, http.StatusBadRequest, "invalid json: "+err.Error())
		return
	}
	userID := defaultUserID
	if req.UserID != nil {
		userID = *req.UserID
	}

	res, err := h.ChatSvc.Exchange(c.Request.Context(), chat.ExchangeRequest{
		Message: req.Message,
		UserID:  userID,
		ChatID:  req.ChatID,
	})
	if err != nil {
		e := common.AsError(err)
		if e.Status >= http.StatusInternalServerError {
			h.Log.Error("chat exchange failed",
				"request_id", middleware.RequestIDFrom(c),
				"user_id", userID,
				"code", e.Code,
				"error", err,
			)
		}
		common.Fail(c, e.Status, e.Error())
		return
	}

	c.JSON(http.StatusOK, chatResp{
		Reply:         res.Reply,
		ChatID:        res.ChatID,
		UserMessageID: res.UserMessageID,
		AIMessageID:   res.AIMessageID,
	})
}

func (h *Handler) ListChats(c *gin.Context) {
	userID, ok := parseID(c, "user_id")
	if !ok {
		return
	}
	limit, _ := strconv.Atoi(c.Query("limit"))

	chats, err := h.ChatSvc.ListChats(c.Request.Context(), userID, limit)
	if err != nil {
		common.FailWith(c, err)
		return
	}
	if chats == nil {
		chats = []chat.Chat{}
	}
	c.JSON(http.StatusOK, gin.H{"chats": chats})
}

func (h *Handler) ListMessages(c *gin.Context) {
	userID, ok := parseID(c, "user_id")
	if !ok {
		return
	}
	chatID, ok := parseID(c, "chat_id")
	if !ok {
		return
	}

	msgs, err := h.ChatSvc.ListMessages(c.Request.Context(), userID, chatID)
	if err != nil {
		common.FailWith(c, err)
		return
	}
	if msgs == nil {
		msgs = []chat.Message{}
	}
	c.JSON(http.StatusOK, gin.H{"chat_id": chatID, "messages": msgs})
}

func (h *Handler) DeleteChat(c *gin.Context) {
	userID, ok := parseID(c, "user_id")
	if !ok {
		return
	}
	chatID, ok := parseID(c, "chat_id")
	if !ok {
		return
	}

	if err := h.ChatSvc.DeleteChat(c.Request.Context(), userID, chatID); err != nil {
		common.FailWith(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *Handler) Usage(c *gin.Context) {
	userID, ok := parseID(c, "user_id")
	if !ok {
		return
	}
	sum, err := h.ChatSvc.Usage(c.Request.Context(), userID)
	if err != nil {
		common.FailWith(c, err)
		return
	}
	c.JSON(http.StatusOK, sum)
}

func parseID(c *gin.Context, name string) (uint64, bool) {
	id, err := strconv.ParseUint(c.Param(name), 10, 64)
	if err != nil || id == 0 {
		common.Fail(c, http.StatusBadRequest, "invalid "+name)
		return 0, false
	}
	return id, true
}
