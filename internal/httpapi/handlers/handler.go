package handlers

import (
	"gorm.io/gorm"

	"github.com/suPer8Hu/chat-proxy/internal/chat"
	"github.com/suPer8Hu/chat-proxy/internal/logger"
)

type Handler struct {
	DB      *gorm.DB
	ChatSvc *chat.Service
	Log     *logger.Logger
}

func NewHandler(db *gorm.DB, svc *chat.Service, log *logger.Logger) *Handler {
	if log == nil {
		log = logger.Nop()
	}
	return &Handler{DB: db, ChatSvc: svc, Log: log}
}
