package chat

import (
	"time"

	"github.com/suPer8Hu/chat-proxy/internal/models"
)

const (
	SenderUser = "user"
	SenderAI   = "ai"
)

type Chat struct {
	ID        uint64    `gorm:"primaryKey;autoIncrement" json:"id"`
	UserID    uint64    `gorm:"index;not null" json:"user_id"`
	Title     *string   `gorm:"type:varchar(255)" json:"title"`
	CreatedAt time.Time `json:"created_at"`

	User     *models.User `gorm:"foreignKey:UserID" json:"-"`
	Messages []Message    `gorm:"foreignKey:ChatID;constraint:OnDelete:CASCADE" json:"-"`
}

func (Chat) TableName() string { return "chats" }

type Message struct {
	ID         uint64    `gorm:"primaryKey;autoIncrement" json:"id"`
	ChatID     uint64    `gorm:"not null;index:idx_messages_chat_created,priority:1" json:"chat_id"`
	Content    string    `gorm:"type:text;not null" json:"content"`
	SenderType string    `gorm:"type:varchar(8);not null" json:"sender_type"`
	CreatedAt  time.Time `gorm:"index:idx_messages_chat_created,priority:2" json:"created_at"`
	// only set on ai turns
	TokenUsage *int `json:"token_usage"`
}

func (Message) TableName() string { return "messages" }
