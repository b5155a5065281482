package models

import "time"

// Usage is one accounting row per AI reply that consumed tokens.
type Usage struct {
	ID         uint64    `gorm:"primaryKey;autoIncrement" json:"id"`
	UserID     uint64    `gorm:"index;not null" json:"user_id"`
	TokensUsed int       `gorm:"not null" json:"tokens_used"`
	Timestamp  time.Time `gorm:"autoCreateTime" json:"timestamp"`

	User *User `gorm:"foreignKey:UserID" json:"-"`
}

func (Usage) TableName() string { return "usage" }
