package models

import "time"

type User struct {
	ID        uint64    `gorm:"primaryKey;autoIncrement" json:"id"`
	Username  string    `gorm:"type:varchar(255);uniqueIndex;not null" json:"username"`
	CreatedAt time.Time `json:"created_at"`
}

func (User) TableName() string { return "users" }
