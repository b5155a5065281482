package models

import "time"

// Log is an append-only audit row.
type Log struct {
	ID        uint64    `gorm:"primaryKey;autoIncrement" json:"id"`
	Timestamp time.Time `gorm:"autoCreateTime;index" json:"timestamp"`
	Level     string    `gorm:"type:varchar(16);not null" json:"level"`
	Message   string    `gorm:"type:text;not null" json:"message"`
}

func (Log) TableName() string { return "logs" }
