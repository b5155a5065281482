package audit

import (
	"context"
	"sync"

	"gorm.io/gorm"

	"github.com/suPer8Hu/chat-proxy/internal/models"
)

// DBSink appends entries to the logs table.
type DBSink struct {
	db *gorm.DB
}

func NewDBSink(db *gorm.DB) *DBSink {
	return &DBSink{db: db}
}

func (s *DBSink) Write(ctx context.Context, entries []Entry) error {
	if len(entries) == 0 {
		return nil
	}
	rows := make([]models.Log, 0, len(entries))
	for _, e := range entries {
		rows = append(rows, models.Log{
			Timestamp: e.Timestamp,
			Level:     e.Level,
			Message:   e.Message,
		})
	}
	return s.db.WithContext(ctx).CreateInBatches(rows, 100).Error
}

// MemorySink keeps entries in memory.
type MemorySink struct {
	mu      sync.Mutex
	entries []Entry
}

func NewMemorySink() *MemorySink {
	return &MemorySink{}
}

func (s *MemorySink) Write(_ context.Context, entries []Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = append(s.entries, entries...)
	return nil
}

func (s *MemorySink) Entries() []Entry {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Entry(nil), s.entries...)
}
