package chat

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/suPer8Hu/chat-proxy/internal/models"
)

type Repo struct {
	db *gorm.DB
}

func NewRepo(db *gorm.DB) *Repo {
	return &Repo{db: db}
}

// UnitOfWork is one database transaction. Everything written through Repo()
// is committed or discarded together.
type UnitOfWork struct {
	tx   *gorm.DB
	repo *Repo

	mu   sync.Mutex
	done bool
}

func (r *Repo) Begin(ctx context.Context) (*UnitOfWork, error) {
	tx := r.db.WithContext(ctx).Begin()
	if tx.Error != nil {
		return nil, fmt.Errorf("begin transaction: %w", tx.Error)
	}
	return &UnitOfWork{tx: tx, repo: &Repo{db: tx}}, nil
}

func (u *UnitOfWork) Repo() *Repo { return u.repo }

func (u *UnitOfWork) Commit() error {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.done {
		return errors.New("unit of work already finished")
	}
	u.done = true
	return u.tx.Commit().Error
}

// Rollback discards staged writes. It is a no-op once the unit of work has
// been committed or rolled back, so it is safe to defer.
func (u *UnitOfWork) Rollback() error {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.done {
		return nil
	}
	u.done = true
	return u.tx.Rollback().Error
}

// GetOrCreateUser returns the user with id, creating a placeholder user_<id>
// row under that id when none exists. created reports whether a row was added.
func (r *Repo) GetOrCreateUser(ctx context.Context, id uint64) (*models.User, bool, error) {
	var u models.User
	err := r.db.WithContext(ctx).First(&u, "id = ?", id).Error
	if err == nil {
		return &u, false, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, false, err
	}

	u = models.User{ID: id, Username: fmt.Sprintf("user_%d", id)}
	if err := r.db.WithContext(ctx).Create(&u).Error; err != nil {
		return nil, false, err
	}
	return &u, true, nil
}

// GetChatForUser returns gorm.ErrRecordNotFound both for missing chats and
// for chats owned by someone else.
func (r *Repo) GetChatForUser(ctx context.Context, userID, chatID uint64) (*Chat, error) {
	var c Chat
	if err := r.db.WithContext(ctx).
		Where("id = ? AND user_id = ?", chatID, userID).
		First(&c).Error; err != nil {
		return nil, err
	}
	return &c, nil
}

func (r *Repo) CreateChat(ctx context.Context, c *Chat) error {
	return r.db.WithContext(ctx).Create(c).Error
}

func (r *Repo) InsertMessage(ctx context.Context, m *Message) error {
	return r.db.WithContext(ctx).Create(m).Error
}

// ListHistory returns every message of the chat, oldest first.
func (r *Repo) ListHistory(ctx context.Context, chatID uint64) ([]Message, error) {
	var msgs []Message
	if err := r.db.WithContext(ctx).
		Where("chat_id = ?", chatID).
		Order("created_at ASC").
		Order("id ASC").
		Find(&msgs).Error; err != nil {
		return nil, err
	}
	return msgs, nil
}

func (r *Repo) InsertUsage(ctx context.Context, u *models.Usage) error {
	return r.db.WithContext(ctx).Create(u).Error
}

// ListChats returns a user's chats, newest first.
func (r *Repo) ListChats(ctx context.Context, userID uint64, limit int) ([]Chat, error) {
	if limit <= 0 || limit > 100 {
		limit = 50
	}
	var chats []Chat
	if err := r.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order(clause.OrderByColumn{Column: clause.Column{Name: "created_at"}, Desc: true}).
		Order(clause.OrderByColumn{Column: clause.Column{Name: "id"}, Desc: true}).
		Limit(limit).
		Find(&chats).Error; err != nil {
		return nil, err
	}
	return chats, nil
}

// ListMessages is ListHistory behind an ownership check.
func (r *Repo) ListMessages(ctx context.Context, userID, chatID uint64) ([]Message, error) {
	if _, err := r.GetChatForUser(ctx, userID, chatID); err != nil {
		return nil, err
	}
	return r.ListHistory(ctx, chatID)
}

// DeleteChat removes the chat and, through the foreign key, its messages.
func (r *Repo) DeleteChat(ctx context.Context, userID, chatID uint64) error {
	res := r.db.WithContext(ctx).
		Where("id = ? AND user_id = ?", chatID, userID).
		Delete(&Chat{})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return gorm.ErrRecordNotFound
	}
	return nil
}

type UsageSummary struct {
	UserID     uint64 `json:"user_id"`
	TokensUsed int64  `json:"tokens_used"`
	Exchanges  int64  `json:"exchanges"`
}

func (r *Repo) UsageTotal(ctx context.Context, userID uint64) (*UsageSummary, error) {
	var row struct {
		Tokens    int64
		Exchanges int64
	}
	if err := r.db.WithContext(ctx).
		Model(&models.Usage{}).
		Select("COALESCE(SUM(tokens_used), 0) AS tokens, COUNT(*) AS exchanges").
		Where("user_id = ?", userID).
		Scan(&row).Error; err != nil {
		return nil, err
	}
	return &UsageSummary{UserID: userID, TokensUsed: row.Tokens, Exchanges: row.Exchanges}, nil
}
