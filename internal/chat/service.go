package chat

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	validation "github.com/go-ozzo/ozzo-validation/v4"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"gorm.io/gorm"

	"github.com/suPer8Hu/chat-proxy/internal/ai"
	"github.com/suPer8Hu/chat-proxy/internal/audit"
	"github.com/suPer8Hu/chat-proxy/internal/common"
	"github.com/suPer8Hu/chat-proxy/internal/logger"
	"github.com/suPer8Hu/chat-proxy/internal/models"
)

const (
	detailMissingKey   = "OpenRouter API key not configured."
	detailTimeout      = "Request to OpenRouter API timed out."
	detailUnauthorized = "Authentication error with OpenRouter API. Check your API key."
	detailBadReply     = "Could not parse assistant's reply from API response."
	detailChatNotFound = "Chat not found or does not belong to user."

	auditPreviewRunes = 80
)

type Service struct {
	repo     *Repo
	provider ai.Provider
	locker   Locker
	recorder *audit.Recorder
	log      *logger.Logger
	now      func() time.Time
}

func NewService(repo *Repo, provider ai.Provider, locker Locker, recorder *audit.Recorder, log *logger.Logger) *Service {
	if locker == nil {
		locker = NewLocalLocker()
	}
	if log == nil {
		log = logger.Nop()
	}
	return &Service{
		repo:     repo,
		provider: provider,
		locker:   locker,
		recorder: recorder,
		log:      log,
		now:      time.Now,
	}
}

type ExchangeRequest struct {
	Message string
	UserID  uint64
	ChatID  *uint64
}

type ExchangeResult struct {
	Reply         string
	ChatID        uint64
	UserMessageID uint64
	AIMessageID   uint64
	TokensUsed    int
	UserCreated   bool
	ChatCreated   bool
}

// Exchange runs one user turn: it stores the user message, sends the whole
// chat history to the completion provider and stores the reply, all inside
// one unit of work that is committed on success and rolled back on every
// failure.
//
// An existing chat is locked before the unit of work begins, so a waiting
// turn neither holds database locks nor reads a snapshot older than the
// turn it waited for.
//
// Returned errors are *common.Error.
func (s *Service) Exchange(ctx context.Context, req ExchangeRequest) (res *ExchangeResult, err error) {
	ctx, span := otel.Tracer("chat-proxy/chat").Start(ctx, "chat.exchange")
	span.SetAttributes(attribute.Int64("chat.user_id", int64(req.UserID)))

	trail := audit.NewTrail(s.log.With("user_id", req.UserID))
	var uow *UnitOfWork
	unlock := func() {}
	defer func() {
		if uow != nil {
			if rbErr := uow.Rollback(); rbErr != nil {
				s.log.Warn("rollback failed", "error", rbErr)
			}
		}
		unlock()
		s.recorder.Flush(ctx, trail)

		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		} else {
			span.SetAttributes(
				attribute.Int64("chat.id", int64(res.ChatID)),
				attribute.Int("chat.tokens_used", res.TokensUsed),
			)
		}
		span.End()
	}()

	if verr := validateExchange(&req); verr != nil {
		trail.Error("invalid chat request: %v", verr)
		return nil, common.Validation(verr.Error(), verr)
	}

	if cfgErr := s.provider.Validate(); cfgErr != nil {
		trail.Error(detailMissingKey)
		return nil, common.Configuration(detailMissingKey)
	}

	// a new chat is invisible to other turns until commit
	if req.ChatID != nil {
		release, lerr := s.locker.Lock(ctx, chatLockKey(*req.ChatID))
		if lerr != nil {
			return nil, s.internal(trail, "lock chat", lerr)
		}
		unlock = release
	}

	uow, err = s.repo.Begin(ctx)
	if err != nil {
		return nil, s.internal(trail, "begin", err)
	}
	repo := uow.Repo()
	res = &ExchangeResult{}

	user, created, err := repo.GetOrCreateUser(ctx, req.UserID)
	if err != nil {
		return nil, s.internal(trail, "resolve user", err)
	}
	if created {
		trail.Warn("User with id %d not found. Created new user.", user.ID)
	}
	res.UserCreated = created

	chat, err := s.resolveChat(ctx, repo, trail, user.ID, req.ChatID)
	if err != nil {
		return nil, err
	}
	res.ChatID = chat.ID
	res.ChatCreated = req.ChatID == nil

	userMsg := &Message{ChatID: chat.ID, Content: req.Message, SenderType: SenderUser}
	if err := repo.InsertMessage(ctx, userMsg); err != nil {
		return nil, s.internal(trail, "store user message", err)
	}
	res.UserMessageID = userMsg.ID
	trail.Info("User message stored for chat %d: %s", chat.ID, preview(req.Message))

	history, err := repo.ListHistory(ctx, chat.ID)
	if err != nil {
		return nil, s.internal(trail, "load history", err)
	}

	completion, err := s.provider.Complete(ctx, toProviderMessages(history))
	if err != nil {
		e := upstreamError(err)
		trail.Error("Completion failed for chat %d: %s", chat.ID, e.Error())
		return nil, e
	}

	tokens := completion.TokensUsed
	aiMsg := &Message{ChatID: chat.ID, Content: completion.Reply, SenderType: SenderAI, TokenUsage: &tokens}
	if err := repo.InsertMessage(ctx, aiMsg); err != nil {
		return nil, s.internal(trail, "store ai message", err)
	}
	res.AIMessageID = aiMsg.ID
	res.Reply = completion.Reply
	res.TokensUsed = tokens
	trail.Info("AI message stored for chat %d", chat.ID)

	if tokens > 0 {
		if err := repo.InsertUsage(ctx, &models.Usage{UserID: user.ID, TokensUsed: tokens}); err != nil {
			return nil, s.internal(trail, "record usage", err)
		}
		trail.Info("Usage recorded for user %d: %d tokens", user.ID, tokens)
	}

	if err := uow.Commit(); err != nil {
		trail.Critical("Commit failed for chat %d: %v", chat.ID, err)
		return nil, common.Internal("An unexpected error occurred: "+err.Error(), err)
	}
	return res, nil
}

func (s *Service) resolveChat(ctx context.Context, repo *Repo, trail *audit.Trail, userID uint64, chatID *uint64) (*Chat, error) {
	if chatID != nil {
		c, err := repo.GetChatForUser(ctx, userID, *chatID)
		if err == nil {
			return c, nil
		}
		if errors.Is(err, gorm.ErrRecordNotFound) {
			trail.Error("Chat with id %d not found for user %d.", *chatID, userID)
			return nil, common.NotFound(detailChatNotFound)
		}
		return nil, s.internal(trail, "resolve chat", err)
	}

	title := "Chat " + s.now().UTC().Format("2006-01-02 15:04:05")
	c := &Chat{UserID: userID, Title: &title}
	if err := repo.CreateChat(ctx, c); err != nil {
		return nil, s.internal(trail, "create chat", err)
	}
	trail.Info("Created new chat %d for user %d.", c.ID, userID)
	return c, nil
}

func (s *Service) internal(trail *audit.Trail, op string, err error) *common.Error {
	trail.Error("%s: %v", op, err)
	return common.Internal("An unexpected error occurred: "+err.Error(), fmt.Errorf("%s: %w", op, err))
}

func validateExchange(req *ExchangeRequest) error {
	return validation.ValidateStruct(req,
		validation.Field(&req.Message,
			validation.Required,
			validation.By(notBlank),
		),
		validation.Field(&req.UserID, validation.Required),
	)
}

func notBlank(value interface{}) error {
	s, _ := value.(string)
	if strings.TrimSpace(s) == "" {
		return errors.New("cannot be blank")
	}
	return nil
}

// upstreamError maps provider failures onto HTTP-facing errors.
func upstreamError(err error) *common.Error {
	var upErr *ai.UpstreamError
	switch {
	case errors.Is(err, ai.ErrMissingAPIKey), errors.Is(err, ai.ErrMissingAPIURL):
		return common.Configuration(detailMissingKey)
	case errors.Is(err, ai.ErrTimeout):
		return common.New(http.StatusGatewayTimeout, common.CodeUpstreamTimeout, detailTimeout, err)
	case errors.Is(err, ai.ErrUnauthorized):
		return common.New(http.StatusUnauthorized, common.CodeUpstreamUnauthorized, detailUnauthorized, err)
	case errors.Is(err, ai.ErrInvalidResponse):
		return common.New(http.StatusInternalServerError, common.CodeUpstreamInvalidResponse, detailBadReply, err)
	case errors.As(err, &upErr):
		if upErr.Status == 0 {
			return common.New(http.StatusInternalServerError, common.CodeUpstreamError,
				fmt.Sprintf("Error communicating with OpenRouter API: %v", upErr.Err), err)
		}
		if upErr.Body == "" {
			return common.New(upErr.Status, common.CodeUpstreamError,
				fmt.Sprintf("Error communicating with OpenRouter API: status %d", upErr.Status), err)
		}
		return common.New(upErr.Status, common.CodeUpstreamError,
			fmt.Sprintf("Error from OpenRouter API (%d): %s", upErr.Status, upErr.Body), err)
	default:
		return common.Internal("An unexpected error occurred: "+err.Error(), err)
	}
}

func toProviderMessages(history []Message) []ai.Message {
	out := make([]ai.Message, 0, len(history))
	for _, m := range history {
		out = append(out, ai.Message{Role: m.SenderType, Content: m.Content})
	}
	return out
}

// preview keeps audit rows bounded; the full text lives in messages.
func preview(msg string) string {
	r := []rune(msg)
	if len(r) <= auditPreviewRunes {
		return msg
	}
	return fmt.Sprintf("%s... (%d chars)", string(r[:auditPreviewRunes]), len(r))
}

func chatLockKey(chatID uint64) string {
	return "chat:" + strconv.FormatUint(chatID, 10)
}

// Read side. These run outside a unit of work.

func (s *Service) ListChats(ctx context.Context, userID uint64, limit int) ([]Chat, error) {
	chats, err := s.repo.ListChats(ctx, userID, limit)
	if err != nil {
		return nil, common.Internal("An unexpected error occurred: "+err.Error(), err)
	}
	return chats, nil
}

func (s *Service) ListMessages(ctx context.Context, userID, chatID uint64) ([]Message, error) {
	msgs, err := s.repo.ListMessages(ctx, userID, chatID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, common.NotFound(detailChatNotFound)
		}
		return nil, common.Internal("An unexpected error occurred: "+err.Error(), err)
	}
	return msgs, nil
}

func (s *Service) DeleteChat(ctx context.Context, userID, chatID uint64) error {
	unlock, err := s.locker.Lock(ctx, chatLockKey(chatID))
	if err != nil {
		return common.Internal("An unexpected error occurred: "+err.Error(), err)
	}
	defer unlock()

	trail := audit.NewTrail(s.log.With("user_id", userID))
	defer s.recorder.Flush(ctx, trail)

	if err := s.repo.DeleteChat(ctx, userID, chatID); err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			trail.Error("Chat with id %d not found for user %d.", chatID, userID)
			return common.NotFound(detailChatNotFound)
		}
		trail.Error("delete chat %d: %v", chatID, err)
		return common.Internal("An unexpected error occurred: "+err.Error(), err)
	}
	trail.Info("Deleted chat %d for user %d.", chatID, userID)
	return nil
}

func (s *Service) Usage(ctx context.Context, userID uint64) (*UsageSummary, error) {
	sum, err := s.repo.UsageTotal(ctx, userID)
	if err != nil {
		return nil, common.Internal("An unexpected error occurred: "+err.Error(), err)
	}
	return sum, nil
}
