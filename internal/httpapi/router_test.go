package httpapi

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/suPer8Hu/chat-proxy/internal/ai"
	"github.com/suPer8Hu/chat-proxy/internal/audit"
	"github.com/suPer8Hu/chat-proxy/internal/chat"
	"github.com/suPer8Hu/chat-proxy/internal/db/dbtest"
	"github.com/suPer8Hu/chat-proxy/internal/httpapi/handlers"
	"github.com/suPer8Hu/chat-proxy/internal/models"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type testEnv struct {
	router *gin.Engine
	db     *gorm.DB
}

func newTestEnv(t *testing.T, upstream http.HandlerFunc, cfg ai.Config) *testEnv {
	t.Helper()
	srv := httptest.NewServer(upstream)
	t.Cleanup(srv.Close)

	if cfg.APIURL == "" {
		cfg.APIURL = srv.URL
	}
	if cfg.APIKey == "" {
		cfg.APIKey = "sk-test"
	}
	cfg.Model = "openrouter/auto"

	gdb := dbtest.Open(t)
	svc := chat.NewService(
		chat.NewRepo(gdb),
		ai.NewOpenRouterClient(cfg),
		chat.NewLocalLocker(),
		audit.NewRecorder(audit.NewDBSink(gdb), nil),
		nil,
	)
	r := NewRouter(RouterConfig{
		Handler:     handlers.NewHandler(gdb, svc, nil),
		ServiceName: "chat-proxy-test",
	})
	return &testEnv{router: r, db: gdb}
}

func replyWith(reply string, tokens int) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, `{"choices":[{"message":{"role":"assistant","content":%q}}],"usage":{"total_tokens":%d}}`, reply, tokens)
	}
}

func (e *testEnv) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	e.router.ServeHTTP(rec, req)
	return rec
}

func (e *testEnv) count(t *testing.T, model any) int64 {
	t.Helper()
	var n int64
	require.NoError(t, e.db.Model(model).Count(&n).Error)
	return n
}

func TestRoot(t *testing.T) {
	env := newTestEnv(t, replyWith("x", 0), ai.Config{})

	rec := env.do(t, http.MethodGet, "/", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"message":"Chat API is running. POST to /api/v1/chat with a message."}`, rec.Body.String())
	assert.NotEmpty(t, rec.Header().Get("X-Request-ID"))

	rec = env.do(t, http.MethodGet, "/healthz", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok"}`, rec.Body.String())

	rec = env.do(t, http.MethodGet, "/nope", nil)
	require.Equal(t, http.StatusNotFound, rec.Code)
	assert.JSONEq(t, `{"detail":"Not Found"}`, rec.Body.String())
}

func TestChat_HelloRoundTrip(t *testing.T) {
	env := newTestEnv(t, replyWith("Hi there", 12), ai.Config{})

	rec := env.do(t, http.MethodPost, "/api/v1/chat", gin.H{"message": "Hello", "user_id": 1})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var resp struct {
		Reply         string  `json:"reply"`
		ChatID        uint64  `json:"chat_id"`
		UserMessageID uint64  `json:"user_message_id"`
		AIMessageID   uint64  `json:"ai_message_id"`
		Error         *string `json:"error"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "Hi there", resp.Reply)
	assert.NotZero(t, resp.ChatID)
	assert.Nil(t, resp.Error)
	assert.Less(t, resp.UserMessageID, resp.AIMessageID)

	var usage []models.Usage
	require.NoError(t, env.db.Find(&usage).Error)
	require.Len(t, usage, 1)
	assert.Equal(t, uint64(1), usage[0].UserID)
	assert.Equal(t, 12, usage[0].TokensUsed)

	var msgs []chat.Message
	require.NoError(t, env.db.Order("id ASC").Find(&msgs).Error)
	require.Len(t, msgs, 2)
	assert.Equal(t, chat.SenderUser, msgs[0].SenderType)
	assert.Equal(t, chat.SenderAI, msgs[1].SenderType)

	rec = env.do(t, http.MethodGet, fmt.Sprintf("/api/v1/users/1/chats/%d/messages", resp.ChatID), nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var listed struct {
		Messages []chat.Message `json:"messages"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &listed))
	require.Len(t, listed.Messages, 2)
	assert.Equal(t, "Hello", listed.Messages[0].Content)

	rec = env.do(t, http.MethodGet, "/api/v1/users/1/usage", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"user_id":1,"tokens_used":12,"exchanges":1}`, rec.Body.String())
}

func TestChat_DefaultsToUserOne(t *testing.T) {
	env := newTestEnv(t, replyWith("ok", 1), ai.Config{})

	rec := env.do(t, http.MethodPost, "/api/v1/chat", gin.H{"message": "no user given"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var u models.User
	require.NoError(t, env.db.First(&u, 1).Error)
	assert.Equal(t, "user_1", u.Username)
}

func TestChat_UpstreamTimeout(t *testing.T) {
	release := make(chan struct{})
	slow := func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}
	env := newTestEnv(t, slow, ai.Config{Timeout: 50 * time.Millisecond})
	defer close(release)

	rec := env.do(t, http.MethodPost, "/api/v1/chat", gin.H{"message": "Hello", "user_id": 1})
	require.Equal(t, http.StatusGatewayTimeout, rec.Code)
	assert.JSONEq(t, `{"detail":"Request to OpenRouter API timed out."}`, rec.Body.String())

	assert.Zero(t, env.count(t, &chat.Message{}))
	assert.Zero(t, env.count(t, &chat.Chat{}))
	assert.Zero(t, env.count(t, &models.Usage{}))

	var errorLogs int64
	require.NoError(t, env.db.Model(&models.Log{}).Where("level = ?", audit.LevelError).Count(&errorLogs).Error)
	assert.NotZero(t, errorLogs, "failure must leave an audit row")
}

func TestChat_ErrorStatuses(t *testing.T) {
	t.Run("validation", func(t *testing.T) {
		env := newTestEnv(t, replyWith("x", 0), ai.Config{})
		rec := env.do(t, http.MethodPost, "/api/v1/chat", gin.H{"message": "  "})
		assert.Equal(t, http.StatusBadRequest, rec.Code)
		rec = env.do(t, http.MethodPost, "/api/v1/chat", "not an object")
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("unknown chat", func(t *testing.T) {
		env := newTestEnv(t, replyWith("x", 0), ai.Config{})
		rec := env.do(t, http.MethodPost, "/api/v1/chat", gin.H{"message": "hi", "user_id": 1, "chat_id": 999})
		assert.Equal(t, http.StatusNotFound, rec.Code)
		assert.Zero(t, env.count(t, &models.User{}))
	})

	t.Run("upstream rejects key", func(t *testing.T) {
		env := newTestEnv(t, func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusUnauthorized)
		}, ai.Config{})
		rec := env.do(t, http.MethodPost, "/api/v1/chat", gin.H{"message": "hi"})
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
		assert.JSONEq(t, `{"detail":"Authentication error with OpenRouter API. Check your API key."}`, rec.Body.String())
	})

	t.Run("upstream status passes through", func(t *testing.T) {
		env := newTestEnv(t, func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte("overloaded"))
		}, ai.Config{})
		rec := env.do(t, http.MethodPost, "/api/v1/chat", gin.H{"message": "hi"})
		assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
		assert.JSONEq(t, `{"detail":"Error from OpenRouter API (503): overloaded"}`, rec.Body.String())
	})

	t.Run("empty reply", func(t *testing.T) {
		env := newTestEnv(t, replyWith("", 4), ai.Config{})
		rec := env.do(t, http.MethodPost, "/api/v1/chat", gin.H{"message": "hi"})
		assert.Equal(t, http.StatusInternalServerError, rec.Code)
		assert.Zero(t, env.count(t, &chat.Message{}))
	})
}

func TestChats_ListAndDelete(t *testing.T) {
	env := newTestEnv(t, replyWith("ok", 2), ai.Config{})

	rec := env.do(t, http.MethodPost, "/api/v1/chat", gin.H{"message": "first", "user_id": 3})
	require.Equal(t, http.StatusOK, rec.Code)
	var created struct {
		ChatID uint64 `json:"chat_id"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &created))

	rec = env.do(t, http.MethodGet, "/api/v1/users/3/chats", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var listed struct {
		Chats []chat.Chat `json:"chats"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &listed))
	require.Len(t, listed.Chats, 1)
	assert.Equal(t, created.ChatID, listed.Chats[0].ID)

	rec = env.do(t, http.MethodDelete, fmt.Sprintf("/api/v1/users/4/chats/%d", created.ChatID), nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = env.do(t, http.MethodDelete, fmt.Sprintf("/api/v1/users/3/chats/%d", created.ChatID), nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Zero(t, env.count(t, &chat.Message{}))

	rec = env.do(t, http.MethodGet, "/api/v1/users/abc/chats", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}
