package httpapi

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"

	"github.com/suPer8Hu/chat-proxy/internal/common"
	"github.com/suPer8Hu/chat-proxy/internal/httpapi/handlers"
	"github.com/suPer8Hu/chat-proxy/internal/httpapi/middleware"
	"github.com/suPer8Hu/chat-proxy/internal/logger"
)

type RouterConfig struct {
	Handler     *handlers.Handler
	Log         *logger.Logger
	CORSOrigins []string
	ServiceName string
}

func NewRouter(cfg RouterConfig) *gin.Engine {
	r := gin.New()
	r.HandleMethodNotAllowed = true
	r.Use(middleware.RequestID())
	r.Use(middleware.RequestLogger(cfg.Log))
	r.Use(middleware.Recovery(cfg.Log))
	r.Use(middleware.CORS(cfg.CORSOrigins))
	if cfg.ServiceName != "" {
		r.Use(otelgin.Middleware(cfg.ServiceName))
	}

	r.NoRoute(func(c *gin.Context) {
		common.Fail(c, http.StatusNotFound, "Not Found")
	})
	r.NoMethod(func(c *gin.Context) {
		common.Fail(c, http.StatusMethodNotAllowed, "Method Not Allowed")
	})

	h := cfg.Handler

	r.GET("/", h.Root)
	r.GET("/healthz", h.Healthz)

	v1 := r.Group("/api/v1")
	v1.POST("/chat", h.Chat)

	users := v1.Group("/users/:user_id")
	users.GET("/chats", h.ListChats)
	users.GET("/chats/:chat_id/messages", h.ListMessages)
	users.DELETE("/chats/:chat_id", h.DeleteChat)
	users.GET("/usage", h.Usage)

	return r
}
