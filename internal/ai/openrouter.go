package ai

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

const DefaultTimeout = 30 * time.Second

type Config struct {
	APIURL  string
	APIKey  string
	Model   string
	SiteURL string
	AppName string
	Timeout time.Duration
}

type OpenRouterClient struct {
	cfg    Config
	Client *http.Client
}

type openRouterChatReq struct {
	Model    string    `json:"model"`
	Messages []Message `json:"messages"`
}

type openRouterChatResp struct {
	Choices []struct {
		Message *struct {
			Content *string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
	Usage *struct {
		TotalTokens int `json:"total_tokens"`
	} `json:"usage"`
}

func NewOpenRouterClient(cfg Config) *OpenRouterClient {
	cfg.APIURL = strings.TrimSpace(cfg.APIURL)
	cfg.APIKey = strings.TrimSpace(cfg.APIKey)
	cfg.Model = strings.TrimSpace(cfg.Model)
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	return &OpenRouterClient{
		cfg:    cfg,
		Client: &http.Client{Timeout: cfg.Timeout},
	}
}

func (p *OpenRouterClient) Validate() error {
	if p.cfg.APIKey == "" {
		return ErrMissingAPIKey
	}
	if p.cfg.APIURL == "" {
		return ErrMissingAPIURL
	}
	return nil
}

func (p *OpenRouterClient) Model() string { return p.cfg.Model }

func (p *OpenRouterClient) Complete(ctx context.Context, messages []Message) (out *Completion, err error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}
	if p.Client == nil {
		return nil, errors.New("openrouter: http client is nil")
	}

	ctx, span := otel.Tracer("chat-proxy/ai").Start(ctx, "openrouter.chat_completion")
	span.SetAttributes(
		attribute.String("llm.model", p.cfg.Model),
		attribute.Int("llm.messages", len(messages)),
	)
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		} else {
			span.SetAttributes(attribute.Int("llm.total_tokens", out.TokensUsed))
		}
		span.End()
	}()

	if messages == nil {
		messages = []Message{}
	}
	b, err := json.Marshal(openRouterChatReq{Model: p.cfg.Model, Messages: messages})
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.cfg.APIURL, bytes.NewReader(b))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+p.cfg.APIKey)
	if p.cfg.SiteURL != "" {
		req.Header.Set("HTTP-Referer", p.cfg.SiteURL)
	}
	if p.cfg.AppName != "" {
		req.Header.Set("X-Title", p.cfg.AppName)
	}

	resp, err := p.Client.Do(req)
	if err != nil {
		if isTimeout(err) {
			return nil, ErrTimeout
		}
		return nil, &UpstreamError{Err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		if isTimeout(err) {
			return nil, ErrTimeout
		}
		return nil, &UpstreamError{Status: resp.StatusCode, Err: err}
	}

	if resp.StatusCode == http.StatusUnauthorized {
		return nil, ErrUnauthorized
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg := strings.TrimSpace(string(body))
		if len(msg) > 4*1024 {
			msg = msg[:4*1024]
		}
		return nil, &UpstreamError{Status: resp.StatusCode, Body: msg}
	}

	var decoded openRouterChatResp
	if err := json.Unmarshal(body, &decoded); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidResponse, err)
	}
	if len(decoded.Choices) == 0 || decoded.Choices[0].Message == nil || decoded.Choices[0].Message.Content == nil {
		return nil, ErrInvalidResponse
	}
	reply := *decoded.Choices[0].Message.Content
	if reply == "" {
		return nil, ErrInvalidResponse
	}

	tokens := 0
	if decoded.Usage != nil && decoded.Usage.TotalTokens > 0 {
		tokens = decoded.Usage.TotalTokens
	}
	return &Completion{Reply: reply, TokensUsed: tokens}, nil
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}
