package openai

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	xerrors "IntelMarket-Chain/internal/errors"
)

// CodeCompletionRejected 表示补全接口以 4xx 拒绝了请求，重试无意义。
const CodeCompletionRejected xerrors.Code = "LLM_COMPLETION_REJECTED"

func init() {
	xerrors.Register(CodeCompletionRejected, xerrors.Attributes{
		Message:  "completion request rejected by provider",
		Class:    xerrors.ClassFatal,
		Severity: xerrors.SeverityWarning,
		Alert:    true,
	})
}

const (
	defaultBaseURL   = "https://api.openai.com/v1"
	defaultModelName = "gpt-4o-mini"
	defaultTimeout   = 60 * time.Second
	defaultMaxTokens = 512

	// 付费情报要求稳定输出。
	analystTemperature = 0.2

	analystPrompt = "You are a paid intelligence analyst serving other software agents. " +
		"Answer concisely with concrete, verifiable statements and no preamble."
)

// Config 描述 OpenAI 兼容的 Chat Completions 接口。
type Config struct {
	APIKey       string
	BaseURL      string
	Model        string
	SystemPrompt string
	MaxTokens    int
	Timeout      time.Duration
}

// Client implements llm.Client on top of an OpenAI-compatible chat endpoint.
type Client struct {
	endpoint   string
	apiKey     string
	template   chatRequest
	httpClient *http.Client
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	Temperature float64       `json:"temperature"`
	MaxTokens   int           `json:"max_tokens,omitempty"`
}

type chatResponse struct {
	Choices []struct {
		Message chatMessage `json:"message"`
	} `json:"choices"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

// NewClient 校验配置并填充默认模型、地址与超时。
func NewClient(cfg Config) (*Client, error) {
	key := strings.TrimSpace(cfg.APIKey)
	if key == "" {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "未提供 OpenAI API Key")
	}
	base := strings.TrimRight(orDefault(cfg.BaseURL, defaultBaseURL), "/")
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	maxTokens := cfg.MaxTokens
	if maxTokens <= 0 {
		maxTokens = defaultMaxTokens
	}
	return &Client{
		endpoint: base + "/chat/completions",
		apiKey:   key,
		template: chatRequest{
			Model:       orDefault(cfg.Model, defaultModelName),
			Messages:    []chatMessage{{Role: "system", Content: orDefault(cfg.SystemPrompt, analystPrompt)}},
			Temperature: analystTemperature,
			MaxTokens:   maxTokens,
		},
		httpClient: &http.Client{Timeout: timeout},
	}, nil
}

// Complete 发送一次单轮对话。模型未给出候选时返回空字符串，由调用方决定是否视为错误。
func (c *Client) Complete(ctx context.Context, prompt string) (string, error) {
	req := c.template
	req.Messages = append(append([]chatMessage(nil), c.template.Messages...), chatMessage{Role: "user", Content: prompt})
	body, err := json.Marshal(req)
	if err != nil {
		return "", xerrors.Wrap(xerrors.CodeInvalidArgument, err, "序列化补全请求失败")
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return "", xerrors.Wrap(xerrors.CodeInitializationFailure, err, "构建补全请求失败")
	}
	httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return "", xerrors.Wrap(xerrors.CodeTimeout, err, "调用补全接口失败")
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", xerrors.Wrap(xerrors.CodeTimeout, err, "读取补全响应失败")
	}
	var decoded chatResponse
	decodeErr := json.Unmarshal(raw, &decoded)

	if resp.StatusCode >= http.StatusBadRequest {
		detail := strings.TrimSpace(string(raw))
		if decodeErr == nil && decoded.Error != nil && decoded.Error.Message != "" {
			detail = decoded.Error.Message
		}
		return "", classify(resp.StatusCode, detail)
	}
	if decodeErr != nil {
		return "", xerrors.Wrap(xerrors.CodeTimeout, decodeErr, "解析补全响应失败")
	}
	if len(decoded.Choices) == 0 {
		return "", nil
	}
	return strings.TrimSpace(decoded.Choices[0].Message.Content), nil
}

// classify 将限流与 5xx 视为可重试，其余 4xx 为不可重试的拒绝。
func classify(status int, detail string) error {
	if len(detail) > 256 {
		detail = detail[:256]
	}
	msg := fmt.Sprintf("补全接口返回 %d: %s", status, detail)
	if status == http.StatusTooManyRequests || status >= http.StatusInternalServerError {
		return xerrors.New(xerrors.CodeTimeout, msg)
	}
	return xerrors.New(CodeCompletionRejected, msg)
}

func orDefault(value, fallback string) string {
	if v := strings.TrimSpace(value); v != "" {
		return v
	}
	return fallback
}
