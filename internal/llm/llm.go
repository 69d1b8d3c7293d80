package llm

import (
	"context"
	"strings"

	xerrors "IntelMarket-Chain/internal/errors"
)

// CodeEmptyCompletion 表示补全服务返回了空文本。
const CodeEmptyCompletion xerrors.Code = "LLM_EMPTY_COMPLETION"

func init() {
	xerrors.Register(CodeEmptyCompletion, xerrors.Attributes{
		Message:  "completion service returned empty text",
		Class:    xerrors.ClassTransient,
		Severity: xerrors.SeverityWarning,
		Alert:    true,
	})
}

// Client 是文本补全服务：输入提示词，输出文本，可能为空。
type Client interface {
	Complete(ctx context.Context, prompt string) (string, error)
}

// CompleteNonEmpty 调用补全服务并将空输出视为错误。
func CompleteNonEmpty(ctx context.Context, client Client, prompt string) (string, error) {
	if client == nil {
		return "", xerrors.New(xerrors.CodeInitializationFailure, "未配置补全服务")
	}
	text, err := client.Complete(ctx, prompt)
	if err != nil {
		return "", err
	}
	text = strings.TrimSpace(text)
	if text == "" {
		return "", xerrors.New(CodeEmptyCompletion, "")
	}
	return text, nil
}

// Func 允许使用普通函数实现 Client。
type Func func(ctx context.Context, prompt string) (string, error)

// Complete 实现 Client。
func (f Func) Complete(ctx context.Context, prompt string) (string, error) {
	return f(ctx, prompt)
}
