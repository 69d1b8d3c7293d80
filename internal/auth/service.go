package auth

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"fmt"
	"log/slog"
	"strings"

	xerrors "IntelMarket-Chain/internal/errors"
	"IntelMarket-Chain/pkg/logger"
)

// Service 负责运营接口的身份验证和授权。付费情报接口不经过这里，由付款凭证保护。
type Service struct {
	mode      Mode
	operators []operatorEntry
	audit     *slog.Logger
}

type operatorEntry struct {
	digest  [sha256.Size]byte
	subject *Subject
}

// NewService 构造身份认证服务实例。令牌只以摘要形式保存。
func NewService(cfg Config) (*Service, error) {
	mode := Mode(strings.ToLower(strings.TrimSpace(string(cfg.Mode))))
	if mode == "" {
		mode = ModeDisabled
	}
	svc := &Service{mode: mode, audit: logger.Audit()}

	switch mode {
	case ModeDisabled:
		return svc, nil
	case ModeToken:
	default:
		return nil, xerrors.New(xerrors.CodeInitializationFailure, fmt.Sprintf("unsupported auth mode: %s", cfg.Mode))
	}

	seen := make(map[[sha256.Size]byte]string, len(cfg.Operators))
	for _, op := range cfg.Operators {
		name := strings.TrimSpace(op.Name)
		token := strings.TrimSpace(op.Token)
		if name == "" || token == "" {
			return nil, xerrors.New(xerrors.CodeInitializationFailure, fmt.Sprintf("operator %q 缺少名称或令牌", op.Name))
		}
		digest := sha256.Sum256([]byte(token))
		if other, ok := seen[digest]; ok {
			return nil, xerrors.New(xerrors.CodeInitializationFailure, fmt.Sprintf("operator %s 与 %s 使用了相同的令牌", name, other))
		}
		seen[digest] = name
		subject := &Subject{Name: name, Permissions: append([]string(nil), op.Permissions...)}
		subject.normalise()
		svc.operators = append(svc.operators, operatorEntry{digest: digest, subject: subject})
	}
	if len(svc.operators) == 0 {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "token 模式至少需要一个 operator")
	}
	return svc, nil
}

// Mode 返回当前身份认证服务的工作模式。
func (s *Service) Mode() Mode {
	if s == nil {
		return ModeDisabled
	}
	return s.mode
}

// AuthenticateRequest 验证 Authorization 头并返回对应主体。
func (s *Service) AuthenticateRequest(_ context.Context, authorization string) (*Subject, error) {
	parts := strings.SplitN(strings.TrimSpace(authorization), " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") {
		return nil, ErrMissingToken
	}
	token := strings.TrimSpace(parts[1])
	if token == "" {
		return nil, ErrMissingToken
	}
	digest := sha256.Sum256([]byte(token))
	var matched *Subject
	// 遍历全部条目，耗时与匹配位置无关。
	for _, entry := range s.operators {
		if subtle.ConstantTimeCompare(digest[:], entry.digest[:]) == 1 {
			matched = entry.subject
		}
	}
	if matched == nil {
		return nil, ErrInvalidToken
	}
	return matched, nil
}
