package auth

import "context"

type operatorKey struct{}

// anonymousOperator 用于鉴权关闭时的审计与日志字段。
const anonymousOperator = "anonymous"

// WithSubject attaches an authenticated operator to ctx. A nil subject leaves ctx untouched.
func WithSubject(ctx context.Context, subject *Subject) context.Context {
	if subject == nil {
		return ctx
	}
	subject.normalise()
	return context.WithValue(ctx, operatorKey{}, subject)
}

// SubjectFromContext returns the operator attached by the middleware, or nil.
func SubjectFromContext(ctx context.Context) *Subject {
	if ctx == nil {
		return nil
	}
	subject, _ := ctx.Value(operatorKey{}).(*Subject)
	return subject
}

// OperatorName 返回上下文中的运营方名称，未鉴权时为 "anonymous"。
func OperatorName(ctx context.Context) string {
	if subject := SubjectFromContext(ctx); subject != nil && subject.Name != "" {
		return subject.Name
	}
	return anonymousOperator
}
