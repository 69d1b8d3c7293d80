package errors

import (
	stdErrors "errors"
	"maps"
)

// Error carries a Code plus optional per-instance overrides of the code's
// registered class and severity.
type Error struct {
	code     Code
	message  string
	cause    error
	metadata map[string]string
	class    Class
	severity Severity
}

// Option 调整单个错误实例。
type Option func(*Error)

// WithMetadata 附加键值信息，告警通知会一并带出。
func WithMetadata(key, value string) Option {
	return func(e *Error) {
		if e.metadata == nil {
			e.metadata = make(map[string]string, 1)
		}
		e.metadata[key] = value
	}
}

// WithClass 覆盖错误码注册的分类。
func WithClass(class Class) Option {
	return func(e *Error) { e.class = class }
}

// WithSeverity 覆盖错误码注册的严重程度。
func WithSeverity(sev Severity) Option {
	return func(e *Error) { e.severity = sev }
}

// New 创建错误；message 为空时使用注册的默认描述。
func New(code Code, message string, opts ...Option) *Error {
	e := &Error{code: code, message: message}
	if e.message == "" {
		e.message = AttributesOf(code).Message
	}
	for _, opt := range opts {
		if opt != nil {
			opt(e)
		}
	}
	return e
}

// Wrap 与 New 相同，同时保留 cause 以便 errors.Is/As 穿透。
func Wrap(code Code, cause error, message string, opts ...Option) *Error {
	e := New(code, message, opts...)
	e.cause = cause
	return e
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	text := "[" + string(e.code) + "] " + e.message
	if e.cause != nil {
		text += ": " + e.cause.Error()
	}
	return text
}

func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.cause
}

// Is 按错误码比较，因此 errors.Is(err, New(code, "")) 可用于判断错误码。
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && e != nil && t != nil && e.code == t.code
}

func (e *Error) Code() Code {
	if e == nil {
		return CodeUnknown
	}
	return e.code
}

func (e *Error) Message() string {
	if e == nil {
		return ""
	}
	return e.message
}

// Metadata 返回附加信息的副本。
func (e *Error) Metadata() map[string]string {
	if e == nil || len(e.metadata) == 0 {
		return nil
	}
	return maps.Clone(e.metadata)
}

// Class 优先返回实例覆盖值，否则按错误码查注册表。nil 视为致命。
func (e *Error) Class() Class {
	switch {
	case e == nil:
		return ClassFatal
	case e.class != "":
		return e.class
	default:
		return AttributesOf(e.code).Class
	}
}

func (e *Error) Retryable() bool {
	return e.Class() == ClassTransient
}

// ShouldAlert 致命错误总是告警，其余看错误码注册的 Alert 标记。
func (e *Error) ShouldAlert() bool {
	if e == nil {
		return false
	}
	return e.Class() == ClassFatal || AttributesOf(e.code).Alert
}

func (e *Error) Severity() Severity {
	switch {
	case e == nil:
		return SeverityInfo
	case e.severity != "":
		return e.severity
	default:
		return AttributesOf(e.code).Severity
	}
}

// From 在错误链中查找 *Error。
func From(err error) (*Error, bool) {
	var target *Error
	if err != nil && stdErrors.As(err, &target) {
		return target, true
	}
	return nil, false
}

// CodeOf 返回链上第一个 *Error 的错误码，找不到时为 UNKNOWN。
func CodeOf(err error) Code {
	e, _ := From(err)
	return e.Code()
}

// ClassOf 返回错误分类；普通 error 视为致命。
func ClassOf(err error) Class {
	e, _ := From(err)
	return e.Class()
}

// RetryableError 仅暂时性统一错误返回 true。
func RetryableError(err error) bool {
	e, ok := From(err)
	return ok && e.Retryable()
}

// ShouldAlert 普通 error 一律告警，nil 不告警。
func ShouldAlert(err error) bool {
	if e, ok := From(err); ok {
		return e.ShouldAlert()
	}
	return err != nil
}

// SeverityOf 返回错误严重程度，普通 error 按 UNKNOWN 处理。
func SeverityOf(err error) Severity {
	if e, ok := From(err); ok {
		return e.Severity()
	}
	return AttributesOf(CodeUnknown).Severity
}
