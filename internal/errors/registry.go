package errors

import "sync"

// Code 是跨模块统一的错误码，HTTP 响应与告警都以它为准。
type Code string

// Severity 决定告警级别。
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// Class 是错误的处理分类，决定调用方是否可以重试。
type Class string

const (
	// ClassValidation 表示请求或凭证格式错误，永不重试。
	ClassValidation Class = "validation"
	// ClassPolicy 表示价格不符、预算超限、重放等策略拒绝，对本次请求是终局结果。
	ClassPolicy Class = "policy"
	// ClassTransient 表示对端超时、链上确认未完成等暂时性失败，仅允许调用方有限重试。
	ClassTransient Class = "transient"
	// ClassFatal 表示签名密钥缺失、价目表损坏等致命错误，操作直接中止。
	ClassFatal Class = "fatal"
)

// Attributes 是错误码的默认行为。
type Attributes struct {
	Message  string
	Class    Class
	Severity Severity
	Alert    bool
}

// Retryable 仅暂时性错误可以重试。
func (a Attributes) Retryable() bool {
	return a.Class == ClassTransient
}

const (
	CodeUnknown               Code = "UNKNOWN"
	CodeInvalidArgument       Code = "INVALID_ARGUMENT"
	CodeNotFound              Code = "NOT_FOUND"
	CodeConflict              Code = "CONFLICT"
	CodeInitializationFailure Code = "INITIALIZATION_FAILURE"
	CodeStorageFailure        Code = "STORAGE_FAILURE"
	CodeQueueFailure          Code = "QUEUE_FAILURE"
	CodeTimeout               Code = "TIMEOUT"
)

// 各业务包在 init 中注册自己的错误码，之后只读。
var codes = struct {
	sync.RWMutex
	attrs map[Code]Attributes
}{attrs: map[Code]Attributes{
	CodeUnknown:               {Message: "unknown error", Class: ClassFatal, Severity: SeverityCritical, Alert: true},
	CodeInvalidArgument:       {Message: "invalid argument", Class: ClassValidation, Severity: SeverityInfo},
	CodeNotFound:              {Message: "resource not found", Class: ClassValidation, Severity: SeverityInfo},
	CodeConflict:              {Message: "resource conflict", Class: ClassPolicy, Severity: SeverityWarning},
	CodeInitializationFailure: {Message: "service not initialized", Class: ClassFatal, Severity: SeverityCritical, Alert: true},
	CodeStorageFailure:        {Message: "storage failure", Class: ClassTransient, Severity: SeverityCritical, Alert: true},
	CodeQueueFailure:          {Message: "queue failure", Class: ClassTransient, Severity: SeverityCritical, Alert: true},
	CodeTimeout:               {Message: "operation timed out", Class: ClassTransient, Severity: SeverityWarning, Alert: true},
}}

// Register adds or replaces the default attributes of code.
func Register(code Code, attr Attributes) {
	codes.Lock()
	codes.attrs[code] = attr
	codes.Unlock()
}

// AttributesOf returns the registered attributes, falling back to UNKNOWN.
func AttributesOf(code Code) Attributes {
	codes.RLock()
	defer codes.RUnlock()
	if attr, ok := codes.attrs[code]; ok {
		return attr
	}
	return codes.attrs[CodeUnknown]
}
