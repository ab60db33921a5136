// Package errors 定义舰队内统一的错误分类。每个错误码带有默认的严重程度、
// 是否可重试以及是否需要告警，调用方按错误码而非错误文本做分支判断。
package errors

import (
	stdErrors "errors"
	"fmt"
	"sync"
)

// Code 表示一类可被调用方区分处理的失败。
type Code string

// Severity 描述错误的严重程度，用于告警和审计。
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

const (
	CodeUnknown             Code = "UNKNOWN"
	CodeTransientRPC        Code = "TRANSIENT_RPC"
	CodeInsufficientFunds   Code = "INSUFFICIENT_FUNDS"
	CodeTxReverted          Code = "TX_REVERTED"
	CodeNonceConflict       Code = "NONCE_CONFLICT"
	CodeConfiguration       Code = "CONFIGURATION_ERROR"
	CodeStaleSnapshot       Code = "STALE_SNAPSHOT"
	CodeTxTimeout           Code = "TX_TIMEOUT"
	CodeEndpointUnreachable Code = "ENDPOINT_UNREACHABLE"
	CodePendingInFlight     Code = "PENDING_IN_FLIGHT"
	CodeAgentErrored        Code = "AGENT_ERRORED"
	CodeStorageFailure      Code = "STORAGE_FAILURE"
	CodeKeyReleased         Code = "KEY_RELEASED"
)

// Attributes 为错误码提供默认行为。
type Attributes struct {
	Message   string
	Severity  Severity
	Retryable bool
	Alert     bool
}

var (
	registryMu sync.RWMutex
	registry   = map[Code]Attributes{
		CodeUnknown:             {Message: "unknown error", Severity: SeverityCritical, Alert: true},
		CodeTransientRPC:        {Message: "transient rpc failure", Severity: SeverityWarning, Retryable: true},
		CodeInsufficientFunds:   {Message: "insufficient funds", Severity: SeverityCritical, Alert: true},
		CodeTxReverted:          {Message: "transaction reverted", Severity: SeverityInfo},
		CodeNonceConflict:       {Message: "nonce conflict", Severity: SeverityWarning, Retryable: true},
		CodeConfiguration:       {Message: "invalid configuration", Severity: SeverityCritical},
		CodeStaleSnapshot:       {Message: "market snapshot is stale", Severity: SeverityWarning, Retryable: true},
		CodeTxTimeout:           {Message: "transaction not mined in time", Severity: SeverityCritical, Alert: true},
		CodeEndpointUnreachable: {Message: "rpc endpoint unreachable", Severity: SeverityCritical, Alert: true},
		CodePendingInFlight:     {Message: "agent already has a pending transaction", Severity: SeverityInfo},
		CodeAgentErrored:        {Message: "agent is in errored state", Severity: SeverityWarning},
		CodeStorageFailure:      {Message: "storage failure", Severity: SeverityCritical, Retryable: true, Alert: true},
		CodeKeyReleased:         {Message: "signing key already released", Severity: SeverityCritical},
	}
)

// Register 允许业务模块在初始化阶段注册新的错误码描述。
func Register(code Code, attr Attributes) {
	registryMu.Lock()
	defer registryMu.Unlock()
	registry[code] = attr
}

// AttributesOf 返回错误码对应的属性。若未注册则返回 UNKNOWN 的属性。
func AttributesOf(code Code) Attributes {
	registryMu.RLock()
	defer registryMu.RUnlock()
	if attr, ok := registry[code]; ok {
		return attr
	}
	return registry[CodeUnknown]
}

// Error 是舰队内统一的错误类型。
type Error struct {
	code      Code
	message   string
	cause     error
	metadata  map[string]string
	retryable *bool
	alert     *bool
}

// Option 定义可选配置。
type Option func(*Error)

// WithMetadata 附加额外信息，例如 agent、tx hash。
func WithMetadata(key, value string) Option {
	return func(e *Error) {
		if e.metadata == nil {
			e.metadata = make(map[string]string)
		}
		e.metadata[key] = value
	}
}

// WithRetryable 覆盖错误码默认的可重试属性。
func WithRetryable(retryable bool) Option {
	return func(e *Error) {
		e.retryable = &retryable
	}
}

// WithAlert 覆盖错误码默认的告警属性。
func WithAlert(alert bool) Option {
	return func(e *Error) {
		e.alert = &alert
	}
}

// New 创建一个新的错误实例。
func New(code Code, message string, opts ...Option) *Error {
	if message == "" {
		message = AttributesOf(code).Message
	}
	e := &Error{code: code, message: message}
	for _, opt := range opts {
		if opt != nil {
			opt(e)
		}
	}
	return e
}

// Wrap 在已有错误外包裹统一错误类型。
func Wrap(code Code, cause error, message string, opts ...Option) *Error {
	e := New(code, message, opts...)
	e.cause = cause
	return e
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	if e.cause != nil {
		return fmt.Sprintf("[%s] %s: %v", e.code, e.message, e.cause)
	}
	return fmt.Sprintf("[%s] %s", e.code, e.message)
}

func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.cause
}

// Is 允许通过 errors.Is 按错误码比较。
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if e == nil || !ok || t == nil {
		return false
	}
	return e.code == t.code
}

// Code 返回错误码。
func (e *Error) Code() Code {
	if e == nil {
		return CodeUnknown
	}
	return e.code
}

// Message 返回错误信息。
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
	clone := make(map[string]string, len(e.metadata))
	for k, v := range e.metadata {
		clone[k] = v
	}
	return clone
}

// Retryable 判断是否可重试。
func (e *Error) Retryable() bool {
	if e == nil {
		return false
	}
	if e.retryable != nil {
		return *e.retryable
	}
	return AttributesOf(e.code).Retryable
}

// ShouldAlert 判断是否需要告警。
func (e *Error) ShouldAlert() bool {
	if e == nil {
		return false
	}
	if e.alert != nil {
		return *e.alert
	}
	return AttributesOf(e.code).Alert
}

// Severity 返回错误严重程度。
func (e *Error) Severity() Severity {
	if e == nil {
		return SeverityInfo
	}
	return AttributesOf(e.code).Severity
}

// From 尝试从 error 链中解析统一错误类型。
func From(err error) (*Error, bool) {
	if err == nil {
		return nil, false
	}
	var target *Error
	if stdErrors.As(err, &target) {
		return target, true
	}
	return nil, false
}

// CodeOf 返回错误对应的错误码，非统一错误返回 UNKNOWN。
func CodeOf(err error) Code {
	if e, ok := From(err); ok {
		return e.Code()
	}
	return CodeUnknown
}

// IsCode 判断错误链中是否包含指定错误码。
func IsCode(err error, code Code) bool {
	if err == nil {
		return false
	}
	return stdErrors.Is(err, &Error{code: code})
}

// RetryableError 判断任意 error 是否可重试。
func RetryableError(err error) bool {
	if e, ok := From(err); ok {
		return e.Retryable()
	}
	return false
}

// ShouldAlert 判断是否需要触发告警。
func ShouldAlert(err error) bool {
	if e, ok := From(err); ok {
		return e.ShouldAlert()
	}
	return false
}
