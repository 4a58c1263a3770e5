package errors

import (
	"fmt"
	"runtime"
	"strings"
	"time"
)

// ErrorCode 错误码类型
type ErrorCode int

// 错误码定义（按模块分组）
const (
	// 通用错误 (1000-1999)
	ErrUnknown        ErrorCode = 1000
	ErrInvalidParam   ErrorCode = 1001
	ErrNotFound       ErrorCode = 1002
	ErrTimeout        ErrorCode = 1003
	ErrCanceled       ErrorCode = 1004
	ErrNotImplemented ErrorCode = 1005

	// 帧编解码错误 (2000-2999)
	ErrCodecMalformed   ErrorCode = 2000
	ErrCodecChecksum    ErrorCode = 2001
	ErrCodecPayloadSize ErrorCode = 2002
	ErrCodecUnknownType ErrorCode = 2003

	// 串口链路错误 (3000-3999)
	ErrLinkPortOpen       ErrorCode = 3000
	ErrLinkWriteFailed    ErrorCode = 3001
	ErrLinkReadFailed     ErrorCode = 3002
	ErrLinkDisconnected   ErrorCode = 3003
	ErrLinkNotConnected   ErrorCode = 3004
	ErrLinkWriteQueueFull ErrorCode = 3005

	// 指令调度错误 (4000-4999)
	ErrCommandTimeout     ErrorCode = 4000
	ErrCommandInFlight    ErrorCode = 4001
	ErrCommandResendLimit ErrorCode = 4002

	// 事件总线错误 (5000-5999)
	ErrBusOverflow ErrorCode = 5000
	ErrBusClosed   ErrorCode = 5001

	// 控制状态机错误 (6000-6999)
	ErrControlInvalidEvent ErrorCode = 6000
	ErrControlStateError   ErrorCode = 6001

	// 配置错误 (7000-7999)
	ErrConfigLoad     ErrorCode = 7000
	ErrConfigParse    ErrorCode = 7001
	ErrConfigValidate ErrorCode = 7002
	ErrConfigMissing  ErrorCode = 7003

	// 遥测/调试接口错误 (8000-8999)
	ErrTelemetryConnect ErrorCode = 8000
	ErrTelemetryPublish ErrorCode = 8001
)

// 错误码消息映射
var errorMessages = map[ErrorCode]string{
	// 通用错误
	ErrUnknown:        "未知错误",
	ErrInvalidParam:   "无效的参数",
	ErrNotFound:       "资源未找到",
	ErrTimeout:        "操作超时",
	ErrCanceled:       "操作已取消",
	ErrNotImplemented: "功能未实现",

	// 帧编解码错误
	ErrCodecMalformed:   "帧格式错误",
	ErrCodecChecksum:    "校验和不匹配",
	ErrCodecPayloadSize: "负载长度超出限制",
	ErrCodecUnknownType: "未知的数据类型",

	// 串口链路错误
	ErrLinkPortOpen:     "串口打开失败",
	ErrLinkWriteFailed:  "串口写入失败",
	ErrLinkReadFailed:   "串口读取失败",
	ErrLinkDisconnected:   "串口链路已断开",
	ErrLinkNotConnected:   "串口链路未连接",
	ErrLinkWriteQueueFull: "写入队列已满",

	// 指令调度错误
	ErrCommandTimeout:     "指令确认超时",
	ErrCommandInFlight:    "该外设已有指令在途",
	ErrCommandResendLimit: "指令重发次数已用尽",

	// 事件总线错误
	ErrBusOverflow: "事件总线已满，事件被丢弃",
	ErrBusClosed:   "事件总线已关闭",

	// 控制状态机错误
	ErrControlInvalidEvent: "当前状态不接受该事件",
	ErrControlStateError:   "控制状态异常",

	// 配置错误
	ErrConfigLoad:     "配置加载失败",
	ErrConfigParse:    "配置解析失败",
	ErrConfigValidate: "配置验证失败",
	ErrConfigMissing:  "配置项缺失",

	// 遥测/调试接口错误
	ErrTelemetryConnect: "MQTT连接失败",
	ErrTelemetryPublish: "MQTT发布失败",
}

// AppError 应用错误结构
type AppError struct {
	Code    ErrorCode    `json:"code"`              // 错误码
	Message string       `json:"message"`           // 错误消息
	Details string       `json:"details"`           // 详细信息
	Cause   error        `json:"-"`                 // 原始错误
	Stack   []StackFrame `json:"stack,omitempty"` // 调用栈
}

// StackFrame 调用栈帧
type StackFrame struct {
	Function string `json:"function"`
	File     string `json:"file"`
	Line     int    `json:"line"`
}

// Error 实现error接口
func (e *AppError) Error() string {
	if e.Details != "" {
		return fmt.Sprintf("[%d] %s: %s", e.Code, e.Message, e.Details)
	}
	return fmt.Sprintf("[%d] %s", e.Code, e.Message)
}

// Unwrap 返回原始错误
func (e *AppError) Unwrap() error {
	return e.Cause
}

// WithDetails 添加详细信息
func (e *AppError) WithDetails(details string) *AppError {
	e.Details = details
	return e
}

// WithCause 添加原因错误
func (e *AppError) WithCause(cause error) *AppError {
	e.Cause = cause
	if cause != nil && e.Details == "" {
		e.Details = cause.Error()
	}
	return e
}

// New 创建新的应用错误
func New(code ErrorCode, details ...string) *AppError {
	message, ok := errorMessages[code]
	if !ok {
		message = errorMessages[ErrUnknown]
	}

	err := &AppError{
		Code:    code,
		Message: message,
	}

	if len(details) > 0 {
		err.Details = strings.Join(details, "; ")
	}

	// 捕获调用栈
	err.captureStack(2)

	return err
}

// Newf 创建格式化的应用错误
func Newf(code ErrorCode, format string, args ...interface{}) *AppError {
	details := fmt.Sprintf(format, args...)
	return New(code, details)
}

// Wrap 包装错误
func Wrap(err error, code ErrorCode, details ...string) *AppError {
	if err == nil {
		return nil
	}

	// 如果已经是AppError，保留原始错误码
	if appErr, ok := err.(*AppError); ok {
		if len(details) > 0 {
			appErr.Details = strings.Join(details, "; ") + "; " + appErr.Details
		}
		return appErr
	}

	appErr := New(code, details...)
	appErr.Cause = err
	if appErr.Details == "" {
		appErr.Details = err.Error()
	}

	return appErr
}

// Wrapf 包装格式化错误
func Wrapf(err error, code ErrorCode, format string, args ...interface{}) *AppError {
	details := fmt.Sprintf(format, args...)
	return Wrap(err, code, details)
}

// Is 判断错误是否为指定错误码
func Is(err error, code ErrorCode) bool {
	if err == nil {
		return false
	}

	appErr, ok := err.(*AppError)
	return ok && appErr.Code == code
}

// GetCode 获取错误码
func GetCode(err error) ErrorCode {
	if err == nil {
		return 0
	}

	if appErr, ok := err.(*AppError); ok {
		return appErr.Code
	}

	return ErrUnknown
}

// captureStack 捕获调用栈
func (e *AppError) captureStack(skip int) {
	pcs := make([]uintptr, 32)
	n := runtime.Callers(skip+1, pcs)

	if n > 0 {
		frames := runtime.CallersFrames(pcs[:n])
		for {
			frame, more := frames.Next()

			// 跳过runtime和本包的调用
			if strings.Contains(frame.Function, "runtime.") ||
				strings.Contains(frame.Function, "github.com/wfunc/egg-collector/internal/errors") {
				if !more {
					break
				}
				continue
			}

			e.Stack = append(e.Stack, StackFrame{
				Function: frame.Function,
				File:     frame.File,
				Line:     frame.Line,
			})

			if !more {
				break
			}

			// 只保留前10个栈帧
			if len(e.Stack) >= 10 {
				break
			}
		}
	}
}

// GetStack 获取格式化的调用栈
func (e *AppError) GetStack() string {
	if len(e.Stack) == 0 {
		return ""
	}

	var builder strings.Builder
	for i, frame := range e.Stack {
		builder.WriteString(fmt.Sprintf("%d. %s\n   %s:%d\n",
			i+1, frame.Function, frame.File, frame.Line))
	}

	return builder.String()
}

// HTTPStatus 返回对应的HTTP状态码，供调试接口使用
func (e *AppError) HTTPStatus() int {
	switch {
	case e.Code == ErrInvalidParam:
		return 400 // Bad Request
	case e.Code == ErrNotFound:
		return 404 // Not Found
	case e.Code == ErrTimeout || e.Code == ErrCommandTimeout:
		return 408 // Request Timeout
	case e.Code >= 7000 && e.Code <= 7999:
		return 500 // Internal Server Error（配置错误导致服务不可用）
	case e.Code >= 3000 && e.Code <= 3999:
		return 503 // Service Unavailable（串口链路不可用）
	default:
		return 500 // Internal Server Error
	}
}

// IsRetryable 判断错误是否可重试
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}

	code := GetCode(err)
	switch code {
	case ErrTimeout,
		ErrCommandTimeout,
		ErrLinkDisconnected,
		ErrLinkNotConnected,
		ErrLinkReadFailed,
		ErrLinkWriteFailed,
		ErrLinkWriteQueueFull:
		return true
	default:
		return false
	}
}

// IsCritical 判断是否为严重错误，严重错误应当中止启动或停止引擎
func IsCritical(err error) bool {
	if err == nil {
		return false
	}

	code := GetCode(err)
	switch code {
	case ErrLinkPortOpen,
		ErrConfigLoad,
		ErrConfigMissing,
		ErrConfigValidate:
		return true
	default:
		return false
	}
}

// ErrorResponse API错误响应结构
type ErrorResponse struct {
	Success   bool      `json:"success"`
	Error     *AppError `json:"error,omitempty"`
	RequestID string    `json:"request_id,omitempty"`
	Timestamp int64     `json:"timestamp"`
}

// NewErrorResponse 创建错误响应
func NewErrorResponse(err *AppError, requestID string) *ErrorResponse {
	return &ErrorResponse{
		Success:   false,
		Error:     err,
		RequestID: requestID,
		Timestamp: time.Now().Unix(),
	}
}
