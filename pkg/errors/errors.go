package errors

import (
	"errors"
	"fmt"
)

// ErrorCode 错误码类型
type ErrorCode string

const (
	CodeInvalidInput   ErrorCode = "INVALID_INPUT"
	CodeNotFound       ErrorCode = "NOT_FOUND"
	CodeAlreadyExists  ErrorCode = "ALREADY_EXISTS"
	CodeUnauthorized   ErrorCode = "UNAUTHORIZED"
	CodeForbidden      ErrorCode = "FORBIDDEN"
	CodeInternal       ErrorCode = "INTERNAL_ERROR"
	CodeServiceUnavail ErrorCode = "SERVICE_UNAVAILABLE"

	// 生成管道错误码
	CodeBackendRejected  ErrorCode = "BACKEND_REJECTED"  // SSE terminal frame: error/rejected/harmful/timeout
	CodeBackendTransport ErrorCode = "BACKEND_TRANSPORT" // connection or decode failure
	CodeDecryptFailed    ErrorCode = "DECRYPT_FAILED"    // logged only; chunk forwarded undecrypted
	CodeCanceled         ErrorCode = "CANCELED"          // client aborted
)

// AppError 应用错误
type AppError struct {
	Code    ErrorCode
	Message string
	Err     error
}

// Error 实现 error 接口
func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap 实现 errors.Unwrap
func (e *AppError) Unwrap() error {
	return e.Err
}

// NewInvalidInputError 创建无效输入错误
func NewInvalidInputError(message string) *AppError {
	return &AppError{
		Code:    CodeInvalidInput,
		Message: message,
	}
}

// NewNotFoundError 创建未找到错误
func NewNotFoundError(message string) *AppError {
	return &AppError{
		Code:    CodeNotFound,
		Message: message,
	}
}

// NewInternalError 创建内部错误
func NewInternalError(message string) *AppError {
	return &AppError{
		Code:    CodeInternal,
		Message: message,
	}
}

// NewInternalErrorWithCause 创建带原因的内部错误
func NewInternalErrorWithCause(message string, cause error) *AppError {
	return &AppError{
		Code:    CodeInternal,
		Message: message,
		Err:     cause,
	}
}

// NewBackendRejectedError 创建后端拒绝错误 (非可重试)
func NewBackendRejectedError(kind, message string) *AppError {
	if message == "" {
		message = "backend terminated the stream"
	}
	return &AppError{
		Code:    CodeBackendRejected,
		Message: fmt.Sprintf("%s: %s", kind, message),
	}
}

// NewBackendTransportError 创建后端传输错误
func NewBackendTransportError(message string, cause error) *AppError {
	return &AppError{
		Code:    CodeBackendTransport,
		Message: message,
		Err:     cause,
	}
}

// NewCanceledError 创建取消错误
func NewCanceledError(cause error) *AppError {
	return &AppError{
		Code:    CodeCanceled,
		Message: "request canceled",
		Err:     cause,
	}
}

// IsNotFound 判断是否为未找到错误
func IsNotFound(err error) bool {
	return hasCode(err, CodeNotFound)
}

// IsInvalidInput 判断是否为无效输入错误
func IsInvalidInput(err error) bool {
	return hasCode(err, CodeInvalidInput)
}

// IsBackendRejected 判断是否为后端拒绝错误
func IsBackendRejected(err error) bool {
	return hasCode(err, CodeBackendRejected)
}

// IsBackendTransport 判断是否为后端传输错误
func IsBackendTransport(err error) bool {
	return hasCode(err, CodeBackendTransport)
}

// IsCanceled 判断是否为取消错误
func IsCanceled(err error) bool {
	return hasCode(err, CodeCanceled)
}

func hasCode(err error, code ErrorCode) bool {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Code == code
	}
	return false
}
