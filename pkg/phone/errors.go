package phone

import (
	"errors"
	"fmt"
	"time"
)

// ErrorCategory категория ошибки софтфона
type ErrorCategory string

const (
	ErrorCategoryConfig       ErrorCategory = "CONFIG"
	ErrorCategoryRegistration ErrorCategory = "REGISTRATION"
	ErrorCategoryConnection   ErrorCategory = "CONNECTION"
	ErrorCategoryCall         ErrorCategory = "CALL"
	ErrorCategoryMedia        ErrorCategory = "MEDIA"
	ErrorCategoryState        ErrorCategory = "STATE"
)

// String возвращает строковое представление категории
func (c ErrorCategory) String() string {
	return string(c)
}

// Error структурированная ошибка софтфона.
// Сравнение через errors.Is выполняется по коду.
type Error struct {
	Code        string        `json:"code"`
	Message     string        `json:"message"`
	Category    ErrorCategory `json:"category"`
	Retryable   bool          `json:"retryable"`
	UserVisible bool          `json:"user_visible"`
	Timestamp   time.Time     `json:"timestamp"`
	Cause       error         `json:"cause,omitempty"`
}

// Error реализует интерфейс error
func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s:%s] %s: %v", e.Category, e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s:%s] %s", e.Category, e.Code, e.Message)
}

// Unwrap позволяет использовать errors.Is и errors.As для причины
func (e *Error) Unwrap() error {
	return e.Cause
}

// Is сравнивает ошибки по коду
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Code == e.Code
}

// WithCause возвращает копию ошибки с причиной
func (e *Error) WithCause(cause error) *Error {
	cp := *e
	cp.Cause = cause
	cp.Timestamp = time.Now()
	return &cp
}

func newError(code, message string, category ErrorCategory, retryable, userVisible bool) *Error {
	return &Error{
		Code:        code,
		Message:     message,
		Category:    category,
		Retryable:   retryable,
		UserVisible: userVisible,
	}
}

var (
	// ErrInvalidConfig неверная конфигурация или учетные данные. Не повторяется.
	ErrInvalidConfig = newError("INVALID_CONFIG", "неверная конфигурация", ErrorCategoryConfig, false, true)
	// ErrRegistrationFailed отказ регистрации, повторяется до исчерпания попыток
	ErrRegistrationFailed = newError("REGISTRATION_FAILED", "регистрация не удалась", ErrorCategoryRegistration, true, false)
	// ErrConnectionFailed попытки подключения исчерпаны
	ErrConnectionFailed = newError("CONNECTION_FAILED", "не удалось подключиться", ErrorCategoryConnection, false, true)
	// ErrConnectionLost регистрация потеряна во время вызова
	ErrConnectionLost = newError("CONNECTION_LOST", "соединение потеряно", ErrorCategoryConnection, true, true)
	// ErrNotRegistered операция требует регистрации
	ErrNotRegistered = newError("NOT_REGISTERED", "нет регистрации", ErrorCategoryState, false, true)
	// ErrCallInProgress уже есть активный вызов
	ErrCallInProgress = newError("CALL_IN_PROGRESS", "вызов уже выполняется", ErrorCategoryState, false, true)
	// ErrInvalidNumber пустой номер
	ErrInvalidNumber = newError("INVALID_NUMBER", "неверный номер", ErrorCategoryCall, false, true)
	// ErrCallFailed вызов не состоялся
	ErrCallFailed = newError("CALL_FAILED", "вызов не состоялся", ErrorCategoryCall, false, true)
	// ErrMediaUnavailable нет доступа к локальному аудио
	ErrMediaUnavailable = newError("MEDIA_UNAVAILABLE", "аудио недоступно", ErrorCategoryMedia, false, true)
	// ErrAlreadyActive в процессе уже есть открытый Phone
	ErrAlreadyActive = newError("ALREADY_ACTIVE", "софтфон уже запущен", ErrorCategoryState, false, false)
	// ErrClosed Phone закрыт
	ErrClosed = newError("CLOSED", "софтфон закрыт", ErrorCategoryState, false, false)
)

// IsRetryable проверяет, будет ли операция повторена автоматически
func IsRetryable(err error) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Retryable
	}
	return false
}

// IsUserVisible проверяет, следует ли показать ошибку пользователю
func IsUserVisible(err error) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.UserVisible
	}
	return false
}

// Category возвращает категорию ошибки или пустую строку
func Category(err error) ErrorCategory {
	var e *Error
	if errors.As(err, &e) {
		return e.Category
	}
	return ""
}
