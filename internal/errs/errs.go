// Package errs задаёт таксономию ошибок сервера. Каждая ошибка несёт Kind,
// машиночитаемый код и человекочитаемое сообщение для клиента.
package errs

import (
	"errors"
	"fmt"
)

// Kind классифицирует ошибку по способу обработки
type Kind uint8

const (
	KindUnknown Kind = iota
	// Network: соединение отклонено или таймаут
	Network
	// Auth: неверные учётные данные или просроченный токен
	Auth
	// Validation: некорректная или выходящая за границы команда
	Validation
	// Version: несовпадение протокола или хеша мира
	Version
	// State: конфликтующее или устаревшее состояние, нужен resync
	State
	// Resource: отсутствует сущность или предмет
	Resource
	// Internal: непредвиденная ошибка сервера
	Internal
)

func (k Kind) String() string {
	switch k {
	case Network:
		return "Network"
	case Auth:
		return "Auth"
	case Validation:
		return "Validation"
	case Version:
		return "Version"
	case State:
		return "State"
	case Resource:
		return "Resource"
	case Internal:
		return "Internal"
	default:
		return "Unknown"
	}
}

// Error ошибка с классификацией
type Error struct {
	Kind    Kind
	Code    uint16
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s(%d): %s: %v", e.Kind, e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s(%d): %s", e.Kind, e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// New создаёт ошибку без причины
func New(kind Kind, code uint16, msg string) *Error {
	return &Error{Kind: kind, Code: code, Message: msg}
}

// Newf создаёт ошибку с форматированным сообщением
func Newf(kind Kind, code uint16, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Code: code, Message: fmt.Sprintf(format, args...)}
}

// Wrap оборачивает err, сохраняя цепочку для errors.Is/As
func Wrap(kind Kind, err error, msg string) *Error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Message: msg, Err: err}
}

// KindOf возвращает Kind первой классифицированной ошибки в цепочке
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

// Is сообщает, относится ли err к kind
func Is(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

// Message возвращает сообщение для пользователя. Для неклассифицированных ошибок
// детали не раскрываются.
func Message(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Message
	}
	return "internal server error"
}
