package authority

import (
	"fmt"

	"github.com/annel0/kmp-host/internal/errs"
)

// Reason машиночитаемая причина отказа
type Reason uint16

const (
	ReasonNone Reason = iota
	NotOwner
	RateLimited
	OutOfRange
	InsufficientResource
	Expired
	Invalid
	NotFound
	Invulnerable
)

func (r Reason) String() string {
	switch r {
	case NotOwner:
		return "NotOwner"
	case RateLimited:
		return "RateLimited"
	case OutOfRange:
		return "OutOfRange"
	case InsufficientResource:
		return "InsufficientResource"
	case Expired:
		return "Expired"
	case Invalid:
		return "Invalid"
	case NotFound:
		return "NotFound"
	case Invulnerable:
		return "Invulnerable"
	default:
		return "None"
	}
}

// ErrKind класс ошибки для таксономии errs
func (r Reason) ErrKind() errs.Kind {
	switch r {
	case NotFound, InsufficientResource:
		return errs.Resource
	case Expired, Invulnerable:
		return errs.State
	default:
		return errs.Validation
	}
}

// Rejection отказ в применении команды. Состояние при этом не меняется.
type Rejection struct {
	Reason  Reason `json:"reason"`
	Message string `json:"message"`
}

func (r *Rejection) Error() string {
	return fmt.Sprintf("%s: %s", r.Reason, r.Message)
}

// AsError переводит отказ в ошибку таксономии
func (r *Rejection) AsError() error {
	return errs.New(r.Reason.ErrKind(), uint16(r.Reason), r.Message)
}

// Reject строит Outcome с отказом
func Reject(reason Reason, format string, args ...interface{}) Outcome {
	return Outcome{Rejection: &Rejection{Reason: reason, Message: fmt.Sprintf(format, args...)}}
}
