package cerr

import (
	"errors"
	"fmt"
)

// Governance sentinels. Errors produced by the constructors below wrap exactly
// one of them so callers can branch with errors.Is.
var (
	ErrInvalidBudget         = errors.New("invalid budget")
	ErrBudgetExhausted       = errors.New("budget exhausted")
	ErrPhaseGate             = errors.New("phase gate closed")
	ErrImmutabilityViolation = errors.New("immutability violation")
	ErrUnknownModel          = errors.New("unknown model")
	ErrNotFound              = errors.New("not found")
)

var kinds = []struct {
	sentinel error
	name     string
}{
	{ErrBudgetExhausted, "BudgetExhausted"},
	{ErrPhaseGate, "PhaseGateError"},
	{ErrImmutabilityViolation, "ImmutabilityViolation"},
	{ErrInvalidBudget, "InvalidBudgetError"},
	{ErrUnknownModel, "UnknownModelError"},
	{ErrNotFound, "NotFoundError"},
}

func InvalidBudget(format string, args ...any) *Error {
	return NewError(InvalidArgument, fmt.Sprintf(format, args...), ErrInvalidBudget)
}

func BudgetExhausted(format string, args ...any) *Error {
	return NewError(ResourceExhausted, fmt.Sprintf(format, args...), ErrBudgetExhausted)
}

func PhaseGate(format string, args ...any) *Error {
	return NewError(FailedPrecondition, fmt.Sprintf(format, args...), ErrPhaseGate)
}

func ImmutabilityViolation(format string, args ...any) *Error {
	return NewError(FailedPrecondition, fmt.Sprintf(format, args...), ErrImmutabilityViolation)
}

func UnknownModel(model string) *Error {
	return NewError(InvalidArgument, fmt.Sprintf("model %q is not in the pricing table", model), ErrUnknownModel)
}

func NotFoundf(format string, args ...any) *Error {
	return NewError(NotFound, fmt.Sprintf(format, args...), ErrNotFound)
}

// KindOf names the error kind shown to operators. Errors outside the
// governance taxonomy are named after their code.
func KindOf(err error) string {
	if err == nil {
		return ""
	}
	for _, k := range kinds {
		if errors.Is(err, k.sentinel) {
			return k.name
		}
	}
	switch code := CodeOf(err); code {
	case NotFound:
		return "NotFoundError"
	case Unknown:
		return "Error"
	default:
		return kindName(code)
	}
}

// IsGovernance reports whether err is an expected governance refusal rather
// than a bug or bad input.
func IsGovernance(err error) bool {
	return errors.Is(err, ErrBudgetExhausted) ||
		errors.Is(err, ErrPhaseGate) ||
		errors.Is(err, ErrImmutabilityViolation)
}

func kindName(c Code) string {
	name := []byte(c.String())
	out := make([]byte, 0, len(name))
	upper := true
	for _, b := range name {
		if b == '_' {
			upper = true
			continue
		}
		if upper && b >= 'a' && b <= 'z' {
			b -= 'a' - 'A'
		}
		upper = false
		out = append(out, b)
	}
	return string(out)
}
