package decision

import (
	"errors"
	"fmt"
)

// Class is the error taxonomy every rejected decision falls into.
type Class string

const (
	ClassSchema        Class = "SchemaError"
	ClassPolicy        Class = "PolicyViolation"
	ClassNormalization Class = "NormalizationError"
	ClassRisk          Class = "RiskDenied"
	ClassTransport     Class = "TransportError"
	ClassTerminal      Class = "TerminalViolation"
)

// Rule names the specific check that failed.
type Rule string

const (
	RuleMalformedJSON        Rule = "MalformedJSON"
	RuleSchema               Rule = "Schema"
	RuleActionNotAllowed     Rule = "ActionNotAllowed"
	RuleInvalidBracket       Rule = "InvalidBracket"
	RuleAmbiguousTarget      Rule = "AmbiguousTarget"
	RuleInvalidNumber        Rule = "InvalidNumber"
	RuleTerminalRequired     Rule = "TerminalRequired"
	RuleQtyBelowMinimum      Rule = "QtyBelowMinimum"
	RuleNotionalBelowMinimum Rule = "NotionalBelowMinimum"
	RuleInvalidPrice         Rule = "InvalidPrice"
)

type ValidationError struct {
	Class  Class
	Rule   Rule
	Field  string
	Detail string
}

func (e *ValidationError) Error() string {
	msg := fmt.Sprintf("%s/%s", e.Class, e.Rule)
	if e.Field != "" {
		msg += " field=" + e.Field
	}
	if e.Detail != "" {
		msg += ": " + e.Detail
	}
	return msg
}

// Is matches on Rule so callers can write errors.Is(err, ErrInvalidBracket).
func (e *ValidationError) Is(target error) bool {
	t, ok := target.(*ValidationError)
	if !ok {
		return false
	}
	return t.Rule == e.Rule
}

var (
	ErrMalformedJSON        = &ValidationError{Class: ClassSchema, Rule: RuleMalformedJSON}
	ErrSchema               = &ValidationError{Class: ClassSchema, Rule: RuleSchema}
	ErrActionNotAllowed     = &ValidationError{Class: ClassPolicy, Rule: RuleActionNotAllowed}
	ErrInvalidBracket       = &ValidationError{Class: ClassPolicy, Rule: RuleInvalidBracket}
	ErrAmbiguousTarget      = &ValidationError{Class: ClassSchema, Rule: RuleAmbiguousTarget}
	ErrInvalidNumber        = &ValidationError{Class: ClassSchema, Rule: RuleInvalidNumber}
	ErrTerminalRequired     = &ValidationError{Class: ClassTerminal, Rule: RuleTerminalRequired}
	ErrQtyBelowMinimum      = &ValidationError{Class: ClassNormalization, Rule: RuleQtyBelowMinimum}
	ErrNotionalBelowMinimum = &ValidationError{Class: ClassNormalization, Rule: RuleNotionalBelowMinimum}
	ErrInvalidPrice         = &ValidationError{Class: ClassNormalization, Rule: RuleInvalidPrice}
)

// NewError copies a sentinel's class and rule and attaches context.
func NewError(base *ValidationError, field, format string, args ...any) *ValidationError {
	return &ValidationError{Class: base.Class, Rule: base.Rule, Field: field, Detail: fmt.Sprintf(format, args...)}
}

// AsValidationError unwraps err into a *ValidationError if it carries one.
func AsValidationError(err error) (*ValidationError, bool) {
	var ve *ValidationError
	if errors.As(err, &ve) {
		return ve, true
	}
	return nil, false
}
