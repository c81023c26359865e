package errors

import (
	stderrors "errors"
	"fmt"
	"strings"
)

// error codes
const (
	MalformedImage uint32 = iota + 1
	UnknownExport
	OrdinalOnlyExport
	CircularForwardChain
	LoadFailed
	SymbolNotFound
	InvalidSpec
)

var codeNames = map[uint32]string{
	MalformedImage:       "malformed image",
	UnknownExport:        "unknown export",
	OrdinalOnlyExport:    "ordinal-only export",
	CircularForwardChain: "circular forward chain",
	LoadFailed:           "load failed",
	SymbolNotFound:       "symbol not found",
	InvalidSpec:          "invalid forward spec",
}

// sentinels for errors.Is, matched by code only
var (
	ErrMalformedImage       = &ForwardError{Code: MalformedImage}
	ErrUnknownExport        = &ForwardError{Code: UnknownExport}
	ErrOrdinalOnlyExport    = &ForwardError{Code: OrdinalOnlyExport}
	ErrCircularForwardChain = &ForwardError{Code: CircularForwardChain}
	ErrLoadFailed           = &ForwardError{Code: LoadFailed}
	ErrSymbolNotFound       = &ForwardError{Code: SymbolNotFound}
	ErrInvalidSpec          = &ForwardError{Code: InvalidSpec}
)

// ForwardError is the single error type returned by the reader, the
// generators and the resolver.
type ForwardError struct {
	Code    uint32
	Library string
	Symbol  string
	Detail  string
	Cause   error
}

// CodeName returns the printable name of an error code.
func CodeName(code uint32) string {
	if name, ok := codeNames[code]; ok {
		return name
	}
	return fmt.Sprintf("code %d", code)
}

func (e *ForwardError) Error() string {
	var b strings.Builder
	b.WriteString(CodeName(e.Code))
	switch {
	case e.Library != "" && e.Symbol != "":
		fmt.Fprintf(&b, " [%s!%s]", e.Library, e.Symbol)
	case e.Library != "":
		fmt.Fprintf(&b, " [%s]", e.Library)
	case e.Symbol != "":
		fmt.Fprintf(&b, " [%s]", e.Symbol)
	}
	if e.Detail != "" {
		b.WriteString(": ")
		b.WriteString(e.Detail)
	}
	if e.Cause != nil {
		b.WriteString(": ")
		b.WriteString(e.Cause.Error())
	}
	return b.String()
}

func (e *ForwardError) Unwrap() error {
	return e.Cause
}

// Is matches any *ForwardError carrying the same code.
func (e *ForwardError) Is(target error) bool {
	t, ok := target.(*ForwardError)
	if !ok {
		return false
	}
	return e.Code == t.Code
}

// New creates a new ForwardError
func New(code uint32) *ForwardError {
	return &ForwardError{Code: code}
}

// Lib sets the library the error refers to.
func (e *ForwardError) Lib(name string) *ForwardError {
	e.Library = name
	return e
}

// Sym sets the symbol the error refers to.
func (e *ForwardError) Sym(name string) *ForwardError {
	e.Symbol = name
	return e
}

func (e *ForwardError) Detailf(format string, args ...any) *ForwardError {
	e.Detail = fmt.Sprintf(format, args...)
	return e
}

func (e *ForwardError) Wrap(cause error) *ForwardError {
	e.Cause = cause
	return e
}

// Malformed is shorthand for New(MalformedImage).Detailf(...).
func Malformed(format string, args ...any) *ForwardError {
	return New(MalformedImage).Detailf(format, args...)
}

// IsCode checks if an error has a specific error code
func IsCode(err error, code uint32) bool {
	return stderrors.Is(err, &ForwardError{Code: code})
}

// As returns the first ForwardError in err's chain.
func As(err error) (*ForwardError, bool) {
	var fe *ForwardError
	if stderrors.As(err, &fe) {
		return fe, true
	}
	return nil, false
}

// Code returns the code of the first ForwardError in err's chain, or 0.
func Code(err error) uint32 {
	if fe, ok := As(err); ok {
		return fe.Code
	}
	return 0
}
