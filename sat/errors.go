package sat

import (
	"fmt"
	"sort"
	"strings"

	"github.com/go-faster/errors"
)

// Kind classifies every failure the proxy can report to a caller.
type Kind int

const (
	KindInternal Kind = iota
	KindInvalidCredentialFormat
	KindWrongCredentialClass
	KindCredentialExpired
	KindAuthenticationFailed
	KindQueryFailed
	KindDownloadFailed
	KindVerificationFailed
	KindPerItemFetchFailed
	KindValidation
	KindUpstreamUnavailable
)

var kindNames = map[Kind]string{
	KindInternal:                "internal_error",
	KindInvalidCredentialFormat: "invalid_credential_format",
	KindWrongCredentialClass:    "wrong_credential_class",
	KindCredentialExpired:       "credential_expired",
	KindAuthenticationFailed:    "authentication_failed",
	KindQueryFailed:             "query_failed",
	KindDownloadFailed:          "download_failed",
	KindVerificationFailed:      "verification_failed",
	KindPerItemFetchFailed:      "per_item_fetch_failed",
	KindValidation:              "validation_error",
	KindUpstreamUnavailable:     "upstream_unavailable",
}

func (k Kind) String() string {
	if s, ok := kindNames[k]; ok {
		return s
	}
	return kindNames[KindInternal]
}

// Credential reports whether the kind belongs to the credential validation family.
func (k Kind) Credential() bool {
	switch k {
	case KindInvalidCredentialFormat, KindWrongCredentialClass, KindCredentialExpired:
		return true
	}
	return false
}

// Error is the single error type crossing package boundaries. Message is safe to
// show to a caller; Err keeps the underlying cause for logs.
type Error struct {
	Kind    Kind
	Message string
	Code    string              // remote diagnostic code, when SAT supplied one
	Fields  map[string][]string // per field messages of a validation failure
	Err     error
}

func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString(e.Kind.String())
	if e.Message != "" {
		b.WriteString(": ")
		b.WriteString(e.Message)
	}
	if e.Code != "" {
		fmt.Fprintf(&b, " (code %s)", e.Code)
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() error { return e.Err }

func NewError(kind Kind, msg string) *Error {
	return &Error{Kind: kind, Message: msg}
}

func Errorf(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

func WrapError(err error, kind Kind, msg string) *Error {
	return &Error{Kind: kind, Message: msg, Err: err}
}

// NewRemoteError carries a diagnostic code and message reported by SAT.
func NewRemoteError(kind Kind, code, msg string) *Error {
	return &Error{Kind: kind, Code: code, Message: msg}
}

// NewValidationError builds a validation failure from per field messages.
func NewValidationError(fields map[string][]string) *Error {
	return &Error{Kind: KindValidation, Message: "the given data was invalid", Fields: fields}
}

// FieldError is a shortcut for a validation failure on a single field.
func FieldError(field, msg string) *Error {
	return NewValidationError(map[string][]string{field: {msg}})
}

// KindOf extracts the kind of err; unknown errors are internal.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// AsError returns the *Error in err's chain, wrapping unknown errors as internal.
func AsError(err error) *Error {
	var e *Error
	if errors.As(err, &e) {
		return e
	}
	return WrapError(err, KindInternal, "internal error")
}

// Reclassify keeps credential, validation and upstream failures as they are and
// wraps everything else into kind.
func Reclassify(err error, kind Kind, msg string) error {
	if err == nil {
		return nil
	}
	switch k := KindOf(err); {
	case k.Credential(), k == KindValidation, k == KindUpstreamUnavailable:
		return err
	case k == kind:
		return err
	}
	return WrapError(err, kind, msg)
}

// FieldNames lists the invalid fields in a stable order.
func (e *Error) FieldNames() []string {
	names := make([]string, 0, len(e.Fields))
	for k := range e.Fields {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}
