package sat

import (
	"context"
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"
)

var logger = logrus.WithField("component", "sat")

type rfcKey struct{}
type operationKey struct{}

// Context attaches the taxpayer RFC of the current call, used only for log correlation.
func Context(ctx context.Context, rfc string) context.Context {
	return context.WithValue(ctx, rfcKey{}, rfc)
}

func ContextWithOperation(ctx context.Context, op string) context.Context {
	return context.WithValue(ctx, operationKey{}, op)
}

func RFCFromContext(ctx context.Context) (string, bool) {
	v, ok := ctx.Value(rfcKey{}).(string)
	return v, ok
}

func OperationFromContext(ctx context.Context) (string, bool) {
	v, ok := ctx.Value(operationKey{}).(string)
	return v, ok
}

// Logger returns entry enriched with the RFC and operation carried by ctx.
func Logger(ctx context.Context, entry *logrus.Entry) *logrus.Entry {
	if entry == nil {
		entry = logger
	}
	fields := logrus.Fields{}
	if rfc, ok := RFCFromContext(ctx); ok {
		fields["rfc"] = rfc
	}
	if op, ok := OperationFromContext(ctx); ok {
		fields["operation"] = op
	}
	if len(fields) == 0 {
		return entry
	}
	return entry.WithFields(fields)
}

var (
	ErrSessionExpired = errors.New("sat session is no longer alive")
	ErrEmptyResponse  = errors.New("sat returned an empty response")
)

// ApiError describes an HTTP level failure of a remote SAT endpoint.
type ApiError struct {
	Status  int    // HTTP status
	Body    []byte // fragment of the body, diagnostics only
	Message string
}

func (e *ApiError) Error() string {
	return fmt.Sprintf("SAT returns http status %d: %s", e.Status, e.Message)
}

// Temporary reports whether the remote side failed in a way a retry may fix.
func (e *ApiError) Temporary() bool {
	return e.Status >= 500
}
