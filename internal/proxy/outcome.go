package proxy

import (
	"fmt"

	"github.com/alapierre/go-cfdi-proxy/sat"
)

// Failure is a part of an operation that failed while the operation as a whole
// succeeded.
type Failure struct {
	Scope   string
	Kind    sat.Kind
	Code    string
	Message string
}

// Outcome collects the informational messages and partial failures of one call. It
// is owned by a single goroutine; parallel stages fill their own and merge after join.
type Outcome struct {
	Messages []string
	Failures []Failure
}

func (o *Outcome) Note(format string, args ...any) {
	o.Messages = append(o.Messages, fmt.Sprintf(format, args...))
}

// Fail records err for scope. Only the caller safe part of err is kept.
func (o *Outcome) Fail(scope string, err error) {
	e := sat.AsError(err)
	o.Failures = append(o.Failures, Failure{Scope: scope, Kind: e.Kind, Code: e.Code, Message: e.Message})
	o.Messages = append(o.Messages, fmt.Sprintf("%s: %s", scope, e.Message))
}

func (o *Outcome) Merge(other Outcome) {
	o.Messages = append(o.Messages, other.Messages...)
	o.Failures = append(o.Failures, other.Failures...)
}
