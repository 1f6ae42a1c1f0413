package server

import (
	"net/http"
	"time"

	"github.com/alapierre/go-cfdi-proxy/internal/proxy"
	"github.com/alapierre/go-cfdi-proxy/sat"
	"github.com/go-faster/jx"
	"github.com/sirupsen/logrus"
)

// kindStatus maps every error kind to its HTTP status.
var kindStatus = map[sat.Kind]int{
	sat.KindInvalidCredentialFormat: http.StatusUnauthorized,
	sat.KindWrongCredentialClass:    http.StatusUnauthorized,
	sat.KindCredentialExpired:       http.StatusUnauthorized,
	sat.KindAuthenticationFailed:    http.StatusUnauthorized,
	sat.KindValidation:              http.StatusUnprocessableEntity,
	sat.KindQueryFailed:             http.StatusBadRequest,
	sat.KindDownloadFailed:          http.StatusBadRequest,
	sat.KindVerificationFailed:      http.StatusBadRequest,
	sat.KindPerItemFetchFailed:      http.StatusBadRequest,
	sat.KindUpstreamUnavailable:     http.StatusServiceUnavailable,
	sat.KindInternal:                http.StatusInternalServerError,
}

func statusOf(k sat.Kind) int {
	if s, ok := kindStatus[k]; ok {
		return s
	}
	return http.StatusInternalServerError
}

func write(w http.ResponseWriter, status int, e *jx.Encoder) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if _, err := e.WriteTo(w); err != nil {
		logger.WithError(err).Debug("response write failed")
	}
}

// respond writes a success envelope. data may be nil.
func respond(w http.ResponseWriter, status int, data func(e *jx.Encoder), messages []string, failures []proxy.Failure) {
	var e jx.Encoder
	e.Obj(func(e *jx.Encoder) {
		e.Field("success", func(e *jx.Encoder) { e.Bool(true) })
		if data != nil {
			e.Field("data", data)
		}
		if len(failures) > 0 {
			e.Field("failures", func(e *jx.Encoder) {
				e.Arr(func(e *jx.Encoder) {
					for _, f := range failures {
						writeFailure(e, f)
					}
				})
			})
		}
		if len(messages) > 0 {
			e.Field("messages", func(e *jx.Encoder) { writeStrings(e, messages) })
		}
	})
	write(w, status, &e)
}

func writeFailure(e *jx.Encoder, f proxy.Failure) {
	e.Obj(func(e *jx.Encoder) {
		e.Field("scope", func(e *jx.Encoder) { e.Str(f.Scope) })
		e.Field("kind", func(e *jx.Encoder) { e.Str(f.Kind.String()) })
		if f.Code != "" {
			e.Field("code", func(e *jx.Encoder) { e.Str(f.Code) })
		}
		e.Field("message", func(e *jx.Encoder) { e.Str(f.Message) })
	})
}

// writeMessage answers with a general error outside of the Server, e.g. in middleware.
func writeMessage(w http.ResponseWriter, status int, msg string) {
	var e jx.Encoder
	e.Obj(func(e *jx.Encoder) {
		e.Field("success", func(e *jx.Encoder) { e.Bool(false) })
		e.Field("errors", func(e *jx.Encoder) {
			e.Obj(func(e *jx.Encoder) {
				e.Field("general", func(e *jx.Encoder) { writeStrings(e, []string{msg}) })
			})
		})
	})
	write(w, status, &e)
}

func (s *Server) respondMessage(w http.ResponseWriter, status int, msg string) {
	writeMessage(w, status, msg)
}

// respondError maps err to its status and a caller safe body. Internal errors keep
// their detail out of the body in production.
func (s *Server) respondError(w http.ResponseWriter, r *http.Request, err error) {
	e := sat.AsError(err)
	status := statusOf(e.Kind)

	entry := logger.WithFields(logrus.Fields{
		"kind":       e.Kind.String(),
		"status":     status,
		"request_id": requestID(r),
	})
	if e.Code != "" {
		entry = entry.WithField("code", e.Code)
	}
	if status >= 500 {
		entry.WithError(err).Error("request failed")
	} else {
		entry.WithError(err).Info("request rejected")
	}

	msg := e.Message
	if e.Kind == sat.KindInternal {
		msg = "internal server error"
		if !s.config.Production() {
			msg = err.Error()
		}
	}

	var enc jx.Encoder
	enc.Obj(func(enc *jx.Encoder) {
		enc.Field("success", func(enc *jx.Encoder) { enc.Bool(false) })
		enc.Field("errors", func(enc *jx.Encoder) {
			enc.Obj(func(enc *jx.Encoder) {
				if len(e.Fields) > 0 {
					for _, name := range e.FieldNames() {
						enc.Field(name, func(enc *jx.Encoder) { writeStrings(enc, e.Fields[name]) })
					}
					return
				}
				enc.Field("general", func(enc *jx.Encoder) { writeStrings(enc, []string{msg}) })
			})
		})
		enc.Field("error_code", func(enc *jx.Encoder) { enc.Str(e.Kind.String()) })
		if e.Code != "" {
			enc.Field("remote_code", func(enc *jx.Encoder) { enc.Str(e.Code) })
		}
		if len(e.Fields) > 0 {
			enc.Field("messages", func(enc *jx.Encoder) { writeStrings(enc, []string{msg}) })
		}
	})
	write(w, status, &enc)
}

func writeStrings(e *jx.Encoder, values []string) {
	e.Arr(func(e *jx.Encoder) {
		for _, v := range values {
			e.Str(v)
		}
	})
}

func writeTime(e *jx.Encoder, name string, t time.Time) {
	if t.IsZero() {
		e.Field(name, func(e *jx.Encoder) { e.Null() })
		return
	}
	e.Field(name, func(e *jx.Encoder) { e.Str(t.Format("2006-01-02 15:04:05")) })
}

func writeMetadata(e *jx.Encoder, m *sat.DocumentMetadata) {
	e.Obj(func(e *jx.Encoder) {
		e.Field("uuid", func(e *jx.Encoder) { e.Str(m.UUID) })
		e.Field("issuer_rfc", func(e *jx.Encoder) { e.Str(m.IssuerRFC) })
		e.Field("issuer_name", func(e *jx.Encoder) { e.Str(m.IssuerName) })
		e.Field("receiver_rfc", func(e *jx.Encoder) { e.Str(m.ReceiverRFC) })
		e.Field("receiver_name", func(e *jx.Encoder) { e.Str(m.ReceiverName) })
		e.Field("pac_rfc", func(e *jx.Encoder) { e.Str(m.PACRFC) })
		writeTime(e, "issued_at", m.IssuedAt)
		writeTime(e, "certified_at", m.CertifiedAt)
		e.Field("total", func(e *jx.Encoder) { e.Str(m.Total.StringFixed(2)) })
		e.Field("effect_type", func(e *jx.Encoder) { e.Str(m.EffectType) })
		e.Field("status", func(e *jx.Encoder) { e.Str(m.Status) })
		e.Field("cancellation_status", func(e *jx.Encoder) { e.Str(m.CancellationStatus) })
		writeTime(e, "cancelled_at", m.CancelledAt)
		e.Field("resources", func(e *jx.Encoder) {
			e.Arr(func(e *jx.Encoder) {
				for _, k := range sat.AllResourceKinds {
					if m.Has(k) {
						e.Str(k.String())
					}
				}
			})
		})
	})
}

func writeFile(e *jx.Encoder, f sat.ResourceFile) {
	e.Obj(func(e *jx.Encoder) {
		e.Field("uuid", func(e *jx.Encoder) { e.Str(f.UUID) })
		e.Field("type", func(e *jx.Encoder) { e.Str(f.Kind.String()) })
		e.Field("filename", func(e *jx.Encoder) { e.Str(f.FileName()) })
		e.Field("content_type", func(e *jx.Encoder) { e.Str(f.Kind.ContentType()) })
		e.Field("size", func(e *jx.Encoder) { e.Int(f.Size()) })
		e.Field("content", func(e *jx.Encoder) { e.Base64(f.Content) })
		if f.Metadata != nil {
			e.Field("metadata", func(e *jx.Encoder) { writeMetadata(e, f.Metadata) })
		}
	})
}

func respondFiles(w http.ResponseWriter, files []sat.ResourceFile, messages []string, failures []proxy.Failure) {
	respond(w, http.StatusOK, func(e *jx.Encoder) {
		e.Obj(func(e *jx.Encoder) {
			e.Field("count", func(e *jx.Encoder) { e.Int(len(files)) })
			e.Field("files", func(e *jx.Encoder) {
				e.Arr(func(e *jx.Encoder) {
					for _, f := range files {
						writeFile(e, f)
					}
				})
			})
		})
	}, messages, failures)
}
