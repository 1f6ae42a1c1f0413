package bulk

import (
	"context"
	"strings"
	"time"

	"github.com/alapierre/go-cfdi-proxy/sat"
	"github.com/beevik/etree"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// MinPeriod is the shortest period SAT accepts for a request.
const MinPeriod = 2 * time.Second

// NoteForcedActive is returned by Normalize when the status filter was forced.
const NoteForcedActive = "document_status set to vigentes: SAT only serves active documents for received CFDI requests"

// Request is one bulk download request. When UUID is set the request asks for that
// single document and the period fields are ignored.
type Request struct {
	Start     time.Time
	End       time.Time
	Direction sat.Direction
	Content   sat.ContentKind
	// Status nil means no filter was given.
	Status       *sat.StatusFilter
	DocumentType string
	Complement   string
	Counterpart  string
	UUID         string
}

// Normalize validates r and returns the request as it will be sent, with a note for
// each adjustment made.
func (r Request) Normalize() (Request, []string, error) {
	fields := map[string][]string{}
	add := func(field, msg string) { fields[field] = append(fields[field], msg) }
	var notes []string

	if r.Content == 0 {
		r.Content = sat.ContentCFDI
	}

	if r.UUID != "" {
		id, err := uuid.Parse(r.UUID)
		if err != nil {
			add("uuid", "must be a valid UUID")
		} else {
			r.UUID = strings.ToUpper(id.String())
		}
	} else {
		switch {
		case r.Start.IsZero():
			add("start_date", "is required")
		case r.End.IsZero():
			add("end_date", "is required")
		case r.End.Sub(r.Start) < MinPeriod:
			add("end_date", "must be at least 2 seconds after start_date")
		}
		if r.Direction != sat.Issued && r.Direction != sat.Received {
			add("download_type", "must be emitidos or recibidos")
		}
	}

	if r.Direction == sat.Received && r.Content == sat.ContentCFDI && r.UUID == "" {
		switch {
		case r.Status == nil:
			active := sat.StatusActive
			r.Status = &active
			notes = append(notes, NoteForcedActive)
		case *r.Status != sat.StatusActive:
			add("document_status", "received CFDI requests only accept vigentes")
		}
	}

	if r.DocumentType != "" {
		t, err := sat.ParseDocumentType(r.DocumentType)
		if err != nil {
			add("document_type", "must be one of I, E, T, N, P")
		}
		r.DocumentType = t
	}
	if r.Counterpart != "" {
		r.Counterpart = strings.ToUpper(strings.TrimSpace(r.Counterpart))
		if !sat.ValidRFC(r.Counterpart) {
			add("rfc_match", "must be a valid RFC")
		}
	}

	if len(fields) > 0 {
		return r, nil, sat.NewValidationError(fields)
	}
	return r, notes, nil
}

// Submit registers r with SAT and returns the bulk request id.
func (c *Client) Submit(ctx context.Context, r Request) (string, error) {
	r, _, err := r.Normalize()
	if err != nil {
		return "", err
	}

	op := opFolio
	if r.UUID == "" {
		op = submitOps[r.Direction]
	}
	doc, sol := c.solicitud(op, r)
	if err := signEnveloped(c.identity, sol); err != nil {
		return "", sat.WrapError(err, sat.KindInternal, "bulk request could not be signed")
	}

	answer, err := c.call(ctx, c.endpoints.Request, op, doc, sat.KindQueryFailed, true)
	if err != nil {
		return "", err
	}
	el, err := result(answer, op, sat.KindQueryFailed)
	if err != nil {
		return "", err
	}
	id := el.SelectAttrValue("IdSolicitud", "")
	if id == "" {
		return "", sat.NewRemoteError(sat.KindQueryFailed, el.SelectAttrValue("CodEstatus", ""), "SAT accepted the request without an id")
	}

	sat.Logger(ctx, logger).WithFields(logrus.Fields{
		"request_id": id,
		"direction":  r.Direction,
		"service":    c.service,
	}).Info("bulk request submitted")
	return id, nil
}

func (c *Client) solicitud(op operation, r Request) (*etree.Document, *etree.Element) {
	doc, wrapper := newEnvelope(op)
	sol := wrapper.CreateElement("des:solicitud")
	self := c.identity.RFC

	if r.UUID != "" {
		sol.CreateAttr("Folio", r.UUID)
		sol.CreateAttr("RfcSolicitante", self)
		return doc, sol
	}

	sol.CreateAttr("FechaFinal", r.End.Format(timeFmt))
	sol.CreateAttr("FechaInicial", r.Start.Format(timeFmt))
	sol.CreateAttr("RfcSolicitante", self)
	sol.CreateAttr("TipoSolicitud", r.Content.RemoteValue())
	if r.DocumentType != "" {
		sol.CreateAttr("TipoComprobante", r.DocumentType)
	}
	if r.Status != nil && r.Status.BulkValue() != "" {
		sol.CreateAttr("EstadoComprobante", r.Status.BulkValue())
	}
	if r.Complement != "" {
		sol.CreateAttr("Complemento", r.Complement)
	}

	switch r.Direction {
	case sat.Issued:
		sol.CreateAttr("RfcEmisor", self)
		if r.Counterpart != "" {
			sol.CreateElement("des:RfcReceptores").CreateElement("des:RfcReceptor").SetText(r.Counterpart)
		}
	case sat.Received:
		sol.CreateAttr("RfcReceptor", self)
		if r.Counterpart != "" {
			sol.CreateAttr("RfcEmisor", r.Counterpart)
		}
	}
	return doc, sol
}
