package bulk

import (
	"context"
	"strconv"
	"strings"

	"github.com/alapierre/go-cfdi-proxy/sat"
	"github.com/sirupsen/logrus"
)

// Verification is the state of a bulk request as reported by SAT.
type Verification struct {
	Status sat.BulkStatus
	// StatusCode is CodigoEstadoSolicitud, the reason behind rejected or failed requests.
	StatusCode string
	Message    string
	PackageIDs []string
	CFDICount  int
}

// Ready reports whether packages can be fetched.
func (v *Verification) Ready() bool {
	return v.Status == sat.BulkFinished && len(v.PackageIDs) > 0
}

// Verify asks SAT for the state of requestID.
func (c *Client) Verify(ctx context.Context, requestID string) (*Verification, error) {
	requestID = strings.TrimSpace(requestID)
	if requestID == "" {
		return nil, sat.FieldError("request_id", "is required")
	}

	doc, wrapper := newEnvelope(opVerify)
	sol := wrapper.CreateElement("des:solicitud")
	sol.CreateAttr("IdSolicitud", requestID)
	sol.CreateAttr("RfcSolicitante", c.identity.RFC)
	if err := signEnveloped(c.identity, sol); err != nil {
		return nil, sat.WrapError(err, sat.KindInternal, "verification request could not be signed")
	}

	answer, err := c.call(ctx, c.endpoints.Verify, opVerify, doc, sat.KindVerificationFailed, true)
	if err != nil {
		return nil, err
	}
	el, err := result(answer, opVerify, sat.KindVerificationFailed)
	if err != nil {
		return nil, err
	}

	raw := el.SelectAttrValue("EstadoSolicitud", "")
	code, _ := strconv.Atoi(raw)
	st, ok := sat.BulkStatusFromRemote(code)
	if !ok {
		return nil, sat.Errorf(sat.KindVerificationFailed, "SAT returned an unknown request state %q", raw)
	}

	v := &Verification{
		Status:     st,
		StatusCode: el.SelectAttrValue("CodigoEstadoSolicitud", ""),
		Message:    el.SelectAttrValue("Mensaje", ""),
	}
	v.CFDICount, _ = strconv.Atoi(el.SelectAttrValue("NumeroCFDIs", "0"))
	// package ids of an unfinished request are partial and never exposed
	if st == sat.BulkFinished {
		for _, p := range el.SelectElements("IdsPaquetes") {
			if id := strings.TrimSpace(p.Text()); id != "" {
				v.PackageIDs = append(v.PackageIDs, id)
			}
		}
	}

	sat.Logger(ctx, logger).WithFields(logrus.Fields{
		"request_id": requestID,
		"status":     v.Status,
		"packages":   len(v.PackageIDs),
	}).Info("bulk request verified")
	return v, nil
}
