// Package qr builds the public CFDI verification link printed on invoices and renders
// it as a QR code.
package qr

import (
	"fmt"
	"net/url"
	"strings"

	"github.com/alapierre/go-cfdi-proxy/sat"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"github.com/skip2/go-qrcode"
)

var logger = logrus.WithField("component", "sat.qr")

const VerificationBaseURL = "https://verificacfdi.facturaelectronica.sat.gob.mx/default.aspx"

const (
	DefaultSize = 300
	MinSize     = 64
	MaxSize     = 2048
)

// Document holds the fields printed in the verification link.
type Document struct {
	UUID        string
	IssuerRFC   string
	ReceiverRFC string
	Total       decimal.Decimal
	// Seal is the issuer seal (Sello) of the CFDI; only its last 8 characters are used.
	Seal string
}

// VerificationLink validates d and builds the verification URL.
func VerificationLink(d Document) (string, error) {
	fields := map[string][]string{}
	id, err := uuid.Parse(strings.TrimSpace(d.UUID))
	if err != nil {
		fields["uuid"] = []string{"must be a valid UUID"}
	}
	issuer := strings.ToUpper(strings.TrimSpace(d.IssuerRFC))
	if !sat.ValidRFC(issuer) {
		fields["issuer"] = []string{"must be a valid RFC"}
	}
	receiver := strings.ToUpper(strings.TrimSpace(d.ReceiverRFC))
	if !sat.ValidRFC(receiver) {
		fields["receiver"] = []string{"must be a valid RFC"}
	}
	if d.Total.IsNegative() {
		fields["total"] = []string{"must not be negative"}
	}
	seal := strings.TrimSpace(d.Seal)
	if len(seal) < 8 {
		fields["seal"] = []string{"must have at least 8 characters"}
	}
	if len(fields) > 0 {
		return "", sat.NewValidationError(fields)
	}

	return fmt.Sprintf("%s?id=%s&re=%s&rr=%s&tt=%s&fe=%s",
		VerificationBaseURL,
		strings.ToUpper(id.String()),
		url.QueryEscape(issuer),
		url.QueryEscape(receiver),
		FormatTotal(d.Total),
		url.QueryEscape(seal[len(seal)-8:]),
	), nil
}

// FormatTotal renders a total with six decimals, zero padded to 17 characters.
func FormatTotal(total decimal.Decimal) string {
	s := total.StringFixed(6)
	if len(s) < 17 {
		s = strings.Repeat("0", 17-len(s)) + s
	}
	return s
}

// PNG renders content as a QR code of size pixels.
func PNG(content string, size int) ([]byte, error) {
	if size == 0 {
		size = DefaultSize
	}
	if size < MinSize || size > MaxSize {
		return nil, sat.FieldError("size", fmt.Sprintf("must be between %d and %d", MinSize, MaxSize))
	}
	png, err := qrcode.Encode(content, qrcode.Medium, size)
	if err != nil {
		logger.WithError(err).Error("QR encoding failed")
		return nil, sat.WrapError(err, sat.KindInternal, "QR code could not be rendered")
	}
	return png, nil
}
