package qr

import (
	"bytes"
	"image/png"
	"testing"

	"github.com/alapierre/go-cfdi-proxy/sat"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestVerificationLink(t *testing.T) {
	link, err := VerificationLink(Document{
		UUID:        "5fd33ac4-6e44-4b49-9a35-7ed3a8c4f1e2",
		IssuerRFC:   "EKU9003173C9",
		ReceiverRFC: "xiqb891116qe4",
		Total:       decimal.RequireFromString("1160.5"),
		Seal:        "Qm9ndXMgc2VhbCB2YWx1ZSBmb3IgdGVzdHM+abcd1234",
	})
	require.NoError(t, err)
	assert.Equal(t, "https://verificacfdi.facturaelectronica.sat.gob.mx/default.aspx"+
		"?id=5FD33AC4-6E44-4B49-9A35-7ED3A8C4F1E2&re=EKU9003173C9&rr=XIQB891116QE4"+
		"&tt=0000001160.500000&fe=abcd1234", link)
}

func TestVerificationLinkEscapesAmpersand(t *testing.T) {
	link, err := VerificationLink(Document{
		UUID:        "5fd33ac4-6e44-4b49-9a35-7ed3a8c4f1e2",
		IssuerRFC:   "A&A010101AAA",
		ReceiverRFC: "XIQB891116QE4",
		Seal:        "12345678",
	})
	require.NoError(t, err)
	assert.Contains(t, link, "re=A%26A010101AAA")
	assert.Contains(t, link, "tt=0000000000.000000")
}

func TestVerificationLinkValidation(t *testing.T) {
	_, err := VerificationLink(Document{UUID: "x", IssuerRFC: "bad", ReceiverRFC: "XIQB891116QE4", Seal: "1"})
	require.Error(t, err)
	e := sat.AsError(err)
	assert.Equal(t, sat.KindValidation, e.Kind)
	assert.Equal(t, []string{"issuer", "seal", "uuid"}, e.FieldNames())
}

func TestFormatTotal(t *testing.T) {
	assert.Equal(t, "0000000001.000000", FormatTotal(decimal.NewFromInt(1)))
	assert.Equal(t, "1234567890.123457", FormatTotal(decimal.RequireFromString("1234567890.1234567")))
}

func TestPNG(t *testing.T) {
	data, err := PNG("https://verificacfdi.facturaelectronica.sat.gob.mx/default.aspx?id=1", 0)
	require.NoError(t, err)

	img, err := png.Decode(bytes.NewReader(data))
	require.NoError(t, err)
	assert.Equal(t, DefaultSize, img.Bounds().Dx())

	_, err = PNG("x", 10)
	assert.Equal(t, sat.KindValidation, sat.KindOf(err))
}
