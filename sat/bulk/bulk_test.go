package bulk

import (
	"context"
	"net/http"
	"testing"
	"time"

	"github.com/alapierre/go-cfdi-proxy/sat"
	"github.com/alapierre/go-cfdi-proxy/sat/credential/credentialtest"
	"github.com/alapierre/go-cfdi-proxy/sat/transport"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func connect(t *testing.T, f *fakeService) *Client {
	t.Helper()
	c, err := f.connector().Establish(context.Background(), f.identity, sat.ServiceCFDI)
	require.NoError(t, err)
	return c
}

func filter(s sat.StatusFilter) *sat.StatusFilter { return &s }

func TestNormalize(t *testing.T) {
	start := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)

	tests := []struct {
		name   string
		req    Request
		fields []string
		notes  int
	}{
		{name: "issued", req: Request{Start: start, End: start.Add(time.Hour), Direction: sat.Issued}},
		{name: "two seconds", req: Request{Start: start, End: start.Add(2 * time.Second), Direction: sat.Issued}},
		{name: "one second", req: Request{Start: start, End: start.Add(time.Second), Direction: sat.Issued}, fields: []string{"end_date"}},
		{name: "missing start", req: Request{End: start, Direction: sat.Issued}, fields: []string{"start_date"}},
		{name: "both directions", req: Request{Start: start, End: start.Add(time.Hour), Direction: sat.Both}, fields: []string{"download_type"}},
		{name: "received forced active", req: Request{Start: start, End: start.Add(time.Hour), Direction: sat.Received}, notes: 1},
		{name: "received active", req: Request{Start: start, End: start.Add(time.Hour), Direction: sat.Received, Status: filter(sat.StatusActive)}},
		{name: "received cancelled", req: Request{Start: start, End: start.Add(time.Hour), Direction: sat.Received, Status: filter(sat.StatusCancelled)}, fields: []string{"document_status"}},
		{name: "received metadata", req: Request{Start: start, End: start.Add(time.Hour), Direction: sat.Received, Content: sat.ContentMetadata}},
		{name: "bad counterpart", req: Request{Start: start, End: start.Add(time.Hour), Direction: sat.Issued, Counterpart: "nope"}, fields: []string{"rfc_match"}},
		{name: "bad document type", req: Request{Start: start, End: start.Add(time.Hour), Direction: sat.Issued, DocumentType: "X"}, fields: []string{"document_type"}},
		{name: "folio", req: Request{UUID: "5fd33ac4-6e44-4b49-9a35-7ed3a8c4f1e2"}},
		{name: "bad folio", req: Request{UUID: "abc"}, fields: []string{"uuid"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, notes, err := tt.req.Normalize()
			if tt.fields != nil {
				require.Error(t, err)
				e := sat.AsError(err)
				assert.Equal(t, sat.KindValidation, e.Kind)
				assert.Equal(t, tt.fields, e.FieldNames())
				return
			}
			require.NoError(t, err)
			assert.Len(t, notes, tt.notes)
			if tt.notes > 0 {
				require.NotNil(t, got.Status)
				assert.Equal(t, sat.StatusActive, *got.Status)
			}
		})
	}
}

func TestConnectAndSubmit(t *testing.T) {
	id := credentialtest.Identity(t)
	f := newFakeService(t, id)
	c := connect(t, f)
	assert.Equal(t, 1, f.authCount())

	start := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	reqID, err := c.Submit(context.Background(), Request{
		Start:        start,
		End:          start.AddDate(0, 1, 0),
		Direction:    sat.Issued,
		Content:      sat.ContentMetadata,
		DocumentType: "i",
		Counterpart:  "XIQB891116QE4",
	})
	require.NoError(t, err)
	assert.NotEmpty(t, reqID)
	assert.Equal(t, 1, f.authCount(), "token is reused")

	sol := f.lastSolicitud()
	require.NotNil(t, sol)
	assert.Equal(t, id.RFC, sol.SelectAttrValue("RfcEmisor", ""))
	assert.Equal(t, id.RFC, sol.SelectAttrValue("RfcSolicitante", ""))
	assert.Equal(t, "2025-01-01T00:00:00", sol.SelectAttrValue("FechaInicial", ""))
	assert.Equal(t, "2025-02-01T00:00:00", sol.SelectAttrValue("FechaFinal", ""))
	assert.Equal(t, "Metadata", sol.SelectAttrValue("TipoSolicitud", ""))
	assert.Equal(t, "I", sol.SelectAttrValue("TipoComprobante", ""))
	assert.Empty(t, sol.SelectAttrValue("EstadoComprobante", ""))
	assert.Equal(t, "XIQB891116QE4", sol.FindElement(".//RfcReceptor").Text())

	serial := sol.FindElement(".//Signature/KeyInfo/X509Data/X509IssuerSerial/X509SerialNumber")
	require.NotNil(t, serial)
	assert.Equal(t, id.SerialDecimal(), serial.Text())
}

func TestSubmitReceivedForcesActive(t *testing.T) {
	f := newFakeService(t, credentialtest.Identity(t))
	c := connect(t, f)

	start := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	_, err := c.Submit(context.Background(), Request{Start: start, End: start.Add(time.Hour), Direction: sat.Received})
	require.NoError(t, err)

	sol := f.lastSolicitud()
	assert.Equal(t, "Vigente", sol.SelectAttrValue("EstadoComprobante", ""))
	assert.Equal(t, f.identity.RFC, sol.SelectAttrValue("RfcReceptor", ""))
	assert.Equal(t, "CFDI", sol.SelectAttrValue("TipoSolicitud", ""))
}

func TestSubmitByFolio(t *testing.T) {
	f := newFakeService(t, credentialtest.Identity(t))
	c := connect(t, f)

	_, err := c.Submit(context.Background(), Request{UUID: "5fd33ac4-6e44-4b49-9a35-7ed3a8c4f1e2"})
	require.NoError(t, err)
	assert.Equal(t, "5FD33AC4-6E44-4B49-9A35-7ED3A8C4F1E2", f.lastSolicitud().SelectAttrValue("Folio", ""))
}

func TestSubmitRejected(t *testing.T) {
	f := newFakeService(t, credentialtest.Identity(t))
	c := connect(t, f)
	start := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	req := Request{Start: start, End: start.Add(time.Hour), Direction: sat.Issued}

	f.set(func(f *fakeService) { f.submitCode = 5002 })
	_, err := c.Submit(context.Background(), req)
	require.Error(t, err)
	e := sat.AsError(err)
	assert.Equal(t, sat.KindQueryFailed, e.Kind)
	assert.Equal(t, "5002", e.Code)

	f.set(func(f *fakeService) { f.submitCode = 305 })
	_, err = c.Submit(context.Background(), req)
	assert.Equal(t, sat.KindAuthenticationFailed, sat.KindOf(err))
}

func TestAuthenticationFault(t *testing.T) {
	f := newFakeService(t, credentialtest.Identity(t))
	f.set(func(f *fakeService) { f.authCode = "a:InvalidSecurity" })

	c, err := f.connector().Establish(context.Background(), f.identity, sat.ServiceCFDI)
	require.Error(t, err)
	assert.Nil(t, c)
	e := sat.AsError(err)
	assert.Equal(t, sat.KindAuthenticationFailed, e.Kind)
	assert.Equal(t, "a:InvalidSecurity", e.Code)
	assert.NotContains(t, err.Error(), f.identity.CertificateBase64())
}

func TestTokenRefreshedBeforeExpiry(t *testing.T) {
	f := newFakeService(t, credentialtest.Identity(t))
	clock := clockwork.NewFakeClockAt(time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC))
	hc := transport.NewServiceClient(http.DefaultTransport, transport.DefaultOptions())

	c, err := Connect(context.Background(), hc, f.endpoints(), sat.ServiceCFDI, f.identity, WithClock(clock))
	require.NoError(t, err)

	_, err = c.Verify(context.Background(), "req-1")
	require.NoError(t, err)
	assert.Equal(t, 1, f.authCount())

	clock.Advance(4*time.Minute + 45*time.Second)
	_, err = c.Verify(context.Background(), "req-1")
	require.NoError(t, err)
	assert.Equal(t, 2, f.authCount())
}

func TestRejectedTokenIsDropped(t *testing.T) {
	f := newFakeService(t, credentialtest.Identity(t))
	c := connect(t, f)
	f.revokeTokens()

	_, err := c.Verify(context.Background(), "req-1")
	require.Error(t, err)
	assert.Equal(t, sat.KindVerificationFailed, sat.KindOf(err))

	_, err = c.Verify(context.Background(), "req-1")
	require.NoError(t, err)
	assert.Equal(t, 2, f.authCount())
}

func TestVerify(t *testing.T) {
	f := newFakeService(t, credentialtest.Identity(t))
	c := connect(t, f)

	v, err := c.Verify(context.Background(), "req-1")
	require.NoError(t, err)
	assert.Equal(t, sat.BulkAccepted, v.Status)
	assert.False(t, v.Ready())

	f.set(func(f *fakeService) {
		f.state = 3
		f.packages["PKG_01"] = []byte("zip")
		f.packages["PKG_02"] = []byte("zip")
	})
	v, err = c.Verify(context.Background(), "req-1")
	require.NoError(t, err)
	assert.Equal(t, sat.BulkFinished, v.Status)
	assert.ElementsMatch(t, []string{"PKG_01", "PKG_02"}, v.PackageIDs)
	assert.Equal(t, 20, v.CFDICount)
	assert.True(t, v.Ready())

	f.set(func(f *fakeService) { f.state = 5; f.stateCode = "5004" })
	v, err = c.Verify(context.Background(), "req-1")
	require.NoError(t, err)
	assert.Equal(t, sat.BulkRejected, v.Status)
	assert.Equal(t, "5004", v.StatusCode)
	assert.Empty(t, v.PackageIDs)
	assert.True(t, v.Status.Terminal())

	f.set(func(f *fakeService) { f.state = 2; f.stateCode = "5000"; f.listAlways = true })
	v, err = c.Verify(context.Background(), "req-1")
	require.NoError(t, err)
	assert.Equal(t, sat.BulkInProgress, v.Status)
	assert.Empty(t, v.PackageIDs)
	assert.False(t, v.Ready())

	f.set(func(f *fakeService) { f.state = 9 })
	_, err = c.Verify(context.Background(), "req-1")
	assert.Equal(t, sat.KindVerificationFailed, sat.KindOf(err))

	_, err = c.Verify(context.Background(), " ")
	assert.Equal(t, sat.KindValidation, sat.KindOf(err))
}

func TestFetch(t *testing.T) {
	f := newFakeService(t, credentialtest.Identity(t))
	f.set(func(f *fakeService) {
		f.packages["PKG_01"] = []byte("PK\x03\x04first")
		f.packages["PKG_02"] = []byte("PK\x03\x04second")
		f.brokenPkg["PKG_03"] = true
	})
	c := connect(t, f)

	res, err := c.Fetch(context.Background(), []string{"PKG_01", "PKG_03", "PKG_02", "PKG_04"})
	require.NoError(t, err)
	require.Len(t, res.Packages, 2)
	assert.Equal(t, "PKG_01", res.Packages[0].ID)
	assert.Equal(t, []byte("PK\x03\x04first"), res.Packages[0].Content)
	assert.Equal(t, "PKG_02", res.Packages[1].ID)

	require.Len(t, res.Failures, 2)
	assert.Equal(t, "PKG_03", res.Failures[0].ID)
	assert.Equal(t, sat.KindDownloadFailed, sat.KindOf(res.Failures[0].Err))
	assert.Equal(t, "PKG_04", res.Failures[1].ID)
	assert.Equal(t, "5004", sat.AsError(res.Failures[1].Err).Code)

	_, err = c.Fetch(context.Background(), []string{"PKG_03"})
	assert.Equal(t, sat.KindDownloadFailed, sat.KindOf(err))

	_, err = c.Fetch(context.Background(), nil)
	assert.Equal(t, sat.KindValidation, sat.KindOf(err))
}

func TestFetchKeepsPackagesAfterAuthenticationFailure(t *testing.T) {
	f := newFakeService(t, credentialtest.Identity(t))
	f.set(func(f *fakeService) {
		f.packages["PKG_01"] = []byte("PK\x03\x04first")
		f.packages["PKG_02"] = []byte("PK\x03\x04second")
		f.onDownload = func(f *fakeService) {
			f.authCode = "a:InvalidSecurity"
			f.tokens = map[string]bool{}
		}
	})
	c := connect(t, f)

	res, err := c.Fetch(context.Background(), []string{"PKG_01", "PKG_02", "PKG_03", "PKG_04"})
	require.NoError(t, err)
	require.Len(t, res.Packages, 1)
	assert.Equal(t, "PKG_01", res.Packages[0].ID)

	require.Len(t, res.Failures, 3)
	assert.Equal(t, "PKG_02", res.Failures[0].ID)
	assert.Equal(t, "PKG_03", res.Failures[1].ID)
	assert.Equal(t, sat.KindAuthenticationFailed, sat.KindOf(res.Failures[1].Err))
	assert.Equal(t, "PKG_04", res.Failures[2].ID)
	assert.Equal(t, sat.KindAuthenticationFailed, sat.KindOf(res.Failures[2].Err))

	_, err = c.Fetch(context.Background(), []string{"PKG_01"})
	assert.Equal(t, sat.KindAuthenticationFailed, sat.KindOf(err))
}
