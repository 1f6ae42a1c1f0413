package sat

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseDirection(t *testing.T) {
	d, err := ParseDirection(" Recibidos ")
	require.NoError(t, err)
	assert.Equal(t, Received, d)
	assert.Equal(t, []Direction{Issued, Received}, Both.Split())
	assert.Equal(t, []Direction{Issued}, Issued.Split())

	_, err = ParseDirection("outgoing")
	assert.Error(t, err)
}

func TestParseStatusFilter(t *testing.T) {
	for in, want := range map[string]StatusFilter{
		"todos":      StatusAll,
		"vigentes":   StatusActive,
		"vigente":    StatusActive,
		"CANCELADOS": StatusCancelled,
	} {
		got, err := ParseStatusFilter(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}
	assert.Equal(t, "1", StatusActive.PortalValue())
	assert.Equal(t, "Vigente", StatusActive.BulkValue())
	assert.Equal(t, "", StatusAll.BulkValue())
}

func TestParseResourceKinds(t *testing.T) {
	kinds, err := ParseResourceKinds("xml, pdf,xml,cancel_voucher")
	require.NoError(t, err)
	assert.Equal(t, []ResourceKind{XML, PDF, CancelVoucher}, kinds)

	_, err = ParseResourceKinds("xml,zip")
	assert.Error(t, err)

	_, err = ParseResourceKinds(" , ")
	assert.Error(t, err)
}

func TestResourceFileName(t *testing.T) {
	f := ResourceFile{UUID: "AB12CD34-0000-0000-0000-000000000000", Kind: CancelRequest}
	assert.Equal(t, "ab12cd34-0000-0000-0000-000000000000-cancel-request.pdf", f.FileName())
	assert.Equal(t, "application/pdf", f.Kind.ContentType())
}

func TestBulkStatusFromRemote(t *testing.T) {
	s, ok := BulkStatusFromRemote(3)
	require.True(t, ok)
	assert.Equal(t, BulkFinished, s)
	assert.True(t, s.Terminal())

	s, ok = BulkStatusFromRemote(2)
	require.True(t, ok)
	assert.False(t, s.Terminal())

	_, ok = BulkStatusFromRemote(9)
	assert.False(t, ok)
}

func TestParseServiceTypeDefaultsToCFDI(t *testing.T) {
	s, err := ParseServiceType("")
	require.NoError(t, err)
	assert.Equal(t, ServiceCFDI, s)

	s, err = ParseServiceType("retenciones")
	require.NoError(t, err)
	assert.Equal(t, ServiceRetenciones, s)
}

func TestEndOfDayNormalization(t *testing.T) {
	day := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	q := QuerySpec{Since: day, Until: day}.Normalized()
	assert.Equal(t, time.Date(2025, 1, 1, 23, 59, 59, 0, time.UTC), q.Until)
	assert.Equal(t, day, q.Since)
}

func TestEndpoints(t *testing.T) {
	e := DefaultEndpoints()
	require.NoError(t, e.Validate())

	b, err := e.BulkFor(ServiceRetenciones)
	require.NoError(t, err)
	assert.Contains(t, b.Authenticate, "retendescargamasivasolicitud")

	u, err := e.PortalURL("/RecuperaCfdi.aspx?Datos=abc")
	require.NoError(t, err)
	assert.Equal(t, DefaultPortalBase+"/RecuperaCfdi.aspx?Datos=abc", u)

	e.PortalBase = "not a url"
	assert.Error(t, e.Validate())
}

func TestErrorKinds(t *testing.T) {
	err := WrapError(ErrSessionExpired, KindDownloadFailed, "session expired")
	assert.Equal(t, KindDownloadFailed, KindOf(err))
	assert.ErrorIs(t, err, ErrSessionExpired)

	re := Reclassify(NewError(KindCredentialExpired, "expired"), KindAuthenticationFailed, "login")
	assert.Equal(t, KindCredentialExpired, KindOf(re))

	re = Reclassify(ErrEmptyResponse, KindQueryFailed, "query")
	assert.Equal(t, KindQueryFailed, KindOf(re))

	v := NewValidationError(map[string][]string{"b": {"x"}, "a": {"y"}})
	assert.Equal(t, []string{"a", "b"}, v.FieldNames())
	assert.Equal(t, KindInternal, KindOf(assert.AnError))
}
