package portal

import (
	"context"
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/alapierre/go-cfdi-proxy/sat"
	"github.com/go-faster/errors"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
)

// MaxResultsPerSearch is the number of rows after which the portal truncates a search.
const MaxResultsPerSearch = 500

const (
	resultTableID = "ctl00_MainContent_tblResult"
	fieldFilter   = "ctl00$MainContent$FiltroCentral"
	fieldUUID     = "ctl00$MainContent$TxtUUID"
	fieldStatus   = "ctl00$MainContent$DdlEstadoComprobante"
	fieldSearch   = "ctl00$MainContent$BtnBusqueda"
	filterByDate  = "RdoFechas"
	filterByUUID  = "RdoFolioFiscal"
	dateLayout    = "02/01/2006"
	cellLayout    = "2006-01-02T15:04:05"
)

// page is one search page of the portal.
type page struct {
	path string
	// daily pages filter one calendar day plus a time window.
	daily bool
}

var pages = map[sat.Direction]page{
	sat.Issued:   {path: "ConsultaEmisor.aspx"},
	sat.Received: {path: "ConsultaReceptor.aspx", daily: true},
}

// columns of the result table, after the actions cell.
const (
	colActions = iota
	colUUID
	colIssuerRFC
	colIssuerName
	colReceiverRFC
	colReceiverName
	colIssuedAt
	colCertifiedAt
	colPAC
	colTotal
	colEffect
	colCancellationStatus
	colStatus
	colCancellationProcess
	colCancellationRequestedAt
	colCancelledAt
)

// actions maps the action buttons of a result row to resource kinds.
var actions = []struct {
	kind   sat.ResourceKind
	id     string
	prefix string // prepended to the first quoted argument of onclick
}{
	{kind: sat.XML, id: "BtnDescarga"},
	{kind: sat.PDF, id: "BtnRI", prefix: "RepresentacionImpresa.aspx?Datos="},
	{kind: sat.CancelRequest, id: "BtnRecuperaAcuse"},
	{kind: sat.CancelVoucher, id: "BtnRecuperaAcuseFinal"},
}

var quotedArg = regexp.MustCompile(`'([^']+)'`)

// QueryResult is the outcome of a query made of several portal searches.
type QueryResult struct {
	Documents []*sat.DocumentMetadata
	// Failures keeps searches that failed while others succeeded.
	Failures []SearchFailure
	// Missing lists requested UUIDs the portal did not return.
	Missing []string
}

type SearchFailure struct {
	Scope string // direction or UUID of the failed search
	Err   error
}

// QueryByDateRange searches every direction of q over its period. The end of the
// period is moved to the end of its calendar day.
func (s *Session) QueryByDateRange(ctx context.Context, q sat.QuerySpec) (*QueryResult, error) {
	q = q.Normalized()
	if q.Until.Before(q.Since) {
		return nil, sat.FieldError("end_date", "must not be before start_date")
	}

	res := &QueryResult{}
	seen := map[string]bool{}
	dirs := q.Direction.Split()
	var firstErr error
	for _, d := range dirs {
		docs, err := s.queryDirection(ctx, d, q)
		if err != nil {
			sat.Logger(ctx, logger).WithError(err).WithField("direction", d).Warn("portal search failed")
			res.Failures = append(res.Failures, SearchFailure{Scope: d.String(), Err: err})
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		res.Documents = appendUnique(res.Documents, seen, docs)
	}
	if len(res.Failures) == len(dirs) {
		return nil, sat.Reclassify(firstErr, sat.KindQueryFailed, "portal search failed")
	}
	return res, nil
}

// QueryByIDs runs one search per UUID.
func (s *Session) QueryByIDs(ctx context.Context, ids []string, dir sat.Direction) (*QueryResult, error) {
	res := &QueryResult{}
	seen := map[string]bool{}
	var firstErr error
	for _, id := range ids {
		var (
			found []*sat.DocumentMetadata
			idErr error
		)
		failed := 0
		for _, d := range dir.Split() {
			docs, err := s.search(ctx, pages[d], uuidFields(id))
			if err != nil {
				failed++
				idErr = err
				sat.Logger(ctx, logger).WithError(err).WithField("uuid", id).Warn("portal search failed")
				continue
			}
			found = append(found, docs...)
		}
		if failed == len(dir.Split()) {
			res.Failures = append(res.Failures, SearchFailure{Scope: id, Err: idErr})
			if firstErr == nil {
				firstErr = idErr
			}
			continue
		}
		before := len(res.Documents)
		res.Documents = appendUnique(res.Documents, seen, found)
		if len(res.Documents) == before {
			sat.Logger(ctx, logger).WithField("uuid", id).Warn("document not found")
			res.Missing = append(res.Missing, id)
		}
	}
	if len(ids) > 0 && len(res.Failures) == len(ids) {
		return nil, sat.Reclassify(firstErr, sat.KindQueryFailed, "portal search failed")
	}
	return res, nil
}

func (s *Session) queryDirection(ctx context.Context, d sat.Direction, q sat.QuerySpec) ([]*sat.DocumentMetadata, error) {
	p, ok := pages[d]
	if !ok {
		return nil, errors.Errorf("no portal page for direction %s", d)
	}
	if !p.daily {
		return s.searchWindow(ctx, p, q.Since, q.Until, q.Status)
	}

	var out []*sat.DocumentMetadata
	for day := q.Since; !day.After(q.Until); day = startOfDay(day).AddDate(0, 0, 1) {
		until := sat.EndOfDay(day)
		if until.After(q.Until) {
			until = q.Until
		}
		docs, err := s.searchWindow(ctx, p, day, until, q.Status)
		if err != nil {
			return nil, err
		}
		out = append(out, docs...)
	}
	return out, nil
}

// searchWindow splits a window in halves while the portal answers with a truncated
// result, down to one second.
func (s *Session) searchWindow(ctx context.Context, p page, since, until time.Time, status sat.StatusFilter) ([]*sat.DocumentMetadata, error) {
	docs, err := s.search(ctx, p, dateFields(p, since, until, status))
	if err != nil {
		return nil, err
	}
	if len(docs) < MaxResultsPerSearch {
		return docs, nil
	}
	if until.Sub(since) < 2*time.Second {
		sat.Logger(ctx, logger).WithFields(logrus.Fields{"since": since, "until": until}).
			Warn("portal result cap reached within one second, results may be incomplete")
		return docs, nil
	}

	mid := since.Add(until.Sub(since) / 2).Truncate(time.Second)
	left, err := s.searchWindow(ctx, p, since, mid, status)
	if err != nil {
		return nil, err
	}
	right, err := s.searchWindow(ctx, p, mid.Add(time.Second), until, status)
	if err != nil {
		return nil, err
	}
	return append(left, right...), nil
}

// search loads p, fills its ASP.NET form with fields and parses the result table.
func (s *Session) search(ctx context.Context, p page, fields url.Values) ([]*sat.DocumentMetadata, error) {
	u, err := s.endpoints.PortalURL(p.path)
	if err != nil {
		return nil, err
	}
	resp, err := s.get(ctx, u)
	if err != nil {
		return nil, err
	}
	doc, err := parseHTML(resp.Body())
	if err != nil {
		return nil, errors.Wrap(err, "parse search page")
	}
	f, ok := aspNetForm(doc)
	if !ok {
		return nil, sat.ErrSessionExpired
	}
	for k, v := range fields {
		f.Values[k] = v
	}

	resp, err = s.submit(ctx, pageURL(resp), f)
	if err != nil {
		return nil, err
	}
	doc, err = parseHTML(resp.Body())
	if err != nil {
		return nil, errors.Wrap(err, "parse search result")
	}
	if _, ok := aspNetForm(doc); !ok {
		return nil, sat.ErrSessionExpired
	}
	return parseResults(doc)
}

func aspNetForm(doc *html.Node) (form, bool) {
	for _, f := range forms(doc) {
		if f.Values.Has("__VIEWSTATE") {
			return f, true
		}
	}
	return form{}, false
}

func dateFields(p page, since, until time.Time, status sat.StatusFilter) url.Values {
	v := url.Values{}
	v.Set(fieldFilter, filterByDate)
	v.Set(fieldUUID, "")
	v.Set(fieldStatus, status.PortalValue())
	v.Set(fieldSearch, "Buscar CFDI")

	if p.daily {
		const cal = "ctl00$MainContent$CldFecha$"
		v.Set(cal+"DdlAnio", strconv.Itoa(since.Year()))
		v.Set(cal+"DdlMes", strconv.Itoa(int(since.Month())))
		v.Set(cal+"DdlDia", since.Format("02"))
		v.Set(cal+"DdlHora", strconv.Itoa(since.Hour()))
		v.Set(cal+"DdlMinuto", strconv.Itoa(since.Minute()))
		v.Set(cal+"DdlSegundo", strconv.Itoa(since.Second()))
		v.Set(cal+"DdlHoraFin", strconv.Itoa(until.Hour()))
		v.Set(cal+"DdlMinutoFin", strconv.Itoa(until.Minute()))
		v.Set(cal+"DdlSegundoFin", strconv.Itoa(until.Second()))
		return v
	}

	const from, to = "ctl00$MainContent$CldFechaInicial2$", "ctl00$MainContent$CldFechaFinal2$"
	v.Set("ctl00$MainContent$hfInicialBool", "false")
	v.Set(from+"Calendario_text", since.Format(dateLayout))
	v.Set(from+"DdlHora", strconv.Itoa(since.Hour()))
	v.Set(from+"DdlMinuto", strconv.Itoa(since.Minute()))
	v.Set(from+"DdlSegundo", strconv.Itoa(since.Second()))
	v.Set(to+"Calendario_text", until.Format(dateLayout))
	v.Set(to+"DdlHora", strconv.Itoa(until.Hour()))
	v.Set(to+"DdlMinuto", strconv.Itoa(until.Minute()))
	v.Set(to+"DdlSegundo", strconv.Itoa(until.Second()))
	return v
}

func uuidFields(id string) url.Values {
	v := url.Values{}
	v.Set(fieldFilter, filterByUUID)
	v.Set(fieldUUID, strings.ToUpper(strings.TrimSpace(id)))
	v.Set(fieldStatus, sat.StatusAll.PortalValue())
	v.Set(fieldSearch, "Buscar CFDI")
	return v
}

func parseResults(doc *html.Node) ([]*sat.DocumentMetadata, error) {
	table := byID(doc, resultTableID)
	if table == nil {
		return nil, nil
	}

	var out []*sat.DocumentMetadata
	for _, tr := range elements(table, atom.Tr) {
		cells := childCells(tr)
		if len(cells) <= colStatus {
			continue
		}
		m, err := parseRow(cells)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, nil
}

func childCells(tr *html.Node) []*html.Node {
	var cells []*html.Node
	for c := tr.FirstChild; c != nil; c = c.NextSibling {
		if c.Type == html.ElementNode && c.DataAtom == atom.Td {
			cells = append(cells, c)
		}
	}
	return cells
}

func parseRow(cells []*html.Node) (*sat.DocumentMetadata, error) {
	cell := func(i int) string {
		if i < len(cells) {
			return text(cells[i])
		}
		return ""
	}

	m := &sat.DocumentMetadata{
		UUID:               strings.ToUpper(cell(colUUID)),
		IssuerRFC:          cell(colIssuerRFC),
		IssuerName:         cell(colIssuerName),
		ReceiverRFC:        cell(colReceiverRFC),
		ReceiverName:       cell(colReceiverName),
		PACRFC:             cell(colPAC),
		EffectType:         cell(colEffect),
		Status:             cell(colStatus),
		CancellationStatus: cell(colCancellationStatus),
		Resources:          map[sat.ResourceKind]string{},
	}
	if m.UUID == "" {
		return nil, errors.New("result row without UUID")
	}
	m.IssuedAt = parseCellTime(cell(colIssuedAt))
	m.CertifiedAt = parseCellTime(cell(colCertifiedAt))
	m.CancelledAt = parseCellTime(cell(colCancelledAt))

	total, err := parseAmount(cell(colTotal))
	if err != nil {
		return nil, errors.Wrapf(err, "total of %s", m.UUID)
	}
	m.Total = total

	for _, a := range actions {
		btn := byID(cells[colActions], a.id)
		if btn == nil {
			continue
		}
		arg := quotedArg.FindStringSubmatch(attr(btn, "onclick"))
		if arg == nil {
			continue
		}
		m.Resources[a.kind] = a.prefix + arg[1]
	}
	return m, nil
}

// portalLocation is the zone the portal prints its timestamps in.
var portalLocation = func() *time.Location {
	loc, err := time.LoadLocation("America/Mexico_City")
	if err != nil {
		return time.FixedZone("CST", -6*60*60)
	}
	return loc
}()

func parseCellTime(s string) time.Time {
	t, err := time.ParseInLocation(cellLayout, s, portalLocation)
	if err != nil {
		return time.Time{}
	}
	return t
}

func parseAmount(s string) (decimal.Decimal, error) {
	s = strings.NewReplacer("$", "", ",", "", " ", "").Replace(s)
	if s == "" {
		return decimal.Zero, nil
	}
	return decimal.NewFromString(s)
}

func appendUnique(dst []*sat.DocumentMetadata, seen map[string]bool, docs []*sat.DocumentMetadata) []*sat.DocumentMetadata {
	for _, d := range docs {
		if seen[d.UUID] {
			continue
		}
		seen[d.UUID] = true
		dst = append(dst, d)
	}
	return dst
}

func startOfDay(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, t.Location())
}
