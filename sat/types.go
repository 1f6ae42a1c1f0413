package sat

import (
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Direction selects documents issued by or received by the authenticated taxpayer.
type Direction int

const (
	Issued Direction = iota + 1
	Received
	Both
)

var directionTokens = map[Direction]string{
	Issued:   "emitidos",
	Received: "recibidos",
	Both:     "ambos",
}

func ParseDirection(s string) (Direction, error) {
	v := strings.ToLower(strings.TrimSpace(s))
	for d, tok := range directionTokens {
		if tok == v {
			return d, nil
		}
	}
	return 0, fmt.Errorf("invalid direction: %q (allowed: emitidos, recibidos, ambos)", s)
}

func (d Direction) String() string {
	if s, ok := directionTokens[d]; ok {
		return s
	}
	return fmt.Sprintf("direction(%d)", int(d))
}

// Split expands Both into its two concrete directions.
func (d Direction) Split() []Direction {
	if d == Both {
		return []Direction{Issued, Received}
	}
	return []Direction{d}
}

// StatusFilter restricts documents by their cancellation state.
type StatusFilter int

const (
	StatusAll StatusFilter = iota
	StatusActive
	StatusCancelled
)

type statusMapping struct {
	tokens []string
	portal string // value of the portal status drop-down
	bulk   string // EstadoComprobante attribute of a bulk request
}

var statusMappings = map[StatusFilter]statusMapping{
	StatusAll:       {tokens: []string{"todos", "todo", "all"}, portal: "-1", bulk: ""},
	StatusActive:    {tokens: []string{"vigentes", "vigente", "active"}, portal: "1", bulk: "Vigente"},
	StatusCancelled: {tokens: []string{"cancelados", "cancelado", "cancelled"}, portal: "0", bulk: "Cancelado"},
}

func ParseStatusFilter(s string) (StatusFilter, error) {
	v := strings.ToLower(strings.TrimSpace(s))
	for f, m := range statusMappings {
		for _, tok := range m.tokens {
			if tok == v {
				return f, nil
			}
		}
	}
	return 0, fmt.Errorf("invalid status filter: %q (allowed: todos, vigentes, cancelados)", s)
}

func (f StatusFilter) String() string {
	if m, ok := statusMappings[f]; ok {
		return m.tokens[0]
	}
	return fmt.Sprintf("status(%d)", int(f))
}

func (f StatusFilter) PortalValue() string { return statusMappings[f].portal }
func (f StatusFilter) BulkValue() string   { return statusMappings[f].bulk }

// ResourceKind is a downloadable artifact of a document.
type ResourceKind int

const (
	XML ResourceKind = iota + 1
	PDF
	CancelRequest
	CancelVoucher
)

type resourceMapping struct {
	token       string
	extension   string
	contentType string
}

var resourceMappings = map[ResourceKind]resourceMapping{
	XML:           {token: "xml", extension: ".xml", contentType: "application/xml"},
	PDF:           {token: "pdf", extension: ".pdf", contentType: "application/pdf"},
	CancelRequest: {token: "cancel_request", extension: "-cancel-request.pdf", contentType: "application/pdf"},
	CancelVoucher: {token: "cancel_voucher", extension: "-cancel-voucher.pdf", contentType: "application/pdf"},
}

// AllResourceKinds in their canonical order.
var AllResourceKinds = []ResourceKind{XML, PDF, CancelRequest, CancelVoucher}

func ParseResourceKind(s string) (ResourceKind, error) {
	v := strings.ToLower(strings.TrimSpace(s))
	for k, m := range resourceMappings {
		if m.token == v {
			return k, nil
		}
	}
	return 0, fmt.Errorf("invalid resource type: %q (allowed: xml, pdf, cancel_request, cancel_voucher)", s)
}

// ParseResourceKinds parses a comma separated list, dropping duplicates and keeping order.
func ParseResourceKinds(csv string) ([]ResourceKind, error) {
	var kinds []ResourceKind
	seen := map[ResourceKind]bool{}
	for _, part := range strings.Split(csv, ",") {
		if strings.TrimSpace(part) == "" {
			continue
		}
		k, err := ParseResourceKind(part)
		if err != nil {
			return nil, err
		}
		if !seen[k] {
			seen[k] = true
			kinds = append(kinds, k)
		}
	}
	if len(kinds) == 0 {
		return nil, fmt.Errorf("at least one resource type is required")
	}
	return kinds, nil
}

func (k ResourceKind) String() string {
	if m, ok := resourceMappings[k]; ok {
		return m.token
	}
	return fmt.Sprintf("resource(%d)", int(k))
}

func (k ResourceKind) Extension() string   { return resourceMappings[k].extension }
func (k ResourceKind) ContentType() string { return resourceMappings[k].contentType }

// ContentKind selects full documents or metadata rows in a bulk request.
type ContentKind int

const (
	ContentCFDI ContentKind = iota + 1
	ContentMetadata
)

var contentTokens = map[ContentKind][2]string{
	ContentCFDI:     {"cfdi", "CFDI"},
	ContentMetadata: {"metadata", "Metadata"},
}

func ParseContentKind(s string) (ContentKind, error) {
	v := strings.ToLower(strings.TrimSpace(s))
	for k, t := range contentTokens {
		if t[0] == v {
			return k, nil
		}
	}
	return 0, fmt.Errorf("invalid request type: %q (allowed: cfdi, metadata)", s)
}

func (k ContentKind) String() string { return contentTokens[k][0] }

// RemoteValue is the TipoSolicitud attribute of a bulk request.
func (k ContentKind) RemoteValue() string { return contentTokens[k][1] }

// ServiceType selects the bulk endpoint family.
type ServiceType int

const (
	ServiceCFDI ServiceType = iota + 1
	ServiceRetenciones
)

var serviceTokens = map[ServiceType]string{
	ServiceCFDI:        "cfdi",
	ServiceRetenciones: "retenciones",
}

func ParseServiceType(s string) (ServiceType, error) {
	v := strings.ToLower(strings.TrimSpace(s))
	if v == "" {
		return ServiceCFDI, nil
	}
	for t, tok := range serviceTokens {
		if tok == v {
			return t, nil
		}
	}
	return 0, fmt.Errorf("invalid service type: %q (allowed: cfdi, retenciones)", s)
}

func (t ServiceType) String() string { return serviceTokens[t] }

// BulkStatus is the lifecycle state of a bulk request.
type BulkStatus int

const (
	BulkAccepted BulkStatus = iota + 1
	BulkInProgress
	BulkFinished
	BulkFailure
	BulkRejected
	BulkExpired
)

var bulkStatusTokens = map[BulkStatus]string{
	BulkAccepted:   "accepted",
	BulkInProgress: "in_progress",
	BulkFinished:   "finished",
	BulkFailure:    "failure",
	BulkRejected:   "rejected",
	BulkExpired:    "expired",
}

// BulkStatusFromRemote translates EstadoSolicitud 1..6.
func BulkStatusFromRemote(code int) (BulkStatus, bool) {
	s := BulkStatus(code)
	_, ok := bulkStatusTokens[s]
	return s, ok
}

func ParseBulkStatus(s string) (BulkStatus, error) {
	for st, tok := range bulkStatusTokens {
		if tok == s {
			return st, nil
		}
	}
	return 0, fmt.Errorf("invalid bulk status: %q", s)
}

func (s BulkStatus) String() string {
	if tok, ok := bulkStatusTokens[s]; ok {
		return tok
	}
	return fmt.Sprintf("bulk_status(%d)", int(s))
}

// Terminal reports whether no further transition can happen.
func (s BulkStatus) Terminal() bool {
	return s != BulkAccepted && s != BulkInProgress
}

var documentTypes = map[string]bool{"I": true, "E": true, "T": true, "N": true, "P": true}

// ParseDocumentType validates a CFDI TipoDeComprobante (I, E, T, N, P).
func ParseDocumentType(s string) (string, error) {
	v := strings.ToUpper(strings.TrimSpace(s))
	if !documentTypes[v] {
		return "", fmt.Errorf("invalid document type: %q (allowed: I, E, T, N, P)", s)
	}
	return v, nil
}

// DocumentMetadata is one row of a portal search or bulk metadata package.
type DocumentMetadata struct {
	UUID               string
	IssuerRFC          string
	IssuerName         string
	ReceiverRFC        string
	ReceiverName       string
	PACRFC             string
	IssuedAt           time.Time
	CertifiedAt        time.Time
	Total              decimal.Decimal
	EffectType         string
	Status             string
	CancellationStatus string
	CancelledAt        time.Time

	// Resources maps every resource kind the portal offers for this document to its
	// portal relative URL.
	Resources map[ResourceKind]string
}

func (m *DocumentMetadata) ResourceURL(k ResourceKind) (string, bool) {
	u, ok := m.Resources[k]
	return u, ok && u != ""
}

func (m *DocumentMetadata) Has(k ResourceKind) bool {
	_, ok := m.ResourceURL(k)
	return ok
}

// ResourceFile is a downloaded artifact paired with its originating metadata.
type ResourceFile struct {
	UUID     string
	Kind     ResourceKind
	Content  []byte
	Metadata *DocumentMetadata
}

func (f ResourceFile) Size() int { return len(f.Content) }

func (f ResourceFile) FileName() string {
	return strings.ToLower(f.UUID) + f.Kind.Extension()
}

// PackageFormat is the container format of every bulk package.
const PackageFormat = "zip"

type Package struct {
	ID      string
	Content []byte
}

func (p Package) Size() int { return len(p.Content) }

// QuerySpec describes a portal search.
type QuerySpec struct {
	Since     time.Time
	Until     time.Time
	Direction Direction
	Status    StatusFilter
}

// Normalized returns a copy with Until moved to the last second of its calendar day.
func (q QuerySpec) Normalized() QuerySpec {
	q.Until = EndOfDay(q.Until)
	return q
}

// EndOfDay returns 23:59:59 of t's calendar day in t's location.
func EndOfDay(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 23, 59, 59, 0, t.Location())
}

var rfcPattern = regexp.MustCompile(`^[A-ZÑ&]{3,4}[0-9]{6}[A-Z0-9]{3}$`)

// ValidRFC reports whether s looks like a person or company RFC.
func ValidRFC(s string) bool {
	return rfcPattern.MatchString(s)
}
