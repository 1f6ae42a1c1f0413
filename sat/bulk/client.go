// Package bulk drives the SAT bulk download web service: authentication, request
// submission, verification and package download.
package bulk

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/alapierre/go-cfdi-proxy/sat"
	"github.com/alapierre/go-cfdi-proxy/sat/credential"
	"github.com/alapierre/go-cfdi-proxy/sat/transport"
	"github.com/alapierre/go-cfdi-proxy/sat/util"
	"github.com/beevik/etree"
	"github.com/go-faster/errors"
	"github.com/go-resty/resty/v2"
	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/sirupsen/logrus"
)

var logger = logrus.WithField("component", "sat.bulk")

// tokenLifetime is used when the Autentica answer carries no Expires.
const tokenLifetime = 5 * time.Minute

var authenticateTemplate = `<s:Envelope xmlns:s="` + nsSoap + `" xmlns:u="` + nsWSU + `">` +
	`<s:Header><o:Security xmlns:o="` + nsWSSE + `" s:mustUnderstand="1">` +
	`<u:Timestamp xmlns:u="` + nsWSU + `" u:Id="_0"><u:Created>{{utc .Created}}</u:Created><u:Expires>{{utc .Expires}}</u:Expires></u:Timestamp>` +
	`<o:BinarySecurityToken u:Id="{{.TokenID}}" ValueType="` + x509v3 + `" EncodingType="` + b64Bin + `">{{.Certificate}}</o:BinarySecurityToken>` +
	`</o:Security></s:Header>` +
	`<s:Body><Autentica xmlns="` + nsAuth + `"/></s:Body></s:Envelope>`

type authenticateModel struct {
	Created     time.Time
	Expires     time.Time
	TokenID     string
	Certificate string
}

// Client is an authenticated bulk service session for one identity and service type.
type Client struct {
	http      *resty.Client
	service   sat.ServiceType
	endpoints sat.BulkEndpoints
	identity  *credential.Identity
	clock     clockwork.Clock
	tokens    *tokenSource
}

type Option func(*Client)

func WithClock(clock clockwork.Clock) Option {
	return func(c *Client) { c.clock = clock }
}

// NewClient prepares a client; no remote call is made until the first operation.
func NewClient(hc *resty.Client, endpoints sat.Endpoints, service sat.ServiceType, id *credential.Identity, opts ...Option) (*Client, error) {
	family, err := endpoints.BulkFor(service)
	if err != nil {
		return nil, sat.WrapError(err, sat.KindInternal, "bulk service endpoints are not configured")
	}
	c := &Client{
		http:      hc,
		service:   service,
		endpoints: family,
		identity:  id,
		clock:     clockwork.NewRealClock(),
	}
	for _, o := range opts {
		o(c)
	}
	c.tokens = newTokenSource(c.Authenticate, c.clock)
	return c, nil
}

// Connect builds a client and authenticates it.
func Connect(ctx context.Context, hc *resty.Client, endpoints sat.Endpoints, service sat.ServiceType, id *credential.Identity, opts ...Option) (*Client, error) {
	c, err := NewClient(hc, endpoints, service, id, opts...)
	if err != nil {
		return nil, err
	}
	if _, err := c.tokens.Bearer(ctx); err != nil {
		return nil, err
	}
	return c, nil
}

// Connector creates bulk clients sharing one round tripper.
type Connector struct {
	endpoints sat.Endpoints
	opts      transport.Options
	rt        http.RoundTripper
	clock     clockwork.Clock
}

func NewConnector(endpoints sat.Endpoints, opts transport.Options) *Connector {
	return &Connector{
		endpoints: endpoints,
		opts:      opts,
		rt:        transport.NewRoundTripper(opts),
		clock:     clockwork.NewRealClock(),
	}
}

// Establish authenticates id against the service family and returns a ready client.
func (c *Connector) Establish(ctx context.Context, id *credential.Identity, service sat.ServiceType) (*Client, error) {
	return Connect(ctx, transport.NewServiceClient(c.rt, c.opts), c.endpoints, service, id, WithClock(c.clock))
}

func (c *Client) Identity() *credential.Identity { return c.identity }

func (c *Client) Service() sat.ServiceType { return c.service }

// Authenticate signs a WS-Security timestamp with the FIEL and exchanges it for a token.
func (c *Client) Authenticate(ctx context.Context) (*Token, error) {
	log := sat.Logger(ctx, logger).WithField("service", c.service)

	now := c.clock.Now().UTC()
	model := authenticateModel{
		Created:     now,
		Expires:     now.Add(tokenLifetime),
		TokenID:     "uuid-" + uuid.NewString() + "-1",
		Certificate: c.identity.CertificateBase64(),
	}
	raw, err := util.MergeTemplate(&authenticateTemplate, model)
	if err != nil {
		return nil, sat.WrapError(err, sat.KindInternal, "authentication envelope could not be built")
	}
	doc := etree.NewDocument()
	if err := doc.ReadFromBytes(raw); err != nil {
		return nil, sat.WrapError(err, sat.KindInternal, "authentication envelope could not be built")
	}
	if err := signTimestamp(c.identity, doc, model.TokenID); err != nil {
		return nil, sat.WrapError(err, sat.KindInternal, "authentication envelope could not be signed")
	}

	answer, err := c.call(ctx, c.endpoints.Authenticate, opAuthenticate, doc, sat.KindAuthenticationFailed, false)
	if err != nil {
		log.WithError(err).Warn("bulk authentication failed")
		return nil, err
	}
	el := answer.FindElement("//" + opAuthenticate.result)
	if el == nil || strings.TrimSpace(el.Text()) == "" {
		return nil, sat.WrapError(sat.ErrEmptyResponse, sat.KindAuthenticationFailed, "SAT returned no access token")
	}

	token := &Token{
		Value:   strings.TrimSpace(el.Text()),
		Created: now,
		Expires: model.Expires,
	}
	if ts := answer.FindElement("//Timestamp"); ts != nil {
		if t, err := time.Parse(time.RFC3339, childText(ts, "Created")); err == nil {
			token.Created = t
		}
		if t, err := time.Parse(time.RFC3339, childText(ts, "Expires")); err == nil {
			token.Expires = t
		}
	}
	log.WithField("expires", token.Expires).Debug("bulk token issued")
	return token, nil
}

// call posts doc and returns the parsed answer. Faults, HTTP errors and missing
// answers are classified as kind unless they are transport failures.
func (c *Client) call(ctx context.Context, endpoint string, op operation, doc *etree.Document, kind sat.Kind, authorized bool) (*etree.Document, error) {
	payload, err := doc.WriteToBytes()
	if err != nil {
		return nil, sat.WrapError(err, sat.KindInternal, "soap request could not be serialized")
	}

	r := transport.Request(ctx, c.http).
		SetHeader("Content-Type", "text/xml; charset=utf-8").
		SetHeader("SOAPAction", op.action).
		SetBody(payload)
	if authorized {
		token, err := c.tokens.Bearer(ctx)
		if err != nil {
			return nil, err
		}
		r.SetHeader("Authorization", `WRAP access_token="`+token+`"`)
	}

	resp, err := r.Post(endpoint)
	transport.TraceInfo(endpoint, resp, err)
	if err != nil {
		return nil, transport.CheckError(resp, err)
	}

	answer, perr := parseEnvelope(resp.Body())
	var fault *Fault
	if errors.As(perr, &fault) {
		if authorized && resp.StatusCode() == http.StatusUnauthorized {
			c.tokens.Invalidate()
		}
		return nil, &sat.Error{Kind: kind, Code: fault.Code, Message: fault.String, Err: fault}
	}
	if err := transport.CheckError(resp, nil); err != nil {
		if authorized && resp.StatusCode() == http.StatusUnauthorized {
			c.tokens.Invalidate()
		}
		return nil, sat.Reclassify(err, kind, op.name+" was rejected by SAT")
	}
	if perr != nil {
		return nil, sat.WrapError(perr, kind, op.name+" answer could not be read")
	}
	return answer, nil
}

// result finds the element carrying CodEstatus and checks it.
func result(answer *etree.Document, op operation, kind sat.Kind) (*etree.Element, error) {
	el := answer.FindElement("//" + op.result)
	if el == nil {
		return nil, sat.WrapError(sat.ErrEmptyResponse, kind, "SAT answer has no "+op.result)
	}
	if err := status(el, kind); err != nil {
		return nil, err
	}
	return el, nil
}
