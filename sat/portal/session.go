// Package portal drives the SAT CFDI portal (portalcfdi.facturaelectronica.sat.gob.mx)
// the way a browser does: FIEL login, searches and resource downloads.
package portal

import (
	"context"
	"crypto"
	"encoding/base64"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/alapierre/go-cfdi-proxy/sat"
	"github.com/alapierre/go-cfdi-proxy/sat/credential"
	"github.com/alapierre/go-cfdi-proxy/sat/transport"
	"github.com/go-faster/errors"
	"github.com/go-resty/resty/v2"
	"github.com/sirupsen/logrus"
)

var logger = logrus.WithField("component", "sat.portal")

const (
	// maxFormHops bounds the chain of auto submitted forms after login.
	maxFormHops = 5
	fertLayout  = "060102150405Z"
	homePath    = "/"
	logoutPath  = "/logout.aspx?salir=y"
)

// Connector opens portal sessions. It is safe for concurrent use; every session gets
// its own cookie jar.
type Connector struct {
	endpoints sat.Endpoints
	opts      transport.Options
	rt        http.RoundTripper
}

func NewConnector(endpoints sat.Endpoints, opts transport.Options) *Connector {
	return &Connector{
		endpoints: endpoints,
		opts:      opts,
		rt:        transport.NewRoundTripper(opts),
	}
}

// Session is an authenticated portal session bound to one FIEL.
type Session struct {
	client    *resty.Client
	endpoints sat.Endpoints
	identity  *credential.Identity
}

// Establish logs in with the FIEL and confirms the portal accepted it. Only these
// requests are retried on transient failures.
func (c *Connector) Establish(ctx context.Context, id *credential.Identity) (*Session, error) {
	s := &Session{
		client:    transport.NewPortalClient(c.rt, c.opts),
		endpoints: c.endpoints,
		identity:  id,
	}
	log := sat.Logger(ctx, logger)
	rctx := transport.WithRetry(ctx)

	if err := s.login(rctx); err != nil {
		log.WithError(err).Warn("portal login failed")
		return nil, sat.Reclassify(err, sat.KindAuthenticationFailed, "portal login failed")
	}

	alive, err := s.Alive(rctx)
	if err != nil {
		return nil, sat.Reclassify(err, sat.KindAuthenticationFailed, "portal session could not be confirmed")
	}
	if !alive {
		return nil, sat.NewError(sat.KindAuthenticationFailed, "portal did not confirm the session for "+id.RFC)
	}

	log.Info("portal session established")
	return s, nil
}

func (s *Session) Identity() *credential.Identity { return s.identity }

func (s *Session) login(ctx context.Context) error {
	resp, err := transport.Request(ctx, s.client).Get(s.endpoints.PortalLogin)
	transport.TraceInfo(s.endpoints.PortalLogin, resp, err)
	if err := transport.CheckError(resp, err); err != nil {
		return err
	}

	doc, err := parseHTML(resp.Body())
	if err != nil {
		return errors.Wrap(err, "parse login page")
	}
	var login *form
	for _, f := range forms(doc) {
		if f.Values.Get("guid") != "" {
			login = &f
			break
		}
	}
	if login == nil {
		return sat.NewError(sat.KindAuthenticationFailed, "login page carries no FIEL form")
	}

	token, err := fielToken(s.identity, login.Values.Get("guid"))
	if err != nil {
		return sat.WrapError(err, sat.KindAuthenticationFailed, "could not sign the login challenge")
	}
	login.Values.Set("token", token)
	login.Values.Set("credentialsRequired", "CERT")
	login.Values.Set("fert", s.identity.ValidUntil().UTC().Format(fertLayout))

	resp, err = s.submit(ctx, pageURL(resp), *login)
	if err != nil {
		return err
	}
	resp, err = s.follow(ctx, resp)
	if err != nil {
		return err
	}

	if msg, failed := loginRejected(resp.Body()); failed {
		return sat.NewRemoteError(sat.KindAuthenticationFailed, "", msg)
	}
	return nil
}

// fielToken answers the login challenge:
// base64(base64("guid|RFC|number") + "#" + base64(RSA-SHA1 signature)).
func fielToken(id *credential.Identity, guid string) (string, error) {
	co := fmt.Sprintf("%s|%s|%s", guid, id.RFC, id.Number)
	sig, err := id.Sign([]byte(co), crypto.SHA1)
	if err != nil {
		return "", err
	}
	enc := base64.StdEncoding
	return enc.EncodeToString([]byte(enc.EncodeToString([]byte(co)) + "#" + enc.EncodeToString(sig))), nil
}

// loginRejected detects the login page being served again, with its error text.
func loginRejected(body []byte) (string, bool) {
	doc, err := parseHTML(body)
	if err != nil {
		return "", false
	}
	for _, f := range forms(doc) {
		if f.Values.Get("guid") == "" {
			continue
		}
		for _, id := range []string{"msgError", "divError", "error"} {
			if msg := text(byID(doc, id)); msg != "" {
				return msg, true
			}
		}
		return "the portal rejected the FIEL", true
	}
	return "", false
}

// Alive reports whether the portal still recognises the session.
func (s *Session) Alive(ctx context.Context) (bool, error) {
	u, err := s.endpoints.PortalURL(homePath)
	if err != nil {
		return false, err
	}
	resp, err := transport.Request(ctx, s.client).Get(u)
	transport.TraceInfo(u, resp, err)
	if err := transport.CheckError(resp, err); err != nil {
		return false, err
	}
	resp, err = s.follow(ctx, resp)
	if err != nil {
		return false, err
	}

	doc, err := parseHTML(resp.Body())
	if err != nil {
		return false, errors.Wrap(err, "parse portal home")
	}
	return strings.Contains(text(doc), "RFC Autenticado: "+s.identity.RFC), nil
}

// Logout ends the portal session; failures are only logged.
func (s *Session) Logout(ctx context.Context) {
	u, err := s.endpoints.PortalURL(logoutPath)
	if err != nil {
		return
	}
	resp, err := transport.Request(ctx, s.client).Get(u)
	if err := transport.CheckError(resp, err); err != nil {
		sat.Logger(ctx, logger).WithError(err).Debug("portal logout failed")
	}
}

// submit posts f as a browser would, resolving its action against page.
func (s *Session) submit(ctx context.Context, page *url.URL, f form) (*resty.Response, error) {
	action := f.Action
	if action == "" {
		action = page.String()
	}
	target, err := resolve(page, action)
	if err != nil {
		return nil, errors.Wrapf(err, "resolve form action %q", f.Action)
	}

	var resp *resty.Response
	if f.Method == http.MethodGet {
		u, perr := url.Parse(target)
		if perr != nil {
			return nil, errors.Wrapf(perr, "parse form action %q", target)
		}
		u.RawQuery = f.Values.Encode()
		resp, err = transport.Request(ctx, s.client).Get(u.String())
	} else {
		resp, err = transport.Request(ctx, s.client).SetFormDataFromValues(f.Values).Post(target)
	}
	transport.TraceInfo(target, resp, err)
	if err := transport.CheckError(resp, err); err != nil {
		return nil, err
	}
	return resp, nil
}

// follow submits the chain of hidden javascript forms that moves a browser between
// the login host and the portal.
func (s *Session) follow(ctx context.Context, resp *resty.Response) (*resty.Response, error) {
	for range maxFormHops {
		if !strings.Contains(resp.Header().Get("Content-Type"), "html") && !looksLikeHTML(resp.Body()) {
			return resp, nil
		}
		doc, err := parseHTML(resp.Body())
		if err != nil {
			return nil, errors.Wrap(err, "parse portal page")
		}
		fs := forms(doc)
		if len(fs) != 1 || !fs[0].autoSubmit() || !submitsOnLoad(doc) {
			return resp, nil
		}
		resp, err = s.submit(ctx, pageURL(resp), fs[0])
		if err != nil {
			return nil, err
		}
	}
	return resp, nil
}

// pageURL is the URL a response was finally served from, after redirects.
func pageURL(resp *resty.Response) *url.URL {
	if resp.RawResponse != nil && resp.RawResponse.Request != nil {
		return resp.RawResponse.Request.URL
	}
	u, _ := url.Parse(resp.Request.URL)
	return u
}
