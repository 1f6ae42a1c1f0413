package bulk

import (
	"crypto/sha1"
	"encoding/base64"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alapierre/go-cfdi-proxy/sat"
	"github.com/alapierre/go-cfdi-proxy/sat/credential"
	"github.com/alapierre/go-cfdi-proxy/sat/transport"
	"github.com/beevik/etree"
	dsig "github.com/russellhaering/goxmldsig"
)

// fakeService imitates the four SOAP endpoints of the bulk service.
type fakeService struct {
	t        *testing.T
	server   *httptest.Server
	identity *credential.Identity

	mu          sync.Mutex
	tokenSeq    int
	tokens      map[string]bool
	authCalls   int
	authCode    string // when set Autentica answers with this fault
	submitCode  int
	state       int
	stateCode   string
	listAlways  bool // list package ids whatever the state
	packages    map[string][]byte
	brokenPkg   map[string]bool
	onDownload  func(f *fakeService) // runs under the lock after a package is served
	solicitudes []*etree.Element
	requestSeq  int
}

func newFakeService(t *testing.T, id *credential.Identity) *fakeService {
	f := &fakeService{
		t:          t,
		identity:   id,
		tokens:     map[string]bool{},
		submitCode: codeAccepted,
		state:      1,
		stateCode:  "5000",
		packages:   map[string][]byte{},
		brokenPkg:  map[string]bool{},
	}
	mux := http.NewServeMux()
	mux.HandleFunc("POST /auth", f.authenticate)
	mux.HandleFunc("POST /request", f.authorized(f.request))
	mux.HandleFunc("POST /verify", f.authorized(f.verify))
	mux.HandleFunc("POST /download", f.authorized(f.download))
	f.server = httptest.NewServer(mux)
	t.Cleanup(f.server.Close)
	return f
}

func (f *fakeService) endpoints() sat.Endpoints {
	e := sat.DefaultEndpoints()
	e.Bulk[sat.ServiceCFDI] = sat.BulkEndpoints{
		Authenticate: f.server.URL + "/auth",
		Request:      f.server.URL + "/request",
		Verify:       f.server.URL + "/verify",
		Download:     f.server.URL + "/download",
	}
	return e
}

func (f *fakeService) connector() *Connector {
	o := transport.DefaultOptions()
	o.LegacyTLS = false
	o.Timeout = 10 * time.Second
	return NewConnector(f.endpoints(), o)
}

func (f *fakeService) set(fn func(f *fakeService)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	fn(f)
}

func (f *fakeService) authCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.authCalls
}

func (f *fakeService) lastSolicitud() *etree.Element {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.solicitudes) == 0 {
		return nil
	}
	return f.solicitudes[len(f.solicitudes)-1]
}

func (f *fakeService) revokeTokens() {
	f.set(func(f *fakeService) { f.tokens = map[string]bool{} })
}

func (f *fakeService) read(w http.ResponseWriter, r *http.Request, op operation) *etree.Document {
	if got := r.Header.Get("SOAPAction"); got != op.action {
		http.Error(w, "unexpected SOAPAction "+got, http.StatusBadRequest)
		return nil
	}
	body, _ := io.ReadAll(r.Body)
	doc := etree.NewDocument()
	if err := doc.ReadFromBytes(body); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return nil
	}
	return doc
}

func (f *fakeService) authenticate(w http.ResponseWriter, r *http.Request) {
	doc := f.read(w, r, opAuthenticate)
	if doc == nil {
		return
	}

	f.mu.Lock()
	f.authCalls++
	code := f.authCode
	f.tokenSeq++
	token := fmt.Sprintf("token-%d", f.tokenSeq)
	f.mu.Unlock()

	if err := f.checkAuthentica(doc); err != nil {
		writeFault(w, "a:InvalidSecurity", err.Error())
		return
	}
	if code != "" {
		writeFault(w, code, "An error occurred when verifying security for the message.")
		return
	}

	f.set(func(f *fakeService) { f.tokens[token] = true })
	ts := doc.FindElement("//Timestamp")
	writeXML(w, http.StatusOK, `<s:Envelope xmlns:s="`+nsSoap+`" xmlns:u="`+nsWSU+`"><s:Header>`+
		`<o:Security s:mustUnderstand="1" xmlns:o="`+nsWSSE+`"><u:Timestamp u:Id="_0">`+
		`<u:Created>`+childText(ts, "Created")+`</u:Created><u:Expires>`+childText(ts, "Expires")+`</u:Expires>`+
		`</u:Timestamp></o:Security></s:Header><s:Body><AutenticaResponse xmlns="`+nsAuth+`">`+
		`<AutenticaResult>`+token+`</AutenticaResult></AutenticaResponse></s:Body></s:Envelope>`)
}

func (f *fakeService) checkAuthentica(doc *etree.Document) error {
	bst := doc.FindElement("//BinarySecurityToken")
	if bst == nil || bst.Text() != f.identity.CertificateBase64() {
		return fmt.Errorf("missing or foreign certificate")
	}
	ref := doc.FindElement("//Signature/KeyInfo/SecurityTokenReference/Reference")
	if ref == nil || ref.SelectAttrValue("URI", "") != "#"+bst.SelectAttrValue("u:Id", "") {
		return fmt.Errorf("signature does not reference the security token")
	}
	if uri := doc.FindElement("//Signature/SignedInfo/Reference").SelectAttrValue("URI", ""); uri != "#_0" {
		return fmt.Errorf("signature references %q", uri)
	}
	ts := doc.FindElement("//Timestamp")
	return checkDigest(doc.FindElement("//Signature"), ts.Copy(), dsig.MakeC14N10ExclusiveCanonicalizerWithPrefixList(""))
}

// checkDigest recomputes the reference digest of signed with c.
func checkDigest(sig, signed *etree.Element, c dsig.Canonicalizer) error {
	if sig == nil {
		return fmt.Errorf("no signature")
	}
	canonical, err := c.Canonicalize(signed)
	if err != nil {
		return err
	}
	sum := sha1.Sum(canonical)
	want := childText(sig, "DigestValue")
	if got := base64.StdEncoding.EncodeToString(sum[:]); got != want {
		return fmt.Errorf("digest mismatch: %s != %s", got, want)
	}
	return nil
}

func (f *fakeService) authorized(next func(http.ResponseWriter, *http.Request)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h := r.Header.Get("Authorization")
		token := strings.TrimSuffix(strings.TrimPrefix(h, `WRAP access_token="`), `"`)
		f.mu.Lock()
		ok := f.tokens[token]
		f.mu.Unlock()
		if !ok {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		next(w, r)
	}
}

// signedPayload checks the enveloped signature of the des:<tag> element and records it.
func (f *fakeService) signedPayload(w http.ResponseWriter, doc *etree.Document, tag string) *etree.Element {
	el := doc.FindElement("//" + tag)
	if el == nil {
		http.Error(w, "missing "+tag, http.StatusBadRequest)
		return nil
	}
	sig := el.SelectElement("Signature")
	if sig == nil {
		writeFault(w, "a:InvalidSecurity", "unsigned request")
		return nil
	}
	el.RemoveChild(sig)
	if err := checkDigest(sig, el, dsig.MakeC14N10RecCanonicalizer()); err != nil {
		writeFault(w, "a:InvalidSecurity", err.Error())
		return nil
	}
	el.AddChild(sig)
	return el
}

func (f *fakeService) request(w http.ResponseWriter, r *http.Request) {
	action := r.Header.Get("SOAPAction")
	var op operation
	for _, o := range []operation{opIssued, opReceived, opFolio} {
		if o.action == action {
			op = o
		}
	}
	doc := f.read(w, r, op)
	if doc == nil {
		return
	}
	sol := f.signedPayload(w, doc, "solicitud")
	if sol == nil {
		return
	}

	f.mu.Lock()
	f.solicitudes = append(f.solicitudes, sol.Copy())
	f.requestSeq++
	id := fmt.Sprintf("4e80345d-917f-40bb-a98f-4a73939343c%d", f.requestSeq%10)
	code := f.submitCode
	f.mu.Unlock()

	if code != codeAccepted {
		writeXML(w, http.StatusOK, answerXML(op, fmt.Sprintf(`CodEstatus="%d" Mensaje="Rechazada"`, code), ""))
		return
	}
	writeXML(w, http.StatusOK, answerXML(op, `IdSolicitud="`+id+`" CodEstatus="5000" Mensaje="Solicitud Aceptada"`, ""))
}

func (f *fakeService) verify(w http.ResponseWriter, r *http.Request) {
	doc := f.read(w, r, opVerify)
	if doc == nil {
		return
	}
	sol := f.signedPayload(w, doc, "solicitud")
	if sol == nil {
		return
	}

	f.mu.Lock()
	state, code, listAlways := f.state, f.stateCode, f.listAlways
	var ids []string
	for id := range f.packages {
		ids = append(ids, id)
	}
	for id := range f.brokenPkg {
		ids = append(ids, id)
	}
	f.mu.Unlock()

	var inner strings.Builder
	if state == 3 || listAlways {
		for _, id := range ids {
			inner.WriteString("<IdsPaquetes>" + id + "</IdsPaquetes>")
		}
	}
	attrs := fmt.Sprintf(`CodEstatus="5000" EstadoSolicitud="%d" CodigoEstadoSolicitud="%s" NumeroCFDIs="%d" Mensaje="Solicitud Aceptada"`, state, code, len(ids)*10)
	writeXML(w, http.StatusOK, answerXML(opVerify, attrs, inner.String()))
}

func (f *fakeService) download(w http.ResponseWriter, r *http.Request) {
	doc := f.read(w, r, opDownload)
	if doc == nil {
		return
	}
	req := f.signedPayload(w, doc, "peticionDescarga")
	if req == nil {
		return
	}
	id := req.SelectAttrValue("IdPaquete", "")

	f.mu.Lock()
	content, ok := f.packages[id]
	broken := f.brokenPkg[id]
	f.mu.Unlock()

	header := `<h:respuesta xmlns:h="` + nsDes + `" CodEstatus="5000" Mensaje="Solicitud Aceptada"/>`
	switch {
	case broken:
		writeFault(w, "s:Server", "internal error")
		return
	case !ok:
		header = `<h:respuesta xmlns:h="` + nsDes + `" CodEstatus="5004" Mensaje="No se encontró la información"/>`
	}
	writeXML(w, http.StatusOK, `<s:Envelope xmlns:s="`+nsSoap+`"><s:Header>`+header+`</s:Header><s:Body>`+
		`<RespuestaDescargaMasivaTercerosSalida xmlns="`+nsDes+`"><Paquete>`+base64.StdEncoding.EncodeToString(content)+`</Paquete>`+
		`</RespuestaDescargaMasivaTercerosSalida></s:Body></s:Envelope>`)
	f.set(func(f *fakeService) {
		if f.onDownload != nil {
			f.onDownload(f)
		}
	})
}

func answerXML(op operation, attrs, inner string) string {
	return `<s:Envelope xmlns:s="` + nsSoap + `"><s:Body><` + op.name + `Response xmlns="` + nsDes + `">` +
		`<` + op.result + ` ` + attrs + `>` + inner + `</` + op.result + `>` +
		`</` + op.name + `Response></s:Body></s:Envelope>`
}

func writeFault(w http.ResponseWriter, code, msg string) {
	writeXML(w, http.StatusInternalServerError, `<s:Envelope xmlns:s="`+nsSoap+`"><s:Body><s:Fault>`+
		`<faultcode xmlns:a="http://docs.oasis-open.org/wss/2004/01/oasis-200401-wss-wssecurity-secext-1.0.xsd">`+code+`</faultcode>`+
		`<faultstring xml:lang="en-US">`+msg+`</faultstring></s:Fault></s:Body></s:Envelope>`)
}

func writeXML(w http.ResponseWriter, status int, body string) {
	w.Header().Set("Content-Type", "text/xml; charset=utf-8")
	w.WriteHeader(status)
	_, _ = io.WriteString(w, body)
}
