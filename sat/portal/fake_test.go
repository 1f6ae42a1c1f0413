package portal

import (
	"crypto"
	"crypto/rsa"
	"crypto/sha1"
	"encoding/base64"
	"fmt"
	"html/template"
	"net/http"
	"net/http/httptest"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alapierre/go-cfdi-proxy/sat"
	"github.com/alapierre/go-cfdi-proxy/sat/credential"
	"github.com/alapierre/go-cfdi-proxy/sat/transport"
)

const fakeGUID = "7f1e2c9a-guid"

type fakeDoc struct {
	UUID      string
	Direction sat.Direction
	IssuedAt  time.Time
	Cancelled bool
}

// fakePortal imitates the login host and the CFDI portal in one server.
type fakePortal struct {
	t        *testing.T
	srv      *httptest.Server
	identity *credential.Identity

	mu          sync.Mutex
	sessions    map[string]bool
	docs        []fakeDoc
	failing     map[string]bool // UUIDs whose XML download fails
	flaky       map[string]int  // UUIDs answered with 503 that many times
	hits        map[string]int
	loginOutage int
	brokenPages map[string]bool
	reject      bool
	searches    []map[string]string
	downloads   atomic.Int32
}

func newFakePortal(t *testing.T, id *credential.Identity) *fakePortal {
	f := &fakePortal{
		t:           t,
		identity:    id,
		sessions:    map[string]bool{},
		failing:     map[string]bool{},
		flaky:       map[string]int{},
		hits:        map[string]int{},
		brokenPages: map[string]bool{},
	}
	mux := http.NewServeMux()
	mux.HandleFunc("GET /login", f.loginPage)
	mux.HandleFunc("POST /login/submit", f.loginSubmit)
	mux.HandleFunc("POST /landing", f.landing)
	mux.HandleFunc("GET /{$}", f.home)
	mux.HandleFunc("GET /logout.aspx", f.logout)
	mux.HandleFunc("/ConsultaEmisor.aspx", f.searchPage(sat.Issued))
	mux.HandleFunc("/ConsultaReceptor.aspx", f.searchPage(sat.Received))
	mux.HandleFunc("GET /RecuperaCfdi.aspx", f.download("xml"))
	mux.HandleFunc("GET /RepresentacionImpresa.aspx", f.download("pdf"))
	f.srv = httptest.NewServer(mux)
	t.Cleanup(f.srv.Close)
	return f
}

func (f *fakePortal) endpoints() sat.Endpoints {
	e := sat.DefaultEndpoints()
	e.PortalBase = f.srv.URL
	e.PortalLogin = f.srv.URL + "/login?id=SATx509Custom"
	return e
}

func (f *fakePortal) connector() *Connector {
	o := transport.DefaultOptions()
	o.LegacyTLS = false
	o.Timeout = 10 * time.Second
	o.RetryWait = time.Millisecond
	o.RetryMaxWait = 2 * time.Millisecond
	return NewConnector(f.endpoints(), o)
}

func (f *fakePortal) addDocs(docs ...fakeDoc) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.docs = append(f.docs, docs...)
}

func (f *fakePortal) failDownload(id string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failing[id] = true
}

func (f *fakePortal) flakyDownload(id string, times int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.flaky[id] = times
}

func (f *fakePortal) downloadHits(id string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.hits[id]
}

// failLogins answers the login page with 503 the next n times.
func (f *fakePortal) failLogins(n int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.loginOutage = n
}

func (f *fakePortal) breakPage(path string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.brokenPages[path] = true
}

func (f *fakePortal) rejectLogins() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reject = true
}

func (f *fakePortal) searchCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.searches)
}

func (f *fakePortal) lastSearch() map[string]string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.searches[len(f.searches)-1]
}

func (f *fakePortal) expireSessions() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sessions = map[string]bool{}
}

func (f *fakePortal) authenticated(r *http.Request) bool {
	c, err := r.Cookie("portal")
	if err != nil {
		return false
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.sessions[c.Value]
}

const loginHTML = `<html><body>
<form id="certform" method="post" action="/login/submit">
<input type="hidden" name="guid" value="{{.GUID}}"/>
<input type="hidden" name="token" value=""/>
<input type="hidden" name="fert" value=""/>
<input type="password" name="privateKeyPassword" value=""/>
<input type="file" name="fileCertificate"/>
</form>
{{if .Error}}<div id="msgError">{{.Error}}</div>{{end}}
</body></html>`

var loginTpl = template.Must(template.New("login").Parse(loginHTML))

func (f *fakePortal) loginPage(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	down := f.loginOutage > 0
	if down {
		f.loginOutage--
	}
	f.mu.Unlock()
	if down {
		w.WriteHeader(http.StatusServiceUnavailable)
		return
	}
	f.renderLogin(w, "")
}

func (f *fakePortal) renderLogin(w http.ResponseWriter, msg string) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_ = loginTpl.Execute(w, map[string]string{"GUID": fakeGUID, "Error": msg})
}

func (f *fakePortal) loginSubmit(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	reject := f.reject
	f.mu.Unlock()
	if err := f.checkToken(r); err != nil || reject {
		f.renderLogin(w, "El certificado no es valido")
		return
	}
	sid := fmt.Sprintf("s%d", time.Now().UnixNano())
	f.mu.Lock()
	f.sessions[sid] = true
	f.mu.Unlock()
	http.SetCookie(w, &http.Cookie{Name: "portal", Value: sid, Path: "/"})
	w.Header().Set("Content-Type", "text/html")
	_, _ = w.Write([]byte(`<html><body onload="document.forms[0].submit()">
<form method="post" action="/landing"><input type="hidden" name="wresult" value="assertion"/></form>
</body></html>`))
}

func (f *fakePortal) checkToken(r *http.Request) error {
	if r.PostFormValue("credentialsRequired") != "CERT" || r.PostFormValue("fert") == "" {
		return fmt.Errorf("missing login fields")
	}
	raw, err := base64.StdEncoding.DecodeString(r.PostFormValue("token"))
	if err != nil {
		return err
	}
	parts := strings.SplitN(string(raw), "#", 2)
	if len(parts) != 2 {
		return fmt.Errorf("malformed token")
	}
	co, err := base64.StdEncoding.DecodeString(parts[0])
	if err != nil {
		return err
	}
	sig, err := base64.StdEncoding.DecodeString(parts[1])
	if err != nil {
		return err
	}
	want := fakeGUID + "|" + f.identity.RFC + "|" + f.identity.Number
	if string(co) != want {
		return fmt.Errorf("unexpected challenge %q", co)
	}
	sum := sha1.Sum(co)
	return rsa.VerifyPKCS1v15(&f.identity.PrivateKey().PublicKey, crypto.SHA1, sum[:], sig)
}

func (f *fakePortal) landing(w http.ResponseWriter, r *http.Request) {
	http.Redirect(w, r, "/", http.StatusFound)
}

func (f *fakePortal) home(w http.ResponseWriter, r *http.Request) {
	if !f.authenticated(r) {
		http.Redirect(w, r, "/login", http.StatusFound)
		return
	}
	w.Header().Set("Content-Type", "text/html")
	fmt.Fprintf(w, `<html><body><div id="rfc">RFC Autenticado:   %s</div></body></html>`, f.identity.RFC)
}

func (f *fakePortal) logout(w http.ResponseWriter, r *http.Request) {
	f.expireSessions()
	w.WriteHeader(http.StatusOK)
}

func (f *fakePortal) searchPage(dir sat.Direction) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !f.authenticated(r) {
			http.Redirect(w, r, "/login", http.StatusFound)
			return
		}
		f.mu.Lock()
		broken := f.brokenPages[r.URL.Path]
		f.mu.Unlock()
		if broken {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		w.Header().Set("Content-Type", "text/html")
		if r.Method == http.MethodGet {
			fmt.Fprint(w, aspNetPage(""))
			return
		}
		if err := r.ParseForm(); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		if r.PostForm.Get("__VIEWSTATE") != "vs" {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		fields := map[string]string{}
		for k := range r.PostForm {
			fields[k] = r.PostForm.Get(k)
		}
		f.mu.Lock()
		f.searches = append(f.searches, fields)
		f.mu.Unlock()

		rows := f.match(dir, r)
		if len(rows) > MaxResultsPerSearch {
			rows = rows[:MaxResultsPerSearch]
		}
		fmt.Fprint(w, aspNetPage(resultTable(rows)))
	}
}

func (f *fakePortal) match(dir sat.Direction, r *http.Request) []fakeDoc {
	f.mu.Lock()
	defer f.mu.Unlock()

	var out []fakeDoc
	if r.PostForm.Get(fieldFilter) == filterByUUID {
		id := r.PostForm.Get(fieldUUID)
		for _, d := range f.docs {
			if d.Direction == dir && d.UUID == id {
				out = append(out, d)
			}
		}
		return out
	}

	since, until := window(dir, r)
	status := r.PostForm.Get(fieldStatus)
	for _, d := range f.docs {
		if d.Direction != dir || d.IssuedAt.Before(since) || d.IssuedAt.After(until) {
			continue
		}
		if status == "1" && d.Cancelled || status == "0" && !d.Cancelled {
			continue
		}
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].IssuedAt.Before(out[j].IssuedAt) })
	return out
}

func window(dir sat.Direction, r *http.Request) (time.Time, time.Time) {
	v := r.PostForm
	num := func(k string) int {
		n, _ := strconv.Atoi(v.Get(k))
		return n
	}
	if dir == sat.Received {
		const cal = "ctl00$MainContent$CldFecha$"
		y, m, d := num(cal+"DdlAnio"), time.Month(num(cal+"DdlMes")), num(cal+"DdlDia")
		return time.Date(y, m, d, num(cal+"DdlHora"), num(cal+"DdlMinuto"), num(cal+"DdlSegundo"), 0, time.UTC),
			time.Date(y, m, d, num(cal+"DdlHoraFin"), num(cal+"DdlMinutoFin"), num(cal+"DdlSegundoFin"), 0, time.UTC)
	}
	at := func(prefix string) time.Time {
		day, _ := time.Parse(dateLayout, v.Get(prefix+"Calendario_text"))
		return day.Add(time.Duration(num(prefix+"DdlHora"))*time.Hour +
			time.Duration(num(prefix+"DdlMinuto"))*time.Minute +
			time.Duration(num(prefix+"DdlSegundo"))*time.Second)
	}
	return at("ctl00$MainContent$CldFechaInicial2$"), at("ctl00$MainContent$CldFechaFinal2$")
}

func aspNetPage(body string) string {
	return `<html><body><form id="aspnetForm" method="post" action="">
<input type="hidden" name="__VIEWSTATE" value="vs"/>
<input type="hidden" name="__EVENTVALIDATION" value="ev"/>
<input type="radio" name="ctl00$MainContent$FiltroCentral" value="RdoFolioFiscal" checked="checked"/>
<input type="text" name="ctl00$MainContent$TxtUUID" value=""/>
<select name="ctl00$MainContent$DdlEstadoComprobante"><option value="-1" selected>Todos</option><option value="1">Vigente</option></select>
<input type="submit" name="ctl00$MainContent$BtnBusqueda" value="Buscar CFDI"/>
` + body + `</form></body></html>`
}

func resultTable(rows []fakeDoc) string {
	var b strings.Builder
	b.WriteString(`<table id="ctl00_MainContent_tblResult"><tr><th>Acciones</th><th>Folio Fiscal</th></tr>`)
	for _, d := range rows {
		status := "Vigente"
		if d.Cancelled {
			status = "Cancelado"
		}
		fmt.Fprintf(&b, `<tr><td>
<span id="BtnDescarga" onclick="return AccionCfdi('RecuperaCfdi.aspx?Datos=%[1]s','Recuperacion');"></span>
<span id="BtnRI" onclick="recuperaRepresentacionImpresa('%[1]s');"></span>
</td><td><span>%[1]s</span></td><td>EKU9003173C9</td><td>ESCUELA KEMPER</td><td>XAXX010101000</td><td>PUBLICO</td>
<td>%[2]s</td><td>%[2]s</td><td>SAT970701NN3</td><td>$1,234.50</td><td>Ingreso</td><td>Cancelable sin aceptación</td>
<td>%[3]s</td><td></td><td></td><td></td></tr>`, d.UUID, d.IssuedAt.Format(cellLayout), status)
	}
	b.WriteString(`</table>`)
	return b.String()
}

func (f *fakePortal) download(kind string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !f.authenticated(r) {
			http.Redirect(w, r, "/login", http.StatusFound)
			return
		}
		f.downloads.Add(1)
		id := r.URL.Query().Get("Datos")
		f.mu.Lock()
		fail := f.failing[id]
		f.hits[id]++
		down := f.flaky[id] > 0
		if down {
			f.flaky[id]--
		}
		f.mu.Unlock()
		if fail {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		if down {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		if kind == "xml" {
			w.Header().Set("Content-Type", "text/xml")
			fmt.Fprintf(w, `<?xml version="1.0"?><cfdi:Comprobante UUID="%s"/>`, id)
			return
		}
		w.Header().Set("Content-Type", "application/pdf")
		fmt.Fprintf(w, "%%PDF-1.4 %s", id)
	}
}

func fakeUUID(i int) string {
	return fmt.Sprintf("5FB2822E-396D-4725-8521-%012X", i)
}
