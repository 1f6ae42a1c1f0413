package sat

import (
	"fmt"
	"net/url"
	"strings"
)

const (
	DefaultPortalBase  = "https://portalcfdi.facturaelectronica.sat.gob.mx"
	DefaultPortalLogin = "https://cfdiau.sat.gob.mx/nidp/app/login?id=SATx509Custom&sid=0&option=credential&sid=0"
)

// BulkEndpoints is one bulk web service family.
type BulkEndpoints struct {
	Authenticate string
	Request      string
	Verify       string
	Download     string
}

// Endpoints groups every remote URL the proxy talks to.
type Endpoints struct {
	PortalBase  string
	PortalLogin string
	Bulk        map[ServiceType]BulkEndpoints
}

func DefaultEndpoints() Endpoints {
	return Endpoints{
		PortalBase:  DefaultPortalBase,
		PortalLogin: DefaultPortalLogin,
		Bulk: map[ServiceType]BulkEndpoints{
			ServiceCFDI: {
				Authenticate: "https://cfdidescargamasivasolicitud.clouda.sat.gob.mx/Autenticacion/Autenticacion.svc",
				Request:      "https://cfdidescargamasivasolicitud.clouda.sat.gob.mx/SolicitaDescargaService.svc",
				Verify:       "https://cfdidescargamasivasolicitud.clouda.sat.gob.mx/VerificaSolicitudDescargaService.svc",
				Download:     "https://cfdidescargamasiva.clouda.sat.gob.mx/DescargaMasivaService.svc",
			},
			ServiceRetenciones: {
				Authenticate: "https://retendescargamasivasolicitud.clouda.sat.gob.mx/Autenticacion/Autenticacion.svc",
				Request:      "https://retendescargamasivasolicitud.clouda.sat.gob.mx/SolicitaDescargaService.svc",
				Verify:       "https://retendescargamasivasolicitud.clouda.sat.gob.mx/VerificaSolicitudDescargaService.svc",
				Download:     "https://retendescargamasiva.clouda.sat.gob.mx/DescargaMasivaService.svc",
			},
		},
	}
}

// BulkFor returns the endpoint family of t.
func (e Endpoints) BulkFor(t ServiceType) (BulkEndpoints, error) {
	b, ok := e.Bulk[t]
	if !ok {
		return BulkEndpoints{}, fmt.Errorf("no bulk endpoints configured for service type %q", t)
	}
	return b, nil
}

// PortalURL resolves a portal relative path against PortalBase.
func (e Endpoints) PortalURL(path string) (string, error) {
	base, err := url.Parse(strings.TrimRight(e.PortalBase, "/") + "/")
	if err != nil {
		return "", fmt.Errorf("invalid portal base URL: %w", err)
	}
	ref, err := url.Parse(strings.TrimLeft(path, "/"))
	if err != nil {
		return "", fmt.Errorf("invalid portal path %q: %w", path, err)
	}
	return base.ResolveReference(ref).String(), nil
}

// Validate checks that every configured URL is absolute.
func (e Endpoints) Validate() error {
	urls := []string{e.PortalBase, e.PortalLogin}
	for _, b := range e.Bulk {
		urls = append(urls, b.Authenticate, b.Request, b.Verify, b.Download)
	}
	for _, raw := range urls {
		u, err := url.Parse(raw)
		if err != nil || u.Scheme == "" || u.Host == "" {
			return fmt.Errorf("endpoint URL must include scheme and host, got: %q", raw)
		}
	}
	return nil
}
