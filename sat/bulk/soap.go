package bulk

import (
	"crypto/tls"
	"fmt"
	"strconv"
	"strings"

	"github.com/alapierre/go-cfdi-proxy/sat"
	"github.com/alapierre/go-cfdi-proxy/sat/credential"
	"github.com/beevik/etree"
	dsig "github.com/russellhaering/goxmldsig"
)

const (
	nsSoap  = "http://schemas.xmlsoap.org/soap/envelope/"
	nsWSU   = "http://docs.oasis-open.org/wss/2004/01/oasis-200401-wss-wssecurity-utility-1.0.xsd"
	nsWSSE  = "http://docs.oasis-open.org/wss/2004/01/oasis-200401-wss-wssecurity-secext-1.0.xsd"
	nsDes   = "http://DescargaMasivaTerceros.sat.gob.mx"
	nsAuth  = "http://DescargaMasivaTerceros.gob.mx"
	nsDsig  = "http://www.w3.org/2000/09/xmldsig#"
	x509v3  = "http://docs.oasis-open.org/wss/2004/01/oasis-200401-wss-x509-token-profile-1.0#X509v3"
	b64Bin  = "http://docs.oasis-open.org/wss/2004/01/oasis-200401-wss-soap-message-security-1.0#Base64Binary"
	timeFmt = "2006-01-02T15:04:05"
)

// operation is one SOAP operation of the bulk service.
type operation struct {
	name   string // element wrapping the signed payload
	action string // SOAPAction header
	result string // element carrying CodEstatus in the answer
}

var (
	opAuthenticate = operation{name: "Autentica", action: nsAuth + "/IAutenticacion/Autentica", result: "AutenticaResult"}
	opIssued       = operation{name: "SolicitaDescargaEmitidos", action: nsDes + "/ISolicitaDescargaService/SolicitaDescargaEmitidos", result: "SolicitaDescargaEmitidosResult"}
	opReceived     = operation{name: "SolicitaDescargaRecibidos", action: nsDes + "/ISolicitaDescargaService/SolicitaDescargaRecibidos", result: "SolicitaDescargaRecibidosResult"}
	opFolio        = operation{name: "SolicitaDescargaFolio", action: nsDes + "/ISolicitaDescargaService/SolicitaDescargaFolio", result: "SolicitaDescargaFolioResult"}
	opVerify       = operation{name: "VerificaSolicitudDescarga", action: nsDes + "/IVerificaSolicitudDescargaService/VerificaSolicitudDescarga", result: "VerificaSolicitudDescargaResult"}
	opDownload     = operation{name: "PeticionDescargaMasivaTercerosEntrada", action: nsDes + "/IDescargaMasivaTercerosService/Descargar", result: "respuesta"}
)

// submitOps maps a direction to its request operation.
var submitOps = map[sat.Direction]operation{
	sat.Issued:   opIssued,
	sat.Received: opReceived,
}

// codeAccepted is the CodEstatus of every accepted call.
const codeAccepted = 5000

// authCodes are the CodEstatus values meaning the signature or the FIEL was refused.
var authCodes = map[int]bool{300: true, 301: true, 302: true, 303: true, 304: true, 305: true}

// Fault is a SOAP fault answered by the service.
type Fault struct {
	Code   string
	String string
}

func (f *Fault) Error() string {
	return fmt.Sprintf("soap fault %s: %s", f.Code, f.String)
}

// newEnvelope returns an envelope whose body holds an empty des:<op> element.
func newEnvelope(op operation) (*etree.Document, *etree.Element) {
	doc := etree.NewDocument()
	env := doc.CreateElement("s:Envelope")
	env.CreateAttr("xmlns:s", nsSoap)
	env.CreateAttr("xmlns:des", nsDes)
	env.CreateAttr("xmlns:xd", nsDsig)
	env.CreateElement("s:Header")
	body := env.CreateElement("s:Body")
	return doc, body.CreateElement("des:" + op.name)
}

func signingContext(id *credential.Identity, c dsig.Canonicalizer) (*dsig.SigningContext, error) {
	ks := dsig.TLSCertKeyStore(tls.Certificate{
		Certificate: [][]byte{id.Certificate.Raw},
		PrivateKey:  id.PrivateKey(),
	})
	ctx := dsig.NewDefaultSigningContext(ks)
	ctx.Prefix = ""
	ctx.Canonicalizer = c
	if err := ctx.SetSignatureMethod(dsig.RSASHA1SignatureMethod); err != nil {
		return nil, err
	}
	return ctx, nil
}

// signEnveloped appends an enveloped XML-DSig signature to el, with the certificate
// issuer and serial in KeyInfo.
func signEnveloped(id *credential.Identity, el *etree.Element) error {
	ctx, err := signingContext(id, dsig.MakeC14N10RecCanonicalizer())
	if err != nil {
		return err
	}
	sig, err := ctx.ConstructSignature(el, true)
	if err != nil {
		return fmt.Errorf("sign %s: %w", el.Tag, err)
	}
	if data := sig.FindElement("./KeyInfo/X509Data"); data != nil {
		serial := etree.NewElement("X509IssuerSerial")
		serial.CreateElement("X509IssuerName").SetText(id.IssuerName())
		serial.CreateElement("X509SerialNumber").SetText(id.SerialDecimal())
		data.InsertChildAt(0, serial)
	}
	el.AddChild(sig)
	return nil
}

// signTimestamp signs the WS-Security timestamp of an Autentica envelope and points
// KeyInfo at the BinarySecurityToken.
func signTimestamp(id *credential.Identity, doc *etree.Document, tokenID string) error {
	ts := doc.FindElement("//Timestamp")
	sec := doc.FindElement("//Security")
	if ts == nil || sec == nil {
		return fmt.Errorf("envelope has no WS-Security timestamp")
	}

	ctx, err := signingContext(id, dsig.MakeC14N10ExclusiveCanonicalizerWithPrefixList(""))
	if err != nil {
		return err
	}
	ctx.IdAttribute = "u:Id"

	sig, err := ctx.ConstructSignature(ts, false)
	if err != nil {
		return fmt.Errorf("sign timestamp: %w", err)
	}
	if ki := sig.FindElement("./KeyInfo"); ki != nil {
		for _, c := range ki.ChildElements() {
			ki.RemoveChild(c)
		}
		str := ki.CreateElement("o:SecurityTokenReference")
		ref := str.CreateElement("o:Reference")
		ref.CreateAttr("ValueType", x509v3)
		ref.CreateAttr("URI", "#"+tokenID)
	}
	sec.AddChild(sig)
	return nil
}

// parseEnvelope reads an answer and returns its SOAP fault as an error, if any.
func parseEnvelope(body []byte) (*etree.Document, error) {
	doc := etree.NewDocument()
	if err := doc.ReadFromBytes(body); err != nil {
		return nil, fmt.Errorf("parse soap answer: %w", err)
	}
	if f := doc.FindElement("//Body/Fault"); f != nil {
		return doc, &Fault{Code: childText(f, "faultcode"), String: childText(f, "faultstring")}
	}
	return doc, nil
}

func childText(el *etree.Element, tag string) string {
	if c := el.FindElement(".//" + tag); c != nil {
		return strings.TrimSpace(c.Text())
	}
	return ""
}

// status reads CodEstatus and Mensaje of el and classifies a refusal.
func status(el *etree.Element, kind sat.Kind) error {
	raw := el.SelectAttrValue("CodEstatus", "")
	msg := el.SelectAttrValue("Mensaje", "")
	code, err := strconv.Atoi(raw)
	if err != nil {
		return sat.NewRemoteError(kind, raw, "answer carries no valid CodEstatus")
	}
	if code == codeAccepted {
		return nil
	}
	if authCodes[code] {
		return sat.NewRemoteError(sat.KindAuthenticationFailed, raw, msg)
	}
	return sat.NewRemoteError(kind, raw, msg)
}
