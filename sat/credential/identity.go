package credential

import (
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/asn1"
	"encoding/base64"
	"fmt"
	"strings"
	"time"
	"unicode"
)

// Class of a SAT issued certificate.
type Class int

const (
	ClassUnknown Class = iota
	// ClassFIEL is the advanced electronic signature (e.firma) of a taxpayer.
	ClassFIEL
	// ClassCSD is a seal certificate bound to one branch, it cannot log in.
	ClassCSD
)

func (c Class) String() string {
	switch c {
	case ClassFIEL:
		return "FIEL"
	case ClassCSD:
		return "CSD"
	}
	return "unknown"
}

var oidUniqueIdentifier = asn1.ObjectIdentifier{2, 5, 4, 45}

// Material is the raw upload of one call. It never leaves the call that received it.
type Material struct {
	Certificate []byte
	PrivateKey  []byte
	Passphrase  []byte
}

// Wipe zeroes every buffer.
func (m *Material) Wipe() {
	if m == nil {
		return
	}
	for _, b := range [][]byte{m.Certificate, m.PrivateKey, m.Passphrase} {
		clear(b)
	}
}

// Identity is a verified FIEL: a certificate with its matching RSA key.
type Identity struct {
	Certificate *x509.Certificate
	RFC         string
	Name        string
	Number      string
	Class       Class

	key *rsa.PrivateKey
}

func (i *Identity) PrivateKey() *rsa.PrivateKey { return i.key }

func (i *Identity) Signer() crypto.Signer { return i.key }

// Sign returns a PKCS#1 v1.5 signature of data hashed with h.
func (i *Identity) Sign(data []byte, h crypto.Hash) ([]byte, error) {
	if !h.Available() {
		return nil, fmt.Errorf("hash %v is not available", h)
	}
	hasher := h.New()
	hasher.Write(data)
	return rsa.SignPKCS1v15(rand.Reader, i.key, h, hasher.Sum(nil))
}

func (i *Identity) CertificateBase64() string {
	return base64.StdEncoding.EncodeToString(i.Certificate.Raw)
}

func (i *Identity) ValidFrom() time.Time  { return i.Certificate.NotBefore }
func (i *Identity) ValidUntil() time.Time { return i.Certificate.NotAfter }

// IssuerName is the RFC 4514 issuer DN used by the WS-Security X509IssuerSerial.
func (i *Identity) IssuerName() string { return i.Certificate.Issuer.String() }

// SerialDecimal is the certificate serial in base 10.
func (i *Identity) SerialDecimal() string { return i.Certificate.SerialNumber.String() }

func (i *Identity) String() string {
	return fmt.Sprintf("%s %s (%s, valid until %s)", i.Class, i.RFC, i.Number, i.ValidUntil().Format(time.RFC3339))
}

func classify(cert *x509.Certificate) Class {
	for _, ou := range cert.Subject.OrganizationalUnit {
		if strings.TrimSpace(ou) != "" {
			return ClassCSD
		}
	}
	return ClassFIEL
}

// rfcOf reads the x500UniqueIdentifier; SAT stores "RFC / RFC-of-legal-representative".
func rfcOf(cert *x509.Certificate) string {
	for _, n := range cert.Subject.Names {
		if !n.Type.Equal(oidUniqueIdentifier) {
			continue
		}
		v, ok := n.Value.(string)
		if !ok {
			continue
		}
		fields := strings.FieldsFunc(v, func(r rune) bool { return r == '/' || unicode.IsSpace(r) })
		if len(fields) > 0 {
			return strings.ToUpper(fields[0])
		}
	}
	return ""
}

// certificateNumber is the 20 digit SAT number, stored as ASCII in the serial bytes.
func certificateNumber(cert *x509.Certificate) string {
	b := cert.SerialNumber.Bytes()
	for _, c := range b {
		if c < '0' || c > '9' {
			return fmt.Sprintf("%X", b)
		}
	}
	return string(b)
}
