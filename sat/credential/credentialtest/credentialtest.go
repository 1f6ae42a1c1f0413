// Package credentialtest generates SAT shaped FIEL and CSD credentials for tests.
package credentialtest

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/asn1"
	"encoding/pem"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/alapierre/go-cfdi-proxy/sat/credential"
	"github.com/youmark/pkcs8"
)

const (
	DefaultRFC        = "EKU9003173C9"
	DefaultNumber     = "30001000000500003416"
	DefaultPassphrase = "12345678a"
)

var (
	keyOnce sync.Once
	key     *rsa.PrivateKey
	keyErr  error
)

// Options shape the generated certificate.
type Options struct {
	RFC        string
	Name       string
	Number     string
	Passphrase string
	Branch     string // non empty makes a CSD
	NotBefore  time.Time
	NotAfter   time.Time
	PEM        bool
	Key        *rsa.PrivateKey
}

func sharedKey(t testing.TB) *rsa.PrivateKey {
	keyOnce.Do(func() {
		key, keyErr = rsa.GenerateKey(rand.Reader, 2048)
	})
	if keyErr != nil {
		t.Fatalf("generate key: %v", keyErr)
	}
	return key
}

// OtherKey returns a fresh key that does not match the shared one.
func OtherKey(t testing.TB) *rsa.PrivateKey {
	k, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	return k
}

// New returns material for a self signed certificate shaped like a SAT one.
func New(t testing.TB, o Options) credential.Material {
	t.Helper()
	if o.RFC == "" {
		o.RFC = DefaultRFC
	}
	if o.Name == "" {
		o.Name = "ESCUELA KEMPER URGATE SA DE CV"
	}
	if o.Number == "" {
		o.Number = DefaultNumber
	}
	if o.Passphrase == "" {
		o.Passphrase = DefaultPassphrase
	}
	if o.NotBefore.IsZero() {
		o.NotBefore = time.Now().Add(-24 * time.Hour)
	}
	if o.NotAfter.IsZero() {
		o.NotAfter = time.Now().Add(4 * 365 * 24 * time.Hour)
	}
	k := o.Key
	if k == nil {
		k = sharedKey(t)
	}

	subject := pkix.Name{
		CommonName: o.Name,
		ExtraNames: []pkix.AttributeTypeAndValue{
			{Type: asn1.ObjectIdentifier{2, 5, 4, 45}, Value: o.RFC + " / XIQB891116QE4"},
		},
	}
	if o.Branch != "" {
		subject.OrganizationalUnit = []string{o.Branch}
	}

	tpl := &x509.Certificate{
		SerialNumber: new(big.Int).SetBytes([]byte(o.Number)),
		Subject:      subject,
		NotBefore:    o.NotBefore,
		NotAfter:     o.NotAfter,
		KeyUsage:     x509.KeyUsageDigitalSignature | x509.KeyUsageContentCommitment,
	}
	der, err := x509.CreateCertificate(rand.Reader, tpl, tpl, &k.PublicKey, k)
	if err != nil {
		t.Fatalf("create certificate: %v", err)
	}

	keyDER, err := pkcs8.MarshalPrivateKey(k, []byte(o.Passphrase), nil)
	if err != nil {
		t.Fatalf("marshal encrypted key: %v", err)
	}

	m := credential.Material{
		Certificate: der,
		PrivateKey:  keyDER,
		Passphrase:  []byte(o.Passphrase),
	}
	if o.PEM {
		m.Certificate = pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})
		m.PrivateKey = pem.EncodeToMemory(&pem.Block{Type: "ENCRYPTED PRIVATE KEY", Bytes: keyDER})
	}
	return m
}

// FIEL returns a currently valid FIEL.
func FIEL(t testing.TB) credential.Material {
	return New(t, Options{})
}

// Identity returns a validated identity of a fresh FIEL. The material is wiped
// before returning, as a request handler does.
func Identity(t testing.TB) *credential.Identity {
	t.Helper()
	m := FIEL(t)
	defer m.Wipe()
	id, err := credential.Validate(m)
	if err != nil {
		t.Fatalf("validate test FIEL: %v", err)
	}
	return id
}
