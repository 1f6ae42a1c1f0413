package credential

import (
	"crypto/rsa"

	"github.com/alapierre/go-cfdi-proxy/sat"
	"github.com/jonboulle/clockwork"
	"github.com/sirupsen/logrus"
)

var logger = logrus.WithField("component", "sat.credential")

// Validator turns uploaded material into a verified FIEL identity.
type Validator struct {
	clock clockwork.Clock
}

type Option func(*Validator)

func WithClock(c clockwork.Clock) Option {
	return func(v *Validator) {
		v.clock = c
	}
}

func NewValidator(opts ...Option) *Validator {
	v := &Validator{clock: clockwork.NewRealClock()}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

// Validate checks format, key ownership, class and validity window, in that order.
func (v *Validator) Validate(m Material) (*Identity, error) {
	cert, err := ParseCertificate(m.Certificate)
	if err != nil {
		return nil, sat.WrapError(err, sat.KindInvalidCredentialFormat, "certificate could not be parsed")
	}

	key, err := ParsePrivateKey(m.PrivateKey, m.Passphrase)
	if err != nil {
		return nil, sat.WrapError(err, sat.KindInvalidCredentialFormat, "private key could not be opened with the given passphrase")
	}

	pub, ok := cert.PublicKey.(*rsa.PublicKey)
	if !ok || !pub.Equal(&key.PublicKey) {
		return nil, sat.NewError(sat.KindInvalidCredentialFormat, "private key does not belong to the certificate")
	}

	id := &Identity{
		Certificate: cert,
		RFC:         rfcOf(cert),
		Name:        cert.Subject.CommonName,
		Number:      certificateNumber(cert),
		Class:       classify(cert),
		key:         key,
	}
	if id.RFC == "" {
		return nil, sat.NewError(sat.KindInvalidCredentialFormat, "certificate carries no RFC")
	}

	if id.Class != ClassFIEL {
		logger.WithFields(logrus.Fields{"rfc": id.RFC, "number": id.Number, "class": id.Class}).
			Info("rejected credential of wrong class")
		return nil, sat.Errorf(sat.KindWrongCredentialClass, "certificate is a %s, a FIEL is required", id.Class)
	}

	now := v.clock.Now()
	if now.Before(cert.NotBefore) {
		return nil, sat.NewError(sat.KindCredentialExpired, "certificate is not valid yet")
	}
	if now.After(cert.NotAfter) {
		return nil, sat.NewError(sat.KindCredentialExpired, "certificate has expired")
	}

	logger.WithFields(logrus.Fields{"rfc": id.RFC, "number": id.Number}).Debug("credential validated")
	return id, nil
}

// Validate uses a validator bound to the real clock.
func Validate(m Material) (*Identity, error) {
	return NewValidator().Validate(m)
}
