package credential

import (
	"bytes"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"

	"github.com/youmark/pkcs8"
)

// ParseCertificate accepts a DER (.cer as issued by SAT) or PEM encoded certificate.
// The result does not alias b, so b may be wiped afterwards.
func ParseCertificate(b []byte) (*x509.Certificate, error) {
	if len(b) == 0 {
		return nil, errors.New("certificate is empty")
	}
	if block, _ := pem.Decode(b); block != nil {
		if block.Type != "CERTIFICATE" {
			return nil, fmt.Errorf("unexpected PEM block: %s", block.Type)
		}
		b = block.Bytes
	}
	cert, err := x509.ParseCertificate(bytes.Clone(b))
	if err != nil {
		return nil, fmt.Errorf("parse x509: %w", err)
	}
	return cert, nil
}

// ParsePrivateKey decodes the SAT .key: an encrypted PKCS#8 structure in DER, or the
// same wrapped in an ENCRYPTED PRIVATE KEY PEM block. Unencrypted PKCS#8 and PKCS#1
// PEM keys are accepted when password is empty.
func ParsePrivateKey(b []byte, password []byte) (*rsa.PrivateKey, error) {
	if len(b) == 0 {
		return nil, errors.New("private key is empty")
	}

	rest := b
	for len(rest) > 0 {
		var block *pem.Block
		block, rest = pem.Decode(rest)
		if block == nil {
			break
		}
		switch block.Type {
		case "ENCRYPTED PRIVATE KEY":
			if len(password) == 0 {
				return nil, errors.New("password is required for ENCRYPTED PRIVATE KEY")
			}
			return decodePKCS8(block.Bytes, password)
		case "PRIVATE KEY":
			return decodePKCS8(block.Bytes, nil)
		case "RSA PRIVATE KEY":
			k, err := x509.ParsePKCS1PrivateKey(block.Bytes)
			if err != nil {
				return nil, fmt.Errorf("parse PKCS#1 private key: %w", err)
			}
			return k, nil
		}
	}

	return decodePKCS8(b, password)
}

func decodePKCS8(der []byte, password []byte) (*rsa.PrivateKey, error) {
	var (
		keyAny any
		err    error
	)
	if len(password) == 0 {
		keyAny, err = pkcs8.ParsePKCS8PrivateKey(der)
	} else {
		keyAny, err = pkcs8.ParsePKCS8PrivateKey(der, password)
	}
	if err != nil {
		return nil, fmt.Errorf("decrypt PKCS#8 private key: %w", err)
	}

	k, ok := keyAny.(*rsa.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("unsupported key type in PKCS#8: %T (expected RSA)", keyAny)
	}
	return k, nil
}
