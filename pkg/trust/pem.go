package trust

import (
	"crypto/x509"
	"encoding/pem"
	"strings"

	"github.com/openchami/oauth2bridge/pkg/errors"
)

// ParseCAPEM decodes every CERTIFICATE block in pemText. At least one
// certificate must be present and all of them must parse.
func ParseCAPEM(pemText string) ([]*x509.Certificate, error) {
	if strings.TrimSpace(pemText) == "" {
		return nil, errors.New(errors.ErrCodeInvalidCACert, "CA certificate is empty")
	}

	var certs []*x509.Certificate
	rest := []byte(pemText)
	for {
		var block *pem.Block
		block, rest = pem.Decode(rest)
		if block == nil {
			break
		}
		if block.Type != "CERTIFICATE" {
			continue
		}
		cert, err := x509.ParseCertificate(block.Bytes)
		if err != nil {
			return nil, errors.Wrap(err, errors.ErrCodeInvalidCACert, "CA certificate could not be parsed")
		}
		certs = append(certs, cert)
	}

	if len(certs) == 0 {
		return nil, errors.New(errors.ErrCodeInvalidCACert, "no PEM certificate found")
	}
	return certs, nil
}
