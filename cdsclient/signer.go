package cdsclient

import (
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"os"
	"time"

	jose "github.com/go-jose/go-jose/v4"
	"github.com/go-jose/go-jose/v4/jwt"
)

// ServiceSigner mints a short-lived bearer JWT for each outbound CDS
// request, the same PEM-to-signer shape as the GitHub App installation
// token flow this system is descended from, but keyed by
// CDS_SERVICE_TOKEN_KEY and scoped to this service rather than an
// installation.
type ServiceSigner struct {
	issuer string
	signer jose.Signer
}

// NewServiceSigner reads an RSA private key PEM from path and builds a
// signer that issues tokens under issuer.
func NewServiceSigner(path, issuer string) (*ServiceSigner, error) {
	pemData, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("unable to read CDS service token key: %w", err)
	}

	block, _ := pem.Decode(pemData)
	if block == nil || block.Type != "RSA PRIVATE KEY" {
		return nil, fmt.Errorf("failed to decode PEM block containing CDS service token key")
	}

	key, err := x509.ParsePKCS1PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("unable to parse CDS service token key: %w", err)
	}

	signer, err := jose.NewSigner(jose.SigningKey{Algorithm: jose.RS256, Key: key}, nil)
	if err != nil {
		return nil, fmt.Errorf("unable to build CDS service token signer: %w", err)
	}

	return &ServiceSigner{issuer: issuer, signer: signer}, nil
}

// Token mints a bearer token good for a couple of minutes, which covers one
// request (requests are not retried).
func (s *ServiceSigner) Token() (string, error) {
	claims := jwt.Claims{
		Issuer:   s.issuer,
		IssuedAt: jwt.NewNumericDate(time.Now().Add(-30 * time.Second)),
		Expiry:   jwt.NewNumericDate(time.Now().Add(2 * time.Minute)),
	}
	return jwt.Signed(s.signer).Claims(claims).Serialize()
}
