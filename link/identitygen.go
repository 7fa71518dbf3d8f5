package link

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"crypto/x509/pkix"
	"fmt"
	"math/big"
	"time"
)

const identityKeyBits = 1024

// GenerateIdentity creates a fresh RSA1024 link identity: an identity
// keypair, a self-signed IDENTITY_CERT, and a second throwaway RSA1024
// keypair certified by the identity key as the LINK_KEY cert. Real Tor
// relays rotate the link keypair independently of the identity keypair;
// a service dialing outbound circuits never needs the link private key
// again once the cert is built, so it is discarded here.
func GenerateIdentity() (*Identity, error) {
	idKey, err := rsa.GenerateKey(rand.Reader, identityKeyBits)
	if err != nil {
		return nil, fmt.Errorf("generate identity key: %w", err)
	}
	linkKey, err := rsa.GenerateKey(rand.Reader, identityKeyBits)
	if err != nil {
		return nil, fmt.Errorf("generate link key: %w", err)
	}

	now := time.Now()
	idTemplate, err := newCertTemplate("tor identity", now)
	if err != nil {
		return nil, fmt.Errorf("build identity cert template: %w", err)
	}
	idCertDER, err := x509.CreateCertificate(rand.Reader, idTemplate, idTemplate, idKey.Public(), idKey)
	if err != nil {
		return nil, fmt.Errorf("self-sign identity cert: %w", err)
	}

	linkTemplate, err := newCertTemplate("tor link", now)
	if err != nil {
		return nil, fmt.Errorf("build link cert template: %w", err)
	}
	linkCertDER, err := x509.CreateCertificate(rand.Reader, linkTemplate, idTemplate, linkKey.Public(), idKey)
	if err != nil {
		return nil, fmt.Errorf("sign link cert: %w", err)
	}

	return &Identity{
		PrivateKey:   idKey,
		IdentityCert: idCertDER,
		LinkCert:     linkCertDER,
	}, nil
}

// newCertTemplate builds a minimal certificate template matching the shape
// tor-spec expects for the RSA1024 CERTS cell chain: no extensions, no CA
// bit, just a name, validity window, and SHA256WithRSA signature algorithm.
func newCertTemplate(cn string, now time.Time) (*x509.Certificate, error) {
	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return nil, fmt.Errorf("generate serial: %w", err)
	}
	return &x509.Certificate{
		SerialNumber:          serial,
		Subject:               pkix.Name{CommonName: cn},
		NotBefore:             now.Add(-1 * time.Hour),
		NotAfter:              now.Add(10 * 365 * 24 * time.Hour),
		SignatureAlgorithm:    x509.SHA256WithRSA,
		BasicConstraintsValid: false,
	}, nil
}
