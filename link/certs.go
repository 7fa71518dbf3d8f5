package link

import (
	"crypto"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/binary"
	"fmt"
	"log/slog"
	"time"
)

// CERTS cell cert types (tor-spec §4.2, RSA1024 chain).
const (
	certTypeLinkKey       = 1 // RSA1024 link key, certified by the RSA1024 identity key
	certTypeIdentitySelf  = 2 // RSA1024 identity, self-signed
	certTypeAuthLinkCert  = 3 // RSA1024 AUTHENTICATE cell link certificate
)

// verifyRSASignature checks child's signature was produced by parent's RSA
// public key, hashing child's TBS certificate with the algorithm child
// declares. x509.Certificate.CheckSignatureFrom enforces CA key-usage
// profile bits that Tor's minimal identity certs don't carry, so the
// signature is checked directly instead.
func verifyRSASignature(child, parent *x509.Certificate) error {
	var hash crypto.Hash
	switch child.SignatureAlgorithm {
	case x509.SHA1WithRSA:
		hash = crypto.SHA1
	case x509.SHA256WithRSA:
		hash = crypto.SHA256
	default:
		return fmt.Errorf("unsupported certificate signature algorithm %v", child.SignatureAlgorithm)
	}
	parentKey, ok := parent.PublicKey.(*rsa.PublicKey)
	if !ok {
		return fmt.Errorf("parent certificate key is not RSA")
	}
	h := hash.New()
	h.Write(child.RawTBSCertificate)
	digest := h.Sum(nil)
	return rsa.VerifyPKCS1v15(parentKey, hash, digest, child.Signature)
}

// validateCerts parses a CERTS cell carrying the RSA1024 chain and returns
// the relay's RSA identity public key. Exactly one IDENTITY cert (type 2)
// and one LINK_KEY cert (type 1) are required: the identity cert
// self-signs, the link-key cert is signed by the identity key, and the
// link-key cert's public key must match the key in the peer's TLS
// certificate (binding the RSA identity to this specific connection).
func validateCerts(payload []byte, tlsCertDER []byte, logger *slog.Logger) (*rsa.PublicKey, error) {
	if len(payload) < 1 {
		return nil, fmt.Errorf("empty CERTS payload")
	}
	nCerts := payload[0]
	logger.Debug("certs cell", "n_certs", nCerts)

	pos := 1
	var identityCert, linkCert *x509.Certificate

	for i := uint8(0); i < nCerts; i++ {
		if pos+3 > len(payload) {
			return nil, fmt.Errorf("certs cell truncated at cert %d", i)
		}
		certType := payload[pos]
		certLen := int(binary.BigEndian.Uint16(payload[pos+1:]))
		pos += 3
		if pos+certLen > len(payload) {
			return nil, fmt.Errorf("cert %d data overflows (type=%d, len=%d)", i, certType, certLen)
		}
		certData := payload[pos : pos+certLen]
		pos += certLen

		logger.Debug("cert entry", "index", i, "type", certType, "len", certLen)

		switch certType {
		case certTypeIdentitySelf:
			c, err := x509.ParseCertificate(certData)
			if err != nil {
				return nil, fmt.Errorf("parse identity cert: %w", err)
			}
			identityCert = c
		case certTypeLinkKey:
			c, err := x509.ParseCertificate(certData)
			if err != nil {
				return nil, fmt.Errorf("parse link-key cert: %w", err)
			}
			linkCert = c
		default:
			logger.Debug("skipping cert", "type", certType)
		}
	}

	if identityCert == nil {
		return nil, fmt.Errorf("missing IDENTITY_CERT (type 2)")
	}
	if linkCert == nil {
		return nil, fmt.Errorf("missing LINK_KEY cert (type 1)")
	}

	now := time.Now()
	if now.Before(identityCert.NotBefore) || now.After(identityCert.NotAfter) {
		return nil, fmt.Errorf("identity cert not valid at %v", now)
	}
	if now.Before(linkCert.NotBefore) || now.After(linkCert.NotAfter) {
		return nil, fmt.Errorf("link-key cert not valid at %v", now)
	}

	if err := verifyRSASignature(identityCert, identityCert); err != nil {
		return nil, fmt.Errorf("identity cert self-signature: %w", err)
	}
	if err := verifyRSASignature(linkCert, identityCert); err != nil {
		return nil, fmt.Errorf("link-key cert signature: %w", err)
	}

	linkKey, ok := linkCert.PublicKey.(*rsa.PublicKey)
	if !ok {
		return nil, fmt.Errorf("link-key cert public key is not RSA")
	}

	tlsCert, err := x509.ParseCertificate(tlsCertDER)
	if err != nil {
		return nil, fmt.Errorf("parse peer TLS certificate: %w", err)
	}
	tlsKey, ok := tlsCert.PublicKey.(*rsa.PublicKey)
	if !ok {
		return nil, fmt.Errorf("peer TLS certificate key is not RSA")
	}
	if linkKey.N.Cmp(tlsKey.N) != 0 || linkKey.E != tlsKey.E {
		return nil, fmt.Errorf("link-key cert public key does not match TLS certificate key")
	}

	identityKey, ok := identityCert.PublicKey.(*rsa.PublicKey)
	if !ok {
		return nil, fmt.Errorf("identity cert public key is not RSA")
	}

	logger.Debug("certs validated", "identity_fingerprint", fmt.Sprintf("%x", sha256.Sum256(identityCert.Raw))[:16])
	return identityKey, nil
}
