package link

import (
	"crypto/x509"
	"testing"
	"time"
)

func TestGenerateIdentityProducesValidChain(t *testing.T) {
	identity, err := GenerateIdentity()
	if err != nil {
		t.Fatalf("GenerateIdentity: %v", err)
	}

	idCert, err := x509.ParseCertificate(identity.IdentityCert)
	if err != nil {
		t.Fatalf("parse identity cert: %v", err)
	}
	linkCert, err := x509.ParseCertificate(identity.LinkCert)
	if err != nil {
		t.Fatalf("parse link cert: %v", err)
	}

	if err := verifyRSASignature(idCert, idCert); err != nil {
		t.Fatalf("identity cert should be self-signed: %v", err)
	}
	if err := verifyRSASignature(linkCert, idCert); err != nil {
		t.Fatalf("link cert should be signed by the identity key: %v", err)
	}

	now := time.Now()
	if now.Before(idCert.NotBefore) || now.After(idCert.NotAfter) {
		t.Fatal("identity cert not valid now")
	}
	if now.Before(linkCert.NotBefore) || now.After(linkCert.NotAfter) {
		t.Fatal("link cert not valid now")
	}
}

func TestGenerateIdentityFreshEachCall(t *testing.T) {
	a, err := GenerateIdentity()
	if err != nil {
		t.Fatalf("GenerateIdentity: %v", err)
	}
	b, err := GenerateIdentity()
	if err != nil {
		t.Fatalf("GenerateIdentity: %v", err)
	}
	if a.PrivateKey.Equal(b.PrivateKey) {
		t.Fatal("two calls should generate distinct identity keys")
	}
}
