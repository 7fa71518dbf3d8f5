package link

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/binary"
	"log/slog"
	"math/big"
	"net"
	"testing"
	"time"
)

type certEntry struct {
	certType uint8
	data     []byte
}

func buildCertsPayload(certs []certEntry) []byte {
	var buf []byte
	buf = append(buf, uint8(len(certs)))
	for _, c := range certs {
		buf = append(buf, c.certType)
		var lenBuf [2]byte
		binary.BigEndian.PutUint16(lenBuf[:], uint16(len(c.data)))
		buf = append(buf, lenBuf[:]...)
		buf = append(buf, c.data...)
	}
	return buf
}

func newTestLogger() *slog.Logger {
	return slog.Default()
}

// buildTestTLSCert builds a minimal self-signed certificate carrying pubKey,
// standing in for the peer's TLS leaf certificate.
func buildTestTLSCert(t *testing.T, pubKey *rsa.PublicKey) []byte {
	t.Helper()
	signer, err := rsa.GenerateKey(rand.Reader, 1024)
	if err != nil {
		t.Fatalf("generate signer key: %v", err)
	}
	template := &x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{CommonName: "tor tls"},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(time.Hour),
	}
	der, err := x509.CreateCertificate(rand.Reader, template, template, pubKey, signer)
	if err != nil {
		t.Fatalf("create TLS test cert: %v", err)
	}
	return der
}

func TestValidateCertsAcceptsWellFormedChain(t *testing.T) {
	identity, err := GenerateIdentity()
	if err != nil {
		t.Fatalf("GenerateIdentity: %v", err)
	}
	linkCert, err := x509.ParseCertificate(identity.LinkCert)
	if err != nil {
		t.Fatalf("parse link cert: %v", err)
	}
	tlsCertDER := buildTestTLSCert(t, linkCert.PublicKey.(*rsa.PublicKey))

	payload := buildCertsPayload([]certEntry{
		{certType: certTypeIdentitySelf, data: identity.IdentityCert},
		{certType: certTypeLinkKey, data: identity.LinkCert},
	})

	idKey, err := validateCerts(payload, tlsCertDER, newTestLogger())
	if err != nil {
		t.Fatalf("validateCerts: %v", err)
	}
	if idKey.N.Cmp(identity.PrivateKey.PublicKey.N) != 0 {
		t.Fatal("returned identity key does not match generated identity")
	}
}

func TestValidateCertsRejectsMismatchedTLSKey(t *testing.T) {
	identity, err := GenerateIdentity()
	if err != nil {
		t.Fatalf("GenerateIdentity: %v", err)
	}
	otherKey, err := rsa.GenerateKey(rand.Reader, 1024)
	if err != nil {
		t.Fatalf("generate unrelated key: %v", err)
	}
	tlsCertDER := buildTestTLSCert(t, &otherKey.PublicKey)

	payload := buildCertsPayload([]certEntry{
		{certType: certTypeIdentitySelf, data: identity.IdentityCert},
		{certType: certTypeLinkKey, data: identity.LinkCert},
	})

	if _, err := validateCerts(payload, tlsCertDER, newTestLogger()); err == nil {
		t.Fatal("expected rejection when TLS cert key does not match link cert key")
	}
}

func TestValidateCertsRejectsMissingLinkCert(t *testing.T) {
	identity, err := GenerateIdentity()
	if err != nil {
		t.Fatalf("GenerateIdentity: %v", err)
	}
	tlsCertDER := buildTestTLSCert(t, &identity.PrivateKey.PublicKey)

	payload := buildCertsPayload([]certEntry{
		{certType: certTypeIdentitySelf, data: identity.IdentityCert},
	})

	if _, err := validateCerts(payload, tlsCertDER, newTestLogger()); err == nil {
		t.Fatal("expected error for missing LINK_KEY cert")
	}
}

func TestValidateCertsRejectsForgedLinkCert(t *testing.T) {
	identity, err := GenerateIdentity()
	if err != nil {
		t.Fatalf("GenerateIdentity: %v", err)
	}
	attacker, err := GenerateIdentity()
	if err != nil {
		t.Fatalf("GenerateIdentity (attacker): %v", err)
	}
	linkCert, err := x509.ParseCertificate(identity.LinkCert)
	if err != nil {
		t.Fatalf("parse link cert: %v", err)
	}
	tlsCertDER := buildTestTLSCert(t, linkCert.PublicKey.(*rsa.PublicKey))

	// The link cert was signed by identity.PrivateKey, not attacker's, so
	// swapping in attacker's identity cert must fail the chain check.
	payload := buildCertsPayload([]certEntry{
		{certType: certTypeIdentitySelf, data: attacker.IdentityCert},
		{certType: certTypeLinkKey, data: identity.LinkCert},
	})

	if _, err := validateCerts(payload, tlsCertDER, newTestLogger()); err == nil {
		t.Fatal("expected rejection of link cert not signed by the accompanying identity cert")
	}
}

func TestValidateCertsRejectsEmptyPayload(t *testing.T) {
	if _, err := validateCerts(nil, nil, newTestLogger()); err == nil {
		t.Fatal("expected error for empty CERTS payload")
	}
}

func TestClaimAndReleaseCircID(t *testing.T) {
	l := &Link{}

	// First claim should succeed
	if !l.ClaimCircID(0x80000001) {
		t.Fatal("first claim should succeed")
	}
	// Duplicate claim should fail
	if l.ClaimCircID(0x80000001) {
		t.Fatal("duplicate claim should fail")
	}
	// Different ID should succeed
	if !l.ClaimCircID(0x80000002) {
		t.Fatal("different ID claim should succeed")
	}

	// Release and re-claim
	l.ReleaseCircID(0x80000001)
	if !l.ClaimCircID(0x80000001) {
		t.Fatal("re-claim after release should succeed")
	}
}

func TestNegotiateVersion(t *testing.T) {
	tests := []struct {
		name     string
		server   []uint16
		expected uint16
	}{
		{"both v4 and v5", []uint16{3, 4, 5}, 5},
		{"only v4", []uint16{3, 4}, 4},
		{"no common", []uint16{1, 2, 3}, 0},
		{"empty", []uint16{}, 0},
		{"v5 only", []uint16{5}, 5},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := negotiateVersion(tt.server)
			if got != tt.expected {
				t.Fatalf("negotiateVersion(%v) = %d, want %d", tt.server, got, tt.expected)
			}
		})
	}
}

func TestBuildNetInfo(t *testing.T) {
	ip := net.ParseIP("1.2.3.4").To4()
	c := buildNetInfo(ip)

	p := c.Payload()
	// Timestamp should be zero (avoid fingerprinting)
	if p[0] != 0 || p[1] != 0 || p[2] != 0 || p[3] != 0 {
		t.Fatal("timestamp should be zero")
	}
	// ATYPE = IPv4 (0x04)
	if p[4] != 0x04 {
		t.Fatalf("ATYPE = %d, want 4", p[4])
	}
	// ALEN = 4
	if p[5] != 0x04 {
		t.Fatalf("ALEN = %d, want 4", p[5])
	}
	// IP address
	if p[6] != 1 || p[7] != 2 || p[8] != 3 || p[9] != 4 {
		t.Fatalf("IP = %d.%d.%d.%d, want 1.2.3.4", p[6], p[7], p[8], p[9])
	}
	// NMYADDR = 0
	if p[10] != 0 {
		t.Fatalf("NMYADDR = %d, want 0", p[10])
	}
}
