// Package testutil contains helpers for the tests of the proxy packages.
package testutil

import (
	"bufio"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"io"
	"math/big"
	"net"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// KeyPair is a generated self-signed certificate.
type KeyPair struct {
	// Certificate is the parsed credential.
	Certificate *tls.Certificate

	// CertPEM is the PEM-encoded certificate.
	CertPEM string

	// KeyPEM is the PEM-encoded private key.
	KeyPEM string
}

// NewKeyPair generates a self-signed certificate valid for names.  The first
// name is also used as the subject common name.
func NewKeyPair(t testing.TB, names ...string) (kp *KeyPair) {
	t.Helper()

	priv, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)

	serial, err := rand.Int(rand.Reader, big.NewInt(1<<62))
	require.NoError(t, err)

	tmpl := &x509.Certificate{
		SerialNumber:          serial,
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(time.Hour),
		KeyUsage:              x509.KeyUsageDigitalSignature,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		BasicConstraintsValid: true,
	}

	if len(names) > 0 {
		tmpl.Subject = pkix.Name{CommonName: names[0]}
	}

	for _, n := range names {
		if ip := net.ParseIP(n); ip != nil {
			tmpl.IPAddresses = append(tmpl.IPAddresses, ip)
		} else {
			tmpl.DNSNames = append(tmpl.DNSNames, n)
		}
	}

	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &priv.PublicKey, priv)
	require.NoError(t, err)

	keyDER, err := x509.MarshalPKCS8PrivateKey(priv)
	require.NoError(t, err)

	certPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})
	keyPEM := pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: keyDER})

	cert, err := tls.X509KeyPair(certPEM, keyPEM)
	require.NoError(t, err)

	return &KeyPair{
		Certificate: &cert,
		CertPEM:     string(certPEM),
		KeyPEM:      string(keyPEM),
	}
}

// LocalAddr returns a TCP address on the loopback interface with a port
// chosen by the system.
func LocalAddr() (addr *net.TCPAddr) {
	return &net.TCPAddr{IP: net.IP{127, 0, 0, 1}, Port: 0}
}

// FreeAddr returns a loopback TCP address with a fixed port that is free at
// the moment of the call.
func FreeAddr(t testing.TB) (addr *net.TCPAddr) {
	t.Helper()

	ln, err := net.ListenTCP("tcp", LocalAddr())
	require.NoError(t, err)

	addr = ln.Addr().(*net.TCPAddr)
	require.NoError(t, ln.Close())

	return addr
}

// RawStatus writes the raw HTTP request to conn and returns the status code of
// the response.  conn is closed afterwards.
func RawStatus(t testing.TB, conn net.Conn, rawReq string) (code int) {
	t.Helper()

	defer func() { _ = conn.Close() }()

	require.NoError(t, conn.SetDeadline(time.Now().Add(5*time.Second)))

	_, err := io.WriteString(conn, rawReq)
	require.NoError(t, err)

	resp, err := http.ReadResponse(bufio.NewReader(conn), nil)
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()

	return resp.StatusCode
}

// PeerCertificate performs a TLS handshake with addr asking for serverName
// and returns the leaf certificate presented by the server.
func PeerCertificate(addr net.Addr, serverName string) (leaf *x509.Certificate, err error) {
	conn, err := tls.DialWithDialer(
		&net.Dialer{Timeout: 5 * time.Second},
		"tcp",
		addr.String(),
		&tls.Config{
			ServerName: serverName,
			// #nosec G402 -- Self-signed test certificates.
			InsecureSkipVerify: true,
		},
	)
	if err != nil {
		return nil, err
	}
	defer func() { _ = conn.Close() }()

	return conn.ConnectionState().PeerCertificates[0], nil
}
