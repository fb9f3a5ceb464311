package protocols

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"fmt"
	"log/slog"
	"math/big"
	"net"
	"time"

	"github.com/sgerhart/trapline/internal/config"
	"github.com/sgerhart/trapline/internal/corpus"
	"github.com/sgerhart/trapline/internal/model"
)

// ConnWrapper is satisfied by handlers that need to transform the raw
// connection before the session starts (TLS termination).
type ConnWrapper interface {
	WrapConn(conn net.Conn) (net.Conn, error)
}

// HTTPSD is the HTTP handler behind a self-signed TLS listener. The
// certificate is generated at startup with a subject matching the
// fabricated hostname, which is exactly what a sloppy internal service
// looks like.
type HTTPSD struct {
	*HTTPD
	tlsConfig *tls.Config
}

// NewHTTPSD builds the TLS-terminating HTTP handler.
func NewHTTPSD(cfg *config.Config, logger *slog.Logger) (*HTTPSD, error) {
	cert, err := selfSignedCert(corpus.Hostname(cfg.Seed))
	if err != nil {
		return nil, fmt.Errorf("generate certificate: %w", err)
	}
	return &HTTPSD{
		HTTPD: NewHTTPD(cfg, logger),
		tlsConfig: &tls.Config{
			Certificates: []tls.Certificate{cert},
			MinVersion:   tls.VersionTLS10, // old clients are the audience
		},
	}, nil
}

// Protocol returns the protocol tag.
func (h *HTTPSD) Protocol() string { return model.ProtocolHTTPS }

// WrapConn terminates TLS on the accepted connection.
func (h *HTTPSD) WrapConn(conn net.Conn) (net.Conn, error) {
	tc := tls.Server(conn, h.tlsConfig)
	if err := tc.SetDeadline(time.Now().Add(10 * time.Second)); err != nil {
		return nil, err
	}
	if err := tc.Handshake(); err != nil {
		return nil, fmt.Errorf("tls handshake: %w", err)
	}
	if err := tc.SetDeadline(time.Time{}); err != nil {
		return nil, err
	}
	return tc, nil
}

func selfSignedCert(hostname string) (tls.Certificate, error) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return tls.Certificate{}, err
	}
	template := x509.Certificate{
		SerialNumber: big.NewInt(time.Now().UnixNano()),
		Subject:      pkix.Name{CommonName: hostname, Organization: []string{"Acme Corp"}},
		NotBefore:    time.Now().Add(-24 * time.Hour),
		NotAfter:     time.Now().Add(825 * 24 * time.Hour),
		KeyUsage:     x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		DNSNames:     []string{hostname},
	}
	der, err := x509.CreateCertificate(rand.Reader, &template, &template, &key.PublicKey, key)
	if err != nil {
		return tls.Certificate{}, err
	}
	return tls.Certificate{
		Certificate: [][]byte{der},
		PrivateKey:  key,
	}, nil
}
