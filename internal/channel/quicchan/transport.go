package quicchan

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"fmt"
	"math/big"
	"time"

	"github.com/quic-go/quic-go"
)

// ALPNProtocol is the ALPN identifier for driftbyte QUIC connections.
const ALPNProtocol = "driftbyte-quic-v1"

// ServerTLSConfig returns a TLS configuration for the listening side.
// The certificate is self-signed; peers authenticate out of band
// through the signaling room, not via PKI.
func ServerTLSConfig() (*tls.Config, error) {
	cert, err := generateSelfSignedCert()
	if err != nil {
		return nil, fmt.Errorf("generate certificate: %w", err)
	}
	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		NextProtos:   []string{ALPNProtocol},
	}, nil
}

// ClientTLSConfig returns a TLS configuration for the dialing side.
func ClientTLSConfig() *tls.Config {
	return &tls.Config{
		InsecureSkipVerify: true,
		NextProtos:         []string{ALPNProtocol},
	}
}

// DefaultQUICConfig tunes the connection for bulk transfer.
func DefaultQUICConfig() *quic.Config {
	return &quic.Config{
		KeepAlivePeriod:            10 * time.Second,
		MaxIdleTimeout:             30 * time.Second,
		MaxConnectionReceiveWindow: 64 * 1024 * 1024,
		MaxStreamReceiveWindow:     16 * 1024 * 1024,
	}
}

// ListenAddr accepts one peer connection on addr and returns the
// transfer channel opened by the dialer.
func ListenAddr(ctx context.Context, addr string, config Config) (*Channel, error) {
	tlsConf, err := ServerTLSConfig()
	if err != nil {
		return nil, err
	}
	listener, err := quic.ListenAddr(addr, tlsConf, DefaultQUICConfig())
	if err != nil {
		return nil, fmt.Errorf("quic listen %s: %w", addr, err)
	}
	conn, err := listener.Accept(ctx)
	if err != nil {
		listener.Close()
		return nil, fmt.Errorf("quic accept: %w", err)
	}
	// One peer per listener: the transfer channel is point-to-point.
	// The listener owns the UDP socket, so it stays open until the
	// caller's context ends.
	go func() {
		<-ctx.Done()
		listener.Close()
	}()
	return Accept(ctx, conn, config)
}

// DialAddr connects to a listening peer and opens the transfer channel.
func DialAddr(ctx context.Context, addr string, config Config) (*Channel, error) {
	conn, err := quic.DialAddr(ctx, addr, ClientTLSConfig(), DefaultQUICConfig())
	if err != nil {
		return nil, fmt.Errorf("quic dial %s: %w", addr, err)
	}
	return Dial(ctx, conn, config)
}

// generateSelfSignedCert generates a throwaway certificate for one run.
func generateSelfSignedCert() (tls.Certificate, error) {
	priv, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return tls.Certificate{}, err
	}

	template := x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject: pkix.Name{
			Organization: []string{"driftbyte"},
		},
		NotBefore:             time.Now(),
		NotAfter:              time.Now().Add(365 * 24 * time.Hour),
		KeyUsage:              x509.KeyUsageKeyEncipherment | x509.KeyUsageDigitalSignature,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		BasicConstraintsValid: true,
	}

	certDER, err := x509.CreateCertificate(rand.Reader, &template, &template, &priv.PublicKey, priv)
	if err != nil {
		return tls.Certificate{}, err
	}
	return tls.Certificate{
		Certificate: [][]byte{certDER},
		PrivateKey:  priv,
	}, nil
}
