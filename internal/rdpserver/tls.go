package rdpserver

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"fmt"
	"math/big"
	"net"
	"time"
)

// TLSContext holds the server's negotiated TLS identity: a tls.Config
// ready to hand to tls.NewListener/tls.Server, plus the raw SubjectPublicKey
// bytes hybrid (CredSSP) authentication needs per spec.md §4.7.
type TLSContext struct {
	Config           *tls.Config
	SubjectPubKeyDER []byte
}

// LoadTLSFromFiles builds a TLSContext from PEM certificate/key files.
func LoadTLSFromFiles(certPath, keyPath string) (*TLSContext, error) {
	cert, err := tls.LoadX509KeyPair(certPath, keyPath)
	if err != nil {
		return nil, fmt.Errorf("load TLS identity: %w", err)
	}
	return newTLSContext(cert)
}

// GenerateSelfSigned creates a throwaway ECDSA self-signed certificate
// covering localhost and bindIP, used when no cert/key is configured.
func GenerateSelfSigned(bindIP string) (*TLSContext, error) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate key pair: %w", err)
	}

	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return nil, fmt.Errorf("generate serial number: %w", err)
	}

	template := &x509.Certificate{
		SerialNumber: serial,
		Subject:      pkix.Name{CommonName: "rdpd"},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(10 * 365 * 24 * time.Hour),
		KeyUsage:     x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		DNSNames:     []string{"localhost"},
	}
	if ip := net.ParseIP(bindIP); ip != nil && !ip.IsUnspecified() {
		template.IPAddresses = []net.IP{ip}
	}

	certDER, err := x509.CreateCertificate(rand.Reader, template, template, &key.PublicKey, key)
	if err != nil {
		return nil, fmt.Errorf("create self-signed certificate: %w", err)
	}

	cert := tls.Certificate{
		Certificate: [][]byte{certDER},
		PrivateKey:  key,
	}
	return newTLSContext(cert)
}

func newTLSContext(cert tls.Certificate) (*TLSContext, error) {
	leaf, err := x509.ParseCertificate(cert.Certificate[0])
	if err != nil {
		return nil, fmt.Errorf("parse certificate: %w", err)
	}
	pubKeyDER, err := x509.MarshalPKIXPublicKey(leaf.PublicKey)
	if err != nil {
		return nil, fmt.Errorf("marshal subject public key: %w", err)
	}

	return &TLSContext{
		Config: &tls.Config{
			Certificates: []tls.Certificate{cert},
			MinVersion:   tls.VersionTLS12,
		},
		SubjectPubKeyDER: pubKeyDER,
	}, nil
}
