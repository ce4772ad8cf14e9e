package config

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"os"
)

// Build materialises the TLS settings into a *tls.Config for the etcd client.
// A nil receiver or disabled block yields a nil config (plaintext connection).
func (t *EtcdTLSConfig) Build() (*tls.Config, error) {
	if t == nil || !t.Enabled {
		return nil, nil
	}

	cert, err := tls.LoadX509KeyPair(t.CertFile, t.KeyFile)
	if err != nil {
		return nil, fmt.Errorf("load etcd client certificate: %w", err)
	}

	caData, err := os.ReadFile(t.CAFile)
	if err != nil {
		return nil, fmt.Errorf("read etcd CA file: %w", err)
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(caData) {
		return nil, fmt.Errorf("etcd CA file %s contains no usable certificates", t.CAFile)
	}

	return &tls.Config{
		Certificates:       []tls.Certificate{cert},
		RootCAs:            pool,
		InsecureSkipVerify: t.Insecure,
	}, nil
}
