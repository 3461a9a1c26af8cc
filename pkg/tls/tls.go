// Package tls secures the connection between the agent and its
// controllers. With a certificate and key the agent serves TLS; adding a
// CA makes it require client certificates signed by that CA.
package tls

import (
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"net"
	"os"
)

// Files names the PEM files used by one end of the connection.
type Files struct {
	CA   string `yaml:"ca"`
	Cert string `yaml:"cert"`
	Key  string `yaml:"key"`
}

// Enabled reports whether any file is configured.
func (f Files) Enabled() bool {
	return f.CA != "" || f.Cert != "" || f.Key != ""
}

// LoadCertPool returns a pool containing the certificates in caCrtPath.
func LoadCertPool(caCrtPath string) (*x509.CertPool, error) {
	pem, err := os.ReadFile(caCrtPath)
	if err != nil {
		return nil, err
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(pem) {
		return nil, fmt.Errorf("no certificates found in %s", caCrtPath)
	}
	return pool, nil
}

func (f Files) keyPair() ([]tls.Certificate, error) {
	if f.Cert == "" && f.Key == "" {
		return nil, nil
	}
	if f.Cert == "" || f.Key == "" {
		return nil, errors.New("cert and key must be configured together")
	}
	cert, err := tls.LoadX509KeyPair(f.Cert, f.Key)
	if err != nil {
		return nil, fmt.Errorf("load x509 key pair from (%s, %s): %v", f.Cert, f.Key, err)
	}
	return []tls.Certificate{cert}, nil
}

// ServerConfig returns the configuration of the agent end.
func ServerConfig(f Files) (*tls.Config, error) {
	certs, err := f.keyPair()
	if err != nil {
		return nil, err
	}
	if certs == nil {
		return nil, errors.New("the agent needs a certificate and a key")
	}
	cfg := &tls.Config{Certificates: certs, MinVersion: tls.VersionTLS12}
	if f.CA != "" {
		pool, err := LoadCertPool(f.CA)
		if err != nil {
			return nil, fmt.Errorf("load cert pool from (%s): %v", f.CA, err)
		}
		cfg.ClientCAs = pool
		cfg.ClientAuth = tls.RequireAndVerifyClientCert
	}
	return cfg, nil
}

// ClientConfig returns the configuration of the controller end.
func ClientConfig(f Files) (*tls.Config, error) {
	if f.CA == "" {
		return nil, errors.New("the controller needs the CA of the agent certificate")
	}
	pool, err := LoadCertPool(f.CA)
	if err != nil {
		return nil, fmt.Errorf("load cert pool from (%s): %v", f.CA, err)
	}
	certs, err := f.keyPair()
	if err != nil {
		return nil, err
	}
	return &tls.Config{RootCAs: pool, Certificates: certs, MinVersion: tls.VersionTLS12}, nil
}

// WrapListener returns a listener serving TLS on top of l.
func WrapListener(l net.Listener, f Files) (net.Listener, error) {
	cfg, err := ServerConfig(f)
	if err != nil {
		return nil, err
	}
	return tls.NewListener(l, cfg), nil
}

// Dial connects to addr and completes the TLS handshake.
func Dial(network, addr string, f Files) (net.Conn, error) {
	cfg, err := ClientConfig(f)
	if err != nil {
		return nil, err
	}
	return tls.Dial(network, addr, cfg)
}
