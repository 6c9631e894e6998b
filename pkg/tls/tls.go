package tls

import (
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"net/url"
	"os"
)

// Files names the PEM files used to reach the job server
type Files struct {
	CA   string
	Cert string
	Key  string
}

func (f Files) empty() bool {
	return f.CA == "" && f.Cert == "" && f.Key == ""
}

// LoadClientTLSConfig builds the TLS settings shared by the job gateway and
// the push channel. Certificates are verified against the host of apiURL,
// whichever of the two connections uses them. It returns nil when no file
// is given so callers keep the system defaults.
func LoadClientTLSConfig(apiURL string, files Files) (*tls.Config, error) {
	if files.empty() {
		return nil, nil
	}
	if (files.Cert == "") != (files.Key == "") {
		return nil, errors.New("client certificate and key must be given together")
	}

	u, err := url.Parse(apiURL)
	if err != nil || u.Hostname() == "" {
		return nil, fmt.Errorf("cannot derive TLS server name from %q", apiURL)
	}

	cfg := &tls.Config{
		MinVersion: tls.VersionTLS12,
		ServerName: u.Hostname(),
	}

	if files.Cert != "" {
		pair, err := tls.LoadX509KeyPair(files.Cert, files.Key)
		if err != nil {
			return nil, fmt.Errorf("load client key pair: %w", err)
		}
		cfg.Certificates = []tls.Certificate{pair}
	}

	if files.CA != "" {
		pem, err := os.ReadFile(files.CA)
		if err != nil {
			return nil, fmt.Errorf("read CA bundle: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pem) {
			return nil, fmt.Errorf("no certificates found in %s", files.CA)
		}
		cfg.RootCAs = pool
	}

	return cfg, nil
}
