package relay

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"os"

	"software.sslmate.com/src/go-pkcs12"

	"github.com/fosrl/tunnelctl/logger"
)

// TLSConfig selects client certificates and trust roots for HTTPSource.
// A PKCS12 bundle is used only when no separate certificate pair is set.
type TLSConfig struct {
	ClientCertFile     string
	ClientKeyFile      string
	CAFiles            []string
	PKCS12File         string
	InsecureSkipVerify bool
}

func (c TLSConfig) empty() bool {
	return c.ClientCertFile == "" && c.ClientKeyFile == "" && len(c.CAFiles) == 0 &&
		c.PKCS12File == "" && !c.InsecureSkipVerify
}

func (c TLSConfig) build() (*tls.Config, error) {
	if c.empty() {
		return nil, nil
	}

	var tlsConfig *tls.Config
	switch {
	case c.ClientCertFile != "" && c.ClientKeyFile != "":
		logger.Info("relay: loading separate certificate files for mTLS")
		cert, err := tls.LoadX509KeyPair(c.ClientCertFile, c.ClientKeyFile)
		if err != nil {
			return nil, fmt.Errorf("failed to load client certificate pair: %w", err)
		}
		tlsConfig = &tls.Config{Certificates: []tls.Certificate{cert}}
	case c.PKCS12File != "":
		var err error
		tlsConfig, err = loadClientCertificate(c.PKCS12File)
		if err != nil {
			return nil, err
		}
	default:
		tlsConfig = &tls.Config{}
	}

	if len(c.CAFiles) > 0 {
		logger.Debug("relay: loading CA certificates: %v", c.CAFiles)
		pool := tlsConfig.RootCAs
		if pool == nil {
			pool = x509.NewCertPool()
		}
		for _, caFile := range c.CAFiles {
			caCert, err := os.ReadFile(caFile)
			if err != nil {
				return nil, fmt.Errorf("failed to read CA file %s: %w", caFile, err)
			}
			// PEM first, then DER.
			if !pool.AppendCertsFromPEM(caCert) {
				cert, err := x509.ParseCertificate(caCert)
				if err != nil {
					return nil, fmt.Errorf("failed to parse CA certificate from %s: %w", caFile, err)
				}
				pool.AddCert(cert)
			}
		}
		tlsConfig.RootCAs = pool
	}

	if c.InsecureSkipVerify {
		tlsConfig.InsecureSkipVerify = true
		logger.Warn("relay: TLS certificate verification disabled")
	}
	return tlsConfig, nil
}

// loadClientCertificate reads an unencrypted PKCS12 bundle.
func loadClientCertificate(p12Path string) (*tls.Config, error) {
	logger.Info("relay: loading PKCS12 client certificate %s", p12Path)
	p12Data, err := os.ReadFile(p12Path)
	if err != nil {
		return nil, fmt.Errorf("failed to read PKCS12 file: %w", err)
	}

	privateKey, certificate, caCerts, err := pkcs12.DecodeChain(p12Data, "")
	if err != nil {
		return nil, fmt.Errorf("failed to decode PKCS12: %w", err)
	}

	cert := tls.Certificate{
		Certificate: [][]byte{certificate.Raw},
		PrivateKey:  privateKey,
	}

	rootCAs, err := x509.SystemCertPool()
	if err != nil {
		return nil, fmt.Errorf("failed to load system cert pool: %w", err)
	}
	for _, caCert := range caCerts {
		rootCAs.AddCert(caCert)
	}

	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		RootCAs:      rootCAs,
	}, nil
}
