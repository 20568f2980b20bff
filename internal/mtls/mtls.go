package mtls

import (
	"crypto/tls"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"net/http"
	"time"
)

var ErrInvalidMaterial = errors.New("invalid certificate material")

// Material is the PEM encoded certificate set presented to the university
// web services. Passphrase unlocks a legacy encrypted key block.
type Material struct {
	CACert     []byte
	ClientCert []byte
	ClientKey  []byte
	Passphrase string
}

func (m Material) TLSConfig() (*tls.Config, error) {
	if len(m.ClientCert) == 0 || len(m.ClientKey) == 0 {
		return nil, fmt.Errorf("%w: client certificate and key are required", ErrInvalidMaterial)
	}
	keyPEM, err := decryptKey(m.ClientKey, m.Passphrase)
	if err != nil {
		return nil, err
	}
	cert, err := tls.X509KeyPair(m.ClientCert, keyPEM)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidMaterial, err)
	}
	cfg := &tls.Config{
		MinVersion:   tls.VersionTLS12,
		Certificates: []tls.Certificate{cert},
	}
	if len(m.CACert) > 0 {
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(m.CACert) {
			return nil, fmt.Errorf("%w: no CA certificates found", ErrInvalidMaterial)
		}
		cfg.RootCAs = pool
	}
	return cfg, nil
}

// NewHTTPClient returns a client that presents the certificate in m on every
// TLS handshake.
func NewHTTPClient(m Material, timeout time.Duration) (*http.Client, error) {
	cfg, err := m.TLSConfig()
	if err != nil {
		return nil, err
	}
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.TLSClientConfig = cfg
	return &http.Client{Transport: transport, Timeout: timeout}, nil
}

func decryptKey(keyPEM []byte, passphrase string) ([]byte, error) {
	block, _ := pem.Decode(keyPEM)
	if block == nil {
		return nil, fmt.Errorf("%w: client key is not PEM", ErrInvalidMaterial)
	}
	if block.Type == "ENCRYPTED PRIVATE KEY" {
		return nil, fmt.Errorf("%w: PKCS#8 encrypted keys are not supported", ErrInvalidMaterial)
	}
	if !x509.IsEncryptedPEMBlock(block) {
		return keyPEM, nil
	}
	if passphrase == "" {
		return nil, fmt.Errorf("%w: client key is encrypted but no passphrase is set", ErrInvalidMaterial)
	}
	der, err := x509.DecryptPEMBlock(block, []byte(passphrase))
	if err != nil {
		return nil, fmt.Errorf("%w: decrypt client key: %v", ErrInvalidMaterial, err)
	}
	return pem.EncodeToMemory(&pem.Block{Type: block.Type, Bytes: der}), nil
}
