package security

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"fmt"
	"math/big"
	"net"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// CertAuthority is the cluster's certificate authority. Its root key lives
// in a directory on the node that ran "rgmanager certs init".
type CertAuthority struct {
	rootCert *x509.Certificate
	rootKey  *rsa.PrivateKey
	mu       sync.RWMutex
}

const (
	rootCAValidity   = 10 * 365 * 24 * time.Hour
	nodeCertValidity = 90 * 24 * time.Hour
	rootKeySize      = 4096
	nodeKeySize      = 2048

	caKeyFile = "ca.key"
)

// NewCertAuthority creates an uninitialized certificate authority
func NewCertAuthority() *CertAuthority {
	return &CertAuthority{}
}

// Initialize generates a new root CA certificate
func (ca *CertAuthority) Initialize() error {
	return ca.initialize(rootKeySize)
}

func (ca *CertAuthority) initialize(keySize int) error {
	ca.mu.Lock()
	defer ca.mu.Unlock()

	rootKey, err := rsa.GenerateKey(rand.Reader, keySize)
	if err != nil {
		return fmt.Errorf("failed to generate root key: %w", err)
	}

	serialNumber, err := newSerial()
	if err != nil {
		return err
	}

	template := &x509.Certificate{
		SerialNumber: serialNumber,
		Subject: pkix.Name{
			Organization: []string{"rgmanager cluster"},
			CommonName:   "rgmanager root CA",
		},
		NotBefore:             time.Now(),
		NotAfter:              time.Now().Add(rootCAValidity),
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageCRLSign,
		IsCA:                  true,
		BasicConstraintsValid: true,
		MaxPathLen:            1,
	}

	certDER, err := x509.CreateCertificate(rand.Reader, template, template, &rootKey.PublicKey, rootKey)
	if err != nil {
		return fmt.Errorf("failed to create root certificate: %w", err)
	}
	rootCert, err := x509.ParseCertificate(certDER)
	if err != nil {
		return fmt.Errorf("failed to parse root certificate: %w", err)
	}

	ca.rootCert = rootCert
	ca.rootKey = rootKey
	return nil
}

// SaveToDir writes ca.crt and ca.key to dir
func (ca *CertAuthority) SaveToDir(dir string) error {
	ca.mu.RLock()
	defer ca.mu.RUnlock()

	if ca.rootCert == nil || ca.rootKey == nil {
		return fmt.Errorf("CA not initialized")
	}
	if err := SaveCACertToFile(ca.rootCert.Raw, dir); err != nil {
		return err
	}

	keyPEM := pem.EncodeToMemory(&pem.Block{
		Type:  "RSA PRIVATE KEY",
		Bytes: x509.MarshalPKCS1PrivateKey(ca.rootKey),
	})
	if err := os.WriteFile(filepath.Join(dir, caKeyFile), keyPEM, 0600); err != nil {
		return fmt.Errorf("failed to write CA key: %w", err)
	}
	return nil
}

// LoadFromDir reads ca.crt and ca.key from dir
func (ca *CertAuthority) LoadFromDir(dir string) error {
	rootCert, err := LoadCACertFromFile(dir)
	if err != nil {
		return err
	}

	keyPEM, err := os.ReadFile(filepath.Join(dir, caKeyFile))
	if err != nil {
		return fmt.Errorf("failed to read CA key: %w", err)
	}
	block, _ := pem.Decode(keyPEM)
	if block == nil || block.Type != "RSA PRIVATE KEY" {
		return fmt.Errorf("failed to decode CA key PEM")
	}
	rootKey, err := x509.ParsePKCS1PrivateKey(block.Bytes)
	if err != nil {
		return fmt.Errorf("failed to parse CA key: %w", err)
	}

	ca.mu.Lock()
	defer ca.mu.Unlock()
	ca.rootCert = rootCert
	ca.rootKey = rootKey
	return nil
}

// IssueNodeCertificate issues a server and client certificate for a node's
// API endpoint
func (ca *CertAuthority) IssueNodeCertificate(nodeID string, dnsNames []string, ipAddresses []net.IP) (*tls.Certificate, error) {
	return ca.issue(&x509.Certificate{
		Subject: pkix.Name{
			Organization: []string{"rgmanager cluster"},
			CommonName:   "node-" + nodeID,
		},
		ExtKeyUsage: []x509.ExtKeyUsage{x509.ExtKeyUsageClientAuth, x509.ExtKeyUsageServerAuth},
		DNSNames:    dnsNames,
		IPAddresses: ipAddresses,
	})
}

// IssueClientCertificate issues a client certificate for the CLI
func (ca *CertAuthority) IssueClientCertificate(clientID string) (*tls.Certificate, error) {
	return ca.issue(&x509.Certificate{
		Subject: pkix.Name{
			Organization: []string{"rgmanager cluster"},
			CommonName:   "cli-" + clientID,
		},
		ExtKeyUsage: []x509.ExtKeyUsage{x509.ExtKeyUsageClientAuth},
	})
}

func (ca *CertAuthority) issue(template *x509.Certificate) (*tls.Certificate, error) {
	ca.mu.RLock()
	defer ca.mu.RUnlock()

	if ca.rootCert == nil || ca.rootKey == nil {
		return nil, fmt.Errorf("CA not initialized")
	}

	key, err := rsa.GenerateKey(rand.Reader, nodeKeySize)
	if err != nil {
		return nil, fmt.Errorf("failed to generate key: %w", err)
	}
	serialNumber, err := newSerial()
	if err != nil {
		return nil, err
	}

	template.SerialNumber = serialNumber
	template.NotBefore = time.Now()
	template.NotAfter = time.Now().Add(nodeCertValidity)
	template.KeyUsage = x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment

	certDER, err := x509.CreateCertificate(rand.Reader, template, ca.rootCert, &key.PublicKey, ca.rootKey)
	if err != nil {
		return nil, fmt.Errorf("failed to create certificate: %w", err)
	}
	leaf, err := x509.ParseCertificate(certDER)
	if err != nil {
		return nil, fmt.Errorf("failed to parse certificate: %w", err)
	}

	return &tls.Certificate{
		Certificate: [][]byte{certDER},
		PrivateKey:  key,
		Leaf:        leaf,
	}, nil
}

// VerifyCertificate verifies a certificate against the root CA
func (ca *CertAuthority) VerifyCertificate(cert *x509.Certificate) error {
	ca.mu.RLock()
	defer ca.mu.RUnlock()

	if ca.rootCert == nil {
		return fmt.Errorf("CA not initialized")
	}
	return ValidateCertChain(cert, ca.rootCert)
}

// RootCert returns the root CA certificate
func (ca *CertAuthority) RootCert() *x509.Certificate {
	ca.mu.RLock()
	defer ca.mu.RUnlock()
	return ca.rootCert
}

// IsInitialized returns true if the CA is initialized
func (ca *CertAuthority) IsInitialized() bool {
	ca.mu.RLock()
	defer ca.mu.RUnlock()
	return ca.rootCert != nil && ca.rootKey != nil
}

func newSerial() (*big.Int, error) {
	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return nil, fmt.Errorf("failed to generate serial number: %w", err)
	}
	return serial, nil
}
