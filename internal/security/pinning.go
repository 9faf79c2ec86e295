package security

import (
	"crypto/sha256"
	"crypto/tls"
	"crypto/x509"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"
)

// ErrPinMismatch is returned when no certificate in the chain matches a pin.
var ErrPinMismatch = errors.New("certificate pin verification failed")

// CertificatePinner checks the SPKI SHA-256 hashes of a server's chain
// against configured pins. It runs after standard chain verification.
type CertificatePinner struct {
	mu           sync.RWMutex
	pinnedHashes map[string][]string // hostname -> pinned SPKI hashes
	strictMode   bool                // reject hosts without pins
}

// NewCertificatePinner creates an empty pinner. In strict mode connections
// to hosts without pins are rejected; otherwise they pass on standard
// verification alone.
func NewCertificatePinner(strict bool) *CertificatePinner {
	return &CertificatePinner{
		pinnedHashes: make(map[string][]string),
		strictMode:   strict,
	}
}

// PinnerForHost builds a pinner holding hashes for host. Hashes are
// validated as in AddPin.
func PinnerForHost(host string, hashes []string, strict bool) (*CertificatePinner, error) {
	cp := NewCertificatePinner(strict)
	for _, h := range hashes {
		if err := cp.AddPin(host, h); err != nil {
			return nil, err
		}
	}
	return cp, nil
}

// AddPin adds a hex SPKI hash for hostname. "*.example.com" pins every
// subdomain.
func (cp *CertificatePinner) AddPin(hostname, certHash string) error {
	if hostname == "" {
		return errors.New("hostname cannot be empty")
	}
	if len(certHash) != 64 {
		return errors.New("certificate hash must be 64 characters (SHA-256)")
	}
	if _, err := hex.DecodeString(certHash); err != nil {
		return fmt.Errorf("certificate hash must be valid hex: %w", err)
	}

	cp.mu.Lock()
	defer cp.mu.Unlock()
	host := strings.ToLower(hostname)
	cp.pinnedHashes[host] = append(cp.pinnedHashes[host], strings.ToLower(certHash))
	return nil
}

// RemovePin removes a pin, dropping the host entry once it has none left.
func (cp *CertificatePinner) RemovePin(hostname, certHash string) {
	cp.mu.Lock()
	defer cp.mu.Unlock()

	host := strings.ToLower(hostname)
	pins := cp.pinnedHashes[host]
	for i, pin := range pins {
		if strings.EqualFold(pin, certHash) {
			pins = append(pins[:i], pins[i+1:]...)
			break
		}
	}
	if len(pins) == 0 {
		delete(cp.pinnedHashes, host)
		return
	}
	cp.pinnedHashes[host] = pins
}

// GetPinnedHashes returns a copy of all pins.
func (cp *CertificatePinner) GetPinnedHashes() map[string][]string {
	cp.mu.RLock()
	defer cp.mu.RUnlock()

	result := make(map[string][]string, len(cp.pinnedHashes))
	for hostname, hashes := range cp.pinnedHashes {
		result[hostname] = append([]string(nil), hashes...)
	}
	return result
}

// Empty reports whether no pins are configured.
func (cp *CertificatePinner) Empty() bool {
	cp.mu.RLock()
	defer cp.mu.RUnlock()
	return len(cp.pinnedHashes) == 0
}

// VerifyConnection is a tls.Config.VerifyConnection callback.
func (cp *CertificatePinner) VerifyConnection(cs tls.ConnectionState) error {
	chain := cs.PeerCertificates
	if len(cs.VerifiedChains) > 0 {
		chain = cs.VerifiedChains[0]
	}
	if len(chain) == 0 {
		return errors.New("no peer certificates presented")
	}

	hostname := strings.ToLower(cs.ServerName)
	if hostname == "" {
		hostname = strings.ToLower(chain[0].Subject.CommonName)
	}

	pinnedHashes := cp.findMatchingPins(hostname)
	if len(pinnedHashes) == 0 {
		if cp.strictMode {
			return fmt.Errorf("no certificate pins configured for hostname: %s", hostname)
		}
		return nil
	}

	for _, cert := range chain {
		certHash := SPKIHash(cert)
		for _, pinnedHash := range pinnedHashes {
			if strings.EqualFold(certHash, pinnedHash) {
				return nil
			}
		}
	}
	return fmt.Errorf("%w for hostname: %s", ErrPinMismatch, hostname)
}

// findMatchingPins finds pinned hashes that match the given hostname
func (cp *CertificatePinner) findMatchingPins(hostname string) []string {
	cp.mu.RLock()
	defer cp.mu.RUnlock()

	if pins, exists := cp.pinnedHashes[hostname]; exists {
		return pins
	}
	for pinnedHost, pins := range cp.pinnedHashes {
		if base, ok := strings.CutPrefix(pinnedHost, "*."); ok && strings.HasSuffix(hostname, "."+base) {
			return pins
		}
	}
	return nil
}

// SPKIHash returns the hex SHA-256 of a certificate's Subject Public Key Info.
func SPKIHash(cert *x509.Certificate) string {
	hash := sha256.Sum256(cert.RawSubjectPublicKeyInfo)
	return hex.EncodeToString(hash[:])
}

// TLSConfig returns a TLS 1.2+ client configuration that enforces the pins.
func (cp *CertificatePinner) TLSConfig() *tls.Config {
	return &tls.Config{
		MinVersion:       tls.VersionTLS12,
		VerifyConnection: cp.VerifyConnection,
	}
}

// NewPinnedTransport returns an http.Transport for the license authority.
// A nil pinner yields the same transport with standard verification only.
func NewPinnedTransport(cp *CertificatePinner) *http.Transport {
	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.TLSHandshakeTimeout = 10 * time.Second
	transport.MaxIdleConns = 10
	transport.IdleConnTimeout = 90 * time.Second
	if cp != nil {
		transport.TLSClientConfig = cp.TLSConfig()
	} else {
		transport.TLSClientConfig = &tls.Config{MinVersion: tls.VersionTLS12}
	}
	return transport
}
