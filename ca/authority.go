// Package ca issues the certificates TLS interception runs on: a
// locally generated root CA, short-lived leaf certificates minted per
// SNI host, and the optional server certificate for the management
// port. The root must be installed into the client's trust store; that
// explicit step is what makes the interception consensual.
package ca

import (
	"container/list"
	"crypto/rand"
	"crypto/rsa"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"errors"
	"fmt"
	"math/big"
	"net"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/stacklok/codegate/internal/metrics"
)

const (
	caCommonName = "CodeGate CA"
	caOrg        = "CodeGate"

	caValidity   = 10 * 365 * 24 * time.Hour
	leafValidity = 7 * 24 * time.Hour

	// Leaves this close to expiry are reissued on lookup instead of
	// served from cache, so a long-lived client connection never
	// handshakes against a certificate about to lapse.
	leafRenewWindow = time.Hour

	defaultCacheSize = 1024
)

// Authority mints leaf certificates signed by the local root. Safe for
// concurrent use; the miss path releases the cache lock while the RSA
// keypair is generated.
type Authority struct {
	cert *x509.Certificate
	key  *rsa.PrivateKey

	mu    sync.Mutex
	cache map[string]*list.Element
	order *list.List // front = most recently used
	limit int

	logger    *zap.Logger
	collector *metrics.Collector
}

type leafEntry struct {
	host string
	cert *tls.Certificate
}

// Options tune the authority. The zero value is usable.
type Options struct {
	// CacheSize bounds the leaf cache. Zero means the default.
	CacheSize int

	// Collector records issuance metrics. May be nil.
	Collector *metrics.Collector
}

// LoadOrGenerate opens the root CA at certFile/keyFile, generating and
// persisting a fresh one when the files do not exist. Files that exist
// but fail to parse are an error, never silently replaced.
func LoadOrGenerate(certFile, keyFile string, opts Options, logger *zap.Logger) (*Authority, error) {
	auth, err := Load(certFile, keyFile, opts, logger)
	if err == nil {
		logger.Info("CA loaded",
			zap.String("cert", certFile),
			zap.Time("not_after", auth.cert.NotAfter))
		return auth, nil
	}
	if !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}

	if err := Generate(certFile, keyFile); err != nil {
		return nil, err
	}
	auth, err = Load(certFile, keyFile, opts, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to load generated CA: %w", err)
	}
	logger.Info("CA generated; install the certificate into the client trust store",
		zap.String("cert", certFile))
	return auth, nil
}

// Load reads the root CA material from PEM files.
func Load(certFile, keyFile string, opts Options, logger *zap.Logger) (*Authority, error) {
	certPEM, err := os.ReadFile(certFile)
	if err != nil {
		return nil, err
	}
	keyPEM, err := os.ReadFile(keyFile)
	if err != nil {
		return nil, err
	}

	block, _ := pem.Decode(certPEM)
	if block == nil {
		return nil, fmt.Errorf("no PEM block in %s", certFile)
	}
	cert, err := x509.ParseCertificate(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("failed to parse CA certificate: %w", err)
	}

	block, _ = pem.Decode(keyPEM)
	if block == nil {
		return nil, fmt.Errorf("no PEM block in %s", keyFile)
	}
	key, err := parseRSAKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("failed to parse CA key: %w", err)
	}

	limit := opts.CacheSize
	if limit <= 0 {
		limit = defaultCacheSize
	}
	return &Authority{
		cert:      cert,
		key:       key,
		cache:     make(map[string]*list.Element),
		order:     list.New(),
		limit:     limit,
		logger:    logger.With(zap.String("component", "ca")),
		collector: opts.Collector,
	}, nil
}

// parseRSAKey accepts PKCS1 and PKCS8 encodings; openssl produces
// either depending on version.
func parseRSAKey(der []byte) (*rsa.PrivateKey, error) {
	if key, err := x509.ParsePKCS1PrivateKey(der); err == nil {
		return key, nil
	}
	parsed, err := x509.ParsePKCS8PrivateKey(der)
	if err != nil {
		return nil, err
	}
	key, ok := parsed.(*rsa.PrivateKey)
	if !ok {
		return nil, errors.New("CA key is not RSA")
	}
	return key, nil
}

// Generate creates a fresh self-signed root and writes it to the given
// PEM files with restrictive permissions.
func Generate(certFile, keyFile string) error {
	key, err := rsa.GenerateKey(rand.Reader, 4096)
	if err != nil {
		return fmt.Errorf("failed to generate CA key: %w", err)
	}

	serial, err := randomSerial()
	if err != nil {
		return err
	}
	now := time.Now()
	template := &x509.Certificate{
		SerialNumber: serial,
		Subject: pkix.Name{
			CommonName:   caCommonName,
			Organization: []string{caOrg},
		},
		NotBefore:             now.Add(-time.Minute),
		NotAfter:              now.Add(caValidity),
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageCRLSign | x509.KeyUsageDigitalSignature,
		BasicConstraintsValid: true,
		IsCA:                  true,
		MaxPathLen:            0,
		MaxPathLenZero:        true,
	}

	der, err := x509.CreateCertificate(rand.Reader, template, template, &key.PublicKey, key)
	if err != nil {
		return fmt.Errorf("failed to self-sign CA certificate: %w", err)
	}

	if err := writePEM(certFile, "CERTIFICATE", der); err != nil {
		return err
	}
	return writePEM(keyFile, "RSA PRIVATE KEY", x509.MarshalPKCS1PrivateKey(key))
}

func writePEM(path, blockType string, der []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("failed to create %s: %w", filepath.Dir(path), err)
	}
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o600)
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", path, err)
	}
	defer f.Close()
	if err := pem.Encode(f, &pem.Block{Type: blockType, Bytes: der}); err != nil {
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	return f.Close()
}

func randomSerial() (*big.Int, error) {
	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return nil, fmt.Errorf("failed to generate serial: %w", err)
	}
	return serial, nil
}

// CertPEM returns the root certificate in PEM form, for the management
// endpoint that hands it out for trust-store import.
func (a *Authority) CertPEM() []byte {
	return pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: a.cert.Raw})
}

// Pool returns a certificate pool holding only this root. Tests and
// loopback clients verify intercepted handshakes against it.
func (a *Authority) Pool() *x509.CertPool {
	pool := x509.NewCertPool()
	pool.AddCert(a.cert)
	return pool
}

// LeafFor returns a certificate for host signed by the root, minting
// and caching one when none is live. host may carry a port.
func (a *Authority) LeafFor(host string) (*tls.Certificate, error) {
	if h, _, err := net.SplitHostPort(host); err == nil {
		host = h
	}

	a.mu.Lock()
	if el, ok := a.cache[host]; ok {
		leaf := el.Value.(*leafEntry).cert
		if time.Until(leaf.Leaf.NotAfter) > leafRenewWindow {
			a.order.MoveToFront(el)
			a.mu.Unlock()
			if a.collector != nil {
				a.collector.RecordCacheHit("leaf_cert")
			}
			return leaf, nil
		}
		// Expiring: drop and reissue below.
		a.order.Remove(el)
		delete(a.cache, host)
	}
	a.mu.Unlock()

	if a.collector != nil {
		a.collector.RecordCacheMiss("leaf_cert")
	}

	// Key generation dominates the miss path; run it unlocked so
	// concurrent handshakes for cached hosts are not serialized behind
	// it. Two racing misses for the same host both succeed and the
	// second insert wins, which is harmless.
	leaf, err := a.mint(host)
	if err != nil {
		return nil, err
	}

	a.mu.Lock()
	if el, ok := a.cache[host]; ok {
		a.order.Remove(el)
	}
	a.cache[host] = a.order.PushFront(&leafEntry{host: host, cert: leaf})
	for len(a.cache) > a.limit {
		oldest := a.order.Back()
		a.order.Remove(oldest)
		delete(a.cache, oldest.Value.(*leafEntry).host)
	}
	a.mu.Unlock()

	if a.collector != nil {
		a.collector.RecordCertIssued("leaf")
	}
	a.logger.Debug("leaf certificate issued",
		zap.String("host", host),
		zap.Time("not_after", leaf.Leaf.NotAfter))
	return leaf, nil
}

func (a *Authority) mint(host string) (*tls.Certificate, error) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return nil, fmt.Errorf("failed to generate leaf key: %w", err)
	}
	serial, err := randomSerial()
	if err != nil {
		return nil, err
	}

	now := time.Now()
	template := &x509.Certificate{
		SerialNumber: serial,
		Subject:      pkix.Name{CommonName: host},
		NotBefore:    now.Add(-time.Minute),
		NotAfter:     now.Add(leafValidity),
		KeyUsage:     x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth, x509.ExtKeyUsageClientAuth},
	}
	if ip := net.ParseIP(host); ip != nil {
		template.IPAddresses = []net.IP{ip}
	} else {
		template.DNSNames = []string{host}
	}

	der, err := x509.CreateCertificate(rand.Reader, template, a.cert, &key.PublicKey, a.key)
	if err != nil {
		return nil, fmt.Errorf("failed to sign leaf for %s: %w", host, err)
	}

	leaf := &tls.Certificate{
		Certificate: [][]byte{der, a.cert.Raw},
		PrivateKey:  key,
	}
	leaf.Leaf, err = x509.ParseCertificate(der)
	if err != nil {
		return nil, fmt.Errorf("failed to parse issued leaf: %w", err)
	}
	return leaf, nil
}

// TLSConfigFor returns the server-side TLS config the interceptor
// completes a spoofed handshake with. The certificate is resolved per
// handshake so the SNI in the ClientHello wins over the CONNECT target
// when the two disagree.
func (a *Authority) TLSConfigFor(host string) *tls.Config {
	return &tls.Config{
		MinVersion: tls.VersionTLS12,
		GetCertificate: func(hello *tls.ClientHelloInfo) (*tls.Certificate, error) {
			name := hello.ServerName
			if name == "" {
				name = host
			}
			return a.LeafFor(name)
		},
		NextProtos: []string{"h2", "http/1.1"},
	}
}

// ServerCert writes a leaf certificate for the given hosts to
// certFile/keyFile, for serving the management API over TLS. Unlike
// interception leaves it is persisted, since the management listener
// reads it from disk at startup.
func (a *Authority) ServerCert(certFile, keyFile string, hosts []string) error {
	if len(hosts) == 0 {
		hosts = []string{"localhost"}
	}

	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return fmt.Errorf("failed to generate server key: %w", err)
	}
	serial, err := randomSerial()
	if err != nil {
		return err
	}

	now := time.Now()
	template := &x509.Certificate{
		SerialNumber: serial,
		Subject:      pkix.Name{CommonName: hosts[0], Organization: []string{caOrg}},
		NotBefore:    now.Add(-time.Minute),
		NotAfter:     now.Add(365 * 24 * time.Hour),
		KeyUsage:     x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
	}
	for _, h := range hosts {
		if ip := net.ParseIP(h); ip != nil {
			template.IPAddresses = append(template.IPAddresses, ip)
		} else {
			template.DNSNames = append(template.DNSNames, h)
		}
	}

	der, err := x509.CreateCertificate(rand.Reader, template, a.cert, &key.PublicKey, a.key)
	if err != nil {
		return fmt.Errorf("failed to sign server certificate: %w", err)
	}
	if err := writePEM(certFile, "CERTIFICATE", der); err != nil {
		return err
	}
	return writePEM(keyFile, "RSA PRIVATE KEY", x509.MarshalPKCS1PrivateKey(key))
}

// CacheLen reports the number of cached leaves.
func (a *Authority) CacheLen() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.cache)
}
