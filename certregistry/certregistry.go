// Package certregistry maintains the SNI to certificate bindings of the TLS
// listeners. Lookups happen synchronously inside TLS handshakes, so readers
// are lock-free: they load an immutable snapshot of the binding map.
package certregistry

import (
	"crypto/tls"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"

	log "github.com/sirupsen/logrus"
)

var (
	ErrInvalidCert  = errors.New("invalid certificate")
	errCertNotFound = errors.New("certificate not found")
)

// WildcardHost is the binding key serving as fallback for any SNI without an
// exact binding.
const WildcardHost = "*"

// Registry maps lowercased SNI names to certificates. Mutations build a new
// map under a single-writer lock and publish it atomically.
type Registry struct {
	mu     sync.Mutex
	lookup atomic.Value // of map[string]*tls.Certificate
}

func NewRegistry() *Registry {
	r := &Registry{}
	r.lookup.Store(map[string]*tls.Certificate{})
	return r
}

func (r *Registry) snapshot() map[string]*tls.Certificate {
	return r.lookup.Load().(map[string]*tls.Certificate)
}

// Sync validates the PEM encoded pair and installs it under the given host,
// replacing any prior binding. The pair is rejected when the key does not
// match the leaf certificate.
func (r *Registry) Sync(host string, certPEM, keyPEM []byte) error {
	cert, err := tls.X509KeyPair(certPEM, keyPEM)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidCert, err)
	}

	host = strings.ToLower(host)

	r.mu.Lock()
	defer r.mu.Unlock()

	cur := r.snapshot()
	next := make(map[string]*tls.Certificate, len(cur)+1)
	for k, v := range cur {
		next[k] = v
	}
	next[host] = &cert
	r.lookup.Store(next)
	log.Debugf("certificate for %q synced to registry", host)
	return nil
}

// Delete removes the binding for the given host and reports whether it was
// present.
func (r *Registry) Delete(host string) bool {
	host = strings.ToLower(host)

	r.mu.Lock()
	defer r.mu.Unlock()

	cur := r.snapshot()
	if _, ok := cur[host]; !ok {
		return false
	}
	next := make(map[string]*tls.Certificate, len(cur)-1)
	for k, v := range cur {
		if k == host {
			continue
		}
		next[k] = v
	}
	r.lookup.Store(next)
	log.Debugf("certificate for %q deleted from registry", host)
	return true
}

// Lookup resolves an SNI name: exact lowercased match first, then the
// wildcard binding. Returns nil when neither exists.
func (r *Registry) Lookup(sni string) *tls.Certificate {
	m := r.snapshot()
	if cert, ok := m[strings.ToLower(sni)]; ok {
		return cert
	}
	return m[WildcardHost]
}

// GetCertFromHello selects the certificate for a TLS client hello. When no
// binding matches it returns an error, which makes crypto/tls fail the
// handshake; crypto/tls reports that failure to the client with an
// internal_error alert, not unrecognized_name.
func (r *Registry) GetCertFromHello(hello *tls.ClientHelloInfo) (*tls.Certificate, error) {
	cert := r.Lookup(hello.ServerName)
	if cert == nil {
		log.Debugf("no certificate in registry for server name %q", hello.ServerName)
		return nil, errCertNotFound
	}
	return cert, nil
}
