package api

import (
	"bytes"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/json"
	"encoding/pem"
	"io"
	"math/big"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mdevuyst/granite/certregistry"
	"github.com/mdevuyst/granite/routing"
)

func newTestHandler(t *testing.T) (*Handler, *routing.Table, *certregistry.Registry) {
	t.Helper()
	table := routing.NewTable(routing.Options{})
	registry := certregistry.NewRegistry()
	return New(Options{Table: table, Registry: registry}), table, registry
}

func post(t *testing.T, h http.Handler, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest("POST", path, strings.NewReader(body))
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func createTestCert(t *testing.T, cn string) (certPEM, keyPEM []byte, parsed *x509.Certificate) {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	template := x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{CommonName: cn},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(time.Hour),
		DNSNames:     []string{cn},
	}
	der, err := x509.CreateCertificate(rand.Reader, &template, &template, &key.PublicKey, key)
	require.NoError(t, err)
	keyDER, err := x509.MarshalECPrivateKey(key)
	require.NoError(t, err)
	parsed, err = x509.ParseCertificate(der)
	require.NoError(t, err)
	certPEM = pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})
	keyPEM = pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: keyDER})
	return certPEM, keyPEM, parsed
}

const routeDoc = `{
	"name": "f",
	"hosts": ["forward"],
	"paths": ["/"],
	"schemes": ["Http"],
	"origins": [{"host": "127.0.0.1", "http_port": 9001, "weight": 1}]
}`

func TestRouteAdd(t *testing.T) {
	h, table, _ := newTestHandler(t)

	w := post(t, h, "/route/add", routeDoc)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	r := table.Lookup(routing.HTTP, "forward", "/get")
	require.NotNil(t, r, "added route must be visible to lookups")
	assert.Equal(t, "f", r.Name)
	assert.Equal(t, 9001, r.Origins[0].HTTPPort)
}

func TestRouteAddInvalid(t *testing.T) {
	h, table, _ := newTestHandler(t)

	t.Run("malformed json", func(t *testing.T) {
		w := post(t, h, "/route/add", "{not json")
		assert.Equal(t, http.StatusBadRequest, w.Code)
		assert.Contains(t, w.Body.String(), "malformed")
	})

	t.Run("constraint violation", func(t *testing.T) {
		w := post(t, h, "/route/add", `{"name":"x","hosts":[],"paths":["/"],"origins":[{"host":"h"}]}`)
		assert.Equal(t, http.StatusBadRequest, w.Code)
		assert.Contains(t, w.Body.String(), "empty hosts")
	})

	assert.Empty(t, table.Routes())
}

func TestRouteDelete(t *testing.T) {
	h, table, _ := newTestHandler(t)
	require.Equal(t, http.StatusOK, post(t, h, "/route/add", routeDoc).Code)

	w := post(t, h, "/route/delete", `{"name": "f"}`)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Nil(t, table.Lookup(routing.HTTP, "forward", "/"))

	w = post(t, h, "/route/delete", `{"name": "f"}`)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = post(t, h, "/route/delete", `{}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestCertAddDelete(t *testing.T) {
	h, _, registry := newTestHandler(t)
	certPEM, keyPEM, _ := createTestCert(t, "foo.example.org")

	payload, err := json.Marshal(map[string]string{
		"host": "foo.example.org",
		"cert": string(certPEM),
		"key":  string(keyPEM),
	})
	require.NoError(t, err)

	w := post(t, h, "/cert/add", string(payload))
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.NotNil(t, registry.Lookup("foo.example.org"))

	w = post(t, h, "/cert/delete", `{"host": "foo.example.org"}`)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Nil(t, registry.Lookup("foo.example.org"))

	w = post(t, h, "/cert/delete", `{"host": "foo.example.org"}`)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestCertAddMismatchedKey(t *testing.T) {
	h, _, registry := newTestHandler(t)
	certPEM, _, _ := createTestCert(t, "foo")
	_, otherKey, _ := createTestCert(t, "foo")

	payload, err := json.Marshal(map[string]string{
		"host": "foo",
		"cert": string(certPEM),
		"key":  string(otherKey),
	})
	require.NoError(t, err)

	w := post(t, h, "/cert/add", string(payload))
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Nil(t, registry.Lookup("foo"))
}

func TestMethodNotAllowed(t *testing.T) {
	h, _, _ := newTestHandler(t)
	for _, path := range []string{"/route/add", "/route/delete", "/cert/add", "/cert/delete"} {
		req := httptest.NewRequest("GET", path, nil)
		w := httptest.NewRecorder()
		h.ServeHTTP(w, req)
		assert.Equal(t, http.StatusMethodNotAllowed, w.Code, path)
	}
}

func TestListRoutes(t *testing.T) {
	h, _, _ := newTestHandler(t)
	require.Equal(t, http.StatusOK, post(t, h, "/route/add", routeDoc).Code)

	req := httptest.NewRequest("GET", "/routes", nil)
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code)

	var routes []*routing.Route
	require.NoError(t, json.NewDecoder(w.Body).Decode(&routes))
	require.Len(t, routes, 1)
	assert.Equal(t, "f", routes[0].Name)
}

func TestMutualTLSCheck(t *testing.T) {
	table := routing.NewTable(routing.Options{})
	registry := certregistry.NewRegistry()
	_, _, clientCert := createTestCert(t, "admin-client")
	h := New(Options{Table: table, Registry: registry, ClientCert: clientCert})

	t.Run("no client certificate", func(t *testing.T) {
		w := post(t, h, "/route/add", routeDoc)
		assert.Equal(t, http.StatusUnauthorized, w.Code)
		assert.Empty(t, table.Routes())
	})

	t.Run("wrong client certificate", func(t *testing.T) {
		_, _, other := createTestCert(t, "impostor")
		req := httptest.NewRequest("POST", "/route/add", strings.NewReader(routeDoc))
		req.TLS = &tls.ConnectionState{PeerCertificates: []*x509.Certificate{other}}
		w := httptest.NewRecorder()
		h.ServeHTTP(w, req)
		assert.Equal(t, http.StatusUnauthorized, w.Code)
	})

	t.Run("matching client certificate", func(t *testing.T) {
		req := httptest.NewRequest("POST", "/route/add", strings.NewReader(routeDoc))
		req.TLS = &tls.ConnectionState{PeerCertificates: []*x509.Certificate{clientCert}}
		w := httptest.NewRecorder()
		h.ServeHTTP(w, req)
		assert.Equal(t, http.StatusOK, w.Code, w.Body.String())
		assert.NotNil(t, table.Lookup(routing.HTTP, "forward", "/"))
	})
}

func TestMetricsEndpoint(t *testing.T) {
	h, _, _ := newTestHandler(t)
	req := httptest.NewRequest("GET", "/metrics", nil)
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code)
	b, err := io.ReadAll(w.Body)
	require.NoError(t, err)
	assert.True(t, bytes.Contains(b, []byte("go_")) || bytes.Contains(b, []byte("granite_")))
}
