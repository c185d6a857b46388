// Package api implements the administrative REST surface. Mutations applied
// here are visible to requests that begin after the response is written;
// each mutation is applied fully or not at all.
package api

import (
	"bytes"
	"crypto/x509"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	log "github.com/sirupsen/logrus"

	"github.com/mdevuyst/granite/certregistry"
	"github.com/mdevuyst/granite/metrics"
	"github.com/mdevuyst/granite/routing"
)

// Options configure the admin handler.
type Options struct {
	Table    *routing.Table
	Registry *certregistry.Registry

	// ClientCert, when set, requires the raw DER bytes of the TLS client
	// certificate to match it on every request.
	ClientCert *x509.Certificate
}

// Handler serves the admin endpoints.
type Handler struct {
	opts Options
	mux  *http.ServeMux
}

func New(o Options) *Handler {
	h := &Handler{opts: o, mux: http.NewServeMux()}
	h.mux.HandleFunc("/route/add", h.post(h.routeAdd))
	h.mux.HandleFunc("/route/delete", h.post(h.routeDelete))
	h.mux.HandleFunc("/cert/add", h.post(h.certAdd))
	h.mux.HandleFunc("/cert/delete", h.post(h.certDelete))
	h.mux.HandleFunc("/routes", h.routes)
	h.mux.Handle("/metrics", metrics.Handler())
	return h
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if h.opts.ClientCert != nil {
		if r.TLS == nil || len(r.TLS.PeerCertificates) == 0 ||
			!bytes.Equal(r.TLS.PeerCertificates[0].Raw, h.opts.ClientCert.Raw) {
			http.Error(w, "client certificate required", http.StatusUnauthorized)
			return
		}
	}
	h.mux.ServeHTTP(w, r)
}

func (h *Handler) post(f func(http.ResponseWriter, *http.Request)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		f(w, r)
	}
}

func (h *Handler) routeAdd(w http.ResponseWriter, r *http.Request) {
	var rt routing.Route
	if err := decodeBody(r, &rt); err != nil {
		badRequest(w, err)
		return
	}
	if err := h.opts.Table.Upsert(&rt); err != nil {
		badRequest(w, err)
		return
	}
	metrics.RoutesActive.Set(float64(len(h.opts.Table.Routes())))
	log.Infof("route %q added by %s", rt.Name, r.RemoteAddr)
	ok(w)
}

func (h *Handler) routeDelete(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Name string `json:"name"`
	}
	if err := decodeBody(r, &body); err != nil {
		badRequest(w, err)
		return
	}
	if body.Name == "" {
		badRequest(w, errors.New("missing route name"))
		return
	}
	if !h.opts.Table.Delete(body.Name) {
		http.Error(w, fmt.Sprintf("no route named %q", body.Name), http.StatusNotFound)
		return
	}
	metrics.RoutesActive.Set(float64(len(h.opts.Table.Routes())))
	log.Infof("route %q deleted by %s", body.Name, r.RemoteAddr)
	ok(w)
}

func (h *Handler) certAdd(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Host string `json:"host"`
		Cert string `json:"cert"`
		Key  string `json:"key"`
	}
	if err := decodeBody(r, &body); err != nil {
		badRequest(w, err)
		return
	}
	if body.Host == "" {
		badRequest(w, errors.New("missing host"))
		return
	}
	if err := h.opts.Registry.Sync(body.Host, []byte(body.Cert), []byte(body.Key)); err != nil {
		badRequest(w, err)
		return
	}
	log.Infof("certificate for %q added by %s", body.Host, r.RemoteAddr)
	ok(w)
}

func (h *Handler) certDelete(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Host string `json:"host"`
	}
	if err := decodeBody(r, &body); err != nil {
		badRequest(w, err)
		return
	}
	if body.Host == "" {
		badRequest(w, errors.New("missing host"))
		return
	}
	if !h.opts.Registry.Delete(body.Host) {
		http.Error(w, fmt.Sprintf("no certificate for %q", body.Host), http.StatusNotFound)
		return
	}
	log.Infof("certificate for %q deleted by %s", body.Host, r.RemoteAddr)
	ok(w)
}

// routes lists the current route table, mainly for operators to inspect
// what the proxy is actually serving.
func (h *Handler) routes(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	if r.Method == http.MethodHead {
		return
	}
	if err := json.NewEncoder(w).Encode(h.opts.Table.Routes()); err != nil {
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
	}
}

func decodeBody(r *http.Request, v interface{}) error {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		return fmt.Errorf("reading body: %v", err)
	}
	if err := json.Unmarshal(body, v); err != nil {
		return fmt.Errorf("malformed payload: %v", err)
	}
	return nil
}

func badRequest(w http.ResponseWriter, err error) {
	log.Infof("admin request rejected: %v", err)
	http.Error(w, err.Error(), http.StatusBadRequest)
}

func ok(w http.ResponseWriter) {
	w.WriteHeader(http.StatusOK)
	io.WriteString(w, "OK\n")
}
