// Package proxy implements the data plane: per-request routing, cache
// consultation, origin selection with retry, and streaming between the
// downstream connection and the selected origin.
package proxy

import (
	"bytes"
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"io"
	"net"
	"net/http"
	"strconv"
	"time"

	log "github.com/sirupsen/logrus"
	"golang.org/x/net/http2"

	"github.com/mdevuyst/granite/cache"
	"github.com/mdevuyst/granite/metrics"
	"github.com/mdevuyst/granite/routing"
)

const (
	// CacheStatusHeader reports the cache outcome on every routed response.
	CacheStatusHeader = "X-Cache-Status"

	// FlowIDHeader carries the per-request id used in the proxy's logs.
	FlowIDHeader = "X-Granite-Flow-Id"

	defaultDialTimeout = 5 * time.Second
)

var errNoOrigin = errors.New("no origin")

// dialError marks a failure to establish the upstream connection, including
// the TLS handshake. Only these mark the origin down and consume the retry
// budget.
type dialError struct {
	err error
}

func (e *dialError) Error() string { return "connect to origin: " + e.err.Error() }
func (e *dialError) Unwrap() error { return e.err }

func isConnectError(err error) bool {
	var de *dialError
	return errors.As(err, &de)
}

type dialInfoKey struct{}

type dialInfo struct {
	addr       string
	serverName string
}

// Params configure a proxy instance.
type Params struct {
	Table *routing.Table
	Cache *cache.Cache

	// KeepalivePoolSize bounds the idle upstream connections kept for
	// reuse.
	KeepalivePoolSize int

	// DialTimeout bounds a single upstream connect attempt. Defaults to
	// 5 seconds.
	DialTimeout time.Duration

	// RootCAs verifies upstream TLS certificates. Nil uses the system
	// pool.
	RootCAs *x509.CertPool
}

// Proxy is the request handler of the data plane listeners. The downstream
// scheme is taken from the connection: requests arriving over TLS match
// routes with the Https incoming scheme.
type Proxy struct {
	table     *routing.Table
	cache     *cache.Cache
	transport http.RoundTripper
	flow      *flowIDGenerator
}

// New creates a proxy with a shared upstream transport. The transport
// negotiates HTTP/2 over TLS and keeps idle connections per origin for
// reuse.
func New(p Params) *Proxy {
	dialTimeout := p.DialTimeout
	if dialTimeout <= 0 {
		dialTimeout = defaultDialTimeout
	}
	poolSize := p.KeepalivePoolSize
	if poolSize <= 0 {
		poolSize = 128
	}

	dialer := &net.Dialer{Timeout: dialTimeout}
	dial := func(ctx context.Context, network, addr string) (net.Conn, error) {
		if di, ok := ctx.Value(dialInfoKey{}).(*dialInfo); ok {
			addr = di.addr
		}
		conn, err := dialer.DialContext(ctx, network, addr)
		if err != nil {
			return nil, &dialError{err}
		}
		return conn, nil
	}

	tr := &http.Transport{
		DialContext: dial,
		DialTLSContext: func(ctx context.Context, network, addr string) (net.Conn, error) {
			conn, err := dial(ctx, network, addr)
			if err != nil {
				return nil, err
			}
			serverName := stripPort(addr)
			if di, ok := ctx.Value(dialInfoKey{}).(*dialInfo); ok {
				serverName = di.serverName
			}
			cfg := &tls.Config{
				ServerName: serverName,
				RootCAs:    p.RootCAs,
				NextProtos: []string{"h2", "http/1.1"},
			}
			tc := tls.Client(conn, cfg)
			if err := tc.HandshakeContext(ctx); err != nil {
				conn.Close()
				return nil, &dialError{err}
			}
			return tc, nil
		},
		MaxIdleConns:        poolSize,
		MaxIdleConnsPerHost: poolSize,
		IdleConnTimeout:     90 * time.Second,
	}
	if err := http2.ConfigureTransport(tr); err != nil {
		log.Errorf("failed to enable HTTP/2 on the upstream transport: %v", err)
	}

	pr := &Proxy{
		table:     p.Table,
		cache:     p.Cache,
		transport: tr,
		flow:      newFlowIDGenerator(),
	}
	if p.Cache != nil {
		p.Cache.SizeChanged = func(n int64) { metrics.CacheSize.Set(float64(n)) }
	}
	return pr
}

func schemeName(s routing.Scheme) string {
	if s == routing.HTTPS {
		return "https"
	}
	return "http"
}

func incomingScheme(r *http.Request) routing.Scheme {
	if r.TLS != nil {
		return routing.HTTPS
	}
	return routing.HTTP
}

func (p *Proxy) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	defer func() {
		metrics.ResponseDuration.Observe(time.Since(start).Seconds())
	}()

	flow := p.flow.generate()
	scheme := incomingScheme(r)

	host := stripPort(r.Host)
	if host == "" {
		p.respondError(w, flow, scheme, http.StatusNotFound, "no route")
		return
	}

	rt := p.table.Lookup(scheme, host, r.URL.Path)
	if rt == nil {
		log.Debugf("%s: no route for %s %s%s", flow, r.Method, r.Host, r.URL.Path)
		p.respondError(w, flow, scheme, http.StatusNotFound, "no route")
		return
	}

	var lease *cache.Lease
	if rt.CacheEnabled && cacheableRequest(r) {
		key := cache.KeyFor(r.Method, schemeName(scheme), host, r.URL.RequestURI())
		entry, l, wait := p.cache.Get(key)
		if wait != nil {
			select {
			case res := <-wait:
				entry, l = res.Entry, res.Lease
			case <-r.Context().Done():
				p.cache.Abandon(key, wait)
				return
			}
		}
		if entry != nil {
			p.serveEntry(w, r, flow, scheme, entry)
			return
		}
		lease = l
		defer lease.Cancel()
	}

	resp, err := p.roundTrip(r, rt, scheme, flow)
	if err != nil {
		log.Errorf("%s: upstream failed for route %q: %v", flow, rt.Name, err)
		p.respondError(w, flow, scheme, http.StatusBadGateway, "no origin")
		return
	}
	defer resp.Body.Close()

	p.forwardResponse(w, flow, scheme, resp, lease)
}

// roundTrip attempts the request against origins picked from the route's
// group until one responds, the retry budget is spent, or no origin
// remains. Connect failures mark the origin down and move on to the next
// origin; a failure after an established connection does not mark the
// origin down and ends the attempts with that error.
func (p *Proxy) roundTrip(r *http.Request, rt *routing.Route, scheme routing.Scheme, flow string) (*http.Response, error) {
	sel := rt.Selector
	if sel == nil {
		return nil, errNoOrigin
	}

	tried := map[*routing.Origin]struct{}{}
	attempts := sel.RetryLimit() + 1
	var lastErr error
	for i := 0; i < attempts; i++ {
		o := sel.PickNext(tried)
		if o == nil {
			break
		}

		out := p.outgoingRequest(r, rt, o, scheme)
		resp, err := p.transport.RoundTrip(out)
		if err == nil {
			metrics.UpstreamAttempts.WithLabelValues("ok").Inc()
			return resp, nil
		}

		if !isConnectError(err) {
			metrics.UpstreamAttempts.WithLabelValues("error").Inc()
			return nil, err
		}

		metrics.UpstreamAttempts.WithLabelValues("connect_error").Inc()
		metrics.OriginsDown.Inc()
		log.Infof("%s: connect to origin %s failed: %v", flow, o.Host, err)
		sel.MarkDown(o)
		tried[o] = struct{}{}
		lastErr = err
	}

	if lastErr != nil {
		return nil, lastErr
	}
	return nil, errNoOrigin
}

// outgoingRequest derives the upstream request: resolved scheme and port,
// Host header override, per-origin TLS server name, stripped hop-by-hop
// headers and the appended X-Forwarded-For hop.
func (p *Proxy) outgoingRequest(r *http.Request, rt *routing.Route, o *routing.Origin, incoming routing.Scheme) *http.Request {
	outScheme := rt.OutgoingScheme.Resolve(incoming)
	addr := net.JoinHostPort(o.Host, strconv.Itoa(o.Port(outScheme)))

	ctx := context.WithValue(r.Context(), dialInfoKey{}, &dialInfo{
		addr:       addr,
		serverName: o.ServerName(),
	})

	out := r.Clone(ctx)
	out.URL.Scheme = schemeName(outScheme)
	out.URL.Host = addr
	out.RequestURI = ""
	out.Close = false
	if o.HostHeaderOverride != "" {
		out.Host = o.HostHeaderOverride
	}

	removeHopHeaders(out.Header)
	if ip, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		if prior := out.Header.Get("X-Forwarded-For"); prior != "" {
			ip = prior + ", " + ip
		}
		out.Header.Set("X-Forwarded-For", ip)
	}
	return out
}

// forwardResponse streams the origin response downstream, teeing the body
// into the cache when a lease is held and the response is admissible.
func (p *Proxy) forwardResponse(w http.ResponseWriter, flow string, scheme routing.Scheme, resp *http.Response, lease *cache.Lease) {
	removeHopHeaders(resp.Header)

	cacheStatus := "bypass"
	if lease != nil {
		admit := cache.Admissible(resp.StatusCode, resp.Header)
		if admit && resp.ContentLength > p.cache.MaxSize() {
			admit = false
		}
		if !admit {
			lease.Cancel()
			lease = nil
		} else {
			cacheStatus = "miss"
		}
	}

	copyHeader(w.Header(), resp.Header)
	w.Header().Set(CacheStatusHeader, cacheStatus)
	w.Header().Set(FlowIDHeader, flow)
	w.WriteHeader(resp.StatusCode)

	metrics.CacheStatus.WithLabelValues(cacheStatus).Inc()
	metrics.RequestsTotal.WithLabelValues(schemeName(scheme), statusClass(resp.StatusCode)).Inc()

	if lease == nil {
		p.stream(w, resp.Body, flow)
		return
	}

	var buf bytes.Buffer
	limit := p.cache.MaxSize()
	caching := true
	chunk := make([]byte, 32*1024)
	for {
		n, err := resp.Body.Read(chunk)
		if n > 0 {
			if caching {
				buf.Write(chunk[:n])
				if int64(buf.Len()) > limit {
					// too large to admit, keep streaming uncached
					lease.Cancel()
					caching = false
					buf.Reset()
				}
			}
			if _, werr := w.Write(chunk[:n]); werr != nil {
				log.Debugf("%s: downstream write failed: %v", flow, werr)
				return
			}
			if f, ok := w.(http.Flusher); ok {
				f.Flush()
			}
		}
		if err == io.EOF {
			break
		}
		if err != nil {
			log.Errorf("%s: upstream body read failed: %v", flow, err)
			panic(http.ErrAbortHandler)
		}
	}

	if caching {
		lease.Fulfill(resp.StatusCode, cloneHeader(resp.Header), buf.Bytes())
	}
}

// stream copies the remaining body downstream without caching. Upstream
// read errors abort the downstream connection, the response cannot be
// retried once begun.
func (p *Proxy) stream(w http.ResponseWriter, body io.Reader, flow string) {
	buf := make([]byte, 32*1024)
	for {
		n, err := body.Read(buf)
		if n > 0 {
			if _, werr := w.Write(buf[:n]); werr != nil {
				log.Debugf("%s: downstream write failed: %v", flow, werr)
				return
			}
			if f, ok := w.(http.Flusher); ok {
				f.Flush()
			}
		}
		if err == io.EOF {
			return
		}
		if err != nil {
			log.Errorf("%s: upstream body read failed: %v", flow, err)
			panic(http.ErrAbortHandler)
		}
	}
}

func (p *Proxy) serveEntry(w http.ResponseWriter, r *http.Request, flow string, scheme routing.Scheme, e *cache.Entry) {
	copyHeader(w.Header(), e.Header)
	w.Header().Set(CacheStatusHeader, "hit")
	w.Header().Set(FlowIDHeader, flow)
	if w.Header().Get("Content-Length") == "" {
		w.Header().Set("Content-Length", strconv.Itoa(len(e.Body)))
	}
	w.WriteHeader(e.Status)
	if r.Method != http.MethodHead {
		w.Write(e.Body)
	}

	metrics.CacheStatus.WithLabelValues("hit").Inc()
	metrics.RequestsTotal.WithLabelValues(schemeName(scheme), statusClass(e.Status)).Inc()
}

func (p *Proxy) respondError(w http.ResponseWriter, flow string, scheme routing.Scheme, status int, body string) {
	w.Header().Set(CacheStatusHeader, "bypass")
	w.Header().Set(FlowIDHeader, flow)
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(status)
	io.WriteString(w, body)

	metrics.CacheStatus.WithLabelValues("bypass").Inc()
	metrics.RequestsTotal.WithLabelValues(schemeName(scheme), statusClass(status)).Inc()
}

// cacheableRequest reports whether the request may be served from or
// inserted into the cache: GET or HEAD, no credentials attached, no
// no-store directive.
func cacheableRequest(r *http.Request) bool {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		return false
	}
	if r.Header.Get("Authorization") != "" || r.Header.Get("Cookie") != "" {
		return false
	}
	for _, v := range r.Header.Values("Cache-Control") {
		if containsToken(v, "no-store") {
			return false
		}
	}
	return true
}

func statusClass(code int) string {
	return strconv.Itoa(code/100) + "xx"
}
