// Package granite assembles the proxy process: the mutable stores, the data
// plane listeners, the admin listener, signal handling and the socket
// handoff used for zero-downtime upgrades.
package granite

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"os/user"
	"runtime"
	"strconv"
	"syscall"

	log "github.com/sirupsen/logrus"
	"golang.org/x/net/http2"
	"golang.org/x/sync/errgroup"

	"github.com/mdevuyst/granite/api"
	"github.com/mdevuyst/granite/cache"
	"github.com/mdevuyst/granite/certregistry"
	"github.com/mdevuyst/granite/config"
	"github.com/mdevuyst/granite/loadbalancer"
	"github.com/mdevuyst/granite/proxy"
	"github.com/mdevuyst/granite/routing"
)

// Run builds the proxy from the configuration and serves until a
// termination signal arrives. SIGINT and SIGTERM drain in-flight requests
// and exit; SIGQUIT hands the listening sockets to a successor process
// first.
func Run(c *config.Config) error {
	initLog(c)
	runtime.GOMAXPROCS(c.Threads)

	registry := certregistry.NewRegistry()
	table := routing.NewTable(routing.Options{
		PostProcessors: []routing.PostProcessor{
			loadbalancer.Provider{
				DownTime:   c.OriginDownTime(),
				RetryLimit: c.Proxy.ConnectionRetryLimit,
			},
		},
	})
	respCache := cache.New(c.Cache.MaxSize)

	rootCAs, err := loadRootCAs(c.CAFile)
	if err != nil {
		return err
	}

	dataPlane := proxy.New(proxy.Params{
		Table:             table,
		Cache:             respCache,
		KeepalivePoolSize: c.UpstreamKeepalivePoolSize,
		RootCAs:           rootCAs,
	})

	adminOpts := api.Options{Table: table, Registry: registry}
	if c.API.MutualTLS {
		clientCert, err := loadCertFile(c.API.ClientCert)
		if err != nil {
			return fmt.Errorf("loading api client_cert: %v", err)
		}
		adminOpts.ClientCert = clientCert
	}
	admin := api.New(adminOpts)

	ls, err := openListeners(c)
	if err != nil {
		return err
	}

	if err := writePidFile(c.PidFile); err != nil {
		return err
	}
	if err := dropPrivileges(c.User, c.Group); err != nil {
		return err
	}

	tlsConfig := &tls.Config{
		GetCertificate: registry.GetCertFromHello,
		NextProtos:     []string{"h2", "http/1.1"},
	}

	var servers []*http.Server
	serve := func(g *errgroup.Group, l net.Listener, h http.Handler, h2 bool) {
		srv := &http.Server{Handler: h}
		if h2 {
			if err := http2.ConfigureServer(srv, nil); err != nil {
				log.Errorf("failed to enable HTTP/2 on %s: %v", l.Addr(), err)
			}
		}
		servers = append(servers, srv)
		g.Go(func() error {
			log.Infof("listening on %s", l.Addr())
			if err := srv.Serve(l); err != http.ErrServerClosed {
				return err
			}
			return nil
		})
	}

	var g errgroup.Group
	for _, l := range ls.http {
		serve(&g, l, dataPlane, false)
	}
	for _, l := range ls.https {
		serve(&g, tls.NewListener(l, tlsConfig), dataPlane, true)
	}
	if ls.api != nil {
		al := ls.api
		if c.API.TLS {
			apiTLS, err := apiTLSConfig(c)
			if err != nil {
				return err
			}
			al = tls.NewListener(al, apiTLS)
		}
		serve(&g, al, admin, false)
	}

	go handleSignals(c, ls, servers)

	err = g.Wait()
	removePidFile(c.PidFile)
	return err
}

func handleSignals(c *config.Config, ls *listeners, servers []*http.Server) {
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT)
	s := <-sig
	log.Infof("received %v, shutting down", s)

	if s == syscall.SIGQUIT && c.UpgradeSock != "" {
		if err := sendListeners(c.UpgradeSock, ls); err != nil {
			log.Errorf("socket handoff failed: %v", err)
		}
	}

	for _, srv := range servers {
		srv.Shutdown(context.Background())
	}
}

func initLog(c *config.Config) {
	log.SetLevel(c.ApplicationLogLevel())
	if c.ErrorLog != "" {
		f, err := os.OpenFile(c.ErrorLog, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
		if err != nil {
			log.Errorf("cannot open error log %s: %v", c.ErrorLog, err)
			return
		}
		log.SetOutput(f)
	}
}

func loadRootCAs(caFile string) (*x509.CertPool, error) {
	if caFile == "" {
		return nil, nil
	}
	pemBytes, err := os.ReadFile(caFile)
	if err != nil {
		return nil, fmt.Errorf("loading ca_file: %v", err)
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(pemBytes) {
		return nil, fmt.Errorf("no certificates found in %s", caFile)
	}
	return pool, nil
}

func loadCertFile(path string) (*x509.Certificate, error) {
	pemBytes, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	block, _ := pem.Decode(pemBytes)
	if block == nil {
		return nil, errors.New("no PEM block found")
	}
	return x509.ParseCertificate(block.Bytes)
}

func apiTLSConfig(c *config.Config) (*tls.Config, error) {
	cert, err := tls.LoadX509KeyPair(c.API.Cert, c.API.Key)
	if err != nil {
		return nil, fmt.Errorf("loading api cert/key: %v", err)
	}
	cfg := &tls.Config{Certificates: []tls.Certificate{cert}}
	if c.API.MutualTLS {
		// presence is enforced here, the handler compares the DER bytes
		cfg.ClientAuth = tls.RequireAnyClientCert
	}
	return cfg, nil
}

func writePidFile(path string) error {
	if path == "" {
		return nil
	}
	return os.WriteFile(path, []byte(strconv.Itoa(os.Getpid())+"\n"), 0o644)
}

func removePidFile(path string) {
	if path != "" {
		os.Remove(path)
	}
}

// dropPrivileges switches to the configured user and group after the
// sockets are bound. Only meaningful when started as root.
func dropPrivileges(userName, groupName string) error {
	if groupName != "" {
		grp, err := user.LookupGroup(groupName)
		if err != nil {
			return fmt.Errorf("unknown group %q: %v", groupName, err)
		}
		gid, _ := strconv.Atoi(grp.Gid)
		if err := syscall.Setgid(gid); err != nil {
			return fmt.Errorf("setgid %s: %v", groupName, err)
		}
	}
	if userName != "" {
		usr, err := user.Lookup(userName)
		if err != nil {
			return fmt.Errorf("unknown user %q: %v", userName, err)
		}
		uid, _ := strconv.Atoi(usr.Uid)
		if err := syscall.Setuid(uid); err != nil {
			return fmt.Errorf("setuid %s: %v", userName, err)
		}
	}
	return nil
}
