// Package main implements evsock-echo, a WebSocket peer that echoes event
// envelopes, answers pings and fans broadcasts out to every connected client.
package main

import (
	"context"
	"crypto/tls"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"time"

	"golang.org/x/crypto/acme/autocert"

	"github.com/codeGROOVE-dev/evsock/pkg/echo"
	"github.com/codeGROOVE-dev/evsock/pkg/logger"
)

const (
	readHeaderTimeout = 10 * time.Second
	idleTimeout       = 120 * time.Second
	shutdownTimeout   = 10 * time.Second
)

type options struct {
	addr        string
	leDomains   string
	leCacheDir  string
	leEmail     string
	logLevel    string
	limits      echo.Limits
	letsencrypt bool
}

func parseOptions(args []string) (options, error) {
	var o options
	fs := flag.NewFlagSet("evsock-echo", flag.ContinueOnError)
	fs.StringVar(&o.addr, "addr", ":8080", "HTTP service address")
	fs.BoolVar(&o.letsencrypt, "letsencrypt", false, "Use Let's Encrypt for automatic TLS certificates")
	fs.StringVar(&o.leDomains, "le-domains", "", "Comma-separated list of domains for Let's Encrypt certificates")
	fs.StringVar(&o.leCacheDir, "le-cache-dir", "./.letsencrypt", "Cache directory for Let's Encrypt certificates")
	fs.StringVar(&o.leEmail, "le-email", "", "Contact email for Let's Encrypt notifications")
	fs.StringVar(&o.logLevel, "log-level", "info", "Log level: debug, info, warn, error")
	fs.IntVar(&o.limits.MaxConnsPerIP, "max-conns-per-ip", 10, "Maximum WebSocket connections per IP (0 = unlimited)")
	fs.IntVar(&o.limits.MaxConnsTotal, "max-conns-total", 1000, "Maximum total WebSocket connections (0 = unlimited)")
	fs.IntVar(&o.limits.RequestsPerMin, "rate-limit", 100, "Maximum requests per minute per IP (0 = unlimited)")
	if err := fs.Parse(args); err != nil {
		return options{}, err
	}
	if o.letsencrypt && strings.TrimSpace(o.leDomains) == "" {
		return options{}, errors.New("let's encrypt requires -le-domains")
	}
	return o, nil
}

func newMux(hub *echo.Hub) *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle("/ws", hub.Handler())
	mux.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		fmt.Fprintf(w, "ok peers=%d\n", hub.PeerCount()) //nolint:errcheck // health probe
	})
	return mux
}

func run(ctx context.Context, args []string) error {
	o, err := parseOptions(args)
	if err != nil {
		return err
	}
	level, err := logger.ParseLevel(o.logLevel)
	if err != nil {
		return err
	}
	logger.SetDefault(logger.New(os.Stderr, level))

	hub := echo.NewHub()
	hub.SetConnLimits(o.limits)

	// No WriteTimeout: it would cut long-lived WebSocket connections.
	server := &http.Server{
		Addr:              o.addr,
		Handler:           echo.Middleware(newMux(hub), o.limits, nil),
		ReadHeaderTimeout: readHeaderTimeout,
		IdleTimeout:       idleTimeout,
		MaxHeaderBytes:    1 << 20, // 1MB
	}

	errc := make(chan error, 1)
	go func() {
		errc <- serve(server, o)
	}()

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}

	logger.Info("shutting down server", nil)
	hub.DropAll()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	if err := <-errc; err != nil {
		return err
	}
	logger.Info("server stopped", nil)
	return nil
}

// serve blocks until the server stops. http.ErrServerClosed is not an error.
func serve(server *http.Server, o options) error {
	var err error
	if o.letsencrypt {
		err = serveLetsEncrypt(server, o)
	} else {
		logger.Warn("TLS not enabled; use -letsencrypt for production", nil)
		logger.Info("starting HTTP server", logger.Fields{"addr": server.Addr})
		err = server.ListenAndServe()
	}
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

func serveLetsEncrypt(server *http.Server, o options) error {
	domains := strings.Split(o.leDomains, ",")
	for i := range domains {
		domains[i] = strings.TrimSpace(domains[i])
	}
	if err := os.MkdirAll(o.leCacheDir, 0o700); err != nil {
		return fmt.Errorf("create Let's Encrypt cache directory: %w", err)
	}

	certManager := &autocert.Manager{
		Prompt:     autocert.AcceptTOS,
		HostPolicy: autocert.HostWhitelist(domains...),
		Cache:      autocert.DirCache(o.leCacheDir),
		Email:      o.leEmail,
	}
	server.Addr = ":443"
	server.TLSConfig = &tls.Config{
		GetCertificate: certManager.GetCertificate,
		MinVersion:     tls.VersionTLS12,
	}

	go func() {
		acme := &http.Server{
			Addr:              ":80",
			Handler:           certManager.HTTPHandler(nil),
			ReadHeaderTimeout: readHeaderTimeout,
		}
		logger.Info("starting HTTP server on :80 for ACME challenges", nil)
		if err := acme.ListenAndServe(); err != nil {
			logger.Error("ACME challenge server failed; certificate issuance may fail", err, nil)
		}
	}()

	logger.Info("starting HTTPS server with Let's Encrypt", logger.Fields{"domains": domains})
	return server.ListenAndServeTLS("", "")
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	if err := run(ctx, os.Args[1:]); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			os.Exit(2)
		}
		logger.Error("evsock-echo failed", err, nil)
		os.Exit(1)
	}
}
