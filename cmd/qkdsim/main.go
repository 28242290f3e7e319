// qkdsim serves a minimal ETSI GS QKD 014 compatible endpoint for
// testing qkdtun against simulated QKD hardware.
package main

import (
	"crypto/tls"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"

	"github.com/qkdtun/qkdtun/internal/simulator"
)

func main() {
	addr := flag.String("addr", "0.0.0.0:12345", "Address to bind the server")
	certPath := flag.String("cert-path", "", "Path to the TLS certificate")
	keyPath := flag.String("key-path", "", "Path to the TLS private key")
	caPath := flag.String("ca-path", "", "Path to a CA certificate for client verification (mTLS)")
	debug := flag.Bool("debug", false, "Enable debug logging")
	flag.Parse()

	level := slog.LevelInfo
	if *debug {
		level = slog.LevelDebug
	}
	log := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	if (*certPath == "") != (*keyPath == "") {
		fmt.Fprintln(os.Stderr, "Error: both --cert-path and --key-path must be provided")
		os.Exit(1)
	}

	sim := simulator.New(log)
	srv := &http.Server{Addr: *addr, Handler: sim.Router()}

	var err error
	if *certPath != "" {
		var tlsConfig *tls.Config
		tlsConfig, err = simulator.TLSConfig(*certPath, *keyPath, *caPath)
		if err != nil {
			log.Error("TLS setup failed", "error", err)
			os.Exit(1)
		}
		srv.TLSConfig = tlsConfig

		var ln net.Listener
		ln, err = net.Listen("tcp", *addr)
		if err == nil {
			log.Info("serving ETSI014 simulator over TLS", "addr", *addr)
			err = srv.ServeTLS(ln, "", "")
		}
	} else {
		log.Info("serving ETSI014 simulator", "addr", *addr)
		err = srv.ListenAndServe()
	}

	if err != nil && err != http.ErrServerClosed {
		log.Error("server failed", "error", err)
		os.Exit(1)
	}
}
