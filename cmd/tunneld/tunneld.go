// Copyright (C) 2017 Michał Matczuk
// Use of this source code is governed by an AGPL-style
// license that can be found in the LICENSE file.

package main

import (
	"context"
	"crypto/tls"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	tunnel "github.com/jeff2009wang/go-quic-tunnel"
	"github.com/jeff2009wang/go-quic-tunnel/id"
	"github.com/jeff2009wang/go-quic-tunnel/log"
)

const version = "1.0.0"

func main() {
	opts := parseArgs()

	if opts.version {
		fmt.Println(version)
		return
	}

	logger := log.NewFilterLogger(log.NewStdLogger(), opts.logLevel)

	cert, err := tls.LoadX509KeyPair(opts.tlsCrt, opts.tlsKey)
	if err != nil {
		fatal("failed to load key pair: %s", err)
	}

	var allowedID *id.ID
	if opts.client != "" {
		identifier := id.ID{}
		if err := identifier.UnmarshalText([]byte(opts.client)); err != nil {
			fatal("invalid client id %q: %s", opts.client, err)
		}
		allowedID = &identifier
	}

	server, err := tunnel.NewServer(&tunnel.ServerConfig{
		Addr:       opts.tunnelAddr,
		TLSConfig:  &tls.Config{Certificates: []tls.Certificate{cert}},
		ListenHost: opts.listenHost,
		AllowedID:  allowedID,
		Logger:     logger,
	})
	if err != nil {
		fatal("failed to create server: %s", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go func() {
		<-ctx.Done()
		server.Stop()
	}()

	if err := server.Start(ctx); err != nil && err != context.Canceled {
		fatal("%s", err)
	}
}

func fatal(format string, a ...interface{}) {
	fmt.Fprintf(os.Stderr, format, a...)
	fmt.Fprint(os.Stderr, "\n")
	os.Exit(1)
}
