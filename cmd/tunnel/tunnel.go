// Copyright (C) 2017 Michał Matczuk
// Use of this source code is governed by an AGPL-style
// license that can be found in the LICENSE file.

package main

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/cenkalti/backoff"
	"gopkg.in/yaml.v2"

	tunnel "github.com/jeff2009wang/go-quic-tunnel"
	"github.com/jeff2009wang/go-quic-tunnel/id"
	"github.com/jeff2009wang/go-quic-tunnel/log"
)

const version = "1.0.0"

func main() {
	opts, err := parseArgs()
	if err != nil {
		fatal(err.Error())
	}

	if opts.version {
		fmt.Println(version)
		return
	}

	logger, err := log.NewLogger(opts.logTo, opts.logLevel)
	if err != nil {
		fatal("failed to init logger: %s", err)
	}

	c, err := loadClientConfigFromFile(opts.config)
	if err != nil {
		fatal("configuration error: %s", err)
	}

	cert, err := tls.LoadX509KeyPair(c.TLSCrt, c.TLSKey)
	if err != nil {
		fatal("failed to load key pair: %s", err)
	}

	if opts.command == "id" {
		x509Cert, err := x509.ParseCertificate(cert.Certificate[0])
		if err != nil {
			fatal("failed to parse certificate: %s", err)
		}
		fmt.Println(id.New(x509Cert.Raw))
		return
	}

	b, err := yaml.Marshal(c)
	if err != nil {
		fatal("failed to dump configuration: %s", err)
	}
	logger.Log("config", string(b))

	client, err := tunnel.NewClient(&tunnel.ClientConfig{
		ServerAddr:      c.ServerAddr,
		TLSClientConfig: tlsConfig(cert, c),
		Backoff:         expBackoff(c.Backoff),
		TargetHost:      c.TargetHost,
		Ports:           c.Ports,
		ScanInterval:    c.ScanInterval,
		StableTime:      c.StableTime,
		GracePeriod:     c.GracePeriod,
		ProbeTimeout:    c.ProbeTimeout,
		ScanWorkers:     c.ScanWorkers,
		Lazy:            c.Lazy,
		PoolSize:        c.PoolSize,
		DialTimeout:     c.DialTimeout,
		Logger:          logger,
	})
	if err != nil {
		fatal("%s", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := client.Start(ctx); err != nil && err != context.Canceled {
		fatal("%s", err)
	}
}

func tlsConfig(cert tls.Certificate, c *ClientConfig) *tls.Config {
	return &tls.Config{
		Certificates:       []tls.Certificate{cert},
		InsecureSkipVerify: c.InsecureSkipVerify,
	}
}

func expBackoff(c *BackoffConfig) *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.Interval
	b.Multiplier = c.Multiplier
	b.MaxInterval = c.MaxInterval
	b.MaxElapsedTime = c.MaxTime

	return b
}

func fatal(format string, a ...interface{}) {
	fmt.Fprintf(os.Stderr, format, a...)
	fmt.Fprint(os.Stderr, "\n")
	os.Exit(1)
}
