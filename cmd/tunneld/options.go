// Copyright (C) 2017 Michał Matczuk
// Use of this source code is governed by an AGPL-style
// license that can be found in the LICENSE file.

package main

import (
	"flag"
	"fmt"
	"os"
)

const usage1 string = `Usage: tunneld [OPTIONS]
options:
`

const usage2 string = `
Example:
	tunneld
	tunneld -client YMBKT3V-ESUTZ2Z-7MRILIJ-T35FHGO-D2DHO7D-FXMGSSR-V4LBSZX-BNDONQ4
	tunneld -tunnelAddr :5224 -listenHost 0.0.0.0
`

func init() {
	flag.Usage = func() {
		fmt.Fprint(os.Stderr, usage1)
		flag.PrintDefaults()
		fmt.Fprint(os.Stderr, usage2)
	}
}

// options specify arguments read command line arguments.
type options struct {
	tunnelAddr string
	listenHost string
	tlsCrt     string
	tlsKey     string
	client     string
	logLevel   int
	version    bool
}

func parseArgs() *options {
	tunnelAddr := flag.String("tunnelAddr", ":5224", "Public UDP address listening for tunnel client")
	listenHost := flag.String("listenHost", "", "Host public per-port listeners bind to, empty for all interfaces")
	tlsCrt := flag.String("tlsCrt", "server.crt", "Path to a TLS certificate file")
	tlsKey := flag.String("tlsKey", "server.key", "Path to a TLS key file")
	client := flag.String("client", "", "Tunnel client id, if empty accept any client")
	logLevel := flag.Int("log-level", 1, "Level of messages to log, 0-3")
	version := flag.Bool("version", false, "Prints tunneld version")
	flag.Parse()

	return &options{
		tunnelAddr: *tunnelAddr,
		listenHost: *listenHost,
		tlsCrt:     *tlsCrt,
		tlsKey:     *tlsKey,
		client:     *client,
		logLevel:   *logLevel,
		version:    *version,
	}
}
