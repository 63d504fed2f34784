// Copyright (C) 2017 Michał Matczuk
// Use of this source code is governed by an AGPL-style
// license that can be found in the LICENSE file.

package main

import (
	"flag"
	"fmt"
	"os"
)

const usage1 string = `Usage: tunnel [OPTIONS] <command>
options:
`

const usage2 string = `
Commands:
	tunnel id       Show client identifier
	tunnel start    Start the tunnel client

Examples:
	tunnel start
	tunnel -config=config.yaml -log=stdout -log-level 2 start

config.yaml:
	server_addr: SERVER_IP:5224
	insecure_skip_verify: true
	ports:
	  - 8080
	  - 2222
`

func init() {
	flag.Usage = func() {
		fmt.Fprint(os.Stderr, usage1)
		flag.PrintDefaults()
		fmt.Fprint(os.Stderr, usage2)
	}
}

type options struct {
	config   string
	logTo    string
	logLevel int
	version  bool
	command  string
}

func parseArgs() (*options, error) {
	config := flag.String("config", "tunnel.yaml", "Path to tunnel configuration file")
	logTo := flag.String("log", "stdout", "Write log messages to this file, file name or 'stdout', 'stderr', 'none'")
	logLevel := flag.Int("log-level", 1, "Level of messages to log, 0-3")
	version := flag.Bool("version", false, "Prints tunnel version")
	flag.Parse()

	opts := &options{
		config:   *config,
		logTo:    *logTo,
		logLevel: *logLevel,
		version:  *version,
		command:  flag.Arg(0),
	}

	if opts.version {
		return opts, nil
	}

	switch opts.command {
	case "id", "start":
		if len(flag.Args()) > 1 {
			return nil, fmt.Errorf("%s takes no arguments", opts.command)
		}
	default:
		return nil, fmt.Errorf("expected command")
	}

	return opts, nil
}
