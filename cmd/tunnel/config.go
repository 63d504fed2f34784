// Copyright (C) 2017 Michał Matczuk
// Use of this source code is governed by an AGPL-style
// license that can be found in the LICENSE file.

package main

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v2"
)

// BackoffConfig defines behavior of staggering reconnects.
type BackoffConfig struct {
	Interval    time.Duration `yaml:"interval,omitempty"`
	Multiplier  float64       `yaml:"multiplier,omitempty"`
	MaxInterval time.Duration `yaml:"max_interval,omitempty"`
	MaxTime     time.Duration `yaml:"max_time,omitempty"`
}

// ClientConfig is a tunnel client configuration read from a yaml file.
type ClientConfig struct {
	ServerAddr         string         `yaml:"server_addr,omitempty"`
	TargetHost         string         `yaml:"target_host,omitempty"`
	Ports              []uint16       `yaml:"ports,omitempty"`
	ScanInterval       time.Duration  `yaml:"scan_interval,omitempty"`
	StableTime         time.Duration  `yaml:"stable_time,omitempty"`
	GracePeriod        time.Duration  `yaml:"grace_period,omitempty"`
	ProbeTimeout       time.Duration  `yaml:"probe_timeout,omitempty"`
	ScanWorkers        int            `yaml:"scan_workers,omitempty"`
	Lazy               bool           `yaml:"lazy,omitempty"`
	PoolSize           int            `yaml:"pool_size,omitempty"`
	DialTimeout        time.Duration  `yaml:"dial_timeout,omitempty"`
	InsecureSkipVerify bool           `yaml:"insecure_skip_verify,omitempty"`
	TLSCrt             string         `yaml:"tls_crt,omitempty"`
	TLSKey             string         `yaml:"tls_key,omitempty"`
	Backoff            *BackoffConfig `yaml:"backoff,omitempty"`
}

var defaultBackoffConfig = BackoffConfig{
	Interval:    500 * time.Millisecond,
	Multiplier:  1.5,
	MaxInterval: 60 * time.Second,
	MaxTime:     15 * time.Minute,
}

func loadClientConfigFromFile(path string) (*ClientConfig, error) {
	buf, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read file %q: %s", path, err)
	}

	var config ClientConfig
	if err = yaml.Unmarshal(buf, &config); err != nil {
		return nil, fmt.Errorf("failed to parse file %q: %s", path, err)
	}

	if config.ServerAddr == "" {
		return nil, fmt.Errorf("server_addr: missing")
	}

	if config.TLSCrt == "" {
		config.TLSCrt = filepath.Join(filepath.Dir(path), "client.crt")
	}
	if config.TLSKey == "" {
		config.TLSKey = filepath.Join(filepath.Dir(path), "client.key")
	}

	if config.Backoff == nil {
		config.Backoff = &defaultBackoffConfig
	} else {
		if config.Backoff.Interval == 0 {
			config.Backoff.Interval = defaultBackoffConfig.Interval
		}
		if config.Backoff.Multiplier == 0 {
			config.Backoff.Multiplier = defaultBackoffConfig.Multiplier
		}
		if config.Backoff.MaxInterval == 0 {
			config.Backoff.MaxInterval = defaultBackoffConfig.MaxInterval
		}
		if config.Backoff.MaxTime == 0 {
			config.Backoff.MaxTime = defaultBackoffConfig.MaxTime
		}
	}

	return &config, nil
}
