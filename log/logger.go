// Copyright (C) 2017 Michał Matczuk
// Use of this source code is governed by an AGPL-style
// license that can be found in the LICENSE file.

package log

import (
	"io"
	"os"

	kitlog "github.com/go-kit/log"
)

// NewLogger returns logfmt based logger, printing messages up to log level
// logLevel.
func NewLogger(to string, level int) (Logger, error) {
	var w io.Writer

	switch to {
	case "none":
		return NewNopLogger(), nil
	case "stdout":
		w = os.Stdout
	case "stderr":
		w = os.Stderr
	default:
		f, err := os.Create(to)
		if err != nil {
			return nil, err
		}
		w = f
	}

	var logger kitlog.Logger
	logger = kitlog.NewLogfmtLogger(kitlog.NewSyncWriter(w))
	logger = kitlog.With(logger, "time", kitlog.DefaultTimestampUTC)

	return NewFilterLogger(logger, level), nil
}
