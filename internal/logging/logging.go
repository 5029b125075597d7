// Package logging builds the logr.Logger used across fvtool.
package logging

import (
	"io"
	"log"
	"log/slog"
	"path/filepath"
	"strings"

	"github.com/go-logr/logr"
	"github.com/go-logr/stdr"
)

const (
	FormatJSON = "json"
	FormatText = "text"
)

// New returns a logger writing to w. format "json" uses the slog JSON
// handler, anything else the stdr text logger. level "debug" enables V(1).
func New(w io.Writer, level, format string) logr.Logger {
	if format == FormatJSON {
		return jsonLogger(w, level)
	}

	l := stdr.NewWithOptions(log.New(w, "", log.LstdFlags), stdr.Options{LogCaller: stdr.Error})
	if level == "debug" {
		stdr.SetVerbosity(1)
	} else {
		stdr.SetVerbosity(0)
	}
	return l
}

// jsonLogger uses the slog logr implementation.
func jsonLogger(w io.Writer, level string) logr.Logger {
	// source file and function can be long. This makes the logs less readable.
	// truncate source file and function to last 3 parts for improved readability.
	customAttr := func(_ []string, a slog.Attr) slog.Attr {
		if a.Key == slog.SourceKey {
			ss, ok := a.Value.Any().(*slog.Source)
			if !ok || ss == nil {
				return a
			}
			ss.Function = trimPath(ss.Function)
			ss.File = trimPath(ss.File)
		}
		return a
	}
	opts := &slog.HandlerOptions{AddSource: true, ReplaceAttr: customAttr}
	switch level {
	case "debug":
		opts.Level = slog.LevelDebug
	default:
		opts.Level = slog.LevelInfo
	}

	return logr.FromSlogHandler(slog.NewJSONHandler(w, opts))
}

func trimPath(s string) string {
	p := strings.Split(s, "/")
	if len(p) > 3 {
		return filepath.Join(p[len(p)-3:]...)
	}
	return s
}
