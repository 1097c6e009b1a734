// Package logging configures the process logger.
package logging

import (
	"fmt"
	"io"

	"github.com/sirupsen/logrus"
)

// Options selects level, format and sinks.
type Options struct {
	Level  string // debug, info, warn, error
	Format string // text, json
	Syslog bool
	Output io.Writer // nil keeps stderr
}

// Setup configures the standard logrus logger and returns it.
func Setup(opts Options) (*logrus.Logger, error) {
	log := logrus.StandardLogger()
	if err := Configure(log, opts); err != nil {
		return nil, err
	}
	return log, nil
}

// Configure applies opts to log.
func Configure(log *logrus.Logger, opts Options) error {
	if opts.Level == "" {
		opts.Level = "info"
	}
	level, err := logrus.ParseLevel(opts.Level)
	if err != nil {
		return fmt.Errorf("log level: %w", err)
	}
	log.SetLevel(level)

	switch opts.Format {
	case "", "text":
		log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	case "json":
		log.SetFormatter(&logrus.JSONFormatter{})
	default:
		return fmt.Errorf("unknown log format %q", opts.Format)
	}

	if opts.Output != nil {
		log.SetOutput(opts.Output)
	}

	if opts.Syslog {
		hook, err := newSyslogHook()
		if err != nil {
			return fmt.Errorf("syslog: %w", err)
		}
		log.AddHook(hook)
	}
	return nil
}
