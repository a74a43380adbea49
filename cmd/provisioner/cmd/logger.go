package cmd

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"

	glog "github.com/goliatone/go-logger/glog"
	"github.com/sirupsen/logrus"
)

var (
	_ glog.Logger         = (*consoleLogger)(nil)
	_ glog.FieldsLogger   = (*consoleLogger)(nil)
	_ glog.LoggerProvider = (*consoleProvider)(nil)
)

// consoleProvider hands out glog loggers backed by one logrus logger.
type consoleProvider struct {
	prefix string
	log    *logrus.Logger
}

func newConsoleProvider(prefix string) *consoleProvider {
	return newConsoleProviderTo(prefix, os.Stderr, logrus.DebugLevel)
}

func newConsoleProviderTo(prefix string, out io.Writer, level logrus.Level) *consoleProvider {
	log := logrus.New()
	log.SetOutput(out)
	log.SetLevel(level)
	log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true, DisableColors: true})
	return &consoleProvider{prefix: prefix, log: log}
}

func (p *consoleProvider) GetLogger(name string) glog.Logger {
	if p == nil || p.log == nil {
		return glog.Nop()
	}
	if strings.TrimSpace(name) == "" {
		name = p.prefix
	}
	return &consoleLogger{entry: p.log.WithField("logger", name)}
}

type consoleLogger struct {
	entry *logrus.Entry
}

func (l *consoleLogger) Trace(msg string, args ...any) { l.with(args).Trace(msg) }
func (l *consoleLogger) Debug(msg string, args ...any) { l.with(args).Debug(msg) }
func (l *consoleLogger) Info(msg string, args ...any)  { l.with(args).Info(msg) }
func (l *consoleLogger) Warn(msg string, args ...any)  { l.with(args).Warn(msg) }
func (l *consoleLogger) Error(msg string, args ...any) { l.with(args).Error(msg) }

// Fatal logs and exits through logrus, which runs registered exit handlers.
func (l *consoleLogger) Fatal(msg string, args ...any) { l.with(args).Fatal(msg) }

func (l *consoleLogger) WithContext(ctx context.Context) glog.Logger {
	if ctx == nil {
		return l
	}
	return &consoleLogger{entry: l.entry.WithContext(ctx)}
}

func (l *consoleLogger) WithFields(fields map[string]any) glog.Logger {
	if len(fields) == 0 {
		return l
	}
	return &consoleLogger{entry: l.entry.WithFields(logrus.Fields(fields))}
}

func (l *consoleLogger) with(args []any) *logrus.Entry {
	if len(args) == 0 {
		return l.entry
	}
	return l.entry.WithFields(fieldsOf(args))
}

// fieldsOf pairs alternating key/value args. A trailing value without a key is
// kept under "arg".
func fieldsOf(args []any) logrus.Fields {
	fields := make(logrus.Fields, len(args)/2+1)
	for i := 0; i < len(args); i += 2 {
		if i+1 >= len(args) {
			fields["arg"] = args[i]
			break
		}
		fields[fmt.Sprint(args[i])] = args[i+1]
	}
	return fields
}
