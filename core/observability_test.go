package core

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

type capturedCounter struct {
	name  string
	value int64
	tags  map[string]string
}

type captureMetricsRecorder struct {
	mu         sync.Mutex
	counters   []capturedCounter
	histograms []string
}

func (m *captureMetricsRecorder) IncCounter(_ context.Context, name string, value int64, tags map[string]string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.counters = append(m.counters, capturedCounter{name: name, value: value, tags: cloneTags(tags)})
}

func (m *captureMetricsRecorder) ObserveHistogram(_ context.Context, name string, _ float64, _ map[string]string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.histograms = append(m.histograms, name)
}

type capturedLog struct {
	level  string
	msg    string
	fields map[string]any
}

type captureLogger struct {
	mu      *sync.Mutex
	records *[]capturedLog
}

func newCaptureLogger() *captureLogger {
	records := []capturedLog{}
	return &captureLogger{mu: &sync.Mutex{}, records: &records}
}

func (l *captureLogger) Trace(msg string, args ...any) { l.record("trace", msg, args...) }
func (l *captureLogger) Debug(msg string, args ...any) { l.record("debug", msg, args...) }
func (l *captureLogger) Info(msg string, args ...any)  { l.record("info", msg, args...) }
func (l *captureLogger) Warn(msg string, args ...any)  { l.record("warn", msg, args...) }
func (l *captureLogger) Error(msg string, args ...any) { l.record("error", msg, args...) }
func (l *captureLogger) Fatal(msg string, args ...any) { l.record("fatal", msg, args...) }

func (l *captureLogger) WithContext(context.Context) Logger {
	return l
}

func (l *captureLogger) record(level string, msg string, args ...any) {
	fields := map[string]any{}
	for index := 0; index+1 < len(args); index += 2 {
		if key, ok := args[index].(string); ok {
			fields[key] = args[index+1]
		}
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	*l.records = append(*l.records, capturedLog{level: level, msg: msg, fields: fields})
}

func (l *captureLogger) snapshot() []capturedLog {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]capturedLog, len(*l.records))
	copy(out, *l.records)
	return out
}

func TestObserverSuccess(t *testing.T) {
	metrics := &captureMetricsRecorder{}
	logger := newCaptureLogger()
	observer := NewObserver(logger, metrics)

	observer.Observe(context.Background(), time.Now(), "run full", nil, map[string]any{
		"task_key":  "pull-ldap",
		"direction": "pull",
	})

	if len(metrics.counters) != 1 || metrics.counters[0].name != "provisioning.run_full.total" {
		t.Fatalf("expected run_full counter, got %#v", metrics.counters)
	}
	tags := metrics.counters[0].tags
	if tags["status"] != "success" || tags["task_key"] != "pull-ldap" || tags["direction"] != "pull" {
		t.Fatalf("unexpected tags %#v", tags)
	}
	if len(metrics.histograms) != 1 || metrics.histograms[0] != "provisioning.run_full.duration_ms" {
		t.Fatalf("expected duration histogram, got %#v", metrics.histograms)
	}
	records := logger.snapshot()
	if len(records) != 1 || records[0].level != "info" || records[0].msg != "run_full succeeded" {
		t.Fatalf("unexpected log records %#v", records)
	}
	if records[0].fields["event_type"] != "run_full" {
		t.Fatalf("expected event_type field, got %#v", records[0].fields)
	}
}

func TestObserverFailureLogsError(t *testing.T) {
	metrics := &captureMetricsRecorder{}
	logger := newCaptureLogger()
	observer := NewObserver(logger, metrics)

	observer.Observe(context.Background(), time.Now(), "propagate", errors.New("boom"), map[string]any{
		"resource_key": "ldap",
	})

	records := logger.snapshot()
	if len(records) != 1 || records[0].level != "error" {
		t.Fatalf("expected error log, got %#v", records)
	}
	if records[0].fields["error"] != "boom" {
		t.Fatalf("expected error field, got %#v", records[0].fields)
	}
	if metrics.counters[0].tags["status"] != "failure" {
		t.Fatalf("expected failure status tag")
	}
}

func TestObserverWithoutLoggerIsSafe(t *testing.T) {
	observer := Observer{}
	observer.Observe(context.Background(), time.Now(), "noop", nil, nil)
	observer.Info(context.Background(), "ignored", nil)
}
