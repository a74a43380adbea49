package core

import (
	"context"
	"maps"
)

const metricPrefix = "provisioning."

// NopMetricsRecorder drops every sample. Observers fall back to it when no
// recorder is configured.
type NopMetricsRecorder struct{}

func (NopMetricsRecorder) IncCounter(context.Context, string, int64, map[string]string) {}

func (NopMetricsRecorder) ObserveHistogram(context.Context, string, float64, map[string]string) {}

func metricName(operation string, suffix string) string {
	return metricPrefix + operation + "." + suffix
}

// cloneMap never returns nil so callers can add keys to the copy.
func cloneMap[V any](in map[string]V) map[string]V {
	if in == nil {
		return map[string]V{}
	}
	return maps.Clone(in)
}

func cloneTags(tags map[string]string) map[string]string { return cloneMap(tags) }

func cloneFields(fields map[string]any) map[string]any { return cloneMap(fields) }
