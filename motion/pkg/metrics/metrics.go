// Package metrics defines the Prometheus instruments exposed on the admin
// HTTP surface's /metrics endpoint, in the promauto idiom used elsewhere in
// the pack for connector-facing counters and gauges.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var BuildInfo = promauto.NewGaugeVec(prometheus.GaugeOpts{
	Name: "motioncore_build_info",
	Help: "build metadata for the running binary, value is always 1",
}, []string{"version", "commit", "date"})

// DevicesConnected, TimeSyncOffsetMs and TimeSyncFailuresTotal are
// registered and exported, but no package in this module updates them, so
// they report their zero values.
var DevicesConnected = promauto.NewGauge(prometheus.GaugeOpts{
	Name: "motioncore_devices_connected",
	Help: "number of devices currently in the connected or streaming state",
})

var TimeSyncOffsetMs = promauto.NewGaugeVec(prometheus.GaugeOpts{
	Name: "motioncore_timesync_offset_ms",
	Help: "last computed clock offset per device, in milliseconds",
}, []string{"device_id"})

var TimeSyncFailuresTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "motioncore_timesync_failures_total",
	Help: "count of failed time-sync sessions per device",
}, []string{"device_id"})

var MissingTicksTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "motioncore_missing_ticks_total",
	Help: "count of motion-pipeline scheduler ticks served as missing",
}, []string{"joint"})

var DroppedSamplesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "motioncore_dropped_samples_total",
	Help: "count of out-of-order or malformed samples dropped per device",
}, []string{"device_id"})

var ChunksUploadedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "motioncore_chunks_uploaded_total",
	Help: "count of recording chunks persisted per sink and status",
}, []string{"sink", "status"})

var ChunkUploadRetriesTotal = promauto.NewCounter(prometheus.CounterOpts{
	Name: "motioncore_chunk_upload_retries_total",
	Help: "count of chunk upload retry attempts across all sinks",
})

var ServerSubscribersDropped = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "motioncore_server_subscribers_dropped_total",
	Help: "count of streaming-server subscribers dropped for backpressure",
}, []string{"reason"})

var CommandsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "motioncore_commands_total",
	Help: "count of coordinator commands handled, by name and outcome",
}, []string{"command", "outcome"})
