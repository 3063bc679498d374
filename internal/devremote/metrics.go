package devremote

import (
	"sync/atomic"
	"time"
)

// Metrics collects in-memory server metrics using atomic counters.
type Metrics struct {
	startTime     time.Time
	requests      atomic.Int64
	serverErrors  atomic.Int64
	clientErrors  atomic.Int64
	pulls         atomic.Int64
	recordsPulled atomic.Int64
	recordsPushed atomic.Int64
	staleRecords  atomic.Int64
	droppedFrames atomic.Int64
}

// MetricsSnapshot is a point-in-time view of server metrics.
type MetricsSnapshot struct {
	UptimeSeconds   float64 `json:"uptime_seconds"`
	Requests        int64   `json:"requests"`
	ServerErrors    int64   `json:"server_errors"`
	ClientErrors    int64   `json:"client_errors"`
	PullRequests    int64   `json:"pull_requests"`
	RecordsPulled   int64   `json:"records_pulled"`
	RecordsAccepted int64   `json:"records_accepted"`
	RecordsStale    int64   `json:"records_stale"`
	DroppedFrames   int64   `json:"dropped_frames"`
	RealtimeClients int     `json:"realtime_clients"`
}

// NewMetrics creates a new Metrics instance with the current time as start.
func NewMetrics() *Metrics {
	return &Metrics{startTime: time.Now()}
}

// RecordRequest increments the total request counter.
func (m *Metrics) RecordRequest() { m.requests.Add(1) }

// RecordError increments the server error (5xx) counter.
func (m *Metrics) RecordError() { m.serverErrors.Add(1) }

// RecordClientError increments the client error (4xx) counter.
func (m *Metrics) RecordClientError() { m.clientErrors.Add(1) }

// RecordDroppedFrame counts a realtime frame a slow client missed.
func (m *Metrics) RecordDroppedFrame() { m.droppedFrames.Add(1) }

// RecordPull counts one pull request returning n records.
func (m *Metrics) RecordPull(n int) {
	m.pulls.Add(1)
	m.recordsPulled.Add(int64(n))
}

// RecordPush counts accepted and stale records from one push.
func (m *Metrics) RecordPush(accepted, stale int) {
	m.recordsPushed.Add(int64(accepted))
	m.staleRecords.Add(int64(stale))
}

// Snapshot returns a point-in-time copy of the metrics.
func (m *Metrics) Snapshot() MetricsSnapshot {
	return MetricsSnapshot{
		UptimeSeconds:   time.Since(m.startTime).Seconds(),
		Requests:        m.requests.Load(),
		ServerErrors:    m.serverErrors.Load(),
		ClientErrors:    m.clientErrors.Load(),
		PullRequests:    m.pulls.Load(),
		RecordsPulled:   m.recordsPulled.Load(),
		RecordsAccepted: m.recordsPushed.Load(),
		RecordsStale:    m.staleRecords.Load(),
		DroppedFrames:   m.droppedFrames.Load(),
	}
}
