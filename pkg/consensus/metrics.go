// file: pkg/consensus/metrics.go
package consensus

import (
	"sync"
	"time"

	"github.com/ccx404/ccbft/pkg/util"
)

const (
	finalitySmoothing = 0.1
	tpsWindow         = 10 * time.Second
	// Payloads are opaque to the engine, so throughput is estimated from
	// committed blocks at a nominal transaction density.
	txPerBlockEstimate = 100
)

// TimeoutEvent records one fired phase timeout for diagnostics.
type TimeoutEvent struct {
	Height  Height
	View    View
	Round   Round
	Phase   Phase
	Elapsed time.Duration
	At      time.Time
}

type tpsSample struct {
	at  time.Time
	txs uint64
}

// Metrics is the single monitor object holding the engine's smoothed
// counters. It sits outside the vote-aggregation hot path: the engine
// touches it once per commit, timeout, or view change.
type Metrics struct {
	mu              sync.Mutex
	clock           util.Clock
	blocksProcessed uint64
	finalityEMA     time.Duration
	samples         []tpsSample
	viewChanges     uint64
	faultRecoveries uint64
	pipelineEff     float64
	timeouts        []TimeoutEvent
}

func NewMetrics(clock util.Clock) *Metrics {
	return &Metrics{clock: clock, finalityEMA: 2 * time.Second, pipelineEff: 1.0}
}

func (m *Metrics) RecordCommit(finality time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.blocksProcessed++
	m.finalityEMA = time.Duration(
		finalitySmoothing*finality.Seconds()*float64(time.Second) +
			(1-finalitySmoothing)*float64(m.finalityEMA))
	now := m.clock.Now()
	m.samples = append(m.samples, tpsSample{at: now, txs: txPerBlockEstimate})
	m.trim(now)
}

func (m *Metrics) trim(now time.Time) {
	cut := 0
	for cut < len(m.samples) && now.Sub(m.samples[cut].at) > tpsWindow {
		cut++
	}
	if cut > 0 {
		m.samples = m.samples[cut:]
	}
}

func (m *Metrics) RecordViewChange() {
	m.mu.Lock()
	m.viewChanges++
	m.mu.Unlock()
}

func (m *Metrics) RecordFaultRecovery() {
	m.mu.Lock()
	m.faultRecoveries++
	m.mu.Unlock()
}

func (m *Metrics) RecordTimeout(ev TimeoutEvent) {
	m.mu.Lock()
	ev.At = m.clock.Now()
	m.timeouts = append(m.timeouts, ev)
	m.mu.Unlock()
}

func (m *Metrics) SetPipelineEfficiency(eff float64) {
	m.mu.Lock()
	m.pipelineEff = eff
	m.mu.Unlock()
}

// TimeoutLog returns the recorded timeout sequence, oldest first.
func (m *Metrics) TimeoutLog() []TimeoutEvent {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]TimeoutEvent, len(m.timeouts))
	copy(out, m.timeouts)
	return out
}

// MetricsSnapshot is the read-side view used by Status and the monitor.
type MetricsSnapshot struct {
	BlocksProcessed    uint64
	AverageFinality    time.Duration
	ThroughputTPS      float64
	ViewChanges        uint64
	FaultRecoveries    uint64
	PipelineEfficiency float64
}

func (m *Metrics) Snapshot() MetricsSnapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.clock.Now()
	m.trim(now)
	var txs uint64
	for _, s := range m.samples {
		txs += s.txs
	}
	return MetricsSnapshot{
		BlocksProcessed:    m.blocksProcessed,
		AverageFinality:    m.finalityEMA,
		ThroughputTPS:      float64(txs) / tpsWindow.Seconds(),
		ViewChanges:        m.viewChanges,
		FaultRecoveries:    m.faultRecoveries,
		PipelineEfficiency: m.pipelineEff,
	}
}

// ---- anomaly detection ----

type AnomalySeverity uint8

const (
	SeverityLow AnomalySeverity = iota
	SeverityMedium
	SeverityHigh
	SeverityCritical
)

func (s AnomalySeverity) String() string {
	switch s {
	case SeverityLow:
		return "low"
	case SeverityMedium:
		return "medium"
	case SeverityHigh:
		return "high"
	case SeverityCritical:
		return "critical"
	}
	return "unknown"
}

type Anomaly struct {
	Rule     string
	Severity AnomalySeverity
	Message  string
	At       time.Time
}

// AnomalySample is what the detector inspects each sweep.
type AnomalySample struct {
	RoundDuration time.Duration
	TPS           float64
	CPUPercent    float64
}

// Detector applies the alerting rules. Anomalies are surfaced to the
// monitoring layer and never alter consensus behavior.
type Detector struct {
	clock util.Clock
}

func NewDetector(clock util.Clock) *Detector { return &Detector{clock: clock} }

func (d *Detector) Check(s AnomalySample) []Anomaly {
	now := d.clock.Now()
	var out []Anomaly
	if s.RoundDuration > 10*time.Second {
		out = append(out, Anomaly{
			Rule:     "round_duration",
			Severity: SeverityHigh,
			Message:  "consensus round exceeded 10s",
			At:       now,
		})
	}
	if s.TPS < 100 {
		out = append(out, Anomaly{
			Rule:     "low_throughput",
			Severity: SeverityMedium,
			Message:  "throughput below 100 tps",
			At:       now,
		})
	}
	if s.CPUPercent > 90 {
		out = append(out, Anomaly{
			Rule:     "cpu_saturation",
			Severity: SeverityHigh,
			Message:  "cpu above 90%",
			At:       now,
		})
	}
	return out
}
