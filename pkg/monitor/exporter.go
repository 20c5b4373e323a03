// file: pkg/monitor/exporter.go
package monitor

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/ccx404/ccbft/pkg/api"
	"github.com/ccx404/ccbft/pkg/consensus"
	"github.com/ccx404/ccbft/pkg/util"
)

// Exporter polls the engine's status snapshot, mirrors it into Prometheus
// gauges, and runs the anomaly rules. Anomalies go to the event hub and the
// log; they never feed back into consensus.
type Exporter struct {
	engine   *consensus.Engine
	detector *consensus.Detector
	hub      *api.Hub
	log      *zap.SugaredLogger
	clock    util.Clock
	interval time.Duration

	// CPUProbe, when set, supplies the cpu percentage for the anomaly rules.
	CPUProbe func() float64

	lastHeight consensus.Height

	height       prometheus.Gauge
	view         prometheus.Gauge
	blocks       prometheus.Gauge
	finality     prometheus.Gauge
	tps          prometheus.Gauge
	viewChanges  prometheus.Gauge
	pipelineUtil prometheus.Gauge
	byzantine    prometheus.Gauge
	violations   prometheus.Gauge
	queueDepth   *prometheus.GaugeVec
}

func NewExporter(engine *consensus.Engine, hub *api.Hub, log *zap.SugaredLogger, clock util.Clock, interval time.Duration) *Exporter {
	if interval <= 0 {
		interval = time.Second
	}
	e := &Exporter{
		engine:   engine,
		detector: consensus.NewDetector(clock),
		hub:      hub,
		log:      log,
		clock:    clock,
		interval: interval,

		height:       prometheus.NewGauge(prometheus.GaugeOpts{Namespace: "ccbft", Name: "height", Help: "Current consensus height."}),
		view:         prometheus.NewGauge(prometheus.GaugeOpts{Namespace: "ccbft", Name: "view", Help: "Current view within the height."}),
		blocks:       prometheus.NewGauge(prometheus.GaugeOpts{Namespace: "ccbft", Name: "blocks_processed_total", Help: "Blocks committed since start."}),
		finality:     prometheus.NewGauge(prometheus.GaugeOpts{Namespace: "ccbft", Name: "finality_seconds", Help: "EMA of block finality time."}),
		tps:          prometheus.NewGauge(prometheus.GaugeOpts{Namespace: "ccbft", Name: "throughput_tps", Help: "Transactions per second over the sliding window."}),
		viewChanges:  prometheus.NewGauge(prometheus.GaugeOpts{Namespace: "ccbft", Name: "view_changes_total", Help: "View changes since start."}),
		pipelineUtil: prometheus.NewGauge(prometheus.GaugeOpts{Namespace: "ccbft", Name: "pipeline_utilization", Help: "Active pipeline slots over capacity."}),
		byzantine:    prometheus.NewGauge(prometheus.GaugeOpts{Namespace: "ccbft", Name: "byzantine_incidents_total", Help: "Byzantine incidents recorded."}),
		violations:   prometheus.NewGauge(prometheus.GaugeOpts{Namespace: "ccbft", Name: "protocol_violations_total", Help: "Dropped protocol-violating messages."}),
		queueDepth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "ccbft", Name: "ingest_queue_depth", Help: "Pending messages per ingest queue.",
		}, []string{"queue"}),
	}
	return e
}

// Register installs the collectors on a registry (usually the default one).
func (e *Exporter) Register(reg prometheus.Registerer) error {
	for _, c := range []prometheus.Collector{
		e.height, e.view, e.blocks, e.finality, e.tps,
		e.viewChanges, e.pipelineUtil, e.byzantine, e.violations, e.queueDepth,
	} {
		if err := reg.Register(c); err != nil {
			return err
		}
	}
	return nil
}

// Run polls until the context is canceled.
func (e *Exporter) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-e.clock.After(e.interval):
			e.Sweep()
		}
	}
}

// Sweep performs one poll-and-export pass.
func (e *Exporter) Sweep() {
	st := e.engine.Status()

	e.height.Set(float64(st.Height))
	e.view.Set(float64(st.View))
	e.blocks.Set(float64(st.Metrics.BlocksProcessed))
	e.finality.Set(st.Metrics.AverageFinality.Seconds())
	e.tps.Set(st.Metrics.ThroughputTPS)
	e.viewChanges.Set(float64(st.Metrics.ViewChanges))
	e.pipelineUtil.Set(st.Pipeline.Utilization)
	e.byzantine.Set(float64(st.Faults.ByzantineIncidents))
	e.violations.Set(float64(st.ProtocolViolations))
	e.queueDepth.WithLabelValues("proposals").Set(float64(st.Queues.Proposals))
	e.queueDepth.WithLabelValues("votes").Set(float64(st.Queues.Votes))
	e.queueDepth.WithLabelValues("view_changes").Set(float64(st.Queues.ViewChanges))
	e.queueDepth.WithLabelValues("new_views").Set(float64(st.Queues.NewViews))

	if e.hub != nil && st.Height > e.lastHeight && e.lastHeight != 0 {
		e.hub.Broadcast(api.Event{Type: "commit", At: e.clock.Now(), Data: map[string]uint64{
			"height": uint64(st.Height - 1),
			"blocks": st.Metrics.BlocksProcessed,
		}})
	}
	e.lastHeight = st.Height

	var cpu float64
	if e.CPUProbe != nil {
		cpu = e.CPUProbe()
	}
	anomalies := e.detector.Check(consensus.AnomalySample{
		RoundDuration: st.RoundElapsed,
		TPS:           st.Metrics.ThroughputTPS,
		CPUPercent:    cpu,
	})
	for _, a := range anomalies {
		if e.log != nil {
			e.log.Warnw("anomaly", "rule", a.Rule, "severity", a.Severity.String(), "msg", a.Message)
		}
		if e.hub != nil {
			e.hub.Broadcast(api.Event{Type: "anomaly", At: a.At, Data: map[string]string{
				"rule":     a.Rule,
				"severity": a.Severity.String(),
				"message":  a.Message,
			}})
		}
	}
}
