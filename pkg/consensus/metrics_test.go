package consensus

import (
	"testing"
	"time"

	"github.com/ccx404/ccbft/pkg/util"
)

func TestMetricsFinalityEMA(t *testing.T) {
	clock := util.NewFakeClock(time.Unix(0, 0))
	m := NewMetrics(clock)

	// EMA from the 2s baseline: 0.1*1s + 0.9*2s = 1.9s
	m.RecordCommit(time.Second)
	snap := m.Snapshot()
	if snap.BlocksProcessed != 1 {
		t.Fatalf("blocks: got %d want 1", snap.BlocksProcessed)
	}
	if snap.AverageFinality < 1890*time.Millisecond || snap.AverageFinality > 1910*time.Millisecond {
		t.Fatalf("finality EMA: got %v want ~1.9s", snap.AverageFinality)
	}
}

func TestMetricsTPSWindow(t *testing.T) {
	clock := util.NewFakeClock(time.Unix(0, 0))
	m := NewMetrics(clock)

	for i := 0; i < 5; i++ {
		m.RecordCommit(time.Second)
		clock.Advance(time.Second)
	}
	// 5 blocks x 100 tx within the 10s window
	if got := m.Snapshot().ThroughputTPS; got != 50 {
		t.Fatalf("tps: got %v want 50", got)
	}

	// slide past the window: samples age out
	clock.Advance(11 * time.Second)
	if got := m.Snapshot().ThroughputTPS; got != 0 {
		t.Fatalf("tps after window: got %v want 0", got)
	}
}

func TestMetricsCounters(t *testing.T) {
	m := NewMetrics(util.NewFakeClock(time.Unix(0, 0)))
	m.RecordViewChange()
	m.RecordViewChange()
	m.RecordFaultRecovery()
	m.RecordTimeout(TimeoutEvent{Height: 1, Phase: PhasePrepare, Elapsed: time.Second})

	snap := m.Snapshot()
	if snap.ViewChanges != 2 || snap.FaultRecoveries != 1 {
		t.Fatalf("counters: %+v", snap)
	}
	log := m.TimeoutLog()
	if len(log) != 1 || log[0].Phase != PhasePrepare {
		t.Fatalf("timeout log: %+v", log)
	}
}

func TestDetectorRules(t *testing.T) {
	d := NewDetector(util.NewFakeClock(time.Unix(0, 0)))

	quiet := d.Check(AnomalySample{RoundDuration: time.Second, TPS: 500, CPUPercent: 10})
	if len(quiet) != 0 {
		t.Fatalf("healthy sample produced anomalies: %+v", quiet)
	}

	hot := d.Check(AnomalySample{RoundDuration: 11 * time.Second, TPS: 50, CPUPercent: 95})
	if len(hot) != 3 {
		t.Fatalf("expected 3 anomalies, got %d", len(hot))
	}
	bySeverity := map[string]AnomalySeverity{}
	for _, a := range hot {
		bySeverity[a.Rule] = a.Severity
	}
	if bySeverity["round_duration"] != SeverityHigh {
		t.Fatalf("round duration severity: %v", bySeverity["round_duration"])
	}
	if bySeverity["low_throughput"] != SeverityMedium {
		t.Fatalf("low throughput severity: %v", bySeverity["low_throughput"])
	}
	if bySeverity["cpu_saturation"] != SeverityHigh {
		t.Fatalf("cpu severity: %v", bySeverity["cpu_saturation"])
	}
}
