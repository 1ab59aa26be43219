package pacermetrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestObserveBurstSendIncrementsCounter(t *testing.T) {
	m := New("quantumpacer_test_burst", "pacer")

	m.ObserveBurstSend()
	m.ObserveBurstSend()

	if got := testutil.ToFloat64(m.BurstSendsTotal); got != 2 {
		t.Errorf("BurstSendsTotal = %v, want 2", got)
	}
}

func TestObserveLumpyRefillRecordsTokenCount(t *testing.T) {
	m := New("quantumpacer_test_lumpy", "pacer")

	m.ObserveLumpyRefill(2)

	if got := testutil.ToFloat64(m.LumpyRefillsTotal); got != 1 {
		t.Errorf("LumpyRefillsTotal = %v, want 1", got)
	}
}

func TestObservePacingDelayDoesNotPanic(t *testing.T) {
	m := New("quantumpacer_test_delay", "pacer")
	m.ObservePacingDelay(5 * time.Millisecond)
}

func TestRecordCongestionStateSetsLabeledGauges(t *testing.T) {
	m := New("quantumpacer_test_state", "pacer")

	m.RecordCongestionState("conn-1", "PROBE_BW", 42.5, 12000)

	if got := testutil.ToFloat64(m.BottleneckBandwidthMbps.WithLabelValues("conn-1")); got != 42.5 {
		t.Errorf("BottleneckBandwidthMbps = %v, want 42.5", got)
	}
	if got := testutil.ToFloat64(m.CongestionWindowBytes.WithLabelValues("conn-1")); got != 12000 {
		t.Errorf("CongestionWindowBytes = %v, want 12000", got)
	}
	if got := testutil.ToFloat64(m.StateTransitionsTotal.WithLabelValues("conn-1", "PROBE_BW")); got != 1 {
		t.Errorf("StateTransitionsTotal = %v, want 1", got)
	}
}
