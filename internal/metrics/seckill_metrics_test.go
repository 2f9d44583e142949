package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	dto "github.com/prometheus/client_model/go"
)

func TestNewSeckillMetricsWithRegisterer(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewSeckillMetricsWithRegisterer(reg)

	if m == nil {
		t.Fatal("NewSeckillMetricsWithRegisterer should not return nil")
	}
	if m.admissions == nil || m.cacheLookups == nil || m.cacheRebuilds == nil {
		t.Fatal("request path collectors should not be nil")
	}
	if m.workerEntries == nil || m.settleDuration == nil || m.deadLetters == nil {
		t.Fatal("worker collectors should not be nil")
	}
	if m.pendingSweeps == nil || m.pendingEntries == nil || m.streamLength == nil || m.orderEvents == nil {
		t.Fatal("backlog collectors should not be nil")
	}
}

func TestNewSeckillMetrics_ReusesRegisteredCollectors(t *testing.T) {
	reg := prometheus.NewRegistry()

	first := NewSeckillMetricsWithRegisterer(reg)
	second := NewSeckillMetricsWithRegisterer(reg)

	first.RecordAdmission("accepted")
	second.RecordAdmission("accepted")

	if got := testutil.ToFloat64(first.admissions.WithLabelValues("accepted")); got != 2 {
		t.Fatalf("expected shared counter value 2, got %f", got)
	}
}

func TestRecordAdmission(t *testing.T) {
	m := NewSeckillMetricsWithRegisterer(prometheus.NewRegistry())

	m.RecordAdmission("accepted")
	m.RecordAdmission("out_of_stock")
	m.RecordAdmission("out_of_stock")

	if got := testutil.ToFloat64(m.admissions.WithLabelValues("accepted")); got != 1 {
		t.Errorf("expected 1 accepted, got %f", got)
	}
	if got := testutil.ToFloat64(m.admissions.WithLabelValues("out_of_stock")); got != 2 {
		t.Errorf("expected 2 out_of_stock, got %f", got)
	}
}

func TestRecordCacheLookupAndRebuild(t *testing.T) {
	m := NewSeckillMetricsWithRegisterer(prometheus.NewRegistry())

	m.RecordCacheLookup("mutex", "miss")
	m.RecordCacheRebuild("mutex", "loaded")

	if got := testutil.ToFloat64(m.cacheLookups.WithLabelValues("mutex", "miss")); got != 1 {
		t.Errorf("expected 1 lookup, got %f", got)
	}
	if got := testutil.ToFloat64(m.cacheRebuilds.WithLabelValues("mutex", "loaded")); got != 1 {
		t.Errorf("expected 1 rebuild, got %f", got)
	}
}

func TestRecordSettleDuration(t *testing.T) {
	m := NewSeckillMetricsWithRegisterer(prometheus.NewRegistry())

	m.RecordSettleDuration(20 * time.Millisecond)
	m.RecordSettleDuration(40 * time.Millisecond)

	metric := &dto.Metric{}
	if err := m.settleDuration.Write(metric); err != nil {
		t.Fatalf("failed to write histogram: %v", err)
	}
	if metric.Histogram.GetSampleCount() != 2 {
		t.Errorf("expected 2 samples, got %d", metric.Histogram.GetSampleCount())
	}
}

func TestSetStreamBacklog(t *testing.T) {
	m := NewSeckillMetricsWithRegisterer(prometheus.NewRegistry())

	m.SetStreamBacklog(12, 3)

	if got := testutil.ToFloat64(m.streamLength); got != 12 {
		t.Errorf("expected stream length 12, got %f", got)
	}
	if got := testutil.ToFloat64(m.pendingEntries); got != 3 {
		t.Errorf("expected pending 3, got %f", got)
	}
}

func TestRecordWorkerCounters(t *testing.T) {
	m := NewSeckillMetricsWithRegisterer(prometheus.NewRegistry())

	m.RecordWorkerEntry("settled")
	m.RecordDeadLetter("malformed")
	m.RecordPendingSweep()
	m.RecordOrderEvent("published")

	if got := testutil.ToFloat64(m.workerEntries.WithLabelValues("settled")); got != 1 {
		t.Errorf("expected 1 settled entry, got %f", got)
	}
	if got := testutil.ToFloat64(m.deadLetters.WithLabelValues("malformed")); got != 1 {
		t.Errorf("expected 1 dead letter, got %f", got)
	}
	if got := testutil.ToFloat64(m.pendingSweeps); got != 1 {
		t.Errorf("expected 1 sweep, got %f", got)
	}
	if got := testutil.ToFloat64(m.orderEvents.WithLabelValues("published")); got != 1 {
		t.Errorf("expected 1 order event, got %f", got)
	}
}

func TestNilMetricsAreNoop(t *testing.T) {
	var m *SeckillMetrics

	m.RecordAdmission("accepted")
	m.RecordCacheLookup("passthrough", "hit")
	m.RecordCacheRebuild("logical", "loaded")
	m.RecordWorkerEntry("settled")
	m.RecordSettleDuration(time.Millisecond)
	m.RecordDeadLetter("malformed")
	m.RecordPendingSweep()
	m.SetStreamBacklog(1, 1)
	m.RecordOrderEvent("failed")
}
