package metrics

import (
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// SeckillMetrics содержит метрики seckill-пути, кэша и воркера заказов.
// Все методы безопасны для nil-получателя.
type SeckillMetrics struct {
	// Решения гейта по исходу
	admissions *prometheus.CounterVec

	// Кэш: обращения и перестроения по стратегии
	cacheLookups  *prometheus.CounterVec
	cacheRebuilds *prometheus.CounterVec

	// Воркер заказов
	workerEntries  *prometheus.CounterVec
	settleDuration prometheus.Histogram
	deadLetters    *prometheus.CounterVec
	pendingSweeps  prometheus.Counter
	pendingEntries prometheus.Gauge
	streamLength   prometheus.Gauge

	// Внешние события
	orderEvents *prometheus.CounterVec
}

// NewSeckillMetrics регистрирует метрики в default registry.
func NewSeckillMetrics() *SeckillMetrics {
	return NewSeckillMetricsWithRegisterer(prometheus.DefaultRegisterer)
}

// NewSeckillMetricsWithRegisterer регистрирует метрики в переданном registerer.
// Повторная регистрация переиспользует существующие коллекторы.
func NewSeckillMetricsWithRegisterer(registerer prometheus.Registerer) *SeckillMetrics {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}

	return &SeckillMetrics{
		admissions: registerCounterVec(registerer, prometheus.CounterOpts{
			Name: "seckill_admissions_total",
			Help: "Total number of seckill admission decisions grouped by outcome",
		}, []string{"outcome"}),
		cacheLookups: registerCounterVec(registerer, prometheus.CounterOpts{
			Name: "seckill_cache_lookups_total",
			Help: "Total number of cache lookups grouped by strategy and result",
		}, []string{"strategy", "result"}),
		cacheRebuilds: registerCounterVec(registerer, prometheus.CounterOpts{
			Name: "seckill_cache_rebuilds_total",
			Help: "Total number of cache rebuilds grouped by strategy and result",
		}, []string{"strategy", "result"}),
		workerEntries: registerCounterVec(registerer, prometheus.CounterOpts{
			Name: "seckill_worker_entries_total",
			Help: "Total number of order stream entries handled grouped by result",
		}, []string{"result"}),
		settleDuration: registerHistogram(registerer, prometheus.HistogramOpts{
			Name:    "seckill_worker_settle_duration_seconds",
			Help:    "Duration of order settlement transactions in seconds",
			Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5},
		}),
		deadLetters: registerCounterVec(registerer, prometheus.CounterOpts{
			Name: "seckill_dead_letters_total",
			Help: "Total number of order stream entries moved to the dead-letter stream",
		}, []string{"reason"}),
		pendingSweeps: registerCounter(registerer, prometheus.CounterOpts{
			Name: "seckill_pending_sweeps_total",
			Help: "Total number of pending-entry recovery sweeps",
		}),
		pendingEntries: registerGauge(registerer, prometheus.GaugeOpts{
			Name: "seckill_stream_pending_entries",
			Help: "Current number of delivered but unacknowledged order stream entries",
		}),
		streamLength: registerGauge(registerer, prometheus.GaugeOpts{
			Name: "seckill_stream_length",
			Help: "Current length of the order stream",
		}),
		orderEvents: registerCounterVec(registerer, prometheus.CounterOpts{
			Name: "seckill_order_events_total",
			Help: "Total number of order.created event publications grouped by result",
		}, []string{"result"}),
	}
}

func registerCounter(registerer prometheus.Registerer, opts prometheus.CounterOpts) prometheus.Counter {
	collector := prometheus.NewCounter(opts)
	if err := registerer.Register(collector); err != nil {
		return reuseExisting[prometheus.Counter](err, opts.Name, "counter")
	}
	return collector
}

func registerCounterVec(registerer prometheus.Registerer, opts prometheus.CounterOpts, labels []string) *prometheus.CounterVec {
	collector := prometheus.NewCounterVec(opts, labels)
	if err := registerer.Register(collector); err != nil {
		return reuseExisting[*prometheus.CounterVec](err, opts.Name, "counter vec")
	}
	return collector
}

func registerGauge(registerer prometheus.Registerer, opts prometheus.GaugeOpts) prometheus.Gauge {
	collector := prometheus.NewGauge(opts)
	if err := registerer.Register(collector); err != nil {
		return reuseExisting[prometheus.Gauge](err, opts.Name, "gauge")
	}
	return collector
}

func registerHistogram(registerer prometheus.Registerer, opts prometheus.HistogramOpts) prometheus.Histogram {
	collector := prometheus.NewHistogram(opts)
	if err := registerer.Register(collector); err != nil {
		return reuseExisting[prometheus.Histogram](err, opts.Name, "histogram")
	}
	return collector
}

func reuseExisting[C prometheus.Collector](err error, name, kind string) C {
	alreadyRegistered, ok := err.(prometheus.AlreadyRegisteredError)
	if !ok {
		panic(fmt.Sprintf("register %s %q: %v", kind, name, err))
	}
	existing, ok := alreadyRegistered.ExistingCollector.(C)
	if !ok {
		panic(fmt.Sprintf("collector %q already registered with unexpected type", name))
	}
	return existing
}

// RecordAdmission увеличивает счётчик решений гейта.
func (m *SeckillMetrics) RecordAdmission(outcome string) {
	if m == nil {
		return
	}
	m.admissions.WithLabelValues(outcome).Inc()
}

// RecordCacheLookup учитывает обращение к кэшу: hit, null_hit, miss, stale.
func (m *SeckillMetrics) RecordCacheLookup(strategy, result string) {
	if m == nil {
		return
	}
	m.cacheLookups.WithLabelValues(strategy, result).Inc()
}

// RecordCacheRebuild учитывает перестроение записи кэша.
func (m *SeckillMetrics) RecordCacheRebuild(strategy, result string) {
	if m == nil {
		return
	}
	m.cacheRebuilds.WithLabelValues(strategy, result).Inc()
}

// RecordWorkerEntry учитывает обработку записи очереди.
func (m *SeckillMetrics) RecordWorkerEntry(result string) {
	if m == nil {
		return
	}
	m.workerEntries.WithLabelValues(result).Inc()
}

// RecordSettleDuration записывает длительность транзакции записи заказа.
func (m *SeckillMetrics) RecordSettleDuration(duration time.Duration) {
	if m == nil {
		return
	}
	m.settleDuration.Observe(duration.Seconds())
}

// RecordDeadLetter учитывает перенос записи в dead-letter stream.
func (m *SeckillMetrics) RecordDeadLetter(reason string) {
	if m == nil {
		return
	}
	m.deadLetters.WithLabelValues(reason).Inc()
}

// RecordPendingSweep увеличивает счётчик recovery-проходов.
func (m *SeckillMetrics) RecordPendingSweep() {
	if m == nil {
		return
	}
	m.pendingSweeps.Inc()
}

// SetStreamBacklog обновляет размер очереди и число pending-записей.
func (m *SeckillMetrics) SetStreamBacklog(length, pending int64) {
	if m == nil {
		return
	}
	m.streamLength.Set(float64(length))
	m.pendingEntries.Set(float64(pending))
}

// RecordOrderEvent учитывает публикацию события о заказе.
func (m *SeckillMetrics) RecordOrderEvent(result string) {
	if m == nil {
		return
	}
	m.orderEvents.WithLabelValues(result).Inc()
}
