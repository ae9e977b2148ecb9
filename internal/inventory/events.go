package inventory

import (
	"context"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"github.com/vmihailenco/msgpack/v5"
)

// DriftChannel is the redis channel drift events are published on.
const DriftChannel = "inventory.drift"

// DriftEvent signals that purchase batches could not cover a deduction. Stock
// was still deducted; the event exists so the gap can be reconciled later.
type DriftEvent struct {
	IngredientID int64     `json:"ingredientId" msgpack:"ingredient_id"`
	Name         string    `json:"name" msgpack:"name"`
	Requested    float64   `json:"requested" msgpack:"requested"`
	Covered      float64   `json:"covered" msgpack:"covered"`
	Missing      float64   `json:"missing" msgpack:"missing"`
	Reference    string    `json:"reference,omitempty" msgpack:"reference"`
	At           time.Time `json:"at" msgpack:"at"`
}

// SaleEvent summarises a processed sale.
type SaleEvent struct {
	SaleID  string
	Outcome string
	Lines   int
	At      time.Time
}

// EventSink receives engine events. Implementations must not block the
// caller for long and never fail it.
type EventSink interface {
	Drift(ctx context.Context, evt DriftEvent)
	Sale(ctx context.Context, evt SaleEvent)
}

// LogSink writes events to slog.
type LogSink struct {
	logger *slog.Logger
}

// NewLogSink constructs LogSink.
func NewLogSink(logger *slog.Logger) *LogSink {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogSink{logger: logger}
}

func (s *LogSink) Drift(ctx context.Context, evt DriftEvent) {
	s.logger.WarnContext(ctx, "batch drift",
		slog.Int64("ingredient_id", evt.IngredientID),
		slog.String("ingredient", evt.Name),
		slog.Float64("requested", evt.Requested),
		slog.Float64("covered", evt.Covered),
		slog.Float64("missing", evt.Missing),
		slog.String("reference", evt.Reference))
}

func (s *LogSink) Sale(ctx context.Context, evt SaleEvent) {
	level := slog.LevelInfo
	if evt.Outcome == SalePartial {
		level = slog.LevelError
	}
	s.logger.Log(ctx, level, "sale processed",
		slog.String("sale_id", evt.SaleID),
		slog.String("outcome", evt.Outcome),
		slog.Int("lines", evt.Lines))
}

// MetricsSink counts events in Prometheus.
type MetricsSink struct {
	drift    *prometheus.CounterVec
	driftQty prometheus.Counter
	sales    *prometheus.CounterVec
}

// NewMetricsSink registers the inventory collectors. A nil registerer uses
// the default one.
func NewMetricsSink(registerer prometheus.Registerer) *MetricsSink {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}
	drift := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "kitchenledger_batch_drift_total",
		Help: "Deductions purchase batches could not fully cover.",
	}, []string{"ingredient"})
	driftQty := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "kitchenledger_batch_drift_quantity_total",
		Help: "Quantity left uncovered by purchase batches.",
	})
	sales := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "kitchenledger_sales_total",
		Help: "Processed sales by outcome.",
	}, []string{"outcome"})
	registerer.MustRegister(drift, driftQty, sales)
	return &MetricsSink{drift: drift, driftQty: driftQty, sales: sales}
}

func (m *MetricsSink) Drift(_ context.Context, evt DriftEvent) {
	m.drift.WithLabelValues(evt.Name).Inc()
	m.driftQty.Add(evt.Missing)
}

func (m *MetricsSink) Sale(_ context.Context, evt SaleEvent) {
	m.sales.WithLabelValues(evt.Outcome).Inc()
}

// RedisPublisher publishes drift events as msgpack on DriftChannel so an
// offline reconciler can subscribe.
type RedisPublisher struct {
	client *redis.Client
	logger *slog.Logger
}

// NewRedisPublisher constructs RedisPublisher.
func NewRedisPublisher(client *redis.Client, logger *slog.Logger) *RedisPublisher {
	if logger == nil {
		logger = slog.Default()
	}
	return &RedisPublisher{client: client, logger: logger}
}

func (p *RedisPublisher) Drift(ctx context.Context, evt DriftEvent) {
	if p == nil || p.client == nil {
		return
	}
	payload, err := msgpack.Marshal(evt)
	if err != nil {
		p.logger.Warn("encode drift event", slog.Any("error", err))
		return
	}
	if err := p.client.Publish(ctx, DriftChannel, payload).Err(); err != nil {
		p.logger.Warn("publish drift event", slog.Any("error", err))
	}
}

func (p *RedisPublisher) Sale(context.Context, SaleEvent) {}

// DecodeDriftEvent decodes a payload published by RedisPublisher.
func DecodeDriftEvent(payload []byte) (DriftEvent, error) {
	var evt DriftEvent
	err := msgpack.Unmarshal(payload, &evt)
	return evt, err
}

// MultiSink fans events out to several sinks.
type MultiSink []EventSink

func (m MultiSink) Drift(ctx context.Context, evt DriftEvent) {
	for _, sink := range m {
		if sink != nil {
			sink.Drift(ctx, evt)
		}
	}
}

func (m MultiSink) Sale(ctx context.Context, evt SaleEvent) {
	for _, sink := range m {
		if sink != nil {
			sink.Sale(ctx, evt)
		}
	}
}
