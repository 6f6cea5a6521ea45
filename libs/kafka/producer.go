package kafka

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/IBM/sarama"
	"github.com/prometheus/client_golang/prometheus"
	"log/slog"
)

type ProducerMetrics struct {
	PublishTotal   *prometheus.CounterVec
	PublishLatency prometheus.Histogram
}

func NewProducerMetrics(registry *prometheus.Registry) *ProducerMetrics {
	m := &ProducerMetrics{
		PublishTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "kafka_publish_total",
				Help: "Total Kafka publish attempts.",
			},
			[]string{"topic", "status"},
		),
		PublishLatency: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "kafka_publish_latency_seconds",
				Help:    "Kafka publish latency in seconds.",
				Buckets: prometheus.DefBuckets,
			},
		),
	}

	registry.MustRegister(m.PublishTotal, m.PublishLatency)
	return m
}

// AckFunc is invoked exactly once per published message: with nil once the
// broker has acknowledged the write, or with the terminal publish error.
type AckFunc func(err error)

// Publisher is the downstream send contract: async publish with per-message
// acknowledgment, ordered per key by topic partitioning.
type Publisher interface {
	PublishAsync(topic, key string, value any, ack AckFunc)
	Close() error
}

type inflight struct {
	ack   AckFunc
	start time.Time
}

// AsyncProducer wraps a sarama async producer and routes broker
// acknowledgments back to the per-message AckFunc.
type AsyncProducer struct {
	producer sarama.AsyncProducer
	logger   *slog.Logger
	metrics  *ProducerMetrics
	wg       sync.WaitGroup
}

func NewAsyncProducer(brokers []string, logger *slog.Logger, metrics *ProducerMetrics) (*AsyncProducer, error) {
	if len(brokers) == 0 {
		return nil, fmt.Errorf("kafka brokers required")
	}
	if logger == nil {
		logger = slog.Default()
	}

	cfg := sarama.NewConfig()
	cfg.Version = sarama.V3_7_0_0
	cfg.Producer.RequiredAcks = sarama.WaitForAll
	cfg.Producer.Return.Successes = true
	cfg.Producer.Return.Errors = true
	cfg.Producer.Idempotent = true
	cfg.Net.MaxOpenRequests = 1
	cfg.Producer.Retry.Max = 5
	cfg.Producer.Retry.Backoff = 250 * time.Millisecond

	producer, err := sarama.NewAsyncProducer(brokers, cfg)
	if err != nil {
		return nil, fmt.Errorf("create kafka producer: %w", err)
	}

	p := &AsyncProducer{
		producer: producer,
		logger:   logger,
		metrics:  metrics,
	}

	p.wg.Add(2)
	go p.drainSuccesses()
	go p.drainErrors()
	return p, nil
}

// PublishAsync marshals value as JSON and hands it to the broker. ack fires
// from the producer's ack goroutines, never from this call, except on a
// marshal failure which is reported immediately.
func (p *AsyncProducer) PublishAsync(topic, key string, value any, ack AckFunc) {
	payload, err := json.Marshal(value)
	if err != nil {
		p.logger.Error("kafka payload marshal failed", "topic", topic, "error", err)
		if ack != nil {
			ack(fmt.Errorf("marshal kafka payload: %w", err))
		}
		return
	}

	p.producer.Input() <- &sarama.ProducerMessage{
		Topic:    topic,
		Key:      sarama.StringEncoder(key),
		Value:    sarama.ByteEncoder(payload),
		Metadata: inflight{ack: ack, start: time.Now()},
	}
}

func (p *AsyncProducer) Close() error {
	if p.producer == nil {
		return nil
	}
	err := p.producer.Close()
	p.wg.Wait()
	return err
}

func (p *AsyncProducer) drainSuccesses() {
	defer p.wg.Done()
	for msg := range p.producer.Successes() {
		meta, ok := msg.Metadata.(inflight)
		if !ok {
			continue
		}
		if p.metrics != nil {
			p.metrics.PublishTotal.WithLabelValues(msg.Topic, "success").Inc()
			p.metrics.PublishLatency.Observe(time.Since(meta.start).Seconds())
		}
		if meta.ack != nil {
			meta.ack(nil)
		}
	}
}

func (p *AsyncProducer) drainErrors() {
	defer p.wg.Done()
	for perr := range p.producer.Errors() {
		p.logger.Error("kafka publish failed", "topic", perr.Msg.Topic, "error", perr.Err)
		meta, ok := perr.Msg.Metadata.(inflight)
		if !ok {
			continue
		}
		if p.metrics != nil {
			p.metrics.PublishTotal.WithLabelValues(perr.Msg.Topic, "error").Inc()
		}
		if meta.ack != nil {
			meta.ack(perr.Err)
		}
	}
}
