// Package events publishes routing decisions and source-health deltas.
package events

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/david/grant-intake/internal/models"
	"github.com/rotisserie/eris"
	"github.com/twmb/franz-go/pkg/kgo"
	"go.uber.org/zap"
)

const (
	TypeRoutingDecision = "routing_decision"
	TypeSourceHealth    = "source_health_delta"
)

// Publisher emits one event per routing decision and one per health delta.
type Publisher interface {
	PublishDecision(ctx context.Context, d models.RoutingDecision) error
	PublishHealth(ctx context.Context, delta models.HealthDelta) error
	Close() error
}

// Envelope is the wire form of every event.
type Envelope struct {
	EventID   string          `json:"event_id"`
	EventType string          `json:"event_type"`
	SourceID  string          `json:"source_id"`
	At        time.Time       `json:"at"`
	Payload   json.RawMessage `json:"payload"`
}

func envelope(eventID, eventType, sourceID string, at time.Time, payload any) ([]byte, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, eris.Wrapf(err, "events: marshal %s", eventType)
	}
	return json.Marshal(Envelope{
		EventID:   eventID,
		EventType: eventType,
		SourceID:  sourceID,
		At:        at,
		Payload:   body,
	})
}

// KafkaPublisher writes events to Kafka topics keyed by record or source id.
type KafkaPublisher struct {
	client        *kgo.Client
	decisionTopic string
	healthTopic   string
	timeout       time.Duration
}

// NewKafkaPublisher connects a producer to the given brokers.
func NewKafkaPublisher(brokers []string, clientID, decisionTopic, healthTopic string) (*KafkaPublisher, error) {
	opts := []kgo.Opt{
		kgo.SeedBrokers(brokers...),
		kgo.ClientID(clientID),
		kgo.ProducerBatchCompression(kgo.SnappyCompression()),
		kgo.ProducerLinger(10 * time.Millisecond),
		kgo.RecordRetries(5),
	}

	client, err := kgo.NewClient(opts...)
	if err != nil {
		return nil, eris.Wrap(err, "events: create kafka client")
	}
	return &KafkaPublisher{
		client:        client,
		decisionTopic: decisionTopic,
		healthTopic:   healthTopic,
		timeout:       5 * time.Second,
	}, nil
}

func (p *KafkaPublisher) produce(ctx context.Context, topic, key, eventType, sourceID string, value []byte) error {
	record := &kgo.Record{
		Topic: topic,
		Key:   []byte(key),
		Value: value,
		Headers: []kgo.RecordHeader{
			{Key: "event_type", Value: []byte(eventType)},
			{Key: "source_id", Value: []byte(sourceID)},
		},
	}

	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	if err := p.client.ProduceSync(ctx, record).FirstErr(); err != nil {
		return eris.Wrapf(err, "events: produce %s", eventType)
	}
	return nil
}

func (p *KafkaPublisher) PublishDecision(ctx context.Context, d models.RoutingDecision) error {
	value, err := envelope(d.RecordID.String(), TypeRoutingDecision, d.SourceID, d.DecidedAt, d)
	if err != nil {
		return err
	}
	return p.produce(ctx, p.decisionTopic, d.RecordID.String(), TypeRoutingDecision, d.SourceID, value)
}

func (p *KafkaPublisher) PublishHealth(ctx context.Context, delta models.HealthDelta) error {
	value, err := envelope(delta.SourceID+":"+delta.RecordID, TypeSourceHealth, delta.SourceID, delta.At, delta)
	if err != nil {
		return err
	}
	return p.produce(ctx, p.healthTopic, delta.SourceID, TypeSourceHealth, delta.SourceID, value)
}

// Ping checks broker connectivity.
func (p *KafkaPublisher) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()
	if err := p.client.Ping(ctx); err != nil {
		return eris.Wrap(err, "events: kafka ping")
	}
	return nil
}

func (p *KafkaPublisher) Close() error {
	p.client.Close()
	return nil
}

// LogPublisher writes events to the structured log. Used when no brokers
// are configured.
type LogPublisher struct{}

func (LogPublisher) PublishDecision(_ context.Context, d models.RoutingDecision) error {
	zap.L().Info("routing decision",
		zap.String("record_id", d.RecordID.String()),
		zap.String("source_id", d.SourceID),
		zap.String("state", string(d.State)),
		zap.Float64("composite_score", d.CompositeScore),
		zap.String("match_type", string(d.Verdict.MatchType)),
		zap.Strings("reasons", d.Reasons),
	)
	return nil
}

func (LogPublisher) PublishHealth(_ context.Context, delta models.HealthDelta) error {
	zap.L().Info("source health",
		zap.String("source_id", delta.SourceID),
		zap.String("outcome", string(delta.Outcome)),
		zap.Int("consecutive_failures", delta.After.ConsecutiveFailures),
		zap.Bool("circuit_breaker_open", delta.After.CircuitBreakerOpen),
	)
	return nil
}

func (LogPublisher) Close() error { return nil }

// Recorder keeps published events in memory.
type Recorder struct {
	mu        sync.Mutex
	Decisions []models.RoutingDecision
	Health    []models.HealthDelta
}

func (r *Recorder) PublishDecision(_ context.Context, d models.RoutingDecision) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Decisions = append(r.Decisions, d)
	return nil
}

func (r *Recorder) PublishHealth(_ context.Context, delta models.HealthDelta) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Health = append(r.Health, delta)
	return nil
}

func (r *Recorder) Close() error { return nil }

// Counts returns the number of decision and health events seen.
func (r *Recorder) Counts() (int, int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.Decisions), len(r.Health)
}
