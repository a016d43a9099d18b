package kafka

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"sync"

	"github.com/twmb/franz-go/pkg/kgo"
	"github.com/twmb/franz-go/plugin/kotel"

	"github.com/fairyhunter13/eventpipe/internal/adapter/observability"
	"github.com/fairyhunter13/eventpipe/internal/config"
	"github.com/fairyhunter13/eventpipe/internal/domain"
)

// Message type labels used for killswitch matching and metrics.
const (
	MessageTypeError       = "error"
	MessageTypeTransaction = "transaction"
)

// ProducerConfig names the topics the producer routes between.
type ProducerConfig struct {
	Brokers              []string
	EventsTopic          string
	TransactionsTopic    string
	NewTransactionsTopic string
	// PartitionTransactionsRandomly drops the semantic partition key for
	// every transaction, independent of the per-project killswitch.
	PartitionTransactionsRandomly bool
}

// ProducerConfigFrom derives producer settings from the process environment.
func ProducerConfigFrom(cfg *config.Config) ProducerConfig {
	return ProducerConfig{
		Brokers:                       cfg.KafkaBrokers,
		EventsTopic:                   cfg.EventsTopic,
		TransactionsTopic:             cfg.TransactionsTopic,
		NewTransactionsTopic:          cfg.NewTransactionsTopic,
		PartitionTransactionsRandomly: cfg.PartitionTransactionsRandomly,
	}
}

// Producer publishes insert messages onto the event stream. Routing between
// the errors topic, the transactions topic and the migration-destination
// transactions topic is decided per message from runtime policy.
type Producer struct {
	cfg    ProducerConfig
	policy domain.EventStreamPolicy

	mu      sync.Mutex
	clients map[string]*kgo.Client
}

// NewProducer constructs a Producer. Per-topic clients are created lazily on
// first publish to a topic.
func NewProducer(cfg ProducerConfig, policy domain.EventStreamPolicy) (*Producer, error) {
	if len(cfg.Brokers) == 0 {
		return nil, fmt.Errorf("op=NewProducer: no seed brokers provided")
	}
	return &Producer{
		cfg:     cfg,
		policy:  policy,
		clients: make(map[string]*kgo.Client),
	}, nil
}

func (p *Producer) clientFor(topic string) (*kgo.Client, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if cl, ok := p.clients[topic]; ok {
		return cl, nil
	}
	tracer := kotel.NewKotel(kotel.WithTracer(kotel.NewTracer()))
	cl, err := kgo.NewClient(
		kgo.SeedBrokers(p.cfg.Brokers...),
		kgo.DefaultProduceTopic(topic),
		kgo.RequestRetries(10),
		kgo.WithHooks(tracer.Hooks()...),
	)
	if err != nil {
		return nil, fmt.Errorf("op=Producer.clientFor: topic=%s: %w", topic, err)
	}
	p.clients[topic] = cl
	return cl, nil
}

// InsertMessage is everything Insert needs to publish one ingested event.
type InsertMessage struct {
	Event                 *domain.Event
	IsNew                 *bool
	IsRegression          *bool
	IsNewGroupEnvironment *bool
	PrimaryHash           *string
	ReceivedTimestamp     float64
	SkipConsume           bool
	GroupStates           domain.GroupStates
	// Asynchronous publishes fire-and-forget; synchronous publishes flush
	// before returning.
	Asynchronous bool
}

// Insert publishes an insert message for an ingested event. Transactions may
// be rerouted to the new transactions topic and any message may lose its
// semantic partition key, both per-project via killswitches.
func (p *Producer) Insert(ctx context.Context, m InsertMessage) error {
	event := m.Event
	isTransaction := event.IsTransaction()
	topic, skipSemanticPartitioning := p.route(event)

	eventData := map[string]any{
		"event_id":     event.EventID,
		"project_id":   event.ProjectID,
		"group_id":     event.GroupID,
		"primary_hash": m.PrimaryHash,
		"datetime":     event.Data["datetime"],
		"data":         event.Data,
	}
	taskState := map[string]any{
		"is_new":                   m.IsNew,
		"is_regression":            m.IsRegression,
		"is_new_group_environment": m.IsNewGroupEnvironment,
		"skip_consume":             m.SkipConsume,
		"group_states":             m.GroupStates,
	}

	return p.send(ctx, sendRequest{
		topic:                    topic,
		projectID:                event.ProjectID,
		operation:                domain.OperationInsert,
		extraData:                []any{eventData, taskState},
		headers:                  p.insertHeaders(m, isTransaction),
		asynchronous:             m.Asynchronous,
		skipSemanticPartitioning: skipSemanticPartitioning,
	})
}

// route picks the destination topic and decides whether the message keeps its
// semantic partition key. Errors lose the key only under the per-project
// killswitch; transactions lose it under the same killswitch or when the
// deployment opts every transaction into random partitioning.
func (p *Producer) route(event *domain.Event) (topic string, skipSemanticPartitioning bool) {
	if !event.IsTransaction() {
		return p.cfg.EventsTopic,
			p.policy.UseRandomPartitions(event.ProjectID, MessageTypeError)
	}
	topic = p.cfg.TransactionsTopic
	if p.policy.UseNewTransactionsTopic(event.ProjectID) {
		topic = p.cfg.NewTransactionsTopic
	}
	random := p.cfg.PartitionTransactionsRandomly ||
		p.policy.UseRandomPartitions(event.ProjectID, MessageTypeTransaction)
	return topic, random
}

// insertHeaders mirrors the dispatch fields into message headers so consumers
// can classify and decode without touching the body. The full set, including
// the transaction_forwarder marker, is gated on the eventstream.kafka-headers
// option; with the option off only the received timestamp is sent, so
// forwarders fall back to body parsing.
func (p *Producer) insertHeaders(m InsertMessage, isTransaction bool) map[string]string {
	event := m.Event
	headers := map[string]string{
		"Received-Timestamp": strconv.FormatFloat(m.ReceivedTimestamp, 'f', -1, 64),
	}
	if !p.policy.Option("eventstream.kafka-headers") {
		return headers
	}
	headers["transaction_forwarder"] = EncodeBool(&isTransaction)
	headers["event_id"] = event.EventID
	headers["project_id"] = strconv.FormatInt(event.ProjectID, 10)
	if event.GroupID != nil {
		headers["group_id"] = strconv.FormatInt(*event.GroupID, 10)
	}
	if m.PrimaryHash != nil {
		headers["primary_hash"] = *m.PrimaryHash
	}
	headers["is_new"] = EncodeBool(m.IsNew)
	headers["is_regression"] = EncodeBool(m.IsRegression)
	headers["is_new_group_environment"] = EncodeBool(m.IsNewGroupEnvironment)
	headers["skip_consume"] = EncodeBool(&m.SkipConsume)
	if m.GroupStates != nil {
		if b, err := json.Marshal(m.GroupStates); err == nil {
			headers["group_states"] = string(b)
		}
	}
	return headers
}

type sendRequest struct {
	topic                    string
	projectID                int64
	operation                string
	extraData                []any
	headers                  map[string]string
	asynchronous             bool
	skipSemanticPartitioning bool
}

func buildRecord(req sendRequest) (*kgo.Record, error) {
	body := append([]any{domain.CurrentProtocolVersion, req.operation}, req.extraData...)
	value, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("op=buildRecord: marshal: %w", err)
	}

	headers := make([]kgo.RecordHeader, 0, len(req.headers)+2)
	for k, v := range req.headers {
		headers = append(headers, kgo.RecordHeader{Key: k, Value: []byte(v)})
	}
	headers = append(headers,
		kgo.RecordHeader{Key: "operation", Value: []byte(req.operation)},
		kgo.RecordHeader{Key: "version", Value: []byte(strconv.Itoa(domain.CurrentProtocolVersion))},
	)

	record := &kgo.Record{
		Topic:   req.topic,
		Value:   value,
		Headers: headers,
	}
	// All events of a project land on one partition unless the project has
	// been killswitched to random partitioning.
	if !req.skipSemanticPartitioning {
		record.Key = []byte(strconv.FormatInt(req.projectID, 10))
	}
	return record, nil
}

func (p *Producer) send(ctx context.Context, req sendRequest) error {
	record, err := buildRecord(req)
	if err != nil {
		return err
	}

	cl, err := p.clientFor(req.topic)
	if err != nil {
		return err
	}

	cl.Produce(ctx, record, func(r *kgo.Record, err error) {
		if err != nil {
			// Delivery failures are logged, never raised: losing one
			// post-process dispatch must not fail ingestion.
			slog.Error("could not publish message",
				slog.String("topic", r.Topic),
				slog.Int64("project_id", req.projectID),
				slog.Any("error", err))
			return
		}
		observability.MessagesProducedTotal.WithLabelValues(r.Topic).Inc()
	})

	if !req.asynchronous {
		if err := cl.Flush(ctx); err != nil {
			return fmt.Errorf("op=Producer.send: flush: %w", err)
		}
	}
	return nil
}

// Close flushes and closes all per-topic clients.
func (p *Producer) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, cl := range p.clients {
		cl.Close()
	}
	p.clients = map[string]*kgo.Client{}
}
