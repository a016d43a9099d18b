package kafka

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/twmb/franz-go/pkg/kgo"
	"github.com/twmb/franz-go/pkg/kmsg"
)

// EnsureTopics creates any missing topics with single-partition,
// single-replica defaults. Local bootstrap only; production topics are
// managed out of band.
func EnsureTopics(ctx context.Context, brokers []string, topics ...string) error {
	client, err := kgo.NewClient(kgo.SeedBrokers(brokers...))
	if err != nil {
		return fmt.Errorf("op=EnsureTopics: %w", err)
	}
	defer client.Close()

	for _, topic := range topics {
		if err := EnsureTopic(ctx, client, topic, 1, 1); err != nil {
			return err
		}
	}
	return nil
}

// EnsureTopic creates a topic if it does not exist. Used by local and test
// bootstrap; production topics are managed out of band.
func EnsureTopic(ctx context.Context, client *kgo.Client, topic string, partitions int32, replicationFactor int16) error {
	if topic == "" {
		return fmt.Errorf("op=EnsureTopic: topic name cannot be empty")
	}
	if partitions <= 0 || replicationFactor <= 0 {
		return fmt.Errorf("op=EnsureTopic: partitions and replication factor must be positive")
	}

	req := kmsg.NewCreateTopicsRequest()
	req.TimeoutMillis = 30000

	topicReq := kmsg.NewCreateTopicsRequestTopic()
	topicReq.Topic = topic
	topicReq.NumPartitions = partitions
	topicReq.ReplicationFactor = replicationFactor
	req.Topics = append(req.Topics, topicReq)

	resp, err := client.Request(ctx, &req)
	if err != nil {
		return fmt.Errorf("op=EnsureTopic: request failed: %w", err)
	}
	createResp, ok := resp.(*kmsg.CreateTopicsResponse)
	if !ok {
		return fmt.Errorf("op=EnsureTopic: unexpected response type: %T", resp)
	}

	for _, t := range createResp.Topics {
		if t.ErrorCode == 0 {
			slog.Info("topic created",
				slog.String("topic", t.Topic),
				slog.Int("partitions", int(partitions)))
			continue
		}
		// Error code 36 = TOPIC_ALREADY_EXISTS.
		if t.ErrorCode == 36 {
			continue
		}
		errorMsg := ""
		if t.ErrorMessage != nil {
			errorMsg = *t.ErrorMessage
		}
		return fmt.Errorf("op=EnsureTopic: create topic %s: %s (code %d)", t.Topic, errorMsg, t.ErrorCode)
	}
	return nil
}
