// Package legacybus is the legacy Raft-over-message-bus shim (spec §9's
// design note): some deployments front the cluster with a Kafka-compatible
// bus rather than talking gRPC directly, so this package re-frames inbound
// command messages as pkg/router.Router calls and publishes the result to
// a reply topic.
package legacybus

import (
	"context"
	"encoding/json"

	"github.com/twmb/franz-go/pkg/kgo"
	"go.uber.org/zap"

	"github.com/atomix-go/atomix/pkg/router"
)

// commandMessage is the wire shape a legacy producer publishes to submit a
// command through the bus instead of a direct RPC.
type commandMessage struct {
	Action      string `json:"action"` // "submitCommand" (only action this bridge implements)
	PartitionID string `json:"partition_id"`
	SessionID   uint64 `json:"session_id"`
	ServiceID   string `json:"service_id"`
	Name        string `json:"name"`
	Payload     []byte `json:"payload"`
}

type resultMessage struct {
	SessionID uint64 `json:"session_id"`
	Result    []byte `json:"result,omitempty"`
	Error     string `json:"error,omitempty"`
}

// Bridge consumes commandMessages from Topic and publishes their result to
// Topic+".results".
type Bridge struct {
	client *kgo.Client
	router *router.Router
	topic  string
	logger *zap.Logger
}

// NewBridge dials the given Kafka-compatible brokers and subscribes to
// topic.
func NewBridge(brokers []string, topic string, r *router.Router, logger *zap.Logger) (*Bridge, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	client, err := kgo.NewClient(
		kgo.SeedBrokers(brokers...),
		kgo.ConsumeTopics(topic),
		kgo.ConsumerGroup("atomix-legacybus"),
	)
	if err != nil {
		return nil, err
	}
	return &Bridge{client: client, router: r, topic: topic, logger: logger}, nil
}

// Close releases the underlying Kafka client.
func (b *Bridge) Close() { b.client.Close() }

// Run polls for inbound command messages until ctx is canceled, applying
// each one against the router and publishing its result.
func (b *Bridge) Run(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}
		fetches := b.client.PollFetches(ctx)
		if fetches.IsClientClosed() {
			return
		}
		fetches.EachError(func(topic string, partition int32, err error) {
			b.logger.Warn("legacybus: fetch error", zap.String("topic", topic), zap.Int32("partition", partition), zap.Error(err))
		})
		fetches.EachRecord(func(record *kgo.Record) {
			b.handle(ctx, record)
		})
	}
}

func (b *Bridge) handle(ctx context.Context, record *kgo.Record) {
	var msg commandMessage
	if err := json.Unmarshal(record.Value, &msg); err != nil {
		b.logger.Warn("legacybus: decode command message failed", zap.Error(err))
		return
	}
	if msg.Action != "submitCommand" {
		b.logger.Warn("legacybus: unsupported action", zap.String("action", msg.Action))
		return
	}
	handle := &router.SessionHandle{PartitionID: msg.PartitionID, SessionID: msg.SessionID, ServiceID: msg.ServiceID}
	result, err := b.router.SubmitCommand(ctx, handle, msg.Name, msg.Payload)
	out := resultMessage{SessionID: msg.SessionID, Result: result}
	if err != nil {
		out.Error = err.Error()
	}
	payload, err := json.Marshal(out)
	if err != nil {
		b.logger.Warn("legacybus: encode result message failed", zap.Error(err))
		return
	}
	b.client.Produce(ctx, &kgo.Record{Topic: b.topic + ".results", Value: payload}, func(_ *kgo.Record, err error) {
		if err != nil {
			b.logger.Warn("legacybus: publish result failed", zap.Error(err))
		}
	})
}
