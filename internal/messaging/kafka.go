// Package messaging publishes header events to Kafka. Found and validated
// headers travel as protobuf Structs keyed by block hash; search statistics
// travel as JSON.
package messaging

import (
	"context"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"
	"google.golang.org/protobuf/proto"

	"github.com/bardlex/gomine/pkg/circuit"
	"github.com/bardlex/gomine/pkg/errors"
	"github.com/bardlex/gomine/pkg/log"
	"github.com/bardlex/gomine/pkg/retry"
)

// Publisher is the write side of KafkaClient.
type Publisher interface {
	PublishProto(ctx context.Context, topic, key string, msg proto.Message) error
	PublishJSON(ctx context.Context, topic, key string, data []byte) error
}

var _ Publisher = (*KafkaClient)(nil)

// consumerBackoff is the pause after a failed read.
const consumerBackoff = time.Second

// KafkaClient wraps kafka-go with protobuf support. Writers are kept per
// topic and readers per topic and consumer group.
type KafkaClient struct {
	brokers        []string
	logger         *log.Logger
	writers        clientCache[*kafka.Writer]
	readers        clientCache[*kafka.Reader]
	circuitBreaker *circuit.Breaker
	retryConfig    *retry.Config
}

// clientCache creates each value once per key.
type clientCache[T any] struct {
	mu sync.Mutex
	m  map[string]T
}

func (c *clientCache[T]) get(key string, create func() T) T {
	c.mu.Lock()
	defer c.mu.Unlock()
	if v, ok := c.m[key]; ok {
		return v
	}
	if c.m == nil {
		c.m = make(map[string]T)
	}
	v := create()
	c.m[key] = v
	return v
}

// drain removes and returns every cached value.
func (c *clientCache[T]) drain() map[string]T {
	c.mu.Lock()
	defer c.mu.Unlock()
	m := c.m
	c.m = nil
	return m
}

// NewKafkaClient creates a new Kafka client. No connection is made until
// the first publish or read.
func NewKafkaClient(brokers []string, logger *log.Logger) *KafkaClient {
	logger = logger.WithComponent("kafka")

	cbConfig := &circuit.Config{
		Name:            "kafka",
		MaxFailures:     5,
		SuccessRequired: 3,
		Timeout:         15 * time.Second,
		ResetTimeout:    60 * time.Second,
		OnStateChange: func(name string, from, to circuit.State) {
			logger.Warn("circuit breaker state changed", "breaker", name, "from", from.String(), "to", to.String())
		},
	}

	retryConfig := retry.KafkaConfig()
	retryConfig.OnRetry = func(attempt int, delay time.Duration, err error) {
		logger.WithError(err).Warn("retrying Kafka operation", "attempt", attempt, "delay_ms", delay.Milliseconds())
	}

	return &KafkaClient{
		brokers:        brokers,
		logger:         logger,
		circuitBreaker: circuit.New(cbConfig),
		retryConfig:    retryConfig,
	}
}

// writerFor returns the writer settings for topic. Header events are rare
// and must reach every replica; search statistics may be batched.
func writerFor(brokers []string, topic string) *kafka.Writer {
	w := &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireAll,
		BatchSize:    1,
		Compression:  kafka.Snappy,
	}
	if topic == TopicSearchStats {
		w.RequiredAcks = kafka.RequireOne
		w.BatchSize = 100
		w.BatchTimeout = 50 * time.Millisecond
	}
	return w
}

// GetProducer gets or creates the writer for a topic
func (k *KafkaClient) GetProducer(topic string) *kafka.Writer {
	return k.writers.get(topic, func() *kafka.Writer {
		k.logger.Info("created Kafka producer", "topic", topic)
		return writerFor(k.brokers, topic)
	})
}

// GetConsumer gets or creates a reader for a topic and group. A new group
// starts from the oldest retained message so no header is skipped.
func (k *KafkaClient) GetConsumer(topic, groupID string) *kafka.Reader {
	return k.readers.get(topic+"/"+groupID, func() *kafka.Reader {
		k.logger.Info("created Kafka consumer", "topic", topic, "group_id", groupID)
		return kafka.NewReader(kafka.ReaderConfig{
			Brokers:     k.brokers,
			Topic:       topic,
			GroupID:     groupID,
			StartOffset: kafka.FirstOffset,
			MinBytes:    1,
			MaxBytes:    1e6,
			MaxWait:     time.Second,
		})
	})
}

// PublishProto publishes a protobuf message to Kafka
func (k *KafkaClient) PublishProto(ctx context.Context, topic, key string, msg proto.Message) error {
	data, err := proto.Marshal(msg)
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeValidation, "protobuf_marshal",
			"failed to marshal protobuf message").
			WithContext("topic", topic).
			WithContext("key", key)
	}
	return k.publish(ctx, "publish_proto", topic, key, data)
}

// PublishJSON publishes an already-encoded JSON message to Kafka
func (k *KafkaClient) PublishJSON(ctx context.Context, topic, key string, data []byte) error {
	return k.publish(ctx, "publish_json", topic, key, data)
}

func (k *KafkaClient) publish(ctx context.Context, op, topic, key string, data []byte) error {
	return k.circuitBreaker.Execute(ctx, func() error {
		return retry.Do(ctx, k.retryConfig, func() error {
			writer := k.GetProducer(topic)
			kafkaMsg := kafka.Message{
				Key:   []byte(key),
				Value: data,
				Time:  time.Now(),
			}

			if err := writer.WriteMessages(ctx, kafkaMsg); err != nil {
				return errors.Wrap(err, errors.ErrorTypeKafka, op,
					"failed to publish message to Kafka").
					WithContext("topic", topic).
					WithContext("key", key).
					WithContext("message_size", len(data))
			}

			k.logger.Debug("published message", "topic", topic, "key", key, "size", len(data))
			return nil
		})
	})
}

// ConsumeProto reads one message and unmarshals it into msg. Only the read
// is retried; a message that does not decode is returned as an error with
// its key, since reading it again would yield the same bytes.
func (k *KafkaClient) ConsumeProto(ctx context.Context, reader *kafka.Reader, msg proto.Message) (string, error) {
	kafkaMsg, err := circuit.ExecuteWithResult(ctx, k.circuitBreaker, func() (kafka.Message, error) {
		return retry.DoWithResult(ctx, k.retryConfig, func() (kafka.Message, error) {
			m, err := reader.ReadMessage(ctx)
			if err != nil {
				return kafka.Message{}, errors.Wrap(err, errors.ErrorTypeKafka, "read_message",
					"failed to read message from Kafka")
			}
			return m, nil
		})
	})
	if err != nil {
		return "", err
	}

	key := string(kafkaMsg.Key)
	if err := proto.Unmarshal(kafkaMsg.Value, msg); err != nil {
		return key, errors.Wrap(err, errors.ErrorTypeMalformedEncoding, "protobuf_unmarshal",
			"failed to unmarshal protobuf message").
			WithContext("topic", kafkaMsg.Topic).
			WithContext("offset", kafkaMsg.Offset)
	}

	k.logger.Debug("consumed message", "topic", kafkaMsg.Topic, "key", key, "size", len(kafkaMsg.Value))
	return key, nil
}

// MessageHandler handles one consumed message
type MessageHandler interface {
	HandleMessage(ctx context.Context, key string, msg proto.Message) error
}

// MessageHandlerFunc adapts a function to MessageHandler.
type MessageHandlerFunc func(ctx context.Context, key string, msg proto.Message) error

// HandleMessage calls f.
func (f MessageHandlerFunc) HandleMessage(ctx context.Context, key string, msg proto.Message) error {
	return f(ctx, key, msg)
}

// StartConsumer hands each message on topic to handler until ctx is done.
// Undecodable messages are logged and skipped; read failures back off for
// consumerBackoff so an open breaker is not spun on.
func (k *KafkaClient) StartConsumer(ctx context.Context, topic, groupID string, msgFactory func() proto.Message, handler MessageHandler) error {
	reader := k.GetConsumer(topic, groupID)
	k.logger.Info("starting consumer", "topic", topic, "group_id", groupID)

	for ctx.Err() == nil {
		msg := msgFactory()
		key, err := k.ConsumeProto(ctx, reader, msg)
		switch {
		case err == nil:
			if err := handler.HandleMessage(ctx, key, msg); err != nil {
				k.logger.WithError(err).Error("failed to handle message", "topic", topic, "key", key)
			}
		case ctx.Err() != nil:
		case errors.IsType(err, errors.ErrorTypeMalformedEncoding):
			k.logger.WithError(err).Warn("skipping malformed message", "topic", topic, "key", key)
		default:
			k.logger.WithError(err).Error("failed to consume message", "topic", topic)
			select {
			case <-ctx.Done():
			case <-time.After(consumerBackoff):
			}
		}
	}

	k.logger.Info("consumer stopping", "topic", topic)
	return ctx.Err()
}

// Close closes all producers and consumers
func (k *KafkaClient) Close() error {
	var lastErr error

	for topic, writer := range k.writers.drain() {
		if err := writer.Close(); err != nil {
			k.logger.WithError(err).Error("failed to close producer", "topic", topic)
			lastErr = err
		}
	}

	for key, reader := range k.readers.drain() {
		if err := reader.Close(); err != nil {
			k.logger.WithError(err).Error("failed to close consumer", "key", key)
			lastErr = err
		}
	}

	return lastErr
}
