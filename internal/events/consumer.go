// Package events turns inbound third-party events, from Kafka or webhooks,
// into conductor signals.
package events

import (
	"context"
	"log/slog"
	"strings"
	"sync"

	"github.com/segmentio/kafka-go"
)

// Consumer reads messages from Kafka topics.
type Consumer interface {
	// Start begins consuming from the configured topics.
	Start(ctx context.Context) error
	// Messages returns a channel of raw messages.
	Messages() <-chan ConsumerMessage
	// Close stops the consumer.
	Close() error
}

// ConsumerMessage is a raw message from Kafka.
type ConsumerMessage struct {
	Topic string
	Key   []byte
	Value []byte
}

// KafkaConsumer implements Consumer using segmentio/kafka-go, one reader per topic.
type KafkaConsumer struct {
	brokers       string
	consumerGroup string
	topics        []string
	readers       []*kafka.Reader
	messages      chan ConsumerMessage
	wg            sync.WaitGroup
	mu            sync.Mutex
}

// NewKafkaConsumer creates a Kafka consumer for the given topics.
func NewKafkaConsumer(brokers, consumerGroup string, topics []string) *KafkaConsumer {
	return &KafkaConsumer{
		brokers:       brokers,
		consumerGroup: consumerGroup,
		topics:        topics,
		messages:      make(chan ConsumerMessage, 100),
	}
}

// Start begins consuming from all configured topics.
func (c *KafkaConsumer) Start(ctx context.Context) error {
	brokerList := strings.Split(c.brokers, ",")
	for _, topic := range c.topics {
		c.startReader(ctx, brokerList, topic)
	}
	slog.Info("Event consumer started", "brokers", c.brokers, "group", c.consumerGroup, "topics", c.topics)
	return nil
}

func (c *KafkaConsumer) startReader(ctx context.Context, brokerList []string, topic string) {
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:  brokerList,
		Topic:    topic,
		GroupID:  c.consumerGroup,
		MinBytes: 1,
		MaxBytes: 10e6,
	})

	c.mu.Lock()
	c.readers = append(c.readers, reader)
	c.mu.Unlock()

	c.wg.Add(1)
	go func(r *kafka.Reader, t string) {
		defer c.wg.Done()
		for {
			msg, err := r.ReadMessage(ctx)
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				slog.Warn("Event consumer read error", "topic", t, "error", err)
				continue
			}
			select {
			case c.messages <- ConsumerMessage{Topic: t, Key: msg.Key, Value: msg.Value}:
			case <-ctx.Done():
				return
			}
		}
	}(reader, topic)
}

// Messages returns the channel of consumed messages.
func (c *KafkaConsumer) Messages() <-chan ConsumerMessage {
	return c.messages
}

// Close stops all readers. The reader goroutines exit once their context is
// cancelled or their reader is closed.
func (c *KafkaConsumer) Close() error {
	c.mu.Lock()
	for _, r := range c.readers {
		_ = r.Close()
	}
	c.mu.Unlock()
	c.wg.Wait()
	close(c.messages)
	return nil
}

// ChannelConsumer is an in-process Consumer backed by a Go channel.
type ChannelConsumer struct {
	ch   chan ConsumerMessage
	once sync.Once
}

// NewChannelConsumer creates an in-process consumer.
func NewChannelConsumer() *ChannelConsumer {
	return &ChannelConsumer{ch: make(chan ConsumerMessage, 100)}
}

// Start is a no-op for the channel consumer.
func (c *ChannelConsumer) Start(ctx context.Context) error { return nil }

// Messages returns the message channel.
func (c *ChannelConsumer) Messages() <-chan ConsumerMessage { return c.ch }

// Close closes the channel.
func (c *ChannelConsumer) Close() error {
	c.once.Do(func() { close(c.ch) })
	return nil
}

// Send pushes a message into the channel consumer.
func (c *ChannelConsumer) Send(msg ConsumerMessage) {
	c.ch <- msg
}
