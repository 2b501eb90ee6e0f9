package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/segmentio/kafka-go"
)

// Message headers carried alongside an event
const (
	HeaderAttempt          = "x-attempt"
	HeaderDeadLetterReason = "x-dead-letter-reason"
)

type Producer struct {
	writer *kafka.Writer
	topic  string
}

// NewProducer creates a synchronous producer that waits for all in-sync
// replicas before a write returns. Messages are partitioned by key.
func NewProducer(brokers []string, topic string) *Producer {
	writer := &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireAll,
		MaxAttempts:  3,
		WriteTimeout: 10 * time.Second,
		ReadTimeout:  10 * time.Second,
	}

	return &Producer{writer: writer, topic: topic}
}

// Publish writes a raw message
func (p *Producer) Publish(ctx context.Context, key string, value []byte, headers ...kafka.Header) error {
	msg := kafka.Message{
		Key:     []byte(key),
		Value:   value,
		Headers: headers,
		Time:    time.Now(),
	}

	if err := p.writer.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("failed to write message to kafka topic %s: %w", p.topic, err)
	}
	return nil
}

// PublishEvent marshals event to JSON and publishes it
func (p *Producer) PublishEvent(ctx context.Context, key string, event interface{}) error {
	eventBytes, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}
	return p.Publish(ctx, key, eventBytes)
}

// Topic returns the topic the producer writes to
func (p *Producer) Topic() string {
	return p.topic
}

// Close closes the producer
func (p *Producer) Close() error {
	return p.writer.Close()
}

// messageWriter is the part of a producer a delivery forwards through
type messageWriter interface {
	Publish(ctx context.Context, key string, value []byte, headers ...kafka.Header) error
}

// ConsumerConfig configures a consumer group member
type ConsumerConfig struct {
	Brokers []string
	Topic   string
	GroupID string
	// Prefetch bounds how many fetched but unacked messages are buffered
	Prefetch int
}

// Consumer reads one message at a time and exposes explicit ack, requeue and
// dead-letter operations on each delivery. Offsets are committed synchronously,
// so an unacked message is redelivered after a restart or rebalance.
type Consumer struct {
	reader     *kafka.Reader
	retry      messageWriter
	deadLetter messageWriter
}

// NewConsumer creates a new Kafka consumer. retry must write to the consumed
// topic; deadLetter receives messages that exhausted their retries.
func NewConsumer(cfg ConsumerConfig, retry, deadLetter *Producer) *Consumer {
	prefetch := cfg.Prefetch
	if prefetch < 1 {
		prefetch = 1
	}

	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:        cfg.Brokers,
		Topic:          cfg.Topic,
		GroupID:        cfg.GroupID,
		MinBytes:       1,
		MaxBytes:       10e6,
		QueueCapacity:  prefetch,
		CommitInterval: 0,
		StartOffset:    kafka.FirstOffset,
	})

	return &Consumer{
		reader:     reader,
		retry:      retry,
		deadLetter: deadLetter,
	}
}

// Receive blocks until the next message is available
func (c *Consumer) Receive(ctx context.Context) (Delivery, error) {
	msg, err := c.reader.FetchMessage(ctx)
	if err != nil {
		return nil, err
	}

	return &kafkaDelivery{
		msg:        msg,
		attempt:    attemptFromHeaders(msg.Headers),
		retry:      c.retry,
		deadLetter: c.deadLetter,
		commit:     c.commit,
	}, nil
}

// Close closes the consumer
func (c *Consumer) Close() error {
	return c.reader.Close()
}

func (c *Consumer) commit(ctx context.Context, msg kafka.Message) error {
	if err := c.reader.CommitMessages(ctx, msg); err != nil {
		return fmt.Errorf("failed to commit offset %d on partition %d: %w", msg.Offset, msg.Partition, err)
	}
	return nil
}

type kafkaDelivery struct {
	msg        kafka.Message
	attempt    int
	retry      messageWriter
	deadLetter messageWriter
	commit     func(ctx context.Context, msg kafka.Message) error
	// forwarded is set once the message was republished, so a retry after a
	// failed commit only commits instead of publishing another copy
	forwarded bool
}

func (d *kafkaDelivery) Payload() []byte {
	return d.msg.Value
}

func (d *kafkaDelivery) Attempt() int {
	return d.attempt
}

func (d *kafkaDelivery) Ack(ctx context.Context) error {
	return d.commit(ctx, d.msg)
}

// Requeue republishes the message with its attempt count bumped, then acks the original.
func (d *kafkaDelivery) Requeue(ctx context.Context) error {
	if !d.forwarded {
		headers := withHeader(d.msg.Headers, HeaderAttempt, strconv.Itoa(d.attempt+1))
		if err := d.retry.Publish(ctx, string(d.msg.Key), d.msg.Value, headers...); err != nil {
			return fmt.Errorf("requeue failed: %w", err)
		}
		d.forwarded = true
	}
	return d.Ack(ctx)
}

// DeadLetter moves the message to the dead-letter topic, then acks the original.
func (d *kafkaDelivery) DeadLetter(ctx context.Context, reason string) error {
	if !d.forwarded {
		headers := withHeader(d.msg.Headers, HeaderDeadLetterReason, reason)
		if err := d.deadLetter.Publish(ctx, string(d.msg.Key), d.msg.Value, headers...); err != nil {
			return fmt.Errorf("dead-letter failed: %w", err)
		}
		d.forwarded = true
	}
	return d.Ack(ctx)
}

func attemptFromHeaders(headers []kafka.Header) int {
	for _, h := range headers {
		if h.Key == HeaderAttempt {
			n, err := strconv.Atoi(string(h.Value))
			if err != nil || n < 0 {
				return 0
			}
			return n
		}
	}
	return 0
}

// withHeader returns a copy of headers with key set to value
func withHeader(headers []kafka.Header, key, value string) []kafka.Header {
	out := make([]kafka.Header, 0, len(headers)+1)
	for _, h := range headers {
		if h.Key != key {
			out = append(out, h)
		}
	}
	return append(out, kafka.Header{Key: key, Value: []byte(value)})
}
