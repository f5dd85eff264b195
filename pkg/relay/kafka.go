package relay

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/IBM/sarama"
	"github.com/cenkalti/backoff/v4"
)

const (
	kafkaPublishRetries = 3
	kafkaInitialBackoff = 100 * time.Millisecond
	kafkaMaxBackoff     = 5 * time.Second
	kafkaReadyTimeout   = 10 * time.Second
)

// KafkaChannel carries signal envelopes over a Kafka topic. Each process
// consumes with its own group ID so every instance sees every envelope,
// matching the fan-out semantics of a pub/sub channel.
type KafkaChannel struct {
	brokers  []string
	groupID  string
	config   *sarama.Config
	producer sarama.SyncProducer
}

var _ Channel = (*KafkaChannel)(nil)

// NewKafkaChannel builds the producer up front; consumer groups are
// created per subscription because closing one ends its lifecycle.
// groupID must be unique per process.
func NewKafkaChannel(brokers []string, groupID string) (*KafkaChannel, error) {
	config := sarama.NewConfig()

	config.Producer.RequiredAcks = sarama.WaitForAll
	config.Producer.Retry.Max = kafkaPublishRetries
	config.Producer.Return.Successes = true
	config.Producer.Compression = sarama.CompressionSnappy

	config.Consumer.Return.Errors = true
	config.Consumer.Offsets.Initial = sarama.OffsetNewest
	config.Consumer.Group.Rebalance.Strategy = sarama.NewBalanceStrategyRoundRobin()

	config.Version = sarama.V4_0_0_0

	producer, err := sarama.NewSyncProducer(brokers, config)
	if err != nil {
		return nil, fmt.Errorf("create kafka producer: %w", err)
	}

	return &KafkaChannel{
		brokers:  brokers,
		groupID:  groupID,
		config:   config,
		producer: producer,
	}, nil
}

// Publish sends one envelope, retrying transient failures with
// exponential backoff before reporting the error.
func (c *KafkaChannel) Publish(ctx context.Context, topic string, payload []byte) error {
	msg := &sarama.ProducerMessage{
		Topic:     topic,
		Value:     sarama.ByteEncoder(payload),
		Timestamp: time.Now(),
	}

	op := func() error {
		_, _, err := c.producer.SendMessage(msg)
		return err
	}

	bo := backoff.WithContext(
		backoff.WithMaxRetries(
			backoff.NewExponentialBackOff(
				backoff.WithInitialInterval(kafkaInitialBackoff),
				backoff.WithMaxInterval(kafkaMaxBackoff),
			),
			kafkaPublishRetries,
		),
		ctx,
	)

	err := backoff.RetryNotify(op, bo, func(err error, d time.Duration) {
		errorLog.Printf("relay: kafka publish retry in %s: %v", d, err)
	})
	if err != nil {
		return fmt.Errorf("kafka publish to %q: %w", topic, err)
	}
	return nil
}

// Subscribe joins a fresh consumer group on the topic and pumps
// messages until the group fails or the subscription is closed. It does
// not return until the first session is set up, so a successful return
// means the channel is live.
func (c *KafkaChannel) Subscribe(ctx context.Context, topic string, onMessage func([]byte), onState func(ChannelEvent)) (Subscription, error) {
	group, err := sarama.NewConsumerGroup(c.brokers, c.groupID, c.config)
	if err != nil {
		return nil, fmt.Errorf("create kafka consumer group: %w", err)
	}

	consumeCtx, cancel := context.WithCancel(context.Background())
	sub := &kafkaSubscription{group: group, cancel: cancel}
	handler := &signalConsumer{
		onMessage: onMessage,
		ready:     make(chan struct{}),
	}

	go func() {
		for {
			// Consume returns on every rebalance; rejoin until the
			// subscription is torn down.
			if err := group.Consume(consumeCtx, []string{topic}, handler); err != nil {
				if sub.closed.Load() || errors.Is(err, sarama.ErrClosedConsumerGroup) {
					return
				}
				var netErr net.Error
				if errors.As(err, &netErr) && netErr.Timeout() {
					onState(ChannelTimedOut)
				} else {
					onState(ChannelErrored)
				}
				return
			}
			if consumeCtx.Err() != nil {
				return
			}
		}
	}()

	go func() {
		for err := range group.Errors() {
			errorLog.Printf("relay: kafka consumer error: %v", err)
		}
	}()

	select {
	case <-handler.ready:
	case <-ctx.Done():
		sub.Close()
		return nil, ctx.Err()
	case <-time.After(kafkaReadyTimeout):
		sub.Close()
		return nil, fmt.Errorf("kafka subscribe to %q: timed out waiting for consumer session", topic)
	}

	onState(ChannelSubscribed)
	return sub, nil
}

// Close shuts down the shared producer. Open subscriptions are closed
// through their own handles.
func (c *KafkaChannel) Close() error {
	return c.producer.Close()
}

type kafkaSubscription struct {
	group  sarama.ConsumerGroup
	cancel context.CancelFunc
	closed atomic.Bool
}

func (s *kafkaSubscription) Close() error {
	s.closed.Store(true)
	s.cancel()
	return s.group.Close()
}

// signalConsumer implements sarama.ConsumerGroupHandler.
type signalConsumer struct {
	onMessage func([]byte)
	ready     chan struct{}
	once      sync.Once
}

func (h *signalConsumer) Setup(sarama.ConsumerGroupSession) error {
	h.once.Do(func() {
		close(h.ready)
	})
	return nil
}

func (h *signalConsumer) Cleanup(sarama.ConsumerGroupSession) error {
	return nil
}

func (h *signalConsumer) ConsumeClaim(session sarama.ConsumerGroupSession, claim sarama.ConsumerGroupClaim) error {
	for {
		select {
		case msg := <-claim.Messages():
			if msg == nil {
				return nil
			}
			h.onMessage(msg.Value)
			session.MarkMessage(msg, "")
		case <-session.Context().Done():
			return nil
		}
	}
}
