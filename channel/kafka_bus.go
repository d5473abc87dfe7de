package channel

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/twmb/franz-go/pkg/kgo"
	"go.uber.org/zap"

	"github.com/ankurbansal-tradedoubler/iceberg/events"
)

// KafkaBusConfig connects one participant to the control topic.
// GroupID is the deployment scope stamped on and filtered from
// envelopes; ConsumerGroup is this participant's consumer group on
// the control topic. The coordinator uses a stable group so a
// replacement resumes from the last acknowledged control offset;
// workers use per-instance groups so every worker sees every message.
type KafkaBusConfig struct {
	Brokers       []string
	Topic         string
	GroupID       string
	ConsumerGroup string
	ClientID      string
	PollRecords   int
	QueueCapacity int
}

func (c KafkaBusConfig) withDefaults() KafkaBusConfig {
	if c.PollRecords <= 0 {
		c.PollRecords = 256
	}
	if c.QueueCapacity <= 0 {
		c.QueueCapacity = 1024
	}
	return c
}

func (c KafkaBusConfig) validate() error {
	if len(c.Brokers) == 0 {
		return errors.New("control bus: brokers are required")
	}
	if c.Topic == "" {
		return errors.New("control bus: topic is required")
	}
	if c.GroupID == "" {
		return errors.New("control bus: group id is required")
	}
	if c.ConsumerGroup == "" {
		return errors.New("control bus: consumer group is required")
	}
	return nil
}

// KafkaBus is the control bus over a Kafka topic. Messages are keyed
// by deployment group id so one deployment's messages stay totally
// ordered on one partition. Commits are manual: Ack marks the
// position and commits marked offsets.
type KafkaBus struct {
	cfg        KafkaBusConfig
	client     *kgo.Client
	codec      *events.Codec
	deliveries chan Delivery
	stop       chan struct{}
	done       chan struct{}
	logger     *zap.Logger
	closeOnce  sync.Once
}

func NewKafkaBus(cfg KafkaBusConfig, logger *zap.Logger, opts ...kgo.Opt) (*KafkaBus, error) {
	cfg = cfg.withDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	kopts := []kgo.Opt{
		kgo.SeedBrokers(cfg.Brokers...),
		kgo.ConsumeTopics(cfg.Topic),
		kgo.ConsumerGroup(cfg.ConsumerGroup),
		kgo.DisableAutoCommit(),
		kgo.BlockRebalanceOnPoll(),
	}
	if cfg.ClientID != "" {
		kopts = append(kopts, kgo.ClientID(cfg.ClientID))
	}
	kopts = append(kopts, opts...)

	client, err := kgo.NewClient(kopts...)
	if err != nil {
		return nil, fmt.Errorf("control bus: new kafka client: %w", err)
	}
	return &KafkaBus{
		cfg:        cfg,
		client:     client,
		codec:      events.NewCodec(),
		deliveries: make(chan Delivery, cfg.QueueCapacity),
		stop:       make(chan struct{}),
		done:       make(chan struct{}),
		logger:     logger.Named("KafkaBus").With(zap.String("consumer-group", cfg.ConsumerGroup)),
	}, nil
}

// Start runs the poll loop. Close stops it and releases the client.
func (b *KafkaBus) Start() {
	go func() {
		defer close(b.done)
		defer close(b.deliveries)
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		go func() {
			<-b.stop
			cancel()
		}()
		for {
			if ctx.Err() != nil {
				return
			}
			fetches := b.client.PollRecords(ctx, b.cfg.PollRecords)
			if fetches.IsClientClosed() {
				return
			}
			for _, fe := range fetches.Errors() {
				if errors.Is(fe.Err, context.Canceled) {
					return
				}
				b.logger.Error("fetch error",
					zap.String("topic", fe.Topic),
					zap.Int32("partition", fe.Partition),
					zap.Error(fe.Err))
			}
			fetches.EachRecord(func(r *kgo.Record) {
				b.deliver(r)
			})
			b.client.AllowRebalance()
		}
	}()
}

func (b *KafkaBus) deliver(r *kgo.Record) {
	e, err := b.codec.Decode(r.Value)
	if err != nil {
		// Expected in mixed-version deployments; skip and move on.
		b.logger.Warn("skipping undecodable control message",
			zap.Int32("partition", r.Partition),
			zap.Int64("offset", r.Offset),
			zap.Error(err))
		b.client.MarkCommitRecords(r)
		return
	}
	if e.GroupID != b.cfg.GroupID {
		b.client.MarkCommitRecords(r)
		return
	}
	d := Delivery{
		Event:    e,
		Position: Position{Topic: r.Topic, Partition: r.Partition, Offset: r.Offset},
	}
	select {
	case b.deliveries <- d:
	case <-b.stop:
	}
}

func (b *KafkaBus) Send(ctx context.Context, e events.Event) error {
	raw, err := b.codec.Encode(e)
	if err != nil {
		return fmt.Errorf("control bus: %w", err)
	}
	rec := &kgo.Record{
		Topic: b.cfg.Topic,
		Key:   []byte(e.GroupID),
		Value: raw,
	}
	if err := b.client.ProduceSync(ctx, rec).FirstErr(); err != nil {
		return fmt.Errorf("control bus: produce %s: %w", e.Type, err)
	}
	return nil
}

func (b *KafkaBus) Receive() <-chan Delivery {
	return b.deliveries
}

func (b *KafkaBus) Ack(ctx context.Context, p Position) error {
	b.client.MarkCommitRecords(&kgo.Record{Topic: p.Topic, Partition: p.Partition, Offset: p.Offset})
	if err := b.client.CommitMarkedOffsets(ctx); err != nil {
		return fmt.Errorf("control bus: commit offsets: %w", err)
	}
	return nil
}

// Close stops the poll loop started by Start and closes the client.
func (b *KafkaBus) Close() error {
	b.closeOnce.Do(func() {
		close(b.stop)
		<-b.done
		b.client.Close()
	})
	return nil
}
