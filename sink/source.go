package sink

import (
	"context"
	"sort"
	"sync"

	"github.com/twmb/franz-go/pkg/kgo"
	"go.uber.org/zap"

	"github.com/ankurbansal-tradedoubler/iceberg/events"
	"github.com/ankurbansal-tradedoubler/iceberg/writer"
)

// sourceMark is the latest record consumed from one partition. The
// record itself is kept so the group offset commit carries the real
// leader epoch rather than a synthesized one.
type sourceMark struct {
	offset    int64
	timestamp int64
	rec       *kgo.Record
}

// Source consumes the data topics, routes rows into the file writer
// and tracks per-partition progress. Group offsets are committed
// manually and only for rows whose commit round was acknowledged, so
// a restart or rebalance resumes from the last fully committed row.
//
// Progress is reported from a snapshot taken while the flush holds the
// ingest mutex. Rows arriving after a flush bump the live marks but
// not the snapshot, so the offsets attached to a round cover exactly
// the rows its files sealed.
type Source struct {
	client *kgo.Client
	routes map[string]events.TableName
	writer writer.Writer
	polled int
	stop   chan struct{}
	done   chan struct{}
	logger *zap.Logger

	markCommit   func(...*kgo.Record)
	commitMarked func(context.Context) error

	mu       sync.Mutex
	assigned map[events.TopicPartition]struct{}
	marks    map[events.TopicPartition]sourceMark
	flushed  map[events.TopicPartition]sourceMark
}

func NewSource(cfg Config, routes map[string]events.TableName, wr writer.Writer, stop chan struct{}, logger *zap.Logger, opts ...kgo.Opt) (*Source, error) {
	s := &Source{
		routes:   routes,
		writer:   wr,
		polled:   cfg.Kafka.PollRecords,
		stop:     stop,
		done:     make(chan struct{}),
		logger:   logger.Named("Source"),
		assigned: make(map[events.TopicPartition]struct{}),
		marks:    make(map[events.TopicPartition]sourceMark),
		flushed:  make(map[events.TopicPartition]sourceMark),
	}

	kopts := []kgo.Opt{
		kgo.SeedBrokers(cfg.Kafka.Brokers...),
		kgo.ConsumerGroup(cfg.Kafka.ConsumerGroup),
		kgo.ConsumeTopics(cfg.Kafka.Topics...),
		kgo.DisableAutoCommit(),
		kgo.BlockRebalanceOnPoll(),
		kgo.OnPartitionsAssigned(s.partitionsAssigned),
		kgo.OnPartitionsRevoked(s.partitionsRevoked),
		kgo.OnPartitionsLost(s.partitionsRevoked),
	}
	if cfg.Kafka.ClientID != "" {
		kopts = append(kopts, kgo.ClientID(cfg.Kafka.ClientID))
	}
	kopts = append(kopts, opts...)

	cl, err := kgo.NewClient(kopts...)
	if err != nil {
		return nil, err
	}
	s.client = cl
	s.markCommit = func(rs ...*kgo.Record) { cl.MarkCommitRecords(rs...) }
	s.commitMarked = func(ctx context.Context) error { return cl.CommitMarkedOffsets(ctx) }
	return s, nil
}

func (s *Source) Start() {
	go func() {
		defer close(s.done)
		defer s.client.Close()

		ctx, cancel := context.WithCancel(context.Background())
		go func() {
			<-s.stop
			cancel()
		}()

		for {
			select {
			case <-s.stop:
				s.logger.Info("source stopped")
				return
			default:
			}
			fetches := s.client.PollRecords(ctx, s.polled)
			if fetches.IsClientClosed() || ctx.Err() != nil {
				s.logger.Info("source stopped")
				return
			}
			fetches.EachError(func(topic string, partition int32, err error) {
				s.logger.Error("fetch error",
					zap.String("topic", topic), zap.Int32("partition", partition), zap.Error(err))
			})
			fetches.EachRecord(func(rec *kgo.Record) {
				s.ingest(ctx, rec)
			})
			s.client.AllowRebalance()
		}
	}()
}

func (s *Source) Done() <-chan struct{} {
	return s.done
}

func (s *Source) ingest(ctx context.Context, rec *kgo.Record) {
	table, ok := s.routes[rec.Topic]
	if !ok {
		s.logger.Warn("no route for topic, dropping row", zap.String("topic", rec.Topic))
		return
	}
	row := writer.Record{
		Topic:     rec.Topic,
		Partition: rec.Partition,
		Offset:    rec.Offset,
		Key:       rec.Key,
		Value:     rec.Value,
		Timestamp: rec.Timestamp,
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.writer.Write(ctx, table, row); err != nil {
		s.logger.Error("failed to buffer row, skipping",
			zap.String("topic", rec.Topic), zap.Int32("partition", rec.Partition),
			zap.Int64("offset", rec.Offset), zap.Error(err))
	}
	s.marks[events.TopicPartition{Topic: rec.Topic, Partition: rec.Partition}] = sourceMark{
		offset:    rec.Offset,
		timestamp: rec.Timestamp.UnixMilli(),
		rec:       rec,
	}
}

func (s *Source) partitionsAssigned(_ context.Context, _ *kgo.Client, assigned map[string][]int32) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for topic, partitions := range assigned {
		for _, partition := range partitions {
			s.assigned[events.TopicPartition{Topic: topic, Partition: partition}] = struct{}{}
		}
	}
	s.logger.Info("partitions assigned", zap.Int("owned", len(s.assigned)))
}

// partitionsRevoked drops all bookkeeping for the lost partitions.
// Rows already buffered for them still seal into the next flush, yet
// their offsets are no longer reported, so the new owner re-reads and
// rewrites them. Rebalances are therefore at-least-once; steady-state
// ownership is exactly-once.
func (s *Source) partitionsRevoked(_ context.Context, _ *kgo.Client, revoked map[string][]int32) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for topic, partitions := range revoked {
		for _, partition := range partitions {
			tp := events.TopicPartition{Topic: topic, Partition: partition}
			delete(s.assigned, tp)
			delete(s.marks, tp)
			delete(s.flushed, tp)
		}
	}
	s.logger.Info("partitions revoked", zap.Int("owned", len(s.assigned)))
}

// Assignments reports every owned partition with the offset and
// record timestamp covered by the latest flush, nil for partitions
// the flush had nothing for.
func (s *Source) Assignments() []events.TopicPartitionOffset {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]events.TopicPartitionOffset, 0, len(s.assigned))
	for tp := range s.assigned {
		a := events.TopicPartitionOffset{Topic: tp.Topic, Partition: tp.Partition}
		if m, ok := s.flushed[tp]; ok {
			offset, timestamp := m.offset, m.timestamp
			a.Offset, a.Timestamp = &offset, &timestamp
		}
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Topic != out[j].Topic {
			return out[i].Topic < out[j].Topic
		}
		return out[i].Partition < out[j].Partition
	})
	return out
}

// CommitFlushed commits the group offsets covered by the latest flush.
// Called once the round owning that flush is acknowledged. Partitions
// lost since the flush are skipped so a newer owner's commits are not
// regressed.
func (s *Source) CommitFlushed(ctx context.Context) error {
	s.mu.Lock()
	recs := make([]*kgo.Record, 0, len(s.flushed))
	for tp, m := range s.flushed {
		if _, ok := s.assigned[tp]; ok && m.rec != nil {
			recs = append(recs, m.rec)
		}
	}
	s.mu.Unlock()
	if len(recs) == 0 {
		return nil
	}
	s.markCommit(recs...)
	return s.commitMarked(ctx)
}

// Gate returns the writer handed to the worker agent. Its Flush runs
// under the ingest mutex and refreshes the progress snapshot, tying
// reported offsets to sealed rows.
func (s *Source) Gate() writer.Writer {
	return &flushGate{src: s}
}

type flushGate struct {
	src *Source
}

func (g *flushGate) Write(ctx context.Context, table events.TableName, rec writer.Record) error {
	g.src.mu.Lock()
	defer g.src.mu.Unlock()
	return g.src.writer.Write(ctx, table, rec)
}

func (g *flushGate) Flush(ctx context.Context) ([]writer.TableFlush, error) {
	s := g.src
	s.mu.Lock()
	defer s.mu.Unlock()
	flushes, err := s.writer.Flush(ctx)
	if err != nil {
		return nil, err
	}
	snapshot := make(map[events.TopicPartition]sourceMark, len(s.marks))
	for tp, m := range s.marks {
		snapshot[tp] = m
	}
	s.flushed = snapshot
	return flushes, nil
}
