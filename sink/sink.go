package sink

import (
	"context"
	"fmt"
	"os"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/google/uuid"
	"github.com/twmb/franz-go/pkg/kadm"
	"github.com/twmb/franz-go/pkg/kgo"
	clientv3 "go.etcd.io/etcd/client/v3"
	"go.uber.org/zap"

	"github.com/ankurbansal-tradedoubler/iceberg/catalog"
	"github.com/ankurbansal-tradedoubler/iceberg/channel"
	"github.com/ankurbansal-tradedoubler/iceberg/events"
	"github.com/ankurbansal-tradedoubler/iceberg/writer"
)

const offsetCommitTimeout = 10 * time.Second

// Sink is one deployment instance. Every instance consumes source
// topics, writes files and answers commit requests; the instance
// currently holding the elected term additionally runs the
// coordinator.
type Sink struct {
	cfg    Config
	logger *zap.Logger
	tables catalog.TableService
	fileIO writer.FileIO
	s3     writer.S3

	source   *Source
	worker   *channel.Worker
	observer *channel.GroupObserver
	bus      *channel.KafkaBus
	admin    *kgo.Client
	etcd     *clientv3.Client
	elect    election

	stop                 chan struct{}
	done                 chan struct{}
	componentsDoneNotify map[string]<-chan struct{}
}

type Option func(*Sink)

// WithTableService injects the table service, bypassing the HTTP
// catalog built from config.
func WithTableService(ts catalog.TableService) Option {
	return func(s *Sink) {
		s.tables = ts
	}
}

// WithFileIO injects the file backend, bypassing the one built from
// config.
func WithFileIO(io writer.FileIO) Option {
	return func(s *Sink) {
		s.fileIO = io
	}
}

// WithS3Client injects the S3 client used when the configured backend
// is s3.
func WithS3Client(client writer.S3) Option {
	return func(s *Sink) {
		s.s3 = client
	}
}

func WithLogger(logger *zap.Logger) Option {
	return func(s *Sink) {
		s.logger = logger
	}
}

func New(cfg Config, opts ...Option) *Sink {
	s := &Sink{
		cfg:                  cfg,
		stop:                 make(chan struct{}),
		done:                 make(chan struct{}),
		componentsDoneNotify: make(map[string]<-chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.logger == nil {
		l, err := zap.NewProduction()
		if err != nil {
			panic(err)
		}
		s.logger = l
	}
	s.logger = s.logger.Named("Sink").With(zap.String("group-id", cfg.GroupID))
	return s
}

func (s *Sink) Start() error {
	routes, err := s.cfg.tableRoutes()
	if err != nil {
		return err
	}

	if s.fileIO == nil {
		io, err := s.buildFileIO()
		if err != nil {
			return err
		}
		s.fileIO = io
	}
	if s.tables == nil {
		s.tables = catalog.NewHTTPTableService(s.cfg.Catalog.Endpoint, s.logger)
	}

	ocf := writer.NewOCFWriter(s.fileIO, s.logger)

	source, err := NewSource(s.cfg, routes, ocf, s.stop, s.logger)
	if err != nil {
		return fmt.Errorf("build source consumer: %w", err)
	}
	s.source = source
	source.Start()
	s.componentsDoneNotify["Source"] = source.Done()

	bus, err := channel.NewKafkaBus(channel.KafkaBusConfig{
		Brokers:       s.cfg.Kafka.Brokers,
		Topic:         s.cfg.Control.Topic,
		GroupID:       s.cfg.GroupID,
		ConsumerGroup: fmt.Sprintf("%s-worker-%s", s.cfg.GroupID, uuid.NewString()),
		ClientID:      s.cfg.Kafka.ClientID,
	}, s.logger)
	if err != nil {
		return fmt.Errorf("build worker control bus: %w", err)
	}
	s.bus = bus
	bus.Start()

	s.worker = channel.NewWorker(s.cfg.GroupID, bus, source.Gate(), source.Assignments,
		s.stop, s.logger, channel.WithCommitCompleteHook(s.commitSourceOffsets))
	s.worker.Start()
	s.componentsDoneNotify["Worker"] = s.worker.Done()

	admin, err := kgo.NewClient(kgo.SeedBrokers(s.cfg.Kafka.Brokers...))
	if err != nil {
		return fmt.Errorf("build admin client: %w", err)
	}
	s.admin = admin
	s.observer = channel.NewGroupObserver(kadm.NewClient(admin), s.cfg.Kafka.ConsumerGroup, 0, s.stop, s.logger)
	s.observer.Start()
	s.componentsDoneNotify["GroupObserver"] = s.observer.Done()

	if len(s.cfg.Etcd.Endpoints) > 0 {
		cli, err := clientv3.New(clientv3.Config{
			Endpoints:   s.cfg.Etcd.Endpoints,
			DialTimeout: 5 * time.Second,
		})
		if err != nil {
			return fmt.Errorf("build etcd client: %w", err)
		}
		s.etcd = cli
		host, err := os.Hostname()
		if err != nil {
			host = "iceberg-sink"
		}
		nodeID := fmt.Sprintf("%s-%d", host, os.Getpid())
		s.elect = NewElection(cli, "/iceberg-sink/"+s.cfg.GroupID, nodeID, s.cfg.Etcd.SessionTTL, s.stop, s.logger)
	} else {
		s.logger.Info("no etcd endpoints, coordinating standalone")
		s.elect = NewStandaloneElection(s.stop)
	}
	s.elect.Start()
	s.componentsDoneNotify["Election"] = s.elect.Done()

	runnerDone := make(chan struct{})
	s.componentsDoneNotify["CoordinatorRunner"] = runnerDone
	go s.runCoordinator(runnerDone)

	return nil
}

func (s *Sink) buildFileIO() (writer.FileIO, error) {
	switch s.cfg.Writer.Backend {
	case "local":
		return writer.LocalFileIO{Root: s.cfg.Writer.LocalRoot}, nil
	case "s3":
		client := s.s3
		if client == nil {
			awsCfg, err := awsconfig.LoadDefaultConfig(context.Background())
			if err != nil {
				return nil, fmt.Errorf("load aws config: %w", err)
			}
			client = s3.NewFromConfig(awsCfg)
		}
		return writer.S3FileIO{Client: client, Bucket: s.cfg.Writer.S3Bucket, Prefix: s.cfg.Writer.S3Prefix}, nil
	default:
		return nil, fmt.Errorf("unknown writer backend %q", s.cfg.Writer.Backend)
	}
}

// commitSourceOffsets acknowledges the acknowledged round's rows to
// the source consumer group. A failed commit is tolerable: the rows
// re-read after a restart re-seal into files the per-table recorded
// offsets fence out.
func (s *Sink) commitSourceOffsets(commitID uuid.UUID) {
	ctx, cancel := context.WithTimeout(context.Background(), offsetCommitTimeout)
	defer cancel()
	if err := s.source.CommitFlushed(ctx); err != nil {
		s.logger.Warn("failed to commit source offsets",
			zap.String("commit-id", commitID.String()), zap.Error(err))
	}
}

// runCoordinator runs one coordinator per elected term. Each term gets
// a fresh coordinator and a fresh control-bus connection on the stable
// coordinator consumer group, so a replacement resumes from the last
// acknowledged control message.
func (s *Sink) runCoordinator(done chan struct{}) {
	defer close(done)
	for {
		select {
		case <-s.stop:
			return
		case term, ok := <-s.elect.Terms():
			if !ok {
				return
			}
			s.coordinate(term)
		}
	}
}

func (s *Sink) coordinate(term *Term) {
	bus, err := channel.NewKafkaBus(channel.KafkaBusConfig{
		Brokers:       s.cfg.Kafka.Brokers,
		Topic:         s.cfg.Control.Topic,
		GroupID:       s.cfg.GroupID,
		ConsumerGroup: s.cfg.GroupID + "-coordinator",
		ClientID:      s.cfg.Kafka.ClientID,
	}, s.logger)
	if err != nil {
		s.logger.Error("failed to build coordinator control bus", zap.Error(err))
		return
	}
	bus.Start()
	defer bus.Close()

	coord := channel.NewCoordinator(channel.CoordinatorConfig{
		GroupID:         s.cfg.GroupID,
		CommitInterval:  s.cfg.Commit.Interval,
		CommitTimeout:   s.cfg.Commit.Timeout,
		CatalogTimeout:  s.cfg.Commit.CatalogTimeout,
		ConflictRetries: s.cfg.Commit.ConflictRetries,
	}, bus, s.tables, term, s.observer, s.stop, s.logger)
	coord.Seed(s.recoverOffsets())
	coord.Start()
	<-coord.Done()
}

// recoverOffsets rebuilds the committed offset map from the routed
// tables' latest snapshots. Tables disagree when a past round
// committed some tables and failed others; the maximum is safe since
// offsets recorded by any table were durably committed for it, and
// lower tables fence replays themselves.
func (s *Sink) recoverOffsets() map[events.TopicPartition]int64 {
	tables, err := s.cfg.tables()
	if err != nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.Commit.CatalogTimeout)
	defer cancel()
	out := make(map[events.TopicPartition]int64)
	for _, table := range tables {
		offsets, err := s.tables.CommittedOffsets(ctx, table)
		if err != nil {
			s.logger.Warn("failed to recover committed offsets",
				zap.String("table", table.String()), zap.Error(err))
			continue
		}
		for key, next := range offsets {
			tp, err := events.ParseTopicPartition(key)
			if err != nil {
				s.logger.Warn("skipping malformed recorded offset",
					zap.String("table", table.String()), zap.String("key", key))
				continue
			}
			if cur, ok := out[tp]; !ok || next > cur {
				out[tp] = next
			}
		}
	}
	return out
}

// Stop shuts the instance down: the stop channel fans out to every
// component, then each is waited for in turn.
func (s *Sink) Stop() {
	close(s.stop)
	for k, v := range s.componentsDoneNotify {
		s.logger.Info("shutdown initiated", zap.String("component", k))
		<-v
		s.logger.Info("shutdown complete", zap.String("component", k))
	}
	if s.bus != nil {
		s.bus.Close()
	}
	if s.admin != nil {
		s.admin.Close()
	}
	if s.etcd != nil {
		s.etcd.Close()
	}
	close(s.done)
}

func (s *Sink) Done() <-chan struct{} {
	return s.done
}
