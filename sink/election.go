package sink

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	clientv3 "go.etcd.io/etcd/client/v3"
	"go.etcd.io/etcd/client/v3/concurrency"
	"go.uber.org/zap"
)

// Term is one tenure of the coordinator role. It stays valid until the
// backing etcd session lapses or the host shuts down, after which
// Demoted fires and IsLeader reports false.
type Term struct {
	leader  atomic.Bool
	demoted chan struct{}
	once    sync.Once
}

func newTerm() *Term {
	t := &Term{demoted: make(chan struct{})}
	t.leader.Store(true)
	return t
}

func (t *Term) IsLeader() bool { return t.leader.Load() }

func (t *Term) Demoted() <-chan struct{} { return t.demoted }

func (t *Term) revoke() {
	t.once.Do(func() {
		t.leader.Store(false)
		close(t.demoted)
	})
}

type election interface {
	Start()
	Terms() <-chan *Term
	Done() <-chan struct{}
}

// Election campaigns for the coordinator role through etcd. Every won
// campaign is delivered on Terms; the term is revoked when the session
// keepalive lapses, and the loop campaigns again.
type Election struct {
	client     *clientv3.Client
	prefix     string
	nodeID     string
	sessionTTL int
	terms      chan *Term
	stop       chan struct{}
	done       chan struct{}
	logger     *zap.Logger
}

func NewElection(client *clientv3.Client, prefix, nodeID string, sessionTTL int, stop chan struct{}, logger *zap.Logger) *Election {
	return &Election{
		client:     client,
		prefix:     prefix,
		nodeID:     nodeID,
		sessionTTL: sessionTTL,
		terms:      make(chan *Term),
		stop:       stop,
		done:       make(chan struct{}),
		logger:     logger.Named("Election").With(zap.String("nodeID", nodeID)),
	}
}

func (e *Election) Start() {
	go func() {
		e.elect()
		close(e.done)
	}()
}

func (e *Election) Terms() <-chan *Term { return e.terms }

func (e *Election) Done() <-chan struct{} { return e.done }

func (e *Election) elect() {
	for {
		select {
		case <-e.stop:
			return
		default:
		}

		session, err := concurrency.NewSession(e.client, concurrency.WithTTL(e.sessionTTL))
		if err != nil {
			e.logger.Error("failed to create election session", zap.Error(err))
			select {
			case <-e.stop:
				return
			case <-time.After(time.Second):
			}
			continue
		}

		election := concurrency.NewElection(session, e.prefix)
		e.logger.Info("campaigning for coordinator role")

		// Campaign blocks until won. Closing the session from the stop
		// branch unblocks it with an error.
		campaigned := make(chan error, 1)
		go func() {
			campaigned <- election.Campaign(context.Background(), e.nodeID)
		}()

		select {
		case err := <-campaigned:
			if err != nil {
				e.logger.Error("campaign failed", zap.Error(err))
				session.Close()
				continue
			}
		case <-e.stop:
			session.Orphan()
			session.Close()
			return
		}

		e.logger.Info("won coordinator role")
		term := newTerm()
		select {
		case e.terms <- term:
		case <-e.stop:
			term.revoke()
			session.Orphan()
			session.Close()
			return
		}

		select {
		case <-session.Done():
			term.revoke()
			e.logger.Warn("election session lapsed, coordinator role lost")
		case <-e.stop:
			term.revoke()
			session.Orphan()
			session.Close()
			return
		}
		session.Close()
	}
}

// StandaloneElection grants a single term that lasts until shutdown.
// Used when no etcd endpoints are configured, so a lone instance
// coordinates without an external election.
type StandaloneElection struct {
	terms chan *Term
	stop  chan struct{}
	done  chan struct{}
}

func NewStandaloneElection(stop chan struct{}) *StandaloneElection {
	return &StandaloneElection{
		terms: make(chan *Term),
		stop:  stop,
		done:  make(chan struct{}),
	}
}

func (s *StandaloneElection) Start() {
	go func() {
		defer close(s.done)
		term := newTerm()
		select {
		case s.terms <- term:
		case <-s.stop:
			term.revoke()
			return
		}
		<-s.stop
		term.revoke()
	}()
}

func (s *StandaloneElection) Terms() <-chan *Term { return s.terms }

func (s *StandaloneElection) Done() <-chan struct{} { return s.done }
