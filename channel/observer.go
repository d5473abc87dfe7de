package channel

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/twmb/franz-go/pkg/kadm"
	"go.uber.org/zap"

	"github.com/ankurbansal-tradedoubler/iceberg/events"
)

// GroupAdmin is the slice of the Kafka admin API the observer uses.
type GroupAdmin interface {
	DescribeGroups(ctx context.Context, groups ...string) (kadm.DescribedGroups, error)
}

// GroupObserver polls the source consumer group's description and
// exposes the flattened set of partitions its members currently hold.
// This set is the coordinator's completeness target: a partition that
// moves out of the group mid round stops being waited for on the next
// poll.
type GroupObserver struct {
	admin    GroupAdmin
	group    string
	interval time.Duration
	stop     chan struct{}
	done     chan struct{}
	logger   *zap.Logger
	timer    func(time.Duration) <-chan time.Time
	describe func(ctx context.Context) ([]events.TopicPartition, error)

	mu      sync.Mutex
	current []events.TopicPartition
	changes chan struct{}
}

const defaultObserveInterval = 10 * time.Second

func NewGroupObserver(admin GroupAdmin, group string, interval time.Duration, stop chan struct{}, logger *zap.Logger) *GroupObserver {
	if interval <= 0 {
		interval = defaultObserveInterval
	}
	g := &GroupObserver{
		admin:    admin,
		group:    group,
		interval: interval,
		stop:     stop,
		done:     make(chan struct{}),
		logger:   logger.Named("GroupObserver").With(zap.String("group", group)),
		timer:    time.After,
		changes:  make(chan struct{}, 1),
	}
	g.describe = g.describeGroup
	return g
}

func (g *GroupObserver) Start() {
	go func() {
		defer close(g.done)
		g.refresh()
		for {
			select {
			case <-g.stop:
				return
			case <-g.timer(g.interval):
				g.refresh()
			}
		}
	}()
}

func (g *GroupObserver) Done() <-chan struct{} {
	return g.done
}

// Assigned returns the partitions the group held as of the last poll.
func (g *GroupObserver) Assigned() []events.TopicPartition {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]events.TopicPartition(nil), g.current...)
}

// Changes signals after every observed assignment change. The channel
// carries at most one pending notification; a reader that re-reads
// Assigned on each signal never misses state.
func (g *GroupObserver) Changes() <-chan struct{} {
	return g.changes
}

func (g *GroupObserver) refresh() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	next, err := g.describe(ctx)
	if err != nil {
		g.logger.Warn("failed to describe consumer group", zap.Error(err))
		return
	}
	sort.Slice(next, func(i, j int) bool {
		if next[i].Topic != next[j].Topic {
			return next[i].Topic < next[j].Topic
		}
		return next[i].Partition < next[j].Partition
	})

	g.mu.Lock()
	changed := !samePartitions(g.current, next)
	if changed {
		g.current = next
	}
	g.mu.Unlock()

	if changed {
		g.logger.Info("group assignment changed", zap.Int("partitions", len(next)))
		select {
		case g.changes <- struct{}{}:
		default:
		}
	}
}

func (g *GroupObserver) describeGroup(ctx context.Context) ([]events.TopicPartition, error) {
	groups, err := g.admin.DescribeGroups(ctx, g.group)
	if err != nil {
		return nil, err
	}
	described, ok := groups[g.group]
	if !ok {
		return nil, nil
	}
	if described.Err != nil {
		return nil, described.Err
	}

	var next []events.TopicPartition
	for topic, partitions := range described.AssignedPartitions() {
		for partition := range partitions {
			next = append(next, events.TopicPartition{Topic: topic, Partition: partition})
		}
	}
	return next, nil
}

func samePartitions(a, b []events.TopicPartition) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
