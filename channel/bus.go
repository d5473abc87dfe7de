// Package channel implements commit coordination between the single
// coordinator and the fleet of workers over a partitioned, append-only
// control bus. Delivery is at least once: everything in this package
// tolerates duplicated and reordered messages.
package channel

import (
	"context"

	"github.com/ankurbansal-tradedoubler/iceberg/events"
)

// Position is the control-log coordinate of one delivery. Acking a
// position marks everything up to and including it consumed for this
// participant.
type Position struct {
	Topic     string
	Partition int32
	Offset    int64
}

// Delivery is one decoded control message and where it came from.
type Delivery struct {
	Event    events.Event
	Position Position
}

// Bus is one participant's connection to the control bus. Every
// participant sees every message sent by any participant, itself
// included. Implementations filter out messages scoped to a different
// deployment before delivering. Receive's channel closes when the bus
// shuts down.
type Bus interface {
	Send(ctx context.Context, e events.Event) error
	Receive() <-chan Delivery
	Ack(ctx context.Context, p Position) error
	Close() error
}

// AssignmentSource reports which source partitions the consumer group
// currently holds. Changes signals after each rebalance; the
// coordinator re-evaluates round completeness on every signal.
type AssignmentSource interface {
	Assigned() []events.TopicPartition
	Changes() <-chan struct{}
}

// Leadership is the coordinator-role capability granted by the host.
// IsLeader is checked immediately before every table service call;
// Demoted fires once when the role is lost, after which the holder
// must discard in-flight round state and stop coordinating.
type Leadership interface {
	IsLeader() bool
	Demoted() <-chan struct{}
}
