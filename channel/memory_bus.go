package channel

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/ankurbansal-tradedoubler/iceberg/events"
)

const memoryTopic = "control"

// MemoryBroker is an in-process control bus for tests and single-node
// runs. It keeps the bus contract honest: every message crosses the
// real codec both ways, every connection sees every message for its
// deployment, and retained messages can be redelivered to exercise
// at-least-once handling.
type MemoryBroker struct {
	mu     sync.Mutex
	codec  *events.Codec
	logger *zap.Logger
	conns  []*memoryConn
	log    [][]byte
}

func NewMemoryBroker(logger *zap.Logger) *MemoryBroker {
	return &MemoryBroker{
		codec:  events.NewCodec(),
		logger: logger.Named("MemoryBroker"),
	}
}

// Connect attaches a participant scoped to groupID.
func (b *MemoryBroker) Connect(groupID string) Bus {
	b.mu.Lock()
	defer b.mu.Unlock()
	conn := &memoryConn{
		broker:  b,
		groupID: groupID,
		ch:      make(chan Delivery, 256),
		acked:   make(map[int32]int64),
	}
	b.conns = append(b.conns, conn)
	return conn
}

// Len is the number of retained messages.
func (b *MemoryBroker) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.log)
}

// Redeliver pushes the retained message at offset to every connection
// again, simulating duplicate delivery.
func (b *MemoryBroker) Redeliver(offset int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if offset < 0 || offset >= len(b.log) {
		return
	}
	b.fanOut(b.log[offset], int64(offset))
}

func (b *MemoryBroker) publish(e events.Event) error {
	raw, err := b.codec.Encode(e)
	if err != nil {
		return fmt.Errorf("memory bus: %w", err)
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.log = append(b.log, raw)
	b.fanOut(raw, int64(len(b.log)-1))
	return nil
}

func (b *MemoryBroker) fanOut(raw []byte, offset int64) {
	for _, conn := range b.conns {
		if conn.closed {
			continue
		}
		e, err := b.codec.Decode(raw)
		if err != nil {
			b.logger.Warn("skipping undecodable message", zap.Int64("offset", offset), zap.Error(err))
			return
		}
		if e.GroupID != conn.groupID {
			continue
		}
		d := Delivery{Event: e, Position: Position{Topic: memoryTopic, Partition: 0, Offset: offset}}
		select {
		case conn.ch <- d:
		default:
			b.logger.Warn("dropping delivery for slow connection", zap.Int64("offset", offset))
		}
	}
}

type memoryConn struct {
	broker  *MemoryBroker
	groupID string
	ch      chan Delivery
	closed  bool

	ackMu sync.Mutex
	acked map[int32]int64
}

func (c *memoryConn) Send(ctx context.Context, e events.Event) error {
	return c.broker.publish(e)
}

func (c *memoryConn) Receive() <-chan Delivery {
	return c.ch
}

func (c *memoryConn) Ack(ctx context.Context, p Position) error {
	c.ackMu.Lock()
	defer c.ackMu.Unlock()
	if cur, ok := c.acked[p.Partition]; !ok || p.Offset > cur {
		c.acked[p.Partition] = p.Offset
	}
	return nil
}

// Acked returns the highest acknowledged offset per partition.
func (c *memoryConn) Acked() map[int32]int64 {
	c.ackMu.Lock()
	defer c.ackMu.Unlock()
	out := make(map[int32]int64, len(c.acked))
	for p, o := range c.acked {
		out[p] = o
	}
	return out
}

func (c *memoryConn) Close() error {
	c.broker.mu.Lock()
	defer c.broker.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	close(c.ch)
	return nil
}
