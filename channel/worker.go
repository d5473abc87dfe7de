package channel

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ankurbansal-tradedoubler/iceberg/events"
	"github.com/ankurbansal-tradedoubler/iceberg/writer"
)

type WorkerState int

const (
	WorkerIdle WorkerState = iota
	WorkerFlushing
	WorkerAwaitingAck
)

func (s WorkerState) String() string {
	switch s {
	case WorkerIdle:
		return "IDLE"
	case WorkerFlushing:
		return "FLUSHING"
	case WorkerAwaitingAck:
		return "AWAITING_ACK"
	default:
		return fmt.Sprintf("WorkerState(%d)", int(s))
	}
}

// Worker answers the coordinator's commit requests. On a request it
// seals its buffered rows into files, sends one CommitResponse per
// table holding new files, and always sends one CommitReady carrying
// its partition assignments so the coordinator can account for
// partitions with no new data. It then waits for CommitComplete
// before telling the host the round's source offsets are safe to
// acknowledge. A newer request supersedes the wait: the previous
// round resolved without this worker or timed out, and either way the
// coordinator has moved on.
type Worker struct {
	groupID     string
	id          string
	bus         Bus
	writer      writer.Writer
	assignments func() []events.TopicPartitionOffset
	onComplete  func(commitID uuid.UUID)
	stop        chan struct{}
	done        chan struct{}
	logger      *zap.Logger

	mu       sync.Mutex
	state    WorkerState
	awaiting uuid.UUID
}

type WorkerOption func(*Worker)

// WithCommitCompleteHook registers the host callback invoked when a
// round this worker contributed to is acknowledged.
func WithCommitCompleteHook(fn func(commitID uuid.UUID)) WorkerOption {
	return func(w *Worker) {
		w.onComplete = fn
	}
}

// NewWorker builds a worker agent. assignments must return the
// partitions this worker currently owns together with the latest
// offset and record timestamp it has durably processed per partition.
func NewWorker(groupID string, bus Bus, wr writer.Writer, assignments func() []events.TopicPartitionOffset, stop chan struct{}, logger *zap.Logger, opts ...WorkerOption) *Worker {
	id := fmt.Sprintf("%s-%s", groupID, uuid.NewString())
	w := &Worker{
		groupID:     groupID,
		id:          id,
		bus:         bus,
		writer:      wr,
		assignments: assignments,
		stop:        stop,
		done:        make(chan struct{}),
		logger:      logger.Named(fmt.Sprintf("Worker-%s", id)),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

func (w *Worker) Start() {
	go func() {
		defer close(w.done)
		for {
			select {
			case <-w.stop:
				w.logger.Info("worker stopped")
				return
			case d, ok := <-w.bus.Receive():
				if !ok {
					w.logger.Info("control bus closed")
					return
				}
				w.handle(d)
			}
		}
	}()
}

func (w *Worker) Done() <-chan struct{} {
	return w.done
}

func (w *Worker) State() WorkerState {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.state
}

func (w *Worker) handle(d Delivery) {
	ctx := context.Background()
	switch p := d.Event.Payload.(type) {
	case events.CommitRequestPayload:
		w.handleCommitRequest(ctx, p)
	case events.CommitCompletePayload:
		w.handleCommitComplete(p)
	}
	if err := w.bus.Ack(ctx, d.Position); err != nil {
		w.logger.Warn("failed to ack control message", zap.Error(err))
	}
}

func (w *Worker) handleCommitRequest(ctx context.Context, p events.CommitRequestPayload) {
	w.mu.Lock()
	if w.state == WorkerAwaitingAck && w.awaiting == p.CommitID {
		w.mu.Unlock()
		w.logger.Debug("ignoring duplicate commit request", zap.String("commit-id", p.CommitID.String()))
		return
	}
	w.state = WorkerFlushing
	w.mu.Unlock()

	flushes, err := w.writer.Flush(ctx)
	if err != nil {
		// No response this round. The buffer is intact and the same
		// rows seal on the next round's request.
		w.logger.Error("flush failed, skipping round",
			zap.String("commit-id", p.CommitID.String()), zap.Error(err))
		w.setIdle()
		return
	}

	assignments := w.assignments()
	for _, flush := range flushes {
		if len(flush.DataFiles) == 0 && len(flush.DeleteFiles) == 0 {
			continue
		}
		resp := events.CommitResponsePayload{
			CommitID:    p.CommitID,
			TableName:   flush.Table,
			DataFiles:   flush.DataFiles,
			DeleteFiles: flush.DeleteFiles,
			Assignments: assignments,
		}
		if err := w.bus.Send(ctx, events.NewEvent(w.groupID, resp)); err != nil {
			w.logger.Error("failed to send commit response",
				zap.String("commit-id", p.CommitID.String()),
				zap.String("table", flush.Table.String()), zap.Error(err))
			w.setIdle()
			return
		}
		w.logger.Info("sent commit response",
			zap.String("commit-id", p.CommitID.String()),
			zap.String("table", flush.Table.String()),
			zap.Int("data-files", len(flush.DataFiles)),
			zap.Int("delete-files", len(flush.DeleteFiles)))
	}

	ready := events.CommitReadyPayload{CommitID: p.CommitID, Assignments: assignments}
	if err := w.bus.Send(ctx, events.NewEvent(w.groupID, ready)); err != nil {
		w.logger.Error("failed to send commit ready",
			zap.String("commit-id", p.CommitID.String()), zap.Error(err))
		w.setIdle()
		return
	}

	w.mu.Lock()
	w.state = WorkerAwaitingAck
	w.awaiting = p.CommitID
	w.mu.Unlock()
}

func (w *Worker) handleCommitComplete(p events.CommitCompletePayload) {
	w.mu.Lock()
	if w.state != WorkerAwaitingAck || w.awaiting != p.CommitID {
		w.mu.Unlock()
		return
	}
	w.state = WorkerIdle
	w.awaiting = uuid.UUID{}
	w.mu.Unlock()

	w.logger.Info("commit acknowledged", zap.String("commit-id", p.CommitID.String()))
	if w.onComplete != nil {
		w.onComplete(p.CommitID)
	}
}

func (w *Worker) setIdle() {
	w.mu.Lock()
	w.state = WorkerIdle
	w.mu.Unlock()
}
