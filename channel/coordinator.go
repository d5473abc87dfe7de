package channel

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ankurbansal-tradedoubler/iceberg/catalog"
	"github.com/ankurbansal-tradedoubler/iceberg/events"
)

// Coordinator runs the commit rounds for one deployment.
// Commit coordination protocol
// On every commit interval the coordinator generates a fresh commit id
// and broadcasts a CommitRequest
// Workers seal their buffered rows into files and answer with one
// CommitResponse per table plus a CommitReady listing the partitions
// they own
// A round is complete when every partition currently assigned to the
// source consumer group has been reported by some worker
// The assignment set is re-read on every rebalance notification, so a
// partition that moves away mid round stops being required
// When the round is complete, or the deadline passes with at least one
// response, the coordinator stages one transaction per table from the
// union of everything reported for that table and commits it through
// the table service
// File descriptors are deduplicated by path, so a worker whose response
// was delivered twice contributes each file once
// A conflict from the table service means another writer committed in
// between; the coordinator restages on top of the new table state and
// tries again up to a bounded number of attempts
// Committed offsets advance only after the table service confirms, and
// a CommitComplete is then broadcast so workers can let the host
// acknowledge their source offsets
// The deadline passing with no responses at all abandons the round;
// nothing is reused, the next interval starts over with a new id
type Coordinator struct {
	cfg        CoordinatorConfig
	bus        Bus
	tables     catalog.TableService
	leadership Leadership
	source     AssignmentSource
	tracker    *OffsetTracker

	onOffsetsCommitted func(map[events.TopicPartition]int64)

	stop     chan struct{}
	done     chan struct{}
	requests chan struct{}
	logger   *zap.Logger
	clock    func() time.Time
	timer    func(time.Duration) <-chan time.Time
	interval <-chan time.Time

	round *commitRound
}

// CoordinatorConfig carries the tunable round parameters. Zero values
// take the defaults.
type CoordinatorConfig struct {
	GroupID         string
	CommitInterval  time.Duration
	CommitTimeout   time.Duration
	CatalogTimeout  time.Duration
	ConflictRetries int
}

const (
	defaultCommitInterval  = time.Minute
	defaultCommitTimeout   = 30 * time.Second
	defaultCatalogTimeout  = 10 * time.Second
	defaultConflictRetries = 4
)

func (c CoordinatorConfig) withDefaults() CoordinatorConfig {
	if c.CommitInterval <= 0 {
		c.CommitInterval = defaultCommitInterval
	}
	if c.CommitTimeout <= 0 {
		c.CommitTimeout = defaultCommitTimeout
	}
	if c.CatalogTimeout <= 0 {
		c.CatalogTimeout = defaultCatalogTimeout
	}
	if c.ConflictRetries <= 0 {
		c.ConflictRetries = defaultConflictRetries
	}
	return c
}

type CoordinatorOption func(*Coordinator)

// WithOffsetsCommittedHook registers the host callback invoked with
// the new committed offset map after each successful round.
func WithOffsetsCommittedHook(fn func(map[events.TopicPartition]int64)) CoordinatorOption {
	return func(c *Coordinator) {
		c.onOffsetsCommitted = fn
	}
}

func NewCoordinator(cfg CoordinatorConfig, bus Bus, tables catalog.TableService, leadership Leadership, source AssignmentSource, stop chan struct{}, logger *zap.Logger, opts ...CoordinatorOption) *Coordinator {
	c := &Coordinator{
		cfg:        cfg.withDefaults(),
		bus:        bus,
		tables:     tables,
		leadership: leadership,
		source:     source,
		tracker:    NewOffsetTracker(),
		stop:       stop,
		done:       make(chan struct{}),
		requests:   make(chan struct{}, 1),
		logger:     logger.Named("Coordinator"),
		clock:      time.Now,
		timer:      time.After,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Seed installs committed offsets recovered from table snapshots
// before the first round.
func (c *Coordinator) Seed(offsets map[events.TopicPartition]int64) {
	c.tracker.Seed(offsets)
}

// CommittedOffsets is the offset map as of the last successful round.
func (c *Coordinator) CommittedOffsets() map[events.TopicPartition]int64 {
	return c.tracker.CommittedOffsets()
}

// RequestCommit triggers a round ahead of the next interval tick. A
// request is dropped if one is already queued or a round is running.
func (c *Coordinator) RequestCommit() {
	select {
	case c.requests <- struct{}{}:
	default:
	}
}

func (c *Coordinator) Done() <-chan struct{} {
	return c.done
}

// Start runs the coordinator loop. One goroutine owns all round state:
// message arrivals, interval ticks, deadlines and rebalance
// notifications are processed one at a time in arrival order. The loop
// exits on stop or on demotion.
func (c *Coordinator) Start() {
	go func() {
		defer close(c.done)
		interval := c.interval
		if interval == nil {
			t := time.NewTicker(c.cfg.CommitInterval)
			defer t.Stop()
			interval = t.C
		}
		c.logger.Info("coordinator started",
			zap.Duration("commit-interval", c.cfg.CommitInterval),
			zap.Duration("commit-timeout", c.cfg.CommitTimeout))
		for {
			select {
			case <-c.stop:
				c.abandon("shutdown")
				return
			case <-c.leadership.Demoted():
				c.abandon("leadership lost")
				return
			case <-interval:
				c.startRound()
			case <-c.requests:
				c.startRound()
			case <-c.deadline():
				c.resolve(true)
			case <-c.source.Changes():
				c.reevaluate()
			case d, ok := <-c.bus.Receive():
				if !ok {
					c.abandon("control bus closed")
					return
				}
				c.handle(d)
			}
		}
	}()
}

func (c *Coordinator) deadline() <-chan time.Time {
	if c.round == nil {
		return nil
	}
	return c.round.deadline
}

func (c *Coordinator) startRound() {
	if c.round != nil {
		c.logger.Info("commit round already in flight",
			zap.String("commit-id", c.round.id.String()))
		return
	}
	if !c.leadership.IsLeader() {
		c.logger.Info("not the leader, skipping commit round")
		return
	}
	id := uuid.New()
	e := events.NewEvent(c.cfg.GroupID, events.CommitRequestPayload{CommitID: id})
	if err := c.bus.Send(context.Background(), e); err != nil {
		c.logger.Error("failed to broadcast commit request", zap.Error(err))
		return
	}
	c.round = &commitRound{
		id:       id,
		state:    RoundRequested,
		tables:   make(map[string]*tableAccumulator),
		deadline: c.timer(c.cfg.CommitTimeout),
		started:  c.clock(),
	}
	c.logger.Info("commit round started", zap.String("commit-id", id.String()))
}

func (c *Coordinator) handle(d Delivery) {
	switch p := d.Event.Payload.(type) {
	case events.CommitResponsePayload:
		c.onResponse(p)
	case events.CommitReadyPayload:
		c.onReady(p)
	}
	if err := c.bus.Ack(context.Background(), d.Position); err != nil {
		c.logger.Warn("failed to ack control message", zap.Error(err))
	}
}

func (c *Coordinator) onResponse(p events.CommitResponsePayload) {
	r := c.round
	if r == nil || r.id != p.CommitID {
		c.logger.Warn("discarding response for unknown or resolved commit",
			zap.String("commit-id", p.CommitID.String()),
			zap.String("table", p.TableName.String()))
		return
	}
	r.state = RoundCollecting
	r.responses++
	acc := r.accumulator(p.TableName)
	acc.merge(p.DataFiles, p.DeleteFiles)
	for _, a := range p.Assignments {
		c.tracker.RecordAssignment(r.id, a)
	}
	c.reevaluate()
}

func (c *Coordinator) onReady(p events.CommitReadyPayload) {
	r := c.round
	if r == nil || r.id != p.CommitID {
		c.logger.Warn("discarding ready for unknown or resolved commit",
			zap.String("commit-id", p.CommitID.String()))
		return
	}
	r.state = RoundCollecting
	r.responses++
	for _, a := range p.Assignments {
		c.tracker.RecordAssignment(r.id, a)
	}
	c.reevaluate()
}

func (c *Coordinator) reevaluate() {
	r := c.round
	if r == nil || (r.state != RoundRequested && r.state != RoundCollecting) {
		return
	}
	if r.responses == 0 {
		return
	}
	assigned := c.source.Assigned()
	if len(assigned) == 0 {
		return
	}
	if c.tracker.RoundComplete(r.id, assigned) {
		c.resolve(false)
	}
}

// resolve ends the active round: commits what was collected, or times
// the round out when the deadline passed with nothing at all.
func (c *Coordinator) resolve(onDeadline bool) {
	r := c.round
	if r == nil {
		return
	}
	if onDeadline && r.responses == 0 {
		r.state = RoundTimedOut
		c.logger.Warn("commit round timed out with no responses",
			zap.String("commit-id", r.id.String()))
		c.finish(r)
		return
	}

	r.state = RoundCommitting
	assigned := c.source.Assigned()
	complete := len(assigned) > 0 && c.tracker.RoundComplete(r.id, assigned)
	if !complete {
		c.logger.Info("committing partial round at deadline",
			zap.String("commit-id", r.id.String()),
			zap.Int("assigned-partitions", len(assigned)))
	}
	vtts := c.validThrough(r.id, assigned, complete)
	offsetsJSON, err := encodeOffsets(c.tracker.NextOffsets(r.id))
	if err != nil {
		c.logger.Error("failed to encode offsets, abandoning round",
			zap.String("commit-id", r.id.String()), zap.Error(err))
		r.state = RoundFailed
		c.finish(r)
		return
	}

	var committed, failed int
	var lastSnapshot int64
	for _, key := range r.tableKeys() {
		acc := r.tables[key]
		if acc.empty() {
			continue
		}
		if !c.leadership.IsLeader() {
			c.logger.Info("demoted during commit, discarding round",
				zap.String("commit-id", r.id.String()))
			c.finish(r)
			return
		}
		snapshot, err := c.commitTable(r.id, acc, offsetsJSON, vtts)
		switch {
		case err == nil:
			committed++
			lastSnapshot = snapshot
			c.emit(events.CommitTablePayload{
				CommitID:       r.id,
				TableName:      acc.table,
				SnapshotID:     &snapshot,
				ValidThroughTs: vtts,
			})
		case errors.Is(err, errRoundStale):
			c.logger.Warn("table already has this round's data, skipping",
				zap.String("commit-id", r.id.String()),
				zap.String("table", acc.table.String()))
		case errors.Is(err, errDemoted):
			c.logger.Info("demoted during commit, discarding round",
				zap.String("commit-id", r.id.String()))
			c.finish(r)
			return
		default:
			failed++
			c.logger.Error("table commit failed",
				zap.String("commit-id", r.id.String()),
				zap.String("table", acc.table.String()),
				zap.Error(err))
		}
	}

	if failed > 0 {
		r.state = RoundFailed
		c.logger.Error("commit round failed, offsets not advanced",
			zap.String("commit-id", r.id.String()),
			zap.Int("failed-tables", failed),
			zap.Int("committed-tables", committed))
		c.finish(r)
		return
	}

	advanced := c.tracker.AdvanceCommitted(r.id)
	if c.onOffsetsCommitted != nil {
		c.onOffsetsCommitted(advanced)
	}
	completePayload := events.CommitCompletePayload{CommitID: r.id, ValidThroughTs: vtts}
	if committed == 1 {
		completePayload.SnapshotID = &lastSnapshot
	}
	c.emit(completePayload)
	r.state = RoundCommitted
	c.logger.Info("commit round completed",
		zap.String("commit-id", r.id.String()),
		zap.Bool("complete", complete),
		zap.Int("tables", committed),
		zap.Duration("took", c.clock().Sub(r.started)))
	c.round = nil
}

var (
	errDemoted    = errors.New("channel: no longer the leader")
	errRoundStale = errors.New("channel: round already committed to table")
)

// commitTable stages and commits one table's accumulated files,
// restaging on conflict. Before the first attempt it reads the
// offsets recorded in the table's latest snapshot; when nothing in
// this round advances past them the round was already committed by a
// previous coordinator and the table is skipped.
func (c *Coordinator) commitTable(commitID uuid.UUID, acc *tableAccumulator, offsetsJSON string, vtts *int64) (int64, error) {
	recorded, err := c.callCommittedOffsets(acc.table)
	if err != nil {
		return 0, fmt.Errorf("read recorded offsets: %w", err)
	}
	if roundStale(recorded, c.tracker.ReportedOffsets(commitID)) {
		return 0, errRoundStale
	}

	props := map[string]string{
		catalog.PropertyCommitID: commitID.String(),
		catalog.PropertyOffsets:  offsetsJSON,
	}
	if vtts != nil {
		props[catalog.PropertyValidThroughTs] = strconv.FormatInt(*vtts, 10)
	}

	data, del := acc.files()
	var lastErr error
	for attempt := 1; attempt <= c.cfg.ConflictRetries+1; attempt++ {
		if !c.leadership.IsLeader() {
			return 0, errDemoted
		}
		txn, err := c.callStage(acc.table, data, del)
		if err != nil {
			return 0, fmt.Errorf("stage: %w", err)
		}
		res, err := c.callCommit(txn, props)
		if err == nil {
			c.logger.Info("table committed",
				zap.String("commit-id", commitID.String()),
				zap.String("table", acc.table.String()),
				zap.Int64("snapshot-id", res.SnapshotID),
				zap.Int("data-files", len(data)),
				zap.Int("delete-files", len(del)),
				zap.Int("attempt", attempt))
			return res.SnapshotID, nil
		}
		if !errors.Is(err, catalog.ErrCommitConflict) {
			return 0, err
		}
		lastErr = err
		c.logger.Warn("commit conflict, restaging",
			zap.String("table", acc.table.String()),
			zap.Int("attempt", attempt),
			zap.Error(err))
	}
	return 0, fmt.Errorf("conflict retries exhausted after %d attempts: %w", c.cfg.ConflictRetries+1, lastErr)
}

func (c *Coordinator) callCommittedOffsets(table events.TableName) (map[string]int64, error) {
	ctx, cancel := context.WithTimeout(context.Background(), c.cfg.CatalogTimeout)
	defer cancel()
	return c.tables.CommittedOffsets(ctx, table)
}

func (c *Coordinator) callStage(table events.TableName, data []events.DataFile, del []events.DeleteFile) (catalog.StagedTransaction, error) {
	ctx, cancel := context.WithTimeout(context.Background(), c.cfg.CatalogTimeout)
	defer cancel()
	return c.tables.Stage(ctx, table, data, del)
}

func (c *Coordinator) callCommit(txn catalog.StagedTransaction, props map[string]string) (catalog.CommitResult, error) {
	ctx, cancel := context.WithTimeout(context.Background(), c.cfg.CatalogTimeout)
	defer cancel()
	return c.tables.Commit(ctx, txn, props)
}

// roundStale reports whether every offset-bearing partition reported
// this round is already at or behind the offsets recorded in the
// table's latest snapshot. A partition unknown to the table means new
// data.
func roundStale(recorded map[string]int64, reported map[events.TopicPartition]events.TopicPartitionOffset) bool {
	overlap := false
	for tp, o := range reported {
		if o.Offset == nil {
			continue
		}
		rec, ok := recorded[tp.String()]
		if !ok {
			return false
		}
		overlap = true
		if *o.Offset+1 > rec {
			return false
		}
	}
	return overlap
}

func (c *Coordinator) validThrough(commitID uuid.UUID, assigned []events.TopicPartition, complete bool) *int64 {
	if !complete || len(assigned) == 0 {
		return nil
	}
	reported := c.tracker.ReportedOffsets(commitID)
	var min int64
	set := false
	for _, tp := range assigned {
		o, ok := reported[tp]
		if !ok || o.Timestamp == nil {
			return nil
		}
		if !set || *o.Timestamp < min {
			min = *o.Timestamp
			set = true
		}
	}
	if !set {
		return nil
	}
	return &min
}

func (c *Coordinator) emit(p events.Payload) {
	e := events.NewEvent(c.cfg.GroupID, p)
	if err := c.bus.Send(context.Background(), e); err != nil {
		// The commit is durable either way. Workers that miss the
		// message resolve on the next round's request.
		c.logger.Warn("failed to broadcast control message",
			zap.String("event-type", e.Type.String()), zap.Error(err))
	}
}

func (c *Coordinator) abandon(reason string) {
	if c.round == nil {
		return
	}
	c.logger.Info("abandoning commit round",
		zap.String("commit-id", c.round.id.String()),
		zap.String("reason", reason))
	c.finish(c.round)
}

func (c *Coordinator) finish(r *commitRound) {
	if r.state != RoundCommitted {
		c.tracker.DiscardRound(r.id)
	}
	c.round = nil
}

func encodeOffsets(offsets map[events.TopicPartition]int64) (string, error) {
	m := make(map[string]int64, len(offsets))
	for tp, off := range offsets {
		m[tp.String()] = off
	}
	raw, err := json.Marshal(m)
	if err != nil {
		return "", err
	}
	return string(raw), nil
}

type RoundState int

const (
	RoundNotStarted RoundState = iota
	RoundRequested
	RoundCollecting
	RoundCommitting
	RoundCommitted
	RoundTimedOut
	RoundFailed
)

func (s RoundState) String() string {
	switch s {
	case RoundNotStarted:
		return "NOT_STARTED"
	case RoundRequested:
		return "REQUESTED"
	case RoundCollecting:
		return "COLLECTING"
	case RoundCommitting:
		return "COMMITTING"
	case RoundCommitted:
		return "COMMITTED"
	case RoundTimedOut:
		return "TIMED_OUT"
	case RoundFailed:
		return "FAILED"
	default:
		return fmt.Sprintf("RoundState(%d)", int(s))
	}
}

// commitRound is the in-memory registry for one round. It exists from
// the broadcast of the request until resolution and is owned solely by
// the coordinator loop.
type commitRound struct {
	id        uuid.UUID
	state     RoundState
	tables    map[string]*tableAccumulator
	deadline  <-chan time.Time
	started   time.Time
	responses int
}

func (r *commitRound) accumulator(table events.TableName) *tableAccumulator {
	key := table.String()
	acc, ok := r.tables[key]
	if !ok {
		acc = &tableAccumulator{
			table:       table,
			dataFiles:   make(map[string]events.DataFile),
			deleteFiles: make(map[string]events.DeleteFile),
		}
		r.tables[key] = acc
	}
	return acc
}

func (r *commitRound) tableKeys() []string {
	keys := make([]string, 0, len(r.tables))
	for k := range r.tables {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// tableAccumulator gathers one table's contributions for a round,
// deduplicating file descriptors by path across duplicate deliveries.
type tableAccumulator struct {
	table       events.TableName
	dataFiles   map[string]events.DataFile
	deleteFiles map[string]events.DeleteFile
}

func (a *tableAccumulator) merge(data []events.DataFile, del []events.DeleteFile) {
	for _, f := range data {
		a.dataFiles[f.Path] = f
	}
	for _, f := range del {
		a.deleteFiles[f.Path] = f
	}
}

func (a *tableAccumulator) empty() bool {
	return len(a.dataFiles) == 0 && len(a.deleteFiles) == 0
}

func (a *tableAccumulator) files() ([]events.DataFile, []events.DeleteFile) {
	data := make([]events.DataFile, 0, len(a.dataFiles))
	for _, path := range sortedFileKeys(a.dataFiles) {
		data = append(data, a.dataFiles[path])
	}
	del := make([]events.DeleteFile, 0, len(a.deleteFiles))
	for _, path := range sortedDeleteKeys(a.deleteFiles) {
		del = append(del, a.deleteFiles[path])
	}
	return data, del
}

func sortedFileKeys(m map[string]events.DataFile) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func sortedDeleteKeys(m map[string]events.DeleteFile) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
