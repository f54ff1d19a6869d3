package broadcast

import (
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"

	"github.com/10thony/Campaignion-sub010/types"
)

var (
	batchesEmitted = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "liveserver",
			Subsystem: "batcher",
			Name:      "batches_emitted_total",
			Help:      "Total number of delta batches emitted to subscribers",
		},
		[]string{"interaction_id"},
	)
	queueOverflowsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "liveserver",
			Subsystem: "batcher",
			Name:      "queue_overflows_total",
			Help:      "Total number of messages dropped due to queue overflow",
		},
		[]string{"interaction_id"},
	)
	deltasCoalesced = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "liveserver",
			Subsystem: "batcher",
			Name:      "deltas_coalesced_total",
			Help:      "Number of deltas merged away by coalescing",
		},
	)
)

var registerBatcherMetrics sync.Once

// BatchConfig tunes the per-room message batcher.
type BatchConfig struct {
	BatchDelay        time.Duration
	MaxBatchSize      int
	MaxQueueSize      int
	PriorityThreshold int
}

// DefaultBatchConfig returns the stock batching parameters.
func DefaultBatchConfig() BatchConfig {
	return BatchConfig{
		BatchDelay:        50 * time.Millisecond,
		MaxBatchSize:      25,
		MaxQueueSize:      100,
		PriorityThreshold: 5,
	}
}

// EmitFunc receives the flushed output for one room: at most one coalesced
// BatchDelta plus any individually queued events, in queue order.
type EmitFunc func(interactionID string, batch *types.BatchDelta, events []*types.GameEvent)

type queuedMessage struct {
	delta    *types.StateDelta
	event    *types.GameEvent
	priority int
	enqueued time.Time
}

type roomQueue struct {
	mu           sync.Mutex
	entries      []queuedMessage
	timer        *time.Timer
	isProcessing bool
}

// Batcher maintains one priority queue per room and flushes on timer, size or
// high-priority triggers. Flushes for a room are serialized.
type Batcher struct {
	cfg    BatchConfig
	emit   EmitFunc
	logger *logrus.Entry

	mu    sync.RWMutex
	rooms map[string]*roomQueue
}

// NewBatcher builds a batcher delivering flushes through emit.
func NewBatcher(cfg BatchConfig, emit EmitFunc) *Batcher {
	registerBatcherMetrics.Do(func() {
		prometheus.MustRegister(batchesEmitted, queueOverflowsTotal, deltasCoalesced)
	})
	if cfg.BatchDelay <= 0 {
		cfg.BatchDelay = DefaultBatchConfig().BatchDelay
	}
	if cfg.MaxBatchSize <= 0 {
		cfg.MaxBatchSize = DefaultBatchConfig().MaxBatchSize
	}
	if cfg.MaxQueueSize <= 0 {
		cfg.MaxQueueSize = DefaultBatchConfig().MaxQueueSize
	}
	if cfg.PriorityThreshold <= 0 {
		cfg.PriorityThreshold = DefaultBatchConfig().PriorityThreshold
	}
	return &Batcher{
		cfg:    cfg,
		emit:   emit,
		logger: logrus.WithField("component", "batcher"),
		rooms:  make(map[string]*roomQueue),
	}
}

func (b *Batcher) room(interactionID string) *roomQueue {
	b.mu.RLock()
	q, ok := b.rooms[interactionID]
	b.mu.RUnlock()
	if ok {
		return q
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if q, ok = b.rooms[interactionID]; ok {
		return q
	}
	q = &roomQueue{}
	b.rooms[interactionID] = q
	return q
}

// EnqueueDelta queues a state delta for the room. Priority 0 is treated as 1.
func (b *Batcher) EnqueueDelta(interactionID string, delta types.StateDelta) {
	priority := delta.Priority
	if priority <= 0 {
		priority = 1
	}
	if delta.Timestamp.IsZero() {
		delta.Timestamp = time.Now().UTC()
	}
	b.enqueue(interactionID, queuedMessage{delta: &delta, priority: priority, enqueued: time.Now()})
}

// EnqueueEvent queues a whole event for the room at the given priority.
func (b *Batcher) EnqueueEvent(interactionID string, event *types.GameEvent, priority int) {
	if priority <= 0 {
		priority = 1
	}
	b.enqueue(interactionID, queuedMessage{event: event, priority: priority, enqueued: time.Now()})
}

func (b *Batcher) enqueue(interactionID string, msg queuedMessage) {
	q := b.room(interactionID)
	q.mu.Lock()

	if len(q.entries) >= b.cfg.MaxQueueSize {
		b.dropOneLocked(interactionID, q)
	}

	// Insert position: priority descending, enqueue time ascending.
	idx := sort.Search(len(q.entries), func(i int) bool {
		return q.entries[i].priority < msg.priority
	})
	q.entries = append(q.entries, queuedMessage{})
	copy(q.entries[idx+1:], q.entries[idx:])
	q.entries[idx] = msg

	flushNow := msg.priority >= b.cfg.PriorityThreshold || len(q.entries) >= b.cfg.MaxBatchSize
	if flushNow {
		if q.timer != nil {
			q.timer.Stop()
			q.timer = nil
		}
		q.mu.Unlock()
		b.flush(interactionID, q)
		return
	}

	if q.timer != nil {
		q.timer.Stop()
	}
	q.timer = time.AfterFunc(b.cfg.BatchDelay, func() {
		b.flush(interactionID, q)
	})
	q.mu.Unlock()
}

// dropOneLocked applies the overflow policy: drop the oldest entry below the
// priority threshold, or the oldest entry overall if every entry is at or
// above it.
func (b *Batcher) dropOneLocked(interactionID string, q *roomQueue) {
	dropIdx := -1
	for i, e := range q.entries {
		if e.priority >= b.cfg.PriorityThreshold {
			continue
		}
		if dropIdx < 0 || e.enqueued.Before(q.entries[dropIdx].enqueued) {
			dropIdx = i
		}
	}
	if dropIdx < 0 {
		for i, e := range q.entries {
			if dropIdx < 0 || e.enqueued.Before(q.entries[dropIdx].enqueued) {
				dropIdx = i
			}
		}
	}
	q.entries = append(q.entries[:dropIdx], q.entries[dropIdx+1:]...)
	queueOverflowsTotal.WithLabelValues(interactionID).Inc()
}

// FlushRoom synchronously flushes any pending batch for the room. Used at
// turn boundaries and on shutdown so deltas are observed before the events
// that close the turn.
func (b *Batcher) FlushRoom(interactionID string) {
	b.mu.RLock()
	q, ok := b.rooms[interactionID]
	b.mu.RUnlock()
	if !ok {
		return
	}
	q.mu.Lock()
	if q.timer != nil {
		q.timer.Stop()
		q.timer = nil
	}
	q.mu.Unlock()
	b.flush(interactionID, q)
}

// FlushAll flushes every room's queue; used on shutdown.
func (b *Batcher) FlushAll() {
	b.mu.RLock()
	ids := make([]string, 0, len(b.rooms))
	for id := range b.rooms {
		ids = append(ids, id)
	}
	b.mu.RUnlock()
	for _, id := range ids {
		b.FlushRoom(id)
	}
}

// DropRoom discards the room's queue without emitting; used when a room is
// torn down.
func (b *Batcher) DropRoom(interactionID string) {
	b.mu.Lock()
	q, ok := b.rooms[interactionID]
	delete(b.rooms, interactionID)
	b.mu.Unlock()
	if ok {
		q.mu.Lock()
		if q.timer != nil {
			q.timer.Stop()
		}
		q.entries = nil
		q.mu.Unlock()
	}
}

func (b *Batcher) flush(interactionID string, q *roomQueue) {
	q.mu.Lock()
	if q.isProcessing || len(q.entries) == 0 {
		q.mu.Unlock()
		return
	}
	q.isProcessing = true

	n := len(q.entries)
	if n > b.cfg.MaxBatchSize {
		n = b.cfg.MaxBatchSize
	}
	taken := make([]queuedMessage, n)
	copy(taken, q.entries[:n])
	q.entries = append(q.entries[:0], q.entries[n:]...)
	remaining := len(q.entries)
	q.mu.Unlock()

	var deltas []types.StateDelta
	var events []*types.GameEvent
	for _, m := range taken {
		if m.delta != nil {
			deltas = append(deltas, *m.delta)
		} else if m.event != nil {
			events = append(events, m.event)
		}
	}

	var batch *types.BatchDelta
	if len(deltas) > 0 {
		coalesced := CoalesceDeltas(deltas)
		deltasCoalesced.Add(float64(len(deltas) - len(coalesced)))
		batch = &types.BatchDelta{
			BatchID:   uuid.New().String(),
			Deltas:    coalesced,
			Timestamp: time.Now().UTC(),
		}
	}

	if batch != nil || len(events) > 0 {
		batchesEmitted.WithLabelValues(interactionID).Inc()
		b.emit(interactionID, batch, events)
	}

	q.mu.Lock()
	q.isProcessing = false
	pending := len(q.entries)
	q.mu.Unlock()

	if remaining >= b.cfg.MaxBatchSize && pending > 0 {
		b.flush(interactionID, q)
	} else if pending > 0 {
		q.mu.Lock()
		if q.timer != nil {
			q.timer.Stop()
		}
		q.timer = time.AfterFunc(b.cfg.BatchDelay, func() {
			b.flush(interactionID, q)
		})
		q.mu.Unlock()
	}
}

// CoalesceDeltas merges deltas of the same type into one delta each, applying
// the changes as a last-writer-wins shallow overlay in timestamp order and
// keeping the maximum timestamp. Output order follows first appearance of
// each type.
func CoalesceDeltas(deltas []types.StateDelta) []types.StateDelta {
	// Stable sort by timestamp so later writers overlay earlier ones.
	ordered := make([]types.StateDelta, len(deltas))
	copy(ordered, deltas)
	sort.SliceStable(ordered, func(i, j int) bool {
		return ordered[i].Timestamp.Before(ordered[j].Timestamp)
	})

	merged := make(map[types.DeltaType]*types.StateDelta)
	var order []types.DeltaType
	for _, d := range ordered {
		m, ok := merged[d.Type]
		if !ok {
			cp := d
			cp.Changes = make(map[string]interface{}, len(d.Changes))
			for k, v := range d.Changes {
				cp.Changes[k] = v
			}
			merged[d.Type] = &cp
			order = append(order, d.Type)
			continue
		}
		for k, v := range d.Changes {
			m.Changes[k] = v
		}
		m.EntityID = d.EntityID
		if d.Timestamp.After(m.Timestamp) {
			m.Timestamp = d.Timestamp
		}
		if d.Priority > m.Priority {
			m.Priority = d.Priority
		}
	}

	out := make([]types.StateDelta, 0, len(order))
	for _, t := range order {
		out = append(out, *merged[t])
	}
	return out
}
