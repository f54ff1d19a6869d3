package broadcast

import (
	"context"
	"runtime/debug"
	"sync"
	"time"

	"github.com/google/uuid"
	gocache "github.com/patrickmn/go-cache"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"go.uber.org/atomic"

	"github.com/10thony/Campaignion-sub010/types"
)

var (
	eventsBroadcastTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "liveserver",
			Subsystem: "broadcaster",
			Name:      "events_total",
			Help:      "Total number of events broadcast, by event type",
		},
		[]string{"type"},
	)
	failedDeliveriesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "liveserver",
			Subsystem: "broadcaster",
			Name:      "failed_deliveries_total",
			Help:      "Total number of per-subscription delivery failures",
		},
	)
	activeSubscriptions = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "liveserver",
			Subsystem: "broadcaster",
			Name:      "active_subscriptions",
			Help:      "Number of live subscriptions",
		},
	)
	deliveryDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "liveserver",
			Subsystem: "broadcaster",
			Name:      "delivery_duration_seconds",
			Help:      "How long subscriber handlers take to accept an event",
			Buckets:   prometheus.DefBuckets,
		},
	)
)

var registerBroadcasterMetrics sync.Once

// HandlerFunc consumes one event for one subscription. Errors are isolated
// to the subscription and counted, never propagated to the emitter.
type HandlerFunc func(event *types.GameEvent) error

// subscriberQueueSize bounds each subscription's ordered delivery queue; a
// subscriber that falls this far behind starts losing events (counted as
// failed deliveries).
const subscriberQueueSize = 64

// Subscription binds a room, a set of event types, an optional user and a
// handler. Each subscription drains its own ordered queue so one slow
// handler cannot stall the others.
type Subscription struct {
	ID            string
	InteractionID string
	EventTypes    []string
	UserID        string
	CreatedAt     time.Time
	ExpiresAt     time.Time

	handler HandlerFunc
	queue   chan *types.GameEvent
	done    chan struct{}
	closed  sync.Once
}

func (s *Subscription) wants(t types.EventType) bool {
	for _, et := range s.EventTypes {
		if et == types.EventTypeWildcard || et == string(t) {
			return true
		}
	}
	return false
}

func (s *Subscription) stop() {
	s.closed.Do(func() { close(s.done) })
}

// Config tunes the broadcaster.
type Config struct {
	SubscriptionTTL         time.Duration
	MaxSubscriptionsPerUser int
	Batch                   BatchConfig
}

// DefaultConfig returns the stock broadcaster parameters.
func DefaultConfig() Config {
	return Config{
		SubscriptionTTL:         30 * time.Minute,
		MaxSubscriptionsPerUser: 10,
		Batch:                   DefaultBatchConfig(),
	}
}

// Stats is a point-in-time snapshot of broadcaster metrics, exposed on the
// health endpoint.
type Stats struct {
	TotalEvents         int64            `json:"totalEvents"`
	TotalSubscriptions  int64            `json:"totalSubscriptions"`
	EventsByType        map[string]int64 `json:"eventsByType"`
	SubscriptionsByRoom map[string]int   `json:"subscriptionsByRoom"`
	FailedDeliveries    int64            `json:"failedDeliveries"`
	AverageDeliveryTime float64          `json:"averageDeliveryTimeMs"`
}

// Broadcaster maintains the subscription registry and fans events out to
// room-wide and user-scoped subscribers. Deltas are routed through the
// per-room batcher and surface as a single STATE_DELTA event per batch.
type Broadcaster struct {
	cfg     Config
	logger  *logrus.Entry
	batcher *Batcher

	// registry holds subscriptionID -> *Subscription with the TTL janitor
	// handling expiry; byRoom/byUser are secondary indexes.
	registry *gocache.Cache
	mu       sync.RWMutex
	byRoom   map[string]map[string]*Subscription
	byUser   map[string]int

	totalEvents      atomic.Int64
	failedDeliveries atomic.Int64
	avgDeliveryMs    atomic.Float64
	eventsByTypeMu   sync.Mutex
	eventsByType     map[string]int64

	shuttingDown atomic.Bool
}

// NewBroadcaster builds a broadcaster with its own batcher.
func NewBroadcaster(cfg Config) *Broadcaster {
	registerBroadcasterMetrics.Do(func() {
		prometheus.MustRegister(eventsBroadcastTotal, failedDeliveriesTotal, activeSubscriptions, deliveryDuration)
	})
	if cfg.SubscriptionTTL <= 0 {
		cfg.SubscriptionTTL = DefaultConfig().SubscriptionTTL
	}
	if cfg.MaxSubscriptionsPerUser <= 0 {
		cfg.MaxSubscriptionsPerUser = DefaultConfig().MaxSubscriptionsPerUser
	}
	b := &Broadcaster{
		cfg:          cfg,
		logger:       logrus.WithField("component", "broadcaster"),
		byRoom:       make(map[string]map[string]*Subscription),
		byUser:       make(map[string]int),
		eventsByType: make(map[string]int64),
	}
	b.registry = gocache.New(cfg.SubscriptionTTL, time.Minute)
	b.registry.OnEvicted(func(id string, value interface{}) {
		if sub, ok := value.(*Subscription); ok {
			b.dropFromIndexes(sub)
		}
	})
	b.batcher = NewBatcher(cfg.Batch, b.onBatch)
	return b
}

// Batcher exposes the underlying batcher (tests and room teardown).
func (b *Broadcaster) Batcher() *Batcher {
	return b.batcher
}

// Subscribe registers a handler for the room's events. eventTypes may
// contain the wildcard "*". userID is optional; when set it enables
// user-scoped targeting and the per-user subscription ceiling.
func (b *Broadcaster) Subscribe(interactionID string, eventTypes []string, handler HandlerFunc, userID string) (string, error) {
	if b.shuttingDown.Load() {
		return "", types.NewError(types.ErrBroadcastFailed, "broadcaster is shutting down")
	}
	if interactionID == "" || handler == nil || len(eventTypes) == 0 {
		return "", types.NewError(types.ErrInvalidInput, "subscription requires interactionId, event types and a handler")
	}

	b.mu.Lock()
	if userID != "" && b.byUser[userID] >= b.cfg.MaxSubscriptionsPerUser {
		b.mu.Unlock()
		return "", types.NewError(types.ErrSubscriptionLimit, "user %s already holds %d subscriptions", userID, b.cfg.MaxSubscriptionsPerUser)
	}

	now := time.Now().UTC()
	sub := &Subscription{
		ID:            uuid.New().String(),
		InteractionID: interactionID,
		EventTypes:    append([]string(nil), eventTypes...),
		UserID:        userID,
		CreatedAt:     now,
		ExpiresAt:     now.Add(b.cfg.SubscriptionTTL),
		handler:       handler,
		queue:         make(chan *types.GameEvent, subscriberQueueSize),
		done:          make(chan struct{}),
	}
	room, ok := b.byRoom[interactionID]
	if !ok {
		room = make(map[string]*Subscription)
		b.byRoom[interactionID] = room
	}
	room[sub.ID] = sub
	if userID != "" {
		b.byUser[userID]++
	}
	b.mu.Unlock()

	b.registry.Set(sub.ID, sub, gocache.DefaultExpiration)
	activeSubscriptions.Inc()
	go b.deliverLoop(sub)

	b.logger.WithFields(logrus.Fields{
		"subscription_id": sub.ID,
		"interaction_id":  interactionID,
		"user_id":         userID,
		"event_types":     eventTypes,
	}).Debug("Subscription created")
	return sub.ID, nil
}

// Unsubscribe removes the subscription. Returns false if it did not exist.
func (b *Broadcaster) Unsubscribe(subscriptionID string) bool {
	_, found := b.registry.Get(subscriptionID)
	if !found {
		return false
	}
	// Delete triggers the eviction callback, which tears down the indexes
	// and the delivery worker.
	b.registry.Delete(subscriptionID)
	return true
}

func (b *Broadcaster) dropFromIndexes(sub *Subscription) {
	b.mu.Lock()
	if room, ok := b.byRoom[sub.InteractionID]; ok {
		if _, present := room[sub.ID]; present {
			delete(room, sub.ID)
			if len(room) == 0 {
				delete(b.byRoom, sub.InteractionID)
			}
			if sub.UserID != "" {
				if b.byUser[sub.UserID]--; b.byUser[sub.UserID] <= 0 {
					delete(b.byUser, sub.UserID)
				}
			}
			activeSubscriptions.Dec()
		}
	}
	b.mu.Unlock()
	sub.stop()
}

// deliverLoop drains the subscription's queue in order, isolating handler
// panics and errors to this subscription.
func (b *Broadcaster) deliverLoop(sub *Subscription) {
	for {
		select {
		case <-sub.done:
			return
		case ev := <-sub.queue:
			b.deliverOne(sub, ev)
		}
	}
}

func (b *Broadcaster) deliverOne(sub *Subscription, ev *types.GameEvent) {
	started := time.Now()
	defer func() {
		if recovered := recover(); recovered != nil {
			b.countFailure(sub, ev, nil)
			b.logger.WithFields(logrus.Fields{
				"subscription_id": sub.ID,
				"interaction_id":  sub.InteractionID,
				"event_type":      ev.Type,
				"panic":           recovered,
			}).WithField("stack", string(debug.Stack())).Error("Subscriber handler panicked")
		}
	}()
	err := sub.handler(ev)
	elapsed := time.Since(started)
	deliveryDuration.Observe(elapsed.Seconds())
	b.observeDelivery(elapsed)
	if err != nil {
		b.countFailure(sub, ev, err)
	}
}

func (b *Broadcaster) countFailure(sub *Subscription, ev *types.GameEvent, err error) {
	b.failedDeliveries.Inc()
	failedDeliveriesTotal.Inc()
	if err != nil {
		b.logger.WithError(err).WithFields(logrus.Fields{
			"subscription_id": sub.ID,
			"interaction_id":  sub.InteractionID,
			"event_type":      ev.Type,
		}).Warn("Subscriber handler failed")
	}
}

// observeDelivery folds the sample into the exponential moving average
// (alpha 0.2), in milliseconds.
func (b *Broadcaster) observeDelivery(elapsed time.Duration) {
	sample := float64(elapsed.Microseconds()) / 1000.0
	for {
		old := b.avgDeliveryMs.Load()
		ema := sample
		if old != 0 {
			ema = old*0.8 + sample*0.2
		}
		if b.avgDeliveryMs.CompareAndSwap(old, ema) {
			return
		}
	}
}

// Broadcast validates the event, fills the envelope if needed, and delivers
// it to every matching subscription for the room. Turn-boundary events force
// a batch flush first so deltas from the closing turn are observed before
// the event that ends it.
func (b *Broadcaster) Broadcast(interactionID string, event *types.GameEvent) error {
	return b.dispatch(interactionID, "", event)
}

// BroadcastToUser is Broadcast restricted to subscriptions held by userID.
func (b *Broadcaster) BroadcastToUser(interactionID, userID string, event *types.GameEvent) error {
	if userID == "" {
		return types.NewError(types.ErrInvalidInput, "broadcastToUser requires a userId")
	}
	return b.dispatch(interactionID, userID, event)
}

func (b *Broadcaster) dispatch(interactionID, userID string, event *types.GameEvent) error {
	if event == nil {
		return types.NewError(types.ErrInvalidInput, "nil event")
	}
	if event.InteractionID == "" {
		event.InteractionID = interactionID
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}
	if err := event.Validate(); err != nil {
		return types.NewError(types.ErrInvalidInput, "invalid event: %s", err)
	}

	switch event.Type {
	case types.EventTurnStarted, types.EventTurnCompleted, types.EventTurnSkipped:
		b.batcher.FlushRoom(interactionID)
	}

	b.totalEvents.Inc()
	eventsBroadcastTotal.WithLabelValues(string(event.Type)).Inc()
	b.eventsByTypeMu.Lock()
	b.eventsByType[string(event.Type)]++
	b.eventsByTypeMu.Unlock()

	b.mu.RLock()
	subs := make([]*Subscription, 0, len(b.byRoom[interactionID]))
	for _, sub := range b.byRoom[interactionID] {
		if userID != "" && sub.UserID != userID {
			continue
		}
		if sub.wants(event.Type) {
			subs = append(subs, sub)
		}
	}
	b.mu.RUnlock()

	for _, sub := range subs {
		select {
		case sub.queue <- event:
		default:
			// Queue full: this subscriber is too far behind. Drop for them
			// only.
			b.countFailure(sub, event, types.NewError(types.ErrBroadcastFailed, "subscriber queue full"))
		}
	}
	return nil
}

// BroadcastDelta validates the delta and enqueues it into the room's batch.
// The eventual flush surfaces as one STATE_DELTA event.
func (b *Broadcaster) BroadcastDelta(interactionID string, delta types.StateDelta) error {
	if err := delta.Validate(); err != nil {
		return types.NewError(types.ErrInvalidInput, "invalid delta: %s", err)
	}
	b.batcher.EnqueueDelta(interactionID, delta)
	return nil
}

// onBatch is the batcher's emission sink: wrap the batch in a STATE_DELTA
// event and deliver any individually queued events after it.
func (b *Broadcaster) onBatch(interactionID string, batch *types.BatchDelta, events []*types.GameEvent) {
	if batch != nil {
		ev := types.NewGameEvent(types.EventStateDelta, interactionID, map[string]interface{}{
			"batch": batch,
		})
		if err := b.dispatch(interactionID, "", ev); err != nil {
			b.logger.WithError(err).WithField("interaction_id", interactionID).Warn("Failed to dispatch batch")
		}
	}
	for _, ev := range events {
		if err := b.dispatch(interactionID, "", ev); err != nil {
			b.logger.WithError(err).WithField("interaction_id", interactionID).Warn("Failed to dispatch queued event")
		}
	}
}

// Cleanup removes expired subscriptions immediately instead of waiting for
// the janitor.
func (b *Broadcaster) Cleanup() {
	b.registry.DeleteExpired()
}

// SubscriptionCount returns the number of live subscriptions for a room.
func (b *Broadcaster) SubscriptionCount(interactionID string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.byRoom[interactionID])
}

// GetStats snapshots the broadcaster metrics.
func (b *Broadcaster) GetStats() Stats {
	b.eventsByTypeMu.Lock()
	byType := make(map[string]int64, len(b.eventsByType))
	for k, v := range b.eventsByType {
		byType[k] = v
	}
	b.eventsByTypeMu.Unlock()

	b.mu.RLock()
	byRoom := make(map[string]int, len(b.byRoom))
	total := 0
	for room, subs := range b.byRoom {
		byRoom[room] = len(subs)
		total += len(subs)
	}
	b.mu.RUnlock()

	return Stats{
		TotalEvents:         b.totalEvents.Load(),
		TotalSubscriptions:  int64(total),
		EventsByType:        byType,
		SubscriptionsByRoom: byRoom,
		FailedDeliveries:    b.failedDeliveries.Load(),
		AverageDeliveryTime: b.avgDeliveryMs.Load(),
	}
}

// Shutdown flushes pending batches (bounded by ctx) and clears every
// subscription.
func (b *Broadcaster) Shutdown(ctx context.Context) {
	b.shuttingDown.Store(true)

	flushed := make(chan struct{})
	go func() {
		b.batcher.FlushAll()
		close(flushed)
	}()
	select {
	case <-flushed:
	case <-ctx.Done():
		b.logger.Warn("Shutdown flush timed out; dropping pending batches")
	}

	b.mu.RLock()
	var subs []*Subscription
	for _, room := range b.byRoom {
		for _, sub := range room {
			subs = append(subs, sub)
		}
	}
	b.mu.RUnlock()
	for _, sub := range subs {
		b.registry.Delete(sub.ID)
	}
	b.registry.Flush()
}
