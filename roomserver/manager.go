package roomserver

import (
	"context"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"

	"github.com/10thony/Campaignion-sub010/broadcast"
	"github.com/10thony/Campaignion-sub010/engine"
	"github.com/10thony/Campaignion-sub010/setup/config"
	"github.com/10thony/Campaignion-sub010/storage"
	"github.com/10thony/Campaignion-sub010/types"
)

const persistTimeout = 5 * time.Second

var (
	activeRooms = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "liveserver",
		Subsystem: "rooms",
		Name:      "active",
		Help:      "Number of rooms currently resident in memory.",
	})
	roomsSwept = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "liveserver",
		Subsystem: "rooms",
		Name:      "swept_total",
		Help:      "Rooms discarded by the inactivity sweep.",
	})
	snapshotFailures = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "liveserver",
		Subsystem: "rooms",
		Name:      "snapshot_failures_total",
		Help:      "Snapshot persistence attempts that failed.",
	})
	registerManagerMetrics sync.Once
)

// defaultMap is used for rooms created without a recovered snapshot. The
// authoritative map normally arrives with the first snapshot from the
// campaign service.
var defaultMap = types.MapState{Width: 20, Height: 20}

// Manager owns the room registry: lookup, creation with snapshot recovery,
// the capacity ceiling, periodic snapshotting and the inactivity sweep.
type Manager struct {
	cfg         *config.LiveServer
	db          storage.Database
	broadcaster *broadcast.Broadcaster
	log         *logrus.Entry

	mu    sync.RWMutex
	rooms map[string]*Room // keyed by interactionId

	done     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

func NewManager(cfg *config.LiveServer, db storage.Database, bc *broadcast.Broadcaster) *Manager {
	registerManagerMetrics.Do(func() {
		prometheus.MustRegister(activeRooms, roomsSwept, snapshotFailures)
	})
	return &Manager{
		cfg:         cfg,
		db:          db,
		broadcaster: bc,
		log:         logrus.WithField("component", "roommanager"),
		rooms:       map[string]*Room{},
		done:        make(chan struct{}),
	}
}

// Start launches the background snapshot and sweep loops.
func (m *Manager) Start() {
	m.wg.Add(2)
	go m.snapshotLoop()
	go m.sweepLoop()
}

func (m *Manager) snapshotLoop() {
	defer m.wg.Done()
	ticker := time.NewTicker(time.Duration(m.cfg.Rooms.SnapshotIntervalMS) * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-m.done:
			return
		case <-ticker.C:
			for _, room := range m.snapshotRooms() {
				if snap := room.SnapshotIfDirty(); snap != nil {
					m.persistSnapshot(snap)
				}
			}
		}
	}
}

func (m *Manager) snapshotRooms() []*Room {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*Room, 0, len(m.rooms))
	for _, r := range m.rooms {
		out = append(out, r)
	}
	return out
}

func (m *Manager) persistSnapshot(snap *types.Snapshot) {
	ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
	defer cancel()
	if err := m.db.SaveSnapshot(ctx, snap); err != nil {
		snapshotFailures.Inc()
		m.log.WithError(err).WithField("interaction_id", snap.InteractionID).Error("Failed to persist snapshot")
	}
}

func (m *Manager) sweepLoop() {
	defer m.wg.Done()
	interval := time.Duration(m.cfg.Rooms.InactivityTimeoutMS) * time.Millisecond / 10
	if interval < time.Second {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-m.done:
			return
		case <-ticker.C:
			m.sweep(time.Now())
		}
	}
}

// sweep flushes and discards rooms idle beyond the inactivity timeout.
func (m *Manager) sweep(now time.Time) {
	timeout := time.Duration(m.cfg.Rooms.InactivityTimeoutMS) * time.Millisecond
	for _, room := range m.snapshotRooms() {
		if !room.Idle(now, timeout) {
			continue
		}
		m.log.WithField("interaction_id", room.InteractionID).Info("Sweeping inactive room")
		m.persistSnapshot(room.Snapshot())
		ev := types.NewGameEvent(types.EventError, room.InteractionID, map[string]interface{}{
			"error":   "room closed due to inactivity",
			"code":    string(types.ErrRoomNotFound),
			"details": map[string]interface{}{"interactionId": room.InteractionID},
		})
		if err := m.broadcaster.Broadcast(room.InteractionID, ev); err != nil {
			m.log.WithError(err).Warn("Failed to notify subscribers of room close")
		}
		m.removeRoom(room)
		roomsSwept.Inc()
	}
}

func (m *Manager) removeRoom(room *Room) {
	m.mu.Lock()
	delete(m.rooms, room.InteractionID)
	activeRooms.Set(float64(len(m.rooms)))
	m.mu.Unlock()
	room.Stop()
	m.broadcaster.Batcher().DropRoom(room.InteractionID)
}

// JoinRoom attaches the user to the interaction's room, creating it (with
// snapshot recovery) on first join.
func (m *Manager) JoinRoom(ctx context.Context, interactionID, userID, entityID string, entityType types.EntityType, connectionID string) (JoinResult, error) {
	room, err := m.getOrCreate(ctx, interactionID)
	if err != nil {
		return JoinResult{}, err
	}
	res, err := room.Join(userID, entityID, entityType, connectionID)
	if err != nil {
		return JoinResult{}, err
	}
	m.audit(interactionID, "joinRoom", userID, entityID, connectionID, map[string]interface{}{
		"entityType": string(entityType),
	})
	return res, nil
}

// LeaveRoom marks the user disconnected; removal happens after the reconnect
// grace period.
func (m *Manager) LeaveRoom(interactionID, userID string) error {
	room, err := m.GetRoomByInteractionID(interactionID)
	if err != nil {
		return err
	}
	if err = room.Leave(userID); err != nil {
		return err
	}
	m.audit(interactionID, "leaveRoom", userID, "", "", nil)
	return nil
}

// GetRoomByInteractionID is an O(1) registry lookup.
func (m *Manager) GetRoomByInteractionID(interactionID string) (*Room, error) {
	m.mu.RLock()
	room, ok := m.rooms[interactionID]
	m.mu.RUnlock()
	if !ok {
		return nil, types.NewError(types.ErrRoomNotFound, "no live room for interaction %s", interactionID)
	}
	return room, nil
}

func (m *Manager) getOrCreate(ctx context.Context, interactionID string) (*Room, error) {
	m.mu.RLock()
	room, ok := m.rooms[interactionID]
	m.mu.RUnlock()
	if ok {
		return room, nil
	}

	// Load outside the lock; creation races resolve below.
	state, recovered := m.recoverState(ctx, interactionID)

	m.mu.Lock()
	defer m.mu.Unlock()
	if room, ok = m.rooms[interactionID]; ok {
		return room, nil
	}
	if len(m.rooms) >= m.cfg.Rooms.MaxRoomsPerServer {
		return nil, types.NewError(types.ErrCapacityExceeded, "server is at its room ceiling (%d)", m.cfg.Rooms.MaxRoomsPerServer)
	}
	room = NewRoom(interactionID, state, m.newEngine(), m.broadcaster, RoomConfig{
		TurnTimeLimit:  time.Duration(m.cfg.Turns.TimeLimitMS) * time.Millisecond,
		ReconnectGrace: time.Duration(m.cfg.Rooms.ReconnectGraceMS) * time.Millisecond,
	})
	m.rooms[interactionID] = room
	activeRooms.Set(float64(len(m.rooms)))
	m.log.WithFields(logrus.Fields{
		"interaction_id": interactionID,
		"room_id":        room.ID,
		"recovered":      recovered,
	}).Info("Created room")
	return room, nil
}

func (m *Manager) newEngine() *engine.Engine {
	rules := engine.DefaultRules()
	rules.MovementBudget = m.cfg.Rules.MovementBudget
	rules.AttackRange = m.cfg.Rules.AttackRange
	rules.HealingAmount = m.cfg.Rules.HealingAmount
	return engine.New(rules, time.Duration(m.cfg.Turns.TimeLimitMS)*time.Millisecond)
}

func (m *Manager) recoverState(ctx context.Context, interactionID string) (*types.GameState, bool) {
	snap, err := m.db.LoadSnapshot(ctx, interactionID)
	if err != nil {
		m.log.WithError(err).WithField("interaction_id", interactionID).Error("Failed to load snapshot, starting fresh")
	}
	if snap != nil && snap.LastStateSnapshot != nil {
		return snap.LastStateSnapshot, true
	}
	return types.NewGameState(interactionID, defaultMap), false
}

// audit appends an audit log entry in the background. Persistence errors are
// logged, never surfaced.
func (m *Manager) audit(interactionID, eventType, userID, entityID, sessionID string, data map[string]interface{}) {
	entry := &types.AuditLogEntry{
		InteractionID: interactionID,
		EventType:     eventType,
		EventData:     data,
		UserID:        userID,
		EntityID:      entityID,
		SessionID:     sessionID,
		Timestamp:     time.Now().UTC(),
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
		defer cancel()
		if err := m.db.AppendLog(ctx, entry); err != nil {
			m.log.WithError(err).WithField("interaction_id", interactionID).Warn("Failed to append audit log entry")
		}
	}()
}

// Audit exposes the background audit append to the RPC layer.
func (m *Manager) Audit(interactionID, eventType, userID, entityID, sessionID string, data map[string]interface{}) {
	m.audit(interactionID, eventType, userID, entityID, sessionID, data)
}

// RoomCount returns the number of resident rooms.
func (m *Manager) RoomCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.rooms)
}

// Shutdown stops the background loops, persists a final snapshot for every
// room and tears the rooms down.
func (m *Manager) Shutdown(ctx context.Context) {
	m.stopOnce.Do(func() { close(m.done) })
	m.wg.Wait()
	for _, room := range m.snapshotRooms() {
		snap := room.Snapshot()
		if err := m.db.SaveSnapshot(ctx, snap); err != nil {
			snapshotFailures.Inc()
			m.log.WithError(err).WithField("interaction_id", snap.InteractionID).Error("Failed to persist shutdown snapshot")
		}
		room.Stop()
	}
	m.mu.Lock()
	m.rooms = map[string]*Room{}
	activeRooms.Set(0)
	m.mu.Unlock()
}
