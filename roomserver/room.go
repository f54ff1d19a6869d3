package roomserver

import (
	"time"
	"unicode/utf8"

	"github.com/Arceliar/phony"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/10thony/Campaignion-sub010/broadcast"
	"github.com/10thony/Campaignion-sub010/engine"
	"github.com/10thony/Campaignion-sub010/types"
)

// deadlineResolution bounds how late a turn timeout can fire.
const deadlineResolution = time.Second

// RoomConfig carries the per-room knobs the manager resolves from the server
// config.
type RoomConfig struct {
	TurnTimeLimit  time.Duration
	ReconnectGrace time.Duration
}

// Room owns one interaction's authoritative state. All mutation runs on the
// room's inbox, so every operation observes and produces a consistent state
// without locks. Exported methods block the caller until the room has
// processed the request.
type Room struct {
	phony.Inbox

	ID            string
	InteractionID string

	cfg         RoomConfig
	engine      *engine.Engine
	broadcaster *broadcast.Broadcaster
	log         *logrus.Entry

	participants map[string]*types.Participant // keyed by userId
	dms          map[string]struct{}
	state        *types.GameState
	status       types.RoomStatus
	lastActivity time.Time
	turnDeadline time.Time
	dirty        bool

	graceTimers map[string]*time.Timer
	ticker      *time.Ticker
	done        chan struct{}
}

// JoinResult is what a successful join returns to the caller.
type JoinResult struct {
	RoomID           string
	GameState        *types.GameState
	ParticipantCount int
}

// RoomState is a point-in-time view used by the state RPC.
type RoomState struct {
	RoomID           string
	GameState        *types.GameState
	Status           types.RoomStatus
	ParticipantCount int
}

// NewRoom creates a live room around an existing game state (fresh or
// recovered from a snapshot) and starts its turn deadline loop.
func NewRoom(interactionID string, state *types.GameState, eng *engine.Engine, bc *broadcast.Broadcaster, cfg RoomConfig) *Room {
	r := &Room{
		ID:            uuid.NewString(),
		InteractionID: interactionID,
		cfg:           cfg,
		engine:        eng,
		broadcaster:   bc,
		log: logrus.WithFields(logrus.Fields{
			"interaction_id": interactionID,
		}),
		participants: map[string]*types.Participant{},
		dms:          map[string]struct{}{},
		state:        state,
		status:       types.RoomIdle,
		lastActivity: time.Now().UTC(),
		graceTimers:  map[string]*time.Timer{},
		ticker:       time.NewTicker(deadlineResolution),
		done:         make(chan struct{}),
	}
	go r.deadlineLoop()
	return r
}

func (r *Room) deadlineLoop() {
	for {
		select {
		case <-r.done:
			return
		case <-r.ticker.C:
			r.Act(nil, r.checkDeadline)
		}
	}
}

// checkDeadline runs on the inbox at least once a second and expires the
// current turn when its deadline has passed.
func (r *Room) checkDeadline() {
	if r.status != types.RoomLive || r.state.Status != types.GameActive {
		return
	}
	if r.turnDeadline.IsZero() || time.Now().Before(r.turnDeadline) {
		return
	}
	r.log.WithField("entity_id", r.currentEntityID()).Info("Turn deadline expired, advancing")
	em := r.engine.AdvanceTurn(r.state, engine.AdvanceTimeout)
	r.afterMutation(em)
}

func (r *Room) currentEntityID() string {
	if e := r.state.CurrentEntity(); e != nil {
		return e.EntityID
	}
	return ""
}

// afterMutation publishes an emission, refreshes the turn deadline from the
// state and marks the room dirty for the next snapshot pass.
func (r *Room) afterMutation(em engine.Emission) {
	r.publish(em)
	if r.state.TurnStartedAt.IsZero() {
		r.turnDeadline = time.Time{}
	} else {
		r.turnDeadline = r.state.TurnStartedAt.Add(r.cfg.TurnTimeLimit)
	}
	r.lastActivity = time.Now().UTC()
	r.dirty = true
}

// publish enqueues deltas before events so that, with the batcher's
// turn-boundary flush, deltas reach subscribers ahead of the events that
// close over them.
func (r *Room) publish(em engine.Emission) {
	for _, delta := range em.Deltas {
		if err := r.broadcaster.BroadcastDelta(r.InteractionID, delta); err != nil {
			r.log.WithError(err).Warn("Failed to enqueue state delta")
		}
	}
	for _, ev := range em.Events {
		if err := r.broadcaster.Broadcast(r.InteractionID, ev); err != nil {
			r.log.WithError(err).Warn("Failed to broadcast event")
		}
	}
}

// Join attaches a user to the room, superseding any previous connection for
// the same user. DM joins are spectators and get no participant state.
func (r *Room) Join(userID, entityID string, entityType types.EntityType, connectionID string) (res JoinResult, err error) {
	phony.Block(r, func() {
		if t, ok := r.graceTimers[userID]; ok {
			t.Stop()
			delete(r.graceTimers, userID)
		}
		p, rejoin := r.participants[userID]
		if !rejoin {
			p = &types.Participant{UserID: userID}
			r.participants[userID] = p
		}
		p.EntityID = entityID
		p.EntityType = entityType
		p.ConnectionID = connectionID
		p.IsConnected = true
		p.LastActivity = time.Now().UTC()

		if entityType == types.EntityDM {
			r.dms[userID] = struct{}{}
		} else if _, ok := r.state.Participants[entityID]; !ok {
			// First sighting of this entity. Register a bare state so the
			// validator and initiative roll can see it.
			r.state.Participants[entityID] = &types.ParticipantState{
				EntityID:   entityID,
				EntityType: entityType,
				UserID:     userID,
				TurnStatus: types.TurnWaiting,
				Inventory:  types.InventoryState{Items: []types.InventoryItem{}},
			}
			r.state.Touch()
		} else {
			r.state.Participants[entityID].UserID = userID
		}

		if r.status == types.RoomIdle || r.status == types.RoomCompleted {
			r.status = types.RoomLive
		}
		r.lastActivity = time.Now().UTC()
		r.dirty = true

		ev := types.NewGameEvent(types.EventParticipantJoined, r.InteractionID, map[string]interface{}{
			"userId":           userID,
			"entityId":         entityID,
			"entityType":       string(entityType),
			"participantCount": len(r.participants),
		})
		if berr := r.broadcaster.Broadcast(r.InteractionID, ev); berr != nil {
			r.log.WithError(berr).Warn("Failed to broadcast join")
		}
		res = JoinResult{
			RoomID:           r.ID,
			GameState:        r.state.Clone(),
			ParticipantCount: len(r.participants),
		}
	})
	return res, err
}

// Leave marks the participant disconnected and starts the reconnect grace
// timer. The participant is only removed once the grace period expires
// without a rejoin.
func (r *Room) Leave(userID string) error {
	var err error
	phony.Block(r, func() {
		p, ok := r.participants[userID]
		if !ok {
			err = types.NewError(types.ErrParticipantNotInRoom, "user %s is not in room %s", userID, r.InteractionID)
			return
		}
		p.IsConnected = false
		p.LastActivity = time.Now().UTC()
		r.lastActivity = time.Now().UTC()
		r.dirty = true
		r.scheduleGrace(userID)
	})
	return err
}

// Disconnect is Leave for transport-initiated drops. It is a no-op when the
// connection has already been superseded by a newer one.
func (r *Room) Disconnect(userID, connectionID string) {
	phony.Block(r, func() {
		p, ok := r.participants[userID]
		if !ok || p.ConnectionID != connectionID {
			return
		}
		p.IsConnected = false
		p.LastActivity = time.Now().UTC()
		r.dirty = true
		r.scheduleGrace(userID)
	})
}

// scheduleGrace must run on the inbox.
func (r *Room) scheduleGrace(userID string) {
	if t, ok := r.graceTimers[userID]; ok {
		t.Stop()
	}
	r.graceTimers[userID] = time.AfterFunc(r.cfg.ReconnectGrace, func() {
		r.Act(nil, func() { r.removeParticipant(userID) })
	})
}

// removeParticipant must run on the inbox.
func (r *Room) removeParticipant(userID string) {
	p, ok := r.participants[userID]
	if !ok || p.IsConnected {
		return
	}
	delete(r.participants, userID)
	delete(r.dms, userID)
	delete(r.graceTimers, userID)
	r.lastActivity = time.Now().UTC()
	r.dirty = true

	if len(r.participants) == 0 {
		// Everyone is gone. Mark the interaction complete so the sweep
		// collects the room without waiting out the inactivity timeout.
		if r.state.Status == types.GameActive || r.state.Status == types.GamePaused {
			r.state.Status = types.GameCompleted
			r.state.Touch()
		}
		r.status = types.RoomCompleted
		r.turnDeadline = time.Time{}
	}

	ev := types.NewGameEvent(types.EventParticipantLeft, r.InteractionID, map[string]interface{}{
		"userId":           userID,
		"entityId":         p.EntityID,
		"participantCount": len(r.participants),
	})
	if err := r.broadcaster.Broadcast(r.InteractionID, ev); err != nil {
		r.log.WithError(err).Warn("Failed to broadcast leave")
	}
}

// IsDM reports whether the user joined this room as the DM.
func (r *Room) IsDM(userID string) bool {
	var dm bool
	phony.Block(r, func() {
		_, dm = r.dms[userID]
	})
	return dm
}

// ApplyAction validates and applies a turn action for the acting user. The
// validation result travels back to the caller either way: on success it
// carries the applied deltas so a client-side predictor can reconcile.
func (r *Room) ApplyAction(userID string, action types.TurnAction) (types.ValidationResult, *types.GameState, error) {
	var (
		result types.ValidationResult
		state  *types.GameState
		err    error
	)
	phony.Block(r, func() {
		if r.status == types.RoomPaused {
			result = types.Invalid(types.ErrGamePaused)
			err = types.NewError(types.ErrGamePaused, "interaction %s is paused", r.InteractionID)
			return
		}
		var em engine.Emission
		result, em = r.engine.ApplyAction(r.state, action, userID)
		if !result.Valid {
			code := types.ErrInvalidInput
			if len(result.Errors) > 0 {
				code = result.Errors[0]
			}
			err = types.NewError(code, "action %s rejected", action.Type)
			return
		}
		r.afterMutation(em)
		state = r.state.Clone()
	})
	return result, state, err
}

// RollInitiative starts (or restarts) combat. DM only.
func (r *Room) RollInitiative(userID string, overrides map[string]int) (*types.GameState, error) {
	var (
		state *types.GameState
		err   error
	)
	phony.Block(r, func() {
		if _, ok := r.dms[userID]; !ok {
			err = types.NewError(types.ErrDMOnly, "only the DM can roll initiative")
			return
		}
		em := r.engine.RollInitiative(r.state, overrides)
		r.afterMutation(em)
		state = r.state.Clone()
	})
	return state, err
}

// SkipTurn advances past the current turn. Allowed for the DM or the owner
// of the current turn.
func (r *Room) SkipTurn(userID, reason string) (*types.GameState, error) {
	var (
		state *types.GameState
		err   error
	)
	phony.Block(r, func() {
		if _, isDM := r.dms[userID]; !isDM {
			entry := r.state.CurrentEntity()
			if entry == nil {
				err = types.NewError(types.ErrGameNotActive, "no turn in progress")
				return
			}
			owner := r.state.Participants[entry.EntityID]
			if owner == nil || owner.UserID != userID {
				err = types.NewError(types.ErrNotYourTurn, "cannot skip another participant's turn")
				return
			}
		}
		if r.state.Status != types.GameActive {
			err = types.NewError(types.ErrGameNotActive, "interaction %s is not active", r.InteractionID)
			return
		}
		em := r.engine.SkipTurn(r.state, reason)
		r.afterMutation(em)
		state = r.state.Clone()
	})
	return state, err
}

// Backtrack rewinds the turn pointer to a previous turn. DM only.
// Participant HP and inventory are intentionally not rewound.
func (r *Room) Backtrack(userID string, turnNumber int, reason string) error {
	var err error
	phony.Block(r, func() {
		if _, ok := r.dms[userID]; !ok {
			err = types.NewError(types.ErrDMOnly, "only the DM can backtrack turns")
			return
		}
		var em engine.Emission
		if em, err = r.engine.BacktrackTurn(r.state, turnNumber, reason); err != nil {
			return
		}
		r.afterMutation(em)
	})
	return err
}

// Pause suspends the interaction. DM only.
func (r *Room) Pause(userID, reason string) error {
	var err error
	phony.Block(r, func() {
		if _, ok := r.dms[userID]; !ok {
			err = types.NewError(types.ErrDMOnly, "only the DM can pause the interaction")
			return
		}
		var em engine.Emission
		if em, err = r.engine.Pause(r.state, reason); err != nil {
			return
		}
		r.status = types.RoomPaused
		r.afterMutation(em)
		r.turnDeadline = time.Time{}
	})
	return err
}

// Resume continues a paused interaction. DM only. The turn deadline restarts
// from now rather than resuming the leftover budget.
func (r *Room) Resume(userID string) error {
	var err error
	phony.Block(r, func() {
		if _, ok := r.dms[userID]; !ok {
			err = types.NewError(types.ErrDMOnly, "only the DM can resume the interaction")
			return
		}
		var em engine.Emission
		if em, err = r.engine.Resume(r.state); err != nil {
			return
		}
		r.status = types.RoomLive
		r.state.TurnStartedAt = time.Now().UTC()
		r.afterMutation(em)
	})
	return err
}

// SendChat validates, appends and routes a chat message. Party and system
// messages fan out to the whole room; dm messages go to the DMs and the
// sender; private messages go to the named recipients and the sender.
func (r *Room) SendChat(userID, entityID, content string, chatType types.ChatType, recipients []string) (*types.ChatMessage, error) {
	var (
		msg *types.ChatMessage
		err error
	)
	phony.Block(r, func() {
		if _, ok := r.participants[userID]; !ok {
			err = types.NewError(types.ErrParticipantNotInRoom, "user %s is not in room %s", userID, r.InteractionID)
			return
		}
		if content == "" {
			err = types.NewError(types.ErrInvalidInput, "chat content is required")
			return
		}
		if n := utf8.RuneCountInString(content); n > types.MaxChatContentLength {
			err = types.NewError(types.ErrContentTooLong, "chat content must be at most %d characters", types.MaxChatContentLength)
			return
		}
		switch chatType {
		case types.ChatParty, types.ChatDM, types.ChatSystem:
		case types.ChatPrivate:
			if len(recipients) == 0 {
				err = types.NewError(types.ErrInvalidInput, "private messages need at least one recipient")
				return
			}
		default:
			err = types.NewError(types.ErrInvalidInput, "unknown chat type %q", chatType)
			return
		}

		m := types.ChatMessage{
			ID:         uuid.NewString(),
			UserID:     userID,
			EntityID:   entityID,
			Content:    content,
			Type:       chatType,
			Recipients: recipients,
			Timestamp:  time.Now().UTC(),
		}
		r.state.ChatLog = append(r.state.ChatLog, m)
		r.state.Touch()
		r.lastActivity = time.Now().UTC()
		r.dirty = true

		payload := map[string]interface{}{"message": m}
		switch chatType {
		case types.ChatParty, types.ChatSystem:
			ev := types.NewGameEvent(types.EventChatMessage, r.InteractionID, payload)
			if berr := r.broadcaster.Broadcast(r.InteractionID, ev); berr != nil {
				r.log.WithError(berr).Warn("Failed to broadcast chat message")
			}
		case types.ChatDM:
			targets := map[string]struct{}{userID: {}}
			for dm := range r.dms {
				targets[dm] = struct{}{}
			}
			r.sendChatTo(targets, payload)
		case types.ChatPrivate:
			targets := map[string]struct{}{userID: {}}
			for _, rec := range recipients {
				targets[rec] = struct{}{}
			}
			r.sendChatTo(targets, payload)
		}
		msg = &m
	})
	return msg, err
}

// sendChatTo must run on the inbox.
func (r *Room) sendChatTo(userIDs map[string]struct{}, payload map[string]interface{}) {
	for uid := range userIDs {
		ev := types.NewGameEvent(types.EventChatMessage, r.InteractionID, payload)
		if err := r.broadcaster.BroadcastToUser(r.InteractionID, uid, ev); err != nil {
			r.log.WithError(err).WithField("user_id", uid).Warn("Failed to deliver chat message")
		}
	}
}

// ChatLog returns up to limit most recent chat messages visible to the user,
// optionally restricted to one channel, together with the total number of
// visible matches before the limit is applied.
func (r *Room) ChatLog(userID string, channelType types.ChatType, limit int) ([]types.ChatMessage, int) {
	var out []types.ChatMessage
	var total int
	phony.Block(r, func() {
		_, isDM := r.dms[userID]
		for i := len(r.state.ChatLog) - 1; i >= 0; i-- {
			m := r.state.ChatLog[i]
			if channelType != "" && m.Type != channelType {
				continue
			}
			if !chatVisibleTo(m, userID, isDM) {
				continue
			}
			total++
			if limit <= 0 || len(out) < limit {
				out = append(out, m)
			}
		}
	})
	// Oldest first.
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, total
}

func chatVisibleTo(m types.ChatMessage, userID string, isDM bool) bool {
	switch m.Type {
	case types.ChatParty, types.ChatSystem:
		return true
	case types.ChatDM:
		return isDM || m.UserID == userID
	case types.ChatPrivate:
		if m.UserID == userID {
			return true
		}
		for _, rec := range m.Recipients {
			if rec == userID {
				return true
			}
		}
	}
	return false
}

// State returns a consistent snapshot of the room for the state RPC.
func (r *Room) State() RoomState {
	var rs RoomState
	phony.Block(r, func() {
		rs = RoomState{
			RoomID:           r.ID,
			GameState:        r.state.Clone(),
			Status:           r.status,
			ParticipantCount: len(r.participants),
		}
	})
	return rs
}

// SnapshotIfDirty returns a persistable snapshot when the room has mutated
// since the last call, clearing the dirty flag. Returns nil otherwise.
func (r *Room) SnapshotIfDirty() *types.Snapshot {
	var snap *types.Snapshot
	phony.Block(r, func() {
		if !r.dirty {
			return
		}
		r.dirty = false
		snap = r.snapshotLocked()
	})
	return snap
}

// Snapshot always returns a persistable snapshot, dirty or not.
func (r *Room) Snapshot() *types.Snapshot {
	var snap *types.Snapshot
	phony.Block(r, func() {
		snap = r.snapshotLocked()
	})
	return snap
}

// snapshotLocked must run on the inbox.
func (r *Room) snapshotLocked() *types.Snapshot {
	connected := make([]string, 0, len(r.participants))
	for uid, p := range r.participants {
		if p.IsConnected {
			connected = append(connected, uid)
		}
	}
	return &types.Snapshot{
		InteractionID:         r.InteractionID,
		LastStateSnapshot:     r.state.Clone(),
		SnapshotTimestamp:     time.Now().UTC(),
		ConnectedParticipants: connected,
		LastActivity:          r.lastActivity,
	}
}

// Idle reports whether the room can be swept: inactive beyond the timeout,
// or completed with nobody attached.
func (r *Room) Idle(now time.Time, inactivityTimeout time.Duration) bool {
	var idle bool
	phony.Block(r, func() {
		if len(r.participants) == 0 && r.status == types.RoomCompleted {
			idle = true
			return
		}
		idle = now.Sub(r.lastActivity) > inactivityTimeout
	})
	return idle
}

// Stop tears down the room's timers. Pending snapshots must be taken by the
// caller before Stop.
func (r *Room) Stop() {
	phony.Block(r, func() {
		r.ticker.Stop()
		for _, t := range r.graceTimers {
			t.Stop()
		}
		r.graceTimers = map[string]*time.Timer{}
		select {
		case <-r.done:
		default:
			close(r.done)
		}
	})
}
