package engine

import (
	"math/rand"
	"sort"
	"time"

	"github.com/10thony/Campaignion-sub010/types"
)

// AdvanceReason records why a turn ended.
type AdvanceReason string

const (
	AdvanceCompleted AdvanceReason = "completed"
	AdvanceSkipped   AdvanceReason = "skipped"
	AdvanceTimeout   AdvanceReason = "timeout"
)

// Engine holds the rule constants and turn budget for one room's state
// machine. Its methods mutate GameState and return the events and deltas to
// emit, in emission order. The caller (the room actor) is responsible for
// serializing calls.
type Engine struct {
	Rules         RuleConfig
	TurnTimeLimit time.Duration

	// roll produces an initiative roll in [1, 20]. Overridable in tests.
	roll func() int
}

// New returns an engine with the given rules and per-turn time budget.
func New(rules RuleConfig, turnTimeLimit time.Duration) *Engine {
	return &Engine{
		Rules:         rules,
		TurnTimeLimit: turnTimeLimit,
		roll:          func() int { return rand.Intn(20) + 1 },
	}
}

// Emission is an ordered bundle of events and batched deltas produced by a
// state transition. Events preserve their slice order on the wire; Deltas go
// through the room's batch.
type Emission struct {
	Events []*types.GameEvent
	Deltas []types.StateDelta
}

func (e *Emission) event(t types.EventType, interactionID string, payload map[string]interface{}) {
	e.Events = append(e.Events, types.NewGameEvent(t, interactionID, payload))
}

// timeLimitSeconds is the non-negative TURN_STARTED payload value.
func (e *Engine) timeLimitSeconds() int {
	secs := int(e.TurnTimeLimit / time.Second)
	if secs < 0 {
		secs = 0
	}
	return secs
}

// RollInitiative produces the initiative order sorted descending by roll,
// ties broken by entityId ascending, resets the turn pointer and round, and
// starts the first turn. Overrides pin specific entities' rolls.
func (e *Engine) RollInitiative(g *types.GameState, overrides map[string]int) Emission {
	entries := make([]types.InitiativeEntry, 0, len(g.Participants))
	for id, p := range g.Participants {
		initiative, ok := overrides[id]
		if !ok {
			initiative = e.roll()
		}
		entries = append(entries, types.InitiativeEntry{
			EntityID:   id,
			EntityType: p.EntityType,
			Initiative: initiative,
			UserID:     p.UserID,
		})
	}
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].Initiative != entries[j].Initiative {
			return entries[i].Initiative > entries[j].Initiative
		}
		return entries[i].EntityID < entries[j].EntityID
	})

	g.InitiativeOrder = entries
	g.CurrentTurnIndex = 0
	g.RoundNumber = 1
	g.Status = types.GameActive
	g.PendingTurnActions = nil
	for _, p := range g.Participants {
		p.TurnStatus = types.TurnWaiting
	}

	var em Emission
	em.event(types.EventInitiativeUpdated, g.InteractionID, map[string]interface{}{
		"order": entries,
	})
	if len(entries) > 0 {
		e.startTurn(g, &em)
	}
	g.Touch()
	return em
}

// startTurn marks the entity at the current index active and emits
// TURN_STARTED. The caller refreshes the room deadline off the same clock.
func (e *Engine) startTurn(g *types.GameState, em *Emission) {
	current := g.CurrentEntity()
	if current == nil {
		return
	}
	if p, ok := g.Participants[current.EntityID]; ok {
		p.TurnStatus = types.TurnActive
	}
	g.TurnStartedAt = time.Now().UTC()
	g.PendingTurnActions = nil
	em.event(types.EventTurnStarted, g.InteractionID, map[string]interface{}{
		"entityId":  current.EntityID,
		"timeLimit": e.timeLimitSeconds(),
		"round":     g.RoundNumber,
	})
}

// ApplyAction validates the action for actorUserID and, on success, applies
// its deltas. An end action additionally advances the turn.
func (e *Engine) ApplyAction(g *types.GameState, action types.TurnAction, actorUserID string) (types.ValidationResult, Emission) {
	var em Emission
	result := Validate(g, action, actorUserID, e.Rules)
	if !result.Valid {
		return result, em
	}

	Apply(g, result.Deltas)
	g.PendingTurnActions = append(g.PendingTurnActions, action)
	em.Deltas = append(em.Deltas, result.Deltas...)

	if action.Type == types.ActionEnd {
		advanced := e.AdvanceTurn(g, AdvanceCompleted)
		em.Events = append(em.Events, advanced.Events...)
		em.Deltas = append(em.Deltas, advanced.Deltas...)
	}
	return result, em
}

// AdvanceTurn closes out the current turn with the given reason, appends its
// TurnRecord, moves the pointer (wrapping into a new round) and starts the
// next turn.
func (e *Engine) AdvanceTurn(g *types.GameState, reason AdvanceReason) Emission {
	var em Emission
	current := g.CurrentEntity()
	if current == nil {
		return em
	}

	outgoing := g.Participants[current.EntityID]
	status := types.TurnRecordCompleted
	turnStatus := types.TurnCompleted
	switch reason {
	case AdvanceSkipped:
		status = types.TurnRecordSkipped
		turnStatus = types.TurnSkipped
	case AdvanceTimeout:
		status = types.TurnRecordTimeout
		turnStatus = types.TurnSkipped
	}
	if outgoing != nil {
		outgoing.TurnStatus = turnStatus
	}

	now := time.Now().UTC()
	startTime := g.TurnStartedAt
	if startTime.IsZero() {
		startTime = now
	}
	record := types.TurnRecord{
		InteractionID: g.InteractionID,
		EntityID:      current.EntityID,
		EntityType:    current.EntityType,
		TurnNumber:    g.CurrentTurnIndex,
		RoundNumber:   g.RoundNumber,
		Actions:       append([]types.TurnAction(nil), g.PendingTurnActions...),
		StartTime:     startTime,
		EndTime:       &now,
		Status:        status,
		UserID:        current.UserID,
	}
	g.TurnHistory = append(g.TurnHistory, record)
	g.PendingTurnActions = nil

	switch reason {
	case AdvanceCompleted:
		em.event(types.EventTurnCompleted, g.InteractionID, map[string]interface{}{
			"entityId": current.EntityID,
			"round":    g.RoundNumber,
		})
	case AdvanceSkipped, AdvanceTimeout:
		em.event(types.EventTurnSkipped, g.InteractionID, map[string]interface{}{
			"entityId": current.EntityID,
			"round":    g.RoundNumber,
			"reason":   string(reason),
		})
	}

	g.CurrentTurnIndex++
	if g.CurrentTurnIndex >= len(g.InitiativeOrder) {
		g.CurrentTurnIndex = 0
		g.RoundNumber++
		// New round: everyone goes back to waiting before the next entity
		// activates.
		for _, p := range g.Participants {
			p.TurnStatus = types.TurnWaiting
		}
	}

	e.startTurn(g, &em)
	g.Touch()
	return em
}

// SkipTurn advances past the current turn without it completing.
func (e *Engine) SkipTurn(g *types.GameState, reason string) Emission {
	advanceReason := AdvanceSkipped
	if reason == string(AdvanceTimeout) {
		advanceReason = AdvanceTimeout
	}
	return e.AdvanceTurn(g, advanceReason)
}

// BacktrackTurn rewinds the turn pointer to the most recent history entry
// with the given turn number, truncating that entry and everything after it.
// Participant HP and inventory are deliberately not rewound; callers that
// need a full rewind replay from the last snapshot instead.
func (e *Engine) BacktrackTurn(g *types.GameState, targetTurnNumber int, reason string) (Emission, error) {
	var em Emission
	targetIdx := -1
	for i := len(g.TurnHistory) - 1; i >= 0; i-- {
		if g.TurnHistory[i].TurnNumber == targetTurnNumber {
			targetIdx = i
			break
		}
	}
	if targetIdx < 0 {
		return em, types.NewError(types.ErrInvalidInput, "no turn record with turn number %d", targetTurnNumber)
	}

	record := g.TurnHistory[targetIdx]
	g.TurnHistory = g.TurnHistory[:targetIdx]
	g.CurrentTurnIndex = record.TurnNumber
	g.RoundNumber = record.RoundNumber
	g.PendingTurnActions = nil
	for _, p := range g.Participants {
		p.TurnStatus = types.TurnWaiting
	}
	if p, ok := g.Participants[record.EntityID]; ok {
		p.TurnStatus = types.TurnActive
	}
	g.TurnStartedAt = time.Now().UTC()

	em.Deltas = append(em.Deltas, types.StateDelta{
		Type:     types.DeltaTurn,
		EntityID: record.EntityID,
		Changes: map[string]interface{}{
			"currentTurnIndex": g.CurrentTurnIndex,
			"roundNumber":      g.RoundNumber,
			"reason":           reason,
		},
		Timestamp: time.Now().UTC(),
		Priority:  9,
	})
	g.Touch()
	return em, nil
}

// Pause suspends the game; actions fail with GAME_PAUSED until Resume.
func (e *Engine) Pause(g *types.GameState, reason string) (Emission, error) {
	var em Emission
	if g.Status != types.GameActive {
		return em, types.NewError(types.ErrGameNotActive, "interaction is %s", g.Status)
	}
	g.Status = types.GamePaused
	g.Touch()
	em.event(types.EventInteractionPaused, g.InteractionID, map[string]interface{}{
		"reason": reason,
	})
	return em, nil
}

// Resume reactivates a paused game.
func (e *Engine) Resume(g *types.GameState) (Emission, error) {
	var em Emission
	if g.Status != types.GamePaused {
		return em, types.NewError(types.ErrGameNotActive, "interaction is %s, not paused", g.Status)
	}
	g.Status = types.GameActive
	g.TurnStartedAt = time.Now().UTC()
	g.Touch()
	em.event(types.EventInteractionResumed, g.InteractionID, nil)
	return em, nil
}
