package engine

import (
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/10thony/Campaignion-sub010/types"
)

func eventTypes(em Emission) []types.EventType {
	out := make([]types.EventType, 0, len(em.Events))
	for _, ev := range em.Events {
		out = append(out, ev.Type)
	}
	return out
}

func TestRollInitiativeOrdersAndStartsFirstTurn(t *testing.T) {
	g := combatState()
	g.Status = types.GameWaiting
	g.InitiativeOrder = nil
	eng := New(DefaultRules(), 90*time.Second)

	em := eng.RollInitiative(g, map[string]int{"p1": 15, "m1": 10})

	require.Len(t, g.InitiativeOrder, 2)
	assert.Equal(t, "p1", g.InitiativeOrder[0].EntityID)
	assert.Equal(t, "m1", g.InitiativeOrder[1].EntityID)
	assert.Equal(t, 0, g.CurrentTurnIndex)
	assert.Equal(t, 1, g.RoundNumber)
	assert.Equal(t, types.GameActive, g.Status)
	assert.Equal(t, types.TurnActive, g.Participants["p1"].TurnStatus)
	assert.Equal(t, []types.EventType{types.EventInitiativeUpdated, types.EventTurnStarted}, eventTypes(em))

	started := em.Events[1]
	assert.Equal(t, "p1", started.Payload["entityId"])
	assert.Equal(t, 90, started.Payload["timeLimit"])
}

func TestRollInitiativeTiesBreakByEntityID(t *testing.T) {
	g := combatState()
	eng := New(DefaultRules(), time.Minute)

	eng.RollInitiative(g, map[string]int{"p1": 12, "m1": 12})

	assert.Equal(t, "m1", g.InitiativeOrder[0].EntityID)
	assert.Equal(t, "p1", g.InitiativeOrder[1].EntityID)
}

func TestEndTurnAdvances(t *testing.T) {
	g := combatState()
	eng := New(DefaultRules(), time.Minute)

	result, em := eng.ApplyAction(g, types.TurnAction{Type: types.ActionEnd, EntityID: "p1"}, "u1")

	require.True(t, result.Valid)
	assert.Equal(t, 1, g.CurrentTurnIndex)
	assert.Equal(t, 1, g.RoundNumber)
	require.Len(t, g.TurnHistory, 1)
	assert.Equal(t, types.TurnRecordCompleted, g.TurnHistory[0].Status)
	assert.Equal(t, "p1", g.TurnHistory[0].EntityID)
	assert.Equal(t, types.TurnCompleted, g.Participants["p1"].TurnStatus)
	assert.Equal(t, types.TurnActive, g.Participants["m1"].TurnStatus)
	assert.Equal(t, []types.EventType{types.EventTurnCompleted, types.EventTurnStarted}, eventTypes(em))
}

func TestRoundWrapIncrementsRound(t *testing.T) {
	g := combatState()
	eng := New(DefaultRules(), time.Minute)

	_, _ = eng.ApplyAction(g, types.TurnAction{Type: types.ActionEnd, EntityID: "p1"}, "u1")
	_, _ = eng.ApplyAction(g, types.TurnAction{Type: types.ActionEnd, EntityID: "m1"}, "u2")

	assert.Equal(t, 0, g.CurrentTurnIndex)
	assert.Equal(t, 2, g.RoundNumber)
	assert.Len(t, g.TurnHistory, 2)
	assert.Equal(t, types.TurnActive, g.Participants["p1"].TurnStatus)
}

func TestAdvanceTurnTimeoutEmitsSkip(t *testing.T) {
	g := combatState()
	eng := New(DefaultRules(), time.Second)

	em := eng.AdvanceTurn(g, AdvanceTimeout)

	require.Len(t, g.TurnHistory, 1)
	assert.Equal(t, types.TurnRecordTimeout, g.TurnHistory[0].Status)
	require.NotEmpty(t, em.Events)
	assert.Equal(t, types.EventTurnSkipped, em.Events[0].Type)
	assert.Equal(t, string(AdvanceTimeout), em.Events[0].Payload["reason"])
}

func TestTurnRecordCapturesPendingActions(t *testing.T) {
	g := combatState()
	eng := New(DefaultRules(), time.Minute)

	result, _ := eng.ApplyAction(g, types.TurnAction{Type: types.ActionMove, EntityID: "p1", Position: &types.Position{X: 6, Y: 6}}, "u1")
	require.True(t, result.Valid)
	result, _ = eng.ApplyAction(g, types.TurnAction{Type: types.ActionEnd, EntityID: "p1"}, "u1")
	require.True(t, result.Valid)

	require.Len(t, g.TurnHistory, 1)
	actions := g.TurnHistory[0].Actions
	require.Len(t, actions, 2)
	assert.Equal(t, types.ActionMove, actions[0].Type)
	assert.Equal(t, types.ActionEnd, actions[1].Type)
	assert.Nil(t, g.PendingTurnActions)
}

func TestBacktrackTurn(t *testing.T) {
	g := combatState()
	eng := New(DefaultRules(), time.Minute)

	_, _ = eng.ApplyAction(g, types.TurnAction{Type: types.ActionEnd, EntityID: "p1"}, "u1")
	_, _ = eng.ApplyAction(g, types.TurnAction{Type: types.ActionEnd, EntityID: "m1"}, "u2")
	require.Equal(t, 2, g.RoundNumber)

	em, err := eng.BacktrackTurn(g, 1, "dm correction")
	require.NoError(t, err)

	assert.Equal(t, 1, g.CurrentTurnIndex)
	assert.Equal(t, 1, g.RoundNumber)
	assert.Len(t, g.TurnHistory, 1)
	assert.Equal(t, types.TurnActive, g.Participants["m1"].TurnStatus)
	require.Len(t, em.Deltas, 1)
	assert.Equal(t, types.DeltaTurn, em.Deltas[0].Type)
	assert.Equal(t, 9, em.Deltas[0].Priority)
}

func TestBacktrackUnknownTurnNumber(t *testing.T) {
	g := combatState()
	eng := New(DefaultRules(), time.Minute)

	_, err := eng.BacktrackTurn(g, 7, "nope")
	require.Error(t, err)
	ie, ok := types.AsInteractionError(err)
	require.True(t, ok)
	assert.Equal(t, types.ErrInvalidInput, ie.Code)
}

func TestPauseResume(t *testing.T) {
	g := combatState()
	eng := New(DefaultRules(), time.Minute)

	em, err := eng.Pause(g, "bio break")
	require.NoError(t, err)
	assert.Equal(t, types.GamePaused, g.Status)
	assert.Equal(t, []types.EventType{types.EventInteractionPaused}, eventTypes(em))

	result := Validate(g, types.TurnAction{Type: types.ActionEnd, EntityID: "p1"}, "u1", DefaultRules())
	require.False(t, result.Valid)
	assert.Equal(t, []types.ErrorCode{types.ErrGamePaused}, result.Errors)

	em, err = eng.Resume(g)
	require.NoError(t, err)
	assert.Equal(t, types.GameActive, g.Status)
	assert.Equal(t, []types.EventType{types.EventInteractionResumed}, eventTypes(em))

	_, err = eng.Resume(g)
	assert.Error(t, err, "resuming an active game must fail")
}

// Random legal and illegal action sequences must never violate the state
// machine's invariants.
func TestInvariantsUnderRandomActions(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	eng := New(DefaultRules(), time.Minute)

	for run := 0; run < 20; run++ {
		g := combatState()
		eng.RollInitiative(g, map[string]int{"p1": 15, "m1": 10})
		users := map[string]string{"p1": "u1", "m1": "u2"}

		for step := 0; step < 60; step++ {
			var action types.TurnAction
			entity := []string{"p1", "m1"}[rng.Intn(2)]
			switch rng.Intn(5) {
			case 0:
				action = types.TurnAction{Type: types.ActionMove, EntityID: entity,
					Position: &types.Position{X: rng.Intn(30) - 5, Y: rng.Intn(30) - 5}}
			case 1:
				target := []string{"p1", "m1", "ghost"}[rng.Intn(3)]
				action = types.TurnAction{Type: types.ActionAttack, EntityID: entity, Target: target}
			case 2:
				action = types.TurnAction{Type: types.ActionUseItem, EntityID: entity, ItemID: HealingPotionItemID}
			case 3:
				action = types.TurnAction{Type: types.ActionEnd, EntityID: entity}
			case 4:
				eng.AdvanceTurn(g, AdvanceTimeout)
				continue
			}
			eng.ApplyAction(g, action, users[entity])

			assertInvariants(t, g)
		}
	}
}

func assertInvariants(t *testing.T, g *types.GameState) {
	t.Helper()

	max := len(g.InitiativeOrder)
	if max == 0 {
		max = 1
	}
	require.GreaterOrEqual(t, g.CurrentTurnIndex, 0)
	require.Less(t, g.CurrentTurnIndex, max)

	for id, p := range g.Participants {
		require.GreaterOrEqual(t, p.CurrentHP, 0, "participant %s", id)
		require.LessOrEqual(t, p.CurrentHP, p.MaxHP, "participant %s", id)
	}

	for i := 1; i < len(g.TurnHistory); i++ {
		prev, cur := g.TurnHistory[i-1], g.TurnHistory[i]
		ok := cur.RoundNumber > prev.RoundNumber ||
			(cur.RoundNumber == prev.RoundNumber && cur.TurnNumber >= prev.TurnNumber)
		require.True(t, ok, "turn history out of order at %d", i)
	}

	for _, entry := range g.InitiativeOrder {
		_, ok := g.Participants[entry.EntityID]
		require.True(t, ok, "initiative entry %s has no participant", entry.EntityID)
	}

	// Exactly one participant in the initiative order is active.
	if g.Status == types.GameActive && len(g.InitiativeOrder) > 0 {
		active := 0
		for _, entry := range g.InitiativeOrder {
			if g.Participants[entry.EntityID].TurnStatus == types.TurnActive {
				active++
			}
		}
		require.Equal(t, 1, active, "exactly one active turn expected")
		current := g.InitiativeOrder[g.CurrentTurnIndex]
		require.Equal(t, types.TurnActive, g.Participants[current.EntityID].TurnStatus)
	}
}
