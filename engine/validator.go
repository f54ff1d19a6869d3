package engine

import (
	"github.com/10thony/Campaignion-sub010/types"
)

// MovementMetric selects the distance function used for movement budgets.
type MovementMetric string

const (
	MetricChebyshev MovementMetric = "chebyshev"
	MetricManhattan MovementMetric = "manhattan"
)

// RuleConfig carries the pluggable rule constants. The literal defaults come
// from the reference rule system.
type RuleConfig struct {
	MovementBudget int
	MovementMetric MovementMetric
	AttackRange    int
	HealingAmount  int
}

// DefaultRules returns the stock rule constants.
func DefaultRules() RuleConfig {
	return RuleConfig{
		MovementBudget: 6,
		MovementMetric: MetricChebyshev,
		AttackRange:    5,
		HealingAmount:  10,
	}
}

// HealingPotionItemID is the item template recognised as a healing potion.
const HealingPotionItemID = "healing-potion"

var moveBlockingConditions = []string{"paralyzed", "restrained", "grappled", "stunned"}
var attackBlockingConditions = []string{"paralyzed", "stunned", "unconscious"}

// Validate decides whether action is legal for actorUserID against state and,
// if so, returns the deltas that applying it would produce. It is
// deterministic, free of side effects and never suspends, so the same logic
// runs server-authoritative and client-predictive.
func Validate(state *types.GameState, action types.TurnAction, actorUserID string, rules RuleConfig) types.ValidationResult {
	// Rule 1: the game must be running.
	switch state.Status {
	case types.GameActive:
	case types.GamePaused:
		return types.Invalid(types.ErrGamePaused)
	default:
		return types.Invalid(types.ErrGameNotActive)
	}

	// Rule 2: it must be the acting entity's turn.
	current := state.CurrentEntity()
	if current == nil || current.EntityID != action.EntityID {
		return types.Invalid(types.ErrNotYourTurn)
	}

	// Rule 3: the acting entity must be owned by the caller.
	actor, ok := state.Participants[action.EntityID]
	if !ok {
		return types.Invalid(types.ErrInvalidTarget)
	}
	if actor.UserID == "" || actor.UserID != actorUserID {
		return types.Invalid(types.ErrUnauthorized)
	}

	// Rule 4: action-specific checks.
	var deltas []types.StateDelta
	var result types.ValidationResult
	switch action.Type {
	case types.ActionMove:
		result = validateMove(state, actor, action, rules)
	case types.ActionAttack:
		result = validateAttack(state, actor, action, rules)
	case types.ActionUseItem:
		result = validateUseItem(actor, action, rules)
	case types.ActionCast, types.ActionInteract:
		result = validateTargeted(state, actor, action)
	case types.ActionEnd:
		result = types.ValidationResult{Valid: true, Deltas: []types.StateDelta{{
			Type:      types.DeltaTurn,
			EntityID:  actor.EntityID,
			Changes:   map[string]interface{}{"turnStatus": string(types.TurnCompleted)},
			Timestamp: state.Timestamp,
		}}}
	default:
		return types.Invalid(types.ErrInvalidInput)
	}
	if !result.Valid {
		return result
	}
	deltas = result.Deltas

	// Rules 5 and 6: conditions that block the action outright.
	if action.Type == types.ActionMove {
		for _, c := range moveBlockingConditions {
			if actor.HasCondition(c) {
				return types.Invalid(types.ErrConditionBlocksMove)
			}
		}
	}
	if action.Type == types.ActionAttack {
		for _, c := range attackBlockingConditions {
			if actor.HasCondition(c) {
				return types.Invalid(types.ErrConditionBlocksAttack)
			}
		}
	}

	return types.ValidationResult{Valid: true, Deltas: deltas}
}

func validateMove(state *types.GameState, actor *types.ParticipantState, action types.TurnAction, rules RuleConfig) types.ValidationResult {
	if action.Position == nil {
		return types.Invalid(types.ErrInvalidInput)
	}
	target := *action.Position
	if !state.MapState.InBounds(target) {
		return types.Invalid(types.ErrOutOfBounds)
	}
	if state.MapState.IsObstacle(target) {
		return types.Invalid(types.ErrBlocked)
	}
	if occupant, occupied := state.MapState.OccupiedBy(target); occupied && occupant != actor.EntityID {
		return types.Invalid(types.ErrOccupied)
	}
	budget := rules.MovementBudget
	if budget <= 0 {
		budget = DefaultRules().MovementBudget
	}
	var dist int
	if rules.MovementMetric == MetricManhattan {
		dist = manhattan(actor.Position, target)
	} else {
		dist = chebyshev(actor.Position, target)
	}
	if dist > budget {
		return types.Invalid(types.ErrOutOfRange)
	}
	return types.ValidationResult{Valid: true, Deltas: []types.StateDelta{{
		Type:      types.DeltaParticipant,
		EntityID:  actor.EntityID,
		Changes:   map[string]interface{}{"position": target},
		Timestamp: state.Timestamp,
	}}}
}

func validateAttack(state *types.GameState, actor *types.ParticipantState, action types.TurnAction, rules RuleConfig) types.ValidationResult {
	target, ok := state.Participants[action.Target]
	if !ok || action.Target == actor.EntityID {
		return types.Invalid(types.ErrInvalidTarget)
	}
	attackRange := rules.AttackRange
	if attackRange <= 0 {
		attackRange = DefaultRules().AttackRange
	}
	if manhattan(actor.Position, target.Position) > attackRange {
		return types.Invalid(types.ErrOutOfRange)
	}
	if !lineOfSightClear(&state.MapState, actor.Position, target.Position) {
		return types.Invalid(types.ErrNoLineOfSight)
	}
	// Hit and damage resolution belongs to the pluggable rule system; the
	// core validates legality only.
	return types.ValidationResult{Valid: true}
}

func validateUseItem(actor *types.ParticipantState, action types.TurnAction, rules RuleConfig) types.ValidationResult {
	idx := actor.FindItem(action.ItemID)
	if idx < 0 || actor.Inventory.Items[idx].Quantity <= 0 {
		return types.Invalid(types.ErrItemNotFound)
	}
	item := actor.Inventory.Items[idx]
	changes := map[string]interface{}{
		"itemId":   item.ItemID,
		"quantity": item.Quantity - 1,
	}
	if item.ItemID == HealingPotionItemID {
		amount := rules.HealingAmount
		if amount <= 0 {
			amount = DefaultRules().HealingAmount
		}
		hp := actor.CurrentHP + amount
		if hp > actor.MaxHP {
			hp = actor.MaxHP
		}
		changes["currentHP"] = hp
	}
	return types.ValidationResult{Valid: true, Deltas: []types.StateDelta{{
		Type:     types.DeltaParticipant,
		EntityID: actor.EntityID,
		Changes:  changes,
	}}}
}

// validateTargeted covers cast and interact: shape plus target existence.
// Anything deeper is deferred to the rule system.
func validateTargeted(state *types.GameState, actor *types.ParticipantState, action types.TurnAction) types.ValidationResult {
	if action.Type == types.ActionInteract || (action.Type == types.ActionCast && action.Target != "") {
		if action.Target != "" {
			if _, ok := state.Participants[action.Target]; !ok {
				return types.Invalid(types.ErrInvalidTarget)
			}
		}
	}
	return types.ValidationResult{Valid: true}
}

// Apply mutates state according to the deltas a successful validation
// produced. It is the single interpretation of delta semantics, shared by the
// authoritative server and the client-side predictor.
func Apply(state *types.GameState, deltas []types.StateDelta) {
	for _, d := range deltas {
		switch d.Type {
		case types.DeltaParticipant:
			applyParticipantDelta(state, d)
		case types.DeltaTurn:
			applyTurnDelta(state, d)
		}
	}
	state.Touch()
}

func applyParticipantDelta(state *types.GameState, d types.StateDelta) {
	p, ok := state.Participants[d.EntityID]
	if !ok {
		return
	}
	if raw, ok := d.Changes["position"]; ok {
		if pos, ok := raw.(types.Position); ok {
			p.Position = pos
			if placement, ok := state.MapState.Entities[p.EntityID]; ok {
				placement.Position = pos
				state.MapState.Entities[p.EntityID] = placement
			} else {
				state.MapState.Entities[p.EntityID] = types.EntityPlacement{EntityID: p.EntityID, Position: pos}
			}
		}
	}
	if raw, ok := d.Changes["currentHP"]; ok {
		if hp, ok := raw.(int); ok {
			if hp < 0 {
				hp = 0
			}
			if hp > p.MaxHP {
				hp = p.MaxHP
			}
			p.CurrentHP = hp
		}
	}
	if rawItem, ok := d.Changes["itemId"]; ok {
		itemID, _ := rawItem.(string)
		if rawQty, ok := d.Changes["quantity"]; ok {
			if qty, ok := rawQty.(int); ok {
				if idx := p.FindItem(itemID); idx >= 0 {
					if qty < 0 {
						qty = 0
					}
					p.Inventory.Items[idx].Quantity = qty
				}
			}
		}
	}
	if raw, ok := d.Changes["turnStatus"]; ok {
		if s, ok := raw.(string); ok {
			p.TurnStatus = types.TurnStatus(s)
		}
	}
}

func applyTurnDelta(state *types.GameState, d types.StateDelta) {
	if p, ok := state.Participants[d.EntityID]; ok {
		if raw, ok := d.Changes["turnStatus"]; ok {
			if s, ok := raw.(string); ok {
				p.TurnStatus = types.TurnStatus(s)
			}
		}
	}
}

func chebyshev(a, b types.Position) int {
	dx := abs(a.X - b.X)
	dy := abs(a.Y - b.Y)
	if dx > dy {
		return dx
	}
	return dy
}

func manhattan(a, b types.Position) int {
	return abs(a.X-b.X) + abs(a.Y-b.Y)
}

func abs(n int) int {
	if n < 0 {
		return -n
	}
	return n
}

// lineOfSightClear walks the Bresenham line between the two positions and
// reports whether any intermediate tile is an obstacle. Endpoints are not
// checked.
func lineOfSightClear(m *types.MapState, from, to types.Position) bool {
	x0, y0 := from.X, from.Y
	x1, y1 := to.X, to.Y
	dx := abs(x1 - x0)
	dy := -abs(y1 - y0)
	sx, sy := 1, 1
	if x0 > x1 {
		sx = -1
	}
	if y0 > y1 {
		sy = -1
	}
	err := dx + dy
	for {
		if x0 == x1 && y0 == y1 {
			return true
		}
		e2 := 2 * err
		if e2 >= dy {
			err += dy
			x0 += sx
		}
		if e2 <= dx {
			err += dx
			y0 += sy
		}
		if x0 == x1 && y0 == y1 {
			return true
		}
		if m.IsObstacle(types.Position{X: x0, Y: y0}) {
			return false
		}
	}
}
