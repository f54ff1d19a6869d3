package types

import "fmt"

// ActionType tags a TurnAction.
type ActionType string

const (
	ActionMove     ActionType = "move"
	ActionAttack   ActionType = "attack"
	ActionUseItem  ActionType = "useItem"
	ActionCast     ActionType = "cast"
	ActionInteract ActionType = "interact"
	ActionEnd      ActionType = "end"
)

// TurnAction is a client-submitted action, tagged by Type. Only the fields
// relevant to the tag are populated.
type TurnAction struct {
	Type     ActionType `json:"type"`
	EntityID string     `json:"entityId"`

	// move / cast (optional target position)
	Position *Position `json:"position,omitempty"`

	// attack / interact (target entityId)
	Target string `json:"target,omitempty"`

	// useItem
	ItemID string `json:"itemId,omitempty"`

	// cast
	SpellID string `json:"spellId,omitempty"`
}

// CheckShape validates that the fields required by the action's tag are
// present. It does not consult game state.
func (a *TurnAction) CheckShape() error {
	if a.EntityID == "" {
		return fmt.Errorf("turn action missing entityId")
	}
	switch a.Type {
	case ActionMove:
		if a.Position == nil {
			return fmt.Errorf("move action missing position")
		}
	case ActionAttack:
		if a.Target == "" {
			return fmt.Errorf("attack action missing target")
		}
	case ActionUseItem:
		if a.ItemID == "" {
			return fmt.Errorf("useItem action missing itemId")
		}
	case ActionCast:
		if a.SpellID == "" {
			return fmt.Errorf("cast action missing spellId")
		}
	case ActionInteract:
		if a.Target == "" {
			return fmt.Errorf("interact action missing target")
		}
	case ActionEnd:
	default:
		return fmt.Errorf("unknown action type %q", a.Type)
	}
	return nil
}
