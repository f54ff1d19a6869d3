package types

import (
	"fmt"
	"time"
)

// DeltaType partitions state deltas for coalescing.
type DeltaType string

const (
	DeltaParticipant DeltaType = "participant"
	DeltaTurn        DeltaType = "turn"
	DeltaMap         DeltaType = "map"
	DeltaInitiative  DeltaType = "initiative"
	DeltaChat        DeltaType = "chat"
)

// StateDelta is a typed, minimal description of a change to GameState.
// Changes is a shallow key/value overlay; within a batch, deltas of the same
// type are merged last-writer-wins.
type StateDelta struct {
	Type      DeltaType              `json:"type"`
	EntityID  string                 `json:"entityId,omitempty"`
	Changes   map[string]interface{} `json:"changes"`
	Timestamp time.Time              `json:"timestamp"`
	Priority  int                    `json:"priority,omitempty"`
}

// Validate checks the delta is well-formed.
func (d *StateDelta) Validate() error {
	switch d.Type {
	case DeltaParticipant, DeltaTurn, DeltaMap, DeltaInitiative, DeltaChat:
	default:
		return fmt.Errorf("unknown delta type %q", d.Type)
	}
	if len(d.Changes) == 0 {
		return fmt.Errorf("delta has no changes")
	}
	return nil
}

// BatchDelta is the coalesced unit emitted to subscribers, wrapped in a
// single STATE_DELTA event.
type BatchDelta struct {
	BatchID   string       `json:"batchId"`
	Deltas    []StateDelta `json:"deltas"`
	Timestamp time.Time    `json:"timestamp"`
}
