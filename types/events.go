package types

import (
	"encoding/json"
	"fmt"
	"time"
)

// EventType identifies a domain event on the wire.
type EventType string

const (
	EventParticipantJoined  EventType = "PARTICIPANT_JOINED"
	EventParticipantLeft    EventType = "PARTICIPANT_LEFT"
	EventTurnStarted        EventType = "TURN_STARTED"
	EventTurnCompleted      EventType = "TURN_COMPLETED"
	EventTurnSkipped        EventType = "TURN_SKIPPED"
	EventStateDelta         EventType = "STATE_DELTA"
	EventChatMessage        EventType = "CHAT_MESSAGE"
	EventInitiativeUpdated  EventType = "INITIATIVE_UPDATED"
	EventInteractionPaused  EventType = "INTERACTION_PAUSED"
	EventInteractionResumed EventType = "INTERACTION_RESUMED"
	EventError              EventType = "ERROR"
)

// EventTypeWildcard subscribes to every event type.
const EventTypeWildcard = "*"

var knownEventTypes = map[EventType]struct{}{
	EventParticipantJoined:  {},
	EventParticipantLeft:    {},
	EventTurnStarted:        {},
	EventTurnCompleted:      {},
	EventTurnSkipped:        {},
	EventStateDelta:         {},
	EventChatMessage:        {},
	EventInitiativeUpdated:  {},
	EventInteractionPaused:  {},
	EventInteractionResumed: {},
	EventError:              {},
}

// GameEvent is the wire-visible envelope {type, timestamp, interactionId,
// ...payload}. Payload keys are flattened alongside the envelope fields when
// marshalled.
type GameEvent struct {
	Type          EventType              `json:"type"`
	Timestamp     time.Time              `json:"timestamp"`
	InteractionID string                 `json:"interactionId"`
	Payload       map[string]interface{} `json:"-"`
}

// NewGameEvent builds an event for the given room with the payload flattened
// onto the envelope.
func NewGameEvent(t EventType, interactionID string, payload map[string]interface{}) *GameEvent {
	return &GameEvent{
		Type:          t,
		Timestamp:     time.Now().UTC(),
		InteractionID: interactionID,
		Payload:       payload,
	}
}

// Validate checks the envelope is complete and of a known type.
func (e *GameEvent) Validate() error {
	if _, ok := knownEventTypes[e.Type]; !ok {
		return fmt.Errorf("unknown event type %q", e.Type)
	}
	if e.InteractionID == "" {
		return fmt.Errorf("event missing interactionId")
	}
	if e.Timestamp.IsZero() {
		return fmt.Errorf("event missing timestamp")
	}
	return nil
}

// MarshalJSON flattens Payload keys onto the envelope. Envelope fields win
// over identically-named payload keys.
func (e *GameEvent) MarshalJSON() ([]byte, error) {
	out := make(map[string]interface{}, len(e.Payload)+3)
	for k, v := range e.Payload {
		out[k] = v
	}
	out["type"] = e.Type
	out["timestamp"] = e.Timestamp
	out["interactionId"] = e.InteractionID
	return json.Marshal(out)
}

// UnmarshalJSON splits the envelope fields back out of the flattened form.
func (e *GameEvent) UnmarshalJSON(data []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	if t, ok := raw["type"]; ok {
		if err := json.Unmarshal(t, &e.Type); err != nil {
			return err
		}
		delete(raw, "type")
	}
	if ts, ok := raw["timestamp"]; ok {
		if err := json.Unmarshal(ts, &e.Timestamp); err != nil {
			return err
		}
		delete(raw, "timestamp")
	}
	if id, ok := raw["interactionId"]; ok {
		if err := json.Unmarshal(id, &e.InteractionID); err != nil {
			return err
		}
		delete(raw, "interactionId")
	}
	if len(raw) > 0 {
		e.Payload = make(map[string]interface{}, len(raw))
		for k, v := range raw {
			var val interface{}
			if err := json.Unmarshal(v, &val); err != nil {
				return err
			}
			e.Payload[k] = val
		}
	}
	return nil
}
