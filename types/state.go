package types

import (
	"time"
)

// EntityType identifies what kind of entity a participant is.
type EntityType string

const (
	EntityPlayerCharacter EntityType = "playerCharacter"
	EntityNPC             EntityType = "npc"
	EntityMonster         EntityType = "monster"

	// EntityDM joins as a spectator with table-control rights and no
	// entry in the initiative order.
	EntityDM EntityType = "dm"
)

// TurnStatus tracks where a participant is in the current round.
type TurnStatus string

const (
	TurnWaiting   TurnStatus = "waiting"
	TurnActive    TurnStatus = "active"
	TurnCompleted TurnStatus = "completed"
	TurnSkipped   TurnStatus = "skipped"
)

// GameStatus is the lifecycle state of the authoritative game state.
type GameStatus string

const (
	GameWaiting   GameStatus = "waiting"
	GameActive    GameStatus = "active"
	GamePaused    GameStatus = "paused"
	GameCompleted GameStatus = "completed"
)

// RoomStatus is the lifecycle state of the in-memory room.
type RoomStatus string

const (
	RoomIdle      RoomStatus = "idle"
	RoomLive      RoomStatus = "live"
	RoomPaused    RoomStatus = "paused"
	RoomCompleted RoomStatus = "completed"
)

// Position is a tile coordinate on the map grid.
type Position struct {
	X int `json:"x"`
	Y int `json:"y"`
}

// StatusEffect is a condition applied to a participant for a number of turns.
type StatusEffect struct {
	ID       string                 `json:"id"`
	Name     string                 `json:"name"`
	Duration int                    `json:"duration"`
	Effects  map[string]interface{} `json:"effects,omitempty"`
}

// InventoryItem is an item instance held by a participant.
type InventoryItem struct {
	ID         string                 `json:"id"`
	ItemID     string                 `json:"itemId"`
	Quantity   int                    `json:"quantity"`
	Properties map[string]interface{} `json:"properties,omitempty"`
}

// InventoryState holds a participant's items and equipped slots.
type InventoryState struct {
	Items         []InventoryItem   `json:"items"`
	EquippedItems map[string]string `json:"equippedItems,omitempty"`
	Capacity      int               `json:"capacity"`
}

// ActionRequirement is a single requirement gating an available action.
type ActionRequirement struct {
	Type  string      `json:"type"`
	Value interface{} `json:"value"`
	Met   bool        `json:"met"`
}

// ActionDescriptor describes a capability a participant may use on their turn.
type ActionDescriptor struct {
	ID           string              `json:"id"`
	Name         string              `json:"name"`
	Type         ActionType          `json:"type"`
	Available    bool                `json:"available"`
	Requirements []ActionRequirement `json:"requirements,omitempty"`
}

// ParticipantState is the authoritative per-entity combat state.
type ParticipantState struct {
	EntityID         string             `json:"entityId"`
	EntityType       EntityType         `json:"entityType"`
	UserID           string             `json:"userId,omitempty"`
	CurrentHP        int                `json:"currentHP"`
	MaxHP            int                `json:"maxHP"`
	Position         Position           `json:"position"`
	Conditions       []StatusEffect     `json:"conditions"`
	Inventory        InventoryState     `json:"inventory"`
	AvailableActions []ActionDescriptor `json:"availableActions,omitempty"`
	TurnStatus       TurnStatus         `json:"turnStatus"`
}

// HasCondition reports whether the participant currently carries the named
// condition with at least one turn remaining.
func (p *ParticipantState) HasCondition(name string) bool {
	for i := range p.Conditions {
		if p.Conditions[i].Name == name && p.Conditions[i].Duration > 0 {
			return true
		}
	}
	return false
}

// FindItem returns the inventory index of the given item template, or -1.
func (p *ParticipantState) FindItem(itemID string) int {
	for i := range p.Inventory.Items {
		if p.Inventory.Items[i].ItemID == itemID {
			return i
		}
	}
	return -1
}

// InitiativeEntry is one slot in the initiative order.
type InitiativeEntry struct {
	EntityID   string     `json:"entityId"`
	EntityType EntityType `json:"entityType"`
	Initiative int        `json:"initiative"`
	UserID     string     `json:"userId,omitempty"`
}

// EntityPlacement is an entity's location on the map.
type EntityPlacement struct {
	EntityID string   `json:"entityId"`
	Position Position `json:"position"`
	Facing   string   `json:"facing,omitempty"`
}

// TerrainTile annotates a map position with terrain information.
type TerrainTile struct {
	Position   Position               `json:"position"`
	Type       string                 `json:"type"`
	Properties map[string]interface{} `json:"properties,omitempty"`
}

// MapState is the authoritative battle map.
type MapState struct {
	Width     int                        `json:"width"`
	Height    int                        `json:"height"`
	Entities  map[string]EntityPlacement `json:"entities"`
	Obstacles []Position                 `json:"obstacles"`
	Terrain   []TerrainTile              `json:"terrain,omitempty"`
}

// InBounds reports whether the position lies inside [0,width) x [0,height).
func (m *MapState) InBounds(p Position) bool {
	return p.X >= 0 && p.Y >= 0 && p.X < m.Width && p.Y < m.Height
}

// IsObstacle reports whether the position is blocked by an obstacle.
func (m *MapState) IsObstacle(p Position) bool {
	for _, o := range m.Obstacles {
		if o == p {
			return true
		}
	}
	return false
}

// OccupiedBy returns the entityId occupying the position, if any.
func (m *MapState) OccupiedBy(p Position) (string, bool) {
	for id, e := range m.Entities {
		if e.Position == p {
			return id, true
		}
	}
	return "", false
}

// TurnRecordStatus records how a turn ended.
type TurnRecordStatus string

const (
	TurnRecordCompleted TurnRecordStatus = "completed"
	TurnRecordSkipped   TurnRecordStatus = "skipped"
	TurnRecordTimeout   TurnRecordStatus = "timeout"
)

// TurnRecord is the append-only history entry for a single taken turn.
type TurnRecord struct {
	InteractionID string           `json:"interactionId"`
	EntityID      string           `json:"entityId"`
	EntityType    EntityType       `json:"entityType"`
	TurnNumber    int              `json:"turnNumber"`
	RoundNumber   int              `json:"roundNumber"`
	Actions       []TurnAction     `json:"actions"`
	StartTime     time.Time        `json:"startTime"`
	EndTime       *time.Time       `json:"endTime,omitempty"`
	Status        TurnRecordStatus `json:"status"`
	UserID        string           `json:"userId,omitempty"`
}

// ChatType is the channel a chat message was sent on.
type ChatType string

const (
	ChatParty   ChatType = "party"
	ChatDM      ChatType = "dm"
	ChatPrivate ChatType = "private"
	ChatSystem  ChatType = "system"
)

// MaxChatContentLength bounds chat message content (runes).
const MaxChatContentLength = 1000

// ChatMessage is one entry in a room's chat log.
type ChatMessage struct {
	ID         string    `json:"id"`
	UserID     string    `json:"userId"`
	EntityID   string    `json:"entityId,omitempty"`
	Content    string    `json:"content"`
	Type       ChatType  `json:"type"`
	Recipients []string  `json:"recipients,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
}

// GameState is the authoritative per-room state. It is owned by the room
// actor; everything handed across that boundary is a deep copy.
type GameState struct {
	InteractionID    string                       `json:"interactionId"`
	Status           GameStatus                   `json:"status"`
	InitiativeOrder  []InitiativeEntry            `json:"initiativeOrder"`
	CurrentTurnIndex int                          `json:"currentTurnIndex"`
	RoundNumber      int                          `json:"roundNumber"`
	Participants     map[string]*ParticipantState `json:"participants"`
	MapState         MapState                     `json:"mapState"`
	TurnHistory      []TurnRecord                 `json:"turnHistory"`
	ChatLog          []ChatMessage                `json:"chatLog"`
	Timestamp        time.Time                    `json:"timestamp"`

	// TurnStartedAt and PendingTurnActions track the in-flight turn so the
	// TurnRecord can be assembled when it ends. They round-trip through
	// snapshots with the rest of the state.
	TurnStartedAt      time.Time    `json:"turnStartedAt,omitempty"`
	PendingTurnActions []TurnAction `json:"pendingTurnActions,omitempty"`
}

// NewGameState returns an empty waiting state for the given interaction.
func NewGameState(interactionID string, mapState MapState) *GameState {
	if mapState.Entities == nil {
		mapState.Entities = make(map[string]EntityPlacement)
	}
	return &GameState{
		InteractionID:    interactionID,
		Status:           GameWaiting,
		InitiativeOrder:  []InitiativeEntry{},
		CurrentTurnIndex: 0,
		RoundNumber:      1,
		Participants:     make(map[string]*ParticipantState),
		MapState:         mapState,
		TurnHistory:      []TurnRecord{},
		ChatLog:          []ChatMessage{},
		Timestamp:        time.Now().UTC(),
	}
}

// CurrentEntity returns the initiative entry whose turn it is, or nil when
// the initiative order is empty.
func (g *GameState) CurrentEntity() *InitiativeEntry {
	if len(g.InitiativeOrder) == 0 {
		return nil
	}
	if g.CurrentTurnIndex < 0 || g.CurrentTurnIndex >= len(g.InitiativeOrder) {
		return nil
	}
	return &g.InitiativeOrder[g.CurrentTurnIndex]
}

// Touch bumps the monotonic state timestamp. Mutations always call this last.
func (g *GameState) Touch() {
	now := time.Now().UTC()
	if !now.After(g.Timestamp) {
		now = g.Timestamp.Add(time.Millisecond)
	}
	g.Timestamp = now
}

// Clone produces a deep copy safe to hand outside the room actor.
func (g *GameState) Clone() *GameState {
	if g == nil {
		return nil
	}
	c := *g
	c.InitiativeOrder = append([]InitiativeEntry(nil), g.InitiativeOrder...)
	c.Participants = make(map[string]*ParticipantState, len(g.Participants))
	for id, p := range g.Participants {
		c.Participants[id] = p.clone()
	}
	c.MapState = g.MapState.clone()
	c.TurnHistory = make([]TurnRecord, len(g.TurnHistory))
	for i := range g.TurnHistory {
		c.TurnHistory[i] = g.TurnHistory[i]
		c.TurnHistory[i].Actions = append([]TurnAction(nil), g.TurnHistory[i].Actions...)
	}
	c.ChatLog = make([]ChatMessage, len(g.ChatLog))
	for i := range g.ChatLog {
		c.ChatLog[i] = g.ChatLog[i]
		c.ChatLog[i].Recipients = append([]string(nil), g.ChatLog[i].Recipients...)
	}
	c.PendingTurnActions = append([]TurnAction(nil), g.PendingTurnActions...)
	return &c
}

func (p *ParticipantState) clone() *ParticipantState {
	c := *p
	c.Conditions = make([]StatusEffect, len(p.Conditions))
	for i := range p.Conditions {
		c.Conditions[i] = p.Conditions[i]
		c.Conditions[i].Effects = cloneMap(p.Conditions[i].Effects)
	}
	c.Inventory.Items = make([]InventoryItem, len(p.Inventory.Items))
	for i := range p.Inventory.Items {
		c.Inventory.Items[i] = p.Inventory.Items[i]
		c.Inventory.Items[i].Properties = cloneMap(p.Inventory.Items[i].Properties)
	}
	c.Inventory.EquippedItems = make(map[string]string, len(p.Inventory.EquippedItems))
	for k, v := range p.Inventory.EquippedItems {
		c.Inventory.EquippedItems[k] = v
	}
	c.AvailableActions = append([]ActionDescriptor(nil), p.AvailableActions...)
	return &c
}

func (m MapState) clone() MapState {
	c := m
	c.Entities = make(map[string]EntityPlacement, len(m.Entities))
	for k, v := range m.Entities {
		c.Entities[k] = v
	}
	c.Obstacles = append([]Position(nil), m.Obstacles...)
	c.Terrain = make([]TerrainTile, len(m.Terrain))
	for i := range m.Terrain {
		c.Terrain[i] = m.Terrain[i]
		c.Terrain[i].Properties = cloneMap(m.Terrain[i].Properties)
	}
	return c
}

func cloneMap(in map[string]interface{}) map[string]interface{} {
	if in == nil {
		return nil
	}
	out := make(map[string]interface{}, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

// Participant is a room-level registration of a connected user.
type Participant struct {
	UserID       string     `json:"userId"`
	EntityID     string     `json:"entityId"`
	EntityType   EntityType `json:"entityType"`
	ConnectionID string     `json:"connectionId"`
	IsConnected  bool       `json:"isConnected"`
	LastActivity time.Time  `json:"lastActivity"`
}

// Snapshot is the persisted recovery envelope for a room.
type Snapshot struct {
	InteractionID         string     `json:"interactionId"`
	LastStateSnapshot     *GameState `json:"lastStateSnapshot"`
	SnapshotTimestamp     time.Time  `json:"snapshotTimestamp"`
	ConnectedParticipants []string   `json:"connectedParticipants"`
	LastActivity          time.Time  `json:"lastActivity"`
}

// AuditLogEntry is one append-only audit record.
type AuditLogEntry struct {
	InteractionID string                 `json:"interactionId"`
	EventType     string                 `json:"eventType"`
	EventData     map[string]interface{} `json:"eventData,omitempty"`
	UserID        string                 `json:"userId,omitempty"`
	EntityID      string                 `json:"entityId,omitempty"`
	SessionID     string                 `json:"sessionId"`
	Timestamp     time.Time              `json:"timestamp"`
}
