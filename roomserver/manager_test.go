package roomserver

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/10thony/Campaignion-sub010/broadcast"
	"github.com/10thony/Campaignion-sub010/engine"
	"github.com/10thony/Campaignion-sub010/setup/config"
	"github.com/10thony/Campaignion-sub010/types"
)

// fakeDB is an in-memory storage.Database for manager tests.
type fakeDB struct {
	mu        sync.Mutex
	snapshots map[string]*types.Snapshot
	audit     []*types.AuditLogEntry
}

func newFakeDB() *fakeDB {
	return &fakeDB{snapshots: map[string]*types.Snapshot{}}
}

func (f *fakeDB) SaveSnapshot(_ context.Context, snapshot *types.Snapshot) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.snapshots[snapshot.InteractionID] = snapshot
	return nil
}

func (f *fakeDB) LoadSnapshot(_ context.Context, interactionID string) (*types.Snapshot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.snapshots[interactionID], nil
}

func (f *fakeDB) DeleteSnapshot(_ context.Context, interactionID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.snapshots, interactionID)
	return nil
}

func (f *fakeDB) AppendLog(_ context.Context, entries ...*types.AuditLogEntry) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.audit = append(f.audit, entries...)
	return nil
}

func (f *fakeDB) SelectAuditLog(_ context.Context, interactionID string, limit int) ([]types.AuditLogEntry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []types.AuditLogEntry
	for i := len(f.audit) - 1; i >= 0 && len(out) < limit; i-- {
		if f.audit[i].InteractionID == interactionID {
			out = append(out, *f.audit[i])
		}
	}
	return out, nil
}

func (f *fakeDB) PurgeAuditLog(context.Context, time.Time) (int64, error) { return 0, nil }
func (f *fakeDB) Close() error                                           { return nil }

func (f *fakeDB) snapshot(interactionID string) *types.Snapshot {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.snapshots[interactionID]
}

func testBroadcaster() *broadcast.Broadcaster {
	cfg := broadcast.DefaultConfig()
	cfg.Batch.BatchDelay = 5 * time.Millisecond
	return broadcast.NewBroadcaster(cfg)
}

func testManagerConfig() *config.LiveServer {
	var cfg config.LiveServer
	cfg.Defaults()
	cfg.Rooms.ReconnectGraceMS = 30
	return &cfg
}

func newTestManager(t *testing.T, cfg *config.LiveServer, db *fakeDB) (*Manager, *broadcast.Broadcaster) {
	t.Helper()
	bc := testBroadcaster()
	m := NewManager(cfg, db, bc)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		m.Shutdown(ctx)
	})
	return m, bc
}

func watchEvents(t *testing.T, bc *broadcast.Broadcaster, interactionID string) chan *types.GameEvent {
	t.Helper()
	ch := make(chan *types.GameEvent, 64)
	_, err := bc.Subscribe(interactionID, []string{types.EventTypeWildcard}, func(ev *types.GameEvent) error {
		ch <- ev
		return nil
	}, "")
	require.NoError(t, err)
	return ch
}

func waitForEvent(t *testing.T, ch chan *types.GameEvent, want types.EventType, timeout time.Duration) *types.GameEvent {
	t.Helper()
	deadline := time.After(timeout)
	for {
		select {
		case ev := <-ch:
			if ev.Type == want {
				return ev
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %s", want)
			return nil
		}
	}
}

func TestJoinCreatesRoom(t *testing.T) {
	m, _ := newTestManager(t, testManagerConfig(), newFakeDB())

	res, err := m.JoinRoom(context.Background(), "int-1", "u1", "p1", types.EntityPlayerCharacter, "conn-1")
	require.NoError(t, err)

	assert.NotEmpty(t, res.RoomID)
	assert.Equal(t, 1, res.ParticipantCount)
	require.NotNil(t, res.GameState)
	require.Contains(t, res.GameState.Participants, "p1")
	assert.Equal(t, "u1", res.GameState.Participants["p1"].UserID)
	assert.Equal(t, 1, m.RoomCount())

	// Second join lands in the same room.
	res2, err := m.JoinRoom(context.Background(), "int-1", "u2", "p2", types.EntityPlayerCharacter, "conn-2")
	require.NoError(t, err)
	assert.Equal(t, res.RoomID, res2.RoomID)
	assert.Equal(t, 2, res2.ParticipantCount)
	assert.Equal(t, 1, m.RoomCount())
}

func TestJoinRecoversFromSnapshot(t *testing.T) {
	db := newFakeDB()
	state := types.NewGameState("int-1", types.MapState{Width: 12, Height: 12})
	state.Participants["p1"] = &types.ParticipantState{
		EntityID: "p1", EntityType: types.EntityPlayerCharacter, UserID: "u1",
		CurrentHP: 7, MaxHP: 40, TurnStatus: types.TurnWaiting,
	}
	require.NoError(t, db.SaveSnapshot(context.Background(), &types.Snapshot{
		InteractionID:     "int-1",
		LastStateSnapshot: state,
		SnapshotTimestamp: time.Now().UTC(),
	}))
	m, _ := newTestManager(t, testManagerConfig(), db)

	res, err := m.JoinRoom(context.Background(), "int-1", "u1", "p1", types.EntityPlayerCharacter, "conn-1")
	require.NoError(t, err)
	assert.Equal(t, 7, res.GameState.Participants["p1"].CurrentHP)
	assert.Equal(t, 12, res.GameState.MapState.Width)
}

func TestRoomCeiling(t *testing.T) {
	cfg := testManagerConfig()
	cfg.Rooms.MaxRoomsPerServer = 1
	m, _ := newTestManager(t, cfg, newFakeDB())

	_, err := m.JoinRoom(context.Background(), "int-1", "u1", "p1", types.EntityPlayerCharacter, "conn-1")
	require.NoError(t, err)

	_, err = m.JoinRoom(context.Background(), "int-2", "u2", "p2", types.EntityPlayerCharacter, "conn-2")
	require.Error(t, err)
	ie, ok := types.AsInteractionError(err)
	require.True(t, ok)
	assert.Equal(t, types.ErrCapacityExceeded, ie.Code)
}

func TestLeaveRemovesAfterGrace(t *testing.T) {
	m, bc := newTestManager(t, testManagerConfig(), newFakeDB())
	events := watchEvents(t, bc, "int-1")

	_, err := m.JoinRoom(context.Background(), "int-1", "u1", "p1", types.EntityPlayerCharacter, "conn-1")
	require.NoError(t, err)
	require.NoError(t, m.LeaveRoom("int-1", "u1"))

	ev := waitForEvent(t, events, types.EventParticipantLeft, 2*time.Second)
	assert.Equal(t, "u1", ev.Payload["userId"])

	room, err := m.GetRoomByInteractionID("int-1")
	require.NoError(t, err)
	assert.Equal(t, 0, room.State().ParticipantCount)
}

func TestRejoinWithinGraceCancelsRemoval(t *testing.T) {
	m, _ := newTestManager(t, testManagerConfig(), newFakeDB())

	_, err := m.JoinRoom(context.Background(), "int-1", "u1", "p1", types.EntityPlayerCharacter, "conn-1")
	require.NoError(t, err)
	require.NoError(t, m.LeaveRoom("int-1", "u1"))

	// Reconnect before the 30ms grace expires.
	_, err = m.JoinRoom(context.Background(), "int-1", "u1", "p1", types.EntityPlayerCharacter, "conn-2")
	require.NoError(t, err)

	time.Sleep(150 * time.Millisecond)
	room, err := m.GetRoomByInteractionID("int-1")
	require.NoError(t, err)
	assert.Equal(t, 1, room.State().ParticipantCount)
}

func TestDisconnectIgnoresSupersededConnections(t *testing.T) {
	m, _ := newTestManager(t, testManagerConfig(), newFakeDB())

	_, err := m.JoinRoom(context.Background(), "int-1", "u1", "p1", types.EntityPlayerCharacter, "conn-old")
	require.NoError(t, err)
	_, err = m.JoinRoom(context.Background(), "int-1", "u1", "p1", types.EntityPlayerCharacter, "conn-new")
	require.NoError(t, err)

	room, err := m.GetRoomByInteractionID("int-1")
	require.NoError(t, err)

	// A drop notification from the replaced transport must not count as a
	// disconnect for the live one.
	room.Disconnect("u1", "conn-old")
	time.Sleep(150 * time.Millisecond)
	assert.Equal(t, 1, room.State().ParticipantCount)

	room.Disconnect("u1", "conn-new")
	require.Eventually(t, func() bool {
		return room.State().ParticipantCount == 0
	}, 2*time.Second, 10*time.Millisecond)
}

func TestLeaveUnknownUser(t *testing.T) {
	m, _ := newTestManager(t, testManagerConfig(), newFakeDB())

	_, err := m.JoinRoom(context.Background(), "int-1", "u1", "p1", types.EntityPlayerCharacter, "conn-1")
	require.NoError(t, err)

	err = m.LeaveRoom("int-1", "nobody")
	require.Error(t, err)
	ie, ok := types.AsInteractionError(err)
	require.True(t, ok)
	assert.Equal(t, types.ErrParticipantNotInRoom, ie.Code)

	err = m.LeaveRoom("int-404", "u1")
	require.Error(t, err)
	ie, ok = types.AsInteractionError(err)
	require.True(t, ok)
	assert.Equal(t, types.ErrRoomNotFound, ie.Code)
}

func TestDMGating(t *testing.T) {
	m, _ := newTestManager(t, testManagerConfig(), newFakeDB())
	ctx := context.Background()

	_, err := m.JoinRoom(ctx, "int-1", "u1", "p1", types.EntityPlayerCharacter, "conn-1")
	require.NoError(t, err)
	_, err = m.JoinRoom(ctx, "int-1", "dm-user", "dm", types.EntityDM, "conn-dm")
	require.NoError(t, err)

	room, err := m.GetRoomByInteractionID("int-1")
	require.NoError(t, err)
	assert.True(t, room.IsDM("dm-user"))
	assert.False(t, room.IsDM("u1"))

	for _, op := range []func(string) error{
		func(uid string) error { return room.Pause(uid, "test") },
		func(uid string) error { return room.Resume(uid) },
		func(uid string) error { return room.Backtrack(uid, 1, "test") },
		func(uid string) error { _, err := room.RollInitiative(uid, nil); return err },
	} {
		err := op("u1")
		require.Error(t, err)
		ie, ok := types.AsInteractionError(err)
		require.True(t, ok)
		assert.Equal(t, types.ErrDMOnly, ie.Code)
	}

	_, err = room.RollInitiative("dm-user", map[string]int{"p1": 15})
	require.NoError(t, err)
	require.NoError(t, room.Pause("dm-user", "break"))
	require.NoError(t, room.Resume("dm-user"))
}

func TestApplyActionWhilePaused(t *testing.T) {
	m, _ := newTestManager(t, testManagerConfig(), newFakeDB())
	ctx := context.Background()

	_, err := m.JoinRoom(ctx, "int-1", "u1", "p1", types.EntityPlayerCharacter, "conn-1")
	require.NoError(t, err)
	_, err = m.JoinRoom(ctx, "int-1", "dm-user", "dm", types.EntityDM, "conn-dm")
	require.NoError(t, err)

	room, err := m.GetRoomByInteractionID("int-1")
	require.NoError(t, err)
	_, err = room.RollInitiative("dm-user", map[string]int{"p1": 15})
	require.NoError(t, err)
	require.NoError(t, room.Pause("dm-user", "break"))

	result, _, err := room.ApplyAction("u1", types.TurnAction{Type: types.ActionEnd, EntityID: "p1"})
	require.Error(t, err)
	ie, ok := types.AsInteractionError(err)
	require.True(t, ok)
	assert.Equal(t, types.ErrGamePaused, ie.Code)
	assert.False(t, result.Valid)
	assert.Contains(t, result.Errors, types.ErrGamePaused)
}

func TestApplyActionReturnsResultWithDeltas(t *testing.T) {
	m, _ := newTestManager(t, testManagerConfig(), newFakeDB())
	ctx := context.Background()

	_, err := m.JoinRoom(ctx, "int-1", "u1", "p1", types.EntityPlayerCharacter, "conn-1")
	require.NoError(t, err)
	_, err = m.JoinRoom(ctx, "int-1", "dm-user", "dm", types.EntityDM, "conn-dm")
	require.NoError(t, err)

	room, err := m.GetRoomByInteractionID("int-1")
	require.NoError(t, err)
	_, err = room.RollInitiative("dm-user", map[string]int{"p1": 15})
	require.NoError(t, err)

	result, state, err := room.ApplyAction("u1", types.TurnAction{
		Type: types.ActionMove, EntityID: "p1", Position: &types.Position{X: 2, Y: 2},
	})
	require.NoError(t, err)
	require.NotNil(t, state)
	assert.True(t, result.Valid)
	require.Len(t, result.Deltas, 1)
	assert.Equal(t, types.DeltaParticipant, result.Deltas[0].Type)
	assert.Equal(t, types.Position{X: 2, Y: 2}, result.Deltas[0].Changes["position"])
	assert.Equal(t, types.Position{X: 2, Y: 2}, state.Participants["p1"].Position)

	// Rejections carry the failing codes in the result too.
	result, _, err = room.ApplyAction("u1", types.TurnAction{
		Type: types.ActionMove, EntityID: "p1", Position: &types.Position{X: 19, Y: 19},
	})
	require.Error(t, err)
	assert.False(t, result.Valid)
	assert.Contains(t, result.Errors, types.ErrOutOfRange)
}

func TestSkipTurnOwnership(t *testing.T) {
	m, _ := newTestManager(t, testManagerConfig(), newFakeDB())
	ctx := context.Background()

	_, err := m.JoinRoom(ctx, "int-1", "u1", "p1", types.EntityPlayerCharacter, "conn-1")
	require.NoError(t, err)
	_, err = m.JoinRoom(ctx, "int-1", "u2", "p2", types.EntityPlayerCharacter, "conn-2")
	require.NoError(t, err)
	_, err = m.JoinRoom(ctx, "int-1", "dm-user", "dm", types.EntityDM, "conn-dm")
	require.NoError(t, err)

	room, err := m.GetRoomByInteractionID("int-1")
	require.NoError(t, err)
	_, err = room.RollInitiative("dm-user", map[string]int{"p1": 15, "p2": 10})
	require.NoError(t, err)

	// p2 cannot skip p1's turn; p1 and the DM can skip.
	_, err = room.SkipTurn("u2", "impatient")
	require.Error(t, err)
	ie, ok := types.AsInteractionError(err)
	require.True(t, ok)
	assert.Equal(t, types.ErrNotYourTurn, ie.Code)

	state, err := room.SkipTurn("u1", "passing")
	require.NoError(t, err)
	assert.Equal(t, 1, state.CurrentTurnIndex)

	state, err = room.SkipTurn("dm-user", "moving things along")
	require.NoError(t, err)
	assert.Equal(t, 0, state.CurrentTurnIndex)
	assert.Equal(t, 2, state.RoundNumber)
}

func TestTurnTimeoutSkipsTurn(t *testing.T) {
	cfg := testManagerConfig()
	cfg.Turns.TimeLimitMS = 1000
	m, bc := newTestManager(t, cfg, newFakeDB())
	events := watchEvents(t, bc, "int-1")
	ctx := context.Background()

	_, err := m.JoinRoom(ctx, "int-1", "u1", "p1", types.EntityPlayerCharacter, "conn-1")
	require.NoError(t, err)
	_, err = m.JoinRoom(ctx, "int-1", "u2", "p2", types.EntityPlayerCharacter, "conn-2")
	require.NoError(t, err)
	_, err = m.JoinRoom(ctx, "int-1", "dm-user", "dm", types.EntityDM, "conn-dm")
	require.NoError(t, err)

	room, err := m.GetRoomByInteractionID("int-1")
	require.NoError(t, err)
	_, err = room.RollInitiative("dm-user", map[string]int{"p1": 15, "p2": 10})
	require.NoError(t, err)

	// The deadline loop ticks once a second; a 1s budget expires within ~2.5s.
	ev := waitForEvent(t, events, types.EventTurnSkipped, 4*time.Second)
	assert.Equal(t, "timeout", ev.Payload["reason"])

	state := room.State().GameState
	require.NotEmpty(t, state.TurnHistory)
	assert.Equal(t, types.TurnRecordTimeout, state.TurnHistory[0].Status)
}

func TestChatVisibility(t *testing.T) {
	m, _ := newTestManager(t, testManagerConfig(), newFakeDB())
	ctx := context.Background()

	for _, join := range []struct {
		userID, entityID string
		entityType       types.EntityType
	}{
		{"u1", "p1", types.EntityPlayerCharacter},
		{"u2", "p2", types.EntityPlayerCharacter},
		{"u3", "p3", types.EntityPlayerCharacter},
		{"dm-user", "dm", types.EntityDM},
	} {
		_, err := m.JoinRoom(ctx, "int-1", join.userID, join.entityID, join.entityType, "conn-"+join.userID)
		require.NoError(t, err)
	}
	room, err := m.GetRoomByInteractionID("int-1")
	require.NoError(t, err)

	_, err = room.SendChat("u1", "p1", "hello everyone", types.ChatParty, nil)
	require.NoError(t, err)
	_, err = room.SendChat("u1", "p1", "psst, just for you", types.ChatPrivate, []string{"u2"})
	require.NoError(t, err)
	_, err = room.SendChat("u2", "p2", "a word with the dm", types.ChatDM, nil)
	require.NoError(t, err)

	contents := func(msgs []types.ChatMessage) []string {
		out := make([]string, 0, len(msgs))
		for _, m := range msgs {
			out = append(out, m.Content)
		}
		return out
	}

	all := func(uid string) []string {
		msgs, _ := room.ChatLog(uid, "", 0)
		return contents(msgs)
	}
	assert.Equal(t, []string{"hello everyone", "psst, just for you", "a word with the dm"}, all("u1"))
	assert.Equal(t, []string{"hello everyone", "psst, just for you", "a word with the dm"}, all("u2"))
	assert.Equal(t, []string{"hello everyone"}, all("u3"))
	assert.Equal(t, []string{"hello everyone", "a word with the dm"}, all("dm-user"))

	// The total reflects visibility before the limit truncates.
	limited, total := room.ChatLog("u1", "", 2)
	assert.Equal(t, []string{"psst, just for you", "a word with the dm"}, contents(limited))
	assert.Equal(t, 3, total)

	// Channel filter narrows both the page and the total.
	party, total := room.ChatLog("u1", types.ChatParty, 0)
	assert.Equal(t, []string{"hello everyone"}, contents(party))
	assert.Equal(t, 1, total)

	private, total := room.ChatLog("u3", types.ChatPrivate, 0)
	assert.Empty(t, private)
	assert.Equal(t, 0, total)
}

func TestChatValidation(t *testing.T) {
	m, _ := newTestManager(t, testManagerConfig(), newFakeDB())

	_, err := m.JoinRoom(context.Background(), "int-1", "u1", "p1", types.EntityPlayerCharacter, "conn-1")
	require.NoError(t, err)
	room, err := m.GetRoomByInteractionID("int-1")
	require.NoError(t, err)

	_, err = room.SendChat("stranger", "p9", "hi", types.ChatParty, nil)
	require.Error(t, err)

	_, err = room.SendChat("u1", "p1", "", types.ChatParty, nil)
	require.Error(t, err)
	ie, _ := types.AsInteractionError(err)
	assert.Equal(t, types.ErrInvalidInput, ie.Code)

	long := make([]rune, types.MaxChatContentLength+1)
	for i := range long {
		long[i] = 'x'
	}
	_, err = room.SendChat("u1", "p1", string(long), types.ChatParty, nil)
	require.Error(t, err)
	ie, _ = types.AsInteractionError(err)
	assert.Equal(t, types.ErrContentTooLong, ie.Code)

	_, err = room.SendChat("u1", "p1", "secret", types.ChatPrivate, nil)
	require.Error(t, err, "private chat needs recipients")
}

func TestSweepClosesIdleRooms(t *testing.T) {
	db := newFakeDB()
	m, bc := newTestManager(t, testManagerConfig(), db)
	events := watchEvents(t, bc, "int-1")

	_, err := m.JoinRoom(context.Background(), "int-1", "u1", "p1", types.EntityPlayerCharacter, "conn-1")
	require.NoError(t, err)

	// Nothing to sweep while the room is fresh.
	m.sweep(time.Now())
	assert.Equal(t, 1, m.RoomCount())

	m.sweep(time.Now().Add(time.Hour))
	assert.Equal(t, 0, m.RoomCount())
	require.NotNil(t, db.snapshot("int-1"), "swept room must be persisted first")

	ev := waitForEvent(t, events, types.EventError, 2*time.Second)
	assert.Equal(t, string(types.ErrRoomNotFound), ev.Payload["code"])

	_, err = m.GetRoomByInteractionID("int-1")
	require.Error(t, err)
}

func TestEmptyRoomCompletesAndSweeps(t *testing.T) {
	db := newFakeDB()
	m, _ := newTestManager(t, testManagerConfig(), db)
	ctx := context.Background()

	_, err := m.JoinRoom(ctx, "int-1", "u1", "p1", types.EntityPlayerCharacter, "conn-1")
	require.NoError(t, err)
	_, err = m.JoinRoom(ctx, "int-1", "dm-user", "dm", types.EntityDM, "conn-dm")
	require.NoError(t, err)

	room, err := m.GetRoomByInteractionID("int-1")
	require.NoError(t, err)
	_, err = room.RollInitiative("dm-user", map[string]int{"p1": 15})
	require.NoError(t, err)

	require.NoError(t, m.LeaveRoom("int-1", "u1"))
	require.NoError(t, m.LeaveRoom("int-1", "dm-user"))

	// Once the grace period runs out the empty room marks itself complete.
	require.Eventually(t, func() bool {
		return room.State().Status == types.RoomCompleted
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, types.GameCompleted, room.State().GameState.Status)

	// The sweep collects it immediately, no inactivity timeout needed.
	m.sweep(time.Now())
	assert.Equal(t, 0, m.RoomCount())
	snap := db.snapshot("int-1")
	require.NotNil(t, snap)
	assert.Equal(t, types.GameCompleted, snap.LastStateSnapshot.Status)
}

func TestShutdownPersistsEveryRoom(t *testing.T) {
	db := newFakeDB()
	bc := testBroadcaster()
	m := NewManager(testManagerConfig(), db, bc)
	m.Start()

	_, err := m.JoinRoom(context.Background(), "int-1", "u1", "p1", types.EntityPlayerCharacter, "conn-1")
	require.NoError(t, err)
	_, err = m.JoinRoom(context.Background(), "int-2", "u2", "p2", types.EntityPlayerCharacter, "conn-2")
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	m.Shutdown(ctx)

	assert.Equal(t, 0, m.RoomCount())
	assert.NotNil(t, db.snapshot("int-1"))
	assert.NotNil(t, db.snapshot("int-2"))
}

func TestSnapshotIfDirty(t *testing.T) {
	bc := testBroadcaster()
	state := types.NewGameState("int-1", types.MapState{Width: 20, Height: 20})
	room := NewRoom("int-1", state, engine.New(engine.DefaultRules(), time.Minute), bc, RoomConfig{
		TurnTimeLimit:  time.Minute,
		ReconnectGrace: time.Minute,
	})
	defer room.Stop()

	// A fresh room has nothing to snapshot.
	assert.Nil(t, room.SnapshotIfDirty())

	_, err := room.Join("u1", "p1", types.EntityPlayerCharacter, "conn-1")
	require.NoError(t, err)

	snap := room.SnapshotIfDirty()
	require.NotNil(t, snap)
	assert.Equal(t, "int-1", snap.InteractionID)
	assert.Equal(t, []string{"u1"}, snap.ConnectedParticipants)
	assert.Contains(t, snap.LastStateSnapshot.Participants, "p1")

	// The dirty flag was consumed.
	assert.Nil(t, room.SnapshotIfDirty())

	// Snapshot always returns one.
	assert.NotNil(t, room.Snapshot())
}

func TestAuditTrailRecordsJoins(t *testing.T) {
	db := newFakeDB()
	m, _ := newTestManager(t, testManagerConfig(), db)

	_, err := m.JoinRoom(context.Background(), "int-1", "u1", "p1", types.EntityPlayerCharacter, "conn-1")
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		entries, _ := db.SelectAuditLog(context.Background(), "int-1", 10)
		return len(entries) == 1 && entries[0].EventType == "joinRoom"
	}, 2*time.Second, 10*time.Millisecond)
}
