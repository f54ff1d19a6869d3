package broadcast

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/10thony/Campaignion-sub010/types"
)

func testConfig() Config {
	cfg := DefaultConfig()
	// Long delay so only explicit triggers flush during tests.
	cfg.Batch.BatchDelay = time.Hour
	return cfg
}

func chatEvent(interactionID string) *types.GameEvent {
	return types.NewGameEvent(types.EventChatMessage, interactionID, map[string]interface{}{
		"message": map[string]interface{}{"content": "hello"},
	})
}

// collector is a HandlerFunc that forwards delivered events to a channel.
func collector(buf int) (HandlerFunc, chan *types.GameEvent) {
	ch := make(chan *types.GameEvent, buf)
	return func(ev *types.GameEvent) error {
		ch <- ev
		return nil
	}, ch
}

func recvEvent(t *testing.T, ch chan *types.GameEvent) *types.GameEvent {
	t.Helper()
	select {
	case ev := <-ch:
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for event delivery")
		return nil
	}
}

func TestBroadcastMatchesEventTypes(t *testing.T) {
	b := NewBroadcaster(testConfig())

	wildcardHandler, wildcardCh := collector(4)
	_, err := b.Subscribe("int-1", []string{types.EventTypeWildcard}, wildcardHandler, "u1")
	require.NoError(t, err)

	turnHandler, turnCh := collector(4)
	_, err = b.Subscribe("int-1", []string{string(types.EventTurnStarted)}, turnHandler, "u2")
	require.NoError(t, err)

	require.NoError(t, b.Broadcast("int-1", chatEvent("int-1")))

	ev := recvEvent(t, wildcardCh)
	assert.Equal(t, types.EventChatMessage, ev.Type)

	select {
	case ev := <-turnCh:
		t.Fatalf("turn-only subscriber received %s", ev.Type)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestBroadcastSkipsOtherRooms(t *testing.T) {
	b := NewBroadcaster(testConfig())

	handler, ch := collector(4)
	_, err := b.Subscribe("int-2", []string{types.EventTypeWildcard}, handler, "u1")
	require.NoError(t, err)

	require.NoError(t, b.Broadcast("int-1", chatEvent("int-1")))

	select {
	case ev := <-ch:
		t.Fatalf("subscriber in another room received %s", ev.Type)
	case <-time.After(100 * time.Millisecond):
	}
}

// One failing handler must not prevent delivery to the other subscribers, and
// the failure is counted.
func TestHandlerFailureIsIsolated(t *testing.T) {
	b := NewBroadcaster(testConfig())

	_, err := b.Subscribe("int-1", []string{types.EventTypeWildcard}, func(*types.GameEvent) error {
		return types.NewError(types.ErrBroadcastFailed, "subscriber went away")
	}, "u1")
	require.NoError(t, err)

	okHandler, okCh := collector(4)
	_, err = b.Subscribe("int-1", []string{types.EventTypeWildcard}, okHandler, "u2")
	require.NoError(t, err)

	require.NoError(t, b.Broadcast("int-1", chatEvent("int-1")))

	ev := recvEvent(t, okCh)
	assert.Equal(t, types.EventChatMessage, ev.Type)

	require.Eventually(t, func() bool {
		return b.GetStats().FailedDeliveries == 1
	}, 2*time.Second, 10*time.Millisecond)
}

func TestHandlerPanicIsIsolated(t *testing.T) {
	b := NewBroadcaster(testConfig())

	_, err := b.Subscribe("int-1", []string{types.EventTypeWildcard}, func(*types.GameEvent) error {
		panic("boom")
	}, "u1")
	require.NoError(t, err)

	okHandler, okCh := collector(4)
	_, err = b.Subscribe("int-1", []string{types.EventTypeWildcard}, okHandler, "u2")
	require.NoError(t, err)

	require.NoError(t, b.Broadcast("int-1", chatEvent("int-1")))
	recvEvent(t, okCh)

	require.Eventually(t, func() bool {
		return b.GetStats().FailedDeliveries == 1
	}, 2*time.Second, 10*time.Millisecond)
}

func TestUnsubscribe(t *testing.T) {
	b := NewBroadcaster(testConfig())

	handler, ch := collector(4)
	id, err := b.Subscribe("int-1", []string{types.EventTypeWildcard}, handler, "u1")
	require.NoError(t, err)
	require.Equal(t, 1, b.SubscriptionCount("int-1"))

	assert.True(t, b.Unsubscribe(id))
	assert.Equal(t, 0, b.SubscriptionCount("int-1"))

	// Unsubscribing twice, or with an unknown id, is a no-op.
	assert.False(t, b.Unsubscribe(id))
	assert.False(t, b.Unsubscribe("no-such-subscription"))

	require.NoError(t, b.Broadcast("int-1", chatEvent("int-1")))
	select {
	case ev := <-ch:
		t.Fatalf("unsubscribed handler received %s", ev.Type)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestSubscriptionLimitPerUser(t *testing.T) {
	cfg := testConfig()
	cfg.MaxSubscriptionsPerUser = 2
	b := NewBroadcaster(cfg)

	handler, _ := collector(1)
	_, err := b.Subscribe("int-1", []string{types.EventTypeWildcard}, handler, "u1")
	require.NoError(t, err)
	_, err = b.Subscribe("int-1", []string{types.EventTypeWildcard}, handler, "u1")
	require.NoError(t, err)

	_, err = b.Subscribe("int-1", []string{types.EventTypeWildcard}, handler, "u1")
	require.Error(t, err)
	ie, ok := types.AsInteractionError(err)
	require.True(t, ok)
	assert.Equal(t, types.ErrSubscriptionLimit, ie.Code)

	// The ceiling is per user, not global.
	_, err = b.Subscribe("int-1", []string{types.EventTypeWildcard}, handler, "u2")
	assert.NoError(t, err)
}

func TestSubscribeRejectsIncompleteRequests(t *testing.T) {
	b := NewBroadcaster(testConfig())
	handler, _ := collector(1)

	_, err := b.Subscribe("", []string{types.EventTypeWildcard}, handler, "u1")
	assert.Error(t, err)
	_, err = b.Subscribe("int-1", nil, handler, "u1")
	assert.Error(t, err)
	_, err = b.Subscribe("int-1", []string{types.EventTypeWildcard}, nil, "u1")
	assert.Error(t, err)
}

func TestBroadcastToUserTargetsOnlyThatUser(t *testing.T) {
	b := NewBroadcaster(testConfig())

	dmHandler, dmCh := collector(4)
	_, err := b.Subscribe("int-1", []string{types.EventTypeWildcard}, dmHandler, "dm-user")
	require.NoError(t, err)

	playerHandler, playerCh := collector(4)
	_, err = b.Subscribe("int-1", []string{types.EventTypeWildcard}, playerHandler, "u1")
	require.NoError(t, err)

	require.NoError(t, b.BroadcastToUser("int-1", "dm-user", chatEvent("int-1")))

	ev := recvEvent(t, dmCh)
	assert.Equal(t, types.EventChatMessage, ev.Type)
	select {
	case ev := <-playerCh:
		t.Fatalf("non-targeted subscriber received %s", ev.Type)
	case <-time.After(100 * time.Millisecond):
	}

	err = b.BroadcastToUser("int-1", "", chatEvent("int-1"))
	assert.Error(t, err)
}

// Pending deltas must be observed before the event that closes the turn.
func TestTurnBoundaryFlushesDeltasFirst(t *testing.T) {
	b := NewBroadcaster(testConfig())

	handler, ch := collector(8)
	_, err := b.Subscribe("int-1", []string{types.EventTypeWildcard}, handler, "u1")
	require.NoError(t, err)

	require.NoError(t, b.BroadcastDelta("int-1", types.StateDelta{
		Type:      types.DeltaParticipant,
		EntityID:  "p1",
		Changes:   map[string]interface{}{"currentHP": 42},
		Timestamp: time.Now().UTC(),
	}))

	completed := types.NewGameEvent(types.EventTurnCompleted, "int-1", map[string]interface{}{
		"entityId": "p1",
	})
	require.NoError(t, b.Broadcast("int-1", completed))

	first := recvEvent(t, ch)
	second := recvEvent(t, ch)
	assert.Equal(t, types.EventStateDelta, first.Type)
	assert.Equal(t, types.EventTurnCompleted, second.Type)

	batch, ok := first.Payload["batch"].(*types.BatchDelta)
	require.True(t, ok)
	require.Len(t, batch.Deltas, 1)
	assert.Equal(t, 42, batch.Deltas[0].Changes["currentHP"])
}

func TestBroadcastDeltaValidates(t *testing.T) {
	b := NewBroadcaster(testConfig())

	err := b.BroadcastDelta("int-1", types.StateDelta{Type: "bogus"})
	assert.Error(t, err)
	err = b.BroadcastDelta("int-1", types.StateDelta{Type: types.DeltaTurn})
	assert.Error(t, err, "delta without changes must be rejected")
}

func TestBroadcastRejectsInvalidEvents(t *testing.T) {
	b := NewBroadcaster(testConfig())

	err := b.Broadcast("int-1", nil)
	assert.Error(t, err)
	err = b.Broadcast("int-1", &types.GameEvent{Type: "NOT_A_THING"})
	assert.Error(t, err)
}

func TestSlowSubscriberLosesEventsNotOthers(t *testing.T) {
	b := NewBroadcaster(testConfig())

	gate := make(chan struct{})
	_, err := b.Subscribe("int-1", []string{types.EventTypeWildcard}, func(*types.GameEvent) error {
		<-gate
		return nil
	}, "u1")
	require.NoError(t, err)

	// Fill well past the per-subscription queue plus the one event the
	// delivery worker may already hold.
	for i := 0; i < subscriberQueueSize+10; i++ {
		require.NoError(t, b.Broadcast("int-1", chatEvent("int-1")))
	}
	close(gate)

	stats := b.GetStats()
	assert.Greater(t, stats.FailedDeliveries, int64(0), "overflowing subscriber should drop events")
}

func TestGetStatsCountsByTypeAndRoom(t *testing.T) {
	b := NewBroadcaster(testConfig())

	handler, ch := collector(8)
	_, err := b.Subscribe("int-1", []string{types.EventTypeWildcard}, handler, "u1")
	require.NoError(t, err)
	_, err = b.Subscribe("int-2", []string{types.EventTypeWildcard}, handler, "u1")
	require.NoError(t, err)

	require.NoError(t, b.Broadcast("int-1", chatEvent("int-1")))
	require.NoError(t, b.Broadcast("int-1", chatEvent("int-1")))
	recvEvent(t, ch)
	recvEvent(t, ch)

	stats := b.GetStats()
	assert.Equal(t, int64(2), stats.TotalEvents)
	assert.Equal(t, int64(2), stats.TotalSubscriptions)
	assert.Equal(t, int64(2), stats.EventsByType[string(types.EventChatMessage)])
	assert.Equal(t, 1, stats.SubscriptionsByRoom["int-1"])
	assert.Equal(t, 1, stats.SubscriptionsByRoom["int-2"])
}
