package server

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDispatch_PreservesOrder(t *testing.T) {
	env := newTestEnv(t)
	e := env.engine
	e.InitializeRoom("r1", nil)
	for i := 1; i <= 3; i++ {
		require.True(t, e.UpdateCombat("r1", CombatPatch{Round: intPtr(i)}, "gm"))
	}

	require.NoError(t, e.dispatch(context.Background(), "r1", CatCombat))

	assert.Equal(t, []string{"u1", "u2", "u3"}, env.sink.updateIDs("", CatCombat))
	assert.Empty(t, e.Pending("r1", CatCombat))
	assert.Equal(t, 1, env.persister.count())
}

func TestDispatch_EmptyQueueIsNoop(t *testing.T) {
	env := newTestEnv(t)
	e := env.engine
	e.InitializeRoom("r1", nil)

	require.NoError(t, e.dispatch(context.Background(), "r1", CatCombat))
	require.NoError(t, e.dispatch(context.Background(), "missing", CatCombat))

	assert.Empty(t, env.sink.all())
	assert.Equal(t, 0, env.persister.count())
	stats, _ := e.GetSyncStats("r1")
	assert.Equal(t, int64(0), stats.Metrics["dispatch_count"])
}

func TestDispatch_DeliveryFailureRestoresBatch(t *testing.T) {
	env := newTestEnv(t)
	e := env.engine
	e.InitializeRoom("r1", nil)
	for i := 1; i <= 3; i++ {
		e.UpdateCombat("r1", CombatPatch{Round: intPtr(i)}, "gm")
	}
	env.sink.setFailRoom(errors.New("socket closed"))

	err := e.dispatch(context.Background(), "r1", CatCombat)

	require.Error(t, err)
	assert.Equal(t, []string{"u1", "u2", "u3"}, pendingIDs(e.Pending("r1", CatCombat)))
	assert.Equal(t, 0, env.persister.count())

	e.UpdateCombat("r1", CombatPatch{Round: intPtr(4)}, "gm")
	env.sink.setFailRoom(nil)
	require.NoError(t, e.dispatch(context.Background(), "r1", CatCombat))

	assert.Equal(t, []string{"u1", "u2", "u3", "u4"}, env.sink.updateIDs("", CatCombat))
	stats, _ := e.GetSyncStats("r1")
	assert.Equal(t, int64(1), stats.Metrics["dispatch_failures"])
	assert.Equal(t, int64(2), stats.Metrics["dispatch_count"])
}

func TestDispatch_PersistFailureDoesNotRedeliver(t *testing.T) {
	env := newTestEnv(t)
	e := env.engine
	e.InitializeRoom("r1", nil)
	e.UpdateCombat("r1", CombatPatch{IsActive: boolPtr(true)}, "gm")
	env.persister.setErr(errors.New("disk full"))

	err := e.dispatch(context.Background(), "r1", CatCombat)

	require.Error(t, err)
	assert.Contains(t, err.Error(), "persist combat")
	assert.Len(t, e.Pending("r1", CatCombat), 1)
	v, _ := e.GetCategoryState("r1", CatCombat)
	assert.True(t, v.(CombatState).IsActive, "in-memory state is not rolled back")

	env.persister.setErr(nil)
	require.NoError(t, e.dispatch(context.Background(), "r1", CatCombat))

	assert.Equal(t, []string{"u1"}, env.sink.updateIDs("", CatCombat), "broadcast happened once")
	assert.Equal(t, 1, env.persister.count())
	assert.Empty(t, e.Pending("r1", CatCombat))
	stats, _ := e.GetSyncStats("r1")
	assert.Equal(t, int64(1), stats.Metrics["persist_failures"])
	assert.Equal(t, int64(1), stats.Metrics["persist_writes"])
}

func TestDispatch_BroadcastNotRepeatedAfterViewportAppears(t *testing.T) {
	env := newTestEnv(t)
	e := env.engine
	e.InitializeRoom("r1", nil)
	require.True(t, e.UpdateToken("r1", TokenChange{Kind: TokenAdd, Token: &Token{ID: "t1"}}, "gm"))
	env.persister.setErr(errors.New("disk full"))

	require.Error(t, e.dispatch(context.Background(), "r1", CatTokens))
	assert.Equal(t, []string{"u1"}, env.sink.updateIDs("", CatTokens))

	// 重试前有玩家登记了可视区域，走按玩家投递路径
	require.True(t, e.UpdateViewport("r1", "p1", Viewport{Zoom: 1, Width: 800, Height: 600}))
	env.persister.setErr(nil)
	require.NoError(t, e.dispatch(context.Background(), "r1", CatTokens))

	assert.Empty(t, env.sink.updateIDs("p1", CatTokens), "p1 already got u1 through the broadcast")
	assert.Len(t, env.sink.all(), 1)
	assert.Equal(t, 1, env.persister.count())
	assert.Empty(t, e.Pending("r1", CatTokens))
}

func TestDispatch_PartialPlayerFailureRetriesOnlyMissing(t *testing.T) {
	env := newTestEnv(t)
	e := env.engine
	e.InitializeRoom("r1", nil)
	big := Viewport{Zoom: 1, Width: 1000, Height: 1000}
	e.UpdateViewport("r1", "p1", big)
	e.UpdateViewport("r1", "p2", big)
	require.True(t, e.UpdateToken("r1", TokenChange{Kind: TokenAdd, Token: &Token{ID: "t1"}}, "gm"))
	env.sink.setFailPlayer("p2", errors.New("p2 buffer full"))

	require.Error(t, e.dispatch(context.Background(), "r1", CatTokens))
	assert.Equal(t, []string{"u1"}, env.sink.updateIDs("p1", CatTokens))
	assert.Empty(t, env.sink.updateIDs("p2", CatTokens))

	env.sink.setFailPlayer("p2", nil)
	require.NoError(t, e.dispatch(context.Background(), "r1", CatTokens))

	assert.Equal(t, []string{"u1"}, env.sink.updateIDs("p1", CatTokens))
	assert.Equal(t, []string{"u1"}, env.sink.updateIDs("p2", CatTokens))
}

func TestDispatch_CollaboratorPanicRecovered(t *testing.T) {
	env := newTestEnv(t, func(o *Options) { o.Delta = panickingDelta{} })
	e := env.engine
	e.InitializeRoom("r1", nil)
	e.UpdateCombat("r1", CombatPatch{Round: intPtr(1)}, "gm")

	var err error
	require.NotPanics(t, func() { err = e.dispatch(context.Background(), "r1", CatCombat) })

	require.Error(t, err)
	assert.Contains(t, err.Error(), "panicked")
	assert.Equal(t, []string{"u1"}, pendingIDs(e.Pending("r1", CatCombat)))
	assert.Empty(t, env.sink.all())
}

func TestDispatch_DeltaFailureStillDelivers(t *testing.T) {
	env := newTestEnv(t, func(o *Options) { o.Delta = failingDelta{} })
	e := env.engine
	e.InitializeRoom("r1", nil)
	e.UpdateCombat("r1", CombatPatch{Round: intPtr(1)}, "gm")

	require.NoError(t, e.dispatch(context.Background(), "r1", CatCombat))

	d := env.sink.all()
	require.Len(t, d, 1)
	assert.Nil(t, d[0].Event.DeltaUpdate)
	assert.Equal(t, []string{"u1"}, pendingIDs(d[0].Event.Data))
	require.Len(t, env.reporter.all(), 1)
	assert.Equal(t, CatCombat, env.reporter.all()[0].Category)
}

func TestDispatch_NonPersistentCategorySkipsPersistence(t *testing.T) {
	env := newTestEnv(t)
	e := env.engine
	e.InitializeRoom("r1", nil)
	e.UpdateUI("r1", "p1", UIPatch{Selection: []string{"t1"}})

	require.NoError(t, e.dispatch(context.Background(), "r1", CatUI))

	assert.Len(t, env.sink.all(), 1)
	assert.Equal(t, 0, env.persister.count())
}

func TestDispatch_PersistsWithDelta(t *testing.T) {
	env := newTestEnv(t)
	e := env.engine
	e.InitializeRoom("r1", nil)
	e.UpdateCharacter("r1", "c1", Document{"hp": 5}, "p1")

	require.NoError(t, e.dispatch(context.Background(), "r1", CatCharacters))

	require.Equal(t, 1, env.persister.count())
	call := env.persister.calls[0]
	assert.Equal(t, "r1", call.RoomID)
	assert.Equal(t, 5, call.State.Characters["c1"]["hp"])
	require.NotNil(t, call.Delta)
	assert.Equal(t, CatCharacters, call.Delta.Category)
	assert.Equal(t, []string{"c1"}, call.Delta.Changed)
	assert.Equal(t, int64(1), call.Delta.Version)
}

func TestForceSyncAll_DrainsEveryCategory(t *testing.T) {
	env := newTestEnv(t)
	e := env.engine
	e.InitializeRoom("r1", nil)
	e.UpdateCombat("r1", CombatPatch{Round: intPtr(1)}, "gm")
	e.AddChatMessage("r1", ChatMessage{ID: "m1", PlayerID: "p1", Text: "hi"})
	e.UpdateUI("r1", "p1", UIPatch{Cursor: &Position{X: 1}})

	require.NoError(t, e.ForceSyncAll(context.Background(), "r1"))

	assert.Equal(t, 0, e.GetSystemMetrics().TotalPending)
	assert.Len(t, env.sink.all(), 3)
	assert.Equal(t, 2, env.persister.count(), "ui is not persistent")
}

func TestForceSyncAll_UnknownRoom(t *testing.T) {
	env := newTestEnv(t)

	err := env.engine.ForceSyncAll(context.Background(), "ghost")

	assert.ErrorIs(t, err, ErrRoomNotInitialized)
}

func TestForceSyncAll_AggregatesErrors(t *testing.T) {
	env := newTestEnv(t)
	e := env.engine
	e.InitializeRoom("r1", nil)
	e.UpdateCombat("r1", CombatPatch{Round: intPtr(1)}, "gm")
	e.UpdateSettings("r1", SettingsPatch{Preferences: Document{"grid": true}}, "gm")
	env.sink.setFailRoom(errors.New("down"))

	err := e.ForceSyncAll(context.Background(), "r1")

	require.Error(t, err)
	assert.Len(t, env.reporter.all(), 2)
	assert.Equal(t, 2, e.GetSystemMetrics().TotalPending)
}

func TestDispatch_AfterDestroyDropsBatch(t *testing.T) {
	env := newTestEnv(t)
	e := env.engine
	e.InitializeRoom("r1", nil)
	e.UpdateCombat("r1", CombatPatch{Round: intPtr(1)}, "gm")
	e.DestroyRoom("r1")

	require.NoError(t, e.dispatch(context.Background(), "r1", CatCombat))
	assert.Empty(t, env.sink.all())
}

func TestMetrics_RollUpToTotals(t *testing.T) {
	env := newTestEnv(t)
	e := env.engine
	e.InitializeRoom("r1", nil)
	e.InitializeRoom("r2", nil)
	e.UpdateCombat("r1", CombatPatch{Round: intPtr(1)}, "gm")
	e.UpdateCombat("r2", CombatPatch{Round: intPtr(1)}, "gm")
	e.UpdateCombat("r2", CombatPatch{Round: intPtr(2)}, "gm")

	r2, ok := e.GetSyncStats("r2")
	require.True(t, ok)
	assert.Equal(t, int64(2), r2.Metrics["updates_enqueued"])
	assert.Equal(t, 2, r2.TotalPending)
	assert.Equal(t, 2, r2.Categories[CatCombat].QueueDepth)
	assert.True(t, r2.TimersRunning)

	sys := e.GetSystemMetrics()
	assert.Equal(t, 2, sys.Rooms)
	assert.Equal(t, 3, sys.TotalPending)
	assert.Equal(t, 3, sys.PendingByCategory[CatCombat])
	assert.Equal(t, int64(3), sys.Metrics["updates_enqueued"])
	assert.Len(t, sys.Categories, len(AllCategories))
}
