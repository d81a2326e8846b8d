package server

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDistribute_TokenMoveFilteredByViewport(t *testing.T) {
	env := newTestEnv(t)
	e := env.engine
	e.InitializeRoom("r1", nil)
	require.True(t, e.UpdateViewport("r1", "p1", Viewport{CameraX: 0, CameraY: 0, Zoom: 1, Width: 800, Height: 600}))

	require.True(t, e.UpdateToken("r1", TokenChange{Kind: TokenAdd, Token: &Token{ID: "t1"}}, "gm"))
	require.True(t, e.UpdateToken("r1", TokenChange{Kind: TokenMove, TokenID: "t1", Position: &Position{X: 10000, Y: 10000}}, "gm"))
	require.True(t, e.UpdateToken("r1", TokenChange{Kind: TokenMove, TokenID: "t1", Position: &Position{X: 50, Y: 50}}, "gm"))

	require.NoError(t, e.dispatch(context.Background(), "r1", CatTokens))

	assert.Equal(t, []string{"u1", "u3"}, env.sink.updateIDs("p1", CatTokens))
	assert.Empty(t, env.sink.updateIDs("", CatTokens), "no room broadcast once viewports exist")
	assert.Empty(t, e.Pending("r1", CatTokens), "filtered updates are not retried")

	d := env.sink.all()
	require.Len(t, d, 1)
	assert.Equal(t, PriorityHigh, d[0].Priority)
	assert.Equal(t, EventStateUpdate, d[0].Event.Type)
	require.NotNil(t, d[0].Event.DeltaUpdate)
	assert.Equal(t, []string{"u1", "u2", "u3"}, d[0].Event.DeltaUpdate.UpdateIDs)
}

func TestDistribute_PlayersWithNothingVisibleAreSkipped(t *testing.T) {
	env := newTestEnv(t)
	e := env.engine
	e.InitializeRoom("r1", &RoomState{Tokens: map[string]Token{"t1": {ID: "t1"}}})
	e.UpdateViewport("r1", "near", Viewport{Zoom: 1, Width: 200, Height: 200})
	e.UpdateViewport("r1", "far", Viewport{CameraX: 5000, CameraY: 5000, Zoom: 1, Width: 200, Height: 200})

	require.True(t, e.UpdateToken("r1", TokenChange{Kind: TokenMove, TokenID: "t1", Position: &Position{X: 10, Y: 10}}, "gm"))
	require.NoError(t, e.dispatch(context.Background(), "r1", CatTokens))

	assert.Equal(t, []string{"u1"}, env.sink.updateIDs("near", CatTokens))
	assert.Len(t, env.sink.all(), 1, "far receives no empty event")
}

func TestDistribute_BroadcastWithoutViewports(t *testing.T) {
	env := newTestEnv(t)
	e := env.engine
	e.InitializeRoom("r1", &RoomState{Tokens: map[string]Token{"t1": {ID: "t1"}}})

	require.True(t, e.UpdateToken("r1", TokenChange{Kind: TokenMove, TokenID: "t1", Position: &Position{X: 1e6, Y: 1e6}}, "gm"))
	require.NoError(t, e.dispatch(context.Background(), "r1", CatTokens))

	assert.Equal(t, []string{"u1"}, env.sink.updateIDs("", CatTokens))
}

func TestDistribute_NonSelectiveCategoryBroadcasts(t *testing.T) {
	env := newTestEnv(t)
	e := env.engine
	e.InitializeRoom("r1", nil)
	e.UpdateViewport("r1", "p1", Viewport{Zoom: 1, Width: 10, Height: 10})

	require.True(t, e.UpdateCombat("r1", CombatPatch{Round: intPtr(2)}, "gm"))
	require.NoError(t, e.dispatch(context.Background(), "r1", CatCombat))

	d := env.sink.all()
	require.Len(t, d, 1)
	assert.Empty(t, d[0].PlayerID)
	assert.Equal(t, PriorityCritical, d[0].Priority)
}

func TestDistribute_MapPassesThroughPerPlayer(t *testing.T) {
	env := newTestEnv(t)
	e := env.engine
	e.InitializeRoom("r1", nil)
	e.UpdateViewport("r1", "p1", Viewport{Zoom: 1, Width: 10, Height: 10})
	e.UpdateViewport("r1", "p2", Viewport{CameraX: 9999, Zoom: 1, Width: 10, Height: 10})

	require.True(t, e.UpdateMap("r1", MapPatch{Camera: &Camera{X: 5000, Y: 5000, Zoom: 1}}, "gm"))
	require.NoError(t, e.dispatch(context.Background(), "r1", CatMap))

	assert.Equal(t, []string{"u1"}, env.sink.updateIDs("p1", CatMap))
	assert.Equal(t, []string{"u1"}, env.sink.updateIDs("p2", CatMap))
}

func TestSelectiveDistributor_Filter(t *testing.T) {
	vps := NewViewportRegistry(nil)
	d := NewSelectiveDistributor(vps, &recordingSink{})
	far := &Position{X: 9000, Y: 9000}
	updates := []PendingUpdate{
		{ID: "a", Type: UpdateTokenMove, Payload: TokenPayload{Position: far}},
		{ID: "b", Type: UpdateTokenRemove, Payload: TokenPayload{TokenID: "t1"}},
	}

	assert.Equal(t, updates, d.Filter("r1", "p1", CatTokens, updates), "no viewport keeps everything")

	vps.Update("r1", "p1", Viewport{Zoom: 1, Width: 100, Height: 100})
	assert.Equal(t, []string{"b"}, pendingIDs(d.Filter("r1", "p1", CatTokens, updates)))
	assert.Equal(t, updates, d.Filter("r1", "p1", CatChat, updates))
}

func TestSelectiveDistributor_Distribute(t *testing.T) {
	vps := NewViewportRegistry(nil)
	sink := &recordingSink{}
	d := NewSelectiveDistributor(vps, sink)
	cfg := CategoryConfig{ID: CatChat, Priority: PriorityNormal}

	require.NoError(t, d.Distribute("r1", CatChat, []PendingUpdate{{ID: "x"}}, cfg, nil))

	assert.Equal(t, []string{"x"}, sink.updateIDs("", CatChat))
	assert.Nil(t, sink.all()[0].Event.DeltaUpdate)
}
