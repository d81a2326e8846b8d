package server

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// delivery 记录一次投递；PlayerID 为空表示房间广播
type delivery struct {
	RoomID   string
	PlayerID string
	Event    Event
	Priority Priority
}

type recordingSink struct {
	mu         sync.Mutex
	deliveries []delivery
	failPlayer map[string]error // 对指定玩家返回错误
	failRoom   error
}

func (s *recordingSink) AddEvent(roomID string, ev Event, p Priority) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failRoom != nil {
		return s.failRoom
	}
	s.deliveries = append(s.deliveries, delivery{RoomID: roomID, Event: ev, Priority: p})
	return nil
}

func (s *recordingSink) AddPlayerEvent(roomID, playerID string, ev Event, p Priority) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.failPlayer[playerID]; err != nil {
		return err
	}
	s.deliveries = append(s.deliveries, delivery{RoomID: roomID, PlayerID: playerID, Event: ev, Priority: p})
	return nil
}

func (s *recordingSink) setFailRoom(err error) {
	s.mu.Lock()
	s.failRoom = err
	s.mu.Unlock()
}

func (s *recordingSink) setFailPlayer(playerID string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failPlayer == nil {
		s.failPlayer = make(map[string]error)
	}
	if err == nil {
		delete(s.failPlayer, playerID)
		return
	}
	s.failPlayer[playerID] = err
}

func (s *recordingSink) all() []delivery {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]delivery(nil), s.deliveries...)
}

// updateIDs 按投递顺序展开某个接收方收到的更新 id
func (s *recordingSink) updateIDs(playerID string, cat CategoryID) []string {
	var ids []string
	for _, d := range s.all() {
		if d.PlayerID != playerID || d.Event.Category != cat {
			continue
		}
		for _, u := range d.Event.Data {
			ids = append(ids, u.ID)
		}
	}
	return ids
}

type persistCall struct {
	RoomID string
	State  *RoomState
	Delta  *StateUpdate
}

type fakePersister struct {
	mu    sync.Mutex
	calls []persistCall
	err   error
}

func (p *fakePersister) UpdateGameState(_ context.Context, roomID string, state *RoomState, delta *StateUpdate) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	p.calls = append(p.calls, persistCall{RoomID: roomID, State: state, Delta: delta})
	return nil
}

func (p *fakePersister) setErr(err error) {
	p.mu.Lock()
	p.err = err
	p.mu.Unlock()
}

func (p *fakePersister) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.calls)
}

type reported struct {
	RoomID   string
	Category CategoryID
	Err      error
}

type fakeReporter struct {
	mu   sync.Mutex
	errs []reported
}

func (r *fakeReporter) ReportSyncError(roomID string, cat CategoryID, err error) {
	r.mu.Lock()
	r.errs = append(r.errs, reported{RoomID: roomID, Category: cat, Err: err})
	r.mu.Unlock()
}

func (r *fakeReporter) all() []reported {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]reported(nil), r.errs...)
}

type failingDelta struct{}

func (failingDelta) CreateStateUpdate(string, *RoomState, Changeset) (*StateUpdate, error) {
	return nil, errors.New("delta unavailable")
}

type panickingDelta struct{}

func (panickingDelta) CreateStateUpdate(string, *RoomState, Changeset) (*StateUpdate, error) {
	panic("boom")
}

// sequentialIDs 生成 u1, u2, ... 便于断言顺序
func sequentialIDs() func() string {
	var (
		mu sync.Mutex
		n  int
	)
	return func() string {
		mu.Lock()
		defer mu.Unlock()
		n++
		return fmt.Sprintf("u%d", n)
	}
}

var testEpoch = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

// slowCategories 所有分区 1000 秒才 tick 一次，测试里只靠手动派发
func slowCategories() []CategoryConfig {
	out := DefaultCategories()
	for i := range out {
		out[i].UpdateRate = 0.001
	}
	return out
}

type testEnv struct {
	engine    *Engine
	sink      *recordingSink
	persister *fakePersister
	reporter  *fakeReporter
}

func newTestEnv(t *testing.T, mutate ...func(*Options)) *testEnv {
	t.Helper()
	env := &testEnv{
		sink:      &recordingSink{},
		persister: &fakePersister{},
		reporter:  &fakeReporter{},
	}
	opts := Options{
		Categories: slowCategories(),
		Sink:       env.sink,
		Persister:  env.persister,
		Reporter:   env.reporter,
		Now:        func() time.Time { return testEpoch },
		NewID:      sequentialIDs(),
	}
	for _, m := range mutate {
		m(&opts)
	}
	e, err := NewEngine(opts)
	require.NoError(t, err)
	t.Cleanup(e.Close)
	env.engine = e
	return env
}

func boolPtr(b bool) *bool { return &b }
func intPtr(i int) *int    { return &i }
