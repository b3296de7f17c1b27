package arena

import (
	"context"
	"encoding/json"
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/gamehub/realtime-backend/internal/leaderboard"
	"github.com/gamehub/realtime-backend/internal/session"
)

// testEnv wires a registry-backed relay and collects room callbacks so
// the handlers can be exercised synchronously, without the room loop.
type testEnv struct {
	reg      *session.Registry
	relay    *leaderboard.Relay
	detached []string
	removed  []string
}

func newTestEnv() *testEnv {
	reg := session.NewRegistry(zap.NewNop())
	return &testEnv{
		reg:   reg,
		relay: leaderboard.NewRelay(reg, zap.NewNop()),
	}
}

func (e *testEnv) newRoom(cfg Config) *Room {
	ctx, cancel := context.WithCancel(context.Background())
	r := &Room{
		ID:        "room-test",
		GameID:    "snake-arena",
		cfg:       cfg,
		inbox:     make(chan roomMsg, 64),
		status:    RoomWaiting,
		createdAt: time.Now(),
		rng:       rand.New(rand.NewSource(1)),
		relay:     e.relay,
		detach:    func(id string) { e.detached = append(e.detached, id) },
		remove:    func(id string) { e.removed = append(e.removed, id) },
		logger:    zap.NewNop(),
		ctx:       ctx,
		cancel:    cancel,
	}
	r.food = relocateFood(nil, r.rng)
	return r
}

func (e *testEnv) session(t *testing.T, connID, name string) (*session.Session, chan []byte) {
	t.Helper()
	out := make(chan []byte, 128)
	s := e.reg.Register(connID, session.Identity{UserID: "u-" + connID, Username: name}, out)
	return s, out
}

func defaultCfg() Config {
	return Config{TickInterval: 150 * time.Millisecond, Countdown: 3, TargetScore: 100}
}

func drain(ch chan []byte) {
	for {
		select {
		case <-ch:
		default:
			return
		}
	}
}

// lastEvent scans the outbox for the most recent event of the given type.
func lastEvent(t *testing.T, ch chan []byte, typ string) (json.RawMessage, bool) {
	t.Helper()
	var found json.RawMessage
	ok := false
	for {
		select {
		case b := <-ch:
			var ev struct {
				Type string          `json:"type"`
				Data json.RawMessage `json:"data"`
			}
			require.NoError(t, json.Unmarshal(b, &ev))
			if ev.Type == typ {
				found, ok = ev.Data, true
			}
		default:
			return found, ok
		}
	}
}

func TestRoom_JoinCapsAtFourSeats(t *testing.T) {
	env := newTestEnv()
	r := env.newRoom(defaultCfg())

	for i := 0; i < MaxSeats; i++ {
		s, _ := env.session(t, string(rune('a'+i)), "p")
		require.True(t, r.handleJoin(s))
		assert.Equal(t, session.StatusInRoom, s.Status())
	}
	assert.Len(t, r.seats, MaxSeats)

	extra, _ := env.session(t, "extra", "p5")
	assert.False(t, r.handleJoin(extra), "fifth seat must be refused")
	assert.Len(t, r.seats, MaxSeats)
}

func TestRoom_ReadyThresholdStartsCountdown(t *testing.T) {
	env := newTestEnv()
	r := env.newRoom(defaultCfg())

	a, aOut := env.session(t, "a", "alice")
	require.True(t, r.handleJoin(a))
	r.handleReady("a", nil)
	assert.Equal(t, RoomWaiting, r.status, "one ready seat is below the minimum")

	b, _ := env.session(t, "b", "bob")
	require.True(t, r.handleJoin(b))
	drain(aOut)
	r.handleReady("b", nil)
	assert.Equal(t, RoomCountdown, r.status)
	require.NotNil(t, r.ticker)

	data, ok := lastEvent(t, aOut, "game_countdown")
	require.True(t, ok)
	var p countdownPayload
	require.NoError(t, json.Unmarshal(data, &p))
	assert.Equal(t, 3, p.Seconds)
}

func TestRoom_ToggleReadyFlipsWithoutExplicitValue(t *testing.T) {
	env := newTestEnv()
	r := env.newRoom(defaultCfg())
	a, _ := env.session(t, "a", "alice")
	require.True(t, r.handleJoin(a))

	r.handleReady("a", nil)
	assert.True(t, r.seats[0].Ready)
	r.handleReady("a", nil)
	assert.False(t, r.seats[0].Ready)

	on := true
	r.handleReady("a", &on)
	assert.True(t, r.seats[0].Ready)
}

func TestRoom_CountdownTicksIntoPlaying(t *testing.T) {
	env := newTestEnv()
	r := env.newRoom(defaultCfg())
	a, aOut := env.session(t, "a", "alice")
	b, _ := env.session(t, "b", "bob")
	require.True(t, r.handleJoin(a))
	require.True(t, r.handleJoin(b))
	r.handleReady("a", nil)
	r.handleReady("b", nil)
	require.Equal(t, RoomCountdown, r.status)
	drain(aOut)

	r.countdownTick() // 2
	r.countdownTick() // 1
	assert.Equal(t, RoomCountdown, r.status)
	r.countdownTick() // 0 -> start
	assert.Equal(t, RoomPlaying, r.status)
	assert.False(t, r.startedAt.IsZero())

	_, started := lastEvent(t, aOut, "game_started")
	assert.True(t, started)

	for _, st := range r.seats {
		assert.True(t, st.Alive)
		assert.Equal(t, 0, st.Score)
		assert.Len(t, st.Body, 1)
		assert.Equal(t, spawnSlots[st.slot].Pos, st.head())
	}
}

func TestRoom_TargetScoreEndsGameImmediately(t *testing.T) {
	env := newTestEnv()
	r := env.newRoom(defaultCfg())
	a, aOut := env.session(t, "a", "alice")
	b, bOut := env.session(t, "b", "bob")
	require.True(t, r.handleJoin(a))
	require.True(t, r.handleJoin(b))
	r.handleReady("a", nil)
	r.handleReady("b", nil)
	r.countdown = 0
	r.startGame()
	drain(aOut)
	drain(bOut)

	r.seats[0].Score = 100
	r.seats[1].Score = 40
	r.playTick()

	assert.Equal(t, RoomFinished, r.status)
	assert.Nil(t, r.ticker, "tick timer must stop on termination")

	data, ok := lastEvent(t, bOut, "game_finished")
	require.True(t, ok)
	var p finishedPayload
	require.NoError(t, json.Unmarshal(data, &p))
	assert.Equal(t, "target_reached", p.Reason)
	require.NotNil(t, p.Winner)
	assert.Equal(t, "alice", p.Winner.Username)
	require.Len(t, p.Ranking, 2)
	assert.Equal(t, "alice", p.Ranking[0].Username)

	top := env.relay.Top("snake-arena", 10)
	require.Len(t, top, 1, "winner's score reaches the leaderboard relay")
	assert.Equal(t, "alice", top[0].Username)
	assert.Equal(t, 100, top[0].Score)
}

func TestRoom_RankingPrefersAliveThenScore(t *testing.T) {
	views := []SeatView{
		{Username: "deadHigh", Alive: false, Score: 90},
		{Username: "aliveLow", Alive: true, Score: 10},
		{Username: "aliveHigh", Alive: true, Score: 30},
		{Username: "deadLow", Alive: false, Score: 5},
	}
	sortRanking(views)
	assert.Equal(t, []string{"aliveHigh", "aliveLow", "deadHigh", "deadLow"},
		[]string{views[0].Username, views[1].Username, views[2].Username, views[3].Username})
}

func TestRoom_LeaveIsIdempotentAndLastLeaveDestroys(t *testing.T) {
	env := newTestEnv()
	r := env.newRoom(defaultCfg())
	a, _ := env.session(t, "a", "alice")
	b, _ := env.session(t, "b", "bob")
	require.True(t, r.handleJoin(a))
	require.True(t, r.handleJoin(b))

	r.handleLeave("a")
	assert.Len(t, r.seats, 1)
	assert.Equal(t, session.StatusOnline, a.Status())
	assert.Equal(t, []string{"a"}, env.detached)

	r.handleLeave("a")
	assert.Len(t, r.seats, 1, "second leave of the same seat is a no-op")
	assert.Equal(t, []string{"a"}, env.detached)

	r.handleLeave("b")
	assert.Empty(t, r.seats)
	assert.Equal(t, []string{"room-test"}, env.removed, "room destroyed with its last seat")
	assert.Error(t, r.ctx.Err(), "room context cancelled on destroy")
}

func TestRoom_DestroyedRoomRefusesJoin(t *testing.T) {
	env := newTestEnv()
	r := env.newRoom(defaultCfg())
	a, _ := env.session(t, "a", "alice")
	require.True(t, r.handleJoin(a))

	r.handleLeave("a")
	require.Equal(t, []string{"room-test"}, env.removed)
	require.Error(t, r.ctx.Err())

	b, _ := env.session(t, "b", "bob")
	assert.False(t, r.handleJoin(b), "a torn-down room cannot seat anyone")
	assert.Empty(t, r.seats)
	assert.Equal(t, session.StatusOnline, b.Status())
}

func TestRoom_FinishedRoomPersistsUntilLastLeave(t *testing.T) {
	env := newTestEnv()
	r := env.newRoom(defaultCfg())
	a, _ := env.session(t, "a", "alice")
	b, _ := env.session(t, "b", "bob")
	c, _ := env.session(t, "c", "carol")
	require.True(t, r.handleJoin(a))
	require.True(t, r.handleJoin(b))
	require.True(t, r.handleJoin(c))
	r.startGame()

	r.seats[0].Score = 100
	r.playTick()
	require.Equal(t, RoomFinished, r.status)

	r.handleLeave("a")
	assert.Equal(t, RoomFinished, r.status, "finished room outlives individual leaves")
	assert.Empty(t, env.removed)

	r.handleLeave("b")
	assert.Equal(t, RoomFinished, r.status)
	assert.Empty(t, env.removed)

	r.handleLeave("c")
	assert.Equal(t, []string{"room-test"}, env.removed, "last leave tears the room down")
	assert.Error(t, r.ctx.Err())
	assert.Equal(t, session.StatusOnline, c.Status())
}

func TestRoom_LeaveDuringPlayingEndsWithLoneSurvivor(t *testing.T) {
	env := newTestEnv()
	r := env.newRoom(defaultCfg())
	a, _ := env.session(t, "a", "alice")
	b, bOut := env.session(t, "b", "bob")
	require.True(t, r.handleJoin(a))
	require.True(t, r.handleJoin(b))
	r.handleReady("a", nil)
	r.handleReady("b", nil)
	r.startGame()
	drain(bOut)

	r.handleLeave("a")

	assert.Equal(t, RoomFinished, r.status)
	assert.Nil(t, r.ticker)
	data, ok := lastEvent(t, bOut, "game_finished")
	require.True(t, ok)
	var p finishedPayload
	require.NoError(t, json.Unmarshal(data, &p))
	assert.Equal(t, "last_one_standing", p.Reason)
	assert.Nil(t, p.Winner, "surviving below target is not a win")
}

func TestRoom_LeaveDuringCountdownRevertsToWaiting(t *testing.T) {
	env := newTestEnv()
	r := env.newRoom(defaultCfg())
	a, _ := env.session(t, "a", "alice")
	b, _ := env.session(t, "b", "bob")
	require.True(t, r.handleJoin(a))
	require.True(t, r.handleJoin(b))
	r.handleReady("a", nil)
	r.handleReady("b", nil)
	require.Equal(t, RoomCountdown, r.status)

	r.handleLeave("b")

	assert.Equal(t, RoomWaiting, r.status)
	assert.Nil(t, r.ticker)
}

func TestRoom_MovesIgnoredOutsidePlaying(t *testing.T) {
	env := newTestEnv()
	r := env.newRoom(defaultCfg())
	a, _ := env.session(t, "a", "alice")
	require.True(t, r.handleJoin(a))

	before := r.seats[0].Dir
	r.handleMove("a", Vec{0, 1})
	assert.Equal(t, before, r.seats[0].Dir, "moves only apply while playing")
}

func TestManager_JoinFindsOrCreatesAndSweepsIdleRooms(t *testing.T) {
	reg := session.NewRegistry(zap.NewNop())
	relay := leaderboard.NewRelay(reg, zap.NewNop())
	cfg := Config{TickInterval: 20 * time.Millisecond, Countdown: 1, TargetScore: 100}
	m := NewManager(context.Background(), cfg, 20*time.Millisecond, 0, relay, zap.NewNop())
	defer m.Close()

	out := make(chan []byte, 128)
	s := reg.Register("c1", session.Identity{UserID: "u1", Username: "p1"}, out)
	require.NoError(t, m.Join(s, "snake-arena"))
	assert.Equal(t, 1, m.ActiveCount())
	assert.ErrorIs(t, m.Join(s, "snake-arena"), ErrAlreadyInRoom)

	view, ok := m.RoomView("c1")
	require.True(t, ok)
	assert.Equal(t, RoomWaiting, view.Status)
	assert.Equal(t, 1, view.NumSeats)

	// Idle timeout of zero makes the next sweep destroy the waiting room.
	require.Eventually(t, func() bool { return m.ActiveCount() == 0 },
		2*time.Second, 10*time.Millisecond, "waiting room should be swept")
	assert.Equal(t, session.StatusOnline, s.Status())
	assert.Error(t, m.Leave("c1"), "seat mapping cleaned up with the room")
}

func TestManager_SecondJoinerLandsInSameRoom(t *testing.T) {
	reg := session.NewRegistry(zap.NewNop())
	relay := leaderboard.NewRelay(reg, zap.NewNop())
	cfg := Config{TickInterval: 20 * time.Millisecond, Countdown: 1, TargetScore: 100}
	m := NewManager(context.Background(), cfg, time.Hour, time.Hour, relay, zap.NewNop())
	defer m.Close()

	aOut := make(chan []byte, 128)
	bOut := make(chan []byte, 128)
	a := reg.Register("c1", session.Identity{UserID: "u1", Username: "p1"}, aOut)
	b := reg.Register("c2", session.Identity{UserID: "u2", Username: "p2"}, bOut)

	require.NoError(t, m.Join(a, "snake-arena"))
	require.NoError(t, m.Join(b, "snake-arena"))
	assert.Equal(t, 1, m.ActiveCount(), "same game type shares the waiting room")

	va, ok := m.RoomView("c1")
	require.True(t, ok)
	vb, ok := m.RoomView("c2")
	require.True(t, ok)
	assert.Equal(t, va.ID, vb.ID)
	assert.Equal(t, 2, va.NumSeats)

	// A different game type gets its own room.
	cOut := make(chan []byte, 128)
	c := reg.Register("c3", session.Identity{UserID: "u3", Username: "p3"}, cOut)
	require.NoError(t, m.Join(c, "tetris-arena"))
	assert.Equal(t, 2, m.ActiveCount())
}

func TestManager_RejoinAfterRoomDestroyed(t *testing.T) {
	reg := session.NewRegistry(zap.NewNop())
	relay := leaderboard.NewRelay(reg, zap.NewNop())
	cfg := Config{TickInterval: 20 * time.Millisecond, Countdown: 1, TargetScore: 100}
	m := NewManager(context.Background(), cfg, time.Hour, time.Hour, relay, zap.NewNop())
	defer m.Close()

	out := make(chan []byte, 128)
	s := reg.Register("c1", session.Identity{UserID: "u1", Username: "p1"}, out)
	require.NoError(t, m.Join(s, "snake-arena"))
	require.NoError(t, m.Leave("c1"))
	require.Eventually(t, func() bool { return m.ActiveCount() == 0 },
		2*time.Second, 10*time.Millisecond, "empty room should be destroyed")

	// The seat mapping must be gone, so a fresh join gets a fresh room.
	require.NoError(t, m.Join(s, "snake-arena"))
	assert.Equal(t, 1, m.ActiveCount())
	v, ok := m.RoomView("c1")
	require.True(t, ok)
	assert.Equal(t, 1, v.NumSeats)
}

func TestManager_ReadyPairPlaysThroughCountdown(t *testing.T) {
	reg := session.NewRegistry(zap.NewNop())
	relay := leaderboard.NewRelay(reg, zap.NewNop())
	cfg := Config{TickInterval: 20 * time.Millisecond, Countdown: 1, TargetScore: 100}
	m := NewManager(context.Background(), cfg, time.Hour, time.Hour, relay, zap.NewNop())
	defer m.Close()

	aOut := make(chan []byte, 256)
	bOut := make(chan []byte, 256)
	a := reg.Register("c1", session.Identity{UserID: "u1", Username: "p1"}, aOut)
	b := reg.Register("c2", session.Identity{UserID: "u2", Username: "p2"}, bOut)
	require.NoError(t, m.Join(a, "snake-arena"))
	require.NoError(t, m.Join(b, "snake-arena"))

	on := true
	require.NoError(t, m.SetReady("c1", &on))
	require.NoError(t, m.SetReady("c2", &on))

	require.Eventually(t, func() bool {
		v, ok := m.RoomView("c1")
		return ok && v.Status == RoomPlaying
	}, 3*time.Second, 10*time.Millisecond, "countdown should reach playing")

	// Ticks keep flowing and snapshots reach both members.
	require.Eventually(t, func() bool {
		_, ok := lastEvent(t, bOut, "game_state_update")
		return ok
	}, 2*time.Second, 20*time.Millisecond)
}
