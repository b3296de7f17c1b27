package arena

import (
	"context"
	"encoding/json"
	"math/rand"
	"sort"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/gamehub/realtime-backend/internal/leaderboard"
	"github.com/gamehub/realtime-backend/internal/session"
	"github.com/gamehub/realtime-backend/internal/types"
)

type RoomStatus string

const (
	RoomWaiting   RoomStatus = "waiting"
	RoomCountdown RoomStatus = "countdown"
	RoomPlaying   RoomStatus = "playing"
	RoomFinished  RoomStatus = "finished"
)

// Config carries the per-room tunables; tests shrink the timers.
type Config struct {
	TickInterval time.Duration
	Countdown    int
	TargetScore  int
}

type roomMsg interface{ isRoomMsg() }

type joinMsg struct {
	sess  *session.Session
	reply chan bool
}

type readyMsg struct {
	connID string
	ready  *bool // nil flips the current flag
}

type moveMsg struct {
	connID string
	dir    Vec
}

type leaveMsg struct{ connID string }

type sweepMsg struct{ cutoff time.Time }

type viewMsg struct{ reply chan View }

func (joinMsg) isRoomMsg()  {}
func (readyMsg) isRoomMsg() {}
func (moveMsg) isRoomMsg()  {}
func (leaveMsg) isRoomMsg() {}
func (sweepMsg) isRoomMsg() {}
func (viewMsg) isRoomMsg()  {}

// View is a race-free copy of room state for tests and the stats view.
type View struct {
	ID       string
	GameID   string
	Status   RoomStatus
	NumSeats int
	Seats    []SeatView
	Food     Vec
}

type SeatView struct {
	UserID     string    `json:"user_id"`
	Username   string    `json:"username"`
	Ready      bool      `json:"ready"`
	Alive      bool      `json:"alive"`
	Score      int       `json:"score"`
	Body       []Vec     `json:"body"`
	Dir        Vec       `json:"dir"`
	LastMoveAt time.Time `json:"last_move_at,omitzero"`
}

type roomInfoPayload struct {
	RoomID      string     `json:"room_id"`
	GameID      string     `json:"game_id"`
	Status      RoomStatus `json:"status"`
	Seats       []SeatView `json:"seats"`
	TargetScore int        `json:"target_score"`
}

type playerPayload struct {
	RoomID   string `json:"room_id"`
	UserID   string `json:"user_id"`
	Username string `json:"username"`
}

type countdownPayload struct {
	RoomID  string `json:"room_id"`
	Seconds int    `json:"seconds"`
}

type statePayload struct {
	RoomID string     `json:"room_id"`
	Seats  []SeatView `json:"seats"`
	Food   Vec        `json:"food"`
}

type finishedPayload struct {
	RoomID  string     `json:"room_id"`
	Reason  string     `json:"reason"`
	Winner  *SeatView  `json:"winner,omitempty"`
	Ranking []SeatView `json:"ranking"`
}

// Room is one arena session. A single goroutine owns all of its state:
// every mutation arrives through the inbox or one of the two timers, so
// ticks serialize per room and tick N+1 never overlaps tick N.
type Room struct {
	ID     string
	GameID string

	cfg       Config
	inbox     chan roomMsg
	status    RoomStatus
	seats     []*Seat
	food      Vec
	createdAt time.Time
	startedAt time.Time
	countdown int
	ticker    *time.Ticker
	rng       *rand.Rand

	relay  *leaderboard.Relay
	detach func(connID string)
	remove func(roomID string)
	logger *zap.Logger
	ctx    context.Context
	cancel context.CancelFunc
}

func newRoom(parent context.Context, gameID string, cfg Config, relay *leaderboard.Relay,
	detach func(string), remove func(string), logger *zap.Logger) *Room {
	ctx, cancel := context.WithCancel(parent)
	r := &Room{
		ID:        uuid.NewString(),
		GameID:    gameID,
		cfg:       cfg,
		inbox:     make(chan roomMsg, 64),
		status:    RoomWaiting,
		createdAt: time.Now(),
		rng:       rand.New(rand.NewSource(time.Now().UnixNano())),
		relay:     relay,
		detach:    detach,
		remove:    remove,
		ctx:       ctx,
		cancel:    cancel,
	}
	r.logger = logger.With(zap.String("room_id", r.ID), zap.String("game_id", gameID))
	r.food = relocateFood(nil, r.rng)
	go r.loop()
	return r
}

func (r *Room) loop() {
	for {
		var tickC <-chan time.Time
		if r.ticker != nil {
			tickC = r.ticker.C
		}
		select {
		case <-r.ctx.Done():
			r.stopTicker()
			return

		case <-tickC:
			switch r.status {
			case RoomCountdown:
				r.countdownTick()
			case RoomPlaying:
				r.playTick()
			}

		case m := <-r.inbox:
			switch msg := m.(type) {
			case joinMsg:
				msg.reply <- r.handleJoin(msg.sess)
			case readyMsg:
				r.handleReady(msg.connID, msg.ready)
			case moveMsg:
				r.handleMove(msg.connID, msg.dir)
			case leaveMsg:
				r.handleLeave(msg.connID)
			case sweepMsg:
				if r.status == RoomWaiting && r.createdAt.Before(msg.cutoff) {
					r.logger.Info("idle room swept")
					r.destroy()
				}
			case viewMsg:
				msg.reply <- View{
					ID:       r.ID,
					GameID:   r.GameID,
					Status:   r.status,
					NumSeats: len(r.seats),
					Seats:    r.seatViews(),
					Food:     r.food,
				}
			}
			// A handler that tore the room down ends the loop here, so
			// nothing queued behind it in the inbox runs against a room
			// the manager already forgot.
			if r.ctx.Err() != nil {
				r.stopTicker()
				return
			}
		}
	}
}

func (r *Room) handleJoin(s *session.Session) bool {
	// A destroyed room refuses the seat outright; the caller detaches
	// the mapping and retries against a fresh room.
	if r.ctx.Err() != nil || r.status != RoomWaiting || len(r.seats) >= MaxSeats {
		return false
	}
	seat := newSeat(s, r.freeSlot())
	r.seats = append(r.seats, seat)
	s.SetStatus(session.StatusInRoom)

	r.logger.Info("player joined", zap.String("username", s.Username), zap.Int("seats", len(r.seats)))

	r.broadcastExcept(s.ConnID, types.Event{Type: types.EvtPlayerJoined, Data: playerPayload{
		RoomID: r.ID, UserID: s.UserID, Username: s.Username,
	}})
	s.Send(types.Event{Type: types.EvtRoomJoined, Data: r.roomInfo()})
	r.broadcast(types.Event{Type: types.EvtRoomUpdated, Data: r.roomInfo()})
	return true
}

func (r *Room) handleReady(connID string, ready *bool) {
	if r.status != RoomWaiting {
		return
	}
	seat := r.seatOf(connID)
	if seat == nil {
		return
	}
	if ready == nil {
		seat.Ready = !seat.Ready
	} else {
		seat.Ready = *ready
	}
	r.broadcast(types.Event{Type: types.EvtRoomUpdated, Data: r.roomInfo()})

	if len(r.seats) >= MinSeats && r.allReady() {
		r.status = RoomCountdown
		r.countdown = r.cfg.Countdown
		r.setTicker(time.Second)
		r.logger.Info("countdown started", zap.Int("seats", len(r.seats)))
		r.broadcast(types.Event{Type: types.EvtGameCountdown, Data: countdownPayload{
			RoomID: r.ID, Seconds: r.countdown,
		}})
	}
}

func (r *Room) countdownTick() {
	r.countdown--
	if r.countdown > 0 {
		r.broadcast(types.Event{Type: types.EvtGameCountdown, Data: countdownPayload{
			RoomID: r.ID, Seconds: r.countdown,
		}})
		return
	}
	r.startGame()
}

func (r *Room) startGame() {
	for _, st := range r.seats {
		st.reset()
	}
	r.food = relocateFood(r.seats, r.rng)
	r.status = RoomPlaying
	r.startedAt = time.Now()
	r.setTicker(r.cfg.TickInterval)
	r.logger.Info("game started")
	r.broadcast(types.Event{Type: types.EvtGameStarted, Data: statePayload{
		RoomID: r.ID, Seats: r.seatViews(), Food: r.food,
	}})
}

func (r *Room) playTick() {
	out := step(r.seats, &r.food, r.cfg.TargetScore, r.rng)
	r.broadcast(types.Event{Type: types.EvtGameStateUpdate, Data: statePayload{
		RoomID: r.ID, Seats: r.seatViews(), Food: r.food,
	}})
	if out.finished {
		r.finishGame(out)
	}
}

func (r *Room) handleMove(connID string, dir Vec) {
	if r.status != RoomPlaying {
		return
	}
	seat := r.seatOf(connID)
	if seat == nil || !seat.Alive {
		return
	}
	seat.acceptMove(dir)
}

// handleLeave is idempotent: a connID with no seat is a no-op, so a
// leave_room racing the disconnect hook cannot double-remove.
func (r *Room) handleLeave(connID string) {
	idx := -1
	for i, st := range r.seats {
		if st.sess.ConnID == connID {
			idx = i
			break
		}
	}
	if idx < 0 {
		return
	}
	seat := r.seats[idx]
	r.seats = append(r.seats[:idx], r.seats[idx+1:]...)
	seat.sess.SetStatus(session.StatusOnline)
	r.detach(connID)

	r.logger.Info("player left", zap.String("username", seat.sess.Username), zap.Int("seats", len(r.seats)))

	if len(r.seats) == 0 {
		r.destroy()
		return
	}

	r.broadcast(types.Event{Type: types.EvtPlayerLeft, Data: playerPayload{
		RoomID: r.ID, UserID: seat.sess.UserID, Username: seat.sess.Username,
	}})

	switch r.status {
	case RoomPlaying:
		if r.aliveCount() <= 1 {
			r.finishGame(stepOutcome{finished: true, reason: "last_one_standing", winner: r.soleWinner()})
			return
		}
	case RoomCountdown:
		// Below the start threshold the countdown cannot stand.
		if len(r.seats) < MinSeats {
			r.stopTicker()
			r.status = RoomWaiting
		}
	}
	r.broadcast(types.Event{Type: types.EvtRoomUpdated, Data: r.roomInfo()})
}

func (r *Room) finishGame(out stepOutcome) {
	r.stopTicker()
	r.status = RoomFinished

	ranking := r.seatViews()
	sortRanking(ranking)
	payload := finishedPayload{RoomID: r.ID, Reason: out.reason, Ranking: ranking}
	if out.winner != nil {
		wv := seatView(out.winner)
		payload.Winner = &wv
	}
	r.broadcast(types.Event{Type: types.EvtGameFinished, Data: payload})
	r.logger.Info("game finished", zap.String("reason", out.reason))

	if out.winner != nil {
		r.relay.Submit(leaderboard.Entry{
			UserID:   out.winner.sess.UserID,
			Username: out.winner.sess.Username,
			GameID:   r.GameID,
			Score:    out.winner.Score,
			Level:    1,
			Duration: int(time.Since(r.startedAt).Seconds()),
		})
	}
}

// destroy tears the room down: timers stop before the manager forgets
// the room, so no orphaned tick can reference it.
func (r *Room) destroy() {
	r.stopTicker()
	for _, st := range r.seats {
		st.sess.SetStatus(session.StatusOnline)
		r.detach(st.sess.ConnID)
	}
	r.seats = nil
	r.remove(r.ID)
	r.cancel()
}

func (r *Room) setTicker(d time.Duration) {
	r.stopTicker()
	r.ticker = time.NewTicker(d)
}

func (r *Room) stopTicker() {
	if r.ticker != nil {
		r.ticker.Stop()
		r.ticker = nil
	}
}

func (r *Room) seatOf(connID string) *Seat {
	for _, st := range r.seats {
		if st.sess.ConnID == connID {
			return st
		}
	}
	return nil
}

func (r *Room) freeSlot() int {
	used := [MaxSeats]bool{}
	for _, st := range r.seats {
		used[st.slot] = true
	}
	for i, taken := range used {
		if !taken {
			return i
		}
	}
	return 0 // unreachable while MaxSeats is enforced
}

func (r *Room) allReady() bool {
	for _, st := range r.seats {
		if !st.Ready {
			return false
		}
	}
	return true
}

func (r *Room) aliveCount() int {
	n := 0
	for _, st := range r.seats {
		if st.Alive {
			n++
		}
	}
	return n
}

// soleWinner returns the lone alive seat only if its score already met
// the target; survival alone does not make a winner.
func (r *Room) soleWinner() *Seat {
	var alive *Seat
	for _, st := range r.seats {
		if st.Alive {
			if alive != nil {
				return nil
			}
			alive = st
		}
	}
	if alive != nil && alive.Score >= r.cfg.TargetScore {
		return alive
	}
	return nil
}

func (r *Room) roomInfo() roomInfoPayload {
	return roomInfoPayload{
		RoomID:      r.ID,
		GameID:      r.GameID,
		Status:      r.status,
		Seats:       r.seatViews(),
		TargetScore: r.cfg.TargetScore,
	}
}

func (r *Room) seatViews() []SeatView {
	out := make([]SeatView, len(r.seats))
	for i, st := range r.seats {
		out[i] = seatView(st)
	}
	return out
}

func seatView(st *Seat) SeatView {
	body := make([]Vec, len(st.Body))
	copy(body, st.Body)
	return SeatView{
		UserID:     st.sess.UserID,
		Username:   st.sess.Username,
		Ready:      st.Ready,
		Alive:      st.Alive,
		Score:      st.Score,
		Body:       body,
		Dir:        st.Dir,
		LastMoveAt: st.LastMoveAt,
	}
}

// sortRanking orders alive seats first, then by score descending.
func sortRanking(views []SeatView) {
	sort.SliceStable(views, func(i, j int) bool {
		if views[i].Alive != views[j].Alive {
			return views[i].Alive
		}
		return views[i].Score > views[j].Score
	})
}

func (r *Room) broadcast(ev types.Event) {
	b, err := json.Marshal(ev)
	if err != nil {
		return
	}
	for _, st := range r.seats {
		st.sess.SendRaw(b)
	}
}

func (r *Room) broadcastExcept(connID string, ev types.Event) {
	b, err := json.Marshal(ev)
	if err != nil {
		return
	}
	for _, st := range r.seats {
		if st.sess.ConnID != connID {
			st.sess.SendRaw(b)
		}
	}
}
