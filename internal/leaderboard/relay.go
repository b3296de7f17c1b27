package leaderboard

import (
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/gamehub/realtime-backend/internal/session"
	"github.com/gamehub/realtime-backend/internal/types"
)

// Bounds for the in-memory ledgers. The live ranking is what subscribers
// and the REST view read; the raw history is the longer append log that
// gets compacted on overflow.
const (
	liveCap        = 100
	historyCap     = 1000
	historyKeep    = 500
	activityCap    = 200
	activityKeep   = 100
	recordRankMax  = 10
	defaultTopSize = 10
)

// TopicAll is the synthetic game type that receives every update.
const TopicAll = "all"

type Entry struct {
	ID         string    `json:"id"`
	UserID     string    `json:"user_id"`
	Username   string    `json:"username"`
	GameID     string    `json:"game_id"`
	Score      int       `json:"score"`
	Level      int       `json:"level"`
	Duration   int       `json:"duration"`
	AchievedAt time.Time `json:"achieved_at"`
	Rank       int       `json:"rank,omitempty"`
}

type Activity struct {
	ID        string    `json:"id"`
	Type      string    `json:"type"`
	Username  string    `json:"username"`
	GameID    string    `json:"game_id,omitempty"`
	Score     int       `json:"score,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

type UpdatePayload struct {
	GameID      string  `json:"game_id"`
	Leaderboard []Entry `json:"leaderboard"`
	NewScore    *Entry  `json:"new_score,omitempty"`
}

type RecordPayload struct {
	Username string `json:"username"`
	GameID   string `json:"game_id"`
	Score    int    `json:"score"`
	Rank     int    `json:"rank"`
}

// Broadcaster pushes an event to every live connection; the session
// registry satisfies it.
type Broadcaster interface {
	Broadcast(types.Event)
}

// Relay is the live, in-memory score view. It is not the system of
// record: the persistence layer consumes the same submissions through
// the REST API elsewhere.
type Relay struct {
	mu         sync.Mutex
	live       map[string][]Entry // per game type, sorted by score desc, capped
	history    []Entry
	activities []Activity
	subs       map[string]map[string]*session.Session // topic -> connID -> session

	caster Broadcaster
	logger *zap.Logger
}

func NewRelay(caster Broadcaster, logger *zap.Logger) *Relay {
	return &Relay{
		live:   make(map[string][]Entry),
		subs:   make(map[string]map[string]*session.Session),
		caster: caster,
		logger: logger,
	}
}

// Submit appends a score, computes its rank within its game type
// (strictly higher scores + 1, so ties share the better rank), pushes
// an update to subscribers of the game type and of the "all" topic, and
// announces a new record to everyone when the rank makes the top ten.
func (r *Relay) Submit(e Entry) Entry {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.AchievedAt.IsZero() {
		e.AchievedAt = time.Now()
	}

	r.mu.Lock()
	board := insertRanked(r.live[e.GameID], e, liveCap)
	r.live[e.GameID] = board

	rank := 1
	for _, other := range board {
		if other.Score > e.Score {
			rank++
		}
	}
	e.Rank = rank

	r.history = append(r.history, e)
	if len(r.history) > historyCap {
		sort.SliceStable(r.history, func(i, j int) bool { return r.history[i].Score > r.history[j].Score })
		r.history = append([]Entry(nil), r.history[:historyKeep]...)
	}

	r.activities = append(r.activities, Activity{
		ID:        uuid.NewString(),
		Type:      "score_submit",
		Username:  e.Username,
		GameID:    e.GameID,
		Score:     e.Score,
		Timestamp: e.AchievedAt,
	})
	r.compactActivitiesLocked()
	r.mu.Unlock()

	r.logger.Info("score submitted",
		zap.String("username", e.Username),
		zap.String("game_id", e.GameID),
		zap.Int("score", e.Score),
		zap.Int("rank", rank))

	r.pushUpdate(e.GameID, &e)
	r.pushUpdate(TopicAll, &e)

	if rank <= recordRankMax {
		r.caster.Broadcast(types.Event{Type: types.EvtNewRecord, Data: RecordPayload{
			Username: e.Username,
			GameID:   e.GameID,
			Score:    e.Score,
			Rank:     rank,
		}})
	}
	return e
}

// Top returns the ranked slice for a game type. TopicAll (or "") merges
// every game type.
func (r *Relay) Top(gameID string, limit int) []Entry {
	if limit <= 0 {
		limit = defaultTopSize
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.topLocked(gameID, limit)
}

func (r *Relay) topLocked(gameID string, limit int) []Entry {
	var src []Entry
	if gameID == "" || gameID == TopicAll {
		for _, board := range r.live {
			src = append(src, board...)
		}
		sort.SliceStable(src, func(i, j int) bool { return src[i].Score > src[j].Score })
	} else {
		src = r.live[gameID]
	}
	if len(src) > limit {
		src = src[:limit]
	}
	out := make([]Entry, len(src))
	for i, e := range src {
		e.Rank = i + 1
		out[i] = e
	}
	return out
}

// Subscribe adds the session to the topic's push group and immediately
// sends the current board so the client does not start from nothing.
func (r *Relay) Subscribe(s *session.Session, gameID string) {
	topic := normalizeTopic(gameID)
	r.mu.Lock()
	group, ok := r.subs[topic]
	if !ok {
		group = make(map[string]*session.Session)
		r.subs[topic] = group
	}
	group[s.ConnID] = s
	board := r.topLocked(topic, defaultTopSize)
	r.mu.Unlock()

	s.Send(types.Event{Type: types.EvtLeaderboardUpdate, Data: UpdatePayload{
		GameID:      topic,
		Leaderboard: board,
	}})
}

func (r *Relay) Unsubscribe(s *session.Session, gameID string) {
	topic := normalizeTopic(gameID)
	r.mu.Lock()
	if group, ok := r.subs[topic]; ok {
		delete(group, s.ConnID)
		if len(group) == 0 {
			delete(r.subs, topic)
		}
	}
	r.mu.Unlock()
}

// HandleDisconnect drops the connection from every topic group; wired as
// a registry removal hook.
func (r *Relay) HandleDisconnect(s *session.Session) {
	r.mu.Lock()
	for topic, group := range r.subs {
		delete(group, s.ConnID)
		if len(group) == 0 {
			delete(r.subs, topic)
		}
	}
	r.mu.Unlock()
}

// AddActivity appends an externally reported activity (game started,
// achievement, ...) to the recent feed.
func (r *Relay) AddActivity(a Activity) Activity {
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	if a.Timestamp.IsZero() {
		a.Timestamp = time.Now()
	}
	r.mu.Lock()
	r.activities = append(r.activities, a)
	r.compactActivitiesLocked()
	r.mu.Unlock()
	return a
}

// Activities returns the most recent activities, newest first.
func (r *Relay) Activities(limit int) []Activity {
	if limit <= 0 {
		limit = 20
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	n := len(r.activities)
	if limit > n {
		limit = n
	}
	out := make([]Activity, limit)
	for i := 0; i < limit; i++ {
		out[i] = r.activities[n-1-i]
	}
	return out
}

// Clear wipes the ledgers. Exposed to the admin REST endpoint only.
func (r *Relay) Clear() {
	r.mu.Lock()
	r.live = make(map[string][]Entry)
	r.history = nil
	r.activities = nil
	r.mu.Unlock()
	r.logger.Warn("leaderboard cleared")
}

func (r *Relay) pushUpdate(topic string, newScore *Entry) {
	r.mu.Lock()
	board := r.topLocked(topic, defaultTopSize)
	group := make([]*session.Session, 0, len(r.subs[topic]))
	for _, s := range r.subs[topic] {
		group = append(group, s)
	}
	r.mu.Unlock()

	if len(group) == 0 {
		return
	}
	ev := types.Event{Type: types.EvtLeaderboardUpdate, Data: UpdatePayload{
		GameID:      topic,
		Leaderboard: board,
		NewScore:    newScore,
	}}
	for _, s := range group {
		s.Send(ev)
	}
}

func (r *Relay) compactActivitiesLocked() {
	if len(r.activities) > activityCap {
		r.activities = append([]Activity(nil), r.activities[len(r.activities)-activityKeep:]...)
	}
}

// insertRanked places e into the score-descending board, keeping ties in
// submission order, and trims to max.
func insertRanked(board []Entry, e Entry, max int) []Entry {
	i := sort.Search(len(board), func(i int) bool { return board[i].Score < e.Score })
	board = append(board, Entry{})
	copy(board[i+1:], board[i:])
	board[i] = e
	if len(board) > max {
		board = board[:max]
	}
	return board
}

func normalizeTopic(gameID string) string {
	if gameID == "" {
		return TopicAll
	}
	return gameID
}
