package match

import (
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/gamehub/realtime-backend/internal/session"
	"github.com/gamehub/realtime-backend/internal/types"
)

var (
	ErrBusy       = errors.New("session already in a match or room")
	ErrNotSeeking = errors.New("session is not seeking a match")
	ErrNoMatch    = errors.New("no active match for session")
)

// Match is a 1:1 relay pairing. The server forwards opaque payloads
// between the two peers and never interprets them.
type Match struct {
	ID         string
	GameID     string
	Player1    *session.Session
	Player2    *session.Session
	CreatedAt  time.Time
	LastMoveAt time.Time
	Moves      int
}

func (m *Match) peerOf(connID string) *session.Session {
	if m.Player1.ConnID == connID {
		return m.Player2
	}
	return m.Player1
}

type FoundPayload struct {
	MatchID  string `json:"match_id"`
	GameID   string `json:"game_id"`
	Role     string `json:"role"` // "player1" | "player2"
	Opponent string `json:"opponent"`
}

type WaitingPayload struct {
	GameID string `json:"game_id"`
}

// Coordinator pairs seekers and relays moves. Every status transition in
// or out of seeking_match/in_pairwise_match happens under its mutex, so
// a session can never end up in two matches.
type Coordinator struct {
	mu      sync.Mutex
	reg     *session.Registry
	matches map[string]*Match // by match id
	byConn  map[string]*Match

	idleTimeout time.Duration
	logger      *zap.Logger
	stopCh      chan struct{}
	stopOnce    sync.Once
}

func NewCoordinator(reg *session.Registry, sweepEvery, idleTimeout time.Duration, logger *zap.Logger) *Coordinator {
	c := &Coordinator{
		reg:         reg,
		matches:     make(map[string]*Match),
		byConn:      make(map[string]*Match),
		idleTimeout: idleTimeout,
		logger:      logger,
		stopCh:      make(chan struct{}),
	}
	go c.sweepLoop(sweepEvery)
	return c
}

func (c *Coordinator) Close() {
	c.stopOnce.Do(func() { close(c.stopCh) })
}

// Request marks the session as seeking and pairs it with the first
// compatible seeker found. With no partner available the session simply
// stays flagged; a later seeker's scan is what eventually pairs it.
func (c *Coordinator) Request(s *session.Session, gameID string) error {
	c.mu.Lock()
	if _, ok := c.byConn[s.ConnID]; ok {
		c.mu.Unlock()
		return ErrBusy
	}
	if s.Status() == session.StatusInRoom {
		c.mu.Unlock()
		return ErrBusy
	}
	s.SetSeeking(gameID)

	var partner *session.Session
	for _, other := range c.reg.Sessions() {
		if other.ConnID == s.ConnID || other.UserID == s.UserID {
			continue
		}
		if g, seeking := other.SeekingGame(); seeking && g == gameID {
			partner = other
			break
		}
	}

	if partner == nil {
		c.mu.Unlock()
		s.Send(types.Event{Type: types.EvtMatchWaiting, Data: WaitingPayload{GameID: gameID}})
		return nil
	}

	m := &Match{
		ID:         uuid.NewString(),
		GameID:     gameID,
		Player1:    partner,
		Player2:    s,
		CreatedAt:  time.Now(),
		LastMoveAt: time.Now(),
	}
	c.matches[m.ID] = m
	c.byConn[partner.ConnID] = m
	c.byConn[s.ConnID] = m
	partner.SetStatus(session.StatusInMatch)
	s.SetStatus(session.StatusInMatch)
	c.mu.Unlock()

	c.logger.Info("match created",
		zap.String("match_id", m.ID),
		zap.String("game_id", gameID),
		zap.String("player1", partner.Username),
		zap.String("player2", s.Username))

	partner.Send(types.Event{Type: types.EvtMatchFound, Data: FoundPayload{
		MatchID: m.ID, GameID: gameID, Role: "player1", Opponent: s.Username,
	}})
	s.Send(types.Event{Type: types.EvtMatchFound, Data: FoundPayload{
		MatchID: m.ID, GameID: gameID, Role: "player2", Opponent: partner.Username,
	}})
	return nil
}

// Cancel reverts a seeking session to online. Valid only while seeking.
func (c *Coordinator) Cancel(s *session.Session) error {
	c.mu.Lock()
	if _, seeking := s.SeekingGame(); !seeking {
		c.mu.Unlock()
		return ErrNotSeeking
	}
	s.SetStatus(session.StatusOnline)
	c.mu.Unlock()

	s.Send(types.Event{Type: types.EvtMatchCancelled})
	return nil
}

// RelayMove forwards the opaque payload to the peer verbatim.
func (c *Coordinator) RelayMove(s *session.Session, payload json.RawMessage) error {
	c.mu.Lock()
	m, ok := c.byConn[s.ConnID]
	if !ok {
		c.mu.Unlock()
		return ErrNoMatch
	}
	m.LastMoveAt = time.Now()
	m.Moves++
	peer := m.peerOf(s.ConnID)
	c.mu.Unlock()

	peer.Send(types.Event{Type: types.EvtOpponentMove, Data: payload})
	return nil
}

// Finish ends the match: the peer learns the result and both sessions go
// back to online.
func (c *Coordinator) Finish(s *session.Session, result json.RawMessage) error {
	c.mu.Lock()
	m, ok := c.byConn[s.ConnID]
	if !ok {
		c.mu.Unlock()
		return ErrNoMatch
	}
	peer := m.peerOf(s.ConnID)
	c.removeLocked(m)
	c.mu.Unlock()

	peer.Send(types.Event{Type: types.EvtOpponentGameFinish, Data: result})
	c.logger.Info("match finished", zap.String("match_id", m.ID))
	return nil
}

// HandleDisconnect is the registry removal hook: the surviving peer is
// told and reverted to online, and the match is destroyed.
func (c *Coordinator) HandleDisconnect(s *session.Session) {
	c.mu.Lock()
	m, ok := c.byConn[s.ConnID]
	if !ok {
		c.mu.Unlock()
		return
	}
	peer := m.peerOf(s.ConnID)
	c.removeLocked(m)
	c.mu.Unlock()

	peer.Send(types.Event{Type: types.EvtOpponentDisconnected})
	c.logger.Info("match dropped on disconnect",
		zap.String("match_id", m.ID),
		zap.String("conn_id", s.ConnID))
}

func (c *Coordinator) ActiveCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.matches)
}

// removeLocked deletes the match and flips both sessions back to online.
func (c *Coordinator) removeLocked(m *Match) {
	delete(c.matches, m.ID)
	delete(c.byConn, m.Player1.ConnID)
	delete(c.byConn, m.Player2.ConnID)
	m.Player1.SetStatus(session.StatusOnline)
	m.Player2.SetStatus(session.StatusOnline)
}

func (c *Coordinator) sweepLoop(every time.Duration) {
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-c.stopCh:
			return
		case <-t.C:
			c.sweep(time.Now())
		}
	}
}

// sweep drops matches with no activity past the idle timeout. No
// notifications: by then both peers are expected to be long gone.
func (c *Coordinator) sweep(now time.Time) {
	c.mu.Lock()
	var stale []*Match
	for _, m := range c.matches {
		if now.Sub(m.LastMoveAt) > c.idleTimeout {
			stale = append(stale, m)
		}
	}
	for _, m := range stale {
		c.removeLocked(m)
	}
	c.mu.Unlock()

	for _, m := range stale {
		c.logger.Info("idle match swept", zap.String("match_id", m.ID))
	}
}
