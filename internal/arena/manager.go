package arena

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/gamehub/realtime-backend/internal/leaderboard"
	"github.com/gamehub/realtime-backend/internal/session"
)

var (
	ErrAlreadyInRoom = errors.New("session already seated in a room")
	ErrNotInRoom     = errors.New("session has no room")
)

// Manager finds-or-creates rooms and routes per-player commands to the
// owning room's goroutine. Only the room maps live behind its mutex; all
// game state belongs to the rooms themselves.
type Manager struct {
	mu     sync.Mutex
	rooms  map[string]*Room
	byConn map[string]*Room

	cfg         Config
	idleTimeout time.Duration
	relay       *leaderboard.Relay
	logger      *zap.Logger
	ctx         context.Context
	cancel      context.CancelFunc
}

func NewManager(parent context.Context, cfg Config, sweepEvery, idleTimeout time.Duration,
	relay *leaderboard.Relay, logger *zap.Logger) *Manager {
	ctx, cancel := context.WithCancel(parent)
	m := &Manager{
		rooms:       make(map[string]*Room),
		byConn:      make(map[string]*Room),
		cfg:         cfg,
		idleTimeout: idleTimeout,
		relay:       relay,
		logger:      logger,
		ctx:         ctx,
		cancel:      cancel,
	}
	go m.sweepLoop(sweepEvery)
	return m
}

func (m *Manager) Close() { m.cancel() }

// Join seats the session in a waiting room for the game type, creating a
// fresh room when every candidate is full or already past waiting.
func (m *Manager) Join(s *session.Session, gameID string) error {
	m.mu.Lock()
	if _, ok := m.byConn[s.ConnID]; ok {
		m.mu.Unlock()
		return ErrAlreadyInRoom
	}
	candidates := make([]*Room, 0, len(m.rooms))
	for _, r := range m.rooms {
		if r.GameID == gameID {
			candidates = append(candidates, r)
		}
	}
	m.mu.Unlock()

	for _, r := range candidates {
		if m.tryJoin(s, r) {
			return nil
		}
	}

	r := newRoom(m.ctx, gameID, m.cfg, m.relay, m.detach, m.forget, m.logger)
	m.mu.Lock()
	m.rooms[r.ID] = r
	m.mu.Unlock()
	m.logger.Info("room created", zap.String("room_id", r.ID), zap.String("game_id", gameID))
	if !m.tryJoin(s, r) {
		return ErrNotInRoom // room died between creation and join; next attempt recreates
	}
	return nil
}

// tryJoin attaches before asking the room, so a disconnect arriving the
// instant the seat is granted still finds the mapping to tear down.
func (m *Manager) tryJoin(s *session.Session, r *Room) bool {
	m.attach(s.ConnID, r)
	if r.join(s) {
		return true
	}
	m.detach(s.ConnID)
	return false
}

func (m *Manager) SetReady(connID string, ready *bool) error {
	return m.send(connID, readyMsg{connID: connID, ready: ready})
}

func (m *Manager) Move(connID string, dx, dy int) error {
	return m.send(connID, moveMsg{connID: connID, dir: Vec{dx, dy}})
}

// Leave is idempotent: an already-departed seat resolves to ErrNotInRoom
// at this layer and callers treat that as a no-op.
func (m *Manager) Leave(connID string) error {
	return m.send(connID, leaveMsg{connID: connID})
}

// HandleDisconnect is the registry removal hook.
func (m *Manager) HandleDisconnect(s *session.Session) {
	_ = m.Leave(s.ConnID)
}

func (m *Manager) ActiveCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.rooms)
}

// RoomView returns a snapshot of the session's room, for tests.
func (m *Manager) RoomView(connID string) (View, bool) {
	m.mu.Lock()
	r, ok := m.byConn[connID]
	m.mu.Unlock()
	if !ok {
		return View{}, false
	}
	reply := make(chan View, 1)
	select {
	case r.inbox <- viewMsg{reply: reply}:
	case <-r.ctx.Done():
		return View{}, false
	}
	select {
	case v := <-reply:
		return v, true
	case <-r.ctx.Done():
		return View{}, false
	}
}

func (m *Manager) send(connID string, msg roomMsg) error {
	m.mu.Lock()
	r, ok := m.byConn[connID]
	m.mu.Unlock()
	if !ok {
		return ErrNotInRoom
	}
	select {
	case r.inbox <- msg:
		return nil
	case <-r.ctx.Done():
		return ErrNotInRoom
	}
}

func (m *Manager) attach(connID string, r *Room) {
	m.mu.Lock()
	m.byConn[connID] = r
	m.mu.Unlock()
}

// detach and forget are the room-side callbacks; rooms call them from
// their own goroutines as seats empty out.
func (m *Manager) detach(connID string) {
	m.mu.Lock()
	delete(m.byConn, connID)
	m.mu.Unlock()
}

func (m *Manager) forget(roomID string) {
	m.mu.Lock()
	delete(m.rooms, roomID)
	m.mu.Unlock()
	m.logger.Info("room destroyed", zap.String("room_id", roomID))
}

func (m *Manager) sweepLoop(every time.Duration) {
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-m.ctx.Done():
			return
		case <-t.C:
			cutoff := time.Now().Add(-m.idleTimeout)
			m.mu.Lock()
			rooms := make([]*Room, 0, len(m.rooms))
			for _, r := range m.rooms {
				rooms = append(rooms, r)
			}
			m.mu.Unlock()
			for _, r := range rooms {
				select {
				case r.inbox <- sweepMsg{cutoff: cutoff}:
				case <-r.ctx.Done():
				}
			}
		}
	}
}

// join sends the join request into the room goroutine and waits for the
// verdict; a room that shut down concurrently reads as a refusal.
func (r *Room) join(s *session.Session) bool {
	reply := make(chan bool, 1)
	select {
	case r.inbox <- joinMsg{sess: s, reply: reply}:
	case <-r.ctx.Done():
		return false
	}
	select {
	case ok := <-reply:
		return ok
	case <-r.ctx.Done():
		return false
	}
}
