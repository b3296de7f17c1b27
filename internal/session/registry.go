package session

import (
	"encoding/json"
	"fmt"
	"math/rand"
	"sync"

	"go.uber.org/zap"

	"github.com/gamehub/realtime-backend/internal/types"
)

// RemoveHook runs as part of Remove, after the session has left the map
// and before the online count is rebroadcast. The match coordinator and
// the arena manager register hooks here so disconnect cleanup cascades
// from a single entry point.
type RemoveHook func(*Session)

// Registry maps live connections to sessions and owns the only shared
// view of who is online.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*Session
	hooks    []RemoveHook
	guestSeq int
	logger   *zap.Logger
}

func NewRegistry(logger *zap.Logger) *Registry {
	return &Registry{
		sessions: make(map[string]*Session),
		logger:   logger,
	}
}

// OnRemove appends a cleanup hook. Call during wiring, before any
// connection is accepted.
func (r *Registry) OnRemove(h RemoveHook) {
	r.hooks = append(r.hooks, h)
}

// Register creates a session for the connection. An empty identity claim
// is not an error: the connection becomes a guest with a generated
// identity, matching how the platform treats unauthenticated players.
func (r *Registry) Register(connID string, claim Identity, outbox chan<- []byte) *Session {
	r.mu.Lock()
	if claim.UserID == "" {
		r.guestSeq++
		claim.UserID = fmt.Sprintf("guest_%d", r.guestSeq)
	}
	if claim.Username == "" {
		claim.Username = fmt.Sprintf("Guest%03d", rand.Intn(1000))
	}
	s := newSession(connID, claim, outbox)
	r.sessions[connID] = s
	count := len(r.sessions)
	r.mu.Unlock()

	r.logger.Info("session registered",
		zap.String("conn_id", connID),
		zap.String("user_id", s.UserID),
		zap.String("username", s.Username))

	s.Send(types.Event{Type: types.EvtOnlineSuccess, Data: types.OnlineSuccessPayload{
		UserID:      s.UserID,
		Username:    s.Username,
		OnlineCount: count,
	}})
	r.Broadcast(types.Event{Type: types.EvtOnlineCountUpdate, Data: types.OnlineCountPayload{Count: count}})
	return s
}

func (r *Registry) Lookup(connID string) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[connID]
	return s, ok
}

// Remove is the single teardown entry point for a connection. It is a
// no-op for unknown ids, so racing a double disconnect is safe.
func (r *Registry) Remove(connID string) {
	r.mu.Lock()
	s, ok := r.sessions[connID]
	if !ok {
		r.mu.Unlock()
		return
	}
	delete(r.sessions, connID)
	count := len(r.sessions)
	r.mu.Unlock()

	s.markClosed()
	for _, h := range r.hooks {
		h(s)
	}

	r.logger.Info("session removed",
		zap.String("conn_id", connID),
		zap.String("username", s.Username))
	r.Broadcast(types.Event{Type: types.EvtOnlineCountUpdate, Data: types.OnlineCountPayload{Count: count}})
}

func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// Sessions returns a snapshot slice; callers iterate without holding the
// registry lock.
func (r *Registry) Sessions() []*Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, s)
	}
	return out
}

// Broadcast marshals once and fans the event out to every session.
func (r *Registry) Broadcast(ev types.Event) {
	b, err := json.Marshal(ev)
	if err != nil {
		return
	}
	for _, s := range r.Sessions() {
		s.SendRaw(b)
	}
}
