package session

import (
	"encoding/json"
	"sync"

	"github.com/gamehub/realtime-backend/internal/types"
)

type Status string

const (
	StatusOnline  Status = "online"
	StatusSeeking Status = "seeking_match"
	StatusInMatch Status = "in_pairwise_match"
	StatusInRoom  Status = "in_room"
)

// Identity is what the identity provider resolved for a connection, or a
// generated guest identity when no claim was presented.
type Identity struct {
	UserID   string `json:"user_id"`
	Username string `json:"username"`
}

// Session is the per-connection record. The registry owns the map it
// lives in; status and the seeking game tag are guarded by the session's
// own mutex because the match coordinator and room actors flip them from
// their own goroutines.
type Session struct {
	ConnID string
	Identity

	mu      sync.Mutex
	status  Status
	seeking string // desired game type while status is seeking_match
	outbox  chan<- []byte
	closed  bool
}

func newSession(connID string, id Identity, outbox chan<- []byte) *Session {
	return &Session{
		ConnID:   connID,
		Identity: id,
		status:   StatusOnline,
		outbox:   outbox,
	}
}

func (s *Session) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

func (s *Session) SetStatus(st Status) {
	s.mu.Lock()
	s.status = st
	if st != StatusSeeking {
		s.seeking = ""
	}
	s.mu.Unlock()
}

// SetSeeking marks the session as looking for a pairwise match of the
// given game type.
func (s *Session) SetSeeking(gameID string) {
	s.mu.Lock()
	s.status = StatusSeeking
	s.seeking = gameID
	s.mu.Unlock()
}

// SeekingGame reports the desired game type, and whether the session is
// currently seeking at all.
func (s *Session) SeekingGame() (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.seeking, s.status == StatusSeeking
}

// Send marshals the event and queues it on the connection's outbox. A
// full outbox drops the event rather than blocking the caller; the write
// pump owns pacing, not the components.
func (s *Session) Send(ev types.Event) {
	b, err := json.Marshal(ev)
	if err != nil {
		return
	}
	s.SendRaw(b)
}

func (s *Session) SendRaw(b []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	select {
	case s.outbox <- b:
	default:
		// Slow consumer; the read loop will notice the dead socket.
	}
}

// markClosed stops any further writes to the outbox so the ws handler can
// close the channel once the registry has finished the removal cascade.
func (s *Session) markClosed() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
}
