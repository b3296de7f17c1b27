package ws

import (
	"context"
	"encoding/json"
	"errors"
	"math/rand"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"go.uber.org/zap"

	"github.com/gamehub/realtime-backend/internal/arena"
	"github.com/gamehub/realtime-backend/internal/leaderboard"
	"github.com/gamehub/realtime-backend/internal/match"
	"github.com/gamehub/realtime-backend/internal/session"
	"github.com/gamehub/realtime-backend/internal/types"
)

const (
	readTimeout  = 60 * time.Second
	writeTimeout = 3 * time.Second
	outboxSize   = 32
)

// Server owns the realtime endpoint: it accepts connections, pumps the
// outbox, and dispatches the closed command set to the components.
type Server struct {
	reg     *session.Registry
	matches *match.Coordinator
	rooms   *arena.Manager
	relay   *leaderboard.Relay
	logger  *zap.Logger
}

func NewServer(reg *session.Registry, matches *match.Coordinator, rooms *arena.Manager,
	relay *leaderboard.Relay, logger *zap.Logger) *Server {
	return &Server{reg: reg, matches: matches, rooms: rooms, relay: relay, logger: logger}
}

func (s *Server) Handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
			// In dev ONLY, you can loosen origin checks:
			// OriginPatterns: []string{"http://localhost:*", "http://127.0.0.1:*"},
		})
		if err != nil {
			return
		}
		defer conn.Close(websocket.StatusNormalClosure, "bye")

		c := &client{
			srv:    s,
			connID: randID(8),
			out:    make(chan []byte, outboxSize),
		}

		// Writer goroutine: the only place that touches conn.Write.
		writeCtx, writeCancel := context.WithCancel(r.Context())
		defer writeCancel()
		go func() {
			for b := range c.out {
				ctx, cancel := context.WithTimeout(writeCtx, writeTimeout)
				_ = conn.Write(ctx, websocket.MessageText, b)
				cancel()
			}
		}()

		defer func() {
			// Removal cascades through the registry hooks before the
			// outbox closes, so peers get their notifications.
			if c.sess != nil {
				s.reg.Remove(c.connID)
			}
			close(c.out)
		}()

		for {
			ctx, cancel := context.WithTimeout(r.Context(), readTimeout)
			_, data, err := conn.Read(ctx)
			cancel()
			if err != nil {
				switch websocket.CloseStatus(err) {
				case websocket.StatusNormalClosure, websocket.StatusGoingAway:
					return
				}
				return
			}

			var cm types.ClientMessage
			if err := json.Unmarshal(data, &cm); err != nil {
				c.send(types.ErrorEvent("bad json"))
				continue
			}
			c.handle(cm)
		}
	}
}

// client is the per-connection dispatch state. sess stays nil until
// user_online succeeds.
type client struct {
	srv    *Server
	connID string
	out    chan []byte
	sess   *session.Session
}

func (c *client) send(ev types.Event) {
	b, err := json.Marshal(ev)
	if err != nil {
		return
	}
	select {
	case c.out <- b:
	default:
	}
}

// handle routes one command. Panics are converted to a scoped error so a
// bad message can never take the dispatch loop down.
func (c *client) handle(cm types.ClientMessage) {
	defer func() {
		if rec := recover(); rec != nil {
			c.srv.logger.Error("handler panic",
				zap.String("conn_id", c.connID),
				zap.String("command", cm.Type),
				zap.Any("panic", rec))
			c.send(types.ErrorEvent("internal error"))
		}
	}()

	switch cm.Type {
	case types.CmdPing:
		c.send(types.Event{Type: types.EvtPong, Data: types.PongPayload{Timestamp: time.Now().UnixMilli()}})
		return
	case types.CmdUserOnline:
		if c.sess != nil {
			c.send(types.ErrorEvent("already online"))
			return
		}
		c.sess = c.srv.reg.Register(c.connID, session.Identity{
			UserID:   cm.UserID,
			Username: cm.Username,
		}, c.out)
		return
	}

	if c.sess == nil {
		c.send(types.ErrorEvent("not authenticated"))
		return
	}

	switch cm.Type {
	case types.CmdSubscribeLeaderboard:
		c.srv.relay.Subscribe(c.sess, cm.GameID)

	case types.CmdUnsubscribeLeaderboard:
		c.srv.relay.Unsubscribe(c.sess, cm.GameID)

	case types.CmdSubmitScore:
		if cm.GameID == "" {
			c.send(types.ErrorEvent("missing game_id"))
			return
		}
		level := cm.Level
		if level == 0 {
			level = 1
		}
		c.srv.relay.Submit(leaderboard.Entry{
			UserID:   c.sess.UserID,
			Username: c.sess.Username,
			GameID:   cm.GameID,
			Score:    cm.Score,
			Level:    level,
			Duration: cm.Duration,
		})

	case types.CmdFindMatch:
		if cm.GameID == "" {
			c.send(types.ErrorEvent("missing game_id"))
			return
		}
		c.fail(c.srv.matches.Request(c.sess, cm.GameID))

	case types.CmdCancelMatch:
		c.fail(c.srv.matches.Cancel(c.sess))

	case types.CmdGameMove:
		c.fail(c.srv.matches.RelayMove(c.sess, cm.Payload))

	case types.CmdGameFinish:
		c.fail(c.srv.matches.Finish(c.sess, cm.Payload))

	case types.CmdChatMessage:
		if cm.Content == "" {
			c.send(types.ErrorEvent("empty message"))
			return
		}
		c.srv.reg.Broadcast(types.Event{Type: types.EvtChatMessage, Data: types.ChatPayload{
			ID:        randID(12),
			UserID:    c.sess.UserID,
			Username:  c.sess.Username,
			Content:   cm.Content,
			Timestamp: time.Now().UTC().Format(time.RFC3339),
		}})

	case types.CmdJoinRoom:
		if cm.GameID == "" {
			c.send(types.ErrorEvent("missing game_id"))
			return
		}
		c.fail(c.srv.rooms.Join(c.sess, cm.GameID))

	case types.CmdToggleReady:
		c.fail(c.srv.rooms.SetReady(c.connID, cm.Ready))

	case types.CmdPlayerMove:
		c.fail(c.srv.rooms.Move(c.connID, cm.DX, cm.DY))

	case types.CmdLeaveRoom:
		// Leaving an already-departed seat is a no-op, not an error.
		if err := c.srv.rooms.Leave(c.connID); err != nil && !errors.Is(err, arena.ErrNotInRoom) {
			c.send(types.ErrorEvent(err.Error()))
		}

	default:
		c.send(types.ErrorEvent("unknown command"))
	}
}

// fail reports a component error back to the sender only; nil passes
// through silently.
func (c *client) fail(err error) {
	if err != nil {
		c.send(types.ErrorEvent(err.Error()))
	}
}

func randID(length int) string {
	const charset = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"
	b := make([]byte, length)
	for i := range b {
		b[i] = charset[rand.Intn(len(charset))]
	}
	return string(b)
}
