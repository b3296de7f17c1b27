package types

import "encoding/json"

// Client -> Server command names. Anything outside this set is answered
// with a scoped error event.
const (
	CmdUserOnline             = "user_online"
	CmdSubscribeLeaderboard   = "subscribe_leaderboard"
	CmdUnsubscribeLeaderboard = "unsubscribe_leaderboard"
	CmdSubmitScore            = "submit_score"
	CmdFindMatch              = "find_match"
	CmdCancelMatch            = "cancel_match"
	CmdGameMove               = "game_move"
	CmdGameFinish             = "game_finish"
	CmdChatMessage            = "chat_message"
	CmdJoinRoom               = "join_room"
	CmdToggleReady            = "toggle_ready"
	CmdPlayerMove             = "player_move"
	CmdLeaveRoom              = "leave_room"
	CmdPing                   = "ping"
)

// Server -> Client event names.
const (
	EvtOnlineSuccess        = "online_success"
	EvtOnlineCountUpdate    = "online_count_update"
	EvtLeaderboardUpdate    = "leaderboard_update"
	EvtNewRecord            = "new_record"
	EvtMatchFound           = "match_found"
	EvtMatchWaiting         = "match_waiting"
	EvtMatchCancelled       = "match_cancelled"
	EvtOpponentMove         = "opponent_move"
	EvtOpponentGameFinish   = "opponent_game_finish"
	EvtOpponentDisconnected = "opponent_disconnected"
	EvtChatMessage          = "chat_message"
	EvtRoomJoined           = "room_joined"
	EvtPlayerJoined         = "player_joined"
	EvtPlayerLeft           = "player_left"
	EvtRoomUpdated          = "room_updated"
	EvtGameCountdown        = "game_countdown"
	EvtGameStarted          = "game_started"
	EvtGameStateUpdate      = "game_state_update"
	EvtGameFinished         = "game_finished"
	EvtPong                 = "pong"
	EvtError                = "error"
)

// ClientMessage is the single inbound envelope. Only the fields relevant
// to a given Type are expected to be set; the dispatcher validates per
// command before anything reaches component logic.
type ClientMessage struct {
	Type string `json:"type"`

	// user_online
	UserID   string `json:"user_id,omitempty"`
	Username string `json:"username,omitempty"`

	// subscribe/unsubscribe_leaderboard, submit_score, find_match, join_room
	GameID string `json:"game_id,omitempty"`

	// submit_score
	Score    int `json:"score,omitempty"`
	Level    int `json:"level,omitempty"`
	Duration int `json:"duration,omitempty"`

	// chat_message
	Content string `json:"content,omitempty"`

	// toggle_ready; nil means flip the current flag
	Ready *bool `json:"ready,omitempty"`

	// player_move
	DX int `json:"dx,omitempty"`
	DY int `json:"dy,omitempty"`

	// game_move / game_finish: opaque relay payloads, never inspected
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Event is the outbound envelope: a type tag plus a per-type payload.
type Event struct {
	Type string `json:"type"`
	Data any    `json:"data,omitempty"`
}

func ErrorEvent(msg string) Event {
	return Event{Type: EvtError, Data: ErrorPayload{Message: msg}}
}

type ErrorPayload struct {
	Message string `json:"message"`
}

type OnlineSuccessPayload struct {
	UserID      string `json:"user_id"`
	Username    string `json:"username"`
	OnlineCount int    `json:"online_count"`
}

type OnlineCountPayload struct {
	Count int `json:"count"`
}

type ChatPayload struct {
	ID        string `json:"id"`
	UserID    string `json:"user_id"`
	Username  string `json:"username"`
	Content   string `json:"content"`
	Timestamp string `json:"timestamp"`
}

type PongPayload struct {
	Timestamp int64 `json:"timestamp"`
}
