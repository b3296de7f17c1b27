package httpapi

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/gamehub/realtime-backend/internal/arena"
	"github.com/gamehub/realtime-backend/internal/leaderboard"
	"github.com/gamehub/realtime-backend/internal/match"
	"github.com/gamehub/realtime-backend/internal/session"
)

// Realtime serves read-only views over the live in-memory state. The
// system of record for historical scores is the external persistence
// layer; these endpoints only reflect what the relay currently holds.
type Realtime struct {
	reg      *session.Registry
	matches  *match.Coordinator
	rooms    *arena.Manager
	relay    *leaderboard.Relay
	adminKey string
	started  time.Time
}

func NewRealtime(reg *session.Registry, matches *match.Coordinator, rooms *arena.Manager,
	relay *leaderboard.Relay, adminKey string) *Realtime {
	return &Realtime{
		reg:      reg,
		matches:  matches,
		rooms:    rooms,
		relay:    relay,
		adminKey: adminKey,
		started:  time.Now(),
	}
}

func Healthz(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
}

func (rt *Realtime) Leaderboard(w http.ResponseWriter, r *http.Request) {
	gameID := r.URL.Query().Get("gameId")
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	board := rt.relay.Top(gameID, limit)
	writeJSON(w, http.StatusOK, map[string]any{
		"game_id":     normalize(gameID),
		"leaderboard": board,
		"updated_at":  time.Now().UTC(),
	})
}

func (rt *Realtime) Stats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"online_users":   rt.reg.Count(),
		"active_matches": rt.matches.ActiveCount(),
		"active_rooms":   rt.rooms.ActiveCount(),
		"uptime_seconds": int(time.Since(rt.started).Seconds()),
		"timestamp":      time.Now().UTC(),
	})
}

func (rt *Realtime) Activities(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	acts := rt.relay.Activities(limit)
	writeJSON(w, http.StatusOK, map[string]any{
		"activities": acts,
		"count":      len(acts),
	})
}

func (rt *Realtime) PostActivity(w http.ResponseWriter, r *http.Request) {
	var in struct {
		Type     string `json:"type"`
		Username string `json:"username"`
		GameID   string `json:"game_id"`
		Score    int    `json:"score"`
	}
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil || in.Type == "" || in.Username == "" {
		http.Error(w, "missing type or username", http.StatusBadRequest)
		return
	}
	a := rt.relay.AddActivity(leaderboard.Activity{
		Type:     in.Type,
		Username: in.Username,
		GameID:   in.GameID,
		Score:    in.Score,
	})
	writeJSON(w, http.StatusCreated, a)
}

func (rt *Realtime) ClearLeaderboard(w http.ResponseWriter, r *http.Request) {
	var in struct {
		AdminKey string `json:"admin_key"`
	}
	_ = json.NewDecoder(r.Body).Decode(&in)
	if rt.adminKey == "" || in.AdminKey != rt.adminKey {
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	}
	rt.relay.Clear()
	w.WriteHeader(http.StatusNoContent)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func normalize(gameID string) string {
	if gameID == "" {
		return leaderboard.TopicAll
	}
	return gameID
}
