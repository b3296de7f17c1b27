package httpapi

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/gamehub/realtime-backend/internal/ws"
)

func SetupRoutes(rt *Realtime, wsrv *ws.Server) http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", Healthz)
	r.Get("/ws", wsrv.Handler())

	r.Route("/api/realtime", func(r chi.Router) {
		r.Get("/leaderboard", rt.Leaderboard)
		r.Delete("/leaderboard", rt.ClearLeaderboard)
		r.Get("/stats", rt.Stats)
		r.Get("/activities", rt.Activities)
		r.Post("/activity", rt.PostActivity)
	})
	return r
}
