package gateway

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/stellarlinkco/levelbot/internal/settings"
	"github.com/stellarlinkco/levelbot/internal/store"
	"github.com/stellarlinkco/levelbot/internal/xp"
)

const (
	defaultLeaderboardLimit = 10
	maxLeaderboardLimit     = 100
)

// ErrorResponse is the body of every non-2xx API reply.
type ErrorResponse struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}

// MemberResponse is one member's XP standing.
type MemberResponse struct {
	GuildID           string     `json:"guildId"`
	UserID            string     `json:"userId"`
	Username          string     `json:"username,omitempty"`
	Rank              int        `json:"rank"`
	XP                int        `json:"xp"`
	Level             int        `json:"level"`
	MessageCount      int        `json:"messageCount"`
	DecayedXP         int        `json:"decayedXp"`
	LatestMessageTime *time.Time `json:"latestMessageTime,omitempty"`
	LatestDecayTime   *time.Time `json:"latestDecayTime,omitempty"`
}

// XPActionRequest awards (positive amount), takes away (negative amount) or
// resets a member's XP.
type XPActionRequest struct {
	Amount   int    `json:"amount"`
	Reset    bool   `json:"reset"`
	Username string `json:"username,omitempty"`
}

type TransferRequest struct {
	From         string `json:"from"`
	To           string `json:"to"`
	Amount       int    `json:"amount"`
	FromUsername string `json:"fromUsername,omitempty"`
	ToUsername   string `json:"toUsername,omitempty"`
}

func (g *Gateway) routes() *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	if len(g.cfg.Gateway.AllowedOrigins) > 0 {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins: g.cfg.Gateway.AllowedOrigins,
			AllowedMethods: []string{"GET", "POST", "PUT", "OPTIONS"},
			AllowedHeaders: []string{"Accept", "Content-Type"},
		}))
	}

	r.Get("/healthz", g.handleHealth)
	r.Handle("/metrics", promhttp.HandlerFor(g.registry, promhttp.HandlerOpts{}))

	r.Route("/api", func(r chi.Router) {
		r.Get("/queues", g.handleQueues)
		r.Route("/guilds/{guildID}", func(r chi.Router) {
			r.Get("/leaderboard", g.handleLeaderboard)
			r.Get("/members/{userID}", g.handleMember)
			r.Post("/members/{userID}/xp", g.handleXPAction)
			r.Post("/transfers", g.handleTransfer)
			r.Get("/settings", g.handleGetSettings)
			r.Put("/settings", g.handlePutSettings)
		})
	})

	return r
}

func (g *Gateway) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":   "ok",
		"channels": g.channels.EnabledChannels(),
		"guilds":   g.service.Registry().Len(),
	})
}

func (g *Gateway) handleQueues(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, g.service.QueueDepths())
}

func (g *Gateway) handleLeaderboard(w http.ResponseWriter, r *http.Request) {
	guildID := chi.URLParam(r, "guildID")
	limit := defaultLeaderboardLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer", err)
			return
		}
		limit = min(n, maxLeaderboardLimit)
	}

	standings, err := g.service.Leaderboard(r.Context(), guildID, limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to load leaderboard", err)
		return
	}
	out := make([]MemberResponse, 0, len(standings))
	for _, s := range standings {
		out = append(out, toMemberResponse(s.Rank, s.Row))
	}
	writeJSON(w, http.StatusOK, out)
}

func (g *Gateway) handleMember(w http.ResponseWriter, r *http.Request) {
	guildID := chi.URLParam(r, "guildID")
	userID := chi.URLParam(r, "userID")

	rank, row, ok, err := g.service.Rank(r.Context(), guildID, userID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to load member", err)
		return
	}
	if !ok {
		writeError(w, http.StatusNotFound, "member has no XP record", nil)
		return
	}
	writeJSON(w, http.StatusOK, toMemberResponse(rank, row))
}

func (g *Gateway) handleXPAction(w http.ResponseWriter, r *http.Request) {
	guildID := chi.URLParam(r, "guildID")
	userID := chi.URLParam(r, "userID")

	var req XPActionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body", err)
		return
	}
	if !req.Reset && req.Amount == 0 {
		writeError(w, http.StatusBadRequest, "amount must be non-zero unless reset is set", nil)
		return
	}

	g.service.EnqueueXPAction(guildID, userID, req.Username, req.Amount, req.Reset)
	writeJSON(w, http.StatusAccepted, map[string]bool{"queued": true})
}

func (g *Gateway) handleTransfer(w http.ResponseWriter, r *http.Request) {
	guildID := chi.URLParam(r, "guildID")

	var req TransferRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body", err)
		return
	}

	err := g.service.EnqueueTransfer(xp.Transfer{
		GuildID:      guildID,
		FromUserID:   req.From,
		FromUsername: req.FromUsername,
		ToUserID:     req.To,
		ToUsername:   req.ToUsername,
		Amount:       req.Amount,
	})
	if errors.Is(err, xp.ErrInvalidTransfer) {
		writeError(w, http.StatusBadRequest, "invalid transfer", err)
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to queue transfer", err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]bool{"queued": true})
}

func (g *Gateway) handleGetSettings(w http.ResponseWriter, r *http.Request) {
	guildID := chi.URLParam(r, "guildID")

	cfg, err := g.store.Settings(r.Context(), guildID)
	if errors.Is(err, store.ErrNotFound) {
		cfg = g.cfg.XP.Defaults.ForGuild(guildID)
	} else if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to load settings", err)
		return
	}
	writeJSON(w, http.StatusOK, cfg)
}

// handlePutSettings merges the body into the current settings, so omitted
// fields keep their value.
func (g *Gateway) handlePutSettings(w http.ResponseWriter, r *http.Request) {
	guildID := chi.URLParam(r, "guildID")

	current, err := g.store.GuildSettings(r.Context(), guildID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to load settings", err)
		return
	}
	next := current.Clone()
	if err := json.NewDecoder(r.Body).Decode(&next); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body", err)
		return
	}
	next.GuildID = guildID
	if next.MessageCountMode == "" {
		next.MessageCountMode = settings.CountPerMessage
	}
	if err := next.Validate(); err != nil {
		writeError(w, http.StatusBadRequest, "invalid settings", err)
		return
	}

	if err := g.store.SaveGuildSettings(r.Context(), next); err != nil {
		writeError(w, http.StatusInternalServerError, "failed to save settings", err)
		return
	}
	writeJSON(w, http.StatusOK, next)
}

func toMemberResponse(rank int, row xp.Row) MemberResponse {
	return MemberResponse{
		GuildID:           row.GuildID,
		UserID:            row.UserID,
		Username:          row.Username,
		Rank:              rank,
		XP:                row.XP,
		Level:             row.Level,
		MessageCount:      row.MessageCount,
		DecayedXP:         row.DecayedXP,
		LatestMessageTime: timeOrNil(row.LatestMessageTime),
		LatestDecayTime:   timeOrNil(row.LatestDecayTime),
	}
}

func timeOrNil(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string, err error) {
	resp := ErrorResponse{Error: message}
	if err != nil {
		resp.Details = err.Error()
	}
	writeJSON(w, status, resp)
}
