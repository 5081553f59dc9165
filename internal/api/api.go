// Package api implements the authenticated JSON endpoints behind the
// dashboard: current user, manageable guild list, and the per-guild welcome
// config.
package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/biscbot/dashboard/internal/discord"
	"github.com/biscbot/dashboard/internal/models"
	"github.com/biscbot/dashboard/internal/session"
	"github.com/biscbot/dashboard/internal/store"
)

// Handlers bundles the collaborators every endpoint needs.
type Handlers struct {
	sessions *session.Manager
	api      *discord.Client
	configs  store.ConfigStore
}

// New creates the API handler set.
func New(sessions *session.Manager, api *discord.Client, configs store.ConfigStore) *Handlers {
	return &Handlers{
		sessions: sessions,
		api:      api,
		configs:  configs,
	}
}

// Register wires the endpoints onto the mux.
func (h *Handlers) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/me", h.MeHandler)
	mux.HandleFunc("GET /api/get_guilds", h.GuildsHandler)
	mux.HandleFunc("GET /api/welcome_config", h.GetWelcomeConfigHandler)
	mux.HandleFunc("POST /api/welcome_config", h.SetWelcomeConfigHandler)
}

// meResponse is the identity subset exposed to the browser. The OAuth tokens
// stay inside the sealed cookie.
type meResponse struct {
	ID         string `json:"id"`
	Username   string `json:"username"`
	GlobalName string `json:"global_name,omitempty"`
	Avatar     string `json:"avatar,omitempty"`
	Email      string `json:"email,omitempty"`
	ExpiresAt  int64  `json:"expires_at"`
}

// MeHandler returns the identity stored in the session.
func (h *Handlers) MeHandler(w http.ResponseWriter, r *http.Request) {
	sess := h.sessions.Get(r)
	if sess.User == nil || sess.User.ID == "" {
		writeError(w, http.StatusUnauthorized, "not authenticated")
		return
	}

	writeJSON(w, http.StatusOK, meResponse{
		ID:         sess.User.ID,
		Username:   sess.User.Username,
		GlobalName: sess.User.GlobalName,
		Avatar:     sess.User.Avatar,
		Email:      sess.User.Email,
		ExpiresAt:  sess.User.ExpiresAt,
	})
}

// GuildsHandler returns the guilds the user may administer, fetched fresh
// from Discord and narrowed by the permission filter.
func (h *Handlers) GuildsHandler(w http.ResponseWriter, r *http.Request) {
	sess, ok := h.requireUser(w, r)
	if !ok {
		return
	}

	guilds, err := h.api.CurrentUserGuilds(r.Context(), sess.User.AccessToken)
	if err != nil {
		h.guildFetchError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, discord.FilterManageable(guilds))
}

// GetWelcomeConfigHandler returns the stored config for a guild, or the
// default disabled stub for guilds that were never configured.
func (h *Handlers) GetWelcomeConfigHandler(w http.ResponseWriter, r *http.Request) {
	sess, ok := h.requireUser(w, r)
	if !ok {
		return
	}

	guildID, ok := h.requireManageableGuild(w, r, sess)
	if !ok {
		return
	}

	cfg, err := h.configs.Get(r.Context(), guildID)
	if err != nil {
		if errors.Is(err, store.ErrConfigNotFound) {
			writeJSON(w, http.StatusOK, models.DisabledConfig(guildID))
			return
		}
		log.Error().Err(err).Str("guild_id", guildID).Msg("Failed to load welcome config")
		writeError(w, http.StatusInternalServerError, "failed to load welcome config")
		return
	}

	writeJSON(w, http.StatusOK, cfg)
}

type setConfigRequest struct {
	// Pointer so a missing field is distinguishable from an explicit false.
	WelcomeEnabled   *bool   `json:"welcomeEnabled"`
	WelcomeChannelID *string `json:"welcomeChannelId"`
	WelcomeMessage   *string `json:"welcomeMessage"`
}

// SetWelcomeConfigHandler upserts the config for a guild. Enabling requires
// fresh channel and message values; disabling nulls them both so nothing
// stale survives.
func (h *Handlers) SetWelcomeConfigHandler(w http.ResponseWriter, r *http.Request) {
	sess, ok := h.requireUser(w, r)
	if !ok {
		return
	}

	guildID, ok := h.requireManageableGuild(w, r, sess)
	if !ok {
		return
	}

	var req setConfigRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 64*1024)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	if req.WelcomeEnabled == nil {
		writeError(w, http.StatusBadRequest, "welcomeEnabled is required")
		return
	}

	cfg := &models.WelcomeConfig{
		GuildID:        guildID,
		WelcomeEnabled: *req.WelcomeEnabled,
		UpdatedAt:      time.Now().UTC(),
		UpdatedBy:      sess.User.ID,
	}

	if cfg.WelcomeEnabled {
		if req.WelcomeChannelID == nil || *req.WelcomeChannelID == "" ||
			req.WelcomeMessage == nil || *req.WelcomeMessage == "" {
			writeError(w, http.StatusBadRequest, "welcomeChannelId and welcomeMessage are required when enabled")
			return
		}
		cfg.WelcomeChannelID = req.WelcomeChannelID
		cfg.WelcomeMessage = req.WelcomeMessage
	}

	created, err := h.configs.Upsert(r.Context(), cfg)
	if err != nil {
		if errors.Is(err, store.ErrInvalidConfig) {
			writeError(w, http.StatusBadRequest, "invalid welcome config")
			return
		}
		log.Error().Err(err).Str("guild_id", guildID).Msg("Failed to save welcome config")
		writeError(w, http.StatusInternalServerError, "failed to save welcome config")
		return
	}

	log.Info().
		Str("guild_id", guildID).
		Str("updated_by", cfg.UpdatedBy).
		Bool("enabled", cfg.WelcomeEnabled).
		Msg("Welcome config saved")

	writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"created": created,
		"updated": !created,
	})
}

// requireUser rejects requests without an authenticated session.
func (h *Handlers) requireUser(w http.ResponseWriter, r *http.Request) (*session.Session, bool) {
	sess := h.sessions.Get(r)
	if sess.User == nil || sess.User.AccessToken == "" {
		writeJSON(w, http.StatusUnauthorized, map[string]string{
			"error":    "not authenticated",
			"redirect": "/api/auth_login",
		})
		return nil, false
	}
	return sess, true
}

// requireManageableGuild checks that the guildId query parameter names a
// guild the caller may administer. The guild list is fetched fresh on every
// request; the permission check must not rely on anything cached.
func (h *Handlers) requireManageableGuild(w http.ResponseWriter, r *http.Request, sess *session.Session) (string, bool) {
	guildID := r.URL.Query().Get("guildId")
	if guildID == "" {
		writeError(w, http.StatusBadRequest, "guildId is required")
		return "", false
	}

	guilds, err := h.api.CurrentUserGuilds(r.Context(), sess.User.AccessToken)
	if err != nil {
		h.guildFetchError(w, err)
		return "", false
	}

	for _, g := range guilds {
		if g.ID == guildID {
			if !g.Manageable() {
				writeError(w, http.StatusForbidden, "you do not have permission to manage this guild")
				return "", false
			}
			return guildID, true
		}
	}

	writeError(w, http.StatusNotFound, "guild not found")
	return "", false
}

// guildFetchError maps upstream failures from the guild list fetch. A 401
// from Discord means the access token expired: the session is destroyed and
// the client told to re-initiate login.
func (h *Handlers) guildFetchError(w http.ResponseWriter, err error) {
	if errors.Is(err, discord.ErrUnauthorized) {
		log.Debug().Msg("Discord rejected access token, destroying session")
		h.sessions.Destroy(w)
		writeJSON(w, http.StatusUnauthorized, map[string]string{
			"error":    "session expired",
			"redirect": "/api/auth_login",
		})
		return
	}
	log.Error().Err(err).Msg("Failed to fetch guilds from Discord")
	writeError(w, http.StatusInternalServerError, "failed to fetch your guilds")
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Error().Err(err).Msg("Failed to encode response")
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
