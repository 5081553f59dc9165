// Package login implements the Discord OAuth2 authorization-code flow. The
// state nonce lives in the encrypted session cookie and is consumed exactly
// once by the callback, matched or not, which is what makes the callback
// non-replayable.
package login

import (
	"crypto/rand"
	"fmt"
	"net/http"

	"github.com/rs/zerolog/log"
	"golang.org/x/oauth2"

	"github.com/biscbot/dashboard/internal/discord"
	"github.com/biscbot/dashboard/internal/session"
)

// Endpoint is Discord's OAuth2 endpoint pair. The token exchange must carry
// the byte-identical redirect URI used on the authorization request or
// Discord rejects it; oauth2.Config handles that for us.
var Endpoint = oauth2.Endpoint{
	AuthURL:  "https://discord.com/oauth2/authorize",
	TokenURL: "https://discord.com/api/oauth2/token",
}

// Scopes requested from Discord. "guilds" is what lets the dashboard list
// the servers the user can manage.
var Scopes = []string{"identify", "email", "guilds"}

// Discord handles the three browser-navigated auth endpoints.
type Discord struct {
	config   *oauth2.Config
	sessions *session.Manager
	api      *discord.Client
}

// NewDiscord creates the OAuth handler set.
func NewDiscord(clientID, clientSecret, redirectURL string, sessions *session.Manager, api *discord.Client) (*Discord, error) {
	if clientID == "" || clientSecret == "" || redirectURL == "" {
		return nil, fmt.Errorf("client ID, client secret, and redirect URL are required")
	}

	return &Discord{
		config: &oauth2.Config{
			ClientID:     clientID,
			ClientSecret: clientSecret,
			RedirectURL:  redirectURL,
			Scopes:       Scopes,
			Endpoint:     Endpoint,
		},
		sessions: sessions,
		api:      api,
	}, nil
}

// LoginHandler starts the OAuth flow: bind a fresh nonce to the session,
// persist it, then send the browser to Discord's consent page.
func (d *Discord) LoginHandler(w http.ResponseWriter, r *http.Request) {
	log.Debug().Msg("Initiating Discord OAuth flow")

	// rand.Text is a cryptographically secure source; the nonce must be
	// unpredictable for the CSRF defense to hold.
	state := rand.Text()

	sess := d.sessions.Get(r)
	sess.OAuthState = state

	// The nonce has to be persisted before we redirect; redirecting with an
	// unsaved nonce would make every callback fail the state check.
	if err := d.sessions.Save(w, sess); err != nil {
		log.Error().Err(err).Msg("Failed to persist session before redirect")
		http.Error(w, "Failed to start login", http.StatusInternalServerError)
		return
	}

	http.Redirect(w, r, d.config.AuthCodeURL(state), http.StatusFound)
}

// CallbackHandler completes the OAuth flow. Validation order matters and the
// first failure wins:
//
//  1. code and state present, else redirect with error=missing_params;
//  2. state matches the session nonce, else clear the nonce and redirect
//     with error=invalid_state;
//  3. on a match the nonce is still cleared before anything else, so a
//     replay of the same callback always dies at step 2.
func (d *Discord) CallbackHandler(w http.ResponseWriter, r *http.Request) {
	log.Debug().Msg("OAuth callback received")

	code := r.URL.Query().Get("code")
	state := r.URL.Query().Get("state")

	if code == "" || state == "" {
		log.Warn().Msg("OAuth callback missing code or state")
		http.Redirect(w, r, "/?error=missing_params", http.StatusFound)
		return
	}

	sess := d.sessions.Get(r)

	if state != sess.OAuthState {
		log.Warn().Msg("OAuth callback state mismatch")
		sess.OAuthState = ""
		if err := d.sessions.Save(w, sess); err != nil {
			log.Error().Err(err).Msg("Failed to clear session state")
		}
		http.Redirect(w, r, "/?error=invalid_state", http.StatusFound)
		return
	}

	// Single-use nonce: consumed here regardless of what happens next.
	sess.OAuthState = ""

	token, err := d.config.Exchange(r.Context(), code)
	if err != nil {
		log.Warn().Err(err).Msg("Failed to exchange OAuth code for token")
		d.failAuth(w, r, sess)
		return
	}

	log.Debug().Msg("OAuth token exchange successful")

	user, err := d.api.CurrentUser(r.Context(), token.AccessToken)
	if err != nil {
		log.Warn().Err(err).Msg("Failed to fetch user identity from Discord")
		d.failAuth(w, r, sess)
		return
	}

	sess.User = &session.Identity{
		ID:           user.ID,
		Username:     user.Username,
		GlobalName:   user.GlobalName,
		Avatar:       user.Avatar,
		Email:        user.Email,
		AccessToken:  token.AccessToken,
		RefreshToken: token.RefreshToken,
		// oauth2 computes Expiry once at issuance from expires_in; a single
		// clock read, no drift.
		ExpiresAt: token.Expiry.UnixMilli(),
	}

	if err := d.sessions.Save(w, sess); err != nil {
		log.Error().Err(err).Msg("Failed to persist session after login")
		http.Error(w, "Failed to create session", http.StatusInternalServerError)
		return
	}

	log.Info().Str("user", user.Username).Msg("User authenticated successfully")

	http.Redirect(w, r, "/dashboard.html", http.StatusFound)
}

// failAuth writes back the session (the consumed nonce must not survive) and
// sends the browser to the anonymous page. No user is written, so no partial
// auth state remains.
func (d *Discord) failAuth(w http.ResponseWriter, r *http.Request, sess *session.Session) {
	if err := d.sessions.Save(w, sess); err != nil {
		log.Error().Err(err).Msg("Failed to persist session")
	}
	http.Redirect(w, r, "/?error=auth_failed", http.StatusFound)
}

// LogoutHandler destroys the session cookie and returns to the landing page.
func (d *Discord) LogoutHandler(w http.ResponseWriter, r *http.Request) {
	d.sessions.Destroy(w)
	http.Redirect(w, r, "/", http.StatusFound)
}
