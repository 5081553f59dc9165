package login

import (
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"golang.org/x/oauth2"

	"github.com/biscbot/dashboard/internal/discord"
	"github.com/biscbot/dashboard/internal/session"
)

var testSecret = []byte("0123456789abcdef0123456789abcdef")

const tokenLifetimeSeconds = 604800

// fakeProvider is a stand-in for Discord's token and user endpoints. It
// counts token exchanges so tests can assert the exchange never happened.
type fakeProvider struct {
	srv            *httptest.Server
	tokenExchanges atomic.Int64
	failExchange   bool
}

func newFakeProvider(t *testing.T) *fakeProvider {
	p := &fakeProvider{}
	mux := http.NewServeMux()
	mux.HandleFunc("POST /token", func(w http.ResponseWriter, r *http.Request) {
		p.tokenExchanges.Add(1)
		if p.failExchange {
			w.WriteHeader(http.StatusBadRequest)
			_, _ = w.Write([]byte(`{"error":"invalid_grant"}`))
			return
		}
		require.NoError(t, r.ParseForm())
		require.Equal(t, "authorization_code", r.PostForm.Get("grant_type"))
		require.NotEmpty(t, r.PostForm.Get("code"))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"access_token":"at-1","refresh_token":"rt-1","token_type":"Bearer","expires_in":604800}`))
	})
	mux.HandleFunc("GET /users/@me", func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "Bearer at-1", r.Header.Get("Authorization"))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"id":"42","username":"biscuit","global_name":"Biscuit","avatar":"abc","email":"b@example.com"}`))
	})
	p.srv = httptest.NewServer(mux)
	t.Cleanup(p.srv.Close)
	return p
}

func newTestDiscord(t *testing.T, p *fakeProvider) (*Discord, *session.Manager) {
	sessions, err := session.NewManager(testSecret, time.Hour, false)
	require.NoError(t, err)

	api := discord.NewClient(discord.WithBaseURL(p.srv.URL))

	d, err := NewDiscord("client-id", "client-secret", "http://localhost:3000/api/auth_callback", sessions, api)
	require.NoError(t, err)

	d.config.Endpoint = oauth2.Endpoint{
		AuthURL:  p.srv.URL + "/authorize",
		TokenURL: p.srv.URL + "/token",
	}

	return d, sessions
}

// sessionFromResponse decodes the session cookie written on the response.
func sessionFromResponse(sessions *session.Manager, rec *httptest.ResponseRecorder) *session.Session {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	for _, c := range rec.Result().Cookies() {
		req.AddCookie(c)
	}
	return sessions.Get(req)
}

// startLogin runs the login handler and returns the state it generated plus
// the session cookies it set.
func startLogin(t *testing.T, d *Discord, sessions *session.Manager) (state string, cookies []*http.Cookie) {
	rec := httptest.NewRecorder()
	d.LoginHandler(rec, httptest.NewRequest(http.MethodGet, "/api/auth_login", nil))

	require.Equal(t, http.StatusFound, rec.Code)

	loc, err := url.Parse(rec.Header().Get("Location"))
	require.NoError(t, err)
	state = loc.Query().Get("state")
	require.NotEmpty(t, state)

	sess := sessionFromResponse(sessions, rec)
	require.Equal(t, state, sess.OAuthState)

	return state, rec.Result().Cookies()
}

func callbackRequest(code, state string, cookies []*http.Cookie) *http.Request {
	target := "/api/auth_callback?code=" + url.QueryEscape(code) + "&state=" + url.QueryEscape(state)
	req := httptest.NewRequest(http.MethodGet, target, nil)
	for _, c := range cookies {
		req.AddCookie(c)
	}
	return req
}

func TestLoginHandler_RedirectsToProvider(t *testing.T) {
	p := newFakeProvider(t)
	d, sessions := newTestDiscord(t, p)

	rec := httptest.NewRecorder()
	d.LoginHandler(rec, httptest.NewRequest(http.MethodGet, "/api/auth_login", nil))

	require.Equal(t, http.StatusFound, rec.Code)

	loc, err := url.Parse(rec.Header().Get("Location"))
	require.NoError(t, err)
	q := loc.Query()
	require.Equal(t, "client-id", q.Get("client_id"))
	require.Equal(t, "code", q.Get("response_type"))
	require.Equal(t, "http://localhost:3000/api/auth_callback", q.Get("redirect_uri"))
	require.Contains(t, q.Get("scope"), "guilds")
	require.NotEmpty(t, q.Get("state"))

	// The nonce must be persisted before the redirect.
	sess := sessionFromResponse(sessions, rec)
	require.Equal(t, q.Get("state"), sess.OAuthState)
}

func TestLoginHandler_StateIsUnpredictable(t *testing.T) {
	p := newFakeProvider(t)
	d, sessions := newTestDiscord(t, p)

	first, _ := startLogin(t, d, sessions)
	second, _ := startLogin(t, d, sessions)

	require.NotEqual(t, first, second)
	require.GreaterOrEqual(t, len(first), 20)
}

func TestCallbackHandler_MissingParams(t *testing.T) {
	p := newFakeProvider(t)
	d, _ := newTestDiscord(t, p)

	for _, target := range []string{
		"/api/auth_callback",
		"/api/auth_callback?code=abc",
		"/api/auth_callback?state=xyz",
		"/api/auth_callback?code=&state=xyz",
	} {
		rec := httptest.NewRecorder()
		d.CallbackHandler(rec, httptest.NewRequest(http.MethodGet, target, nil))

		require.Equal(t, http.StatusFound, rec.Code, target)
		require.Equal(t, "/?error=missing_params", rec.Header().Get("Location"), target)
	}

	require.Equal(t, int64(0), p.tokenExchanges.Load())
}

func TestCallbackHandler_StateMismatchNeverContactsProvider(t *testing.T) {
	p := newFakeProvider(t)
	d, sessions := newTestDiscord(t, p)

	_, cookies := startLogin(t, d, sessions)

	rec := httptest.NewRecorder()
	d.CallbackHandler(rec, callbackRequest("attacker-code", "attacker-state", cookies))

	require.Equal(t, http.StatusFound, rec.Code)
	require.Equal(t, "/?error=invalid_state", rec.Header().Get("Location"))

	// The provider was never contacted and the nonce is gone.
	require.Equal(t, int64(0), p.tokenExchanges.Load())
	sess := sessionFromResponse(sessions, rec)
	require.Empty(t, sess.OAuthState)
	require.Nil(t, sess.User)
}

func TestCallbackHandler_Success(t *testing.T) {
	p := newFakeProvider(t)
	d, sessions := newTestDiscord(t, p)

	state, cookies := startLogin(t, d, sessions)

	before := time.Now()
	rec := httptest.NewRecorder()
	d.CallbackHandler(rec, callbackRequest("good-code", state, cookies))
	after := time.Now()

	require.Equal(t, http.StatusFound, rec.Code)
	require.Equal(t, "/dashboard.html", rec.Header().Get("Location"))
	require.Equal(t, int64(1), p.tokenExchanges.Load())

	sess := sessionFromResponse(sessions, rec)
	require.Empty(t, sess.OAuthState, "nonce must be consumed even on success")
	require.NotNil(t, sess.User)
	require.Equal(t, "42", sess.User.ID)
	require.Equal(t, "biscuit", sess.User.Username)
	require.Equal(t, "at-1", sess.User.AccessToken)
	require.Equal(t, "rt-1", sess.User.RefreshToken)

	// Expiry computed once at issuance from the provider-reported lifetime.
	lowMillis := before.Add(tokenLifetimeSeconds * time.Second).Add(-2 * time.Second).UnixMilli()
	highMillis := after.Add(tokenLifetimeSeconds * time.Second).Add(2 * time.Second).UnixMilli()
	require.GreaterOrEqual(t, sess.User.ExpiresAt, lowMillis)
	require.LessOrEqual(t, sess.User.ExpiresAt, highMillis)
}

func TestCallbackHandler_ReplayFailsStateCheck(t *testing.T) {
	p := newFakeProvider(t)
	d, sessions := newTestDiscord(t, p)

	state, cookies := startLogin(t, d, sessions)

	rec := httptest.NewRecorder()
	d.CallbackHandler(rec, callbackRequest("good-code", state, cookies))
	require.Equal(t, "/dashboard.html", rec.Header().Get("Location"))
	require.Equal(t, int64(1), p.tokenExchanges.Load())

	// Replay the exact same callback with the post-login cookie: the nonce
	// was consumed, so the state check fails and no second exchange happens.
	rec2 := httptest.NewRecorder()
	d.CallbackHandler(rec2, callbackRequest("good-code", state, rec.Result().Cookies()))

	require.Equal(t, http.StatusFound, rec2.Code)
	require.Equal(t, "/?error=invalid_state", rec2.Header().Get("Location"))
	require.Equal(t, int64(1), p.tokenExchanges.Load())
}

func TestCallbackHandler_ExchangeFailure(t *testing.T) {
	p := newFakeProvider(t)
	p.failExchange = true
	d, sessions := newTestDiscord(t, p)

	state, cookies := startLogin(t, d, sessions)

	rec := httptest.NewRecorder()
	d.CallbackHandler(rec, callbackRequest("bad-code", state, cookies))

	require.Equal(t, http.StatusFound, rec.Code)
	require.Equal(t, "/?error=auth_failed", rec.Header().Get("Location"))

	// No partial session state: nonce consumed, no user written.
	sess := sessionFromResponse(sessions, rec)
	require.Empty(t, sess.OAuthState)
	require.Nil(t, sess.User)
}

func TestLogoutHandler_DestroysSession(t *testing.T) {
	p := newFakeProvider(t)
	d, _ := newTestDiscord(t, p)

	rec := httptest.NewRecorder()
	d.LogoutHandler(rec, httptest.NewRequest(http.MethodGet, "/api/auth_logout", nil))

	require.Equal(t, http.StatusFound, rec.Code)
	require.Equal(t, "/", rec.Header().Get("Location"))

	cookies := rec.Result().Cookies()
	require.Len(t, cookies, 1)
	require.Equal(t, -1, cookies[0].MaxAge)
}

func TestNewDiscord_RequiresCredentials(t *testing.T) {
	sessions, err := session.NewManager(testSecret, time.Hour, false)
	require.NoError(t, err)

	_, err = NewDiscord("", "secret", "http://localhost/cb", sessions, discord.NewClient())
	require.Error(t, err)

	_, err = NewDiscord("id", "", "http://localhost/cb", sessions, discord.NewClient())
	require.Error(t, err)

	_, err = NewDiscord("id", "secret", "", sessions, discord.NewClient())
	require.Error(t, err)
}
