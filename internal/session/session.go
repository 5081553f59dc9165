// Package session implements the encrypted cookie that carries the entire
// browser session. There is no server-side session table: the sealed cookie
// is the record. The cookie is read then rewritten by a single request with
// no concurrent-writer protection; browsers serialize navigation so this is
// acceptable, but rapid double-submission is last-write-wins.
package session

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"
)

var (
	ErrInvalidSession = errors.New("invalid session")
	ErrSessionExpired = errors.New("session expired")
)

// Identity holds the authenticated Discord user plus the OAuth token bundle.
// The tokens never leave the sealed cookie; API responses expose only the
// identity fields.
type Identity struct {
	ID         string `json:"id"`
	Username   string `json:"username"`
	GlobalName string `json:"global_name,omitempty"`
	Avatar     string `json:"avatar,omitempty"`
	Email      string `json:"email,omitempty"`

	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token,omitempty"`
	// ExpiresAt is the access token expiry in epoch milliseconds, computed
	// once at issuance from the provider-reported lifetime.
	ExpiresAt int64 `json:"expires_at"`
}

// Session is the decoded cookie payload.
type Session struct {
	User *Identity `json:"user,omitempty"`
	// OAuthState is the single-use CSRF nonce bound to an in-flight OAuth
	// authorization request. Set by the login handler, consumed (matched or
	// not) exactly once by the callback handler.
	OAuthState string `json:"oauth_state,omitempty"`
	// ExpiresAt bounds the sealed payload's validity in epoch milliseconds.
	// Stamped at seal time from the manager TTL and enforced on open, so a
	// captured cookie value cannot be replayed past the TTL regardless of
	// the cookie MaxAge the browser was told.
	ExpiresAt int64 `json:"expires_at,omitempty"`
}

// Manager seals and opens session cookies with AES-256-GCM.
type Manager struct {
	aead       cipher.AEAD
	cookieName string
	ttl        time.Duration
	secure     bool
}

// NewManager creates a session manager. The secret must be exactly 32 bytes
// (AES-256). secure controls the cookie Secure attribute and should only be
// disabled for local development over plain HTTP.
func NewManager(secret []byte, ttl time.Duration, secure bool) (*Manager, error) {
	if len(secret) != 32 {
		return nil, fmt.Errorf("session secret must be 32 bytes, got %d", len(secret))
	}

	if ttl <= 0 {
		return nil, fmt.Errorf("session TTL must be greater than 0")
	}

	block, err := aes.NewCipher(secret)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}

	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create AEAD: %w", err)
	}

	return &Manager{
		aead:       aead,
		cookieName: "biscbot_session",
		ttl:        ttl,
		secure:     secure,
	}, nil
}

// Get returns the session carried by the request. A missing, malformed, or
// tampered cookie yields a fresh empty session rather than an error; the
// caller cannot distinguish "no cookie" from "bad cookie" and should not need
// to.
func (m *Manager) Get(r *http.Request) *Session {
	cookie, err := r.Cookie(m.cookieName)
	if err != nil {
		return &Session{}
	}

	sess, err := m.open(cookie.Value)
	if err != nil {
		log.Debug().Err(err).Msg("Discarding unreadable session cookie")
		return &Session{}
	}

	return sess
}

// Save seals the session and writes it as a cookie on the response. Each
// save restamps the expiry, so the TTL is measured from the last write. Must
// be called before the response status is written. A seal failure means the
// session was NOT persisted and the caller must not continue as if it was.
func (m *Manager) Save(w http.ResponseWriter, sess *Session) error {
	value, err := m.seal(sess)
	if err != nil {
		return fmt.Errorf("failed to seal session: %w", err)
	}

	http.SetCookie(w, &http.Cookie{
		Name:     m.cookieName,
		Value:    value,
		Path:     "/",
		HttpOnly: true,
		Secure:   m.secure,
		SameSite: http.SameSiteLaxMode,
		MaxAge:   int(m.ttl.Seconds()),
	})

	return nil
}

// Destroy expires the session cookie.
func (m *Manager) Destroy(w http.ResponseWriter) {
	http.SetCookie(w, &http.Cookie{
		Name:     m.cookieName,
		Value:    "",
		Path:     "/",
		HttpOnly: true,
		Secure:   m.secure,
		SameSite: http.SameSiteLaxMode,
		MaxAge:   -1,
	})
}

func (m *Manager) seal(sess *Session) (string, error) {
	sess.ExpiresAt = time.Now().Add(m.ttl).UnixMilli()

	data, err := json.Marshal(sess)
	if err != nil {
		return "", fmt.Errorf("failed to marshal session: %w", err)
	}

	nonce := make([]byte, m.aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("failed to generate nonce: %w", err)
	}

	// nonce || ciphertext, base64url encoded
	sealed := m.aead.Seal(nonce, nonce, data, nil)
	return base64.RawURLEncoding.EncodeToString(sealed), nil
}

func (m *Manager) open(value string) (*Session, error) {
	sealed, err := base64.RawURLEncoding.DecodeString(value)
	if err != nil {
		return nil, ErrInvalidSession
	}

	if len(sealed) < m.aead.NonceSize() {
		return nil, ErrInvalidSession
	}

	nonce, ciphertext := sealed[:m.aead.NonceSize()], sealed[m.aead.NonceSize():]
	data, err := m.aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, ErrInvalidSession
	}

	var sess Session
	if err := json.Unmarshal(data, &sess); err != nil {
		return nil, ErrInvalidSession
	}

	if sess.ExpiresAt == 0 || time.Now().UnixMilli() >= sess.ExpiresAt {
		return nil, ErrSessionExpired
	}

	return &sess, nil
}
