package commands

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"filippo.io/csrf"
	"github.com/rs/cors"
	"github.com/rs/zerolog/log"

	"github.com/biscbot/dashboard/internal/api"
	"github.com/biscbot/dashboard/internal/discord"
	httpmiddleware "github.com/biscbot/dashboard/internal/http"
	"github.com/biscbot/dashboard/internal/logger"
	"github.com/biscbot/dashboard/internal/login"
	"github.com/biscbot/dashboard/internal/metrics"
	"github.com/biscbot/dashboard/internal/session"
	"github.com/biscbot/dashboard/internal/store"
	memorystore "github.com/biscbot/dashboard/internal/store/memory"
	postgresstore "github.com/biscbot/dashboard/internal/store/postgres"
)

type ServeCmd struct {
	// Server configuration
	Listen    string `help:"HTTP server listen address" default:"localhost:3000" env:"BISCBOT_LISTEN"`
	PublicDir string `help:"directory of static dashboard assets" default:"public" env:"BISCBOT_PUBLIC_DIR"`
	Cert      string `help:"path to TLS cert file (plain HTTP when unset)" default:"" env:"BISCBOT_TLS_CERT"`
	Key       string `help:"path to TLS key file" default:"" env:"BISCBOT_TLS_KEY"`

	// CORS configuration
	CORSOrigins []string `help:"allowed CORS origins for API requests" default:"http://localhost:3000" env:"BISCBOT_CORS_ORIGINS"`

	// Discord OAuth configuration
	ClientID     string `help:"Discord application client ID" env:"BISCBOT_DISCORD_CLIENT_ID" required:""`
	ClientSecret string `help:"Discord application client secret" env:"BISCBOT_DISCORD_CLIENT_SECRET" required:""`
	RedirectURL  string `help:"OAuth redirect URL registered with Discord" env:"BISCBOT_DISCORD_REDIRECT_URI" required:""`

	// Session configuration
	SessionSecret   string        `help:"32-byte secret for the session cookie" env:"BISCBOT_SESSION_SECRET" required:""`
	SessionTTL      time.Duration `help:"session TTL" default:"168h" env:"BISCBOT_SESSION_TTL"`
	InsecureCookies bool          `help:"drop the Secure cookie attribute (local development only)" default:"false" env:"BISCBOT_INSECURE_COOKIES"`

	// Rate limit for the auth endpoints
	LoginRateBurst    int     `help:"burst size of the per-IP auth rate limit" default:"5"`
	LoginRate         float64 `help:"sustained per-IP auth requests per second" default:"1"`
	TrustProxyHeaders bool    `help:"trust X-Forwarded-For/X-Real-IP for the client IP (enable only behind a trusted reverse proxy)" default:"false" env:"BISCBOT_TRUST_PROXY_HEADERS"`

	// Store configuration
	StoreType     string             `help:"store type (memory or postgres)" default:"memory" env:"BISCBOT_STORE_TYPE" enum:"memory,postgres"`
	PostgresStore PostgresStoreFlags `embed:"" prefix:"postgres-"`
}

type PostgresStoreFlags struct {
	ConnString string `help:"PostgreSQL connection string" env:"BISCBOT_POSTGRES_CONNECTION_STRING"`

	// Connection Pool Configuration
	MaxConns        int32 `help:"maximum number of connections in pool" default:"10"`
	MinConns        int32 `help:"minimum number of connections in pool" default:"2"`
	MaxConnLifetime int32 `help:"maximum connection lifetime in seconds" default:"3600"`
	MaxConnIdleTime int32 `help:"maximum connection idle time in seconds" default:"1800"`

	// Migration Configuration
	AutoMigrate bool `help:"run database migrations on startup" default:"false" env:"BISCBOT_POSTGRES_AUTO_MIGRATE"`
}

func (s *PostgresStoreFlags) Validate() error {
	if s.ConnString == "" {
		return errors.New("PostgreSQL connection string is required (--postgres-conn-string or BISCBOT_POSTGRES_CONNECTION_STRING)")
	}
	return nil
}

func (c *ServeCmd) Run(globals *Globals) error {
	log := logger.Setup(globals.Debug)
	ctx := context.Background()

	log.Info().Str("version", globals.Version).Bool("debug", globals.Debug).Msg("Starting dashboard server")

	metrics.Init()

	if len(c.SessionSecret) != 32 {
		return fmt.Errorf("session secret must be exactly 32 bytes, got %d", len(c.SessionSecret))
	}

	sessions, err := session.NewManager([]byte(c.SessionSecret), c.SessionTTL, !c.InsecureCookies)
	if err != nil {
		return fmt.Errorf("failed to initialize session manager: %w", err)
	}

	discordAPI := discord.NewClient()

	auth, err := login.NewDiscord(c.ClientID, c.ClientSecret, c.RedirectURL, sessions, discordAPI)
	if err != nil {
		return fmt.Errorf("failed to initialize Discord OAuth: %w", err)
	}

	configStore, err := c.createConfigStore(ctx)
	if err != nil {
		return err
	}

	if _, err := os.Stat(c.PublicDir); err != nil {
		return fmt.Errorf("static assets directory not found at %s: %w", c.PublicDir, err)
	}

	mux := http.NewServeMux()

	// Static dashboard assets at the root, same layout the bot's site has
	// always used.
	mux.Handle("/", http.FileServer(http.Dir(c.PublicDir)))

	clientIPMiddleware := httpmiddleware.ClientIPMiddleware(c.TrustProxyHeaders)
	authRateLimit := httpmiddleware.RateLimit(c.LoginRateBurst, c.LoginRate, c.TrustProxyHeaders)

	// OAuth endpoints (public, browser-navigated)
	mux.Handle("GET /api/auth_login", clientIPMiddleware(authRateLimit(http.HandlerFunc(auth.LoginHandler))))
	mux.Handle("GET /api/auth_callback", clientIPMiddleware(authRateLimit(http.HandlerFunc(auth.CallbackHandler))))
	mux.Handle("GET /api/auth_logout", clientIPMiddleware(http.HandlerFunc(auth.LogoutHandler)))

	// Authenticated JSON endpoints
	handlers := api.New(sessions, discordAPI, configStore)
	handlers.Register(mux)

	mux.Handle("GET /metrics", metrics.Handler())

	// API routes get CORS, HTML routes get CSRF. Both chains are built once
	// and shared across requests.
	apiHandler := withCORS(c.CORSOrigins, mux)
	htmlHandler := csrf.New().Handler(mux)
	split := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if isAPIRoute(r.URL.Path) {
			apiHandler.ServeHTTP(w, r)
		} else {
			htmlHandler.ServeHTTP(w, r)
		}
	})

	handler := httpmiddleware.RequestIDMiddleware()(
		httpmiddleware.SecurityHeaders()(
			httpmiddleware.RequestLogger()(
				metrics.Instrument(split))))

	srv := configureHTTPServer(c.Listen, handler)

	if c.Cert != "" && c.Key != "" {
		log.Info().Str("addr", c.Listen).Msg("Starting HTTPS server")
		return srv.ListenAndServeTLS(c.Cert, c.Key)
	}

	log.Info().Str("addr", c.Listen).Msg("Starting HTTP server")
	return srv.ListenAndServe()
}

// createConfigStore creates the config repository based on the store type.
func (c *ServeCmd) createConfigStore(ctx context.Context) (store.ConfigStore, error) {
	switch c.StoreType {
	case "postgres":
		if err := c.PostgresStore.Validate(); err != nil {
			return nil, fmt.Errorf("failed to validate postgres flags: %w", err)
		}

		pool, err := postgresstore.NewPool(ctx, &postgresstore.PoolConfig{
			ConnString:      c.PostgresStore.ConnString,
			MaxConns:        c.PostgresStore.MaxConns,
			MinConns:        c.PostgresStore.MinConns,
			MaxConnLifetime: c.PostgresStore.MaxConnLifetime,
			MaxConnIdleTime: c.PostgresStore.MaxConnIdleTime,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create connection pool: %w", err)
		}

		if c.PostgresStore.AutoMigrate {
			if err := postgresstore.RunMigrations(ctx, pool); err != nil {
				return nil, fmt.Errorf("failed to run migrations: %w", err)
			}
		}

		log.Info().Msg("Using PostgreSQL config store")
		return postgresstore.NewConfigStore(pool), nil

	default:
		log.Warn().Msg("Using in-memory config store, data is lost on restart")
		return memorystore.NewConfigStore(), nil
	}
}

// isAPIRoute returns true if the path is an API route that needs CORS instead of CSRF.
func isAPIRoute(path string) bool {
	return strings.HasPrefix(path, "/api/") || path == "/metrics"
}

// withCORS adds CORS support to the API routes. Credentials are allowed
// because authentication rides on the session cookie.
func withCORS(allowedOrigins []string, h http.Handler) http.Handler {
	middleware := cors.New(cors.Options{
		AllowedOrigins:   allowedOrigins,
		AllowedMethods:   []string{http.MethodGet, http.MethodPost},
		AllowedHeaders:   []string{"Content-Type"},
		AllowCredentials: true,
	})
	return middleware.Handler(h)
}
