package store

import (
	"context"
	"errors"

	"github.com/biscbot/dashboard/internal/models"
)

// Sentinel errors for common error conditions
var (
	ErrConfigNotFound = errors.New("welcome config not found")
	ErrInvalidConfig  = errors.New("invalid welcome config")
)

// ConfigStore defines the interface for welcome config storage operations.
type ConfigStore interface {
	// Get retrieves the config for a guild. Returns ErrConfigNotFound for
	// guilds that have never been configured.
	Get(ctx context.Context, guildID string) (*models.WelcomeConfig, error)

	// Upsert atomically replaces the config document for cfg.GuildID,
	// creating it on first write. Returns created=true when the document did
	// not previously exist. Concurrent upserts to the same guild are
	// last-write-wins. Configs violating the enabled/fields invariant are
	// rejected with ErrInvalidConfig.
	Upsert(ctx context.Context, cfg *models.WelcomeConfig) (created bool, err error)
}
