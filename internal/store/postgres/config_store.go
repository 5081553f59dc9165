package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog/log"

	"github.com/biscbot/dashboard/internal/models"
	"github.com/biscbot/dashboard/internal/store"
)

// ConfigStore implements store.ConfigStore using PostgreSQL.
type ConfigStore struct {
	pool *pgxpool.Pool
}

// NewConfigStore creates a new PostgreSQL-backed config store.
func NewConfigStore(pool *pgxpool.Pool) *ConfigStore {
	return &ConfigStore{
		pool: pool,
	}
}

// Get retrieves the config for a guild.
func (s *ConfigStore) Get(ctx context.Context, guildID string) (*models.WelcomeConfig, error) {
	query := `
		SELECT
			guild_id, welcome_enabled, welcome_channel_id,
			welcome_message, updated_at, updated_by
		FROM guild_configs
		WHERE guild_id = $1
	`

	var cfg models.WelcomeConfig
	err := s.pool.QueryRow(ctx, query, guildID).Scan(
		&cfg.GuildID,
		&cfg.WelcomeEnabled,
		&cfg.WelcomeChannelID,
		&cfg.WelcomeMessage,
		&cfg.UpdatedAt,
		&cfg.UpdatedBy,
	)

	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, store.ErrConfigNotFound
		}
		return nil, fmt.Errorf("failed to get welcome config: %w", err)
	}

	return &cfg, nil
}

// Upsert atomically replaces the config document for cfg.GuildID. A single
// INSERT ... ON CONFLICT is the native atomic document replace; concurrent
// writers are last-write-wins with no application-level locking.
func (s *ConfigStore) Upsert(ctx context.Context, cfg *models.WelcomeConfig) (bool, error) {
	if !cfg.Valid() {
		return false, store.ErrInvalidConfig
	}

	query := `
		INSERT INTO guild_configs (
			guild_id, welcome_enabled, welcome_channel_id,
			welcome_message, updated_at, updated_by
		) VALUES (
			$1, $2, $3, $4, $5, $6
		)
		ON CONFLICT (guild_id) DO UPDATE SET
			welcome_enabled    = EXCLUDED.welcome_enabled,
			welcome_channel_id = EXCLUDED.welcome_channel_id,
			welcome_message    = EXCLUDED.welcome_message,
			updated_at         = EXCLUDED.updated_at,
			updated_by         = EXCLUDED.updated_by
		RETURNING (xmax = 0) AS created
	`

	var created bool
	err := s.pool.QueryRow(ctx, query,
		cfg.GuildID,
		cfg.WelcomeEnabled,
		cfg.WelcomeChannelID,
		cfg.WelcomeMessage,
		cfg.UpdatedAt,
		cfg.UpdatedBy,
	).Scan(&created)

	if err != nil {
		err = translateError(err)
		if errors.Is(err, store.ErrInvalidConfig) {
			return false, err
		}
		return false, fmt.Errorf("failed to upsert welcome config: %w", err)
	}

	log.Debug().
		Str("guild_id", cfg.GuildID).
		Bool("created", created).
		Msg("Upserted welcome config")

	return created, nil
}
