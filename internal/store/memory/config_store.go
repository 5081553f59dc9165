package memory

import (
	"context"
	"sync"

	"github.com/biscbot/dashboard/internal/models"
	"github.com/biscbot/dashboard/internal/store"
)

// ConfigStore implements store.ConfigStore using in-memory storage.
// This implementation is for testing and local development only - data is
// lost on restart.
type ConfigStore struct {
	mu      sync.RWMutex
	configs map[string]*models.WelcomeConfig // guild_id -> WelcomeConfig
}

// NewConfigStore creates a new in-memory config store.
func NewConfigStore() *ConfigStore {
	return &ConfigStore{
		configs: make(map[string]*models.WelcomeConfig),
	}
}

// Get retrieves the config for a guild.
func (s *ConfigStore) Get(ctx context.Context, guildID string) (*models.WelcomeConfig, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	cfg, exists := s.configs[guildID]
	if !exists {
		return nil, store.ErrConfigNotFound
	}

	// Clone to avoid external modifications
	clone := *cfg
	return &clone, nil
}

// Upsert replaces the config document for cfg.GuildID, creating it on first write.
func (s *ConfigStore) Upsert(ctx context.Context, cfg *models.WelcomeConfig) (bool, error) {
	if !cfg.Valid() {
		return false, store.ErrInvalidConfig
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	_, exists := s.configs[cfg.GuildID]

	clone := *cfg
	s.configs[cfg.GuildID] = &clone

	return !exists, nil
}
