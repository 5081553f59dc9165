package models

import (
	"time"
)

// WelcomeConfig is the per-guild welcome message configuration document.
// There is at most one config per guild, keyed by the Discord guild ID.
type WelcomeConfig struct {
	GuildID          string  `json:"guildId"`
	WelcomeEnabled   bool    `json:"welcomeEnabled"`
	WelcomeChannelID *string `json:"welcomeChannelId"`
	WelcomeMessage   *string `json:"welcomeMessage"`

	UpdatedAt time.Time `json:"updatedAt"`
	UpdatedBy string    `json:"updatedBy"`
}

// Valid reports whether the config satisfies the enabled/fields invariant:
// when the welcome message is enabled both the channel and the message must be
// set, and when it is disabled both must be null so no stale values linger.
func (c *WelcomeConfig) Valid() bool {
	if c.WelcomeEnabled {
		return c.WelcomeChannelID != nil && *c.WelcomeChannelID != "" &&
			c.WelcomeMessage != nil && *c.WelcomeMessage != ""
	}
	return c.WelcomeChannelID == nil && c.WelcomeMessage == nil
}

// DisabledConfig returns the default stub served for guilds that have never
// been configured.
func DisabledConfig(guildID string) *WelcomeConfig {
	return &WelcomeConfig{GuildID: guildID, WelcomeEnabled: false}
}
