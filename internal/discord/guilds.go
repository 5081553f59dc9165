package discord

import (
	"strconv"
)

// Permission bits relevant to managing the bot. Discord encodes the full
// bitmask as a string-encoded integer in the guild list response.
const (
	PermissionAdministrator = 0x8
	PermissionManageGuild   = 0x20
)

// User is the subset of the Discord current-user response we care about.
type User struct {
	ID         string `json:"id"`
	Username   string `json:"username"`
	GlobalName string `json:"global_name"`
	Avatar     string `json:"avatar"`
	Email      string `json:"email"`
}

// Guild is one entry of the current-user guild list. Guild memberships are
// fetched fresh from Discord on every request that needs them and never
// persisted.
type Guild struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Icon        string `json:"icon"`
	Owner       bool   `json:"owner"`
	Permissions string `json:"permissions"`
}

// permissionBits parses the string-encoded bitmask. Malformed values are
// treated as no permissions rather than propagating a parse fault.
func (g Guild) permissionBits() uint64 {
	bits, err := strconv.ParseUint(g.Permissions, 10, 64)
	if err != nil {
		return 0
	}
	return bits
}

// Manageable reports whether the user may administer the guild: they own it,
// or hold the Administrator or Manage Server permission.
func (g Guild) Manageable() bool {
	if g.Owner {
		return true
	}
	bits := g.permissionBits()
	return bits&PermissionAdministrator != 0 || bits&PermissionManageGuild != 0
}

// FilterManageable returns the subset of guilds the user may administer,
// preserving the original order.
func FilterManageable(guilds []Guild) []Guild {
	managed := make([]Guild, 0, len(guilds))
	for _, g := range guilds {
		if g.Manageable() {
			managed = append(managed, g)
		}
	}
	return managed
}
