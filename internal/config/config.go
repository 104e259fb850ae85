// Package config holds the CLI configuration types.
package config

// Role represents the user's chosen side of the handshake.
type Role string

const (
	RoleOffer  Role = "offer"  // generates the first code
	RoleAnswer Role = "answer" // scans the first code and replies
)

// Config stores all parameters gathered from CLI flags or the interactive
// prompts.
type Config struct {
	Role  Role
	Debug bool
}
