// Package domain holds the plain data types owned by the control plane's
// four components (spec §3). Types here carry no behavior beyond small
// value-object helpers; mutation only happens inside the owning component.
package domain

import "github.com/google/uuid"

// NewID returns a fresh opaque UUID-shaped identifier.
func NewID() string {
	return uuid.NewString()
}

// ProviderID is a fixed enum of supported AI coding CLIs.
type ProviderID string

const (
	ProviderCodex      ProviderID = "codex"
	ProviderClaudeCode ProviderID = "claude_code"
	ProviderGeminiCLI  ProviderID = "gemini_cli"
	ProviderOmnara     ProviderID = "omnara"
)

// ValidProvider reports whether p is one of the fixed provider values.
func ValidProvider(p ProviderID) bool {
	switch p {
	case ProviderCodex, ProviderClaudeCode, ProviderGeminiCLI, ProviderOmnara:
		return true
	default:
		return false
	}
}

// Channel is a release track.
type Channel string

const (
	ChannelStable  Channel = "stable"
	ChannelBeta    Channel = "beta"
	ChannelPinned  Channel = "pinned"
)
