// Package settings holds the host-supplied configuration the Link
// Arbiter and Network Manager branch on directly: a plain config
// struct, not subclass identity.
package settings

import (
	"os"

	"gopkg.in/yaml.v3"
)

// allowAllSentinel, when present in the allowlist, disables allowlist
// filtering entirely: every serial number is accepted.
const allowAllSentinel = "*"

// Settings is the host-supplied configuration collaborator.
type Settings struct {
	// MeshEnabled toggles MeatNet repeater use in the Link Arbiter.
	MeshEnabled bool `yaml:"mesh_enabled"`

	// AutoReconnect is the default should_auto_reconnect value applied
	// to direct links when mesh is disabled.
	AutoReconnect bool `yaml:"auto_reconnect"`

	// CanDisconnectFromMeatNetDevices opts into explicitly disconnecting
	// shared mesh links.
	CanDisconnectFromMeatNetDevices bool `yaml:"can_disconnect_from_meatnet_devices"`

	// ProbeAllowlist restricts which serial numbers the Network Manager
	// will track. A nil map means "any" (no filtering); a map
	// containing allowAllSentinel also means "any".
	ProbeAllowlist map[string]struct{} `yaml:"-"`

	// ProbeAllowlistRaw is the YAML-friendly form of ProbeAllowlist: a
	// list of serial numbers, or ["*"] for "any".
	ProbeAllowlistRaw []string `yaml:"probe_allowlist"`
}

// Default returns the conservative default configuration: mesh
// enabled, auto-reconnect on, no explicit mesh disconnects, no
// allowlist (any probe accepted).
func Default() Settings {
	return Settings{
		MeshEnabled:   true,
		AutoReconnect: true,
	}
}

// Load reads YAML-encoded Settings from path.
func Load(path string) (Settings, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Settings{}, err
	}
	return Parse(data)
}

// Parse decodes YAML-encoded Settings from raw bytes.
func Parse(data []byte) (Settings, error) {
	s := Default()
	if err := yaml.Unmarshal(data, &s); err != nil {
		return Settings{}, err
	}
	s.ProbeAllowlist = buildAllowlist(s.ProbeAllowlistRaw)
	return s, nil
}

func buildAllowlist(raw []string) map[string]struct{} {
	if len(raw) == 0 {
		return nil
	}
	for _, serial := range raw {
		if serial == allowAllSentinel {
			return nil
		}
	}
	set := make(map[string]struct{}, len(raw))
	for _, serial := range raw {
		set[serial] = struct{}{}
	}
	return set
}

// Allows reports whether serial is permitted by the allowlist. A nil
// allowlist, or one containing allowAllSentinel, allows everything.
func (s Settings) Allows(serial string) bool {
	if s.ProbeAllowlist == nil {
		return true
	}
	if _, any := s.ProbeAllowlist[allowAllSentinel]; any {
		return true
	}
	_, ok := s.ProbeAllowlist[serial]
	return ok
}
