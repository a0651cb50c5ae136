package auth

import (
	"errors"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Roles a token may carry.
const (
	RoleTunnel = "tunnel"
	RoleAdmin  = "admin"
)

// TokenEntry is one accepted token.
type TokenEntry struct {
	Token string `yaml:"token"`
	Name  string `yaml:"name"`
	Role  string `yaml:"role"`
}

// Manager validates tokens and looks up their roles.
type Manager struct {
	entries map[string]TokenEntry // token -> entry
}

// NewManager returns a manager accepting a single shared token with admin role.
func NewManager(token string) *Manager {
	m := &Manager{entries: make(map[string]TokenEntry)}
	if token != "" {
		m.entries[token] = TokenEntry{Token: token, Name: "shared", Role: RoleAdmin}
	}
	return m
}

// NewManagerFromFile loads a YAML file into a token manager.
func NewManagerFromFile(path string) (*Manager, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read auth file: %w", err)
	}
	var cfg struct {
		Tokens []TokenEntry `yaml:"tokens"`
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("yaml: %w", err)
	}
	m := &Manager{entries: make(map[string]TokenEntry)}
	for _, t := range cfg.Tokens {
		if t.Token == "" {
			continue
		}
		if t.Role == "" {
			t.Role = RoleTunnel
		}
		m.entries[t.Token] = t
	}
	return m, nil
}

// Add registers another token, replacing any entry with the same value.
func (m *Manager) Add(e TokenEntry) {
	if e.Token == "" {
		return
	}
	m.entries[e.Token] = e
}

// Validate reports whether the token may open a tunnel. Admin tokens may too.
func (m *Manager) Validate(token string) bool {
	if m == nil || token == "" {
		return false
	}
	e, ok := m.entries[token]
	if !ok {
		return false
	}
	return e.Role == RoleTunnel || e.Role == RoleAdmin
}

// Role returns role for token or empty string if not found.
func (m *Manager) Role(token string) string {
	if m == nil {
		return ""
	}
	if e, ok := m.entries[token]; ok {
		return e.Role
	}
	return ""
}

// Name returns the configured name of a token, for logging.
func (m *Manager) Name(token string) string {
	if m == nil {
		return ""
	}
	return m.entries[token].Name
}

// ErrUnauthorized is the close reason sent for an invalid token.
var ErrUnauthorized = errors.New("unauthorized")
