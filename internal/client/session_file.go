package client

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// Session is the credential record saved by register and reused by every
// other command. The token is the raw capability; the file is created
// owner-only for the same reason the broker stores only its hash.
type Session struct {
	InstanceID   string `json:"instance_id"`
	SessionToken string `json:"session_token"`
}

// DefaultSessionPath resolves the per-user credential file location.
func DefaultSessionPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolving home directory: %w", err)
	}
	return filepath.Join(home, ".ipc-session"), nil
}

// SaveSession writes the credential file with mode 0600.
func SaveSession(path string, s Session) error {
	raw, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding session: %w", err)
	}
	if err := os.WriteFile(path, raw, 0o600); err != nil {
		return fmt.Errorf("writing session file: %w", err)
	}
	return nil
}

// LoadSession reads the credential saved by a previous register.
func LoadSession(path string) (*Session, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var s Session
	if err := json.Unmarshal(raw, &s); err != nil {
		return nil, fmt.Errorf("parsing session file %s: %w", path, err)
	}
	if s.SessionToken == "" {
		return nil, fmt.Errorf("session file %s has no token; register again", path)
	}
	return &s, nil
}
