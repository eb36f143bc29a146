package core

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"github.com/google/uuid"
)

// Identity is the durable peer identity, distinct from the ephemeral
// session ids the negotiator hands out.
type Identity struct {
	NodeID string `json:"node_id"`
	Nick   string `json:"nick,omitempty"`
}

// LoadOrGenerateIdentity reads the identity file at path, creating it with a
// fresh node id if it does not exist yet.
func LoadOrGenerateIdentity(path, nick string) (Identity, error) {
	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		var id Identity
		if err := json.Unmarshal(data, &id); err != nil {
			return Identity{}, fmt.Errorf("failed to parse identity file: %w", err)
		}
		if id.NodeID != "" {
			if nick != "" && nick != id.Nick {
				id.Nick = nick
				if err := writeIdentity(path, id); err != nil {
					return Identity{}, err
				}
			}
			return id, nil
		}
	case !errors.Is(err, os.ErrNotExist):
		return Identity{}, fmt.Errorf("failed to read identity file: %w", err)
	}

	id := Identity{NodeID: uuid.NewString(), Nick: nick}
	if err := writeIdentity(path, id); err != nil {
		return Identity{}, err
	}
	return id, nil
}

func writeIdentity(path string, id Identity) error {
	data, err := json.MarshalIndent(id, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal identity: %w", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("failed to write identity file: %w", err)
	}
	return nil
}

// NewItemID returns a fresh item identifier.
func NewItemID() string {
	return uuid.NewString()
}

// NewSessionID returns a short ephemeral session identifier.
func NewSessionID() string {
	return uuid.NewString()[:8]
}
