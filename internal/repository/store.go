package repository

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// Store persists one continuation token per (session, product) pair.
// Saving an empty token is the same as Clear.
type Store interface {
	Load(ctx context.Context, sessionID, productID string) (token string, found bool, err error)
	Save(ctx context.Context, sessionID, productID, token string) error
	Clear(ctx context.Context, sessionID, productID string) error
}

var ErrInvalidScope = errors.New("repository: invalid session or product id")

// MemoryKey is the storage key for a (session, product) pair.
func MemoryKey(sessionID, productID string) string {
	return "CONV#" + sessionID + "#" + productID
}

// validateScope rejects ids that are empty or contain a key separator, so two
// distinct pairs can never map to the same key.
func validateScope(sessionID, productID string) error {
	for _, id := range []string{sessionID, productID} {
		if strings.TrimSpace(id) == "" || strings.ContainsAny(id, "#:") {
			return fmt.Errorf("%w: %q", ErrInvalidScope, id)
		}
	}
	return nil
}
