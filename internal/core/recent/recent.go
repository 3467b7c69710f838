// Package recent tracks the peers a user has recently chatted with.
package recent

import (
	"context"
	"errors"
	"time"

	"github.com/hay-kot/dmchat/internal/core/messaging"
)

// ErrNotFound is returned when a username has no recent entry.
var ErrNotFound = errors.New("recent peer not found")

// Peer is a previously selected conversation partner.
type Peer struct {
	Username   string           `json:"username"`
	UserID     messaging.UserID `json:"user_id"`
	SelectedAt time.Time        `json:"selected_at"`
	Count      int              `json:"count"`
}

// Store defines persistence operations for recent peers.
type Store interface {
	// Touch records a selection of the peer, creating the entry if needed.
	Touch(ctx context.Context, username string, id messaging.UserID) error
	// Get returns the entry for username. Returns ErrNotFound if absent.
	Get(ctx context.Context, username string) (Peer, error)
	// List returns peers ordered by most recent selection first. Limit of 0
	// returns all peers.
	List(ctx context.Context, limit int) ([]Peer, error)
	// Forget removes a peer. Returns ErrNotFound if absent.
	Forget(ctx context.Context, username string) error
}
