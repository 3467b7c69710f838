// Package directory defines the read-only view of the backend user directory.
package directory

import (
	"context"
	"errors"

	"github.com/hay-kot/dmchat/internal/core/messaging"
)

var (
	// ErrNotFound is returned when no participant matches a username.
	ErrNotFound = errors.New("user not found")
	// ErrTransport is returned when the directory cannot be reached.
	ErrTransport = errors.New("directory unavailable")
)

// Participant is a read-only copy of a backend user.
type Participant struct {
	ID          messaging.UserID `json:"id"`
	Username    string           `json:"username"`
	DisplayName string           `json:"displayName,omitempty"`
}

// Label returns the display name, falling back to the username.
func (p Participant) Label() string {
	if p.DisplayName != "" {
		return p.DisplayName
	}
	return p.Username
}

// Resolver maps usernames to participant ids.
type Resolver interface {
	// ResolveUserID returns the id for username. Fails with ErrNotFound or
	// ErrTransport.
	ResolveUserID(ctx context.Context, username string) (messaging.UserID, error)
}

// Lister returns the peer candidate lists for the authenticated user.
type Lister interface {
	Following(ctx context.Context) ([]Participant, error)
	Followers(ctx context.Context) ([]Participant, error)
}

// Mutuals returns the participants present in both lists, keyed by id, in the
// order they appear in following. Duplicates are dropped.
func Mutuals(following, followers []Participant) []Participant {
	followed := make(map[messaging.UserID]struct{}, len(followers))
	for _, p := range followers {
		followed[p.ID] = struct{}{}
	}

	seen := make(map[messaging.UserID]struct{}, len(following))
	var out []Participant
	for _, p := range following {
		if _, ok := followed[p.ID]; !ok {
			continue
		}
		if _, dup := seen[p.ID]; dup {
			continue
		}
		seen[p.ID] = struct{}{}
		out = append(out, p)
	}
	return out
}
