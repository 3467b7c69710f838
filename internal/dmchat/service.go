// Package dmchat wires configuration, the backend directory, local stores and
// the messaging transport into the operations exposed by the CLI.
package dmchat

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/hay-kot/dmchat/internal/core/auth"
	"github.com/hay-kot/dmchat/internal/core/config"
	"github.com/hay-kot/dmchat/internal/core/directory"
	"github.com/hay-kot/dmchat/internal/core/messaging"
	"github.com/hay-kot/dmchat/internal/core/recent"
	"github.com/hay-kot/dmchat/internal/core/session"
	"github.com/hay-kot/dmchat/internal/integration/stompws"
	"github.com/hay-kot/dmchat/internal/store/memory"
)

// ErrNoLocalUser is returned when neither the config nor the token names the
// local user.
var ErrNoLocalUser = errors.New("local username unknown: set user.username, --username or a token with a username claim")

// Directory is the backend user directory.
type Directory interface {
	directory.Resolver
	directory.Lister
}

// PeerFilter selects which backend list Peers returns.
type PeerFilter string

const (
	PeersFollowing PeerFilter = "following"
	PeersFollowers PeerFilter = "followers"
	PeersMutuals   PeerFilter = "mutuals"
)

// Candidate is a peer offered for selection.
type Candidate struct {
	Username string
	Label    string
	Recent   bool
}

// Service orchestrates dmchat operations.
type Service struct {
	config    *config.Config
	directory Directory
	resolver  directory.Resolver
	recent    recent.Store
	activity  messaging.ActivityStore
	log       zerolog.Logger
	now       func() time.Time

	// newTransport builds the transport for each session. Replaced in tests.
	newTransport func() messaging.Transport
}

// New creates a new Service. Successful lookups are cached when the config
// enables a directory cache.
func New(
	cfg *config.Config,
	dir Directory,
	recentStore recent.Store,
	activity messaging.ActivityStore,
	log zerolog.Logger,
) *Service {
	var resolver directory.Resolver = dir
	if cfg.Directory.CacheTTL > 0 {
		resolver = memory.NewCachingResolver(dir, cfg.Directory.CacheTTL)
	}

	s := &Service{
		config:    cfg,
		directory: dir,
		resolver:  resolver,
		recent:    recentStore,
		activity:  activity,
		log:       log,
		now:       time.Now,
	}
	s.newTransport = s.stompTransport
	return s
}

// Config returns the loaded configuration.
func (s *Service) Config() *config.Config {
	return s.config
}

// LocalUsername returns the configured username, falling back to the claims
// of the bearer token.
func (s *Service) LocalUsername() (string, error) {
	if s.config.User.Username != "" {
		return s.config.User.Username, nil
	}

	claims, err := auth.ParseClaims(s.config.Backend.Token)
	if err != nil {
		if errors.Is(err, auth.ErrNoIdentity) {
			return "", ErrNoLocalUser
		}
		return "", fmt.Errorf("%w: %w", ErrNoLocalUser, err)
	}
	if claims.Expired(s.now()) {
		s.log.Warn().Time("expires_at", claims.ExpiresAt).Msg("bearer token has expired, the backend will likely reject it")
	}
	return claims.Username, nil
}

// LocalUser resolves the local participant.
func (s *Service) LocalUser(ctx context.Context) (directory.Participant, error) {
	username, err := s.LocalUsername()
	if err != nil {
		return directory.Participant{}, err
	}

	p, err := s.Whois(ctx, username)
	if err != nil {
		return directory.Participant{}, fmt.Errorf("resolve local user: %w", err)
	}
	return p, nil
}

// Whois resolves a username to a participant.
func (s *Service) Whois(ctx context.Context, username string) (directory.Participant, error) {
	ctx, cancel := context.WithTimeout(ctx, s.config.Timeouts.Resolve)
	defer cancel()

	id, err := s.resolver.ResolveUserID(ctx, username)
	if err != nil {
		return directory.Participant{}, err
	}
	return directory.Participant{ID: id, Username: username}, nil
}

// Peers returns one of the backend peer lists.
func (s *Service) Peers(ctx context.Context, filter PeerFilter) ([]directory.Participant, error) {
	ctx, cancel := context.WithTimeout(ctx, s.config.Timeouts.Resolve)
	defer cancel()

	switch filter {
	case PeersFollowing:
		return s.directory.Following(ctx)
	case PeersFollowers:
		return s.directory.Followers(ctx)
	case PeersMutuals, "":
		following, err := s.directory.Following(ctx)
		if err != nil {
			return nil, err
		}
		followers, err := s.directory.Followers(ctx)
		if err != nil {
			return nil, err
		}
		return directory.Mutuals(following, followers), nil
	default:
		return nil, fmt.Errorf("unknown peer filter %q", filter)
	}
}

// Candidates returns recent peers, most recent first, followed by mutuals
// that are not recent. A failing backend only drops the mutuals.
func (s *Service) Candidates(ctx context.Context, limit int) ([]Candidate, error) {
	recents, err := s.recent.List(ctx, limit)
	if err != nil {
		return nil, fmt.Errorf("list recent peers: %w", err)
	}

	seen := make(map[string]struct{}, len(recents))
	out := make([]Candidate, 0, len(recents))
	for _, p := range recents {
		seen[p.Username] = struct{}{}
		out = append(out, Candidate{Username: p.Username, Label: p.Username, Recent: true})
	}

	mutuals, err := s.Peers(ctx, PeersMutuals)
	if err != nil {
		s.log.Warn().Err(err).Msg("could not load mutual followers")
		return out, nil
	}
	for _, p := range mutuals {
		if _, ok := seen[p.Username]; ok {
			continue
		}
		seen[p.Username] = struct{}{}
		out = append(out, Candidate{Username: p.Username, Label: p.Label()})
	}
	return out, nil
}

// Activity lists recorded activity events.
func (s *Service) Activity(filter messaging.ActivityFilter) ([]messaging.Activity, error) {
	return s.activity.List(filter)
}

// OpenSession resolves the local user and returns a session manager bound to a
// fresh transport. Callers must Close the manager.
func (s *Service) OpenSession(ctx context.Context) (*session.Manager, error) {
	local, err := s.LocalUser(ctx)
	if err != nil {
		return nil, err
	}

	cfg := s.config
	m := session.NewManager(local.ID, s.resolver, s.newTransport(),
		s.log.With().Str("component", "session").Logger(),
		session.Options{
			SendDestination: cfg.Transport.SendDestination,
			TopicPrefix:     cfg.Transport.TopicPrefix,
			ResolveTimeout:  cfg.Timeouts.Resolve,
			ConnectTimeout:  cfg.Timeouts.Connect,
			PublishTimeout:  cfg.Timeouts.Publish,
			Reconnect: session.ReconnectPolicy{
				Enabled:         cfg.Reconnect.Enabled,
				MaxAttempts:     cfg.Reconnect.MaxAttempts,
				InitialInterval: cfg.Reconnect.InitialInterval,
				MaxInterval:     cfg.Reconnect.MaxInterval,
			},
			Recorder: s.activity,
			Recent:   s.recent,
		},
	)

	s.log.Debug().Str("username", local.Username).Str("user_id", local.ID.String()).Msg("session opened")
	return m, nil
}

func (s *Service) stompTransport() messaging.Transport {
	cfg := s.config
	return stompws.New(cfg.Backend.WebSocketURL, stompws.Options{
		Token:         strings.TrimPrefix(cfg.Backend.Token, "Bearer "),
		Host:          cfg.Transport.Host,
		HeartBeatSend: cfg.Transport.HeartBeatSend,
		HeartBeatRecv: cfg.Transport.HeartBeatRecv,
		Receipts:      cfg.Transport.Receipts,
		Logger:        s.log.With().Str("component", "transport").Logger(),
	})
}
