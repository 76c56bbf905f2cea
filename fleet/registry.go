package fleet

import (
	"context"
	"fmt"
	"net/http"
	"sort"
	"sync"
	"time"

	"log/slog"

	"github.com/botshelf/botshelf/botmeta"
	coreconfig "github.com/botshelf/botshelf/core/config"
	coretelegram "github.com/botshelf/botshelf/core/telegram"
	"github.com/botshelf/botshelf/store"

	"golang.org/x/sync/errgroup"
)

type sessionDeps struct {
	cfg    *coreconfig.Config
	store  *store.Store
	client *http.Client
}

// Registry runs at most one live session per bot.
type Registry struct {
	cfg    *coreconfig.Config
	store  *store.Store
	client *http.Client

	mu       sync.Mutex
	sessions map[string]*Session
	starting map[string]struct{}
	stopping map[string]struct{}
}

// NewRegistry builds a registry sharing one retrying HTTP client across sessions.
func NewRegistry(cfg *coreconfig.Config, st *store.Store) *Registry {
	return &Registry{
		cfg:      cfg,
		store:    st,
		client:   coretelegram.BuildHTTPClient(),
		sessions: make(map[string]*Session),
		starting: make(map[string]struct{}),
		stopping: make(map[string]struct{}),
	}
}

// Start brings up the transport for an approved bot. A second start while a
// session is live, or while one is still coming up, returns ErrAlreadyRunning.
func (r *Registry) Start(ctx context.Context, botID string) error {
	rec, err := r.store.Get(ctx, botID)
	if err != nil {
		return err
	}
	if rec.Status != botmeta.StatusApproved {
		return fmt.Errorf("fleet: start %s: status %s: %w", botID, rec.Status, botmeta.ErrInvalidState)
	}

	r.mu.Lock()
	if _, ok := r.sessions[botID]; ok {
		r.mu.Unlock()
		return ErrAlreadyRunning
	}
	if _, ok := r.starting[botID]; ok {
		r.mu.Unlock()
		return ErrAlreadyRunning
	}
	if _, ok := r.stopping[botID]; ok {
		r.mu.Unlock()
		return ErrAlreadyRunning
	}
	r.starting[botID] = struct{}{}
	r.mu.Unlock()

	// Session construction hits the Telegram API (getMe), so it happens
	// outside the lock. The starting reservation keeps the slot exclusive.
	s, err := newSession(rec, sessionDeps{cfg: r.cfg, store: r.store, client: r.client})

	r.mu.Lock()
	delete(r.starting, botID)
	if err != nil {
		r.mu.Unlock()
		return err
	}
	r.sessions[botID] = s
	r.mu.Unlock()

	s.start()
	flog().Info("session started",
		slog.String("event", "registry.start"),
		slog.String("bot_id", botID),
	)
	return nil
}

// Stop tears down the bot's session. Stopping a bot that is not running
// is a no-op. The slot stays reserved until the poller has drained, so a
// concurrent Start cannot open a second transport for the same token.
func (r *Registry) Stop(ctx context.Context, botID string) error {
	r.mu.Lock()
	s, ok := r.sessions[botID]
	if ok {
		delete(r.sessions, botID)
		r.stopping[botID] = struct{}{}
	}
	r.mu.Unlock()
	if !ok {
		return nil
	}

	drained := s.stop(time.Duration(r.cfg.Fleet.StopGraceSeconds) * time.Second)
	if drained {
		r.mu.Lock()
		delete(r.stopping, botID)
		r.mu.Unlock()
	} else {
		go func() {
			<-s.done
			r.mu.Lock()
			delete(r.stopping, botID)
			r.mu.Unlock()
		}()
	}
	flog().Info("session stopped",
		slog.String("event", "registry.stop"),
		slog.String("bot_id", botID),
	)
	return nil
}

// Running reports whether the bot currently has a live session.
func (r *Registry) Running(botID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.sessions[botID]
	return ok
}

// List returns the IDs of all running bots, sorted.
func (r *Registry) List() []string {
	r.mu.Lock()
	ids := make([]string, 0, len(r.sessions))
	for id := range r.sessions {
		ids = append(ids, id)
	}
	r.mu.Unlock()
	sort.Strings(ids)
	return ids
}

// Session returns the live session for a bot, or ErrNotRunning.
func (r *Registry) Session(botID string) (*Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[botID]
	if !ok {
		return nil, ErrNotRunning
	}
	return s, nil
}

// StopAll tears down every live session concurrently.
func (r *Registry) StopAll(ctx context.Context) error {
	ids := r.List()
	g, gctx := errgroup.WithContext(ctx)
	for _, id := range ids {
		g.Go(func() error {
			return r.Stop(gctx, id)
		})
	}
	return g.Wait()
}
