// Package store persists bot and owner records as JSON documents on disk.
// Every write goes through a staged temp file and rename, guarded by a
// per-record lock; owner bans take a global lock so no per-bot write can
// interleave with the multi-record ban sequence. Reads always decode the
// current file, there is no in-memory cache to diverge from disk.
package store

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/botshelf/botshelf/botmeta"
	"github.com/botshelf/botshelf/core/fsstore"
	"github.com/botshelf/botshelf/core/logger"
)

const (
	botsDir   = "bots"
	ownersDir = "owners"
	locksDir  = ".locks"
)

var discard = slog.New(slog.NewTextHandler(io.Discard, nil))

// Mutator transforms the current record into the next one. cur is nil when
// no record exists yet; returning an error aborts the write.
type Mutator func(cur *botmeta.BotRecord) (*botmeta.BotRecord, error)

// OwnerMutator is the owner-record counterpart of Mutator.
type OwnerMutator func(cur *botmeta.OwnerRecord) (*botmeta.OwnerRecord, error)

// Store is the file-backed metadata store.
type Store struct {
	dir string

	// global is held shared by per-bot writes and exclusively by bans.
	global sync.RWMutex

	mu     sync.Mutex
	perBot map[string]*sync.Mutex
	perOwn map[string]*sync.Mutex
}

// Open prepares the data directory, sweeps staged files left by interrupted
// writes, and quarantines documents that no longer decode.
func Open(dir string) (*Store, error) {
	dir = strings.TrimSpace(dir)
	if dir == "" {
		return nil, fmt.Errorf("store: empty directory")
	}
	for _, sub := range []string{botsDir, ownersDir, locksDir} {
		if err := fsstore.EnsureDir(filepath.Join(dir, sub), 0); err != nil {
			return nil, err
		}
	}

	s := &Store{
		dir:    dir,
		perBot: make(map[string]*sync.Mutex),
		perOwn: make(map[string]*sync.Mutex),
	}

	for _, sub := range []string{botsDir, ownersDir} {
		removed, err := fsstore.RemoveStaged(filepath.Join(dir, sub))
		if err != nil {
			return nil, err
		}
		if removed > 0 {
			s.logg().Warn("staged files swept",
				slog.String("event", "store.sweep"),
				slog.String("dir", sub),
				slog.Int("count", removed),
			)
		}
	}

	if err := s.quarantineCorrupt(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Store) logg() *slog.Logger {
	if logger.STORE != nil {
		return logger.STORE
	}
	return discard
}

// Dir returns the root data directory.
func (s *Store) Dir() string { return s.dir }

func (s *Store) botPath(id string) string {
	return filepath.Join(s.dir, botsDir, id+".json")
}

func (s *Store) ownerPath(id string) string {
	return filepath.Join(s.dir, ownersDir, id+".json")
}

func (s *Store) lockPath(key string) (string, error) {
	return fsstore.BuildLockPath(filepath.Join(s.dir, locksDir), key)
}

func (s *Store) botMutex(id string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.perBot[id]
	if !ok {
		m = &sync.Mutex{}
		s.perBot[id] = m
	}
	return m
}

func (s *Store) ownerMutex(id string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.perOwn[id]
	if !ok {
		m = &sync.Mutex{}
		s.perOwn[id] = m
	}
	return m
}

// Get loads the bot record by id. Reads are allowed while the ban lock is
// not held exclusively, and always reflect the last completed write.
func (s *Store) Get(ctx context.Context, botID string) (*botmeta.BotRecord, error) {
	if err := botmeta.ValidateBotID(botID); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNotFound, err)
	}
	s.global.RLock()
	defer s.global.RUnlock()
	return s.readBot(botID)
}

func (s *Store) readBot(botID string) (*botmeta.BotRecord, error) {
	path := s.botPath(botID)
	var rec botmeta.BotRecord
	ok, err := fsstore.ReadJSON(path, &rec)
	if err != nil {
		if errors.Is(err, fsstore.ErrDecodeFailed) {
			return nil, &CorruptError{Key: botID, Path: path, Err: err}
		}
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("%w: bot %s", ErrNotFound, botID)
	}
	return &rec, nil
}

// Put applies mutate to the bot record under the per-bot lock and writes the
// result atomically. The returned record is the stored copy with its version
// bumped; callers can mutate it freely.
func (s *Store) Put(ctx context.Context, botID string, mutate Mutator) (*botmeta.BotRecord, error) {
	if err := botmeta.ValidateBotID(botID); err != nil {
		return nil, fmt.Errorf("store: %w", err)
	}
	if mutate == nil {
		return nil, fmt.Errorf("store: nil mutator")
	}

	s.global.RLock()
	defer s.global.RUnlock()

	lock := s.botMutex(botID)
	lock.Lock()
	defer lock.Unlock()

	lockPath, err := s.lockPath("bot." + botID)
	if err != nil {
		return nil, err
	}

	var out *botmeta.BotRecord
	err = fsstore.WithLock(ctx, lockPath, func() error {
		cur, err := s.readBot(botID)
		if err != nil && !errors.Is(err, ErrNotFound) {
			return err
		}

		next, err := mutate(cur.Clone())
		if err != nil {
			return err
		}
		if next == nil {
			return fmt.Errorf("store: mutator returned nil record for bot %s", botID)
		}
		if next.ID == "" {
			next.ID = botID
		}
		if next.ID != botID {
			return fmt.Errorf("store: mutator changed record id %s -> %s", botID, next.ID)
		}
		if !next.Status.Valid() {
			return fmt.Errorf("store: invalid status %q for bot %s", next.Status, botID)
		}
		if err := botmeta.ValidateTree(next.Root); err != nil {
			return fmt.Errorf("store: bot %s: %w", botID, err)
		}

		now := time.Now().UTC()
		if cur != nil {
			next.Version = cur.Version + 1
			next.CreatedAt = cur.CreatedAt
		} else {
			next.Version = 1
			next.CreatedAt = now
		}
		next.UpdatedAt = now

		if err := fsstore.WriteJSONAtomic(s.botPath(botID), next, fsstore.FileOptions{}); err != nil {
			return err
		}
		out = next
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.logg().Debug("bot record written",
		slog.String("event", "store.put"),
		slog.String("bot_id", botID),
		slog.String("state", string(out.Status)),
		slog.Int64("version", out.Version),
	)
	return out.Clone(), nil
}

// GetOwner loads the owner record by id.
func (s *Store) GetOwner(ctx context.Context, ownerID string) (*botmeta.OwnerRecord, error) {
	if strings.TrimSpace(ownerID) == "" {
		return nil, fmt.Errorf("%w: empty owner id", ErrNotFound)
	}
	s.global.RLock()
	defer s.global.RUnlock()
	return s.readOwner(ownerID)
}

func (s *Store) readOwner(ownerID string) (*botmeta.OwnerRecord, error) {
	path := s.ownerPath(ownerID)
	var rec botmeta.OwnerRecord
	ok, err := fsstore.ReadJSON(path, &rec)
	if err != nil {
		if errors.Is(err, fsstore.ErrDecodeFailed) {
			return nil, &CorruptError{Key: "owner:" + ownerID, Path: path, Err: err}
		}
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("%w: owner %s", ErrNotFound, ownerID)
	}
	return &rec, nil
}

// PutOwner applies mutate to the owner record under the per-owner lock.
func (s *Store) PutOwner(ctx context.Context, ownerID string, mutate OwnerMutator) (*botmeta.OwnerRecord, error) {
	ownerID = strings.TrimSpace(ownerID)
	if ownerID == "" {
		return nil, fmt.Errorf("store: empty owner id")
	}
	if mutate == nil {
		return nil, fmt.Errorf("store: nil mutator")
	}

	s.global.RLock()
	defer s.global.RUnlock()

	lock := s.ownerMutex(ownerID)
	lock.Lock()
	defer lock.Unlock()

	lockPath, err := s.lockPath("owner." + ownerID)
	if err != nil {
		return nil, err
	}

	var out *botmeta.OwnerRecord
	err = fsstore.WithLock(ctx, lockPath, func() error {
		cur, err := s.readOwner(ownerID)
		if err != nil && !errors.Is(err, ErrNotFound) {
			return err
		}
		next, err := mutate(cur.Clone())
		if err != nil {
			return err
		}
		if next == nil {
			return fmt.Errorf("store: mutator returned nil record for owner %s", ownerID)
		}
		if next.ID == "" {
			next.ID = ownerID
		}
		if next.ID != ownerID {
			return fmt.Errorf("store: mutator changed owner id %s -> %s", ownerID, next.ID)
		}

		now := time.Now().UTC()
		if cur != nil {
			next.Version = cur.Version + 1
			next.CreatedAt = cur.CreatedAt
		} else {
			next.Version = 1
			next.CreatedAt = now
		}
		next.UpdatedAt = now

		if err := fsstore.WriteJSONAtomic(s.ownerPath(ownerID), next, fsstore.FileOptions{}); err != nil {
			return err
		}
		out = next
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out.Clone(), nil
}

// BanResult reports one bot affected by an owner ban.
type BanResult struct {
	BotID string
	From  botmeta.Status
}

// BanOwner marks the owner banned and transitions every bot of that owner to
// banned in one exclusive section, whatever state the bot was in. While it
// runs no other store write or read can observe a partially applied ban.
func (s *Store) BanOwner(ctx context.Context, ownerID string) ([]BanResult, error) {
	ownerID = strings.TrimSpace(ownerID)
	if ownerID == "" {
		return nil, fmt.Errorf("store: empty owner id")
	}

	s.global.Lock()
	defer s.global.Unlock()

	lockPath, err := s.lockPath("store.global")
	if err != nil {
		return nil, err
	}

	var results []BanResult
	err = fsstore.WithLock(ctx, lockPath, func() error {
		owner, err := s.readOwner(ownerID)
		if err != nil {
			return err
		}
		now := time.Now().UTC()

		owner.Banned = true
		owner.Version++
		owner.UpdatedAt = now
		if err := fsstore.WriteJSONAtomic(s.ownerPath(ownerID), owner, fsstore.FileOptions{}); err != nil {
			return err
		}

		for _, botID := range owner.BotIDs {
			rec, err := s.readBot(botID)
			if err != nil {
				s.logg().Warn("ban skipped unreadable bot",
					slog.String("event", "store.ban"),
					slog.String("owner_id", ownerID),
					slog.String("bot_id", botID),
					slog.String("err", err.Error()),
				)
				continue
			}
			if rec.Status == botmeta.StatusBanned {
				continue
			}
			from := rec.Status
			rec.Status = botmeta.StatusBanned
			rec.Version++
			rec.UpdatedAt = now
			if err := fsstore.WriteJSONAtomic(s.botPath(botID), rec, fsstore.FileOptions{}); err != nil {
				return err
			}
			results = append(results, BanResult{BotID: botID, From: from})
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.logg().Info("owner banned",
		slog.String("event", "store.ban"),
		slog.String("owner_id", ownerID),
		slog.Int("count", len(results)),
	)
	return results, nil
}

// List returns every readable bot record.
func (s *Store) List(ctx context.Context) ([]*botmeta.BotRecord, error) {
	s.global.RLock()
	defer s.global.RUnlock()

	ids, err := s.listBotIDs()
	if err != nil {
		return nil, err
	}
	out := make([]*botmeta.BotRecord, 0, len(ids))
	for _, id := range ids {
		rec, err := s.readBot(id)
		if err != nil {
			s.logg().Warn("list skipped unreadable bot",
				slog.String("event", "store.list"),
				slog.String("bot_id", id),
				slog.String("err", err.Error()),
			)
			continue
		}
		out = append(out, rec)
	}
	return out, nil
}

// ListByOwner returns the records of every bot registered to the owner.
func (s *Store) ListByOwner(ctx context.Context, ownerID string) ([]*botmeta.BotRecord, error) {
	owner, err := s.GetOwner(ctx, ownerID)
	if err != nil {
		return nil, err
	}

	s.global.RLock()
	defer s.global.RUnlock()
	out := make([]*botmeta.BotRecord, 0, len(owner.BotIDs))
	for _, id := range owner.BotIDs {
		rec, err := s.readBot(id)
		if err != nil {
			continue
		}
		out = append(out, rec)
	}
	return out, nil
}

// Stats summarizes the stored fleet.
type Stats struct {
	Bots        int                    `json:"bots"`
	ByStatus    map[botmeta.Status]int `json:"byStatus"`
	Files       int                    `json:"files"`
	Folders     int                    `json:"folders"`
	NeedsReview int                    `json:"needsReview"`
}

// Stats walks all bot records and aggregates counts by status.
func (s *Store) Stats(ctx context.Context) (Stats, error) {
	records, err := s.List(ctx)
	if err != nil {
		return Stats{}, err
	}
	st := Stats{ByStatus: make(map[botmeta.Status]int)}
	for _, rec := range records {
		st.Bots++
		st.ByStatus[rec.Status]++
		st.Files += rec.Root.CountFiles()
		st.Folders += rec.Root.CountFolders()
		if rec.NeedsReview {
			st.NeedsReview++
		}
	}
	return st, nil
}

func (s *Store) listBotIDs() ([]string, error) {
	entries, err := os.ReadDir(filepath.Join(s.dir, botsDir))
	if err != nil {
		return nil, fmt.Errorf("store: list bots: %w", err)
	}
	var ids []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		name := e.Name()
		if !strings.HasSuffix(name, ".json") {
			continue
		}
		ids = append(ids, strings.TrimSuffix(name, ".json"))
	}
	return ids, nil
}

// quarantineCorrupt renames undecodable bot documents aside and replaces them
// with a minimal disconnected record flagged for review, so one bad file
// never blocks startup or hides the rest of the fleet.
func (s *Store) quarantineCorrupt() error {
	ids, err := s.listBotIDs()
	if err != nil {
		return err
	}
	for _, id := range ids {
		_, err := s.readBot(id)
		var corrupt *CorruptError
		if !errors.As(err, &corrupt) {
			continue
		}

		path := s.botPath(id)
		quarantined := fmt.Sprintf("%s.corrupt.%d", path, time.Now().UnixNano())
		if err := os.Rename(path, quarantined); err != nil {
			return fmt.Errorf("store: quarantine %s: %w", id, err)
		}

		now := time.Now().UTC()
		minimal := &botmeta.BotRecord{
			ID:          id,
			Status:      botmeta.StatusDisconnected,
			NeedsReview: true,
			Version:     1,
			CreatedAt:   now,
			UpdatedAt:   now,
		}
		if err := fsstore.WriteJSONAtomic(path, minimal, fsstore.FileOptions{}); err != nil {
			return err
		}

		s.logg().Error("corrupt record quarantined",
			slog.String("event", "store.quarantine"),
			slog.String("bot_id", id),
			slog.String("path", quarantined),
		)
	}
	return nil
}
