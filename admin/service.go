// Package admin exposes the operator surface: bot registration, metadata
// replacement, lifecycle actions, and fleet introspection. Bot tokens never
// leave this package through any view or log line.
package admin

import (
	"context"
	"fmt"
	"io"
	"time"

	"log/slog"

	"github.com/botshelf/botshelf/botmeta"
	"github.com/botshelf/botshelf/core/logger"
	"github.com/botshelf/botshelf/fleet"
	"github.com/botshelf/botshelf/lifecycle"
	"github.com/botshelf/botshelf/store"
)

// Service wires lifecycle actions and store access for the admin API.
type Service struct {
	store *store.Store
	ctrl  *lifecycle.Controller
	reg   *fleet.Registry
}

func NewService(st *store.Store, ctrl *lifecycle.Controller, reg *fleet.Registry) *Service {
	return &Service{store: st, ctrl: ctrl, reg: reg}
}

var discard = slog.New(slog.NewTextHandler(io.Discard, nil))

func (s *Service) logg() *slog.Logger {
	if logger.ADM != nil {
		return logger.ADM
	}
	return discard
}

// ValidationError reports rejected registration input.
type ValidationError struct {
	msg string
}

func (e *ValidationError) Error() string { return e.msg }

// Code returns the machine-readable error code.
func (e *ValidationError) Code() string { return "VALIDATION" }

func validationErr(format string, args ...any) error {
	return &ValidationError{msg: fmt.Sprintf(format, args...)}
}

// UpsertRequest registers a bot or replaces its published tree.
type UpsertRequest struct {
	Token   string              `json:"token"`
	Channel string              `json:"channel"`
	Tree    *botmeta.FolderNode `json:"metadata"`
}

// UpsertResult summarizes what an upsert changed.
type UpsertResult struct {
	BotID   string                `json:"botId"`
	Created bool                  `json:"created"`
	Version int64                 `json:"version"`
	Status  botmeta.Status        `json:"status"`
	Summary botmeta.ChangeSummary `json:"summary"`
}

// Upsert registers a new bot as pending, or replaces the entire tree of an
// existing one. The tree is swapped wholesale; there is no partial merge.
func (s *Service) Upsert(ctx context.Context, req UpsertRequest) (*UpsertResult, error) {
	if err := botmeta.ValidateToken(req.Token); err != nil {
		return nil, validationErr("invalid token: %v", err)
	}
	channel, err := botmeta.ParseChannelRef(req.Channel)
	if err != nil {
		return nil, validationErr("invalid channel: %v", err)
	}
	if err := botmeta.ValidateTree(req.Tree); err != nil {
		return nil, validationErr("invalid metadata: %v", err)
	}

	botID, err := botmeta.BotIDFromToken(req.Token)
	if err != nil {
		return nil, validationErr("invalid token: %v", err)
	}

	res := &UpsertResult{BotID: botID}
	rec, err := s.store.Put(ctx, botID, func(cur *botmeta.BotRecord) (*botmeta.BotRecord, error) {
		if cur == nil {
			res.Created = true
			res.Summary = botmeta.Compare(nil, req.Tree)
			return &botmeta.BotRecord{
				ID:      botID,
				Token:   req.Token,
				Status:  botmeta.StatusPending,
				Channel: channel,
				Root:    req.Tree,
			}, nil
		}
		if cur.Status == botmeta.StatusBanned {
			return nil, fmt.Errorf("admin: bot %s is banned: %w", botID, botmeta.ErrInvalidState)
		}
		res.Summary = botmeta.Compare(cur.Root, req.Tree)
		cur.Token = req.Token
		cur.Channel = channel
		cur.Root = req.Tree
		cur.NeedsReview = false
		return cur, nil
	})
	if err != nil {
		return nil, err
	}
	res.Version = rec.Version
	res.Status = rec.Status

	s.logg().Info("bot upserted",
		slog.String("event", "admin.upsert"),
		slog.String("bot_id", botID),
		slog.Bool("created", res.Created),
		slog.Int64("version", res.Version),
		slog.Int("files", res.Summary.Total()),
	)
	return res, nil
}

// Approve approves a pending bot and starts it.
func (s *Service) Approve(ctx context.Context, botID string) error {
	return s.ctrl.Approve(ctx, botID)
}

// Reject declines a pending bot.
func (s *Service) Reject(ctx context.Context, botID string) error {
	return s.ctrl.Reject(ctx, botID)
}

// Disconnect retires a bot.
func (s *Service) Disconnect(ctx context.Context, botID string) error {
	return s.ctrl.Disconnect(ctx, botID)
}

// BanOwner bans an owner and every bot they hold.
func (s *Service) BanOwner(ctx context.Context, ownerID, reason string) error {
	return s.ctrl.Ban(ctx, ownerID, reason)
}

// BotView is the token-free representation served to operators.
type BotView struct {
	ID          string         `json:"id"`
	OwnerID     string         `json:"ownerId,omitempty"`
	Username    string         `json:"username,omitempty"`
	Status      botmeta.Status `json:"status"`
	Channel     string         `json:"channel,omitempty"`
	Files       int            `json:"files"`
	Folders     int            `json:"folders"`
	NeedsReview bool           `json:"needsReview,omitempty"`
	Version     int64          `json:"version"`
	Running     bool           `json:"running"`
	Breaker     string         `json:"breaker,omitempty"`
	Chats       int            `json:"chats,omitempty"`
	UpdatedAt   time.Time      `json:"updatedAt"`
}

func (s *Service) view(rec *botmeta.BotRecord) BotView {
	v := BotView{
		ID:          rec.ID,
		OwnerID:     rec.OwnerID,
		Username:    rec.Username,
		Status:      rec.Status,
		NeedsReview: rec.NeedsReview,
		Version:     rec.Version,
		UpdatedAt:   rec.UpdatedAt,
	}
	if rec.Channel.Resolved() {
		v.Channel = fmt.Sprintf("%d", rec.Channel.ID)
	} else if rec.Channel.Username != "" {
		v.Channel = "@" + rec.Channel.Username
	}
	if rec.Root != nil {
		v.Files = rec.Root.CountFiles()
		v.Folders = rec.Root.CountFolders()
	}
	if s.reg != nil {
		v.Running = s.reg.Running(rec.ID)
		if sess, err := s.reg.Session(rec.ID); err == nil {
			v.Breaker = string(sess.Breaker())
			v.Chats = sess.Chats()
		}
	}
	return v
}

// GetBot returns one bot's view.
func (s *Service) GetBot(ctx context.Context, botID string) (*BotView, error) {
	rec, err := s.store.Get(ctx, botID)
	if err != nil {
		return nil, err
	}
	v := s.view(rec)
	return &v, nil
}

// ListBots returns views of every stored bot.
func (s *Service) ListBots(ctx context.Context) ([]BotView, error) {
	recs, err := s.store.List(ctx)
	if err != nil {
		return nil, err
	}
	views := make([]BotView, 0, len(recs))
	for _, rec := range recs {
		views = append(views, s.view(rec))
	}
	return views, nil
}

// StatsView aggregates store counters with fleet liveness.
type StatsView struct {
	store.Stats
	Running int `json:"running"`
}

// Stats returns aggregate fleet statistics.
func (s *Service) Stats(ctx context.Context) (*StatsView, error) {
	stats, err := s.store.Stats(ctx)
	if err != nil {
		return nil, err
	}
	v := &StatsView{Stats: stats}
	if s.reg != nil {
		v.Running = len(s.reg.List())
	}
	return v, nil
}
