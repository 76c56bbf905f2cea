// Package lifecycle drives bot state transitions and keeps the running
// fleet consistent with the persisted records. Every mutation goes to the
// store first; only after the record is durable does the registry follow.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"log/slog"

	"github.com/botshelf/botshelf/botmeta"
	"github.com/botshelf/botshelf/core/logger"
	"github.com/botshelf/botshelf/events"
	"github.com/botshelf/botshelf/store"

	"golang.org/x/sync/errgroup"
)

// Registry is the slice of the fleet registry the controller drives.
type Registry interface {
	Start(ctx context.Context, botID string) error
	Stop(ctx context.Context, botID string) error
	Running(botID string) bool
	List() []string
}

// Controller owns bot lifecycle transitions.
type Controller struct {
	store *store.Store
	reg   Registry
	bus   *events.Bus
}

func NewController(st *store.Store, reg Registry, bus *events.Bus) *Controller {
	return &Controller{store: st, reg: reg, bus: bus}
}

var discard = slog.New(slog.NewTextHandler(io.Discard, nil))

func (c *Controller) logg() *slog.Logger {
	if logger.LC != nil {
		return logger.LC
	}
	return discard
}

// transition applies a status change through the record's own rules and
// returns the previous status alongside the updated record.
func (c *Controller) transition(ctx context.Context, botID string, to botmeta.Status) (botmeta.Status, *botmeta.BotRecord, error) {
	var from botmeta.Status
	rec, err := c.store.Put(ctx, botID, func(cur *botmeta.BotRecord) (*botmeta.BotRecord, error) {
		if cur == nil {
			return nil, store.ErrNotFound
		}
		from = cur.Status
		next, err := cur.Status.Transition(to)
		if err != nil {
			return nil, err
		}
		cur.Status = next
		return cur, nil
	})
	if err != nil {
		return "", nil, err
	}
	return from, rec, nil
}

func (c *Controller) publish(botID string, from, to botmeta.Status, reason string) {
	ev := events.New(botID, from, to, reason)
	c.bus.Publish(ev)
	c.logg().Info("lifecycle transition",
		slog.String("event", "lifecycle.transition"),
		slog.String("bot_id", botID),
		slog.String("from", string(from)),
		slog.String("to", string(to)),
	)
}

// Approve moves a pending bot to approved and starts its session. The record
// stays approved even if the transport fails to come up; reconciliation
// retries the start later. Bots of a banned owner cannot be approved: a ban
// racing this check already moved the record to banned, which the
// transition below refuses.
func (c *Controller) Approve(ctx context.Context, botID string) error {
	rec, err := c.store.Get(ctx, botID)
	if err != nil {
		return err
	}
	if rec.OwnerID != "" {
		owner, err := c.store.GetOwner(ctx, rec.OwnerID)
		if err != nil && !errors.Is(err, store.ErrNotFound) {
			return err
		}
		if err == nil && owner.Banned {
			return fmt.Errorf("lifecycle: approve %s: owner %s is banned: %w",
				botID, rec.OwnerID, botmeta.ErrInvalidState)
		}
	}

	from, _, err := c.transition(ctx, botID, botmeta.StatusApproved)
	if err != nil {
		return err
	}
	c.publish(botID, from, botmeta.StatusApproved, "approved")

	if err := c.reg.Start(ctx, botID); err != nil {
		c.logg().Warn("start after approve failed",
			slog.String("event", "lifecycle.approve"),
			slog.String("bot_id", botID),
			slog.String("err", err.Error()),
		)
	}
	return nil
}

// Reject declines a pending bot.
func (c *Controller) Reject(ctx context.Context, botID string) error {
	from, _, err := c.transition(ctx, botID, botmeta.StatusDisconnected)
	if err != nil {
		return err
	}
	c.publish(botID, from, botmeta.StatusDisconnected, "rejected")
	return nil
}

// Disconnect retires a bot and tears down its session if one is live.
func (c *Controller) Disconnect(ctx context.Context, botID string) error {
	from, _, err := c.transition(ctx, botID, botmeta.StatusDisconnected)
	if err != nil {
		return err
	}
	if err := c.reg.Stop(ctx, botID); err != nil {
		return err
	}
	c.publish(botID, from, botmeta.StatusDisconnected, "disconnected")
	return nil
}

// Ban bans an owner, moves every one of their bots to banned, and stops
// any live sessions.
func (c *Controller) Ban(ctx context.Context, ownerID, reason string) error {
	results, err := c.store.BanOwner(ctx, ownerID)
	if err != nil {
		return err
	}
	for _, res := range results {
		if err := c.reg.Stop(ctx, res.BotID); err != nil {
			c.logg().Warn("stop after ban failed",
				slog.String("event", "lifecycle.ban"),
				slog.String("bot_id", res.BotID),
				slog.String("err", err.Error()),
			)
		}
		c.publish(res.BotID, res.From, botmeta.StatusBanned, reason)
	}
	c.logg().Info("owner banned",
		slog.String("event", "lifecycle.ban"),
		slog.String("owner_id", ownerID),
		slog.Int("bots", len(results)),
	)
	return nil
}

// Reconcile aligns the registry with the store: approved bots get sessions,
// everything else loses them.
func (c *Controller) Reconcile(ctx context.Context) error {
	recs, err := c.store.List(ctx)
	if err != nil {
		return err
	}

	approved := make(map[string]bool, len(recs))
	for _, rec := range recs {
		if rec.Status == botmeta.StatusApproved {
			approved[rec.ID] = true
		}
	}

	var started, stopped int
	g, gctx := errgroup.WithContext(ctx)
	for id := range approved {
		if c.reg.Running(id) {
			continue
		}
		started++
		g.Go(func() error {
			if err := c.reg.Start(gctx, id); err != nil {
				c.logg().Warn("reconcile start failed",
					slog.String("event", "lifecycle.reconcile"),
					slog.String("bot_id", id),
					slog.String("err", err.Error()),
				)
			}
			return nil
		})
	}
	for _, id := range c.reg.List() {
		if approved[id] {
			continue
		}
		stopped++
		g.Go(func() error {
			return c.reg.Stop(gctx, id)
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	if started > 0 || stopped > 0 {
		c.logg().Info("reconciled",
			slog.String("event", "lifecycle.reconcile"),
			slog.Int("started", started),
			slog.Int("stopped", stopped),
		)
	}
	return nil
}

// RunReconciler reconciles once immediately and then on every tick until
// the context ends.
func (c *Controller) RunReconciler(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}
	if err := c.Reconcile(ctx); err != nil {
		c.logg().Error("reconcile failed",
			slog.String("event", "lifecycle.reconcile"),
			slog.String("err", err.Error()),
		)
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := c.Reconcile(ctx); err != nil {
				c.logg().Error("reconcile failed",
					slog.String("event", "lifecycle.reconcile"),
					slog.String("err", err.Error()),
				)
			}
		}
	}
}
