package fleet

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"log/slog"

	"github.com/botshelf/botshelf/botmeta"
	"github.com/botshelf/botshelf/breaker"
	coreconfig "github.com/botshelf/botshelf/core/config"
	coretelegram "github.com/botshelf/botshelf/core/telegram"
	"github.com/botshelf/botshelf/core/telegram/callbacks"
	tghelpers "github.com/botshelf/botshelf/core/telegram/helpers"
	"github.com/botshelf/botshelf/nav"
	"github.com/botshelf/botshelf/store"

	tele "gopkg.in/telebot.v4"
)

// Session is one live Telegram transport for an approved bot. Updates are
// processed synchronously, so per-chat arrival order is preserved.
type Session struct {
	botID   string
	cfg     *coreconfig.Config
	store   *store.Store
	bot     *tele.Bot
	brk     *breaker.Breaker
	cursors *cursorStore

	done chan struct{}
}

func newSession(rec *botmeta.BotRecord, deps sessionDeps) (*Session, error) {
	cfg := deps.cfg
	poller := coretelegram.BuildPoller(coretelegram.PollerOptions{
		RunMode:                coretelegram.RunModeLongpoll,
		LongPollTimeoutSeconds: cfg.Fleet.LongPollTimeoutSeconds,
	})

	s := &Session{
		botID:   rec.ID,
		cfg:     cfg,
		store:   deps.store,
		cursors: newCursorStore(),
		done:    make(chan struct{}),
		brk: breaker.New(breaker.Options{
			FailureThreshold: cfg.Breaker.FailureThreshold,
			Window:           time.Duration(cfg.Breaker.WindowSeconds) * time.Second,
			Cooldown:         time.Duration(cfg.Breaker.CooldownSeconds) * time.Second,
			CooldownMax:      time.Duration(cfg.Breaker.CooldownMaxSeconds) * time.Second,
		}),
	}

	bot, err := tele.NewBot(tele.Settings{
		Token:       rec.Token,
		Poller:      poller,
		Client:      deps.client,
		Synchronous: true,
		OnError: func(err error, c tele.Context) {
			flog().Error("handler error",
				slog.String("event", "session.error"),
				slog.String("bot_id", s.botID),
				slog.String("err", err.Error()),
			)
		},
	})
	if err != nil {
		return nil, fmt.Errorf("fleet: bot init: %w", err)
	}
	s.bot = bot

	for _, mw := range coretelegram.DefaultMiddlewares(rec.ID, cfg, nil) {
		if mw.Use == nil {
			continue
		}
		bot.Use(mw.Use)
	}

	bot.Handle("/start", s.handleStart)
	bot.Handle(tele.OnCallback, s.handleCallback)
	bot.Handle(tele.OnText, s.handleText)

	return s, nil
}

func (s *Session) start() {
	go func() {
		s.bot.Start()
		close(s.done)
	}()
}

// stop shuts the transport down and waits up to grace for the poller to
// drain. It reports whether the poller actually finished; on false the
// poller is still winding down and done closes later.
func (s *Session) stop(grace time.Duration) bool {
	if s.bot != nil {
		go s.bot.Stop()
	}
	select {
	case <-s.done:
		return true
	case <-time.After(grace):
		flog().Warn("session stop grace exceeded",
			slog.String("event", "session.stop"),
			slog.String("bot_id", s.botID),
		)
		return false
	}
}

// Breaker exposes breaker state for admin views.
func (s *Session) Breaker() breaker.State {
	return s.brk.State()
}

// Chats returns the number of chats with an active cursor.
func (s *Session) Chats() int {
	return s.cursors.Len()
}

func (s *Session) handleStart(c tele.Context) error {
	start := time.Now()
	chat := c.Chat()
	if chat == nil {
		return nil
	}
	ctx := tghelpers.BuildContext(c)

	rec, err := s.store.Get(ctx, s.botID)
	if err != nil {
		s.logSummary(c, "start", start, err)
		return tghelpers.SendText(c, "Service is temporarily unavailable. Please try again later.")
	}

	if rec.OwnerID == "" {
		if bound := s.tryBindOwner(ctx, c, rec); bound != nil {
			rec = bound
		}
	}

	s.cursors.Set(chat.ID, nav.Root())
	_, render := nav.Describe(rec.Root, nav.Root())
	text, markup := buildMenu(render)

	err = s.brk.Do(ctx, func() error {
		return c.Send(text, &tele.SendOptions{ParseMode: tele.ModeMarkdown, ReplyMarkup: markup})
	})
	if errors.Is(err, breaker.ErrUnavailable) {
		err = nil
	}
	s.logSummary(c, "start", start, err)
	return err
}

// tryBindOwner claims the bot for the first /start sender who administers
// the linked channel. Binding is best effort; the menu renders either way.
func (s *Session) tryBindOwner(ctx context.Context, c tele.Context, rec *botmeta.BotRecord) *botmeta.BotRecord {
	sender := c.Sender()
	if sender == nil {
		return nil
	}

	rec, err := s.ensureChannelResolved(ctx, c, rec)
	if err != nil || !rec.Channel.Resolved() {
		return nil
	}

	var admins []tele.ChatMember
	err = s.brk.Do(ctx, func() error {
		var callErr error
		admins, callErr = c.Bot().AdminsOf(&tele.Chat{ID: rec.Channel.ID})
		return callErr
	})
	if err != nil {
		return nil
	}

	isAdmin := false
	for _, m := range admins {
		if m.User != nil && m.User.ID == sender.ID {
			isAdmin = true
			break
		}
	}
	if !isAdmin {
		return nil
	}

	ownerID := strconv.FormatInt(sender.ID, 10)
	updated, err := s.store.Put(ctx, s.botID, func(cur *botmeta.BotRecord) (*botmeta.BotRecord, error) {
		if cur == nil {
			return nil, store.ErrNotFound
		}
		if cur.OwnerID != "" {
			return cur, nil
		}
		cur.OwnerID = ownerID
		return cur, nil
	})
	if err != nil {
		return nil
	}
	_, err = s.store.PutOwner(ctx, ownerID, func(cur *botmeta.OwnerRecord) (*botmeta.OwnerRecord, error) {
		if cur == nil {
			cur = &botmeta.OwnerRecord{ID: ownerID}
		}
		cur.AddBot(s.botID)
		return cur, nil
	})
	if err != nil {
		return nil
	}

	flog().Info("owner bound",
		slog.String("event", "session.owner_bound"),
		slog.String("bot_id", s.botID),
		slog.String("owner_id", ownerID),
	)
	return updated
}

// ensureChannelResolved resolves @username channels to their numeric chat ID
// once and persists the result, so forwards keep working without lookups.
func (s *Session) ensureChannelResolved(ctx context.Context, c tele.Context, rec *botmeta.BotRecord) (*botmeta.BotRecord, error) {
	if rec.Channel.Resolved() || rec.Channel.Username == "" {
		return rec, nil
	}

	var chat *tele.Chat
	err := s.brk.Do(ctx, func() error {
		var callErr error
		chat, callErr = c.Bot().ChatByUsername("@" + rec.Channel.Username)
		return callErr
	})
	if err != nil {
		return rec, err
	}

	chatID := chat.ID
	updated, err := s.store.Put(ctx, s.botID, func(cur *botmeta.BotRecord) (*botmeta.BotRecord, error) {
		if cur == nil {
			return nil, store.ErrNotFound
		}
		if !cur.Channel.Resolved() {
			cur.Channel.ID = chatID
		}
		return cur, nil
	})
	if err != nil {
		return rec, err
	}
	return updated, nil
}

func (s *Session) handleCallback(c tele.Context) error {
	start := time.Now()
	key := callbacks.CallbackKey(c)

	act, ok := s.actionFor(c, key)
	if !ok {
		return c.Respond(&tele.CallbackResponse{})
	}

	err := s.navigate(c, act)
	s.logSummary(c, "callback."+key, start, err)
	return err
}

func (s *Session) actionFor(c tele.Context, key string) (nav.Action, bool) {
	switch key {
	case cbHome:
		return nav.Action{Kind: nav.ActionHome}, true
	case cbBack:
		return nav.Action{Kind: nav.ActionBack}, true
	case cbPrev:
		return nav.Action{Kind: nav.ActionPrevPage}, true
	case cbNext:
		return nav.Action{Kind: nav.ActionNextPage}, true
	case cbOpen, cbFile:
		idx, err := callbacks.PayloadInt(c)
		if err != nil {
			return nav.Action{}, false
		}
		kind := nav.ActionOpen
		if key == cbFile {
			kind = nav.ActionSelect
		}
		return nav.Action{Kind: kind, Index: idx}, true
	}
	return nav.Action{}, false
}

func (s *Session) navigate(c tele.Context, act nav.Action) error {
	chat := c.Chat()
	if chat == nil {
		return nil
	}
	ctx := tghelpers.BuildContext(c)

	rec, err := s.store.Get(ctx, s.botID)
	if err != nil {
		_ = c.Respond(&tele.CallbackResponse{Text: "Temporarily unavailable."})
		return err
	}

	cur := s.cursors.Get(chat.ID)
	next, render := nav.Advance(rec.Root, cur, act)
	s.cursors.Set(chat.ID, next)

	if render.Forward != nil {
		_ = c.Respond(&tele.CallbackResponse{})
		return s.forwardFile(ctx, c, rec, render.Forward)
	}

	text, markup := buildMenu(render)
	err = s.brk.Do(ctx, func() error {
		return c.EditOrSend(text, &tele.SendOptions{ParseMode: tele.ModeMarkdown, ReplyMarkup: markup})
	})
	if errors.Is(err, breaker.ErrUnavailable) {
		return c.Respond(&tele.CallbackResponse{Text: "Temporarily unavailable, please try again soon."})
	}
	_ = c.Respond(&tele.CallbackResponse{})
	return err
}

// forwardFile forwards the stored channel message that carries the file.
func (s *Session) forwardFile(ctx context.Context, c tele.Context, rec *botmeta.BotRecord, file *botmeta.FileEntry) error {
	rec, err := s.ensureChannelResolved(ctx, c, rec)
	if err != nil || !rec.Channel.Resolved() {
		if errors.Is(err, breaker.ErrUnavailable) {
			return tghelpers.SendText(c, "Temporarily unavailable, please try again soon.")
		}
		return tghelpers.SendText(c, "This file cannot be delivered right now.")
	}

	stored := tele.StoredMessage{
		MessageID: strconv.Itoa(file.MessageID),
		ChatID:    rec.Channel.ID,
	}
	err = s.brk.Do(ctx, func() error {
		_, fwdErr := c.Bot().Forward(c.Chat(), stored)
		return fwdErr
	})
	if errors.Is(err, breaker.ErrUnavailable) {
		return tghelpers.SendText(c, "Temporarily unavailable, please try again soon.")
	}
	if err != nil {
		flog().Warn("forward failed",
			slog.String("event", "session.forward"),
			slog.String("bot_id", s.botID),
			slog.String("err", err.Error()),
		)
		return tghelpers.SendText(c, "This file cannot be delivered right now.")
	}
	return nil
}

// handleText redraws the current menu; hosted bots have no free-text commands.
func (s *Session) handleText(c tele.Context) error {
	start := time.Now()
	chat := c.Chat()
	if chat == nil {
		return nil
	}
	ctx := tghelpers.BuildContext(c)

	rec, err := s.store.Get(ctx, s.botID)
	if err != nil {
		s.logSummary(c, "text", start, err)
		return tghelpers.SendText(c, "Service is temporarily unavailable. Please try again later.")
	}

	cur, render := nav.Describe(rec.Root, s.cursors.Get(chat.ID))
	s.cursors.Set(chat.ID, cur)
	text, markup := buildMenu(render)
	err = s.brk.Do(ctx, func() error {
		return c.Send(text, &tele.SendOptions{ParseMode: tele.ModeMarkdown, ReplyMarkup: markup})
	})
	if errors.Is(err, breaker.ErrUnavailable) {
		err = nil
	}
	s.logSummary(c, "text", start, err)
	return err
}
