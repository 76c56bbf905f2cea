package fleet

import (
	"io"
	"reflect"
	"strings"
	"time"

	"log/slog"

	"github.com/botshelf/botshelf/core/logger"
	tghelpers "github.com/botshelf/botshelf/core/telegram/helpers"
	"github.com/botshelf/botshelf/core/telegram/middleware"

	tele "gopkg.in/telebot.v4"
)

var discard = slog.New(slog.NewTextHandler(io.Discard, nil))

// flog returns the fleet component logger, or a discard logger before the
// global logger is initialized.
func flog() *slog.Logger {
	if logger.FLEET != nil {
		return logger.FLEET
	}
	return discard
}

func (s *Session) logSummary(c tele.Context, handlerName string, start time.Time, err error) {
	ctx := tghelpers.WithHandler(c, handlerName)
	msgs, kb := middleware.GetCounters(c)

	status := "ok"
	if err != nil {
		status = "fail"
	}

	duration := logger.RoundMS(time.Since(start)).Milliseconds()
	attrs := []slog.Attr{
		slog.String("status", status),
		slog.String("bot_id", s.botID),
		slog.String("handler", handlerName),
		slog.Int("messages", msgs),
		slog.Bool("kb", kb),
		slog.Int64("duration_ms", duration),
	}
	if err != nil {
		attrs = append(attrs,
			slog.String("err", logger.SanitizeLimit(err.Error(), 256)),
			slog.String("err_code", deriveErrorCode(err)),
			slog.String("cause", handlerName),
		)
	}
	logger.LogEvent(ctx, logger.Component("tg"), slog.LevelInfo, "handler.handled", attrs...)
}

func deriveErrorCode(err error) string {
	if err == nil {
		return ""
	}
	type coder interface{ Code() string }
	if c, ok := err.(coder); ok {
		code := strings.TrimSpace(c.Code())
		if code != "" {
			return strings.ToUpper(strings.ReplaceAll(code, " ", "_"))
		}
	}
	t := reflect.TypeOf(err)
	for t != nil && t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	if t != nil {
		return strings.ToUpper(strings.ReplaceAll(t.Name(), " ", "_"))
	}
	return "UNKNOWN_ERROR"
}
