package fleet

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/botshelf/botshelf/core/telegram/format"
	"github.com/botshelf/botshelf/core/telegram/keyboard"
	"github.com/botshelf/botshelf/nav"

	tele "gopkg.in/telebot.v4"
)

// Callback uniques understood by the session. Payloads carry the item index
// in the combined folder listing, which keeps callback data well inside
// Telegram's 64-byte limit no matter how long folder names get.
const (
	cbOpen = "nv_open"
	cbFile = "nv_file"
	cbBack = "nv_back"
	cbHome = "nv_home"
	cbPrev = "nv_prev"
	cbNext = "nv_next"
)

// buildMenu turns a nav render into message text plus an inline keyboard.
func buildMenu(r nav.Render) (string, *tele.ReplyMarkup) {
	var b strings.Builder
	title := r.Title
	if escaped, err := format.EscapeMarkdown(title, format.MarkdownV1, ""); err == nil {
		title = escaped
	}
	fmt.Fprintf(&b, "📂 %s\n", title)
	if r.Pages > 1 {
		fmt.Fprintf(&b, "Page %d/%d\n", r.Page, r.Pages)
	}
	if r.Notice != "" {
		fmt.Fprintf(&b, "\n%s\n", r.Notice)
	}
	if r.Empty {
		b.WriteString("\nThis folder is empty.")
	} else {
		b.WriteString("\nPick a folder or file:")
	}

	var rows [][]keyboard.InlineBtn
	for _, item := range r.Items {
		btn := keyboard.InlineBtn{Data: strconv.Itoa(item.Index)}
		if item.IsFolder {
			btn.Text = "📁 " + item.Label
			btn.Unique = cbOpen
		} else {
			btn.Text = "📄 " + item.Label
			btn.Unique = cbFile
		}
		rows = append(rows, []keyboard.InlineBtn{btn})
	}

	var navRow []keyboard.InlineBtn
	if r.HasPrev {
		navRow = append(navRow, keyboard.InlineBtn{Text: "⬅️ Prev", Unique: cbPrev})
	}
	if r.HasBack {
		navRow = append(navRow, keyboard.InlineBtn{Text: "🔙 Back", Unique: cbBack})
	}
	navRow = append(navRow, keyboard.InlineBtn{Text: "🏠 Home", Unique: cbHome})
	if r.HasNext {
		navRow = append(navRow, keyboard.InlineBtn{Text: "➡️ Next", Unique: cbNext})
	}
	rows = append(rows, navRow)

	return b.String(), keyboard.InlineButtonsRows(rows...)
}
