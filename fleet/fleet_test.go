package fleet

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/botshelf/botshelf/botmeta"
	coreconfig "github.com/botshelf/botshelf/core/config"
	"github.com/botshelf/botshelf/nav"
	"github.com/botshelf/botshelf/store"
)

func TestCursorStoreDefaultsToRoot(t *testing.T) {
	cs := newCursorStore()
	cur := cs.Get(42)
	if len(cur.Path) != 0 || cur.Offset != 0 {
		t.Fatalf("expected root cursor, got %+v", cur)
	}
}

func TestCursorStoreSetGetClear(t *testing.T) {
	cs := newCursorStore()
	cs.Set(1, nav.Cursor{Path: []string{"music"}, Offset: 30})
	cs.Set(2, nav.Cursor{Path: []string{"docs"}})

	if got := cs.Get(1); got.Offset != 30 || len(got.Path) != 1 || got.Path[0] != "music" {
		t.Fatalf("unexpected cursor: %+v", got)
	}
	if cs.Len() != 2 {
		t.Fatalf("expected 2 chats, got %d", cs.Len())
	}

	cs.Clear(1)
	if cs.Len() != 1 {
		t.Fatalf("expected 1 chat after clear, got %d", cs.Len())
	}
	if got := cs.Get(1); len(got.Path) != 0 {
		t.Fatalf("cleared chat should fall back to root, got %+v", got)
	}
}

func menuTree() *botmeta.FolderNode {
	return &botmeta.FolderNode{
		Folders: []*botmeta.FolderNode{
			{Name: "music"},
			{Name: "docs"},
		},
		Files: []botmeta.FileEntry{
			{Name: "readme.txt", FileID: "f1", MessageID: 10},
		},
	}
}

func TestBuildMenuRootListing(t *testing.T) {
	_, render := nav.Describe(menuTree(), nav.Root())
	text, markup := buildMenu(render)

	if !strings.Contains(text, "📂") {
		t.Fatalf("expected title line in %q", text)
	}
	if markup == nil {
		t.Fatal("expected inline keyboard")
	}
	if len(markup.InlineKeyboard) != 4 {
		t.Fatalf("expected 3 item rows plus a nav row, got %d", len(markup.InlineKeyboard))
	}
	if !strings.Contains(markup.InlineKeyboard[0][0].Text, "music") {
		t.Fatalf("first row should be the first folder, got %q", markup.InlineKeyboard[0][0].Text)
	}
	if !strings.Contains(markup.InlineKeyboard[2][0].Text, "readme.txt") {
		t.Fatalf("files should follow folders, got %q", markup.InlineKeyboard[2][0].Text)
	}
	navRow := markup.InlineKeyboard[3]
	if len(navRow) != 1 || !strings.Contains(navRow[0].Text, "Home") {
		t.Fatalf("root nav row should be home only, got %+v", navRow)
	}
}

func TestBuildMenuNavRowBelowRoot(t *testing.T) {
	cur, render := nav.Advance(menuTree(), nav.Root(), nav.Action{Kind: nav.ActionOpen, Index: 0})
	if len(cur.Path) != 1 || cur.Path[0] != "music" {
		t.Fatalf("expected cursor in music, got %+v", cur)
	}
	text, markup := buildMenu(render)

	if !strings.Contains(text, "empty") {
		t.Fatalf("empty folder should say so, got %q", text)
	}
	if markup == nil || len(markup.InlineKeyboard) != 1 {
		t.Fatalf("expected a lone nav row, got %+v", markup)
	}
	row := markup.InlineKeyboard[0]
	if len(row) != 2 || !strings.Contains(row[0].Text, "Back") || !strings.Contains(row[1].Text, "Home") {
		t.Fatalf("expected back and home buttons, got %+v", row)
	}
}

func TestBuildMenuPagination(t *testing.T) {
	root := &botmeta.FolderNode{}
	for i := 0; i < nav.PageSize+5; i++ {
		root.Files = append(root.Files, botmeta.FileEntry{
			Name: "file" + strings.Repeat("x", i%3) + ".bin", FileID: "f", MessageID: i + 1,
		})
	}

	_, render := nav.Describe(root, nav.Root())
	text, markup := buildMenu(render)
	if !strings.Contains(text, "Page 1/2") {
		t.Fatalf("expected page line, got %q", text)
	}
	last := markup.InlineKeyboard[len(markup.InlineKeyboard)-1]
	if len(last) != 2 || !strings.Contains(last[0].Text, "Home") || !strings.Contains(last[1].Text, "Next") {
		t.Fatalf("expected home and next on root page 1, got %+v", last)
	}
}

// TestStopHoldsSlotUntilPollerDrains covers the window where the stop grace
// is exceeded but the old poller is still winding down: a concurrent start
// must not be able to open a second transport for the same token.
func TestStopHoldsSlotUntilPollerDrains(t *testing.T) {
	st, err := store.Open(t.TempDir())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	const botID = "123456789"
	_, err = st.Put(context.Background(), botID, func(cur *botmeta.BotRecord) (*botmeta.BotRecord, error) {
		return &botmeta.BotRecord{ID: botID, OwnerID: "500", Status: botmeta.StatusApproved}, nil
	})
	if err != nil {
		t.Fatalf("seed: %v", err)
	}

	r := &Registry{
		cfg:      &coreconfig.Config{},
		store:    st,
		client:   &http.Client{},
		sessions: make(map[string]*Session),
		starting: make(map[string]struct{}),
		stopping: make(map[string]struct{}),
	}

	// A session whose poller never drains within the zero grace.
	s := &Session{botID: botID, done: make(chan struct{})}
	r.sessions[botID] = s

	if err := r.Stop(context.Background(), botID); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if r.Running(botID) {
		t.Fatal("session must be gone from the running set")
	}
	if err := r.Start(context.Background(), botID); !errors.Is(err, ErrAlreadyRunning) {
		t.Fatalf("start during drain = %v, want ErrAlreadyRunning", err)
	}

	close(s.done)
	deadline := time.After(2 * time.Second)
	for {
		r.mu.Lock()
		_, held := r.stopping[botID]
		r.mu.Unlock()
		if !held {
			break
		}
		select {
		case <-deadline:
			t.Fatal("slot reservation not released after drain")
		case <-time.After(5 * time.Millisecond):
		}
	}
}

func TestDeriveErrorCode(t *testing.T) {
	if got := deriveErrorCode(ErrAlreadyRunning); got != "ALREADY_RUNNING" {
		t.Fatalf("got %q", got)
	}
	if got := deriveErrorCode(ErrNotRunning); got != "NOT_RUNNING" {
		t.Fatalf("got %q", got)
	}
	if got := deriveErrorCode(nil); got != "" {
		t.Fatalf("got %q", got)
	}
}
