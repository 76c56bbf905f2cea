package admin

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/botshelf/botshelf/botmeta"
	"github.com/botshelf/botshelf/events"
	"github.com/botshelf/botshelf/lifecycle"
	"github.com/botshelf/botshelf/store"
)

const (
	testToken = "123456789:AAHdqTcvCH1vGWJxfSeofSAs0K5PALDsaw5"
	testBotID = "123456789"
)

type nopRegistry struct{}

func (nopRegistry) Start(context.Context, string) error { return nil }
func (nopRegistry) Stop(context.Context, string) error  { return nil }
func (nopRegistry) Running(string) bool                 { return false }
func (nopRegistry) List() []string                      { return nil }

func newService(t *testing.T) (*Service, *store.Store) {
	t.Helper()
	st, err := store.Open(t.TempDir())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	ctrl := lifecycle.NewController(st, nopRegistry{}, events.NewBus())
	return NewService(st, ctrl, nil), st
}

func sampleTree() *botmeta.FolderNode {
	return &botmeta.FolderNode{
		Folders: []*botmeta.FolderNode{
			{Name: "music", Files: []botmeta.FileEntry{
				{Name: "song.mp3", FileID: "f1", MessageID: 11},
			}},
		},
		Files: []botmeta.FileEntry{
			{Name: "readme.txt", FileID: "f2", MessageID: 12},
		},
	}
}

func TestUpsertCreatesPendingBot(t *testing.T) {
	svc, st := newService(t)

	res, err := svc.Upsert(context.Background(), UpsertRequest{
		Token:   testToken,
		Channel: "@mychannel",
		Tree:    sampleTree(),
	})
	if err != nil {
		t.Fatalf("upsert: %v", err)
	}
	if !res.Created || res.BotID != testBotID || res.Version != 1 {
		t.Fatalf("unexpected result %+v", res)
	}
	if res.Summary.Added != 2 {
		t.Fatalf("expected 2 added files, got %+v", res.Summary)
	}

	rec, err := st.Get(context.Background(), testBotID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if rec.Status != botmeta.StatusPending {
		t.Fatalf("status = %s", rec.Status)
	}
}

func TestUpsertReplacesTreeWholesale(t *testing.T) {
	svc, _ := newService(t)
	ctx := context.Background()

	if _, err := svc.Upsert(ctx, UpsertRequest{Token: testToken, Channel: "@mychannel", Tree: sampleTree()}); err != nil {
		t.Fatalf("first upsert: %v", err)
	}

	next := &botmeta.FolderNode{
		Files: []botmeta.FileEntry{
			{Name: "readme.txt", FileID: "f2", MessageID: 12},
			{Name: "new.bin", FileID: "f9", MessageID: 99},
		},
	}
	res, err := svc.Upsert(ctx, UpsertRequest{Token: testToken, Channel: "@mychannel", Tree: next})
	if err != nil {
		t.Fatalf("second upsert: %v", err)
	}
	if res.Created {
		t.Fatal("should update, not create")
	}
	if res.Summary.Added != 1 || res.Summary.Removed != 1 || res.Summary.Unchanged != 1 {
		t.Fatalf("unexpected summary %+v", res.Summary)
	}
	if res.Version != 2 {
		t.Fatalf("version = %d", res.Version)
	}
}

func TestUpsertRejectsBadInput(t *testing.T) {
	svc, _ := newService(t)
	ctx := context.Background()

	cases := []UpsertRequest{
		{Token: "not-a-token", Channel: "@mychannel"},
		{Token: testToken, Channel: "bogus"},
		{Token: testToken, Channel: "@mychannel", Tree: &botmeta.FolderNode{
			Folders: []*botmeta.FolderNode{{Name: "../escape"}},
		}},
	}
	for i, req := range cases {
		_, err := svc.Upsert(ctx, req)
		var verr *ValidationError
		if !errors.As(err, &verr) {
			t.Fatalf("case %d: expected validation error, got %v", i, err)
		}
	}
}

func TestUpsertRejectsBannedBot(t *testing.T) {
	svc, st := newService(t)
	ctx := context.Background()

	if _, err := svc.Upsert(ctx, UpsertRequest{Token: testToken, Channel: "@mychannel"}); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	_, err := st.Put(ctx, testBotID, func(cur *botmeta.BotRecord) (*botmeta.BotRecord, error) {
		cur.Status = botmeta.StatusBanned
		return cur, nil
	})
	if err != nil {
		t.Fatalf("put: %v", err)
	}

	_, err = svc.Upsert(ctx, UpsertRequest{Token: testToken, Channel: "@mychannel"})
	if !errors.Is(err, botmeta.ErrInvalidState) {
		t.Fatalf("expected invalid state, got %v", err)
	}
}

func TestBotViewOmitsToken(t *testing.T) {
	svc, _ := newService(t)
	ctx := context.Background()

	if _, err := svc.Upsert(ctx, UpsertRequest{Token: testToken, Channel: "@mychannel", Tree: sampleTree()}); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	view, err := svc.GetBot(ctx, testBotID)
	if err != nil {
		t.Fatalf("get bot: %v", err)
	}
	raw, err := json.Marshal(view)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if strings.Contains(string(raw), testToken) {
		t.Fatal("view must not leak the bot token")
	}
	if view.Files != 2 || view.Folders != 1 {
		t.Fatalf("unexpected counts in %+v", view)
	}
}

func TestHTTPAuthRequired(t *testing.T) {
	svc, _ := newService(t)
	srv := NewServer("127.0.0.1:0", "secret", svc)

	req := httptest.NewRequest(http.MethodGet, "/v1/bots", nil)
	rr := httptest.NewRecorder()
	srv.http.Handler.ServeHTTP(rr, req)
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rr.Code)
	}

	req = httptest.NewRequest(http.MethodGet, "/v1/bots", nil)
	req.Header.Set(apiKeyHeader, "secret")
	rr = httptest.NewRecorder()
	srv.http.Handler.ServeHTTP(rr, req)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
	}
}

func TestHTTPUpsertAndApproveFlow(t *testing.T) {
	svc, _ := newService(t)
	srv := NewServer("127.0.0.1:0", "", svc)

	body, _ := json.Marshal(UpsertRequest{Token: testToken, Channel: "@mychannel", Tree: sampleTree()})
	req := httptest.NewRequest(http.MethodPost, "/v1/bots", strings.NewReader(string(body)))
	rr := httptest.NewRecorder()
	srv.http.Handler.ServeHTTP(rr, req)
	if rr.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rr.Code, rr.Body.String())
	}

	req = httptest.NewRequest(http.MethodPost, "/v1/bots/"+testBotID+"/approve", nil)
	rr = httptest.NewRecorder()
	srv.http.Handler.ServeHTTP(rr, req)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
	}

	req = httptest.NewRequest(http.MethodPost, "/v1/bots/"+testBotID+"/approve", nil)
	rr = httptest.NewRecorder()
	srv.http.Handler.ServeHTTP(rr, req)
	if rr.Code != http.StatusConflict {
		t.Fatalf("expected 409 on double approve, got %d: %s", rr.Code, rr.Body.String())
	}
}

func TestHTTPUnknownBot(t *testing.T) {
	svc, _ := newService(t)
	srv := NewServer("127.0.0.1:0", "", svc)

	req := httptest.NewRequest(http.MethodGet, "/v1/bots/999999999", nil)
	rr := httptest.NewRecorder()
	srv.http.Handler.ServeHTTP(rr, req)
	if rr.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d: %s", rr.Code, rr.Body.String())
	}
}
