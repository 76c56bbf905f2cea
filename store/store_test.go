package store

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/botshelf/botshelf/botmeta"
)

const testBotID = "123456789"

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(t.TempDir())
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	return s
}

func putPending(t *testing.T, s *Store, botID string) *botmeta.BotRecord {
	t.Helper()
	rec, err := s.Put(context.Background(), botID, func(cur *botmeta.BotRecord) (*botmeta.BotRecord, error) {
		if cur != nil {
			t.Fatalf("expected fresh record, got %+v", cur)
		}
		return &botmeta.BotRecord{
			ID:     botID,
			Token:  botID + ":AAHdqTcvCH1vGWJxfSeofSAs0K5PALDsaw8",
			Status: botmeta.StatusPending,
		}, nil
	})
	if err != nil {
		t.Fatalf("put: %v", err)
	}
	return rec
}

func TestPutGetRoundTrip(t *testing.T) {
	s := openTestStore(t)
	created := putPending(t, s, testBotID)
	if created.Version != 1 {
		t.Fatalf("version = %d, want 1", created.Version)
	}

	got, err := s.Get(context.Background(), testBotID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != botmeta.StatusPending || got.ID != testBotID {
		t.Fatalf("unexpected record: %+v", got)
	}
	if got.CreatedAt.IsZero() || got.UpdatedAt.IsZero() {
		t.Fatal("timestamps not set")
	}
}

func TestPutBumpsVersion(t *testing.T) {
	s := openTestStore(t)
	putPending(t, s, testBotID)

	rec, err := s.Put(context.Background(), testBotID, func(cur *botmeta.BotRecord) (*botmeta.BotRecord, error) {
		cur.Status = botmeta.StatusApproved
		return cur, nil
	})
	if err != nil {
		t.Fatalf("put: %v", err)
	}
	if rec.Version != 2 {
		t.Fatalf("version = %d, want 2", rec.Version)
	}
}

func TestPutMutatorErrorLeavesRecordUntouched(t *testing.T) {
	s := openTestStore(t)
	putPending(t, s, testBotID)

	wantErr := errors.New("nope")
	_, err := s.Put(context.Background(), testBotID, func(cur *botmeta.BotRecord) (*botmeta.BotRecord, error) {
		return nil, wantErr
	})
	if !errors.Is(err, wantErr) {
		t.Fatalf("err = %v, want %v", err, wantErr)
	}

	got, err := s.Get(context.Background(), testBotID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Version != 1 || got.Status != botmeta.StatusPending {
		t.Fatalf("record changed after failed mutate: %+v", got)
	}
}

func TestGetNotFound(t *testing.T) {
	s := openTestStore(t)
	_, err := s.Get(context.Background(), "999999999")
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestConcurrentPutsSerialize(t *testing.T) {
	s := openTestStore(t)
	putPending(t, s, testBotID)

	const writers = 8
	var wg sync.WaitGroup
	wg.Add(writers)
	for i := 0; i < writers; i++ {
		go func() {
			defer wg.Done()
			_, err := s.Put(context.Background(), testBotID, func(cur *botmeta.BotRecord) (*botmeta.BotRecord, error) {
				return cur, nil
			})
			if err != nil {
				t.Errorf("put: %v", err)
			}
		}()
	}
	wg.Wait()

	got, err := s.Get(context.Background(), testBotID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Version != int64(1+writers) {
		t.Fatalf("version = %d, want %d", got.Version, 1+writers)
	}
}

func TestBanOwnerTransitionsAllOwnedBots(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	ownerID := "424242"

	ids := []string{"111111111", "222222222", "333333333"}
	statuses := []botmeta.Status{botmeta.StatusApproved, botmeta.StatusApproved, botmeta.StatusPending}
	for i, id := range ids {
		st := statuses[i]
		_, err := s.Put(ctx, id, func(cur *botmeta.BotRecord) (*botmeta.BotRecord, error) {
			return &botmeta.BotRecord{ID: id, OwnerID: ownerID, Status: st}, nil
		})
		if err != nil {
			t.Fatalf("seed bot %s: %v", id, err)
		}
	}
	_, err := s.PutOwner(ctx, ownerID, func(cur *botmeta.OwnerRecord) (*botmeta.OwnerRecord, error) {
		rec := &botmeta.OwnerRecord{ID: ownerID}
		for _, id := range ids {
			rec.AddBot(id)
		}
		return rec, nil
	})
	if err != nil {
		t.Fatalf("seed owner: %v", err)
	}

	results, err := s.BanOwner(ctx, ownerID)
	if err != nil {
		t.Fatalf("ban: %v", err)
	}
	if len(results) != 3 {
		t.Fatalf("results = %d, want 3", len(results))
	}
	froms := map[string]botmeta.Status{}
	for _, r := range results {
		froms[r.BotID] = r.From
	}
	if froms["333333333"] != botmeta.StatusPending {
		t.Fatalf("pending bot prior status = %s, want pending", froms["333333333"])
	}

	owner, err := s.GetOwner(ctx, ownerID)
	if err != nil {
		t.Fatalf("get owner: %v", err)
	}
	if !owner.Banned {
		t.Fatal("owner not banned")
	}

	for _, id := range ids {
		rec, err := s.Get(ctx, id)
		if err != nil {
			t.Fatalf("get %s: %v", id, err)
		}
		if rec.Status != botmeta.StatusBanned {
			t.Fatalf("bot %s status = %s, want banned", id, rec.Status)
		}
	}
}

func TestBanOwnerConcurrentWithUnrelatedPut(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	ownerID := "515151"
	ownedID := "111111110"

	_, err := s.Put(ctx, ownedID, func(cur *botmeta.BotRecord) (*botmeta.BotRecord, error) {
		return &botmeta.BotRecord{ID: ownedID, OwnerID: ownerID, Status: botmeta.StatusApproved}, nil
	})
	if err != nil {
		t.Fatalf("seed owned bot: %v", err)
	}
	_, err = s.PutOwner(ctx, ownerID, func(cur *botmeta.OwnerRecord) (*botmeta.OwnerRecord, error) {
		rec := &botmeta.OwnerRecord{ID: ownerID}
		rec.AddBot(ownedID)
		return rec, nil
	})
	if err != nil {
		t.Fatalf("seed owner: %v", err)
	}
	putPending(t, s, testBotID)

	const writers = 8
	var wg sync.WaitGroup
	wg.Add(writers + 1)
	go func() {
		defer wg.Done()
		if _, err := s.BanOwner(ctx, ownerID); err != nil {
			t.Errorf("ban: %v", err)
		}
	}()
	for i := 0; i < writers; i++ {
		go func() {
			defer wg.Done()
			_, err := s.Put(ctx, testBotID, func(cur *botmeta.BotRecord) (*botmeta.BotRecord, error) {
				return cur, nil
			})
			if err != nil {
				t.Errorf("put: %v", err)
			}
		}()
	}
	wg.Wait()

	unrelated, err := s.Get(ctx, testBotID)
	if err != nil {
		t.Fatalf("get unrelated: %v", err)
	}
	if unrelated.Status != botmeta.StatusPending {
		t.Fatalf("unrelated bot status = %s, want pending", unrelated.Status)
	}
	if unrelated.Version != int64(1+writers) {
		t.Fatalf("unrelated bot version = %d, want %d", unrelated.Version, 1+writers)
	}
	banned, err := s.Get(ctx, ownedID)
	if err != nil {
		t.Fatalf("get owned: %v", err)
	}
	if banned.Status != botmeta.StatusBanned {
		t.Fatalf("owned bot status = %s, want banned", banned.Status)
	}
}

func TestBanOwnerNotFound(t *testing.T) {
	s := openTestStore(t)
	_, err := s.BanOwner(context.Background(), "77777")
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestOpenQuarantinesCorruptRecords(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(dir)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	putPending(t, s, testBotID)

	// Corrupt the document on disk and reopen.
	path := filepath.Join(dir, "bots", testBotID+".json")
	if err := os.WriteFile(path, []byte("{not json"), 0o600); err != nil {
		t.Fatalf("corrupt: %v", err)
	}

	s2, err := Open(dir)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	rec, err := s2.Get(context.Background(), testBotID)
	if err != nil {
		t.Fatalf("get after quarantine: %v", err)
	}
	if rec.Status != botmeta.StatusDisconnected || !rec.NeedsReview {
		t.Fatalf("unexpected rebuilt record: %+v", rec)
	}

	entries, err := os.ReadDir(filepath.Join(dir, "bots"))
	if err != nil {
		t.Fatalf("readdir: %v", err)
	}
	quarantined := false
	for _, e := range entries {
		if len(e.Name()) > len(testBotID+".json") && e.Name()[:len(testBotID+".json.corrupt")] == testBotID+".json.corrupt" {
			quarantined = true
		}
	}
	if !quarantined {
		t.Fatal("corrupt file was not kept aside")
	}
}

func TestOpenSweepsStagedFiles(t *testing.T) {
	dir := t.TempDir()
	if _, err := Open(dir); err != nil {
		t.Fatalf("open: %v", err)
	}
	staged := filepath.Join(dir, "bots", testBotID+".json.tmp.42")
	if err := os.WriteFile(staged, []byte("partial"), 0o600); err != nil {
		t.Fatalf("seed: %v", err)
	}
	if _, err := Open(dir); err != nil {
		t.Fatalf("reopen: %v", err)
	}
	if _, err := os.Stat(staged); !os.IsNotExist(err) {
		t.Fatal("staged file survived reopen")
	}
}

func TestListAndStats(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		id := fmt.Sprintf("10000000%d", i)
		st := botmeta.StatusPending
		if i == 0 {
			st = botmeta.StatusApproved
		}
		_, err := s.Put(ctx, id, func(cur *botmeta.BotRecord) (*botmeta.BotRecord, error) {
			return &botmeta.BotRecord{
				ID:     id,
				Status: st,
				Root: &botmeta.FolderNode{
					Files: []botmeta.FileEntry{{Name: "a.txt", FileID: "f", MessageID: 1}},
				},
			}, nil
		})
		if err != nil {
			t.Fatalf("seed %s: %v", id, err)
		}
	}

	records, err := s.List(ctx)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(records) != 3 {
		t.Fatalf("list = %d records, want 3", len(records))
	}

	stats, err := s.Stats(ctx)
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if stats.Bots != 3 || stats.Files != 3 {
		t.Fatalf("unexpected stats: %+v", stats)
	}
	if stats.ByStatus[botmeta.StatusApproved] != 1 || stats.ByStatus[botmeta.StatusPending] != 2 {
		t.Fatalf("unexpected status counts: %+v", stats.ByStatus)
	}
}
