package lifecycle

import (
	"context"
	"errors"
	"sort"
	"sync"
	"testing"

	"github.com/botshelf/botshelf/botmeta"
	"github.com/botshelf/botshelf/events"
	"github.com/botshelf/botshelf/store"
)

type fakeRegistry struct {
	mu       sync.Mutex
	running  map[string]bool
	startErr error
	starts   []string
	stops    []string
}

func newFakeRegistry() *fakeRegistry {
	return &fakeRegistry{running: make(map[string]bool)}
}

func (f *fakeRegistry) Start(_ context.Context, botID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.starts = append(f.starts, botID)
	if f.startErr != nil {
		return f.startErr
	}
	f.running[botID] = true
	return nil
}

func (f *fakeRegistry) Stop(_ context.Context, botID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stops = append(f.stops, botID)
	delete(f.running, botID)
	return nil
}

func (f *fakeRegistry) Running(botID string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.running[botID]
}

func (f *fakeRegistry) List() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	ids := make([]string, 0, len(f.running))
	for id := range f.running {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func seedBot(t *testing.T, st *store.Store, botID, ownerID string, status botmeta.Status) {
	t.Helper()
	_, err := st.Put(context.Background(), botID, func(cur *botmeta.BotRecord) (*botmeta.BotRecord, error) {
		return &botmeta.BotRecord{
			ID:      botID,
			OwnerID: ownerID,
			Status:  status,
			Channel: botmeta.ChannelRef{ID: -1001234567890},
		}, nil
	})
	if err != nil {
		t.Fatalf("seed bot %s: %v", botID, err)
	}
	if ownerID == "" {
		return
	}
	_, err = st.PutOwner(context.Background(), ownerID, func(cur *botmeta.OwnerRecord) (*botmeta.OwnerRecord, error) {
		if cur == nil {
			cur = &botmeta.OwnerRecord{ID: ownerID}
		}
		cur.AddBot(botID)
		return cur, nil
	})
	if err != nil {
		t.Fatalf("seed owner %s: %v", ownerID, err)
	}
}

func newController(t *testing.T) (*Controller, *store.Store, *fakeRegistry, *events.Bus) {
	t.Helper()
	st, err := store.Open(t.TempDir())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	reg := newFakeRegistry()
	bus := events.NewBus()
	return NewController(st, reg, bus), st, reg, bus
}

func TestApproveStartsSessionAndPublishes(t *testing.T) {
	c, st, reg, bus := newController(t)
	seedBot(t, st, "111111111", "500", botmeta.StatusPending)

	ch, cancel := bus.Subscribe(4)
	defer cancel()

	if err := c.Approve(context.Background(), "111111111"); err != nil {
		t.Fatalf("approve: %v", err)
	}

	rec, err := st.Get(context.Background(), "111111111")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if rec.Status != botmeta.StatusApproved {
		t.Fatalf("status = %s", rec.Status)
	}
	if !reg.Running("111111111") {
		t.Fatal("session should be running after approve")
	}

	ev := <-ch
	if ev.From != botmeta.StatusPending || ev.To != botmeta.StatusApproved {
		t.Fatalf("unexpected event %+v", ev)
	}
}

func TestApproveRejectsInvalidTransition(t *testing.T) {
	c, st, reg, _ := newController(t)
	seedBot(t, st, "222222222", "500", botmeta.StatusBanned)

	err := c.Approve(context.Background(), "222222222")
	if !errors.Is(err, botmeta.ErrInvalidState) {
		t.Fatalf("expected invalid state, got %v", err)
	}
	if len(reg.starts) != 0 {
		t.Fatal("registry must not be touched on a rejected transition")
	}
}

func TestApproveSurvivesStartFailure(t *testing.T) {
	c, st, reg, _ := newController(t)
	seedBot(t, st, "333333333", "500", botmeta.StatusPending)
	reg.startErr = errors.New("getMe: connection refused")

	if err := c.Approve(context.Background(), "333333333"); err != nil {
		t.Fatalf("approve should not fail on transport error: %v", err)
	}
	rec, _ := st.Get(context.Background(), "333333333")
	if rec.Status != botmeta.StatusApproved {
		t.Fatalf("record must stay approved, got %s", rec.Status)
	}
}

func TestDisconnectStopsSession(t *testing.T) {
	c, st, reg, _ := newController(t)
	seedBot(t, st, "444444444", "500", botmeta.StatusApproved)
	reg.running["444444444"] = true

	if err := c.Disconnect(context.Background(), "444444444"); err != nil {
		t.Fatalf("disconnect: %v", err)
	}
	if reg.Running("444444444") {
		t.Fatal("session should be stopped")
	}
	rec, _ := st.Get(context.Background(), "444444444")
	if rec.Status != botmeta.StatusDisconnected {
		t.Fatalf("status = %s", rec.Status)
	}
}

func TestBanStopsAllOwnerBots(t *testing.T) {
	c, st, reg, bus := newController(t)
	seedBot(t, st, "555555551", "700", botmeta.StatusApproved)
	seedBot(t, st, "555555552", "700", botmeta.StatusApproved)
	seedBot(t, st, "555555553", "700", botmeta.StatusPending)
	reg.running["555555551"] = true
	reg.running["555555552"] = true

	ch, cancel := bus.Subscribe(8)
	defer cancel()

	if err := c.Ban(context.Background(), "700", "abuse"); err != nil {
		t.Fatalf("ban: %v", err)
	}

	if reg.Running("555555551") || reg.Running("555555552") {
		t.Fatal("approved bots should be stopped")
	}
	for _, id := range []string{"555555551", "555555552", "555555553"} {
		rec, _ := st.Get(context.Background(), id)
		if rec.Status != botmeta.StatusBanned {
			t.Fatalf("%s status = %s", id, rec.Status)
		}
	}

	for i := 0; i < 3; i++ {
		ev := <-ch
		if ev.To != botmeta.StatusBanned || ev.Reason != "abuse" {
			t.Fatalf("unexpected event %+v", ev)
		}
	}
}

func TestApproveRefusedForBannedOwner(t *testing.T) {
	c, st, reg, _ := newController(t)
	seedBot(t, st, "555555561", "701", botmeta.StatusApproved)
	reg.running["555555561"] = true

	if err := c.Ban(context.Background(), "701", "abuse"); err != nil {
		t.Fatalf("ban: %v", err)
	}

	// A bot registered for the owner after the ban stays pending forever.
	seedBot(t, st, "555555562", "701", botmeta.StatusPending)

	err := c.Approve(context.Background(), "555555562")
	if !errors.Is(err, botmeta.ErrInvalidState) {
		t.Fatalf("expected invalid state, got %v", err)
	}
	if reg.Running("555555562") {
		t.Fatal("no session may start for a banned owner's bot")
	}
	rec, _ := st.Get(context.Background(), "555555562")
	if rec.Status != botmeta.StatusPending {
		t.Fatalf("record must stay pending, got %s", rec.Status)
	}
}

func TestConcurrentApproveSingleWinner(t *testing.T) {
	c, st, reg, _ := newController(t)
	seedBot(t, st, "888888881", "901", botmeta.StatusPending)

	const workers = 8
	var wg sync.WaitGroup
	errs := make(chan error, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs <- c.Approve(context.Background(), "888888881")
		}()
	}
	wg.Wait()
	close(errs)

	ok := 0
	for err := range errs {
		if err == nil {
			ok++
			continue
		}
		if !errors.Is(err, botmeta.ErrInvalidState) {
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if ok != 1 {
		t.Fatalf("expected exactly one successful approve, got %d", ok)
	}
	if !reg.Running("888888881") {
		t.Fatal("winner should have started the session")
	}
}

func TestReconcileStartsApprovedAndStopsStray(t *testing.T) {
	c, st, reg, _ := newController(t)
	seedBot(t, st, "666666661", "800", botmeta.StatusApproved)
	seedBot(t, st, "666666662", "800", botmeta.StatusDisconnected)
	reg.running["666666662"] = true

	if err := c.Reconcile(context.Background()); err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	if !reg.Running("666666661") {
		t.Fatal("approved bot should be started")
	}
	if reg.Running("666666662") {
		t.Fatal("disconnected bot should be stopped")
	}
}

func TestReconcileIdempotent(t *testing.T) {
	c, st, reg, _ := newController(t)
	seedBot(t, st, "777777771", "900", botmeta.StatusApproved)
	reg.running["777777771"] = true

	if err := c.Reconcile(context.Background()); err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	if len(reg.starts) != 0 || len(reg.stops) != 0 {
		t.Fatalf("no work expected, starts=%v stops=%v", reg.starts, reg.stops)
	}
}
