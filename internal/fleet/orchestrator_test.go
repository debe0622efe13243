package fleet

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"botfleet/internal/channel"
	"botfleet/internal/channel/channeltest"
	"botfleet/internal/model"
	"botfleet/internal/storage"
	logx "botfleet/pkg/logx"
)

type fixture struct {
	store   *storage.Memory
	adapter *channeltest.Adapter
	orch    *Orchestrator
}

func newFixture(t *testing.T, cfg Config) *fixture {
	t.Helper()
	f := &fixture{store: storage.NewMemory(), adapter: channeltest.NewAdapter()}
	f.orch = New(cfg, f.store, f.adapter, logx.Nop(), nil)
	if err := f.orch.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		f.orch.Stop(ctx)
	})
	return f
}

func (f *fixture) tenant(t *testing.T, name string, active bool) model.Tenant {
	t.Helper()
	tn, err := f.store.CreateTenant(context.Background(), model.Tenant{Name: name, Token: "tok-" + name, Active: active})
	if err != nil {
		t.Fatalf("CreateTenant: %v", err)
	}
	return tn
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestStartTwiceKeepsOneListener(t *testing.T) {
	t.Parallel()
	f := newFixture(t, Config{})
	tn := f.tenant(t, "a", true)
	ctx := context.Background()

	if err := f.orch.StartTenant(ctx, tn.ID); err != nil {
		t.Fatalf("first start: %v", err)
	}
	if err := f.orch.StartTenant(ctx, tn.ID); !errors.Is(err, ErrAlreadyRunning) {
		t.Fatalf("second start err = %v, want ErrAlreadyRunning", err)
	}
	if got := f.orch.Running(); len(got) != 1 || got[0].TenantID != tn.ID {
		t.Fatalf("Running() = %+v", got)
	}
	if f.adapter.Opened() != 1 {
		t.Fatalf("adapter opened %d sessions, want 1", f.adapter.Opened())
	}

	saved, _ := f.store.GetTenant(ctx, tn.ID)
	if saved.Username == "" {
		t.Fatal("verified username was not persisted")
	}
}

func TestStopNotRunningIsNoop(t *testing.T) {
	t.Parallel()
	f := newFixture(t, Config{})
	if err := f.orch.StopTenant(context.Background(), 42); !errors.Is(err, ErrNotRunning) {
		t.Fatalf("StopTenant err = %v, want ErrNotRunning", err)
	}
}

func TestStartUnknownTenant(t *testing.T) {
	t.Parallel()
	f := newFixture(t, Config{})
	if err := f.orch.StartTenant(context.Background(), 7); !errors.Is(err, ErrTenantNotFound) {
		t.Fatalf("StartTenant err = %v, want ErrTenantNotFound", err)
	}
	if f.adapter.Opened() != 0 {
		t.Fatal("adapter must not be called for an unknown tenant")
	}
}

func TestStartRejectedCredentialRegistersNothing(t *testing.T) {
	t.Parallel()
	f := newFixture(t, Config{})
	tn := f.tenant(t, "bad", true)
	boom := errors.New("unauthorized")
	f.adapter.FailOpen(tn.Token, boom)

	if err := f.orch.StartTenant(context.Background(), tn.ID); !errors.Is(err, boom) {
		t.Fatalf("StartTenant err = %v, want %v", err, boom)
	}
	if f.orch.IsRunning(tn.ID) {
		t.Fatal("failed start left a registry entry")
	}
}

func TestStopTenantReleasesSession(t *testing.T) {
	t.Parallel()
	f := newFixture(t, Config{})
	tn := f.tenant(t, "a", true)
	ctx := context.Background()
	if err := f.orch.StartTenant(ctx, tn.ID); err != nil {
		t.Fatalf("start: %v", err)
	}
	sess := f.adapter.Session(tn.Token)
	waitFor(t, "listen", sess.Listening)

	if err := f.orch.StopTenant(ctx, tn.ID); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if f.orch.IsRunning(tn.ID) || sess.Listening() || !sess.Closed() {
		t.Fatalf("stop left state behind: running=%v listening=%v closed=%v", f.orch.IsRunning(tn.ID), sess.Listening(), sess.Closed())
	}
	if err := f.orch.StartTenant(ctx, tn.ID); err != nil {
		t.Fatalf("restart after stop: %v", err)
	}
}

func TestListenerExitRemovesOwnEntry(t *testing.T) {
	t.Parallel()
	f := newFixture(t, Config{})
	tn := f.tenant(t, "a", true)
	if err := f.orch.StartTenant(context.Background(), tn.ID); err != nil {
		t.Fatalf("start: %v", err)
	}
	sess := f.adapter.Session(tn.Token)
	waitFor(t, "listen", sess.Listening)

	sess.Exit(errors.New("network gone"))
	waitFor(t, "registry cleanup", func() bool { return !f.orch.IsRunning(tn.ID) })
	if !sess.Closed() {
		t.Fatal("dead listener's session was not released")
	}
}

func TestConcurrentStartSameTenant(t *testing.T) {
	t.Parallel()
	f := newFixture(t, Config{})
	tn := f.tenant(t, "a", true)
	release := f.adapter.BlockOpen()

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs[i] = f.orch.StartTenant(context.Background(), tn.ID)
		}(i)
	}
	time.Sleep(20 * time.Millisecond)
	release()
	wg.Wait()

	ok, dup := 0, 0
	for _, err := range errs {
		switch {
		case err == nil:
			ok++
		case errors.Is(err, ErrAlreadyRunning):
			dup++
		default:
			t.Fatalf("unexpected err %v", err)
		}
	}
	if ok != 1 || dup != 1 {
		t.Fatalf("ok=%d dup=%d, want 1 and 1", ok, dup)
	}
	if len(f.orch.Running()) != 1 {
		t.Fatalf("Running() = %+v", f.orch.Running())
	}
}

func TestStartAllActiveIsolatesFailures(t *testing.T) {
	t.Parallel()
	f := newFixture(t, Config{})
	good1 := f.tenant(t, "g1", true)
	bad := f.tenant(t, "bad", true)
	good2 := f.tenant(t, "g2", true)
	idle := f.tenant(t, "idle", false)
	f.adapter.FailOpen(bad.Token, errors.New("revoked"))

	n, err := f.orch.StartAllActive(context.Background())
	if err != nil {
		t.Fatalf("StartAllActive: %v", err)
	}
	if n != 2 {
		t.Fatalf("started %d, want 2", n)
	}
	if !f.orch.IsRunning(good1.ID) || !f.orch.IsRunning(good2.ID) || f.orch.IsRunning(bad.ID) || f.orch.IsRunning(idle.ID) {
		t.Fatalf("unexpected registry %+v", f.orch.Running())
	}
}

func TestReconcile(t *testing.T) {
	t.Parallel()
	f := newFixture(t, Config{})
	ctx := context.Background()
	a := f.tenant(t, "a", true)
	b := f.tenant(t, "b", true)
	if err := f.orch.StartTenant(ctx, b.ID); err != nil {
		t.Fatalf("start b: %v", err)
	}
	if err := f.store.SetTenantActive(ctx, b.ID, false); err != nil {
		t.Fatalf("deactivate b: %v", err)
	}

	started, stopped, err := f.orch.Reconcile(ctx)
	if err != nil {
		t.Fatalf("Reconcile: %v", err)
	}
	if started != 1 || stopped != 1 {
		t.Fatalf("Reconcile = (%d, %d), want (1, 1)", started, stopped)
	}
	if !f.orch.IsRunning(a.ID) || f.orch.IsRunning(b.ID) {
		t.Fatalf("unexpected registry %+v", f.orch.Running())
	}
}

func TestActivateDeactivateDelete(t *testing.T) {
	t.Parallel()
	f := newFixture(t, Config{})
	ctx := context.Background()
	tn := f.tenant(t, "a", false)

	if err := f.orch.ActivateTenant(ctx, tn.ID); err != nil {
		t.Fatalf("ActivateTenant: %v", err)
	}
	if !f.orch.IsRunning(tn.ID) {
		t.Fatal("activate did not start the listener")
	}
	if err := f.orch.DeactivateTenant(ctx, tn.ID); err != nil {
		t.Fatalf("DeactivateTenant: %v", err)
	}
	if got, _ := f.store.GetTenant(ctx, tn.ID); got.Active || f.orch.IsRunning(tn.ID) {
		t.Fatalf("deactivate left tenant active=%v running=%v", got.Active, f.orch.IsRunning(tn.ID))
	}

	if err := f.orch.ActivateTenant(ctx, tn.ID); err != nil {
		t.Fatalf("re-activate: %v", err)
	}
	sess := f.adapter.Session(tn.Token)
	if err := f.orch.DeleteTenant(ctx, tn.ID); err != nil {
		t.Fatalf("DeleteTenant: %v", err)
	}
	if f.orch.IsRunning(tn.ID) || !sess.Closed() {
		t.Fatal("delete must stop the listener first")
	}
	if err := f.orch.DeleteTenant(ctx, tn.ID); !errors.Is(err, ErrTenantNotFound) {
		t.Fatalf("second delete err = %v", err)
	}
}

func TestStopStopsAllAndRejectsStarts(t *testing.T) {
	t.Parallel()
	store := storage.NewMemory()
	adapter := channeltest.NewAdapter()
	orch := New(Config{AutoStart: true}, store, adapter, logx.Nop(), nil)
	ctx := context.Background()
	var first int64
	for _, name := range []string{"a", "b", "c"} {
		tn, err := store.CreateTenant(ctx, model.Tenant{Name: name, Token: "tok-" + name, Active: true})
		if err != nil {
			t.Fatalf("CreateTenant: %v", err)
		}
		if first == 0 {
			first = tn.ID
		}
	}
	if err := orch.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if len(orch.Running()) != 3 {
		t.Fatalf("auto start ran %d listeners, want 3", len(orch.Running()))
	}

	sctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	orch.Stop(sctx)
	if len(orch.Running()) != 0 {
		t.Fatalf("listeners left after Stop: %+v", orch.Running())
	}
	if err := orch.StartTenant(ctx, first); !errors.Is(err, ErrStopped) {
		t.Fatalf("start after Stop err = %v, want ErrStopped", err)
	}
	for _, tok := range []string{"tok-a", "tok-b", "tok-c"} {
		if !adapter.Session(tok).Closed() {
			t.Fatalf("session %s not closed", tok)
		}
	}
}

func TestHandlerTracksRecipientsAndWelcomes(t *testing.T) {
	t.Parallel()
	f := newFixture(t, Config{DefaultLanguage: "ru", FallbackWelcome: "Welcome!"})
	ctx := context.Background()
	tn := f.tenant(t, "a", true)
	for _, tpl := range []model.Template{
		{TenantID: tn.ID, LanguageCode: "en", Text: "hello", Buttons: []model.Button{{Text: "Site", URL: "https://example.com"}}},
		{TenantID: tn.ID, LanguageCode: "ru", Text: "privet"},
	} {
		if _, err := f.store.CreateTemplate(ctx, tpl); err != nil {
			t.Fatalf("CreateTemplate: %v", err)
		}
	}
	if err := f.orch.StartTenant(ctx, tn.ID); err != nil {
		t.Fatalf("start: %v", err)
	}
	sess := f.adapter.Session(tn.Token)
	waitFor(t, "listen", sess.Listening)

	tests := []struct {
		lang string
		text string
	}{
		{lang: "EN", text: "hello"},
		{lang: "de", text: "privet"},
		{lang: "", text: "privet"},
	}
	for _, tt := range tests {
		reply, err := sess.Deliver(ctx, channel.Event{From: channel.User{ExternalID: 500, LanguageCode: tt.lang}, Text: "/start", At: time.Now()})
		if err != nil {
			t.Fatalf("lang %q: %v", tt.lang, err)
		}
		if reply == nil || reply.Text != tt.text {
			t.Fatalf("lang %q: reply = %+v, want %q", tt.lang, reply, tt.text)
		}
	}

	reply, err := sess.Deliver(ctx, channel.Event{From: channel.User{ExternalID: 501}, Text: "just chatting"})
	if err != nil || reply != nil {
		t.Fatalf("plain text reply = %+v, %v", reply, err)
	}
	if n, _ := f.store.CountNonBlocked(ctx, []int64{tn.ID}); n != 2 {
		t.Fatalf("tracked %d recipients, want 2", n)
	}
}

func TestInboundMessageUnblocksRecipient(t *testing.T) {
	t.Parallel()
	f := newFixture(t, Config{})
	ctx := context.Background()
	tn := f.tenant(t, "a", true)
	r, err := f.store.UpsertRecipient(ctx, tn.ID, storage.RecipientProfile{ExternalID: 9}, time.Now())
	if err != nil {
		t.Fatalf("seed: %v", err)
	}
	if err := f.store.MarkBlocked(ctx, r.ID); err != nil {
		t.Fatalf("MarkBlocked: %v", err)
	}
	if err := f.orch.StartTenant(ctx, tn.ID); err != nil {
		t.Fatalf("start: %v", err)
	}
	sess := f.adapter.Session(tn.Token)
	waitFor(t, "listen", sess.Listening)

	if _, err := sess.Deliver(ctx, channel.Event{From: channel.User{ExternalID: 9}, Text: "hi"}); err != nil {
		t.Fatalf("Deliver: %v", err)
	}
	if n, _ := f.store.CountNonBlocked(ctx, []int64{tn.ID}); n != 1 {
		t.Fatalf("recipient still blocked after writing to the bot")
	}
}

func TestWelcomeFallback(t *testing.T) {
	t.Parallel()
	f := newFixture(t, Config{FallbackWelcome: "Welcome!"})
	tn := f.tenant(t, "a", true)
	reply, err := f.orch.welcome(context.Background(), tn.ID, "en")
	if err != nil || reply == nil || reply.Text != "Welcome!" {
		t.Fatalf("welcome = %+v, %v", reply, err)
	}

	f.orch.Apply(Config{})
	reply, err = f.orch.welcome(context.Background(), tn.ID, "en")
	if err != nil || reply != nil {
		t.Fatalf("welcome without fallback = %+v, %v", reply, err)
	}
}
