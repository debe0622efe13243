package storage

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"botfleet/internal/model"
	logx "botfleet/pkg/logx"
)

// forEachStore runs fn against every backend that needs no external service.
func forEachStore(t *testing.T, fn func(t *testing.T, st Store)) {
	t.Helper()
	backends := []struct {
		name string
		open func(t *testing.T) Store
	}{
		{name: "memory", open: func(t *testing.T) Store { return NewMemory() }},
		{name: "sqlite", open: func(t *testing.T) Store {
			st, err := Open(Config{Driver: "sqlite", Path: filepath.Join(t.TempDir(), "fleet.db")}, logx.Nop())
			if err != nil {
				t.Fatalf("open sqlite: %v", err)
			}
			return st
		}},
	}
	for _, b := range backends {
		b := b
		t.Run(b.name, func(t *testing.T) {
			st := b.open(t)
			t.Cleanup(func() { _ = st.Close() })
			fn(t, st)
		})
	}
}

func mustTenant(t *testing.T, st Store, name string, active bool) model.Tenant {
	t.Helper()
	tn, err := st.CreateTenant(context.Background(), model.Tenant{Name: name, Token: "tok-" + name, Active: active})
	if err != nil {
		t.Fatalf("CreateTenant(%s): %v", name, err)
	}
	return tn
}

func TestTenants(t *testing.T) {
	forEachStore(t, func(t *testing.T, st Store) {
		ctx := context.Background()
		a := mustTenant(t, st, "a", true)
		b := mustTenant(t, st, "b", false)

		if _, err := st.CreateTenant(ctx, model.Tenant{Name: "dup", Token: a.Token}); !errors.Is(err, ErrConflict) {
			t.Fatalf("duplicate token err = %v, want ErrConflict", err)
		}

		active, err := st.ListActiveTenants(ctx)
		if err != nil || len(active) != 1 || active[0].ID != a.ID {
			t.Fatalf("ListActiveTenants = %+v, %v", active, err)
		}
		if err := st.SetTenantActive(ctx, b.ID, true); err != nil {
			t.Fatalf("SetTenantActive: %v", err)
		}
		if err := st.SetTenantUsername(ctx, b.ID, "b_bot"); err != nil {
			t.Fatalf("SetTenantUsername: %v", err)
		}
		got, err := st.GetTenant(ctx, b.ID)
		if err != nil || !got.Active || got.Username != "b_bot" {
			t.Fatalf("GetTenant = %+v, %v", got, err)
		}
		all, _ := st.ListTenants(ctx)
		if len(all) != 2 || all[0].ID >= all[1].ID {
			t.Fatalf("ListTenants not ordered by id: %+v", all)
		}
		if _, err := st.GetTenant(ctx, 9999); !errors.Is(err, ErrNotFound) {
			t.Fatalf("GetTenant(missing) err = %v", err)
		}
	})
}

func TestUpsertRecipientResetsBlocked(t *testing.T) {
	forEachStore(t, func(t *testing.T, st Store) {
		ctx := context.Background()
		tn := mustTenant(t, st, "a", true)
		first := time.Now().Add(-time.Hour).Truncate(time.Millisecond)

		r1, err := st.UpsertRecipient(ctx, tn.ID, RecipientProfile{ExternalID: 100, Username: "old", LanguageCode: "en"}, first)
		if err != nil {
			t.Fatalf("insert: %v", err)
		}
		if err := st.MarkBlocked(ctx, r1.ID); err != nil {
			t.Fatalf("MarkBlocked: %v", err)
		}
		if n, _ := st.CountNonBlocked(ctx, []int64{tn.ID}); n != 0 {
			t.Fatalf("CountNonBlocked after block = %d, want 0", n)
		}

		r2, err := st.UpsertRecipient(ctx, tn.ID, RecipientProfile{ExternalID: 100, Username: "new", LanguageCode: "ru"}, time.Now())
		if err != nil {
			t.Fatalf("update: %v", err)
		}
		if r2.ID != r1.ID {
			t.Fatalf("upsert created a second row: %d vs %d", r2.ID, r1.ID)
		}
		if !r2.FirstSeenAt.Equal(first) {
			t.Fatalf("FirstSeenAt = %v, want %v", r2.FirstSeenAt, first)
		}
		page, err := st.ListNonBlocked(ctx, tn.ID, 0, 10)
		if err != nil || len(page) != 1 {
			t.Fatalf("ListNonBlocked = %+v, %v", page, err)
		}
		if page[0].Blocked || page[0].Username != "new" || page[0].LanguageCode != "ru" {
			t.Fatalf("recipient not refreshed: %+v", page[0])
		}
	})
}

func TestStreamNonBlockedPagesInOrder(t *testing.T) {
	forEachStore(t, func(t *testing.T, st Store) {
		ctx := context.Background()
		a := mustTenant(t, st, "a", true)
		b := mustTenant(t, st, "b", true)
		var blockedID int64
		for i := 0; i < 7; i++ {
			r, err := st.UpsertRecipient(ctx, a.ID, RecipientProfile{ExternalID: int64(1000 + i)}, time.Time{})
			if err != nil {
				t.Fatalf("upsert: %v", err)
			}
			if i == 3 {
				blockedID = r.ID
			}
		}
		if _, err := st.UpsertRecipient(ctx, b.ID, RecipientProfile{ExternalID: 1}, time.Time{}); err != nil {
			t.Fatalf("upsert other tenant: %v", err)
		}
		if err := st.MarkBlocked(ctx, blockedID); err != nil {
			t.Fatalf("MarkBlocked: %v", err)
		}

		s := StreamNonBlocked(st, a.ID, 0, 2)
		var ids []int64
		for s.Next(ctx) {
			r := s.Recipient()
			if r.TenantID != a.ID || r.Blocked {
				t.Fatalf("unexpected recipient %+v", r)
			}
			ids = append(ids, r.ID)
		}
		if err := s.Err(); err != nil {
			t.Fatalf("stream err: %v", err)
		}
		if len(ids) != 6 {
			t.Fatalf("streamed %d recipients, want 6", len(ids))
		}
		for i := 1; i < len(ids); i++ {
			if ids[i] <= ids[i-1] {
				t.Fatalf("stream out of order: %v", ids)
			}
		}
		if s.Next(ctx) {
			t.Fatal("exhausted stream should stay exhausted")
		}

		resumed := StreamNonBlocked(st, a.ID, ids[2], 2)
		n := 0
		for resumed.Next(ctx) {
			n++
		}
		if n != 3 {
			t.Fatalf("resumed stream yielded %d, want 3", n)
		}

		total, _ := st.CountNonBlocked(ctx, []int64{a.ID, b.ID})
		if total != 7 {
			t.Fatalf("CountNonBlocked = %d, want 7", total)
		}
	})
}

func TestTransitionJob(t *testing.T) {
	forEachStore(t, func(t *testing.T, st Store) {
		ctx := context.Background()
		j, err := st.CreateJob(ctx, model.Job{
			Title:   "promo",
			Content: model.Content{Text: "hello", Media: &model.Media{Type: model.MediaPhoto, FileID: "f"}},
			Targets: []int64{3, 1},
		})
		if err != nil {
			t.Fatalf("CreateJob: %v", err)
		}
		if j.Status != model.JobDraft {
			t.Fatalf("new job status = %s", j.Status)
		}

		if err := st.TransitionJob(ctx, j.ID, model.JobDraft, model.JobSending, model.StampStarted, time.Time{}); err != nil {
			t.Fatalf("draft->sending: %v", err)
		}
		err = st.TransitionJob(ctx, j.ID, model.JobDraft, model.JobSending, model.StampStarted, time.Time{})
		if !errors.Is(err, ErrInvalidTransition) {
			t.Fatalf("second start err = %v, want ErrInvalidTransition", err)
		}
		if err := st.UpdateCounters(ctx, j.ID, 4, 1, model.Cursor{TenantID: 3, RecipientID: 42}); err != nil {
			t.Fatalf("UpdateCounters: %v", err)
		}
		if err := st.SetJobTotal(ctx, j.ID, 9); err != nil {
			t.Fatalf("SetJobTotal: %v", err)
		}
		if err := st.TransitionJob(ctx, j.ID, model.JobSending, model.JobCompleted, model.StampCompleted, time.Time{}); err != nil {
			t.Fatalf("sending->completed: %v", err)
		}
		if err := st.TransitionJob(ctx, j.ID, model.JobCompleted, model.JobCancelled, model.StampNone, time.Time{}); !errors.Is(err, ErrInvalidTransition) {
			t.Fatalf("transition out of completed err = %v", err)
		}

		got, err := st.GetJob(ctx, j.ID)
		if err != nil {
			t.Fatalf("GetJob: %v", err)
		}
		if got.Status != model.JobCompleted || got.StartedAt.IsZero() || got.CompletedAt.IsZero() {
			t.Fatalf("unexpected job state %+v", got)
		}
		if got.Sent != 4 || got.Failed != 1 || got.Total != 9 || got.Cursor != (model.Cursor{TenantID: 3, RecipientID: 42}) {
			t.Fatalf("counters not persisted: %+v", got)
		}
		if got.Content.Media == nil || got.Content.Media.FileID != "f" || len(got.Targets) != 2 {
			t.Fatalf("content round trip: %+v", got)
		}

		if err := st.TransitionJob(ctx, 9999, model.JobDraft, model.JobSending, model.StampStarted, time.Time{}); !errors.Is(err, ErrNotFound) {
			t.Fatalf("missing job err = %v, want ErrNotFound", err)
		}
		sending, _ := st.ListJobs(ctx, model.JobSending)
		if len(sending) != 0 {
			t.Fatalf("ListJobs(sending) = %d jobs, want 0", len(sending))
		}
	})
}

func TestClaimJob(t *testing.T) {
	forEachStore(t, func(t *testing.T, st Store) {
		ctx := context.Background()
		j, err := st.CreateJob(ctx, model.Job{Content: model.Content{Text: "x"}})
		if err != nil {
			t.Fatalf("CreateJob: %v", err)
		}
		now := time.Now()
		until := now.Add(time.Minute)
		if ok, err := st.ClaimJob(ctx, j.ID, "a", until, now); err != nil || ok {
			t.Fatalf("claim of draft = %v, %v; want false", ok, err)
		}
		if err := st.TransitionJob(ctx, j.ID, model.JobDraft, model.JobSending, model.StampStarted, now); err != nil {
			t.Fatalf("draft->sending: %v", err)
		}

		if ok, err := st.ClaimJob(ctx, j.ID, "a", until, now); err != nil || !ok {
			t.Fatalf("first claim = %v, %v", ok, err)
		}
		if ok, err := st.ClaimJob(ctx, j.ID, "b", until, now); err != nil || ok {
			t.Fatalf("claim of live lease = %v, %v; want false", ok, err)
		}
		if ok, err := st.ClaimJob(ctx, j.ID, "a", until.Add(time.Minute), now); err != nil || !ok {
			t.Fatalf("renewal = %v, %v", ok, err)
		}
		got, _ := st.GetJob(ctx, j.ID)
		if got.LeaseOwner != "a" || got.LeaseUntil.UnixMilli() != until.Add(time.Minute).UnixMilli() {
			t.Fatalf("lease = %q until %v", got.LeaseOwner, got.LeaseUntil)
		}

		expired := until.Add(2 * time.Minute)
		if ok, err := st.ClaimJob(ctx, j.ID, "b", expired.Add(time.Minute), expired); err != nil || !ok {
			t.Fatalf("takeover of expired lease = %v, %v", ok, err)
		}
		if err := st.ReleaseJob(ctx, j.ID, "a"); err != nil {
			t.Fatalf("ReleaseJob(a): %v", err)
		}
		if got, _ := st.GetJob(ctx, j.ID); got.LeaseOwner != "b" {
			t.Fatalf("stale owner released the lease: %+v", got)
		}
		if err := st.ReleaseJob(ctx, j.ID, "b"); err != nil {
			t.Fatalf("ReleaseJob(b): %v", err)
		}
		if got, _ := st.GetJob(ctx, j.ID); got.LeaseOwner != "" || !got.LeaseUntil.IsZero() {
			t.Fatalf("lease kept after release: %+v", got)
		}

		if _, err := st.ClaimJob(ctx, 9999, "a", until, now); !errors.Is(err, ErrNotFound) {
			t.Fatalf("missing job err = %v, want ErrNotFound", err)
		}
	})
}

func TestTemplatesAndDelete(t *testing.T) {
	forEachStore(t, func(t *testing.T, st Store) {
		ctx := context.Background()
		tn := mustTenant(t, st, "a", true)
		if _, err := st.CreateTemplate(ctx, model.Template{TenantID: tn.ID, LanguageCode: "en", Text: "hi",
			Buttons: []model.Button{{Text: "Site", URL: "https://example.com"}}}); err != nil {
			t.Fatalf("CreateTemplate: %v", err)
		}
		if _, err := st.CreateTemplate(ctx, model.Template{TenantID: tn.ID, LanguageCode: "en", Text: "dup"}); !errors.Is(err, ErrConflict) {
			t.Fatalf("duplicate template err = %v", err)
		}
		tpls, err := st.ListTemplates(ctx, tn.ID)
		if err != nil || len(tpls) != 1 || len(tpls[0].Buttons) != 1 {
			t.Fatalf("ListTemplates = %+v, %v", tpls, err)
		}
		if _, err := st.UpsertRecipient(ctx, tn.ID, RecipientProfile{ExternalID: 5}, time.Time{}); err != nil {
			t.Fatalf("upsert: %v", err)
		}

		stats, err := st.Stats(ctx)
		if err != nil || stats.Tenants != 1 || stats.ActiveTenants != 1 || stats.Recipients != 1 {
			t.Fatalf("Stats = %+v, %v", stats, err)
		}

		if err := st.DeleteTenant(ctx, tn.ID); err != nil {
			t.Fatalf("DeleteTenant: %v", err)
		}
		if n, _ := st.CountNonBlocked(ctx, []int64{tn.ID}); n != 0 {
			t.Fatalf("recipients survived tenant delete: %d", n)
		}
		if err := st.DeleteTenant(ctx, tn.ID); !errors.Is(err, ErrNotFound) {
			t.Fatalf("second delete err = %v", err)
		}
	})
}

func TestRebindNumbersPlaceholders(t *testing.T) {
	t.Parallel()
	s := &sqlStore{d: dialect{numbered: true}}
	got := s.q(`UPDATE jobs SET sent = ?, failed = ? WHERE id = ?`)
	want := `UPDATE jobs SET sent = $1, failed = $2 WHERE id = $3`
	if got != want {
		t.Fatalf("q() = %q, want %q", got, want)
	}
}
