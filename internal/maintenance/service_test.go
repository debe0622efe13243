package maintenance

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	logx "botfleet/pkg/logx"
)

type fakeReconciler struct{ calls atomic.Int32 }

func (f *fakeReconciler) Reconcile(context.Context) (int, int, error) {
	f.calls.Add(1)
	return 1, 0, nil
}

type fakeSweeper struct {
	calls atomic.Int32
	err   error
}

func (f *fakeSweeper) ResumeOrphans(context.Context) (int, error) {
	f.calls.Add(1)
	return 0, f.err
}

func TestParseSchedule(t *testing.T) {
	t.Parallel()
	tests := []struct {
		raw     string
		on      bool
		wantErr bool
	}{
		{raw: "@every 1m", on: true},
		{raw: "*/5 * * * *", on: true},
		{raw: "0 */5 * * * *", on: true},
		{raw: "90s", on: true},
		{raw: "", on: false},
		{raw: "off", on: false},
		{raw: "500ms", wantErr: true},
		{raw: "soon", wantErr: true},
		{raw: "61 * * * *", wantErr: true},
	}
	for _, tt := range tests {
		sched, on, err := ParseSchedule(tt.raw)
		if (err != nil) != tt.wantErr {
			t.Fatalf("ParseSchedule(%q) err = %v, wantErr %v", tt.raw, err, tt.wantErr)
		}
		if err != nil {
			continue
		}
		if on != tt.on || (on && sched == nil) {
			t.Fatalf("ParseSchedule(%q) = (%v, %v)", tt.raw, sched, on)
		}
	}
}

func TestRunNow(t *testing.T) {
	t.Parallel()
	rec := &fakeReconciler{}
	sw := &fakeSweeper{err: errors.New("store down")}
	s := New(Config{}, rec, sw, logx.Nop())
	ctx := context.Background()

	if err := s.RunNow(ctx, TaskReconcile); err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	if err := s.RunNow(ctx, TaskSweep); err == nil {
		t.Fatal("sweep error was swallowed")
	}
	if err := s.RunNow(ctx, "nope"); !errors.Is(err, ErrUnknownTask) {
		t.Fatalf("unknown task err = %v", err)
	}
	if rec.calls.Load() != 1 || sw.calls.Load() != 1 {
		t.Fatalf("calls = %d/%d", rec.calls.Load(), sw.calls.Load())
	}
}

func TestStartRegistersAndApplyReschedules(t *testing.T) {
	t.Parallel()
	s := New(Config{Enabled: true, ReconcileSpec: "@every 1m", SweepSpec: "off", Timezone: "UTC"}, &fakeReconciler{}, &fakeSweeper{}, logx.Nop())
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		s.Stop(ctx)
	})

	got := s.Scheduled()
	if _, ok := got[TaskReconcile]; !ok || len(got) != 1 {
		t.Fatalf("Scheduled() = %v", got)
	}

	s.Apply(Config{Enabled: true, ReconcileSpec: "@every 1m", SweepSpec: "5m", Timezone: "UTC"})
	if got := s.Scheduled(); len(got) != 2 {
		t.Fatalf("after Apply Scheduled() = %v", got)
	}

	s.Apply(Config{Enabled: false})
	if got := s.Scheduled(); len(got) != 0 {
		t.Fatalf("disabled Scheduled() = %v", got)
	}
}

func TestStartRejectsBadSpec(t *testing.T) {
	t.Parallel()
	s := New(Config{Enabled: true, ReconcileSpec: "whenever"}, &fakeReconciler{}, nil, logx.Nop())
	if err := s.Start(context.Background()); err == nil {
		t.Fatal("bad spec accepted")
	}
}

func TestScheduledTaskFires(t *testing.T) {
	t.Parallel()
	rec := &fakeReconciler{}
	s := New(Config{Enabled: true, ReconcileSpec: "@every 1s"}, rec, nil, logx.Nop())
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer s.Stop(context.Background())

	deadline := time.Now().Add(3 * time.Second)
	for rec.calls.Load() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("reconcile never fired")
		}
		time.Sleep(20 * time.Millisecond)
	}
}
