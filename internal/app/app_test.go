package app

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"botfleet/internal/channel"
	"botfleet/internal/channel/channeltest"
	"botfleet/internal/config"
	"botfleet/internal/maintenance"
	"botfleet/internal/model"
	logx "botfleet/pkg/logx"
)

const baseYAML = `
logging:
  level: error
storage:
  driver: memory
broadcast:
  pace_interval: 1ms
maintenance:
  enabled: true
  reconcile_spec: "@every 1m"
  sweep_spec: "off"
`

func newTestApp(t *testing.T, body string) (*App, *channeltest.Adapter) {
	t.Helper()
	p := filepath.Join(t.TempDir(), "botfleet.yaml")
	if err := os.WriteFile(p, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	cfgm := config.NewConfigManager(p)
	cfg, err := cfgm.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	logSvc, log := logx.New(mapLoggingConfig(cfg))
	ad := channeltest.NewAdapter()
	a, err := build(cfgm, cfg, ad, logSvc, log)
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	return a, ad
}

func startApp(t *testing.T, a *App) {
	t.Helper()
	if err := a.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = a.Stop(ctx, StopAppStop)
	})
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestAppRunsTenantsAndBroadcasts(t *testing.T) {
	t.Parallel()
	a, ad := newTestApp(t, baseYAML)
	startApp(t, a)
	ctx := context.Background()

	tn, err := a.Store().CreateTenant(ctx, model.Tenant{Name: "shop", Token: "tok-shop", Active: true})
	if err != nil {
		t.Fatalf("CreateTenant: %v", err)
	}
	if err := a.Maintenance().RunNow(ctx, maintenance.TaskReconcile); err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	if !a.Fleet().IsRunning(tn.ID) {
		t.Fatal("reconcile did not start the active tenant")
	}

	sess := ad.Session("tok-shop")
	waitFor(t, "listener", sess.Listening)
	for _, user := range []int64{101, 102} {
		if _, err := sess.Deliver(ctx, channel.Event{ChatID: user, From: channel.User{ExternalID: user}, Text: "hi", At: time.Now()}); err != nil {
			t.Fatalf("Deliver: %v", err)
		}
	}

	job, err := a.Store().CreateJob(ctx, model.Job{Content: model.Content{Text: "sale"}, Targets: []int64{tn.ID}})
	if err != nil {
		t.Fatalf("CreateJob: %v", err)
	}
	run, err := a.Broadcasts().StartJob(ctx, job.ID)
	if err != nil {
		t.Fatalf("StartJob: %v", err)
	}
	res, err := run.Wait(ctx)
	if err != nil {
		t.Fatalf("Wait: %v", err)
	}
	if res.Status != model.JobCompleted || res.Sent != 2 {
		t.Fatalf("result = %+v", res)
	}
}

func TestStopClosesListeners(t *testing.T) {
	t.Parallel()
	a, ad := newTestApp(t, baseYAML)
	if err := a.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	ctx := context.Background()
	tn, err := a.Store().CreateTenant(ctx, model.Tenant{Name: "a", Token: "tok-a", Active: true})
	if err != nil {
		t.Fatalf("CreateTenant: %v", err)
	}
	if err := a.Fleet().StartTenant(ctx, tn.ID); err != nil {
		t.Fatalf("StartTenant: %v", err)
	}

	stopCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := a.Stop(stopCtx, StopSignal); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if !ad.Session("tok-a").Closed() {
		t.Fatal("listener session left open")
	}
	select {
	case <-a.Done():
	default:
		t.Fatal("Done not closed after Stop")
	}
}

func TestApplyConfigReschedulesMaintenance(t *testing.T) {
	t.Parallel()
	a, _ := newTestApp(t, baseYAML)
	startApp(t, a)

	if got := a.Maintenance().Scheduled(); len(got) != 1 {
		t.Fatalf("Scheduled() = %v", got)
	}
	next, err := config.Decode("x.yaml", []byte(strings.Replace(baseYAML, `sweep_spec: "off"`, "sweep_spec: 5m", 1)))
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	a.applyConfig(a.Config(), next)
	if got := a.Maintenance().Scheduled(); len(got) != 2 {
		t.Fatalf("after reload Scheduled() = %v", got)
	}
}

func TestStatusLineReportsSupervisorCounters(t *testing.T) {
	t.Parallel()
	a, _ := newTestApp(t, baseYAML)
	startApp(t, a)

	// eventbus.log, config.reload and the config.watch restart loop stay up.
	waitFor(t, "background goroutines", func() bool { return a.Supervisor().Counters().Active >= 3 })
	line := a.statusLine()
	c := a.Supervisor().Counters()
	if c.Panics != 0 {
		t.Fatalf("panics = %d", c.Panics)
	}
	if !strings.Contains(line, "goroutines (0 panics)") || !strings.HasPrefix(line, "0 listeners, 0 broadcasts running, ") {
		t.Fatalf("statusLine() = %q", line)
	}
}

func TestBuildRejectsBadSchedule(t *testing.T) {
	t.Parallel()
	cfg, err := config.Decode("x.yaml", []byte(strings.Replace(baseYAML, `"@every 1m"`, "whenever", 1)))
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if err := validateRuntime(cfg); err == nil || !strings.Contains(err.Error(), "maintenance.reconcile_spec") {
		t.Fatalf("validateRuntime = %v", err)
	}
}

func TestOpsSinkUsesItsOwnBot(t *testing.T) {
	t.Parallel()
	body := strings.Replace(baseYAML, "level: error\n", "level: warn\n  ops:\n    enabled: true\n    token: ops-token\n    chat_id: -500\n    min_level: warn\n", 1)
	a, ad := newTestApp(t, body)
	startApp(t, a)

	if ad.Session("ops-token") == nil {
		t.Fatal("ops bot not opened")
	}
	a.log.Warn("disk almost full")
	waitFor(t, "ops delivery", func() bool { return ad.SendsTo(-500) > 0 })
}
