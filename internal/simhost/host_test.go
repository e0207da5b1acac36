package simhost

import (
	"context"
	"encoding/json"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/osCore2/osCore2-sub001/internal/appearance"
	"github.com/osCore2/osCore2-sub001/internal/avatarfactory"
	"github.com/osCore2/osCore2-sub001/internal/bus"
	"github.com/osCore2/osCore2-sub001/internal/config"
	"github.com/osCore2/osCore2-sub001/internal/store"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	t.Setenv("HOME", t.TempDir())
	cfg := config.DefaultConfig()
	cfg.Store.DBPath = filepath.Join(t.TempDir(), "data", "avatard.db")
	cfg.Appearance.SaveDelaySeconds = 1
	cfg.Appearance.SendDelaySeconds = 1
	cfg.Appearance.SweepPeriodMs = 20
	cfg.Appearance.AuditSchedule = "@hourly"
	cfg.Observer.Port = 0
	return cfg
}

type recorder struct {
	mu     sync.Mutex
	events []bus.OutboundEvent
}

func (r *recorder) record(ev bus.OutboundEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *recorder) count(kind bus.EventKind, agent uuid.UUID) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, ev := range r.events {
		if ev.Kind == kind && ev.AgentID == agent {
			n++
		}
	}
	return n
}

func (r *recorder) waitFor(t *testing.T, kind bus.EventKind, agent uuid.UUID) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for r.count(kind, agent) == 0 {
		if time.Now().After(deadline) {
			t.Fatalf("no %s event for %s", kind, agent)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func startHost(t *testing.T, cfg *config.Config) (*Host, *recorder) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	h, err := New(ctx, cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	rec := &recorder{}
	h.Bus().SubscribeOutbound("test", rec.record)
	if err := h.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	return h, rec
}

func TestHost_LoginBroadcastsAndShutdownSaves(t *testing.T) {
	cfg := testConfig(t)
	h, rec := startHost(t, cfg)
	ctx := context.Background()
	agent := uuid.New()

	if !h.Login(ctx, agent, appearance.VersionExtendedBakes) {
		t.Fatal("fresh avatar should validate")
	}
	rec.waitFor(t, bus.EventAppearance, agent)
	if rec.count(bus.EventAnimations, agent) == 0 {
		t.Error("appearance send should refresh animations")
	}

	params := appearance.DefaultVisualParams(0)
	params[10] = 77
	if !h.Avatars().SetAppearance(ctx, agent, avatarfactory.SetAppearanceRequest{VisualParams: params}) {
		t.Fatal("SetAppearance reported no change")
	}
	if err := h.Shutdown(); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}

	e, err := store.Open(cfg.Store.DBPath)
	if err != nil {
		t.Fatalf("reopen store: %v", err)
	}
	defer e.Close()
	got, err := e.LoadAppearance(ctx, agent)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if got.VisualParams()[10] != 77 {
		t.Errorf("saved param = %d, want 77", got.VisualParams()[10])
	}
}

func TestHost_InboundRequests(t *testing.T) {
	h, rec := startHost(t, testConfig(t))
	defer h.Shutdown()
	ctx := context.Background()
	agent, stranger := uuid.New(), uuid.New()
	h.Login(ctx, agent, appearance.VersionExtendedBakes)
	rec.waitFor(t, bus.EventAppearance, agent)
	before := rec.count(bus.EventAppearance, agent)

	h.Bus().Inbound <- bus.InboundRequest{Kind: bus.RequestSendAppearance, AgentID: stranger, Source: "test"}
	h.Bus().Inbound <- bus.InboundRequest{Kind: bus.RequestSendAppearance, AgentID: agent, Source: "test"}

	deadline := time.Now().Add(5 * time.Second)
	for rec.count(bus.EventAppearance, agent) == before {
		if time.Now().After(deadline) {
			t.Fatal("send_appearance request never broadcast")
		}
		time.Sleep(10 * time.Millisecond)
	}
	if rec.count(bus.EventAppearance, stranger) != 0 {
		t.Error("request for an unknown avatar should be ignored")
	}
}

func TestHost_ResetRequest(t *testing.T) {
	h, rec := startHost(t, testConfig(t))
	defer h.Shutdown()
	ctx := context.Background()
	agent := uuid.New()
	h.Login(ctx, agent, appearance.VersionExtendedBakes)
	h.Avatars().Attach(agent, 5, uuid.New(), uuid.New())

	h.Bus().Inbound <- bus.InboundRequest{Kind: bus.RequestReset, AgentID: agent, Source: "test"}
	rec.waitFor(t, bus.EventWearables, agent)

	snap, _ := h.Avatars().Snapshot(agent)
	if len(snap.Attachments()) != 0 {
		t.Errorf("attachments = %d after reset", len(snap.Attachments()))
	}
}

func TestHost_LogoutSavesAndForgets(t *testing.T) {
	cfg := testConfig(t)
	h, _ := startHost(t, cfg)
	defer h.Shutdown()
	ctx := context.Background()
	agent := uuid.New()

	h.Login(ctx, agent, appearance.VersionPhysicsWearables)
	if got := h.Presence().OutboundVersion(agent); got != appearance.VersionPhysicsWearables {
		t.Errorf("outbound version = %v", got)
	}
	h.Avatars().Attach(agent, 5, uuid.New(), uuid.New())
	h.Logout(ctx, agent)

	if _, ok := h.Avatars().Snapshot(agent); ok {
		t.Error("avatar still registered after logout")
	}
	if got := h.Presence().OutboundVersion(agent); got != cfg.Appearance.OutboundVersion {
		t.Errorf("outbound version after logout = %v, want default", got)
	}
	saved, err := h.Store().LoadAppearance(ctx, agent)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(saved.Attachments()) != 1 {
		t.Errorf("attachments = %d, want 1", len(saved.Attachments()))
	}
}

func TestHost_LogoutResolvesWearables(t *testing.T) {
	h, _ := startHost(t, testConfig(t))
	defer h.Shutdown()
	ctx := context.Background()
	agent, shirt, asset := uuid.New(), uuid.New(), uuid.New()

	err := h.Store().Inventory().PutItem(ctx, appearance.InventoryItem{
		ID: shirt, OwnerID: agent, AssetID: asset, Type: appearance.WearableShirt,
	})
	if err != nil {
		t.Fatalf("put item: %v", err)
	}
	h.Login(ctx, agent, appearance.VersionExtendedBakes)
	h.Avatars().SetWearables(ctx, agent, []appearance.WornItem{{ItemID: shirt, Type: appearance.WearableShirt}})
	h.Logout(ctx, agent)

	saved, err := h.Store().LoadAppearance(ctx, agent)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	layers := saved.WearableSlot(appearance.WearableShirt)
	if len(layers) != 1 || layers[0].AssetID != asset {
		t.Errorf("shirt layers = %+v, want asset %s", layers, asset)
	}
}

func TestHost_AuditJob(t *testing.T) {
	h, _ := startHost(t, testConfig(t))
	defer h.Shutdown()

	if err := h.Cron().RunNow(AuditJobName); err != nil {
		t.Fatalf("RunNow: %v", err)
	}
	jobs := h.Cron().ListJobs()
	if len(jobs) != 1 || jobs[0].State.LastStatus != "ok" {
		t.Errorf("jobs = %+v", jobs)
	}
}

func TestHost_BadAuditSchedule(t *testing.T) {
	cfg := testConfig(t)
	cfg.Appearance.AuditSchedule = "whenever"
	if _, err := New(context.Background(), cfg); err == nil {
		t.Fatal("invalid audit schedule should fail")
	}
}

func TestHost_Observer(t *testing.T) {
	cfg := testConfig(t)
	cfg.Observer.Enabled = true
	h, _ := startHost(t, cfg)
	defer h.Shutdown()

	resp, err := http.Get("http://" + h.Observer().Addr() + "/healthz")
	if err != nil {
		t.Fatalf("GET /healthz: %v", err)
	}
	defer resp.Body.Close()
	var body map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body["status"] != "ok" {
		t.Errorf("healthz = %v", body)
	}
}

func TestHost_RunStopsOnSignal(t *testing.T) {
	sigCh := make(chan os.Signal, 1)
	h, err := NewWithOptions(context.Background(), testConfig(t), Options{SignalChan: sigCh})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	done := make(chan error, 1)
	go func() { done <- h.Run(context.Background()) }()
	time.Sleep(50 * time.Millisecond)
	sigCh <- syscall.SIGTERM

	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Run = %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after signal")
	}
}
