// Package simhost assembles the appearance subsystem of a region
// simulator: storage, bake cache, save/send scheduler, presence events,
// the observer endpoint and maintenance jobs.
package simhost

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/osCore2/osCore2-sub001/internal/avatarfactory"
	"github.com/osCore2/osCore2-sub001/internal/bakes"
	"github.com/osCore2/osCore2-sub001/internal/bus"
	"github.com/osCore2/osCore2-sub001/internal/config"
	"github.com/osCore2/osCore2-sub001/internal/cron"
	"github.com/osCore2/osCore2-sub001/internal/observer"
	"github.com/osCore2/osCore2-sub001/internal/presence"
	"github.com/osCore2/osCore2-sub001/internal/store"
	"github.com/osCore2/osCore2-sub001/internal/telemetry"
)

// AuditJobName is the cron job that rebakes missing bakes.
const AuditJobName = "bake-audit"

const shutdownTimeout = 10 * time.Second

type Options struct {
	SignalChan chan os.Signal // for testing signal handling
}

type Host struct {
	cfg      *config.Config
	bus      *bus.MessageBus
	engine   *store.Engine
	bakes    *bakes.Manager
	sink     *presence.Sink
	avatars  *avatarfactory.Service
	observer *observer.Observer
	cron     *cron.Service

	shutdownTelemetry telemetry.ShutdownFunc
	signalChan        chan os.Signal
}

func New(ctx context.Context, cfg *config.Config) (*Host, error) {
	return NewWithOptions(ctx, cfg, Options{})
}

func NewWithOptions(ctx context.Context, cfg *config.Config, opts Options) (*Host, error) {
	h := &Host{cfg: cfg, signalChan: opts.SignalChan}

	shutdown, err := telemetry.Setup(ctx, cfg.Telemetry)
	if err != nil {
		return nil, err
	}
	h.shutdownTelemetry = shutdown

	h.bus = bus.NewMessageBus(cfg.Observer.BufSize)

	engine, err := store.Open(cfg.Store.DBPath)
	if err != nil {
		_ = shutdown(ctx)
		return nil, fmt.Errorf("open store: %w", err)
	}
	h.engine = engine

	ac := cfg.Appearance
	h.sink = presence.NewSink(h.bus, ac.OutboundVersion)
	h.bakes = bakes.NewManager(engine.Assets(), engine.Bakes(), h.sink, ac.ReuseTextures)
	h.bakes.SetRemoteTimeout(ac.RemoteTimeout())
	h.avatars = avatarfactory.NewService(avatarfactory.SchedulerOptions{
		SaveDelay:        ac.SaveDelay(),
		SendDelay:        ac.SendDelay(),
		SweepPeriod:      ac.SweepPeriod(),
		FlushParallelism: ac.FlushParallelism,
	}, h.bakes, engine.Inventory(), engine, h.sink)

	if cfg.Observer.Enabled {
		h.observer = observer.New(cfg.Observer, h.bus)
	}

	h.cron = cron.NewService(filepath.Join(filepath.Dir(cfg.Store.DBPath), "cron.json"))
	if err := h.cron.AddJob(AuditJobName, ac.AuditSchedule, h.auditBakes); err != nil {
		_ = engine.Close()
		_ = shutdown(ctx)
		return nil, fmt.Errorf("register %s: %w", AuditJobName, err)
	}

	return h, nil
}

func (h *Host) Bus() *bus.MessageBus { return h.bus }
func (h *Host) Avatars() *avatarfactory.Service { return h.avatars }
func (h *Host) Presence() *presence.Sink { return h.sink }
func (h *Host) Store() *store.Engine { return h.engine }
func (h *Host) Cron() *cron.Service { return h.cron }
func (h *Host) Observer() *observer.Observer { return h.observer }

func (h *Host) auditBakes(ctx context.Context) (string, error) {
	n := h.avatars.AuditBakes(ctx)
	return fmt.Sprintf("%d rebake requests across %d avatars", n, len(h.avatars.Avatars())), nil
}

// Login brings an avatar into the region at the viewer's protocol version.
func (h *Host) Login(ctx context.Context, agentID uuid.UUID, version float64) bool {
	h.sink.SetOutboundVersion(agentID, version)
	return h.avatars.Login(ctx, agentID)
}

// Logout saves pending work for the avatar before forgetting it.
func (h *Host) Logout(ctx context.Context, agentID uuid.UUID) {
	if err := h.avatars.SaveNow(ctx, agentID); err != nil {
		log.Printf("[simhost] warning: save on logout for %s: %v", agentID, err)
	}
	h.avatars.RemoveAvatar(agentID)
	h.sink.Forget(agentID)
}

// Start brings up dispatch, the observer, cron and the request loop.
func (h *Host) Start(ctx context.Context) error {
	go h.bus.DispatchOutbound(ctx)

	if h.observer != nil {
		if err := h.observer.Start(ctx); err != nil {
			return fmt.Errorf("start observer: %w", err)
		}
	}
	if err := h.cron.Start(ctx); err != nil {
		log.Printf("[simhost] cron start warning: %v", err)
	}

	go h.processLoop(ctx)
	return nil
}

func (h *Host) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	if err := h.Start(ctx); err != nil {
		return err
	}
	log.Printf("[simhost] running, store at %s", h.cfg.Store.DBPath)

	sigCh := h.signalChan
	if sigCh == nil {
		sigCh = make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	}
	select {
	case <-sigCh:
	case <-ctx.Done():
	}

	log.Printf("[simhost] shutting down...")
	return h.Shutdown()
}

func (h *Host) processLoop(ctx context.Context) {
	for {
		select {
		case req := <-h.bus.Inbound:
			h.handleRequest(ctx, req)
		case <-ctx.Done():
			return
		}
	}
}

func (h *Host) handleRequest(ctx context.Context, req bus.InboundRequest) {
	log.Printf("[simhost] %s for %s from %s", req.Kind, req.AgentID, req.Source)
	if _, ok := h.avatars.Snapshot(req.AgentID); !ok {
		log.Printf("[simhost] warning: %s for unknown avatar %s", req.Kind, req.AgentID)
		return
	}
	switch req.Kind {
	case bus.RequestSendAppearance:
		h.avatars.QueueSend(req.AgentID)
	case bus.RequestValidate:
		h.avatars.ValidateBakedTextureCache(ctx, req.AgentID)
	case bus.RequestRebake:
		h.avatars.RequestRebake(ctx, req.AgentID, false)
	case bus.RequestReset:
		h.avatars.ResetAppearance(req.AgentID)
	default:
		log.Printf("[simhost] warning: unknown request kind %q", req.Kind)
	}
}

// Shutdown stops intake first, then drains queued saves before closing
// the store.
func (h *Host) Shutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if h.observer != nil {
		_ = h.observer.Stop()
	}
	h.cron.Stop()
	h.avatars.Close(ctx)

	var firstErr error
	if err := h.engine.Close(); err != nil {
		firstErr = fmt.Errorf("close store: %w", err)
	}
	if err := h.shutdownTelemetry(ctx); err != nil && firstErr == nil {
		firstErr = fmt.Errorf("shutdown telemetry: %w", err)
	}
	log.Printf("[simhost] stopped")
	return firstErr
}
