package presence

import (
	"testing"

	"github.com/google/uuid"

	"github.com/osCore2/osCore2-sub001/internal/appearance"
	"github.com/osCore2/osCore2-sub001/internal/bus"
)

func TestSink_PublishesPerVersion(t *testing.T) {
	b := bus.NewMessageBus(8)
	s := NewSink(b, appearance.VersionExtendedBakes)
	legacy, modern := uuid.New(), uuid.New()
	s.SetOutboundVersion(legacy, appearance.VersionLegacy)

	a := appearance.New()
	a.SetSerial(3)
	s.BroadcastAppearance(legacy, a)
	s.BroadcastAppearance(modern, a)

	first := <-b.Outbound
	if first.Kind != bus.EventAppearance || first.AgentID != legacy || first.Serial != 3 {
		t.Fatalf("first event = %+v", first)
	}
	second := <-b.Outbound
	if len(first.Payload) == len(second.Payload) {
		t.Error("legacy and 0.8 payloads should differ")
	}
	if got := appearance.Unmarshal(second.Payload); got.Serial() != 3 {
		t.Errorf("decoded serial = %d", got.Serial())
	}
}

func TestSink_RebakeAndWearables(t *testing.T) {
	b := bus.NewMessageBus(8)
	s := NewSink(b, appearance.VersionExtendedBakes)
	agent, tex := uuid.New(), uuid.New()

	s.SendRebakeRequest(agent, tex)
	s.RefreshAnimations(agent)
	s.SendWearablesList(agent, appearance.New(), 7)

	ev := <-b.Outbound
	if ev.Kind != bus.EventRebake || ev.TextureID != tex {
		t.Errorf("rebake event = %+v", ev)
	}
	if ev = <-b.Outbound; ev.Kind != bus.EventAnimations {
		t.Errorf("animations event = %+v", ev)
	}
	if ev = <-b.Outbound; ev.Kind != bus.EventWearables || ev.Serial != 7 {
		t.Errorf("wearables event = %+v", ev)
	}

	s.SetOutboundVersion(agent, appearance.VersionPhysicsWearables)
	s.Forget(agent)
	if s.OutboundVersion(agent) != appearance.VersionExtendedBakes {
		t.Error("forgotten agent should use the default version")
	}
}
