// Package presence delivers appearance traffic onto the message bus, packed
// for each agent's negotiated protocol version.
package presence

import (
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/osCore2/osCore2-sub001/internal/appearance"
	"github.com/osCore2/osCore2-sub001/internal/bus"
)

// Sink publishes presence events to a MessageBus.
type Sink struct {
	bus *bus.MessageBus

	mu       sync.RWMutex
	versions map[uuid.UUID]float64
	fallback float64
}

// NewSink creates a Sink. Agents without a negotiated version get
// defaultVersion.
func NewSink(b *bus.MessageBus, defaultVersion float64) *Sink {
	return &Sink{
		bus:      b,
		versions: make(map[uuid.UUID]float64),
		fallback: defaultVersion,
	}
}

// SetOutboundVersion records the protocol version negotiated with an agent.
func (s *Sink) SetOutboundVersion(agentID uuid.UUID, version float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.versions[agentID] = version
}

// Forget drops per-agent state.
func (s *Sink) Forget(agentID uuid.UUID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.versions, agentID)
}

// OutboundVersion returns the version used for an agent.
func (s *Sink) OutboundVersion(agentID uuid.UUID) float64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if v, ok := s.versions[agentID]; ok {
		return v
	}
	return s.fallback
}

func (s *Sink) BroadcastAppearance(agentID uuid.UUID, snapshot *appearance.Appearance) {
	payload, err := appearance.MarshalAppearance(snapshot, s.OutboundVersion(agentID))
	if err != nil {
		log.Printf("[presence] encode appearance for %s: %v", agentID, err)
		return
	}
	s.bus.Publish(bus.OutboundEvent{
		Kind:      bus.EventAppearance,
		AgentID:   agentID,
		Serial:    snapshot.Serial(),
		Payload:   payload,
		Timestamp: time.Now(),
	})
}

func (s *Sink) RefreshAnimations(agentID uuid.UUID) {
	s.bus.Publish(bus.OutboundEvent{Kind: bus.EventAnimations, AgentID: agentID, Timestamp: time.Now()})
}

func (s *Sink) SendRebakeRequest(agentID, textureID uuid.UUID) {
	s.bus.Publish(bus.OutboundEvent{
		Kind:      bus.EventRebake,
		AgentID:   agentID,
		TextureID: textureID,
		Timestamp: time.Now(),
	})
}

func (s *Sink) SendWearablesList(agentID uuid.UUID, snapshot *appearance.Appearance, serial int) {
	payload, err := appearance.MarshalAppearance(snapshot, s.OutboundVersion(agentID))
	if err != nil {
		log.Printf("[presence] encode wearables for %s: %v", agentID, err)
		return
	}
	s.bus.Publish(bus.OutboundEvent{
		Kind:      bus.EventWearables,
		AgentID:   agentID,
		Serial:    serial,
		Payload:   payload,
		Timestamp: time.Now(),
	})
}
