package bus

import (
	"time"

	"github.com/google/uuid"
)

// EventKind names an outbound presence event.
type EventKind string

const (
	EventAppearance EventKind = "appearance"
	EventAnimations EventKind = "animations"
	EventRebake     EventKind = "rebake"
	EventWearables  EventKind = "wearables"
)

// OutboundEvent is something the simulator tells observers of an avatar.
type OutboundEvent struct {
	Kind      EventKind
	AgentID   uuid.UUID
	TextureID uuid.UUID // rebake only
	Serial    int       // wearables only
	Payload   []byte    // encoded appearance document
	Timestamp time.Time
}

// RequestKind names an inbound operator request.
type RequestKind string

const (
	RequestSendAppearance RequestKind = "send_appearance"
	RequestValidate       RequestKind = "validate"
	RequestRebake         RequestKind = "rebake"
	RequestReset          RequestKind = "reset"
)

// InboundRequest is an operator request coming in from an observer.
type InboundRequest struct {
	Kind      RequestKind
	AgentID   uuid.UUID
	Source    string
	Timestamp time.Time
}
