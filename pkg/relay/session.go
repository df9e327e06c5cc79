// Package relay forwards traffic between the controller and a relayed vehicle
// on a relay node.
package relay

import (
	"math"

	"github.com/rubyfpv/radiolink/pkg/radio"
)

// Relay mode bits
const (
	ModeNone        uint8 = 0
	ModeIsRelayNode uint8 = 1 << 0
	ModeMain        uint8 = 1 << 1
	ModeRemote      uint8 = 1 << 2
)

// Relay capability flags negotiated with the controller
const (
	CapTransportTelemetry uint32 = 1 << 0
	CapTransportVideo     uint32 = 1 << 1
	CapTransportCommands  uint32 = 1 << 2
)

// Vehicle id sentinels
const (
	VehicleIDNone      uint32 = 0
	VehicleIDBroadcast uint32 = math.MaxUint32
)

// State is the relay session state
type State int

const (
	StateDisabled State = iota
	StateAwaitingFirstData
	StateActive
)

func (s State) String() string {
	switch s {
	case StateDisabled:
		return "disabled"
	case StateAwaitingFirstData:
		return "awaiting-first-data"
	case StateActive:
		return "active"
	default:
		return "unknown"
	}
}

// Session is the relay configuration of a vehicle plus its first contact latch
type Session struct {
	RelayedVehicleID uint32
	// RelayLinkID is the local radio link reserved for relaying, -1 when disabled
	RelayLinkID     int
	CapabilityFlags uint32
	Mode            uint8

	LastReceivedRelayedVehicleID      uint32
	HasEverReceivedFromRelayedVehicle bool
}

// NewSession creates a disabled session
func NewSession() *Session {
	return &Session{RelayLinkID: -1}
}

// Enabled reports whether a relayed vehicle and a relay link are configured
func (s *Session) Enabled() bool {
	return s.RelayLinkID >= 0 &&
		s.RelayedVehicleID != VehicleIDNone &&
		s.RelayedVehicleID != VehicleIDBroadcast
}

// State derives the session state
func (s *Session) State() State {
	switch {
	case !s.Enabled():
		return StateDisabled
	case !s.HasEverReceivedFromRelayedVehicle:
		return StateAwaitingFirstData
	default:
		return StateActive
	}
}

// Has reports whether all bits of flag are in the capability flags
func (s *Session) Has(flag uint32) bool {
	return s.CapabilityFlags&flag == flag
}

// ResetFirstContact clears the first contact latch
func (s *Session) ResetFirstContact() {
	s.LastReceivedRelayedVehicleID = VehicleIDNone
	s.HasEverReceivedFromRelayedVehicle = false
}

// VideoPolicy decides from the relay mode whether relayed video must be
// forwarded to the controller
type VideoPolicy func(mode uint8) bool

// ForwardWhenRemote forwards relayed video while the controller is viewing
// the remote (relayed) vehicle
func ForwardWhenRemote(mode uint8) bool {
	return mode&ModeRemote != 0
}

// VehicleContext is the vehicle state the forwarder reads
type VehicleContext struct {
	LocalVehicleID uint32
	ControllerID   uint32
	Relay          *Session
	Links          []radio.LinkParams
	Interfaces     []radio.InterfaceParams

	// MustForwardRelayedVideo defaults to ForwardWhenRemote when nil
	MustForwardRelayedVideo VideoPolicy
}

// Interface returns the interface with the given index
func (vc *VehicleContext) Interface(index int) (*radio.InterfaceParams, bool) {
	for i := range vc.Interfaces {
		if vc.Interfaces[i].Index == index {
			return &vc.Interfaces[i], true
		}
	}
	return nil, false
}

// RecomputeRelayFlags sets IfaceCapUsedForRelay on the relay link and its
// interfaces and clears it everywhere else
func (vc *VehicleContext) RecomputeRelayFlags() {
	relayLink := -1
	if vc.Relay != nil {
		relayLink = vc.Relay.RelayLinkID
	}
	for i := range vc.Links {
		if relayLink >= 0 && vc.Links[i].LinkID == relayLink {
			vc.Links[i].CapabilityFlags |= radio.LinkCapUsedForRelay
		} else {
			vc.Links[i].CapabilityFlags &^= radio.LinkCapUsedForRelay
		}
	}
	for i := range vc.Interfaces {
		if relayLink >= 0 && vc.Interfaces[i].LinkID == relayLink {
			vc.Interfaces[i].CapabilityFlags |= radio.IfaceCapUsedForRelay
		} else {
			vc.Interfaces[i].CapabilityFlags &^= radio.IfaceCapUsedForRelay
		}
	}
}
