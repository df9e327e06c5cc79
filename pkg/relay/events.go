package relay

import (
	"context"
	"fmt"

	"github.com/rubyfpv/radiolink/pkg/logging"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// Reconfigurer applies a relay parameter change to the radios. Every step
// is attempted even when an earlier one fails.
type Reconfigurer interface {
	StopRX(ctx context.Context) error
	Persist(ctx context.Context, vc *VehicleContext) error
	ApplyRadioConfig(ctx context.Context, vc *VehicleContext) error
	StartRX(ctx context.Context) error
	NotifyRelayParamsChanged(ctx context.Context, s Session) error
}

// Params is a full set of relay parameters
type Params struct {
	RelayedVehicleID uint32
	RelayLinkID      int
	CapabilityFlags  uint32
	Mode             uint8
}

// OnRelayModeChanged switches the relay mode. Keyframe counters restart and
// keyframes are shown for a short grace period.
func (f *Forwarder) OnRelayModeChanged(mode uint8) {
	old := f.vc.Relay.Mode
	f.vc.Relay.Mode = mode
	f.stats.KeyframeAcksForwarded = 0
	f.keyframeGraceUntil = f.now().Add(KeyframeGracePeriod)

	logging.Info("Relay mode changed",
		zap.Uint8("old", old),
		zap.Uint8("new", mode))
}

// OnRelayFlagsChanged updates the relay capability flags
func (f *Forwarder) OnRelayFlagsChanged(flags uint32) {
	old := f.vc.Relay.CapabilityFlags
	f.vc.Relay.CapabilityFlags = flags
	logging.Info("Relay capability flags changed",
		zap.Uint32("old", old),
		zap.Uint32("new", flags))
}

// OnRelayedVehicleIDChanged points the relay at another vehicle; the first
// contact latch must be re-armed by that vehicle
func (f *Forwarder) OnRelayedVehicleIDChanged(vehicleID uint32) {
	old := f.vc.Relay.RelayedVehicleID
	f.vc.Relay.RelayedVehicleID = vehicleID
	f.vc.Relay.ResetFirstContact()
	f.mismatchLog.Reset()
	logging.Info("Relayed vehicle changed",
		zap.Uint32("old", old),
		zap.Uint32("new", vehicleID),
		zap.String("state", f.vc.Relay.State().String()))
}

// OnRelayParamsChanged applies a full relay parameter set: receive is stopped,
// the relay capability bits of links and interfaces are recomputed, the model
// is persisted, radios reconfigured, receive restarted and local peers
// notified.
func (f *Forwarder) OnRelayParamsChanged(ctx context.Context, p Params) error {
	var errs error
	if f.reconf != nil {
		errs = multierr.Append(errs, f.reconf.StopRX(ctx))
	}

	s := f.vc.Relay
	if p.RelayedVehicleID != s.RelayedVehicleID {
		f.OnRelayedVehicleIDChanged(p.RelayedVehicleID)
	}
	if p.CapabilityFlags != s.CapabilityFlags {
		f.OnRelayFlagsChanged(p.CapabilityFlags)
	}
	if p.Mode != s.Mode {
		f.OnRelayModeChanged(p.Mode)
	}
	if p.RelayLinkID != s.RelayLinkID {
		s.RelayLinkID = p.RelayLinkID
		f.lastPingLinkID = -1
	}
	f.vc.RecomputeRelayFlags()

	if f.reconf != nil {
		errs = multierr.Append(errs, f.reconf.Persist(ctx, f.vc))
		errs = multierr.Append(errs, f.reconf.ApplyRadioConfig(ctx, f.vc))
		errs = multierr.Append(errs, f.reconf.StartRX(ctx))
		errs = multierr.Append(errs, f.reconf.NotifyRelayParamsChanged(ctx, *s))
	}

	logging.Info("Relay parameters applied",
		zap.Uint32("relayedVehicleID", s.RelayedVehicleID),
		zap.Int("relayLinkID", s.RelayLinkID),
		zap.Uint32("capabilities", s.CapabilityFlags),
		zap.Uint8("mode", s.Mode),
		zap.String("state", s.State().String()),
		zap.Error(errs))

	if errs != nil {
		return fmt.Errorf("relay reconfiguration: %w", errs)
	}
	return nil
}
