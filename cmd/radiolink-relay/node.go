package main

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/rubyfpv/radiolink/pkg/config"
	"github.com/rubyfpv/radiolink/pkg/ipc"
	"github.com/rubyfpv/radiolink/pkg/logging"
	"github.com/rubyfpv/radiolink/pkg/packet"
	"github.com/rubyfpv/radiolink/pkg/radio"
	"github.com/rubyfpv/radiolink/pkg/relay"
	"github.com/rubyfpv/radiolink/pkg/transport"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

type paramUpdater interface {
	UpdateParams(p radio.InterfaceParams) bool
}

type notifier interface {
	Notify(ctx context.Context, s relay.Session) error
}

// modelReconfigurer applies relay changes to the open UDP radios and keeps
// the configuration file in sync
type modelReconfigurer struct {
	path     string
	model    *config.Model
	radios   paramUpdater
	notifier notifier
	paused   atomic.Bool
}

func (r *modelReconfigurer) StopRX(context.Context) error {
	r.paused.Store(true)
	return nil
}

func (r *modelReconfigurer) StartRX(context.Context) error {
	r.paused.Store(false)
	return nil
}

func (r *modelReconfigurer) Persist(_ context.Context, vc *relay.VehicleContext) error {
	r.model.UpdateFromContext(vc)
	if r.path == "" {
		return nil
	}
	return r.model.SaveFile(r.path)
}

func (r *modelReconfigurer) ApplyRadioConfig(_ context.Context, vc *relay.VehicleContext) error {
	var errs error
	for _, p := range vc.Interfaces {
		if !r.radios.UpdateParams(p) {
			errs = multierr.Append(errs, fmt.Errorf("%w: %d", radio.ErrUnknownInterface, p.Index))
			continue
		}
		logging.Debug("Radio interface reconfigured",
			zap.Int("index", p.Index),
			zap.Int("linkID", p.LinkID),
			zap.Bool("relay", p.Has(radio.IfaceCapUsedForRelay)))
	}
	return errs
}

func (r *modelReconfigurer) NotifyRelayParamsChanged(ctx context.Context, s relay.Session) error {
	if r.notifier == nil {
		return nil
	}
	return r.notifier.Notify(ctx, s)
}

// node routes frames received on the radios to the forwarder. The forwarder
// is not safe for concurrent use; mu serializes every receive loop and
// control message.
type node struct {
	mu     sync.Mutex
	vc     *relay.VehicleContext
	fwd    *relay.Forwarder
	reconf *modelReconfigurer
	timers *transport.TimerManager
}

func newNode(vc *relay.VehicleContext, out radio.Output, reconf *modelReconfigurer, timers *transport.TimerManager) *node {
	return &node{
		vc:     vc,
		fwd:    relay.NewForwarder(vc, out, relay.WithReconfigurer(reconf)),
		reconf: reconf,
		timers: timers,
	}
}

// handleFrame dispatches one raw frame. Frames that are neither from the
// relayed vehicle nor addressed to it are not relay traffic and report false.
func (n *node) handleFrame(ifaceIndex int, raw []byte) (relay.Result, bool) {
	if n.reconf.paused.Load() {
		return relay.Result{}, false
	}
	f, err := radio.ParseFrame(raw)
	if err != nil {
		logging.Debug("Dropping raw frame", zap.Int("iface", ifaceIndex), zap.Error(err))
		return relay.Result{}, false
	}

	n.mu.Lock()
	defer n.mu.Unlock()

	iface, ok := n.vc.Interface(ifaceIndex)
	if !ok {
		return relay.Result{}, false
	}
	onRelayLink := iface.Has(radio.IfaceCapUsedForRelay)

	switch {
	case f.Direction == radio.RouterDownlink && onRelayLink:
		return n.fwd.ProcessReceivedFromRelayedVehicle(ifaceIndex, f.Payload), true
	case f.Direction == radio.RouterUplink && !onRelayLink && n.addressedToRelayed(f.Payload):
		return n.fwd.ProcessReceivedFromControllerToRelayedVehicle(ifaceIndex, f.Payload), true
	}
	return relay.Result{}, false
}

func (n *node) addressedToRelayed(frame []byte) bool {
	h, err := packet.DecodeHeader(frame)
	if err != nil {
		return false
	}
	return n.vc.Relay.Enabled() && h.VehicleIDDest == n.vc.Relay.RelayedVehicleID
}

// applyParams handles a relay change received over ipc
func (n *node) applyParams(ctx context.Context, m ipc.RelayParamsChanged) error {
	n.mu.Lock()
	defer n.mu.Unlock()

	if m.VehicleID != n.vc.LocalVehicleID {
		logging.Debug("Ignoring relay params for another vehicle", zap.Uint32("vehicleID", m.VehicleID))
		return nil
	}
	err := n.fwd.OnRelayParamsChanged(ctx, relay.Params{
		RelayedVehicleID: m.RelayedVehicleID,
		RelayLinkID:      m.RelayLinkID,
		CapabilityFlags:  m.CapabilityFlags,
		Mode:             m.Mode,
	})
	if n.fwd.KeyframeGraceActive() {
		n.timers.Schedule(transport.TimerKeyRelayGrace, relay.KeyframeGracePeriod, func() {
			logging.Info("Keyframe grace period over")
		})
	}
	return err
}

func (n *node) logStats() {
	n.mu.Lock()
	s := n.fwd.Stats()
	state := n.vc.Relay.State()
	pingLink := n.fwd.LastPingLinkID()
	n.mu.Unlock()

	logging.Info("Relay stats",
		zap.String("state", state.String()),
		zap.Int("lastPingLinkID", pingLink),
		zap.Uint64("framesFromRelayed", s.FramesFromRelayed),
		zap.Uint64("framesToController", s.FramesToController),
		zap.Uint64("framesFromController", s.FramesFromController),
		zap.Uint64("framesToRelayed", s.FramesToRelayed),
		zap.Uint64("originMismatches", s.OriginMismatches),
		zap.Uint64("notForwardable", s.NotForwardable),
		zap.Uint64("malformed", s.Malformed),
		zap.Uint64("sendFailures", s.SendFailures),
		zap.Uint64("pingRepliesPatched", s.PingRepliesPatched))
}
